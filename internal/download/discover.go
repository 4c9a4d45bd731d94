package download

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultSelector matches the primary download anchor of the landing page.
const DefaultSelector = `a[href*="Gesamtdatenexport"]`

// ErrNoAnchor is returned when the landing page has no matching anchor.
var ErrNoAnchor = errors.New("download anchor not found")

// Discover returns the absolute href of the first anchor matching selector.
// When match is non-empty it is a regular expression the href must satisfy;
// a capture group, if present, is used as the href. Relative hrefs resolve
// against pageURL.
func Discover(html, pageURL, selector, match string) (string, error) {
	if strings.TrimSpace(selector) == "" {
		selector = DefaultSelector
	}
	re, err := compileOptionalRegex(match)
	if err != nil {
		return "", err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	var href string
	doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		v, ok := s.Attr("href")
		if !ok {
			return true
		}
		v = applyRegexFilter(strings.TrimSpace(v), re)
		if v == "" {
			return true
		}
		href = v
		return false
	})
	if href == "" {
		return "", fmt.Errorf("%w: selector %q", ErrNoAnchor, selector)
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse href %q: %w", href, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func compileOptionalRegex(pattern string) (*regexp.Regexp, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid href match %q: %w", pattern, err)
	}
	return re, nil
}

// applyRegexFilter returns value unchanged for a nil re, "" when re does not
// match, group 1 when re has groups, and the full match otherwise.
func applyRegexFilter(value string, re *regexp.Regexp) string {
	if value == "" || re == nil {
		return value
	}
	sm := re.FindStringSubmatch(value)
	if len(sm) == 0 {
		return ""
	}
	if len(sm) > 1 {
		return sm[1]
	}
	return sm[0]
}
