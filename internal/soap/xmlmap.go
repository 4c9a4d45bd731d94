package soap

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// listContainers always decode to lists, even with zero or one child.
var listContainers = map[string]struct{}{
	"Einheiten":            {},
	"Lokationen":           {},
	"VerknuepfteEinheiten": {},
	"Netzanschlusspunkte":  {},
	"Ertuechtigung":        {},
}

// reLeapSecond matches a time of day whose second is 60. The service emits
// these for records edited during a leap second.
var reLeapSecond = regexp.MustCompile(`([T ]\d{2}:\d{2}):60`)

type node struct {
	name     string
	nilled   bool
	children []*node
	text     strings.Builder
}

// parseTree reads the whole document into a node tree and returns the root.
func parseTree(data []byte) (*node, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = func(_ string, r io.Reader) (io.Reader, error) { return r, nil }

	var (
		root  *node
		stack []*node
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &node{name: t.Name.Local}
			for _, a := range t.Attr {
				if a.Name.Local == "nil" && strings.EqualFold(a.Value, "true") {
					n.nilled = true
				}
			}
			if len(stack) == 0 {
				root = n
			} else {
				p := stack[len(stack)-1]
				p.children = append(p.children, n)
			}
			stack = append(stack, n)
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		}
	}
	if root == nil {
		return nil, errors.New("decode response: empty document")
	}
	return root, nil
}

func (n *node) child(name string) *node {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

// value converts n into a string, nil, []any or map[string]any.
func (n *node) value() any {
	if _, ok := listContainers[n.name]; ok {
		out := make([]any, 0, len(n.children))
		for _, c := range n.children {
			out = append(out, c.value())
		}
		return out
	}
	if n.nilled {
		return nil
	}
	if len(n.children) == 0 {
		s := strings.TrimSpace(n.text.String())
		if s == "" {
			return nil
		}
		return reLeapSecond.ReplaceAllString(s, "$1:59")
	}
	m := make(map[string]any, len(n.children))
	repeated := map[string]bool{}
	for _, c := range n.children {
		v := c.value()
		prev, seen := m[c.name]
		switch {
		case !seen:
			m[c.name] = v
		case repeated[c.name]:
			m[c.name] = append(prev.([]any), v)
		default:
			m[c.name] = []any{prev, v}
			repeated[c.name] = true
		}
	}
	return m
}

// decodeResponse extracts the operation result or fault from a SOAP envelope.
func decodeResponse(op string, data []byte) (map[string]any, error) {
	root, err := parseTree(data)
	if err != nil {
		return nil, err
	}
	body := root.child("Body")
	if body == nil {
		return nil, errors.New("decode response: envelope has no Body")
	}
	if f := body.child("Fault"); f != nil {
		return nil, parseFault(op, f)
	}
	if len(body.children) == 0 {
		return map[string]any{}, nil
	}
	res := body.children[0]
	if len(res.children) == 1 && strings.HasSuffix(res.children[0].name, "Result") {
		res = res.children[0]
	}
	m, ok := res.value().(map[string]any)
	if !ok {
		return map[string]any{}, nil
	}
	return m, nil
}

// parseFault reads SOAP 1.1 faultcode/faultstring or SOAP 1.2 Code/Reason.
func parseFault(op string, f *node) *FaultError {
	text := func(n *node) string {
		if n == nil {
			return ""
		}
		return strings.TrimSpace(n.text.String())
	}
	code, msg := text(f.child("faultcode")), text(f.child("faultstring"))
	if c := f.child("Code"); c != nil && code == "" {
		code = text(c.child("Value"))
	}
	if r := f.child("Reason"); r != nil && msg == "" {
		msg = text(r.child("Text"))
	}
	return newFault(op, code, msg)
}
