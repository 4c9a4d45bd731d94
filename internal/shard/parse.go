package shard

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"mastr/pkg/records"
)

// decode converts raw shard bytes to UTF-8. A BOM selects UTF-8 or UTF-16;
// BOM-less input is sniffed for UTF-16LE and otherwise taken as UTF-8.
func decode(raw []byte) ([]byte, error) {
	fallback := transform.Transformer(transform.Nop)
	if looksUTF16LE(raw) {
		fallback = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	}
	out, _, err := transform.Bytes(unicode.BOMOverride(fallback), raw)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func looksUTF16LE(b []byte) bool {
	return len(b) >= 4 && b[0] == '<' && b[1] == 0 && b[2] != 0 && b[3] == 0
}

// parseError carries the decoder offset of a syntax error.
type parseError struct {
	offset int64
	err    error
}

func (e *parseError) Error() string { return fmt.Sprintf("offset %d: %v", e.offset, e.err) }
func (e *parseError) Unwrap() error { return e.err }

// parseWithRepair parses data; on a syntax error at a known offset it
// deletes the enclosing text run once and parses again.
func parseWithRepair(name string, raw []byte, log Logger) (*records.Batch, bool, error) {
	data, err := decode(raw)
	if err != nil {
		return nil, false, fmt.Errorf("shard %s: decode: %w", name, err)
	}
	b, err := parseRows(data)
	if err == nil {
		return b, false, nil
	}
	var pe *parseError
	if !errors.As(err, &pe) {
		return nil, false, fmt.Errorf("shard %s: %w", name, err)
	}
	fixed, ok := deleteExpression(data, pe.offset)
	if !ok {
		return nil, false, fmt.Errorf("%w: shard %s: %v", ErrMalformed, name, err)
	}
	b, err2 := parseRows(fixed)
	if err2 != nil {
		return nil, false, fmt.Errorf("%w: shard %s: %v (after repair of %v)", ErrMalformed, name, err2, err)
	}
	log.Printf("shard=%s one invalid expression deleted offset=%d", name, pe.offset)
	return b, true, nil
}

// deleteExpression removes the text between the '>' preceding offset and the
// '<' following it.
func deleteExpression(data []byte, offset int64) ([]byte, bool) {
	if len(data) == 0 {
		return nil, false
	}
	at := int(offset) - 1
	if at < 0 {
		at = 0
	}
	if at >= len(data) {
		at = len(data) - 1
	}
	start := bytes.LastIndexByte(data[:at+1], '>')
	if data[at] == '>' {
		start = bytes.LastIndexByte(data[:at], '>')
	}
	end := bytes.IndexByte(data[at:], '<')
	if start < 0 || end < 0 {
		return nil, false
	}
	end += at
	if end <= start+1 {
		return nil, false
	}
	out := make([]byte, 0, len(data)-(end-start-1))
	out = append(out, data[:start+1]...)
	out = append(out, data[end:]...)
	return out, true
}

// parseRows turns root children into rows and grandchildren into columns.
// Deeper elements contribute their text to the enclosing column. Empty
// column elements are left out of the row.
func parseRows(data []byte) (*records.Batch, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = func(_ string, r io.Reader) (io.Reader, error) { return r, nil }

	b := records.NewBatch("")
	var (
		depth int
		row   records.Record
		col   string
		text  strings.Builder
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			var se *xml.SyntaxError
			if errors.As(err, &se) {
				return nil, &parseError{offset: dec.InputOffset(), err: err}
			}
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch depth {
			case 2:
				row = records.Record{}
			case 3:
				col = t.Name.Local
				text.Reset()
			}
		case xml.CharData:
			if depth >= 3 {
				text.Write(t)
			}
		case xml.EndElement:
			switch depth {
			case 2:
				if row != nil {
					b.Add(row)
				}
				row = nil
			case 3:
				if v := strings.TrimSpace(text.String()); v != "" {
					row[col] = v
				}
			}
			depth--
		}
	}
	return b, nil
}
