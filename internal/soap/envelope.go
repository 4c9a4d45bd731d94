package soap

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"sort"
	"time"
)

const envelopeNS = "http://schemas.xmlsoap.org/soap/envelope/"

// Params are the operation-specific arguments of one call.
type Params map[string]any

// Injected parameter names.
const (
	ParamToken = "apiKey"
	ParamUser  = "marktakteurMastrNummer"
)

// dateTimeLayout is the xs:dateTime form the service accepts.
const dateTimeLayout = "2006-01-02T15:04:05"

// buildEnvelope renders the request. Credentials come first, the remaining
// parameters in name order. Nil values are left out.
func buildEnvelope(ns, op string, creds Credentials, p Params) []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	b.WriteString(`<soap:Envelope xmlns:soap="` + envelopeNS + `" xmlns:m="`)
	xmlEscape(&b, ns)
	b.WriteString(`"><soap:Body><m:` + op + `>`)

	writeParam(&b, ParamToken, creds.Token)
	writeParam(&b, ParamUser, creds.User)

	names := make([]string, 0, len(p))
	for k := range p {
		if k == ParamToken || k == ParamUser {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if p[k] == nil {
			continue
		}
		writeParam(&b, k, formatValue(p[k]))
	}

	b.WriteString(`</m:` + op + `></soap:Body></soap:Envelope>`)
	return b.Bytes()
}

func writeParam(b *bytes.Buffer, name, value string) {
	b.WriteString("<m:" + name + ">")
	xmlEscape(b, value)
	b.WriteString("</m:" + name + ">")
}

func xmlEscape(b *bytes.Buffer, s string) {
	_ = xml.EscapeText(b, []byte(s))
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case time.Time:
		return x.Format(dateTimeLayout)
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(x)
	}
}
