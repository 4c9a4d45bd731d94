package soap

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var testCreds = Credentials{User: "SOM123456789012", Token: "secret-token"}

func envelope(body string) string {
	return `<?xml version="1.0" encoding="utf-8"?>` +
		`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body>` + body + `</s:Body></s:Envelope>`
}

func fault(code, msg string) string {
	return envelope(`<s:Fault><faultcode>` + code + `</faultcode><faultstring>` + msg + `</faultstring></s:Fault>`)
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(testCreds, Options{Endpoint: srv.URL, HTTPClient: srv.Client(), RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestBuildEnvelopeInjectsCredentialsFirst(t *testing.T) {
	t.Parallel()

	got := string(buildEnvelope("urn:x", "GetEinheitWind", testCreds, Params{
		"einheitMastrNummer": "SEE9<1>",
		"datumAb":            time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		"skip":               nil,
	}))
	for _, want := range []string{
		`<m:GetEinheitWind><m:apiKey>secret-token</m:apiKey><m:marktakteurMastrNummer>SOM123456789012</m:marktakteurMastrNummer>`,
		`<m:datumAb>2024-01-02T03:04:05</m:datumAb><m:einheitMastrNummer>SEE9&lt;1&gt;</m:einheitMastrNummer>`,
		`xmlns:m="urn:x"`,
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("envelope missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "skip") {
		t.Fatalf("nil parameter rendered:\n%s", got)
	}
}

func TestCallDecodesDetailResponse(t *testing.T) {
	t.Parallel()

	actions := make(chan string, 1)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		actions <- r.Header.Get("SOAPAction")
		b, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(b), "<m:einheitMastrNummer>SEE1</m:einheitMastrNummer>") {
			t.Errorf("request body: %s", b)
		}
		_, _ = io.WriteString(w, envelope(`<GetEinheitWindAntwort>`+
			`<Ergebniscode>OK</Ergebniscode>`+
			`<EinheitMastrNummer>SEE1</EinheitMastrNummer>`+
			`<DatumLetzteAktualisierung>2016-12-31T23:59:60</DatumLetzteAktualisierung>`+
			`<Land><Id>84</Id><Wert>Deutschland</Wert></Land>`+
			`<Hersteller xmlns:i="http://www.w3.org/2001/XMLSchema-instance" i:nil="true"/>`+
			`<VerknuepfteEinheiten/>`+
			`</GetEinheitWindAntwort>`))
	})

	m, err := c.Call(context.Background(), "GetEinheitWind", Params{"einheitMastrNummer": "SEE1"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if action := <-actions; action != `"`+DefaultNamespace+`/GetEinheitWind"` {
		t.Fatalf("SOAPAction=%q", action)
	}
	if m["DatumLetzteAktualisierung"] != "2016-12-31T23:59:59" {
		t.Fatalf("leap second not coerced: %v", m["DatumLetzteAktualisierung"])
	}
	if land, ok := m["Land"].(map[string]any); !ok || land["Wert"] != "Deutschland" {
		t.Fatalf("Land=%#v", m["Land"])
	}
	if v, ok := m["Hersteller"]; !ok || v != nil {
		t.Fatalf("Hersteller=%#v", v)
	}
	if l, ok := m["VerknuepfteEinheiten"].([]any); !ok || len(l) != 0 {
		t.Fatalf("VerknuepfteEinheiten=%#v, want empty list", m["VerknuepfteEinheiten"])
	}
}

func TestListContainerWithOneChildIsList(t *testing.T) {
	t.Parallel()

	m, err := decodeResponse("GetListeAlleEinheiten", []byte(envelope(
		`<GetListeAlleEinheitenResponse><GetListeAlleEinheitenResult>`+
			`<Ergebniscode>OkWeitereDatenVorhanden</Ergebniscode>`+
			`<Einheiten><Einheit><EinheitMastrNummer>SEE1</EinheitMastrNummer></Einheit></Einheiten>`+
			`<Tag>a</Tag><Tag>b</Tag><Tag>c</Tag>`+
			`</GetListeAlleEinheitenResult></GetListeAlleEinheitenResponse>`)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	units, ok := m["Einheiten"].([]any)
	if !ok || len(units) != 1 {
		t.Fatalf("Einheiten=%#v", m["Einheiten"])
	}
	if tags, ok := m["Tag"].([]any); !ok || len(tags) != 3 {
		t.Fatalf("Tag=%#v", m["Tag"])
	}
	if m["Ergebniscode"] != "OkWeitereDatenVorhanden" {
		t.Fatalf("result wrapper not unwrapped: %#v", m)
	}
}

func TestCallRetriesGenericFaultOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, fault("s:Server", "Ein interner Fehler ist aufgetreten"))
			return
		}
		_, _ = io.WriteString(w, envelope(`<GetLokaleUhrzeitAntwort><LokaleUhrzeit>2024-05-01T10:00:00+02:00</LokaleUhrzeit></GetLokaleUhrzeitAntwort>`))
	})

	ts, err := c.LocalTime(context.Background())
	if err != nil {
		t.Fatalf("LocalTime: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls=%d, want 2", calls.Load())
	}
	if ts.UTC().Hour() != 8 {
		t.Fatalf("time=%s", ts)
	}
}

func TestCallFaultClasses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		msg       string
		want      error
		wantCalls int32
	}{
		{name: "access denied fails fast", msg: "Zugriff verweigert", want: ErrAccessDenied, wantCalls: 1},
		{name: "quota fails fast", msg: "Das Tageskontingent ist erschöpft", want: ErrQuotaExceeded, wantCalls: 1},
		{name: "generic fault retried then surfaced", msg: "boom", want: ErrFault, wantCalls: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var calls atomic.Int32
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = io.WriteString(w, fault("s:Client", tt.msg))
			})
			_, err := c.Call(context.Background(), "GetAnlageKwk", Params{"kwkMastrNummer": "KWK1"})
			if !errors.Is(err, tt.want) {
				t.Fatalf("err=%v, want %v", err, tt.want)
			}
			var fe *FaultError
			if !errors.As(err, &fe) || fe.Operation != "GetAnlageKwk" {
				t.Fatalf("err=%#v, want *FaultError", err)
			}
			if calls.Load() != tt.wantCalls {
				t.Fatalf("calls=%d, want %d", calls.Load(), tt.wantCalls)
			}
		})
	}
}

func TestCallHTTPErrorIsTransport(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})
	_, err := c.Call(context.Background(), "GetLokaleUhrzeit", nil)
	if !errors.Is(err, ErrTransport) || Outcome(err) != "transport" {
		t.Fatalf("err=%v", err)
	}
}

func TestCallTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, "GetLokaleUhrzeit", nil)
	if Outcome(err) != "timeout" {
		t.Fatalf("err=%v outcome=%s", err, Outcome(err))
	}
}

func TestQuota(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, envelope(`<GetAktuellerStandTageskontingentAntwort>`+
			`<Ergebniscode>OK</Ergebniscode>`+
			`<AktuellerStandTageskontingent>1200</AktuellerStandTageskontingent>`+
			`<AktuellesLimitTageskontingent>10000</AktuellesLimitTageskontingent>`+
			`</GetAktuellerStandTageskontingentAntwort>`))
	})
	q, err := c.Quota(context.Background())
	if err != nil {
		t.Fatalf("Quota: %v", err)
	}
	if q.Remaining() != 8800 {
		t.Fatalf("quota=%+v", q)
	}
}

func TestUnknownOperation(t *testing.T) {
	t.Parallel()

	c, err := New(testCreds, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Call(context.Background(), "GetEverything", nil); !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("err=%v", err)
	}
	if _, err := c.Bind("GetEinheitSolar"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
}

func TestCredentials(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		c    Credentials
		want error
	}{
		{name: "valid", c: testCreds},
		{name: "missing token", c: Credentials{User: testCreds.User}, want: ErrMissingCredentials},
		{name: "short user", c: Credentials{User: "SOM1234", Token: "x"}, want: ErrInvalidCredentials},
		{name: "control char in token", c: Credentials{User: testCreds.User, Token: "a\nb"}, want: ErrInvalidCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.c.Validate()
			if tt.want == nil && err != nil || tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("err=%v, want %v", err, tt.want)
			}
		})
	}

	env := map[string]string{EnvUser: testCreds.User, EnvToken: testCreds.Token}
	p := EnvProvider{Lookup: func(k string) (string, bool) { v, ok := env[k]; return v, ok }}
	got, err := p.Credentials(context.Background())
	if err != nil || got != testCreds {
		t.Fatalf("EnvProvider: %+v %v", got, err)
	}
}
