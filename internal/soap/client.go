// Package soap is the registry web service client: it binds the registered
// operations, injects credentials on every call, decodes responses into plain
// nested maps, and retries a generic fault once.
package soap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mastr/internal/metrics"
	"mastr/internal/ratelimit"
	"mastr/internal/schema"
)

// Defaults of the public registry endpoint.
const (
	DefaultEndpoint   = "https://www.marktstammdatenregister.de/MaStRAPI/MaStR"
	DefaultNamespace  = "https://www.marktstammdatenregister.de/Services/Public/1_2"
	DefaultRetryDelay = 1500 * time.Millisecond
)

// Logger is the logging seam; *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

type discardLogger struct{}

func (discardLogger) Printf(string, ...any) {}

// Options configure a Client. Zero values select the defaults.
type Options struct {
	Endpoint   string
	Namespace  string
	HTTPClient *http.Client
	Limiter    ratelimit.Limiter
	RetryDelay time.Duration
	Log        Logger
}

// Client calls registry operations. It is safe for concurrent use.
type Client struct {
	endpoint   string
	ns         string
	http       *http.Client
	creds      Credentials
	limiter    ratelimit.Limiter
	retryDelay time.Duration
	log        Logger
}

// Operation is one bound registry operation.
type Operation func(ctx context.Context, p Params) (map[string]any, error)

// New validates creds and returns a client.
func New(creds Credentials, opt Options) (*Client, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		endpoint:   opt.Endpoint,
		ns:         opt.Namespace,
		http:       opt.HTTPClient,
		creds:      creds,
		limiter:    opt.Limiter,
		retryDelay: opt.RetryDelay,
		log:        opt.Log,
	}
	if c.endpoint == "" {
		c.endpoint = DefaultEndpoint
	}
	if c.ns == "" {
		c.ns = DefaultNamespace
	}
	if c.http == nil {
		c.http = &http.Client{Transport: &http.Transport{MaxIdleConnsPerHost: 32}}
	}
	if c.limiter == nil {
		c.limiter = ratelimit.Unlimited{}
	}
	if c.retryDelay <= 0 {
		c.retryDelay = DefaultRetryDelay
	}
	if c.log == nil {
		c.log = discardLogger{}
	}
	return c, nil
}

// Bind returns op as a function value.
func (c *Client) Bind(op string) (Operation, error) {
	if !schema.IsOperation(op) {
		return nil, fmt.Errorf("%w %q", ErrUnknownOperation, op)
	}
	return func(ctx context.Context, p Params) (map[string]any, error) {
		return c.Call(ctx, op, p)
	}, nil
}

// Call invokes op with p plus the injected credentials.
//
// A generic fault or a transport failure is retried once after the retry
// delay. Access denial and quota exhaustion return at once, as do context
// errors.
func (c *Client) Call(ctx context.Context, op string, p Params) (map[string]any, error) {
	if !schema.IsOperation(op) {
		return nil, fmt.Errorf("%w %q", ErrUnknownOperation, op)
	}
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		var m map[string]any
		m, err = c.once(ctx, op, p)
		if err == nil {
			return m, nil
		}
		if !retryable(ctx, err) || attempt == 2 {
			break
		}
		c.log.Printf("soap op=%s attempt=%d retrying in %s: %v", op, attempt, c.retryDelay, err)
		if serr := ratelimit.Sleep(ctx, c.retryDelay); serr != nil {
			return nil, serr
		}
	}
	return nil, err
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrQuotaExceeded) {
		return false
	}
	return errors.Is(err, ErrFault) || errors.Is(err, ErrTransport)
}

func (c *Client) once(ctx context.Context, op string, p Params) (m map[string]any, err error) {
	start := time.Now()
	defer func() { metrics.RecordSoapCall(op, Outcome(err), time.Since(start)) }()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(buildEnvelope(c.ns, op, c.creds, p)))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", `"`+strings.TrimSuffix(c.ns, "/")+"/"+op+`"`)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrTransport, op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: read body: %v", ErrTransport, op, err)
	}

	m, derr := decodeResponse(op, body)
	var fe *FaultError
	if errors.As(derr, &fe) {
		return nil, fe
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := body
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return nil, fmt.Errorf("%w: %s: http status %d: %s", ErrTransport, op, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if derr != nil {
		return nil, fmt.Errorf("%s: %w", op, derr)
	}
	return m, nil
}

// Outcome classifies err for metrics and miss reasons.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota"
	case errors.Is(err, ErrFault):
		return "fault"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "error"
	}
}
