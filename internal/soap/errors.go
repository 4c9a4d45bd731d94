package soap

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAccessDenied is returned when the registry rejects the credentials or
	// the user lacks the API role. It is never retried.
	ErrAccessDenied = errors.New("soap: access denied; check MASTR_USER/MASTR_TOKEN and the API role of the user in the registry web portal")
	// ErrQuotaExceeded is returned once the daily request quota is used up.
	ErrQuotaExceeded = errors.New("soap: daily request quota exceeded")
	// ErrFault is the class of every other server-reported fault.
	ErrFault = errors.New("soap: server fault")
	// ErrTransport marks HTTP level failures.
	ErrTransport = errors.New("soap: transport failure")
	// ErrUnknownOperation is returned for operation names outside the registry.
	ErrUnknownOperation = errors.New("soap: unknown operation")
	// ErrMissingCredentials is returned when the provider has no user or token.
	ErrMissingCredentials = errors.New("soap: missing credentials")
	// ErrInvalidCredentials is returned for malformed user ids or tokens.
	ErrInvalidCredentials = errors.New("soap: invalid credentials")
)

// FaultError is a SOAP fault reported by the server.
type FaultError struct {
	Operation string
	Code      string
	String    string

	class error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("soap fault in %s: %s: %s", e.Operation, e.Code, e.String)
}

// Unwrap returns the fault class: ErrAccessDenied, ErrQuotaExceeded or ErrFault.
func (e *FaultError) Unwrap() error { return e.class }

var (
	deniedMarkers = []string{"accessdenied", "access denied", "zugriff verweigert", "nicht berechtigt", "unauthorized"}
	quotaMarkers  = []string{"tageskontingent", "kontingent", "quota", "limit exceeded"}
)

func newFault(op, code, msg string) *FaultError {
	e := &FaultError{Operation: op, Code: code, String: msg, class: ErrFault}
	s := strings.ToLower(code + " " + msg)
	switch {
	case containsAny(s, deniedMarkers):
		e.class = ErrAccessDenied
	case containsAny(s, quotaMarkers):
		e.class = ErrQuotaExceeded
	}
	return e
}

func containsAny(s string, subs []string) bool {
	for _, x := range subs {
		if strings.Contains(s, x) {
			return true
		}
	}
	return false
}
