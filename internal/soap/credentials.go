package soap

import (
	"context"
	"fmt"
	"os"
	"regexp"
)

// Credentials authenticate every call.
type Credentials struct {
	// User is the market actor id (SOM followed by 12 digits).
	User string
	// Token is the web service key issued by the registry.
	Token string
}

var reUser = regexp.MustCompile(`^SOM\d{12}$`)

// Validate checks the shape of the user id and token.
func (c Credentials) Validate() error {
	if c.User == "" || c.Token == "" {
		return ErrMissingCredentials
	}
	if !reUser.MatchString(c.User) {
		return fmt.Errorf("%w: user %q does not match SOM followed by 12 digits", ErrInvalidCredentials, c.User)
	}
	for _, r := range c.Token {
		if r < 0x20 || r > 0x7e {
			return fmt.Errorf("%w: token contains non-printable characters", ErrInvalidCredentials)
		}
	}
	return nil
}

// CredentialProvider supplies credentials; storage is up to the caller.
type CredentialProvider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// Env variable names read by EnvProvider.
const (
	EnvUser  = "MASTR_USER"
	EnvToken = "MASTR_TOKEN"
)

// EnvProvider reads credentials from the environment.
type EnvProvider struct {
	Lookup func(string) (string, bool)
}

func (p EnvProvider) Credentials(context.Context) (Credentials, error) {
	lookup := p.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	user, _ := lookup(EnvUser)
	token, _ := lookup(EnvToken)
	c := Credentials{User: user, Token: token}
	if err := c.Validate(); err != nil {
		return Credentials{}, err
	}
	return c, nil
}

// Static returns fixed credentials.
type Static Credentials

func (s Static) Credentials(context.Context) (Credentials, error) {
	c := Credentials(s)
	return c, c.Validate()
}
