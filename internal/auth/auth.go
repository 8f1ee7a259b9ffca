package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/matst80/backhaul/internal/proto"
)

var (
	ErrUnauthorized    = errors.New("auth: unauthorized")
	ErrInvalidIdentity = errors.New("auth: invalid client name")
)

var identityPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// Credentials are what a client presents when opening its control connection.
type Credentials struct {
	Name   string
	Token  string
	Remote string
}

// Validator approves credentials and returns the identity to register.
type Validator interface {
	Validate(ctx context.Context, creds Credentials) (string, error)
}

// ValidIdentity reports whether name can be used as a client identity.
func ValidIdentity(name string) bool {
	return identityPattern.MatchString(name)
}

// StaticToken accepts any valid name when Token is empty, otherwise only
// credentials carrying the same token.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(_ context.Context, creds Credentials) (string, error) {
	name := strings.ToLower(strings.TrimSpace(creds.Name))
	if !ValidIdentity(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentity, creds.Name)
	}
	if s.Token != "" && subtle.ConstantTimeCompare([]byte(s.Token), []byte(creds.Token)) != 1 {
		return "", ErrUnauthorized
	}
	return name, nil
}

// FromRequest reads credentials from an upgrade request. Basic auth carries
// name:token; a Bearer token takes its name from X-Backhaul-Name or ?name=.
func FromRequest(r *http.Request) Credentials {
	creds := Credentials{Remote: r.RemoteAddr}
	if user, pass, ok := r.BasicAuth(); ok {
		creds.Name, creds.Token = user, pass
		return creds
	}
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		creds.Token = strings.TrimSpace(h[7:])
	}
	creds.Name = r.Header.Get(proto.NameHeader)
	if creds.Name == "" {
		creds.Name = r.URL.Query().Get("name")
	}
	return creds
}
