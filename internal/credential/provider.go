// Package credential resolves the API token and user identity the
// synchronization subsystem authenticates with. Providers are injected
// rather than read from ambient state so components stay testable without a
// real session; an absent credential is a recoverable precondition, not an
// error to surface.
package credential

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoCredentials means no usable credential is currently available. The
// subsystem stays idle until one appears.
var ErrNoCredentials = errors.New("no credentials available")

// Credentials carries the bearer token plus the user identifier sent over
// the realtime channel during the authenticate handshake. UserID may be
// empty when the token does not encode one; the channel then stays open but
// unauthenticated.
type Credentials struct {
	Token  string
	UserID string
}

// Provider yields the current credentials. Implementations may reload
// behind the scenes; callers must not cache the result across connections.
type Provider interface {
	Credentials() (Credentials, error)
}

// FromToken builds Credentials from a bearer token. JWTs are parsed without
// signature verification (the client does not hold the signing secret) to
// extract the subject claim as the user identifier; an expired token counts
// as absent. Opaque tokens are kept as-is with an empty user id.
func FromToken(token string) (Credentials, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Credentials{}, ErrNoCredentials
	}
	creds := Credentials{Token: token}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return creds, nil
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && exp.Before(time.Now()) {
		return Credentials{}, ErrNoCredentials
	}
	if sub, err := claims.GetSubject(); err == nil {
		creds.UserID = sub
	}
	return creds, nil
}

// Static returns the same credentials on every call. Used in tests and for
// environments that inject a token directly.
type Static struct {
	Token  string
	UserID string
}

func (s Static) Credentials() (Credentials, error) {
	if strings.TrimSpace(s.Token) == "" {
		return Credentials{}, ErrNoCredentials
	}
	if s.UserID != "" {
		return Credentials{Token: s.Token, UserID: s.UserID}, nil
	}
	return FromToken(s.Token)
}
