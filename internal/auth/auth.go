// Package auth checks the gateway's shared bearer token.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingToken = errors.New("missing Authorization header")
	ErrMalformed    = errors.New("invalid Authorization header format")
	ErrInvalidToken = errors.New("invalid token")
)

// ExtractBearerToken returns the token of an "Authorization: Bearer" header.
func ExtractBearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", ErrMissingToken
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", ErrMalformed
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// Equal compares two tokens in constant time. Empty tokens never match.
func Equal(presented, expected string) bool {
	if presented == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

// Check authenticates r against expected. An empty expected token disables
// authentication.
func Check(r *http.Request, expected string) error {
	if expected == "" {
		return nil
	}
	token, err := ExtractBearerToken(r)
	if err != nil {
		return err
	}
	if !Equal(token, expected) {
		return ErrInvalidToken
	}
	return nil
}

type authenticatedKey struct{}

// WithAuthenticated marks ctx as carrying an authenticated caller.
func WithAuthenticated(ctx context.Context, ok bool) context.Context {
	return context.WithValue(ctx, authenticatedKey{}, ok)
}

// Authenticated reports whether the request passed a token check.
func Authenticated(ctx context.Context) bool {
	ok, _ := ctx.Value(authenticatedKey{}).(bool)
	return ok
}
