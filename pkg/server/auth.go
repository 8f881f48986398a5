// Package server exposes the memory operations over HTTP.
package server

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned by authenticators for unknown or revoked
// credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator resolves a bearer token to the user it belongs to.
//
// The server never interprets tokens itself; deployments plug in their own
// credential backend by implementing this interface.
type Authenticator interface {
	// Authenticate returns the user id owning the token, or ErrUnauthorized.
	Authenticate(ctx context.Context, token string) (string, error)
}

// StaticKeyAuthenticator authenticates against a fixed token -> user map,
// suitable for single-tenant deployments and tests.
type StaticKeyAuthenticator struct {
	keys map[string]string
}

// NewStaticKeyAuthenticator creates an authenticator over a copy of keys.
func NewStaticKeyAuthenticator(keys map[string]string) *StaticKeyAuthenticator {
	copied := make(map[string]string, len(keys))
	for token, user := range keys {
		copied[token] = user
	}
	return &StaticKeyAuthenticator{keys: copied}
}

// Authenticate looks the token up in the static map.
func (a *StaticKeyAuthenticator) Authenticate(_ context.Context, token string) (string, error) {
	user, ok := a.keys[token]
	if !ok {
		return "", ErrUnauthorized
	}
	return user, nil
}
