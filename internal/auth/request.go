package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

// ErrMissingToken reports a request that carried no token at all.
var ErrMissingToken = errors.New("missing auth token")

// RequestAuthenticator resolves the entity id an attaching peer is allowed to control.
type RequestAuthenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// AllowAll accepts every request and leaves the entity id to the server.
type AllowAll struct{}

func (AllowAll) Authenticate(*http.Request) (string, error) { return "", nil }

// TokenAuthenticator reads an HS256 token from the auth_token query parameter or the
// X-Auth-Token header.
type TokenAuthenticator struct {
	verifier *HMACTokenVerifier
}

// NewTokenAuthenticator builds an authenticator for secret with a two second leeway.
func NewTokenAuthenticator(secret string) (*TokenAuthenticator, error) {
	verifier, err := NewHMACTokenVerifier(secret, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &TokenAuthenticator{verifier: verifier}, nil
}

// Verifier exposes the underlying verifier so callers can adjust its clock or audience.
func (a *TokenAuthenticator) Verifier() *HMACTokenVerifier { return a.verifier }

// Authenticate validates the request token and returns its subject.
func (a *TokenAuthenticator) Authenticate(r *http.Request) (string, error) {
	if a == nil || a.verifier == nil {
		return "", errors.New("verifier not configured")
	}
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return "", ErrMissingToken
	}
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
