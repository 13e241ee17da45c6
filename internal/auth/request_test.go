package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTokenAuthenticatorReadsQueryAndHeader(t *testing.T) {
	authenticator, err := NewTokenAuthenticator("secret")
	if err != nil {
		t.Fatalf("NewTokenAuthenticator: %v", err)
	}
	now := time.Unix(1700000000, 0)
	authenticator.Verifier().WithClock(func() time.Time { return now })
	token := makeToken(t, "secret", "pilot-7", now.Add(time.Minute))

	req := httptest.NewRequest("GET", "/ws?auth_token="+token, nil)
	if id, err := authenticator.Authenticate(req); err != nil || id != "pilot-7" {
		t.Fatalf("query token: id=%q err=%v", id, err)
	}

	req = httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("X-Auth-Token", token)
	if id, err := authenticator.Authenticate(req); err != nil || id != "pilot-7" {
		t.Fatalf("header token: id=%q err=%v", id, err)
	}

	req = httptest.NewRequest("GET", "/ws", nil)
	if _, err := authenticator.Authenticate(req); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestAllowAllLeavesIDEmpty(t *testing.T) {
	id, err := AllowAll{}.Authenticate(httptest.NewRequest("GET", "/ws", nil))
	if err != nil || id != "" {
		t.Fatalf("unexpected result id=%q err=%v", id, err)
	}
}
