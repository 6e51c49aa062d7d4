package session

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type fakeTokens struct{ cleared int }

func (f *fakeTokens) Clear() { f.cleared++ }

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestSetBearerOpaque(t *testing.T) {
	s := New(nil, nil)
	if s.Authenticated() {
		t.Fatal("new session should be signed out")
	}
	if err := s.SetBearer("opaque-token"); err != nil {
		t.Fatal(err)
	}
	tok, ok := s.BearerToken()
	if !ok || tok != "opaque-token" {
		t.Errorf("BearerToken() = %q, %v", tok, ok)
	}
	if err := s.SetBearer(""); err == nil {
		t.Error("expected error for empty token")
	}
}

func TestSetBearerJWTExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := New(nil, nil)
	s.SetClock(func() time.Time { return now })

	tok := signed(t, jwt.MapClaims{"sub": "admin", "exp": now.Add(time.Minute).Unix()})
	if err := s.SetBearer(tok); err != nil {
		t.Fatal(err)
	}
	if !s.Authenticated() {
		t.Error("unexpired token should authenticate")
	}

	now = now.Add(time.Minute)
	if s.Authenticated() {
		t.Error("token should be expired at exp")
	}
}

func TestSetBearerJWTWithoutExpiry(t *testing.T) {
	s := New(nil, nil)
	if err := s.SetBearer(signed(t, jwt.MapClaims{"sub": "admin"})); err != nil {
		t.Fatal(err)
	}
	if !s.Authenticated() {
		t.Error("token without exp should authenticate")
	}
}

func TestLogout(t *testing.T) {
	tokens := &fakeTokens{}
	s := New(tokens, nil)
	s.SetBearer("opaque-token")

	var reasons []string
	s.OnLogout(func(_ context.Context, reason string) { reasons = append(reasons, "first:"+reason) })
	s.OnLogout(func(_ context.Context, reason string) { reasons = append(reasons, "second:"+reason) })

	s.Logout(context.Background(), "forbidden")

	if s.Authenticated() {
		t.Error("session should be signed out")
	}
	if tokens.cleared != 1 {
		t.Errorf("token store cleared %d times, want 1", tokens.cleared)
	}
	if len(reasons) != 2 || reasons[0] != "first:forbidden" || reasons[1] != "second:forbidden" {
		t.Errorf("hooks ran as %v", reasons)
	}
}
