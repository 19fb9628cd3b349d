package security

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	now := time.Now()
	token, err := IssueToken("secret", "user-a", "admin", time.Hour, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := ParseToken("secret", token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID() != "user-a" || claims.Role != "admin" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseToken_Rejects(t *testing.T) {
	now := time.Now()
	expired, err := IssueToken("secret", "user-a", "", time.Minute, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	valid, err := IssueToken("secret", "user-a", "", time.Hour, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	cases := map[string]struct {
		secret string
		token  string
	}{
		"expired":      {"secret", expired},
		"wrong secret": {"other", valid},
		"garbage":      {"secret", "not-a-token"},
	}
	for name, tc := range cases {
		if _, err := ParseToken(tc.secret, tc.token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
	if _, err := ParseToken("", valid); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}
