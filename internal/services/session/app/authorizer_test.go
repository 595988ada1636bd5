package server

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret string, claims sessionClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestNewTokenAuthorizerRequiresSecret(t *testing.T) {
	if newTokenAuthorizer("") != nil {
		t.Fatal("empty secret must disable auth")
	}
	if newTokenAuthorizer("   ") != nil {
		t.Fatal("blank secret must disable auth")
	}
	if newTokenAuthorizer("secret") == nil {
		t.Fatal("expected authorizer for configured secret")
	}
}

func TestAuthenticateParticipantClaim(t *testing.T) {
	authorizer := newTokenAuthorizer("secret")
	token := signToken(t, "secret", sessionClaims{
		ParticipantID: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	got, err := authorizer.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got != "alice" {
		t.Fatalf("identity = %q, want alice", got)
	}
}

func TestAuthenticateFallsBackToSubject(t *testing.T) {
	authorizer := newTokenAuthorizer("secret")
	token := signToken(t, "secret", sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	got, err := authorizer.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got != "user-1" {
		t.Fatalf("identity = %q, want user-1", got)
	}
}

func TestAuthenticateRejections(t *testing.T) {
	authorizer := newTokenAuthorizer("secret")

	expired := signToken(t, "secret", sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	wrongSecret := signToken(t, "other-secret", sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	noIdentity := signToken(t, "secret", sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"expired", expired},
		{"wrong secret", wrongSecret},
		{"no identity", noIdentity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := authorizer.Authenticate(context.Background(), tc.token); err == nil {
				t.Fatal("expected rejection")
			}
		})
	}
}
