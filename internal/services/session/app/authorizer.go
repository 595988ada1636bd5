package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// wsAuthorizer resolves an access token into a participant identity before
// the websocket upgrade.
type wsAuthorizer interface {
	Authenticate(ctx context.Context, accessToken string) (string, error)
}

// tokenAuthorizer verifies HS256 session tokens issued by the auth
// collaborator. The participant identity comes from the participant_id claim
// when present, falling back to the token subject.
type tokenAuthorizer struct {
	secret []byte
}

type sessionClaims struct {
	ParticipantID string `json:"participant_id,omitempty"`
	jwt.RegisteredClaims
}

// newTokenAuthorizer returns nil when no secret is configured, which keeps
// the open-mode constructor path for tests and offline use.
func newTokenAuthorizer(secret string) wsAuthorizer {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	return &tokenAuthorizer{secret: []byte(secret)}
}

func (a *tokenAuthorizer) Authenticate(_ context.Context, accessToken string) (string, error) {
	if a == nil || len(a.secret) == 0 {
		return "", errors.New("auth is not configured")
	}
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return "", errors.New("access token is required")
	}

	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(accessToken, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("parse session token: %w", err)
	}
	if !token.Valid {
		return "", errors.New("invalid session token")
	}

	if participantID := strings.TrimSpace(claims.ParticipantID); participantID != "" {
		return participantID, nil
	}
	if subject := strings.TrimSpace(claims.Subject); subject != "" {
		return subject, nil
	}
	return "", errors.New("token carries no identity")
}
