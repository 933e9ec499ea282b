// Package auth validates access tokens issued by the platform auth service.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/meetgrid/messaging/internal/errors"
)

// TokenCookieName is the session cookie carrying the access token for
// browser clients.
const TokenCookieName = "mg_token"

// Verifier checks HS256 access tokens against the shared signing secret and
// extracts the principal they were issued to.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the given signing secret.
func NewVerifier(secret string) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("token secret is required")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Verify validates the token signature and expiry and returns the principal
// ID from the subject claim.
func (v *Verifier) Verify(token string) (string, error) {
	if v == nil {
		return "", apperrors.New(apperrors.CodeNotAuthenticated, "token verifier not configured")
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeNotAuthenticated, "invalid access token", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", apperrors.New(apperrors.CodeNotAuthenticated, "access token has no subject")
	}
	return claims.Subject, nil
}

// TokenFromRequest extracts the access token from an HTTP request, preferring
// a bearer Authorization header over the session cookie.
func TokenFromRequest(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok && token != "" {
			return token, true
		}
	}
	if cookie, err := r.Cookie(TokenCookieName); err == nil && cookie.Value != "" {
		return cookie.Value, true
	}
	return "", false
}
