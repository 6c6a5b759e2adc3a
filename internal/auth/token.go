// Package auth resolves opaque bearer tokens to user ids
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// CookieName is the cookie browsers carry the token in
const CookieName = "accessToken"

var (
	ErrMissingToken = errors.New("missing access token")
	ErrInvalidToken = errors.New("invalid access token")
)

// TokenAuth maps issued tokens to the users they belong to. Issuing the
// tokens is someone else's job; this only verifies them.
type TokenAuth struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewTokenAuth creates a verifier for the given token -> user id pairs
func NewTokenAuth(tokens map[string]string) *TokenAuth {
	a := &TokenAuth{tokens: make(map[string]string, len(tokens))}
	for token, userID := range tokens {
		a.AddToken(token, userID)
	}
	return a
}

// ParseTokens reads a comma-separated list of token:userID pairs
func ParseTokens(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, userID, ok := strings.Cut(pair, ":")
		token, userID = strings.TrimSpace(token), strings.TrimSpace(userID)
		if !ok || token == "" || userID == "" {
			return nil, fmt.Errorf("malformed token pair %q", pair)
		}
		out[token] = userID
	}
	return out, nil
}

// AddToken adds a new valid token
func (a *TokenAuth) AddToken(token, userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens[token] = userID
}

// Verify returns the user id token was issued to
func (a *TokenAuth) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	userID, ok := a.tokens[token]
	if !ok {
		return "", ErrInvalidToken
	}
	return userID, nil
}

// Authenticate verifies the token carried by r
func (a *TokenAuth) Authenticate(r *http.Request) (string, error) {
	return a.Verify(TokenFromRequest(r))
}

// TokenFromRequest looks for the token in the Authorization header, then
// the access token cookie, then the token query parameter. Browsers cannot
// set headers on a websocket handshake, hence the fallbacks.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get("token")
}

type ctxKey struct{}

// WithUser returns a copy of ctx carrying userID
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserFrom returns the authenticated user id stored in ctx
func UserFrom(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(ctxKey{}).(string)
	return userID, ok && userID != ""
}
