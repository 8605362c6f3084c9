// Package auth implements bearer-token authentication with scoped access
// for the HTTP API.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

const (
	ScopeAll          = "*"
	ScopeServicesRead = "services:ro"
	ScopeServicesRW   = "services:rw"
	ScopeDump         = "dump:rw"
	ScopeHistoryRead  = "history:ro"
	ScopeEventsRead   = "events:ro"
)

var (
	ErrMissingHeader = errors.New("missing Authorization header")
	ErrMalformed     = errors.New("invalid Authorization header format")
	ErrEmptyToken    = errors.New("missing bearer token")
)

// Token is a configured bearer token and the scopes it grants.
type Token struct {
	Token  string
	Scopes []string
}

// Principal is an authenticated caller.
type Principal struct {
	Scopes map[string]struct{}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// BearerToken extracts the token from "Authorization: Bearer <token>".
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingHeader
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMalformed
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrEmptyToken
	}
	return token, nil
}

func tokensEqual(a, b string) bool {
	if a == "" || b == "" || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Authenticate matches presented against the admin key and the scoped tokens.
// The admin key grants every scope.
func Authenticate(presented, adminKey string, tokens []Token) (Principal, bool) {
	if tokensEqual(presented, adminKey) {
		return Principal{Scopes: map[string]struct{}{ScopeAll: {}}}, true
	}
	for _, t := range tokens {
		if tokensEqual(presented, t.Token) {
			return Principal{Scopes: expandScopes(t.Scopes)}, true
		}
	}
	return Principal{}, false
}

// expandScopes lets services:rw imply services:ro.
func expandScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes)+1)
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			out[s] = struct{}{}
		}
	}
	if _, ok := out[ScopeServicesRW]; ok {
		out[ScopeServicesRead] = struct{}{}
	}
	return out
}

// Allows reports whether p holds any of required. No requirement always passes.
func (p Principal) Allows(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}
