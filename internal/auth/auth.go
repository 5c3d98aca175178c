// Package auth authenticates API callers. Two credential forms are
// supported: HMAC-signed bearer tokens and static API keys whose bcrypt
// hashes live in configuration. The authenticated principal travels on the
// request context; when auth is disabled requests pass through without one.
package auth

import (
	"context"
	"fmt"
	"time"
)

// Scopes gate the API surface. Tokens and API keys carry a scope list;
// keys configured without one get every scope.
const (
	ScopeRequestsRead  = "requests:read"
	ScopeRequestsWrite = "requests:write"
	ScopeKnowledgeRead = "knowledge:read"
)

// defaultScopes is the full scope set.
var defaultScopes = []string{ScopeRequestsRead, ScopeRequestsWrite, ScopeKnowledgeRead}

// APIKey is one configured API key credential. Hash is the bcrypt hash of
// the key material; the plaintext is never stored.
type APIKey struct {
	Name   string   `json:"name" yaml:"name"`
	Hash   string   `json:"hash" yaml:"hash"`
	Scopes []string `json:"scopes,omitempty" yaml:"scopes"`
}

// Config holds authentication settings.
type Config struct {
	// Enabled turns the middleware on. When false every request passes
	// through unauthenticated.
	Enabled bool

	// SkipAuth admits every request with a development principal. Only
	// meaningful while Enabled is true.
	SkipAuth bool

	// JWTSecret signs and verifies bearer tokens. Empty disables the
	// bearer path.
	JWTSecret string

	// AccessTokenExpiry bounds issued token lifetimes.
	AccessTokenExpiry time.Duration

	// APIKeys are the accepted static credentials.
	APIKeys []APIKey

	// APIKeyRateLimit caps requests per key per hour. Zero disables the
	// limit.
	APIKeyRateLimit int
}

// Active reports whether the middleware has any way to authenticate a
// request. Enabled with neither a secret nor keys behaves as disabled.
func (c Config) Active() bool {
	return c.Enabled && (c.JWTSecret != "" || len(c.APIKeys) > 0 || c.SkipAuth)
}

// Principal is the authenticated identity attached to a request context.
type Principal struct {
	// Subject is the token subject or the API key's configured name.
	Subject string
	// Method records how the caller authenticated: jwt, api_key or dev.
	Method string
	// Scopes the credential grants.
	Scopes []string
}

// HasScope reports whether the principal carries the scope.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type contextKey struct{}

// WithPrincipal returns a context carrying the principal.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFromContext returns the principal set by the middleware, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(*Principal)
	return p, ok
}

// UserFromContext returns the authenticated subject, or the empty string
// for unauthenticated requests.
func UserFromContext(ctx context.Context) string {
	if p, ok := PrincipalFromContext(ctx); ok {
		return p.Subject
	}
	return ""
}

// Authorize checks the scope against the request's principal. Requests
// without a principal (auth disabled) are always authorized.
func Authorize(ctx context.Context, scope string) error {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return nil
	}
	if !p.HasScope(scope) {
		return fmt.Errorf("missing required scope %s", scope)
	}
	return nil
}
