// Package auth derives a per-caller namespace from the bearer token the MCP
// auth middleware places in the request context. Namespaces keep token caches
// and auth records of different callers apart when the server is shared.
package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/viant/mcp-protocol/authorization"
)

const defaultNamespace = "default"

type namespaceKey struct{}

// WithNamespace binds an explicit namespace to ctx, taking precedence over
// token-derived resolution. Background flows (device sign-in launched from a
// browser) run outside the original request context and use this to keep
// operating in the namespace of the caller that started them.
func WithNamespace(ctx context.Context, ns string) context.Context {
	return context.WithValue(ctx, namespaceKey{}, ns)
}

// Service resolves the caller namespace. When no token is present, or the
// claims carry no usable identity, it falls back to DefaultNamespace.
type Service struct {
	DefaultNamespace string
	// Parse turns the raw token into claims; the default parses without
	// signature verification since the middleware already validated it.
	Parse func(token string) (jwt.MapClaims, error)
	// Extract picks the namespace out of the claims.
	Extract func(jwt.MapClaims) (string, bool)
}

// New returns a Service that uses the "email" claim, then "sub", as namespace.
func New() *Service {
	return &Service{
		DefaultNamespace: defaultNamespace,
		Parse: func(token string) (jwt.MapClaims, error) {
			var claims jwt.MapClaims
			_, _, err := new(jwt.Parser).ParseUnverified(token, &claims)
			return claims, err
		},
		Extract: func(claims jwt.MapClaims) (string, bool) {
			if email, _ := claims["email"].(string); email != "" {
				return email, true
			}
			if sub, _ := claims["sub"].(string); sub != "" {
				return sub, true
			}
			return "", false
		},
	}
}

// Namespace returns the namespace for the caller bound to ctx.
func (s *Service) Namespace(ctx context.Context) (string, error) {
	if s == nil {
		return defaultNamespace, nil
	}
	if ns, ok := ctx.Value(namespaceKey{}).(string); ok && ns != "" {
		return ns, nil
	}
	value := ctx.Value(authorization.TokenKey)
	if value == nil {
		return s.DefaultNamespace, nil
	}
	var token string
	switch actual := value.(type) {
	case string:
		token = actual
	case *authorization.Token:
		token = actual.Token
	default:
		return "", fmt.Errorf("unsupported token type %T", value)
	}
	if s.Parse != nil && s.Extract != nil {
		if claims, err := s.Parse(token); err == nil {
			if ns, ok := s.Extract(claims); ok && ns != "" {
				return ns, nil
			}
		}
	}
	return s.DefaultNamespace, nil
}
