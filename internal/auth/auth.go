//go:generate go run go.uber.org/mock/mockgen -source=auth.go -destination=../mocks/mock_verifier.go -package=mocks

// Package auth resolves credentials to principals. Registration, login and
// password handling live in an external identity service; medconsult only
// verifies the tokens it issues.
package auth

import (
	"context"
	"net/http"
	"strings"
)

// Roles a principal may carry.
const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleAdmin   = "admin"
)

// Principal is an authenticated actor.
type Principal struct {
	ID   string
	Role string
}

// IsAdmin reports whether p may act on any consultation.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// IsZero reports whether p is the unauthenticated principal.
func (p Principal) IsZero() bool { return p.ID == "" }

// Verifier resolves an opaque credential to a principal.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Principal, error)
}

// CredentialFromRequest returns the bearer token from the Authorization
// header, falling back to the token query parameter used by browser
// websocket clients.
func CredentialFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return r.URL.Query().Get("token")
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext returns the principal stored by WithPrincipal.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}
