// Package auth guards the HTTP control surface. Callers present an
// API key (bcrypt-hashed at rest) or a short-lived JWT obtained by
// exchanging a key. Keys come from static config entries, a SQL
// table, or both.
package auth

import (
	"context"
	"errors"
)

// Role orders what a caller may do. Viewers read mission state,
// operators additionally control mission lifecycle, admins cover
// everything.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

var roleRank = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether r grants everything min does.
func (r Role) AtLeast(min Role) bool {
	return roleRank[r] >= roleRank[min]
}

// Principal identifies the authenticated caller of a request.
type Principal struct {
	KeyID  string
	Name   string
	Role   Role
	Method string
}

type principalKey struct{}

// WithPrincipal attaches the caller identity to the request context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal set by the middleware.
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

var (
	ErrInvalidKey   = errors.New("invalid API key")
	ErrInvalidToken = errors.New("invalid token")
)
