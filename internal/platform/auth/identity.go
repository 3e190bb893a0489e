package auth

import (
	"context"
	"strings"
)

// Roles recognised by the back office.
const (
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// Identity is the authenticated operator extracted from a Firebase ID token.
type Identity struct {
	UID   string
	Email string
	Roles []string
}

// HasRole reports whether the identity carries role (case-insensitive).
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	if role == "" {
		return false
	}
	for _, r := range i.Roles {
		if normaliseRole(r) == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the identity includes any of roles.
func (i *Identity) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if i.HasRole(role) {
			return true
		}
	}
	return false
}

// Actor renders the identity for audit rows, e.g. "staff:uid-1".
func (i *Identity) Actor() string {
	if i == nil || i.UID == "" {
		return ""
	}
	role := RoleStaff
	if i.HasRole(RoleAdmin) {
		role = RoleAdmin
	}
	return role + ":" + i.UID
}

type contextKey string

const identityContextKey contextKey = "github.com/tiendaflow/api/internal/platform/auth/identity"

// WithIdentity stores the identity within the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the identity previously stored in context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
