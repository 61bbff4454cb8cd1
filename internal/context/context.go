// Package context carries the caller identity through every coordination call.
package context

import (
	ccontext "context"
)

type identityKey struct{}

// WithIdentity returns a context authenticated as id. An empty id leaves the
// context anonymous.
func WithIdentity(ctx ccontext.Context, id string) ccontext.Context {
	return ccontext.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the authenticated identity of ctx.
func IdentityFromContext(ctx ccontext.Context) (string, bool) {
	id, ok := ctx.Value(identityKey{}).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
