// Package auth resolves the caller identity for the generation gateway.
// Identity verification is a thin boundary here: the gateway needs a stable
// user ID for credit accounting and, optionally, a self-supplied provider
// credential that selects the unmetered path.
package auth

import "context"

// Identity is the authenticated caller of one request.
type Identity struct {
	UserID string
	Email  string
	// ProviderKey is a self-supplied provider credential. When present the
	// request bypasses the credit ledger entirely.
	ProviderKey string
}

// Unmetered reports whether the caller pays the provider directly.
func (id *Identity) Unmetered() bool {
	return id.ProviderKey != ""
}

type identityKey struct{}

// ContextWithIdentity attaches an identity to the context.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext extracts the identity, or nil when unauthenticated.
func IdentityFromContext(ctx context.Context) *Identity {
	if id, ok := ctx.Value(identityKey{}).(*Identity); ok {
		return id
	}
	return nil
}
