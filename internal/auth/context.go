// ABOUTME: Authenticated identity carried through request handlers via context
// ABOUTME: WithIdentity/FromContext plus the sender check used by both write paths

package auth

import (
	"context"
	"errors"
	"fmt"
)

// ErrSenderMismatch is returned when an authenticated caller acts as someone else.
var ErrSenderMismatch = errors.New("sender does not match authenticated user")

// Identity is the authenticated caller.
type Identity struct {
	UserID string
}

type identityKey struct{}

// WithIdentity returns a new context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the Identity in ctx, or nil when the request is unauthenticated.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// CheckActor verifies that an authenticated identity is acting as itself.
// A nil identity means authentication is disabled and any actor is accepted.
func CheckActor(id *Identity, actorID string) error {
	if id == nil {
		return nil
	}
	if id.UserID != actorID {
		return fmt.Errorf("%w: token subject %q, request %q", ErrSenderMismatch, id.UserID, actorID)
	}
	return nil
}
