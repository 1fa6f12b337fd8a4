package repository

import (
	"context"
	"errors"
	"time"

	"github.com/fjod/go_cart/cart-session/internal/domain"
)

var (
	ErrCartNotFound     = errors.New("cart not found")
	ErrItemNotFound     = errors.New("item not found in cart")
	ErrStoreTimeout     = errors.New("cart store timed out")
	ErrStoreUnavailable = errors.New("cart store unavailable")
)

// CartRepository stores one physical cart shape, addressed by the key of
// the owning identity. All mutations are element-targeted: they never
// rewrite a cart they read earlier.
type CartRepository interface {
	Kind() domain.IdentityKind

	// GetCart returns ErrCartNotFound when the identity has no cart yet.
	GetCart(ctx context.Context, key string) (*domain.Cart, error)
	// EnsureCart returns the identity's cart, creating an empty one if needed.
	EnsureCart(ctx context.Context, key string) (*domain.Cart, error)
	// SetItem updates quantity and price of the matching line in place or
	// appends the item when no line for its product exists.
	SetItem(ctx context.Context, key string, item domain.CartItem) error
	// UpdateItemQuantity returns ErrItemNotFound when the line is absent.
	UpdateItemQuantity(ctx context.Context, key, productID string, quantity int) error
	// RemoveItem returns ErrItemNotFound when the line is absent.
	RemoveItem(ctx context.Context, key, productID string) error
	// ClearItems empties the cart. Clearing a missing cart is not an error.
	ClearItems(ctx context.Context, key string) error
}

// GuestCartRepository is the standalone, session-keyed cart store. Besides
// the request path it serves the merge engine and the sweeper, which is why
// it exposes every document of a session rather than only the canonical one.
type GuestCartRepository interface {
	CartRepository

	ListBySession(ctx context.Context, sessionID string) ([]domain.Cart, error)
	DeleteBySession(ctx context.Context, sessionID string) (int64, error)

	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	DeleteIdleEmpty(ctx context.Context, cutoff time.Time) (int64, error)
	DuplicateSessions(ctx context.Context, limit int) ([]string, error)
	// DeleteStale deletes document id only if it was not updated since
	// updatedAt.
	DeleteStale(ctx context.Context, id string, updatedAt time.Time) (bool, error)
}

// UserCartRepository is the cart embedded in the user aggregate.
type UserCartRepository interface {
	CartRepository

	// ApplyMerge replaces the user's lines and records sessionID in the
	// merged-session ledger in a single write.
	ApplyMerge(ctx context.Context, userID string, items []domain.CartItem, sessionID string) error
}

func normalizeItems(items []domain.CartItem) []domain.CartItem {
	if items == nil {
		return []domain.CartItem{}
	}
	return items
}
