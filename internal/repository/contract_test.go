package repository

import (
	"context"
	"testing"
	"time"

	"github.com/fjod/go_cart/cart-session/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Behaviour every CartRepository implementation must share, whichever
// physical shape it stores.
func testCartRepositoryContract(t *testing.T, repo CartRepository, key string) {
	ctx := context.Background()

	_, err := repo.GetCart(ctx, key)
	require.ErrorIs(t, err, ErrCartNotFound)

	require.ErrorIs(t, repo.RemoveItem(ctx, key, "p1"), ErrItemNotFound)
	require.ErrorIs(t, repo.UpdateItemQuantity(ctx, key, "p1", 3), ErrItemNotFound)
	require.NoError(t, repo.ClearItems(ctx, key), "clearing a missing cart is not an error")

	cart, err := repo.EnsureCart(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, cart.Items)
	assert.Equal(t, repo.Kind(), cart.Owner.Kind)
	assert.Equal(t, key, cart.Owner.Key)

	again, err := repo.EnsureCart(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, cart.ID, again.ID)

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, repo.SetItem(ctx, key, domain.CartItem{ProductID: "p1", Quantity: 2, UnitPrice: domain.MustMoney("10.00"), AddedAt: now}))
	require.NoError(t, repo.SetItem(ctx, key, domain.CartItem{ProductID: "p2", Quantity: 1, UnitPrice: domain.MustMoney("3.50"), AddedAt: now}))
	// in-place update keeps the line position and refreshes the price
	require.NoError(t, repo.SetItem(ctx, key, domain.CartItem{ProductID: "p1", Quantity: 5, UnitPrice: domain.MustMoney("11.00"), AddedAt: now}))

	cart, err = repo.GetCart(ctx, key)
	require.NoError(t, err)
	require.Len(t, cart.Items, 2)
	assert.Equal(t, "p1", cart.Items[0].ProductID)
	assert.Equal(t, 5, cart.Items[0].Quantity)
	assert.True(t, cart.Items[0].UnitPrice.Equal(domain.MustMoney("11").Decimal))
	assert.Equal(t, "p2", cart.Items[1].ProductID)

	require.NoError(t, repo.UpdateItemQuantity(ctx, key, "p2", 7))
	require.ErrorIs(t, repo.UpdateItemQuantity(ctx, key, "p9", 7), ErrItemNotFound)

	require.NoError(t, repo.RemoveItem(ctx, key, "p1"))
	require.ErrorIs(t, repo.RemoveItem(ctx, key, "p1"), ErrItemNotFound)

	cart, err = repo.GetCart(ctx, key)
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, 7, cart.Items[0].Quantity)

	require.NoError(t, repo.ClearItems(ctx, key))
	require.NoError(t, repo.ClearItems(ctx, key))
	cart, err = repo.GetCart(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, cart.Items)
}

func testGuestRepositoryMaintenance(t *testing.T, repo GuestCartRepository) {
	ctx := context.Background()

	require.NoError(t, repo.SetItem(ctx, "gst_a", domain.CartItem{ProductID: "p1", Quantity: 1, UnitPrice: domain.MustMoney("1")}))
	_, err := repo.EnsureCart(ctx, "gst_b")
	require.NoError(t, err)

	carts, err := repo.ListBySession(ctx, "gst_a")
	require.NoError(t, err)
	require.Len(t, carts, 1)
	assert.True(t, carts[0].ExpiresAt.After(carts[0].UpdatedAt))

	dups, err := repo.DuplicateSessions(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dups)

	// nothing is idle or expired yet
	n, err := repo.DeleteExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = repo.DeleteIdleEmpty(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	// stale predicate: a document touched since it was read is kept
	ok, err := repo.DeleteStale(ctx, carts[0].ID, carts[0].UpdatedAt.Add(-time.Second))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = repo.DeleteStale(ctx, carts[0].ID, carts[0].UpdatedAt)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err = repo.DeleteIdleEmpty(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only the empty gst_b cart is idle-empty")

	_, err = repo.EnsureCart(ctx, "gst_c")
	require.NoError(t, err)
	n, err = repo.DeleteBySession(ctx, "gst_c")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = repo.DeleteBySession(ctx, "gst_c")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testUserApplyMerge(t *testing.T, repo UserCartRepository) {
	ctx := context.Background()

	require.NoError(t, repo.SetItem(ctx, "u-merge", domain.CartItem{ProductID: "p1", Quantity: 1, UnitPrice: domain.MustMoney("2")}))
	items := []domain.CartItem{
		{ProductID: "p1", Quantity: 3, UnitPrice: domain.MustMoney("2")},
		{ProductID: "p2", Quantity: 1, UnitPrice: domain.MustMoney("4")},
	}
	require.NoError(t, repo.ApplyMerge(ctx, "u-merge", items, "gst_1"))

	cart, err := repo.GetCart(ctx, "u-merge")
	require.NoError(t, err)
	assert.Len(t, cart.Items, 2)
	assert.True(t, cart.HasMerged("gst_1"))
	assert.False(t, cart.HasMerged("gst_2"))

	for i := 0; i < domain.MergedSessionsLimit+3; i++ {
		require.NoError(t, repo.ApplyMerge(ctx, "u-merge", items, "gst_extra_"+string(rune('a'+i))))
	}
	cart, err = repo.GetCart(ctx, "u-merge")
	require.NoError(t, err)
	assert.Len(t, cart.MergedSessions, domain.MergedSessionsLimit)
	assert.False(t, cart.HasMerged("gst_1"))
}
