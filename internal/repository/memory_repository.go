package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fjod/go_cart/cart-session/internal/domain"
)

// MemoryGuestRepository implements GuestCartRepository in process memory.
// It backs tests and STORE_BACKEND=memory local runs.
type MemoryGuestRepository struct {
	mu    sync.RWMutex
	carts map[string]*domain.Cart // document id -> cart
	seq   int
	ttl   time.Duration
	now   func() time.Time
}

func NewMemoryGuestRepository(ttl time.Duration) *MemoryGuestRepository {
	return &MemoryGuestRepository{
		carts: make(map[string]*domain.Cart),
		ttl:   ttl,
		now:   time.Now,
	}
}

// SetClock replaces the time source.
func (r *MemoryGuestRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Insert stores c as a new document, duplicates included, and returns its id.
func (r *MemoryGuestRepository) Insert(c domain.Cart) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertLocked(c)
}

func (r *MemoryGuestRepository) insertLocked(c domain.Cart) string {
	if c.ID == "" {
		r.seq++
		c.ID = fmt.Sprintf("mem-%06d", r.seq)
	}
	c.Items = normalizeItems(c.Items)
	r.carts[c.ID] = c.Clone()
	return c.ID
}

func (r *MemoryGuestRepository) Kind() domain.IdentityKind {
	return domain.KindGuest
}

func (r *MemoryGuestRepository) canonicalLocked(sessionID string) *domain.Cart {
	var matches []domain.Cart
	for _, c := range r.carts {
		if c.Owner.Key == sessionID {
			matches = append(matches, *c)
		}
	}
	if len(matches) == 0 {
		return nil
	}
	keep, _ := domain.PickCanonical(matches)
	return r.carts[keep.ID]
}

func (r *MemoryGuestRepository) touchLocked(c *domain.Cart) {
	now := r.now()
	c.UpdatedAt = now
	c.ExpiresAt = now.Add(r.ttl)
}

func (r *MemoryGuestRepository) GetCart(_ context.Context, sessionID string) (*domain.Cart, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.canonicalLocked(sessionID)
	if c == nil {
		return nil, ErrCartNotFound
	}
	return c.Clone(), nil
}

func (r *MemoryGuestRepository) EnsureCart(_ context.Context, sessionID string) (*domain.Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureLocked(sessionID).Clone(), nil
}

func (r *MemoryGuestRepository) ensureLocked(sessionID string) *domain.Cart {
	if c := r.canonicalLocked(sessionID); c != nil {
		return c
	}
	now := r.now()
	id := r.insertLocked(domain.Cart{
		Owner:     domain.Guest(sessionID),
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	})
	return r.carts[id]
}

func (r *MemoryGuestRepository) SetItem(_ context.Context, sessionID string, item domain.CartItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.ensureLocked(sessionID)
	setItem(c, item)
	r.touchLocked(c)
	return nil
}

func (r *MemoryGuestRepository) UpdateItemQuantity(_ context.Context, sessionID, productID string, quantity int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.canonicalLocked(sessionID)
	if c == nil {
		return ErrItemNotFound
	}
	i, ok := c.Find(productID)
	if !ok {
		return ErrItemNotFound
	}
	c.Items[i].Quantity = quantity
	r.touchLocked(c)
	return nil
}

func (r *MemoryGuestRepository) RemoveItem(_ context.Context, sessionID, productID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.canonicalLocked(sessionID)
	if c == nil || !removeItem(c, productID) {
		return ErrItemNotFound
	}
	r.touchLocked(c)
	return nil
}

func (r *MemoryGuestRepository) ClearItems(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.canonicalLocked(sessionID); c != nil {
		c.Items = []domain.CartItem{}
		r.touchLocked(c)
	}
	return nil
}

func (r *MemoryGuestRepository) ListBySession(_ context.Context, sessionID string) ([]domain.Cart, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Cart
	for _, c := range r.carts {
		if c.Owner.Key == sessionID {
			out = append(out, *c.Clone())
		}
	}
	return out, nil
}

func (r *MemoryGuestRepository) DeleteBySession(_ context.Context, sessionID string) (int64, error) {
	return r.deleteWhere(func(c *domain.Cart) bool { return c.Owner.Key == sessionID }), nil
}

func (r *MemoryGuestRepository) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	return r.deleteWhere(func(c *domain.Cart) bool { return c.ExpiresAt.Before(now) }), nil
}

func (r *MemoryGuestRepository) DeleteIdleEmpty(_ context.Context, cutoff time.Time) (int64, error) {
	return r.deleteWhere(func(c *domain.Cart) bool { return c.IsEmpty() && c.UpdatedAt.Before(cutoff) }), nil
}

func (r *MemoryGuestRepository) deleteWhere(pred func(*domain.Cart) bool) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, c := range r.carts {
		if pred(c) {
			delete(r.carts, id)
			n++
		}
	}
	return n
}

func (r *MemoryGuestRepository) DuplicateSessions(_ context.Context, limit int) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int)
	for _, c := range r.carts {
		counts[c.Owner.Key]++
	}
	var out []string
	for session, n := range counts {
		if n > 1 && len(out) < limit {
			out = append(out, session)
		}
	}
	return out, nil
}

func (r *MemoryGuestRepository) DeleteStale(_ context.Context, id string, updatedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.carts[id]
	if !ok || !c.UpdatedAt.Equal(updatedAt) {
		return false, nil
	}
	delete(r.carts, id)
	return true, nil
}

// Len returns the number of stored documents.
func (r *MemoryGuestRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.carts)
}

// MemoryUserRepository implements UserCartRepository in process memory.
type MemoryUserRepository struct {
	mu    sync.RWMutex
	carts map[string]*domain.Cart // user id -> cart
	now   func() time.Time
}

func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{
		carts: make(map[string]*domain.Cart),
		now:   time.Now,
	}
}

func (r *MemoryUserRepository) Kind() domain.IdentityKind {
	return domain.KindUser
}

func (r *MemoryUserRepository) GetCart(_ context.Context, userID string) (*domain.Cart, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.carts[userID]
	if !ok {
		return nil, ErrCartNotFound
	}
	return c.Clone(), nil
}

func (r *MemoryUserRepository) EnsureCart(_ context.Context, userID string) (*domain.Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureLocked(userID).Clone(), nil
}

func (r *MemoryUserRepository) ensureLocked(userID string) *domain.Cart {
	c, ok := r.carts[userID]
	if !ok {
		c = domain.EmptyCart(domain.User(userID), r.now())
		r.carts[userID] = c
	}
	return c
}

func (r *MemoryUserRepository) SetItem(_ context.Context, userID string, item domain.CartItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.ensureLocked(userID)
	setItem(c, item)
	c.UpdatedAt = r.now()
	return nil
}

func (r *MemoryUserRepository) UpdateItemQuantity(_ context.Context, userID, productID string, quantity int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.carts[userID]
	if !ok {
		return ErrItemNotFound
	}
	i, found := c.Find(productID)
	if !found {
		return ErrItemNotFound
	}
	c.Items[i].Quantity = quantity
	c.UpdatedAt = r.now()
	return nil
}

func (r *MemoryUserRepository) RemoveItem(_ context.Context, userID, productID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.carts[userID]
	if !ok || !removeItem(c, productID) {
		return ErrItemNotFound
	}
	c.UpdatedAt = r.now()
	return nil
}

func (r *MemoryUserRepository) ClearItems(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.carts[userID]; ok {
		c.Items = []domain.CartItem{}
		c.UpdatedAt = r.now()
	}
	return nil
}

func (r *MemoryUserRepository) ApplyMerge(_ context.Context, userID string, items []domain.CartItem, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.ensureLocked(userID)
	c.Items = append([]domain.CartItem{}, items...)
	c.MergedSessions = domain.AppendMergedSession(c.MergedSessions, sessionID)
	c.UpdatedAt = r.now()
	return nil
}

func setItem(c *domain.Cart, item domain.CartItem) {
	if i, ok := c.Find(item.ProductID); ok {
		c.Items[i].Quantity = item.Quantity
		c.Items[i].UnitPrice = item.UnitPrice
		return
	}
	c.Items = append(c.Items, item)
}

func removeItem(c *domain.Cart, productID string) bool {
	i, ok := c.Find(productID)
	if !ok {
		return false
	}
	c.Items = append(c.Items[:i], c.Items[i+1:]...)
	return true
}
