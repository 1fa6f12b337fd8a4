package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_cart/cart-session/internal/cache"
	"github.com/fjod/go_cart/cart-session/internal/catalog"
	"github.com/fjod/go_cart/cart-session/internal/domain"
	"github.com/fjod/go_cart/cart-session/internal/lock"
	"github.com/fjod/go_cart/cart-session/internal/logger"
	"github.com/fjod/go_cart/cart-session/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeCatalog struct {
	products map[string]*domain.Product
	failing  map[string]bool
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		products: map[string]*domain.Product{
			"P":    {ID: "P", Name: "Pen", Price: domain.MustMoney("2.50"), Active: true},
			"Q":    {ID: "Q", Name: "Quill", Price: domain.MustMoney("10"), Active: true},
			"R":    {ID: "R", Name: "Ruler", Price: domain.MustMoney("1.25"), Active: true},
			"gone": {ID: "gone", Name: "Discontinued", Price: domain.MustMoney("1"), Active: false},
		},
		failing: map[string]bool{},
	}
}

func (c *fakeCatalog) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	if c.failing[id] {
		return nil, catalog.ErrCatalogUnavailable
	}
	p, ok := c.products[id]
	if !ok {
		return nil, catalog.ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
}

func (p *recordingPublisher) Publish(e domain.ChangeEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) reasons() []domain.ChangeReason {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.ChangeReason
	for _, e := range p.events {
		out = append(out, e.Reason)
	}
	return out
}

type mapCache struct {
	mu    sync.Mutex
	carts map[domain.Identity]*domain.Cart
}

func (m *mapCache) Get(_ context.Context, id domain.Identity) (*domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carts[id]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return c.Clone(), nil
}

func (m *mapCache) Set(_ context.Context, id domain.Identity, cart *domain.Cart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.carts[id] = cart.Clone()
	return nil
}

func (m *mapCache) Delete(_ context.Context, id domain.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.carts, id)
	return nil
}

type fixture struct {
	svc     *CartService
	guests  *repository.MemoryGuestRepository
	users   *repository.MemoryUserRepository
	catalog *fakeCatalog
	events  *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		guests:  repository.NewMemoryGuestRepository(time.Hour),
		users:   repository.NewMemoryUserRepository(),
		catalog: newFakeCatalog(),
		events:  &recordingPublisher{},
	}
	f.svc = NewCartService(Dependencies{
		Guests:   f.guests,
		Users:    f.users,
		Catalog:  f.catalog,
		Locker:   lock.NewLocalLocker(),
		Notifier: f.events,
	}, Options{})
	return f
}

func TestClear_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := domain.Guest("gst_clear")

	_, err := f.svc.AddItem(ctx, id, "P", 3)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res, err := f.svc.Clear(ctx, id)
		require.NoError(t, err)
		assert.True(t, res.Cart.IsEmpty())
	}

	// clearing an identity that never had a cart is fine too
	res, err := f.svc.Clear(ctx, domain.User("nobody"))
	require.NoError(t, err)
	assert.True(t, res.Cart.IsEmpty())
}

func TestAddItem_ClampsAtMaximum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := domain.User("u1")

	res, err := f.svc.AddItem(ctx, id, "P", 97)
	require.NoError(t, err)
	assert.Empty(t, res.Conflicts)

	res, err = f.svc.AddItem(ctx, id, "P", 5)
	require.NoError(t, err)
	require.Len(t, res.Cart.Items, 1)
	assert.Equal(t, 99, res.Cart.Items[0].Quantity)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, domain.Conflict{ProductID: "P", Reason: domain.ConflictQuantityClamped, Requested: 102, Applied: 99}, res.Conflicts[0])
}

func TestAddItem_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := domain.Guest("gst_v")

	tests := []struct {
		name      string
		productID string
		quantity  int
		want      error
	}{
		{"missing product", "  ", 1, ErrMissingProductID},
		{"zero quantity", "P", 0, ErrInvalidQuantity},
		{"negative quantity", "P", -3, ErrInvalidQuantity},
		{"over maximum", "P", 100, ErrMaxQuantityExceeded},
		{"unknown product", "nope", 1, ErrProductUnavailable},
		{"inactive product", "gone", 1, ErrProductUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.AddItem(ctx, id, tt.productID, tt.quantity)
			require.ErrorIs(t, err, tt.want)
		})
	}
	assert.Zero(t, f.guests.Len(), "failed adds create nothing")
	assert.Empty(t, f.events.reasons())
}

func TestAddItem_RefreshesPriceSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := domain.User("u-price")

	_, err := f.svc.AddItem(ctx, id, "Q", 1)
	require.NoError(t, err)
	f.catalog.products["Q"].Price = domain.MustMoney("12")

	_, err = f.svc.SetItemQuantity(ctx, id, "Q", 2)
	require.NoError(t, err)
	cart, err := f.svc.GetCart(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "10", cart.Items[0].UnitPrice.String(), "set keeps the snapshot")

	res, err := f.svc.AddItem(ctx, id, "Q", 1)
	require.NoError(t, err)
	assert.Equal(t, "12", res.Cart.Items[0].UnitPrice.String())
	assert.Equal(t, "36", res.Cart.Subtotal().String())
}

func TestAddItem_CatalogDown(t *testing.T) {
	f := newFixture(t)
	f.catalog.failing["P"] = true

	_, err := f.svc.AddItem(context.Background(), domain.Guest("gst_c"), "P", 1)
	require.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Equal(t, KindStorage, KindOf(err))
}

func TestSetZero_RemovesLine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := domain.Guest("gst_set")

	_, err := f.svc.AddItem(ctx, id, "P", 2)
	require.NoError(t, err)
	res, err := f.svc.SetItemQuantity(ctx, id, "P", 0)
	require.NoError(t, err)
	assert.True(t, res.Cart.IsEmpty())

	cart, err := f.svc.GetCart(ctx, id)
	require.NoError(t, err)
	assert.True(t, cart.IsEmpty())
}

func TestSetItemQuantity_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := domain.User("u-set")

	_, err := f.svc.SetItemQuantity(ctx, id, "P", 3)
	require.ErrorIs(t, err, ErrItemNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = f.svc.AddItem(ctx, id, "P", 1)
	require.NoError(t, err)
	_, err = f.svc.SetItemQuantity(ctx, id, "P", 100)
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = f.svc.SetItemQuantity(ctx, id, "P", -1)
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = f.svc.SetItemQuantity(ctx, id, "", 1)
	require.ErrorIs(t, err, ErrMissingProductID)

	res, err := f.svc.SetItemQuantity(ctx, id, "P", 42)
	require.NoError(t, err)
	assert.Equal(t, 42, res.Cart.ItemCount())
}

func TestRemoveItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := domain.User("u-rm")

	_, err := f.svc.RemoveItem(ctx, id, "P")
	require.ErrorIs(t, err, ErrItemNotFound)

	_, err = f.svc.AddItem(ctx, id, "P", 1)
	require.NoError(t, err)
	_, err = f.svc.AddItem(ctx, id, "R", 4)
	require.NoError(t, err)

	res, err := f.svc.RemoveItem(ctx, id, "P")
	require.NoError(t, err)
	require.Len(t, res.Cart.Items, 1)
	assert.Equal(t, "R", res.Cart.Items[0].ProductID)
	assert.Equal(t, []domain.ChangeReason{domain.ChangeAdd, domain.ChangeAdd, domain.ChangeRemove}, f.events.reasons())
}

func TestNewSessionIsIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AddItem(ctx, domain.Guest("gst_first"), "P", 2)
	require.NoError(t, err)

	fresh, err := f.svc.GetOrCreate(ctx, domain.Guest("gst_second"))
	require.NoError(t, err)
	assert.True(t, fresh.IsEmpty())
	assert.NotEmpty(t, fresh.ID, "GetOrCreate persists the cart")

	first, err := f.svc.GetCart(ctx, domain.Guest("gst_first"))
	require.NoError(t, err)
	assert.Equal(t, 2, first.ItemCount())
}

func TestGetCart_DoesNotCreate(t *testing.T) {
	f := newFixture(t)
	cart, err := f.svc.GetCart(context.Background(), domain.Guest("gst_read"))
	require.NoError(t, err)
	assert.True(t, cart.IsEmpty())
	assert.Zero(t, f.guests.Len())
}

func TestConcurrentAddsConverge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := domain.Guest("gst_race")
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.AddItem(ctx, id, "P", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	cart, err := f.svc.GetCart(ctx, id)
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, n, cart.Items[0].Quantity)

	carts, err := f.guests.ListBySession(ctx, "gst_race")
	require.NoError(t, err)
	assert.Len(t, carts, 1, "concurrent first adds must not create duplicates")
}

func TestConcurrentIdentitiesAreIndependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		id := domain.User(fmt.Sprintf("u-%d", i))
		for j := 0; j < 5; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.svc.AddItem(ctx, id, "R", 1)
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		cart, err := f.svc.GetCart(ctx, domain.User(fmt.Sprintf("u-%d", i)))
		require.NoError(t, err)
		assert.Equal(t, 5, cart.ItemCount())
	}
}

func TestMutationInvalidatesCache(t *testing.T) {
	f := newFixture(t)
	c := &mapCache{carts: map[domain.Identity]*domain.Cart{}}
	f.svc.cache = c
	ctx := context.Background()
	id := domain.User("u-cache")

	_, err := f.svc.AddItem(ctx, id, "P", 1)
	require.NoError(t, err)
	_, err = f.svc.GetCart(ctx, id)
	require.NoError(t, err)
	_, err = c.Get(ctx, id)
	require.NoError(t, err, "reads fill the cache before returning")

	_, err = f.svc.AddItem(ctx, id, "P", 1)
	require.NoError(t, err)
	_, err = c.Get(ctx, id)
	require.ErrorIs(t, err, cache.ErrCacheMiss)

	cart, err := f.svc.GetCart(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, cart.ItemCount())
}

// hookedCache runs the hooks before delegating, so a test can hold a cache
// call at a chosen point.
type hookedCache struct {
	*mapCache
	beforeGet func()
	beforeSet func()
}

func (h *hookedCache) Get(ctx context.Context, id domain.Identity) (*domain.Cart, error) {
	if h.beforeGet != nil {
		h.beforeGet()
	}
	return h.mapCache.Get(ctx, id)
}

func (h *hookedCache) Set(ctx context.Context, id domain.Identity, cart *domain.Cart) error {
	if h.beforeSet != nil {
		h.beforeSet()
	}
	return h.mapCache.Set(ctx, id, cart)
}

func TestSlowCacheFillNeverOverwritesNewerCart(t *testing.T) {
	f := newFixture(t)
	entered, release := make(chan struct{}), make(chan struct{})
	var once sync.Once
	f.svc.cache = &hookedCache{
		mapCache: &mapCache{carts: map[domain.Identity]*domain.Cart{}},
		beforeSet: func() {
			once.Do(func() {
				close(entered)
				<-release
			})
		},
	}
	ctx := context.Background()
	id := domain.User("u-slow-fill")

	readDone := make(chan error, 1)
	go func() {
		_, err := f.svc.GetOrCreate(ctx, id)
		readDone <- err
	}()
	<-entered // the read loaded the empty cart and is about to cache it

	addDone := make(chan error, 1)
	go func() {
		_, err := f.svc.AddItem(ctx, id, "P", 3)
		addDone <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, <-readDone)
	require.NoError(t, <-addDone)

	cart, err := f.svc.GetOrCreate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, cart.ItemCount())
}

func TestCancelledReaderDoesNotFailSharedRead(t *testing.T) {
	f := newFixture(t)
	entered, release := make(chan struct{}), make(chan struct{})
	var once sync.Once
	f.svc.cache = &hookedCache{
		mapCache: &mapCache{carts: map[domain.Identity]*domain.Cart{}},
		beforeGet: func() {
			once.Do(func() {
				close(entered)
				<-release
			})
		},
	}
	id := domain.User("u-shared-read")
	_, err := f.svc.AddItem(context.Background(), id, "P", 2)
	require.NoError(t, err)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderDone := make(chan error, 1)
	go func() {
		_, err := f.svc.GetCart(leaderCtx, id)
		leaderDone <- err
	}()
	<-entered

	followerDone := make(chan error, 1)
	go func() {
		cart, err := f.svc.GetCart(context.Background(), id)
		if err == nil && cart.ItemCount() != 2 {
			err = fmt.Errorf("unexpected item count %d", cart.ItemCount())
		}
		followerDone <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(release)

	require.NoError(t, <-followerDone)
	require.NoError(t, <-leaderDone)
}

type failingGuests struct {
	*repository.MemoryGuestRepository
	err error
}

func (f failingGuests) SetItem(context.Context, string, domain.CartItem) error {
	return f.err
}

func TestStorageErrorsAreClassified(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"timeout", fmt.Errorf("set: %w", repository.ErrStoreTimeout), ErrStorageTimeout},
		{"unavailable", fmt.Errorf("set: %w", repository.ErrStoreUnavailable), ErrStorageUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.svc.guests = failingGuests{MemoryGuestRepository: f.guests, err: tt.err}
			_, err := f.svc.AddItem(context.Background(), domain.Guest("gst_x"), "P", 1)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, KindStorage, KindOf(err))
		})
	}

	t.Run("unknown", func(t *testing.T) {
		f := newFixture(t)
		f.svc.guests = failingGuests{MemoryGuestRepository: f.guests, err: errors.New("boom")}
		_, err := f.svc.AddItem(context.Background(), domain.Guest("gst_x"), "P", 1)
		require.Error(t, err)
		assert.Equal(t, KindInternal, KindOf(err))
	})
}

func TestLockTimeoutIsStorageTimeout(t *testing.T) {
	f := newFixture(t)
	locker := lock.NewLocalLocker()
	f.svc.locker = locker
	f.svc.storeTimeout = 20 * time.Millisecond
	id := domain.Guest("gst_locked")

	unlock, err := locker.Lock(context.Background(), id.String())
	require.NoError(t, err)
	defer unlock()

	_, err = f.svc.AddItem(context.Background(), id, "P", 1)
	require.ErrorIs(t, err, ErrStorageTimeout)
}

func TestSlowMutationIsLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	f := newFixture(t)
	f.svc.log = logger.FromZap(zap.New(core), "salt")
	f.svc.budget = time.Nanosecond

	_, err := f.svc.AddItem(context.Background(), domain.User("u-slow"), "P", 1)
	require.NoError(t, err)

	entries := logs.FilterMessage("cart mutation over budget").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "add_item", fields["op"])
	assert.NotContains(t, fmt.Sprint(fields["identity"]), "u-slow")
}

func TestMissingIdentity(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.AddItem(context.Background(), domain.Identity{}, "P", 1)
	require.ErrorIs(t, err, ErrUnauthenticated)
	_, err = f.svc.GetCart(context.Background(), domain.Identity{})
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindValidation, KindOf(ErrMaxQuantityExceeded))
	assert.Equal(t, KindValidation, KindOf(fmt.Errorf("wrap: %w", ErrMissingSessionID)))
	assert.Equal(t, KindNotFound, KindOf(ErrProductUnavailable))
	assert.Equal(t, KindUnauthenticated, KindOf(ErrUnauthenticated))
	assert.Equal(t, KindStorage, KindOf(mapStoreErr(context.DeadlineExceeded)))
	assert.Equal(t, KindInternal, KindOf(errors.New("x")))
	assert.Equal(t, "storage", KindStorage.String())
}
