package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fjod/go_cart/cart-session/internal/cache"
	"github.com/fjod/go_cart/cart-session/internal/catalog"
	"github.com/fjod/go_cart/cart-session/internal/domain"
	"github.com/fjod/go_cart/cart-session/internal/lock"
	"github.com/fjod/go_cart/cart-session/internal/logger"
	"github.com/fjod/go_cart/cart-session/internal/repository"
	"golang.org/x/sync/singleflight"
)

// Publisher receives a change event after every successful mutation. It
// must not block.
type Publisher interface {
	Publish(event domain.ChangeEvent)
}

type Dependencies struct {
	Guests   repository.GuestCartRepository
	Users    repository.UserCartRepository
	Catalog  catalog.Catalog
	Cache    cache.CartCache
	Locker   lock.Locker
	Notifier Publisher
	Logger   *logger.Logger
}

type Options struct {
	// StoreTimeout bounds every single store, lock and catalog call.
	StoreTimeout time.Duration
	// MutationBudget is the soft latency target of one mutation; slower
	// mutations are logged.
	MutationBudget time.Duration
}

type MutationResult struct {
	Cart      *domain.Cart
	Conflicts []domain.Conflict
}

type CartService struct {
	guests   repository.GuestCartRepository
	users    repository.UserCartRepository
	catalog  catalog.Catalog
	cache    cache.CartCache
	locker   lock.Locker
	notifier Publisher
	log      *logger.Logger
	sfg      singleflight.Group // Prevents cache stampede

	storeTimeout time.Duration
	budget       time.Duration
	now          func() time.Time
}

func NewCartService(deps Dependencies, opts Options) *CartService {
	if deps.Cache == nil {
		deps.Cache = cache.Noop{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	if opts.MutationBudget <= 0 {
		opts.MutationBudget = 150 * time.Millisecond
	}
	return &CartService{
		guests:       deps.Guests,
		users:        deps.Users,
		catalog:      deps.Catalog,
		cache:        deps.Cache,
		locker:       deps.Locker,
		notifier:     deps.Notifier,
		log:          deps.Logger,
		storeTimeout: opts.StoreTimeout,
		budget:       opts.MutationBudget,
		now:          time.Now,
	}
}

func (s *CartService) repoFor(id domain.Identity) repository.CartRepository {
	if id.IsGuest() {
		return s.guests
	}
	return s.users
}

// GetCart returns the identity's cart, or an empty unsaved cart when it has
// none. It never creates anything.
func (s *CartService) GetCart(ctx context.Context, id domain.Identity) (*domain.Cart, error) {
	return s.read(ctx, id, false)
}

// GetOrCreate is GetCart that persists an empty cart for identities without
// one.
func (s *CartService) GetOrCreate(ctx context.Context, id domain.Identity) (*domain.Cart, error) {
	return s.read(ctx, id, true)
}

func (s *CartService) read(ctx context.Context, id domain.Identity, create bool) (*domain.Cart, error) {
	if id.IsZero() {
		return nil, ErrUnauthenticated
	}
	key := id.String()
	if create {
		key = "create|" + key
	}

	// Use singleflight to prevent multiple concurrent cache misses for same key
	v, err, _ := s.sfg.Do(key, func() (interface{}, error) {
		// followers share this call, so the leader's cancellation must not
		// fail them; every store call below is still bounded
		ctx := context.WithoutCancel(ctx)

		getCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
		cart, err := s.cache.Get(getCtx, id)
		cancel()
		if err == nil {
			return cart, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.log.Warn("cache get failed", "identity", id.String(), "error", err)
		}
		return s.loadAndFill(ctx, id, create)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Cart).Clone(), nil
}

// loadAndFill reads the cart and caches it while holding the identity lock,
// so a fill always lands before the next mutation's invalidate.
func (s *CartService) loadAndFill(ctx context.Context, id domain.Identity, create bool) (*domain.Cart, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var cart *domain.Cart
	if create {
		err = s.store(ctx, func(ctx context.Context) error {
			var err error
			cart, err = s.repoFor(id).EnsureCart(ctx, id.Key)
			return err
		})
	} else {
		cart, err = s.load(ctx, s.repoFor(id), id)
	}
	if err != nil {
		return nil, err
	}
	// an unsaved empty guest cart is not worth caching
	if cart.ID != "" || !cart.IsEmpty() || !id.IsGuest() {
		s.fillCache(ctx, id, cart)
	}
	return cart, nil
}

// load reads the cart, mapping a missing one to an empty cart.
func (s *CartService) load(ctx context.Context, repo repository.CartRepository, id domain.Identity) (*domain.Cart, error) {
	var cart *domain.Cart
	err := s.store(ctx, func(ctx context.Context) error {
		var err error
		cart, err = repo.GetCart(ctx, id.Key)
		return err
	})
	if errors.Is(err, repository.ErrCartNotFound) {
		return domain.EmptyCart(id, s.now()), nil
	}
	if err != nil {
		return nil, err
	}
	return cart, nil
}

// AddItem adds quantity units of productID, creating the cart and the line
// as needed. A line that would exceed the maximum is capped and the cap is
// reported as a conflict.
func (s *CartService) AddItem(ctx context.Context, id domain.Identity, productID string, quantity int) (*MutationResult, error) {
	productID = strings.TrimSpace(productID)
	switch {
	case productID == "":
		return nil, ErrMissingProductID
	case quantity < domain.MinQuantity:
		return nil, ErrInvalidQuantity
	case quantity > domain.MaxQuantity:
		return nil, ErrMaxQuantityExceeded
	}

	product, err := s.lookup(ctx, productID)
	if err != nil {
		return nil, err
	}
	if !product.Purchasable() {
		return nil, ErrProductUnavailable
	}

	return s.mutate(ctx, id, "add_item", domain.ChangeAdd, func(ctx context.Context, repo repository.CartRepository) ([]domain.Conflict, error) {
		current, err := s.load(ctx, repo, id)
		if err != nil {
			return nil, err
		}
		requested := quantity
		if i, ok := current.Find(productID); ok {
			requested += current.Items[i].Quantity
		}
		applied, clamped := domain.ClampQuantity(requested)

		item := domain.CartItem{
			ProductID: productID,
			Quantity:  applied,
			UnitPrice: product.Price,
			AddedAt:   s.now(),
		}
		if err := s.store(ctx, func(ctx context.Context) error { return repo.SetItem(ctx, id.Key, item) }); err != nil {
			return nil, err
		}

		if clamped {
			return []domain.Conflict{{
				ProductID: productID,
				Reason:    domain.ConflictQuantityClamped,
				Requested: requested,
				Applied:   applied,
			}}, nil
		}
		return nil, nil
	})
}

// SetItemQuantity sets the line to quantity; zero removes the line.
func (s *CartService) SetItemQuantity(ctx context.Context, id domain.Identity, productID string, quantity int) (*MutationResult, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, ErrMissingProductID
	}
	if quantity < 0 || quantity > domain.MaxQuantity {
		return nil, ErrInvalidQuantity
	}

	return s.mutate(ctx, id, "set_quantity", domain.ChangeSet, func(ctx context.Context, repo repository.CartRepository) ([]domain.Conflict, error) {
		if quantity == 0 {
			return nil, s.store(ctx, func(ctx context.Context) error { return repo.RemoveItem(ctx, id.Key, productID) })
		}
		return nil, s.store(ctx, func(ctx context.Context) error {
			return repo.UpdateItemQuantity(ctx, id.Key, productID, quantity)
		})
	})
}

func (s *CartService) RemoveItem(ctx context.Context, id domain.Identity, productID string) (*MutationResult, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, ErrMissingProductID
	}

	return s.mutate(ctx, id, "remove_item", domain.ChangeRemove, func(ctx context.Context, repo repository.CartRepository) ([]domain.Conflict, error) {
		return nil, s.store(ctx, func(ctx context.Context) error { return repo.RemoveItem(ctx, id.Key, productID) })
	})
}

// Clear empties the cart. Clearing an empty or missing cart succeeds.
func (s *CartService) Clear(ctx context.Context, id domain.Identity) (*MutationResult, error) {
	return s.clear(ctx, id, domain.ChangeClear)
}

// ClearAfterCheckout empties a user cart once its order was placed.
func (s *CartService) ClearAfterCheckout(ctx context.Context, userID string) error {
	_, err := s.clear(ctx, domain.User(userID), domain.ChangeCheckout)
	return err
}

func (s *CartService) clear(ctx context.Context, id domain.Identity, reason domain.ChangeReason) (*MutationResult, error) {
	return s.mutate(ctx, id, "clear", reason, func(ctx context.Context, repo repository.CartRepository) ([]domain.Conflict, error) {
		return nil, s.store(ctx, func(ctx context.Context) error { return repo.ClearItems(ctx, id.Key) })
	})
}

// mutate runs fn under the identity lock, then reads back the resulting
// cart, drops the cached copy and announces the change.
func (s *CartService) mutate(
	ctx context.Context,
	id domain.Identity,
	op string,
	reason domain.ChangeReason,
	fn func(ctx context.Context, repo repository.CartRepository) ([]domain.Conflict, error),
) (*MutationResult, error) {
	if id.IsZero() {
		return nil, ErrUnauthenticated
	}
	start := time.Now()
	defer func() {
		if elapsed := time.Since(start); elapsed > s.budget {
			s.log.Warn("cart mutation over budget",
				"op", op, "identity", id.String(), "elapsed_ms", elapsed.Milliseconds())
		}
	}()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	repo := s.repoFor(id)
	conflicts, err := fn(ctx, repo)
	if err != nil {
		if KindOf(err) == KindInternal {
			s.log.Error("cart mutation failed", "op", op, "identity", id.String(), "error", err)
		}
		return nil, err
	}

	cart, err := s.load(ctx, repo, id)
	if err != nil {
		return nil, err
	}

	s.invalidate(id)
	s.publish(id, reason, cart)
	if conflicts == nil {
		conflicts = []domain.Conflict{}
	}
	return &MutationResult{Cart: cart, Conflicts: conflicts}, nil
}

func (s *CartService) lock(ctx context.Context, id domain.Identity) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	unlock, err := s.locker.Lock(ctx, id.String())
	if err == nil {
		return unlock, nil
	}
	if errors.Is(err, lock.ErrLockTimeout) {
		return nil, fmt.Errorf("%w: %w", ErrStorageTimeout, err)
	}
	return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}

// store runs one store call under the bounded timeout.
func (s *CartService) store(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return mapStoreErr(fn(ctx))
}

func (s *CartService) lookup(ctx context.Context, productID string) (*domain.Product, error) {
	var product *domain.Product
	err := s.store(ctx, func(ctx context.Context) error {
		var err error
		product, err = s.catalog.GetProduct(ctx, productID)
		return err
	})
	if errors.Is(err, catalog.ErrProductNotFound) {
		return nil, ErrProductUnavailable
	}
	if err != nil {
		return nil, err
	}
	return product, nil
}

func (s *CartService) fillCache(ctx context.Context, id domain.Identity, cart *domain.Cart) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.cache.Set(ctx, id, cart.Clone()); err != nil {
		s.log.Warn("cache set failed", "identity", id.String(), "error", err)
	}
}

func (s *CartService) invalidate(id domain.Identity) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.cache.Delete(ctx, id); err != nil {
		s.log.Warn("cache invalidate failed", "identity", id.String(), "error", err)
	}
}

func (s *CartService) publish(id domain.Identity, reason domain.ChangeReason, cart *domain.Cart) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(domain.ChangeEvent{
		IdentityKind: id.Kind,
		IdentityKey:  id.Key,
		Reason:       reason,
		Cart:         cart.Clone(),
		Timestamp:    s.now(),
	})
}
