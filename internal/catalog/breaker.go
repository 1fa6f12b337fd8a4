package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/cart-session/internal/domain"
	"github.com/sony/gobreaker/v2"
)

// BreakerCatalog stops calling a failing catalog for a while, so a catalog
// outage turns into fast ErrCatalogUnavailable errors instead of piling up
// timeouts on every cart request.
type BreakerCatalog struct {
	next Catalog
	cb   *gobreaker.CircuitBreaker[*domain.Product]
}

func NewBreakerCatalog(next Catalog, name string, openFor time.Duration) *BreakerCatalog {
	settings := gobreaker.Settings{
		Name:    name,
		Timeout: openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// an unknown product is an answer, not a catalog failure
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrProductNotFound)
		},
	}
	return &BreakerCatalog{
		next: next,
		cb:   gobreaker.NewCircuitBreaker[*domain.Product](settings),
	}
}

func (b *BreakerCatalog) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := b.cb.Execute(func() (*domain.Product, error) {
		return b.next.GetProduct(ctx, id)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", ErrCatalogUnavailable, err)
	}
	return p, err
}

func (b *BreakerCatalog) State() gobreaker.State {
	return b.cb.State()
}
