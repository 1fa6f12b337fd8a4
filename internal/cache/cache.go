package cache

import (
	"context"
	"errors"

	"github.com/fjod/go_cart/cart-session/internal/domain"
)

type CartCache interface {
	Get(ctx context.Context, id domain.Identity) (*domain.Cart, error)
	Set(ctx context.Context, id domain.Identity, cart *domain.Cart) error
	Delete(ctx context.Context, id domain.Identity) error
}

var ErrCacheMiss = errors.New("cache miss")

// Noop never stores anything; every Get is a miss.
type Noop struct{}

func (Noop) Get(context.Context, domain.Identity) (*domain.Cart, error) { return nil, ErrCacheMiss }
func (Noop) Set(context.Context, domain.Identity, *domain.Cart) error   { return nil }
func (Noop) Delete(context.Context, domain.Identity) error              { return nil }
