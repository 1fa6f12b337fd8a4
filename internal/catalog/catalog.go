// Package catalog is the read side of the product catalog the cart
// validates against. Catalog management lives elsewhere.
package catalog

import (
	"context"
	"errors"

	"github.com/fjod/go_cart/cart-session/internal/domain"
)

var (
	ErrProductNotFound    = errors.New("product not found")
	ErrCatalogUnavailable = errors.New("product catalog unavailable")
)

type Catalog interface {
	// GetProduct returns ErrProductNotFound for unknown ids. Inactive
	// products are returned; callers check Purchasable.
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
}
