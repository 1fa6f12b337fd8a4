package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/cart-session/internal/catalog"
	"github.com/fjod/go_cart/cart-session/internal/lock"
	"github.com/fjod/go_cart/cart-session/internal/repository"
)

var (
	ErrMissingProductID    = errors.New("product id is required")
	ErrInvalidQuantity     = errors.New("invalid quantity")
	ErrMaxQuantityExceeded = errors.New("quantity exceeds the per-line maximum")
	ErrProductUnavailable  = errors.New("product not found or not purchasable")
	ErrItemNotFound        = errors.New("item not found in cart")
	ErrMissingSessionID    = errors.New("session id is required")
	ErrUnauthenticated     = errors.New("an authenticated user is required")

	ErrStorageTimeout     = errors.New("storage timed out")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindNotFound
	KindUnauthenticated
	KindStorage
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindStorage:
		return "storage"
	default:
		return "internal"
	}
}

// KindOf classifies err for callers that only need to know who is at fault.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrMissingProductID),
		errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrMaxQuantityExceeded),
		errors.Is(err, ErrMissingSessionID):
		return KindValidation
	case errors.Is(err, ErrProductUnavailable), errors.Is(err, ErrItemNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnauthenticated):
		return KindUnauthenticated
	case errors.Is(err, ErrStorageTimeout), errors.Is(err, ErrStorageUnavailable):
		return KindStorage
	default:
		return KindInternal
	}
}

// mapStoreErr translates store, lock and catalog failures into this
// package's sentinels. Anything it does not recognise is returned as is.
func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrItemNotFound):
		return ErrItemNotFound
	case errors.Is(err, repository.ErrStoreTimeout),
		errors.Is(err, lock.ErrLockTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrStorageTimeout, err)
	case errors.Is(err, repository.ErrStoreUnavailable),
		errors.Is(err, catalog.ErrCatalogUnavailable):
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	default:
		return err
	}
}
