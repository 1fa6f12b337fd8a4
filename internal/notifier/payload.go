package notifier

import (
	"time"

	"github.com/fjod/go_cart/cart-session/internal/domain"
	"github.com/fjod/go_cart/cart-session/internal/logger"
)

// cartUpdate is the wire form of a change event. Identities leave the
// process only as masked hashes.
type cartUpdate struct {
	IdentityKind domain.IdentityKind `json:"identityKind"`
	Identity     string              `json:"identity"`
	Reason       domain.ChangeReason `json:"reason"`
	Items        []domain.CartItem   `json:"items"`
	ItemCount    int                 `json:"itemCount"`
	Subtotal     domain.Money        `json:"subtotal"`
	Timestamp    time.Time           `json:"timestamp"`
}

func newCartUpdate(log *logger.Logger, e domain.ChangeEvent) cartUpdate {
	u := cartUpdate{
		IdentityKind: e.IdentityKind,
		Identity:     log.Mask(string(e.IdentityKind) + ":" + e.IdentityKey),
		Reason:       e.Reason,
		Items:        []domain.CartItem{},
		Subtotal:     domain.MustMoney("0"),
		Timestamp:    e.Timestamp,
	}
	if e.Cart != nil {
		u.Items = append(u.Items, e.Cart.Items...)
		u.ItemCount = e.Cart.ItemCount()
		u.Subtotal = e.Cart.Subtotal()
	}
	return u
}
