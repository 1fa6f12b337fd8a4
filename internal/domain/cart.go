package domain

import (
	"sort"
	"time"
)

const (
	MinQuantity = 1
	MaxQuantity = 99

	// MergedSessionsLimit bounds the ledger of guest sessions already folded
	// into a user cart.
	MergedSessionsLimit = 20
)

type CartItem struct {
	ProductID string    `bson:"product_id" json:"productId"`
	Quantity  int       `bson:"quantity" json:"quantity"`
	UnitPrice Money     `bson:"unit_price" json:"unitPrice"`
	AddedAt   time.Time `bson:"added_at" json:"addedAt"`
}

func (i CartItem) LineTotal() Money {
	return i.UnitPrice.Times(i.Quantity)
}

// Cart is the storage-independent view of a guest or a user cart.
type Cart struct {
	// ID is the storage document id. Empty for user carts and for carts
	// that were never persisted.
	ID             string     `json:"id,omitempty"`
	Owner          Identity   `json:"owner"`
	Items          []CartItem `json:"items"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	ExpiresAt      time.Time  `json:"expiresAt,omitempty"`
	MergedSessions []string   `json:"mergedSessions,omitempty"`
}

// EmptyCart is the value returned for an identity that has no stored cart.
func EmptyCart(owner Identity, now time.Time) *Cart {
	return &Cart{
		Owner:     owner,
		Items:     []CartItem{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (c *Cart) Find(productID string) (int, bool) {
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			return i, true
		}
	}
	return -1, false
}

func (c *Cart) IsEmpty() bool {
	return len(c.Items) == 0
}

// ItemCount is the total number of units across all lines.
func (c *Cart) ItemCount() int {
	n := 0
	for _, it := range c.Items {
		n += it.Quantity
	}
	return n
}

func (c *Cart) Subtotal() Money {
	total := MustMoney("0")
	for _, it := range c.Items {
		total = total.Plus(it.LineTotal())
	}
	return total
}

func (c *Cart) HasMerged(sessionID string) bool {
	for _, s := range c.MergedSessions {
		if s == sessionID {
			return true
		}
	}
	return false
}

func (c *Cart) Clone() *Cart {
	if c == nil {
		return nil
	}
	out := *c
	out.Items = append([]CartItem{}, c.Items...)
	out.MergedSessions = append([]string(nil), c.MergedSessions...)
	return &out
}

// AppendMergedSession returns ledger with sessionID appended, trimmed to
// the most recent MergedSessionsLimit entries.
func AppendMergedSession(ledger []string, sessionID string) []string {
	out := append(append([]string(nil), ledger...), sessionID)
	if len(out) > MergedSessionsLimit {
		out = out[len(out)-MergedSessionsLimit:]
	}
	return out
}

// ClampQuantity bounds q to MaxQuantity and reports whether it had to.
func ClampQuantity(q int) (int, bool) {
	if q > MaxQuantity {
		return MaxQuantity, true
	}
	return q, false
}

// PickCanonical chooses which of several documents sharing one session id
// survives: most recent update first, then most lines, then smallest id.
// The rest are returned as discard, in no particular order.
func PickCanonical(carts []Cart) (keep Cart, discard []Cart) {
	if len(carts) == 0 {
		return Cart{}, nil
	}
	sorted := append([]Cart(nil), carts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		if len(a.Items) != len(b.Items) {
			return len(a.Items) > len(b.Items)
		}
		return a.ID < b.ID
	})
	return sorted[0], sorted[1:]
}
