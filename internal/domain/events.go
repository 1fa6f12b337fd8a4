package domain

import "time"

type ConflictReason string

const (
	ConflictQuantityClamped ConflictReason = "quantity-clamped"
	ConflictInvalidProduct  ConflictReason = "invalid-product"
	ConflictInvalidQuantity ConflictReason = "invalid-quantity"
	ConflictLookupFailed    ConflictReason = "lookup-failed"
)

// Conflict is a non-fatal reconciliation event attached to an otherwise
// successful mutation or merge.
type Conflict struct {
	ProductID string         `json:"productId"`
	Reason    ConflictReason `json:"reason"`
	Requested int            `json:"requested"`
	Applied   int            `json:"applied"`
}

type MergeReport struct {
	MergedLineCount int        `json:"mergedLineCount"`
	Conflicts       []Conflict `json:"conflicts"`
	DurationMs      int64      `json:"durationMs"`
}

// GuestItem is a line supplied by a client at merge time, typically from
// local storage before the session cookie existed.
type GuestItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type ChangeReason string

const (
	ChangeAdd      ChangeReason = "add"
	ChangeSet      ChangeReason = "set"
	ChangeRemove   ChangeReason = "remove"
	ChangeClear    ChangeReason = "clear"
	ChangeMerge    ChangeReason = "merge"
	ChangeCheckout ChangeReason = "checkout"
)

type ChangeEvent struct {
	IdentityKind IdentityKind `json:"identityKind"`
	IdentityKey  string       `json:"identityKey"`
	Reason       ChangeReason `json:"reason"`
	Cart         *Cart        `json:"cart"`
	Timestamp    time.Time    `json:"timestamp"`
}
