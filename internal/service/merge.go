package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fjod/go_cart/cart-session/internal/domain"
)

// TokenRetirer makes a guest session token unusable.
type TokenRetirer interface {
	Retire(ctx context.Context, token string) error
}

// MergeEngine folds a guest cart into a user cart exactly once.
type MergeEngine struct {
	svc     *CartService
	retirer TokenRetirer
}

func NewMergeEngine(svc *CartService, retirer TokenRetirer) *MergeEngine {
	return &MergeEngine{svc: svc, retirer: retirer}
}

type sourceLine struct {
	productID string
	quantity  int
}

// Merge moves the lines of guest session sessionID, plus clientItems for
// products the stored guest cart does not have, into the cart of userID.
// Lines that cannot be merged are reported as conflicts and skipped. A
// session that was merged before only has its leftovers cleaned up.
func (m *MergeEngine) Merge(ctx context.Context, userID, sessionID string, clientItems []domain.GuestItem) (*domain.MergeReport, error) {
	s := m.svc
	start := time.Now()
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrMissingSessionID
	}
	user, guest := domain.User(userID), domain.Guest(sessionID)

	// always user first, then session
	unlockUser, err := s.lock(ctx, user)
	if err != nil {
		return nil, err
	}
	defer unlockUser()
	unlockGuest, err := s.lock(ctx, guest)
	if err != nil {
		return nil, err
	}
	defer unlockGuest()

	target, err := s.load(ctx, s.users, user)
	if err != nil {
		return nil, err
	}
	report := &domain.MergeReport{Conflicts: []domain.Conflict{}}

	if target.HasMerged(sessionID) {
		m.cleanup(ctx, guest)
		s.log.Info("merge replay ignored", "user_id", userID, "session_id", sessionID)
		report.DurationMs = time.Since(start).Milliseconds()
		return report, nil
	}

	var docs []domain.Cart
	err = s.store(ctx, func(ctx context.Context) error {
		var err error
		docs, err = s.guests.ListBySession(ctx, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}

	lines, conflicts := collectSource(docs, clientItems)
	report.Conflicts = append(report.Conflicts, conflicts...)

	items := append([]domain.CartItem{}, target.Items...)
	for _, line := range lines {
		product, err := s.lookup(ctx, line.productID)
		switch {
		case errors.Is(err, ErrProductUnavailable), err == nil && !product.Purchasable():
			report.Conflicts = append(report.Conflicts, domain.Conflict{
				ProductID: line.productID, Reason: domain.ConflictInvalidProduct, Requested: line.quantity,
			})
			continue
		case err != nil:
			s.log.Warn("merge product lookup failed", "product_id", line.productID, "error", err)
			report.Conflicts = append(report.Conflicts, domain.Conflict{
				ProductID: line.productID, Reason: domain.ConflictLookupFailed, Requested: line.quantity,
			})
			continue
		}

		requested := line.quantity
		i, exists := (&domain.Cart{Items: items}).Find(line.productID)
		if exists {
			requested += items[i].Quantity
		}
		applied, clamped := domain.ClampQuantity(requested)
		if clamped {
			report.Conflicts = append(report.Conflicts, domain.Conflict{
				ProductID: line.productID, Reason: domain.ConflictQuantityClamped, Requested: requested, Applied: applied,
			})
		}
		if exists {
			items[i].Quantity = applied
		} else {
			items = append(items, domain.CartItem{
				ProductID: line.productID,
				Quantity:  applied,
				UnitPrice: product.Price,
				AddedAt:   s.now(),
			})
		}
		report.MergedLineCount++
	}

	if report.MergedLineCount == 0 {
		// nothing to fold: leave the user cart untouched, only drop the guest side
		m.cleanup(ctx, guest)
		report.DurationMs = time.Since(start).Milliseconds()
		s.log.Info("guest merge had nothing to fold",
			"user_id", userID, "session_id", sessionID, "conflicts", len(report.Conflicts))
		return report, nil
	}

	// items and ledger entry land together; the guest delete below commits
	err = s.store(ctx, func(ctx context.Context) error {
		return s.users.ApplyMerge(ctx, userID, items, sessionID)
	})
	if err != nil {
		return nil, err
	}
	m.cleanup(ctx, guest)

	cart, err := s.load(ctx, s.users, user)
	if err != nil {
		return nil, err
	}
	s.invalidate(user)
	s.publish(user, domain.ChangeMerge, cart)

	report.DurationMs = time.Since(start).Milliseconds()
	s.log.Info("guest cart merged",
		"user_id", userID, "session_id", sessionID,
		"merged_lines", report.MergedLineCount, "conflicts", len(report.Conflicts), "duration_ms", report.DurationMs)
	return report, nil
}

// cleanup deletes every guest document of the session and retires its
// token. Failures are logged: the ledger already prevents a second merge
// and expiry reaps what is left.
func (m *MergeEngine) cleanup(ctx context.Context, guest domain.Identity) {
	s := m.svc
	var deleted int64
	err := s.store(ctx, func(ctx context.Context) error {
		var err error
		deleted, err = s.guests.DeleteBySession(ctx, guest.Key)
		return err
	})
	if err != nil {
		s.log.Error("failed to delete merged guest cart", "session_id", guest.Key, "error", err)
	} else if deleted > 0 {
		s.log.Debug("merged guest cart deleted", "session_id", guest.Key, "documents", deleted)
	}
	s.invalidate(guest)

	if m.retirer == nil {
		return
	}
	if err := m.retirer.Retire(ctx, guest.Key); err != nil {
		s.log.Warn("failed to retire merged session", "session_id", guest.Key, "error", err)
	}
}

// collectSource returns the lines to merge: the canonical guest document's
// lines, then client lines for products that document lacks.
func collectSource(docs []domain.Cart, clientItems []domain.GuestItem) ([]sourceLine, []domain.Conflict) {
	var (
		lines     []sourceLine
		conflicts []domain.Conflict
		seen      = make(map[string]bool)
	)
	if len(docs) > 0 {
		keep, _ := domain.PickCanonical(docs)
		for _, it := range keep.Items {
			if it.Quantity < domain.MinQuantity {
				conflicts = append(conflicts, domain.Conflict{
					ProductID: it.ProductID, Reason: domain.ConflictInvalidQuantity, Requested: it.Quantity,
				})
				continue
			}
			seen[it.ProductID] = true
			lines = append(lines, sourceLine{productID: it.ProductID, quantity: it.Quantity})
		}
	}

	for _, it := range clientItems {
		productID := strings.TrimSpace(it.ProductID)
		switch {
		case productID == "":
			conflicts = append(conflicts, domain.Conflict{Reason: domain.ConflictInvalidProduct, Requested: it.Quantity})
		case seen[productID]:
		case it.Quantity < domain.MinQuantity || it.Quantity > domain.MaxQuantity:
			conflicts = append(conflicts, domain.Conflict{
				ProductID: productID, Reason: domain.ConflictInvalidQuantity, Requested: it.Quantity,
			})
		default:
			seen[productID] = true
			lines = append(lines, sourceLine{productID: productID, quantity: it.Quantity})
		}
	}
	return lines, conflicts
}
