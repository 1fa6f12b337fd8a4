// Package sweeper reconciles guest cart storage in the background: it
// removes expired carts, duplicate documents of one session and carts that
// stayed empty.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fjod/go_cart/cart-session/internal/domain"
	"github.com/fjod/go_cart/cart-session/internal/logger"
	"github.com/fjod/go_cart/cart-session/internal/repository"
)

type Report struct {
	Expired    int64 `json:"expired"`
	Duplicates int64 `json:"duplicates"`
	IdleEmpty  int64 `json:"idleEmpty"`
}

type Options struct {
	Interval       time.Duration
	IdleEmptyAfter time.Duration
	// BatchSize caps how many duplicated sessions one sweep reconciles.
	BatchSize int
	MaxTries  uint
}

type Sweeper struct {
	repo     repository.GuestCartRepository
	log      *logger.Logger
	interval time.Duration
	idle     time.Duration
	batch    int
	maxTries uint
	backOff  func() backoff.BackOff
	now      func() time.Time
}

func New(repo repository.GuestCartRepository, log *logger.Logger, opts Options) *Sweeper {
	if log == nil {
		log = logger.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Minute
	}
	if opts.IdleEmptyAfter <= 0 {
		opts.IdleEmptyAfter = time.Hour
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxTries == 0 {
		opts.MaxTries = 4
	}
	return &Sweeper{
		repo:     repo,
		log:      log.With("component", "sweeper"),
		interval: opts.Interval,
		idle:     opts.IdleEmptyAfter,
		batch:    opts.BatchSize,
		maxTries: opts.MaxTries,
		backOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
		now: time.Now,
	}
}

// Run sweeps once immediately and then on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.sweepAndLog(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	start := time.Now()
	report, err := s.Sweep(ctx)
	if err != nil {
		s.log.Error("sweep finished with errors", "error", err,
			"expired", report.Expired, "duplicates", report.Duplicates, "idle_empty", report.IdleEmpty)
		return
	}
	s.log.Info("sweep finished",
		"expired", report.Expired, "duplicates", report.Duplicates, "idle_empty", report.IdleEmpty,
		"duration_ms", time.Since(start).Milliseconds())
}

// Sweep runs every step once. A failing step does not stop the others; all
// step errors are returned joined.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var (
		report Report
		errs   []error
	)
	now := s.now()

	n, err := retry(ctx, s, "delete_expired", func() (int64, error) {
		return s.repo.DeleteExpired(ctx, now)
	})
	report.Expired = n
	errs = append(errs, err)

	report.Duplicates, err = s.reconcileDuplicates(ctx)
	errs = append(errs, err)

	n, err = retry(ctx, s, "delete_idle_empty", func() (int64, error) {
		return s.repo.DeleteIdleEmpty(ctx, now.Add(-s.idle))
	})
	report.IdleEmpty = n
	errs = append(errs, err)

	return report, errors.Join(errs...)
}

// reconcileDuplicates keeps the canonical document of every duplicated
// session and deletes the others, unless they changed since being read.
func (s *Sweeper) reconcileDuplicates(ctx context.Context) (int64, error) {
	sessions, err := retry(ctx, s, "find_duplicates", func() ([]string, error) {
		return s.repo.DuplicateSessions(ctx, s.batch)
	})
	if err != nil {
		return 0, err
	}

	var (
		removed int64
		errs    []error
	)
	for _, sessionID := range sessions {
		carts, err := retry(ctx, s, "list_session", func() ([]domain.Cart, error) {
			return s.repo.ListBySession(ctx, sessionID)
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		keep, discard := domain.PickCanonical(carts)
		for _, c := range discard {
			ok, err := retry(ctx, s, "delete_stale", func() (bool, error) {
				return s.repo.DeleteStale(ctx, c.ID, c.UpdatedAt)
			})
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				removed++
			} else {
				s.log.Debug("duplicate changed during sweep, kept", "session_id", sessionID, "doc_id", c.ID)
			}
		}
		s.log.Debug("duplicates reconciled", "session_id", sessionID, "kept", keep.ID, "candidates", len(discard))
	}
	return removed, errors.Join(errs...)
}

func retry[T any](ctx context.Context, s *Sweeper, step string, op func() (T, error)) (T, error) {
	v, err := backoff.Retry(ctx, backoff.Operation[T](op),
		backoff.WithBackOff(s.backOff()),
		backoff.WithMaxTries(s.maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.Warn("sweep step failed, retrying", "step", step, "error", err, "retry_in_ms", next.Milliseconds())
		}),
	)
	if err != nil {
		return v, fmt.Errorf("%s: %w", step, err)
	}
	return v, nil
}
