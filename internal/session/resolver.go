// Package session decides who a request's cart belongs to.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/cart-session/internal/domain"
)

var ErrStorageUnavailable = errors.New("session store unavailable")

const mintAttempts = 5

type Credentials struct {
	Bearer       string
	SessionToken string
}

type Resolution struct {
	Identity domain.Identity
	// Minted is set when a new guest token was issued for this request; the
	// caller must hand it back to the client.
	Minted bool
}

type Resolver struct {
	auth      Authenticator
	markers   MarkerStore
	tokenTTL  time.Duration
	logoutTTL time.Duration
	now       func() time.Time
}

// NewResolver builds a resolver. tokenTTL bounds how long retired and
// issued tokens are remembered and should match the guest cart TTL.
func NewResolver(auth Authenticator, markers MarkerStore, tokenTTL, logoutTTL time.Duration) *Resolver {
	return &Resolver{
		auth:      auth,
		markers:   markers,
		tokenTTL:  tokenTTL,
		logoutTTL: logoutTTL,
		now:       time.Now,
	}
}

func (r *Resolver) Resolve(ctx context.Context, creds Credentials) (Resolution, error) {
	if creds.Bearer != "" && r.auth != nil {
		if userID, err := r.auth.Authenticate(creds.Bearer); err == nil {
			return Resolution{Identity: domain.User(userID)}, nil
		}
	}

	token := creds.SessionToken
	if !ValidToken(token) {
		return r.mint(ctx)
	}

	loggedOut, err := r.markers.ConsumeLoggedOut(ctx, token, r.tokenTTL)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	if loggedOut {
		return r.mint(ctx)
	}

	retired, err := r.markers.IsRetired(ctx, token)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	if retired {
		return r.mint(ctx)
	}

	return Resolution{Identity: domain.Guest(token)}, nil
}

func (r *Resolver) mint(ctx context.Context) (Resolution, error) {
	for i := 0; i < mintAttempts; i++ {
		token := NewToken(r.now())
		ok, err := r.markers.Reserve(ctx, token, r.tokenTTL)
		if err != nil {
			return Resolution{}, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		}
		if ok {
			return Resolution{Identity: domain.Guest(token), Minted: true}, nil
		}
	}
	return Resolution{}, errors.New("could not mint a unique session token")
}

// Logout flags token so the next request carrying it gets a fresh session.
func (r *Resolver) Logout(ctx context.Context, token string) error {
	if !ValidToken(token) {
		return nil
	}
	if err := r.markers.MarkLoggedOut(ctx, token, r.logoutTTL); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return nil
}

// Retire makes token permanently unusable, e.g. after its cart was merged.
func (r *Resolver) Retire(ctx context.Context, token string) error {
	if err := r.markers.Retire(ctx, token, r.tokenTTL); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return nil
}
