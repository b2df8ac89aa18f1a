package oauth

import (
	"context"
	"log"
	"time"
)

// TokenRefresher extends linked tokens that are about to expire
type TokenRefresher struct {
	identities *IdentityStore
	provider   Provider
	window     time.Duration
	now        func() time.Time
}

// NewTokenRefresher creates a refresher for tokens expiring within window
func NewTokenRefresher(identities *IdentityStore, provider Provider, window time.Duration) *TokenRefresher {
	return &TokenRefresher{
		identities: identities,
		provider:   provider,
		window:     window,
		now:        time.Now,
	}
}

// RefreshExpiring refreshes every token that expires within the window.
// A failed refresh is logged and the sweep moves on to the next user.
func (r *TokenRefresher) RefreshExpiring(ctx context.Context) (refreshed, failed int, err error) {
	refresher, ok := r.provider.(Refresher)
	if !ok {
		return 0, 0, ErrRefreshUnsupported
	}

	now := r.now().UTC()
	users, err := r.identities.Expiring(ctx, now, r.window)
	if err != nil {
		return 0, 0, err
	}

	for _, user := range users {
		if ctx.Err() != nil {
			return refreshed, failed, ctx.Err()
		}

		current, err := r.identities.sealer.Open(user.Instagram.AccessToken)
		if err != nil {
			log.Printf("OAuth refresh: Cannot read token of user %s: %v", user.ID, err)
			failed++
			continue
		}

		token, err := refresher.RefreshToken(ctx, current)
		if err != nil {
			log.Printf("OAuth refresh: Failed to refresh token of user %s: %v", user.ID, err)
			failed++
			continue
		}

		if err := r.identities.UpdateToken(ctx, user.ID, token, now); err != nil {
			log.Printf("OAuth refresh: Failed to store token of user %s: %v", user.ID, err)
			failed++
			continue
		}
		refreshed++
	}

	return refreshed, failed, nil
}
