package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/scarryhott/tagtokn/internal/models"
)

const (
	stateBytes         = 32
	maxStateCollisions = 3
	defaultStateTTL    = 30 * time.Minute
	defaultSweepBatch  = 100
)

// StateIssuer creates and persists anti-CSRF state tokens bound to a user
type StateIssuer struct {
	db         *gorm.DB
	provider   Provider
	ttl        time.Duration
	sweepBatch int
	now        func() time.Time
	generate   func() (string, error)
}

// NewStateIssuer creates a state issuer. Non-positive ttl or sweepBatch fall
// back to 30 minutes and 100 rows.
func NewStateIssuer(db *gorm.DB, provider Provider, ttl time.Duration, sweepBatch int) *StateIssuer {
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	if sweepBatch <= 0 {
		sweepBatch = defaultSweepBatch
	}
	return &StateIssuer{
		db:         db,
		provider:   provider,
		ttl:        ttl,
		sweepBatch: sweepBatch,
		now:        time.Now,
		generate:   GenerateState,
	}
}

// GenerateState returns 32 random bytes as a 64 character hex string
func GenerateState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Issue persists a fresh, unused state for ownerID
func (s *StateIssuer) Issue(ctx context.Context, ownerID string) (*models.OAuthState, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", ErrInvalidArgument)
	}

	now := s.now().UTC()

	// Expired rows are swept on the way; failures must not block issuance
	if n, err := SweepExpiredBatch(ctx, s.db, now, s.sweepBatch); err != nil {
		log.Println("OAuth: Failed to sweep expired states:", err)
	} else if n > 0 {
		log.Printf("OAuth: Swept %d expired states", n)
	}

	for attempt := 0; attempt < maxStateCollisions; attempt++ {
		token, err := s.generate()
		if err != nil {
			return nil, err
		}

		state := models.OAuthState{
			Token:     token,
			OwnerID:   ownerID,
			Provider:  s.provider.Name(),
			Used:      false,
			CreatedAt: now,
			ExpiresAt: now.Add(s.ttl),
		}

		err = s.db.WithContext(ctx).Create(&state).Error
		if err == nil {
			return &state, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("failed to persist state: %w", err)
		}
		log.Println("OAuth: State token collision, regenerating")
	}

	return nil, fmt.Errorf("failed to persist state: %d consecutive token collisions", maxStateCollisions)
}

// AuthorizationURL returns the provider URL the client redirects to for state
func (s *StateIssuer) AuthorizationURL(state string) string {
	return s.provider.AuthCodeURL(state)
}
