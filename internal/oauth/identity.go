package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/scarryhott/tagtokn/internal/models"
)

var identityColumns = []string{
	"instagram_provider_user_id",
	"instagram_username",
	"instagram_account_type",
	"instagram_access_token",
	"instagram_token_expires_at",
	"instagram_last_updated",
	"updated_at",
}

// IdentityStore reads and writes the linked provider identity of user documents
type IdentityStore struct {
	db     *gorm.DB
	sealer *Sealer
}

// NewIdentityStore creates an identity store
func NewIdentityStore(db *gorm.DB, sealer *Sealer) *IdentityStore {
	return &IdentityStore{db: db, sealer: sealer}
}

// Link merge-writes the identity onto the user document ownerID, creating the
// document if it does not exist. Fields outside the identity are left untouched.
func (s *IdentityStore) Link(ctx context.Context, ownerID string, profile *Profile, token *Token, now time.Time) (*models.User, error) {
	sealed, err := s.sealer.Seal(token.AccessToken)
	if err != nil {
		return nil, err
	}

	identity := models.LinkedIdentity{
		ProviderUserID: profile.ID,
		Username:       profile.Username,
		AccountType:    profile.AccountType,
		AccessToken:    sealed,
		LastUpdated:    &now,
	}
	if !token.ExpiresAt.IsZero() {
		expiresAt := token.ExpiresAt.UTC()
		identity.TokenExpiresAt = &expiresAt
	}

	user := models.User{
		ID:        ownerID,
		Instagram: identity,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(identityColumns),
	}).Create(&user).Error
	if err != nil {
		return nil, fmt.Errorf("failed to persist identity: %w", err)
	}

	return &user, nil
}

// Get loads the user document id
func (s *IdentityStore) Get(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &user, nil
}

// AccessToken returns the unsealed provider token linked to user id.
// It is for server-side consumers only.
func (s *IdentityStore) AccessToken(ctx context.Context, id string) (string, error) {
	user, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !user.Instagram.Linked() || user.Instagram.AccessToken == "" {
		return "", ErrNotLinked
	}
	return s.sealer.Open(user.Instagram.AccessToken)
}

// UpdateToken replaces the stored token of user id after a refresh
func (s *IdentityStore) UpdateToken(ctx context.Context, id string, token *Token, now time.Time) error {
	sealed, err := s.sealer.Seal(token.AccessToken)
	if err != nil {
		return err
	}

	updates := map[string]interface{}{
		"instagram_access_token": sealed,
		"instagram_last_updated": now,
		"updated_at":             now,
	}
	if !token.ExpiresAt.IsZero() {
		updates["instagram_token_expires_at"] = token.ExpiresAt.UTC()
	}

	result := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update token: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// Unlink clears the linked identity of user id
func (s *IdentityStore) Unlink(ctx context.Context, id string, now time.Time) error {
	updates := map[string]interface{}{
		"instagram_provider_user_id": "",
		"instagram_username":         "",
		"instagram_account_type":     "",
		"instagram_access_token":     "",
		"instagram_token_expires_at": nil,
		"instagram_last_updated":     nil,
		"updated_at":                 now,
	}

	result := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND instagram_provider_user_id <> ''", id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to unlink identity: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotLinked
	}
	return nil
}

// Expiring returns users whose token expires between now and now+window
func (s *IdentityStore) Expiring(ctx context.Context, now time.Time, window time.Duration) ([]models.User, error) {
	var users []models.User
	err := s.db.WithContext(ctx).
		Where("instagram_token_expires_at > ? AND instagram_token_expires_at <= ?", now, now.Add(window)).
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring tokens: %w", err)
	}
	return users, nil
}
