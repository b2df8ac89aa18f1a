package oauth

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/scarryhott/tagtokn/internal/models"
)

// SweepExpiredBatch deletes at most limit states whose expiry has passed
func SweepExpiredBatch(ctx context.Context, db *gorm.DB, now time.Time, limit int) (int64, error) {
	expired := db.Model(&models.OAuthState{}).
		Select("token").
		Where("expires_at < ?", now).
		Limit(limit)

	result := db.WithContext(ctx).Where("token IN (?)", expired).Delete(&models.OAuthState{})
	return result.RowsAffected, result.Error
}

// SweepExpiredStates deletes every state that has expired, or that was created
// longer than retention ago regardless of its expiry.
func SweepExpiredStates(ctx context.Context, db *gorm.DB, now time.Time, retention time.Duration) (int64, error) {
	query := db.WithContext(ctx).Where("expires_at < ?", now)
	if retention > 0 {
		query = query.Or("created_at < ?", now.Add(-retention))
	}

	result := query.Delete(&models.OAuthState{})
	return result.RowsAffected, result.Error
}
