package models

import "time"

// OAuthState is an anti-CSRF state token issued before redirecting a user to
// the provider. It correlates the callback back to the user that started the flow.
type OAuthState struct {
	Token     string     `json:"state" gorm:"primaryKey;size:64"`
	OwnerID   string     `json:"owner_id" gorm:"index;not null"`
	Provider  string     `json:"provider" gorm:"not null;default:instagram"`
	Used      bool       `json:"used" gorm:"not null;default:false"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at" gorm:"not null"`
	ExpiresAt time.Time  `json:"expires_at" gorm:"index;not null"`
}

// TableName specifies the table name for OAuthState
func (OAuthState) TableName() string {
	return "oauth_states"
}

// IsExpired reports whether the state is past its expiry at now.
func (s *OAuthState) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
