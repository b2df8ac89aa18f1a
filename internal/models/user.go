package models

import "time"

// User is the local user document. The linked Instagram identity is embedded,
// so a user can hold at most one identity for the provider.
type User struct {
	ID        string         `json:"id" gorm:"primaryKey;size:128"`
	Instagram LinkedIdentity `json:"instagram" gorm:"embedded;embeddedPrefix:instagram_"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TableName specifies the table name for User
func (User) TableName() string {
	return "users"
}

// LinkedIdentity is a provider account linked to a local user.
type LinkedIdentity struct {
	ProviderUserID string     `json:"provider_user_id,omitempty" gorm:"column:provider_user_id"`
	Username       string     `json:"username,omitempty" gorm:"column:username"`
	AccountType    string     `json:"account_type,omitempty" gorm:"column:account_type"`
	AccessToken    string     `json:"-" gorm:"column:access_token"` // Sealed at rest, never serialized
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty" gorm:"column:token_expires_at"`
	LastUpdated    *time.Time `json:"last_updated,omitempty" gorm:"column:last_updated"`
}

// Linked reports whether a provider identity is present.
func (l LinkedIdentity) Linked() bool {
	return l.ProviderUserID != ""
}
