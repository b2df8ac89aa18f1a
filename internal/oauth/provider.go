package oauth

import (
	"context"
	"time"
)

// Token is an access token issued by a provider
type Token struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time // zero when the provider did not report an expiry
}

// Profile is the minimal provider profile linked to a local user
type Profile struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	AccountType string `json:"account_type,omitempty"`
}

// Provider is the capability every identity provider implements.
// New providers are added by implementing it, the callback flow stays the same.
type Provider interface {
	// Name returns the unique identifier for this provider
	Name() string

	// AuthCodeURL returns the authorization URL the client is redirected to
	AuthCodeURL(state string) string

	// ExchangeCode exchanges an authorization code for an access token
	ExchangeCode(ctx context.Context, code string) (*Token, error)

	// FetchProfile retrieves the profile that owns accessToken
	FetchProfile(ctx context.Context, accessToken string) (*Profile, error)
}

// LongLivedExchanger is implemented by providers that upgrade short-lived
// tokens to a longer validity window. The callback skips the step otherwise.
type LongLivedExchanger interface {
	ExchangeLongLived(ctx context.Context, shortLived *Token) (*Token, error)
}

// Refresher is implemented by providers whose tokens can be extended
// before they expire.
type Refresher interface {
	RefreshToken(ctx context.Context, accessToken string) (*Token, error)
}
