package oauth

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/scarryhott/tagtokn/internal/models"
)

// SessionMinter mints session credentials for local users
type SessionMinter interface {
	Issue(userID string) (string, error)
}

// CallbackParams are the query parameters the provider redirects back with
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorReason      string
	ErrorDescription string
}

// LinkResult is the outcome of a successful callback
type LinkResult struct {
	OwnerID      string
	SessionToken string
	Profile      Profile
}

// Linker runs the authorization callback: it consumes the state exactly once,
// exchanges the code, fetches the profile, links it to the state's owner and
// mints a session.
type Linker struct {
	db         *gorm.DB
	provider   Provider
	identities *IdentityStore
	sessions   SessionMinter
	secrets    []string
	now        func() time.Time
}

// NewLinker creates a callback linker. secrets are scrubbed from every
// upstream error it returns, detail and cause alike.
func NewLinker(db *gorm.DB, provider Provider, identities *IdentityStore, sessions SessionMinter, secrets ...string) *Linker {
	return &Linker{
		db:         db,
		provider:   provider,
		identities: identities,
		sessions:   sessions,
		secrets:    secrets,
		now:        time.Now,
	}
}

// HandleCallback walks the callback state machine. Every returned error is a
// *CallbackError. Once the state has been consumed it stays used, whatever
// happens afterwards; the client restarts from a fresh state.
func (l *Linker) HandleCallback(ctx context.Context, params CallbackParams) (*LinkResult, error) {
	if params.Error != "" {
		return nil, callbackErr(ErrProviderDenied, providerReason(params), nil)
	}

	if params.Code == "" || params.State == "" {
		return nil, callbackErr(ErrMissingParameter, "", nil)
	}

	state, err := l.consumeState(ctx, params.State)
	if err != nil {
		return nil, err
	}

	token, err := l.provider.ExchangeCode(ctx, params.Code)
	if err != nil {
		return nil, l.upstreamErr(ErrTokenExchangeFailed, err)
	}

	if exchanger, ok := l.provider.(LongLivedExchanger); ok {
		longLived, err := exchanger.ExchangeLongLived(ctx, token)
		if err != nil {
			return nil, l.upstreamErr(ErrTokenExchangeFailed, err)
		}
		token = longLived
	}

	profile, err := l.provider.FetchProfile(ctx, token.AccessToken)
	if err != nil {
		return nil, l.upstreamErr(ErrProfileFetchFailed, err)
	}

	if _, err := l.identities.Link(ctx, state.OwnerID, profile, token, l.now().UTC()); err != nil {
		return nil, callbackErr(errInternal, "", err)
	}

	sessionToken, err := l.sessions.Issue(state.OwnerID)
	if err != nil {
		return nil, callbackErr(errInternal, "", err)
	}

	log.Printf("OAuth: Linked %s account %s to user %s", l.provider.Name(), profile.Username, state.OwnerID)

	return &LinkResult{
		OwnerID:      state.OwnerID,
		SessionToken: sessionToken,
		Profile:      Profile{ID: profile.ID, Username: profile.Username},
	}, nil
}

// consumeState looks the state up, checks it and marks it used in a single
// transaction. The conditional update guarantees at most one caller wins even
// when the row lock is unavailable.
func (l *Linker) consumeState(ctx context.Context, token string) (*models.OAuthState, error) {
	now := l.now().UTC()
	var consumed models.OAuthState

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var state models.OAuthState
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("token = ?", token).
			Take(&state).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return callbackErr(ErrInvalidState, "", nil)
		}
		if err != nil {
			return callbackErr(errInternal, "", err)
		}

		if state.Used {
			return callbackErr(ErrStateAlreadyUsed, "", nil)
		}
		if state.IsExpired(now) {
			return callbackErr(ErrStateExpired, "", nil)
		}

		result := tx.Model(&models.OAuthState{}).
			Where("token = ? AND used = ?", token, false).
			Updates(map[string]interface{}{"used": true, "used_at": now})
		if result.Error != nil {
			return callbackErr(errInternal, "", result.Error)
		}
		if result.RowsAffected != 1 {
			return callbackErr(ErrStateAlreadyUsed, "", nil)
		}

		state.Used = true
		state.UsedAt = &now
		consumed = state
		return nil
	})
	if err != nil {
		var cbErr *CallbackError
		if errors.As(err, &cbErr) {
			return nil, cbErr
		}
		return nil, callbackErr(errInternal, "", err)
	}

	return &consumed, nil
}

func (l *Linker) upstreamErr(kind error, err error) *CallbackError {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		scrubbed := &UpstreamError{
			Op:         upstream.Op,
			StatusCode: upstream.StatusCode,
			Body:       redact(upstream.Body, l.secrets...),
		}
		return callbackErr(kind, scrubbed.Body, scrubbed)
	}
	return callbackErr(kind, "", errors.New(redact(err.Error(), l.secrets...)))
}

func providerReason(params CallbackParams) string {
	parts := []string{params.Error}
	if params.ErrorReason != "" {
		parts = append(parts, params.ErrorReason)
	}
	if params.ErrorDescription != "" {
		parts = append(parts, params.ErrorDescription)
	}
	return strings.Join(parts, ": ")
}
