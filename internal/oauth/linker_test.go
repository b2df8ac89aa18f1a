package oauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/scarryhott/tagtokn/internal/models"
)

func loadState(t *testing.T, f *fixture, token string) models.OAuthState {
	t.Helper()
	var state models.OAuthState
	require.NoError(t, f.db.Where("token = ?", token).Take(&state).Error)
	return state
}

func countUsers(t *testing.T, f *fixture) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&models.User{}).Count(&n).Error)
	return n
}

func TestLinker_HandleCallback_LinksIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, err := f.states.Issue(ctx, "user-1")
	require.NoError(t, err)

	result, err := f.linker.HandleCallback(ctx, CallbackParams{Code: "auth-code", State: state.Token})
	require.NoError(t, err)

	assert.Equal(t, "user-1", result.OwnerID)
	assert.Equal(t, "17841400000000001", result.Profile.ID)
	assert.Equal(t, "tagtokn.fan", result.Profile.Username)
	assert.Equal(t, []string{"auth-code"}, f.provider.codes)

	subject, err := f.sessions.Verify(result.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", subject)

	stored := loadState(t, f, state.Token)
	assert.True(t, stored.Used)
	require.NotNil(t, stored.UsedAt)

	user, err := f.identities.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, user.Instagram.Linked())
	assert.Equal(t, "17841400000000001", user.Instagram.ProviderUserID)
	assert.Equal(t, "tagtokn.fan", user.Instagram.Username)
	assert.Equal(t, "BUSINESS", user.Instagram.AccountType)
	require.NotNil(t, user.Instagram.TokenExpiresAt)
	require.NotNil(t, user.Instagram.LastUpdated)

	// The token is sealed at rest and readable server side
	assert.NotEqual(t, "ig-access-token", user.Instagram.AccessToken)
	plain, err := f.identities.AccessToken(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "ig-access-token", plain)
}

func TestLinker_HandleCallback_ReplayIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, err := f.states.Issue(ctx, "user-1")
	require.NoError(t, err)

	_, err = f.linker.HandleCallback(ctx, CallbackParams{Code: "code-1", State: state.Token})
	require.NoError(t, err)

	_, err = f.linker.HandleCallback(ctx, CallbackParams{Code: "code-2", State: state.Token})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStateAlreadyUsed)

	var cbErr *CallbackError
	require.True(t, errors.As(err, &cbErr))
	assert.Equal(t, 1, f.provider.exchangeCount(), "the replay must not reach the provider")
}

func TestLinker_HandleCallback_ConcurrentCallbacksConsumeOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, err := f.states.Issue(ctx, "user-1")
	require.NoError(t, err)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.linker.HandleCallback(ctx, CallbackParams{Code: "code", State: state.Token})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrStateAlreadyUsed)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, f.provider.exchangeCount())
}

func TestLinker_HandleCallback_UnknownState(t *testing.T) {
	f := newFixture(t)

	_, err := f.linker.HandleCallback(context.Background(), CallbackParams{Code: "code", State: "does-not-exist"})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 0, f.provider.exchangeCount())
}

func TestLinker_HandleCallback_ExpiredState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, err := f.states.Issue(ctx, "user-1")
	require.NoError(t, err)

	f.linker.now = func() time.Time { return state.ExpiresAt }

	_, err = f.linker.HandleCallback(ctx, CallbackParams{Code: "code", State: state.Token})
	assert.ErrorIs(t, err, ErrStateExpired)
	assert.Equal(t, 0, f.provider.exchangeCount())
	assert.False(t, loadState(t, f, state.Token).Used, "an expired state is rejected, not consumed")
}

func TestLinker_HandleCallback_ProviderDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, err := f.states.Issue(ctx, "user-1")
	require.NoError(t, err)

	_, err = f.linker.HandleCallback(ctx, CallbackParams{
		State:            state.Token,
		Error:            "access_denied",
		ErrorReason:      "user_denied",
		ErrorDescription: "The user denied your request.",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderDenied)

	var cbErr *CallbackError
	require.True(t, errors.As(err, &cbErr))
	assert.Equal(t, "access_denied: user_denied: The user denied your request.", cbErr.Detail)

	assert.False(t, loadState(t, f, state.Token).Used)
	assert.Zero(t, countUsers(t, f))
	assert.Equal(t, 0, f.provider.exchangeCount())
}

func TestLinker_HandleCallback_MissingParameters(t *testing.T) {
	f := newFixture(t)

	_, err := f.linker.HandleCallback(context.Background(), CallbackParams{State: "abc"})
	assert.ErrorIs(t, err, ErrMissingParameter)

	_, err = f.linker.HandleCallback(context.Background(), CallbackParams{Code: "abc"})
	assert.ErrorIs(t, err, ErrMissingParameter)
}

func TestLinker_HandleCallback_ExchangeFailureRedactsSecrets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.provider.exchangeErr = &UpstreamError{
		Op:         "token exchange",
		StatusCode: 400,
		Body:       `{"error_message":"Invalid client_secret: client-secret-value"}`,
	}

	state, err := f.states.Issue(ctx, "user-1")
	require.NoError(t, err)

	_, err = f.linker.HandleCallback(ctx, CallbackParams{Code: "code", State: state.Token})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTokenExchangeFailed)
	assert.NotContains(t, err.Error(), "client-secret-value")

	var cbErr *CallbackError
	require.True(t, errors.As(err, &cbErr))
	assert.Contains(t, cbErr.Detail, "[REDACTED]")

	assert.True(t, loadState(t, f, state.Token).Used, "the state stays consumed after a later failure")
	assert.Zero(t, countUsers(t, f))
}

func TestLinker_HandleCallback_UpstreamCauseIsRedacted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	linker := NewLinker(f.db, f.provider, f.identities, f.sessions, "client-secret-value", "messaging-token-value")

	tests := []struct {
		name string
		err  error
	}{
		{"upstream body", &UpstreamError{
			Op:         "token exchange",
			StatusCode: 400,
			Body:       `{"error_message":"client-secret-value rejected, token messaging-token-value"}`,
		}},
		{"transport error", errors.New(`Post "https://api.test/?client_secret=client-secret-value": dial tcp: timeout`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.provider.exchangeErr = tt.err

			state, err := f.states.Issue(ctx, "user-1")
			require.NoError(t, err)

			_, err = linker.HandleCallback(ctx, CallbackParams{Code: "code", State: state.Token})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrTokenExchangeFailed)
			assert.NotContains(t, err.Error(), "client-secret-value")
			assert.NotContains(t, err.Error(), "messaging-token-value")

			var upstream *UpstreamError
			if errors.As(err, &upstream) {
				assert.Equal(t, 400, upstream.StatusCode)
				assert.NotContains(t, upstream.Body, "client-secret-value")
			}
		})
	}
}

func TestLinker_HandleCallback_ConditionalConsumeLosesToConcurrentWriter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, err := f.states.Issue(ctx, "user-1")
	require.NoError(t, err)

	// Another callback marks the state used after this one has read it but
	// before its conditional update runs.
	flipped := false
	err = f.db.Callback().Update().Before("gorm:update").Register("test:concurrent_consume", func(tx *gorm.DB) {
		if flipped || tx.Statement.Table != "oauth_states" {
			return
		}
		flipped = true
		assert.NoError(t, tx.Session(&gorm.Session{NewDB: true}).
			Exec("UPDATE oauth_states SET used = ? WHERE token = ?", true, state.Token).Error)
	})
	require.NoError(t, err)

	_, err = f.linker.HandleCallback(ctx, CallbackParams{Code: "code", State: state.Token})
	require.True(t, flipped)
	assert.ErrorIs(t, err, ErrStateAlreadyUsed)
	assert.Zero(t, f.provider.exchangeCount())
	assert.Zero(t, countUsers(t, f))
}

func TestLinker_HandleCallback_ProfileFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.provider.profileErr = errors.New("connection reset")

	state, err := f.states.Issue(ctx, "user-1")
	require.NoError(t, err)

	_, err = f.linker.HandleCallback(ctx, CallbackParams{Code: "code", State: state.Token})
	assert.ErrorIs(t, err, ErrProfileFetchFailed)
	assert.Zero(t, countUsers(t, f))
}

func TestLinker_HandleCallback_RelinkOverwritesIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.states.Issue(ctx, "user-1")
	require.NoError(t, err)
	_, err = f.linker.HandleCallback(ctx, CallbackParams{Code: "code-1", State: first.Token})
	require.NoError(t, err)

	original, err := f.identities.Get(ctx, "user-1")
	require.NoError(t, err)

	f.provider.profile = Profile{ID: "17841400000000002", Username: "renamed", AccountType: "CREATOR"}

	second, err := f.states.Issue(ctx, "user-1")
	require.NoError(t, err)
	_, err = f.linker.HandleCallback(ctx, CallbackParams{Code: "code-2", State: second.Token})
	require.NoError(t, err)

	assert.Equal(t, int64(1), countUsers(t, f))

	user, err := f.identities.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "17841400000000002", user.Instagram.ProviderUserID)
	assert.Equal(t, "renamed", user.Instagram.Username)
	assert.Equal(t, "CREATOR", user.Instagram.AccountType)
	assert.True(t, original.CreatedAt.Equal(user.CreatedAt), "the merge-write keeps fields outside the identity")
}

// longLivedProvider upgrades every token it exchanges
type longLivedProvider struct {
	*fakeProvider
	upgraded int
}

func (p *longLivedProvider) ExchangeLongLived(ctx context.Context, shortLived *Token) (*Token, error) {
	p.upgraded++
	return &Token{
		AccessToken: "long-" + shortLived.AccessToken,
		ExpiresAt:   time.Now().Add(60 * 24 * time.Hour),
	}, nil
}

func TestLinker_HandleCallback_UpgradesToLongLivedToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	provider := &longLivedProvider{fakeProvider: f.provider}
	linker := NewLinker(f.db, provider, f.identities, f.sessions)

	state, err := f.states.Issue(ctx, "user-1")
	require.NoError(t, err)

	_, err = linker.HandleCallback(ctx, CallbackParams{Code: "code", State: state.Token})
	require.NoError(t, err)
	assert.Equal(t, 1, provider.upgraded)

	plain, err := f.identities.AccessToken(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "long-ig-access-token", plain)
}
