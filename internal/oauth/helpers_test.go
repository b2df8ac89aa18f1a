package oauth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/scarryhott/tagtokn/internal/database/dbtest"
)

// fakeProvider is an in-memory Provider. It never upgrades tokens, so the
// long-lived step of the callback is skipped.
type fakeProvider struct {
	mu          sync.Mutex
	token       Token
	profile     Profile
	exchangeErr error
	profileErr  error
	exchanges   int
	codes       []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		token: Token{
			AccessToken: "ig-access-token",
			TokenType:   "bearer",
			ExpiresAt:   time.Now().Add(60 * 24 * time.Hour).UTC(),
		},
		profile: Profile{ID: "17841400000000001", Username: "tagtokn.fan", AccountType: "BUSINESS"},
	}
}

func (p *fakeProvider) Name() string { return "instagram" }

func (p *fakeProvider) AuthCodeURL(state string) string {
	return "https://provider.test/authorize?state=" + state
}

func (p *fakeProvider) ExchangeCode(ctx context.Context, code string) (*Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.exchanges++
	p.codes = append(p.codes, code)
	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}
	tok := p.token
	return &tok, nil
}

func (p *fakeProvider) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.profileErr != nil {
		return nil, p.profileErr
	}
	profile := p.profile
	return &profile, nil
}

func (p *fakeProvider) exchangeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exchanges
}

type fixture struct {
	db         *gorm.DB
	provider   *fakeProvider
	states     *StateIssuer
	identities *IdentityStore
	sessions   *SessionIssuer
	linker     *Linker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := dbtest.Open(t)
	provider := newFakeProvider()

	sealer, err := NewSealer("test-seal-key")
	require.NoError(t, err)

	identities := NewIdentityStore(db, sealer)
	sessions := NewSessionIssuer("test-jwt-secret-that-is-long-enough!!", "tagtokn", time.Hour)

	return &fixture{
		db:         db,
		provider:   provider,
		states:     NewStateIssuer(db, provider, 30*time.Minute, 100),
		identities: identities,
		sessions:   sessions,
		linker:     NewLinker(db, provider, identities, sessions, "client-secret-value"),
	}
}
