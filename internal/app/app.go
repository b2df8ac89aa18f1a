// Package app wires the process-wide dependencies once at start-up and hands
// them to the HTTP layer and the background jobs.
package app

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/scarryhott/tagtokn/internal/config"
	"github.com/scarryhott/tagtokn/internal/jobs"
	"github.com/scarryhott/tagtokn/internal/metrics"
	"github.com/scarryhott/tagtokn/internal/oauth"
	"github.com/scarryhott/tagtokn/internal/webhook"
)

// App is the application context shared by every handler
type App struct {
	Config     *config.Config
	DB         *gorm.DB
	Provider   oauth.Provider
	States     *oauth.StateIssuer
	Linker     *oauth.Linker
	Identities *oauth.IdentityStore
	Sessions   *oauth.SessionIssuer
	Sender     *webhook.Sender
	Receiver   *webhook.Receiver
	Scheduler  *jobs.Scheduler
	Registry   *prometheus.Registry
	Metrics    *metrics.Collectors
}

// New builds the application context around an open database. provider may be
// nil, in which case the provider named by OAUTH_PROVIDER is built from cfg.
func New(cfg *config.Config, db *gorm.DB, provider oauth.Provider) (*App, error) {
	if cfg == nil || db == nil {
		return nil, fmt.Errorf("app: config and database are required")
	}

	if provider == nil {
		var err error
		if provider, err = newProvider(cfg.OAuth); err != nil {
			return nil, err
		}
	}

	sealer, err := oauth.NewSealer(cfg.OAuth.TokenSealKey)
	if err != nil {
		return nil, err
	}

	registry := metrics.NewRegistry()
	collectors := metrics.New(registry)

	identities := oauth.NewIdentityStore(db, sealer)
	sessions := oauth.NewSessionIssuer(cfg.JWTSecret, cfg.SessionIssuer, cfg.SessionTTL)
	sender := webhook.NewSender(cfg.Messaging, collectors)

	var refresher *oauth.TokenRefresher
	if _, ok := provider.(oauth.Refresher); ok {
		refresher = oauth.NewTokenRefresher(identities, provider, cfg.OAuth.TokenRefreshWindow)
	}

	return &App{
		Config:     cfg,
		DB:         db,
		Provider:   provider,
		States:     oauth.NewStateIssuer(db, provider, cfg.OAuth.StateTTL, cfg.OAuth.StateSweepBatch),
		Linker:     oauth.NewLinker(db, provider, identities, sessions, cfg.OAuth.ClientSecret, cfg.Messaging.AccessToken),
		Identities: identities,
		Sessions:   sessions,
		Sender:     sender,
		Receiver:   webhook.NewReceiver(db, sender, cfg.Webhook.AutoReplyText),
		Scheduler:  jobs.NewScheduler(db, refresher, collectors, cfg.OAuth.StateRetention),
		Registry:   registry,
		Metrics:    collectors,
	}, nil
}

// newProvider builds the OAuth provider named in cfg. An empty name selects Instagram.
func newProvider(cfg config.OAuthConfig) (oauth.Provider, error) {
	switch cfg.Provider {
	case "", "instagram":
		return oauth.NewInstagramProvider(cfg), nil
	default:
		return nil, fmt.Errorf("app: unsupported OAuth provider %q", cfg.Provider)
	}
}
