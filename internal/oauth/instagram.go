package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/scarryhott/tagtokn/internal/config"
)

const maxUpstreamBody = 64 << 10

// InstagramProvider talks to the Instagram login and Graph endpoints
type InstagramProvider struct {
	oauth        *oauth2.Config
	scopes       []string
	graphURL     string
	clientSecret string
	httpClient   *http.Client
}

var (
	_ Provider           = (*InstagramProvider)(nil)
	_ LongLivedExchanger = (*InstagramProvider)(nil)
	_ Refresher          = (*InstagramProvider)(nil)
)

// NewInstagramProvider creates the Instagram provider. Every outbound call is
// bounded by cfg.ProviderTimeout.
func NewInstagramProvider(cfg config.OAuthConfig) *InstagramProvider {
	return &InstagramProvider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		scopes:       cfg.Scopes,
		graphURL:     strings.TrimRight(cfg.GraphURL, "/"),
		clientSecret: cfg.ClientSecret,
		httpClient: &http.Client{
			Timeout: cfg.ProviderTimeout,
		},
	}
}

func (p *InstagramProvider) Name() string {
	return "instagram"
}

// AuthCodeURL returns the Instagram authorization URL. Instagram expects
// comma separated scopes, so they are set directly instead of through oauth2.
func (p *InstagramProvider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("scope", strings.Join(p.scopes, ",")))
}

// ExchangeCode exchanges the authorization code for a short-lived token
func (p *InstagramProvider) ExchangeCode(ctx context.Context, code string) (*Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			status := 0
			if retrieveErr.Response != nil {
				status = retrieveErr.Response.StatusCode
			}
			return nil, &UpstreamError{
				Op:         "token exchange",
				StatusCode: status,
				Body:       redact(string(retrieveErr.Body), p.clientSecret),
			}
		}
		return nil, &UpstreamError{Op: "token exchange", Body: redact(stripURL(err).Error(), p.clientSecret)}
	}

	return &Token{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		ExpiresAt:   tok.Expiry,
	}, nil
}

// ExchangeLongLived upgrades a short-lived token to a 60 day token
func (p *InstagramProvider) ExchangeLongLived(ctx context.Context, shortLived *Token) (*Token, error) {
	params := url.Values{}
	params.Set("grant_type", "ig_exchange_token")
	params.Set("client_secret", p.clientSecret)
	params.Set("access_token", shortLived.AccessToken)

	return p.fetchToken(ctx, "long-lived token exchange", p.graphURL+"/access_token?"+params.Encode(), shortLived.AccessToken)
}

// RefreshToken extends a long-lived token that has not expired yet
func (p *InstagramProvider) RefreshToken(ctx context.Context, accessToken string) (*Token, error) {
	params := url.Values{}
	params.Set("grant_type", "ig_refresh_token")
	params.Set("access_token", accessToken)

	return p.fetchToken(ctx, "token refresh", p.graphURL+"/refresh_access_token?"+params.Encode(), accessToken)
}

// FetchProfile fetches the Instagram profile that owns accessToken
func (p *InstagramProvider) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	params := url.Values{}
	params.Set("fields", "id,username,account_type")
	params.Set("access_token", accessToken)

	var profile Profile
	if err := p.getJSON(ctx, "profile fetch", p.graphURL+"/me?"+params.Encode(), accessToken, &profile); err != nil {
		return nil, err
	}

	if profile.ID == "" {
		return nil, &UpstreamError{Op: "profile fetch", Body: "response missing id"}
	}

	return &profile, nil
}

func (p *InstagramProvider) fetchToken(ctx context.Context, op, endpoint, accessToken string) (*Token, error) {
	var result struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := p.getJSON(ctx, op, endpoint, accessToken, &result); err != nil {
		return nil, err
	}

	if result.AccessToken == "" {
		return nil, &UpstreamError{Op: op, Body: "response missing access_token"}
	}

	tok := &Token{AccessToken: result.AccessToken, TokenType: result.TokenType}
	if result.ExpiresIn > 0 {
		tok.ExpiresAt = time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	}
	return tok, nil
}

// getJSON performs a GET against the Graph API and decodes a 2xx body into out.
// Tokens and the client secret travel in the query string, so they are
// scrubbed from every error that leaves this function.
func (p *InstagramProvider) getJSON(ctx context.Context, op, endpoint, accessToken string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, stripURL(err))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &UpstreamError{Op: op, Body: redact(stripURL(err).Error(), p.clientSecret, accessToken)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return &UpstreamError{Op: op, StatusCode: resp.StatusCode, Body: "failed to read response body"}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &UpstreamError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       redact(string(body), p.clientSecret, accessToken),
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &UpstreamError{Op: op, StatusCode: resp.StatusCode, Body: "malformed response body"}
	}

	return nil
}

// stripURL drops the request URL from *url.Error so query secrets are not echoed.
func stripURL(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s request: %w", urlErr.Op, urlErr.Err)
	}
	return err
}
