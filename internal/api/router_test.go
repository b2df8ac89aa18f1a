package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarryhott/tagtokn/internal/app"
	"github.com/scarryhott/tagtokn/internal/config"
	"github.com/scarryhott/tagtokn/internal/database/dbtest"
	"github.com/scarryhott/tagtokn/internal/models"
	"github.com/scarryhott/tagtokn/internal/oauth"
	"github.com/scarryhott/tagtokn/internal/webhook"
)

const (
	testOrigin        = "https://tagtokn.test"
	testWebhookSecret = "webhook-app-secret"
	testClientSecret  = "ig-client-secret"
)

type stubProvider struct {
	exchangeErr error
}

func (p *stubProvider) Name() string { return "instagram" }

func (p *stubProvider) AuthCodeURL(state string) string {
	return "https://www.instagram.com/oauth/authorize?state=" + state
}

func (p *stubProvider) ExchangeCode(ctx context.Context, code string) (*oauth.Token, error) {
	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}
	return &oauth.Token{AccessToken: "ig-token-" + code, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (p *stubProvider) FetchProfile(ctx context.Context, accessToken string) (*oauth.Profile, error) {
	return &oauth.Profile{ID: "17841400000000001", Username: "tagtokn.fan", AccountType: "BUSINESS"}, nil
}

type testServer struct {
	app      *app.App
	provider *stubProvider
	handler  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := &config.Config{
		Environment:   "development",
		JWTSecret:     "test-jwt-secret-that-is-long-enough!!",
		CORSOrigins:   []string{testOrigin},
		SessionTTL:    time.Hour,
		SessionIssuer: "tagtokn",
		Database:      config.DatabaseConfig{Type: "postgres"},
		OAuth: config.OAuthConfig{
			ClientID:           "ig-client-id",
			ClientSecret:       testClientSecret,
			RedirectURL:        testOrigin + "/oauth/callback",
			StateTTL:           30 * time.Minute,
			StateSweepBatch:    100,
			StateRetention:     24 * time.Hour,
			ProviderTimeout:    5 * time.Second,
			TokenRefreshWindow: 7 * 24 * time.Hour,
			TokenSealKey:       "test-seal-key",
		},
		Webhook: config.WebhookConfig{
			Secret:      testWebhookSecret,
			VerifyToken: "verify-token",
		},
		Messaging: config.MessagingConfig{
			GraphURL:      "http://127.0.0.1:1",
			Timeout:       time.Second,
			RetryDelay:    time.Second,
			RetryMaxDelay: 30 * time.Second,
		},
	}

	provider := &stubProvider{}
	a, err := app.New(cfg, dbtest.Open(t), provider)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return &testServer{app: a, provider: provider, handler: NewRouter(ctx, a)}
}

func (s *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) issueState(t *testing.T, uid string) IssueStateResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/oauth/state", strings.NewReader(`{"uid":"`+uid+`"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := s.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp IssueStateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func (s *testServer) callback(t *testing.T, query url.Values) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, httptest.NewRequest(http.MethodGet, "/oauth/callback?"+query.Encode(), nil))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func TestRouter_PreflightReturnsNoContent(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/oauth/state", nil)
	req.Header.Set("Origin", testOrigin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	rec := s.do(t, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, testOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
}

func TestRouter_PreflightFromUnknownOrigin(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/oauth/state", nil)
	req.Header.Set("Origin", "https://evil.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := s.do(t, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_LinkFlow(t *testing.T) {
	s := newTestServer(t)

	state := s.issueState(t, "user-1")
	assert.Len(t, state.State, 64)
	assert.Contains(t, state.AuthorizationURL, "state="+state.State)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), state.ExpiresAt, time.Minute)

	rec := s.callback(t, url.Values{"code": {"abc"}, "state": {state.State}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var linked CallbackResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &linked))
	assert.Equal(t, "17841400000000001", linked.User.ID)
	assert.Equal(t, "tagtokn.fan", linked.User.Username)
	require.NotEmpty(t, linked.SessionToken)

	// The session credential unlocks the account endpoints
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+linked.SessionToken)
	rec = s.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "ig-token-abc", "the provider token is never serialized")

	var me models.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, "user-1", me.ID)
	assert.Equal(t, "tagtokn.fan", me.Instagram.Username)

	// Replaying the callback is rejected
	rec = s.callback(t, url.Values{"code": {"abc"}, "state": {state.State}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "state_used", decodeError(t, rec).Error)

	// Unlink, then unlinking again reports nothing to unlink
	req = httptest.NewRequest(http.MethodDelete, "/api/me/instagram", nil)
	req.Header.Set("Authorization", "Bearer "+linked.SessionToken)
	rec = s.do(t, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/me/instagram", nil)
	req.Header.Set("Authorization", "Bearer "+linked.SessionToken)
	rec = s.do(t, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_linked", decodeError(t, rec).Error)
}

func TestRouter_AuthorizeRedirects(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/oauth/authorize?uid=user-1", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "https://www.instagram.com/oauth/authorize?state="))

	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/oauth/authorize", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_IssueStateRequiresUID(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, httptest.NewRequest(http.MethodPost, "/oauth/state", strings.NewReader(`{"uid":"  "}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_argument", decodeError(t, rec).Error)

	rec = s.do(t, httptest.NewRequest(http.MethodPost, "/oauth/state", strings.NewReader(`not json`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_IssueStateIsRateLimited(t *testing.T) {
	s := newTestServer(t)

	var last int
	for i := 0; i < 10; i++ {
		rec := s.do(t, httptest.NewRequest(http.MethodPost, "/oauth/state", strings.NewReader(`{"uid":"user-1"}`)))
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestRouter_CallbackFailures(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		query  url.Values
		status int
		code   string
	}{
		{"provider denied", url.Values{"error": {"access_denied"}, "error_reason": {"user_denied"}}, http.StatusBadRequest, "provider_denied"},
		{"missing code", url.Values{"state": {"abc"}}, http.StatusBadRequest, "missing_parameter"},
		{"missing state", url.Values{"code": {"abc"}}, http.StatusBadRequest, "missing_parameter"},
		{"unknown state", url.Values{"code": {"abc"}, "state": {"nope"}}, http.StatusBadRequest, "invalid_state"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.callback(t, tt.query)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Error)
		})
	}
}

func TestRouter_CallbackProviderDeniedCarriesReason(t *testing.T) {
	s := newTestServer(t)

	rec := s.callback(t, url.Values{"error": {"access_denied"}, "error_reason": {"user_denied"}})
	resp := decodeError(t, rec)
	assert.Equal(t, "provider_denied", resp.Error)
	assert.Equal(t, "access_denied: user_denied", resp.Details)
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(prev) })
	return &buf
}

func TestRouter_CallbackExchangeFailure(t *testing.T) {
	s := newTestServer(t)
	logs := captureLog(t)
	s.provider.exchangeErr = &oauth.UpstreamError{
		Op:         "token exchange",
		StatusCode: http.StatusBadRequest,
		Body:       `{"error_message":"bad client_secret ` + testClientSecret + `"}`,
	}

	state := s.issueState(t, "user-1")
	rec := s.callback(t, url.Values{"code": {"abc"}, "state": {state.State}})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "exchange_failed", resp.Error)
	assert.Contains(t, resp.Details, "[REDACTED]")
	assert.NotContains(t, rec.Body.String(), testClientSecret)

	assert.Contains(t, logs.String(), "OAuth: Callback failed")
	assert.NotContains(t, logs.String(), testClientSecret, "secrets never reach the server log")
}

func TestRouter_ProtectedRoutesRequireSession(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = s.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Error)
}

func TestRouter_SendMessageWithoutMessagingToken(t *testing.T) {
	s := newTestServer(t)

	token, err := s.app.Sessions.Issue("user-1")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(`{"recipient_id":"r-1","text":"hi"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := s.do(t, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "messaging_disabled", decodeError(t, rec).Error)
}

func TestRouter_WebhookVerification(t *testing.T) {
	s := newTestServer(t)

	query := url.Values{"hub.mode": {"subscribe"}, "hub.verify_token": {"verify-token"}, "hub.challenge": {"1158201444"}}
	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/webhook?"+query.Encode(), nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1158201444", rec.Body.String())

	query.Set("hub.verify_token", "wrong")
	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/webhook?"+query.Encode(), nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/webhook", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_WebhookEvents(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"object":"instagram","entry":[{"id":"1","time":1,"messaging":[{"sender":{"id":"a"},"recipient":{"id":"1"},"timestamp":1,"message":{"mid":"m","text":"hi"}}]}]}`)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set(webhook.SignatureHeader, webhook.SignatureFor(body, testWebhookSecret))
	rec := s.do(t, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "EVENT_RECEIVED", rec.Body.String())

	var n int64
	require.NoError(t, s.app.DB.Model(&models.WebhookEvent{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)

	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-3] = 'X'
	req = httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(tampered)))
	req.Header.Set(webhook.SignatureHeader, webhook.SignatureFor(body, testWebhookSecret))
	rec = s.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_signature", decodeError(t, rec).Error)

	require.NoError(t, s.app.DB.Model(&models.WebhookEvent{}).Count(&n).Error)
	assert.Equal(t, int64(1), n, "rejected deliveries are not journaled")
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	s.issueState(t, "user-1")

	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = s.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tagtokn_oauth_states_issued_total 1")
}

func TestRouter_SecurityHeaders(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"), "HSTS is production only")
}

func TestRecoverMiddleware(t *testing.T) {
	h := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal_error", decodeError(t, rec).Error)
}

func TestRateLimiter_Prune(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	rl.GetLimiter("a")
	rl.GetLimiter("b")

	assert.Zero(t, rl.Prune(time.Hour))
	assert.Equal(t, 2, rl.Prune(-time.Second))
}
