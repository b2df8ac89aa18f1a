package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/scarryhott/tagtokn/internal/config"
	"github.com/scarryhott/tagtokn/internal/metrics"
	"github.com/scarryhott/tagtokn/internal/retry"
)

const maxMessageLength = 2000

var (
	ErrInvalidMessage  = errors.New("invalid message")
	ErrSenderDisabled  = errors.New("messaging access token not configured")
	ErrInvalidResponse = errors.New("invalid response from messaging API")
)

// Graph error codes that are never worth retrying: auth, permission and policy failures
var permanentCodes = map[int]bool{
	10:      true, // permission denied
	100:     true, // invalid parameter
	190:     true, // access token expired or invalid
	200:     true, // permission error
	230:     true, // requires pages_messaging permission
	551:     true, // recipient not available
	2018001: true, // no matching user
	2018278: true, // outside the allowed messaging window
}

// Graph error codes that signal throttling
var rateLimitCodes = map[int]bool{
	4:   true,
	17:  true,
	32:  true,
	613: true,
}

// Graph error codes for transient platform failures
var transientCodes = map[int]bool{
	1:   true,
	2:   true,
	341: true,
}

// SendOptions tunes an outbound message
type SendOptions struct {
	MessagingType string // RESPONSE (default), UPDATE or MESSAGE_TAG
	Tag           string // required with MESSAGE_TAG
}

// MessageAck is the messaging API's acknowledgement
type MessageAck struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

// SendError is an error reported by the messaging API
type SendError struct {
	StatusCode int
	Code       int
	Subcode    int
	Type       string
	Message    string
	TraceID    string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("messaging API error (status %d, code %d): %s", e.StatusCode, e.Code, e.Message)
}

// RateLimitError is a throttling response, RetryAfter is zero when the API gave no hint
type RateLimitError struct {
	SendError
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return "rate limited: " + e.SendError.Error()
}

// Sender sends messages through the Graph messaging API with bounded retries
type Sender struct {
	endpoint    string
	accessToken string
	httpClient  *http.Client
	retry       *retry.Driver
	metrics     *metrics.Collectors
}

// NewSender creates a messaging sender
func NewSender(cfg config.MessagingConfig, m *metrics.Collectors) *Sender {
	s := &Sender{
		endpoint:    strings.TrimRight(cfg.GraphURL, "/") + "/me/messages",
		accessToken: cfg.AccessToken,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		metrics: m,
	}

	s.retry = &retry.Driver{
		Policy: retry.Policy{
			Base:   cfg.RetryDelay,
			Factor: 2,
			Max:    cfg.RetryMaxDelay,
			Jitter: cfg.RetryJitter,
		},
		MaxRetries: cfg.MaxRetries,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			log.Printf("Webhook: Retry attempt %d/%d in %s after error: %v", attempt, cfg.MaxRetries, delay, err)
			s.metrics.MessageRetried()
		},
	}

	return s
}

// Enabled reports whether the sender has credentials
func (s *Sender) Enabled() bool {
	return s.accessToken != ""
}

// Send delivers text to recipientID. Transient failures (throttling, 5xx,
// network errors) are retried per the policy; permanent ones return at once.
func (s *Sender) Send(ctx context.Context, recipientID, text string, opts *SendOptions) (*MessageAck, error) {
	if !s.Enabled() {
		return nil, ErrSenderDisabled
	}

	payload, err := buildPayload(recipientID, text, opts)
	if err != nil {
		return nil, err
	}

	var ack *MessageAck
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		var sendErr error
		ack, sendErr = s.post(ctx, payload)
		return classify(ctx, sendErr)
	})
	if err != nil {
		s.metrics.MessageSent("failed")
		return nil, unwrapPermanent(err)
	}

	s.metrics.MessageSent("sent")
	return ack, nil
}

func buildPayload(recipientID, text string, opts *SendOptions) ([]byte, error) {
	if strings.TrimSpace(recipientID) == "" {
		return nil, fmt.Errorf("%w: recipient id is required", ErrInvalidMessage)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text is required", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(text) > maxMessageLength {
		return nil, fmt.Errorf("%w: text exceeds %d characters", ErrInvalidMessage, maxMessageLength)
	}

	messagingType := "RESPONSE"
	tag := ""
	if opts != nil {
		if opts.MessagingType != "" {
			messagingType = opts.MessagingType
		}
		tag = opts.Tag
	}
	if messagingType == "MESSAGE_TAG" && tag == "" {
		return nil, fmt.Errorf("%w: tag is required with MESSAGE_TAG", ErrInvalidMessage)
	}

	payload := map[string]interface{}{
		"recipient":      map[string]string{"id": recipientID},
		"message":        map[string]string{"text": text},
		"messaging_type": messagingType,
	}
	if tag != "" {
		payload["tag"] = tag
	}

	return json.Marshal(payload)
}

func (s *Sender) post(ctx context.Context, payload []byte) (*MessageAck, error) {
	endpoint := s.endpoint + "?access_token=" + url.QueryEscape(s.accessToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			// The URL carries the access token
			return nil, &networkError{err: urlErr.Err}
		}
		return nil, &networkError{err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, &networkError{err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseSendError(resp, body)
	}

	var ack MessageAck
	if err := json.Unmarshal(body, &ack); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidResponse, body)
	}
	return &ack, nil
}

func parseSendError(resp *http.Response, body []byte) error {
	var envelope struct {
		Error struct {
			Message   string `json:"message"`
			Type      string `json:"type"`
			Code      int    `json:"code"`
			Subcode   int    `json:"error_subcode"`
			FBTraceID string `json:"fbtrace_id"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &envelope)

	sendErr := SendError{
		StatusCode: resp.StatusCode,
		Code:       envelope.Error.Code,
		Subcode:    envelope.Error.Subcode,
		Type:       envelope.Error.Type,
		Message:    envelope.Error.Message,
		TraceID:    envelope.Error.FBTraceID,
	}
	if sendErr.Message == "" {
		sendErr.Message = http.StatusText(resp.StatusCode)
	}

	if resp.StatusCode == http.StatusTooManyRequests || rateLimitCodes[sendErr.Code] {
		return &RateLimitError{
			SendError:  sendErr,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	return &sendErr
}

// parseRetryAfter reads a Retry-After value in seconds or as an HTTP date
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

type networkError struct {
	err error
}

func (e *networkError) Error() string {
	return "messaging request failed: " + e.err.Error()
}

func (e *networkError) Unwrap() error {
	return e.err
}

// classify wraps err with its retry decision
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	// Cancellation by the caller is final
	if ctx.Err() != nil {
		return retry.Permanent(err)
	}

	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		if permanentCodes[rateErr.Code] {
			return retry.Permanent(err)
		}
		return retry.After(err, rateErr.RetryAfter)
	}

	var sendErr *SendError
	if errors.As(err, &sendErr) {
		switch {
		case permanentCodes[sendErr.Code]:
			return retry.Permanent(err)
		case transientCodes[sendErr.Code], sendErr.StatusCode >= 500:
			return retry.Retryable(err)
		default:
			return retry.Permanent(err)
		}
	}

	var netErr *networkError
	if errors.As(err, &netErr) {
		return retry.Retryable(err)
	}

	return retry.Permanent(err)
}

// unwrapPermanent strips the retry classification from errors that were not retried
func unwrapPermanent(err error) error {
	var retryErr *retry.Error
	if errors.As(err, &retryErr) && !retryErr.Retryable {
		return retryErr.Err
	}
	return err
}
