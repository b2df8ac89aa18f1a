package oauth

import (
	"errors"
	"fmt"
	"strings"
)

// Failure classes of the state lifecycle and the callback state machine
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrProviderDenied      = errors.New("authorization denied by provider")
	ErrMissingParameter    = errors.New("missing code or state parameter")
	ErrInvalidState        = errors.New("invalid state parameter")
	ErrStateAlreadyUsed    = errors.New("state already used")
	ErrStateExpired        = errors.New("state expired")
	ErrTokenExchangeFailed = errors.New("token exchange failed")
	ErrProfileFetchFailed  = errors.New("profile fetch failed")
	ErrUserNotFound        = errors.New("user not found")
	ErrNotLinked           = errors.New("no linked identity")
	ErrRefreshUnsupported  = errors.New("provider does not support token refresh")

	// errInternal classifies failures that are neither the caller's nor the provider's
	errInternal = errors.New("internal error")
)

// CallbackError is a terminal failure of the callback state machine.
// Kind is one of the package sentinels; Detail carries the provider's reason
// or the upstream error body with secrets removed.
type CallbackError struct {
	Kind   error
	Detail string
	Err    error
}

func (e *CallbackError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the failure class and the underlying cause to errors.Is/As.
func (e *CallbackError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func callbackErr(kind error, detail string, err error) *CallbackError {
	return &CallbackError{Kind: kind, Detail: detail, Err: err}
}

// UpstreamError is a non-2xx or malformed response from the provider API
type UpstreamError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Op, e.Body)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Op, e.StatusCode, e.Body)
}

// redact removes every occurrence of the given secrets from s.
func redact(s string, secrets ...string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, "[REDACTED]")
	}
	return s
}
