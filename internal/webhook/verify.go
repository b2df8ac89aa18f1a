// Package webhook verifies inbound provider webhooks and sends outbound
// messages through the provider messaging API.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 of the raw request body
const SignatureHeader = "X-Hub-Signature-256"

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrForbidden        = errors.New("webhook verification failed")
	ErrMissingParameter = errors.New("missing webhook verification parameter")
)

// VerifySignature reports whether header is the HMAC-SHA256 of rawBody under
// secret. The header is "sha256=<hex>"; a bare hex digest is accepted too.
func VerifySignature(rawBody []byte, header, secret string) bool {
	if header == "" || secret == "" {
		return false
	}

	digest := strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	got, err := hex.DecodeString(digest)
	if err != nil || len(got) != sha256.Size {
		return false
	}

	return hmac.Equal(got, Sign(rawBody, secret))
}

// Sign returns the HMAC-SHA256 of body under secret
func Sign(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureFor returns the header value a provider would send for body
func SignatureFor(body []byte, secret string) string {
	return "sha256=" + hex.EncodeToString(Sign(body, secret))
}

// VerifySubscription answers the provider's subscription handshake. It returns
// challenge only when mode is "subscribe" and token matches expected.
func VerifySubscription(mode, token, challenge, expected string) (string, error) {
	if mode == "" || token == "" || challenge == "" {
		return "", ErrMissingParameter
	}
	if expected == "" || mode != "subscribe" {
		return "", ErrForbidden
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		return "", ErrForbidden
	}
	return challenge, nil
}
