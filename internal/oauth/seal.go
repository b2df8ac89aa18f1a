package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const sealPrefix = "v1:"

// ErrUnsealFailed means a stored token could not be decrypted with the current key
var ErrUnsealFailed = errors.New("failed to unseal token")

// Sealer encrypts provider access tokens before they are written to the store
type Sealer struct {
	key [32]byte
}

// NewSealer derives a secretbox key from key. A base64 encoded 32 byte value is
// used as-is, anything else is hashed. An empty key yields an ephemeral random
// key, which makes sealed tokens unreadable after a restart.
func NewSealer(key string) (*Sealer, error) {
	s := &Sealer{}

	if key == "" {
		log.Println("WARNING: TOKEN_SEAL_KEY not set. Using an ephemeral key; stored tokens will not survive a restart.")
		if _, err := io.ReadFull(rand.Reader, s.key[:]); err != nil {
			return nil, fmt.Errorf("failed to generate seal key: %w", err)
		}
		return s, nil
	}

	if raw, err := base64.StdEncoding.DecodeString(key); err == nil && len(raw) == len(s.key) {
		copy(s.key[:], raw)
		return s, nil
	}

	s.key = sha256.Sum256([]byte(key))
	return s, nil
}

// Seal encrypts plaintext. The empty string stays empty.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	box := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key)
	return sealPrefix + base64.RawURLEncoding.EncodeToString(box), nil
}

// Open decrypts a value produced by Seal
func (s *Sealer) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}

	encoded, ok := strings.CutPrefix(sealed, sealPrefix)
	if !ok {
		return "", ErrUnsealFailed
	}

	box, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(box) < 24+secretbox.Overhead {
		return "", ErrUnsealFailed
	}

	var nonce [24]byte
	copy(nonce[:], box[:24])

	plaintext, ok := secretbox.Open(nil, box[24:], &nonce, &s.key)
	if !ok {
		return "", ErrUnsealFailed
	}
	return string(plaintext), nil
}
