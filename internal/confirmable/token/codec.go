// Package token mints SMS confirmation tokens and computes the digests stored in their place.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// tokenBytes is the entropy of a raw token (160 bits).
	tokenBytes = 20
	keySalt    = "sms_confirmation_token"
	keyIter    = 1000
	keyLen     = 32
)

// ErrEmptySecret is returned when the codec is built without a server secret.
var ErrEmptySecret = errors.New("token: secret must not be empty")

// Codec generates raw tokens and their keyed digests. Safe for concurrent use.
type Codec struct {
	key []byte
}

// NewCodec derives the HMAC key from secret with PBKDF2-SHA256.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	key := pbkdf2.Key([]byte(secret), []byte(keySalt), keyIter, keyLen, sha256.New)
	return &Codec{key: key}, nil
}

// Generate returns a new URL-safe raw token and its digest. Only the digest may be persisted.
func (c *Codec) Generate() (raw, digest string, err error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	raw = base64.RawURLEncoding.EncodeToString(b)
	return raw, c.Digest(raw), nil
}

// Digest returns the hex-encoded HMAC-SHA256 of raw. Deterministic for a given secret.
func (c *Codec) Digest(raw string) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// Matches reports whether raw hashes to digest, in constant time. Empty inputs never match.
func (c *Codec) Matches(raw, digest string) bool {
	if raw == "" || digest == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.Digest(raw)), []byte(digest)) == 1
}
