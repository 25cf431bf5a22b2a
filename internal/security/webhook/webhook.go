// Package webhook authenticates call-start deliveries with a shared secret
// header and an optional hex HMAC-SHA256 body signature.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

const (
	SecretHeader    = "X-Webhook-Secret"
	SignatureHeader = "X-Webhook-Signature"

	signaturePrefix = "sha256="
)

var (
	ErrInvalidSecret    = errors.New("invalid webhook secret")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Verifier checks deliveries against a configured secret. A zero Verifier
// accepts everything.
type Verifier struct {
	Secret string
}

// Enabled reports whether a secret is configured.
func (v Verifier) Enabled() bool {
	return v.Secret != ""
}

// CheckSecret compares a presented header value in constant time. An empty
// presented value is accepted; the signature check covers header-less senders.
func (v Verifier) CheckSecret(presented string) error {
	if !v.Enabled() || presented == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(v.Secret)) != 1 {
		return ErrInvalidSecret
	}
	return nil
}

// CheckSignature verifies a hex HMAC-SHA256 of body when a signature is presented.
func (v Verifier) CheckSignature(body []byte, presented string) error {
	if !v.Enabled() || presented == "" {
		return nil
	}
	if !Verify(v.Secret, body, presented) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the lowercase hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body. A "sha256=" prefix and
// uppercase hex are accepted.
func Verify(secret string, body []byte, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), signaturePrefix)
	got, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(Sign(secret, body))
	return hmac.Equal(got, want)
}
