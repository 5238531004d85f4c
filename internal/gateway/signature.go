// Package gateway authenticates and filters inbound store webhooks before
// they reach the message pipeline: HMAC signature validation, timestamp and
// replay checks, rate limiting, and payload sanitization.
package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/soportecyclops/tienda21/internal/cryptoutil"
)

// Signature and timestamp headers set by the store platform.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

// Sign computes the hex-encoded HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the valid HMAC-SHA256 hex
// digest of body. Comparison is constant-time.
func VerifySignature(secret, body []byte, signature string) bool {
	if len(signature) != sha256.Size*2 || !cryptoutil.IsHexString(signature) {
		return false
	}
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
