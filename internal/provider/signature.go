package provider

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
)

// VerifySignature checks the shared-secret HMAC-SHA512 signature the provider
// sends with each activity callback, computed over the raw request body.
// Comparison is constant-time.
func VerifySignature(secret, signature string, rawBody []byte) bool {
	if secret == "" || signature == "" {
		return false
	}

	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(rawBody)
	computed := mac.Sum(nil)

	received, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(computed, received)
}
