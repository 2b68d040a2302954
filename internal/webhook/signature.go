package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// signatureHeader carries the platform's HMAC over the raw request body.
const signatureHeader = "X-Elba-Signature"

// verifySignature checks a hex-encoded HMAC-SHA256 of body against the
// shared webhook secret. Comparison is constant time.
func verifySignature(secret, signature string, body []byte) bool {
	signature = strings.TrimSpace(strings.TrimPrefix(signature, "sha256="))
	if signature == "" {
		return false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}
