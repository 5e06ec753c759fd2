package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// VerifySecret checks a notification's authenticity against the site's shared
// secret. The signature may be the secret itself or a hex HMAC-SHA256 of the
// raw body keyed by the secret; both comparisons are constant-time. Sites
// with no secret configured accept everything.
func VerifySecret(secret, signature string, body []byte) bool {
	if secret == "" {
		return true
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(signature), []byte(secret)) == 1 {
		return true
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected))
}
