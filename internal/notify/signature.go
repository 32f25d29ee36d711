package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignHMAC returns the hex SHA-256 HMAC of body under secret. Receivers
// verify it from the X-Dispatch-Signature header.
func SignHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC does a constant-time comparison of sig against the expected
// signature of body.
func VerifyHMAC(secret string, body []byte, sig string) bool {
	want := SignHMAC(secret, body)
	return hmac.Equal([]byte(want), []byte(sig))
}
