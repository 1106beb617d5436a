package providers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// SignatureHeaders are checked in order; the first one present is used.
var SignatureHeaders = []string{
	"X-Webhook-Signature",
	"X-Signature",
	"X-Hub-Signature-256",
	"X-Signature-256",
}

// SignatureFromHeader returns the first present signature header value
// with any "sha256=" prefix removed.
func SignatureFromHeader(header http.Header) string {
	for _, name := range SignatureHeaders {
		if v := strings.TrimSpace(header.Get(name)); v != "" {
			return strings.TrimPrefix(v, "sha256=")
		}
	}
	return ""
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHex compares a hex-encoded HMAC-SHA256 signature in constant time.
func VerifyHex(secret string, body []byte, signature string) bool {
	got, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(signature)))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// VerifySignature checks the generic webhook signature over the raw body.
// A missing signature fails.
func VerifySignature(header http.Header, secret string, body []byte) bool {
	sig := SignatureFromHeader(header)
	if sig == "" {
		return false
	}
	return VerifyHex(secret, body, sig)
}

// GenericDedupKey is the hex SHA-256 of the exact raw body.
func GenericDedupKey(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func hashKey(parts ...string) string {
	return GenericDedupKey([]byte(strings.Join(parts, "\x1f")))
}
