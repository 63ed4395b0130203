package polar

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

const (
	// SignatureHeader carries the HMAC of the raw request body.
	SignatureHeader = "X-Polar-Signature"
	// EventHeader optionally names the event type.
	EventHeader = "X-Polar-Event"

	signatureScheme = "sha256"
)

// ComputeSignature returns the lowercase hex HMAC-SHA256 of body keyed by secret.
func ComputeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign returns a header value accepted by Verify.
func Sign(body []byte, secret string) string {
	return signatureScheme + "=" + ComputeSignature(body, secret)
}

// normalizeSignature strips an optional "<scheme>=" prefix. Only the text
// after the first '=' is kept.
func normalizeSignature(header string) string {
	header = strings.TrimSpace(header)
	if i := strings.IndexByte(header, '='); i >= 0 {
		return strings.TrimSpace(header[i+1:])
	}
	return header
}

// Verify reports whether signatureHeader matches the lowercase hex HMAC of
// rawBody.
// It never panics and fails closed on an empty secret or header.
func Verify(rawBody []byte, signatureHeader, secret string) bool {
	if secret == "" {
		return false
	}
	provided := normalizeSignature(signatureHeader)
	if provided == "" {
		return false
	}
	expected := ComputeSignature(rawBody, secret)
	if len(provided) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}
