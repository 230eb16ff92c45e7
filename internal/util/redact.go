package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const fingerprintLen = 12

// Fingerprint returns a short stable digest of an identifier that may be
// logged where the identifier itself must not be.
func Fingerprint(id string) string {
	if id == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:fingerprintLen/2])
}

// MaskCode hides a short code in logs. Only its length survives.
func MaskCode(code string) string {
	if code == "" {
		return "****"
	}
	return strings.Repeat("*", len(code))
}
