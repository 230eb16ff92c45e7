// Package identity generates the identifiers used during pairing: per-session
// device identities, connection ids and numeric PINs.
package identity

import (
	"crypto/rand"
	"encoding/base64"
	"math/big"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	deviceIDBytes = 21

	PinLength = 4
	pinMin    = 1000
	pinMax    = 9999
)

var (
	tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16,128}$`)
	pinPattern   = regexp.MustCompile(`^[0-9]{4}$`)
)

// NewDeviceID returns a fresh device identity: 21 random bytes, base64url
// encoded without padding. It lives in memory for one application session.
// Uniqueness is probabilistic and never checked.
func NewDeviceID() string {
	buf := make([]byte, deviceIDBytes)
	// crypto/rand.Read does not return an error on supported platforms.
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// NewConnectionID returns an unguessable, URL-safe connection id.
func NewConnectionID() string {
	return uuid.NewString()
}

// NewPIN returns a 4-digit code drawn uniformly from [1000, 9999].
func NewPIN() string {
	n, err := rand.Int(rand.Reader, big.NewInt(pinMax-pinMin+1))
	if err != nil {
		panic("identity: crypto/rand unavailable: " + err.Error())
	}
	return n.Add(n, big.NewInt(pinMin)).String()
}

// IsValidPIN checks the PIN wire format. It is applied before any store lookup.
func IsValidPIN(pin string) bool {
	return pinPattern.MatchString(pin)
}

// NormalizePIN trims surrounding whitespace from user-entered codes.
func NormalizePIN(pin string) string {
	return strings.TrimSpace(pin)
}

// IsValidDeviceID accepts any URL-safe token of reasonable length, so devices
// running other clients can pair as long as their ids are opaque tokens.
func IsValidDeviceID(id string) bool {
	return tokenPattern.MatchString(id)
}

func IsValidConnectionID(id string) bool {
	return tokenPattern.MatchString(id)
}
