package identity

import (
	"encoding/base64"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDeviceID(t *testing.T) {
	t.Run("encodes 21 random bytes compactly", func(t *testing.T) {
		id := NewDeviceID()

		raw, err := base64.RawURLEncoding.DecodeString(id)
		require.NoError(t, err)
		assert.Len(t, raw, deviceIDBytes)
		assert.Len(t, id, 28)
	})

	t.Run("is a valid device id", func(t *testing.T) {
		assert.True(t, IsValidDeviceID(NewDeviceID()))
	})

	t.Run("generates unique ids", func(t *testing.T) {
		ids := make(map[string]bool)
		for i := 0; i < 1000; i++ {
			id := NewDeviceID()
			assert.False(t, ids[id], "duplicate device id generated: %s", id)
			ids[id] = true
		}
	})
}

func TestNewConnectionID(t *testing.T) {
	t.Run("is url safe and valid", func(t *testing.T) {
		id := NewConnectionID()
		assert.Len(t, id, 36)
		assert.True(t, IsValidConnectionID(id))
	})

	t.Run("generates unique ids", func(t *testing.T) {
		assert.NotEqual(t, NewConnectionID(), NewConnectionID())
	})
}

func TestNewPIN(t *testing.T) {
	t.Run("stays within 1000-9999", func(t *testing.T) {
		for i := 0; i < 2000; i++ {
			pin := NewPIN()
			require.True(t, IsValidPIN(pin), "pin %q should be 4 digits", pin)

			n, err := strconv.Atoi(pin)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, n, 1000)
			assert.LessOrEqual(t, n, 9999)
		}
	})

	t.Run("never has a leading zero", func(t *testing.T) {
		for i := 0; i < 500; i++ {
			assert.NotEqual(t, byte('0'), NewPIN()[0])
		}
	})
}

func TestIsValidPIN(t *testing.T) {
	tests := []struct {
		pin  string
		want bool
	}{
		{"4821", true},
		{"0042", true},
		{"482", false},
		{"48210", false},
		{"48a1", false},
		{" 4821", false},
		{"", false},
	}

	for _, tc := range tests {
		t.Run(tc.pin, func(t *testing.T) {
			assert.Equal(t, tc.want, IsValidPIN(tc.pin))
		})
	}
}

func TestNormalizePIN(t *testing.T) {
	assert.Equal(t, "4821", NormalizePIN("  4821\n"))
}

func TestIsValidDeviceID(t *testing.T) {
	assert.True(t, IsValidDeviceID("V1StGXR8_Z5jdHi6B-myT"))
	assert.False(t, IsValidDeviceID("short"))
	assert.False(t, IsValidDeviceID("has spaces in the identifier"))
	assert.False(t, IsValidDeviceID("semi;colon;is;not;allowed;here"))
}
