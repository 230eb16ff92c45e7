package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openclaw/devicelink/internal/errors"
	"github.com/openclaw/devicelink/internal/model"
)

func TestOutputFormatter_Message(t *testing.T) {
	entry := model.ContentEntry{
		ID:             7,
		Content:        "hello",
		SenderDeviceID: "me-device",
		CreatedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	t.Run("text labels own messages", func(t *testing.T) {
		var buf bytes.Buffer
		f := &OutputFormatter{Format: "text", Writer: &buf}

		require.NoError(t, f.Message("me-device", entry))
		assert.Contains(t, buf.String(), "me> hello")

		buf.Reset()
		require.NoError(t, f.Message("other-device", entry))
		assert.Contains(t, buf.String(), "peer> hello")
	})

	t.Run("json emits one event per line", func(t *testing.T) {
		var buf bytes.Buffer
		f := &OutputFormatter{Format: "json", Writer: &buf}

		require.NoError(t, f.Message("me-device", entry))

		var got struct {
			Event string             `json:"event"`
			Data  model.ContentEntry `json:"data"`
		}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, "message", got.Event)
		assert.Equal(t, int64(7), got.Data.ID)
	})
}

func TestOutputFormatter_Error(t *testing.T) {
	t.Run("text shows code and message", func(t *testing.T) {
		var buf bytes.Buffer
		f := &OutputFormatter{Format: "text", Writer: &buf}

		require.NoError(t, f.Error(apperrors.CouldNotConnect()))
		assert.Equal(t, "Error [NOT_FOUND]: Could not connect: invalid or expired code\n", buf.String())
	})

	t.Run("json carries the code", func(t *testing.T) {
		var buf bytes.Buffer
		f := &OutputFormatter{Format: "json", Writer: &buf}

		require.NoError(t, f.Error(errors.New("boom")))

		var got CLIEvent
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, "error", got.Event)
		require.NotNil(t, got.Error)
		assert.Equal(t, string(apperrors.ErrCodeInternal), got.Error.Code)
		assert.Equal(t, "boom", got.Error.Message)
	})
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	var out, diag bytes.Buffer

	f := &OutputFormatter{Writer: &out, ErrWriter: &diag}
	f.VerboseLog("hidden %d", 1)
	assert.Empty(t, diag.String())

	f.Verbose = true
	f.VerboseLog("shown %d", 2)
	assert.Equal(t, "shown 2\n", diag.String())
	assert.Empty(t, out.String())
}
