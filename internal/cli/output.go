package cli

import (
	"encoding/json"
	"fmt"
	"io"

	apperrors "github.com/openclaw/devicelink/internal/errors"
	"github.com/openclaw/devicelink/internal/model"
)

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // verbose output; falls back to Writer
	Verbose   bool
}

// CLIEvent is one line of JSON output.
type CLIEvent struct {
	Event string    `json:"event"`
	Data  any       `json:"data,omitempty"`
	Error *CLIError `json:"error,omitempty"`
}

type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event prints a lifecycle event. text is used in text mode.
func (f *OutputFormatter) Event(event string, data any, text string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIEvent{Event: event, Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, text)
	return err
}

// Message prints a content entry, labelled from the point of view of self.
func (f *OutputFormatter) Message(self string, entry model.ContentEntry) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIEvent{Event: "message", Data: entry})
	}
	who := "peer"
	if entry.SenderDeviceID == self {
		who = "me"
	}
	_, err := fmt.Fprintf(f.Writer, "%s %s> %s\n", entry.CreatedAt.Local().Format("15:04:05"), who, entry.Content)
	return err
}

func (f *OutputFormatter) Error(err error) error {
	code := string(apperrors.GetCode(err))
	message := err.Error()
	if appErr, ok := apperrors.AsAppError(err); ok {
		message = appErr.Message
	}

	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIEvent{
			Event: "error",
			Error: &CLIError{Code: code, Message: message},
		})
	}
	_, werr := fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	return werr
}

// VerboseLog outputs a message only if verbose mode is enabled.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}
