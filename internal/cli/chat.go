package cli

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/openclaw/devicelink/internal/client"
)

const (
	cmdQuit    = "/quit"
	cmdHistory = "/history"
)

// runChat prints the connection history, then sends each non-blank input line
// to the peer, unmodified, while printing incoming entries. It returns at end of input,
// on /quit or when ctx ends. A failed send is reported and the loop goes on.
func runChat(ctx context.Context, session *client.Session, in io.Reader, out *OutputFormatter) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	last, err := printHistory(ctx, session, out)
	if err != nil {
		return err
	}

	inbox, err := session.Messages(ctx, last)
	if err != nil {
		return err
	}

	lines := make(chan string)
	go readLines(ctx, in, lines)

	for {
		select {
		case <-ctx.Done():
			return nil

		case entry, ok := <-inbox:
			if !ok {
				return nil
			}
			if err := out.Message(session.DeviceID(), entry); err != nil {
				return err
			}

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.TrimSpace(line) {
			case "":
				continue
			case cmdQuit:
				return nil
			case cmdHistory:
				if _, err := printHistory(ctx, session, out); err != nil {
					out.Error(err)
				}
				continue
			}

			entry, err := session.Send(ctx, line)
			if err != nil {
				out.Error(err)
				continue
			}
			out.VerboseLog("sent entry %d", entry.ID)
		}
	}
}

func printHistory(ctx context.Context, session *client.Session, out *OutputFormatter) (int64, error) {
	entries, err := session.History(ctx, 0)
	if err != nil {
		return 0, err
	}
	var last int64
	for _, entry := range entries {
		if err := out.Message(session.DeviceID(), entry); err != nil {
			return 0, err
		}
		if entry.ID > last {
			last = entry.ID
		}
	}
	return last, nil
}

func readLines(ctx context.Context, in io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}
