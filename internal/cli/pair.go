package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaw/devicelink/internal/client"
)

const closeTimeout = 5 * time.Second

// HostOptions holds flags for the host command.
type HostOptions struct {
	*RootOptions
	Pin bool
}

func NewHostCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HostOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Start a connection and wait for another device to join",
		Long: `Start a connection and wait for another device to join.

The pairing payload is printed as a URL and as JSON; either can be rendered as
a QR code. With --pin a 4-digit PIN is issued as well.

Example:
  devicelink host --pin`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Pin, "pin", true, "also issue a PIN")

	return cmd
}

func runHost(cmd *cobra.Command, opts *HostOptions) error {
	ctx := cmd.Context()
	out := opts.formatter(cmd)

	session := client.NewSession(client.New(opts.Server))
	defer closeSession(session)
	out.VerboseLog("device id %s", session.DeviceID())

	rec, err := session.Host(ctx)
	if err != nil {
		return err
	}
	p, err := session.Payload(ctx)
	if err != nil {
		return err
	}

	waiting := map[string]any{
		"connectionId": rec.ConnectionID,
		"url":          p.URL,
		"json":         p.JSON,
	}
	text := fmt.Sprintf("Scan or paste this payload on the other device:\n  %s\n  %s", p.URL, p.JSON)

	if opts.Pin {
		issue, err := session.IssuePin(ctx)
		if err != nil {
			return err
		}
		waiting["pinCode"] = issue.PinCode
		waiting["pinExpiresAt"] = issue.ExpiresAt
		text += fmt.Sprintf("\nOr enter PIN %s (valid until %s)", issue.PinCode, issue.ExpiresAt.Local().Format("15:04:05"))
	}

	if err := out.Event("waiting", waiting, text+"\nWaiting for a device to join..."); err != nil {
		return err
	}

	peer, err := session.WaitForPeer(ctx)
	if err != nil {
		return err
	}
	out.VerboseLog("peer device id %s", peer)

	if err := out.Event("connected", map[string]string{"connectionId": rec.ConnectionID}, "Connected. Type a message and press enter, /quit to leave."); err != nil {
		return err
	}

	return runChat(ctx, session, cmd.InOrStdin(), out)
}

func NewJoinCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join <pin-or-payload>",
		Short: "Join a connection with a PIN or a scanned payload",
		Long: `Join a connection with a PIN or a scanned payload.

Example:
  devicelink join 4821
  devicelink join 'https://link.example/connect?action=connect&connectionId=...&hostDeviceId=...'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd, rootOpts, args[0])
		},
	}

	return cmd
}

func runJoin(cmd *cobra.Command, opts *RootOptions, code string) error {
	ctx := cmd.Context()
	out := opts.formatter(cmd)

	session := client.NewSession(client.New(opts.Server))
	defer closeSession(session)
	out.VerboseLog("device id %s", session.DeviceID())

	conn, err := session.Join(ctx, code)
	if err != nil {
		return err
	}

	if err := out.Event("connected", map[string]string{"connectionId": conn.ConnectionID}, "Connected. Type a message and press enter, /quit to leave."); err != nil {
		return err
	}

	return runChat(ctx, session, cmd.InOrStdin(), out)
}

func closeSession(s *client.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	s.Close(ctx)
}
