package main

import (
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/signalclient"
)

func newReportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "report CODE MESSAGE...",
		Short: "Report a message seen in a room",
		Long: `Report a message seen in a room.

Only a hash of MESSAGE is sent to the relay.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ch, err := opts.dial(ctx)
			if err != nil {
				return err
			}
			defer ch.Close()

			code := strings.ToUpper(strings.TrimSpace(args[0]))
			id, err := ch.SubmitReport(ctx, code, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			console{out: cmd.OutOrStdout()}.success("Report %s submitted for room %s", id, code)
			return nil
		},
	}
}

func newICECmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ice",
		Short: "Show the ICE servers the relay hands out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := signalclient.HTTPBaseURL(opts.serverURL)
			if err != nil {
				return err
			}
			cfg, err := signalclient.FetchICEServers(cmd.Context(), nil, base, opts.sessionID)
			if err != nil {
				return err
			}

			data := pterm.TableData{{"URLs", "Username", "Credential"}}
			for _, s := range cfg.Servers {
				cred := ""
				if s.Credential != nil {
					cred = "(set)"
				}
				data = append(data, []string{strings.Join(s.URLs, " "), s.Username, cred})
			}
			if err := pterm.DefaultTable.WithHasHeader().WithData(data).WithWriter(cmd.OutOrStdout()).Render(); err != nil {
				return err
			}
			if cfg.TTL > 0 {
				console{out: cmd.OutOrStdout()}.info("Credentials expire in %s", cfg.TTL.Round(time.Second))
			}
			return nil
		},
	}
}
