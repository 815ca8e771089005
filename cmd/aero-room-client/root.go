package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/signalclient"
)

const (
	envServerURL = "AERO_ROOM_SERVER_URL"
	envCodec     = "AERO_ROOM_CODEC"
	envLogLevel  = "AERO_ROOM_LOG_LEVEL"

	defaultServerURL = "ws://127.0.0.1:8080/ws"
)

type rootOptions struct {
	serverURL   string
	codec       string
	logLevel    string
	sessionID   string
	origin      string
	dialTimeout time.Duration
	udpPortMin  uint16
	udpPortMax  uint16

	log *slog.Logger
}

func newRootCmd(lookup func(string) (string, bool)) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "aero-room-client",
		Short:         "Chat and call through an aero room relay",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(opts.logLevel, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			opts.log = logger
			if _, err := subprotocolForCodec(opts.codec); err != nil {
				return err
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.serverURL, "server", envOr(lookup, envServerURL, defaultServerURL), "Relay WebSocket URL (env "+envServerURL+")")
	flags.StringVar(&opts.codec, "codec", envOr(lookup, envCodec, "json"), "Wire codec: json or msgpack (env "+envCodec+")")
	flags.StringVar(&opts.logLevel, "log-level", envOr(lookup, envLogLevel, "info"), "Log level: trace, debug, info, warn, error (env "+envLogLevel+")")
	flags.StringVar(&opts.sessionID, "session-id", "", "Session id to present (default: random UUID)")
	flags.StringVar(&opts.origin, "origin", "", "Origin header for the WebSocket upgrade")
	flags.DurationVar(&opts.dialTimeout, "dial-timeout", 30*time.Second, "Give up connecting to the relay after this long")
	flags.Uint16Var(&opts.udpPortMin, "udp-port-min", 0, "Lowest local UDP port for ICE (0 = any)")
	flags.Uint16Var(&opts.udpPortMax, "udp-port-max", 0, "Highest local UDP port for ICE (0 = any)")

	cmd.AddCommand(
		newCreateCmd(opts),
		newJoinCmd(opts),
		newCallCmd(opts),
		newReportCmd(opts),
		newICECmd(opts),
	)
	return cmd
}

func envOr(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func subprotocolForCodec(codec string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(codec)) {
	case "", "json":
		return protocol.SubprotocolJSON, nil
	case "msgpack":
		return protocol.SubprotocolMsgpack, nil
	default:
		return "", fmt.Errorf("invalid codec %q (expected json or msgpack)", codec)
	}
}

func parseLogLevel(raw string) (pterm.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return pterm.LogLevelTrace, nil
	case "debug":
		return pterm.LogLevelDebug, nil
	case "", "info":
		return pterm.LogLevelInfo, nil
	case "warn", "warning":
		return pterm.LogLevelWarn, nil
	case "error":
		return pterm.LogLevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", raw)
	}
}

func newLogger(level string, w io.Writer) (*slog.Logger, error) {
	lvl, err := parseLogLevel(level)
	if err != nil {
		return nil, err
	}
	plog := pterm.DefaultLogger.WithLevel(lvl).WithWriter(w).WithTime(true)
	return slog.New(pterm.NewSlogHandler(plog)), nil
}

// dial connects to the relay with the root flags applied.
func (o *rootOptions) dial(ctx context.Context) (*signalclient.Channel, error) {
	sub, err := subprotocolForCodec(o.codec)
	if err != nil {
		return nil, err
	}
	var header http.Header
	if o.origin != "" {
		header = http.Header{"Origin": []string{o.origin}}
	}

	ctx, cancel := context.WithTimeout(ctx, o.dialTimeout)
	defer cancel()
	ch, err := signalclient.Dial(ctx, o.serverURL, signalclient.Options{
		SessionID:   o.sessionID,
		Subprotocol: sub,
		Header:      header,
		Logger:      o.log,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", o.serverURL, err)
	}
	return ch, nil
}

// console prints user-facing output through pterm's prefix printers.
type console struct {
	out io.Writer
}

func (c console) info(format string, args ...any) {
	pterm.Info.WithWriter(c.out).Printfln(format, args...)
}

func (c console) success(format string, args ...any) {
	pterm.Success.WithWriter(c.out).Printfln(format, args...)
}

func (c console) warn(format string, args ...any) {
	pterm.Warning.WithWriter(c.out).Printfln(format, args...)
}

func (c console) line(format string, args ...any) {
	pterm.Fprintln(c.out, fmt.Sprintf(format, args...))
}
