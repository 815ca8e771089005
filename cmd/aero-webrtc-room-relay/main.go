package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/report"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/room"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

const redisDialTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-webrtc-room-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"room_max_messages", cfg.RoomMaxMessages,
		"report_backend", cfg.ReportBackend,
		"report_retention", cfg.ReportRetention,
		"redis_host", safeURLHost(cfg.RedisURL),
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)

	logStartupSecurityWarnings(logger, cfg)

	reports, err := newReportStore(cfg)
	if err != nil {
		logger.Error("failed to configure report store", "err", err)
		os.Exit(2)
	}
	defer reports.Close()

	var turn *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turn, err = turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure TURN REST credentials", "err", err)
			os.Exit(2)
		}
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, buildTime := resolveBuildInfo(buildCommit, buildTime)

	rooms := room.NewRegistry(room.Config{MaxMessages: cfg.RoomMaxMessages})
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}, httpserver.Deps{
		Rooms:   rooms,
		Reports: reports,
		TURN:    turn,
	})

	m := metrics.New()
	sig := signaling.NewServer(signaling.Config{
		Rooms:                  rooms,
		Reports:                reports,
		Metrics:                m,
		Logger:                 logger,
		MaxMessageBytes:        cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond:   cfg.MaxSignalingMessagesPerSecond,
		SendQueueLength:        cfg.SignalingSendQueueLength,
		IdleTimeout:            cfg.SignalingWSIdleTimeout,
		PingInterval:           cfg.SignalingWSPingInterval,
		UpgradesPerSecondPerIP: cfg.UpgradesPerSecondPerIP,
		TrustProxy:             cfg.TrustProxy,
		CheckOrigin:            srv.OriginPolicy().CheckOrigin,
	})
	sig.RegisterRoutes(srv.Mux())
	// http.Server does not track hijacked connections; close them when
	// shutdown begins so rooms drain with the listener.
	srv.RegisterOnShutdown(sig.Close)

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m, relayGauges(rooms, sig)...))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func newReportStore(cfg config.Config) (report.Store, error) {
	switch cfg.ReportBackend {
	case config.ReportBackendRedis:
		ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
		defer cancel()
		rdb, err := report.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return report.NewRedisStore(rdb, report.RedisConfig{
			Retention: cfg.ReportRetention,
			KeyPrefix: cfg.RedisKeyPrefix,
		}), nil
	default:
		return report.NewMemoryStore(report.MemoryConfig{Retention: cfg.ReportRetention}), nil
	}
}

func relayGauges(rooms *room.Registry, sig *signaling.Server) []metrics.Gauge {
	return []metrics.Gauge{
		{
			Name:  "rooms",
			Help:  "Rooms currently open.",
			Value: func() float64 { return float64(rooms.Len()) },
		},
		{
			Name:  "ws_connections",
			Help:  "Signaling WebSocket connections currently open.",
			Value: func() float64 { return float64(sig.Connections()) },
		},
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
