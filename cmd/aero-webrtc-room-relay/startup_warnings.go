package main

import (
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.UpgradesPerSecondPerIP <= 0 {
		logger.Warn("startup security warning: signaling upgrade rate limit is unset/0 (unlimited) while --mode=prod",
			"warning_code", "upgrade_rate_unlimited_in_prod",
			"upgrades_per_second_per_ip", cfg.UpgradesPerSecondPerIP,
			"mode", cfg.Mode,
		)
	}

	if cfg.TrustProxy {
		logger.Warn("startup security warning: --trust-proxy uses X-Forwarded-For for rate limiting (spoofable unless a proxy overwrites it)",
			"warning_code", "trust_proxy",
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.ReportBackend == config.ReportBackendMemory {
		logger.Warn("startup security warning: reports are kept in memory while --mode=prod (lost on restart)",
			"warning_code", "report_backend_memory_in_prod",
			"report_backend", cfg.ReportBackend,
			"mode", cfg.Mode,
		)
	}

	if cfg.TURNREST.Enabled() && time.Duration(cfg.TURNREST.TTLSeconds)*time.Second > 24*time.Hour {
		logger.Warn("startup security warning: TURN REST credentials live longer than a day (leaked credentials stay usable)",
			"warning_code", "turn_rest_ttl_large",
			"turn_rest_ttl_seconds", cfg.TURNREST.TTLSeconds,
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("invalid ICE server configuration; /readyz and /webrtc/ice will fail until fixed",
			"warning_code", "ice_config_invalid",
			"err", err,
			"mode", cfg.Mode,
		)
	}
}

func safeURLHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Host
}
