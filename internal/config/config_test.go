package config

import (
	"strings"
	"testing"
	"time"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(func(string) (string, bool) { return "", false }, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.SignalingWSIdleTimeout != DefaultSignalingWSIdleTimeout {
		t.Fatalf("SignalingWSIdleTimeout=%v, want %v", cfg.SignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	}
	if cfg.MaxSignalingMessageBytes != DefaultMaxSignalingMessageBytes {
		t.Fatalf("MaxSignalingMessageBytes=%d, want %d", cfg.MaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	}
	if cfg.ReportRetention != 7*24*time.Hour {
		t.Fatalf("ReportRetention=%v, want 168h", cfg.ReportRetention)
	}
	if cfg.ReportBackend != ReportBackendMemory {
		t.Fatalf("ReportBackend=%q, want %q", cfg.ReportBackend, ReportBackendMemory)
	}
	if cfg.RoomMaxMessages != DefaultRoomMaxMessages {
		t.Fatalf("RoomMaxMessages=%d, want %d", cfg.RoomMaxMessages, DefaultRoomMaxMessages)
	}
	if cfg.TrustProxy {
		t.Fatalf("TrustProxy=true, want false")
	}
	if cfg.TURNREST.Enabled() {
		t.Fatalf("TURN REST enabled by default")
	}
	if cfg.ICEConfigError() != nil {
		t.Fatalf("ICEConfigError=%v, want nil", cfg.ICEConfigError())
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(func(string) (string, bool) { return "", false }, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
	if cfg.LogLevel.String() != "INFO" {
		t.Fatalf("logLevel=%v, want INFO", cfg.LogLevel)
	}
}

func TestDefaultsProdWhenModeEnvSet(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarMode: "production",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd || cfg.LogFormat != LogFormatJSON {
		t.Fatalf("mode=%q logFormat=%q, want prod/json", cfg.Mode, cfg.LogFormat)
	}
}

func TestLogFormatExplicitOverride(t *testing.T) {
	cfg, err := load(func(string) (string, bool) { return "", false }, []string{"--mode", "prod", "--log-format", "text"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarReportRetention:          "48h",
		envVarRoomMaxMessages:          "10",
		envVarMaxSignalingMessageBytes: "1024",
	}), []string{"--report-retention", "1h"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ReportRetention != time.Hour {
		t.Fatalf("ReportRetention=%v, want 1h", cfg.ReportRetention)
	}
	if cfg.RoomMaxMessages != 10 {
		t.Fatalf("RoomMaxMessages=%d, want 10", cfg.RoomMaxMessages)
	}
	if cfg.MaxSignalingMessageBytes != 1024 {
		t.Fatalf("MaxSignalingMessageBytes=%d, want 1024", cfg.MaxSignalingMessageBytes)
	}
}

func TestInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		args []string
		want string
	}{
		{name: "bad duration", env: map[string]string{envVarReportRetention: "soon"}, want: envVarReportRetention},
		{name: "zero retention", args: []string{"--report-retention", "0s"}, want: envVarReportRetention},
		{name: "ping not below idle", env: map[string]string{
			envVarSignalingWSIdleTimeout:  "10s",
			envVarSignalingWSPingInterval: "10s",
		}, want: envVarSignalingWSPingInterval},
		{name: "zero message bytes", args: []string{"--max-signaling-message-bytes", "0"}, want: envVarMaxSignalingMessageBytes},
		{name: "negative upgrades", args: []string{"--signaling-upgrades-per-second-per-ip", "-1"}, want: envVarUpgradesPerSecondPerIP},
		{name: "bad backend", env: map[string]string{envVarReportBackend: "postgres"}, want: envVarReportBackend},
		{name: "redis without url", args: []string{"--report-backend", "redis"}, want: envVarRedisURL},
		{name: "redis bad scheme", env: map[string]string{
			envVarReportBackend: "redis",
			envVarRedisURL:      "http://localhost:6379",
		}, want: envVarRedisURL},
		{name: "bad trust proxy", env: map[string]string{envVarTrustProxy: "sometimes"}, want: envVarTrustProxy},
		{name: "turn prefix colon", env: map[string]string{
			envVarTURNRESTSharedSecret:   "s3cret",
			envVarTURNRESTUsernamePrefix: "a:b",
		}, want: envVarTURNRESTUsernamePrefix},
		{name: "bad mode", args: []string{"--mode", "staging"}, want: "invalid mode"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := load(lookupMap(tc.env), tc.args)
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestRedisBackend(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarReportBackend: "redis",
		envVarRedisURL:      " redis://localhost:6379/0 ",
	}), []string{"--redis-key-prefix", "test:"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ReportBackend != ReportBackendRedis {
		t.Fatalf("ReportBackend=%q, want %q", cfg.ReportBackend, ReportBackendRedis)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Fatalf("RedisURL=%q", cfg.RedisURL)
	}
	if cfg.RedisKeyPrefix != "test:" {
		t.Fatalf("RedisKeyPrefix=%q, want %q", cfg.RedisKeyPrefix, "test:")
	}
}

func TestICEServers_TURNRESTAllowsMissingCredentials(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envTurnURLs:                "turn:turn.example.com:3478",
		envVarTURNRESTSharedSecret: "s3cret",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.ICEConfigError(); err != nil {
		t.Fatalf("ICEConfigError=%v", err)
	}
	if len(cfg.ICEServers) != 1 || !ICEServerHasTURNURL(cfg.ICEServers[0]) {
		t.Fatalf("ICEServers=%#v", cfg.ICEServers)
	}
}

func TestICEServers_InvalidConfigIsDeferred(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envTurnURLs: "turn:turn.example.com:3478",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICEConfigError for TURN without credentials")
	}
	if cfg.ICEServers != nil {
		t.Fatalf("ICEServers=%#v, want nil", cfg.ICEServers)
	}
}

func TestParseAllowedOrigins_NormalizesAndValidates(t *testing.T) {
	got, err := parseAllowedOrigins("HTTPS://Example.COM:443, http://localhost:5173/")
	if err != nil {
		t.Fatalf("parseAllowedOrigins: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len=%d, want 2 (%v)", len(got), got)
	}
	if got[0] != "https://example.com" {
		t.Fatalf("got[0]=%q, want %q", got[0], "https://example.com")
	}
	if got[1] != "http://localhost:5173" {
		t.Fatalf("got[1]=%q, want %q", got[1], "http://localhost:5173")
	}
}

func TestParseAllowedOrigins_AllowsStarAndNull(t *testing.T) {
	got, err := parseAllowedOrigins("*,null")
	if err != nil {
		t.Fatalf("parseAllowedOrigins: %v", err)
	}
	if len(got) != 2 || got[0] != "*" || got[1] != "null" {
		t.Fatalf("got=%v, want [* null]", got)
	}
}

func TestParseAllowedOrigins_RejectsPathQueryAndCredentials(t *testing.T) {
	cases := []string{
		"ftp://example.com",
		"https://example.com/path",
		"https://example.com/?q=1",
		"https://user@example.com",
		"https://example.com/#frag",
	}
	for _, raw := range cases {
		if _, err := parseAllowedOrigins(raw); err == nil {
			t.Fatalf("expected error for %q, got nil", raw)
		}
	}
}
