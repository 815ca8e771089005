package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/origin"
)

const (
	envVarListenAddr      = "AERO_WEBRTC_ROOM_RELAY_LISTEN_ADDR"
	envVarPublicBaseURL   = "AERO_WEBRTC_ROOM_RELAY_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "AERO_WEBRTC_ROOM_RELAY_LOG_FORMAT"
	envVarLogLevel        = "AERO_WEBRTC_ROOM_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_WEBRTC_ROOM_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "AERO_WEBRTC_ROOM_RELAY_MODE"

	// Signaling WebSocket hardening.
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSignalingSendQueueLength      = "SIGNALING_SEND_QUEUE_LENGTH"
	envVarUpgradesPerSecondPerIP        = "SIGNALING_UPGRADES_PER_SECOND_PER_IP"
	envVarTrustProxy                    = "TRUST_PROXY"

	// Rooms and reports.
	envVarRoomMaxMessages = "ROOM_MAX_MESSAGES"
	envVarReportRetention = "REPORT_RETENTION"
	envVarReportBackend   = "REPORT_BACKEND"
	envVarRedisURL        = "REDIS_URL"
	envVarRedisKeyPrefix  = "REDIS_KEY_PREFIX"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "TURN_REST_REALM"

	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSignalingSendQueueLength      = 64
	DefaultUpgradesPerSecondPerIP        = 10

	DefaultRoomMaxMessages = 500
	DefaultReportRetention = 7 * 24 * time.Hour
	DefaultReportBackend   = ReportBackendMemory
	DefaultRedisKeyPrefix  = "aero-room:"

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "aero"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type ReportBackend string

const (
	ReportBackendMemory ReportBackend = "memory"
	ReportBackendRedis  ReportBackend = "redis"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingSendQueueLength      int
	UpgradesPerSecondPerIP        int
	TrustProxy                    bool

	RoomMaxMessages int
	ReportRetention time.Duration
	ReportBackend   ReportBackend
	RedisURL        string
	RedisKeyPrefix  string

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

// ICEConfigError reports an invalid ICE server configuration. It is not a
// Load error: room signaling does not need ICE servers, so the relay starts
// and /readyz and /webrtc/ice report the problem instead.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

// envFlags registers command-line flags whose defaults come from environment
// variables. The first malformed environment value is kept in err.
type envFlags struct {
	fs     *flag.FlagSet
	lookup func(string) (string, bool)
	err    error
}

func (b *envFlags) env(key string) (string, bool) {
	raw, ok := b.lookup(key)
	raw = strings.TrimSpace(raw)
	return raw, ok && raw != ""
}

func (b *envFlags) fail(key, raw string, err error) {
	if b.err == nil {
		b.err = fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
}

func (b *envFlags) str(p *string, name, key, def, usage string) {
	if raw, ok := b.env(key); ok {
		def = raw
	}
	b.fs.StringVar(p, name, def, usage+" (env "+key+")")
}

func (b *envFlags) integer(p *int, name, key string, def int, usage string) {
	if raw, ok := b.env(key); ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			b.fail(key, raw, err)
		}
		def = n
	}
	b.fs.IntVar(p, name, def, usage+" (env "+key+")")
}

func (b *envFlags) integer64(p *int64, name, key string, def int64, usage string) {
	if raw, ok := b.env(key); ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			b.fail(key, raw, err)
		}
		def = n
	}
	b.fs.Int64Var(p, name, def, usage+" (env "+key+")")
}

func (b *envFlags) duration(p *time.Duration, name, key string, def time.Duration, usage string) {
	if raw, ok := b.env(key); ok {
		d, err := time.ParseDuration(raw)
		if err != nil {
			b.fail(key, raw, err)
		}
		def = d
	}
	b.fs.DurationVar(p, name, def, usage+" (env "+key+")")
}

func (b *envFlags) boolean(p *bool, name, key string, usage string) {
	def := false
	if raw, ok := b.env(key); ok {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			b.fail(key, raw, err)
		}
		def = v
	}
	b.fs.BoolVar(p, name, def, usage+" (env "+key+")")
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	var (
		cfg Config

		modeStr, logFormatStr, logLevelStr string
		allowedOriginsStr, backendStr      string

		iceJSON, stunURLs, turnURLs, turnUser, turnCred string
	)

	fs := flag.NewFlagSet("aero-webrtc-room-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	b := &envFlags{fs: fs, lookup: lookup}

	b.str(&cfg.ListenAddr, "listen-addr", envVarListenAddr, DefaultListenAddr, "HTTP listen address (host:port)")
	b.str(&cfg.PublicBaseURL, "public-base-url", envVarPublicBaseURL, "", "Public base URL, used for logging")
	b.str(&allowedOriginsStr, "allowed-origins", envVarAllowedOrigins, "", "Comma-separated browser origins allowed to connect")
	b.str(&modeStr, "mode", envVarMode, string(DefaultMode), "Run mode: dev or prod")
	b.str(&logFormatStr, "log-format", envVarLogFormat, "", "Log format: text or json (default depends on mode)")
	b.str(&logLevelStr, "log-level", envVarLogLevel, "", "Log level: debug, info, warn, error (default depends on mode)")
	b.duration(&cfg.ShutdownTimeout, "shutdown-timeout", envVarShutdownTimeout, DefaultShutdown, "Graceful shutdown timeout")

	b.duration(&cfg.SignalingWSIdleTimeout, "signaling-ws-idle-timeout", envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout, "Close room sockets silent for this long")
	b.duration(&cfg.SignalingWSPingInterval, "signaling-ws-ping-interval", envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval, "Ping interval on room sockets, below the idle timeout")
	b.integer64(&cfg.MaxSignalingMessageBytes, "max-signaling-message-bytes", envVarMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes, "Max inbound frame size in bytes")
	b.integer(&cfg.MaxSignalingMessagesPerSecond, "max-signaling-messages-per-second", envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond, "Max inbound frames per second per connection")
	b.integer(&cfg.SignalingSendQueueLength, "signaling-send-queue-length", envVarSignalingSendQueueLength, DefaultSignalingSendQueueLength, "Outbound frames buffered per connection before dropping")
	b.integer(&cfg.UpgradesPerSecondPerIP, "signaling-upgrades-per-second-per-ip", envVarUpgradesPerSecondPerIP, DefaultUpgradesPerSecondPerIP, "WebSocket upgrades per second per client IP, 0 for unlimited")
	b.boolean(&cfg.TrustProxy, "trust-proxy", envVarTrustProxy, "Take client IPs from X-Forwarded-For")

	b.integer(&cfg.RoomMaxMessages, "room-max-messages", envVarRoomMaxMessages, DefaultRoomMaxMessages, "Chat messages retained per room")
	b.duration(&cfg.ReportRetention, "report-retention", envVarReportRetention, DefaultReportRetention, "How long each report is kept")
	b.str(&backendStr, "report-backend", envVarReportBackend, string(DefaultReportBackend), "Report store: memory or redis")
	b.str(&cfg.RedisURL, "redis-url", envVarRedisURL, "", "Redis URL for the redis report backend")
	b.str(&cfg.RedisKeyPrefix, "redis-key-prefix", envVarRedisKeyPrefix, DefaultRedisKeyPrefix, "Key prefix for reports in Redis")

	b.str(&iceJSON, "ice-servers-json", envICEServersJSON, "", "ICE servers as an RTCIceServer JSON array")
	b.str(&stunURLs, "stun-urls", envStunURLs, "", "Comma-separated STUN URLs")
	b.str(&turnURLs, "turn-urls", envTurnURLs, "", "Comma-separated TURN URLs")
	b.str(&turnUser, "turn-username", envTurnUsername, "", "Static TURN username")
	b.str(&turnCred, "turn-credential", envTurnCredential, "", "Static TURN credential")
	b.str(&cfg.TURNREST.SharedSecret, "turn-rest-shared-secret", envVarTURNRESTSharedSecret, "", "coturn static-auth-secret for ephemeral TURN credentials")
	b.integer64(&cfg.TURNREST.TTLSeconds, "turn-rest-ttl-seconds", envVarTURNRESTTTLSeconds, DefaultTURNRESTTTLSeconds, "Ephemeral TURN credential lifetime in seconds")
	b.str(&cfg.TURNREST.UsernamePrefix, "turn-rest-username-prefix", envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix, "Middle field of ephemeral TURN usernames")
	b.str(&cfg.TURNREST.Realm, "turn-rest-realm", envVarTURNRESTRealm, "", "TURN realm, informational")

	if b.err != nil {
		return Config{}, b.err
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	var err error
	if cfg.Mode, err = parseMode(modeStr); err != nil {
		return Config{}, err
	}
	if logFormatStr == "" {
		logFormatStr = defaultLogFormatForMode(cfg.Mode)
	}
	if cfg.LogFormat, err = parseLogFormat(logFormatStr); err != nil {
		return Config{}, err
	}
	if logLevelStr == "" {
		logLevelStr = defaultLogLevelForMode(cfg.Mode)
	}
	if cfg.LogLevel, err = parseLogLevel(logLevelStr); err != nil {
		return Config{}, err
	}
	if cfg.ReportBackend, err = parseReportBackend(backendStr); err != nil {
		return Config{}, fmt.Errorf("invalid %s/--report-backend %q: %w", envVarReportBackend, backendStr, err)
	}
	if cfg.AllowedOrigins, err = parseAllowedOrigins(allowedOriginsStr); err != nil {
		return Config{}, fmt.Errorf("%s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}
	cfg.RedisURL = strings.TrimSpace(cfg.RedisURL)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	cfg.ICEServers, cfg.iceConfigErr = parseICEServersFromValues(iceJSON, stunURLs, turnURLs, turnUser, turnCred, cfg.TURNREST.Enabled())
	return cfg, nil
}

type check struct {
	failed bool
	msg    string
}

func (c Config) validate() error {
	checks := []check{
		{c.ListenAddr == "", "listen address must not be empty"},
		{c.ShutdownTimeout <= 0, "shutdown timeout must be > 0"},
		{c.SignalingWSIdleTimeout <= 0, envVarSignalingWSIdleTimeout + "/--signaling-ws-idle-timeout must be > 0"},
		{c.SignalingWSPingInterval <= 0, envVarSignalingWSPingInterval + "/--signaling-ws-ping-interval must be > 0"},
		{c.SignalingWSPingInterval >= c.SignalingWSIdleTimeout, envVarSignalingWSPingInterval + " must be < " + envVarSignalingWSIdleTimeout},
		{c.MaxSignalingMessageBytes <= 0, envVarMaxSignalingMessageBytes + "/--max-signaling-message-bytes must be > 0"},
		{c.MaxSignalingMessagesPerSecond <= 0, envVarMaxSignalingMessagesPerSecond + "/--max-signaling-messages-per-second must be > 0"},
		{c.SignalingSendQueueLength <= 0, envVarSignalingSendQueueLength + "/--signaling-send-queue-length must be > 0"},
		{c.UpgradesPerSecondPerIP < 0, envVarUpgradesPerSecondPerIP + "/--signaling-upgrades-per-second-per-ip must be >= 0"},
		{c.RoomMaxMessages <= 0, envVarRoomMaxMessages + "/--room-max-messages must be > 0"},
		{c.ReportRetention <= 0, envVarReportRetention + "/--report-retention must be > 0"},
	}
	if c.ReportBackend == ReportBackendRedis {
		u, err := url.Parse(c.RedisURL)
		checks = append(checks,
			check{c.RedisURL == "", envVarRedisURL + "/--redis-url is required when " + envVarReportBackend + "=redis"},
			check{err != nil || (u.Scheme != "redis" && u.Scheme != "rediss"), "invalid " + envVarRedisURL + "/--redis-url (expected redis:// or rediss://)"},
		)
	}
	if c.TURNREST.Enabled() {
		prefix := c.TURNREST.UsernamePrefix
		checks = append(checks,
			check{c.TURNREST.TTLSeconds <= 0, envVarTURNRESTTTLSeconds + "/--turn-rest-ttl-seconds must be > 0"},
			check{prefix == "" || strings.Contains(prefix, ":"), envVarTURNRESTUsernamePrefix + "/--turn-rest-username-prefix must be non-empty without ':'"},
		)
	}
	for _, ch := range checks {
		if ch.failed {
			return errors.New(ch.msg)
		}
	}
	return nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseReportBackend(raw string) (ReportBackend, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ReportBackendMemory), "":
		return ReportBackendMemory, nil
	case string(ReportBackendRedis):
		return ReportBackendRedis, nil
	default:
		return "", fmt.Errorf("expected %s or %s", ReportBackendMemory, ReportBackendRedis)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}
