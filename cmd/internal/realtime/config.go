package realtime

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the gateway settings. Zero values fall back to DefaultConfig.
type Config struct {
	// DevInsecure disables the websocket library's own origin verification. Dev only.
	DevInsecure bool

	OriginRequired bool
	AllowedOrigins []string

	// AllowQueryToken accepts ?access_token= for browsers that cannot set headers on upgrade.
	AllowQueryToken bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	// AuthTimeout bounds the wait for a hello frame when no credential came with the handshake.
	AuthTimeout time.Duration
	// OpTimeout bounds chat service calls; they run detached from the connection.
	OpTimeout time.Duration

	SendQueueSize int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration

	// MaxSessionsPerUser caps concurrent sessions per user (0 = unlimited, 1 = last-connect-wins).
	MaxSessionsPerUser int
}

const (
	defaultSendQueueSize = 256
	minSendQueueSize     = 32
)

// DefaultConfig returns secure defaults: origin required, localhost only.
func DefaultConfig() Config {
	return Config{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		AllowQueryToken:   true,
		WriteTimeout:      5 * time.Second,
		ReadIdleTimeout:   2 * time.Minute,
		AuthTimeout:       10 * time.Second,
		OpTimeout:         10 * time.Second,
		SendQueueSize:     defaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

// LoadConfigFromEnv reads TASKLANE_WS_* variables over DefaultConfig.
// Malformed values keep the default.
func LoadConfigFromEnv() Config {
	def := DefaultConfig()
	return Config{
		DevInsecure:        envBoolWS("TASKLANE_WS_DEV_INSECURE", false),
		OriginRequired:     envBoolWS("TASKLANE_WS_ORIGIN_REQUIRED", def.OriginRequired),
		AllowedOrigins:     envCSVWS("TASKLANE_WS_ALLOWED_ORIGINS", def.AllowedOrigins),
		AllowQueryToken:    envBoolWS("TASKLANE_WS_ALLOW_QUERY_TOKEN", def.AllowQueryToken),
		WriteTimeout:       envDurationWS("TASKLANE_WS_WRITE_TIMEOUT", def.WriteTimeout),
		ReadIdleTimeout:    envDurationWS("TASKLANE_WS_READ_IDLE_TIMEOUT", def.ReadIdleTimeout),
		AuthTimeout:        envDurationWS("TASKLANE_WS_AUTH_TIMEOUT", def.AuthTimeout),
		OpTimeout:          envDurationWS("TASKLANE_WS_OP_TIMEOUT", def.OpTimeout),
		SendQueueSize:      envIntWS("TASKLANE_WS_SEND_QUEUE", def.SendQueueSize),
		HeartbeatInterval:  envDurationWS("TASKLANE_WS_HEARTBEAT_INTERVAL", def.HeartbeatInterval),
		HeartbeatTimeout:   envDurationWS("TASKLANE_WS_HEARTBEAT_TIMEOUT", def.HeartbeatTimeout),
		RateEvents:         envIntWS("TASKLANE_WS_RATE_EVENTS", def.RateEvents),
		RateWindow:         envDurationWS("TASKLANE_WS_RATE_WINDOW", def.RateWindow),
		MaxSessionsPerUser: envNonNegIntWS("TASKLANE_WS_MAX_SESSIONS_PER_USER", 0),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = def.AuthTimeout
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = def.OpTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = minSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	if c.MaxSessionsPerUser < 0 {
		c.MaxSessionsPerUser = 0
	}
	return c
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envNonNegIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return append([]string(nil), def...)
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
