package app

import "time"

// Config contains the server runtime configuration loaded from environment variables.
// Package-level settings (websocket gateway, token keys) load from their own packages.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // "json" (default) or "pretty"

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64

	// Empty DatabaseURL runs the in-memory chat store with a permissive user directory.
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string
	AutoMigrate bool
	// UsersTable is the identity service table checked for participant existence.
	// Empty disables the check even with a database.
	UsersTable string

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	// DevMode permits an ephemeral signing key and relaxed origin policy.
	DevMode bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from TASKLANE_* environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("TASKLANE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("TASKLANE_LOG_LEVEL", "info"),
		LogFormat: EnvString("TASKLANE_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("TASKLANE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("TASKLANE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("TASKLANE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("TASKLANE_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("TASKLANE_HTTP_MAX_HEADER_BYTES", 1<<20),
		MaxBodyBytes:      EnvInt64("TASKLANE_HTTP_MAX_BODY_BYTES", 1<<20),

		DatabaseURL: EnvString("TASKLANE_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("TASKLANE_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("TASKLANE_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("TASKLANE_DB_SCHEMA", "tasklane"),
		AutoMigrate: EnvBool("TASKLANE_DB_AUTO_MIGRATE", true),
		UsersTable:  EnvString("TASKLANE_USERS_TABLE", ""),

		ReadinessRequireDB: EnvBool("TASKLANE_READINESS_REQUIRE_DB", false),

		DevMode: EnvBool("TASKLANE_DEV", false),

		CORSAllowedOrigins:   EnvCSV("TASKLANE_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("TASKLANE_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("TASKLANE_CORS_MAX_AGE_SECONDS", 600),
	}
}
