package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // "json" (default) or "pretty"

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Cross-node fanout. Empty RedisAddr keeps delivery in-process.
	RedisAddr    string
	RedisChannel string

	// Authentication:
	// - JWTSecret enables HS256 bearer tokens (>= 32 bytes).
	// - AuthDevHeader trusts X-User-ID; dev only.
	JWTSecret     string
	JWTIssuer     string
	AuthDevHeader bool

	EngineHandlerTimeout time.Duration
	WSWriteTimeout       time.Duration
	WSRateLimitEvents    int
	WSRateLimitWindow    time.Duration

	// DevUsers seeds the in-memory user directory, e.g. "1:alice,2:bob".
	DevUsers string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("BWAVE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("BWAVE_LOG_LEVEL", "info"),
		LogFormat: EnvString("BWAVE_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("BWAVE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("BWAVE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("BWAVE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("BWAVE_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("BWAVE_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("BWAVE_DATABASE_URL", ""),
		DBSchema:    EnvString("BWAVE_DB_SCHEMA", "bwave"),
		DBMaxConns:  EnvInt32("BWAVE_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("BWAVE_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("BWAVE_READINESS_REQUIRE_DB", false),

		RedisAddr:    EnvString("BWAVE_REDIS_ADDR", ""),
		RedisChannel: EnvString("BWAVE_REDIS_CHANNEL", "bwave:events"),

		JWTSecret:     EnvString("BWAVE_JWT_SECRET", ""),
		JWTIssuer:     EnvString("BWAVE_JWT_ISSUER", ""),
		AuthDevHeader: EnvBool("BWAVE_AUTH_DEV_HEADER", false),

		EngineHandlerTimeout: EnvDuration("BWAVE_ENGINE_HANDLER_TIMEOUT", 10*time.Second),
		WSWriteTimeout:       EnvDuration("BWAVE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSRateLimitEvents:    EnvInt("BWAVE_WS_RATE_LIMIT_EVENTS", 120),
		WSRateLimitWindow:    EnvDuration("BWAVE_WS_RATE_LIMIT_WINDOW", 10*time.Second),

		DevUsers: EnvString("BWAVE_DEV_USERS", ""),
	}
}
