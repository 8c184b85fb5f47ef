package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Environment   string
	Server        ServerConfig
	Database      DatabaseConfig
	UsersStore    UsersStoreConfig
	Cache         CacheConfig
	Token         TokenConfig
	Session       SessionConfig
	APIKey        APIKeyConfig
	ProjectScope  ProjectScopeConfig
	Forwarder     ForwarderConfig
	Observability ObservabilityConfig
	RateLimit     RateLimitConfig
	CORS          CORSConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	PublicURL    string
}

// DatabaseConfig holds Gateway store configuration
type DatabaseConfig struct {
	URL             string
	Schema          string
	MaxConns        int
	MinConns        int
	ConnMaxLifetime time.Duration
}

// UsersStoreConfig holds credentials for the external Users store.
// The gateway uses them for delegated authentication; the forwarder
// refuses to start without them.
type UsersStoreConfig struct {
	URL            string
	ServiceRoleKey string
	RequestTimeout time.Duration
}

// CacheConfig holds redis configuration. An empty Addr leaves the cache
// layer in degraded mode: reads miss, writes are dropped.
type CacheConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Enabled reports whether a cache backend is configured.
func (c CacheConfig) Enabled() bool {
	return c.Addr != ""
}

// TokenConfig holds signing and lifetime configuration for issued credentials
type TokenConfig struct {
	Secret          string
	Issuer          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AuthCodeTTL     time.Duration
}

// SessionConfig holds session management configuration
type SessionConfig struct {
	CookieName     string
	CookieDomain   string
	CookiePath     string
	CookieSecure   bool
	CookieHTTPOnly bool
	CookieSameSite string
	Lifetime       time.Duration
	IdleTimeout    time.Duration
}

// APIKeyConfig holds API key issuance configuration
type APIKeyConfig struct {
	PrefixDevelopment string
	PrefixProduction  string
	EncryptionKey     string
	PBKDF2Iterations  int
	PBKDF2SaltLength  int
	PBKDF2KeyLength   int
}

// Prefix returns the key prefix for the given environment.
func (c APIKeyConfig) Prefix(environment string) string {
	if environment == "production" {
		return c.PrefixProduction
	}
	return c.PrefixDevelopment
}

// ProjectScopeConfig controls project scope isolation
type ProjectScopeConfig struct {
	Required bool
	Allowed  []string
}

// ForwarderConfig holds outbox forwarder configuration
type ForwarderConfig struct {
	BatchSize    int
	PollInterval time.Duration
	ClaimLease   time.Duration
	MaxAttempts  int
}

// ObservabilityConfig holds logging and tracing configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	OTELEnabled    bool
	ServiceName    string
	ServiceVersion string
}

// RateLimitConfig holds rate limiting configuration. The per-client bucket
// guards the token and introspection endpoints in-process; the sliding
// window applies per route class through the cache layer.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	WindowLimit       int
	Window            time.Duration
}

// CORSConfig holds the browser origin allow-list
type CORSConfig struct {
	AllowedOrigins []string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  parseDuration("SERVER_READ_TIMEOUT", "15s"),
			WriteTimeout: parseDuration("SERVER_WRITE_TIMEOUT", "15s"),
			IdleTimeout:  parseDuration("SERVER_IDLE_TIMEOUT", "60s"),
			PublicURL:    getEnv("AUTH_GATEWAY_URL", "http://localhost:8080"),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			Schema:          getEnv("DATABASE_SCHEMA", "gateway"),
			MaxConns:        parseInt("DATABASE_MAX_CONNS", 25),
			MinConns:        parseInt("DATABASE_MIN_CONNS", 5),
			ConnMaxLifetime: parseDuration("DATABASE_CONN_MAX_LIFETIME", "5m"),
		},
		UsersStore: UsersStoreConfig{
			URL:            getEnv("MAIN_SUPABASE_URL", ""),
			ServiceRoleKey: getEnv("MAIN_SUPABASE_SERVICE_ROLE_KEY", ""),
			RequestTimeout: parseDuration("MAIN_SUPABASE_TIMEOUT", "10s"),
		},
		Cache: CacheConfig{
			Addr:      getEnv("REDIS_ADDR", ""),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        parseInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "trustgate"),
		},
		Token: TokenConfig{
			Secret:          getEnv("JWT_SECRET", ""),
			Issuer:          getEnv("JWT_ISSUER", "trustgate"),
			AccessTokenTTL:  parseDuration("TOKEN_ACCESS_TTL", "15m"),
			RefreshTokenTTL: parseDuration("TOKEN_REFRESH_TTL", "720h"),
			AuthCodeTTL:     parseDuration("TOKEN_AUTH_CODE_TTL", "5m"),
		},
		Session: SessionConfig{
			CookieName:     getEnv("SESSION_COOKIE_NAME", "session_id"),
			CookieDomain:   getEnv("SESSION_COOKIE_DOMAIN", ""),
			CookiePath:     getEnv("SESSION_COOKIE_PATH", "/"),
			CookieSecure:   parseBool("SESSION_COOKIE_SECURE", true),
			CookieHTTPOnly: parseBool("SESSION_COOKIE_HTTP_ONLY", true),
			CookieSameSite: getEnv("SESSION_COOKIE_SAME_SITE", "Lax"),
			Lifetime:       parseDuration("SESSION_LIFETIME", "24h"),
			IdleTimeout:    parseDuration("SESSION_IDLE_TIMEOUT", "30m"),
		},
		APIKey: APIKeyConfig{
			PrefixDevelopment: getEnv("API_KEY_PREFIX_DEVELOPMENT", "tg_dev_"),
			PrefixProduction:  getEnv("API_KEY_PREFIX_PRODUCTION", "tg_live_"),
			EncryptionKey:     getEnv("API_KEY_ENCRYPTION_KEY", ""),
			PBKDF2Iterations:  parseInt("API_KEY_PBKDF2_ITERATIONS", 120000),
			PBKDF2SaltLength:  parseInt("API_KEY_PBKDF2_SALT_LENGTH", 16),
			PBKDF2KeyLength:   parseInt("API_KEY_PBKDF2_KEY_LENGTH", 32),
		},
		ProjectScope: ProjectScopeConfig{
			Required: parseBool("PROJECT_SCOPE_REQUIRED", false),
			Allowed:  parseList("PROJECT_SCOPE_ALLOWED", nil),
		},
		Forwarder: ForwarderConfig{
			BatchSize:    parseInt("FORWARDER_BATCH_SIZE", 100),
			PollInterval: parseDuration("FORWARDER_POLL_INTERVAL", "2s"),
			ClaimLease:   parseDuration("FORWARDER_CLAIM_LEASE", "60s"),
			MaxAttempts:  parseInt("FORWARDER_MAX_ATTEMPTS", 5),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			OTELEnabled:    parseBool("OTEL_ENABLED", false),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "trustgate"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "0.1.0"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: float64(parseInt("RATELIMIT_RPS", 10)),
			Burst:             parseInt("RATELIMIT_BURST", 20),
			WindowLimit:       parseInt("RATELIMIT_WINDOW_LIMIT", 300),
			Window:            parseDuration("RATELIMIT_WINDOW", "1m"),
		},
		CORS: CORSConfig{
			AllowedOrigins: parseList("CORS_ORIGIN", []string{"http://localhost:3000"}),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Token.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.Token.Secret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes, got %d", len(c.Token.Secret))
	}
	if c.Token.AuthCodeTTL > 10*time.Minute {
		return fmt.Errorf("TOKEN_AUTH_CODE_TTL must not exceed 10m, got %s", c.Token.AuthCodeTTL)
	}
	if c.Environment == "production" && strings.Contains(c.APIKey.Prefix(c.Environment), "test") {
		return fmt.Errorf("API_KEY_PREFIX_PRODUCTION must not contain %q in production", "test")
	}
	if key := c.APIKey.EncryptionKey; key != "" && len(key) != 32 {
		return fmt.Errorf("API_KEY_ENCRYPTION_KEY must be exactly 32 bytes, got %d", len(key))
	}
	if c.Forwarder.BatchSize <= 0 {
		return fmt.Errorf("FORWARDER_BATCH_SIZE must be positive, got %d", c.Forwarder.BatchSize)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseDuration(key string, defaultValue string) time.Duration {
	value := getEnv(key, defaultValue)
	d, err := time.ParseDuration(value)
	if err != nil {
		// Fallback to default
		d, _ = time.ParseDuration(defaultValue)
	}
	return d
}

func parseList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
