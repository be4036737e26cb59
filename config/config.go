package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend and source selectors
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	SourceFile      = "file"
	SourcePostgres  = "postgres"
	SinkLog         = "log"
	SinkPostgres    = "postgres"
	minSecretLength = 32
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	AuditDatabase *DatabaseConfig // Optional: separate DB for audit records. When nil, audit uses main DB.
	Token         TokenConfig
	RateLimit     RateLimitConfig
	Redis         RedisConfig
	Permissions   PermissionsConfig
	Users         UsersConfig
	Routes        RoutesConfig
	Upstream      UpstreamConfig
	Audit         AuditConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// RetiredSecret is a verification-only signing secret
type RetiredSecret struct {
	KeyID  string
	Secret string
}

// TokenConfig holds token signing configuration
type TokenConfig struct {
	Secret         string
	KeyID          string
	RetiredSecrets []RetiredSecret // From TOKEN_RETIRED_SECRETS as kid:secret,...
	TTL            time.Duration
	Issuer         string
}

// RateLimitConfig holds the default bucket and limiter backend settings
type RateLimitConfig struct {
	DefaultCapacity    float64
	DefaultRefillRate  float64
	BucketIdleTTL      time.Duration
	SweepInterval      time.Duration
	Backend            string // memory or redis
	LoginRequestsPerIP int    // per minute, on the login endpoint
}

// RedisConfig holds the Redis connection used by the redis limiter backend
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// PermissionsConfig holds where the role to permission mapping comes from
type PermissionsConfig struct {
	Source          string // file or postgres
	File            string
	RefreshInterval time.Duration
}

// UsersConfig holds where the login directory comes from
type UsersConfig struct {
	Source string // file or postgres
	File   string
}

// RoutesConfig points to the gated route table
type RoutesConfig struct {
	File string
}

// UpstreamConfig holds the service allowed requests are forwarded to.
// An empty URL serves the built-in echo handler.
type UpstreamConfig struct {
	URL     string
	Timeout time.Duration
}

// AuditConfig holds audit logger configuration
type AuditConfig struct {
	Sink          string // log or postgres
	BufferSize    int
	WorkerCount   int
	InsertTimeout time.Duration
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or console
	MetricsEnabled bool
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	retired, err := parseRetiredSecrets(getEnv("TOKEN_RETIRED_SECRETS", ""))
	if err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Database:      loadDatabaseConfig(),
		AuditDatabase: loadAuditDatabaseConfig(),
		Token: TokenConfig{
			Secret:         getEnv("TOKEN_SECRET", ""),
			KeyID:          getEnv("TOKEN_KEY_ID", "primary"),
			RetiredSecrets: retired,
			TTL:            getEnvAsDuration("TOKEN_TTL", 15*time.Minute),
			Issuer:         getEnv("TOKEN_ISSUER", "api-gatekeeper"),
		},
		RateLimit: RateLimitConfig{
			DefaultCapacity:    getEnvAsFloat("RATE_LIMIT_DEFAULT_CAPACITY", 60),
			DefaultRefillRate:  getEnvAsFloat("RATE_LIMIT_DEFAULT_REFILL_RATE", 1),
			BucketIdleTTL:      getEnvAsDuration("RATE_LIMIT_BUCKET_IDLE_TTL", 10*time.Minute),
			SweepInterval:      getEnvAsDuration("RATE_LIMIT_SWEEP_INTERVAL", time.Minute),
			Backend:            strings.ToLower(getEnv("RATE_LIMIT_BACKEND", BackendMemory)),
			LoginRequestsPerIP: getEnvAsInt("RATE_LIMIT_LOGIN_PER_MINUTE", 10),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "gatekeeper:ratelimit:"),
		},
		Permissions: PermissionsConfig{
			Source:          strings.ToLower(getEnv("ROLE_MAPPING_SOURCE", SourceFile)),
			File:            getEnv("ROLE_MAPPING_FILE", "config/roles.yaml"),
			RefreshInterval: getEnvAsDuration("ROLE_MAPPING_REFRESH_INTERVAL", time.Minute),
		},
		Users: UsersConfig{
			Source: strings.ToLower(getEnv("USERS_SOURCE", SourceFile)),
			File:   getEnv("USERS_FILE", "config/users.yaml"),
		},
		Routes: RoutesConfig{
			File: getEnv("ROUTES_FILE", ""),
		},
		Upstream: UpstreamConfig{
			URL:     getEnv("UPSTREAM_URL", ""),
			Timeout: getEnvAsDuration("UPSTREAM_TIMEOUT", 30*time.Second),
		},
		Audit: AuditConfig{
			Sink:          strings.ToLower(getEnv("AUDIT_SINK", SinkLog)),
			BufferSize:    getEnvAsInt("AUDIT_BUFFER_SIZE", 10000),
			WorkerCount:   getEnvAsInt("AUDIT_WORKER_COUNT", 5),
			InsertTimeout: getEnvAsDuration("AUDIT_INSERT_TIMEOUT", 5*time.Second),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	// Token validation
	if c.Token.Secret == "" {
		return fmt.Errorf("token secret is required: set TOKEN_SECRET")
	}
	if c.IsProduction() && len(c.Token.Secret) < minSecretLength {
		return fmt.Errorf("token secret must be at least %d bytes in production", minSecretLength)
	}
	if c.Token.KeyID == "" {
		return fmt.Errorf("token key id is required")
	}
	if c.Token.TTL <= 0 {
		return fmt.Errorf("token TTL must be positive")
	}
	for _, r := range c.Token.RetiredSecrets {
		if r.KeyID == c.Token.KeyID {
			return fmt.Errorf("retired key id %q collides with the active key id", r.KeyID)
		}
	}

	// Rate limit validation
	if c.RateLimit.DefaultCapacity < 1 {
		return fmt.Errorf("rate limit default capacity must be >= 1")
	}
	if c.RateLimit.DefaultRefillRate <= 0 {
		return fmt.Errorf("rate limit default refill rate must be > 0")
	}
	if c.RateLimit.BucketIdleTTL <= 0 || c.RateLimit.SweepInterval <= 0 {
		return fmt.Errorf("rate limit idle TTL and sweep interval must be positive")
	}
	switch c.RateLimit.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for the redis rate limit backend")
		}
	default:
		return fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend)
	}

	// Source validation
	if err := checkSource("role mapping", c.Permissions.Source, c.Permissions.File); err != nil {
		return err
	}
	if err := checkSource("users", c.Users.Source, c.Users.File); err != nil {
		return err
	}
	if c.Permissions.RefreshInterval <= 0 {
		return fmt.Errorf("role mapping refresh interval must be positive")
	}

	// Audit validation
	if c.Audit.Sink != SinkLog && c.Audit.Sink != SinkPostgres {
		return fmt.Errorf("unknown audit sink %q", c.Audit.Sink)
	}
	if c.Audit.BufferSize <= 0 || c.Audit.WorkerCount <= 0 {
		return fmt.Errorf("audit buffer size and worker count must be positive")
	}

	// Upstream validation
	if c.Upstream.URL != "" {
		u, err := url.Parse(c.Upstream.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid upstream URL %q", c.Upstream.URL)
		}
	}

	// Database validation (DATABASE_URL or DB_* vars), only when something uses it
	if c.UsesDatabase() {
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

func checkSource(name, source, file string) error {
	switch source {
	case SourceFile:
		if file == "" {
			return fmt.Errorf("%s file is required for the file source", name)
		}
	case SourcePostgres:
	default:
		return fmt.Errorf("unknown %s source %q", name, source)
	}
	return nil
}

// UsesDatabase reports whether any component is backed by PostgreSQL
func (c *Config) UsesDatabase() bool {
	return c.Permissions.Source == SourcePostgres ||
		c.Users.Source == SourcePostgres ||
		c.Audit.Sink == SinkPostgres
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "gatekeeper"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "gatekeeper"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// loadAuditDatabaseConfig loads audit DB config from DATABASE_URL_AUDIT.
// Returns nil when not set (audit uses main DB).
func loadAuditDatabaseConfig() *DatabaseConfig {
	dbURL := getEnv("DATABASE_URL_AUDIT", "")
	if dbURL == "" {
		return nil
	}
	return &DatabaseConfig{
		ConnectionString: dbURL,
		MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// parseRetiredSecrets parses kid:secret pairs separated by commas
func parseRetiredSecrets(raw string) ([]RetiredSecret, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []RetiredSecret
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kid, secret, ok := strings.Cut(pair, ":")
		if !ok || kid == "" || secret == "" {
			return nil, fmt.Errorf("invalid retired secret entry %q: want kid:secret", pair)
		}
		out = append(out, RetiredSecret{KeyID: kid, Secret: secret})
	}
	return out, nil
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
