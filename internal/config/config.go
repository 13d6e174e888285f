package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Config is the server configuration read from the environment.
type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Store: "postgres" or "memory"
	StoreDriver string

	// Database
	DatabaseURL string
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string
	DBMaxConns  int

	// Redis config. Empty RedisURL and RedisHost disable fan-out, idempotency and rate limiting.
	RedisURL      string
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int
	FanoutChannel string

	// Session proofs
	JWTSecret     string
	TokenTTL      time.Duration
	InternalToken string

	// Realtime channel
	AllowedOrigins []string
	PingPeriod     time.Duration
	PongWait       time.Duration
	SendBuffer     int
	MaxMessageSize int64

	// REST rate limit per user
	RateLimit       int
	RateLimitWindow time.Duration

	// SQS ingest. Empty queue URL disables the worker.
	AWSRegion      string
	SQSRegion      string
	SQSQueueURL    string
	SQSEndpoint    string
	SQSMaxReceives int

	ShutdownTimeout time.Duration
}

// RedisEnabled reports whether a Redis server was configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisURL != "" || c.RedisHost != ""
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:        8080,
		LogLevel:    "info",
		Env:         "development",
		StoreDriver: "postgres",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "beacon",
		DBPassword: "",
		DBName:     "beacon",
		DBSSLMode:  "disable",
		DBMaxConns: 20,

		RedisPort:     6379,
		FanoutChannel: "beacon:events",

		TokenTTL: 24 * time.Hour,

		PingPeriod:     25 * time.Second,
		PongWait:       60 * time.Second,
		SendBuffer:     64,
		MaxMessageSize: 4096,

		RateLimit:       120,
		RateLimitWindow: time.Minute,

		AWSRegion:      "us-east-1",
		SQSMaxReceives: 5,

		ShutdownTimeout: 30 * time.Second,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if driver := os.Getenv("STORE_DRIVER"); driver != "" {
		cfg.StoreDriver = strings.ToLower(driver)
	}
	if cfg.StoreDriver != "postgres" && cfg.StoreDriver != "memory" {
		return nil, fmt.Errorf("invalid STORE_DRIVER: %q", cfg.StoreDriver)
	}

	// Database config
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	var err error
	if cfg.DBMaxConns, err = envInt("DB_MAX_CONNS", cfg.DBMaxConns); err != nil {
		return nil, err
	}

	// Redis config
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.RedisHost = os.Getenv("REDIS_HOST")

	if cfg.RedisPort, err = envInt("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if cfg.RedisDB, err = envInt("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	if channel := os.Getenv("FANOUT_CHANNEL"); channel != "" {
		cfg.FanoutChannel = channel
	}

	// Session proofs
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		if cfg.Env == "production" {
			return nil, fmt.Errorf("JWT_SECRET is required in production")
		}
		cfg.JWTSecret = "dev-secret"
	}

	if cfg.TokenTTL, err = envDuration("TOKEN_TTL", cfg.TokenTTL); err != nil {
		return nil, err
	}

	cfg.InternalToken = os.Getenv("INTERNAL_TOKEN")

	// Realtime channel
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	if cfg.PingPeriod, err = envDuration("WS_PING_PERIOD", cfg.PingPeriod); err != nil {
		return nil, err
	}
	if cfg.PongWait, err = envDuration("WS_PONG_WAIT", cfg.PongWait); err != nil {
		return nil, err
	}
	if cfg.PingPeriod >= cfg.PongWait {
		return nil, fmt.Errorf("invalid WS_PING_PERIOD: must be shorter than WS_PONG_WAIT (%s)", cfg.PongWait)
	}
	if cfg.SendBuffer, err = envInt("WS_SEND_BUFFER", cfg.SendBuffer); err != nil {
		return nil, err
	}
	if size := os.Getenv("WS_MAX_MESSAGE_SIZE"); size != "" {
		s, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid WS_MAX_MESSAGE_SIZE: %w", err)
		}
		cfg.MaxMessageSize = s
	}

	if cfg.RateLimit, err = envInt("RATE_LIMIT", cfg.RateLimit); err != nil {
		return nil, err
	}
	if cfg.RateLimitWindow, err = envDuration("RATE_LIMIT_WINDOW", cfg.RateLimitWindow); err != nil {
		return nil, err
	}

	// SQS config
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	cfg.SQSQueueURL = os.Getenv("SQS_QUEUE_URL")
	cfg.SQSEndpoint = os.Getenv("SQS_ENDPOINT")

	if cfg.SQSMaxReceives, err = envInt("SQS_MAX_RECEIVES", cfg.SQSMaxReceives); err != nil {
		return nil, err
	}

	if cfg.ShutdownTimeout, err = envDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ClientConfig drives cmd/listen.
type ClientConfig struct {
	LogLevel string
	Env      string

	ServerURL string
	UserID    string
	Role      string
	Token     string

	HeartbeatInterval time.Duration
	MaxReconnects     int
	SnapshotLimit     int
}

// LoadClient reads the listener configuration. BEACON_USER_ID, BEACON_ROLE and
// BEACON_TOKEN are required.
func LoadClient() (*ClientConfig, error) {
	cfg := &ClientConfig{
		LogLevel:          "info",
		Env:               "development",
		ServerURL:         "http://localhost:8080",
		HeartbeatInterval: 25 * time.Second,
		MaxReconnects:     10,
		SnapshotLimit:     20,
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}
	if url := os.Getenv("BEACON_URL"); url != "" {
		cfg.ServerURL = url
	}

	cfg.UserID = os.Getenv("BEACON_USER_ID")
	cfg.Role = os.Getenv("BEACON_ROLE")
	cfg.Token = os.Getenv("BEACON_TOKEN")

	var missing []string
	for name, v := range map[string]string{
		"BEACON_USER_ID": cfg.UserID,
		"BEACON_ROLE":    cfg.Role,
		"BEACON_TOKEN":   cfg.Token,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("missing required env: %s", strings.Join(missing, ", "))
	}

	var err error
	if cfg.HeartbeatInterval, err = envDuration("BEACON_HEARTBEAT", cfg.HeartbeatInterval); err != nil {
		return nil, err
	}
	if cfg.MaxReconnects, err = envInt("BEACON_MAX_RECONNECTS", cfg.MaxReconnects); err != nil {
		return nil, err
	}
	if cfg.SnapshotLimit, err = envInt("BEACON_SNAPSHOT_LIMIT", cfg.SnapshotLimit); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envInt(name string, def int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

// envDuration accepts Go durations ("30s") or bare seconds.
func envDuration(name string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}
