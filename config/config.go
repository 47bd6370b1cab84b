package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server     ServerConfig
	Session    SessionConfig
	Realtime   RealtimeConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	AWS        AWSConfig
	Auth       AuthConfig
	Metrics    MetricsConfig
	Archive    ArchiveConfig
	InstanceID string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	SweepInterval time.Duration
	IdleTimeout   time.Duration
}

// RealtimeConfig holds websocket connection settings.
type RealtimeConfig struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	MaxMessageSize int64
	AllowedOrigins []string
}

// DatabaseConfig holds PostgreSQL connection settings. An empty URL disables archiving.
type DatabaseConfig struct {
	URL string
}

// Enabled reports whether a database is configured.
func (c DatabaseConfig) Enabled() bool { return c.URL != "" }

// RedisConfig holds Redis connection settings. An empty Addr disables fan-out and the archive queue.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether Redis is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// AWSConfig holds AWS credentials and the archive bucket. An empty bucket disables content upload.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	Endpoint             string // optional, e.g. MinIO
	ArchiveBucket        string
	PresignExpireMinutes int
}

// AuthConfig holds the presenter token settings. An empty secret disables the gate.
type AuthConfig struct {
	PresenterSecret   string
	PresenterTokenTTL time.Duration
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// ArchiveConfig controls the archive worker.
type ArchiveConfig struct {
	// InProcess runs the archive worker inside the server instead of cmd/worker.
	InProcess  bool
	MaxRetries int
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		},
		Session: SessionConfig{
			SweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
			IdleTimeout:   getEnvDuration("SESSION_IDLE_TIMEOUT", 2*time.Hour),
		},
		Realtime: RealtimeConfig{
			PingInterval:   getEnvDuration("WS_PING_INTERVAL", 30*time.Second),
			PongWait:       getEnvDuration("WS_PONG_WAIT", 60*time.Second),
			WriteWait:      getEnvDuration("WS_WRITE_WAIT", 10*time.Second),
			SendBuffer:     getEnvInt("WS_SEND_BUFFER", 256),
			MaxMessageSize: int64(getEnvInt("WS_MAX_MESSAGE_BYTES", 1<<20)),
			AllowedOrigins: splitTrim(getEnv("WS_ALLOWED_ORIGINS", "*"), ","),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			Endpoint:             getEnv("AWS_S3_ENDPOINT", ""),
			ArchiveBucket:        getEnv("AWS_S3_ARCHIVE_BUCKET", ""),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Auth: AuthConfig{
			PresenterSecret:   getEnv("PRESENTER_TOKEN_SECRET", ""),
			PresenterTokenTTL: getEnvDuration("PRESENTER_TOKEN_TTL", 12*time.Hour),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
		Archive: ArchiveConfig{
			InProcess:  getEnvBool("ARCHIVE_IN_PROCESS", true),
			MaxRetries: getEnvInt("ARCHIVE_MAX_RETRIES", 3),
		},
		InstanceID: getEnv("INSTANCE_ID", uuid.New().String()),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("PORT must not be empty")
	}
	if c.Session.IdleTimeout <= 0 || c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session sweep interval and idle timeout must be positive")
	}
	if c.Realtime.PongWait <= c.Realtime.PingInterval {
		return fmt.Errorf("WS_PONG_WAIT (%s) must exceed WS_PING_INTERVAL (%s)", c.Realtime.PongWait, c.Realtime.PingInterval)
	}
	return nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
