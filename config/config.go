package config

import (
	"errors"
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
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	WebRTC   WebRTCConfig
	AWS      AWSConfig
	Live     LiveConfig
}

// WebRTCConfig holds STUN/TURN ICE server URLs handed to clients in the welcome frame.
type WebRTCConfig struct {
	ICEUrls        []string // e.g. stun:stun.l.google.com:19302 (comma-separated in env)
	TURNUsername   string
	TURNCredential string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and the bucket receiving session archives.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ArchiveBucket   string
}

// LiveConfig tunes the real-time layer: presence, heartbeats, fan-out and sweeps.
type LiveConfig struct {
	NodeID string

	PresenceTTL      time.Duration // room-level key TTL in the presence cache
	HeartbeatTimeout time.Duration // inactivity window before a connection is dropped
	PingInterval     time.Duration
	WriteWait        time.Duration
	ReadLimit        int64
	SendBuffer       int
	MaxRoomSize      int

	SignalRatePerSecond float64
	SignalBurst         int

	SweepInterval time.Duration
	SessionExpiry time.Duration

	StreamURLBase string
	PlayURLBase   string
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
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
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "live"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		WebRTC: WebRTCConfig{
			ICEUrls:        splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
			TURNUsername:   getEnv("WEBRTC_TURN_USERNAME", ""),
			TURNCredential: getEnv("WEBRTC_TURN_CREDENTIAL", ""),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", ""),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ArchiveBucket:   getEnv("AWS_S3_ARCHIVE_BUCKET", "live-session-archive"),
		},
		Live: LiveConfig{
			NodeID:              getEnv("LIVE_NODE_ID", defaultNodeID()),
			PresenceTTL:         getEnvDuration("LIVE_PRESENCE_TTL", 24*time.Hour),
			HeartbeatTimeout:    getEnvDuration("LIVE_HEARTBEAT_TIMEOUT", 60*time.Second),
			PingInterval:        getEnvDuration("LIVE_PING_INTERVAL", 25*time.Second),
			WriteWait:           getEnvDuration("LIVE_WRITE_WAIT", 10*time.Second),
			ReadLimit:           int64(getEnvInt("LIVE_READ_LIMIT", 65536)),
			SendBuffer:          getEnvInt("LIVE_SEND_BUFFER", 256),
			MaxRoomSize:         getEnvInt("LIVE_MAX_ROOM_SIZE", 500),
			SignalRatePerSecond: getEnvFloat("LIVE_SIGNAL_RATE", 50),
			SignalBurst:         getEnvInt("LIVE_SIGNAL_BURST", 100),
			SweepInterval:       getEnvDuration("LIVE_SWEEP_INTERVAL", time.Minute),
			SessionExpiry:       getEnvDuration("LIVE_SESSION_EXPIRY", 3*time.Minute),
			StreamURLBase:       getEnv("LIVE_STREAM_URL_BASE", "rtmp://localhost:1935/live/"),
			PlayURLBase:         getEnv("LIVE_PLAY_URL_BASE", "http://localhost:8080/hls/"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the real-time layer cannot run with.
func (c *Config) Validate() error {
	l := c.Live
	switch {
	case l.HeartbeatTimeout <= 0:
		return errors.New("config: LIVE_HEARTBEAT_TIMEOUT must be positive")
	case l.PingInterval <= 0 || l.PingInterval >= l.HeartbeatTimeout:
		return errors.New("config: LIVE_PING_INTERVAL must be positive and shorter than LIVE_HEARTBEAT_TIMEOUT")
	case l.SendBuffer <= 0:
		return errors.New("config: LIVE_SEND_BUFFER must be positive")
	case l.MaxRoomSize < 0:
		return errors.New("config: LIVE_MAX_ROOM_SIZE must not be negative")
	case l.SessionExpiry < l.HeartbeatTimeout:
		return errors.New("config: LIVE_SESSION_EXPIRY must be at least LIVE_HEARTBEAT_TIMEOUT")
	case l.PresenceTTL <= 0:
		return errors.New("config: LIVE_PRESENCE_TTL must be positive")
	}
	return nil
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return host + "-" + uuid.NewString()[:8]
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("90s", "2m") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
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
