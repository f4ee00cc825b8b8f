package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

type Config struct {
	Server     ServerConfig
	Classifier ClassifierConfig
	Lockout    LockoutConfig
	Audit      AuditConfig
	Auth       AuthConfig
	Log        LogConfig
}

type ServerConfig struct {
	Addr               string        `validate:"required"`
	UploadDir          string        `validate:"required"`
	MaxUploadBytes     int64         `validate:"gt=0"`
	RateLimitPerMinute int           `validate:"gte=0"`
	ShutdownTimeout    time.Duration `validate:"gt=0"`
}

type ClassifierConfig struct {
	ModelServerAddr string        `validate:"required,hostname_port"`
	Timeout         time.Duration `validate:"gt=0"`
	ImageSize       int           `validate:"gte=8,lte=1024"`
	MaxDimension    int           `validate:"gte=8,lte=16384"`
}

type LockoutConfig struct {
	Threshold int           `validate:"gte=1"`
	Window    time.Duration `validate:"gt=0"`
	RedisAddr string        `validate:"omitempty,hostname_port"`
}

type AuditConfig struct {
	LogPath      string `validate:"required"`
	DatabaseDSN  string
	KafkaBrokers []string `validate:"dive,hostname_port"`
	KafkaTopic   string   `validate:"required"`
}

type AuthConfig struct {
	JWTSecret   string `validate:"omitempty,min=16"`
	JWTAudience string
}

type LogConfig struct {
	Level string `validate:"oneof=debug info warn error"`
	File  string
}

var validate = validator.New()

// Load reads configuration from the environment, after loading a .env file
// when one exists, and validates it. A variable that is set but cannot be
// parsed is an error, not a fallback to the default.
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := &envReader{}

	cfg := &Config{
		Server: ServerConfig{
			Addr:               getEnv("HTTP_ADDR", ":8080"),
			UploadDir:          getEnv("UPLOAD_DIR", "uploads"),
			MaxUploadBytes:     int64(env.getEnvAsInt("MAX_UPLOAD_BYTES", 10<<20)),
			RateLimitPerMinute: env.getEnvAsInt("RATE_LIMIT_PER_MINUTE", 60),
			ShutdownTimeout:    env.getEnvAsDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		Classifier: ClassifierConfig{
			ModelServerAddr: getEnv("MODEL_SERVER_ADDR", "model-server:50051"),
			Timeout:         env.getEnvAsDuration("CLASSIFIER_TIMEOUT", 10*time.Second),
			ImageSize:       env.getEnvAsInt("IMAGE_SIZE", 128),
			MaxDimension:    env.getEnvAsInt("MAX_IMAGE_DIMENSION", 4096),
		},
		Lockout: LockoutConfig{
			Threshold: env.getEnvAsInt("LOCKOUT_THRESHOLD", 5),
			Window:    env.getEnvAsDuration("LOCKOUT_WINDOW", 60*time.Second),
			RedisAddr: getEnv("REDIS_ADDR", ""),
		},
		Audit: AuditConfig{
			LogPath:      getEnv("AUDIT_LOG_PATH", "authentication_log.txt"),
			DatabaseDSN:  getEnv("DATABASE_DSN", ""),
			KafkaBrokers: getEnvAsList("KAFKA_BROKERS"),
			KafkaTopic:   getEnv("KAFKA_TOPIC", "palmvein.auth-attempts"),
		},
		Auth: AuthConfig{
			JWTSecret:   getEnv("JWT_SECRET", ""),
			JWTAudience: getEnv("JWT_AUDIENCE", ""),
		},
		Log: LogConfig{
			Level: strings.ToLower(getEnv("LOG_LEVEL", "info")),
			File:  getEnv("LOG_FILE", ""),
		},
	}

	if env.err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", env.err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// AdminEnabled reports whether the operator routes can be served.
func (c *Config) AdminEnabled() bool {
	return c.Auth.JWTSecret != ""
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

// envReader collects parse failures across every variable so Load reports
// them together.
type envReader struct {
	err error
}

func (r *envReader) getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		intVal, err := strconv.Atoi(value)
		if err != nil {
			r.err = multierr.Append(r.err, fmt.Errorf("%s: %q is not an integer", key, value))
			return defaultVal
		}
		return intVal
	}
	return defaultVal
}

func (r *envReader) getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			r.err = multierr.Append(r.err, fmt.Errorf("%s: %q is not a duration", key, value))
			return defaultVal
		}
		return duration
	}
	return defaultVal
}

func getEnvAsList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
