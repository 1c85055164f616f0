package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	KurrentDB    KurrentDBConfig
	Auth         AuthConfig
	PoseModel    PoseModelConfig
	Reference    ReferenceConfig
	Evaluation   EvaluationConfig
	Notification NotificationConfig
	Session      SessionConfig
}

type ServerConfig struct {
	Port     int
	Env      string
	LogLevel string
}

// DatabaseConfig selects and configures the store. Driver is "postgres" for
// the pgx pool or "sqlite" for the embedded database.
type DatabaseConfig struct {
	Driver     string
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	SQLitePath string
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// KurrentDBConfig holds configuration for KurrentDB (EventStoreDB).
type KurrentDBConfig struct {
	// Enabled selects the KurrentDB bus; otherwise events stay in process
	Enabled bool
	// Host is the KurrentDB server hostname
	Host string
	// Port is the gRPC/HTTP port (default 2113)
	Port int
	// Insecure disables TLS (for development)
	Insecure bool
	// Username for authentication (optional)
	Username string
	// Password for authentication (optional)
	Password string
}

type AuthConfig struct {
	JWTSecret string
	Enabled   bool
}

// PoseModelConfig points at the landmark detection service used for
// reference videos.
type PoseModelConfig struct {
	URL               string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// ReferenceConfig controls offline reference-movement extraction.
type ReferenceConfig struct {
	CaptureFPS               float64
	TargetFPS                float64
	KeyFrameThresholdDegrees float64
	MaxUploadBytes           int64
	AllowedVideoTypes        []string
	Workers                  int
}

type EvaluationConfig struct {
	DefaultToleranceDegrees float64
	// RepSimilarityThreshold is the mean similarity a reference-length
	// window must reach to count as a repetition
	RepSimilarityThreshold  float64
	RecentWindowDays        int
	AlertReminderAfterHours int
	// ReminderSchedule is a cron spec, e.g. "@every 1h"; empty disables
	ReminderSchedule string
}

type NotificationConfig struct {
	Workers       int
	BufferSize    int
	RetryAttempts int
}

type SessionConfig struct {
	IdleTimeoutMinutes   int
	FramesPerSecondLimit int
	PendingFrameLimit    int
}

// IdleTimeout returns the idle teardown interval.
func (s SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMinutes) * time.Minute
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:     getEnvInt("SERVER_PORT", 8080),
			Env:      getEnv("ENV", "development"),
			LogLevel: getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			Driver:     getEnv("DB_DRIVER", "postgres"),
			Host:       getEnv("DB_HOST", "localhost"),
			Port:       getEnvInt("DB_PORT", 5432),
			User:       getEnv("DB_USER", "rehab"),
			Password:   getEnv("DB_PASSWORD", "rehab"),
			Database:   getEnv("DB_NAME", "rehab"),
			SSLMode:    getEnv("DB_SSLMODE", "disable"),
			SQLitePath: getEnv("DB_SQLITE_PATH", "rehab.db"),
		},
		KurrentDB: KurrentDBConfig{
			Enabled:  getEnvBool("KURRENTDB_ENABLED", false),
			Host:     getEnv("KURRENTDB_HOST", "localhost"),
			Port:     getEnvInt("KURRENTDB_PORT", 2113),
			Insecure: getEnvBool("KURRENTDB_INSECURE", true),
			Username: getEnv("KURRENTDB_USERNAME", ""),
			Password: getEnv("KURRENTDB_PASSWORD", ""),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-in-prod"),
			Enabled:   getEnvBool("AUTH_ENABLED", false),
		},
		PoseModel: PoseModelConfig{
			URL:               getEnv("POSE_MODEL_URL", "http://localhost:5000"),
			Timeout:           getEnvDuration("POSE_MODEL_TIMEOUT", 10*time.Second),
			RequestsPerSecond: getEnvFloat("POSE_MODEL_RPS", 120),
			Burst:             getEnvInt("POSE_MODEL_BURST", 30),
		},
		Reference: ReferenceConfig{
			CaptureFPS:               getEnvFloat("REFERENCE_CAPTURE_FPS", 30),
			TargetFPS:                getEnvFloat("REFERENCE_TARGET_FPS", 15),
			KeyFrameThresholdDegrees: getEnvFloat("REFERENCE_KEYFRAME_THRESHOLD", 15),
			MaxUploadBytes:           int64(getEnvInt("REFERENCE_MAX_UPLOAD_BYTES", 200<<20)),
			AllowedVideoTypes:        getEnvSlice("REFERENCE_VIDEO_TYPES", []string{"video/mp4", "video/webm", "video/quicktime"}),
			Workers:                  getEnvInt("REFERENCE_WORKERS", 2),
		},
		Evaluation: EvaluationConfig{
			DefaultToleranceDegrees: getEnvFloat("EVAL_DEFAULT_TOLERANCE", 15),
			RepSimilarityThreshold:  getEnvFloat("EVAL_REP_SIMILARITY_THRESHOLD", 50),
			RecentWindowDays:        getEnvInt("EVAL_RECENT_WINDOW_DAYS", 7),
			AlertReminderAfterHours: getEnvInt("EVAL_ALERT_REMINDER_HOURS", 24),
			ReminderSchedule:        getEnv("EVAL_REMINDER_SCHEDULE", "@every 1h"),
		},
		Notification: NotificationConfig{
			Workers:       getEnvInt("NOTIFY_WORKERS", 2),
			BufferSize:    getEnvInt("NOTIFY_BUFFER_SIZE", 256),
			RetryAttempts: getEnvInt("NOTIFY_RETRY_ATTEMPTS", 3),
		},
		Session: SessionConfig{
			IdleTimeoutMinutes:   getEnvInt("SESSION_IDLE_TIMEOUT_MINUTES", 30),
			FramesPerSecondLimit: getEnvInt("SESSION_FPS_LIMIT", 60),
			PendingFrameLimit:    getEnvInt("SESSION_PENDING_FRAMES", 64),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	if c.Reference.CaptureFPS <= 0 || c.Reference.TargetFPS <= 0 {
		return fmt.Errorf("reference frame rates must be positive")
	}
	if c.Evaluation.DefaultToleranceDegrees <= 0 {
		return fmt.Errorf("EVAL_DEFAULT_TOLERANCE must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var result []string
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				result = append(result, v)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
