package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string
	Timezone  string

	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	CORS        CORSConfig
	Log         LogConfig
	Recognition RecognitionConfig
	Scheduler   SchedulerConfig
	Enrollment  EnrollmentConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// RecognitionConfig tunes the embedding provider and matching defaults.
type RecognitionConfig struct {
	ProviderURL         string
	ProviderTimeout     time.Duration
	RequestDeadline     time.Duration
	EmbeddingDim        int
	ConfidenceThreshold float64
}

// SchedulerConfig drives the session scheduler and finalizer.
type SchedulerConfig struct {
	Enabled              bool
	TickInterval         time.Duration
	ActivationWindow     time.Duration
	FinalizerBuffer      time.Duration
	LateThresholdDefault time.Duration
	FinalizerWorkers     int
}

// EnrollmentConfig bounds the multi-frame enrollment pipeline.
type EnrollmentConfig struct {
	KMin              int
	KMax              int
	MinFaceSize       int
	BlurThreshold     float64
	MaxYawDegrees     float64
	DetectionWeight   float64
	SharpnessWeight   float64
	FrontalityWeight  float64
	DuplicateCosine   float64
	ExternalIDPattern string
	SnapshotDir       string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")
	cfg.Timezone = v.GetString("TIMEZONE")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:     v.GetString("JWT_SECRET"),
		Expiration: parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Recognition = RecognitionConfig{
		ProviderURL:         v.GetString("EMBEDDING_PROVIDER_URL"),
		ProviderTimeout:     parseDuration(v.GetString("EMBEDDING_PROVIDER_TIMEOUT"), 4*time.Second),
		RequestDeadline:     parseDuration(v.GetString("RECOGNIZE_DEADLINE"), 5*time.Second),
		EmbeddingDim:        v.GetInt("EMBEDDING_DIM"),
		ConfidenceThreshold: v.GetFloat64("CONFIDENCE_THRESHOLD"),
	}

	cfg.Scheduler = SchedulerConfig{
		Enabled:              v.GetBool("ENABLE_SCHEDULER"),
		TickInterval:         parseDuration(v.GetString("SCHEDULER_TICK_INTERVAL"), time.Minute),
		ActivationWindow:     parseDuration(v.GetString("SCHEDULER_ACTIVATION_WINDOW"), 5*time.Minute),
		FinalizerBuffer:      parseDuration(v.GetString("FINALIZER_BUFFER"), 5*time.Minute),
		LateThresholdDefault: parseDuration(v.GetString("LATE_THRESHOLD_DEFAULT"), 5*time.Minute),
		FinalizerWorkers:     v.GetInt("FINALIZER_WORKERS"),
	}

	cfg.Enrollment = EnrollmentConfig{
		KMin:              v.GetInt("ENROLLMENT_K_MIN"),
		KMax:              v.GetInt("ENROLLMENT_K_MAX"),
		MinFaceSize:       v.GetInt("ENROLLMENT_MIN_FACE_SIZE"),
		BlurThreshold:     v.GetFloat64("ENROLLMENT_BLUR_THRESHOLD"),
		MaxYawDegrees:     v.GetFloat64("ENROLLMENT_MAX_YAW"),
		DetectionWeight:   v.GetFloat64("ENROLLMENT_DETECTION_WEIGHT"),
		SharpnessWeight:   v.GetFloat64("ENROLLMENT_SHARPNESS_WEIGHT"),
		FrontalityWeight:  v.GetFloat64("ENROLLMENT_FRONTALITY_WEIGHT"),
		DuplicateCosine:   v.GetFloat64("ENROLLMENT_DUPLICATE_COSINE"),
		ExternalIDPattern: v.GetString("STUDENT_ID_PATTERN"),
		SnapshotDir:       v.GetString("ENROLLMENT_SNAPSHOT_DIR"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")
	v.SetDefault("TIMEZONE", "Local")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "faceattend")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 16)
	v.SetDefault("DB_MAX_IDLE_CONNS", 8)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "24h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("EMBEDDING_PROVIDER_URL", "http://localhost:9100")
	v.SetDefault("EMBEDDING_PROVIDER_TIMEOUT", "4s")
	v.SetDefault("RECOGNIZE_DEADLINE", "5s")
	v.SetDefault("EMBEDDING_DIM", 512)
	v.SetDefault("CONFIDENCE_THRESHOLD", 0.60)

	v.SetDefault("ENABLE_SCHEDULER", true)
	v.SetDefault("SCHEDULER_TICK_INTERVAL", "60s")
	v.SetDefault("SCHEDULER_ACTIVATION_WINDOW", "5m")
	v.SetDefault("FINALIZER_BUFFER", "5m")
	v.SetDefault("LATE_THRESHOLD_DEFAULT", "5m")
	v.SetDefault("FINALIZER_WORKERS", 2)

	v.SetDefault("ENROLLMENT_K_MIN", 5)
	v.SetDefault("ENROLLMENT_K_MAX", 15)
	v.SetDefault("ENROLLMENT_MIN_FACE_SIZE", 80)
	v.SetDefault("ENROLLMENT_BLUR_THRESHOLD", 100.0)
	v.SetDefault("ENROLLMENT_MAX_YAW", 25.0)
	v.SetDefault("ENROLLMENT_DETECTION_WEIGHT", 0.5)
	v.SetDefault("ENROLLMENT_SHARPNESS_WEIGHT", 0.3)
	v.SetDefault("ENROLLMENT_FRONTALITY_WEIGHT", 0.2)
	v.SetDefault("ENROLLMENT_DUPLICATE_COSINE", 0.995)
	v.SetDefault("STUDENT_ID_PATTERN", `^[A-Z0-9]{4,16}$`)
	v.SetDefault("ENROLLMENT_SNAPSHOT_DIR", "")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
