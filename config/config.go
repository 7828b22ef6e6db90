package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type Config struct {
	Env         string
	LogLevel    string
	Release     string
	Port        string
	BindAddress string
	FrontendURL []string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisChannel  string

	JWTSecret string
	JWTTTL    time.Duration

	SentryDSN string

	GCSBucket        string
	GCSPublicBaseURL string
	GCSCredentials   string
	UploadDir        string
	PublicBaseURL    string

	AdminEmail    string
	AdminPassword string
	AdminName     string
}

// Load reads the environment, after applying a .env file when one exists.
func Load() *Config {
	_ = godotenv.Load()

	port := getEnv("PORT", "8080")
	return &Config{
		Env:         getEnv("ENV", "dev"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Release:     getEnv("RELEASE", ""),
		Port:        port,
		BindAddress: getEnv("BIND_ADDRESS", ""),
		FrontendURL: splitList(getEnv("FRONTEND_URL", "http://localhost:3000,http://localhost:5173")),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "questionpool"),
		DBPassword: getEnv("DB_PASSWORD", "questionpool"),
		DBName:     getEnv("DB_NAME", "questionpool"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", ""),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisChannel:  getEnv("REDIS_CHANNEL", "questionpool:notifications"),

		JWTSecret: getEnv("JWT_SECRET", "change-me-in-production"),
		JWTTTL:    getDuration("JWT_TTL", 24*time.Hour),

		SentryDSN: getEnv("SENTRY_DSN", ""),

		GCSBucket:        getEnv("GCS_BUCKET", ""),
		GCSPublicBaseURL: getEnv("GCS_PUBLIC_BASE_URL", ""),
		GCSCredentials:   getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),
		UploadDir:        getEnv("UPLOAD_DIR", "uploads"),
		PublicBaseURL:    getEnv("PUBLIC_BASE_URL", "http://localhost:"+port),

		AdminEmail:    getEnv("ADMIN_EMAIL", ""),
		AdminPassword: getEnv("ADMIN_PASSWORD", ""),
		AdminName:     getEnv("ADMIN_NAME", "Administrator"),
	}
}

func (c *Config) IsProd() bool { return strings.EqualFold(c.Env, "prod") }

func (c *Config) Addr() string { return c.BindAddress + ":" + c.Port }

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if hours, err := strconv.Atoi(raw); err == nil {
		return time.Duration(hours) * time.Hour
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func InitDB(cfg *Config, log *zap.Logger) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort, cfg.DBSSLMode)

	level := gormlogger.Warn
	if !cfg.IsProd() {
		level = gormlogger.Info
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger: gormlogger.New(zap.NewStdLog(log.Named("gorm")), gormlogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return db, nil
}

// InitRedis returns nil when no Redis host is configured; notifications are
// then pushed only to clients of this instance.
func InitRedis(cfg *Config) *redis.Client {
	if cfg.RedisHost == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password:    cfg.RedisPassword,
		DB:          0,
		DialTimeout: 5 * time.Second,
	})
}
