package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DotEnvFiles は起動時に読み込む.envファイル。先に読み込んだ値が優先される。
var DotEnvFiles = []string{".env.local", ".env"}

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Auth provider admin API
	AuthAdminURL   string
	AuthServiceKey string
	AuthRateLimit  float64
	AuthRateBurst  int
	AuthPageSize   int

	// Reconcile
	ReconcileTimeout time.Duration

	// Logging
	LogLevel string

	// Server
	ServerPort string

	// Metrics
	MetricsPushURL string
	MetricsJob     string
}

// LoadDotEnv は.envファイルを環境変数に読み込む。既に設定済みの環境変数は上書きしない。
// 存在しないファイルは無視する。
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.AuthAdminURL = os.Getenv("AUTH_ADMIN_URL")
	if cfg.AuthAdminURL == "" {
		missing = append(missing, "AUTH_ADMIN_URL")
	}

	cfg.AuthServiceKey = os.Getenv("AUTH_SERVICE_KEY")
	if cfg.AuthServiceKey == "" {
		missing = append(missing, "AUTH_SERVICE_KEY")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if !strings.HasPrefix(cfg.AuthAdminURL, "http://") && !strings.HasPrefix(cfg.AuthAdminURL, "https://") {
		return nil, fmt.Errorf("AUTH_ADMIN_URL must be an http(s) URL: %q", cfg.AuthAdminURL)
	}

	// Optional fields with defaults
	cfg.AuthRateLimit = getEnvFloat("AUTH_RATE_LIMIT", 5)
	cfg.AuthRateBurst = getEnvInt("AUTH_RATE_BURST", 5)
	cfg.AuthPageSize = getEnvInt("AUTH_PAGE_SIZE", 200)
	cfg.ReconcileTimeout = getEnvDuration("RECONCILE_TIMEOUT", 15*time.Second)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MetricsPushURL = getEnvString("METRICS_PUSH_URL", "")
	cfg.MetricsJob = getEnvString("METRICS_JOB", "idreconcile")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
