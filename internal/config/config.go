package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL             string
	DatabaseMaxOpenConns    int
	DatabaseMaxIdleConns    int
	DatabaseConnMaxLifetime time.Duration

	// OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Session
	SessionSecret          string
	SessionMaxAge          int
	SessionCleanupInterval time.Duration

	// Lark
	LarkAPIKey  string
	LarkBaseURL string
	LarkTimeout time.Duration

	// Provisioning
	CreateCustomerOnSignUp      bool
	FreePlanRateCardID          string
	FreePlanFixedRateQuantities map[string]float64

	// Reconcile
	ReconcileInterval         time.Duration
	ReconcileWindow           time.Duration
	ReconcileAPIInterval      time.Duration
	ReconcileMaxUsersPerCycle int

	// Rate Limit（req/min）
	RateLimitGeneral  int
	RateLimitCheckout int

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS（カンマ区切りで複数可）
	CORSAllowedOrigin string

	// Log
	LogLevel slog.Level
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、または値の形式が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	required := []struct {
		key string
		dst *string
	}{
		{"DATABASE_URL", &cfg.DatabaseURL},
		{"GOOGLE_CLIENT_ID", &cfg.GoogleClientID},
		{"GOOGLE_CLIENT_SECRET", &cfg.GoogleClientSecret},
		{"GOOGLE_REDIRECT_URL", &cfg.GoogleRedirectURL},
		{"SESSION_SECRET", &cfg.SessionSecret},
		{"BASE_URL", &cfg.BaseURL},
		{"LARK_API_KEY", &cfg.LarkAPIKey},
	}
	for _, r := range required {
		*r.dst = os.Getenv(r.key)
		if *r.dst == "" {
			missing = append(missing, r.key)
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DatabaseMaxOpenConns = getEnvInt("DATABASE_MAX_OPEN_CONNS", 10)
	cfg.DatabaseMaxIdleConns = getEnvInt("DATABASE_MAX_IDLE_CONNS", 5)
	cfg.DatabaseConnMaxLifetime = getEnvDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.SessionCleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", 24*time.Hour)
	cfg.LarkBaseURL = getEnvString("LARK_BASE_URL", "https://api.uselark.ai")
	cfg.LarkTimeout = getEnvDuration("LARK_TIMEOUT", 10*time.Second)
	cfg.CreateCustomerOnSignUp = getEnvBool("CREATE_CUSTOMER_ON_SIGN_UP", false)
	cfg.FreePlanRateCardID = getEnvString("FREE_PLAN_RATE_CARD_ID", "")
	cfg.ReconcileInterval = getEnvDuration("RECONCILE_INTERVAL", 15*time.Minute)
	cfg.ReconcileWindow = getEnvDuration("RECONCILE_WINDOW", 24*time.Hour)
	cfg.ReconcileAPIInterval = getEnvDuration("RECONCILE_API_INTERVAL", 1*time.Second)
	cfg.ReconcileMaxUsersPerCycle = getEnvInt("RECONCILE_MAX_USERS_PER_CYCLE", 200)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitCheckout = getEnvInt("RATE_LIMIT_CHECKOUT", 10)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnvString("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	quantities, err := ParseQuantities(os.Getenv("FREE_PLAN_FIXED_RATE_QUANTITIES"))
	if err != nil {
		return nil, fmt.Errorf("invalid FREE_PLAN_FIXED_RATE_QUANTITIES: %w", err)
	}
	if quantities != nil && cfg.FreePlanRateCardID == "" {
		return nil, fmt.Errorf("FREE_PLAN_FIXED_RATE_QUANTITIES requires FREE_PLAN_RATE_CARD_ID")
	}
	cfg.FreePlanFixedRateQuantities = quantities

	return cfg, nil
}

// ParseQuantities は "seats=5,storage=10" 形式の文字列をレートコンポーネント名→数量のマップに変換する。
// 空文字列の場合はnilを返す。
func ParseQuantities(s string) (map[string]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	result := make(map[string]float64)
	for _, pair := range strings.Split(s, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("expected name=quantity, got %q", pair)
		}
		q, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("quantity for %q is not a number: %w", name, err)
		}
		if q < 0 {
			return nil, fmt.Errorf("quantity for %q must not be negative", name)
		}
		result[name] = q
	}
	return result, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvInt は正の整数を読む。解釈できない値と0以下はデフォルト値になる。
func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// getEnvDuration は正の期間を読む。ティッカーやタイムアウトに使うため0以下は許さない。
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
