package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// SubscriptionBackend は購読ソースの保存先を表す。
type SubscriptionBackend string

const (
	// BackendPostgres はPostgreSQLのテーブルを購読ソースとして使用する。
	BackendPostgres SubscriptionBackend = "postgres"
	// BackendSheets はGoogleスプレッドシートを購読ソースとして使用する。
	BackendSheets SubscriptionBackend = "sheets"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Subscription source
	SubscriptionBackend SubscriptionBackend
	GoogleClientEmail   string
	GooglePrivateKey    string
	GoogleTokenURI      string

	// Catalog
	CatalogBaseURL   string
	CatalogPageSize  int
	CatalogPageDelay time.Duration
	CatalogTimeout   time.Duration

	// Cycle
	PollInterval    time.Duration
	CycleTimeout    time.Duration
	InitialLookback time.Duration

	// Notify
	NotifyTimeout       time.Duration
	NotifyMaxConcurrent int
	NotifyMaxRetries    int
	WebhookURLPrefix    string
	NotifyUsername      string
	NotifyAvatarURL     string

	// Retention
	DeliveryRetentionDays int

	// Server
	ServerPort string
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

	cfg.SubscriptionBackend = SubscriptionBackend(strings.ToLower(getEnvString("SUBSCRIPTION_BACKEND", string(BackendPostgres))))
	switch cfg.SubscriptionBackend {
	case BackendPostgres:
	case BackendSheets:
		cfg.GoogleClientEmail = os.Getenv("GOOGLE_CLIENT_EMAIL")
		if cfg.GoogleClientEmail == "" {
			missing = append(missing, "GOOGLE_CLIENT_EMAIL")
		}
		// 改行を\nとしてエスケープした秘密鍵を受け付ける
		cfg.GooglePrivateKey = strings.ReplaceAll(os.Getenv("GOOGLE_PRIVATE_KEY"), `\n`, "\n")
		if cfg.GooglePrivateKey == "" {
			missing = append(missing, "GOOGLE_PRIVATE_KEY")
		}
	default:
		return nil, fmt.Errorf("unsupported SUBSCRIPTION_BACKEND: %q (allowed: postgres, sheets)", cfg.SubscriptionBackend)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.GoogleTokenURI = getEnvString("GOOGLE_TOKEN_URI", "https://oauth2.googleapis.com/token")
	cfg.CatalogBaseURL = strings.TrimRight(getEnvString("CATALOG_BASE_URL", "https://api.mangadex.org"), "/")
	cfg.CatalogPageSize = getEnvInt("CATALOG_PAGE_SIZE", 100)
	cfg.CatalogPageDelay = getEnvDuration("CATALOG_PAGE_DELAY", 200*time.Millisecond)
	cfg.CatalogTimeout = getEnvDuration("CATALOG_TIMEOUT", 10*time.Second)
	cfg.PollInterval = getEnvDuration("POLL_INTERVAL", 5*time.Minute)
	cfg.CycleTimeout = getEnvDuration("CYCLE_TIMEOUT", 4*time.Minute)
	cfg.InitialLookback = getEnvDuration("INITIAL_LOOKBACK", time.Hour)
	cfg.NotifyTimeout = getEnvDuration("NOTIFY_TIMEOUT", 30*time.Second)
	cfg.NotifyMaxConcurrent = getEnvInt("NOTIFY_MAX_CONCURRENT", 5)
	cfg.NotifyMaxRetries = getEnvInt("NOTIFY_MAX_RETRIES", 5)
	cfg.WebhookURLPrefix = getEnvString("WEBHOOK_URL_PREFIX", "https://discord.com/api/webhooks/")
	cfg.NotifyUsername = getEnvString("NOTIFY_USERNAME", "MangaDex")
	cfg.NotifyAvatarURL = getEnvString("NOTIFY_AVATAR_URL", "https://raw.githubusercontent.com/francojreyes/mangadex-updates/master/icon.png")
	cfg.DeliveryRetentionDays = getEnvInt("DELIVERY_RETENTION_DAYS", 30)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	// サイクルが次のティックと重ならないよう、タイムアウトはポーリング間隔以下に丸める
	if cfg.CycleTimeout <= 0 || cfg.CycleTimeout > cfg.PollInterval {
		cfg.CycleTimeout = cfg.PollInterval
	}

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
