package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	DevelopmentBackendURL = "http://localhost:5000"
	ProductionBackendURL  = "https://app.grandeapp.com"
)

// SettingsConfig models the optional settings.json file. Environment
// variables take precedence over anything set here.
type SettingsConfig struct {
	Environment string `json:"environment"`
	Backend     struct {
		URL       string `json:"url"`
		TimeoutMs int    `json:"timeoutMs"`
	} `json:"backend"`
	Chain struct {
		Network     string `json:"network"`
		RPCURL      string `json:"rpcUrl"`
		ExplorerURL string `json:"explorerUrl"`
	} `json:"chain"`
	Polling struct {
		BuyRequestSeconds int `json:"buyRequestSeconds"`
		PresenceSeconds   int `json:"presenceSeconds"`
	} `json:"polling"`
	Secrets struct {
		WebhookSecret string `json:"webhookSecret"`
	} `json:"secrets"`
	Retry struct {
		MaxAttempts       int `json:"maxAttempts"`
		InitialBackoffMs  int `json:"initialBackoffMs"`
		MaxBackoffMs      int `json:"maxBackoffMs"`
		BackoffMultiplier int `json:"backoffMultiplier"`
	} `json:"retry"`
	Timeouts struct {
		IdempotencyWindowSecs int `json:"idempotencyWindowSeconds"`
		ReceiptWaitSecs       int `json:"receiptWaitSeconds"`
	} `json:"timeouts"`
}

// AppConfig ties together settings and environment derived values.
type AppConfig struct {
	Environment string
	Service     ServiceConfig
	Backend     BackendConfig
	Chain       ChainConfig
	Polling     PollingConfig
	Idempotency IdempotencyConfig
	Retry       RetryConfig
	Log         LogConfig
}

type ServiceConfig struct {
	HTTPPort       int
	HMACClockSkew  time.Duration
	WebhookSecret  string
	DLQPath        string
	RateLimitRPS   int
	RateLimitBurst int
	// TrustedProxies lists the IPs or CIDRs whose X-Forwarded-For header is
	// believed when keying the rate limiter.
	TrustedProxies []string
}

type BackendConfig struct {
	BaseURL string
	Timeout time.Duration
	// FakeEscrow swaps the remote escrow endpoints for the in-memory client.
	// Listings, buy requests and chat still go to BaseURL.
	FakeEscrow bool
}

type ChainConfig struct {
	Network     string
	RPCURL      string
	ExplorerURL string
	ReceiptWait time.Duration
}

type PollingConfig struct {
	BuyRequests time.Duration
	Presence    time.Duration
	ChatIdle    time.Duration
}

type IdempotencyConfig struct {
	Driver        string
	StorePath     string
	DSN           string
	Window        time.Duration
	PurgeInterval time.Duration
}

type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

type LogConfig struct {
	Level  string
	Format string
}

const defaultSettingsPath = "./settings.json"

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	settingsPath := envOr("SETTINGS_PATH", defaultSettingsPath)
	settings, err := loadSettings(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	return build(settings), nil
}

func build(s *SettingsConfig) *AppConfig {
	env := strings.ToLower(envOr("APP_ENV", firstNonEmpty(s.Environment, EnvDevelopment)))

	backendURL := DevelopmentBackendURL
	if env == EnvProduction {
		backendURL = ProductionBackendURL
	}
	backendURL = envOr("BACKEND_URL", firstNonEmpty(s.Backend.URL, backendURL))

	network := strings.ToLower(envOr("CHAIN_NETWORK", firstNonEmpty(s.Chain.Network, "pol")))

	return &AppConfig{
		Environment: env,
		Service: ServiceConfig{
			HTTPPort:       envOrInt("API_HTTP_PORT", 3000),
			HMACClockSkew:  time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
			WebhookSecret:  envOr("WEBHOOK_SECRET", s.Secrets.WebhookSecret),
			DLQPath:        envOr("DLQ_PATH", filepath.Join(os.TempDir(), "grandeapp-dlq")),
			RateLimitRPS:   envOrInt("RATE_LIMIT_RPS", 20),
			RateLimitBurst: envOrInt("RATE_LIMIT_BURST", 40),
			TrustedProxies: envList("TRUSTED_PROXIES"),
		},
		Backend: BackendConfig{
			BaseURL:    strings.TrimRight(backendURL, "/"),
			Timeout:    time.Duration(envOrInt("BACKEND_TIMEOUT_MS", orInt(s.Backend.TimeoutMs, 10_000))) * time.Millisecond,
			FakeEscrow: envOrBool("FAKE_ESCROW", false),
		},
		Chain: ChainConfig{
			Network:     network,
			RPCURL:      envOr("CHAIN_RPC_URL", s.Chain.RPCURL),
			ExplorerURL: strings.TrimRight(envOr("EXPLORER_URL", firstNonEmpty(s.Chain.ExplorerURL, defaultExplorer(network))), "/"),
			ReceiptWait: time.Duration(envOrInt("RECEIPT_WAIT_SECONDS", s.Timeouts.ReceiptWaitSecs)) * time.Second,
		},
		Polling: PollingConfig{
			BuyRequests: time.Duration(envOrInt("BUY_REQUEST_POLL_SECONDS", orInt(s.Polling.BuyRequestSeconds, 5))) * time.Second,
			Presence:    time.Duration(envOrInt("PRESENCE_POLL_SECONDS", orInt(s.Polling.PresenceSeconds, 60))) * time.Second,
			ChatIdle:    time.Duration(envOrInt("CHAT_SESSION_IDLE_SECONDS", 1800)) * time.Second,
		},
		Idempotency: IdempotencyConfig{
			Driver:        strings.ToLower(envOr("IDEMPOTENCY_DRIVER", "file")),
			StorePath:     envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "grandeapp-idem.json")),
			DSN:           envOr("POSTGRES_DSN", ""),
			Window:        time.Duration(orInt(s.Timeouts.IdempotencyWindowSecs, 600)) * time.Second,
			PurgeInterval: time.Duration(envOrInt("IDEMPOTENCY_PURGE_SECONDS", 300)) * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:       orInt(s.Retry.MaxAttempts, 1),
			InitialBackoff:    time.Duration(orInt(s.Retry.InitialBackoffMs, 500)) * time.Millisecond,
			MaxBackoff:        time.Duration(orInt(s.Retry.MaxBackoffMs, 5_000)) * time.Millisecond,
			BackoffMultiplier: orInt(s.Retry.BackoffMultiplier, 2),
		},
		Log: LogConfig{
			Level:  envOr("LOG_LEVEL", "info"),
			Format: envOr("LOG_FORMAT", "json"),
		},
	}
}

// loadSettings reads settings.json; a missing file yields empty settings.
func loadSettings(path string) (*SettingsConfig, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &SettingsConfig{}, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg SettingsConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultExplorer(network string) string {
	switch network {
	case "eth":
		return "https://etherscan.io"
	case "amoy":
		return "https://amoy.polygonscan.com"
	default:
		return "https://polygonscan.com"
	}
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

// envList splits a comma separated variable, dropping empty items.
func envList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func orInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
