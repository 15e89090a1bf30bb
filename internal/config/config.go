package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// NetworksFile models networks.json: one ledger endpoint per network.
type NetworksFile struct {
	Networks map[string]NetworkConfig `json:"networks"`
	Retry    struct {
		MaxAttempts       int `json:"maxAttempts"`
		InitialBackoffMs  int `json:"initialBackoffMs"`
		MaxBackoffMs      int `json:"maxBackoffMs"`
		BackoffMultiplier int `json:"backoffMultiplier"`
	} `json:"retry"`
}

// NetworkConfig points at an algod node. An empty AlgodURL runs the network
// on the in-process ledger simulator.
type NetworkConfig struct {
	AlgodURL   string `json:"algodUrl"`
	AlgodToken string `json:"algodToken"`
}

// AppConfig ties together networks.json and environment overrides.
type AppConfig struct {
	Networks map[string]NetworkConfig
	Service  ServiceConfig
	Registry RegistryConfig
	Escrow   EscrowConfig
	Sponsor  SponsorConfig
	Notify   NotifyConfig
	Retry    RetryConfig
	Log      LogConfig
}

type ServiceConfig struct {
	HTTPPort      int
	HMACSecret    string
	HMACClockSkew time.Duration
}

type RegistryConfig struct {
	// DSN selects the postgres backend; empty keeps records in memory.
	DSN        string
	PendingTTL time.Duration
	Retention  time.Duration
}

type EscrowConfig struct {
	RefundTimeout      time.Duration
	ConfirmationRounds uint64
	DustThreshold      uint64
	ClockSkew          time.Duration
}

type SponsorConfig struct {
	URL        string
	Secret     string
	Amount     uint64
	MinBalance uint64
	Timeout    time.Duration
}

type NotifyConfig struct {
	WebhookURL    string
	WebhookSecret string
	Timeout       time.Duration
}

type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

type LogConfig struct {
	Level  string
	Format string
	Output string
	File   string
}

const defaultNetworksPath = "networks.json"

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	path, explicit := os.LookupEnv("NETWORKS_PATH")
	if !explicit || path == "" {
		path = defaultNetworksPath
	}
	networks, err := loadNetworks(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		networks = &NetworksFile{}
	case err != nil:
		return nil, fmt.Errorf("load networks: %w", err)
	}

	return &AppConfig{
		Networks: networks.Networks,
		Service: ServiceConfig{
			HTTPPort:      envOrInt("API_HTTP_PORT", 3000),
			HMACSecret:    envOr("HMAC_SECRET", ""),
			HMACClockSkew: seconds("HMAC_CLOCK_SKEW_SECONDS", 60),
		},
		Registry: RegistryConfig{
			DSN:        envOr("REGISTRY_DSN", ""),
			PendingTTL: seconds("REGISTRY_PENDING_TTL_SECONDS", 24*60*60),
			Retention:  seconds("REGISTRY_RETENTION_SECONDS", 60*60),
		},
		Escrow: EscrowConfig{
			RefundTimeout:      seconds("REFUND_TIMEOUT_SECONDS", 300),
			ConfirmationRounds: uint64(envOrInt("CONFIRMATION_ROUNDS", 15)),
			DustThreshold:      uint64(envOrInt("DUST_THRESHOLD", 200_000)),
			ClockSkew:          seconds("LEDGER_CLOCK_SKEW_SECONDS", 30),
		},
		Sponsor: SponsorConfig{
			URL:        envOr("SPONSOR_URL", ""),
			Secret:     envOr("SPONSOR_SECRET", ""),
			Amount:     uint64(envOrInt("SPONSOR_AMOUNT", 10_000)),
			MinBalance: uint64(envOrInt("SPONSOR_MIN_BALANCE", 0)),
			Timeout:    millis("SPONSOR_TIMEOUT_MS", 10_000),
		},
		Notify: NotifyConfig{
			WebhookURL:    envOr("NOTIFY_WEBHOOK_URL", ""),
			WebhookSecret: envOr("NOTIFY_WEBHOOK_SECRET", ""),
			Timeout:       millis("NOTIFY_TIMEOUT_MS", 5_000),
		},
		Retry: RetryConfig{
			MaxAttempts:       envOrInt("RETRY_MAX_ATTEMPTS", positiveOr(networks.Retry.MaxAttempts, 3)),
			InitialBackoff:    millis("RETRY_INITIAL_BACKOFF_MS", positiveOr(networks.Retry.InitialBackoffMs, 500)),
			MaxBackoff:        millis("RETRY_MAX_BACKOFF_MS", positiveOr(networks.Retry.MaxBackoffMs, 5_000)),
			BackoffMultiplier: float64(envOrInt("RETRY_BACKOFF_MULTIPLIER", positiveOr(networks.Retry.BackoffMultiplier, 2))),
		},
		Log: LogConfig{
			Level:  envOr("LOG_LEVEL", "info"),
			Format: envOr("LOG_FORMAT", "simple"),
			Output: envOr("LOG_OUTPUT", "stderr"),
			File:   envOr("LOG_FILE", ""),
		},
	}, nil
}

func loadNetworks(path string) (*NetworksFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg NetworksFile
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
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

func seconds(key string, fallback int) time.Duration {
	return time.Duration(envOrInt(key, fallback)) * time.Second
}

func millis(key string, fallback int) time.Duration {
	return time.Duration(envOrInt(key, fallback)) * time.Millisecond
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
