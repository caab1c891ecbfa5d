package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/p2pdesk/escrow/internal/engine"
	"github.com/p2pdesk/escrow/internal/reputation"
)

// Config holds all runtime configuration for the escrow service.
type Config struct {
	Port            int
	LogLevel        string
	DatabaseURL     string // empty selects the in-memory store
	SweepInterval   time.Duration
	AuditWebhookURL string
	AuditTimeout    time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	FeeVolumeWindow time.Duration

	MatchWeights      engine.Weights
	ReputationWeights reputation.Weights
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. It returns an error for any invalid value.
func Load() (*Config, error) {
	port, err := getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d out of range", port)
	}

	logLevel := getStr("LOG_LEVEL", "info")
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", logLevel)
	}

	cfg := &Config{
		Port:            port,
		LogLevel:        logLevel,
		DatabaseURL:     getStr("DATABASE_URL", ""),
		AuditWebhookURL: getStr("AUDIT_WEBHOOK_URL", ""),
	}

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"SWEEP_INTERVAL", 10 * time.Second, &cfg.SweepInterval},
		{"AUDIT_TIMEOUT", 5 * time.Second, &cfg.AuditTimeout},
		{"READ_TIMEOUT", 5 * time.Second, &cfg.ReadTimeout},
		{"WRITE_TIMEOUT", 10 * time.Second, &cfg.WriteTimeout},
		{"IDLE_TIMEOUT", 60 * time.Second, &cfg.IdleTimeout},
		{"SHUTDOWN_TIMEOUT", 10 * time.Second, &cfg.ShutdownTimeout},
		{"FEE_VOLUME_WINDOW", 30 * 24 * time.Hour, &cfg.FeeVolumeWindow},
	}
	for _, d := range durations {
		v, err := getDuration(d.key, d.def)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		if v <= 0 {
			return nil, fmt.Errorf("invalid %s: must be positive", d.key)
		}
		*d.dst = v
	}

	mw := engine.DefaultWeights
	rw := reputation.DefaultWeights
	weights := []struct {
		key string
		dst *float64
	}{
		{"MATCH_WEIGHT_PRICE", &mw.Price},
		{"MATCH_WEIGHT_REPUTATION", &mw.Reputation},
		{"MATCH_WEIGHT_AVAILABILITY", &mw.Availability},
		{"MATCH_WEIGHT_PAYMENT", &mw.PaymentMethod},
		{"REPUTATION_WEIGHT_RATING", &rw.Rating},
		{"REPUTATION_WEIGHT_COMPLETION", &rw.Completion},
		{"REPUTATION_WEIGHT_VOLUME", &rw.Volume},
		{"REPUTATION_WEIGHT_DISPUTE", &rw.Dispute},
	}
	for _, w := range weights {
		v, err := getFloat(w.key, *w.dst)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", w.key, err)
		}
		*w.dst = v
	}
	if err := mw.Validate(); err != nil {
		return nil, fmt.Errorf("invalid MATCH_WEIGHT_*: %w", err)
	}
	if err := rw.Validate(); err != nil {
		return nil, fmt.Errorf("invalid REPUTATION_WEIGHT_*: %w", err)
	}
	cfg.MatchWeights = mw
	cfg.ReputationWeights = rw

	return cfg, nil
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseFloat(v, 64)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
