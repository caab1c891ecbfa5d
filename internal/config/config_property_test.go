package config

import (
	"fmt"
	"math"
	"os"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// validLogLevels are the accepted log level values.
var validLogLevels = []string{"debug", "info", "warn", "error"}

// durationEnvKeys lists all Config fields that are parsed as time.Duration.
var durationEnvKeys = []string{
	"SWEEP_INTERVAL",
	"AUDIT_TIMEOUT",
	"READ_TIMEOUT",
	"WRITE_TIMEOUT",
	"IDLE_TIMEOUT",
	"SHUTDOWN_TIMEOUT",
	"FEE_VOLUME_WINDOW",
}

var matchWeightKeys = []string{
	"MATCH_WEIGHT_PRICE", "MATCH_WEIGHT_REPUTATION",
	"MATCH_WEIGHT_AVAILABILITY", "MATCH_WEIGHT_PAYMENT",
}

var reputationWeightKeys = []string{
	"REPUTATION_WEIGHT_RATING", "REPUTATION_WEIGHT_COMPLETION",
	"REPUTATION_WEIGHT_VOLUME", "REPUTATION_WEIGHT_DISPUTE",
}

// allEnvKeys is every config-related env var key.
var allEnvKeys = func() []string {
	keys := []string{"PORT", "LOG_LEVEL", "DATABASE_URL", "AUDIT_WEBHOOK_URL"}
	keys = append(keys, durationEnvKeys...)
	keys = append(keys, matchWeightKeys...)
	return append(keys, reputationWeightKeys...)
}()

func unsetAllConfigEnv() {
	for _, key := range allEnvKeys {
		os.Unsetenv(key)
	}
}

// genDurationString generates a valid positive Go duration string.
func genDurationString() *rapid.Generator[string] {
	return rapid.Custom(func(t *rapid.T) string {
		unit := rapid.SampledFrom([]string{"ms", "s", "m", "h"}).Draw(t, "unit")
		val := rapid.IntRange(1, 600).Draw(t, "val")
		return fmt.Sprintf("%d%s", val, unit)
	})
}

// genWeights draws four non-negative percentages summing to 100 and
// renders them as fractions.
func genWeights(t *rapid.T, label string) [4]string {
	a := rapid.IntRange(0, 100).Draw(t, label+"_a")
	b := rapid.IntRange(0, 100-a).Draw(t, label+"_b")
	c := rapid.IntRange(0, 100-a-b).Draw(t, label+"_c")
	d := 100 - a - b - c
	var out [4]string
	for i, v := range []int{a, b, c, d} {
		out[i] = fmt.Sprintf("%.2f", float64(v)/100)
	}
	return out
}

func TestProperty_ValidConfigParsing(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		unsetAllConfigEnv()
		defer unsetAllConfigEnv()

		portStr := rapid.OneOf(
			rapid.Just(""),
			rapid.Map(rapid.IntRange(1, 65535), func(v int) string { return fmt.Sprintf("%d", v) }),
		).Draw(t, "port")
		logLevel := rapid.OneOf(
			rapid.Just(""),
			rapid.SampledFrom(validLogLevels),
		).Draw(t, "logLevel")

		durStrs := make(map[string]string, len(durationEnvKeys))
		for _, key := range durationEnvKeys {
			durStrs[key] = rapid.OneOf(rapid.Just(""), genDurationString()).Draw(t, key)
			if durStrs[key] != "" {
				os.Setenv(key, durStrs[key])
			}
		}
		if portStr != "" {
			os.Setenv("PORT", portStr)
		}
		if logLevel != "" {
			os.Setenv("LOG_LEVEL", logLevel)
		}
		mw := genWeights(t, "match")
		for i, key := range matchWeightKeys {
			os.Setenv(key, mw[i])
		}

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() returned error for valid inputs: %v", err)
		}

		expectedPort := 8080
		if portStr != "" {
			fmt.Sscanf(portStr, "%d", &expectedPort)
		}
		if cfg.Port != expectedPort {
			t.Fatalf("Port = %d, want %d", cfg.Port, expectedPort)
		}
		expectedLogLevel := "info"
		if logLevel != "" {
			expectedLogLevel = logLevel
		}
		if cfg.LogLevel != expectedLogLevel {
			t.Fatalf("LogLevel = %q, want %q", cfg.LogLevel, expectedLogLevel)
		}

		if durStrs["SWEEP_INTERVAL"] != "" {
			want, _ := time.ParseDuration(durStrs["SWEEP_INTERVAL"])
			if cfg.SweepInterval != want {
				t.Fatalf("SweepInterval = %v, want %v", cfg.SweepInterval, want)
			}
		}
		w := cfg.MatchWeights
		if sum := w.Price + w.Reputation + w.Availability + w.PaymentMethod; math.Abs(sum-1) > 1e-6 {
			t.Fatalf("match weights sum to %v", sum)
		}
	})
}

func TestProperty_InvalidPortReturnsError(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		unsetAllConfigEnv()
		defer unsetAllConfigEnv()

		invalidPort := rapid.OneOf(
			rapid.StringMatching(`[a-zA-Z]{1,10}`),
			rapid.Just("12.5"),
			rapid.Just("1.0e2"),
			rapid.Map(rapid.IntRange(65536, 1<<20), func(v int) string { return fmt.Sprintf("%d", v) }),
		).Draw(t, "invalidPort")

		os.Setenv("PORT", invalidPort)

		if _, err := Load(); err == nil {
			t.Fatalf("Load() should return error for invalid PORT %q", invalidPort)
		}
	})
}

func TestProperty_InvalidLogLevelReturnsError(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		unsetAllConfigEnv()
		defer unsetAllConfigEnv()

		invalidLevel := rapid.StringMatching(`[a-z]{1,20}`).Filter(func(s string) bool {
			for _, v := range validLogLevels {
				if s == v {
					return false
				}
			}
			return s != ""
		}).Draw(t, "invalidLevel")

		os.Setenv("LOG_LEVEL", invalidLevel)

		if _, err := Load(); err == nil {
			t.Fatalf("Load() should return error for invalid LOG_LEVEL %q", invalidLevel)
		}
	})
}

// Any weight group that does not sum to one is rejected.
func TestProperty_UnbalancedWeightsReturnError(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		unsetAllConfigEnv()
		defer unsetAllConfigEnv()

		keys := rapid.SampledFrom([][]string{matchWeightKeys, reputationWeightKeys}).Draw(t, "group")
		var sum float64
		for _, key := range keys {
			v := rapid.IntRange(0, 100).Draw(t, key)
			sum += float64(v)
			os.Setenv(key, fmt.Sprintf("%.2f", float64(v)/100))
		}
		if math.Abs(sum-100) < 0.5 {
			t.Skip("drew a balanced group")
		}

		if _, err := Load(); err == nil {
			t.Fatalf("Load() should reject weights summing to %v%%", sum)
		}
	})
}
