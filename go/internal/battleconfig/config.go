// Package battleconfig loads match and server settings from an optional YAML
// file and STATCLASH_* environment variables.
package battleconfig

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcdev12/statclash/go/internal/battle/engine"
	"github.com/mcdev12/statclash/go/internal/battle/round"
	"github.com/mcdev12/statclash/go/internal/battle/scheduler"
	"github.com/mcdev12/statclash/go/internal/battle/timer"
)

// Config is the full process configuration.
type Config struct {
	LogLevel string       `yaml:"log_level"`
	Server   ServerConfig `yaml:"server"`
	NATS     NATSConfig   `yaml:"nats"`
	Match    MatchConfig  `yaml:"match"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// MatchConfig holds the round timings. Durations are written as Go duration
// strings ("35s", "20ms").
type MatchConfig struct {
	SelectionSeconds int           `yaml:"selection_seconds"`
	CooldownSeconds  int           `yaml:"cooldown_seconds"`
	StallTimeout     time.Duration `yaml:"stall_timeout"`
	AutoSelectDelay  time.Duration `yaml:"auto_select_delay"`
	FallbackMargin   time.Duration `yaml:"fallback_margin"`
	RevealDelay      time.Duration `yaml:"reveal_delay"`
	RevealJitter     time.Duration `yaml:"reveal_jitter"`
	FrameInterval    time.Duration `yaml:"frame_interval"`
	MaxDriftRetries  int           `yaml:"max_drift_retries"`
	DriftTolerance   int           `yaml:"drift_tolerance"`
	PointsToWin      int           `yaml:"points_to_win"`
	Headless         bool          `yaml:"headless"`
	Seed             int64         `yaml:"seed"`
	Stats            []string      `yaml:"stats"`
}

// DefaultStats are the stat keys dealt when none are configured.
var DefaultStats = []string{"power", "speed", "technique", "kumikata", "newaza"}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Addr:           ":8090",
			AllowedOrigins: []string{"*"},
		},
		NATS: NATSConfig{
			URL: "nats://127.0.0.1:4222",
		},
		Match: MatchConfig{
			SelectionSeconds: round.DefaultSelectionSeconds,
			CooldownSeconds:  round.DefaultCooldownSeconds,
			StallTimeout:     round.DefaultStallTimeout,
			AutoSelectDelay:  round.DefaultAutoSelectDelay,
			FallbackMargin:   round.DefaultFallbackMargin,
			RevealDelay:      round.DefaultRevealDelay,
			RevealJitter:     round.DefaultRevealJitter,
			FrameInterval:    scheduler.DefaultFrameInterval,
			MaxDriftRetries:  timer.DefaultMaxDriftRetries,
			DriftTolerance:   timer.DefaultDriftTolerance,
			PointsToWin:      engine.DefaultPointsToWin,
			Stats:            append([]string(nil), DefaultStats...),
		},
	}
}

// Load reads path on top of the defaults, then applies environment
// overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnv("STATCLASH_LOG_LEVEL", c.LogLevel)
	c.Server.Addr = getEnv("STATCLASH_ADDR", c.Server.Addr)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.Enabled = getEnvAsBool("STATCLASH_NATS_ENABLED", c.NATS.Enabled)

	m := &c.Match
	m.SelectionSeconds = getEnvAsInt("STATCLASH_SELECTION_SECONDS", m.SelectionSeconds)
	m.CooldownSeconds = getEnvAsInt("STATCLASH_COOLDOWN_SECONDS", m.CooldownSeconds)
	m.StallTimeout = getEnvAsDuration("STATCLASH_STALL_TIMEOUT", m.StallTimeout)
	m.AutoSelectDelay = getEnvAsDuration("STATCLASH_AUTO_SELECT_DELAY", m.AutoSelectDelay)
	m.FallbackMargin = getEnvAsDuration("STATCLASH_FALLBACK_MARGIN", m.FallbackMargin)
	m.MaxDriftRetries = getEnvAsInt("STATCLASH_MAX_DRIFT_RETRIES", m.MaxDriftRetries)
	m.PointsToWin = getEnvAsInt("STATCLASH_POINTS_TO_WIN", m.PointsToWin)
	m.Headless = getEnvAsBool("STATCLASH_HEADLESS", m.Headless)
	m.Seed = int64(getEnvAsInt("STATCLASH_SEED", int(m.Seed)))
}

// Validate rejects settings the round core cannot run with.
func (c Config) Validate() error {
	m := c.Match
	var errs []error
	if m.SelectionSeconds <= 0 {
		errs = append(errs, fmt.Errorf("selection_seconds must be positive, got %d", m.SelectionSeconds))
	}
	if m.CooldownSeconds < 0 {
		errs = append(errs, fmt.Errorf("cooldown_seconds must not be negative, got %d", m.CooldownSeconds))
	}
	if m.MaxDriftRetries < 0 {
		errs = append(errs, fmt.Errorf("max_drift_retries must not be negative, got %d", m.MaxDriftRetries))
	}
	if m.FallbackMargin <= 0 {
		errs = append(errs, errors.New("fallback_margin must be positive"))
	}
	if len(m.Stats) == 0 {
		errs = append(errs, errors.New("at least one stat is required"))
	}
	return errors.Join(errs...)
}

// RoundConfig converts the match settings for round.New.
func (m MatchConfig) RoundConfig() round.Config {
	retries := m.MaxDriftRetries
	if retries == 0 {
		// round.Config reads zero as "use the default".
		retries = -1
	}
	return round.Config{
		SelectionSeconds: m.SelectionSeconds,
		CooldownSeconds:  m.CooldownSeconds,
		StallTimeout:     m.StallTimeout,
		AutoSelectDelay:  m.AutoSelectDelay,
		FallbackMargin:   m.FallbackMargin,
		RevealDelay:      m.RevealDelay,
		RevealJitter:     m.RevealJitter,
		Headless:         m.Headless,
		Seed:             m.Seed,
		Drift: timer.DriftConfig{
			MaxRetries: retries,
			Tolerance:  m.DriftTolerance,
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
