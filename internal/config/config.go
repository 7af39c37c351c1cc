package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Global represents ~/.hsync/config.toml.
type Global struct {
	DefaultProfile string `toml:"default_profile"`
}

// Config holds the engine settings of one profile.
type Config struct {
	API     APIConfig     `toml:"api"`
	Poll    PollConfig    `toml:"poll"`
	Call    CallConfig    `toml:"call"`
	Sync    SyncConfig    `toml:"sync"`
	Metrics MetricsConfig `toml:"metrics"`
}

// APIConfig describes the REST collaborator.
type APIConfig struct {
	BaseURL           string        `toml:"base_url"`
	Token             string        `toml:"token"`
	UserID            string        `toml:"user_id"`
	Timeout           time.Duration `toml:"timeout"`
	RequestsPerSecond float64       `toml:"requests_per_second"`
	Burst             int           `toml:"burst"`
}

// PollConfig holds the fixed intervals of the periodic tasks.
type PollConfig struct {
	Conversations time.Duration `toml:"conversations"`
	Thread        time.Duration `toml:"thread"`
	CallSignals   time.Duration `toml:"call_signals"`
	ActiveCall    time.Duration `toml:"active_call"`
}

// CallConfig tunes call signaling.
type CallConfig struct {
	RingTimeout      time.Duration `toml:"ring_timeout"`
	SignalTTL        time.Duration `toml:"signal_ttl"`
	VibrationPattern []int         `toml:"vibration_pattern"`
}

// SyncConfig tunes reconciliation and health tracking.
type SyncConfig struct {
	MatchWindow   time.Duration `toml:"match_window"`
	DegradedAfter int           `toml:"degraded_after"`
}

// MetricsConfig enables the Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// Default returns the settings used when a profile has no config file.
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:           "http://localhost:3000",
			Timeout:           10 * time.Second,
			RequestsPerSecond: 10,
			Burst:             5,
		},
		Poll: PollConfig{
			Conversations: 5 * time.Second,
			Thread:        3 * time.Second,
			CallSignals:   3 * time.Second,
			ActiveCall:    2 * time.Second,
		},
		Call: CallConfig{
			RingTimeout:      30 * time.Second,
			SignalTTL:        30 * time.Second,
			VibrationPattern: []int{0, 500, 200, 500},
		},
		Sync: SyncConfig{
			MatchWindow:   5 * time.Second,
			DegradedAfter: 3,
		},
	}
}

// LoadGlobal reads the global config. Returns error if the file is missing.
func LoadGlobal(path string) (*Global, error) {
	var g Global
	if _, err := toml.DecodeFile(path, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// Load reads a profile config on top of Default. A missing file is not an
// error. The .env file next to it, if any, is applied afterwards.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envPath, err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from HSYNC_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("HSYNC_API_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("HSYNC_TOKEN"); v != "" {
		c.API.Token = v
	}
	if v := os.Getenv("HSYNC_USER_ID"); v != "" {
		c.API.UserID = v
	}
	if v := os.Getenv("HSYNC_METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}
	if v := os.Getenv("HSYNC_RPS"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.API.RequestsPerSecond = n
		}
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid api.base_url %q", c.API.BaseURL)
	}
	intervals := map[string]time.Duration{
		"poll.conversations": c.Poll.Conversations,
		"poll.thread":        c.Poll.Thread,
		"poll.call_signals":  c.Poll.CallSignals,
		"poll.active_call":   c.Poll.ActiveCall,
		"call.ring_timeout":  c.Call.RingTimeout,
	}
	for name, d := range intervals {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.API.Token != "" && c.API.UserID == "" {
		return fmt.Errorf("api.user_id is required when api.token is set")
	}
	if c.Sync.MatchWindow < 0 {
		return fmt.Errorf("sync.match_window must not be negative")
	}
	return nil
}

// Save writes a profile config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	return writeTOML(path, cfg)
}

// SaveGlobal writes the global config.
func SaveGlobal(path string, g *Global) error {
	return writeTOML(path, g)
}

func writeTOML(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
