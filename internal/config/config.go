package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/matheus3301/heroes/internal/retry"
)

// Config represents the global ~/.heroes/config.toml.
type Config struct {
	DefaultProfile string   `toml:"default_profile"`
	Backend        Backend  `toml:"backend"`
	Realtime       Realtime `toml:"realtime"`
	Retry          Retry    `toml:"retry"`
	Storage        Storage  `toml:"storage"`
	Metrics        Metrics  `toml:"metrics"`
	Log            Log      `toml:"log"`
}

type Backend struct {
	URL     string        `toml:"url"`
	APIKey  string        `toml:"api_key"`
	UserID  string        `toml:"user_id"`
	Timeout time.Duration `toml:"timeout"`
}

type Realtime struct {
	URL       string  `toml:"url"`
	SendRate  float64 `toml:"send_rate"`
	SendBurst int     `toml:"send_burst"`
}

type Retry struct {
	MaxRetries   int           `toml:"max_retries"`
	InitialDelay time.Duration `toml:"initial_delay"`
	MaxDelay     time.Duration `toml:"max_delay"`
	Multiplier   float64       `toml:"multiplier"`
}

// Storage selects the persistence backend: "sqlite" (default) or "redis".
// LogRetention bounds how long drain outcomes are kept; zero keeps them forever.
type Storage struct {
	Driver       string        `toml:"driver"`
	RedisURL     string        `toml:"redis_url"`
	LogRetention time.Duration `toml:"log_retention"`
}

// Metrics enables the Prometheus listener when Addr is set.
type Metrics struct {
	Addr string `toml:"addr"`
}

type Log struct {
	Level string `toml:"level"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Backend: Backend{Timeout: 15 * time.Second},
		Realtime: Realtime{
			SendRate:  10,
			SendBurst: 5,
		},
		Retry: Retry{
			MaxRetries:   retry.DefaultPolicy.MaxRetries,
			InitialDelay: retry.DefaultPolicy.InitialDelay,
			MaxDelay:     retry.DefaultPolicy.MaxDelay,
			Multiplier:   retry.DefaultPolicy.Multiplier,
		},
		Storage: Storage{Driver: "sqlite", LogRetention: 7 * 24 * time.Hour},
		Log:     Log{Level: "info"},
	}
}

// Policy returns the retry policy described by the [retry] section.
func (c *Config) Policy() retry.Policy {
	p := retry.DefaultPolicy
	if c.Retry.MaxRetries > 0 {
		p.MaxRetries = c.Retry.MaxRetries
	}
	if c.Retry.InitialDelay > 0 {
		p.InitialDelay = c.Retry.InitialDelay
	}
	if c.Retry.MaxDelay > 0 {
		p.MaxDelay = c.Retry.MaxDelay
	}
	if c.Retry.Multiplier >= 1 {
		p.Multiplier = c.Retry.Multiplier
	}
	return p
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault layers defaults, the file at path if present, a .env file in
// the working directory if present, and HEROES_* environment variables.
func LoadOrDefault(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"HEROES_PROFILE":        &c.DefaultProfile,
		"HEROES_BACKEND_URL":    &c.Backend.URL,
		"HEROES_API_KEY":        &c.Backend.APIKey,
		"HEROES_USER_ID":        &c.Backend.UserID,
		"HEROES_REALTIME_URL":   &c.Realtime.URL,
		"HEROES_STORAGE_DRIVER": &c.Storage.Driver,
		"HEROES_REDIS_URL":      &c.Storage.RedisURL,
		"HEROES_METRICS_ADDR":   &c.Metrics.Addr,
		"HEROES_LOG_LEVEL":      &c.Log.Level,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	if v, ok := lookup("HEROES_MAX_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HEROES_MAX_RETRIES: %w", err)
		}
		c.Retry.MaxRetries = n
	}
	if v, ok := lookup("HEROES_BACKEND_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("HEROES_BACKEND_TIMEOUT: %w", err)
		}
		c.Backend.Timeout = d
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
