package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHost              = "127.0.0.1"
	DefaultPort              = 18790
	DefaultBufSize           = 100
	DefaultClassifierModel   = "gpt-4o-mini"
	DefaultClassifierBaseURL = "https://api.openai.com/v1"
	DefaultClassifierTimeout = "15s"
	DefaultClassifierTokens  = 64
	DefaultRetryAttempts     = 3
	DefaultRetryDelay        = "2s"
	DefaultSweepSchedule     = "0 0 9,21 * * *"
	DefaultSweepPause        = "1s"
	DefaultSweepDeadline     = "20s"
	DefaultSessionIdle       = "6h"
	DefaultEvictSchedule     = "0 */10 * * * *"
	DefaultNATSSubject       = "companion.events.classified"
	DefaultPreviewLimit      = 500
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultTimezone          = "UTC"
	DefaultStoreDriver       = "sqlite"
	configDirName            = ".companion"
	configFileJSON           = "config.json"
)

type Config struct {
	Telegram     TelegramConfig   `json:"telegram" yaml:"telegram"`
	Store        StoreConfig      `json:"store" yaml:"store"`
	Classifier   ClassifierConfig `json:"classifier" yaml:"classifier"`
	Retry        RetryConfig      `json:"retry" yaml:"retry"`
	Sweep        SweepConfig      `json:"sweep" yaml:"sweep"`
	Sessions     SessionsConfig   `json:"sessions" yaml:"sessions"`
	NATS         NATSConfig       `json:"nats" yaml:"nats"`
	API          APIConfig        `json:"api" yaml:"api"`
	Log          LogConfig        `json:"log" yaml:"log"`
	Launches     []LaunchConfig   `json:"launches,omitempty" yaml:"launches,omitempty"`
	Timezone     string           `json:"timezone" yaml:"timezone"`
	PreviewLimit int              `json:"previewLimit" yaml:"previewLimit"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Token     string   `json:"token" yaml:"token"`
	AllowFrom []string `json:"allowFrom" yaml:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty" yaml:"proxy,omitempty"`
}

type StoreConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

type ClassifierConfig struct {
	APIKey    string `json:"apiKey" yaml:"apiKey"`
	BaseURL   string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	Model     string `json:"model,omitempty" yaml:"model,omitempty"`
	Timeout   string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxTokens int    `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
}

type RetryConfig struct {
	Attempts int    `json:"attempts" yaml:"attempts"`
	Delay    string `json:"delay" yaml:"delay"`
}

type SweepConfig struct {
	Schedule           string `json:"schedule" yaml:"schedule"`
	Pause              string `json:"pause" yaml:"pause"`
	ClassifierDeadline string `json:"classifierDeadline" yaml:"classifierDeadline"`
}

type SessionsConfig struct {
	IdleTimeout   string `json:"idleTimeout" yaml:"idleTimeout"`
	EvictSchedule string `json:"evictSchedule" yaml:"evictSchedule"`
}

type NATSConfig struct {
	URL     string `json:"url,omitempty" yaml:"url,omitempty"`
	Token   string `json:"token,omitempty" yaml:"token,omitempty"`
	Subject string `json:"subject,omitempty" yaml:"subject,omitempty"`
}

type APIConfig struct {
	Host  string `json:"host" yaml:"host"`
	Port  int    `json:"port" yaml:"port"`
	Token string `json:"token,omitempty" yaml:"token,omitempty"` // bearer token for /api/v1; empty disables auth
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "json" or "console"
}

// LaunchConfig schedules one scenario type for a set of recipients.
type LaunchConfig struct {
	Scenario   string            `json:"scenario" yaml:"scenario"`
	Schedule   string            `json:"schedule" yaml:"schedule"`
	Mode       string            `json:"mode,omitempty" yaml:"mode,omitempty"`
	Recipients []LaunchRecipient `json:"recipients" yaml:"recipients"`
}

type LaunchRecipient struct {
	UserID string `json:"userId" yaml:"userId"`
	ChatID string `json:"chatId" yaml:"chatId"`
}

func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: DefaultStoreDriver,
			DSN:    filepath.Join(ConfigDir(), "data", "companion.db"),
		},
		Classifier: ClassifierConfig{
			BaseURL:   DefaultClassifierBaseURL,
			Model:     DefaultClassifierModel,
			Timeout:   DefaultClassifierTimeout,
			MaxTokens: DefaultClassifierTokens,
		},
		Retry: RetryConfig{
			Attempts: DefaultRetryAttempts,
			Delay:    DefaultRetryDelay,
		},
		Sweep: SweepConfig{
			Schedule:           DefaultSweepSchedule,
			Pause:              DefaultSweepPause,
			ClassifierDeadline: DefaultSweepDeadline,
		},
		Sessions: SessionsConfig{
			IdleTimeout:   DefaultSessionIdle,
			EvictSchedule: DefaultEvictSchedule,
		},
		NATS: NATSConfig{
			Subject: DefaultNATSSubject,
		},
		API: APIConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Timezone:     DefaultTimezone,
		PreviewLimit: DefaultPreviewLimit,
	}
}

func ConfigDir() string {
	if dir := os.Getenv("COMPANION_HOME"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, configDirName)
}

// ConfigPath returns the first existing config file, preferring JSON, or the
// JSON path when none exists.
func ConfigPath() string {
	dir := ConfigDir()
	for _, name := range []string{configFileJSON, "config.yaml", "config.yml"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, configFileJSON)
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	path := ConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	// Environment variable overrides
	if token := os.Getenv("COMPANION_TELEGRAM_TOKEN"); token != "" {
		cfg.Telegram.Token = token
		cfg.Telegram.Enabled = true
	}
	if driver := os.Getenv("COMPANION_DB_DRIVER"); driver != "" {
		cfg.Store.Driver = driver
	}
	if dsn := os.Getenv("COMPANION_DB_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if key := os.Getenv("COMPANION_CLASSIFIER_API_KEY"); key != "" {
		cfg.Classifier.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Classifier.APIKey == "" {
		cfg.Classifier.APIKey = key
	}
	if url := os.Getenv("COMPANION_CLASSIFIER_BASE_URL"); url != "" {
		cfg.Classifier.BaseURL = url
	}
	if model := os.Getenv("COMPANION_CLASSIFIER_MODEL"); model != "" {
		cfg.Classifier.Model = model
	}
	if url := os.Getenv("COMPANION_NATS_URL"); url != "" {
		cfg.NATS.URL = url
	}
	if level := os.Getenv("COMPANION_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if port := os.Getenv("COMPANION_API_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.API.Port = parsed
		}
	}
	if token := os.Getenv("COMPANION_API_TOKEN"); token != "" {
		cfg.API.Token = token
	}
	if tz := os.Getenv("COMPANION_TIMEZONE"); tz != "" {
		cfg.Timezone = tz
	}
	if schedule := os.Getenv("COMPANION_SWEEP_SCHEDULE"); schedule != "" {
		cfg.Sweep.Schedule = schedule
	}

	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.Store.Driver == "" {
		c.Store.Driver = def.Store.Driver
	}
	if c.Store.DSN == "" && c.Store.Driver == DefaultStoreDriver {
		c.Store.DSN = def.Store.DSN
	}
	if c.Classifier.BaseURL == "" {
		c.Classifier.BaseURL = def.Classifier.BaseURL
	}
	if c.Classifier.Model == "" {
		c.Classifier.Model = def.Classifier.Model
	}
	if c.Classifier.Timeout == "" {
		c.Classifier.Timeout = def.Classifier.Timeout
	}
	if c.Classifier.MaxTokens <= 0 {
		c.Classifier.MaxTokens = def.Classifier.MaxTokens
	}
	if c.Retry.Attempts <= 0 {
		c.Retry.Attempts = def.Retry.Attempts
	}
	if c.Retry.Delay == "" {
		c.Retry.Delay = def.Retry.Delay
	}
	if c.Sweep.Schedule == "" {
		c.Sweep.Schedule = def.Sweep.Schedule
	}
	if c.Sweep.Pause == "" {
		c.Sweep.Pause = def.Sweep.Pause
	}
	if c.Sweep.ClassifierDeadline == "" {
		c.Sweep.ClassifierDeadline = def.Sweep.ClassifierDeadline
	}
	if c.Sessions.IdleTimeout == "" {
		c.Sessions.IdleTimeout = def.Sessions.IdleTimeout
	}
	if c.Sessions.EvictSchedule == "" {
		c.Sessions.EvictSchedule = def.Sessions.EvictSchedule
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = def.NATS.Subject
	}
	if c.API.Host == "" {
		c.API.Host = def.API.Host
	}
	if c.API.Port <= 0 {
		c.API.Port = def.API.Port
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.PreviewLimit <= 0 {
		c.PreviewLimit = def.PreviewLimit
	}
}

// Validate checks every duration string and the timezone.
func (c *Config) Validate() error {
	durations := map[string]string{
		"classifier.timeout":       c.Classifier.Timeout,
		"retry.delay":              c.Retry.Delay,
		"sweep.pause":              c.Sweep.Pause,
		"sweep.classifierDeadline": c.Sweep.ClassifierDeadline,
		"sessions.idleTimeout":     c.Sessions.IdleTimeout,
	}
	for name, v := range durations {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	for i, l := range c.Launches {
		if l.Scenario == "" || l.Schedule == "" {
			return fmt.Errorf("launches[%d]: scenario and schedule are required", i)
		}
	}
	return nil
}

// Location resolves Timezone; launch days are computed in it.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Duration parses one of the duration fields, falling back on a bad value.
func Duration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(filepath.Join(dir, configFileJSON), data, 0644)
}
