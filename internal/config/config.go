// Package config loads application configuration from a TOML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	// ModeRemote talks to a relay server over HTTP.
	ModeRemote = "remote"
	// ModeAnthropic talks to the Anthropic API directly with local sessions.
	ModeAnthropic = "anthropic"

	defaultMode               = ModeRemote
	defaultServerBaseURL      = "http://localhost:8787"
	defaultThrottleInterval   = "100ms"
	defaultPollInterval       = "2s"
	defaultMaxPollTicks       = 30
	defaultAnthropicModel     = "claude-sonnet-4-20250514"
	defaultAnthropicMaxTokens = 4096
	defaultTUITheme           = "dark"
	defaultTUIShowThinking    = true
	defaultConfigRelativePath = ".config/tether/config.toml"

	envMode             = "TETHER_MODE"
	envServerBaseURL    = "TETHER_SERVER_BASE_URL"
	envThrottleInterval = "TETHER_THROTTLE_INTERVAL"
	envPollInterval     = "TETHER_POLL_INTERVAL"
	envMaxPollTicks     = "TETHER_MAX_POLL_TICKS"
	envAnthropicAPIKey  = "ANTHROPIC_API_KEY"
	envAnthropicModel   = "TETHER_ANTHROPIC_MODEL"
	envAnthropicBaseURL = "TETHER_ANTHROPIC_BASE_URL"
)

var (
	// ErrInvalidConfig indicates malformed configuration input.
	ErrInvalidConfig = errors.New("invalid config")
)

// Config is the application configuration root.
type Config struct {
	Mode     string         `toml:"mode"`
	Server   ServerConfig   `toml:"server"`
	Stream   StreamConfig   `toml:"stream"`
	Provider ProviderConfig `toml:"provider"`
	TUI      TUIConfig      `toml:"tui"`
}

// ServerConfig configures the relay server connection.
type ServerConfig struct {
	BaseURL string `toml:"base_url"`
}

// StreamConfig stores stream pacing as config-friendly values.
type StreamConfig struct {
	ThrottleInterval string `toml:"throttle_interval"`
	PollInterval     string `toml:"poll_interval"`
	MaxPollTicks     int    `toml:"max_poll_ticks"`
}

// ProviderConfig configures standalone providers.
type ProviderConfig struct {
	Anthropic AnthropicProviderConfig `toml:"anthropic"`
}

// AnthropicProviderConfig configures the direct-API mode.
type AnthropicProviderConfig struct {
	APIKey    string `toml:"api_key"`
	Model     string `toml:"model"`
	BaseURL   string `toml:"base_url"`
	MaxTokens int    `toml:"max_tokens"`
}

// TUIConfig configures terminal UI defaults.
type TUIConfig struct {
	Theme        string `toml:"theme"`
	ShowThinking bool   `toml:"show_thinking"`
}

// LoadOptions controls config loading behavior.
type LoadOptions struct {
	Path string
}

// StreamSettings is a validated stream pacing snapshot.
type StreamSettings struct {
	ThrottleInterval time.Duration
	PollInterval     time.Duration
	MaxPollTicks     int
}

// Default returns application defaults.
func Default() Config {
	return Config{
		Mode: defaultMode,
		Server: ServerConfig{
			BaseURL: defaultServerBaseURL,
		},
		Stream: StreamConfig{
			ThrottleInterval: defaultThrottleInterval,
			PollInterval:     defaultPollInterval,
			MaxPollTicks:     defaultMaxPollTicks,
		},
		Provider: ProviderConfig{
			Anthropic: AnthropicProviderConfig{
				Model:     defaultAnthropicModel,
				MaxTokens: defaultAnthropicMaxTokens,
			},
		},
		TUI: TUIConfig{
			Theme:        defaultTUITheme,
			ShowThinking: defaultTUIShowThinking,
		},
	}
}

// Load reads the config file then applies environment variable overrides.
func Load(opts LoadOptions) (Config, error) {
	cfg := Default()

	path := strings.TrimSpace(opts.Path)
	if path == "" {
		path = defaultConfigPath()
	}

	if err := mergeConfigFile(&cfg, path); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// StreamSettings returns validated pacing settings for runtime wiring.
func (c Config) StreamSettings() (StreamSettings, error) {
	throttle, err := time.ParseDuration(strings.TrimSpace(c.Stream.ThrottleInterval))
	if err != nil {
		return StreamSettings{}, fmt.Errorf("%w: parse stream throttle_interval: %v", ErrInvalidConfig, err)
	}
	poll, err := time.ParseDuration(strings.TrimSpace(c.Stream.PollInterval))
	if err != nil {
		return StreamSettings{}, fmt.Errorf("%w: parse stream poll_interval: %v", ErrInvalidConfig, err)
	}
	if c.Stream.MaxPollTicks <= 0 {
		return StreamSettings{}, fmt.Errorf("%w: stream max_poll_ticks must be > 0", ErrInvalidConfig)
	}

	return StreamSettings{
		ThrottleInterval: throttle,
		PollInterval:     poll,
		MaxPollTicks:     c.Stream.MaxPollTicks,
	}, nil
}

func mergeConfigFile(cfg *Config, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if value, ok := os.LookupEnv(envMode); ok && strings.TrimSpace(value) != "" {
		cfg.Mode = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv(envServerBaseURL); ok && strings.TrimSpace(value) != "" {
		cfg.Server.BaseURL = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv(envThrottleInterval); ok && strings.TrimSpace(value) != "" {
		cfg.Stream.ThrottleInterval = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv(envPollInterval); ok && strings.TrimSpace(value) != "" {
		cfg.Stream.PollInterval = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv(envMaxPollTicks); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, envMaxPollTicks, err)
		}
		cfg.Stream.MaxPollTicks = parsed
	}
	if value, ok := os.LookupEnv(envAnthropicAPIKey); ok {
		cfg.Provider.Anthropic.APIKey = value
	}
	if value, ok := os.LookupEnv(envAnthropicModel); ok && strings.TrimSpace(value) != "" {
		cfg.Provider.Anthropic.Model = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv(envAnthropicBaseURL); ok && strings.TrimSpace(value) != "" {
		cfg.Provider.Anthropic.BaseURL = strings.TrimSpace(value)
	}
	return nil
}

func validate(cfg Config) error {
	switch strings.TrimSpace(cfg.Mode) {
	case ModeRemote:
		if strings.TrimSpace(cfg.Server.BaseURL) == "" {
			return fmt.Errorf("%w: server.base_url is required in remote mode", ErrInvalidConfig)
		}
	case ModeAnthropic:
		if strings.TrimSpace(cfg.Provider.Anthropic.Model) == "" {
			return fmt.Errorf("%w: provider.anthropic.model is required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: mode must be %q or %q", ErrInvalidConfig, ModeRemote, ModeAnthropic)
	}
	if _, err := cfg.StreamSettings(); err != nil {
		return err
	}
	return nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, defaultConfigRelativePath)
}
