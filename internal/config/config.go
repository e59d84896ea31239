// Package config loads application settings from config files and the
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/CJackHwang/HeyMean-sub000/internal/provider"
)

// Config holds all settings for a chat session.
type Config struct {
	// --- Provider selection ---
	Provider    string  `mapstructure:"provider"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`

	// --- API keys ---
	GeminiAPIKey string `mapstructure:"gemini_api_key"`
	OpenAIAPIKey string `mapstructure:"openai_api_key"`

	// --- Endpoint overrides ---
	GeminiBaseURL string `mapstructure:"gemini_base_url"`
	OpenAIBaseURL string `mapstructure:"openai_base_url"`

	// --- Behavior ---
	SystemPrompt string `mapstructure:"system_prompt"`
	PageSize     int    `mapstructure:"page_size"`

	// --- Storage ---
	DataDir string `mapstructure:"data_dir"`

	// --- Logging ---
	LogLevel string `mapstructure:"log_level"`
}

// Load reads heymean.yaml from the working directory or ~/.config/heymean,
// then applies environment overrides (HEYMEAN_* plus the providers' standard
// key variables).
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("provider", "gemini")
	v.SetDefault("model", "")
	v.SetDefault("max_tokens", 8192)
	v.SetDefault("temperature", 0.7)
	v.SetDefault("page_size", 30)
	v.SetDefault("log_level", "info")

	home, err := os.UserHomeDir()
	if err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "heymean"))
		v.SetDefault("data_dir", filepath.Join(home, ".local", "share", "heymean"))
	} else {
		v.SetDefault("data_dir", ".heymean")
	}
	v.AddConfigPath(".")
	v.SetConfigName("heymean")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("HEYMEAN")
	v.AutomaticEnv()

	_ = v.BindEnv("gemini_api_key", "GEMINI_API_KEY", "GOOGLE_API_KEY")
	_ = v.BindEnv("openai_api_key", "OPENAI_API_KEY")
	_ = v.BindEnv("gemini_base_url", "GEMINI_BASE_URL")
	_ = v.BindEnv("openai_base_url", "OPENAI_BASE_URL")

	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// ProviderKind resolves the configured provider name to an adapter kind.
func (c *Config) ProviderKind() (provider.Kind, error) {
	switch strings.ToLower(strings.TrimSpace(c.Provider)) {
	case "gemini", "google":
		return provider.KindGemini, nil
	case "openai", "openai-compatible":
		return provider.KindOpenAI, nil
	default:
		return "", fmt.Errorf("unknown provider %q", c.Provider)
	}
}

// DefaultModel returns the configured model, or the provider's default.
func (c *Config) DefaultModel(kind provider.Kind) string {
	if c.Model != "" {
		return c.Model
	}
	switch kind {
	case provider.KindGemini:
		return "gemini-2.5-flash"
	case provider.KindOpenAI:
		return "gpt-4o-mini"
	}
	return ""
}

// Settings maps the config onto adapter construction settings.
func (c *Config) Settings() provider.Settings {
	return provider.Settings{
		GeminiAPIKey:  c.GeminiAPIKey,
		GeminiBaseURL: c.GeminiBaseURL,
		OpenAIAPIKey:  c.OpenAIAPIKey,
		OpenAIBaseURL: c.OpenAIBaseURL,
	}
}

// DatabasePath returns the SQLite file under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "heymean.db")
}

// PreviewDir returns the directory for transient attachment previews.
func (c *Config) PreviewDir() string {
	return filepath.Join(c.DataDir, "previews")
}
