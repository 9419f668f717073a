package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.guestsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Log     ConfigLog     `toml:"log"`
	Webhook ConfigWebhook `toml:"webhook"`
}

// ConfigDefault holds API and storage settings.
type ConfigDefault struct {
	APIURL       string `toml:"api_url"`
	Token        string `toml:"token,omitempty"`
	DataDir      string `toml:"data_dir,omitempty"`
	DeviceID     string `toml:"device_id,omitempty"`
	ForceOffline bool   `toml:"force_offline,omitempty"`
}

// ConfigLog configures the slog handler.
type ConfigLog struct {
	Level  string `toml:"level,omitempty"`  // debug, info, warn, error
	Format string `toml:"format,omitempty"` // text or json
}

// ConfigWebhook configures the sync-completed webhook.
type ConfigWebhook struct {
	URL    string `toml:"url,omitempty"`
	Secret string `toml:"secret,omitempty"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.guestsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".guestsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// readConfigFile reads and parses the config file alone.
// If the file does not exist, it returns a zero-value Config.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig reads the config file and applies GUESTSYNC_* environment
// overrides, including any set in a .env file in the working directory.
func loadConfig() (*Config, error) {
	cfg, _, err := loadConfigWithSources()
	return cfg, err
}

// loadConfigWithSources is loadConfig that also reports which keys came from
// the environment, keyed by config key.
func loadConfigWithSources() (*Config, map[string]string, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, nil, err
	}
	_ = godotenv.Load()
	return cfg, applyEnv(cfg), nil
}

// envBindings maps environment overrides onto config keys.
var envBindings = []struct{ env, key string }{
	{"GUESTSYNC_API_URL", "default.api_url"},
	{"GUESTSYNC_TOKEN", "default.token"},
	{"GUESTSYNC_DATA_DIR", "default.data_dir"},
	{"GUESTSYNC_FORCE_OFFLINE", "default.force_offline"},
	{"GUESTSYNC_LOG_LEVEL", "log.level"},
	{"GUESTSYNC_LOG_FORMAT", "log.format"},
	{"GUESTSYNC_WEBHOOK_URL", "webhook.url"},
	{"GUESTSYNC_WEBHOOK_SECRET", "webhook.secret"},
}

// applyEnv applies every set override that parses. Invalid values are
// skipped so a bad variable cannot lock the CLI out.
func applyEnv(cfg *Config) map[string]string {
	applied := map[string]string{}
	for _, b := range envBindings {
		v := os.Getenv(b.env)
		if v == "" {
			continue
		}
		if err := setConfigValue(cfg, b.key, v); err != nil {
			continue
		}
		applied[b.key] = b.env
	}
	return applied
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.api_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.api_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "api_url":
			cfg.Default.APIURL = strings.TrimRight(value, "/")
		case "token":
			cfg.Default.Token = value
		case "data_dir":
			cfg.Default.DataDir = value
		case "device_id":
			cfg.Default.DeviceID = value
		case "force_offline":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("force_offline must be true or false")
			}
			cfg.Default.ForceOffline = b
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "log":
		switch field {
		case "level":
			var lvl slog.Level
			if err := lvl.UnmarshalText([]byte(value)); err != nil {
				return fmt.Errorf("invalid log level %q", value)
			}
			cfg.Log.Level = strings.ToLower(value)
		case "format":
			if value != "text" && value != "json" {
				return fmt.Errorf("log format must be text or json")
			}
			cfg.Log.Format = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	case "webhook":
		switch field {
		case "url":
			cfg.Webhook.URL = value
		case "secret":
			cfg.Webhook.Secret = value
		default:
			return fmt.Errorf("unknown field %q in section [webhook]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, log, webhook)", section)
	}
	return nil
}

// configKeys lists every settable key in display order.
var configKeys = []string{
	"default.api_url", "default.token", "default.data_dir", "default.device_id", "default.force_offline",
	"log.level", "log.format",
	"webhook.url", "webhook.secret",
}

// secretKeys are masked when displayed.
var secretKeys = map[string]bool{"default.token": true, "webhook.secret": true}

// getConfigValue reads a config field using dot notation.
func getConfigValue(cfg *Config, key string) (string, error) {
	switch key {
	case "default.api_url":
		return cfg.Default.APIURL, nil
	case "default.token":
		return cfg.Default.Token, nil
	case "default.data_dir":
		return cfg.Default.DataDir, nil
	case "default.device_id":
		return cfg.Default.DeviceID, nil
	case "default.force_offline":
		return strconv.FormatBool(cfg.Default.ForceOffline), nil
	case "log.level":
		return cfg.Log.Level, nil
	case "log.format":
		return cfg.Log.Format, nil
	case "webhook.url":
		return cfg.Webhook.URL, nil
	case "webhook.secret":
		return cfg.Webhook.Secret, nil
	}
	return "", fmt.Errorf("unknown config key %q (run 'guestsync config show' for the list)", key)
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "guestsync",
	Short: "Offline-first guest list sync",
	Long: "Command-line interface for the guest list sync engine.\n" +
		"Manage configuration, inspect the local queue, sync with the API and run a dev server.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
