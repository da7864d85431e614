package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.faultmaven/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Feed    ConfigFeed    `toml:"feed"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	Token   string `toml:"token"`
	BaseURL string `toml:"base_url"`
	StateDB string `toml:"state_db"`
}

// ConfigFeed holds realtime feed settings.
type ConfigFeed struct {
	Secret string `toml:"secret"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.faultmaven, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".faultmaven")
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

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
// FAULTMAVEN_TOKEN and FAULTMAVEN_BASE_URL override file values.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	var cfg Config
	data, err := os.ReadFile(path)
	if err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("cannot read config: %w", err)
	}

	if v := os.Getenv("FAULTMAVEN_TOKEN"); v != "" {
		cfg.Default.Token = v
	}
	if v := os.Getenv("FAULTMAVEN_BASE_URL"); v != "" {
		cfg.Default.BaseURL = v
	}
	if v := os.Getenv("FAULTMAVEN_FEED_SECRET"); v != "" {
		cfg.Feed.Secret = v
	}
	return &cfg, nil
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

// setConfigValue sets a config field using dot notation (e.g. "default.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "token":
			cfg.Default.Token = value
		case "base_url":
			cfg.Default.BaseURL = value
		case "state_db":
			cfg.Default.StateDB = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "feed":
		switch field {
		case "secret":
			cfg.Feed.Secret = value
		default:
			return fmt.Errorf("unknown field %q in section [feed]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, feed)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "faultmaven-copilot",
	Short: "FaultMaven copilot CLI",
	Long:  "Command-line interface for the FaultMaven troubleshooting copilot.\nManage configuration, ask questions, and inspect local case state.",
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
