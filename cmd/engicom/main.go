package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.engicom/config.toml,
// or in the YAML file named by --config.
type Config struct {
	Default ConfigDefault `toml:"default" yaml:"default"`
	Auth    ConfigAuth    `toml:"auth" yaml:"auth"`
}

// ConfigDefault holds general SDK settings.
type ConfigDefault struct {
	BaseURL   string  `toml:"base_url" yaml:"base_url"`
	Timeout   string  `toml:"timeout" yaml:"timeout"`
	RateLimit float64 `toml:"rate_limit" yaml:"rate_limit"`
}

// ConfigAuth holds the session token and the identity it carries.
type ConfigAuth struct {
	Token  string `toml:"token" yaml:"token"`
	UserID string `toml:"user_id" yaml:"user_id"`
}

// ============================================================================
// Config helpers
// ============================================================================

var (
	configFlag  string
	verboseFlag bool
)

// configDir returns the path to ~/.engicom, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".engicom")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	if configFlag != "" {
		return configFlag, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yml" || ext == ".yaml"
}

// loadConfig reads the config file and applies ENGICOM_* environment
// overrides (a .env file in the working directory is honored).
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// readConfigFile parses the config file alone. If the file does not exist
// it returns a zero-value Config. Commands that write the file back use it
// so environment values never end up on disk.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if isYAML(path) {
			err = yaml.Unmarshal(data, &cfg)
		} else {
			err = toml.Unmarshal(data, &cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("cannot parse config: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	return &cfg, nil
}

// envOverrides maps environment variables to the config key they replace.
var envOverrides = []struct {
	env string
	key string
}{
	{"ENGICOM_BASE_URL", "default.base_url"},
	{"ENGICOM_TIMEOUT", "default.timeout"},
	{"ENGICOM_TOKEN", "auth.token"},
}

// applyEnvOverrides copies set ENGICOM_* variables into cfg and returns the
// names of the variables it applied.
func applyEnvOverrides(cfg *Config) []string {
	_ = godotenv.Load(".env")

	var applied []string
	for _, o := range envOverrides {
		v := os.Getenv(o.env)
		if v == "" {
			continue
		}
		if err := setConfigValue(cfg, o.key, v); err != nil {
			continue
		}
		applied = append(applied, o.env)
	}
	return applied
}

// saveConfig writes the config struct back to disk in the format of its path.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	var data []byte
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = toml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "timeout":
			cfg.Default.Timeout = value
		case "rate_limit":
			rps, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return fmt.Errorf("rate_limit must be a number: %w", err)
			}
			cfg.Default.RateLimit = rps
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "engicom",
	Short: "Engicom chat CLI",
	Long:  "Command-line interface for the Engicom chat SDK.\nRead and send messages, manage notifications, and watch live push events.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (.toml or .yaml; default ~/.engicom/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Log SDK activity to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
