package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	engicom "github.com/engicom/engicom/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or change CLI settings",
	Long: "Inspect or change the CLI settings. They live in ~/.engicom/config.toml unless\n" +
		"--config names another file; a .yaml or .yml path switches the format to YAML.\n" +
		"ENGICOM_BASE_URL, ENGICOM_TIMEOUT and ENGICOM_TOKEN (also read from ./.env)\n" +
		"override the file without changing it.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings and where each one comes from",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		_, statErr := os.Stat(path)

		cfg, err := readConfigFile()
		if err != nil {
			return err
		}
		applied := applyEnvOverrides(cfg)
		describeConfig(cmd.OutOrStdout(), path, statErr == nil, cfg, applied)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write one setting to the config file",
	Long:  "Write one setting using section.field keys.\nExample: engicom config set default.base_url http://localhost:8080",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		shown := value
		if key == "auth.token" {
			shown = maskKey(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, shown)
		for _, o := range envOverrides {
			if o.key == key && os.Getenv(o.env) != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Note: %s is set and still takes precedence.\n", o.env)
			}
		}
		return nil
	},
}

// describeConfig renders the effective settings. Values that came from the
// environment are tagged with the variable name, unset ones with their default.
func describeConfig(w io.Writer, path string, exists bool, cfg *Config, applied []string) {
	format := "toml"
	if isYAML(path) {
		format = "yaml"
	}
	state := ""
	if !exists {
		state = ", not created yet"
	}
	fmt.Fprintf(w, "File:      %s (%s%s)\n", path, format, state)
	if len(applied) == 0 {
		fmt.Fprintln(w, "Overrides: none")
	} else {
		fmt.Fprintf(w, "Overrides: %s\n", strings.Join(applied, ", "))
	}
	fmt.Fprintln(w)

	source := func(key string) string {
		for _, o := range envOverrides {
			if o.key != key {
				continue
			}
			for _, name := range applied {
				if name == o.env {
					return " [" + o.env + "]"
				}
			}
		}
		return ""
	}

	rate := "unlimited (default)"
	if cfg.Default.RateLimit > 0 {
		rate = strconv.FormatFloat(cfg.Default.RateLimit, 'f', -1, 64) + " req/s"
	}
	token := "(not set)"
	if cfg.Auth.Token != "" {
		token = maskKey(cfg.Auth.Token)
	}

	rows := []struct{ key, value string }{
		{"default.base_url", valueOrDefault(cfg.Default.BaseURL, engicom.DefaultBaseURL+" (default)")},
		{"default.timeout", valueOrDefault(cfg.Default.Timeout, engicom.DefaultTimeout.String()+" (default)")},
		{"default.rate_limit", rate},
		{"auth.user_id", valueOrDefault(cfg.Auth.UserID, "(not set)")},
		{"auth.token", token},
	}
	for _, r := range rows {
		fmt.Fprintf(w, "  %-20s %s%s\n", r.key, r.value, source(r.key))
	}
}
