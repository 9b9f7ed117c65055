package main

import (
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/talenthub/chatsync"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the config file as stored")
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync configuration stored in ~/.chatsync/config.toml.\nCHATSYNC_* environment variables override the file.",
}

var configShowRaw bool

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration commands run with: the config file merged with CHATSYNC_* environment overrides. The token is masked.\nWith --raw, print the config file as stored.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if configShowRaw {
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No configuration file found. Run 'chatsync config set default.api_url <url>' to create one.")
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		s, err := loadSettings()
		if err != nil {
			return err
		}
		data, err := toml.Marshal(effectiveConfig(s))
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Printf("# file: %s\n", path)
		if keys := envOverrides(envCfg); len(keys) > 0 {
			fmt.Printf("# overridden by: %s\n", strings.Join(keys, ", "))
		}
		fmt.Print(string(data))
		return nil
	},
}

// effectiveConfig renders settings back into the file layout, token masked.
func effectiveConfig(s *settings) *Config {
	cfg := &Config{
		Default: ConfigDefault{APIURL: s.APIURL, DataDir: s.DataDir, MetricsAddr: s.MetricsAddr},
		Auth:    ConfigAuth{UserID: s.Identity.UserID, Role: string(s.Identity.Role)},
	}
	if s.Identity.Token != "" {
		cfg.Auth.Token = maskToken(s.Identity.Token)
	}
	return cfg
}

// envOverrides lists the environment variables that take precedence over the
// file.
func envOverrides(env chatsync.EnvConfig) []string {
	var keys []string
	for _, kv := range []struct{ key, val string }{
		{chatsync.EnvAPIURL, env.APIURL},
		{chatsync.EnvToken, env.Token},
		{chatsync.EnvUserID, env.UserID},
		{chatsync.EnvRole, string(env.Role)},
	} {
		if kv.val != "" {
			keys = append(keys, kv.key)
		}
	}
	return keys
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set auth.token eyJhbGciOi...",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			value = maskToken(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
