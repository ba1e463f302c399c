package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/LuminPulse-AI/chatsync/internal/logging"
	"github.com/LuminPulse-AI/chatsync/redisstore"
	"github.com/LuminPulse-AI/chatsync/s3blob"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default    ConfigDefault     `toml:"default"`
	Translator ConfigTranslator  `toml:"translator"`
	S3         s3blob.Config     `toml:"s3"`
	Redis      redisstore.Config `toml:"redis"`
	Server     ConfigServer      `toml:"server"`
	Log        logging.Config    `toml:"log"`
}

// ConfigDefault holds the client session settings.
type ConfigDefault struct {
	Backend      string `toml:"backend"` // "ws" or "redis"
	ServerURL    string `toml:"server_url"`
	Token        string `toml:"token"`
	UserID       string `toml:"user_id,omitempty"`
	Conversation string `toml:"conversation,omitempty"`
	Language     string `toml:"language,omitempty"`
}

type ConfigTranslator struct {
	Endpoint string `toml:"endpoint,omitempty"`
	APIKey   string `toml:"api_key,omitempty"`
}

// ConfigServer holds settings for "chatsync serve".
type ConfigServer struct {
	Addr    string `toml:"addr,omitempty"`
	Secret  string `toml:"secret,omitempty"`
	Backend string `toml:"backend,omitempty"` // "memory" or "redis"
}

// ============================================================================
// Config helpers
// ============================================================================

var configFile string

// configPath returns the config file, ~/.chatsync/config.toml unless
// overridden by --config.
func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".chatsync", "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
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

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
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

type setter func(cfg *Config, value string) error

func str(field func(*Config) *string) setter {
	return func(cfg *Config, v string) error {
		*field(cfg) = v
		return nil
	}
}

// configFields maps dot-notation keys to their setters.
var configFields = map[string]setter{
	"default.backend":      str(func(c *Config) *string { return &c.Default.Backend }),
	"default.server_url":   str(func(c *Config) *string { return &c.Default.ServerURL }),
	"default.token":        str(func(c *Config) *string { return &c.Default.Token }),
	"default.user_id":      str(func(c *Config) *string { return &c.Default.UserID }),
	"default.conversation": str(func(c *Config) *string { return &c.Default.Conversation }),
	"default.language":     str(func(c *Config) *string { return &c.Default.Language }),

	"translator.endpoint": str(func(c *Config) *string { return &c.Translator.Endpoint }),
	"translator.api_key":  str(func(c *Config) *string { return &c.Translator.APIKey }),

	"s3.endpoint":          str(func(c *Config) *string { return &c.S3.Endpoint }),
	"s3.region":            str(func(c *Config) *string { return &c.S3.Region }),
	"s3.bucket":            str(func(c *Config) *string { return &c.S3.Bucket }),
	"s3.access_key_id":     str(func(c *Config) *string { return &c.S3.AccessKeyID }),
	"s3.secret_access_key": str(func(c *Config) *string { return &c.S3.SecretAccessKey }),
	"s3.public_url":        str(func(c *Config) *string { return &c.S3.PublicURL }),
	"s3.use_path_style": func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("s3.use_path_style: %w", err)
		}
		c.S3.UsePathStyle = b
		return nil
	},

	"redis.address":  str(func(c *Config) *string { return &c.Redis.Address }),
	"redis.password": str(func(c *Config) *string { return &c.Redis.Password }),
	"redis.prefix":   str(func(c *Config) *string { return &c.Redis.Prefix }),
	"redis.db": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("redis.db: %w", err)
		}
		c.Redis.DB = n
		return nil
	},

	"server.addr":    str(func(c *Config) *string { return &c.Server.Addr }),
	"server.secret":  str(func(c *Config) *string { return &c.Server.Secret }),
	"server.backend": str(func(c *Config) *string { return &c.Server.Backend }),

	"log.level": str(func(c *Config) *string { return &c.Log.Level }),
	"log.pretty": func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("log.pretty: %w", err)
		}
		c.Log.Pretty = &b
		return nil
	},
}

// setConfigValue sets a config field using dot notation (e.g. "default.token").
func setConfigValue(cfg *Config, key, value string) error {
	if !strings.Contains(key, ".") {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.server_url)")
	}
	set, ok := configFields[key]
	if !ok {
		return fmt.Errorf("unknown config key %q (valid: %s)", key, strings.Join(configKeys(), ", "))
	}
	return set(cfg, value)
}

func configKeys() []string {
	keys := make([]string, 0, len(configFields))
	for k := range configFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// overlay applies CHATSYNC_* environment variables and explicitly set flags
// on top of the file config. default.server_url comes from CHATSYNC_DEFAULT_SERVER_URL
// or --server.
func overlay(cfg *Config, cmd *cobra.Command) error {
	v := viper.New()
	v.SetEnvPrefix("CHATSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	flags := map[string]string{
		"server":       "default.server_url",
		"token":        "default.token",
		"conversation": "default.conversation",
		"log-level":    "log.level",
	}
	for flag, key := range flags {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	for _, key := range configKeys() {
		if !v.IsSet(key) {
			continue
		}
		if err := setConfigValue(cfg, key, v.GetString(key)); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// config commands
// ============================================================================

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Fprintln(cmd.OutOrStdout(), "No configuration file found. Run 'chatsync init <server-url> <token>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.conversation conv-42",
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

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}
