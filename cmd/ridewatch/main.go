package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/ridewatch/ridewatch-go/internal/logging"
)

// ============================================================================
// Config types
// ============================================================================

// Config is the CLI configuration stored in ~/.ridewatch/config.toml.
// RIDEWATCH_* environment variables override file values at run time.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds endpoint and logging settings.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url" env:"BASE_URL"`
	RealtimeURL string `toml:"realtime_url" env:"REALTIME_URL"`
	LogLevel    string `toml:"log_level" env:"LOG_LEVEL"`
	LogFormat   string `toml:"log_format" env:"LOG_FORMAT"`
}

// ConfigAuth holds the signed-in identity.
type ConfigAuth struct {
	Token  string `toml:"token" env:"TOKEN"`
	UserID string `toml:"user_id" env:"USER_ID"`
	Role   string `toml:"role" env:"ROLE"`
	Name   string `toml:"name" env:"NAME"`
}

const envPrefix = "RIDEWATCH_"

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns ~/.ridewatch, creating it if needed. RIDEWATCH_HOME
// overrides the location.
func configDir() (string, error) {
	dir := os.Getenv(envPrefix + "HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".ridewatch")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file only. A missing file yields a zero Config.
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

// loadSettings is loadConfig with the environment applied on top. Never
// save its result: that would persist environment overrides.
func loadSettings() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("cannot read environment: %w", err)
	}
	return cfg, nil
}

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

// setConfigValue sets a field using dot notation (e.g. "default.base_url").
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
		case "realtime_url":
			cfg.Default.RealtimeURL = value
		case "log_level":
			cfg.Default.LogLevel = value
		case "log_format":
			cfg.Default.LogFormat = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "role":
			cfg.Auth.Role = value
		case "name":
			cfg.Auth.Name = value
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

var (
	flagLogLevel  string
	flagLogFormat string

	// logger is configured in the root PersistentPreRunE.
	logger = logging.Discard()
)

var rootCmd = &cobra.Command{
	Use:   "ridewatch",
	Short: "Ride-hailing client CLI",
	Long: "Command-line client for the ride-hailing backend.\n" +
		"Sign in, request and manage trips, follow a trip live, or run a driver session.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Local runs may keep RIDEWATCH_* overrides in a .env file.
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, ".env load warning: %v\n", err)
		}

		cfg, err := loadSettings()
		if err != nil {
			return err
		}
		level, format := cfg.Default.LogLevel, cfg.Default.LogFormat
		if level == "" || cmd.Flags().Changed("log-level") {
			level = flagLogLevel
		}
		if format == "" || cmd.Flags().Changed("log-format") {
			format = flagLogFormat
		}
		logger = logging.New(os.Stderr, logging.Config{Level: level, Format: format}).
			With(slog.String("run_id", uuid.NewString()))
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format: text or json")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
