package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

var initRealtimeURL string

func init() {
	initCmd.Flags().StringVar(&initRealtimeURL, "realtime-url", "", "Realtime endpoint when it differs from the base URL (ws:// or wss://)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Store the backend URL in ~/.ridewatch/config.toml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		base := args[0]
		if u, err := url.Parse(base); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid base URL %q", base)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Default.BaseURL = base
		if initRealtimeURL != "" {
			cfg.Default.RealtimeURL = initRealtimeURL
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Backend URL saved to %s\n", path)
		return nil
	},
}
