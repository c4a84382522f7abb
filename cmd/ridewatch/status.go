package main

import (
	"fmt"

	"github.com/spf13/cobra"

	ridewatch "github.com/ridewatch/ridewatch-go"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the effective configuration and fetch the live profile of the signed-in user.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadSettings()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client := newClient(cfg)

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:     %s\n", valueOrDefault(cfg.Default.BaseURL, ridewatch.DefaultBaseURL+" (default)"))
		fmt.Printf("  Realtime URL: %s\n", client.Realtime.BaseURL())

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.UserID == "" {
			fmt.Println("  (not signed in)")
			return nil
		}
		fmt.Printf("  User ID: %s\n", cfg.Auth.UserID)
		fmt.Printf("  Name:    %s\n", valueOrDefault(cfg.Auth.Name, "(unknown)"))
		fmt.Printf("  Role:    %s\n", valueOrDefault(cfg.Auth.Role, "(unknown)"))
		fmt.Printf("  Token:   %s\n", valueOrDefault(maskToken(cfg.Auth.Token), "(none)"))

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := requestContext()
		defer cancel()

		me, err := client.Users.Me(ctx)
		if err != nil {
			fmt.Printf("  Error fetching profile: %v\n", err)
			return nil
		}
		fmt.Printf("  Name:  %s\n", me.Name)
		fmt.Printf("  Email: %s\n", me.Email)
		fmt.Printf("  Phone: %s\n", valueOrDefault(me.Phone, "-"))
		fmt.Printf("  Role:  %s\n", me.Role)
		return nil
	},
}
