package main

import (
	"fmt"

	"github.com/spf13/cobra"

	ridewatch "github.com/ridewatch/ridewatch-go"
)

var (
	registerName     string
	registerEmail    string
	registerPhone    string
	registerPassword string
	registerRole     string
	registerLicence  string
	registerVehicle  string

	loginEmail    string
	loginPassword string
)

func init() {
	registerCmd.Flags().StringVar(&registerName, "name", "", "Full name (required)")
	registerCmd.Flags().StringVar(&registerEmail, "email", "", "Email address (required)")
	registerCmd.Flags().StringVar(&registerPhone, "phone", "", "Phone number")
	registerCmd.Flags().StringVar(&registerPassword, "password", "", "Password (required)")
	registerCmd.Flags().StringVar(&registerRole, "role", "rider", "Account role: rider or driver")
	registerCmd.Flags().StringVar(&registerLicence, "licence", "", "Driving licence number (drivers)")
	registerCmd.Flags().StringVar(&registerVehicle, "vehicle", "", "Vehicle description (drivers)")
	_ = registerCmd.MarkFlagRequired("name")
	_ = registerCmd.MarkFlagRequired("email")
	_ = registerCmd.MarkFlagRequired("password")

	loginCmd.Flags().StringVar(&loginEmail, "email", "", "Email address")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Password")
	_ = loginCmd.MarkFlagRequired("email")
	_ = loginCmd.MarkFlagRequired("password")

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create a rider or driver account",
	Long:  "Register a new account and store the returned identity locally.",
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := ridewatch.ParseRole(registerRole)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		settings, err := loadSettings()
		if err != nil {
			return err
		}
		client := newClient(settings)

		ctx, cancel := requestContext()
		defer cancel()

		res, err := client.Users.Register(ctx, &ridewatch.RegisterRequest{
			Name:          registerName,
			Email:         registerEmail,
			Phone:         registerPhone,
			Password:      registerPassword,
			Role:          role,
			LicenceNumber: registerLicence,
			VehicleInfo:   registerVehicle,
		})
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}

		cfg.Auth.UserID = res.ID
		cfg.Auth.Role = string(valueOrDefaultRole(res.Role, role))
		cfg.Auth.Name = res.Name
		cfg.Auth.Token = res.Token
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Registration successful!")
		fmt.Printf("  User ID: %s\n", res.ID)
		fmt.Printf("  Name:    %s\n", res.Name)
		fmt.Printf("  Role:    %s\n", cfg.Auth.Role)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and store the identity locally",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		settings, err := loadSettings()
		if err != nil {
			return err
		}
		client := newClient(settings)

		ctx, cancel := requestContext()
		defer cancel()

		res, err := client.Users.Login(ctx, &ridewatch.LoginRequest{Email: loginEmail, Password: loginPassword})
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		cfg.Auth.Token = res.Token
		cfg.Auth.UserID = res.User.ID
		cfg.Auth.Role = string(res.User.Role)
		cfg.Auth.Name = res.User.Name
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Signed in as %s (%s, %s)\n", res.User.Name, res.User.Role, res.User.ID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Signed out.")
		return nil
	},
}

func valueOrDefaultRole(got, requested ridewatch.Role) ridewatch.Role {
	if got == "" {
		return requested
	}
	return got
}
