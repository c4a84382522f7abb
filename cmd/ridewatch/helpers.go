package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	ridewatch "github.com/ridewatch/ridewatch-go"
)

const requestTimeout = 15 * time.Second

// newClient builds a client from the effective settings. The identity is
// attached when one is stored.
func newClient(cfg *Config) *ridewatch.Client {
	opts := []ridewatch.ClientOption{
		ridewatch.WithTimeout(requestTimeout),
		ridewatch.WithLogger(logger),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, ridewatch.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.RealtimeURL != "" {
		opts = append(opts, ridewatch.WithRealtimeURL(cfg.Default.RealtimeURL))
	}
	if cfg.Auth.Token != "" {
		opts = append(opts, ridewatch.WithToken(cfg.Auth.Token))
	}
	if cfg.Auth.UserID != "" {
		role, _ := ridewatch.ParseRole(cfg.Auth.Role)
		opts = append(opts, ridewatch.WithIdentity(role, cfg.Auth.UserID))
	}
	return ridewatch.NewClient(opts...)
}

// getClient loads settings and requires a signed-in identity.
func getClient() (*ridewatch.Client, error) {
	cfg, err := loadSettings()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.UserID == "" {
		return nil, fmt.Errorf("not signed in; run 'ridewatch login' or 'ridewatch register' first")
	}
	return newClient(cfg), nil
}

// getDriverClient is getClient restricted to driver accounts.
func getDriverClient() (*ridewatch.Client, error) {
	client, err := getClient()
	if err != nil {
		return nil, err
	}
	if client.Role() != ridewatch.RoleDriver {
		return nil, fmt.Errorf("this command needs a driver account (signed in as %q)", client.Role())
	}
	return client, nil
}

// signalContext is cancelled on Ctrl-C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// parseLatLng parses "lat,lng".
func parseLatLng(s string) (ridewatch.LatLng, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return ridewatch.LatLng{}, fmt.Errorf("expected lat,lng but got %q", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil || lat < -90 || lat > 90 {
		return ridewatch.LatLng{}, fmt.Errorf("invalid latitude in %q", s)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil || lng < -180 || lng > 180 {
		return ridewatch.LatLng{}, fmt.Errorf("invalid longitude in %q", s)
	}
	return ridewatch.LatLng{Lat: lat, Lng: lng}, nil
}

func formatLatLng(lat, lng float64) string {
	return fmt.Sprintf("%.5f,%.5f", lat, lng)
}

func formatFare(fare *float64) string {
	if fare == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *fare)
}

// maskToken shows the first 6 and last 4 characters of a token.
func maskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 12 {
		return strings.Repeat("*", len(token))
	}
	return token[:6] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// clock prints wall-clock timestamps for live event lines.
func clock() string {
	return time.Now().Format("15:04:05")
}
