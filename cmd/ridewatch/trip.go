package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	ridewatch "github.com/ridewatch/ridewatch-go"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	tripJSON bool

	// trip request
	tripPickup  string
	tripDropoff string
	tripTrack   bool

	// trip rate
	tripRateComment string

	// nearby
	nearbyAt     string
	nearbyRadius float64
)

// ============================================================================
// Root trip command
// ============================================================================

var tripCmd = &cobra.Command{
	Use:   "trip",
	Short: "Request and manage trips",
}

// ============================================================================
// trip request
// ============================================================================

var tripRequestCmd = &cobra.Command{
	Use:   "request",
	Short: "Request a ride",
	Long: "Request a ride between two points given as lat,lng.\n" +
		"Example: ridewatch trip request --pickup 40.7484,-73.9857 --dropoff 40.7580,-73.9855 --track",
	RunE: func(cmd *cobra.Command, args []string) error {
		pickup, err := parseLatLng(tripPickup)
		if err != nil {
			return fmt.Errorf("--pickup: %w", err)
		}
		dropoff, err := parseLatLng(tripDropoff)
		if err != nil {
			return fmt.Errorf("--dropoff: %w", err)
		}
		client, err := getClient()
		if err != nil {
			return err
		}

		ctx, cancel := requestContext()
		defer cancel()

		trip, err := client.Trips.Request(ctx, &ridewatch.TripRequest{
			PickupLat:  pickup.Lat,
			PickupLng:  pickup.Lng,
			DropoffLat: dropoff.Lat,
			DropoffLng: dropoff.Lng,
		})
		if err != nil {
			return fmt.Errorf("trip request failed: %w", err)
		}
		if err := printTrip(trip); err != nil {
			return err
		}
		if !tripTrack {
			return nil
		}
		fmt.Println()
		return runTrack(cmd.Context(), client, trip.ID)
	},
}

// ============================================================================
// trip accept / status / get / cancel
// ============================================================================

var tripAcceptCmd = &cobra.Command{
	Use:   "accept <trip-id>",
	Short: "Accept an offered trip (drivers)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getDriverClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		trip, err := client.Trips.Accept(ctx, args[0])
		if err != nil {
			return fmt.Errorf("accept failed: %w", err)
		}
		return printTrip(trip)
	},
}

var tripStatusCmd = &cobra.Command{
	Use:   "status <trip-id> <status>",
	Short: "Move a trip to ARRIVED, IN_PROGRESS or COMPLETED (drivers)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		status := strings.ToUpper(args[1])
		switch status {
		case ridewatch.TripArrived, ridewatch.TripInProgress, ridewatch.TripCompleted:
		default:
			return fmt.Errorf("invalid status %q (valid: ARRIVED, IN_PROGRESS, COMPLETED)", args[1])
		}
		client, err := getDriverClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		trip, err := client.Trips.UpdateStatus(ctx, args[0], status)
		if err != nil {
			return fmt.Errorf("status update failed: %w", err)
		}
		return printTrip(trip)
	},
}

var tripGetCmd = &cobra.Command{
	Use:   "get <trip-id>",
	Short: "Show one trip",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		trip, err := client.Trips.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		return printTrip(trip)
	},
}

var tripCancelCmd = &cobra.Command{
	Use:   "cancel <trip-id>",
	Short: "Cancel a trip",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		if err := client.Trips.Cancel(ctx, args[0]); err != nil {
			return fmt.Errorf("cancel failed: %w", err)
		}
		fmt.Printf("Trip %s cancelled.\n", args[0])
		return nil
	},
}

// ============================================================================
// trip history
// ============================================================================

var tripHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List your trips",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		trips, err := client.Trips.History(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if tripJSON {
			return printJSON(trips)
		}
		if len(trips) == 0 {
			fmt.Println("No trips yet.")
			return nil
		}
		for _, t := range trips {
			fmt.Printf("%-36s  %-11s  fare %-8s  %s\n", t.ID, t.Status, formatFare(t.Fare), t.CreatedAt)
		}
		return nil
	},
}

// ============================================================================
// trip rate
// ============================================================================

var tripRateCmd = &cobra.Command{
	Use:   "rate <trip-id> <1-5>",
	Short: "Rate a completed trip",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rating, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("rating must be a number from 1 to 5")
		}
		client, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		if err := client.Trips.Rate(ctx, args[0], &ridewatch.TripRating{Rating: rating, Comment: tripRateComment}); err != nil {
			return fmt.Errorf("rating failed: %w", err)
		}
		fmt.Printf("Rated trip %s %d/5.\n", args[0], rating)
		return nil
	},
}

// ============================================================================
// nearby
// ============================================================================

var nearbyCmd = &cobra.Command{
	Use:   "nearby",
	Short: "List drivers near a point",
	RunE: func(cmd *cobra.Command, args []string) error {
		at, err := parseLatLng(nearbyAt)
		if err != nil {
			return fmt.Errorf("--at: %w", err)
		}
		cfg, err := loadSettings()
		if err != nil {
			return err
		}
		client := newClient(cfg)

		ctx, cancel := requestContext()
		defer cancel()

		drivers, err := client.Locations.Nearby(ctx, at.Lat, at.Lng, nearbyRadius)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if tripJSON {
			return printJSON(drivers)
		}
		if len(drivers) == 0 {
			fmt.Println("No drivers nearby.")
			return nil
		}
		for _, d := range drivers {
			fmt.Printf("%-36s  %s  %s\n", d.DriverID, formatLatLng(d.Lat, d.Lng), valueOrDefault(d.LastUpdated, "-"))
		}
		return nil
	},
}

func printTrip(t *ridewatch.Trip) error {
	if tripJSON {
		return printJSON(t)
	}
	fmt.Printf("Trip:     %s\n", t.ID)
	fmt.Printf("Status:   %s\n", t.Status)
	fmt.Printf("Rider:    %s\n", t.RiderID)
	fmt.Printf("Driver:   %s\n", valueOrDefault(t.DriverID, "(unassigned)"))
	fmt.Printf("Pickup:   %s\n", formatLatLng(t.PickupLat, t.PickupLng))
	fmt.Printf("Dropoff:  %s\n", formatLatLng(t.DropoffLat, t.DropoffLng))
	fmt.Printf("Fare:     %s\n", formatFare(t.Fare))
	if t.CreatedAt != "" {
		fmt.Printf("Created:  %s\n", t.CreatedAt)
	}
	return nil
}

func init() {
	defaultPickup := formatLatLng(ridewatch.DefaultPickup.Lat, ridewatch.DefaultPickup.Lng)
	defaultDropoff := formatLatLng(ridewatch.DefaultDropoff.Lat, ridewatch.DefaultDropoff.Lng)

	tripCmd.PersistentFlags().BoolVar(&tripJSON, "json", false, "Output JSON")

	tripRequestCmd.Flags().StringVar(&tripPickup, "pickup", defaultPickup, "Pickup point as lat,lng")
	tripRequestCmd.Flags().StringVar(&tripDropoff, "dropoff", defaultDropoff, "Dropoff point as lat,lng")
	tripRequestCmd.Flags().BoolVar(&tripTrack, "track", false, "Follow the trip live after requesting it")

	tripRateCmd.Flags().StringVar(&tripRateComment, "comment", "", "Optional comment")

	nearbyCmd.Flags().StringVar(&nearbyAt, "at", defaultPickup, "Search point as lat,lng")
	nearbyCmd.Flags().Float64Var(&nearbyRadius, "radius", 0, "Search radius in km (server default when 0)")
	nearbyCmd.Flags().BoolVar(&tripJSON, "json", false, "Output JSON")

	tripCmd.AddCommand(tripRequestCmd)
	tripCmd.AddCommand(tripAcceptCmd)
	tripCmd.AddCommand(tripStatusCmd)
	tripCmd.AddCommand(tripGetCmd)
	tripCmd.AddCommand(tripCancelCmd)
	tripCmd.AddCommand(tripHistoryCmd)
	tripCmd.AddCommand(tripRateCmd)

	rootCmd.AddCommand(tripCmd)
	rootCmd.AddCommand(nearbyCmd)
}
