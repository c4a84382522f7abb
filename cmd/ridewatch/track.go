package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	ridewatch "github.com/ridewatch/ridewatch-go"
)

var (
	trackRaw       bool
	trackUntilDone bool
)

func init() {
	trackCmd.Flags().BoolVar(&trackRaw, "raw", false, "Also print every raw frame")
	trackCmd.Flags().BoolVar(&trackUntilDone, "until-done", true, "Exit once the trip completes or is cancelled")
	rootCmd.AddCommand(trackCmd)
}

var trackCmd = &cobra.Command{
	Use:   "track <trip-id>",
	Short: "Follow a trip's status and driver position live",
	Long: "Open the trip's realtime channel and print status, location, payment and rating events\n" +
		"until interrupted. The channel reconnects on its own after network drops.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return err
		}
		return runTrack(cmd.Context(), client, args[0])
	},
}

func runTrack(parent context.Context, client *ridewatch.Client, tripID string) error {
	ctx, stop := signalContext(parent)
	defer stop()

	tracker, err := ridewatch.NewTracker(0)
	if err != nil {
		return err
	}

	reqCtx, cancel := requestContext()
	trip, err := client.Trips.Get(reqCtx, tripID)
	cancel()
	if err != nil {
		return fmt.Errorf("cannot load trip %s: %w", tripID, err)
	}
	fmt.Printf("Tracking trip %s (%s)\n", trip.ID, trip.Status)
	if isFinished(trip.Status) && trackUntilDone {
		return nil
	}
	if trip.DriverID != "" {
		seedCtx, cancel := requestContext()
		if err := tracker.Seed(seedCtx, client.Locations, trip.DriverID); err != nil {
			logger.Warn("initial driver position unavailable", slog.Any("error", err))
		} else if pos, ok := tracker.Position(trip.DriverID); ok {
			fmt.Printf("[%s] driver %s at %s\n", clock(), pos.DriverID, formatLatLng(pos.Lat, pos.Lng))
		}
		cancel()
	}

	sess := client.Realtime.NewSession(nil)
	defer sess.Close()

	tracker.Attach(sess)
	sess.OnConnectivity(func(up bool) {
		if up {
			fmt.Printf("[%s] live\n", clock())
		} else {
			fmt.Printf("[%s] connection lost, retrying\n", clock())
		}
	})
	sess.OnTrip(func(e ridewatch.TripEvent) {
		fmt.Printf("[%s] %s driver=%s fare=%s\n", clock(), e.EventType(), valueOrDefault(e.DriverID, "-"), formatFare(e.Fare))
	})
	sess.OnStatus(func(e ridewatch.StatusEvent) {
		fmt.Printf("[%s] status %s\n", clock(), e.Status)
		if trackUntilDone && isFinished(e.Status) {
			stop()
		}
	})
	sess.OnLocation(func(e ridewatch.LocationEvent) {
		fmt.Printf("[%s] driver at %s\n", clock(), formatLatLng(e.Latitude, e.Longitude))
	})
	sess.OnPayment(func(e ridewatch.PaymentEvent) {
		fmt.Printf("[%s] payment %s %.2f\n", clock(), valueOrDefault(e.Status, "processed"), e.Amount)
	})
	sess.OnRating(func(e ridewatch.RatingEvent) {
		fmt.Printf("[%s] rated %d/5\n", clock(), e.Rating)
	})
	if trackRaw {
		sess.OnFunc(ridewatch.AllEvents, func(ev ridewatch.Event) {
			fmt.Printf("[%s] %s %s\n", clock(), ev.Type, ev.Payload)
		})
	}

	sess.OnReconnecting(func(attempt int, delay time.Duration) {
		logger.Info("trip channel reconnecting", slog.Int("attempt", attempt), slog.Duration("delay", delay))
	})
	sess.OnFailed(func(cause error) {
		fmt.Printf("[%s] giving up: %v\n", clock(), cause)
		stop()
	})

	sess.Bind(ctx, ridewatch.TripTrackingPath(tripID), client.Realtime.Params())

	<-ctx.Done()
	return nil
}

func isFinished(status string) bool {
	return status == ridewatch.TripCompleted || status == ridewatch.TripCancelled
}
