package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	ridewatch "github.com/ridewatch/ridewatch-go"
)

var (
	driveAutoAccept bool
	driveInterval   time.Duration
	driveStart      string
)

func init() {
	driveCmd.Flags().BoolVar(&driveAutoAccept, "auto-accept", false, "Accept every trip offer automatically")
	driveCmd.Flags().DurationVar(&driveInterval, "interval", ridewatch.DefaultPublishInterval, "Location report interval")
	driveCmd.Flags().StringVar(&driveStart, "start", formatLatLng(ridewatch.DefaultDriverStart.Lat, ridewatch.DefaultDriverStart.Lng),
		"Simulated starting position as lat,lng")
	rootCmd.AddCommand(driveCmd)
}

var driveCmd = &cobra.Command{
	Use:   "drive",
	Short: "Go online as a driver and receive trip offers",
	Long: "Set the signed-in driver ONLINE, listen for trip offers on the driver channel and\n" +
		"report a simulated position until interrupted. The driver is set OFFLINE on exit.",
	RunE: func(cmd *cobra.Command, args []string) error {
		start, err := parseLatLng(driveStart)
		if err != nil {
			return fmt.Errorf("--start: %w", err)
		}
		client, err := getDriverClient()
		if err != nil {
			return err
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()
		return runDrive(ctx, client, start)
	},
}

func runDrive(ctx context.Context, client *ridewatch.Client, start ridewatch.LatLng) error {
	reqCtx, cancel := requestContext()
	_, err := client.Drivers.UpdateStatus(reqCtx, ridewatch.DriverOnline)
	cancel()
	if err != nil {
		return fmt.Errorf("cannot go online: %w", err)
	}
	fmt.Printf("[%s] online as %s\n", clock(), client.UserID())

	defer func() {
		offCtx, cancel := requestContext()
		defer cancel()
		if _, err := client.Drivers.UpdateStatus(offCtx, ridewatch.DriverOffline); err != nil {
			logger.Error("failed to go offline", slog.Any("error", err))
			return
		}
		fmt.Printf("[%s] offline\n", clock())
	}()

	route := ridewatch.NewSimulatedRoute()
	route.Start = start
	publisher := ridewatch.NewLocationPublisher(client.Locations, route, ridewatch.PublisherConfig{
		DriverID: client.UserID(),
		Interval: driveInterval,
		Logger:   logger,
	})

	sess := client.Realtime.NewSession(nil)
	defer sess.Close()

	offers := make(chan ridewatch.TripEvent, 8)
	sess.OnConnectivity(func(up bool) {
		if up {
			fmt.Printf("[%s] listening for offers\n", clock())
		} else {
			fmt.Printf("[%s] connection lost, retrying\n", clock())
		}
	})
	sess.OnFailed(func(cause error) {
		logger.Error("driver channel gave up, no more offers will arrive", slog.Any("error", cause))
	})
	sess.OnTrip(func(e ridewatch.TripEvent) {
		switch e.EventType() {
		case ridewatch.EventTripMatched, ridewatch.EventTripAccepted:
			fmt.Printf("[%s] %s trip=%s\n", clock(), e.EventType(), e.TripID)
			return
		}
		fmt.Printf("[%s] offer trip=%s pickup=%s fare=%s\n", clock(), e.TripID, describePoint(e.Pickup), formatFare(e.Fare))
		select {
		case offers <- e:
		default:
			logger.Warn("offer dropped, accept queue full", slog.String("trip_id", e.TripID))
		}
	})
	sess.OnStatus(func(e ridewatch.StatusEvent) {
		fmt.Printf("[%s] trip %s status %s\n", clock(), e.TripID, e.Status)
		if isFinished(e.Status) {
			publisher.SetTrip("")
		}
	})

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sess.Bind(gCtx, ridewatch.DriverNotificationsPath, client.Realtime.Params())
		<-gCtx.Done()
		return nil
	})
	g.Go(func() error {
		return publisher.Run(gCtx)
	})
	g.Go(func() error {
		for {
			select {
			case <-gCtx.Done():
				return nil
			case offer := <-offers:
				if !driveAutoAccept || offer.TripID == "" {
					continue
				}
				acceptTrip(gCtx, client, publisher, offer.TripID)
			}
		}
	})
	return g.Wait()
}

func acceptTrip(ctx context.Context, client *ridewatch.Client, publisher *ridewatch.LocationPublisher, tripID string) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	trip, err := client.Trips.Accept(reqCtx, tripID)
	if err != nil {
		logger.Warn("auto-accept failed", slog.String("trip_id", tripID), slog.Any("error", err))
		return
	}
	publisher.SetTrip(trip.ID)
	fmt.Printf("[%s] accepted trip %s\n", clock(), trip.ID)
}

func describePoint(p *ridewatch.LocationPoint) string {
	if p == nil {
		return "-"
	}
	if p.Address != "" {
		return p.Address
	}
	return formatLatLng(p.Latitude, p.Longitude)
}
