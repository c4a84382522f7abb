package ridewatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultPublishInterval is how often a LocationPublisher reports.
const DefaultPublishInterval = 5 * time.Second

// PositionFix is one reading from a position source.
type PositionFix struct {
	Lat     float64
	Lng     float64
	Heading *float64
	Speed   *float64
}

// PositionSource yields the device's latest fix. ok is false until the
// first fix is available.
type PositionSource interface {
	Latest() (fix PositionFix, ok bool)
}

// LocationReporter accepts position reports. *LocationsClient implements it.
type LocationReporter interface {
	Update(ctx context.Context, update *LocationUpdate) error
}

// PublisherConfig configures a LocationPublisher.
type PublisherConfig struct {
	DriverID string
	// TripID is attached to reports while the driver is on a trip.
	TripID   string
	Interval time.Duration
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// LocationPublisher streams a driver's position to the backend on a fixed
// interval. Failed reports are logged and the next tick tries again.
type LocationPublisher struct {
	reporter LocationReporter
	source   PositionSource
	config   PublisherConfig

	mu     sync.Mutex
	tripID string
	sent   int
}

func NewLocationPublisher(reporter LocationReporter, source PositionSource, config PublisherConfig) *LocationPublisher {
	if config.Interval <= 0 {
		config.Interval = DefaultPublishInterval
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	config.Logger = config.Logger.With(slog.String("driver_id", config.DriverID))
	return &LocationPublisher{
		reporter: reporter,
		source:   source,
		config:   config,
		tripID:   config.TripID,
	}
}

// SetTrip changes the trip id attached to subsequent reports. Empty clears it.
func (p *LocationPublisher) SetTrip(tripID string) {
	p.mu.Lock()
	p.tripID = tripID
	p.mu.Unlock()
}

// Sent returns how many reports were accepted.
func (p *LocationPublisher) Sent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

// Run publishes until ctx ends. It returns nil on cancellation.
func (p *LocationPublisher) Run(ctx context.Context) error {
	if p.config.DriverID == "" {
		return fmt.Errorf("location publisher requires a driver id")
	}

	ticker := p.config.Clock.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.config.Logger.Info("location publishing started", slog.Duration("interval", p.config.Interval))
	defer p.config.Logger.Info("location publishing stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			p.publish(ctx)
		}
	}
}

func (p *LocationPublisher) publish(ctx context.Context) {
	fix, ok := p.source.Latest()
	if !ok {
		return
	}

	p.mu.Lock()
	tripID := p.tripID
	p.mu.Unlock()

	update := &LocationUpdate{
		DriverID:  p.config.DriverID,
		Lat:       fix.Lat,
		Lng:       fix.Lng,
		Heading:   fix.Heading,
		Speed:     fix.Speed,
		TripID:    tripID,
		Timestamp: p.config.Clock.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := p.reporter.Update(ctx, update); err != nil {
		p.config.Logger.Error("location report failed", slog.Any("error", err))
		return
	}

	p.mu.Lock()
	p.sent++
	p.mu.Unlock()
	p.config.Logger.Debug("location reported", slog.Float64("lat", fix.Lat), slog.Float64("lng", fix.Lng))
}

// ============================================================================
// Simulated route
// ============================================================================

// LatLng is a bare coordinate pair.
type LatLng struct {
	Lat float64 `json:"lat" toml:"lat"`
	Lng float64 `json:"lng" toml:"lng"`
}

// Default simulated coordinates (Manhattan).
var (
	DefaultDriverStart = LatLng{Lat: 40.7400, Lng: -73.9900}
	DefaultPickup      = LatLng{Lat: 40.7484, Lng: -73.9857}
	DefaultDropoff     = LatLng{Lat: 40.7580, Lng: -73.9855}
)

const (
	stepsToPickup  = 8
	stepsToDropoff = 10
	simulatedSpeed = 8.0 // m/s
)

// SimulatedRoute is a PositionSource for testing without GPS. Each call to
// Latest advances one step: start to pickup in 8 steps, then pickup to
// dropoff in 10, then it stays at the dropoff.
type SimulatedRoute struct {
	Start   LatLng
	Pickup  LatLng
	Dropoff LatLng

	mu   sync.Mutex
	tick int
}

// NewSimulatedRoute returns a route over the default coordinates.
func NewSimulatedRoute() *SimulatedRoute {
	return &SimulatedRoute{Start: DefaultDriverStart, Pickup: DefaultPickup, Dropoff: DefaultDropoff}
}

// Latest implements PositionSource.
func (r *SimulatedRoute) Latest() (PositionFix, bool) {
	r.mu.Lock()
	tick := r.tick
	r.tick++
	r.mu.Unlock()

	var lat, lng, heading float64
	if tick <= stepsToPickup {
		t := float64(tick) / stepsToPickup
		lat, lng = lerp(r.Start.Lat, r.Pickup.Lat, t), lerp(r.Start.Lng, r.Pickup.Lng, t)
		heading = 45
	} else {
		t := float64(tick-stepsToPickup) / stepsToDropoff
		lat, lng = lerp(r.Pickup.Lat, r.Dropoff.Lat, t), lerp(r.Pickup.Lng, r.Dropoff.Lng, t)
	}
	speed := simulatedSpeed
	return PositionFix{Lat: lat, Lng: lng, Heading: &heading, Speed: &speed}, true
}

func lerp(a, b, t float64) float64 {
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	return a + (b-a)*t
}
