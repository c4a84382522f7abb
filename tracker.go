package ridewatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

// DefaultTrackerSize bounds how many drivers a Tracker remembers.
const DefaultTrackerSize = 1024

// DriverPosition is the newest known position of one driver.
type DriverPosition struct {
	DriverID  string
	TripID    string
	Lat       float64
	Lng       float64
	Heading   *float64
	UpdatedAt time.Time
}

// Tracker keeps the latest position per driver from LOCATION_UPDATED events
// and REST lookups. Least recently updated drivers are evicted first.
type Tracker struct {
	// mu orders the compare-and-store in observe; the cache is itself safe.
	mu    sync.Mutex
	cache *lru.Cache[string, DriverPosition]
	now   func() time.Time
}

// NewTracker creates a Tracker holding up to size drivers (DefaultTrackerSize if <= 0).
func NewTracker(size int) (*Tracker, error) {
	if size <= 0 {
		size = DefaultTrackerSize
	}
	cache, err := lru.New[string, DriverPosition](size)
	if err != nil {
		return nil, fmt.Errorf("create position cache: %w", err)
	}
	return &Tracker{cache: cache, now: time.Now}, nil
}

// Attach feeds the Tracker from s and returns the listener for OffAll.
func (t *Tracker) Attach(s *Session) *Listener {
	return s.OnLocation(t.Observe)
}

// Observe records a location event. Events older than the stored position
// are ignored. Events without a driver id are keyed by trip id.
func (t *Tracker) Observe(e LocationEvent) {
	key := e.DriverID
	if key == "" {
		key = e.TripID
	}
	if key == "" {
		return
	}
	at, ok := e.Time()
	if !ok {
		at = t.now()
	}
	t.observe(DriverPosition{
		DriverID:  key,
		TripID:    e.TripID,
		Lat:       e.Latitude,
		Lng:       e.Longitude,
		Heading:   e.Heading,
		UpdatedAt: at,
	})
}

func (t *Tracker) observe(pos DriverPosition) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.cache.Peek(pos.DriverID); ok && pos.UpdatedAt.Before(prev.UpdatedAt) {
		return false
	}
	t.cache.Add(pos.DriverID, pos)
	return true
}

// Position returns the stored position for driverID.
func (t *Tracker) Position(driverID string) (DriverPosition, bool) {
	return t.cache.Get(driverID)
}

// Positions returns every stored position ordered by driver id.
func (t *Tracker) Positions() []DriverPosition {
	keys := t.cache.Keys()
	out := make([]DriverPosition, 0, len(keys))
	for _, k := range keys {
		if pos, ok := t.cache.Peek(k); ok {
			out = append(out, pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out
}

// Len returns the number of tracked drivers.
func (t *Tracker) Len() int { return t.cache.Len() }

// DriverLocator looks up a driver's last reported position.
type DriverLocator interface {
	Driver(ctx context.Context, driverID string) (*DriverLocation, error)
}

// Seed fetches the current position of each driver concurrently and stores
// them. It fails as a whole if any lookup fails.
func (t *Tracker) Seed(ctx context.Context, locator DriverLocator, driverIDs ...string) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for _, id := range driverIDs {
		g.Go(func() error {
			loc, err := locator.Driver(gCtx, id)
			if err != nil {
				return fmt.Errorf("locate driver %s: %w", id, err)
			}
			at := t.now()
			if loc.LastUpdated != "" {
				if parsed, err := time.Parse(time.RFC3339Nano, loc.LastUpdated); err == nil {
					at = parsed
				}
			}
			t.observe(DriverPosition{
				DriverID:  id,
				Lat:       loc.Lat,
				Lng:       loc.Lng,
				Heading:   loc.Heading,
				UpdatedAt: at,
			})
			return nil
		})
	}
	return g.Wait()
}
