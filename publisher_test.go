package ridewatch

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type fakeReporter struct {
	mu      sync.Mutex
	updates []LocationUpdate
	failing bool
}

func (f *fakeReporter) Update(_ context.Context, u *LocationUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("backend unavailable")
	}
	f.updates = append(f.updates, *u)
	return nil
}

func (f *fakeReporter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func (f *fakeReporter) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

type staticSource struct {
	fix PositionFix
	ok  bool
}

func (s staticSource) Latest() (PositionFix, bool) { return s.fix, s.ok }

func TestLocationPublisherRequiresDriver(t *testing.T) {
	p := NewLocationPublisher(&fakeReporter{}, NewSimulatedRoute(), PublisherConfig{Logger: discardLogger()})
	if err := p.Run(context.Background()); err == nil {
		t.Fatal("Run without driver id succeeded")
	}
}

func TestLocationPublisherReportsEachTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rep := &fakeReporter{}
	p := NewLocationPublisher(rep, staticSource{fix: PositionFix{Lat: 1, Lng: 2}, ok: true}, PublisherConfig{
		DriverID: "d1",
		Interval: 5 * time.Second,
		Clock:    clock,
		Logger:   discardLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	clock.Advance(5 * time.Second)
	waitFor(t, "first report", func() bool { return rep.count() == 1 })

	p.SetTrip("t1")
	rep.setFailing(true)
	clock.Advance(5 * time.Second)
	settle()
	rep.setFailing(false)
	clock.Advance(5 * time.Second)
	waitFor(t, "second report", func() bool { return rep.count() == 2 })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run = %v, want nil on cancel", err)
	}

	rep.mu.Lock()
	defer rep.mu.Unlock()
	first, second := rep.updates[0], rep.updates[1]
	if first.DriverID != "d1" || first.TripID != "" || first.Lat != 1 {
		t.Fatalf("first = %+v", first)
	}
	if second.TripID != "t1" || second.Timestamp == "" {
		t.Fatalf("second = %+v", second)
	}
	if p.Sent() != 2 {
		t.Fatalf("Sent = %d, want 2", p.Sent())
	}
}

func TestLocationPublisherSkipsWithoutFix(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rep := &fakeReporter{}
	p := NewLocationPublisher(rep, staticSource{}, PublisherConfig{DriverID: "d1", Clock: clock, Logger: discardLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	clock.Advance(DefaultPublishInterval)
	settle()
	if rep.count() != 0 {
		t.Fatalf("reported %d updates without a fix", rep.count())
	}
}

func TestSimulatedRoute(t *testing.T) {
	r := NewSimulatedRoute()

	first, ok := r.Latest()
	if !ok || first.Lat != DefaultDriverStart.Lat || first.Lng != DefaultDriverStart.Lng {
		t.Fatalf("first fix = %+v", first)
	}
	if first.Heading == nil || *first.Heading != 45 {
		t.Fatalf("heading to pickup = %v", first.Heading)
	}

	var fix PositionFix
	for i := 0; i < stepsToPickup; i++ {
		fix, _ = r.Latest()
	}
	if !near(fix.Lat, DefaultPickup.Lat) || !near(fix.Lng, DefaultPickup.Lng) {
		t.Fatalf("fix at pickup step = %+v", fix)
	}

	for i := 0; i < stepsToDropoff+5; i++ {
		fix, _ = r.Latest()
	}
	if !near(fix.Lat, DefaultDropoff.Lat) || !near(fix.Lng, DefaultDropoff.Lng) {
		t.Fatalf("fix past dropoff = %+v", fix)
	}
	if *fix.Heading != 0 || *fix.Speed != simulatedSpeed {
		t.Fatalf("heading/speed = %v/%v", *fix.Heading, *fix.Speed)
	}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }
