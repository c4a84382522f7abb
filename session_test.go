package ridewatch

import (
	"context"
	"errors"
	"net/url"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestSession(t *testing.T) (*Session, *fakeDialer, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	d := &fakeDialer{}
	s := NewSession(testConfig(d, clock))
	t.Cleanup(func() { _ = s.Close() })
	return s, d, clock
}

func TestTripTrackingPath(t *testing.T) {
	if got := TripTrackingPath("abc-123"); got != "/ws/track/abc-123" {
		t.Fatalf("TripTrackingPath = %q", got)
	}
	if got := TripTrackingPath("a/b"); got != "/ws/track/a%2Fb" {
		t.Fatalf("TripTrackingPath escaping = %q", got)
	}
}

func TestActorParams(t *testing.T) {
	driver := ActorParams(RoleDriver, "d1", "tok")
	if driver.Get("driverId") != "d1" || driver.Get("token") != "tok" || driver.Has("riderId") {
		t.Fatalf("driver params = %v", driver)
	}
	rider := ActorParams(RoleRider, "r1", "")
	if rider.Get("riderId") != "r1" || rider.Has("token") {
		t.Fatalf("rider params = %v", rider)
	}
	if anon := ActorParams(RoleRider, "", ""); len(anon) != 0 {
		t.Fatalf("anonymous params = %v", anon)
	}
}

func TestSessionActivateAndDeactivate(t *testing.T) {
	s, d, _ := newTestSession(t)

	if s.Connected() {
		t.Fatal("inactive session reports connected")
	}
	conn := s.Activate(TripTrackingPath("t1"), nil)
	waitFor(t, "connected", s.Connected)
	if s.Path() != "/ws/track/t1" || s.Connection() != conn {
		t.Fatalf("bound path = %q", s.Path())
	}

	s.Deactivate()
	if s.Connected() || s.Connection() != nil {
		t.Fatal("session still bound after Deactivate")
	}
	if conn.State() != StateClosed {
		t.Fatalf("connection state = %s, want closed", conn.State())
	}
	if !d.last().isClosed() {
		t.Fatal("socket left open")
	}
	s.Deactivate()
}

func TestSessionSamePathIsNoop(t *testing.T) {
	s, d, _ := newTestSession(t)
	params := url.Values{"riderId": {"r1"}}

	first := s.Activate(TripTrackingPath("t1"), params)
	waitFor(t, "connected", s.Connected)
	second := s.Activate(TripTrackingPath("t1"), url.Values{"riderId": {"r1"}})

	if first != second {
		t.Fatal("re-activating the same path created a new connection")
	}
	settle()
	if got := d.dials(); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}
}

func TestSessionPathChangeReplacesConnection(t *testing.T) {
	s, d, _ := newTestSession(t)

	first := s.Activate(TripTrackingPath("t1"), nil)
	waitFor(t, "first connected", s.Connected)

	second := s.Activate(TripTrackingPath("t2"), nil)
	if first == second {
		t.Fatal("path change kept the old connection")
	}
	if first.State() != StateClosed {
		t.Fatalf("old connection state = %s, want closed", first.State())
	}
	waitFor(t, "second connected", func() bool { return second.State() == StateOpen })

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.staleOpen != 0 {
		t.Fatalf("%d dials happened while the previous socket was open", d.staleOpen)
	}
	if len(d.targets) != 2 || d.targets[1] != "ws://rides.test/ws/track/t2" {
		t.Fatalf("targets = %v", d.targets)
	}
}

func TestSessionParamsChangeReplacesConnection(t *testing.T) {
	s, _, _ := newTestSession(t)
	first := s.Activate(DriverNotificationsPath, url.Values{"driverId": {"d1"}})
	second := s.Activate(DriverNotificationsPath, url.Values{"driverId": {"d2"}})
	if first == second {
		t.Fatal("identity change kept the old connection")
	}
	if got := second.URL(); got != "ws://rides.test/ws/driver/notifications?driverId=d2" {
		t.Fatalf("URL = %q", got)
	}
}

func TestSessionEmptyPathDeactivates(t *testing.T) {
	s, _, _ := newTestSession(t)
	conn := s.Activate(TripTrackingPath("t1"), nil)
	if got := s.Activate("", nil); got != nil {
		t.Fatal("empty path returned a connection")
	}
	if conn.State() != StateClosed {
		t.Fatalf("state = %s, want closed", conn.State())
	}
}

func TestSessionListenersSurviveReactivation(t *testing.T) {
	s, d, _ := newTestSession(t)

	var (
		mu     sync.Mutex
		status []string
	)
	s.OnStatus(func(e StatusEvent) {
		mu.Lock()
		status = append(status, e.TripID+":"+e.Status)
		mu.Unlock()
	})
	received := func(n int) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(status) == n
		}
	}

	s.Activate(TripTrackingPath("t1"), nil)
	waitFor(t, "t1 connected", s.Connected)
	d.last().push(`{"eventType":"STATUS_CHANGED","tripId":"t1","status":"ARRIVED"}`)
	waitFor(t, "t1 status", received(1))

	s.Activate(TripTrackingPath("t2"), nil)
	waitFor(t, "t2 connected", s.Connected)
	d.last().push(`{"eventType":"STATUS_CHANGED","tripId":"t2","status":"IN_PROGRESS"}`)
	waitFor(t, "t2 status", received(2))

	mu.Lock()
	defer mu.Unlock()
	if status[0] != "t1:ARRIVED" || status[1] != "t2:IN_PROGRESS" {
		t.Fatalf("status = %v", status)
	}
}

func TestSessionOffStopsDelivery(t *testing.T) {
	s, d, _ := newTestSession(t)

	var (
		mu    sync.Mutex
		calls int
	)
	l := s.OnFunc(EventRatingCreated, func(Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	s.On(EventRatingCreated, l)

	s.Activate(TripTrackingPath("t1"), nil)
	waitFor(t, "connected", s.Connected)
	d.last().push(`{"type":"RATING_CREATED","rating":4}`)
	waitFor(t, "rating", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	})

	s.Off(EventRatingCreated, l)
	s.Off(EventRatingCreated, l)
	d.last().push(`{"type":"RATING_CREATED","rating":5}`)
	settle()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestSessionOffAllRemovesTypedListener(t *testing.T) {
	s, _, _ := newTestSession(t)
	l := s.OnTrip(func(TripEvent) {})
	conn := s.Activate(DriverNotificationsPath, nil)
	if conn.Dispatcher().Len(EventTripRequested) != 1 || conn.Dispatcher().Len(legacyTripOffer) != 1 {
		t.Fatal("typed listener not applied to connection")
	}

	s.OffAll(l)
	for _, typ := range []string{EventTripRequested, EventTripMatched, EventTripAccepted, legacyTripOffer, legacyTripOfferLower} {
		if n := conn.Dispatcher().Len(typ); n != 0 {
			t.Fatalf("%s still has %d listeners", typ, n)
		}
	}
}

func TestSessionDeactivateDuringBackoff(t *testing.T) {
	s, d, clock := newTestSession(t)

	conn := s.Activate(TripTrackingPath("t1"), nil)
	waitFor(t, "connected", s.Connected)
	d.last().Close()
	waitState(t, conn, StateReconnecting)

	s.Deactivate()
	clock.Advance(time.Hour)
	settle()
	if got := d.dials(); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}
}

func TestSessionConnectivityHooks(t *testing.T) {
	s, d, clock := newTestSession(t)

	var (
		mu     sync.Mutex
		states []bool
	)
	s.OnConnectivity(func(up bool) {
		mu.Lock()
		states = append(states, up)
		mu.Unlock()
	})
	seen := func(n int) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(states) == n
		}
	}

	s.Activate(TripTrackingPath("t1"), nil)
	waitFor(t, "up", seen(1))
	d.last().Close()
	waitFor(t, "down", seen(2))
	clock.Advance(time.Second)
	waitFor(t, "up again", seen(3))
	s.Deactivate()
	waitFor(t, "released", seen(4))

	mu.Lock()
	defer mu.Unlock()
	want := []bool{true, false, true, false}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("connectivity = %v, want %v", states, want)
		}
	}
}

func TestSessionSendWhenInactive(t *testing.T) {
	s, _, _ := newTestSession(t)
	if err := s.Send("HELLO", nil); err != ErrNotOpen {
		t.Fatalf("Send = %v, want ErrNotOpen", err)
	}
}

func TestSessionSend(t *testing.T) {
	s, d, _ := newTestSession(t)
	s.Activate(DriverNotificationsPath, nil)
	waitFor(t, "connected", s.Connected)

	if err := s.Send("TRIP_ACCEPT", map[string]string{"tripId": "t1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	frames := d.last().frames()
	if len(frames) != 1 || frames[0] != `{"type":"TRIP_ACCEPT","payload":{"tripId":"t1"}}` {
		t.Fatalf("frames = %v", frames)
	}
}

func TestSessionBindReleasesOnCancel(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx, cancel := context.WithCancel(context.Background())

	conn := s.Bind(ctx, TripTrackingPath("t1"), nil)
	waitFor(t, "connected", s.Connected)
	cancel()
	waitFor(t, "released", func() bool { return s.Connection() == nil })
	if conn.State() != StateClosed {
		t.Fatalf("state = %s, want closed", conn.State())
	}
}

func TestSessionBindIgnoresStaleCancel(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx, cancel := context.WithCancel(context.Background())

	s.Bind(ctx, TripTrackingPath("t1"), nil)
	next := s.Activate(TripTrackingPath("t2"), nil)
	cancel()
	settle()

	if s.Connection() != next {
		t.Fatal("cancelling a stale binding released the current connection")
	}
}

// returnsWithin fails the test if fn does not return in time.
func returnsWithin(t *testing.T, what string, fn func()) {
	t.Helper()
	finished := make(chan struct{})
	go func() {
		fn()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s did not return", what)
	}
}

func TestSessionHookMayDeactivate(t *testing.T) {
	s, _, _ := newTestSession(t)

	var offline atomic.Int32
	s.OnConnectivity(func(up bool) {
		if !up {
			offline.Add(1)
			s.Deactivate()
		}
	})

	s.Activate(TripTrackingPath("t1"), nil)
	waitFor(t, "connected", s.Connected)

	returnsWithin(t, "Deactivate", s.Deactivate)
	returnsWithin(t, "Close", func() { _ = s.Close() })
	if got := offline.Load(); got != 1 {
		t.Fatalf("offline hook ran %d times, want 1", got)
	}
	if s.Connection() != nil {
		t.Fatal("session still bound")
	}
}

func TestSessionHookMayReactivate(t *testing.T) {
	s, d, _ := newTestSession(t)

	var moved atomic.Bool
	s.OnConnectivity(func(up bool) {
		if !up && moved.CompareAndSwap(false, true) {
			s.Activate(TripTrackingPath("t3"), nil)
		}
	})

	s.Activate(TripTrackingPath("t1"), nil)
	waitFor(t, "t1 connected", s.Connected)

	var got *Connection
	returnsWithin(t, "Activate", func() { got = s.Activate(TripTrackingPath("t2"), nil) })
	if got != nil {
		t.Fatal("Activate returned a connection the hook already replaced")
	}
	if s.Path() != "/ws/track/t3" {
		t.Fatalf("path = %q, want /ws/track/t3", s.Path())
	}
	waitFor(t, "t3 connected", s.Connected)

	d.mu.Lock()
	defer d.mu.Unlock()
	want := []string{"ws://rides.test/ws/track/t1", "ws://rides.test/ws/track/t3"}
	if len(d.targets) != len(want) || d.targets[0] != want[0] || d.targets[1] != want[1] {
		t.Fatalf("targets = %v, want %v", d.targets, want)
	}
}

func TestSessionBindReleasesWatchers(t *testing.T) {
	s, _, _ := newTestSession(t)
	before := runtime.NumGoroutine()

	for i := 0; i < 50; i++ {
		s.Bind(context.Background(), TripTrackingPath("t1"), nil)
	}
	for i := 0; i < 50; i++ {
		s.Bind(context.Background(), TripTrackingPath(string(rune('a'+i%26))+"x"), nil)
	}
	s.Deactivate()

	waitFor(t, "watchers to exit", func() bool { return runtime.NumGoroutine() <= before })
}

func TestSessionReconnectAndFailureHooks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := &fakeDialer{}
	cfg := testConfig(d, clock)
	cfg.MaxReconnectAttempts = 1
	s := NewSession(cfg)
	t.Cleanup(func() { _ = s.Close() })

	var (
		mu      sync.Mutex
		retries []time.Duration
		causes  []error
	)
	s.OnReconnecting(func(_ int, delay time.Duration) {
		mu.Lock()
		retries = append(retries, delay)
		mu.Unlock()
	})
	s.OnFailed(func(cause error) {
		mu.Lock()
		causes = append(causes, cause)
		mu.Unlock()
	})

	// The first dial fails straight away; the hooks must already be in place.
	d.setFail(true)
	conn := s.Activate(TripTrackingPath("t1"), nil)
	waitFor(t, "retry scheduled", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(retries) == 1
	})
	clock.Advance(time.Second)
	waitState(t, conn, StateFailed)
	waitFor(t, "failure reported", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(causes) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if retries[0] != time.Second {
		t.Fatalf("retry delay = %v, want 1s", retries[0])
	}
	if !errors.Is(causes[0], errRefused) {
		t.Fatalf("failure cause = %v, want %v", causes[0], errRefused)
	}
}
