package ridewatch

import (
	"context"
	"log/slog"
	"net/url"
	"reflect"
	"sync"
	"time"
)

// Well-known realtime paths.
const (
	DriverNotificationsPath = "/ws/driver/notifications"
	tripTrackingPrefix      = "/ws/track/"
)

// TripTrackingPath is the rider's channel for one trip.
func TripTrackingPath(tripID string) string {
	return tripTrackingPrefix + url.PathEscape(tripID)
}

// ActorParams carries actor identity on the realtime query string, since
// the channel has no bearer credentials. Empty values are omitted.
func ActorParams(role Role, userID, token string) url.Values {
	params := url.Values{}
	switch role {
	case RoleDriver:
		if userID != "" {
			params.Set("driverId", userID)
		}
	case RoleRider:
		if userID != "" {
			params.Set("riderId", userID)
		}
	}
	if token != "" {
		params.Set("token", token)
	}
	return params
}

// ============================================================================
// Session
// ============================================================================

type binding struct {
	eventType string
	listener  *Listener
}

// Session binds at most one Connection to a consumer's active lifetime.
// Activating a new path tears the previous Connection down before the new
// one is created; deactivating closes it and clears its registry.
//
// Listeners and hooks registered on the Session survive re-activation: they
// are re-applied to each new Connection before it opens. Session hooks never
// run under the Session's locks, so they may call back into the Session.
type Session struct {
	config *RealtimeConfig
	logger *slog.Logger

	// lifecycle serializes Activate and Deactivate.
	lifecycle sync.Mutex

	mu           sync.Mutex
	conn         *Connection
	done         chan struct{} // closed when conn is released
	path         string
	params       url.Values
	bindings     []binding
	connectivity []func(bool)
	reconnecting []func(attempt int, delay time.Duration)
	failed       []func(cause error)
}

// NewSession returns an inactive Session. config is shared by every
// Connection the Session creates.
func NewSession(config *RealtimeConfig) *Session {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &Session{config: &cfg, logger: cfg.Logger}
}

// Activate binds the Session to path with params and opens a Connection.
// An empty path deactivates. Re-activating with the same path and params is
// a no-op. It returns the live Connection, or nil when inactive.
func (s *Session) Activate(path string, params url.Values) *Connection {
	s.lifecycle.Lock()
	if path == "" {
		hooks := s.release(nil)
		s.lifecycle.Unlock()
		offline(hooks)
		return nil
	}

	s.mu.Lock()
	if s.conn != nil && s.path == path && sameValues(s.params, params) {
		conn := s.conn
		s.mu.Unlock()
		s.lifecycle.Unlock()
		return conn
	}
	s.mu.Unlock()

	hooks := s.release(nil)

	conn := NewConnection(path, params, s.config)
	conn.OnConnected(func() { s.notify(conn, true) })
	conn.OnDisconnected(func(cause error) {
		s.notify(conn, false)
		if conn.State() == StateFailed {
			s.notifyFailed(conn, cause)
		}
	})
	conn.OnReconnecting(func(attempt int, delay time.Duration) {
		s.notifyReconnecting(conn, attempt, delay)
	})

	s.mu.Lock()
	for _, b := range s.bindings {
		conn.On(b.eventType, b.listener)
	}
	s.conn, s.path, s.params = conn, path, cloneValues(params)
	s.done = make(chan struct{})
	s.mu.Unlock()
	s.lifecycle.Unlock()

	// The previous Connection's offline hooks run before the new one opens.
	offline(hooks)

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.Connection() != conn {
		// A hook moved the Session on before the Connection opened.
		return nil
	}
	s.logger.Debug("realtime session activated", slog.String("path", path))
	conn.Open()
	return conn
}

// Deactivate closes the bound Connection, if any.
func (s *Session) Deactivate() {
	s.lifecycle.Lock()
	hooks := s.release(nil)
	s.lifecycle.Unlock()
	offline(hooks)
}

// Close is Deactivate, for use with defer.
func (s *Session) Close() error {
	s.Deactivate()
	return nil
}

// Bind activates path and deactivates when ctx ends, unless the Session has
// moved on to another Connection by then. The watcher exits as soon as the
// Connection is released, whichever comes first.
func (s *Session) Bind(ctx context.Context, path string, params url.Values) *Connection {
	conn := s.Activate(path, params)
	if conn == nil {
		return nil
	}

	s.mu.Lock()
	done := s.done
	bound := s.conn == conn
	s.mu.Unlock()
	if !bound {
		return conn
	}

	go func() {
		select {
		case <-ctx.Done():
			s.lifecycle.Lock()
			hooks := s.release(conn)
			s.lifecycle.Unlock()
			offline(hooks)
		case <-done:
		}
	}()
	return conn
}

// release tears down the bound Connection. With only set, it does so only
// if that Connection is still the bound one. Callers hold lifecycle and run
// the returned connectivity hooks with offline after unlocking it.
func (s *Session) release(only *Connection) []func(bool) {
	s.mu.Lock()
	conn := s.conn
	if conn == nil || (only != nil && conn != only) {
		s.mu.Unlock()
		return nil
	}
	var hooks []func(bool)
	if conn.State() == StateOpen {
		hooks = append(hooks, s.connectivity...)
	}
	done := s.done
	s.conn, s.done, s.path, s.params = nil, nil, "", nil
	s.mu.Unlock()

	close(done)
	conn.Close()
	conn.Dispatcher().Clear()
	s.logger.Debug("realtime session released", slog.String("path", conn.Path()))
	return hooks
}

func offline(hooks []func(bool)) {
	for _, h := range hooks {
		h(false)
	}
}

func (s *Session) notify(conn *Connection, up bool) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	hooks := append([]func(bool){}, s.connectivity...)
	s.mu.Unlock()
	for _, h := range hooks {
		h(up)
	}
}

func (s *Session) notifyReconnecting(conn *Connection, attempt int, delay time.Duration) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	hooks := append([]func(int, time.Duration){}, s.reconnecting...)
	s.mu.Unlock()
	for _, h := range hooks {
		h(attempt, delay)
	}
}

func (s *Session) notifyFailed(conn *Connection, cause error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	hooks := append([]func(error){}, s.failed...)
	s.mu.Unlock()
	for _, h := range hooks {
		h(cause)
	}
}

// Connection returns the bound Connection, or nil.
func (s *Session) Connection() *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Path returns the bound path, or "".
func (s *Session) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Connected reports whether the bound Connection currently has an open socket.
func (s *Session) Connected() bool {
	conn := s.Connection()
	return conn != nil && conn.State() == StateOpen
}

// OnConnectivity registers a hook called with true when the bound
// Connection opens and false when it drops or is released.
func (s *Session) OnConnectivity(h func(connected bool)) {
	s.mu.Lock()
	s.connectivity = append(s.connectivity, h)
	s.mu.Unlock()
}

// OnReconnecting registers a hook called each time the bound Connection
// schedules a retry.
func (s *Session) OnReconnecting(h func(attempt int, delay time.Duration)) {
	s.mu.Lock()
	s.reconnecting = append(s.reconnecting, h)
	s.mu.Unlock()
}

// OnFailed registers a hook called when the bound Connection gives up after
// exhausting its reconnect attempts.
func (s *Session) OnFailed(h func(cause error)) {
	s.mu.Lock()
	s.failed = append(s.failed, h)
	s.mu.Unlock()
}

// Send forwards to the bound Connection. Without one the frame is dropped.
func (s *Session) Send(eventType string, payload any) error {
	conn := s.Connection()
	if conn == nil {
		s.logger.Warn("realtime send dropped, session inactive", slog.String("event_type", eventType))
		return ErrNotOpen
	}
	return conn.Send(eventType, payload)
}

// On subscribes l to eventType on the current and every future Connection.
func (s *Session) On(eventType string, l *Listener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bindings {
		if b.eventType == eventType && b.listener == l {
			return
		}
	}
	s.bindings = append(s.bindings, binding{eventType: eventType, listener: l})
	if s.conn != nil {
		s.conn.On(eventType, l)
	}
}

// OnFunc subscribes fn and returns its handle for Off.
func (s *Session) OnFunc(eventType string, fn func(Event)) *Listener {
	l := NewListener(fn)
	s.On(eventType, l)
	return l
}

// Off removes l from eventType. Unknown handles are a no-op.
func (s *Session) Off(eventType string, l *Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range s.bindings {
		if b.eventType == eventType && b.listener == l {
			s.bindings = append(s.bindings[:i:i], s.bindings[i+1:]...)
			break
		}
	}
	if s.conn != nil {
		s.conn.Off(eventType, l)
	}
}

// ----------------------------------------------------------------------------
// Typed subscriptions
// ----------------------------------------------------------------------------

// OnTrip subscribes fn to TRIP_REQUESTED, TRIP_MATCHED and TRIP_ACCEPTED,
// plus the legacy TRIP_OFFER tags.
func (s *Session) OnTrip(fn func(TripEvent)) *Listener {
	l := NewListener(func(ev Event) {
		if e, ok := ev.Envelope.(TripEvent); ok {
			fn(e)
		}
	})
	for _, t := range []string{EventTripRequested, EventTripMatched, EventTripAccepted, legacyTripOffer, legacyTripOfferLower} {
		s.On(t, l)
	}
	return l
}

// OnStatus subscribes fn to STATUS_CHANGED.
func (s *Session) OnStatus(fn func(StatusEvent)) *Listener {
	l := NewListener(func(ev Event) {
		if e, ok := ev.Envelope.(StatusEvent); ok {
			fn(e)
		}
	})
	s.On(EventStatusChanged, l)
	s.On(legacyTripStatus, l)
	return l
}

// OnLocation subscribes fn to LOCATION_UPDATED.
func (s *Session) OnLocation(fn func(LocationEvent)) *Listener {
	l := NewListener(func(ev Event) {
		if e, ok := ev.Envelope.(LocationEvent); ok {
			fn(e)
		}
	})
	s.On(EventLocationUpdated, l)
	s.On(legacyDriverLocation, l)
	return l
}

// OnPayment subscribes fn to PAYMENT_PROCESSED.
func (s *Session) OnPayment(fn func(PaymentEvent)) *Listener {
	l := NewListener(func(ev Event) {
		if e, ok := ev.Envelope.(PaymentEvent); ok {
			fn(e)
		}
	})
	s.On(EventPaymentProcessed, l)
	return l
}

// OnRating subscribes fn to RATING_CREATED.
func (s *Session) OnRating(fn func(RatingEvent)) *Listener {
	l := NewListener(func(ev Event) {
		if e, ok := ev.Envelope.(RatingEvent); ok {
			fn(e)
		}
	})
	s.On(EventRatingCreated, l)
	return l
}

// OffAll removes l from every event type it is bound to.
func (s *Session) OffAll(l *Listener) {
	s.mu.Lock()
	var types []string
	for _, b := range s.bindings {
		if b.listener == l {
			types = append(types, b.eventType)
		}
	}
	s.mu.Unlock()
	for _, t := range types {
		s.Off(t, l)
	}
}

func sameValues(a, b url.Values) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
