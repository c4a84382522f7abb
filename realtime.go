package ridewatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	// ErrNotOpen is returned by Send when the socket is not open. The frame
	// is dropped, never queued.
	ErrNotOpen = errors.New("realtime: socket not open")
	// ErrClosed is the disconnect cause reported after an intentional Close.
	ErrClosed = errors.New("realtime: connection closed")
	// ErrPeerSilent is the disconnect cause when the peer exceeded PeerTimeout.
	ErrPeerSilent = errors.New("realtime: peer silent")
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures realtime connections.
type RealtimeConfig struct {
	// BaseURL is the realtime endpoint, e.g. ws://localhost:8090. http(s)
	// bases are rewritten to ws(s).
	BaseURL string
	// MaxReconnectAttempts bounds consecutive reconnects. Zero means 5,
	// negative disables reconnection.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	// PeerTimeout force-closes an open socket that has received nothing for
	// this long. Zero disables the check.
	PeerTimeout  time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Dialer       Dialer
	Clock        clockwork.Clock
	Logger       *slog.Logger
}

// Defaults for RealtimeConfig.
const (
	DefaultRealtimeURL          = "ws://localhost:8090"
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
)

func (c *RealtimeConfig) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultRealtimeURL
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = &WebsocketDialer{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// State is a Connection lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosing      State = "closing"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(config *RealtimeConfig) reconnector {
	return reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) exhausted() bool {
	return r.maxAttempts < 0 || r.attempt >= r.maxAttempts
}

// nextDelay is the wait before attempt r.attempt+1: base*2^attempt, capped.
func (r *reconnector) nextDelay() time.Duration {
	delay := r.baseDelay
	for i := 0; i < r.attempt && delay < r.maxDelay; i++ {
		delay *= 2
	}
	if delay > r.maxDelay {
		delay = r.maxDelay
	}
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// Connection
// ============================================================================

// Connection keeps one logical realtime path connected. It owns at most one
// socket at a time, reconnects with capped exponential backoff after an
// unexpected close, and pings the peer while open.
//
// Every asynchronous step (dial, read loop, retry timer, heartbeat) carries
// the generation it was started under; Open, Close and each new dial bump
// the generation, which turns anything older into a no-op.
type Connection struct {
	id         string
	path       string
	params     url.Values
	config     RealtimeConfig
	logger     *slog.Logger
	dispatcher *Dispatcher

	mu          sync.Mutex
	state       State
	gen         uint64
	intentional bool
	sock        Socket
	cancelFn    context.CancelFunc
	heartbeat   *Heartbeat
	retry       clockwork.Timer
	recon       reconnector

	lastSeen atomic.Int64

	hooksMu        sync.RWMutex
	onConnected    []func()
	onDisconnected []func(error)
	onReconnecting []func(int, time.Duration)
}

// NewConnection prepares a Connection for path. params are fixed for the
// lifetime of the Connection. Nothing is dialled until Open.
func NewConnection(path string, params url.Values, config *RealtimeConfig) *Connection {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	id := uuid.NewString()
	logger := cfg.Logger.With(slog.String("path", path), slog.String("conn_id", id))
	return &Connection{
		id:         id,
		path:       path,
		params:     cloneValues(params),
		config:     cfg,
		logger:     logger,
		dispatcher: NewDispatcher(logger),
		state:      StateIdle,
		recon:      newReconnector(&cfg),
	}
}

// ID identifies the Connection in logs.
func (c *Connection) ID() string { return c.id }

// Path returns the logical path the Connection targets.
func (c *Connection) Path() string { return c.path }

// URL returns the resolved realtime address.
func (c *Connection) URL() string {
	return realtimeURL(c.config.BaseURL, c.path, c.params)
}

// Dispatcher returns the Connection's subscription registry.
func (c *Connection) Dispatcher() *Dispatcher { return c.dispatcher }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of reconnect attempts since the last open.
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recon.attempt
}

// OnConnected registers a hook fired each time a socket opens.
func (c *Connection) OnConnected(h func()) {
	c.hooksMu.Lock()
	c.onConnected = append(c.onConnected, h)
	c.hooksMu.Unlock()
}

// OnDisconnected registers a hook fired when a socket closes or a dial
// fails. cause is ErrClosed after an intentional Close.
func (c *Connection) OnDisconnected(h func(cause error)) {
	c.hooksMu.Lock()
	c.onDisconnected = append(c.onDisconnected, h)
	c.hooksMu.Unlock()
}

// OnReconnecting registers a hook fired when a reconnect attempt is scheduled.
func (c *Connection) OnReconnecting(h func(attempt int, delay time.Duration)) {
	c.hooksMu.Lock()
	c.onReconnecting = append(c.onReconnecting, h)
	c.hooksMu.Unlock()
}

// On subscribes l to eventType.
func (c *Connection) On(eventType string, l *Listener) { c.dispatcher.Subscribe(eventType, l) }

// Off unsubscribes l from eventType.
func (c *Connection) Off(eventType string, l *Listener) { c.dispatcher.Unsubscribe(eventType, l) }

// Open starts connecting in the background and returns immediately. It is a
// no-op while connecting or open. Opening while a retry is pending dials now
// and keeps the attempt count. Any other Open starts a fresh schedule, so a
// Failed or Closed Connection gets its full set of retries back.
func (c *Connection) Open() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateConnecting, StateOpen:
		return
	case StateReconnecting:
	default:
		c.recon.reset()
	}
	c.intentional = false
	c.stopRetryLocked()
	c.dialLocked()
}

// Close shuts the Connection down and suppresses reconnection. It cancels a
// pending retry and the heartbeat before closing the socket, is idempotent,
// and may be called from inside any hook or listener.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.intentional && (c.state == StateClosed || c.state == StateClosing) {
		c.mu.Unlock()
		return
	}
	c.intentional = true
	c.gen++
	gen := c.gen
	wasOpen := c.state == StateOpen
	c.stopRetryLocked()
	sock, cancel := c.teardownLocked()
	c.state = StateClosing
	c.mu.Unlock()

	if sock != nil {
		if err := sock.Close(); err != nil {
			c.logger.Debug("realtime socket close", slog.Any("error", err))
		}
	}
	if cancel != nil {
		cancel()
	}

	c.mu.Lock()
	if c.gen == gen {
		c.state = StateClosed
	}
	c.mu.Unlock()

	c.logger.Info("realtime closed")
	if wasOpen {
		c.emitDisconnected(ErrClosed)
	}
}

// Send marshals {type, payload} and writes it as one frame. When the socket
// is not open the frame is dropped with a warning and ErrNotOpen is returned.
func (c *Connection) Send(eventType string, payload any) error {
	data, err := json.Marshal(outboundFrame{Type: eventType, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", eventType, err)
	}

	c.mu.Lock()
	sock := c.sock
	open := c.state == StateOpen && sock != nil
	c.mu.Unlock()

	if !open {
		c.logger.Warn("realtime send dropped, socket not open", slog.String("event_type", eventType))
		return ErrNotOpen
	}
	if err := c.write(sock, data); err != nil {
		c.logger.Warn("realtime send failed", slog.String("event_type", eventType), slog.Any("error", err))
		return fmt.Errorf("write %s frame: %w", eventType, err)
	}
	return nil
}

func (c *Connection) write(sock Socket, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.WriteTimeout)
	defer cancel()
	return sock.Write(ctx, data)
}

// ----------------------------------------------------------------------------
// Lifecycle internals
// ----------------------------------------------------------------------------

func (c *Connection) dialLocked() {
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelFn = cancel
	c.state = StateConnecting

	target := c.URL()
	c.logger.Debug("realtime dialing", slog.String("url", target), slog.Int("attempt", c.recon.attempt))
	go c.dial(ctx, gen, target)
}

func (c *Connection) dial(ctx context.Context, gen uint64, target string) {
	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	sock, err := c.config.Dialer.Dial(dialCtx, target)
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if sock != nil {
			_ = sock.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.lost(gen, err)
		return
	}

	c.sock = sock
	c.state = StateOpen
	c.recon.reset()
	c.touch()
	c.heartbeat = StartHeartbeat(HeartbeatOptions{
		Clock:       c.config.Clock,
		Interval:    c.config.HeartbeatInterval,
		PeerTimeout: c.config.PeerTimeout,
		LastSeen:    c.seenAt,
		Ping:        func() { c.ping(gen) },
		Silent:      func() { c.lost(gen, ErrPeerSilent) },
	})
	c.mu.Unlock()

	c.logger.Info("realtime connected")
	go c.readLoop(ctx, gen, sock)
	c.emitConnected()
}

func (c *Connection) readLoop(ctx context.Context, gen uint64, sock Socket) {
	for {
		data, err := sock.Read(ctx)
		if err != nil {
			c.lost(gen, err)
			return
		}
		if !c.current(gen) {
			return
		}
		c.touch()
		c.handleFrame(data)
	}
}

func (c *Connection) handleFrame(data []byte) {
	ev, err := DecodeFrame(data)
	if err != nil {
		c.logger.Warn("realtime frame dropped", slog.Any("error", err), slog.Int("bytes", len(data)))
		return
	}
	c.dispatcher.Dispatch(ev)
}

func (c *Connection) ping(gen uint64) {
	c.mu.Lock()
	sock := c.sock
	live := gen == c.gen && c.state == StateOpen && sock != nil
	c.mu.Unlock()
	if !live {
		return
	}

	if err := c.write(sock, pingFrame); err != nil {
		c.logger.Debug("realtime heartbeat write failed", slog.Any("error", err))
	}
}

// lost handles an unintended socket close or failed dial under generation gen.
func (c *Connection) lost(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.intentional || (c.state != StateOpen && c.state != StateConnecting) {
		// Already handled: the read loop fails after a heartbeat-driven close.
		c.mu.Unlock()
		return
	}
	sock, cancel := c.teardownLocked()

	var (
		delay     time.Duration
		attempt   int
		scheduled bool
	)
	if c.recon.exhausted() {
		c.state = StateFailed
	} else {
		delay = c.recon.nextDelay()
		attempt = c.recon.attempt + 1
		scheduled = true
		c.state = StateReconnecting
		c.retry = c.config.Clock.AfterFunc(delay, func() { c.retryFire(gen) })
	}
	c.mu.Unlock()

	if sock != nil {
		_ = sock.Close()
	}
	if cancel != nil {
		cancel()
	}

	c.logger.Info("realtime disconnected", slog.Any("cause", cause))
	c.emitDisconnected(cause)

	if !scheduled {
		c.logger.Error("realtime reconnect attempts exhausted", slog.Int("max_attempts", c.config.MaxReconnectAttempts))
		return
	}
	c.logger.Info("realtime reconnecting", slog.Int("attempt", attempt), slog.Duration("delay", delay))
	c.emitReconnecting(attempt, delay)
}

func (c *Connection) retryFire(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != StateReconnecting {
		return
	}
	c.retry = nil
	c.recon.attempt++
	c.dialLocked()
}

func (c *Connection) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

// teardownLocked detaches the socket and stops the heartbeat. The caller
// closes the returned socket and then cancels, outside the lock.
func (c *Connection) teardownLocked() (Socket, context.CancelFunc) {
	c.heartbeat.Stop()
	c.heartbeat = nil
	sock, cancel := c.sock, c.cancelFn
	c.sock, c.cancelFn = nil, nil
	return sock, cancel
}

func (c *Connection) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

func (c *Connection) touch() {
	c.lastSeen.Store(c.config.Clock.Now().UnixNano())
}

func (c *Connection) seenAt() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// ----------------------------------------------------------------------------
// Hook emission
// ----------------------------------------------------------------------------

func (c *Connection) emitConnected() {
	c.hooksMu.RLock()
	hooks := append([]func(){}, c.onConnected...)
	c.hooksMu.RUnlock()
	for _, h := range hooks {
		h()
	}
}

func (c *Connection) emitDisconnected(cause error) {
	c.hooksMu.RLock()
	hooks := append([]func(error){}, c.onDisconnected...)
	c.hooksMu.RUnlock()
	for _, h := range hooks {
		h(cause)
	}
}

func (c *Connection) emitReconnecting(attempt int, delay time.Duration) {
	c.hooksMu.RLock()
	hooks := append([]func(int, time.Duration){}, c.onReconnecting...)
	c.hooksMu.RUnlock()
	for _, h := range hooks {
		h(attempt, delay)
	}
}

func cloneValues(v url.Values) url.Values {
	if v == nil {
		return nil
	}
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
