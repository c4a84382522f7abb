package ridewatch

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Heartbeat emits keepalive pings on a fixed interval until stopped. When a
// peer timeout is set it also reports a silent peer once per start.
type Heartbeat struct {
	ticker clockwork.Ticker
	done   chan struct{}
	once   sync.Once
}

// HeartbeatOptions configures StartHeartbeat.
type HeartbeatOptions struct {
	Clock    clockwork.Clock
	Interval time.Duration
	// PeerTimeout enables silence detection when positive.
	PeerTimeout time.Duration
	// LastSeen returns when the peer last sent a frame.
	LastSeen func() time.Time
	Ping     func()
	// Silent is called instead of Ping once the peer has been quiet longer
	// than PeerTimeout. The heartbeat stops itself afterwards.
	Silent func()
}

// StartHeartbeat starts the ticker synchronously, so the first tick is
// scheduled by the time it returns.
func StartHeartbeat(opts HeartbeatOptions) *Heartbeat {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	h := &Heartbeat{
		ticker: opts.Clock.NewTicker(opts.Interval),
		done:   make(chan struct{}),
	}
	go h.run(opts)
	return h
}

func (h *Heartbeat) run(opts HeartbeatOptions) {
	for {
		select {
		case <-h.done:
			return
		case <-h.ticker.Chan():
		}

		// Stop may have raced with the tick.
		select {
		case <-h.done:
			return
		default:
		}

		if opts.PeerTimeout > 0 && opts.LastSeen != nil &&
			opts.Clock.Since(opts.LastSeen()) > opts.PeerTimeout {
			h.Stop()
			if opts.Silent != nil {
				opts.Silent()
			}
			return
		}
		if opts.Ping != nil {
			opts.Ping()
		}
	}
}

// Stop halts the ticker. It never blocks and is safe to call repeatedly.
func (h *Heartbeat) Stop() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.ticker.Stop()
		close(h.done)
	})
}
