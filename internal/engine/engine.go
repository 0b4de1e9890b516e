// Package engine implements the slot synchronization engine: it ingests
// the live event stream, merges it with snapshot fetches, applies
// optimistic local mutations before server confirmation and rolls them
// back on rejection or timeout, and exposes a consistent read model.
//
// One engine instance serves one participant session and exclusively
// owns its slot store. Switching identity means tearing the engine down
// and creating a new one, never re-pointing it.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nekogravitycat/booking-sync/internal/slot"
	"github.com/nekogravitycat/booking-sync/internal/transport"
)

// Identity names the participant the engine runs for. OwnerID is the
// owner whose slots are tracked (an owner tracks their own), ConsumerID
// is the consumer whose bookings are tracked. Either may be empty.
type Identity struct {
	ParticipantID string
	OwnerID       string
	ConsumerID    string
}

// Config holds the engine's settings. Zero durations get defaults.
type Config struct {
	Identity Identity

	APIBaseURL string
	WSBaseURL  string
	APIToken   string

	HTTPTimeout    time.Duration
	ReserveTimeout time.Duration
	PollInterval   time.Duration
}

func (c *Config) applyDefaults() {
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 15 * time.Second
	}
	if c.ReserveTimeout <= 0 {
		c.ReserveTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
}

// Fetcher is the snapshot query side of the transport.
type Fetcher interface {
	FetchSlots(ctx context.Context, ownerID, date string) ([]slot.Slot, error)
	FetchBookings(ctx context.Context, consumerID string) ([]slot.Booking, error)
}

// Channel is the duplex event side of the transport.
type Channel interface {
	Open(ctx context.Context)
	Send(v any) error
	Close() error
}

// Engine is the composition root wiring transport, store, reconciler,
// booking pipeline and consistency poller into one unit.
type Engine struct {
	cfg   Config
	log   *zap.Logger
	store *slot.Store
	fetch Fetcher
	ch    Channel

	// mu serializes every store mutation: events, snapshot application
	// and the booking pipeline all go through it, so no reader ever
	// observes a partially-applied change.
	mu          sync.Mutex
	pending     *pendingReservation
	provisional map[string]time.Time // publish time by provisional slot id
	connState   transport.ConnState
	nudge       *time.Timer // delayed post-publish resync

	resyncCh chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	started  bool
}

// New builds an engine with the real websocket and HTTP transport.
func New(cfg Config, log *zap.Logger) *Engine {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	e := newEngine(cfg, log, nil, nil)
	e.fetch = transport.NewClient(cfg.APIBaseURL, cfg.APIToken, cfg.HTTPTimeout, log)
	e.ch = transport.NewSocket(transport.SocketConfig{
		URL:     fmt.Sprintf("%s/ws/booking/%s/", strings.TrimRight(cfg.WSBaseURL, "/"), cfg.Identity.ParticipantID),
		Token:   cfg.APIToken,
		OnEvent: e.handleEvent,
		OnState: e.handleConnState,
		Logger:  log,
	})
	return e
}

// newEngine wires an engine around explicit transport implementations.
func newEngine(cfg Config, log *zap.Logger, fetch Fetcher, ch Channel) *Engine {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:         cfg,
		log:         log,
		store:       slot.NewStore(),
		fetch:       fetch,
		ch:          ch,
		provisional: make(map[string]time.Time),
		connState:   transport.StateDisconnected,
		resyncCh:    make(chan struct{}, 1),
	}
}

// Start opens the transport and launches the consistency poller. The
// engine runs until Stop is called or ctx is canceled.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.mu.Unlock()

	e.ch.Open(runCtx)
	go e.run(runCtx)

	e.log.Info("engine started",
		zap.String("participant", e.cfg.Identity.ParticipantID),
		zap.String("owner_scope", e.cfg.Identity.OwnerID),
		zap.String("consumer_scope", e.cfg.Identity.ConsumerID))
	return nil
}

// Stop tears the engine down: poller stopped, transport closed, any
// in-flight reservation wait resolved. A fresh engine for the same
// participant starts with no pending state.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	e.ch.Close()
	<-done

	e.mu.Lock()
	if p := e.pending; p != nil {
		e.pending = nil
		p.done <- reserveResult{err: ErrClosed}
	}
	if e.nudge != nil {
		e.nudge.Stop()
		e.nudge = nil
	}
	e.mu.Unlock()

	e.log.Info("engine stopped")
}

// AvailableSlots returns the current projection of unbooked slots,
// optionally filtered by date (empty means all), in a deterministic
// order. The snapshot may be stale while the transport is reconnecting;
// it is always internally consistent.
func (e *Engine) AvailableSlots(date string) []slot.Slot {
	return e.store.ListAvailable(date)
}

// Bookings returns the tracked consumer's bookings, any status.
func (e *Engine) Bookings() []slot.Booking {
	return e.store.ListBookings(e.cfg.Identity.ConsumerID)
}

// OwnerSlots returns every tracked slot of the owner scope, booked ones
// included.
func (e *Engine) OwnerSlots() []slot.Slot {
	return e.store.ListForOwner(e.cfg.Identity.OwnerID)
}

// ConnState reports the transport's connectivity phase.
func (e *Engine) ConnState() transport.ConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connState
}

func (e *Engine) handleConnState(st transport.ConnState) {
	e.mu.Lock()
	e.connState = st
	e.mu.Unlock()

	e.log.Debug("connection state changed", zap.String("state", string(st)))
	if st == transport.StateConnected {
		// Heal whatever happened while disconnected.
		e.requestResync()
	}
}

// requestResync nudges the poller without blocking; collapsing
// concurrent requests into one pass is fine, a resync is a full diff.
func (e *Engine) requestResync() {
	select {
	case e.resyncCh <- struct{}{}:
	default:
	}
}
