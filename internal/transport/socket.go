package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ConnState is the transport's connectivity phase. It cycles
// connecting -> connected -> disconnected -> connecting for as long as
// the socket is open.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// SocketConfig configures a reconnecting websocket channel.
type SocketConfig struct {
	// URL is the full websocket endpoint, including the participant path.
	URL string
	// Token, when set, is sent as a bearer token on the handshake.
	Token string
	// OnEvent receives decoded events in arrival order, from a single
	// goroutine. Malformed frames are dropped before this is called.
	OnEvent func(Event)
	// OnState receives every connectivity transition.
	OnState func(ConnState)
	// ReconnectMin/ReconnectMax bound the redial backoff.
	// Defaults: 500ms / 30s.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Logger       *zap.Logger
}

// Socket maintains a logical duplex channel that re-establishes itself
// after failure, indefinitely, without leaking goroutines across
// reconnect cycles. It performs no interpretation of messages beyond
// frame decoding.
type Socket struct {
	cfg SocketConfig

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSocket(cfg SocketConfig) *Socket {
	if cfg.OnEvent == nil {
		cfg.OnEvent = func(Event) {}
	}
	if cfg.OnState == nil {
		cfg.OnState = func(ConnState) {}
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Socket{cfg: cfg}
}

// Open starts the dial/read loop and returns immediately. The channel
// stays up until Close is called or ctx is canceled.
func (s *Socket) Open(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx)
}

// Send marshals the command onto the current connection. Delivery is
// best-effort: a nil error does not mean the server received it, and
// callers must use their own timeouts to detect loss.
func (s *Socket) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrUnavailable
	}
	if err := s.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close tears down the channel and waits for the run loop to exit.
func (s *Socket) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (s *Socket) run(ctx context.Context) {
	defer close(s.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ReconnectMin
	bo.MaxInterval = s.cfg.ReconnectMax
	bo.MaxElapsedTime = 0 // retry forever

	for {
		s.cfg.OnState(StateConnecting)

		header := http.Header{}
		if s.cfg.Token != "" {
			header.Set("Authorization", "Bearer "+s.cfg.Token)
		}
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.URL, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			s.cfg.OnState(StateDisconnected)
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			s.cfg.Logger.Warn("websocket dial failed",
				zap.String("url", s.cfg.URL),
				zap.Duration("retry_in", wait),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		bo.Reset()
		s.setConn(conn)
		s.cfg.OnState(StateConnected)

		s.readLoop(ctx, conn)

		s.setConn(nil)
		conn.Close()
		s.cfg.OnState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Unblock ReadMessage on cancellation without keeping a goroutine
	// alive past this connection.
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stopped:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.cfg.Logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		ev, err := DecodeEvent(data)
		if err != nil {
			// Dropped, not fatal. The next snapshot fetch heals whatever
			// this frame carried.
			s.cfg.Logger.Warn("dropping malformed event",
				zap.ByteString("frame", data),
				zap.Error(err))
			continue
		}
		s.cfg.OnEvent(ev)
	}
}

func (s *Socket) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}
