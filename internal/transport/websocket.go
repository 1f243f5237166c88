// Package transport implements the dual-path session transport: a
// reliable websocket primary carrier, an opportunistic WebRTC secondary
// carrier, the signaling relay that negotiates it, and the router that
// classifies messages between the two.
package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vibepilot/vibepilot/internal/protocol"
)

// ErrNotConnected is returned by Send when the carrier is not in the
// connected state. There is no queuing: callers decide whether to retry
// or fall back.
var ErrNotConnected = errors.New("transport not connected")

// Carrier is the send/subscribe surface shared by both transports.
type Carrier interface {
	Send(env *protocol.Envelope) error
	On(t protocol.MsgType, h Handler) func()
	OnAny(h Handler) func()
	State() State
}

const defaultReconnectDelay = 2 * time.Second

// Socket is the primary transport: a single ordered, reconnecting duplex
// websocket carrying envelope frames. In dial mode it reconnects after a
// fixed backoff indefinitely until Close; in accepted mode it wraps one
// upgraded server-side connection with no reconnection.
type Socket struct {
	url    string
	delay  time.Duration
	logger *zap.Logger
	disp   *dispatcher

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
	// generation identifies the current physical connection. Callbacks
	// from a superseded connection carry a stale generation and are
	// dropped, so a late close cannot corrupt a newer connection's state.
	generation uint64
	closed     bool
	stateFns   []func(State)

	// writeMu serializes frame writes; gorilla connections allow only
	// one concurrent writer.
	writeMu sync.Mutex
}

// NewSocket creates a dialing primary transport for the given endpoint.
// Call Connect to start the reconnect loop.
func NewSocket(url string, reconnectDelay time.Duration, logger *zap.Logger) *Socket {
	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}
	return &Socket{
		url:    url,
		delay:  reconnectDelay,
		logger: logger,
		disp:   newDispatcher(),
		state:  Disconnected,
	}
}

// NewAcceptedSocket wraps an already-upgraded server-side connection.
// The caller runs the read loop via Run.
func NewAcceptedSocket(conn *websocket.Conn, logger *zap.Logger) *Socket {
	s := &Socket{
		logger: logger,
		disp:   newDispatcher(),
		state:  Connected,
		conn:   conn,
	}
	s.generation = 1
	return s
}

// Connect starts the dial/reconnect loop in the background. Reconnection
// runs indefinitely until Close; there is no maximum-retry cutoff.
func (s *Socket) Connect() {
	go s.run()
}

func (s *Socket) run() {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		s.setState(Connecting)

		conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
		if err != nil {
			s.logger.Debug("primary transport dial failed",
				zap.String("url", s.url),
				zap.Error(err),
			)
			s.setState(Disconnected)
			if !s.sleepUnlessClosed() {
				return
			}
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.generation++
		gen := s.generation
		s.conn = conn
		s.mu.Unlock()

		s.setState(Connected)
		s.logger.Info("primary transport connected", zap.String("url", s.url))

		s.readLoop(conn, gen)

		s.mu.Lock()
		stale := s.generation != gen
		if !stale {
			s.conn = nil
		}
		closed := s.closed
		s.mu.Unlock()

		if stale {
			// A newer connection superseded this one; its close must not
			// touch current state.
			return
		}

		s.setState(Disconnected)
		if closed {
			return
		}
		if !s.sleepUnlessClosed() {
			return
		}
	}
}

func (s *Socket) sleepUnlessClosed() bool {
	time.Sleep(s.delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Run executes the read loop on the calling goroutine until the
// connection dies. Only valid for accepted sockets.
func (s *Socket) Run() {
	s.mu.Lock()
	conn := s.conn
	gen := s.generation
	s.mu.Unlock()
	if conn == nil {
		return
	}

	s.readLoop(conn, gen)

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
	s.setState(Disconnected)
}

func (s *Socket) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		s.mu.Lock()
		stale := s.generation != gen
		s.mu.Unlock()
		if stale {
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			// Malformed frames are dropped, never propagated.
			s.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		s.disp.dispatch(env)
	}
}

// Send writes one envelope frame. It fails immediately with
// ErrNotConnected when the socket is not connected; nothing is queued.
func (s *Socket) Send(env *protocol.Envelope) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == Connected && conn != nil
	s.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}

	data, err := env.Marshal()
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// On registers a handler for one message type.
func (s *Socket) On(t protocol.MsgType, h Handler) func() {
	return s.disp.on(t, h)
}

// OnAny registers a catch-all handler.
func (s *Socket) OnAny(h Handler) func() {
	return s.disp.onAny(h)
}

// OnStateChange registers a callback for connection state transitions.
func (s *Socket) OnStateChange(fn func(State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateFns = append(s.stateFns, fn)
	idx := len(s.stateFns) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.stateFns) {
			s.stateFns[idx] = nil
		}
	}
}

// State reports the current connection state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close disconnects explicitly and stops any reconnection.
func (s *Socket) Close() error {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.setState(Disconnected)
	return nil
}

func (s *Socket) setState(next State) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	if !s.state.CanTransition(next) {
		s.mu.Unlock()
		s.logger.Warn("illegal transport state transition dropped",
			zap.Stringer("from", s.state),
			zap.Stringer("to", next),
		)
		return
	}
	s.state = next
	fns := make([]func(State), 0, len(s.stateFns))
	for _, fn := range s.stateFns {
		if fn != nil {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
}
