// Package relay implements the per-connection proxy engine: route
// resolution against the current routing snapshot, the backend connect,
// and the bidirectional frame pump with its close/error propagation.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/strandproxy/strand/internal/routing"
)

// Session outcome taxonomy. Every error is contained to its session.
var (
	// ErrNotFound marks an unknown topology or a path no rule matches.
	ErrNotFound = errors.New("relay: route not found")
	// ErrUpstreamUnavailable marks a failed backend connect.
	ErrUpstreamUnavailable = errors.New("relay: upstream unavailable")
	// ErrMessageTooLarge marks a frame beyond the configured maximum.
	ErrMessageTooLarge = errors.New("relay: message too large")
	// ErrWriteTimeout marks a forward write that missed its deadline.
	ErrWriteTimeout = errors.New("relay: write timeout")
)

// State is the session lifecycle position.
type State int32

const (
	StateAccepted State = iota
	StateResolving
	StateBackendConnecting
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateResolving:
		return "resolving"
	case StateBackendConnecting:
		return "backend_connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Engine creates sessions against a shared routing table. The table is
// the only cross-session state and is read via atomic snapshot loads.
type Engine struct {
	table  *routing.Table
	dialer Dialer
	logger *slog.Logger
}

// NewEngine constructs an Engine. A nil dialer selects the default
// gorilla-based backend connector.
func NewEngine(table *routing.Table, dialer Dialer, logger *slog.Logger) *Engine {
	if dialer == nil {
		dialer = &WebsocketDialer{}
	}
	return &Engine{table: table, dialer: dialer, logger: logger.With("component", "relay")}
}

// Resolution is the outcome of routing one inbound connection attempt.
type Resolution struct {
	Entry      *routing.Entry
	BackendURI string
	RuleIndex  int
}

// Session is one proxied connection pair. It is owned exclusively by the
// accept flow that created it; the two pump goroutines share nothing
// mutable beyond the atomic close flag.
type Session struct {
	engine   *Engine
	logger   *slog.Logger
	topology string
	path     string

	resolution Resolution
	client     *websocket.Conn
	backend    *websocket.Conn

	state     atomic.Int32
	closed    atomic.Bool
	closeOnce sync.Once

	clientToBackend DirectionStats
	backendToClient DirectionStats
}

// DirectionStats counts forwarded traffic for one direction.
type DirectionStats struct {
	Messages atomic.Int64
	Bytes    atomic.Int64
}

// NewSession starts the accept flow for a requested virtual target.
func (e *Engine) NewSession(topologyName, virtualPath string) *Session {
	s := &Session{
		engine:   e,
		topology: topologyName,
		path:     virtualPath,
		logger:   e.logger.With("topology", topologyName, "path", virtualPath),
	}
	s.state.Store(int32(StateAccepted))
	return s
}

// State reports the session's current lifecycle position.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Resolve loads the current snapshot for the topology (a single atomic
// load, no lock held afterwards) and rewrites the virtual path. The
// snapshot is captured: later publications do not affect this session.
func (s *Session) Resolve() (Resolution, error) {
	s.setState(StateResolving)

	entry, ok := s.engine.table.Lookup(s.topology)
	if !ok {
		s.setState(StateFailed)
		return Resolution{}, fmt.Errorf("%w: unknown topology %q", ErrNotFound, s.topology)
	}
	res, err := entry.Rules.Resolve(s.path)
	if err != nil {
		s.setState(StateFailed)
		return Resolution{}, fmt.Errorf("%w: %s", ErrNotFound, s.path)
	}

	s.resolution = Resolution{Entry: entry, BackendURI: res.BackendURI, RuleIndex: res.RuleIndex}
	return s.resolution, nil
}

// Connect opens the backend side using the captured snapshot's
// parameters. Resolve must have succeeded.
func (s *Session) Connect(ctx context.Context, header http.Header) error {
	s.setState(StateBackendConnecting)

	conn, resp, err := s.engine.dialer.Dial(ctx, s.resolution.BackendURI, header, s.resolution.Entry.Params)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		s.setState(StateFailed)
		return fmt.Errorf("%w: dial %s: %v", ErrUpstreamUnavailable, s.resolution.BackendURI, err)
	}
	s.backend = conn
	return nil
}

// Subprotocol reports the protocol negotiated with the backend, if any.
func (s *Session) Subprotocol() string {
	if s.backend == nil {
		return ""
	}
	return s.backend.Subprotocol()
}

// Abort force-closes an established backend handle when the accept flow
// fails after Connect (for example a failed client upgrade). No close
// handshake is attempted.
func (s *Session) Abort() {
	s.closed.Store(true)
	if s.backend != nil {
		_ = s.backend.Close()
	}
	s.setState(StateClosed)
}

// Run pumps frames in both directions until either side closes or a
// fatal session error occurs. It returns nil on a normal close. Both
// connection handles are closed before Run returns.
func (s *Session) Run(ctx context.Context, client *websocket.Conn) error {
	s.client = client
	params := s.resolution.Entry.Params

	limit := params.MaxTextMessageSize
	if params.MaxBinaryMessageSize > limit {
		limit = params.MaxBinaryMessageSize
	}
	if limit > 0 {
		s.client.SetReadLimit(limit)
		s.backend.SetReadLimit(limit)
	}

	s.setState(StateOpen)
	s.logger.Debug("session open", "backend", s.resolution.BackendURI)

	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.shutdown(websocket.CloseGoingAway, "gateway shutting down")
		case <-watchDone:
		}
	}()

	errc := make(chan error, 2)
	go func() { errc <- s.pump(s.client, s.backend, "client_to_backend", &s.clientToBackend) }()
	go func() { errc <- s.pump(s.backend, s.client, "backend_to_client", &s.backendToClient) }()

	first := <-errc
	s.setState(StateClosing)
	s.shutdown(websocket.CloseNormalClosure, "")
	second := <-errc
	close(watchDone)

	_ = s.client.Close()
	_ = s.backend.Close()

	err := first
	if err == nil {
		err = second
	}
	if err != nil {
		s.setState(StateFailed)
	}
	s.setState(StateClosed)

	s.logger.Debug("session closed",
		"client_to_backend_msgs", s.clientToBackend.Messages.Load(),
		"backend_to_client_msgs", s.backendToClient.Messages.Load(),
		"error", err,
	)
	return err
}

// Stats returns the session's forwarding counters.
func (s *Session) Stats() (clientToBackend, backendToClient int64) {
	return s.clientToBackend.Messages.Load(), s.backendToClient.Messages.Load()
}

// pump forwards messages from src to dst, one at a time, preserving type,
// payload and order. It returns nil for a normal termination and the
// fatal error otherwise. The close flag is checked before every blocking
// write so shutdown latency stays within the timeout bound.
func (s *Session) pump(src, dst *websocket.Conn, direction string, stats *DirectionStats) error {
	params := s.resolution.Entry.Params
	for {
		if s.closed.Load() {
			return nil
		}
		if params.IdleTimeout > 0 {
			_ = src.SetReadDeadline(time.Now().Add(params.IdleTimeout))
		}

		msgType, data, err := src.ReadMessage()
		if err != nil {
			return s.readFailed(dst, direction, err)
		}

		if max := s.maxFor(msgType); max > 0 && int64(len(data)) > max {
			s.logger.Warn("message exceeds configured maximum",
				"direction", direction, "size", len(data), "max", max)
			s.shutdown(websocket.CloseMessageTooBig, "message too large")
			return ErrMessageTooLarge
		}

		if s.closed.Load() {
			return nil
		}
		if params.WriteTimeout > 0 {
			_ = dst.SetWriteDeadline(time.Now().Add(params.WriteTimeout))
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			if s.closed.Load() {
				return nil
			}
			s.shutdown(websocket.CloseInternalServerErr, "write failed")
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return fmt.Errorf("%w: %s", ErrWriteTimeout, direction)
			}
			return fmt.Errorf("relay: forward %s: %w", direction, err)
		}

		stats.Messages.Add(1)
		stats.Bytes.Add(int64(len(data)))
	}
}

// readFailed classifies a read error and drives the matching shutdown.
func (s *Session) readFailed(dst *websocket.Conn, direction string, err error) error {
	if s.closed.Load() {
		return nil
	}

	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr):
		// Forward the peer's close code and reason verbatim.
		s.shutdown(closeErr.Code, closeErr.Text)
		return nil
	case errors.Is(err, websocket.ErrReadLimit):
		s.shutdown(websocket.CloseMessageTooBig, "message too large")
		return ErrMessageTooLarge
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, syscall.ECONNRESET):
		// Peer dropped without a close handshake. Not recoverable,
		// but nothing to surface beyond closing the other side.
		s.logger.Debug("peer disconnected", "direction", direction)
		s.shutdown(websocket.CloseGoingAway, "peer disconnected")
		return nil
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		// Idle timeout: treated as a normal close from the idle side.
		s.logger.Debug("session idle timeout", "direction", direction)
		s.shutdown(websocket.CloseNormalClosure, "idle timeout")
		return nil
	}

	s.shutdown(websocket.CloseInternalServerErr, "relay error")
	return fmt.Errorf("relay: read %s: %w", direction, err)
}

// maxFor returns the configured maximum payload for the frame type.
func (s *Session) maxFor(msgType int) int64 {
	switch msgType {
	case websocket.TextMessage:
		return s.resolution.Entry.Params.MaxTextMessageSize
	case websocket.BinaryMessage:
		return s.resolution.Entry.Params.MaxBinaryMessageSize
	default:
		return 0
	}
}

// shutdown performs the single atomic close transition. Whichever pump
// observes it first stops forwarding; closing the handles interrupts the
// other pump's pending read. Idempotent.
func (s *Session) shutdown(code int, text string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		deadline := time.Now().Add(closeGrace)

		var payload []byte
		if code != websocket.CloseNoStatusReceived {
			payload = websocket.FormatCloseMessage(code, text)
		}
		for _, conn := range []*websocket.Conn{s.client, s.backend} {
			if conn == nil {
				continue
			}
			_ = conn.WriteControl(websocket.CloseMessage, payload, deadline)
			_ = conn.Close()
		}
	})
}

// closeGrace bounds the close-frame write during shutdown.
const closeGrace = 5 * time.Second
