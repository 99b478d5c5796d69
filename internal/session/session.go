package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/wsgate/internal/metrics"
	"github.com/rickgao/wsgate/internal/protocol"
	"github.com/rickgao/wsgate/internal/registry"
	"github.com/rickgao/wsgate/internal/worker"
)

// Errors
var (
	ErrTransport            = errors.New("transport error")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrHeartbeatTimeout     = errors.New("heartbeat timeout")
)

// State is a session's lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TokenValidator reports whether a client-supplied token may be presented to
// the registry. Rejected tokens are treated as absent.
type TokenValidator func(token string) bool

// Registry is the part of the registry actor a session uses.
type Registry interface {
	Connect(ctx context.Context, token string) (registry.Identity, error)
	Disconnect(id protocol.ConnID) error
	Dispatch(id protocol.ConnID, data json.RawMessage) error
}

// Router is the part of the command worker a session uses.
type Router interface {
	Register(id protocol.ConnID, out *worker.Outbound) error
	Refresh(id protocol.ConnID, out *worker.Outbound) error
	Remove(id protocol.ConnID, out *worker.Outbound) error
	Send(cmd protocol.Command) error
}

// Config holds session settings.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Validator         TokenValidator
}

// Session drives one client connection from authentication to teardown.
type Session struct {
	cfg       Config
	transport Transport
	registry  Registry
	router    Router
	metrics   *metrics.Metrics
	logger    *slog.Logger

	state    atomic.Int32
	lastSeen atomic.Int64 // unix nanos of the last inbound evidence

	ident registry.Identity
	out   *worker.Outbound

	writeMu sync.Mutex

	// Closing
	causeOnce      sync.Once
	cause          error
	closeSent      atomic.Bool
	disconnectOnce sync.Once
	readDone       chan struct{}
	writerDone     chan struct{}
	heartbeatDone  chan struct{}
	watchDone      chan struct{}
}

// New creates a session over an established transport. m may be nil.
func New(cfg Config, t Transport, reg Registry, router Router, m *metrics.Metrics, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.HeartbeatTimeout <= cfg.HeartbeatInterval {
		cfg.HeartbeatTimeout = 2 * cfg.HeartbeatInterval
	}

	return &Session{
		cfg:           cfg,
		transport:     t,
		registry:      reg,
		router:        router,
		metrics:       m,
		logger:        logger.With("component", "session"),
		readDone:      make(chan struct{}),
		writerDone:    make(chan struct{}),
		heartbeatDone: make(chan struct{}),
		watchDone:     make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Identity returns the identity assigned at authentication.
// Zero until the session is authenticated.
func (s *Session) Identity() registry.Identity {
	return s.ident
}

// Run authenticates the connection and serves it until the peer closes, the
// transport fails, the heartbeat times out or ctx is cancelled. Teardown has
// completed when Run returns.
//
// Run returns nil for a peer close or a cancelled ctx, ErrHeartbeatTimeout,
// or an error wrapping ErrTransport or ErrAuthenticationFailed.
func (s *Session) Run(ctx context.Context, token string) error {
	s.setState(StateConnecting)

	if token != "" && s.cfg.Validator != nil && !s.cfg.Validator(token) {
		s.logger.Debug("presented token rejected by validator")
		token = ""
	}

	ident, err := s.registry.Connect(ctx, token)
	if err != nil {
		s.metrics.AuthFailed()
		s.logger.Warn("cannot obtain identity", "error", err)
		s.writeClose(ClosePolicyViolation, "authentication failed")
		s.transport.Close()
		s.setState(StateClosed)
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	s.ident = ident
	s.logger = s.logger.With("conn_id", ident.ID)
	s.setState(StateAuthenticated)

	auth, err := protocol.EncodeAuth(ident.Token, ident.ID)
	if err == nil {
		err = s.write(Frame{Kind: FrameText, Data: auth})
	}
	if err != nil {
		s.disconnect()
		s.transport.Close()
		s.setState(StateClosed)
		return fmt.Errorf("%w: send auth packet: %w", ErrTransport, err)
	}

	s.out = worker.NewOutbound(ident.ID)
	if err := s.router.Register(ident.ID, s.out); err != nil {
		s.out.Close()
		s.disconnect()
		s.writeClose(CloseGoingAway, "server shutting down")
		s.transport.Close()
		s.setState(StateClosed)
		return fmt.Errorf("register connection: %w", err)
	}

	s.setState(StateActive)
	s.metrics.ConnectionOpened()
	s.logger.Debug("session active")

	s.touch()
	s.transport.SetLivenessHandler(s.touch)

	go s.writeLoop()
	go s.heartbeatLoop()
	go s.watch(ctx)

	s.readLoop()
	close(s.readDone)

	s.teardown()
	return s.cause
}

// readLoop runs until the transport fails or a close frame arrives.
func (s *Session) readLoop() {
	for {
		f, err := s.transport.ReadFrame()
		if err != nil {
			s.fail(fmt.Errorf("%w: read: %w", ErrTransport, err))
			return
		}
		s.touch()

		switch f.Kind {
		case FramePing:
			if err := s.write(Frame{Kind: FramePong, Data: f.Data}); err != nil {
				s.fail(fmt.Errorf("%w: pong: %w", ErrTransport, err))
				return
			}
		case FramePong:
		case FrameText, FrameBinary:
			s.handleMessage(f.Data)
		case FrameClose:
			s.logger.Debug("peer closed connection", "code", f.Code)
			s.fail(nil)
			s.writeClose(CloseNormal, "")
			return
		}
	}
}

func (s *Session) handleMessage(data []byte) {
	pkt, err := protocol.Decode(data)
	if err != nil {
		s.metrics.DecodeError(metrics.SourceClient)
		s.logger.Debug("dropping malformed message", "error", err, "size", len(data))
		return
	}

	switch pkt.Channel {
	case protocol.ChannelSend:
		cmd, err := pkt.Command()
		if err != nil {
			s.metrics.DecodeError(metrics.SourceClient)
			s.logger.Debug("dropping malformed command", "error", err)
			return
		}
		if err := s.router.Send(cmd); err != nil {
			s.logger.Debug("command not accepted", "target", cmd.Target, "error", err)
		}
	case protocol.ChannelRoom:
		if err := s.registry.Dispatch(s.ident.ID, pkt.Data); err != nil {
			s.logger.Debug("room message not accepted", "error", err)
		}
	default:
		s.logger.Debug("dropping message on unknown channel", "channel", pkt.Channel)
	}
}

// writeLoop drains the outbound mailbox until it is closed.
func (s *Session) writeLoop() {
	defer close(s.writerDone)

	for {
		payload, ok := s.out.Receive()
		if !ok {
			return
		}
		if err := s.write(Frame{Kind: FrameText, Data: []byte(payload)}); err != nil {
			s.fail(fmt.Errorf("%w: write: %w", ErrTransport, err))
			s.out.Close()
			s.transport.Close()
			return
		}
	}
}

// heartbeatLoop pings the peer and ends the session when no evidence of
// life arrives within the timeout. Each tick renews the directory lease.
func (s *Session) heartbeatLoop() {
	defer close(s.heartbeatDone)

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.readDone:
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastSeen.Load())
			if time.Since(last) > s.cfg.HeartbeatTimeout {
				s.logger.Info("heartbeat timed out",
					"last_seen", last,
					"timeout", s.cfg.HeartbeatTimeout,
				)
				s.metrics.HeartbeatTimeout()
				s.fail(ErrHeartbeatTimeout)
				s.setState(StateClosing)
				s.disconnect()
				s.transport.Close()
				return
			}

			if err := s.write(Frame{Kind: FramePing}); err != nil {
				s.logger.Debug("failed to send ping", "error", err)
			}
			if err := s.router.Refresh(s.ident.ID, s.out); err != nil {
				s.logger.Debug("lease refresh not accepted", "error", err)
			}
		}
	}
}

// watch closes the connection when ctx is cancelled.
func (s *Session) watch(ctx context.Context) {
	defer close(s.watchDone)

	select {
	case <-ctx.Done():
		s.logger.Debug("closing session for shutdown")
		s.fail(nil)
		s.writeClose(CloseGoingAway, "server shutting down")
		s.transport.Close()
	case <-s.readDone:
	}
}

// teardown releases everything the session registered. Called once, after
// the read loop has ended.
func (s *Session) teardown() {
	s.setState(StateClosing)

	// No lease refresh may follow the Remove.
	<-s.heartbeatDone
	<-s.watchDone

	if err := s.router.Remove(s.ident.ID, s.out); err != nil {
		s.logger.Debug("remove not accepted", "error", err)
	}
	s.disconnect()

	s.out.Close()
	<-s.writerDone

	s.writeClose(CloseNormal, "")
	s.transport.Close()

	s.setState(StateClosed)
	s.metrics.ConnectionClosed()
	s.logger.Debug("session closed", "cause", s.cause)
}

func (s *Session) disconnect() {
	s.disconnectOnce.Do(func() {
		if err := s.registry.Disconnect(s.ident.ID); err != nil {
			s.logger.Debug("disconnect not accepted", "error", err)
		}
	})
}

// fail records the first reason the session is ending. nil means an
// orderly close.
func (s *Session) fail(cause error) {
	s.causeOnce.Do(func() {
		s.cause = cause
	})
}

func (s *Session) write(f Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.transport.WriteFrame(f)
}

// writeClose sends at most one close frame per session.
func (s *Session) writeClose(code int, reason string) {
	if !s.closeSent.CompareAndSwap(false, true) {
		return
	}
	if err := s.write(Frame{Kind: FrameClose, Code: code, Data: []byte(reason)}); err != nil {
		s.logger.Debug("failed to send close frame", "error", err)
	}
}

func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}
