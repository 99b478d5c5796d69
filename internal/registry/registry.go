package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/wsgate/internal/mailbox"
	"github.com/rickgao/wsgate/internal/metrics"
	"github.com/rickgao/wsgate/internal/protocol"
	"github.com/rickgao/wsgate/internal/room"
)

// Errors
var (
	ErrStopped          = errors.New("registry stopped")
	ErrIdentityConflict = errors.New("identity conflict")
)

// TokenSource mints candidate tokens. Candidates that collide with a live
// token are discarded and another is drawn.
type TokenSource func() string

// Identity is what a connection receives from Connect.
type Identity struct {
	ID    protocol.ConnID
	Token string
}

// Session is a snapshot of the registry's record for one identity.
type Session struct {
	ID          protocol.ConnID `json:"id"`
	Token       string          `json:"-"`
	Room        room.Tag        `json:"room"`
	Leases      int             `json:"leases"`
	ConnectedAt time.Time       `json:"connected_at"`
	Detached    bool            `json:"detached"`
}

// Registry issues connection identities and tracks sessions.
type Registry interface {
	// Start begins processing requests.
	Start(ctx context.Context) error

	// Stop processes every queued request, then stops.
	Stop(ctx context.Context) error

	// Connect resolves token to an identity. A token bound to a live session
	// returns that session's id; anything else mints a fresh token and id.
	Connect(ctx context.Context, token string) (Identity, error)

	// Disconnect releases one connection's hold on the session.
	// Unknown ids are ignored.
	Disconnect(id protocol.ConnID) error

	// Dispatch hands an in-session packet to the session's room.
	Dispatch(id protocol.ConnID, data json.RawMessage) error

	// Lookup returns the session for id.
	Lookup(ctx context.Context, id protocol.ConnID) (Session, bool, error)

	// Stats returns current registry statistics.
	Stats() Stats
}

// Stats contains runtime statistics.
type Stats struct {
	Sessions  int           `json:"sessions"`
	Tokens    int           `json:"tokens"`
	NextID    uint64        `json:"next_id"`
	Processed int64         `json:"processed"`
	Conflicts int64         `json:"conflicts"`
	Mailbox   mailbox.Stats `json:"mailbox"`
}

// Config holds registry settings.
type Config struct {
	// TokenSource mints tokens. Defaults to random UUIDs.
	TokenSource TokenSource

	// StartingRoom is where new sessions are placed. Defaults to room.Waiting.
	StartingRoom room.Tag

	// IDStart is the first id issued. Each later id adds IDStep, which
	// defaults to 1. Instances sharing a directory use disjoint sequences.
	IDStart protocol.ConnID
	IDStep  protocol.ConnID

	// ResumeGrace keeps a session whose last connection closed for this long,
	// so the client can resume it with its token. Zero removes it at once.
	ResumeGrace time.Duration
}

type requestKind int

const (
	reqConnect requestKind = iota
	reqDisconnect
	reqDispatch
	reqLookup
	reqExpire
)

type request struct {
	kind  requestKind
	token string
	id    protocol.ConnID
	data  json.RawMessage
	gen   uint64

	connectReply chan Identity
	lookupReply  chan lookupResult
}

type lookupResult struct {
	session Session
	ok      bool
}

type sessionState struct {
	Session
	gen uint64 // bumped on every detach so stale expiries are ignored
}

// registry is the internal implementation.
type registry struct {
	cfg     Config
	rooms   *room.Table
	metrics *metrics.Metrics
	logger  *slog.Logger

	mb   *mailbox.Mailbox[request]
	done chan struct{}

	// Owned by the loop goroutine.
	sessions map[protocol.ConnID]*sessionState
	tokens   map[string]protocol.ConnID
	nextID   protocol.ConnID

	// Published by the loop goroutine for Stats.
	statSessions  atomic.Int64
	statTokens    atomic.Int64
	statNextID    atomic.Uint64
	statProcessed atomic.Int64
	statConflicts atomic.Int64
}

// New creates a registry. rooms may be nil, in which case a default table is
// created. m may be nil.
func New(cfg Config, rooms *room.Table, m *metrics.Metrics, logger *slog.Logger) Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TokenSource == nil {
		cfg.TokenSource = uuid.NewString
	}
	if cfg.StartingRoom == "" {
		cfg.StartingRoom = room.Waiting
	}
	if cfg.IDStep == 0 {
		cfg.IDStep = 1
	}
	if rooms == nil {
		rooms = room.NewTable(nil, logger)
	}

	return &registry{
		cfg:      cfg,
		rooms:    rooms,
		metrics:  m,
		logger:   logger.With("component", "registry"),
		mb:       mailbox.New[request](),
		done:     make(chan struct{}),
		sessions: make(map[protocol.ConnID]*sessionState),
		tokens:   make(map[string]protocol.ConnID),
		nextID:   cfg.IDStart,
	}
}

// Start begins processing requests. Cancelling ctx has the same effect as Stop.
func (r *registry) Start(ctx context.Context) error {
	go r.loop()
	go func() {
		select {
		case <-ctx.Done():
			r.mb.Close()
		case <-r.done:
		}
	}()

	r.logger.Info("registry started", "starting_room", r.cfg.StartingRoom)
	return nil
}

// Stop closes the mailbox and waits for queued requests to drain.
func (r *registry) Stop(ctx context.Context) error {
	r.logger.Info("stopping registry")
	r.mb.Close()

	select {
	case <-r.done:
		r.logger.Info("registry stopped", "processed", r.statProcessed.Load())
		return nil
	case <-ctx.Done():
		r.logger.Warn("registry stop timed out", "pending", r.mb.Len())
		return ctx.Err()
	}
}

func (r *registry) Connect(ctx context.Context, token string) (Identity, error) {
	reply := make(chan Identity, 1)
	if !r.mb.Push(request{kind: reqConnect, token: token, connectReply: reply}) {
		return Identity{}, ErrStopped
	}

	select {
	case ident := <-reply:
		return ident, nil
	case <-ctx.Done():
		// The request is already queued; release whatever it creates.
		go func() {
			ident := <-reply
			r.Disconnect(ident.ID)
		}()
		return Identity{}, ctx.Err()
	}
}

func (r *registry) Disconnect(id protocol.ConnID) error {
	if !r.mb.Push(request{kind: reqDisconnect, id: id}) {
		return ErrStopped
	}
	return nil
}

func (r *registry) Dispatch(id protocol.ConnID, data json.RawMessage) error {
	if !r.mb.Push(request{kind: reqDispatch, id: id, data: data}) {
		return ErrStopped
	}
	return nil
}

func (r *registry) Lookup(ctx context.Context, id protocol.ConnID) (Session, bool, error) {
	reply := make(chan lookupResult, 1)
	if !r.mb.Push(request{kind: reqLookup, id: id, lookupReply: reply}) {
		return Session{}, false, ErrStopped
	}

	select {
	case res := <-reply:
		return res.session, res.ok, nil
	case <-ctx.Done():
		return Session{}, false, ctx.Err()
	}
}

func (r *registry) Stats() Stats {
	return Stats{
		Sessions:  int(r.statSessions.Load()),
		Tokens:    int(r.statTokens.Load()),
		NextID:    r.statNextID.Load(),
		Processed: r.statProcessed.Load(),
		Conflicts: r.statConflicts.Load(),
		Mailbox:   r.mb.Stats(),
	}
}

// loop is the only goroutine that touches sessions and tokens.
func (r *registry) loop() {
	defer close(r.done)

	for {
		req, ok := r.mb.Receive()
		if !ok {
			return
		}
		r.handle(req)
		r.statProcessed.Add(1)
		r.publishStats()
	}
}

func (r *registry) handle(req request) {
	switch req.kind {
	case reqConnect:
		req.connectReply <- r.connect(req.token)
	case reqDisconnect:
		r.disconnect(req.id)
	case reqDispatch:
		r.dispatch(req.id, req.data)
	case reqLookup:
		s, ok := r.sessions[req.id]
		if ok {
			req.lookupReply <- lookupResult{session: s.Session, ok: true}
		} else {
			req.lookupReply <- lookupResult{}
		}
	case reqExpire:
		r.expire(req.id, req.gen)
	}
}

func (r *registry) connect(token string) Identity {
	if token != "" {
		if id, ok := r.tokens[token]; ok {
			if s, ok := r.sessions[id]; ok {
				s.Leases++
				if s.Detached {
					s.Detached = false
					s.gen++
					r.logger.Debug("session resumed", "conn_id", id)
				}
				return Identity{ID: id, Token: token}
			}

			// Token outlived its session. Drop the mapping and start over.
			r.statConflicts.Add(1)
			r.logger.Warn("token mapped to missing session",
				"conn_id", id,
				"error", fmt.Errorf("%w: token bound to removed session %d", ErrIdentityConflict, id),
			)
			delete(r.tokens, token)
		}
	}

	token = r.mintToken()
	id := r.nextID
	r.nextID += r.cfg.IDStep

	r.sessions[id] = &sessionState{Session: Session{
		ID:          id,
		Token:       token,
		Room:        r.cfg.StartingRoom,
		Leases:      1,
		ConnectedAt: time.Now(),
	}}
	r.tokens[token] = id
	r.rooms.On(r.cfg.StartingRoom, room.Event{Kind: room.EventJoined, Conn: id})

	r.logger.Debug("session created", "conn_id", id, "room", r.cfg.StartingRoom)
	return Identity{ID: id, Token: token}
}

func (r *registry) mintToken() string {
	for {
		token := r.cfg.TokenSource()
		if token == "" {
			continue
		}
		if _, taken := r.tokens[token]; !taken {
			return token
		}
	}
}

func (r *registry) disconnect(id protocol.ConnID) {
	s, ok := r.sessions[id]
	if !ok || s.Detached {
		r.logger.Debug("disconnect for unknown session", "conn_id", id)
		return
	}

	s.Leases--
	if s.Leases > 0 {
		return
	}

	if r.cfg.ResumeGrace > 0 {
		s.Detached = true
		s.gen++
		gen := s.gen
		time.AfterFunc(r.cfg.ResumeGrace, func() {
			r.mb.Push(request{kind: reqExpire, id: id, gen: gen})
		})
		return
	}

	r.remove(s)
}

func (r *registry) expire(id protocol.ConnID, gen uint64) {
	s, ok := r.sessions[id]
	if !ok || !s.Detached || s.gen != gen {
		return
	}
	r.remove(s)
}

func (r *registry) remove(s *sessionState) {
	delete(r.sessions, s.ID)
	delete(r.tokens, s.Token)
	r.rooms.On(s.Room, room.Event{Kind: room.EventLeft, Conn: s.ID})
	r.logger.Debug("session removed", "conn_id", s.ID)
}

func (r *registry) dispatch(id protocol.ConnID, data json.RawMessage) {
	s, ok := r.sessions[id]
	if !ok {
		r.logger.Debug("dispatch for unknown session", "conn_id", id)
		return
	}
	r.rooms.On(s.Room, room.Event{Kind: room.EventMessage, Conn: id, Data: data})
}

func (r *registry) publishStats() {
	r.statSessions.Store(int64(len(r.sessions)))
	r.statTokens.Store(int64(len(r.tokens)))
	r.statNextID.Store(uint64(r.nextID))
	r.metrics.SetSessions(len(r.sessions))
}
