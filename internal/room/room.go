// Package room holds the fixed set of rooms a session can be in.
//
// Rooms are placeholders for game logic: they track occupancy and log the
// packets dispatched to them. A session refers to its room by Tag, never by
// pointer, so the registry can hand the tag around freely.
package room

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/rickgao/wsgate/internal/protocol"
)

// Tag names a room.
type Tag string

const (
	// Waiting is the room every new session starts in.
	Waiting Tag = "waiting"
)

// EventKind describes what happened in a room.
type EventKind int

const (
	EventJoined EventKind = iota
	EventLeft
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventJoined:
		return "joined"
	case EventLeft:
		return "left"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is delivered to a room's handler.
type Event struct {
	Kind EventKind
	Conn protocol.ConnID
	Data json.RawMessage
}

// Handler reacts to room events. Handlers run on the registry goroutine and
// must not block.
type Handler interface {
	On(ev Event)
}

// Room is a room singleton with occupancy and message counters.
type Room struct {
	tag      Tag
	handler  Handler
	logger   *slog.Logger
	members  atomic.Int64
	messages atomic.Int64
}

func (r *Room) on(ev Event) {
	switch ev.Kind {
	case EventJoined:
		r.members.Add(1)
	case EventLeft:
		r.members.Add(-1)
	case EventMessage:
		r.messages.Add(1)
	}

	r.logger.Debug("room event",
		"room", r.tag,
		"event", ev.Kind.String(),
		"conn_id", ev.Conn,
	)

	if r.handler != nil {
		r.handler.On(ev)
	}
}

// Stats contains room statistics.
type Stats struct {
	Members  int64 `json:"members"`
	Messages int64 `json:"messages"`
}

// Table addresses rooms by tag.
type Table struct {
	rooms  map[Tag]*Room
	logger *slog.Logger
}

// NewTable creates the room table with every known room.
// handlers may be nil, or map a tag to the handler that room should call.
func NewTable(handlers map[Tag]Handler, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "room")

	t := &Table{
		rooms:  make(map[Tag]*Room),
		logger: logger,
	}
	for _, tag := range []Tag{Waiting} {
		t.rooms[tag] = &Room{tag: tag, handler: handlers[tag], logger: logger}
	}
	return t
}

// On delivers an event to the room with the given tag.
// Returns false if no such room exists.
func (t *Table) On(tag Tag, ev Event) bool {
	r, ok := t.rooms[tag]
	if !ok {
		t.logger.Warn("event for unknown room", "room", tag, "conn_id", ev.Conn)
		return false
	}
	r.on(ev)
	return true
}

// Stats returns statistics for every room.
func (t *Table) Stats() map[Tag]Stats {
	out := make(map[Tag]Stats, len(t.rooms))
	for tag, r := range t.rooms {
		out[tag] = Stats{
			Members:  r.members.Load(),
			Messages: r.messages.Load(),
		}
	}
	return out
}
