package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rickgao/wsgate/internal/broker"
	"github.com/rickgao/wsgate/internal/directory"
	"github.com/rickgao/wsgate/internal/mailbox"
	"github.com/rickgao/wsgate/internal/metrics"
	"github.com/rickgao/wsgate/internal/protocol"
)

// Errors
var (
	// ErrStopped is returned for events submitted after Stop or after the
	// Start context is cancelled.
	ErrStopped = errors.New("worker stopped")

	// ErrIdentityConflict is logged when Register finds the id owned by
	// another instance.
	ErrIdentityConflict = errors.New("connection id owned by another instance")
)

// Worker owns this instance's connection-id to Outbound map and routes
// commands to local connections or to the owning instance.
type Worker interface {
	// Start subscribes to this instance's broker channel and begins
	// processing events. Returns after the first subscribe attempt.
	Start(ctx context.Context) error

	// Stop processes every queued event, then unsubscribes.
	Stop(ctx context.Context) error

	// Register maps id to out, replacing any previous handle, and records
	// this instance as the owner in the directory.
	Register(id protocol.ConnID, out *Outbound) error

	// Refresh renews the directory lease for id while out is still its
	// handle, re-adding it if a restart emptied the map. A newer handle for
	// the same id is left alone.
	Refresh(id protocol.ConnID, out *Outbound) error

	// Remove unmaps id if it is still mapped to out.
	Remove(id protocol.ConnID, out *Outbound) error

	// Send routes a command.
	Send(cmd protocol.Command) error

	// Snapshot returns the ids currently registered, in ascending order.
	Snapshot(ctx context.Context) ([]protocol.ConnID, error)

	// Instance returns this worker's instance id.
	Instance() string

	// Stats returns current worker statistics.
	Stats() Stats
}

// Config holds worker settings.
type Config struct {
	// Instance identifies this gateway in the directory and on the broker.
	Instance string

	// RestartBaseDelay and RestartMaxDelay bound the backoff between runs.
	RestartBaseDelay time.Duration
	RestartMaxDelay  time.Duration

	// OpTimeout bounds each directory call.
	OpTimeout time.Duration

	// PublishTimeout bounds each broker subscribe and publish.
	PublishTimeout time.Duration
}

// Stats contains runtime statistics.
type Stats struct {
	Registered   int64         `json:"registered"`
	Delivered    int64         `json:"delivered"`
	Forwarded    int64         `json:"forwarded"`
	Dropped      int64         `json:"dropped"`
	DecodeErrors int64         `json:"decode_errors"`
	Restarts     int64         `json:"restarts"`
	Conflicts    int64         `json:"conflicts"`
	Running      bool          `json:"running"`
	Mailbox      mailbox.Stats `json:"mailbox"`
}

type eventKind int

const (
	evRegister eventKind = iota
	evRefresh
	evRemove
	evSend
	evSnapshot
)

type event struct {
	kind  eventKind
	id    protocol.ConnID
	out   *Outbound
	cmd   protocol.Command
	reply chan []protocol.ConnID
}

// worker is the internal implementation.
type worker struct {
	cfg     Config
	dir     directory.Directory
	broker  broker.Broker
	metrics *metrics.Metrics
	logger  *slog.Logger

	mb *mailbox.Mailbox[event]

	// Lifecycle
	started  chan struct{} // closed after the first subscribe attempt
	stopping chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// Stats
	registered   atomic.Int64
	delivered    atomic.Int64
	forwarded    atomic.Int64
	dropped      atomic.Int64
	decodeErrors atomic.Int64
	restarts     atomic.Int64
	conflicts    atomic.Int64
	running      atomic.Bool
}

// New creates a command worker. m may be nil.
func New(cfg Config, dir directory.Directory, b broker.Broker, m *metrics.Metrics, logger *slog.Logger) Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RestartBaseDelay <= 0 {
		cfg.RestartBaseDelay = 500 * time.Millisecond
	}
	if cfg.RestartMaxDelay < cfg.RestartBaseDelay {
		cfg.RestartMaxDelay = cfg.RestartBaseDelay
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 2 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = cfg.OpTimeout
	}

	return &worker{
		cfg:      cfg,
		dir:      dir,
		broker:   b,
		metrics:  m,
		logger:   logger.With("component", "worker", "instance", cfg.Instance),
		mb:       mailbox.New[event](),
		started:  make(chan struct{}),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (w *worker) Instance() string {
	return w.cfg.Instance
}

// Start launches the supervisor. Cancelling ctx has the same effect as Stop:
// the mailbox is closed and every queued event is still processed.
func (w *worker) Start(ctx context.Context) error {
	go w.supervise(ctx)

	select {
	case <-w.started:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.logger.Info("command worker started", "channel", broker.Channel(w.cfg.Instance))
	return nil
}

// Stop closes the mailbox and waits for the queued events to be processed.
func (w *worker) Stop(ctx context.Context) error {
	w.logger.Info("stopping command worker")
	w.closeMailbox()

	select {
	case <-w.done:
		w.logger.Info("command worker stopped",
			"delivered", w.delivered.Load(),
			"forwarded", w.forwarded.Load(),
		)
		return nil
	case <-ctx.Done():
		w.logger.Warn("command worker stop timed out", "pending", w.mb.Len())
		return ctx.Err()
	}
}

func (w *worker) closeMailbox() {
	w.stopOnce.Do(func() {
		close(w.stopping)
		w.mb.Close()
	})
}

func (w *worker) Register(id protocol.ConnID, out *Outbound) error {
	return w.submit(event{kind: evRegister, id: id, out: out})
}

func (w *worker) Refresh(id protocol.ConnID, out *Outbound) error {
	return w.submit(event{kind: evRefresh, id: id, out: out})
}

func (w *worker) Remove(id protocol.ConnID, out *Outbound) error {
	return w.submit(event{kind: evRemove, id: id, out: out})
}

func (w *worker) Send(cmd protocol.Command) error {
	return w.submit(event{kind: evSend, cmd: cmd})
}

func (w *worker) Snapshot(ctx context.Context) ([]protocol.ConnID, error) {
	reply := make(chan []protocol.ConnID, 1)
	if err := w.submit(event{kind: evSnapshot, reply: reply}); err != nil {
		return nil, err
	}

	select {
	case ids := <-reply:
		return ids, nil
	case <-w.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *worker) submit(ev event) error {
	if !w.mb.Push(ev) {
		return ErrStopped
	}
	return nil
}

func (w *worker) Stats() Stats {
	return Stats{
		Registered:   w.registered.Load(),
		Delivered:    w.delivered.Load(),
		Forwarded:    w.forwarded.Load(),
		Dropped:      w.dropped.Load(),
		DecodeErrors: w.decodeErrors.Load(),
		Restarts:     w.restarts.Load(),
		Conflicts:    w.conflicts.Load(),
		Running:      w.running.Load(),
		Mailbox:      w.mb.Stats(),
	}
}

// supervise runs the event loop, restarting it with exponential backoff
// whenever the directory or broker fails. The mailbox outlives each run.
func (w *worker) supervise(ctx context.Context) {
	defer close(w.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.RestartBaseDelay
	b.MaxInterval = w.cfg.RestartMaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	var startOnce sync.Once
	markStarted := func() { startOnce.Do(func() { close(w.started) }) }
	defer markStarted()

	for {
		err := w.run(ctx, b, markStarted)
		if err == nil {
			return
		}

		if ctx.Err() != nil {
			w.closeMailbox()
			w.logger.Warn("context cancelled while backend unavailable, draining locally", "error", err)
			w.drainOffline()
			return
		}
		if w.mb.Closed() {
			w.logger.Warn("backend unavailable during shutdown, draining locally", "error", err)
			w.drainOffline()
			return
		}

		delay := b.NextBackOff()
		w.restarts.Add(1)
		w.metrics.WorkerRestarted()
		w.logger.Warn("command worker run failed, restarting",
			"error", err,
			"delay", delay,
			"restarts", w.restarts.Load(),
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-w.stopping:
			timer.Stop()
			w.drainOffline()
			return
		case <-ctx.Done():
			timer.Stop()
			w.closeMailbox()
			w.drainOffline()
			return
		}
	}
}

// run is one subscription's lifetime. It returns nil when the worker is
// stopped and the mailbox drained, or the backend error that ended the run.
func (w *worker) run(ctx context.Context, b backoff.BackOff, markStarted func()) error {
	channel := broker.Channel(w.cfg.Instance)

	subCtx, cancel := context.WithTimeout(ctx, w.cfg.PublishTimeout)
	sub, err := w.broker.Subscribe(subCtx, channel)
	cancel()
	markStarted()
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	defer sub.Close()

	b.Reset()
	w.running.Store(true)
	defer w.running.Store(false)

	// Local state does not survive a restart; live sessions re-register on
	// their next heartbeat.
	clients := make(map[protocol.ConnID]*Outbound)
	w.registered.Store(0)

	for {
		select {
		case <-ctx.Done():
			w.closeMailbox()
			w.drain(clients)
			return nil

		case <-w.mb.Ready():
			ev, ok := w.mb.TryReceive()
			if !ok {
				if w.mb.Closed() {
					return nil
				}
				continue
			}
			if err := w.apply(ctx, clients, ev, false); err != nil {
				return err
			}

		case raw, ok := <-sub.Messages():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return fmt.Errorf("%w: subscription %s ended", broker.ErrBroker, channel)
			}
			cmd, err := protocol.DecodeCommand(raw)
			if err != nil {
				w.decodeErrors.Add(1)
				w.metrics.DecodeError(metrics.SourceBroker)
				w.logger.Warn("skipping malformed broker message", "error", err, "size", len(raw))
				continue
			}
			if err := w.apply(ctx, clients, event{kind: evSend, cmd: cmd}, true); err != nil {
				return err
			}
		}
	}
}

// apply handles one event. remote marks commands that arrived over the broker.
func (w *worker) apply(ctx context.Context, clients map[protocol.ConnID]*Outbound, ev event, remote bool) error {
	switch ev.kind {
	case evRegister:
		if _, replaced := clients[ev.id]; !replaced {
			w.registered.Add(1)
		}
		clients[ev.id] = ev.out

		opCtx, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
		defer cancel()
		owner, found, err := w.dir.Get(opCtx, ev.id)
		if err != nil {
			return fmt.Errorf("register %d: %w", ev.id, err)
		}
		if found && owner != w.cfg.Instance {
			// Either the previous owner crashed before its lease ran out, or
			// two instances issue overlapping ids (see registry.id_step).
			w.conflicts.Add(1)
			w.logger.Warn("connection id owned by another instance, taking over",
				"conn_id", ev.id,
				"owner", owner,
				"error", ErrIdentityConflict,
			)
		}
		if err := w.dir.Put(opCtx, ev.id, w.cfg.Instance); err != nil {
			return fmt.Errorf("register %d: %w", ev.id, err)
		}

	case evRefresh:
		cur, ok := clients[ev.id]
		if ok && cur != ev.out {
			return nil
		}
		if ev.out.Closed() {
			return nil
		}
		if !ok {
			clients[ev.id] = ev.out
			w.registered.Add(1)
		}

		opCtx, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
		defer cancel()
		if err := w.dir.Put(opCtx, ev.id, w.cfg.Instance); err != nil {
			return fmt.Errorf("refresh %d: %w", ev.id, err)
		}

	case evRemove:
		if cur, ok := clients[ev.id]; ok {
			if cur != ev.out {
				w.logger.Debug("ignoring remove from a replaced connection", "conn_id", ev.id)
				return nil
			}
			delete(clients, ev.id)
			w.registered.Add(-1)
		}

		opCtx, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
		defer cancel()
		if err := w.dir.Delete(opCtx, ev.id, w.cfg.Instance); err != nil {
			return fmt.Errorf("remove %d: %w", ev.id, err)
		}

	case evSend:
		return w.send(ctx, clients, ev.cmd, remote)

	case evSnapshot:
		ids := make([]protocol.ConnID, 0, len(clients))
		for id := range clients {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		ev.reply <- ids
	}
	return nil
}

func (w *worker) send(ctx context.Context, clients map[protocol.ConnID]*Outbound, cmd protocol.Command, remote bool) error {
	target := cmd.Target

	if out, ok := clients[target]; ok {
		if out.Push(cmd.Payload) {
			w.delivered.Add(1)
			w.metrics.Command(metrics.OutcomeDelivered)
			return nil
		}
		// Receiver gone; its own teardown will clear the directory entry.
		delete(clients, target)
		w.registered.Add(-1)
		w.drop("receiver gone", target)
		return nil
	}

	if remote {
		// Already routed here by a peer; forwarding again could loop.
		w.drop("routed target not local", target)
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
	defer cancel()

	owner, found, err := w.dir.Get(opCtx, target)
	if err != nil {
		return fmt.Errorf("lookup %d: %w", target, err)
	}
	if !found || owner == w.cfg.Instance {
		w.drop("target not connected", target)
		return nil
	}

	payload, err := protocol.EncodeCommand(cmd)
	if err != nil {
		w.logger.Warn("cannot encode command", "conn_id", target, "error", err)
		w.drop("unencodable command", target)
		return nil
	}
	pubCtx, pubCancel := context.WithTimeout(ctx, w.cfg.PublishTimeout)
	defer pubCancel()
	if err := w.broker.Publish(pubCtx, broker.Channel(owner), payload); err != nil {
		if !errors.Is(err, broker.ErrBroker) {
			w.logger.Warn("broker refused command", "conn_id", target, "owner", owner, "error", err)
			w.drop("publish rejected", target)
			return nil
		}
		return fmt.Errorf("forward %d to %s: %w", target, owner, err)
	}

	w.forwarded.Add(1)
	w.metrics.Command(metrics.OutcomeForwarded)
	w.logger.Debug("forwarded command", "conn_id", target, "owner", owner)
	return nil
}

func (w *worker) drop(reason string, target protocol.ConnID) {
	w.dropped.Add(1)
	w.metrics.Command(metrics.OutcomeDropped)
	w.logger.Debug("dropping command", "conn_id", target, "reason", reason)
}

// drain applies the remaining events after the run context is cancelled.
// Backend calls get fresh timeouts; the first failure drops the rest.
func (w *worker) drain(clients map[protocol.ConnID]*Outbound) {
	ctx := context.Background()
	for {
		ev, ok := w.mb.TryReceive()
		if !ok {
			return
		}
		if err := w.apply(ctx, clients, ev, false); err != nil {
			w.logger.Warn("backend failed while draining, dropping remaining events", "error", err)
			w.drainOffline()
			return
		}
	}
}

// drainOffline empties the mailbox when no backend is reachable during
// shutdown. Nothing is registered, so sends are dropped.
func (w *worker) drainOffline() {
	for _, ev := range w.mb.DrainTo(0) {
		switch ev.kind {
		case evSend:
			w.drop("worker stopping without backend", ev.cmd.Target)
		case evSnapshot:
			ev.reply <- nil
		}
	}
}
