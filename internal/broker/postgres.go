package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQL NOTIFY limits.
const (
	MaxNotifyPayload = 7999
	MaxChannelLength = 63 // identifiers longer than this are truncated
)

// pgExecutor runs pg_notify. Satisfied by *pgxpool.Pool.
type pgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ListenConn is a dedicated connection that can LISTEN.
type ListenConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Release()
}

// AcquireFunc hands out a dedicated connection for one subscription.
type AcquireFunc func(ctx context.Context) (ListenConn, error)

// PoolAcquirer returns an AcquireFunc backed by a pgx pool.
func PoolAcquirer(pool *pgxpool.Pool) AcquireFunc {
	return func(ctx context.Context) (ListenConn, error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return poolConn{conn}, nil
	}
}

type poolConn struct {
	*pgxpool.Conn
}

func (c poolConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return c.Conn.Conn().WaitForNotification(ctx)
}

// PostgresBroker is a Broker on PostgreSQL LISTEN/NOTIFY.
type PostgresBroker struct {
	db      pgExecutor
	acquire AcquireFunc
	logger  *slog.Logger
}

// NewPostgres creates a PostgreSQL broker. db publishes, acquire provides one
// connection per subscription.
func NewPostgres(db pgExecutor, acquire AcquireFunc, logger *slog.Logger) *PostgresBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresBroker{
		db:      db,
		acquire: acquire,
		logger:  logger.With("component", "postgres_broker"),
	}
}

// Publish implements Broker.
func (b *PostgresBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if len(channel) > MaxChannelLength {
		return fmt.Errorf("%w: channel name %q exceeds %d bytes", ErrRejected, channel, MaxChannelLength)
	}
	if len(payload) > MaxNotifyPayload {
		return fmt.Errorf("%w: publish %s: payload of %d bytes exceeds notify limit", ErrRejected, channel, len(payload))
	}
	if _, err := b.db.Exec(ctx, "SELECT pg_notify($1, $2)", channel, string(payload)); err != nil {
		return fmt.Errorf("%w: publish %s: %w", ErrBroker, channel, err)
	}
	return nil
}

// Subscribe implements Broker.
func (b *PostgresBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if len(channel) > MaxChannelLength {
		return nil, fmt.Errorf("%w: channel name %q exceeds %d bytes", ErrBroker, channel, MaxChannelLength)
	}

	conn, err := b.acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: acquire listen conn: %w", ErrBroker, err)
	}

	ident := pgx.Identifier{channel}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+ident); err != nil {
		conn.Release()
		return nil, fmt.Errorf("%w: listen %s: %w", ErrBroker, channel, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	s := &pgSubscription{
		conn:    conn,
		channel: channel,
		ident:   ident,
		out:     make(chan []byte),
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  b.logger.With("channel", channel),
	}
	go s.readLoop(readCtx)
	return s, nil
}

type pgSubscription struct {
	conn    ListenConn
	channel string
	ident   string
	out     chan []byte
	cancel  context.CancelFunc
	done    chan struct{}
	logger  *slog.Logger

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *pgSubscription) readLoop(ctx context.Context) {
	defer close(s.done)
	defer close(s.out)
	defer s.release()

	for {
		n, err := s.conn.WaitForNotification(ctx)
		if err != nil {
			s.mu.Lock()
			if !s.closed && ctx.Err() == nil {
				s.err = fmt.Errorf("%w: wait %s: %w", ErrBroker, s.channel, err)
				s.logger.Warn("subscription ended", "error", err)
			}
			s.mu.Unlock()
			return
		}
		if n.Channel != s.channel {
			continue
		}

		select {
		case s.out <- []byte(n.Payload):
		case <-ctx.Done():
			return
		}
	}
}

// release stops listening and returns the connection. A connection broken
// by cancellation is discarded by the pool.
func (s *pgSubscription) release() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := s.conn.Exec(ctx, "UNLISTEN "+s.ident); err != nil {
		s.logger.Debug("unlisten failed", "error", err)
	}
	s.conn.Release()
}

func (s *pgSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *pgSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *pgSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	<-s.done
	return nil
}
