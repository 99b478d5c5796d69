package broker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

type fakeExec struct {
	mu    sync.Mutex
	calls []string
	args  [][]any
	err   error
}

func (f *fakeExec) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sql)
	f.args = append(f.args, args)
	return pgconn.CommandTag{}, f.err
}

type fakeListenConn struct {
	fakeExec
	notes    chan *pgconn.Notification
	fail     chan error
	released chan struct{}
}

func newFakeListenConn() *fakeListenConn {
	return &fakeListenConn{
		notes:    make(chan *pgconn.Notification, 16),
		fail:     make(chan error, 1),
		released: make(chan struct{}),
	}
}

func (c *fakeListenConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case n := <-c.notes:
		return n, nil
	case err := <-c.fail:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeListenConn) Release() {
	close(c.released)
}

func TestPostgresBroker_Publish(t *testing.T) {
	db := &fakeExec{}
	b := NewPostgres(db, nil, nil)

	if err := b.Publish(context.Background(), "workers:a", []byte("hello")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if db.calls[0] != "SELECT pg_notify($1, $2)" {
		t.Errorf("sql = %q", db.calls[0])
	}
	if db.args[0][0] != "workers:a" || db.args[0][1] != "hello" {
		t.Errorf("args = %v", db.args[0])
	}
}

func TestPostgresBroker_PublishTooLarge(t *testing.T) {
	db := &fakeExec{}
	b := NewPostgres(db, nil, nil)

	err := b.Publish(context.Background(), "c", make([]byte, MaxNotifyPayload+1))
	if !errors.Is(err, ErrRejected) {
		t.Errorf("error = %v, want ErrRejected", err)
	}
	if errors.Is(err, ErrBroker) {
		t.Error("an oversized payload must not look like a backend failure")
	}
	if len(db.calls) != 0 {
		t.Error("oversized payload reached the database")
	}
}

func TestPostgresBroker_ChannelTooLong(t *testing.T) {
	db := &fakeExec{}
	acquired := false
	b := NewPostgres(db, func(context.Context) (ListenConn, error) {
		acquired = true
		return newFakeListenConn(), nil
	}, nil)
	long := Channel(strings.Repeat("x", MaxChannelLength))

	if err := b.Publish(context.Background(), long, []byte("hi")); !errors.Is(err, ErrRejected) {
		t.Errorf("Publish error = %v, want ErrRejected", err)
	}
	if _, err := b.Subscribe(context.Background(), long); !errors.Is(err, ErrBroker) {
		t.Errorf("Subscribe error = %v, want ErrBroker", err)
	}
	if acquired || len(db.calls) != 0 {
		t.Error("over-long channel reached the database")
	}
}

func TestPostgresBroker_Subscribe(t *testing.T) {
	conn := newFakeListenConn()
	b := NewPostgres(&fakeExec{}, func(context.Context) (ListenConn, error) { return conn, nil }, nil)

	sub, err := b.Subscribe(context.Background(), "workers:a")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	conn.mu.Lock()
	listen := conn.calls[0]
	conn.mu.Unlock()
	if listen != `LISTEN "workers:a"` {
		t.Errorf("listen sql = %q", listen)
	}

	conn.notes <- &pgconn.Notification{Channel: "other", Payload: "skip"}
	conn.notes <- &pgconn.Notification{Channel: "workers:a", Payload: "one"}
	conn.notes <- &pgconn.Notification{Channel: "workers:a", Payload: "two"}

	if got := string(receive(t, sub)); got != "one" {
		t.Errorf("first = %q, want one", got)
	}
	if got := string(receive(t, sub)); got != "two" {
		t.Errorf("second = %q, want two", got)
	}

	sub.Close()
	waitClosed(t, sub)
	<-conn.released
	if sub.Err() != nil {
		t.Errorf("Err() = %v after Close, want nil", sub.Err())
	}

	conn.mu.Lock()
	last := conn.calls[len(conn.calls)-1]
	conn.mu.Unlock()
	if !strings.HasPrefix(last, "UNLISTEN") {
		t.Errorf("last sql = %q, want UNLISTEN", last)
	}
}

func TestPostgresBroker_ConnectionLost(t *testing.T) {
	conn := newFakeListenConn()
	b := NewPostgres(&fakeExec{}, func(context.Context) (ListenConn, error) { return conn, nil }, nil)

	sub, err := b.Subscribe(context.Background(), "workers:a")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	conn.fail <- errors.New("conn closed")

	waitClosed(t, sub)
	if !errors.Is(sub.Err(), ErrBroker) {
		t.Errorf("Err() = %v, want ErrBroker", sub.Err())
	}
}

func TestPostgresBroker_AcquireFails(t *testing.T) {
	b := NewPostgres(&fakeExec{}, func(context.Context) (ListenConn, error) {
		return nil, errors.New("pool exhausted")
	}, nil)

	if _, err := b.Subscribe(context.Background(), "workers:a"); !errors.Is(err, ErrBroker) {
		t.Errorf("error = %v, want ErrBroker", err)
	}
}

func TestPostgresBroker_ListenFails(t *testing.T) {
	conn := newFakeListenConn()
	conn.err = errors.New("permission denied")
	b := NewPostgres(&fakeExec{}, func(context.Context) (ListenConn, error) { return conn, nil }, nil)

	if _, err := b.Subscribe(context.Background(), "workers:a"); !errors.Is(err, ErrBroker) {
		t.Errorf("error = %v, want ErrBroker", err)
	}
	select {
	case <-conn.released:
	default:
		t.Error("connection not released after failed LISTEN")
	}
}
