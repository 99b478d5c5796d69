package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisDirectory_PutGet(t *testing.T) {
	mr, client := newTestRedis(t)
	d := NewRedis(client, 30*time.Second, nil)
	ctx := context.Background()

	if err := d.Put(ctx, 1, "instance-a"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := mr.Get("clients:1")
	if err != nil {
		t.Fatalf("key not written: %v", err)
	}
	if got != "instance-a" {
		t.Errorf("stored value = %q, want instance-a", got)
	}
	if ttl := mr.TTL("clients:1"); ttl != 30*time.Second {
		t.Errorf("TTL = %v, want 30s", ttl)
	}

	instance, ok, err := d.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok || instance != "instance-a" {
		t.Errorf("Get() = (%q, %v), want (instance-a, true)", instance, ok)
	}
}

func TestRedisDirectory_GetMissing(t *testing.T) {
	_, client := newTestRedis(t)
	d := NewRedis(client, 0, nil)

	_, ok, err := d.Get(context.Background(), 42)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Error("Get() ok = true for missing key")
	}
}

func TestRedisDirectory_LeaseExpires(t *testing.T) {
	mr, client := newTestRedis(t)
	d := NewRedis(client, 10*time.Second, nil)
	ctx := context.Background()

	if err := d.Put(ctx, 5, "instance-a"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	mr.FastForward(11 * time.Second)

	if _, ok, _ := d.Get(ctx, 5); ok {
		t.Error("entry should have expired")
	}
}

func TestRedisDirectory_DeleteComparesOwner(t *testing.T) {
	mr, client := newTestRedis(t)
	d := NewRedis(client, 0, nil)
	ctx := context.Background()

	if err := d.Put(ctx, 7, "instance-b"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Not the owner: entry stays.
	if err := d.Delete(ctx, 7, "instance-a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if !mr.Exists("clients:7") {
		t.Fatal("entry deleted by non-owner")
	}

	if err := d.Delete(ctx, 7, "instance-b"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if mr.Exists("clients:7") {
		t.Error("entry not deleted by owner")
	}

	// Deleting again is a no-op.
	if err := d.Delete(ctx, 7, "instance-b"); err != nil {
		t.Errorf("second Delete failed: %v", err)
	}
}

func TestRedisDirectory_Sweep(t *testing.T) {
	mr, client := newTestRedis(t)
	d := NewRedis(client, 0, nil)
	ctx := context.Background()

	for i := 0; i < 250; i++ {
		owner := "instance-a"
		if i%2 == 1 {
			owner = "instance-b"
		}
		if err := d.Put(ctx, connID(i), owner); err != nil {
			t.Fatalf("Put(%d) failed: %v", i, err)
		}
	}
	mr.Set("unrelated", "instance-a")

	n, err := d.Sweep(ctx, "instance-a")
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 125 {
		t.Errorf("Sweep removed %d, want 125", n)
	}
	if !mr.Exists("unrelated") {
		t.Error("Sweep removed a key outside the directory prefix")
	}
	if _, ok, _ := d.Get(ctx, 1); !ok {
		t.Error("Sweep removed another instance's entry")
	}
	if _, ok, _ := d.Get(ctx, 0); ok {
		t.Error("Sweep left an entry of the swept instance")
	}
}

func TestRedisDirectory_BackendDown(t *testing.T) {
	mr, client := newTestRedis(t)
	d := NewRedis(client, 0, nil)
	mr.Close()

	ctx := context.Background()
	if err := d.Put(ctx, 1, "x"); !errors.Is(err, ErrDirectory) {
		t.Errorf("Put error = %v, want ErrDirectory", err)
	}
	if _, _, err := d.Get(ctx, 1); !errors.Is(err, ErrDirectory) {
		t.Errorf("Get error = %v, want ErrDirectory", err)
	}
	if err := d.Ping(ctx); !errors.Is(err, ErrDirectory) {
		t.Errorf("Ping error = %v, want ErrDirectory", err)
	}
}
