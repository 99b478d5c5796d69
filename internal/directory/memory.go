package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rickgao/wsgate/internal/protocol"
)

type memoryEntry struct {
	instance string
	expires  time.Time // zero means no expiry
}

// MemoryDirectory is an in-process Directory. Several gateways in one process
// can share it.
type MemoryDirectory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
	down    error
}

// NewMemory creates an in-memory directory. A zero ttl stores entries
// without expiry.
func NewMemory(ttl time.Duration) *MemoryDirectory {
	return &MemoryDirectory{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetClock replaces the time source used for expiry.
func (d *MemoryDirectory) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// Fail makes every subsequent call return an ErrDirectory wrapping err.
// Fail(nil) restores normal operation.
func (d *MemoryDirectory) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.down = err
}

func (d *MemoryDirectory) checkLocked() error {
	if d.down != nil {
		return fmt.Errorf("%w: %w", ErrDirectory, d.down)
	}
	return nil
}

// Put implements Directory.
func (d *MemoryDirectory) Put(_ context.Context, id protocol.ConnID, instance string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(); err != nil {
		return err
	}

	e := memoryEntry{instance: instance}
	if d.ttl > 0 {
		e.expires = d.now().Add(d.ttl)
	}
	d.entries[Key(id)] = e
	return nil
}

// Delete implements Directory.
func (d *MemoryDirectory) Delete(_ context.Context, id protocol.ConnID, instance string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(); err != nil {
		return err
	}

	key := Key(id)
	if e, ok := d.entries[key]; ok && e.instance == instance {
		delete(d.entries, key)
	}
	return nil
}

// Get implements Directory.
func (d *MemoryDirectory) Get(_ context.Context, id protocol.ConnID) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(); err != nil {
		return "", false, err
	}

	key := Key(id)
	e, ok := d.entries[key]
	if !ok {
		return "", false, nil
	}
	if d.expiredLocked(e) {
		delete(d.entries, key)
		return "", false, nil
	}
	return e.instance, true, nil
}

// Ping implements Directory.
func (d *MemoryDirectory) Ping(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.checkLocked()
}

// Sweep implements Sweeper.
func (d *MemoryDirectory) Sweep(_ context.Context, instance string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(); err != nil {
		return 0, err
	}

	removed := 0
	for key, e := range d.entries {
		if (instance != "" && e.instance == instance) || d.expiredLocked(e) {
			delete(d.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored entries, expired or not.
func (d *MemoryDirectory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func (d *MemoryDirectory) expiredLocked(e memoryEntry) bool {
	return !e.expires.IsZero() && !d.now().Before(e.expires)
}
