package directory

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/rickgao/wsgate/internal/protocol"
)

// ErrDirectory wraps every backend failure. The worker treats it as fatal to
// its current run.
var ErrDirectory = errors.New("directory error")

// KeyPrefix prefixes every directory key.
const KeyPrefix = "clients:"

// Directory maps a connection id to the instance that holds it.
type Directory interface {
	// Put records (id -> instance), replacing any previous owner and
	// refreshing the entry's lease.
	Put(ctx context.Context, id protocol.ConnID, instance string) error

	// Delete removes the entry for id, but only if instance still owns it.
	Delete(ctx context.Context, id protocol.ConnID, instance string) error

	// Get returns the owning instance. ok is false if there is no live entry.
	Get(ctx context.Context, id protocol.ConnID) (instance string, ok bool, err error)

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error
}

// Sweeper removes every entry owned by an instance, plus any expired entries
// the backend does not evict on its own. Returns the number of entries removed.
type Sweeper interface {
	Sweep(ctx context.Context, instance string) (int, error)
}

// Key returns the directory key for a connection id.
func Key(id protocol.ConnID) string {
	return KeyPrefix + id.String()
}

// ParseKey extracts the connection id from a directory key.
func ParseKey(key string) (protocol.ConnID, bool) {
	rest, found := strings.CutPrefix(key, KeyPrefix)
	if !found {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return protocol.ConnID(n), true
}
