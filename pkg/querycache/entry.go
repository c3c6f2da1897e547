package querycache

import (
	"context"
	"sync"
	"time"
)

// Status describes where a query entry is in its fetch state machine.
type Status int

const (
	// StatusIdle means no fetch has ever been started for the entry.
	StatusIdle Status = iota
	// StatusLoading means a fetch cycle is in flight. Previously fetched
	// data, if any, remains available while loading.
	StatusLoading
	// StatusSuccess means the last fetch cycle completed with fresh data.
	StatusSuccess
	// StatusError means the last fetch cycle exhausted its retries. The
	// last successful data, if any, is still attached to the snapshot.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Producer is the caller-supplied async function that fetches the value for
// a query. It must be safe to call repeatedly: the fetch coordinator invokes
// it once per attempt, up to MaxRetries times per cycle.
type Producer func(ctx context.Context) (any, error)

// Listener receives a snapshot every time the entry for its key transitions
// state. Listeners for one key observe transitions in the order they
// occurred. A listener runs synchronously with the transition and must not
// call back into the client for the same key.
type Listener func(Snapshot)

// Snapshot is an immutable view of a query entry, taken at a state
// transition and handed to listeners.
type Snapshot struct {
	Key    Key
	Status Status
	// Data is the last successfully fetched value. It survives later
	// failures, so Data can be set while Status is StatusError.
	Data    any
	HasData bool
	// Err is the terminal error of the last fetch cycle; set only while
	// Status is StatusError.
	Err error
	// UpdatedAt is the time of the last successful fetch.
	UpdatedAt  time.Time
	RetryCount int
}

// entry is the per-key cache record. All field access happens with mu held;
// each key's state machine is serialized on its own mutex so different keys
// progress independently.
type entry struct {
	key Key

	mu              sync.Mutex
	status          Status
	data            any
	hasData         bool
	err             error
	updatedAt       time.Time
	retryCount      int
	inFlightFetchID string
	// invalidated marks cached data as no longer trusted; the next
	// observation or refetch starts a fresh cycle instead of serving it.
	invalidated bool
	// abandon is closed when the last observer leaves while a fetch cycle
	// is in flight, cancelling any pending backoff sleep. Recreated per
	// cycle.
	abandon chan struct{}
	// removed marks an entry that has been garbage collected out of the
	// store; a caller holding a stale pointer must not resurrect it.
	removed bool
	// pinned keeps a prefetched entry alive with zero observers until the
	// first subscriber arrives or a CollectGarbage sweep reclaims it.
	pinned bool

	observers map[string]Listener
	producer  Producer
	opts      resolvedOptions
}

func newEntry(key Key) *entry {
	return &entry{
		key:       key,
		status:    StatusIdle,
		observers: make(map[string]Listener),
	}
}

func (e *entry) snapshotLocked() Snapshot {
	return Snapshot{
		Key:        e.key,
		Status:     e.status,
		Data:       e.data,
		HasData:    e.hasData,
		Err:        e.err,
		UpdatedAt:  e.updatedAt,
		RetryCount: e.retryCount,
	}
}

// notifyLocked delivers the current snapshot to every registered listener.
// It runs under the entry mutex, which is what gives each key's listeners a
// total order over transitions.
func (e *entry) notifyLocked() {
	if len(e.observers) == 0 {
		return
	}
	snap := e.snapshotLocked()
	for _, listener := range e.observers {
		listener(snap)
	}
}

// freshLocked reports whether the cached value can be served without a new
// fetch cycle.
func (e *entry) freshLocked(now time.Time) bool {
	if e.status != StatusSuccess || e.invalidated {
		return false
	}
	return now.Sub(e.updatedAt) < e.opts.cacheExpiration
}
