package querycache_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/querycache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// newTestClient creates a client with fast retry timing suitable for tests.
func newTestClient(t *testing.T) *querycache.Client {
	t.Helper()
	client, err := querycache.NewClient(querycache.ClientOptions{
		RetryBackoffBase: time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Close(closeCtx)
	})
	return client
}

// snapshotRecorder collects every notification delivered to a listener so
// tests can assert on the order of state transitions.
type snapshotRecorder struct {
	mu    sync.Mutex
	snaps []querycache.Snapshot
}

func (r *snapshotRecorder) listener(snap querycache.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
}

func (r *snapshotRecorder) statuses() []querycache.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	statuses := make([]querycache.Status, len(r.snaps))
	for i, s := range r.snaps {
		statuses[i] = s.Status
	}
	return statuses
}

func (r *snapshotRecorder) last() (querycache.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return querycache.Snapshot{}, false
	}
	return r.snaps[len(r.snaps)-1], true
}

func (r *snapshotRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

// waitForStatus blocks until the recorder's latest snapshot reaches the
// wanted status.
func (r *snapshotRecorder) waitForStatus(t *testing.T, want querycache.Status) querycache.Snapshot {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, ok := r.last()
		return ok && snap.Status == want
	}, 5*time.Second, 2*time.Millisecond, "recorder never reached status %s", want)
	snap, _ := r.last()
	return snap
}
