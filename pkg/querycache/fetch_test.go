package querycache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/querycache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch_Deduplication(t *testing.T) {
	// Arrange: a producer that blocks until released, so every subscriber
	// arrives while the first fetch is still in flight.
	client := newTestClient(t)
	key := querycache.NewKey("dedup", 1)

	var producerCalls atomic.Int32
	release := make(chan struct{})
	producer := func(ctx context.Context) (any, error) {
		producerCalls.Add(1)
		<-release
		return "value", nil
	}

	// Act: subscribe concurrently from many goroutines.
	const observers = 25
	recorders := make([]*snapshotRecorder, observers)
	var wg sync.WaitGroup
	wg.Add(observers)
	for i := 0; i < observers; i++ {
		recorders[i] = &snapshotRecorder{}
		go func(rec *snapshotRecorder) {
			defer wg.Done()
			_, err := client.Subscribe(key, producer, querycache.QueryOptions{}, rec.listener)
			assert.NoError(t, err)
		}(recorders[i])
	}
	wg.Wait()
	close(release)

	// Assert: one upstream invocation, and every observer sees the result.
	for _, rec := range recorders {
		snap := rec.waitForStatus(t, querycache.StatusSuccess)
		assert.Equal(t, "value", snap.Data)
	}
	assert.Equal(t, int32(1), producerCalls.Load(), "N concurrent observers must produce exactly one fetch")
}

func TestFetch_RetryBound(t *testing.T) {
	// Arrange
	client := newTestClient(t)
	key := querycache.NewKey("always-fails")
	producerErr := errors.New("upstream unavailable")

	var producerCalls atomic.Int32
	producer := func(ctx context.Context) (any, error) {
		producerCalls.Add(1)
		return nil, producerErr
	}

	// Act
	rec := &snapshotRecorder{}
	_, err := client.Subscribe(key, producer, querycache.QueryOptions{MaxRetries: 3}, rec.listener)
	require.NoError(t, err)
	snap := rec.waitForStatus(t, querycache.StatusError)

	// Assert: exactly MaxRetries invocations, then a terminal error state.
	assert.Equal(t, int32(3), producerCalls.Load())
	assert.False(t, snap.HasData)

	var perr *querycache.ProducerError
	require.ErrorAs(t, snap.Err, &perr)
	assert.Equal(t, 3, perr.Attempts)
	assert.True(t, key.Equal(perr.Key))
	assert.ErrorIs(t, snap.Err, producerErr)
}

func TestFetch_StaleDataSurvivesError(t *testing.T) {
	// Arrange: a producer that succeeds once, then always fails.
	client := newTestClient(t)
	key := querycache.NewKey("stale", "data")
	failing := atomic.Bool{}
	producer := func(ctx context.Context) (any, error) {
		if failing.Load() {
			return nil, errors.New("source is down")
		}
		return "good-data", nil
	}

	rec := &snapshotRecorder{}
	_, err := client.Subscribe(key, producer, querycache.QueryOptions{}, rec.listener)
	require.NoError(t, err)
	rec.waitForStatus(t, querycache.StatusSuccess)

	// Act: force a refetch that exhausts its retries.
	failing.Store(true)
	require.NoError(t, client.Refetch(key))
	snap := rec.waitForStatus(t, querycache.StatusError)

	// Assert: the error state still carries the last good data.
	assert.True(t, snap.HasData)
	assert.Equal(t, "good-data", snap.Data)
	require.Error(t, snap.Err)
}

func TestFetch_RetrySucceedsBeforeExhaustion(t *testing.T) {
	// Arrange: fail twice, succeed on the third attempt.
	client := newTestClient(t)
	key := querycache.NewKey("flaky")

	var producerCalls atomic.Int32
	producer := func(ctx context.Context) (any, error) {
		if producerCalls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return 99, nil
	}

	// Act
	rec := &snapshotRecorder{}
	_, err := client.Subscribe(key, producer, querycache.QueryOptions{MaxRetries: 3}, rec.listener)
	require.NoError(t, err)
	snap := rec.waitForStatus(t, querycache.StatusSuccess)

	// Assert: the retries were transparent to the observer and the counter
	// reset on success.
	assert.Equal(t, int32(3), producerCalls.Load())
	assert.Equal(t, 99, snap.Data)
	assert.NoError(t, snap.Err)
	assert.Equal(t, 0, snap.RetryCount)
	for _, status := range rec.statuses() {
		assert.NotEqual(t, querycache.StatusError, status, "retries must not surface as error states")
	}
}

func TestFetch_RefetchAttachesToInFlightCycle(t *testing.T) {
	// Arrange
	client := newTestClient(t)
	key := querycache.NewKey("attach")

	var producerCalls atomic.Int32
	release := make(chan struct{})
	producer := func(ctx context.Context) (any, error) {
		producerCalls.Add(1)
		<-release
		return "done", nil
	}

	rec := &snapshotRecorder{}
	_, err := client.Subscribe(key, producer, querycache.QueryOptions{}, rec.listener)
	require.NoError(t, err)

	// Act: refetch while the first fetch is still in flight.
	require.NoError(t, client.Refetch(key))
	require.NoError(t, client.Refetch(key))
	close(release)
	rec.waitForStatus(t, querycache.StatusSuccess)

	// Assert
	assert.Equal(t, int32(1), producerCalls.Load(), "refetch must attach to the in-flight cycle, not start a new one")
}

func TestFetch_FreshDataIsNotRefetched(t *testing.T) {
	// Arrange: first observer fetches; a second observer of the same key
	// arrives while the data is still fresh.
	client := newTestClient(t)
	key := querycache.NewKey("fresh")

	var producerCalls atomic.Int32
	producer := func(ctx context.Context) (any, error) {
		producerCalls.Add(1)
		return "cached", nil
	}

	rec1 := &snapshotRecorder{}
	sub1, err := client.Subscribe(key, producer, querycache.QueryOptions{}, rec1.listener)
	require.NoError(t, err)
	rec1.waitForStatus(t, querycache.StatusSuccess)

	// Act
	rec2 := &snapshotRecorder{}
	sub2, err := client.Subscribe(key, producer, querycache.QueryOptions{}, rec2.listener)
	require.NoError(t, err)

	// Assert: the second observer is served the cached value synchronously.
	snap, ok := rec2.last()
	require.True(t, ok)
	assert.Equal(t, querycache.StatusSuccess, snap.Status)
	assert.Equal(t, "cached", snap.Data)
	assert.Equal(t, int32(1), producerCalls.Load())

	sub1.Unsubscribe()
	sub2.Unsubscribe()
}

func TestFetch_ExpiredDataTriggersBackgroundRefetch(t *testing.T) {
	// Arrange: a very short expiration so the first result goes stale
	// almost immediately.
	client := newTestClient(t)
	key := querycache.NewKey("expiring")

	var producerCalls atomic.Int32
	producer := func(ctx context.Context) (any, error) {
		producerCalls.Add(1)
		return producerCalls.Load(), nil
	}

	opts := querycache.QueryOptions{CacheExpiration: 5 * time.Millisecond}
	rec1 := &snapshotRecorder{}
	sub1, err := client.Subscribe(key, producer, opts, rec1.listener)
	require.NoError(t, err)
	rec1.waitForStatus(t, querycache.StatusSuccess)
	time.Sleep(10 * time.Millisecond)

	// Act: a new observer arrives after expiry.
	rec2 := &snapshotRecorder{}
	sub2, err := client.Subscribe(key, producer, opts, rec2.listener)
	require.NoError(t, err)

	// Assert: stale data is revalidated in the background.
	require.Eventually(t, func() bool {
		snap, ok := rec2.last()
		return ok && snap.Status == querycache.StatusSuccess && snap.Data == int32(2)
	}, 5*time.Second, 2*time.Millisecond, "second observer never saw revalidated data")
	assert.Equal(t, int32(2), producerCalls.Load())

	sub1.Unsubscribe()
	sub2.Unsubscribe()
}
