package querycache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// fetchCoordinator drives the per-key fetch state machine. It guarantees at
// most one in-flight fetch cycle per key: concurrent callers attach to the
// existing cycle instead of starting a new one, so N observers of one key
// cost exactly one producer invocation.
type fetchCoordinator struct {
	store  *entryStore
	logger zerolog.Logger
	// baseCtx bounds the lifetime of fetch cycles; a cycle outlives the
	// subscriber that started it, but not the client.
	baseCtx context.Context
	wg      sync.WaitGroup
}

func newFetchCoordinator(baseCtx context.Context, store *entryStore, logger zerolog.Logger) *fetchCoordinator {
	return &fetchCoordinator{
		store:   store,
		logger:  logger.With().Str("component", "FetchCoordinator").Logger(),
		baseCtx: baseCtx,
	}
}

// ensureFreshLocked starts a fetch cycle for the entry unless one is already
// in flight or the cached value is still fresh. The caller must hold e.mu
// and have populated e.producer and e.opts. When force is true the freshness
// check is skipped; the dedup check never is.
func (f *fetchCoordinator) ensureFreshLocked(e *entry, force bool) {
	if e.inFlightFetchID != "" {
		// Attach to the running cycle; its completion notifies every
		// observer registered at that point.
		return
	}
	if !force && e.freshLocked(time.Now()) {
		return
	}
	if e.producer == nil {
		// Entry was seeded via SetQueryData and has never been observed
		// with a producer; nothing to run.
		return
	}

	fetchID := uuid.NewString()
	e.status = StatusLoading
	e.inFlightFetchID = fetchID
	e.retryCount = 0
	e.invalidated = false
	e.abandon = make(chan struct{})
	e.notifyLocked()

	f.logger.Debug().Str("key", e.key.String()).Str("fetch_id", fetchID).Msg("Starting fetch cycle.")

	f.wg.Add(1)
	go f.runCycle(e, fetchID, e.producer, e.opts, e.abandon)
}

// runCycle executes one fetch cycle: the initial attempt plus retries with
// exponential backoff, all under a single fetch id so the dedup invariant
// holds across the whole cycle.
func (f *fetchCoordinator) runCycle(e *entry, fetchID string, producer Producer, opts resolvedOptions, abandon <-chan struct{}) {
	defer f.wg.Done()

	for {
		data, err := producer(f.baseCtx)
		if err == nil {
			f.completeSuccess(e, fetchID, data)
			return
		}

		e.mu.Lock()
		e.retryCount++
		attempt := e.retryCount
		e.mu.Unlock()

		if attempt >= opts.maxRetries {
			f.completeError(e, fetchID, &ProducerError{Key: e.key, Attempts: attempt, Err: err})
			return
		}

		f.logger.Debug().
			Str("key", e.key.String()).
			Int("attempt", attempt).
			Err(err).
			Msg("Fetch attempt failed, backing off before retry.")

		delay := opts.retryBackoffBase << (attempt - 1)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
			// Retry under the same fetch id.
		case <-abandon:
			timer.Stop()
			f.logger.Debug().Str("key", e.key.String()).Msg("All observers left during backoff, abandoning fetch cycle.")
			f.completeError(e, fetchID, &ProducerError{Key: e.key, Attempts: attempt, Err: err})
			return
		case <-f.baseCtx.Done():
			timer.Stop()
			f.completeError(e, fetchID, &ProducerError{Key: e.key, Attempts: attempt, Err: err})
			return
		}
	}
}

func (f *fetchCoordinator) completeSuccess(e *entry, fetchID string, data any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlightFetchID != fetchID {
		return
	}
	e.data = data
	e.hasData = true
	e.err = nil
	e.updatedAt = time.Now()
	e.retryCount = 0
	e.status = StatusSuccess
	e.inFlightFetchID = ""
	e.abandon = nil
	e.notifyLocked()
	f.gcLocked(e)
}

func (f *fetchCoordinator) completeError(e *entry, fetchID string, perr *ProducerError) {
	f.logger.Error().Str("key", e.key.String()).Err(perr).Msg("Fetch cycle failed.")
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlightFetchID != fetchID {
		return
	}
	// Stale-while-revalidate: previously fetched data stays attached.
	e.err = perr
	e.status = StatusError
	e.inFlightFetchID = ""
	e.abandon = nil
	e.notifyLocked()
	f.gcLocked(e)
}

// gcLocked removes the entry from the store once nothing references it: no
// observers and no in-flight fetch. An entry mid-fetch is never removed, so
// a resolving fetch always has a destination.
func (f *fetchCoordinator) gcLocked(e *entry) {
	if e.removed || e.pinned || len(e.observers) > 0 || e.inFlightFetchID != "" {
		return
	}
	f.store.removeLocked(e)
	f.logger.Debug().Str("key", e.key.String()).Msg("Entry garbage collected.")
}

// drain blocks until every in-flight fetch cycle has completed or ctx
// expires.
func (f *fetchCoordinator) drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
