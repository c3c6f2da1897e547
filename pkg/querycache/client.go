package querycache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrClientClosed is returned by operations on a client after Close.
var ErrClientClosed = errors.New("query client is closed")

// Client is the facade over the query cache engine: the entry store, the
// fetch coordinator, the subscription manager and the mutation coordinator.
// External collaborators hold a reference to the Client only.
//
// A Client is safe for concurrent use. Different keys progress fully
// independently; operations on one key are serialized so its observers see a
// total order of state transitions.
type Client struct {
	logger    zerolog.Logger
	store     *entryStore
	fetch     *fetchCoordinator
	subs      *subscriptionManager
	mutations *mutationCoordinator
	cancel    context.CancelFunc
	closed    atomic.Bool
}

// NewClient creates a query cache client. Zero-value options take the
// documented defaults; invalid options are rejected with a
// ConfigurationError.
func NewClient(opts ClientOptions, logger zerolog.Logger) (*Client, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	baseCtx, cancel := context.WithCancel(context.Background())
	clientLogger := logger.With().Str("service", "QueryClient").Logger()

	store := newEntryStore()
	fetch := newFetchCoordinator(baseCtx, store, clientLogger)

	c := &Client{
		logger:    clientLogger,
		store:     store,
		fetch:     fetch,
		subs:      newSubscriptionManager(store, fetch, opts, clientLogger),
		mutations: newMutationCoordinator(store, fetch, clientLogger),
		cancel:    cancel,
	}

	clientLogger.Info().
		Int("max_retries", opts.MaxRetries).
		Dur("retry_backoff_base", opts.RetryBackoffBase).
		Dur("cache_expiration", opts.CacheExpiration).
		Msg("Query client created.")
	return c, nil
}

// Subscribe registers an observer for a key. The listener immediately
// receives the entry's current snapshot, then one snapshot per state
// transition, in transition order. The first observer of an idle, stale or
// invalidated key triggers a background fetch unless opts.Disabled is set.
//
// Listeners run synchronously with the transition that produced them and
// must not call back into the client for the same key.
func (c *Client) Subscribe(key Key, producer Producer, opts QueryOptions, listener Listener) (*Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	return c.subs.subscribe(key, producer, opts, listener)
}

// Refetch starts a new fetch cycle for an observed key, bypassing the
// freshness check. If a cycle is already in flight the call attaches to it.
// Refetching a key that is not in the store is a no-op.
func (c *Client) Refetch(key Key) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	e := c.store.get(key)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil
	}
	c.fetch.ensureFreshLocked(e, true)
	return nil
}

// InvalidateQueries marks every entry matching target as stale and starts a
// refetch for those with active observers. Targets matching nothing are a
// no-op. Returns the number of entries invalidated.
func (c *Client) InvalidateQueries(target InvalidationTarget) int {
	if c.closed.Load() {
		return 0
	}
	return c.mutations.invalidate(target)
}

// RunMutation executes the write function once. On success the entries
// selected by opts.Invalidates are invalidated and the write's result is
// returned; on failure the error is returned wrapped in a MutationError
// with no retry.
func (c *Client) RunMutation(ctx context.Context, write WriteFunc, opts MutationOptions) (any, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if write == nil {
		return nil, &ConfigurationError{Field: "write", Reason: "must not be nil"}
	}
	return c.mutations.run(ctx, write, opts.Invalidates)
}

// QueryData returns the current snapshot for a key, if the key is in the
// store.
func (c *Client) QueryData(key Key) (Snapshot, bool) {
	e := c.store.get(key)
	if e == nil {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Snapshot{}, false
	}
	return e.snapshotLocked(), true
}

// SetQueryData writes a value directly into the cache for a key, as if a
// fetch had just succeeded, and notifies any current observers. The key is
// created if absent, which allows seeding data ahead of the first
// subscription.
func (c *Client) SetQueryData(key Key, value any) {
	if c.closed.Load() {
		return
	}
	for {
		e := c.store.getOrCreate(key)
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		e.data = value
		e.hasData = true
		e.err = nil
		e.updatedAt = time.Now()
		e.retryCount = 0
		e.status = StatusSuccess
		e.invalidated = false
		if len(e.observers) == 0 {
			e.pinned = true
		}
		e.notifyLocked()
		e.mu.Unlock()
		return
	}
}

// PrefetchSpec names one query for Prefetch.
type PrefetchSpec struct {
	Key      Key
	Producer Producer
	Options  QueryOptions
}

// Prefetch warms the cache for a set of keys concurrently and blocks until
// every one of them has settled. Keys already fresh in the cache are not
// refetched; in-flight fetches are attached to, not duplicated. The first
// failed fetch cycle's error is returned.
func (c *Client) Prefetch(ctx context.Context, specs ...PrefetchSpec) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, spec := range specs {
		spec := spec
		g.Go(func() error {
			settled := make(chan Snapshot, 1)
			opts := spec.Options
			opts.Disabled = false
			sub, err := c.Subscribe(spec.Key, spec.Producer, opts, func(snap Snapshot) {
				if snap.Status == StatusSuccess || snap.Status == StatusError {
					select {
					case settled <- snap:
					default:
					}
				}
			})
			if err != nil {
				return err
			}
			defer sub.Unsubscribe()

			select {
			case snap := <-settled:
				if snap.Status == StatusError {
					return snap.Err
				}
				// Pin the warmed entry so releasing the prefetch
				// subscription does not immediately collect it; the pin
				// clears when a real observer arrives.
				sub.entry.mu.Lock()
				sub.entry.pinned = true
				sub.entry.mu.Unlock()
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}

// CollectGarbage removes entries that nothing references: no observers and
// no in-flight fetch. The observer lifecycle collects such entries on its
// own; this sweep additionally reclaims entries seeded via SetQueryData that
// were never observed. Returns the number of entries removed.
func (c *Client) CollectGarbage() int {
	removed := 0
	for _, e := range c.store.forEachMatching(func(Key) bool { return true }) {
		e.mu.Lock()
		if !e.removed && len(e.observers) == 0 && e.inFlightFetchID == "" {
			c.store.removeLocked(e)
			removed++
		}
		e.mu.Unlock()
	}
	if removed > 0 {
		c.logger.Debug().Int("removed", removed).Msg("Garbage collection sweep completed.")
	}
	return removed
}

// EntryCount returns the number of entries currently in the store.
func (c *Client) EntryCount() int {
	return c.store.len()
}

// Close shuts the client down: pending backoff delays are cancelled and the
// call blocks until every in-flight fetch cycle has resolved or ctx expires.
// The client is unusable afterwards.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Info().Msg("Closing query client...")
	c.cancel()
	if err := c.fetch.drain(ctx); err != nil {
		c.logger.Error().Err(err).Msg("Timeout waiting for in-flight fetches to resolve.")
		return err
	}
	c.logger.Info().Msg("Query client closed.")
	return nil
}
