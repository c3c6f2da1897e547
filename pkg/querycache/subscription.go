package querycache

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// subscriptionManager tracks the observers of each key and drives the
// observer-count side of an entry's lifecycle: the first observer of an idle
// key triggers a fetch, the last observer leaving makes the entry eligible
// for garbage collection.
type subscriptionManager struct {
	store    *entryStore
	fetch    *fetchCoordinator
	defaults ClientOptions
	logger   zerolog.Logger
}

func newSubscriptionManager(store *entryStore, fetch *fetchCoordinator, defaults ClientOptions, logger zerolog.Logger) *subscriptionManager {
	return &subscriptionManager{
		store:    store,
		fetch:    fetch,
		defaults: defaults,
		logger:   logger.With().Str("component", "SubscriptionManager").Logger(),
	}
}

// Subscription is the handle returned by subscribing to a key. Unsubscribe
// releases it; the zero observer count then allows the entry to be garbage
// collected once no fetch is in flight.
type Subscription struct {
	manager *subscriptionManager
	entry   *entry
	id      string
	once    sync.Once
}

// Key returns the key this subscription observes.
func (s *Subscription) Key() Key {
	return s.entry.key
}

// Unsubscribe deregisters the listener. It is idempotent.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.manager.unsubscribe(s.entry, s.id)
	})
}

func (m *subscriptionManager) subscribe(key Key, producer Producer, opts QueryOptions, listener Listener) (*Subscription, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if producer == nil {
		return nil, &ConfigurationError{Field: "producer", Reason: "must not be nil"}
	}

	for {
		e := m.store.getOrCreate(key)
		e.mu.Lock()
		if e.removed {
			// Lost a race with garbage collection; the store no longer
			// holds this entry, so start over with a fresh one.
			e.mu.Unlock()
			continue
		}

		id := uuid.NewString()
		e.pinned = false
		if listener != nil {
			e.observers[id] = listener
		} else {
			e.observers[id] = func(Snapshot) {}
		}
		e.producer = producer
		e.opts = opts.resolve(m.defaults)

		m.logger.Debug().
			Str("key", key.String()).
			Int("observer_count", len(e.observers)).
			Msg("Observer subscribed.")

		// The new observer sees the current state immediately; any
		// transition caused by ensureFresh below is delivered after it,
		// preserving per-key notification order.
		if listener != nil {
			listener(e.snapshotLocked())
		}

		if !opts.Disabled {
			m.fetch.ensureFreshLocked(e, false)
		}
		e.mu.Unlock()

		return &Subscription{manager: m, entry: e, id: id}, nil
	}
}

func (m *subscriptionManager) unsubscribe(e *entry, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.observers, id)
	if len(e.observers) > 0 {
		return
	}

	if e.inFlightFetchID != "" {
		// The fetch runs to completion and its result is written back, but
		// any backoff sleep is cut short. The entry is collected when the
		// cycle resolves.
		if e.abandon != nil {
			close(e.abandon)
			e.abandon = nil
		}
		m.logger.Debug().Str("key", e.key.String()).Msg("Last observer left mid-fetch, entry retained until cycle resolves.")
		return
	}

	m.fetch.gcLocked(e)
}
