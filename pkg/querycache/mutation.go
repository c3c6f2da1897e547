package querycache

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// WriteFunc is a caller-supplied async write operation. Unlike a Producer it
// is called at most once per mutation run: writes are not assumed to be
// safely retryable.
type WriteFunc func(ctx context.Context) (any, error)

type targetKind int

const (
	targetNone targetKind = iota
	targetKey
	targetPrefix
	targetPredicate
)

// InvalidationTarget selects the query entries a successful mutation (or a
// manual InvalidateQueries call) marks as no longer trusted. The zero value
// selects nothing.
type InvalidationTarget struct {
	kind      targetKind
	key       Key
	predicate func(Key) bool
}

// InvalidateKey targets exactly one key.
func InvalidateKey(key Key) InvalidationTarget {
	return InvalidationTarget{kind: targetKey, key: key}
}

// InvalidatePrefix targets every key whose leading parts match the given
// key, e.g. InvalidatePrefix(NewKey("user")) hits ("user", 1), ("user", 2)
// and so on.
func InvalidatePrefix(prefix Key) InvalidationTarget {
	return InvalidationTarget{kind: targetPrefix, key: prefix}
}

// InvalidatePredicate targets every key the predicate accepts.
func InvalidatePredicate(predicate func(Key) bool) InvalidationTarget {
	return InvalidationTarget{kind: targetPredicate, predicate: predicate}
}

// InvalidateNone targets nothing; useful to make "no invalidation" explicit
// in mutation options.
func InvalidateNone() InvalidationTarget {
	return InvalidationTarget{kind: targetNone}
}

func (t InvalidationTarget) matches(key Key) bool {
	switch t.kind {
	case targetKey:
		return key.Equal(t.key)
	case targetPrefix:
		return key.HasPrefix(t.key)
	case targetPredicate:
		return t.predicate != nil && t.predicate(key)
	default:
		return false
	}
}

// mutationCoordinator executes write operations and resolves their
// invalidation targets against the entry store. Mutations are independent of
// each other and of fetches: invalidation only schedules fetch cycles, it
// never blocks a mutation's completion.
type mutationCoordinator struct {
	store  *entryStore
	fetch  *fetchCoordinator
	logger zerolog.Logger
}

func newMutationCoordinator(store *entryStore, fetch *fetchCoordinator, logger zerolog.Logger) *mutationCoordinator {
	return &mutationCoordinator{
		store:  store,
		fetch:  fetch,
		logger: logger.With().Str("component", "MutationCoordinator").Logger(),
	}
}

// run executes the write function once. On success it invalidates the
// matching entries; on failure the error is wrapped and surfaced
// immediately, never retried.
func (m *mutationCoordinator) run(ctx context.Context, write WriteFunc, target InvalidationTarget) (any, error) {
	mutationID := uuid.NewString()
	m.logger.Debug().Str("mutation_id", mutationID).Msg("Running mutation.")

	result, err := write(ctx)
	if err != nil {
		m.logger.Error().Str("mutation_id", mutationID).Err(err).Msg("Mutation write failed.")
		return nil, &MutationError{Err: err}
	}

	invalidated := m.invalidate(target)
	m.logger.Debug().
		Str("mutation_id", mutationID).
		Int("invalidated_entries", invalidated).
		Msg("Mutation succeeded.")
	return result, nil
}

// invalidate marks every matching entry stale and starts a refetch for those
// with active observers. Targets that match nothing are a no-op, not an
// error. Returns the number of entries touched.
func (m *mutationCoordinator) invalidate(target InvalidationTarget) int {
	if target.kind == targetNone {
		return 0
	}

	var matched []*entry
	if target.kind == targetKey {
		if e := m.store.get(target.key); e != nil {
			matched = append(matched, e)
		}
	} else {
		matched = m.store.forEachMatching(target.matches)
	}

	touched := 0
	for _, e := range matched {
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		e.invalidated = true
		touched++
		if len(e.observers) > 0 {
			m.fetch.ensureFreshLocked(e, false)
		}
		// With no observers the entry stays stale-marked; the next
		// observation fetches instead of serving cached data.
		e.mu.Unlock()
	}
	return touched
}
