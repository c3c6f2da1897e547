package querycache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// QuerySnapshot is the typed view of a query entry's state.
type QuerySnapshot[T any] struct {
	Status     Status
	Data       T
	HasData    bool
	Err        error
	UpdatedAt  time.Time
	RetryCount int
}

// Query is a typed handle on one cached query. It subscribes on creation and
// keeps the latest snapshot; Close releases the subscription. Two queries
// created with the same key share one entry, one fetch cycle and one cached
// value, so they must use the same data type.
type Query[T any] struct {
	client *Client
	key    Key
	sub    *Subscription

	mu   sync.Mutex
	last QuerySnapshot[T]
}

// NewQuery subscribes a typed query. onChange, when non-nil, is invoked with
// a typed snapshot on every state transition, in transition order; it runs
// synchronously with the transition and must not call back into the client
// for the same key.
func NewQuery[T any](
	c *Client,
	key Key,
	producer func(ctx context.Context) (T, error),
	opts QueryOptions,
	onChange func(QuerySnapshot[T]),
) (*Query[T], error) {
	q := &Query[T]{client: c, key: key}

	untyped := func(ctx context.Context) (any, error) {
		return producer(ctx)
	}
	sub, err := c.Subscribe(key, untyped, opts, func(snap Snapshot) {
		typed := typedSnapshot[T](snap)
		q.mu.Lock()
		q.last = typed
		q.mu.Unlock()
		if onChange != nil {
			onChange(typed)
		}
	})
	if err != nil {
		return nil, err
	}
	q.sub = sub
	return q, nil
}

func typedSnapshot[T any](snap Snapshot) QuerySnapshot[T] {
	typed := QuerySnapshot[T]{
		Status:     snap.Status,
		Err:        snap.Err,
		UpdatedAt:  snap.UpdatedAt,
		RetryCount: snap.RetryCount,
	}
	if snap.HasData {
		if data, ok := snap.Data.(T); ok {
			typed.Data = data
			typed.HasData = true
		} else {
			typed.Status = StatusError
			typed.Err = fmt.Errorf("query %q holds %T, not the requested type", snap.Key, snap.Data)
		}
	}
	return typed
}

// Key returns the query's key.
func (q *Query[T]) Key() Key {
	return q.key
}

// Snapshot returns the latest typed snapshot observed by this query.
func (q *Query[T]) Snapshot() QuerySnapshot[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.last
}

// Refetch starts a new fetch cycle for the query's key, attaching to any
// cycle already in flight.
func (q *Query[T]) Refetch() error {
	return q.client.Refetch(q.key)
}

// Close releases the subscription. Idempotent.
func (q *Query[T]) Close() {
	q.sub.Unsubscribe()
}

// MutationSnapshot is the typed view of a mutation's last run.
type MutationSnapshot[T any] struct {
	Status  Status
	Data    T
	HasData bool
	Err     error
}

// Mutation is a typed handle on a write operation. Each Mutate call runs the
// write function once and, on success, invalidates the queries selected by
// the mutation's options.
type Mutation[In any, Out any] struct {
	client *Client
	write  func(ctx context.Context, input In) (Out, error)
	opts   MutationOptions

	mu   sync.Mutex
	last MutationSnapshot[Out]
}

// NewMutation creates a typed mutation bound to a client.
func NewMutation[In any, Out any](
	c *Client,
	write func(ctx context.Context, input In) (Out, error),
	opts MutationOptions,
) (*Mutation[In, Out], error) {
	if write == nil {
		return nil, &ConfigurationError{Field: "write", Reason: "must not be nil"}
	}
	return &Mutation[In, Out]{client: c, write: write, opts: opts}, nil
}

// Mutate executes the write function with the given input. The result is
// returned directly and also recorded on the mutation's snapshot; on failure
// the returned error is a MutationError and no invalidation happens.
func (m *Mutation[In, Out]) Mutate(ctx context.Context, input In) (Out, error) {
	m.setState(MutationSnapshot[Out]{Status: StatusLoading})

	result, err := m.client.RunMutation(ctx, func(ctx context.Context) (any, error) {
		return m.write(ctx, input)
	}, m.opts)
	if err != nil {
		var zero Out
		m.setState(MutationSnapshot[Out]{Status: StatusError, Err: err})
		return zero, err
	}

	out, _ := result.(Out)
	m.setState(MutationSnapshot[Out]{Status: StatusSuccess, Data: out, HasData: true})
	return out, nil
}

// Snapshot returns the state of the mutation's most recent run. Before the
// first Mutate call the status is StatusIdle.
func (m *Mutation[In, Out]) Snapshot() MutationSnapshot[Out] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Mutation[In, Out]) setState(snap MutationSnapshot[Out]) {
	m.mu.Lock()
	m.last = snap
	m.mu.Unlock()
}
