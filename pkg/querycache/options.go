package querycache

import "time"

const (
	defaultMaxRetries       = 3
	defaultRetryBackoffBase = 100 * time.Millisecond
	defaultCacheExpiration  = 5 * time.Minute
)

// ClientOptions holds the client-wide defaults applied to every query that
// does not override them.
type ClientOptions struct {
	// MaxRetries is the total number of producer invocations per fetch cycle
	// before the entry transitions to StatusError. Defaults to 3.
	MaxRetries int
	// RetryBackoffBase is the delay before the first retry; it doubles for
	// each subsequent retry within a cycle. Defaults to 100ms.
	RetryBackoffBase time.Duration
	// CacheExpiration is how long a successful result is served without
	// triggering a background refetch. Defaults to 5 minutes.
	CacheExpiration time.Duration
}

// QueryOptions configures a single query. Zero values fall back to the
// client defaults.
type QueryOptions struct {
	// MaxRetries overrides the client default when > 0.
	MaxRetries int
	// RetryBackoffBase overrides the client default when > 0.
	RetryBackoffBase time.Duration
	// CacheExpiration overrides the client default when > 0.
	CacheExpiration time.Duration
	// Disabled suppresses the automatic fetch normally triggered by
	// subscribing. The observer still receives notifications; data only
	// arrives via Refetch, invalidation, or another observer's fetch.
	Disabled bool
}

// MutationOptions configures a mutation.
type MutationOptions struct {
	// Invalidates selects the queries to invalidate after the mutation's
	// write function succeeds. The zero value invalidates nothing.
	Invalidates InvalidationTarget
}

// resolvedOptions is the per-entry merge of client defaults and query
// overrides.
type resolvedOptions struct {
	maxRetries       int
	retryBackoffBase time.Duration
	cacheExpiration  time.Duration
}

func (o ClientOptions) validate() error {
	if o.MaxRetries < 0 {
		return &ConfigurationError{Field: "MaxRetries", Reason: "must not be negative"}
	}
	if o.RetryBackoffBase < 0 {
		return &ConfigurationError{Field: "RetryBackoffBase", Reason: "must not be negative"}
	}
	if o.CacheExpiration < 0 {
		return &ConfigurationError{Field: "CacheExpiration", Reason: "must not be negative"}
	}
	return nil
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.MaxRetries == 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.RetryBackoffBase == 0 {
		o.RetryBackoffBase = defaultRetryBackoffBase
	}
	if o.CacheExpiration == 0 {
		o.CacheExpiration = defaultCacheExpiration
	}
	return o
}

func (o QueryOptions) validate() error {
	if o.MaxRetries < 0 {
		return &ConfigurationError{Field: "MaxRetries", Reason: "must not be negative"}
	}
	if o.RetryBackoffBase < 0 {
		return &ConfigurationError{Field: "RetryBackoffBase", Reason: "must not be negative"}
	}
	if o.CacheExpiration < 0 {
		return &ConfigurationError{Field: "CacheExpiration", Reason: "must not be negative"}
	}
	return nil
}

func (o QueryOptions) resolve(defaults ClientOptions) resolvedOptions {
	res := resolvedOptions{
		maxRetries:       defaults.MaxRetries,
		retryBackoffBase: defaults.RetryBackoffBase,
		cacheExpiration:  defaults.CacheExpiration,
	}
	if o.MaxRetries > 0 {
		res.maxRetries = o.MaxRetries
	}
	if o.RetryBackoffBase > 0 {
		res.retryBackoffBase = o.RetryBackoffBase
	}
	if o.CacheExpiration > 0 {
		res.cacheExpiration = o.CacheExpiration
	}
	return res
}
