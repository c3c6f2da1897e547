package querycache

import "fmt"

// ConfigurationError reports an invalid option value. It is returned at
// registration time, never deferred to fetch time.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// ProducerError wraps the final error of an exhausted fetch cycle. It is
// stored on the entry and surfaced through snapshots; it is never returned
// directly from Subscribe or Refetch.
type ProducerError struct {
	Key      Key
	Attempts int
	Err      error
}

func (e *ProducerError) Error() string {
	return fmt.Sprintf("query %q failed after %d attempt(s): %v", e.Key, e.Attempts, e.Err)
}

func (e *ProducerError) Unwrap() error {
	return e.Err
}

// MutationError wraps the error of a failed write function. Mutations are
// never retried, so the underlying error surfaces on the first failure.
type MutationError struct {
	Err error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("mutation failed: %v", e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}
