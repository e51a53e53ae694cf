package redis

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrPoolClosed    = errors.New("redis: pool closed")
	ErrPoolExhausted = errors.New("redis: pool exhausted")
)

// Pool is a bounded set of connections to one server.
//
// Borrowing hands out an idle connection that passes validation, creates a new
// one when the pool is below MaxSize, or waits for a connection to be returned.
type Pool interface {
	// Acquire borrows a connection.
	// It fails with ErrPoolExhausted when no connection frees up within
	// PoolConfig.MaxWait or before the context deadline; the latter also
	// matches context.DeadlineExceeded. A canceled context fails with
	// context.Canceled.
	Acquire(ctx context.Context) (Resource, error)

	// AcquireAllIdle borrows every idle connection without validating them.
	// Used by health checks.
	AcquireAllIdle() []Resource

	// Close destroys idle connections and makes the pool refuse new borrows.
	// Borrowed connections are destroyed when returned.
	Close()

	// Stats returns a snapshot of pool statistics.
	Stats() PoolStats
}

// Resource is a borrowed connection.
// Exactly one of Release, ReleaseUnused or Destroy must be called, once.
type Resource interface {
	// Value returns the connection.
	Value() *Connection

	// Release returns the connection to the pool: it is passivated, validated,
	// and destroyed instead of reinserted when it is broken or invalid.
	Release()

	// ReleaseUnused returns the connection without passivation, validation,
	// or updating its last-used time.
	ReleaseUnused()

	// Destroy closes the connection and removes it from the pool.
	Destroy()

	// CreationTime returns when the connection was created.
	CreationTime() time.Time

	// IdleDuration returns how long the connection has been idle.
	IdleDuration() time.Duration
}

// PoolConfig holds the limits of a pool.
type PoolConfig struct {
	// MaxSize is the maximum number of connections, borrowed and idle.
	// Required: must be > 0.
	MaxSize int32

	// MaxWait bounds how long Acquire waits when the pool is full.
	// Zero means wait until the context is done.
	MaxWait time.Duration

	// ValidateInterval skips validation of connections validated more
	// recently than this. Zero validates every time.
	ValidateInterval time.Duration
}

func (c PoolConfig) check() error {
	if c.MaxSize <= 0 {
		return fmt.Errorf("redis: pool MaxSize must be > 0, got %d", c.MaxSize)
	}
	if c.MaxWait < 0 {
		return fmt.Errorf("redis: pool MaxWait must be >= 0, got %s", c.MaxWait)
	}
	return nil
}

// needsValidation reports whether a connection validated at validatedAt must
// be validated again.
func (c PoolConfig) needsValidation(validatedAt time.Time) bool {
	if c.ValidateInterval <= 0 {
		return true
	}
	return time.Since(validatedAt) >= c.ValidateInterval
}

// waitContext derives the context bounding a borrow wait.
// The cause of its cancellation is ErrPoolExhausted when MaxWait elapsed.
func (c PoolConfig) waitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.MaxWait <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeoutCause(ctx, c.MaxWait, ErrPoolExhausted)
}

// waitError converts a wait context failure to the borrow error. A caller
// deadline expiring during the wait is an exhausted pool too: the error
// matches both ErrPoolExhausted and context.DeadlineExceeded.
func waitError(parent, wait context.Context) error {
	if err := parent.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrPoolExhausted, err)
		}
		return err
	}
	if errors.Is(context.Cause(wait), ErrPoolExhausted) {
		return ErrPoolExhausted
	}
	return wait.Err()
}
