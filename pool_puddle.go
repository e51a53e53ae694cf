package redis

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
)

// NewPuddlePool creates a puddle-based connection pool.
func NewPuddlePool(lifecycle Lifecycle, config PoolConfig) (Pool, error) {
	if err := errors.Join(lifecycle.check(), config.check()); err != nil {
		return nil, err
	}

	p := &puddlePool{
		lifecycle: lifecycle,
		config:    config,
	}

	poolConfig := &puddle.Config[*pooledConn]{
		Constructor: func(ctx context.Context) (*pooledConn, error) {
			conn, err := lifecycle.Make(ctx)
			if err != nil {
				return nil, err
			}
			p.createdConns.Add(1)
			return &pooledConn{conn: conn, validatedAt: time.Now(), fresh: true}, nil
		},
		Destructor: func(pc *pooledConn) {
			p.destroyedConns.Add(1)
			lifecycle.Destroy(pc.conn)
		},
		MaxSize: config.MaxSize,
	}

	pool, err := puddle.NewPool(poolConfig)
	if err != nil {
		return nil, err
	}
	p.pool = pool
	return p, nil
}

// pooledConn is a connection with its pool bookkeeping.
type pooledConn struct {
	conn        *Connection
	validatedAt time.Time
	fresh       bool
}

// puddlePool wraps puddle.Pool to implement our Pool interface.
type puddlePool struct {
	pool      *puddle.Pool[*pooledConn]
	lifecycle Lifecycle
	config    PoolConfig

	createdConns   atomic.Int64
	destroyedConns atomic.Int64
	acquireErrors  atomic.Int64
}

func (p *puddlePool) Acquire(ctx context.Context) (Resource, error) {
	waitCtx, cancel := p.config.waitContext(ctx)
	defer cancel()

	for {
		res, err := p.pool.Acquire(waitCtx)
		if err != nil {
			p.acquireErrors.Add(1)
			switch {
			case errors.Is(err, puddle.ErrClosedPool):
				return nil, ErrPoolClosed
			case waitCtx.Err() != nil:
				return nil, waitError(ctx, waitCtx)
			}
			return nil, err
		}

		pc := res.Value()
		fresh := pc.fresh
		pc.fresh = false

		if !fresh && p.config.needsValidation(pc.validatedAt) {
			if !p.lifecycle.Validate(pc.conn) {
				res.Destroy()
				continue
			}
			pc.validatedAt = time.Now()
		}

		if err := p.lifecycle.activate(pc.conn); err != nil {
			res.Destroy()
			if fresh {
				p.acquireErrors.Add(1)
				return nil, err
			}
			continue
		}

		return &puddleResource{res: res, pool: p}, nil
	}
}

func (p *puddlePool) AcquireAllIdle() []Resource {
	puddleResources := p.pool.AcquireAllIdle()
	resources := make([]Resource, len(puddleResources))
	for i, res := range puddleResources {
		resources[i] = &puddleResource{res: res, pool: p}
	}
	return resources
}

func (p *puddlePool) Close() {
	p.pool.Close()
}

// Stats returns a snapshot of pool statistics by converting puddle's stats to our format.
func (p *puddlePool) Stats() PoolStats {
	s := p.pool.Stat()

	return PoolStats{
		TotalConns:        s.TotalResources(),
		IdleConns:         s.IdleResources(),
		ActiveConns:       s.AcquiredResources(),
		AcquireCount:      uint64(s.AcquireCount()),
		AcquireWaitCount:  uint64(s.EmptyAcquireCount()), // Acquires that had to wait (pool was empty)
		CreatedConns:      uint64(p.createdConns.Load()),
		DestroyedConns:    uint64(p.destroyedConns.Load()),
		AcquireErrors:     uint64(p.acquireErrors.Load()),
		AcquireWaitTimeNs: uint64(s.EmptyAcquireWaitTime().Nanoseconds()),
	}
}

// puddleResource adapts a puddle resource to Resource.
type puddleResource struct {
	res  *puddle.Resource[*pooledConn]
	pool *puddlePool
}

func (r *puddleResource) Value() *Connection {
	return r.res.Value().conn
}

func (r *puddleResource) Release() {
	pc := r.res.Value()
	if !checkReturned(r.pool.lifecycle, r.pool.config, pc.conn, &pc.validatedAt) {
		r.res.Destroy()
		return
	}
	r.res.Release()
}

func (r *puddleResource) ReleaseUnused() {
	r.res.ReleaseUnused()
}

func (r *puddleResource) Destroy() {
	r.res.Destroy()
}

func (r *puddleResource) CreationTime() time.Time {
	return r.res.CreationTime()
}

func (r *puddleResource) IdleDuration() time.Duration {
	return r.res.IdleDuration()
}
