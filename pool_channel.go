package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pior/redis/internal/coarsetime"
)

// NewChannelPool returns the default pool. Idle connections sit in a
// buffered channel and every open connection holds a token of a second one,
// so a borrower blocked on a full pool wakes up for whichever comes first: a
// returned connection or a destroyed one.
func NewChannelPool(lifecycle Lifecycle, config PoolConfig) (Pool, error) {
	if err := errors.Join(lifecycle.check(), config.check()); err != nil {
		return nil, err
	}
	return &channelPool{
		lifecycle: lifecycle,
		config:    config,
		idle:      make(chan *channelResource, config.MaxSize),
		slots:     make(chan struct{}, config.MaxSize),
		done:      make(chan struct{}),
	}, nil
}

type channelPool struct {
	lifecycle Lifecycle
	config    PoolConfig

	idle  chan *channelResource
	slots chan struct{} // one token per open connection
	done  chan struct{}

	mu     sync.Mutex // orders put against Close
	closed bool

	stats poolStatsCollector
}

type channelResource struct {
	conn        *Connection
	pool        *channelPool
	createdAt   time.Time
	usedAt      time.Time
	validatedAt time.Time
}

func (r *channelResource) Value() *Connection { return r.conn }

func (r *channelResource) CreationTime() time.Time { return r.createdAt }

func (r *channelResource) IdleDuration() time.Duration { return coarsetime.Since(r.usedAt) }

func (r *channelResource) Release() {
	r.usedAt = coarsetime.Now()
	if checkReturned(r.pool.lifecycle, r.pool.config, r.conn, &r.validatedAt) {
		r.pool.put(r)
	} else {
		r.Destroy()
	}
}

// ReleaseUnused returns a connection borrowed by the health checker without
// counting it as used.
func (r *channelResource) ReleaseUnused() {
	r.pool.put(r)
}

func (r *channelResource) Destroy() {
	r.pool.lifecycle.Destroy(r.conn)
	<-r.pool.slots
	r.pool.stats.recordDestroy()
}

func (p *channelPool) Acquire(ctx context.Context) (Resource, error) {
	p.stats.recordAcquire()
	res, err := p.acquire(ctx)
	if err != nil {
		p.stats.recordAcquireError()
		return nil, err
	}
	return res, nil
}

func (p *channelPool) acquire(ctx context.Context) (*channelResource, error) {
	select {
	case <-p.done:
		return nil, ErrPoolClosed
	default:
	}

	if res := p.takeIdle(); res != nil {
		return res, nil
	}
	select {
	case p.slots <- struct{}{}:
		return p.create(ctx)
	default:
	}

	waitCtx, cancel := p.config.waitContext(ctx)
	defer cancel()
	start := coarsetime.Now()

	for {
		select {
		case res := <-p.idle:
			p.stats.recordAcquireFromIdle()
			if !p.prepare(res) {
				continue
			}
			p.stats.recordAcquireWait(coarsetime.Since(start))
			return res, nil
		case p.slots <- struct{}{}:
			res, err := p.create(ctx)
			if err == nil {
				p.stats.recordAcquireWait(coarsetime.Since(start))
			}
			return res, err
		case <-p.done:
			return nil, ErrPoolClosed
		case <-waitCtx.Done():
			return nil, waitError(ctx, waitCtx)
		}
	}
}

// takeIdle returns a ready idle connection, or nil when none is left.
func (p *channelPool) takeIdle() *channelResource {
	for {
		select {
		case res := <-p.idle:
			p.stats.recordAcquireFromIdle()
			if p.prepare(res) {
				return res
			}
		default:
			return nil
		}
	}
}

// prepare validates and activates an idle connection, destroying it on failure.
func (p *channelPool) prepare(res *channelResource) bool {
	if p.config.needsValidation(res.validatedAt) {
		if !p.lifecycle.Validate(res.conn) {
			res.Destroy()
			return false
		}
		res.validatedAt = time.Now()
	}
	if err := p.lifecycle.activate(res.conn); err != nil {
		res.Destroy()
		return false
	}
	return true
}

// create dials a connection for a slot the caller already holds. The slot is
// given back on failure.
func (p *channelPool) create(ctx context.Context) (*channelResource, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		<-p.slots
		return nil, ErrPoolClosed
	}

	conn, err := p.lifecycle.Make(ctx)
	if err != nil {
		<-p.slots
		return nil, err
	}
	p.stats.recordCreate()

	now := coarsetime.Now()
	res := &channelResource{conn: conn, pool: p, createdAt: now, usedAt: now, validatedAt: time.Now()}
	if err := p.lifecycle.activate(conn); err != nil {
		res.Destroy()
		return nil, err
	}
	return res, nil
}

// checkReturned runs the checks of a returned connection: liveness,
// passivation, then validation when it is due.
func checkReturned(lc Lifecycle, config PoolConfig, conn *Connection, validatedAt *time.Time) bool {
	if !conn.IsConnected() {
		return false
	}
	if err := lc.passivate(conn); err != nil || !conn.IsConnected() {
		return false
	}
	if config.needsValidation(*validatedAt) {
		if !lc.Validate(conn) {
			return false
		}
		*validatedAt = time.Now()
	}
	return true
}

func (p *channelPool) put(res *channelResource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		select {
		case p.idle <- res:
			p.stats.recordRelease()
			return
		default:
		}
	}
	res.Destroy()
}

// AcquireAllIdle empties the idle set for the health checker.
func (p *channelPool) AcquireAllIdle() []Resource {
	var all []Resource
	for {
		select {
		case res := <-p.idle:
			p.stats.recordAcquireFromIdle()
			all = append(all, res)
		default:
			return all
		}
	}
}

// Close destroys the idle connections. Borrowed ones are destroyed when
// released.
func (p *channelPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	for _, res := range p.AcquireAllIdle() {
		res.Destroy()
	}
}

func (p *channelPool) Stats() PoolStats {
	return p.stats.snapshot()
}
