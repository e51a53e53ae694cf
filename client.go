package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/pior/redis/resp"
)

const defaultMaxSize = 10

// Client runs commands on a pool of connections to one server.
// It is safe for concurrent use.
type Client struct {
	addr      string
	config    Config
	lifecycle Lifecycle
	pool      Pool
	logger    *slog.Logger
	inst      *instrumentation

	circuitBreaker *gobreaker.CircuitBreaker[*resp.Reply] // nil if not configured

	stopHealthCheck chan struct{}
	closeOnce       sync.Once

	stats clientStatsCollector
}

// NewClient creates a client for the server at addr ("host:port", the port
// defaults to 6379). No connection is opened until the first command.
func NewClient(addr string, config Config) (*Client, error) {
	if addr == "" {
		return nil, errors.New("redis: no server address provided")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, DefaultPort)
	}

	if config.MaxSize == 0 {
		config.MaxSize = defaultMaxSize
	}

	poolFactory := config.Pool
	if poolFactory == nil {
		poolFactory = NewChannelPool
	}

	c := &Client{
		addr:            addr,
		config:          config,
		logger:          config.logger().With("addr", addr),
		inst:            newInstrumentation(addr, config.TracerProvider, config.MeterProvider),
		stopHealthCheck: make(chan struct{}),
	}

	c.lifecycle = DefaultLifecycle(addr, config.ConnConfig)
	if !config.KeepSessionState {
		reset := sessionResetter(c.logger)
		c.lifecycle.Passivate = func(conn *Connection) error {
			if !conn.SessionChanged() {
				return nil
			}
			c.stats.recordSessionReset()
			return reset(conn)
		}
	}

	pool, err := poolFactory(c.lifecycle, PoolConfig{
		MaxSize:          config.MaxSize,
		MaxWait:          config.MaxWait,
		ValidateInterval: config.ValidateInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("redis: creating pool: %w", err)
	}
	c.pool = pool

	if config.NewCircuitBreaker != nil {
		c.circuitBreaker = config.NewCircuitBreaker(addr)
	}

	// Start health check goroutine if enabled
	if config.HealthCheckInterval > 0 {
		go c.healthCheckLoop()
	}

	return c, nil
}

// Addr returns the server address.
func (c *Client) Addr() string {
	return c.addr
}

// Close stops the health checks and closes the pool.
// Borrowed connections are destroyed when returned.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.stopHealthCheck)
		c.pool.Close()
	})
}

// healthCheckLoop periodically checks idle connections for health and lifecycle limits.
func (c *Client) healthCheckLoop() {
	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopHealthCheck:
			return
		case <-ticker.C:
			c.checkPoolConnections()
		}
	}
}

// checkPoolConnections checks all idle connections and destroys those that are stale or unhealthy.
func (c *Client) checkPoolConnections() {
	now := time.Now()

	for _, res := range c.pool.AcquireAllIdle() {
		// Check max connection lifetime
		if c.config.MaxConnLifetime > 0 && now.Sub(res.CreationTime()) > c.config.MaxConnLifetime {
			res.Destroy()
			continue
		}

		// Check max idle time
		if c.config.MaxConnIdleTime > 0 && res.IdleDuration() > c.config.MaxConnIdleTime {
			res.Destroy()
			continue
		}

		if !c.lifecycle.Validate(res.Value()) {
			c.logger.Debug("redis: health check failed, destroying connection")
			res.Destroy()
			continue
		}

		res.ReleaseUnused()
	}
}

// acquire borrows a connection, failing fast when the circuit breaker is open.
func (c *Client) acquire(ctx context.Context) (Resource, error) {
	if c.circuitBreaker != nil && c.circuitBreaker.State() == gobreaker.StateOpen {
		return nil, gobreaker.ErrOpenState
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res, err := c.pool.Acquire(ctx)
	if err != nil {
		c.stats.recordConnectionError()
		return nil, err
	}
	return res, nil
}

// Do runs one command and returns its reply.
//
// An error reply is returned as a *resp.ServerError, along with the reply; the
// connection stays in the pool. Other errors destroy the connection.
func (c *Client) Do(ctx context.Context, name string, args ...resp.Rawable) (reply *resp.Reply, err error) {
	ctx, tok := c.inst.start(ctx, strings.ToUpper(name))
	defer func() { c.inst.end(ctx, tok, err) }()

	c.stats.recordCommand()

	if c.circuitBreaker == nil {
		return c.do(ctx, name, args)
	}
	return c.circuitBreaker.Execute(func() (*resp.Reply, error) {
		return c.do(ctx, name, args)
	})
}

func (c *Client) do(ctx context.Context, name string, args []resp.Rawable) (*resp.Reply, error) {
	res, err := c.pool.Acquire(ctx)
	if err != nil {
		c.stats.recordConnectionError()
		return nil, err
	}

	conn := res.Value()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	reply, err := conn.Do(name, args...)
	if err != nil {
		conn.SetDeadline(time.Time{})
		c.stats.recordConnectionError()
		res.Destroy()
		return nil, err
	}
	releaseConn(c, res, conn)

	if reply.HasError() {
		c.stats.recordServerError()
		return reply, reply.Error
	}
	return reply, nil
}

// Ping checks that the server answers PING.
func (c *Client) Ping(ctx context.Context) error {
	reply, err := c.Do(ctx, "PING")
	if err != nil {
		return err
	}
	if !reply.IsStatus(resp.StatusPong) {
		return fmt.Errorf("redis: unexpected PING reply: %s", reply)
	}
	return nil
}

// Pipeline borrows a connection and returns a pipeline bound to it.
// The connection is returned to the pool by Sync or Close.
func (c *Client) Pipeline(ctx context.Context) (*Pipeline, error) {
	res, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return newPipeline(ctx, c, res), nil
}

// Pipelined runs fn with a new pipeline and syncs it.
// If fn fails, the pipeline is closed without syncing and the error returned.
func (c *Client) Pipelined(ctx context.Context, fn func(p *Pipeline) error) error {
	p, err := c.Pipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := fn(p); err != nil {
		return err
	}
	return p.Sync()
}

// Transaction borrows a connection, watches the keys, and starts a transaction.
// The connection is returned to the pool by Exec, Discard or Close.
func (c *Client) Transaction(ctx context.Context, watchKeys ...string) (*Transaction, error) {
	res, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return newTransaction(ctx, c, res, watchKeys)
}

// TxPipelined runs fn with a new transaction and executes it.
// If fn fails, the transaction is discarded and the error returned.
func (c *Client) TxPipelined(ctx context.Context, fn func(tx *Transaction) error, watchKeys ...string) (bool, error) {
	tx, err := c.Transaction(ctx, watchKeys...)
	if err != nil {
		return false, err
	}
	defer tx.Close()

	if err := fn(tx); err != nil {
		return false, err
	}
	return tx.Exec()
}

// Stats returns a snapshot of client statistics.
func (c *Client) Stats() ClientStats {
	return c.stats.snapshot()
}

// ServerPoolStats contains the stats of the client pool.
type ServerPoolStats struct {
	Addr                 string
	PoolStats            PoolStats
	CircuitBreakerState  gobreaker.State
	CircuitBreakerCounts gobreaker.Counts
}

// PoolStats returns the pool statistics and circuit breaker state.
func (c *Client) PoolStats() ServerPoolStats {
	stats := ServerPoolStats{
		Addr:      c.addr,
		PoolStats: c.pool.Stats(),
	}
	if c.circuitBreaker != nil {
		stats.CircuitBreakerState = c.circuitBreaker.State()
		stats.CircuitBreakerCounts = c.circuitBreaker.Counts()
	}
	return stats
}
