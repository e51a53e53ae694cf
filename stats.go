package redis

import (
	"sync/atomic"
	"time"
)

// PoolStats contains statistics about a connection pool.
//
// For Prometheus integration, expose these as:
//   - Gauges: TotalConns, IdleConns, ActiveConns
//   - Counters: AcquireCount, AcquireWaitCount, CreatedConns, DestroyedConns, AcquireErrors
//   - Histogram: AcquireWaitDuration (use AcquireWaitCount and AcquireWaitTimeNs to calculate)
type PoolStats struct {
	AcquireCount      uint64 // Total acquire attempts
	AcquireWaitCount  uint64 // Acquires that had to wait
	CreatedConns      uint64 // Total connections created
	DestroyedConns    uint64 // Total connections destroyed
	AcquireErrors     uint64 // Failed acquire attempts
	AcquireWaitTimeNs uint64 // Total nanoseconds spent waiting

	TotalConns  int32 // Total connections in pool (active + idle)
	IdleConns   int32 // Idle connections available
	ActiveConns int32 // Connections currently borrowed
}

// ClientStats contains statistics about client operations.
//
// For Prometheus integration, expose these as counters.
type ClientStats struct {
	Commands         uint64 // Commands sent with Do
	Pipelines        uint64 // Pipelines synced
	Transactions     uint64 // Transactions executed
	AbortedTx        uint64 // Transactions aborted by a watched key or EXECABORT
	QueuedCommands   uint64 // Commands sent through pipelines and transactions
	ServerErrors     uint64 // Error replies
	ConnectionErrors uint64 // Errors that destroyed a connection, including borrow failures
	SessionResets    uint64 // Connections whose session was restored on return
}

// poolStatsCollector provides internal methods for updating pool stats.
// Not exported - pools update their own stats.
type poolStatsCollector struct {
	acquireCount      atomic.Uint64
	acquireWaitCount  atomic.Uint64
	createdConns      atomic.Uint64
	destroyedConns    atomic.Uint64
	acquireErrors     atomic.Uint64
	acquireWaitTimeNs atomic.Uint64

	totalConns  atomic.Int32
	idleConns   atomic.Int32
	activeConns atomic.Int32
}

func (c *poolStatsCollector) recordAcquire() {
	c.acquireCount.Add(1)
}

func (c *poolStatsCollector) recordAcquireWait(duration time.Duration) {
	c.acquireWaitCount.Add(1)
	c.acquireWaitTimeNs.Add(uint64(duration.Nanoseconds()))
}

// recordCreate counts a new connection, which goes straight to active.
func (c *poolStatsCollector) recordCreate() {
	c.createdConns.Add(1)
	c.totalConns.Add(1)
	c.activeConns.Add(1)
}

// recordDestroy counts the destruction of an active connection.
func (c *poolStatsCollector) recordDestroy() {
	c.destroyedConns.Add(1)
	c.totalConns.Add(-1)
	c.activeConns.Add(-1)
}

func (c *poolStatsCollector) recordAcquireError() {
	c.acquireErrors.Add(1)
}

func (c *poolStatsCollector) recordAcquireFromIdle() {
	c.idleConns.Add(-1)
	c.activeConns.Add(1)
}

func (c *poolStatsCollector) recordRelease() {
	c.idleConns.Add(1)
	c.activeConns.Add(-1)
}

func (c *poolStatsCollector) snapshot() PoolStats {
	return PoolStats{
		TotalConns:        c.totalConns.Load(),
		IdleConns:         c.idleConns.Load(),
		ActiveConns:       c.activeConns.Load(),
		AcquireCount:      c.acquireCount.Load(),
		AcquireWaitCount:  c.acquireWaitCount.Load(),
		CreatedConns:      c.createdConns.Load(),
		DestroyedConns:    c.destroyedConns.Load(),
		AcquireErrors:     c.acquireErrors.Load(),
		AcquireWaitTimeNs: c.acquireWaitTimeNs.Load(),
	}
}

// clientStatsCollector provides internal methods for updating client stats.
// Not exported - client updates its own stats.
type clientStatsCollector struct {
	commands         atomic.Uint64
	pipelines        atomic.Uint64
	transactions     atomic.Uint64
	abortedTx        atomic.Uint64
	queuedCommands   atomic.Uint64
	serverErrors     atomic.Uint64
	connectionErrors atomic.Uint64
	sessionResets    atomic.Uint64
}

func (c *clientStatsCollector) recordCommand() {
	c.commands.Add(1)
}

func (c *clientStatsCollector) recordPipeline(n int) {
	c.pipelines.Add(1)
	c.queuedCommands.Add(uint64(n))
}

func (c *clientStatsCollector) recordTransaction(n int, aborted bool) {
	c.transactions.Add(1)
	c.queuedCommands.Add(uint64(n))
	if aborted {
		c.abortedTx.Add(1)
	}
}

func (c *clientStatsCollector) recordServerError() {
	c.serverErrors.Add(1)
}

func (c *clientStatsCollector) recordConnectionError() {
	c.connectionErrors.Add(1)
}

func (c *clientStatsCollector) recordSessionReset() {
	c.sessionResets.Add(1)
}

func (c *clientStatsCollector) snapshot() ClientStats {
	return ClientStats{
		Commands:         c.commands.Load(),
		Pipelines:        c.pipelines.Load(),
		Transactions:     c.transactions.Load(),
		AbortedTx:        c.abortedTx.Load(),
		QueuedCommands:   c.queuedCommands.Load(),
		ServerErrors:     c.serverErrors.Load(),
		ConnectionErrors: c.connectionErrors.Load(),
		SessionResets:    c.sessionResets.Load(),
	}
}
