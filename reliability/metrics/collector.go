// Package metrics samples the client and the workload runner during a
// reliability run and prints what it saw.
package metrics

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/pior/redis"
	"github.com/pior/redis/reliability/workload"
)

const defaultMaxSnapshots = 10000

// Snapshot is one sample of the run.
type Snapshot struct {
	Timestamp     time.Time
	WorkloadStats workload.WorkloadStats
	ClientStats   redis.ClientStats
	Pool          redis.ServerPoolStats
}

// CircuitChange is a breaker transition reported by OnStateChange.
type CircuitChange struct {
	Timestamp time.Time
	Server    string
	From, To  gobreaker.State
}

func (c CircuitChange) String() string {
	return fmt.Sprintf("[%s] Circuit %s: %s -> %s", c.Timestamp.Format(time.TimeOnly), c.Server, c.From, c.To)
}

// Collector keeps the samples of a run. The first sample is never evicted so
// the summary covers the whole run.
type Collector struct {
	client       *redis.Client
	runner       *workload.Runner
	interval     time.Duration
	maxSnapshots int
	out          io.Writer

	mu        sync.Mutex
	snapshots []Snapshot
	changes   []CircuitChange
}

func NewCollector(client *redis.Client, runner *workload.Runner, interval time.Duration) *Collector {
	return &Collector{
		client:       client,
		runner:       runner,
		interval:     interval,
		maxSnapshots: defaultMaxSnapshots,
		out:          os.Stdout,
	}
}

// Start samples every interval until ctx is done.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect takes one sample.
func (c *Collector) Collect() {
	s := Snapshot{
		Timestamp:     time.Now(),
		WorkloadStats: c.runner.Stats(),
		ClientStats:   c.client.Stats(),
		Pool:          c.client.PoolStats(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.snapshots) >= c.maxSnapshots && len(c.snapshots) > 1 {
		c.snapshots = append(c.snapshots[:1], c.snapshots[2:]...)
	}
	c.snapshots = append(c.snapshots, s)
}

func (c *Collector) GetSnapshots() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Snapshot(nil), c.snapshots...)
}

func (c *Collector) GetCircuitChanges() []CircuitChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CircuitChange(nil), c.changes...)
}

// RecordCircuitBreakerChange has the gobreaker OnStateChange signature.
func (c *Collector) RecordCircuitBreakerChange(server string, from, to gobreaker.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, CircuitChange{Timestamp: time.Now(), Server: server, From: from, To: to})
}

// Summary is the outcome of a run, from its first and last samples.
type Summary struct {
	Duration   time.Duration
	Snapshots  int
	Workload   workload.WorkloadStats
	Client     redis.ClientStats
	Pool       redis.ServerPoolStats
	Changes    []CircuitChange
	Throughput float64 // ops/sec over Duration
}

// Summarize returns false when nothing was collected.
func (c *Collector) Summarize() (Summary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.snapshots) == 0 {
		return Summary{}, false
	}

	first, last := c.snapshots[0], c.snapshots[len(c.snapshots)-1]
	s := Summary{
		Duration:  last.Timestamp.Sub(first.Timestamp),
		Snapshots: len(c.snapshots),
		Workload:  last.WorkloadStats,
		Client:    last.ClientStats,
		Pool:      last.Pool,
		Changes:   append([]CircuitChange(nil), c.changes...),
	}
	if s.Duration > 0 {
		s.Throughput = float64(s.Workload.TotalOps) / s.Duration.Seconds()
	}
	return s, true
}

// PrintLatest prints the last sample.
func (c *Collector) PrintLatest() {
	snaps := c.GetSnapshots()
	if len(snaps) == 0 {
		fmt.Fprintln(c.out, "[Metrics] No data collected yet")
		return
	}
	s := snaps[len(snaps)-1]
	p := s.Pool.PoolStats
	fmt.Fprintf(c.out, "\n[Metrics] %s\n", s.Timestamp.Format(time.TimeOnly))
	fmt.Fprintf(c.out, "  Workload: %s\n", s.WorkloadStats)
	fmt.Fprintf(c.out, "  Client: %d commands, %d server errors, %d connection errors\n",
		s.ClientStats.Commands, s.ClientStats.ServerErrors, s.ClientStats.ConnectionErrors)
	fmt.Fprintf(c.out, "  %s: %d conns (%d active, %d idle), circuit %s (%d requests, %d failures, %d consecutive)\n",
		s.Pool.Addr, p.TotalConns, p.ActiveConns, p.IdleConns, s.Pool.CircuitBreakerState,
		s.Pool.CircuitBreakerCounts.Requests, s.Pool.CircuitBreakerCounts.TotalFailures,
		s.Pool.CircuitBreakerCounts.ConsecutiveFailures)
}

func (c *Collector) PrintSummary() {
	s, ok := c.Summarize()
	if !ok {
		fmt.Fprintln(c.out, "[Summary] No data collected")
		return
	}
	fmt.Fprint(c.out, s.String())
}

func (s Summary) String() string {
	var b strings.Builder
	rule := strings.Repeat("=", 40)
	line := func(format string, args ...any) { fmt.Fprintf(&b, format+"\n", args...) }

	line("\n%s\nRun summary: %s, %d samples\n%s", rule, s.Duration.Round(time.Second), s.Snapshots, rule)

	w := s.Workload
	line("\nWorkload")
	line("  Operations: %d (%d ok, %d failed)", w.TotalOps, w.SuccessOps, w.FailedOps)
	line("  Value mismatches: %d", w.MismatchOps)
	line("  Error rate: %.2f%%", w.ErrorRate*100)
	if s.Throughput > 0 {
		line("  Throughput: %.0f ops/sec", s.Throughput)
	}

	cs := s.Client
	line("\nClient")
	line("  Commands: %d, Pipelines: %d, Transactions: %d (%d aborted)", cs.Commands, cs.Pipelines, cs.Transactions, cs.AbortedTx)
	line("  Server errors: %d, Connection errors: %d, Session resets: %d", cs.ServerErrors, cs.ConnectionErrors, cs.SessionResets)

	line("\nCircuit breaker")
	if len(s.Changes) == 0 {
		line("  No state changes")
	}
	for _, ch := range s.Changes {
		line("  %s", ch)
	}

	p := s.Pool.PoolStats
	line("\nPool %s", s.Pool.Addr)
	line("  Connections: %d (%d active, %d idle)", p.TotalConns, p.ActiveConns, p.IdleConns)
	line("  Created: %d, Destroyed: %d, Acquire errors: %d", p.CreatedConns, p.DestroyedConns, p.AcquireErrors)
	line("  Circuit: %s\n%s", s.Pool.CircuitBreakerState, rule)
	return b.String()
}
