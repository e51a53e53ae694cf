// Package workload drives the client with concurrent workers while a scenario
// runs, counting successes, failures and values that came back wrong.
package workload

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pior/redis"
)

// Workload is one kind of traffic. Execute performs a single operation and is
// called concurrently, workerID telling the workers apart.
type Workload interface {
	Name() string
	Description() string
	Execute(ctx context.Context, client *redis.Client, workerID int) error
}

// Runner calls a workload in a loop from a fixed number of workers.
type Runner struct {
	client      *redis.Client
	workload    Workload
	concurrency int

	succeeded  atomic.Int64
	failed     atomic.Int64
	mismatched atomic.Int64
}

func NewRunner(client *redis.Client, workload Workload, concurrency int) *Runner {
	return &Runner{client: client, workload: workload, concurrency: concurrency}
}

// Run blocks until ctx is done and every worker has returned.
func (r *Runner) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for id := range r.concurrency {
		wg.Go(func() {
			for ctx.Err() == nil {
				r.record(ctx, r.workload.Execute(ctx, r.client, id))
			}
		})
	}
	wg.Wait()
	return nil
}

func (r *Runner) record(ctx context.Context, err error) {
	if err == nil {
		r.succeeded.Add(1)
		return
	}
	// An operation cut short by shutdown is not counted.
	if stopping(ctx) {
		return
	}
	if IsMismatch(err) {
		r.mismatched.Add(1)
	}
	r.failed.Add(1)
}

// stopping reports whether ctx is done or past its deadline. Once the
// deadline passes, dials fail with a timeout before ctx.Err is set.
func stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	deadline, ok := ctx.Deadline()
	return ok && !time.Now().Before(deadline)
}

func (r *Runner) Stats() WorkloadStats {
	s := WorkloadStats{
		SuccessOps:  r.succeeded.Load(),
		FailedOps:   r.failed.Load(),
		MismatchOps: r.mismatched.Load(),
	}
	s.TotalOps = s.SuccessOps + s.FailedOps
	if s.TotalOps > 0 {
		s.ErrorRate = float64(s.FailedOps) / float64(s.TotalOps)
	}
	return s
}

type WorkloadStats struct {
	TotalOps   int64
	SuccessOps int64
	FailedOps  int64
	// MismatchOps is the part of FailedOps that read an unexpected value.
	MismatchOps int64
	ErrorRate   float64
}

func (s WorkloadStats) String() string {
	return fmt.Sprintf("%d ops: %d ok, %d failed (%d mismatches), %.2f%% errors",
		s.TotalOps, s.SuccessOps, s.FailedOps, s.MismatchOps, s.ErrorRate*100)
}

var registry = map[string]Workload{}

func Register(w Workload) {
	registry[w.Name()] = w
}

func Get(name string) (Workload, error) {
	if w, ok := registry[name]; ok {
		return w, nil
	}
	return nil, fmt.Errorf("workload not found: %s", name)
}

func All() map[string]Workload {
	return registry
}

// Names returns the registered workload names, sorted.
func Names() []string {
	return slices.Sorted(maps.Keys(registry))
}
