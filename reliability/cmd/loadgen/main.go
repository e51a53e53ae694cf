// Command loadgen runs a workload against a Redis server and exports client
// metrics to Prometheus.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/pior/redis"
	"github.com/pior/redis/reliability/internal/promexporter"
	"github.com/pior/redis/reliability/toxi"
	"github.com/pior/redis/reliability/workload"
)

type flags struct {
	addr        string
	concurrency int
	pool        int
	puddle      bool
	workload    string
	listen      string
	maxProcs    int
	hotKeys     int
	batchSize   int
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.addr, "addr", toxi.DefaultToxiproxyConfig().ClientAddr(), "Redis server address")
	flag.IntVar(&f.concurrency, "concurrency", 100, "Number of concurrent workers")
	flag.IntVar(&f.pool, "pool", 100, "Max connection pool size")
	flag.BoolVar(&f.puddle, "puddle", false, "Use the puddle connection pool")
	flag.StringVar(&f.workload, "workload", "mixed", "Workload pattern to use")
	flag.StringVar(&f.listen, "metrics-port", ":9090", "Listen address of the Prometheus endpoint")
	flag.IntVar(&f.maxProcs, "max-procs", 4, "GOMAXPROCS")
	flag.IntVar(&f.hotKeys, "hot-keys", 10, "Number of hot keys for workload")
	flag.IntVar(&f.batchSize, "batch-size", 10, "Commands per pipeline or transaction")
	flag.Parse()
	return f
}

func main() {
	f := parseFlags()

	runtime.GOMAXPROCS(f.maxProcs)
	workload.SetHotKeyCount(f.hotKeys)
	workload.SetBatchSize(f.batchSize)

	wl, err := workload.Get(f.workload)
	if err != nil {
		log.Fatalf("Failed to load workload: %v", err)
	}

	log.Printf("loadgen: %s against %s, %d workers, pool %d (puddle: %t), GOMAXPROCS %d",
		wl.Name(), f.addr, f.concurrency, f.pool, f.puddle, f.maxProcs)

	exporter := promexporter.NewExporter()
	metrics := exporter.ClientMetrics()
	go func() {
		log.Printf("Metrics on http://localhost%s/metrics", f.listen)
		if err := exporter.ServeHTTP(f.listen); err != nil {
			log.Fatalf("Metrics server error: %v", err)
		}
	}()

	client, err := toxi.NewClient(f.addr, toxi.ClientOptions{
		PoolSize:  int32(f.pool),
		UsePuddle: f.puddle,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("Circuit breaker %s: %s -> %s", name, from, to)
			metrics.ObserveTransition(name, from, to)
		},
	})
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()
	metrics.WatchClient(client)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := toxi.WaitForHealthy(ctx, client); err != nil {
		log.Fatalf("Health check failed: %v", err)
	}

	runner := workload.NewRunner(client, wl, f.concurrency)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = runner.Run(ctx)
	}()

	publish(ctx, time.Second, runner, client, metrics)

	<-done
	log.Printf("Final: %s", runner.Stats())
}

// publish copies the runner and pool state to the metrics every interval,
// until ctx is done.
func publish(ctx context.Context, interval time.Duration, runner *workload.Runner, client *redis.Client, metrics *promexporter.ClientMetrics) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prev workload.WorkloadStats
	prevAt := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cur := runner.Stats()
			metrics.SetOperationRate(float64(cur.TotalOps-prev.TotalOps) / now.Sub(prevAt).Seconds())
			metrics.SetErrorRate(cur.ErrorRate)
			metrics.AddOperations(cur.SuccessOps-prev.SuccessOps, cur.FailedOps-prev.FailedOps)
			prev, prevAt = cur, now

			metrics.ObservePool(client.PoolStats())
		}
	}
}
