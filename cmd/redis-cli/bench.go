package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/pior/redis"
	"github.com/pior/redis/resp"
)

type OperationType string

const (
	GetHit    OperationType = "get-hit"
	GetMiss   OperationType = "get-miss"
	SetGet    OperationType = "set-get"
	Increment OperationType = "incr"
	Pipelined OperationType = "pipeline"
	Multi     OperationType = "multi"
	All       OperationType = "all"
)

var allOperations = []OperationType{GetHit, GetMiss, SetGet, Increment, Pipelined, Multi}

type BenchmarkResult struct {
	Operation    OperationType
	Duration     time.Duration
	TotalOps     int64
	Successes    int64
	Failures     int64
	AvgLatency   time.Duration
	OpsPerSecond float64
	Correctness  bool
	ErrorMessage string
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run load benchmarks against the server",
	Args:  cobra.NoArgs,
	RunE: withSession(func(ctx context.Context, s *session, _ []string) error {
		operation := OperationType(viper.GetString("operation"))
		duration := viper.GetDuration("duration")
		concurrency := viper.GetInt("concurrency")
		batchSize := viper.GetInt("batch-size")
		if concurrency < 1 || batchSize < 1 {
			return errors.New("concurrency and batch-size must be positive")
		}

		fmt.Printf("Redis Benchmark Tool\n")
		fmt.Printf("====================\n")
		fmt.Printf("Operation: %s\n", operation)
		fmt.Printf("Duration: %v\n", duration)
		fmt.Printf("Concurrency: %d\n", concurrency)
		fmt.Printf("Batch size: %d\n", batchSize)
		fmt.Printf("Server: %s\n", s.client.Addr())
		fmt.Println()

		fmt.Print("Testing connection...")
		if err := s.client.Ping(ctx); err != nil {
			fmt.Printf(" failed: %v\n", err)
			return err
		}
		fmt.Println(" success!")

		b := &bench{client: s.client, duration: duration, concurrency: concurrency, batchSize: batchSize}

		operations := []OperationType{operation}
		if operation == All {
			operations = allOperations
		}
		for _, op := range operations {
			fmt.Printf("\n--- Running %s benchmark ---\n", op)
			printResult(b.run(ctx, op))
		}

		printStats(s.client)
		return nil
	}),
}

func init() {
	flags := benchCmd.Flags()
	flags.String("operation", string(All), "get-hit, get-miss, set-get, incr, pipeline, multi or all")
	flags.Duration("duration", 5*time.Second, "duration of each benchmark")
	flags.Int("concurrency", 10, "number of concurrent workers")
	flags.Int("batch-size", 100, "commands per pipeline or transaction")
}

type bench struct {
	client      *redis.Client
	duration    time.Duration
	concurrency int
	batchSize   int
}

// step runs one unit of work and returns the number of commands it sent.
type step func(ctx context.Context, worker, iteration int) (ops int, err error)

// mismatchError reports a reply that does not hold the expected value.
type mismatchError struct {
	msg string
}

func (e *mismatchError) Error() string { return e.msg }

func mismatchf(format string, args ...any) error {
	return &mismatchError{msg: fmt.Sprintf(format, args...)}
}

func (b *bench) run(ctx context.Context, op OperationType) *BenchmarkResult {
	fn, err := b.prepare(ctx, op)
	if err != nil {
		return &BenchmarkResult{Operation: op, ErrorMessage: err.Error()}
	}

	result := &BenchmarkResult{Operation: op, Correctness: true}
	var totalOps, successes, failures, totalLatency atomic.Int64
	var firstMismatch sync.Once

	ctx, cancel := context.WithTimeout(ctx, b.duration)
	defer cancel()

	startTime := time.Now()
	var g errgroup.Group
	for worker := range b.concurrency {
		g.Go(func() error {
			for i := 0; ctx.Err() == nil; i++ {
				opStart := time.Now()
				n, err := fn(ctx, worker, i)
				totalLatency.Add(int64(time.Since(opStart)))
				totalOps.Add(int64(n))

				var mismatch *mismatchError
				switch {
				case errors.As(err, &mismatch):
					successes.Add(int64(n))
					firstMismatch.Do(func() {
						result.Correctness = false
						result.ErrorMessage = mismatch.Error()
					})
				case err != nil && runOver(ctx):
					// interrupted by the end of the run
				case err != nil:
					failures.Add(int64(n))
				default:
					successes.Add(int64(n))
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Duration = time.Since(startTime)
	result.TotalOps = totalOps.Load()
	result.Successes = successes.Load()
	result.Failures = failures.Load()
	if result.TotalOps > 0 {
		result.AvgLatency = time.Duration(totalLatency.Load() / result.TotalOps)
		result.OpsPerSecond = float64(result.TotalOps) / result.Duration.Seconds()
	}
	return result
}

// runOver reports whether ctx is done or past its deadline. A dial started
// after the deadline fails with a timeout before ctx.Err is set.
func runOver(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	deadline, ok := ctx.Deadline()
	return ok && !time.Now().Before(deadline)
}

func (b *bench) prepare(ctx context.Context, op OperationType) (step, error) {
	c := b.client

	switch op {
	case GetHit:
		key, value := "bench:hit", "bench-hit-value"
		if _, err := c.Do(ctx, "SET", resp.Strings(key, value)...); err != nil {
			return nil, fmt.Errorf("setting initial value: %w", err)
		}
		return func(ctx context.Context, _, _ int) (int, error) {
			reply, err := c.Do(ctx, "GET", resp.String(key))
			if err != nil {
				return 1, err
			}
			return 1, expectText(reply, value)
		}, nil

	case GetMiss:
		return func(ctx context.Context, worker, i int) (int, error) {
			reply, err := c.Do(ctx, "GET", resp.String(fmt.Sprintf("bench:missing:%d:%d", worker, i)))
			if err != nil {
				return 1, err
			}
			if !reply.IsNull() {
				return 1, mismatchf("expected a null reply")
			}
			return 1, nil
		}, nil

	case SetGet:
		return func(ctx context.Context, worker, i int) (int, error) {
			key := fmt.Sprintf("bench:dynamic:%d", worker)
			value := strconv.Itoa(i)
			if _, err := c.Do(ctx, "SET", resp.Strings(key, value)...); err != nil {
				return 1, err
			}
			reply, err := c.Do(ctx, "GET", resp.String(key))
			if err != nil {
				return 2, err
			}
			return 2, expectText(reply, value)
		}, nil

	case Increment:
		if _, err := c.Do(ctx, "DEL", resp.String("bench:counter")); err != nil {
			return nil, fmt.Errorf("resetting counter: %w", err)
		}
		return func(ctx context.Context, _, _ int) (int, error) {
			_, err := c.Do(ctx, "INCR", resp.String("bench:counter"))
			return 1, err
		}, nil

	case Pipelined:
		return func(ctx context.Context, worker, _ int) (int, error) {
			key := fmt.Sprintf("bench:pipeline:%d", worker)
			var first, last *redis.Response[int64]
			err := c.Pipelined(ctx, func(p *redis.Pipeline) error {
				first = redis.Enqueue(p, redis.DecodeInt, "INCR", resp.String(key))
				for range b.batchSize - 1 {
					last = redis.Enqueue(p, redis.DecodeInt, "INCR", resp.String(key))
				}
				return nil
			})
			if err != nil {
				return b.batchSize, err
			}
			return b.batchSize, expectSequence(first, last, b.batchSize)
		}, nil

	case Multi:
		return func(ctx context.Context, worker, _ int) (int, error) {
			key := fmt.Sprintf("bench:multi:%d", worker)
			var first, last *redis.Response[int64]
			_, err := c.TxPipelined(ctx, func(tx *redis.Transaction) error {
				first = redis.Enqueue(tx, redis.DecodeInt, "INCR", resp.String(key))
				for range b.batchSize - 1 {
					last = redis.Enqueue(tx, redis.DecodeInt, "INCR", resp.String(key))
				}
				return nil
			})
			if err != nil {
				return b.batchSize + 2, err
			}
			return b.batchSize + 2, expectSequence(first, last, b.batchSize)
		}, nil
	}

	return nil, fmt.Errorf("unknown operation: %s", op)
}

func expectText(reply *resp.Reply, want string) error {
	got, err := reply.Text()
	if err != nil {
		return err
	}
	if got != want {
		return mismatchf("value mismatch: got %q, want %q", got, want)
	}
	return nil
}

// expectSequence checks that the batch was applied in order, without interleaving.
func expectSequence(first, last *redis.Response[int64], n int) error {
	if last == nil {
		return first.Err()
	}
	a, err := first.Get()
	if err != nil {
		return err
	}
	z, err := last.Get()
	if err != nil {
		return err
	}
	if z-a != int64(n-1) {
		return mismatchf("batch interleaved: first %d, last %d", a, z)
	}
	return nil
}

func printResult(result *BenchmarkResult) {
	fmt.Printf("Operation: %s\n", result.Operation)
	fmt.Printf("Duration: %v\n", result.Duration)
	fmt.Printf("Total Operations: %d\n", result.TotalOps)
	fmt.Printf("Successes: %d\n", result.Successes)
	fmt.Printf("Failures: %d\n", result.Failures)
	if result.TotalOps > 0 {
		fmt.Printf("Success Rate: %.2f%%\n", float64(result.Successes)/float64(result.TotalOps)*100)
		fmt.Printf("Ops/sec: %.2f\n", result.OpsPerSecond)
		fmt.Printf("Avg Latency: %v\n", result.AvgLatency)
	}
	fmt.Printf("Correctness: %t\n", result.Correctness)
	if result.ErrorMessage != "" {
		fmt.Printf("Error: %s\n", result.ErrorMessage)
	}
	fmt.Println()
}
