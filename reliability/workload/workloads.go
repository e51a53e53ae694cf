package workload

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pior/redis"
	"github.com/pior/redis/resp"
)

func init() {
	Register(&MixedWorkload{})
	Register(&GetWorkload{})
	Register(&PipelineWorkload{})
	Register(&TransactionWorkload{})
	Register(&StreamWorkload{})
}

// Config holds workload configuration
type Config struct {
	HotKeyCount atomic.Int32
	BatchSize   atomic.Int32
}

var config Config

func init() {
	config.HotKeyCount.Store(10)
	config.BatchSize.Store(10)
}

// SetHotKeyCount configures the number of hot keys for workloads
func SetHotKeyCount(count int) {
	config.HotKeyCount.Store(int32(count))
}

// GetHotKeyCount returns the current hot key count
func GetHotKeyCount() int {
	return int(config.HotKeyCount.Load())
}

// SetBatchSize configures the number of commands per pipeline or transaction
func SetBatchSize(n int) {
	config.BatchSize.Store(int32(max(n, 1)))
}

// GetBatchSize returns the current batch size
func GetBatchSize() int {
	return int(config.BatchSize.Load())
}

// ErrMismatch is returned when a reply does not hold the value the workload wrote.
var ErrMismatch = errors.New("workload: unexpected value")

// IsMismatch reports whether err is a correctness failure.
func IsMismatch(err error) bool {
	return errors.Is(err, ErrMismatch)
}

func mismatch(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMismatch, fmt.Sprintf(format, args...))
}

// MixedWorkload performs a realistic mix of operations
type MixedWorkload struct{}

func (w *MixedWorkload) Name() string {
	return "mixed"
}

func (w *MixedWorkload) Description() string {
	return "Mixed operations: 60% GET, 30% SET, 5% DEL, 5% INCR"
}

func (w *MixedWorkload) Execute(ctx context.Context, client *redis.Client, workerID int) error {
	// Skewed key distribution to simulate hot keys
	var key string
	if rand.Float64() < 0.3 {
		key = fmt.Sprintf("hot-key-%d", rand.IntN(GetHotKeyCount()))
	} else {
		key = fmt.Sprintf("key-worker%d-%d", workerID, rand.IntN(1000))
	}

	op := rand.Float64()

	switch {
	case op < 0.60:
		_, err := client.Do(ctx, "GET", resp.String(key))
		return ignoreWrongType(err)

	case op < 0.90:
		value := fmt.Sprintf("value-%d-%d", workerID, time.Now().UnixNano())
		ttl := 30 + rand.IntN(60)
		_, err := client.Do(ctx, "SET", resp.String(key), resp.String(value), resp.String("EX"), resp.Int(int64(ttl)))
		return err

	case op < 0.95:
		_, err := client.Do(ctx, "DEL", resp.String(key))
		return err

	default:
		counterKey := fmt.Sprintf("counter-worker%d", workerID)
		_, err := client.Do(ctx, "INCR", resp.String(counterKey))
		return err
	}
}

// ignoreWrongType drops WRONGTYPE replies: hot keys are shared by workloads
// that store different types.
func ignoreWrongType(err error) error {
	var serr *resp.ServerError
	if errors.As(err, &serr) && serr.Prefix == "WRONGTYPE" {
		return nil
	}
	return err
}

type GetWorkload struct{}

func (w *GetWorkload) Name() string {
	return "get"
}

func (w *GetWorkload) Description() string {
	return "Read-only workload: 100% GET"
}

func (w *GetWorkload) Execute(ctx context.Context, client *redis.Client, workerID int) error {
	key := fmt.Sprintf("key-%d", rand.IntN(1000))

	_, err := client.Do(ctx, "GET", resp.String(key))
	return ignoreWrongType(err)
}

// PipelineWorkload writes and reads back a batch of keys in one pipeline.
type PipelineWorkload struct{}

func (w *PipelineWorkload) Name() string {
	return "pipeline"
}

func (w *PipelineWorkload) Description() string {
	return "Pipelined batches: SET then GET of each key, values checked"
}

func (w *PipelineWorkload) Execute(ctx context.Context, client *redis.Client, workerID int) error {
	n := GetBatchSize()
	values := make([]string, n)
	gets := make([]*redis.Response[string], n)

	err := client.Pipelined(ctx, func(p *redis.Pipeline) error {
		for i := range n {
			key := fmt.Sprintf("pipe-worker%d-%d", workerID, i)
			values[i] = strconv.FormatInt(rand.Int64(), 10)
			p.Do("SET", resp.String(key), resp.String(values[i]))
			gets[i] = redis.Enqueue(p, redis.DecodeString, "GET", resp.String(key))
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i, r := range gets {
		got, err := r.Get()
		if err != nil {
			return err
		}
		if got != values[i] {
			return mismatch("pipeline GET %d: got %q, want %q", i, got, values[i])
		}
	}
	return nil
}

// TransactionWorkload increments a watched counter optimistically.
// Workers share a few counters so WATCH aborts happen under load.
type TransactionWorkload struct{}

func (w *TransactionWorkload) Name() string {
	return "transaction"
}

func (w *TransactionWorkload) Description() string {
	return "WATCH/MULTI/EXEC on shared counters: read, then increment by a batch"
}

func (w *TransactionWorkload) Execute(ctx context.Context, client *redis.Client, workerID int) error {
	key := fmt.Sprintf("tx-counter-%d", rand.IntN(GetHotKeyCount()))
	n := GetBatchSize()

	tx, err := client.Transaction(ctx, key)
	if err != nil {
		return err
	}
	defer tx.Close()

	// The counter is read outside the queue: a concurrent write aborts EXEC.
	before, err := client.Do(ctx, "GET", resp.String(key))
	if err != nil {
		return err
	}
	var start int64
	if !before.IsNull() {
		if start, err = before.Int(); err != nil {
			return err
		}
	}

	var last *redis.Response[int64]
	for range n {
		last = redis.Enqueue(tx, redis.DecodeInt, "INCR", resp.String(key))
	}

	committed, err := tx.Exec()
	if err != nil || !committed {
		return err
	}

	got, err := last.Get()
	if err != nil {
		return err
	}
	if got != start+int64(n) {
		return mismatch("transaction on %s: counter %d after %d increments from %d", key, got, n, start)
	}
	return nil
}

// StreamWorkload appends to per-worker streams and checks the IDs are increasing.
type StreamWorkload struct {
	mu   sync.Mutex
	last map[int]redis.StreamID
}

func (w *StreamWorkload) Name() string {
	return "stream"
}

func (w *StreamWorkload) Description() string {
	return "XADD with generated IDs, checks that IDs increase per stream"
}

func (w *StreamWorkload) Execute(ctx context.Context, client *redis.Client, workerID int) error {
	key := fmt.Sprintf("stream-worker%d", workerID)
	reply, err := client.Do(ctx, "XADD", resp.String(key), resp.String("*"),
		resp.String("worker"), resp.Int(int64(workerID)))
	if err != nil {
		return err
	}
	id, err := redis.DecodeStreamID(reply)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last == nil {
		w.last = make(map[int]redis.StreamID)
	}
	prev, seen := w.last[workerID]
	w.last[workerID] = id
	if seen && !prev.Less(id) {
		return mismatch("stream %s: id %s after %s", key, id, prev)
	}
	return nil
}
