package redis

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/redis/internal/testutils"
	"github.com/pior/redis/resp"
)

func TestPipeline_SetGet(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{})

	p, err := client.Pipeline(context.Background())
	require.NoError(t, err)

	set := Enqueue(p, DecodeStatus, "SET", resp.String("a"), resp.Int(1))
	get := Enqueue(p, DecodeString, "GET", resp.String("a"))
	require.Equal(t, 2, p.Len())

	require.NoError(t, p.Sync())

	status, err := set.Get()
	require.NoError(t, err)
	require.Equal(t, "OK", status)

	val, err := get.Get()
	require.NoError(t, err)
	require.Equal(t, "1", val)

	stats := client.Stats()
	require.Equal(t, uint64(1), stats.Pipelines)
	require.Equal(t, uint64(2), stats.QueuedCommands)
}

func TestPipeline_Order(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{})

	p, err := client.Pipeline(context.Background())
	require.NoError(t, err)

	var responses []*Response[int64]
	for range 100 {
		responses = append(responses, Enqueue(p, DecodeInt, "INCR", resp.String("counter")))
	}
	require.NoError(t, p.Sync())

	for i, r := range responses {
		n, err := r.Get()
		require.NoError(t, err)
		require.Equal(t, int64(i+1), n)
	}
}

func TestPipeline_ServerErrorOnlyFailsItsResponse(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{})
	srv.Set("str", "value")

	p, err := client.Pipeline(context.Background())
	require.NoError(t, err)

	before := Enqueue(p, DecodeInt, "INCR", resp.String("n"))
	bad := Enqueue(p, DecodeInt, "LPUSH", resp.String("str"), resp.String("x"))
	after := Enqueue(p, DecodeString, "GET", resp.String("str"))

	require.NoError(t, p.Sync())

	n, err := before.Get()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = bad.Get()
	var serverErr *resp.ServerError
	require.ErrorAs(t, err, &serverErr)
	require.Equal(t, "WRONGTYPE", serverErr.Prefix)

	val, err := after.Get()
	require.NoError(t, err)
	require.Equal(t, "value", val)

	require.Equal(t, uint64(1), client.Stats().ServerErrors)
	require.Equal(t, uint64(0), client.PoolStats().PoolStats.DestroyedConns)
}

func TestPipeline_ResponseNotReady(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{})

	p, err := client.Pipeline(context.Background())
	require.NoError(t, err)
	defer p.Close()

	r := p.Do("PING")
	_, err = r.Get()
	require.ErrorIs(t, err, ErrResponseNotReady)

	require.NoError(t, p.Sync())
	reply, err := r.Get()
	require.NoError(t, err)
	requireText(t, reply, "PONG")
}

func TestPipeline_Drained(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{})

	p, err := client.Pipeline(context.Background())
	require.NoError(t, err)

	p.Do("PING")
	require.NoError(t, p.Sync())
	require.ErrorIs(t, p.Sync(), ErrQueueDrained)

	late := p.Do("PING")
	require.True(t, late.Resolved())
	_, err = late.Get()
	require.ErrorIs(t, err, ErrQueueDrained)
	require.Equal(t, 1, p.Len())

	// The connection went back to the pool with the first Sync.
	require.Equal(t, int32(1), client.PoolStats().PoolStats.IdleConns)
}

func TestPipeline_Empty(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{})

	p, err := client.Pipeline(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Sync())
	require.Equal(t, int32(1), client.PoolStats().PoolStats.IdleConns)
}

// A read timeout fails every response still pending and destroys the
// connection.
func TestPipeline_ConnectionFailure(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{
		ConnConfig: ConnConfig{SocketTimeout: 50 * time.Millisecond},
	})

	p, err := client.Pipeline(context.Background())
	require.NoError(t, err)

	slow := Enqueue(p, DecodeStatus, "DEBUG", resp.String("SLEEP"), resp.Float(0.3))
	set := Enqueue(p, DecodeStatus, "SET", resp.String("a"), resp.String("1"))
	last := Enqueue(p, DecodeString, "GET", resp.String("a"))

	err = p.Sync()
	require.Error(t, err)
	require.True(t, resp.ShouldCloseConnection(err))

	var connErr *resp.ConnectionError
	_, err = slow.Get()
	require.ErrorAs(t, err, &connErr)
	_, err = set.Get()
	require.ErrorAs(t, err, &connErr)
	_, err = last.Get()
	require.ErrorAs(t, err, &connErr)

	stats := client.PoolStats().PoolStats
	require.Equal(t, uint64(1), stats.DestroyedConns)
	require.Equal(t, int32(0), stats.TotalConns)
	require.Equal(t, uint64(1), client.Stats().ConnectionErrors)
}

func TestPipeline_CloseWithoutSync(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{})

	p, err := client.Pipeline(context.Background())
	require.NoError(t, err)

	r := p.Do("INCR", resp.String("n"))
	p.Close()

	_, err = r.Get()
	require.ErrorIs(t, err, ErrQueueClosed)
	require.Equal(t, uint64(1), client.PoolStats().PoolStats.DestroyedConns)

	// Closing twice is harmless.
	p.Close()
}

func TestPipeline_CloseUnused(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{})

	p, err := client.Pipeline(context.Background())
	require.NoError(t, err)
	p.Close()

	stats := client.PoolStats().PoolStats
	require.Equal(t, int32(1), stats.IdleConns)
	require.Equal(t, uint64(0), stats.DestroyedConns)
}

func TestClient_Pipelined(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{})
	ctx := context.Background()

	var values []*Response[string]
	err := client.Pipelined(ctx, func(p *Pipeline) error {
		for i := range 5 {
			Enqueue(p, DecodeStatus, "SET", resp.String("key"+strconv.Itoa(i)), resp.Int(int64(i)))
		}
		for i := range 5 {
			values = append(values, Enqueue(p, DecodeString, "GET", resp.String("key"+strconv.Itoa(i))))
		}
		return nil
	})
	require.NoError(t, err)

	for i, r := range values {
		val, err := r.Get()
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(i), val)
	}

	fnErr := errors.New("changed my mind")
	var dropped *Response[*resp.Reply]
	err = client.Pipelined(ctx, func(p *Pipeline) error {
		dropped = p.Do("SET", resp.String("key0"), resp.String("other"))
		return fnErr
	})
	require.ErrorIs(t, err, fnErr)
	_, err = dropped.Get()
	require.ErrorIs(t, err, ErrQueueClosed)
}

func TestPipeline_ContextDeadline(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	p, err := client.Pipeline(ctx)
	require.NoError(t, err)

	r := p.Do("DEBUG", resp.String("SLEEP"), resp.Float(0.3))
	err = p.Sync()
	require.Error(t, err)

	_, err = r.Get()
	require.True(t, resp.ShouldCloseConnection(err))
}
