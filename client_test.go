package redis

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/redis/internal/testutils"
	"github.com/pior/redis/resp"
)

func TestNewClient(t *testing.T) {
	_, err := NewClient("", Config{})
	require.Error(t, err)

	client, err := NewClient("127.0.0.1", Config{})
	require.NoError(t, err)
	defer client.Close()
	require.Equal(t, "127.0.0.1:6379", client.Addr())

	_, err = NewClient("127.0.0.1:6379", Config{MaxSize: -1})
	require.ErrorContains(t, err, "creating pool")
}

func TestClient_Do(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{})
	ctx := context.Background()

	reply, err := client.Do(ctx, "SET", resp.String("greeting"), resp.Bytes([]byte("hello\r\nworld")))
	require.NoError(t, err)
	require.True(t, reply.IsOK())

	reply, err = client.Do(ctx, "GET", resp.String("greeting"))
	require.NoError(t, err)
	requireText(t, reply, "hello\r\nworld")

	reply, err = client.Do(ctx, "GET", resp.String("missing"))
	require.NoError(t, err)
	require.True(t, reply.IsNull())

	reply, err = client.Do(ctx, "INCR", resp.String("counter"))
	require.NoError(t, err)
	require.Equal(t, int64(1), reply.Integer)

	require.NoError(t, client.Ping(ctx))
	require.Equal(t, uint64(5), client.Stats().Commands)
}

func TestClient_SetOptions(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{})
	ctx := context.Background()

	reply, err := client.Do(ctx, "SET", append(resp.Strings("k", "v1", "EX"), resp.Int(60))...)
	require.NoError(t, err)
	require.True(t, reply.IsOK())

	reply, err = client.Do(ctx, "SET", resp.Strings("k", "v2", "NX")...)
	require.NoError(t, err)
	require.True(t, reply.IsNull())

	reply, err = client.Do(ctx, "SET", resp.Strings("k", "v3", "XX", "PX", "500", "GET")...)
	require.NoError(t, err)
	requireText(t, reply, "v1")

	reply, err = client.Do(ctx, "SET", resp.Strings("other", "v", "XX")...)
	require.NoError(t, err)
	require.True(t, reply.IsNull())

	reply, err = client.Do(ctx, "GET", resp.String("k"))
	require.NoError(t, err)
	requireText(t, reply, "v3")

	_, err = client.Do(ctx, "SET", resp.Strings("k", "v", "EX")...)
	var serverErr *resp.ServerError
	require.ErrorAs(t, err, &serverErr)
	require.Equal(t, "ERR", serverErr.Prefix)
}

// An error reply is returned with the reply, and the connection is reused.
func TestClient_ServerError(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{})
	ctx := context.Background()

	_, err := client.Do(ctx, "LPUSH", resp.String("list"), resp.String("a"))
	require.NoError(t, err)

	reply, err := client.Do(ctx, "INCR", resp.String("list"))
	var serverErr *resp.ServerError
	require.ErrorAs(t, err, &serverErr)
	require.Equal(t, "WRONGTYPE", serverErr.Prefix)
	require.NotNil(t, reply)
	require.True(t, reply.HasError())
	require.False(t, resp.ShouldCloseConnection(err))

	require.NoError(t, client.Ping(ctx))

	require.Equal(t, 1, srv.Accepted())
	require.Equal(t, uint64(0), client.PoolStats().PoolStats.DestroyedConns)
	require.Equal(t, uint64(1), client.Stats().ServerErrors)
}

func TestClient_Protocols(t *testing.T) {
	for _, protocol := range []int{resp.RESP2, resp.RESP3} {
		t.Run("resp"+strconv.Itoa(protocol), func(t *testing.T) {
			srv := testutils.NewServer(t, testutils.WithPassword("secret"))
			client := newTestClient(t, srv, Config{
				ConnConfig: ConnConfig{
					Protocol:   protocol,
					Password:   "secret",
					ClientName: "worker",
					Database:   2,
				},
			})
			ctx := context.Background()

			_, err := client.Do(ctx, "SET", resp.String("k"), resp.String("v"))
			require.NoError(t, err)

			reply, err := client.Do(ctx, "CLIENT", resp.String("GETNAME"))
			require.NoError(t, err)
			requireText(t, reply, "worker")

			// The key was written in database 2.
			srv.Set("k", "db0")
			reply, err = client.Do(ctx, "GET", resp.String("k"))
			require.NoError(t, err)
			requireText(t, reply, "v")

			reply, err = client.Do(ctx, "GET", resp.String("missing"))
			require.NoError(t, err)
			require.True(t, reply.IsNull())
			if protocol == resp.RESP3 {
				require.Equal(t, resp.KindNull, reply.Kind)
			} else {
				require.Equal(t, resp.KindBulk, reply.Kind)
			}
		})
	}
}

// A connection returned with a different database or client name is restored
// before the next borrower gets it.
func TestClient_SessionReset(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{MaxSize: 1})
	ctx := context.Background()
	srv.Set("k", "db0")

	_, err := client.Do(ctx, "SELECT", resp.Int(5))
	require.NoError(t, err)
	_, err = client.Do(ctx, "CLIENT", resp.String("SETNAME"), resp.String("borrower"))
	require.NoError(t, err)

	reply, err := client.Do(ctx, "GET", resp.String("k"))
	require.NoError(t, err)
	requireText(t, reply, "db0")

	reply, err = client.Do(ctx, "CLIENT", resp.String("GETNAME"))
	require.NoError(t, err)
	require.True(t, reply.IsNull())

	require.Equal(t, 2, srv.CountCommand("SELECT 0"))
	require.Equal(t, 1, srv.Accepted())
	require.Equal(t, uint64(2), client.Stats().SessionResets)
}

func TestClient_KeepSessionState(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{MaxSize: 1, KeepSessionState: true})
	ctx := context.Background()
	srv.Set("k", "db0")

	_, err := client.Do(ctx, "SELECT", resp.Int(5))
	require.NoError(t, err)

	reply, err := client.Do(ctx, "GET", resp.String("k"))
	require.NoError(t, err)
	require.True(t, reply.IsNull(), "still on database 5")

	require.Equal(t, 0, srv.CountCommand("SELECT 0"))
	require.Equal(t, uint64(0), client.Stats().SessionResets)
}

// Changing credentials without a configured password cannot be undone: the
// connection is destroyed instead of being handed to another caller.
func TestClient_SessionNotRestorable(t *testing.T) {
	srv := testutils.NewServer(t, testutils.WithPassword("secret"))
	client := newTestClient(t, srv, Config{MaxSize: 1})
	ctx := context.Background()

	reply, err := client.Do(ctx, "AUTH", resp.String("secret"))
	require.NoError(t, err)
	require.True(t, reply.IsOK())

	require.Equal(t, uint64(1), client.PoolStats().PoolStats.DestroyedConns)

	_, err = client.Do(ctx, "GET", resp.String("k"))
	var serverErr *resp.ServerError
	require.ErrorAs(t, err, &serverErr)
	require.Equal(t, "NOAUTH", serverErr.Prefix)
	require.Equal(t, 2, srv.Accepted())
}

// A read timeout breaks the connection, which is destroyed instead of going
// back to the idle set.
func TestClient_ReadTimeout(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{
		ConnConfig: ConnConfig{SocketTimeout: 50 * time.Millisecond},
	})
	ctx := context.Background()

	start := time.Now()
	_, err := client.Do(ctx, "DEBUG", resp.String("SLEEP"), resp.Float(0.3))
	require.Less(t, time.Since(start), 250*time.Millisecond)

	var connErr *resp.ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, "read", connErr.Op)

	stats := client.PoolStats().PoolStats
	require.Equal(t, uint64(1), stats.DestroyedConns)
	require.Equal(t, int32(0), stats.TotalConns)
	require.Equal(t, int32(0), stats.IdleConns)

	require.NoError(t, client.Ping(ctx))
	require.Equal(t, 2, srv.Accepted())
}

func TestClient_ContextDeadline(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{})

	require.NoError(t, client.Ping(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Do(ctx, "DEBUG", resp.String("SLEEP"), resp.Float(0.3))
	require.True(t, resp.ShouldCloseConnection(err))
	require.Equal(t, uint64(1), client.PoolStats().PoolStats.DestroyedConns)

	// The deadline doesn't stick to the next connection.
	_, err = client.Do(context.Background(), "DEBUG", resp.String("SLEEP"), resp.Float(0.1))
	require.NoError(t, err)
}

func TestClient_MaxWait(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{MaxSize: 1, MaxWait: 50 * time.Millisecond})
	ctx := context.Background()

	p, err := client.Pipeline(ctx)
	require.NoError(t, err)

	_, err = client.Do(ctx, "PING")
	require.ErrorIs(t, err, ErrPoolExhausted)

	require.NoError(t, p.Sync())
	require.NoError(t, client.Ping(ctx))
}

func TestClient_HealthCheck(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{
		HealthCheckInterval: 20 * time.Millisecond,
		MaxConnIdleTime:     10 * time.Millisecond,
	})

	require.NoError(t, client.Ping(context.Background()))

	require.Eventually(t, func() bool {
		return client.PoolStats().PoolStats.DestroyedConns == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, int32(0), client.PoolStats().PoolStats.TotalConns)
}

func TestClient_HealthCheckDeadConnection(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{HealthCheckInterval: 20 * time.Millisecond})

	require.NoError(t, client.Ping(context.Background()))
	srv.CloseClients()

	require.Eventually(t, func() bool {
		return client.PoolStats().PoolStats.DestroyedConns == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_Concurrent(t *testing.T) {
	for name, factory := range poolFactories {
		t.Run(name, func(t *testing.T) {
			srv := testutils.NewServer(t)
			client := newTestClient(t, srv, Config{MaxSize: 4, Pool: factory})
			ctx := context.Background()

			var wg sync.WaitGroup
			for range 20 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for range 50 {
						_, err := client.Do(ctx, "INCR", resp.String("counter"))
						assert.NoError(t, err)
					}
				}()
			}
			wg.Wait()

			reply, err := client.Do(ctx, "GET", resp.String("counter"))
			require.NoError(t, err)
			requireText(t, reply, "1000")
			require.LessOrEqual(t, srv.Accepted(), 4)
		})
	}
}

func TestClient_Close(t *testing.T) {
	srv := testutils.NewServer(t)
	client, err := NewClient(srv.Addr(), Config{HealthCheckInterval: time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, client.Ping(context.Background()))

	client.Close()
	client.Close()

	_, err = client.Do(context.Background(), "PING")
	require.ErrorIs(t, err, ErrPoolClosed)

	_, err = client.Pipeline(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestClient_CanceledContext(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Pipeline(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, srv.Accepted())
}
