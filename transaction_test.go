package redis

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pior/redis/internal/testutils"
	"github.com/pior/redis/resp"
)

func TestTransaction_Commit(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{})

	tx, err := client.Transaction(context.Background())
	require.NoError(t, err)

	set := Enqueue(tx, DecodeStatus, "SET", resp.String("a"), resp.String("1"))
	incr := Enqueue(tx, DecodeInt, "INCR", resp.String("a"))
	get := Enqueue(tx, DecodeString, "GET", resp.String("a"))
	require.Equal(t, 3, tx.Len())

	_, err = get.Get()
	require.ErrorIs(t, err, ErrResponseNotReady)

	committed, err := tx.Exec()
	require.NoError(t, err)
	require.True(t, committed)

	status, err := set.Get()
	require.NoError(t, err)
	require.Equal(t, "OK", status)

	n, err := incr.Get()
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	val, err := get.Get()
	require.NoError(t, err)
	require.Equal(t, "2", val)

	require.Equal(t, 1, srv.CountCommand("MULTI"))
	require.Equal(t, 1, srv.CountCommand("EXEC"))

	stats := client.Stats()
	require.Equal(t, uint64(1), stats.Transactions)
	require.Equal(t, uint64(0), stats.AbortedTx)
	require.Equal(t, uint64(3), stats.QueuedCommands)
}

// A command failing at execution only fails its own response: the others
// ran and the transaction is committed.
func TestTransaction_ExecError(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{})
	srv.Set("k", "v")

	tx, err := client.Transaction(context.Background())
	require.NoError(t, err)

	set := Enqueue(tx, DecodeStatus, "SET", resp.String("x"), resp.String("1"))
	push := Enqueue(tx, DecodeInt, "LPUSH", resp.String("k"), resp.String("a"))
	incr := Enqueue(tx, DecodeInt, "INCR", resp.String("x"))

	committed, err := tx.Exec()
	require.NoError(t, err)
	require.True(t, committed)

	require.NoError(t, set.Err())

	var serverErr *resp.ServerError
	require.ErrorAs(t, push.Err(), &serverErr)
	require.Equal(t, "WRONGTYPE", serverErr.Prefix)

	n, err := incr.Get()
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	require.Equal(t, uint64(1), client.Stats().ServerErrors)
}

func TestTransaction_WatchAbort(t *testing.T) {
	for _, protocol := range []int{resp.RESP2, resp.RESP3} {
		t.Run("resp"+strconv.Itoa(protocol), func(t *testing.T) {
			srv := testutils.NewServer(t)
			client := newTestClient(t, srv, Config{ConnConfig: ConnConfig{Protocol: protocol}})
			srv.Set("balance", "10")

			tx, err := client.Transaction(context.Background(), "balance")
			require.NoError(t, err)

			// Another client changes the watched key.
			srv.Set("balance", "20")

			set := Enqueue(tx, DecodeStatus, "SET", resp.String("balance"), resp.String("0"))
			get := Enqueue(tx, DecodeString, "GET", resp.String("balance"))

			committed, err := tx.Exec()
			require.NoError(t, err)
			require.False(t, committed)

			for _, r := range []interface {
				Resolved() bool
				Empty() bool
				Err() error
			}{set, get} {
				require.True(t, r.Resolved())
				require.True(t, r.Empty())
				require.NoError(t, r.Err())
			}

			val, err := client.Do(context.Background(), "GET", resp.String("balance"))
			require.NoError(t, err)
			requireText(t, val, "20")

			require.Equal(t, uint64(1), client.Stats().AbortedTx)
		})
	}
}

func TestTransaction_WatchCommit(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{})

	committed, err := client.TxPipelined(context.Background(), func(tx *Transaction) error {
		tx.Do("INCR", resp.String("balance"))
		return nil
	}, "balance")
	require.NoError(t, err)
	require.True(t, committed)
	require.Equal(t, 1, srv.CountCommand("WATCH"))
}

// A command rejected while queuing makes the server discard the whole
// transaction.
func TestTransaction_ExecAbort(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{})

	tx, err := client.Transaction(context.Background())
	require.NoError(t, err)

	set := Enqueue(tx, DecodeStatus, "SET", resp.String("a"), resp.String("1"))
	bogus := tx.Do("NOSUCHCOMMAND", resp.String("a"))
	get := Enqueue(tx, DecodeString, "GET", resp.String("a"))

	committed, err := tx.Exec()
	require.NoError(t, err)
	require.False(t, committed)

	var serverErr *resp.ServerError
	require.ErrorAs(t, bogus.Err(), &serverErr)
	require.Equal(t, "ERR", serverErr.Prefix)
	require.Contains(t, serverErr.Message, "unknown command")

	for _, err := range []error{set.Err(), get.Err()} {
		require.ErrorAs(t, err, &serverErr)
		require.Equal(t, "EXECABORT", serverErr.Prefix)
	}
	require.False(t, set.Empty())

	// Nothing ran.
	reply, err := client.Do(context.Background(), "GET", resp.String("a"))
	require.NoError(t, err)
	require.True(t, reply.IsNull())
	require.Equal(t, uint64(1), client.Stats().AbortedTx)

	// The connection is still usable.
	require.NoError(t, client.Ping(context.Background()))
	require.Equal(t, uint64(0), client.PoolStats().PoolStats.DestroyedConns)
}

func TestTransaction_Discard(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{})

	tx, err := client.Transaction(context.Background())
	require.NoError(t, err)

	set := tx.Do("SET", resp.String("a"), resp.String("1"))
	require.NoError(t, tx.Discard())

	require.ErrorIs(t, set.Err(), ErrTxDiscarded)
	require.Equal(t, 1, srv.CountCommand("DISCARD"))

	_, err = tx.Exec()
	require.ErrorIs(t, err, ErrQueueDrained)
	require.ErrorIs(t, tx.Discard(), ErrQueueDrained)

	reply, err := client.Do(context.Background(), "EXISTS", resp.String("a"))
	require.NoError(t, err)
	require.Equal(t, int64(0), reply.Integer)

	require.Equal(t, int32(1), client.PoolStats().PoolStats.IdleConns)
}

func TestTransaction_ExecTwice(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{})

	tx, err := client.Transaction(context.Background())
	require.NoError(t, err)
	tx.Do("PING")

	committed, err := tx.Exec()
	require.NoError(t, err)
	require.True(t, committed)

	_, err = tx.Exec()
	require.ErrorIs(t, err, ErrQueueDrained)

	late := tx.Do("PING")
	require.ErrorIs(t, late.Err(), ErrQueueDrained)

	// Close after Exec only returns the connection once.
	tx.Close()
	require.Equal(t, int32(1), client.PoolStats().PoolStats.IdleConns)
}

func TestTransaction_CloseDiscards(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{})

	tx, err := client.Transaction(context.Background())
	require.NoError(t, err)
	r := tx.Do("INCR", resp.String("n"))
	tx.Close()

	require.ErrorIs(t, r.Err(), ErrTxDiscarded)
	require.Equal(t, 1, srv.CountCommand("DISCARD"))

	reply, err := client.Do(context.Background(), "EXISTS", resp.String("n"))
	require.NoError(t, err)
	require.Equal(t, int64(0), reply.Integer)
}

func TestTransaction_Empty(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{})

	tx, err := client.Transaction(context.Background())
	require.NoError(t, err)

	committed, err := tx.Exec()
	require.NoError(t, err)
	require.True(t, committed)
}

func TestClient_TxPipelined(t *testing.T) {
	srv := testutils.NewServer(t)
	client := newTestClient(t, srv, Config{})
	ctx := context.Background()

	var length *Response[int64]
	committed, err := client.TxPipelined(ctx, func(tx *Transaction) error {
		Enqueue(tx, DecodeInt, "LPUSH", resp.String("list"), resp.String("a"), resp.String("b"))
		length = Enqueue(tx, DecodeInt, "LPUSH", resp.String("list"), resp.String("c"))
		return nil
	})
	require.NoError(t, err)
	require.True(t, committed)

	n, err := length.Get()
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	fnErr := errors.New("abandon")
	committed, err = client.TxPipelined(ctx, func(tx *Transaction) error {
		tx.Do("DEL", resp.String("list"))
		return fnErr
	})
	require.ErrorIs(t, err, fnErr)
	require.False(t, committed)

	items, err := client.Do(ctx, "LRANGE", resp.String("list"), resp.Int(0), resp.Int(-1))
	require.NoError(t, err)
	values, err := DecodeStrings(items)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b", "a"}, values)
}

func TestTransaction_WatchError(t *testing.T) {
	srv := testutils.NewServer(t, testutils.WithPassword("secret"))
	client := newTestClient(t, srv, Config{})

	_, err := client.Transaction(context.Background(), "k")
	var serverErr *resp.ServerError
	require.ErrorAs(t, err, &serverErr)
	require.Equal(t, "NOAUTH", serverErr.Prefix)
}
