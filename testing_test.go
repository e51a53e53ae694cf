package redis

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pior/redis/internal/testutils"
	"github.com/pior/redis/resp"
)

var poolFactories = map[string]func(Lifecycle, PoolConfig) (Pool, error){
	"channel": NewChannelPool,
	"puddle":  NewPuddlePool,
}

func newTestClient(t testing.TB, srv *testutils.Server, config Config) *Client {
	t.Helper()
	client, err := NewClient(srv.Addr(), config)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

// mockConnection returns a connection dialing a mock replaying replies.
func mockConnection(t testing.TB, cfg ConnConfig, replies ...string) (*Connection, *testutils.ConnectionMock) {
	t.Helper()
	mock := testutils.NewConnectionMock(replies...)
	cfg.DialFunc = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return mock, nil
	}
	return NewConnection("127.0.0.1:6379", cfg), mock
}

// unusedAddr returns a local address nothing listens on.
func unusedAddr(t testing.TB) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func requireText(t testing.TB, reply *resp.Reply, expected string) {
	t.Helper()
	require.NotNil(t, reply)
	text, err := reply.Text()
	require.NoError(t, err)
	require.Equal(t, expected, text)
}
