package redis

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/redis/internal/testutils"
	"github.com/pior/redis/resp"
)

func TestConnection_LazyConnect(t *testing.T) {
	srv := testutils.NewServer(t)

	conn := NewConnection(srv.Addr(), ConnConfig{})
	defer conn.Close()

	require.Equal(t, StateDisconnected, conn.State())
	require.False(t, conn.IsConnected())
	require.Equal(t, 0, srv.Accepted())

	reply, err := conn.Do("PING")
	require.NoError(t, err)
	require.True(t, reply.IsStatus("PONG"))
	require.Equal(t, StateConnected, conn.State())
	require.Equal(t, 1, srv.Accepted())
}

func TestConnection_HandshakeRESP2(t *testing.T) {
	conn, mock := mockConnection(t, ConnConfig{
		Password:   "secret",
		ClientName: "app",
		Database:   2,
	}, "+OK\r\n", "+OK\r\n", "+OK\r\n")

	require.NoError(t, conn.Connect(context.Background()))
	require.True(t, conn.IsConnected())
	require.Equal(t, resp.RESP2, conn.Protocol())

	expected := "*2\r\n$4\r\nAUTH\r\n$6\r\nsecret\r\n" +
		"*3\r\n$6\r\nCLIENT\r\n$7\r\nSETNAME\r\n$3\r\napp\r\n" +
		"*2\r\n$6\r\nSELECT\r\n$1\r\n2\r\n"
	require.Equal(t, expected, mock.Written())
	require.False(t, conn.SessionChanged(), "handshake commands are not session changes")
}

func TestConnection_HandshakeRESP2_Username(t *testing.T) {
	conn, mock := mockConnection(t, ConnConfig{Username: "bob", Password: "secret"}, "+OK\r\n")

	require.NoError(t, conn.Connect(context.Background()))
	require.Equal(t, "*3\r\n$4\r\nAUTH\r\n$3\r\nbob\r\n$6\r\nsecret\r\n", mock.Written())
}

func TestConnection_HandshakeRESP3(t *testing.T) {
	conn, mock := mockConnection(t, ConnConfig{
		Protocol:   3,
		Password:   "secret",
		ClientName: "app",
	}, "%1\r\n$5\r\nproto\r\n:3\r\n")

	require.NoError(t, conn.Connect(context.Background()))
	require.Equal(t, resp.RESP3, conn.Protocol())

	expected := "*7\r\n$5\r\nHELLO\r\n$1\r\n3\r\n$4\r\nAUTH\r\n$7\r\ndefault\r\n$6\r\nsecret\r\n$7\r\nSETNAME\r\n$3\r\napp\r\n"
	require.Equal(t, expected, mock.Written())
}

func TestConnection_NoHandshake(t *testing.T) {
	conn, mock := mockConnection(t, ConnConfig{})

	require.NoError(t, conn.Connect(context.Background()))
	require.True(t, conn.IsConnected())
	require.Empty(t, mock.Written())
}

func TestConnection_HandshakeFailure(t *testing.T) {
	srv := testutils.NewServer(t, testutils.WithPassword("right"))

	for _, protocol := range []int{2, 3} {
		conn := NewConnection(srv.Addr(), ConnConfig{Password: "wrong", Protocol: protocol})

		err := conn.Connect(context.Background())
		require.Error(t, err)

		var connErr *resp.ConnectionError
		require.ErrorAs(t, err, &connErr)
		require.Contains(t, err.Error(), "WRONGPASS")
		require.Equal(t, StateBroken, conn.State())

		_, err = conn.Do("PING")
		require.ErrorIs(t, err, ErrConnectionBroken)
	}
}

func TestConnection_Authenticated(t *testing.T) {
	srv := testutils.NewServer(t, testutils.WithPassword("right"))

	conn := NewConnection(srv.Addr(), ConnConfig{Password: "right", Protocol: 3})
	defer conn.Close()

	require.True(t, conn.Ping())
}

func TestConnection_DialFailure(t *testing.T) {
	dialErr := errors.New("connection refused")
	conn := NewConnection("127.0.0.1:1", ConnConfig{
		DialFunc: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return nil, dialErr
		},
	})

	err := conn.Connect(context.Background())

	var connErr *resp.ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, "dial", connErr.Op)
	require.ErrorIs(t, err, dialErr)
	require.True(t, resp.ShouldCloseConnection(err))
	require.Equal(t, StateBroken, conn.State())
}

func TestConnection_ConnectTimeout(t *testing.T) {
	conn := NewConnection("127.0.0.1:1", ConnConfig{
		ConnectTimeout: 20 * time.Millisecond,
		DialFunc: func(ctx context.Context, network, addr string) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	start := time.Now()
	err := conn.Connect(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
}

func TestConnection_ServerErrorIsNotFatal(t *testing.T) {
	srv := testutils.NewServer(t)
	conn := NewConnection(srv.Addr(), ConnConfig{})
	defer conn.Close()

	reply, err := conn.Do("GET")
	require.NoError(t, err)
	require.True(t, reply.HasError())

	var serverErr *resp.ServerError
	require.ErrorAs(t, reply.Error, &serverErr)
	require.Equal(t, "ERR", serverErr.Prefix)

	require.True(t, conn.IsConnected())
	require.True(t, conn.Ping())
}

func TestConnection_ParseErrorBreaks(t *testing.T) {
	conn, _ := mockConnection(t, ConnConfig{}, "?bad\r\n")

	_, err := conn.Do("PING")

	var parseErr *resp.ParseError
	require.ErrorAs(t, err, &parseErr)
	require.Equal(t, StateBroken, conn.State())

	_, err = conn.Do("PING")
	require.ErrorIs(t, err, ErrConnectionBroken)
}

func TestConnection_EOFBreaks(t *testing.T) {
	conn, _ := mockConnection(t, ConnConfig{})

	_, err := conn.Do("PING")

	var connErr *resp.ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, "read", connErr.Op)
	require.Equal(t, StateBroken, conn.State())
	require.False(t, conn.Ping())
}

func TestConnection_WriteErrorBreaks(t *testing.T) {
	conn, mock := mockConnection(t, ConnConfig{}, "+PONG\r\n")
	require.NoError(t, conn.Connect(context.Background()))

	mock.FailWrites(errors.New("broken pipe"))

	_, err := conn.Do("PING")

	var connErr *resp.ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, "write", connErr.Op)
	require.Equal(t, StateBroken, conn.State())
}

func TestConnection_ReadTimeoutBreaks(t *testing.T) {
	srv := testutils.NewServer(t)
	conn := NewConnection(srv.Addr(), ConnConfig{SocketTimeout: 50 * time.Millisecond})
	defer conn.Close()

	require.True(t, conn.Ping())

	start := time.Now()
	_, err := conn.Do("DEBUG", resp.String("SLEEP"), resp.Float(0.3))
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
	require.Less(t, time.Since(start), 250*time.Millisecond)
	require.Equal(t, StateBroken, conn.State())
}

func TestConnection_SetDeadline(t *testing.T) {
	srv := testutils.NewServer(t)
	conn := NewConnection(srv.Addr(), ConnConfig{SocketTimeout: time.Minute})
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(50 * time.Millisecond))

	_, err := conn.Do("DEBUG", resp.String("SLEEP"), resp.Float(0.3))
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestConnection_DeadlinesApplied(t *testing.T) {
	conn, mock := mockConnection(t, ConnConfig{SocketTimeout: time.Second}, "+PONG\r\n")

	before := time.Now()
	require.True(t, conn.Ping())

	deadlines := mock.Deadlines()
	require.NotEmpty(t, deadlines)
	for _, d := range deadlines {
		assert.WithinDuration(t, before.Add(time.Second), d, 500*time.Millisecond)
	}
}

func TestConnection_NoDeadlineWithoutTimeout(t *testing.T) {
	conn, mock := mockConnection(t, ConnConfig{}, "+PONG\r\n")

	require.True(t, conn.Ping())
	require.Empty(t, mock.Deadlines())
}

func TestConnection_SendFlushRead(t *testing.T) {
	srv := testutils.NewServer(t)
	conn := NewConnection(srv.Addr(), ConnConfig{})
	defer conn.Close()

	require.NoError(t, conn.Send("SET", resp.String("k"), resp.Int(41)))
	require.NoError(t, conn.Send("INCR", resp.String("k")))
	require.NoError(t, conn.Send("GET", resp.String("k")))
	require.NoError(t, conn.Flush())

	reply, err := conn.ReadReply()
	require.NoError(t, err)
	require.True(t, reply.IsOK())

	reply, err = conn.ReadReply()
	require.NoError(t, err)
	require.Equal(t, int64(42), reply.Integer)

	reply, err = conn.ReadReply()
	require.NoError(t, err)
	requireText(t, reply, "42")
}

func TestConnection_Ping(t *testing.T) {
	conn, _ := mockConnection(t, ConnConfig{}, "+PONG\r\n", "+NOPE\r\n")

	require.True(t, conn.Ping())
	require.False(t, conn.Ping())
	require.True(t, conn.IsConnected(), "unexpected status is not fatal")
}

func TestConnection_Close(t *testing.T) {
	conn, mock := mockConnection(t, ConnConfig{}, "+PONG\r\n")
	require.True(t, conn.Ping())

	require.NoError(t, conn.Close())
	require.True(t, mock.Closed())
	require.Equal(t, StateBroken, conn.State())
	require.False(t, conn.IsConnected())

	require.NoError(t, conn.Close())

	_, err := conn.Do("PING")
	require.ErrorIs(t, err, ErrConnectionBroken)
}

func TestConnection_CloseNeverConnected(t *testing.T) {
	conn := NewConnection("127.0.0.1:6379", ConnConfig{})
	require.NoError(t, conn.Close())
	require.ErrorIs(t, conn.Connect(context.Background()), ErrConnectionBroken)
}

func TestConnection_SessionTracking(t *testing.T) {
	tests := []struct {
		name    string
		command string
		args    []string
		changed bool
	}{
		{"get", "GET", []string{"k"}, false},
		{"select", "SELECT", []string{"1"}, true},
		{"select lowercase", "select", []string{"1"}, true},
		{"client setname", "CLIENT", []string{"SETNAME", "x"}, true},
		{"client getname", "CLIENT", []string{"GETNAME"}, false},
		{"auth", "AUTH", []string{"pass"}, true},
		{"hello", "HELLO", []string{"3"}, true},
		{"reset", "RESET", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := NewConnection("127.0.0.1:6379", ConnConfig{})
			conn.trackSession(tt.command, resp.Strings(tt.args...))
			require.Equal(t, tt.changed, conn.SessionChanged())
		})
	}
}

func TestConnection_ResetSession(t *testing.T) {
	srv := testutils.NewServer(t)
	conn := NewConnection(srv.Addr(), ConnConfig{Database: 1, ClientName: "app"})
	defer conn.Close()

	require.True(t, conn.Ping())
	require.NoError(t, conn.ResetSession(), "no-op without changes")
	require.Equal(t, 1, srv.CountCommand("SELECT"))

	_, err := conn.Do("SELECT", resp.Int(4))
	require.NoError(t, err)
	_, err = conn.Do("CLIENT", resp.Strings("SETNAME", "other")...)
	require.NoError(t, err)
	require.True(t, conn.SessionChanged())

	require.NoError(t, conn.ResetSession())
	require.False(t, conn.SessionChanged())
	require.Equal(t, 2, srv.CountCommand("SELECT 1"))
	require.Equal(t, 2, srv.CountCommand("CLIENT SETNAME app"))

	reply, err := conn.Do("CLIENT", resp.String("GETNAME"))
	require.NoError(t, err)
	requireText(t, reply, "app")
}

func TestConnection_ResetSession_ClearsName(t *testing.T) {
	srv := testutils.NewServer(t)
	conn := NewConnection(srv.Addr(), ConnConfig{})
	defer conn.Close()

	_, err := conn.Do("CLIENT", resp.Strings("SETNAME", "other")...)
	require.NoError(t, err)

	require.NoError(t, conn.ResetSession())

	reply, err := conn.Do("CLIENT", resp.String("GETNAME"))
	require.NoError(t, err)
	require.True(t, reply.IsNull())
	require.Equal(t, 1, srv.CountCommand("SELECT 0"))
}

func TestConnection_ResetSession_AuthWithoutCredentials(t *testing.T) {
	conn, _ := mockConnection(t, ConnConfig{}, "-ERR AUTH called without any password configured\r\n")

	_, err := conn.Do("AUTH", resp.String("pass"))
	require.NoError(t, err)

	require.ErrorIs(t, conn.ResetSession(), ErrSessionNotRestorable)
	require.Equal(t, StateBroken, conn.State())
}
