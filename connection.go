package redis

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pior/redis/resp"
)

var (
	ErrConnectionBroken     = errors.New("redis: connection is broken")
	ErrSessionNotRestorable = errors.New("redis: session cannot be restored without configured credentials")
)

// ConnState is the lifecycle state of a Connection.
type ConnState int32

const (
	// StateDisconnected is the initial state: no socket has been opened yet.
	StateDisconnected ConnState = iota
	// StateConnected means the socket is open and the handshake succeeded.
	StateConnected
	// StateBroken is terminal. The connection must be discarded.
	StateBroken
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateBroken:
		return "broken"
	}
	return fmt.Sprintf("ConnState(%d)", int32(s))
}

// sessionChange records which parts of the server-side session were modified
// by commands sent after the handshake.
type sessionChange uint8

const (
	sessionDB sessionChange = 1 << iota
	sessionName
	sessionAuth
	sessionProtocol
)

type command struct {
	name string
	args []resp.Rawable
}

// Connection is a single physical link to a server.
//
// A Connection is not safe for concurrent use: it is owned by one caller at a
// time, typically the borrower of a pooled connection.
type Connection struct {
	addr   string
	cfg    ConnConfig
	logger *slog.Logger
	inst   *instrumentation

	state atomic.Int32

	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	deadline    time.Time
	hasDeadline bool
	session     sessionChange
}

// NewConnection creates a connection to addr. No I/O is performed: the socket
// is opened by Connect, or lazily by the first command.
func NewConnection(addr string, cfg ConnConfig) *Connection {
	return newConnection(addr, cfg, newInstrumentation(addr, cfg.TracerProvider, cfg.MeterProvider))
}

func newConnection(addr string, cfg ConnConfig, inst *instrumentation) *Connection {
	return &Connection{
		addr:   addr,
		cfg:    cfg,
		logger: cfg.logger().With("addr", addr),
		inst:   inst,
	}
}

// Addr returns the server address.
func (c *Connection) Addr() string {
	return c.addr
}

// State returns the current lifecycle state without performing I/O.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

// IsConnected returns true if the connection completed its handshake and is not broken.
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// Protocol returns the RESP version negotiated during the handshake.
func (c *Connection) Protocol() int {
	return c.cfg.protocol()
}

// Connect opens the socket and performs the handshake: HELLO (RESP3) or
// AUTH and CLIENT SETNAME (RESP2), then SELECT when a database is configured.
// Any failure leaves the connection broken.
func (c *Connection) Connect(ctx context.Context) (err error) {
	switch c.State() {
	case StateConnected:
		return nil
	case StateBroken:
		return ErrConnectionBroken
	}

	ctx, tok := c.inst.start(ctx, "connect")
	defer func() { c.inst.end(ctx, tok, err) }()

	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	netConn, err := c.dial(ctx)
	if err != nil {
		c.state.Store(int32(StateBroken))
		c.logger.Debug("redis: dial failed", "error", err)
		return &resp.ConnectionError{Op: "dial", Err: err}
	}

	c.conn = netConn
	c.reader = bufio.NewReader(netConn)
	c.writer = bufio.NewWriter(netConn)

	saved := c.deadline
	if deadline, ok := ctx.Deadline(); ok && (saved.IsZero() || deadline.Before(saved)) {
		c.deadline = deadline
	}
	err = c.handshake()
	c.deadline = saved

	if err != nil {
		c.state.Store(int32(StateBroken))
		_ = netConn.Close()
		c.conn = nil
		c.logger.Debug("redis: handshake failed", "error", err)
		return err
	}

	c.state.Store(int32(StateConnected))
	c.logger.Debug("redis: connected", "protocol", c.cfg.protocol())
	return nil
}

func (c *Connection) dial(ctx context.Context) (net.Conn, error) {
	var netConn net.Conn
	var err error

	if c.cfg.DialFunc != nil {
		netConn, err = c.cfg.DialFunc(ctx, "tcp", c.addr)
	} else {
		dialer := c.cfg.Dialer
		if dialer == nil {
			dialer = &net.Dialer{}
		}
		netConn, err = dialer.DialContext(ctx, "tcp", c.addr)
	}
	if err != nil {
		return nil, err
	}

	if c.cfg.TLSConfig == nil {
		return netConn, nil
	}

	tlsConfig := c.cfg.TLSConfig
	if tlsConfig.ServerName == "" {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.ServerName, _, _ = net.SplitHostPort(c.addr)
	}
	tlsConn := tls.Client(netConn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = netConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

func (c *Connection) handshake() error {
	return c.runSession(c.sessionCommands(false), "handshake")
}

func (c *Connection) username() string {
	if c.cfg.Username == "" {
		return "default"
	}
	return c.cfg.Username
}

// sessionCommands returns the commands establishing the configured session.
// With restore set, it also resets what a previous borrower may have changed.
func (c *Connection) sessionCommands(restore bool) []command {
	var cmds []command
	name := c.cfg.ClientName

	if c.cfg.protocol() == resp.RESP3 || (restore && c.session&sessionProtocol != 0) {
		args := []resp.Rawable{resp.Int(int64(c.cfg.protocol()))}
		if c.cfg.Password != "" {
			args = append(args, resp.String("AUTH"), resp.String(c.username()), resp.String(c.cfg.Password))
		}
		if name != "" {
			args = append(args, resp.String("SETNAME"), resp.String(name))
		}
		cmds = append(cmds, command{"HELLO", args})
	} else {
		if c.cfg.Password != "" && (!restore || c.session&sessionAuth != 0) {
			args := resp.Strings(c.cfg.Password)
			if c.cfg.Username != "" {
				args = resp.Strings(c.cfg.Username, c.cfg.Password)
			}
			cmds = append(cmds, command{"AUTH", args})
		}
		if name != "" && (!restore || c.session&sessionName != 0) {
			cmds = append(cmds, command{"CLIENT", resp.Strings("SETNAME", name)})
		}
	}

	if restore {
		if name == "" && c.session&sessionName != 0 {
			cmds = append(cmds, command{"CLIENT", resp.Strings("SETNAME", "")})
		}
		cmds = append(cmds, command{"SELECT", []resp.Rawable{resp.Int(int64(c.cfg.Database))}})
	} else if c.cfg.Database != 0 {
		cmds = append(cmds, command{"SELECT", []resp.Rawable{resp.Int(int64(c.cfg.Database))}})
	}
	return cmds
}

// runSession pipelines cmds and fails on the first error reply.
func (c *Connection) runSession(cmds []command, op string) error {
	if len(cmds) == 0 {
		return nil
	}

	for _, cmd := range cmds {
		if err := c.writeFrame(cmd.name, cmd.args); err != nil {
			return err
		}
	}

	var firstErr error
	for _, cmd := range cmds {
		reply, err := c.read()
		if err != nil {
			return err
		}
		if reply.HasError() && firstErr == nil {
			firstErr = &resp.ConnectionError{Op: op + " " + strings.ToLower(cmd.name), Err: reply.Error}
		}
	}
	return firstErr
}

// SessionChanged returns true if a command sent on this connection changed
// the selected database, client name, credentials or protocol.
func (c *Connection) SessionChanged() bool {
	return c.session != 0
}

// ResetSession restores the configured database, client name, credentials and
// protocol after a caller changed them. It is a no-op when nothing changed.
// A failure breaks the connection.
func (c *Connection) ResetSession() error {
	if c.session == 0 {
		return nil
	}
	if err := c.ready(); err != nil {
		return err
	}
	if c.session&sessionAuth != 0 && c.cfg.Password == "" {
		c.state.Store(int32(StateBroken))
		return ErrSessionNotRestorable
	}

	if err := c.runSession(c.sessionCommands(true), "session reset"); err != nil {
		c.state.Store(int32(StateBroken))
		return err
	}

	c.logger.Debug("redis: session reset")
	c.session = 0
	return nil
}

func (c *Connection) trackSession(name string, args []resp.Rawable) {
	switch {
	case strings.EqualFold(name, "SELECT"):
		c.session |= sessionDB
	case strings.EqualFold(name, "AUTH"):
		c.session |= sessionAuth
	case strings.EqualFold(name, "CLIENT"):
		if len(args) > 0 && bytes.EqualFold(args[0].Raw(), []byte("SETNAME")) {
			c.session |= sessionName
		}
	case strings.EqualFold(name, "HELLO"):
		c.session |= sessionProtocol
		for _, arg := range args {
			switch {
			case bytes.EqualFold(arg.Raw(), []byte("AUTH")):
				c.session |= sessionAuth
			case bytes.EqualFold(arg.Raw(), []byte("SETNAME")):
				c.session |= sessionName
			}
		}
	case strings.EqualFold(name, "RESET"):
		c.session |= sessionDB | sessionName | sessionAuth | sessionProtocol
	}
}

// SetDeadline sets an absolute deadline for the following I/O, on top of
// SocketTimeout: the earliest of the two applies. A zero value clears it.
func (c *Connection) SetDeadline(t time.Time) {
	c.deadline = t
}

func (c *Connection) applyDeadline() {
	var deadline time.Time
	if c.cfg.SocketTimeout > 0 {
		deadline = time.Now().Add(c.cfg.SocketTimeout)
	}
	if !c.deadline.IsZero() && (deadline.IsZero() || c.deadline.Before(deadline)) {
		deadline = c.deadline
	}

	if deadline.IsZero() && !c.hasDeadline {
		return
	}
	c.hasDeadline = !deadline.IsZero()
	_ = c.conn.SetDeadline(deadline)
}

// ready connects lazily and refuses to use a broken connection.
func (c *Connection) ready() error {
	switch c.State() {
	case StateConnected:
		return nil
	case StateDisconnected:
		return c.Connect(context.Background())
	}
	return ErrConnectionBroken
}

// fail marks the connection as broken and wraps I/O errors.
func (c *Connection) fail(op string, err error) error {
	c.state.Store(int32(StateBroken))
	c.logger.Debug("redis: connection broken", "op", op, "error", err)

	var parseErr *resp.ParseError
	if errors.As(err, &parseErr) {
		return err
	}
	return &resp.ConnectionError{Op: op, Err: err}
}

func (c *Connection) writeFrame(name string, args []resp.Rawable) error {
	c.applyDeadline()
	if err := resp.WriteCommand(c.writer, name, args...); err != nil {
		return c.fail("write", err)
	}
	return nil
}

func (c *Connection) flush() error {
	if c.writer.Buffered() == 0 {
		return nil
	}
	c.applyDeadline()
	if err := c.writer.Flush(); err != nil {
		return c.fail("write", err)
	}
	return nil
}

func (c *Connection) read() (*resp.Reply, error) {
	if err := c.flush(); err != nil {
		return nil, err
	}
	c.applyDeadline()
	reply, err := resp.ReadReply(c.reader)
	if err != nil {
		return nil, c.fail("read", err)
	}
	return reply, nil
}

// Send buffers one command. It does not wait for the reply.
// The buffer is flushed by Flush, by ReadReply, or when it fills up.
func (c *Connection) Send(name string, args ...resp.Rawable) error {
	if err := c.ready(); err != nil {
		return err
	}
	c.trackSession(name, args)
	return c.writeFrame(name, args)
}

// Flush writes the buffered commands to the socket.
func (c *Connection) Flush() error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.flush()
}

// ReadReply flushes pending commands and reads one reply.
// Error replies are returned as data in Reply.Error with a nil error;
// a non-nil error means the connection is now broken.
func (c *Connection) ReadReply() (*resp.Reply, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.read()
}

// Do sends one command and reads its reply.
func (c *Connection) Do(name string, args ...resp.Rawable) (*resp.Reply, error) {
	if err := c.Send(name, args...); err != nil {
		return nil, err
	}
	return c.ReadReply()
}

// Ping sends PING and reports whether PONG came back.
func (c *Connection) Ping() bool {
	reply, err := c.Do("PING")
	if err != nil {
		return false
	}
	if !reply.IsStatus(resp.StatusPong) {
		c.logger.Debug("redis: unexpected ping reply", "reply", reply.String())
		return false
	}
	return true
}

// Close closes the socket. The connection can't be used afterwards.
// Close errors are logged and never returned: the connection is being
// discarded either way.
func (c *Connection) Close() error {
	prev := ConnState(c.state.Swap(int32(StateBroken)))
	if c.conn == nil {
		return nil
	}

	conn := c.conn
	c.conn = nil
	if err := conn.Close(); err != nil {
		c.logger.Debug("redis: error while closing connection", "state", prev.String(), "error", err)
	}
	return nil
}
