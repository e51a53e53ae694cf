package redis

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pior/redis/resp"
)

type queueState int

const (
	queueIdle queueState = iota
	queueQueuing
	queueDraining
	queueClosed
)

// Pipeline sends commands on one borrowed connection without waiting for
// their replies. Sync reads the replies back in order and resolves the
// responses.
//
// A Pipeline is not safe for concurrent use.
type Pipeline struct {
	client *Client
	res    Resource
	conn   *Connection
	ctx    context.Context

	state   queueState
	pending []pending
	err     error
}

var _ Queue = (*Pipeline)(nil)

func newPipeline(ctx context.Context, client *Client, res Resource) *Pipeline {
	conn := res.Value()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	return &Pipeline{client: client, res: res, conn: conn, ctx: ctx}
}

// Do queues a command returning its raw reply.
func (p *Pipeline) Do(name string, args ...resp.Rawable) *Response[*resp.Reply] {
	return Enqueue(p, DecodeReply, name, args...)
}

// Len returns the number of queued commands.
func (p *Pipeline) Len() int {
	return len(p.pending)
}

func (p *Pipeline) enqueue(name string, args []resp.Rawable, r pending) {
	switch p.state {
	case queueDraining, queueClosed:
		r.fail(ErrQueueDrained)
		return
	}
	p.state = queueQueuing

	if p.err == nil {
		p.err = p.conn.Send(name, args...)
	}
	p.pending = append(p.pending, r)
}

// Sync flushes the queued commands, reads one reply per command and resolves
// the responses in order, then returns the connection to the pool.
//
// Error replies only resolve their own response. A connection failure
// resolves every unread response with the error and is returned.
func (p *Pipeline) Sync() (err error) {
	switch p.state {
	case queueDraining, queueClosed:
		return ErrQueueDrained
	}
	p.state = queueDraining

	ctx, tok := p.client.inst.start(p.ctx, "pipeline", attribute.Int("db.operation.batch.size", len(p.pending)))
	defer func() { p.client.inst.end(ctx, tok, err) }()

	err = p.drain()
	p.client.stats.recordPipeline(len(p.pending))
	p.release()
	return err
}

func (p *Pipeline) drain() error {
	if p.err != nil {
		failAll(p.pending, p.err)
		return p.err
	}

	for i, r := range p.pending {
		reply, err := p.conn.ReadReply()
		if err != nil {
			failAll(p.pending[i:], err)
			return err
		}
		if reply.HasError() {
			p.client.stats.recordServerError()
		}
		r.resolve(reply)
	}
	return nil
}

// Close returns the connection to the pool. Responses of a pipeline that was
// not synced fail with ErrQueueClosed; the commands already written may still
// run on the server, and the connection is destroyed.
func (p *Pipeline) Close() {
	if p.state == queueQueuing {
		failAll(p.pending, ErrQueueClosed)
		p.state = queueClosed
		p.destroy()
		return
	}
	p.state = queueClosed
	p.release()
}

func (p *Pipeline) release() {
	if p.res == nil {
		return
	}
	p.state = queueClosed
	releaseConn(p.client, p.res, p.conn)
	p.res = nil
}

func (p *Pipeline) destroy() {
	if p.res == nil {
		return
	}
	p.conn.SetDeadline(time.Time{})
	p.client.stats.recordConnectionError()
	p.res.Destroy()
	p.res = nil
}

// releaseConn returns a connection to the pool, or destroys it when broken.
func releaseConn(client *Client, res Resource, conn *Connection) {
	conn.SetDeadline(time.Time{})
	if !conn.IsConnected() {
		client.stats.recordConnectionError()
		res.Destroy()
		return
	}
	res.Release()
}
