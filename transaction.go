package redis

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pior/redis/resp"
)

// Transaction queues commands between MULTI and EXEC on one borrowed
// connection. Commands are written as they are queued; the QUEUED
// acknowledgements and the EXEC reply are read by Exec.
//
// A Transaction is not safe for concurrent use.
type Transaction struct {
	client *Client
	res    Resource
	conn   *Connection
	ctx    context.Context

	state   queueState
	pending []pending
	err     error
}

var _ Queue = (*Transaction)(nil)

// newTransaction watches the keys, then opens the transaction with MULTI.
// The MULTI acknowledgement is read by Exec or Discard.
func newTransaction(ctx context.Context, client *Client, res Resource, watchKeys []string) (*Transaction, error) {
	conn := res.Value()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if len(watchKeys) > 0 {
		reply, err := conn.Do("WATCH", resp.Strings(watchKeys...)...)
		if err != nil {
			releaseConn(client, res, conn)
			return nil, err
		}
		if reply.HasError() {
			client.stats.recordServerError()
			releaseConn(client, res, conn)
			return nil, reply.Error
		}
	}

	t := &Transaction{client: client, res: res, conn: conn, ctx: ctx}
	t.err = conn.Send("MULTI")
	return t, nil
}

// Do queues a command returning its raw reply.
func (t *Transaction) Do(name string, args ...resp.Rawable) *Response[*resp.Reply] {
	return Enqueue(t, DecodeReply, name, args...)
}

// Len returns the number of queued commands.
func (t *Transaction) Len() int {
	return len(t.pending)
}

func (t *Transaction) enqueue(name string, args []resp.Rawable, r pending) {
	switch t.state {
	case queueDraining, queueClosed:
		r.fail(ErrQueueDrained)
		return
	}
	t.state = queueQueuing

	if t.err == nil {
		t.err = t.conn.Send(name, args...)
	}
	t.pending = append(t.pending, r)
}

// Exec commits the transaction and resolves the responses in order, then
// returns the connection to the pool.
//
// committed is false when a watched key changed, in which case every response
// is empty, or when the server discarded the transaction because a command was
// rejected while queuing (EXECABORT): rejected commands carry their own error
// and the others carry the EXECABORT error. Errors of individual commands are
// only reported through their responses. err is set for connection failures.
func (t *Transaction) Exec() (committed bool, err error) {
	switch t.state {
	case queueDraining, queueClosed:
		return false, ErrQueueDrained
	}
	t.state = queueDraining

	ctx, tok := t.client.inst.start(t.ctx, "transaction", attribute.Int("db.operation.batch.size", len(t.pending)))
	defer func() { t.client.inst.end(ctx, tok, err) }()

	committed, err = t.exec()
	t.client.stats.recordTransaction(len(t.pending), !committed && err == nil)
	t.release()
	return committed, err
}

func (t *Transaction) exec() (bool, error) {
	if t.err == nil {
		t.err = t.conn.Send("EXEC")
	}
	if t.err != nil {
		failAll(t.pending, t.err)
		return false, t.err
	}

	rejected, err := t.readAcks()
	if err != nil {
		return false, err
	}

	reply, err := t.conn.ReadReply()
	if err != nil {
		failAll(t.pending, err)
		return false, err
	}

	switch {
	case reply.HasError():
		t.client.stats.recordServerError()
		for i, r := range t.pending {
			if rejected[i] != nil {
				r.fail(rejected[i])
			} else {
				r.fail(reply.Error)
			}
		}
		return false, nil

	case reply.IsNull():
		for _, r := range t.pending {
			r.abort()
		}
		return false, nil

	case !reply.IsAggregate() || len(reply.Elems) != len(t.pending):
		err := t.conn.fail("exec", &resp.ParseError{
			Message: fmt.Sprintf("EXEC returned %s with %d elements for %d commands", reply.Kind, len(reply.Elems), len(t.pending)),
		})
		failAll(t.pending, err)
		return false, err
	}

	for i, r := range t.pending {
		if reply.Elems[i].HasError() {
			t.client.stats.recordServerError()
		}
		r.resolve(reply.Elems[i])
	}
	return true, nil
}

// readAcks reads the MULTI acknowledgement and one QUEUED acknowledgement per
// command. It returns the errors of the commands rejected while queuing.
func (t *Transaction) readAcks() ([]error, error) {
	reply, err := t.conn.ReadReply()
	if err != nil {
		failAll(t.pending, err)
		return nil, err
	}
	if reply.HasError() {
		err := t.conn.fail("multi", reply.Error)
		failAll(t.pending, err)
		return nil, err
	}

	rejected := make([]error, len(t.pending))
	for i := range t.pending {
		ack, err := t.conn.ReadReply()
		if err != nil {
			failAll(t.pending, err)
			return nil, err
		}
		if ack.HasError() {
			rejected[i] = ack.Error
		}
	}
	return rejected, nil
}

// Discard aborts the transaction. Every response fails with ErrTxDiscarded.
func (t *Transaction) Discard() error {
	switch t.state {
	case queueDraining, queueClosed:
		return ErrQueueDrained
	}
	t.state = queueDraining
	defer t.release()

	failAll(t.pending, ErrTxDiscarded)

	if t.err == nil {
		t.err = t.conn.Send("DISCARD")
	}
	if t.err != nil {
		return t.err
	}
	if _, err := t.readAcks(); err != nil {
		return err
	}
	reply, err := t.conn.ReadReply()
	if err != nil {
		return err
	}
	return reply.Error
}

// Close discards the transaction if it was not executed, and returns the
// connection to the pool.
func (t *Transaction) Close() {
	if t.state == queueIdle || t.state == queueQueuing {
		_ = t.Discard()
		return
	}
	t.release()
}

func (t *Transaction) release() {
	if t.res == nil {
		return
	}
	t.state = queueClosed
	releaseConn(t.client, t.res, t.conn)
	t.res = nil
}
