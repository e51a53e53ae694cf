package redis

import (
	"errors"
	"fmt"

	"github.com/pior/redis/resp"
)

var (
	ErrResponseNotReady = errors.New("redis: response not ready, call Sync or Exec first")
	ErrQueueDrained     = errors.New("redis: queue already drained")
	ErrQueueClosed      = errors.New("redis: queue closed before draining")
	ErrTxDiscarded      = errors.New("redis: transaction discarded")
)

// Decoder converts a reply to a typed value. Error replies never reach a
// decoder: they resolve the response with their *resp.ServerError.
type Decoder[T any] func(reply *resp.Reply) (T, error)

// Response is the deferred result of a command sent through a Pipeline or a
// Transaction. It is resolved exactly once, when the queue is drained.
type Response[T any] struct {
	decode   Decoder[T]
	resolved bool
	empty    bool
	value    T
	err      error
}

// Get returns the decoded value or the command error.
// It fails with ErrResponseNotReady until the queue is drained.
// An empty response (aborted transaction) returns the zero value and no error.
func (r *Response[T]) Get() (T, error) {
	if !r.resolved {
		var zero T
		return zero, ErrResponseNotReady
	}
	return r.value, r.err
}

// Resolved reports whether the response was assigned.
func (r *Response[T]) Resolved() bool {
	return r.resolved
}

// Empty reports whether the response holds no value because its transaction
// was aborted by a watched key.
func (r *Response[T]) Empty() bool {
	return r.empty
}

// Err returns the command error, if any.
func (r *Response[T]) Err() error {
	if !r.resolved {
		return ErrResponseNotReady
	}
	return r.err
}

func (r *Response[T]) resolve(reply *resp.Reply) {
	if r.resolved {
		return
	}
	r.resolved = true
	if reply.HasError() {
		r.err = reply.Error
		return
	}
	r.value, r.err = r.decode(reply)
}

func (r *Response[T]) fail(err error) {
	if r.resolved {
		return
	}
	r.resolved = true
	r.err = err
}

func (r *Response[T]) abort() {
	if r.resolved {
		return
	}
	r.resolved = true
	r.empty = true
}

// pending is the type-erased side of a Response, used by queues.
type pending interface {
	resolve(reply *resp.Reply)
	fail(err error)
	abort()
}

// Queue is a command queue resolving responses in order: a *Pipeline or a *Transaction.
type Queue interface {
	enqueue(name string, args []resp.Rawable, p pending)
}

// Enqueue sends a command through q and returns its deferred response.
func Enqueue[T any](q Queue, decode Decoder[T], name string, args ...resp.Rawable) *Response[T] {
	r := &Response[T]{decode: decode}
	q.enqueue(name, args, r)
	return r
}

func failAll(ps []pending, err error) {
	for _, p := range ps {
		p.fail(err)
	}
}

// DecodeReply returns the reply as is.
func DecodeReply(reply *resp.Reply) (*resp.Reply, error) {
	return reply, nil
}

// DecodeStatus returns a simple string status, such as "OK".
func DecodeStatus(reply *resp.Reply) (string, error) {
	if reply.Kind != resp.KindSimpleString {
		return "", fmt.Errorf("redis: expected status reply, got %s", reply.Kind)
	}
	return string(reply.Data), nil
}

// DecodeString returns a string reply. Null replies fail with resp.ErrNil.
func DecodeString(reply *resp.Reply) (string, error) {
	return reply.Text()
}

// DecodeBytes returns a bulk reply payload. Null replies fail with resp.ErrNil.
func DecodeBytes(reply *resp.Reply) ([]byte, error) {
	return reply.Bytes()
}

func DecodeInt(reply *resp.Reply) (int64, error) {
	return reply.Int()
}

func DecodeFloat(reply *resp.Reply) (float64, error) {
	return reply.Float()
}

func DecodeBool(reply *resp.Reply) (bool, error) {
	return reply.Bool()
}

// DecodeStrings returns an array of strings. Null elements become empty strings.
func DecodeStrings(reply *resp.Reply) ([]string, error) {
	if reply.IsNull() {
		return nil, resp.ErrNil
	}
	if !reply.IsAggregate() {
		return nil, fmt.Errorf("redis: expected aggregate reply, got %s", reply.Kind)
	}
	out := make([]string, len(reply.Elems))
	for i, e := range reply.Elems {
		if e.IsNull() {
			continue
		}
		s, err := e.Text()
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// DecodeStreamID parses a stream entry ID reply, as returned by XADD.
func DecodeStreamID(reply *resp.Reply) (StreamID, error) {
	s, err := reply.Text()
	if err != nil {
		return StreamID{}, err
	}
	return ParseStreamID(s)
}
