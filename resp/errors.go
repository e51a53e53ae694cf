package resp

import (
	"errors"
	"fmt"
	"strings"
)

// ServerError is an error reply: a simple error such as "-ERR ..." or
// "-WRONGTYPE ...", or a RESP3 blob error. The reply was read completely, so
// the connection stays usable.
type ServerError struct {
	// Prefix is the first word of the message, e.g. "ERR", "WRONGTYPE", "EXECABORT".
	Prefix  string
	Message string
}

func newServerError(line string) *ServerError {
	prefix, _, _ := strings.Cut(line, " ")
	return &ServerError{Prefix: prefix, Message: line}
}

func (e *ServerError) Error() string {
	return e.Message
}

func (e *ServerError) ShouldCloseConnection() bool {
	return false
}

// ParseError is a frame the decoder could not make sense of: an unknown type
// byte, a bad length or a missing CRLF. Where the next frame starts is
// unknown, so the connection must be dropped.
type ParseError struct {
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return "resp: parse error: " + e.Message + ": " + e.Err.Error()
	}
	return "resp: parse error: " + e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func (e *ParseError) ShouldCloseConnection() bool {
	return true
}

// ConnectionError is an I/O failure of the socket under a connection.
type ConnectionError struct {
	Op  string // dial, handshake, write, read, flush
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("resp: connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) ShouldCloseConnection() bool {
	return true
}

// ErrorWithConnectionState tells whether the connection that returned the
// error can serve another command.
type ErrorWithConnectionState interface {
	error
	ShouldCloseConnection() bool
}

// ShouldCloseConnection reports whether err leaves the connection unusable.
// Errors of unknown types, like a context deadline hit mid-reply, do.
func ShouldCloseConnection(err error) bool {
	if err == nil {
		return false
	}
	var e ErrorWithConnectionState
	if errors.As(err, &e) {
		return e.ShouldCloseConnection()
	}
	return true
}

// IsServerError reports whether err is (or wraps) a server error reply.
func IsServerError(err error) bool {
	var se *ServerError
	return errors.As(err, &se)
}
