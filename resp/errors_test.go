package resp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldCloseConnection(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server error", &ServerError{Prefix: "ERR", Message: "ERR boom"}, false},
		{"wrapped server error", fmt.Errorf("exec: %w", &ServerError{Prefix: "ERR"}), false},
		{"parse error", &ParseError{Message: "bad"}, true},
		{"connection error", &ConnectionError{Op: "read", Err: io.EOF}, true},
		{"unknown error", errors.New("something"), true},
		{"context", context.DeadlineExceeded, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldCloseConnection(tt.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "ERR unknown command", newServerError("ERR unknown command").Error())
	assert.Equal(t, "ERR", newServerError("ERR unknown command").Prefix)
	assert.Equal(t, "NOAUTH", newServerError("NOAUTH").Prefix)

	ce := &ConnectionError{Op: "read", Err: io.EOF}
	assert.Equal(t, "resp: connection error during read: EOF", ce.Error())
	assert.ErrorIs(t, ce, io.EOF)

	pe := &ParseError{Message: "bad length", Err: io.ErrUnexpectedEOF}
	assert.Equal(t, "resp: parse error: bad length: unexpected EOF", pe.Error())
	assert.ErrorIs(t, pe, io.ErrUnexpectedEOF)
}

func TestIsServerError(t *testing.T) {
	assert.True(t, IsServerError(fmt.Errorf("wrap: %w", &ServerError{})))
	assert.False(t, IsServerError(io.EOF))
}
