package resp

import (
	"bufio"
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCommand(t *testing.T) {
	tests := []struct {
		name     string
		cmd      string
		args     []Rawable
		expected string
	}{
		{
			name:     "no args",
			cmd:      "PING",
			expected: "*1\r\n$4\r\nPING\r\n",
		},
		{
			name:     "set",
			cmd:      "SET",
			args:     []Rawable{String("key"), String("value")},
			expected: "*3\r\n$3\r\nSET\r\n$3\r\nkey\r\n$5\r\nvalue\r\n",
		},
		{
			name:     "numeric args",
			cmd:      "INCRBYFLOAT",
			args:     []Rawable{String("k"), Float(1.5)},
			expected: "*3\r\n$11\r\nINCRBYFLOAT\r\n$1\r\nk\r\n$3\r\n1.5\r\n",
		},
		{
			name:     "binary safe",
			cmd:      "SET",
			args:     []Rawable{String("k"), Bytes([]byte("a\r\nb\x00"))},
			expected: "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$5\r\na\r\nb\x00\r\n",
		},
		{
			name:     "empty arg",
			cmd:      "SET",
			args:     []Rawable{String("k"), String("")},
			expected: "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$0\r\n\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name+"/unbuffered", func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteCommand(&buf, tt.cmd, tt.args...))
			assert.Equal(t, tt.expected, buf.String())
		})

		t.Run(tt.name+"/buffered", func(t *testing.T) {
			var buf bytes.Buffer
			bw := bufio.NewWriter(&buf)
			require.NoError(t, WriteCommand(bw, tt.cmd, tt.args...))
			assert.Empty(t, buf.String(), "buffered writes must not flush")
			require.NoError(t, bw.Flush())
			assert.Equal(t, tt.expected, buf.String())
		})

		t.Run(tt.name+"/append", func(t *testing.T) {
			assert.Equal(t, tt.expected, string(AppendCommand(nil, tt.cmd, tt.args...)))
		})
	}
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("broken pipe") }

func TestWriteCommand_WriterError(t *testing.T) {
	err := WriteCommand(failingWriter{}, "PING")
	require.Error(t, err)

	bw := bufio.NewWriterSize(failingWriter{}, 16)
	err = WriteCommand(bw, "SET", String("key"), Bytes(bytes.Repeat([]byte("x"), 64)))
	require.Error(t, err)
}

func TestWriteThenRead(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCommand(&buf, "SET", String("key"), Int(12)))

	reply, err := ReadReply(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, KindArray, reply.Kind)
	require.Len(t, reply.Elems, 3)

	var parts []string
	for _, e := range reply.Elems {
		s, err := e.Text()
		require.NoError(t, err)
		parts = append(parts, s)
	}
	assert.Equal(t, []string{"SET", "key", "12"}, parts)
}
