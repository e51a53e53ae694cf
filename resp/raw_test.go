package resp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawEncoding(t *testing.T) {
	tests := []struct {
		name     string
		raw      Rawable
		expected string
	}{
		{"int zero", Int(0), "0"},
		{"int negative", Int(-42), "-42"},
		{"int max", Int(math.MaxInt64), "9223372036854775807"},
		{"uint max", Uint(math.MaxUint64), "18446744073709551615"},
		{"float", Float(3.14), "3.14"},
		{"float integral", Float(2), "2"},
		{"float negative", Float(-0.5), "-0.5"},
		{"float large", Float(1e21), "1000000000000000000000"},
		{"float +inf", Float(math.Inf(1)), "+inf"},
		{"float -inf", Float(math.Inf(-1)), "-inf"},
		{"string", String("hello"), "hello"},
		{"string utf8", String("héllo"), "h\xc3\xa9llo"},
		{"empty string", String(""), ""},
		{"bytes", Bytes([]byte{0, 1, 2}), "\x00\x01\x02"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, string(tt.raw.Raw()))
		})
	}
}

func TestFloatDeterministic(t *testing.T) {
	first := Float(3.14).Raw()
	for range 100 {
		require.Equal(t, first, Float(3.14).Raw())
	}
}

func TestBytesDefensiveCopy(t *testing.T) {
	buf := []byte("value")
	r := Bytes(buf)

	buf[0] = 'X'
	buf = append(buf[:0], "other"...)

	assert.Equal(t, "value", string(r.Raw()))
	assert.Equal(t, "other", string(buf))
}

func TestStrings(t *testing.T) {
	args := Strings("a", "b", "c")
	require.Len(t, args, 3)
	assert.Equal(t, "b", string(args[1].Raw()))
}
