package resp

import (
	"math"
	"strconv"
)

// Rawable is an argument ready to be framed on the wire.
// The bytes returned by Raw must not be modified.
type Rawable interface {
	Raw() []byte
}

type raw []byte

func (r raw) Raw() []byte { return r }

// Int encodes an integer as canonical decimal text.
func Int(i int64) Rawable {
	return raw(strconv.AppendInt(nil, i, 10))
}

// Uint encodes an unsigned integer as canonical decimal text.
func Uint(u uint64) Rawable {
	return raw(strconv.AppendUint(nil, u, 10))
}

// Float encodes a float using the shortest decimal form that round-trips.
// Infinities are rendered as "+inf" and "-inf".
func Float(f float64) Rawable {
	switch {
	case math.IsInf(f, 1):
		return raw("+inf")
	case math.IsInf(f, -1):
		return raw("-inf")
	}
	return raw(strconv.AppendFloat(nil, f, 'f', -1, 64))
}

// Bytes copies b, so later changes to b do not affect the encoded value.
func Bytes(b []byte) Rawable {
	return raw(append(make([]byte, 0, len(b)), b...))
}

// String encodes s as UTF-8 bytes.
func String(s string) Rawable {
	return raw(s)
}

// Strings is a convenience to encode several text arguments.
func Strings(ss ...string) []Rawable {
	out := make([]Rawable, len(ss))
	for i, s := range ss {
		out[i] = raw(s)
	}
	return out
}
