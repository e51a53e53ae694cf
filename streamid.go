package redis

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/pior/redis/resp"
)

var ErrInvalidStreamID = errors.New("redis: invalid stream id")

// StreamIDKind tells an explicit stream entry ID from the special IDs
// accepted by stream commands.
type StreamIDKind uint8

const (
	// StreamIDExplicit is a real entry ID, "<time>-<sequence>".
	StreamIDExplicit StreamIDKind = iota
	// StreamIDNewEntry is "*": let the server generate the ID (XADD).
	StreamIDNewEntry
	// StreamIDLastEntry is "$": the last entry of the stream (XREAD, XGROUP).
	StreamIDLastEntry
	// StreamIDUnreceived is ">": entries never delivered to the group (XREADGROUP).
	StreamIDUnreceived
	// StreamIDMinimum is "-": the smallest possible ID (XRANGE).
	StreamIDMinimum
	// StreamIDMaximum is "+": the greatest possible ID (XRANGE).
	StreamIDMaximum
)

var (
	NewEntryID   = StreamID{kind: StreamIDNewEntry}
	LastEntryID  = StreamID{kind: StreamIDLastEntry}
	UnreceivedID = StreamID{kind: StreamIDUnreceived}
	MinimumID    = StreamID{kind: StreamIDMinimum}
	MaximumID    = StreamID{kind: StreamIDMaximum}
)

var specialGlyphs = map[StreamIDKind]string{
	StreamIDNewEntry:   "*",
	StreamIDLastEntry:  "$",
	StreamIDUnreceived: ">",
	StreamIDMinimum:    "-",
	StreamIDMaximum:    "+",
}

// rank orders kinds: "-" < explicit < "+" < "*" < "$" < ">".
var rank = [...]int{
	StreamIDMinimum:    0,
	StreamIDExplicit:   1,
	StreamIDMaximum:    2,
	StreamIDNewEntry:   3,
	StreamIDLastEntry:  4,
	StreamIDUnreceived: 5,
}

// StreamID identifies a stream entry: a millisecond time and a sequence
// number, or one of the special IDs.
//
// The zero value is the explicit ID 0-0. Special IDs are only equal to
// themselves.
type StreamID struct {
	kind StreamIDKind
	time uint64
	seq  uint64
}

var _ resp.Rawable = StreamID{}

// NewStreamID returns the explicit ID "<time>-<seq>".
func NewStreamID(time, seq uint64) StreamID {
	return StreamID{time: time, seq: seq}
}

// StreamIDAt returns the explicit ID "<time>-0".
func StreamIDAt(time uint64) StreamID {
	return StreamID{time: time}
}

// ParseStreamID parses an explicit ID: two non-negative decimal integers
// separated by a dash. Special IDs are rejected.
func ParseStreamID(s string) (StreamID, error) {
	ts, ss, ok := strings.Cut(s, "-")
	if !ok {
		return StreamID{}, fmt.Errorf("%w: %q", ErrInvalidStreamID, s)
	}
	t, err := strconv.ParseUint(ts, 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("%w: %q", ErrInvalidStreamID, s)
	}
	seq, err := strconv.ParseUint(ss, 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("%w: %q", ErrInvalidStreamID, s)
	}
	return StreamID{time: t, seq: seq}, nil
}

func (id StreamID) Kind() StreamIDKind { return id.kind }

// Time returns the millisecond part. It is zero for special IDs.
func (id StreamID) Time() uint64 { return id.time }

// Sequence returns the sequence part. It is zero for special IDs.
func (id StreamID) Sequence() uint64 { return id.seq }

// IsSpecial reports whether id is one of the special IDs.
func (id StreamID) IsSpecial() bool {
	return id.kind != StreamIDExplicit
}

// String returns "<time>-<seq>", or the glyph of a special ID.
func (id StreamID) String() string {
	if g, ok := specialGlyphs[id.kind]; ok {
		return g
	}
	return string(id.appendText(nil))
}

func (id StreamID) appendText(dst []byte) []byte {
	if g, ok := specialGlyphs[id.kind]; ok {
		return append(dst, g...)
	}
	dst = strconv.AppendUint(dst, id.time, 10)
	dst = append(dst, '-')
	return strconv.AppendUint(dst, id.seq, 10)
}

// Raw returns the wire form of the ID.
func (id StreamID) Raw() []byte {
	return id.appendText(nil)
}

// Compare returns -1, 0 or +1. Explicit IDs are ordered by time, then
// sequence. Special IDs are ordered "-" < explicit < "+" < "*" < "$" < ">".
func (id StreamID) Compare(other StreamID) int {
	if id.kind != other.kind {
		return cmp.Compare(rank[id.kind], rank[other.kind])
	}
	if id.time != other.time {
		return cmp.Compare(id.time, other.time)
	}
	return cmp.Compare(id.seq, other.seq)
}

func (id StreamID) Less(other StreamID) bool {
	return id.Compare(other) < 0
}

func (id StreamID) Equal(other StreamID) bool {
	return id == other
}

// Hash returns a hash consistent with Equal.
func (id StreamID) Hash() uint64 {
	var buf [17]byte
	buf[0] = byte(id.kind)
	binary.LittleEndian.PutUint64(buf[1:9], id.time)
	binary.LittleEndian.PutUint64(buf[9:], id.seq)
	return xxh3.Hash(buf[:])
}

// Next returns the smallest explicit ID greater than id. It reports false
// for special IDs and for the greatest explicit ID, which has no successor.
func (id StreamID) Next() (StreamID, bool) {
	switch {
	case id.kind != StreamIDExplicit:
		return StreamID{}, false
	case id.seq < math.MaxUint64:
		return StreamID{time: id.time, seq: id.seq + 1}, true
	case id.time < math.MaxUint64:
		return StreamID{time: id.time + 1}, true
	default:
		return StreamID{}, false
	}
}

func (id StreamID) MarshalText() ([]byte, error) {
	return id.appendText(nil), nil
}

// UnmarshalText accepts explicit IDs and the special glyphs.
func (id *StreamID) UnmarshalText(text []byte) error {
	s := string(text)
	for kind, g := range specialGlyphs {
		if s == g {
			*id = StreamID{kind: kind}
			return nil
		}
	}
	parsed, err := ParseStreamID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
