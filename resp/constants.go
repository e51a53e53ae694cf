package resp

// Kind identifies the RESP type of a reply, by its leading type byte.
type Kind byte

const (
	KindSimpleString Kind = '+'
	KindError        Kind = '-'
	KindInteger      Kind = ':'
	KindBulk         Kind = '$'
	KindArray        Kind = '*'

	// RESP3
	KindNull      Kind = '_'
	KindDouble    Kind = ','
	KindBoolean   Kind = '#'
	KindBlobError Kind = '!'
	KindVerbatim  Kind = '='
	KindBigNumber Kind = '('
	KindMap       Kind = '%'
	KindSet       Kind = '~'
	KindAttribute Kind = '|'
	KindPush      Kind = '>'
)

func (k Kind) String() string {
	switch k {
	case KindSimpleString:
		return "simple-string"
	case KindError:
		return "error"
	case KindInteger:
		return "integer"
	case KindBulk:
		return "bulk"
	case KindArray:
		return "array"
	case KindNull:
		return "null"
	case KindDouble:
		return "double"
	case KindBoolean:
		return "boolean"
	case KindBlobError:
		return "blob-error"
	case KindVerbatim:
		return "verbatim"
	case KindBigNumber:
		return "big-number"
	case KindMap:
		return "map"
	case KindSet:
		return "set"
	case KindAttribute:
		return "attribute"
	case KindPush:
		return "push"
	default:
		return "unknown(" + string(rune(k)) + ")"
	}
}

const (
	CRLF = "\r\n"

	// MaxBulkLength is the largest bulk payload accepted from the server (512 MiB,
	// the server's own proto-max-bulk-len default).
	MaxBulkLength = 512 * 1024 * 1024

	// MaxAggregateLength bounds the element count of arrays, maps, sets and pushes.
	MaxAggregateLength = 1<<31 - 1
)

// Protocol versions negotiated with HELLO.
const (
	RESP2 = 2
	RESP3 = 3
)

// Simple status replies.
const (
	StatusOK     = "OK"
	StatusPong   = "PONG"
	StatusQueued = "QUEUED"
)
