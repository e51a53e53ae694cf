package resp

import (
	"bufio"
	"bytes"
	"io"
	"slices"
	"strconv"
)

// maxNesting bounds the depth of nested aggregates.
const maxNesting = 512

var crlfBytes = []byte(CRLF)

// ReadReply reads and parses exactly one reply frame from r.
//
// Error replies from the server ('-' and '!') are returned as Reply.Error
// (not as Go error). The caller should check Reply.HasError().
//
// Go errors returned indicate I/O or parsing failures:
//   - io.EOF and other I/O errors: connection issues, close the connection
//   - *ParseError: malformed frame, close the connection
//
// An attribute frame is not returned on its own: it is attached to the reply
// that follows it.
func ReadReply(r *bufio.Reader) (*Reply, error) {
	return readReply(r, 0)
}

func readReply(r *bufio.Reader, depth int) (*Reply, error) {
	if depth > maxNesting {
		return nil, &ParseError{Message: "aggregate nesting too deep"}
	}

	typ, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	line, err := readLine(r)
	if err != nil {
		return nil, err
	}

	kind := Kind(typ)
	switch kind {
	case KindSimpleString:
		return &Reply{Kind: kind, Data: bytes.Clone(line)}, nil

	case KindError:
		return &Reply{Kind: kind, Data: bytes.Clone(line), Error: newServerError(string(line))}, nil

	case KindInteger:
		n, ok := parseInt(line)
		if !ok {
			return nil, &ParseError{Message: "invalid integer " + strconv.Quote(string(line))}
		}
		return &Reply{Kind: kind, Integer: n}, nil

	case KindBulk, KindBlobError, KindVerbatim:
		return readBlob(r, kind, line)

	case KindArray, KindSet, KindPush:
		n, null, err := parseLength(line, MaxAggregateLength)
		if err != nil {
			return nil, err
		}
		if null {
			return &Reply{Kind: kind, Null: true}, nil
		}
		elems, err := readElems(r, n, depth)
		if err != nil {
			return nil, err
		}
		return &Reply{Kind: kind, Elems: elems}, nil

	case KindMap, KindAttribute:
		n, null, err := parseLength(line, MaxAggregateLength/2)
		if err != nil {
			return nil, err
		}
		if null {
			return &Reply{Kind: kind, Null: true}, nil
		}
		elems, err := readElems(r, n*2, depth)
		if err != nil {
			return nil, err
		}
		if kind == KindMap {
			return &Reply{Kind: kind, Elems: elems}, nil
		}
		next, err := readReply(r, depth)
		if err != nil {
			return nil, err
		}
		next.Attrs = append(elems, next.Attrs...)
		return next, nil

	case KindNull:
		if len(line) != 0 {
			return nil, &ParseError{Message: "unexpected payload in null"}
		}
		return &Reply{Kind: kind, Null: true}, nil

	case KindDouble:
		f, err := strconv.ParseFloat(string(line), 64)
		if err != nil {
			return nil, &ParseError{Message: "invalid double " + strconv.Quote(string(line)), Err: err}
		}
		return &Reply{Kind: kind, Double: f}, nil

	case KindBoolean:
		switch string(line) {
		case "t":
			return &Reply{Kind: kind, Boolean: true}, nil
		case "f":
			return &Reply{Kind: kind, Boolean: false}, nil
		}
		return nil, &ParseError{Message: "invalid boolean " + strconv.Quote(string(line))}

	case KindBigNumber:
		if !isBigNumber(line) {
			return nil, &ParseError{Message: "invalid big number " + strconv.Quote(string(line))}
		}
		return &Reply{Kind: kind, Data: bytes.Clone(line)}, nil
	}

	return nil, &ParseError{Message: "unknown reply type " + strconv.QuoteRune(rune(typ))}
}

// Declared lengths come from the server: buffers are grown as the data
// arrives, never sized from the header alone beyond these limits.
const (
	maxPreallocElems = 1024
	blobChunk        = 64 * 1024
)

func readElems(r *bufio.Reader, n int, depth int) ([]*Reply, error) {
	elems := make([]*Reply, 0, min(n, maxPreallocElems))
	for range n {
		e, err := readReply(r, depth+1)
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
	}
	return elems, nil
}

// readFull reads n bytes, growing the buffer by blobChunk at most per read.
func readFull(r *bufio.Reader, n int) ([]byte, error) {
	data := make([]byte, 0, min(n, blobChunk))
	for len(data) < n {
		step := min(n-len(data), blobChunk)
		data = slices.Grow(data, step)
		if _, err := io.ReadFull(r, data[len(data):len(data)+step]); err != nil {
			if err == io.EOF && len(data) > 0 {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		data = data[:len(data)+step]
	}
	return data, nil
}

// readBlob reads the length-prefixed payload of bulk, blob error and verbatim replies.
func readBlob(r *bufio.Reader, kind Kind, line []byte) (*Reply, error) {
	n, null, err := parseLength(line, MaxBulkLength)
	if err != nil {
		return nil, err
	}
	if null {
		return &Reply{Kind: kind, Null: true}, nil
	}

	// data and CRLF are read together
	data, err := readFull(r, n+2)
	if err != nil {
		return nil, err
	}
	if !bytes.HasSuffix(data, crlfBytes) {
		return nil, &ParseError{Message: "invalid bulk terminator"}
	}
	data = data[:n]

	reply := &Reply{Kind: kind, Data: data}
	switch kind {
	case KindBlobError:
		reply.Error = newServerError(string(data))
	case KindVerbatim:
		if len(data) < 4 || data[3] != ':' {
			return nil, &ParseError{Message: "invalid verbatim string format"}
		}
		reply.Format = string(data[:3])
		reply.Data = data[4:]
	}
	return reply, nil
}

// readLine returns the next line without its CRLF terminator.
// The returned slice is only valid until the next read on r.
func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		// Line exceeds buffer: keep what we have and read the rest (allocates)
		head := bytes.Clone(line)
		var rest []byte
		rest, err = r.ReadBytes('\n')
		line = append(head, rest...)
	}
	if err != nil {
		return nil, err
	}

	if len(line) < 2 || line[len(line)-2] != '\r' {
		return nil, &ParseError{Message: "missing CRLF terminator"}
	}
	return line[:len(line)-2], nil
}

// parseLength parses an aggregate or bulk length. -1 denotes a null.
func parseLength(line []byte, max int64) (n int, null bool, err error) {
	v, ok := parseInt(line)
	if !ok {
		return 0, false, &ParseError{Message: "invalid length " + strconv.Quote(string(line))}
	}
	if v == -1 {
		return 0, true, nil
	}
	if v < 0 || v > max {
		return 0, false, &ParseError{Message: "length out of range " + strconv.FormatInt(v, 10)}
	}
	return int(v), false, nil
}

// parseInt parses a signed decimal int64 without allocating.
func parseInt(b []byte) (int64, bool) {
	if len(b) == 0 {
		return 0, false
	}

	neg := false
	switch b[0] {
	case '-':
		neg = true
		b = b[1:]
	case '+':
		b = b[1:]
	}
	if len(b) == 0 {
		return 0, false
	}

	var n uint64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		if n > (1<<63)/10 {
			return 0, false
		}
		n = n*10 + uint64(c-'0')
		if n > 1<<63 {
			return 0, false
		}
	}

	if neg {
		return -int64(n), true
	}
	if n > 1<<63-1 {
		return 0, false
	}
	return int64(n), true
}

func isBigNumber(b []byte) bool {
	if len(b) > 0 && (b[0] == '-' || b[0] == '+') {
		b = b[1:]
	}
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
