package resp

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"sync"
)

// Buffer pool for framing commands on non-buffered writers
var bufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 256))
	},
}

// maxPooledBuffer keeps huge one-off payloads out of the pool.
const maxPooledBuffer = 64 * 1024

func getBuffer() *bytes.Buffer {
	return bufferPool.Get().(*bytes.Buffer)
}

func putBuffer(buf *bytes.Buffer) {
	if buf.Cap() > maxPooledBuffer {
		return
	}
	buf.Reset()
	bufferPool.Put(buf)
}

// WriteCommand frames a command as a RESP array of bulk strings and writes it to w.
// Format: *<n>\r\n$<len>\r\n<name>\r\n($<len>\r\n<arg>\r\n)*
//
// With a *bufio.Writer the frame is only buffered: flushing is left to the
// caller, so several commands can be pipelined in a single write.
// Other writers receive the whole frame in a single Write call.
func WriteCommand(w io.Writer, name string, args ...Rawable) error {
	if bw, ok := w.(*bufio.Writer); ok {
		return writeCommandBuffered(bw, name, args)
	}

	buf := getBuffer()
	defer putBuffer(buf)

	buf.Write(AppendCommand(buf.AvailableBuffer(), name, args...))
	_, err := w.Write(buf.Bytes())
	return err
}

func writeCommandBuffered(bw *bufio.Writer, name string, args []Rawable) error {
	var scratch [24]byte

	bw.WriteByte(byte(KindArray))
	bw.Write(strconv.AppendInt(scratch[:0], int64(len(args)+1), 10))
	bw.WriteString(CRLF)

	bw.WriteByte(byte(KindBulk))
	bw.Write(strconv.AppendInt(scratch[:0], int64(len(name)), 10))
	bw.WriteString(CRLF)
	bw.WriteString(name)
	bw.WriteString(CRLF)

	for _, arg := range args {
		data := arg.Raw()
		bw.WriteByte(byte(KindBulk))
		bw.Write(strconv.AppendInt(scratch[:0], int64(len(data)), 10))
		bw.WriteString(CRLF)
		bw.Write(data)
		if _, err := bw.WriteString(CRLF); err != nil {
			return err
		}
	}

	// bufio.Writer errors are sticky: the last write reports any earlier failure
	_, err := bw.WriteString("")
	return err
}

// AppendCommand appends the framed command to dst and returns the extended slice.
func AppendCommand(dst []byte, name string, args ...Rawable) []byte {
	dst = append(dst, byte(KindArray))
	dst = strconv.AppendInt(dst, int64(len(args)+1), 10)
	dst = append(dst, CRLF...)

	dst = appendBulk(dst, []byte(name))
	for _, arg := range args {
		dst = appendBulk(dst, arg.Raw())
	}
	return dst
}

func appendBulk(dst []byte, data []byte) []byte {
	dst = append(dst, byte(KindBulk))
	dst = strconv.AppendInt(dst, int64(len(data)), 10)
	dst = append(dst, CRLF...)
	dst = append(dst, data...)
	return append(dst, CRLF...)
}
