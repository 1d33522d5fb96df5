package netreactor

import (
	"bytes"
	"io"

	"golang.org/x/sys/unix"
)

const (
	// CheapPrepend is the space reserved in front of the readable region
	// for length headers written with Prepend.
	CheapPrepend = 8
	// InitialSize is the default writable capacity of a new Buffer.
	InitialSize = 1024

	extraBufferSize = 65536
)

var crlf = []byte("\r\n")

// Buffer is a growable byte buffer with separate read and write cursors.
//
//	+-------------------+------------------+------------------+
//	| prependable bytes |  readable bytes  |  writable bytes  |
//	|                   |     (CONTENT)    |                  |
//	+-------------------+------------------+------------------+
//	0      <=      readerIndex   <=   writerIndex    <=     cap
//
// A Buffer is not safe for concurrent use; connection buffers are only
// touched from the owning loop.
type Buffer struct {
	buf         []byte
	readerIndex int
	writerIndex int
	// extra is the ReadFd overflow area, allocated on first use.
	extra []byte
}

func NewBuffer(initialSize int) *Buffer {
	if initialSize <= 0 {
		initialSize = InitialSize
	}
	return &Buffer{
		buf:         make([]byte, CheapPrepend+initialSize),
		readerIndex: CheapPrepend,
		writerIndex: CheapPrepend,
	}
}

func (b *Buffer) ReadableBytes() int {
	return b.writerIndex - b.readerIndex
}

func (b *Buffer) WritableBytes() int {
	return len(b.buf) - b.writerIndex
}

func (b *Buffer) PrependableBytes() int {
	return b.readerIndex
}

// Cap returns the size of the backing storage.
func (b *Buffer) Cap() int {
	return len(b.buf)
}

// Peek returns the readable region without copying. The slice is only
// valid until the next mutation of the buffer.
func (b *Buffer) Peek() []byte {
	return b.buf[b.readerIndex:b.writerIndex]
}

// FindCRLF returns the offset of the first "\r\n" in the readable region,
// or -1.
func (b *Buffer) FindCRLF() int {
	return bytes.Index(b.Peek(), crlf)
}

// Retrieve consumes n readable bytes. Asking for more than is readable
// consumes everything; a negative count consumes nothing.
func (b *Buffer) Retrieve(n int) {
	if n <= 0 {
		return
	}
	if n < b.ReadableBytes() {
		b.readerIndex += n
	} else {
		b.RetrieveAll()
	}
}

func (b *Buffer) RetrieveAll() {
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend
}

func (b *Buffer) RetrieveAllAsString() string {
	return b.RetrieveAsString(b.ReadableBytes())
}

// RetrieveAsString copies up to n readable bytes out and consumes them.
func (b *Buffer) RetrieveAsString(n int) string {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}
	if n < 0 {
		n = 0
	}
	result := string(b.buf[b.readerIndex : b.readerIndex+n])
	b.Retrieve(n)
	return result
}

func (b *Buffer) Append(data []byte) {
	b.EnsureWritableBytes(len(data))
	copy(b.buf[b.writerIndex:], data)
	b.writerIndex += len(data)
}

func (b *Buffer) AppendString(data string) {
	b.EnsureWritableBytes(len(data))
	copy(b.buf[b.writerIndex:], data)
	b.writerIndex += len(data)
}

// Prepend writes data right in front of the readable region. It panics if
// there is not enough prependable space, like an out of range slice write.
func (b *Buffer) Prepend(data []byte) {
	if len(data) > b.PrependableBytes() {
		panic("netreactor: prepend exceeds prependable bytes")
	}
	b.readerIndex -= len(data)
	copy(b.buf[b.readerIndex:], data)
}

func (b *Buffer) EnsureWritableBytes(n int) {
	if b.WritableBytes() < n {
		b.makeSpace(n)
	}
}

func (b *Buffer) beginWrite() []byte {
	return b.buf[b.writerIndex:]
}

func (b *Buffer) hasWritten(n int) {
	b.writerIndex += n
}

func (b *Buffer) makeSpace(n int) {
	if b.WritableBytes()+b.PrependableBytes() < n+CheapPrepend {
		grown := make([]byte, b.writerIndex+n)
		copy(grown, b.buf[:b.writerIndex])
		b.buf = grown
		return
	}
	readable := b.ReadableBytes()
	copy(b.buf[CheapPrepend:], b.buf[b.readerIndex:b.writerIndex])
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend + readable
}

// ReadFd reads whatever the descriptor has available. Data that does not
// fit the writable region lands in a 64KiB side buffer first and is then
// appended, so a single readv(2) drains most sockets.
//
// Would-block is reported as (0, nil) and an orderly shutdown by the peer
// as (0, io.EOF). Any other failure returns the errno.
func (b *Buffer) ReadFd(fd int) (int, error) {
	if b.extra == nil {
		b.extra = make([]byte, extraBufferSize)
	}
	return b.readFd(fd, b.extra)
}

// readFd is ReadFd with a caller-owned overflow area, so a loop can share
// one across all its connections.
func (b *Buffer) readFd(fd int, extra []byte) (int, error) {
	writable := b.WritableBytes()
	iovs := [][]byte{b.beginWrite()}
	if writable < len(extra) {
		iovs = append(iovs, extra)
	}
	n, err := unix.Readv(fd, iovs)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return 0, nil
	case err != nil:
		return 0, err
	case n == 0:
		return 0, io.EOF
	case n <= writable:
		b.hasWritten(n)
	default:
		b.writerIndex = len(b.buf)
		b.Append(extra[:n-writable])
	}
	return n, nil
}

// WriteFd writes as much of the readable region as the descriptor accepts
// and consumes what was written. Would-block is reported as (0, nil).
func (b *Buffer) WriteFd(fd int) (int, error) {
	if b.ReadableBytes() == 0 {
		return 0, nil
	}
	n, err := unix.Write(fd, b.Peek())
	if err == unix.EAGAIN || err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	b.Retrieve(n)
	return n, nil
}

// WriteTo drains the buffer into w. It makes Buffer an io.WriterTo.
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(b.Peek())
	b.Retrieve(n)
	return int64(n), err
}
