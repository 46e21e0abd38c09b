package gnats

import (
	"bytes"
	"io"
)

// DefaultPendingBufferSize bounds publishes buffered while reconnecting.
const DefaultPendingBufferSize = 8 * 1024 * 1024

// pendingBuffer holds PUB frames written while the client has no session.
// Frames are kept whole and replayed in FIFO order. A write that would
// exceed the limit is rejected, frames already accepted are never dropped.
type pendingBuffer struct {
	buf   bytes.Buffer
	limit int
}

func newPendingBuffer(limit int) *pendingBuffer {
	return &pendingBuffer{limit: limit}
}

func (p *pendingBuffer) write(frame []byte) error {
	if p.limit > 0 && p.buf.Len()+len(frame) > p.limit {
		return ErrPendingBufferFull
	}
	p.buf.Write(frame)
	return nil
}

// Len returns the number of buffered bytes.
func (p *pendingBuffer) Len() int {
	return p.buf.Len()
}

// drainTo writes every buffered frame to w and empties the buffer.
func (p *pendingBuffer) drainTo(w io.Writer) error {
	_, err := p.buf.WriteTo(w)
	p.buf.Reset()
	return err
}

func (p *pendingBuffer) reset() {
	p.buf.Reset()
}
