package gnats

import (
	"sync"
)

// Buffer pool for building outbound frames in hot paths.
var frameBufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 512)
		return &b
	},
}

// getFrameBuffer returns a pooled, empty frame buffer.
func getFrameBuffer() *[]byte {
	b := frameBufferPool.Get().(*[]byte)
	*b = (*b)[:0]
	return b
}

// putFrameBuffer returns a frame buffer to the pool.
func putFrameBuffer(b *[]byte) {
	if b == nil {
		return
	}
	// Only pool if capacity is reasonable (64KB)
	if cap(*b) <= 65536 {
		*b = (*b)[:0]
		frameBufferPool.Put(b)
	}
}
