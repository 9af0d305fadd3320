package diagterm

import (
	"sync"

	"go.uber.org/atomic"
)

const (
	// readBufferSize is the chunk size of a session read.
	readBufferSize = 1024

	// maxLineSize bounds a single RX line. Longer lines are dropped rather
	// than buffered forever when a device streams without newlines.
	maxLineSize = 64 * 1024
)

// BufferPool manages reusable byte buffers for session reads.
type BufferPool struct {
	pool    sync.Pool
	size    int
	gets    atomic.Int64
	puts    atomic.Int64
	creates atomic.Int64
}

// NewBufferPool creates a buffer pool with fixed-size buffers
func NewBufferPool(bufferSize int) *BufferPool {
	bp := &BufferPool{size: bufferSize}
	bp.pool = sync.Pool{
		New: func() interface{} {
			bp.creates.Inc()
			b := make([]byte, bufferSize)
			return &b
		},
	}
	return bp
}

// Get retrieves a buffer from the pool
func (bp *BufferPool) Get() []byte {
	bp.gets.Inc()
	return *(bp.pool.Get().(*[]byte))
}

// Put returns a buffer to the pool (clears it first for security)
func (bp *BufferPool) Put(buf []byte) {
	if len(buf) != bp.size {
		return // Don't pool incorrectly sized buffers
	}
	bp.puts.Inc()
	clear(buf)
	bp.pool.Put(&buf)
}

// Stats returns pool usage statistics
func (bp *BufferPool) Stats() PoolStats {
	return PoolStats{
		Size:    bp.size,
		Gets:    bp.gets.Load(),
		Puts:    bp.puts.Load(),
		Creates: bp.creates.Load(),
	}
}

// PoolStats contains buffer pool usage statistics
type PoolStats struct {
	Size    int
	Gets    int64
	Puts    int64
	Creates int64
}

// HitRatio returns the cache hit ratio (0.0 to 1.0)
func (ps PoolStats) HitRatio() float64 {
	if ps.Gets == 0 {
		return 0.0
	}
	return 1.0 - (float64(ps.Creates) / float64(ps.Gets))
}

var readBufPool = NewBufferPool(readBufferSize)
