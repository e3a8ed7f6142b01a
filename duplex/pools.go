package duplex

import (
	"fmt"
	"sync"
)

// DefaultReadBufferSize is the receive buffer of every conn unless
// overridden.
const DefaultReadBufferSize = 1024 * 1024

var contextPool = &ContextPool{sp: sync.Pool{}, m: newPoolMetrics()}
var pendingWritePool = &PendingWritePool{sp: sync.Pool{}, m: newPoolMetrics()}
var readBufferPool = &ReadBufferPool{sp: sync.Pool{}, m: newPoolMetrics()}

func StartPoolMetrics() {
	contextPool.m.start()
	pendingWritePool.m.start()
	readBufferPool.m.start()
}

func ReleasePoolMetrics() {
	contextPool.m.release()
	pendingWritePool.m.release()
	readBufferPool.m.release()
}

// JsonStringPoolMetrics reports every pool as
// [new, reuse, putback, new total, reuse total, putback total].
func JsonStringPoolMetrics() string {
	return fmt.Sprintf("{\"contextPool\":%s,\"pendingWritePool\":%s,\"readBufferPool\":%s}",
		contextPool.m.metricsString(),
		pendingWritePool.m.metricsString(),
		readBufferPool.m.metricsString(),
	)
}

// ReadBufferPool recycles receive buffers of DefaultReadBufferSize bytes
// between conns. Buffers of any other size bypass the pool.
type ReadBufferPool struct {
	sp sync.Pool
	m  *PoolMetrics
}

func (p *ReadBufferPool) acquire(size int) []byte {
	if size != DefaultReadBufferSize {
		return make([]byte, size)
	}
	v := p.sp.Get()
	if v == nil {
		p.m.acquired(false)
		return make([]byte, DefaultReadBufferSize)
	}
	p.m.acquired(true)
	return *(v.(*[]byte))
}

func (p *ReadBufferPool) release(buf []byte) {
	if cap(buf) != DefaultReadBufferSize {
		return
	}
	buf = buf[:DefaultReadBufferSize]
	p.sp.Put(&buf)
	p.m.putBack()
}
