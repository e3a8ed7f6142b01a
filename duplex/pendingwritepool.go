package duplex

import (
	"sync"

	"github.com/valyala/bytebufferpool"
)

type pendingWrite struct {
	buf  *bytebufferpool.ByteBuffer // payload
	wait bool                       // signal to caller if they're waiting
	err  error                      // keeps track of any socket errors on write
	wg   sync.WaitGroup             // signals the caller that this write is complete
}

type PendingWritePool struct {
	sp sync.Pool
	m  *PoolMetrics
}

func (p *PendingWritePool) acquire(buf *bytebufferpool.ByteBuffer, wait bool) *pendingWrite {
	v := p.sp.Get()
	if v == nil {
		v = &pendingWrite{}
		p.m.acquired(false)
	} else {
		p.m.acquired(true)
	}

	pw := v.(*pendingWrite)
	pw.buf = buf
	pw.wait = wait
	return pw
}

// release hands the payload back to bytebufferpool as well.
func (p *PendingWritePool) release(pw *pendingWrite) {
	if pw.buf != nil {
		bytebufferpool.Put(pw.buf)
	}
	pw.buf = nil
	pw.err = nil
	pw.wait = false
	p.sp.Put(pw)
	p.m.putBack()
}
