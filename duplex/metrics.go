package duplex

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var DefaultTickerDuration = 1 * time.Second

// na + nr equal the total number of acquires
// na + nr - np equal the number still in use.
type PoolMetrics struct {
	na uint32 // number of new acquires
	nr uint32 // number of reuse from pool
	np uint32 // number of put back to pool

	naa uint64 // accumulative
	nra uint64 // accumulative
	npa uint64 // accumulative

	mu   sync.Mutex
	done chan struct{}
	wg   sync.WaitGroup
}

func newPoolMetrics() *PoolMetrics {
	return &PoolMetrics{}
}

func (p *PoolMetrics) acquired(reused bool) {
	if reused {
		atomic.AddUint32(&p.nr, 1)
	} else {
		atomic.AddUint32(&p.na, 1)
	}
}

func (p *PoolMetrics) putBack() { atomic.AddUint32(&p.np, 1) }

func (p *PoolMetrics) setMetrics() {
	atomic.AddUint64(&p.naa, uint64(atomic.SwapUint32(&p.na, 0)))
	atomic.AddUint64(&p.nra, uint64(atomic.SwapUint32(&p.nr, 0)))
	atomic.AddUint64(&p.npa, uint64(atomic.SwapUint32(&p.np, 0)))
}

func (p *PoolMetrics) start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done != nil {
		return
	}
	p.done = make(chan struct{})

	ticker := time.NewTicker(DefaultTickerDuration)

	p.wg.Add(1)
	go func(done chan struct{}) {
		defer p.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.setMetrics()
			case <-done:
				p.setMetrics()
				return
			}
		}
	}(p.done)
}

func (p *PoolMetrics) release() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done == nil {
		return
	}
	close(p.done)
	p.done = nil
	p.wg.Wait()
}

// Current returns the counters since the last tick and the accumulated totals.
func (p *PoolMetrics) Current() (na, nr, np uint32, naa, nra, npa uint64) {
	return atomic.LoadUint32(&p.na), atomic.LoadUint32(&p.nr), atomic.LoadUint32(&p.np),
		atomic.LoadUint64(&p.naa), atomic.LoadUint64(&p.nra), atomic.LoadUint64(&p.npa)
}

func (p *PoolMetrics) metricsString() string {
	na, nr, np, naa, nra, npa := p.Current()
	return fmt.Sprintf("[%d,%d,%d,%d,%d,%d]", na, nr, np, naa, nra, npa)
}
