package duplex

import "sync"

// Context carries one chunk of received bytes. It is recycled once
// HandleMessage returns; Body itself is owned by the handler.
type Context struct {
	conn *Conn
	buf  []byte
}

func (c *Context) Conn() *Conn            { return c.conn }
func (c *Context) Body() []byte           { return c.buf }
func (c *Context) Reply(buf []byte) error { return c.conn.Send(buf) }

type ContextPool struct {
	sp sync.Pool
	m  *PoolMetrics
}

func (p *ContextPool) acquire(conn *Conn, buf []byte) *Context {
	v := p.sp.Get()
	if v == nil {
		v = &Context{}
		p.m.acquired(false)
	} else {
		p.m.acquired(true)
	}
	ctx := v.(*Context)
	ctx.conn = conn
	ctx.buf = buf
	return ctx
}

func (p *ContextPool) release(ctx *Context) {
	ctx.conn = nil
	ctx.buf = nil
	p.sp.Put(ctx)
	p.m.putBack()
}
