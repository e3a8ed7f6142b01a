package duplex

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"github.com/valyala/bytebufferpool"
)

// Conn is one live duplex byte stream to a peer. It runs a single read loop,
// so at most one read is pending at a time, and a single writer draining a
// FIFO of pending writes.
type Conn struct {
	ID uuid.UUID

	handler      Handler
	sentHandler  SentHandler
	errorHandler ErrorHandler
	connState    ConnStateHandler

	readBufferSize int
	writeTimeout   time.Duration

	conn       net.Conn
	remoteAddr string
	localAddr  string

	mu   sync.Mutex
	once sync.Once

	writerQueue *queue.Queue
	writerCond  sync.Cond
	writerDone  bool

	err      error
	userData interface{}

	onClose func(conn *Conn)
	done    chan struct{}
}

func newConn(conn net.Conn) *Conn {
	c := &Conn{
		ID:          uuid.New(),
		conn:        conn,
		writerQueue: queue.New(),
		done:        make(chan struct{}),
	}
	if addr := conn.RemoteAddr(); addr != nil {
		c.remoteAddr = addr.String()
	}
	if addr := conn.LocalAddr(); addr != nil {
		c.localAddr = addr.String()
	}
	c.writerCond.L = &c.mu
	return c
}

// endpoint is what a Server or Client hands down to the conns it creates.
type endpoint struct {
	handler      Handler
	sentHandler  SentHandler
	errorHandler ErrorHandler
	connState    ConnStateHandler

	readBufferSize int
	writeTimeout   time.Duration

	onClose func(conn *Conn)
}

func attach(nc net.Conn, e endpoint) *Conn {
	c := newConn(nc)

	c.handler = e.handler
	if c.handler == nil {
		c.handler = DefaultHandler
	}
	c.sentHandler = e.sentHandler
	if c.sentHandler == nil {
		c.sentHandler = DefaultSentHandler
	}
	c.errorHandler = e.errorHandler
	if c.errorHandler == nil {
		c.errorHandler = DefaultErrorHandler
	}
	c.connState = e.connState
	if c.connState == nil {
		c.connState = DefaultConnStateHandler
	}

	c.readBufferSize = e.readBufferSize
	c.writeTimeout = e.writeTimeout
	c.onClose = e.onClose

	return c
}

func (c *Conn) RemoteAddr() string { return c.remoteAddr }
func (c *Conn) LocalAddr() string  { return c.localAddr }

// Done is closed after the StateClosed notification of this conn returned.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) IsOpen() bool { return !c.closing() }

// Err returns the last fault observed on this conn. A peer closing its end
// is not a fault.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) UserData() interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userData
}

func (c *Conn) SetUserData(data interface{}) {
	c.mu.Lock()
	c.userData = data
	c.mu.Unlock()
}

// Send queues buf and blocks until it has been written to the socket. It must
// not be called from a SentHandler; use SendNoWait there.
func (c *Conn) Send(buf []byte) error { return c.send(buf, true) }

// SendNoWait queues buf and returns immediately. Completion is reported
// through the SentHandler, faults through the ErrorHandler.
func (c *Conn) SendNoWait(buf []byte) error { return c.send(buf, false) }

func (c *Conn) send(buf []byte, wait bool) error {
	b := bytebufferpool.Get()
	_, _ = b.Write(buf)

	pw := pendingWritePool.acquire(b, wait)

	c.mu.Lock()
	if c.writerDone {
		c.mu.Unlock()
		pendingWritePool.release(pw)
		return ErrConnClosed
	}
	if wait {
		pw.wg.Add(1)
	}
	c.writerQueue.Add(pw)
	c.mu.Unlock()

	c.writerCond.Signal()

	if !wait {
		return nil
	}

	pw.wg.Wait()
	err := pw.err
	pendingWritePool.release(pw)

	return err
}

// Close shuts the socket, which faults out the pending read. Writes still
// queued fail with ErrConnClosed. Close may be called any number of times;
// the StateClosed notification fires once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.writerDone = true
		c.mu.Unlock()

		c.writerCond.Broadcast()

		err = c.conn.Close()
	})
	return err
}

func (c *Conn) closing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writerDone
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()

	c.errorHandler.HandleError(c, err)
}

func (c *Conn) serve() {
	defer close(c.done)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	c.connState.HandleConnState(c, StateNew)

	if err := c.readLoop(); err != nil {
		c.fail(err)
	}

	_ = c.Close()
	wg.Wait()

	if c.onClose != nil {
		c.onClose(c)
	}

	c.connState.HandleConnState(c, StateClosed)
}

func (c *Conn) readLoop() error {
	size := c.readBufferSize
	if size <= 0 {
		size = DefaultReadBufferSize
	}

	buf := readBufferPool.acquire(size)
	defer readBufferPool.release(buf)

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			body := make([]byte, n)
			copy(body, buf[:n])

			ctx := contextPool.acquire(c, body)
			herr := c.handler.HandleMessage(ctx)
			contextPool.release(ctx)

			if herr != nil {
				return herr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || c.closing() {
				return nil
			}
			return err
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		c.mu.Lock()
		for !c.writerDone && c.writerQueue.Length() == 0 {
			c.writerCond.Wait()
		}

		if c.writerDone {
			for c.writerQueue.Length() > 0 {
				c.complete(c.writerQueue.Remove().(*pendingWrite), ErrConnClosed)
			}
			c.mu.Unlock()
			return
		}

		pw := c.writerQueue.Remove().(*pendingWrite)
		c.mu.Unlock()

		err := c.write(pw.buf.B)
		if err == nil {
			c.sentHandler.HandleSent(c, pw.buf.B)
		}
		c.complete(pw, err)

		if err != nil {
			if !c.closing() {
				c.fail(err)
			}
			_ = c.Close()
		}
	}
}

func (c *Conn) write(buf []byte) error {
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := c.conn.Write(buf)
	return err
}

func (c *Conn) complete(pw *pendingWrite, err error) {
	if !pw.wait {
		pendingWritePool.release(pw)
		return
	}
	pw.err = err
	pw.wg.Done()
}
