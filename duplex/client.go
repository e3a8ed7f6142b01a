package duplex

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Client owns at most one conn to a remote server at a time. It never
// retries or reconnects on its own.
type Client struct {
	Handler      Handler
	SentHandler  SentHandler
	ErrorHandler ErrorHandler
	ConnState    ConnStateHandler

	ReadBufferSize int
	WriteTimeout   time.Duration
	DialTimeout    time.Duration // zero leaves the platform default

	mu   sync.Mutex
	addr string
	conn *Conn
	wg   sync.WaitGroup
}

// Connect closes any existing conn and dials host:port. Failures are both
// returned and reported to the ErrorHandler with a nil conn.
func (c *Client) Connect(ctx context.Context, host string, port int) error {
	if !ValidPort(port) {
		err := fmt.Errorf("%w: %d", ErrInvalidPort, port)
		c.errorHandler().HandleError(nil, err)
		return err
	}

	addr := JoinHostPort(host, port)

	c.Disconnect()

	d := net.Dialer{Timeout: c.DialTimeout}

	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		err = fmt.Errorf("failed to connect to '%s': %w", addr, err)
		c.errorHandler().HandleError(nil, err)
		return err
	}

	conn := attach(nc, endpoint{
		handler:        c.Handler,
		sentHandler:    c.SentHandler,
		errorHandler:   c.ErrorHandler,
		connState:      c.ConnState,
		readBufferSize: c.ReadBufferSize,
		writeTimeout:   c.WriteTimeout,
		onClose:        c.release,
	})

	c.mu.Lock()
	prev := c.conn
	c.addr = addr
	c.conn = conn
	c.wg.Add(1)
	c.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}

	go func() {
		defer c.wg.Done()
		conn.serve()
	}()

	return nil
}

// Disconnect closes the current conn, if any. The StateClosed notification
// is delivered asynchronously.
func (c *Client) Disconnect() {
	if conn := c.Conn(); conn != nil {
		_ = conn.Close()
	}
}

// Shutdown disconnects and waits until every conn this client created has
// been torn down. It must not be called from inside a handler.
func (c *Client) Shutdown() {
	c.Disconnect()
	c.wg.Wait()
}

func (c *Client) Send(buf []byte) error {
	conn := c.Conn()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(buf)
}

func (c *Client) SendNoWait(buf []byte) error {
	conn := c.Conn()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.SendNoWait(buf)
}

func (c *Client) Conn() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Addr is the address of the last connect attempt that succeeded.
func (c *Client) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

func (c *Client) release(conn *Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) errorHandler() ErrorHandler {
	if c.ErrorHandler == nil {
		return DefaultErrorHandler
	}
	return c.ErrorHandler
}
