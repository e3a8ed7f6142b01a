package duplex

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second
const tick = 5 * time.Millisecond

// recorder implements every handler interface and keeps what it saw.
type recorder struct {
	mu       sync.Mutex
	received bytes.Buffer
	sent     bytes.Buffer
	reads    int
	opened   int
	closed   int
	errs     []error
}

var _ Handler = (*recorder)(nil)
var _ SentHandler = (*recorder)(nil)
var _ ErrorHandler = (*recorder)(nil)
var _ ConnStateHandler = (*recorder)(nil)

func (r *recorder) HandleMessage(ctx *Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	r.received.Write(ctx.Body())
	return nil
}

func (r *recorder) HandleSent(conn *Conn, buf []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent.Write(buf)
}

func (r *recorder) HandleError(conn *Conn, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) HandleConnState(conn *Conn, state ConnState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch state {
	case StateNew:
		r.opened++
	case StateClosed:
		r.closed++
	}
}

func (r *recorder) Received() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.received.Bytes()...)
}

func (r *recorder) Sent() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.sent.Bytes()...)
}

func (r *recorder) States() (opened, closed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opened, r.closed
}

func (r *recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func newRecordingServer(r *recorder) *Server {
	return &Server{Handler: r, SentHandler: r, ErrorHandler: r, ConnState: r}
}

func newRecordingClient(r *recorder) *Client {
	return &Client{Handler: r, SentHandler: r, ErrorHandler: r, ConnState: r}
}

// serve runs srv on an ephemeral loopback port and returns the port.
func serve(t testing.TB, srv *Server) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, ErrServerStopped) {
			t.Errorf("serve: %v", err)
		}
	}()

	t.Cleanup(func() { _ = ln.Close() })

	return ln.Addr().(*net.TCPAddr).Port
}

// freePort returns a port that was free a moment ago.
func freePort(t testing.TB) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}
