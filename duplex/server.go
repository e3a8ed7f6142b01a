package duplex

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

// Server accepts any number of concurrent conns on one or more listeners.
// The zero value is ready to use.
type Server struct {
	Handler      Handler
	SentHandler  SentHandler
	ErrorHandler ErrorHandler
	ConnState    ConnStateHandler

	ReadBufferSize int
	WriteTimeout   time.Duration

	// BindAddrs are extra listeners opened by Start next to the port.
	BindAddrs []BindFunc

	mu    sync.Mutex
	wg    sync.WaitGroup
	lns   map[net.Listener]struct{}
	conns map[*Conn]struct{}
	done  bool
	err   error
}

// Start listens on port on all interfaces, plus every BindAddrs entry, and
// serves in the background. A server that is already listening is stopped
// first.
func (s *Server) Start(port int) error {
	if !ValidPort(port) {
		err := fmt.Errorf("%w: %d", ErrInvalidPort, port)
		s.setErr(err)
		return err
	}

	s.Stop()

	binds := append([]BindFunc{BindTCP(JoinHostPort("", port))}, s.BindAddrs...)

	lns := make([]net.Listener, 0, len(binds))
	for _, fn := range binds {
		ln, err := fn()
		if err != nil {
			for _, ln := range lns {
				_ = ln.Close()
			}
			err = fmt.Errorf("failed to listen on port %d: %w", port, err)
			s.setErr(err)
			return err
		}
		lns = append(lns, ln)
	}

	s.mu.Lock()
	s.done = false
	for _, ln := range lns {
		s.track(ln)
	}
	s.wg.Add(len(lns))
	s.mu.Unlock()

	for _, ln := range lns {
		log.Printf("Listening for connections on '%s'.", ln.Addr().String())

		go func(ln net.Listener) {
			defer s.wg.Done()
			if err := s.Serve(ln); err != nil {
				_ = ln.Close()
			}
		}(ln)
	}

	return nil
}

// Serve accepts conns from ln until the server is stopped, in which case it
// returns nil. Temporary accept errors are retried with backoff; any other
// accept error is recorded and returned. Serving on a server that was
// stopped closes ln and returns ErrServerStopped; Start brings it back.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerStopped
	}
	s.track(ln)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.lns, ln)
		s.mu.Unlock()
	}()

	b := &backoff.Backoff{
		Factor: 2,
		Jitter: true,
		Min:    5 * time.Millisecond,
		Max:    1 * time.Second,
	}

	for {
		nc, err := ln.Accept()
		if err != nil {
			if !s.serving(ln) {
				return nil
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() { //nolint:staticcheck
				duration := b.Duration()
				log.Printf("Failed to accept a connection: %s. Retrying in %s.", err, duration)
				time.Sleep(duration)
				continue
			}

			err = fmt.Errorf("failed to accept a connection: %w", err)
			s.setErr(err)
			return err
		}

		b.Reset()

		conn := s.newConn(nc)

		if !s.add(conn) {
			_ = nc.Close()
			return nil
		}

		go func() {
			defer s.wg.Done()
			conn.serve()
		}()
	}
}

// Stop closes every listener and conn, then waits until every conn has been
// torn down. It must not be called from inside a handler.
func (s *Server) Stop() {
	s.mu.Lock()
	s.done = true
	lns := s.lns
	s.lns = nil
	conns := make([]*Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for ln := range lns {
		_ = ln.Close()
	}
	for _, conn := range conns {
		_ = conn.Close()
	}

	s.wg.Wait()
}

// Send queues buf on conn without waiting for completion.
func (s *Server) Send(buf []byte, conn *Conn) error {
	if conn == nil {
		return ErrConnClosed
	}
	return conn.SendNoWait(buf)
}

// RemoveByAddr closes and removes every conn whose remote address is addr.
func (s *Server) RemoveByAddr(addr string) int {
	addr = strings.TrimSpace(addr)

	s.mu.Lock()
	var matches []*Conn
	for conn := range s.conns {
		if conn.RemoteAddr() == addr {
			matches = append(matches, conn)
			delete(s.conns, conn)
		}
	}
	s.mu.Unlock()

	for _, conn := range matches {
		_ = conn.Close()
	}

	return len(matches)
}

func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := make([]*Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	return conns
}

// Addrs returns the address of every open listener.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs := make([]net.Addr, 0, len(s.lns))
	for ln := range s.lns {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Addr returns the address of one of the listeners, or nil when none is
// open.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ln := range s.lns {
		return ln.Addr()
	}
	return nil
}

// Err returns the last bind or accept fault.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Server) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()

	if s.ErrorHandler != nil {
		s.ErrorHandler.HandleError(nil, err)
	}
}

func (s *Server) track(ln net.Listener) {
	if s.lns == nil {
		s.lns = make(map[net.Listener]struct{})
	}
	s.lns[ln] = struct{}{}
}

func (s *Server) serving(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.lns[ln]
	return exists && !s.done
}

func (s *Server) add(conn *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return false
	}
	if s.conns == nil {
		s.conns = make(map[*Conn]struct{})
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)

	return true
}

func (s *Server) remove(conn *Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) newConn(nc net.Conn) *Conn {
	return attach(nc, endpoint{
		handler:        s.Handler,
		sentHandler:    s.SentHandler,
		errorHandler:   s.ErrorHandler,
		connState:      s.ConnState,
		readBufferSize: s.ReadBufferSize,
		writeTimeout:   s.WriteTimeout,
		onClose:        s.remove,
	})
}
