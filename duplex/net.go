package duplex

import (
	"errors"
	"math"
	"net"
	"strconv"
	"strings"
)

var (
	ErrInvalidPort   = errors.New("port is not specified or out of range")
	ErrConnClosed    = errors.New("connection is closed")
	ErrNotConnected  = errors.New("client is not connected")
	ErrServerStopped = errors.New("server is stopped")
)

type ConnState int

const (
	StateNew ConnState = iota
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ConnStateHandler is notified once with StateNew when a conn is established
// and once with StateClosed when it is gone.
type ConnStateHandler interface {
	HandleConnState(conn *Conn, state ConnState)
}

type ConnStateHandlerFunc func(conn *Conn, state ConnState)

func (fn ConnStateHandlerFunc) HandleConnState(conn *Conn, state ConnState) { fn(conn, state) }

var DefaultConnStateHandler ConnStateHandlerFunc = func(conn *Conn, state ConnState) {}

// Handler receives every chunk of bytes read from a conn. Returning an error
// closes the conn.
type Handler interface {
	HandleMessage(ctx *Context) error
}

type HandlerFunc func(ctx *Context) error

func (fn HandlerFunc) HandleMessage(ctx *Context) error { return fn(ctx) }

var DefaultHandler HandlerFunc = func(ctx *Context) error { return nil }

// SentHandler is called after buf was fully written to the socket. buf is
// only valid for the duration of the call.
type SentHandler interface {
	HandleSent(conn *Conn, buf []byte)
}

type SentHandlerFunc func(conn *Conn, buf []byte)

func (fn SentHandlerFunc) HandleSent(conn *Conn, buf []byte) { fn(conn, buf) }

var DefaultSentHandler SentHandlerFunc = func(conn *Conn, buf []byte) {}

// ErrorHandler receives faults. conn is nil for faults that happen before a
// conn exists, such as a failed dial.
type ErrorHandler interface {
	HandleError(conn *Conn, err error)
}

type ErrorHandlerFunc func(conn *Conn, err error)

func (fn ErrorHandlerFunc) HandleError(conn *Conn, err error) { fn(conn, err) }

var DefaultErrorHandler ErrorHandlerFunc = func(conn *Conn, err error) {}

type BindFunc func() (net.Listener, error)

func BindTCPAnyPort() BindFunc {
	return func() (net.Listener, error) { return net.Listen("tcp", ":0") }
}

func BindTCP(addr string) BindFunc {
	return func() (net.Listener, error) { return net.Listen("tcp", addr) }
}

func BindTCPv4(addr string) BindFunc {
	return func() (net.Listener, error) { return net.Listen("tcp4", addr) }
}

func BindTCPv6(addr string) BindFunc {
	return func() (net.Listener, error) { return net.Listen("tcp6", addr) }
}

func HostAddr(host net.IP, port uint16) string {
	h := ""
	if len(host) > 0 {
		h = host.String()
	}
	p := strconv.FormatUint(uint64(port), 10)
	return net.JoinHostPort(h, p)
}

func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(strings.TrimSpace(host), strconv.Itoa(port))
}

func ValidPort(port int) bool {
	return port > 0 && port <= math.MaxUint16
}
