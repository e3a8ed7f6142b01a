package demo

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"

	"github.com/TheSmallBoat/tcpduplex/config"
	"github.com/TheSmallBoat/tcpduplex/duplex"
	"github.com/TheSmallBoat/tcpduplex/framing"
)

var ErrUnknownCommand = errors.New("unknown command")

// ServerApp is the console front end of a duplex.Server: it logs every event
// and lets the operator list, kick and message connected clients.
type ServerApp struct {
	cfg config.ServerConfig
	log *log.Logger
	out io.Writer

	srv   *duplex.Server
	lines *framing.LineHandler
}

func NewServerApp(cfg config.ServerConfig, logger *log.Logger, out io.Writer) *ServerApp {
	a := &ServerApp{cfg: cfg, log: logger, out: out}

	a.lines = framing.Lines(func(ctx *duplex.Context, line []byte) error {
		a.log.Printf("Message from [%s]: %s", ctx.Conn().RemoteAddr(), line)
		return nil
	})
	a.lines.Next = duplex.ConnStateHandlerFunc(a.handleConnState)

	a.srv = &duplex.Server{
		Handler:        duplex.HandlerFunc(a.handleMessage),
		SentHandler:    duplex.SentHandlerFunc(a.handleSent),
		ErrorHandler:   duplex.ErrorHandlerFunc(a.handleError),
		ConnState:      a.lines,
		ReadBufferSize: cfg.ReadBufferSize,
		WriteTimeout:   cfg.WriteTimeout.Duration,
	}

	return a
}

func (a *ServerApp) Server() *duplex.Server { return a.srv }

func (a *ServerApp) Start() error { return a.srv.Start(a.cfg.Port) }

func (a *ServerApp) Stop() { a.srv.Stop() }

// Run executes console commands read from in until "quit" or end of input.
func (a *ServerApp) Run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		quit, err := a.Exec(scanner.Text())
		if err != nil {
			fmt.Fprintf(a.out, "error: %s\n", err)
		}
		if quit {
			return nil
		}
	}
	return scanner.Err()
}

// Exec runs one console command. It reports whether the console should quit.
func (a *ServerApp) Exec(cmdline string) (bool, error) {
	name, args := splitCommand(cmdline)

	switch name {
	case "":
		return false, nil
	case "quit", "exit":
		return true, nil
	case "list":
		conns := a.srv.Conns()
		sort.Slice(conns, func(i, j int) bool { return conns[i].RemoteAddr() < conns[j].RemoteAddr() })
		for _, conn := range conns {
			fmt.Fprintf(a.out, "%s %s\n", conn.RemoteAddr(), conn.ID)
		}
		fmt.Fprintf(a.out, "%d client(s) connected\n", len(conns))
		return false, nil
	case "kick":
		if args == "" {
			return false, fmt.Errorf("usage: kick <addr>")
		}
		n := a.srv.RemoveByAddr(args)
		fmt.Fprintf(a.out, "%d client(s) removed\n", n)
		return false, nil
	case "send":
		addr, text := splitCommand(args)
		if addr == "" {
			return false, fmt.Errorf("usage: send <addr> <text>")
		}
		n := 0
		for _, conn := range a.srv.Conns() {
			if conn.RemoteAddr() != addr {
				continue
			}
			if err := a.srv.Send([]byte(text+"\n"), conn); err != nil {
				return false, fmt.Errorf("failed to send to [%s]: %w", addr, err)
			}
			n++
		}
		if n == 0 {
			return false, fmt.Errorf("no client connected from [%s]", addr)
		}
		return false, nil
	case "all":
		for _, conn := range a.srv.Conns() {
			_ = a.srv.Send([]byte(args+"\n"), conn)
		}
		return false, nil
	}

	return false, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
}

func (a *ServerApp) handleMessage(ctx *duplex.Context) error {
	if a.cfg.Echo {
		if err := ctx.Reply(ctx.Body()); err != nil {
			return err
		}
	}
	return a.lines.HandleMessage(ctx)
}

func (a *ServerApp) handleConnState(conn *duplex.Conn, state duplex.ConnState) {
	switch state {
	case duplex.StateNew:
		a.log.Printf("Client [%s] connected.", conn.RemoteAddr())
	case duplex.StateClosed:
		a.log.Printf("Client [%s] disconnected.", conn.RemoteAddr())
	}
}

func (a *ServerApp) handleSent(conn *duplex.Conn, buf []byte) {
	a.log.Printf("[%s] => sent to [%s]", strings.TrimRight(string(buf), "\r\n"), conn.RemoteAddr())
}

func (a *ServerApp) handleError(conn *duplex.Conn, err error) {
	if conn == nil {
		a.log.Printf("Server error: %s", err)
		return
	}
	a.log.Printf("Client [%s] error: %s", conn.RemoteAddr(), err)
}

func splitCommand(s string) (string, string) {
	s = strings.TrimSpace(s)
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i+1:])
}
