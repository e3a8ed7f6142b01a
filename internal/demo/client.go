package demo

import (
	"bufio"
	"context"
	"io"
	"log"
	"strings"

	"github.com/TheSmallBoat/tcpduplex/config"
	"github.com/TheSmallBoat/tcpduplex/duplex"
	"github.com/TheSmallBoat/tcpduplex/framing"
)

// ClientApp sends every console line to the server and logs what comes
// back, one line at a time.
type ClientApp struct {
	cfg config.ClientConfig
	log *log.Logger

	client *duplex.Client
	lines  *framing.LineHandler
}

func NewClientApp(cfg config.ClientConfig, logger *log.Logger) *ClientApp {
	a := &ClientApp{cfg: cfg, log: logger}

	a.lines = framing.Lines(func(ctx *duplex.Context, line []byte) error {
		a.log.Printf("Message from server: %s", line)
		return nil
	})
	a.lines.Next = duplex.ConnStateHandlerFunc(a.handleConnState)

	a.client = &duplex.Client{
		Handler: a.lines,
		SentHandler: duplex.SentHandlerFunc(func(conn *duplex.Conn, buf []byte) {
			a.log.Printf("[%s] => sent", strings.TrimRight(string(buf), "\r\n"))
		}),
		ErrorHandler: duplex.ErrorHandlerFunc(func(conn *duplex.Conn, err error) {
			a.log.Printf("Error: %s", err)
		}),
		ConnState:      a.lines,
		ReadBufferSize: cfg.ReadBufferSize,
		WriteTimeout:   cfg.WriteTimeout.Duration,
		DialTimeout:    cfg.DialTimeout.Duration,
	}

	return a
}

func (a *ClientApp) Client() *duplex.Client { return a.client }

func (a *ClientApp) Connect(ctx context.Context) error {
	return a.client.Connect(ctx, a.cfg.Host, a.cfg.Port)
}

func (a *ClientApp) Shutdown() { a.client.Shutdown() }

// Run sends the lines of in until "quit", end of input or a failed send.
func (a *ClientApp) Run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "quit" {
			a.client.Disconnect()
			return nil
		}
		if err := a.client.Send([]byte(line + "\n")); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (a *ClientApp) handleConnState(conn *duplex.Conn, state duplex.ConnState) {
	switch state {
	case duplex.StateNew:
		a.log.Printf("Connected to [%s].", conn.RemoteAddr())
	case duplex.StateClosed:
		a.log.Printf("Disconnected from [%s].", conn.RemoteAddr())
	}
}
