package framing

import (
	"sync"

	"github.com/TheSmallBoat/tcpduplex/duplex"
)

var _ duplex.Handler = (*LineHandler)(nil)
var _ duplex.ConnStateHandler = (*LineHandler)(nil)

type LineFunc func(ctx *duplex.Context, line []byte) error

// LineHandler keeps one LineDecoder per conn. It must be installed as both
// the Handler and the ConnState of an endpoint so decoders of closed conns
// are dropped; Next still receives every state change.
type LineHandler struct {
	Handle      LineFunc
	Next        duplex.ConnStateHandler
	MaxLineSize int

	mu       sync.Mutex
	decoders map[*duplex.Conn]*LineDecoder
}

func Lines(fn LineFunc) *LineHandler {
	return &LineHandler{Handle: fn}
}

func (h *LineHandler) HandleMessage(ctx *duplex.Context) error {
	d := h.decoder(ctx.Conn())
	return d.Feed(ctx.Body(), func(line []byte) error {
		return h.Handle(ctx, line)
	})
}

func (h *LineHandler) HandleConnState(conn *duplex.Conn, state duplex.ConnState) {
	if state == duplex.StateClosed {
		h.mu.Lock()
		d, exists := h.decoders[conn]
		delete(h.decoders, conn)
		h.mu.Unlock()

		if exists {
			d.Release()
		}
	}

	if h.Next != nil {
		h.Next.HandleConnState(conn, state)
	}
}

// Len is the number of conns with a live decoder.
func (h *LineHandler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.decoders)
}

func (h *LineHandler) decoder(conn *duplex.Conn) *LineDecoder {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.decoders == nil {
		h.decoders = make(map[*duplex.Conn]*LineDecoder)
	}
	d, exists := h.decoders[conn]
	if !exists {
		d = &LineDecoder{MaxLineSize: h.MaxLineSize}
		h.decoders[conn] = d
	}
	return d
}
