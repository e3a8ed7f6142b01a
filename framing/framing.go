// Package framing splits the unframed byte stream of a duplex conn into
// messages. The endpoints never do this themselves: a single read may carry
// part of a message or several of them.
package framing

import (
	"bytes"
	"errors"

	"github.com/lithdew/bytesutil"
	"github.com/valyala/bytebufferpool"
)

const (
	DefaultMaxLineSize  = 64 * 1024
	DefaultMaxFrameSize = 16 * 1024 * 1024

	sizeLength = 4
)

var (
	ErrLineTooLong   = errors.New("line exceeds the maximum line size")
	ErrFrameTooLarge = errors.New("frame exceeds the maximum frame size")
)

// LineDecoder emits '\n' terminated lines with the terminator and any
// trailing '\r' stripped. Bytes after the last terminator are kept until the
// next Feed.
type LineDecoder struct {
	MaxLineSize int

	buf *bytebufferpool.ByteBuffer
}

// Feed appends p and calls fn for every complete line. The line passed to fn
// is only valid during the call. A line longer than MaxLineSize fails with
// ErrLineTooLong whether or not its terminator has arrived yet, and the
// buffered bytes are dropped.
func (d *LineDecoder) Feed(p []byte, fn func(line []byte) error) error {
	if d.buf == nil {
		d.buf = bytebufferpool.Get()
	}
	d.buf.B = append(d.buf.B, p...)

	max := d.MaxLineSize
	if max <= 0 {
		max = DefaultMaxLineSize
	}

	data := d.buf.B
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(data[:i], []byte{'\r'})
		if len(line) > max {
			d.buf.Reset()
			return ErrLineTooLong
		}
		data = data[i+1:]
		if err := fn(line); err != nil {
			d.keep(data)
			return err
		}
	}

	// a tail may still end in '\r'; allow for it until the '\n' shows up
	if len(bytes.TrimSuffix(data, []byte{'\r'})) > max {
		d.buf.Reset()
		return ErrLineTooLong
	}

	d.keep(data)
	return nil
}

// Buffered is the number of bytes of an incomplete line held back.
func (d *LineDecoder) Buffered() int {
	if d.buf == nil {
		return 0
	}
	return d.buf.Len()
}

func (d *LineDecoder) Release() {
	if d.buf != nil {
		bytebufferpool.Put(d.buf)
		d.buf = nil
	}
}

func (d *LineDecoder) keep(rest []byte) {
	n := copy(d.buf.B, rest)
	d.buf.B = d.buf.B[:n]
}

// AppendFrame appends msg to dst behind a 4-byte big-endian length.
func AppendFrame(dst, msg []byte) []byte {
	dst = bytesutil.AppendUint32BE(dst, uint32(len(msg)))
	return append(dst, msg...)
}

// FrameDecoder is the reading side of AppendFrame.
type FrameDecoder struct {
	MaxFrameSize int

	buf *bytebufferpool.ByteBuffer
}

// Feed appends p and calls fn for every complete frame. The frame passed to
// fn is only valid during the call.
func (d *FrameDecoder) Feed(p []byte, fn func(frame []byte) error) error {
	if d.buf == nil {
		d.buf = bytebufferpool.Get()
	}
	d.buf.B = append(d.buf.B, p...)

	max := d.MaxFrameSize
	if max <= 0 {
		max = DefaultMaxFrameSize
	}

	data := d.buf.B
	for len(data) >= sizeLength {
		size := bytesutil.Uint32BE(data[:sizeLength])
		if uint64(size) > uint64(max) {
			d.buf.Reset()
			return ErrFrameTooLarge
		}
		if uint64(len(data)-sizeLength) < uint64(size) {
			break
		}
		frame := data[sizeLength : sizeLength+int(size)]
		data = data[sizeLength+int(size):]
		if err := fn(frame); err != nil {
			d.keep(data)
			return err
		}
	}

	d.keep(data)
	return nil
}

func (d *FrameDecoder) Buffered() int {
	if d.buf == nil {
		return 0
	}
	return d.buf.Len()
}

func (d *FrameDecoder) Release() {
	if d.buf != nil {
		bytebufferpool.Put(d.buf)
		d.buf = nil
	}
}

func (d *FrameDecoder) keep(rest []byte) {
	n := copy(d.buf.B, rest)
	d.buf.B = d.buf.B[:n]
}
