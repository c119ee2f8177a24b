// Package framing cuts a raw byte stream (serial line or RTU-over-TCP) into
// Modbus request units.
package framing

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/tonylturner/scadasim/internal/modbus"
)

// Mode selects how units are delimited on the stream.
type Mode string

const (
	ModeRTU   Mode = "rtu"   // length from function code, CRC checked
	ModeASCII Mode = "ascii" // ':' ... CRLF with LRC
	ModeFixed Mode = "fixed" // every N bytes is one RTU frame
)

// ParseMode validates a framing mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeRTU, ModeASCII, ModeFixed:
		return m, nil
	case "":
		return ModeRTU, nil
	default:
		return "", fmt.Errorf("unknown framing mode %q (want rtu, ascii or fixed)", s)
	}
}

// Framer accumulates stream bytes and returns the complete units they close.
// Implementations are not safe for concurrent use.
type Framer interface {
	Push(data []byte, now time.Time) []modbus.Request
	// Malformed counts bytes or frames thrown away since creation.
	Malformed() uint64
	Reset()
}

// Options configures a framer.
type Options struct {
	Mode Mode
	// FixedSize is the unit length in fixed mode.
	FixedSize int
	// Gap discards a partial unit when the line stays silent longer than
	// this (the RTU 3.5 character rule). Zero disables it.
	Gap time.Duration
	// MaxBuffer bounds the pending bytes; older bytes are dropped first.
	MaxBuffer int
}

// New builds the framer for opts.Mode.
func New(opts Options) (Framer, error) {
	if opts.MaxBuffer <= 0 {
		opts.MaxBuffer = 4 * modbus.RTUMaxFrameSize
	}
	base := stream{gap: opts.Gap, max: opts.MaxBuffer}
	switch opts.Mode {
	case ModeRTU, "":
		return &rtuFramer{stream: base}, nil
	case ModeASCII:
		return &asciiFramer{stream: base}, nil
	case ModeFixed:
		if opts.FixedSize < modbus.RTUMinFrameSize || opts.FixedSize > modbus.RTUMaxFrameSize {
			return nil, fmt.Errorf("fixed frame size must be between %d and %d", modbus.RTUMinFrameSize, modbus.RTUMaxFrameSize)
		}
		return &fixedFramer{stream: base, size: opts.FixedSize}, nil
	default:
		return nil, fmt.Errorf("unknown framing mode %q", opts.Mode)
	}
}

// stream holds the pending bytes shared by all framers.
type stream struct {
	buf       []byte
	last      time.Time
	gap       time.Duration
	max       int
	malformed uint64
}

func (s *stream) append(data []byte, now time.Time) {
	if s.gap > 0 && len(s.buf) > 0 && !s.last.IsZero() && now.Sub(s.last) > s.gap {
		s.malformed += uint64(len(s.buf))
		s.buf = s.buf[:0]
	}
	s.last = now
	s.buf = append(s.buf, data...)
	if over := len(s.buf) - s.max; over > 0 {
		s.malformed += uint64(over)
		s.buf = append(s.buf[:0], s.buf[over:]...)
	}
}

func (s *stream) drop(n int) {
	s.buf = append(s.buf[:0], s.buf[n:]...)
}

func (s *stream) Malformed() uint64 { return s.malformed }

func (s *stream) Reset() {
	s.buf = s.buf[:0]
	s.last = time.Time{}
}

type rtuFramer struct {
	stream
}

func (f *rtuFramer) Push(data []byte, now time.Time) []modbus.Request {
	f.append(data, now)
	var out []modbus.Request
	for len(f.buf) >= 2 {
		n, ok := modbus.RTURequestLength(f.buf)
		if !ok {
			break
		}
		if n < 0 || n > modbus.RTUMaxFrameSize {
			// Not a frame start: resynchronise one byte later.
			f.malformed++
			f.drop(1)
			continue
		}
		if len(f.buf) < n {
			break
		}
		req, err := modbus.DecodeRequestRTU(f.buf[:n])
		if err != nil {
			f.malformed++
			f.drop(1)
			continue
		}
		out = append(out, req)
		f.drop(n)
	}
	return out
}

type asciiFramer struct {
	stream
}

func (f *asciiFramer) Push(data []byte, now time.Time) []modbus.Request {
	f.append(data, now)
	var out []modbus.Request
	for {
		start := bytes.IndexByte(f.buf, modbus.ASCIIStartByte)
		if start < 0 {
			f.malformed += uint64(len(f.buf))
			f.buf = f.buf[:0]
			return out
		}
		if start > 0 {
			f.malformed += uint64(start)
			f.drop(start)
		}
		end := bytes.Index(f.buf, []byte{modbus.ASCIICRByte, modbus.ASCIILFByte})
		if end < 0 {
			return out
		}
		frame := f.buf[:end+2]
		// A second ':' before CRLF means the first frame was cut short.
		if next := bytes.IndexByte(frame[1:], modbus.ASCIIStartByte); next >= 0 {
			f.malformed++
			f.drop(next + 1)
			continue
		}
		req, err := modbus.DecodeRequestASCII(frame)
		if err != nil {
			f.malformed++
		} else {
			out = append(out, req)
		}
		f.drop(end + 2)
	}
}

type fixedFramer struct {
	stream
	size int
}

func (f *fixedFramer) Push(data []byte, now time.Time) []modbus.Request {
	f.append(data, now)
	var out []modbus.Request
	for len(f.buf) >= f.size {
		req, err := modbus.DecodeRequestRTU(f.buf[:f.size])
		if err != nil {
			f.malformed++
		} else {
			out = append(out, req)
		}
		f.drop(f.size)
	}
	return out
}
