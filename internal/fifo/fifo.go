// Package fifo provides the fixed-capacity reassembly buffer shared by the
// CAN, UDP and serial transports. Adapted from gocanopen's fifo.go (a
// circular buffer used by the SDO block-transfer state machine); this
// version drops the circular read/write cursors gocanopen needed for
// streaming SDO segments and keeps only what transfer reassembly needs: a
// capped, append-only buffer sized to the DSDL extent (spec.md's
// "receive buffer is sized to this value", GLOSSARY "Extent"), so a
// corrupt or hostile multi-frame transfer can never grow memory past the
// subscriber's declared extent.
package fifo

import "errors"

// ErrOverflow is returned by Write when appending would exceed the
// buffer's capacity.
var ErrOverflow = errors.New("fifo: buffer capacity exceeded")

// Buffer accumulates the payload bytes of one in-progress transfer.
type Buffer struct {
	data []byte
	cap  int
}

// NewBuffer returns a Buffer that rejects writes past capacity bytes.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{data: make([]byte, 0, capacity), cap: capacity}
}

// Write appends p to the buffer, returning ErrOverflow without modifying
// the buffer if that would exceed capacity.
func (b *Buffer) Write(p []byte) error {
	if len(b.data)+len(p) > b.cap {
		return ErrOverflow
	}
	b.data = append(b.data, p...)
	return nil
}

// Len returns the number of bytes currently accumulated.
func (b *Buffer) Len() int { return len(b.data) }

// Cap returns the buffer's fixed capacity.
func (b *Buffer) Cap() int { return b.cap }

// Reset empties the buffer in place so it can be reused for the next
// transfer on the same session, avoiding a reallocation per transfer.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
}

// Bytes returns the accumulated payload. The returned slice aliases the
// buffer's internal storage and is invalidated by the next Write or Reset;
// callers that need to retain it past that point must copy it.
func (b *Buffer) Bytes() []byte {
	return b.data
}
