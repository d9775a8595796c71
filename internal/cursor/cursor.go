// Package cursor provides a bounds-checked, little-endian byte cursor shared
// by every VPD parser. Centralising the bounds checks here means the IPZ,
// KWD, and SPD walkers never hand-roll an overflow check, the way the
// teacher centralises filesystem snapshot diffing in internal/watcher/file.go
// instead of repeating it at each call site.
package cursor

import (
	"encoding/binary"

	"github.com/fruvpd/vpd/vpderr"
)

// Cursor walks a byte slice with an explicit read position. It never
// mutates the underlying slice.
type Cursor struct {
	buf []byte
	pos int
}

// New returns a Cursor positioned at the start of buf.
func New(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// At returns a Cursor over the same buffer positioned at offset pos.
func At(buf []byte, pos int) *Cursor {
	return &Cursor{buf: buf, pos: pos}
}

// Pos returns the current read offset.
func (c *Cursor) Pos() int { return c.pos }

// Len returns the total length of the underlying buffer.
func (c *Cursor) Len() int { return len(c.buf) }

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int { return len(c.buf) - c.pos }

// Seek repositions the cursor to an absolute offset. It does not bounds
// check pos against the buffer length; the next Advance/Peek call will.
func (c *Cursor) Seek(pos int) { c.pos = pos }

// Advance returns the next n bytes and moves the cursor past them. It
// returns vpderr.KindTruncated if fewer than n bytes remain.
func (c *Cursor) Advance(n int) ([]byte, error) {
	if n < 0 || c.pos < 0 || c.pos+n > len(c.buf) {
		return nil, vpderr.New("cursor.Advance", vpderr.KindTruncated,
			"read past end of buffer")
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

// Peek returns the next n bytes without moving the cursor.
func (c *Cursor) Peek(n int) ([]byte, error) {
	if n < 0 || c.pos < 0 || c.pos+n > len(c.buf) {
		return nil, vpderr.New("cursor.Peek", vpderr.KindTruncated,
			"peek past end of buffer")
	}
	return c.buf[c.pos : c.pos+n], nil
}

// ReadByte consumes and returns the next byte.
func (c *Cursor) ReadByte() (byte, error) {
	b, err := c.Advance(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadU16LE consumes and returns the next two bytes as a little-endian
// uint16.
func (c *Cursor) ReadU16LE() (uint16, error) {
	b, err := c.Advance(2)
	if err != nil {
		return 0, err
	}
	return ReadU16LE(b), nil
}

// ReadU16LE reads a little-endian uint16 from the first two bytes of b. The
// caller must ensure len(b) >= 2.
func ReadU16LE(b []byte) uint16 {
	return binary.LittleEndian.Uint16(b)
}

// PutU16LE writes v into the first two bytes of b as little-endian. The
// caller must ensure len(b) >= 2.
func PutU16LE(b []byte, v uint16) {
	binary.LittleEndian.PutUint16(b, v)
}

// InBounds reports whether the half-open region [offset, offset+length)
// lies entirely within a buffer of size bufLen.
func InBounds(bufLen, offset, length int) bool {
	if offset < 0 || length < 0 {
		return false
	}
	end := offset + length
	return end >= offset && end <= bufLen
}
