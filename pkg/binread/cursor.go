package binread

import (
	"encoding/binary"

	"github.com/grafana/objfile/pkg/objerr"
)

// Cursor reads sequentially from Data. The first failed read is sticky: later
// reads return zero values and Err reports the original failure.
type Cursor struct {
	data Data
	off  uint64
	bo   binary.ByteOrder
	err  error
}

func NewCursor(d Data, off uint64, bo binary.ByteOrder) *Cursor {
	return &Cursor{data: d, off: off, bo: bo}
}

func (c *Cursor) Offset() uint64 { return c.off }
func (c *Cursor) Err() error     { return c.err }

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() uint64 {
	if c.off > c.data.Len() {
		return 0
	}
	return c.data.Len() - c.off
}

func (c *Cursor) Bytes(n uint64) []byte {
	if c.err != nil {
		return nil
	}
	b, err := c.data.Bytes(c.off, n)
	if err != nil {
		c.err = err
		return nil
	}
	c.off += n
	return b
}

func (c *Cursor) Skip(n uint64) { c.Bytes(n) }

// Seek moves the cursor to an absolute offset inside the data.
func (c *Cursor) Seek(off uint64) {
	if c.err != nil {
		return
	}
	if off > c.data.Len() {
		c.err = objerr.At(objerr.OutOfBounds, off, "seek past end of %d bytes", c.data.Len())
		return
	}
	c.off = off
}

func (c *Cursor) Uint8() uint8 {
	if b := c.Bytes(1); b != nil {
		return b[0]
	}
	return 0
}

func (c *Cursor) Uint16() uint16 {
	if b := c.Bytes(2); b != nil {
		return c.bo.Uint16(b)
	}
	return 0
}

func (c *Cursor) Uint32() uint32 {
	if b := c.Bytes(4); b != nil {
		return c.bo.Uint32(b)
	}
	return 0
}

func (c *Cursor) Uint64() uint64 {
	if b := c.Bytes(8); b != nil {
		return c.bo.Uint64(b)
	}
	return 0
}

// Word reads 8 bytes if is64, otherwise 4.
func (c *Cursor) Word(is64 bool) uint64 {
	if is64 {
		return c.Uint64()
	}
	return uint64(c.Uint32())
}

// Uleb128 reads an unsigned LEB128 value.
func (c *Cursor) Uleb128() uint64 {
	if c.err != nil {
		return 0
	}
	v, n, err := Uleb128(c.data, c.off)
	if err != nil {
		c.err = err
		return 0
	}
	c.off += n
	return v
}

// Sleb128 reads a signed LEB128 value.
func (c *Cursor) Sleb128() int64 {
	if c.err != nil {
		return 0
	}
	v, n, err := Sleb128(c.data, c.off)
	if err != nil {
		c.err = err
		return 0
	}
	c.off += n
	return v
}
