package reu

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
)

const floatSize = uint32(arrow.Float32SizeBytes)

// Handle names a float32 region in the bank. It carries no data: the only
// way across the boundary is GetF and PutF.
type Handle struct {
	Base Addr
	Len  int
}

// Bytes is the region size in bytes.
func (h Handle) Bytes() uint32 { return uint32(h.Len) * floatSize }

// End is the first address past the region.
func (h Handle) End() Addr { return h.Base.Add(h.Bytes()) }

// Slice returns n floats starting off floats into h.
func (h Handle) Slice(off, n int) Handle {
	if off < 0 || n < 0 || off+n > h.Len {
		panic(fmt.Sprintf("reu: slice [%d:%d] of handle len %d", off, off+n, h.Len))
	}
	return Handle{Base: h.Base.Add(uint32(off) * floatSize), Len: n}
}

// Row treats h as a row-major matrix of the given width.
func (h Handle) Row(i, width int) Handle { return h.Slice(i*width, width) }

func (h Handle) String() string {
	return fmt.Sprintf("%s+%d", h.Base, h.Len)
}

// GetF transfers the whole of h into dst in one block read.
func GetF(m Memory, h Handle, dst []float32) {
	if len(dst) != h.Len {
		panic(fmt.Sprintf("reu: GetF into %d floats from handle of %d", len(dst), h.Len))
	}
	if h.Len == 0 {
		return
	}
	m.Read(h.Base, arrow.Float32Traits.CastToBytes(dst))
}

// PutF transfers src into h in one block write.
func PutF(m Memory, h Handle, src []float32) {
	if len(src) != h.Len {
		panic(fmt.Sprintf("reu: PutF of %d floats into handle of %d", len(src), h.Len))
	}
	if h.Len == 0 {
		return
	}
	m.Write(h.Base, arrow.Float32Traits.CastToBytes(src))
}

// DefaultChunk bounds the staging buffer used when streaming into the bank.
const DefaultChunk = 4096

// Fill streams exactly n bytes from r into the bank at base, one block
// write per chunk.
func Fill(m Memory, base Addr, r io.Reader, n int64, chunk int) error {
	if chunk <= 0 {
		chunk = DefaultChunk
	}
	if int64(base)+n > int64(m.Size()) {
		return fmt.Errorf("reu: fill of %d bytes at %s exceeds bank size %d", n, base, m.Size())
	}
	buf := make([]byte, chunk)
	addr := base
	for n > 0 {
		step := int64(chunk)
		if n < step {
			step = n
		}
		if _, err := io.ReadFull(r, buf[:step]); err != nil {
			return fmt.Errorf("reu: fill at %s: %w", addr, err)
		}
		m.Write(addr, buf[:step])
		addr = addr.Add(uint32(step))
		n -= step
	}
	return nil
}

// Drain is the inverse of Fill: it copies n bytes starting at base to w.
func Drain(m Memory, base Addr, w io.Writer, n int64, chunk int) error {
	if chunk <= 0 {
		chunk = DefaultChunk
	}
	buf := make([]byte, chunk)
	addr := base
	for n > 0 {
		step := int64(chunk)
		if n < step {
			step = n
		}
		m.Read(addr, buf[:step])
		if _, err := w.Write(buf[:step]); err != nil {
			return fmt.Errorf("reu: drain at %s: %w", addr, err)
		}
		addr = addr.Add(uint32(step))
		n -= step
	}
	return nil
}
