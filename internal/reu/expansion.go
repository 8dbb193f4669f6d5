package reu

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-reu/internal/logger"
	"github.com/23skdu/longbow-reu/internal/metrics"
)

// Expansion is a bank whose storage comes from an arrow allocator. Callers
// must Release it.
type Expansion struct {
	*counter
	name string
	buf  *memory.Buffer
	data []byte
}

// NewExpansion allocates a zeroed bank of size bytes. size may not exceed
// MaxSize.
func NewExpansion(alloc memory.Allocator, size int, opts ...Option) (*Expansion, error) {
	if size <= 0 || size > MaxSize {
		return nil, fmt.Errorf("reu: bank size %d out of range (1..%d)", size, MaxSize)
	}
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	o := buildOptions(opts, "expansion")

	buf := memory.NewResizableBuffer(alloc)
	buf.Resize(size)
	data := buf.Bytes()
	clear(data)

	metrics.RecordBankCapacity(o.name, size)
	logger.Log.Debug("expansion bank allocated", "bank", o.name, "bytes", size, "banks", (size+PageSize-1)/PageSize)

	return &Expansion{counter: newCounter(o), name: o.name, buf: buf, data: data}, nil
}

func (e *Expansion) Name() string { return e.name }

func (e *Expansion) Size() int { return len(e.data) }

func (e *Expansion) Read(addr Addr, dst []byte) {
	checkRange("read", addr, len(dst), len(e.data))
	copy(dst, e.data[addr:])
	e.recordIn(len(dst))
}

func (e *Expansion) Write(addr Addr, src []byte) {
	checkRange("write", addr, len(src), len(e.data))
	copy(e.data[addr:], src)
	e.recordOut(len(src))
}

func (e *Expansion) Stats() Stats { return e.snapshot() }

// Release returns the storage to the allocator. The bank must not be used
// afterwards.
func (e *Expansion) Release() {
	if e.buf != nil {
		e.buf.Release()
		e.buf = nil
		e.data = nil
	}
}
