package reu

// Flat is a bank held in an ordinary local slice. Transfers degrade to
// plain copies, which makes it the reference for tests.
type Flat struct {
	*counter
	data []byte
}

func NewFlat(size int, opts ...Option) *Flat {
	o := buildOptions(opts, "flat")
	return &Flat{counter: newCounter(o), data: make([]byte, size)}
}

func (f *Flat) Size() int { return len(f.data) }

func (f *Flat) Read(addr Addr, dst []byte) {
	checkRange("read", addr, len(dst), len(f.data))
	copy(dst, f.data[addr:])
	f.recordIn(len(dst))
}

func (f *Flat) Write(addr Addr, src []byte) {
	checkRange("write", addr, len(src), len(f.data))
	copy(f.data[addr:], src)
	f.recordOut(len(src))
}

func (f *Flat) Stats() Stats { return f.snapshot() }
