// Package reu models the expansion bank: a large flat memory reachable only
// through synchronous block transfers.
package reu

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/23skdu/longbow-reu/internal/metrics"
)

// Memory is the transfer contract. Read copies len(dst) bytes from the bank
// into local memory; Write copies src into the bank. Both block until done
// and panic with a Fault when the range leaves the bank.
type Memory interface {
	Read(addr Addr, dst []byte)
	Write(addr Addr, src []byte)
	Size() int
	Stats() Stats
}

// Fault is raised (as a panic value) for a transfer outside the bank. It
// always indicates a layout defect.
type Fault struct {
	Op   string
	Addr Addr
	Len  int
	Size int
}

func (f Fault) Error() string {
	return fmt.Sprintf("reu: %s fault at %s len %d (bank size %d)", f.Op, f.Addr, f.Len, f.Size)
}

// Stats counts transfers in each direction. In is bank to local.
type Stats struct {
	In       uint64
	Out      uint64
	BytesIn  uint64
	BytesOut uint64
}

func (s Stats) Transfers() uint64 { return s.In + s.Out }

// Sub returns the transfers that happened between two snapshots.
func (s Stats) Sub(prev Stats) Stats {
	return Stats{
		In:       s.In - prev.In,
		Out:      s.Out - prev.Out,
		BytesIn:  s.BytesIn - prev.BytesIn,
		BytesOut: s.BytesOut - prev.BytesOut,
	}
}

// Option configures a bank.
type Option func(*options)

type options struct {
	name    string
	latency time.Duration
}

// WithName labels the bank in metrics and logs.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithLatency adds a fixed cost to every transfer.
func WithLatency(d time.Duration) Option {
	return func(o *options) { o.latency = d }
}

// counter is shared by every Memory implementation. It is safe for
// concurrent use.
type counter struct {
	in, out           atomic.Uint64
	bytesIn, bytesOut atomic.Uint64

	latency           time.Duration
	promIn, promOut   prometheus.Counter
	promBIn, promBOut prometheus.Counter
}

func newCounter(o options) *counter {
	c := &counter{latency: o.latency}
	c.promIn, c.promBIn = metrics.TransferCounters(o.name, "in")
	c.promOut, c.promBOut = metrics.TransferCounters(o.name, "out")
	return c
}

func (c *counter) recordIn(n int) {
	c.in.Add(1)
	c.bytesIn.Add(uint64(n))
	c.promIn.Inc()
	c.promBIn.Add(float64(n))
	c.wait()
}

func (c *counter) recordOut(n int) {
	c.out.Add(1)
	c.bytesOut.Add(uint64(n))
	c.promOut.Inc()
	c.promBOut.Add(float64(n))
	c.wait()
}

func (c *counter) wait() {
	if c.latency > 0 {
		time.Sleep(c.latency)
	}
}

func (c *counter) snapshot() Stats {
	return Stats{
		In:       c.in.Load(),
		Out:      c.out.Load(),
		BytesIn:  c.bytesIn.Load(),
		BytesOut: c.bytesOut.Load(),
	}
}

func checkRange(op string, addr Addr, n, size int) {
	if n < 0 || int64(addr)+int64(n) > int64(size) {
		panic(Fault{Op: op, Addr: addr, Len: n, Size: size})
	}
}

func buildOptions(opts []Option, defName string) options {
	o := options{name: defName}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
