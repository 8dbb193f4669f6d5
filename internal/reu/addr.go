package reu

import "fmt"

const (
	// PageSize is the span addressable by a 16-bit offset.
	PageSize = 1 << 16
	// MaxBanks is the number of banks a 24-bit address can select.
	MaxBanks = 256
	// MaxSize is the whole expansion address space.
	MaxSize = PageSize * MaxBanks
)

// Addr is a tagged expansion address: bank<<16 | offset.
type Addr uint32

func NewAddr(bank uint8, offset uint16) Addr {
	return Addr(bank)<<16 | Addr(offset)
}

func (a Addr) Bank() uint8 { return uint8(a >> 16) }

func (a Addr) Offset() uint16 { return uint16(a) }

// Add advances the address by n bytes.
func (a Addr) Add(n uint32) Addr { return a + Addr(n) }

func (a Addr) String() string {
	return fmt.Sprintf("$%02x:%04x", a.Bank(), a.Offset())
}
