package spi

import (
	"sync"

	"github.com/pkg/errors"
)

var errBusClosed = errors.New("bus closed")

// MemoryBus is a Bus backed by a 256-byte register file, for hosts without
// SPI hardware. Reads return the register value; writes store the new value
// and return the previous one.
type MemoryBus struct {
	mu   sync.Mutex
	regs [256]uint8

	closed bool
}

// NewMemoryBus creates a register file with the given initial contents.
func NewMemoryBus(initial map[uint8]uint8) *MemoryBus {
	b := &MemoryBus{}
	for addr, v := range initial {
		b.regs[addr] = v
	}
	return b
}

// OpenMemory is an Opener handing out a fresh MemoryBus per port.
func OpenMemory(Config) (Bus, error) {
	return NewMemoryBus(nil), nil
}

// ReadAt implements Bus.
func (b *MemoryBus) ReadAt(address uint8) (uint8, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, errBusClosed
	}
	return b.regs[address], nil
}

// WriteAt implements Bus.
func (b *MemoryBus) WriteAt(address, data uint8) (uint8, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, errBusClosed
	}
	prev := b.regs[address]
	b.regs[address] = data
	return prev, nil
}

// Close makes further transfers fail.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
