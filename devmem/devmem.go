// Package devmem implements a device-addressable memory arena, from which
// descriptors are allocated. The arena is a single fixed mapping, carved up
// first-fit, with every allocation aligned to dlaqueue.DescriptorAlignment,
// both in CPU memory and in the device address space.
package devmem

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/joeycumines/go-dlaqueue"
	"github.com/joeycumines/logiface"
)

const (
	defaultBaseAddress = 0x8000_0000

	// Alignment is the alignment of every allocation.
	Alignment = dlaqueue.DescriptorAlignment
)

var (
	// ErrExhausted indicates there is no free range large enough.
	ErrExhausted = errors.New(`devmem: arena exhausted`)

	// ErrClosed indicates the arena has been closed.
	ErrClosed = errors.New(`devmem: arena closed`)

	// ErrInvalidAddress indicates an address outside any live allocation.
	ErrInvalidAddress = errors.New(`devmem: invalid address`)
)

type (
	// Arena allocates device memory. It implements dlaqueue.DeviceMemory.
	Arena struct {
		logger *logiface.Logger[logiface.Event]
		mem    []byte
		base   uint64

		mu     sync.Mutex
		free   []span
		live   map[uint64]span
		stats  Stats
		closed bool
	}

	// Stats summarizes the allocations of an Arena.
	Stats struct {
		Capacity    int
		Live        int
		LiveBytes   int
		Allocs      uint64
		Frees       uint64
		DoubleFrees uint64
	}

	// Option configures an Arena.
	Option func(x *arenaOptions)

	arenaOptions struct {
		logger *logiface.Logger[logiface.Event]
		base   uint64
	}

	// span is a range of offsets, and the size requested by the allocation
	// that owns it, if any.
	span struct {
		offset int
		size   int
		used   int
	}
)

var _ dlaqueue.DeviceMemory = (*Arena)(nil)

// WithLogger configures the logger. Logging is disabled by default.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(x *arenaOptions) { x.logger = logger }
}

// WithBaseAddress configures the device address of the start of the arena.
// It will panic if addr is not aligned.
func WithBaseAddress(addr uint64) Option {
	if addr%Alignment != 0 {
		panic(fmt.Sprintf(`devmem: misaligned base address %#x`, addr))
	}
	return func(x *arenaOptions) { x.base = addr }
}

// New maps an arena of size bytes, which is rounded up to the alignment.
func New(size int, opts ...Option) (*Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf(`devmem: invalid size %d`, size)
	}
	c := arenaOptions{base: defaultBaseAddress}
	for _, opt := range opts {
		opt(&c)
	}
	size = alignUp(size)
	mem, err := mapMemory(size)
	if err != nil {
		return nil, fmt.Errorf(`devmem: map %d bytes: %w`, size, err)
	}
	x := &Arena{
		logger: c.logger,
		mem:    mem,
		base:   c.base,
		free:   []span{{offset: 0, size: size}},
		live:   make(map[uint64]span),
	}
	x.stats.Capacity = size
	return x, nil
}

// Alloc returns zeroed memory of exactly size bytes.
func (x *Arena) Alloc(size int) (dlaqueue.DeviceBuffer, error) {
	if size <= 0 {
		return dlaqueue.DeviceBuffer{}, fmt.Errorf(`devmem: invalid size %d`, size)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return dlaqueue.DeviceBuffer{}, ErrClosed
	}

	need := alignUp(size)
	i := slices.IndexFunc(x.free, func(s span) bool { return s.size >= need })
	if i < 0 {
		return dlaqueue.DeviceBuffer{}, fmt.Errorf(`%w: %d bytes`, ErrExhausted, size)
	}
	s := span{offset: x.free[i].offset, size: need, used: size}
	if x.free[i].size == need {
		x.free = slices.Delete(x.free, i, i+1)
	} else {
		x.free[i].offset += need
		x.free[i].size -= need
	}

	addr := x.base + uint64(s.offset)
	x.live[addr] = s
	x.stats.Allocs++
	x.stats.Live++
	x.stats.LiveBytes += need

	b := x.mem[s.offset : s.offset+size : s.offset+size]
	clear(b)

	return dlaqueue.DeviceBuffer{Bytes: b, Addr: addr}, nil
}

// Free releases an allocation. Freeing an address that is not allocated is
// recorded in Stats.DoubleFrees, and otherwise ignored.
func (x *Arena) Free(buf dlaqueue.DeviceBuffer) {
	x.mu.Lock()
	defer x.mu.Unlock()
	s, ok := x.live[buf.Addr]
	if !ok || s.used != len(buf.Bytes) {
		x.stats.DoubleFrees++
		x.logger.Err().
			Uint64(`addr`, buf.Addr).
			Int(`size`, len(buf.Bytes)).
			Log(`free of unallocated device memory`)
		return
	}
	delete(x.live, buf.Addr)
	x.stats.Frees++
	x.stats.Live--
	x.stats.LiveBytes -= s.size

	s.used = 0
	i, _ := slices.BinarySearchFunc(x.free, s.offset, func(e span, offset int) int { return e.offset - offset })
	x.free = slices.Insert(x.free, i, s)
	// coalesce with the following, then the preceding, range
	if i+1 < len(x.free) && x.free[i].offset+x.free[i].size == x.free[i+1].offset {
		x.free[i].size += x.free[i+1].size
		x.free = slices.Delete(x.free, i+1, i+2)
	}
	if i > 0 && x.free[i-1].offset+x.free[i-1].size == x.free[i].offset {
		x.free[i-1].size += x.free[i].size
		x.free = slices.Delete(x.free, i, i+1)
	}
}

// Slice returns the CPU view of n bytes at a device address, which must lie
// within a single live allocation.
func (x *Arena) Slice(addr uint64, n int) ([]byte, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil, ErrClosed
	}
	if addr < x.base || n < 0 {
		return nil, fmt.Errorf(`%w: %#x`, ErrInvalidAddress, addr)
	}
	offset := int(addr - x.base)
	for _, s := range x.live {
		if offset >= s.offset && offset+n <= s.offset+s.used {
			return x.mem[offset : offset+n : offset+n], nil
		}
	}
	return nil, fmt.Errorf(`%w: [%#x, %#x)`, ErrInvalidAddress, addr, addr+uint64(n))
}

// Stats returns a snapshot of the allocation statistics.
func (x *Arena) Stats() Stats {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.stats
}

// Close unmaps the arena. Any live allocations are invalidated.
func (x *Arena) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrClosed
	}
	x.closed = true
	if len(x.live) != 0 {
		x.logger.Warning().
			Int(`live`, len(x.live)).
			Log(`closing arena with live allocations`)
	}
	mem := x.mem
	x.mem = nil
	return unmapMemory(mem)
}

func alignUp(v int) int {
	return (v + Alignment - 1) &^ (Alignment - 1)
}
