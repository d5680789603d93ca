// Package dmabuf implements a registry of shared buffers, identified by
// opaque handles, which may be pinned for device access, and mapped for CPU
// access. It implements dlaqueue.BufferPinner and dlaqueue.DMABufProvider.
package dmabuf

import (
	"errors"
	"fmt"
	"sync"

	"github.com/joeycumines/go-dlaqueue"
	"github.com/joeycumines/logiface"
)

const (
	defaultBaseAddress = 0x1_0000_0000
	pageSize           = 4096
)

var (
	// ErrInvalidHandle indicates an unknown buffer handle.
	ErrInvalidHandle = errors.New(`dmabuf: invalid handle`)

	// ErrBusy indicates a buffer that is still pinned, mapped, or referenced.
	ErrBusy = errors.New(`dmabuf: buffer busy`)

	// ErrNotPinned indicates an unpin without a matching pin.
	ErrNotPinned = errors.New(`dmabuf: buffer not pinned`)
)

type (
	// Registry is a set of exported buffers.
	Registry struct {
		logger *logiface.Logger[logiface.Event]

		mu       sync.Mutex
		bufs     map[uint32]*Buffer
		next     uint32
		nextAddr uint64
	}

	// Buffer is an exported buffer. References are obtained via
	// Registry.Get.
	Buffer struct {
		registry *Registry
		data     []byte
		addr     uint64
		handle   uint32

		// guarded by registry.mu
		refs    int
		pins    int
		maps    int
		windows int
	}

	// Stats summarizes the state of a buffer.
	Stats struct {
		Refs    int
		Pins    int
		Maps    int
		Windows int
	}

	// Option configures a Registry.
	Option func(x *Registry)
)

var (
	_ dlaqueue.BufferPinner   = (*Registry)(nil)
	_ dlaqueue.DMABufProvider = (*Registry)(nil)
	_ dlaqueue.DMABuf         = (*Buffer)(nil)
)

// WithLogger configures the logger. Logging is disabled by default.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(x *Registry) { x.logger = logger }
}

// WithBaseAddress configures the device address of the first buffer, which
// will be rounded up to a page boundary.
func WithBaseAddress(addr uint64) Option {
	return func(x *Registry) { x.nextAddr = alignUp(addr) }
}

// New initializes a new Registry.
func New(opts ...Option) *Registry {
	x := &Registry{
		bufs:     make(map[uint32]*Buffer),
		nextAddr: defaultBaseAddress,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Export allocates a zeroed buffer of size bytes, returning its handle.
func (x *Registry) Export(size int) (uint32, error) {
	if size <= 0 {
		return 0, fmt.Errorf(`dmabuf: invalid size %d`, size)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.next++
	b := &Buffer{
		registry: x,
		data:     make([]byte, size),
		addr:     x.nextAddr,
		handle:   x.next,
	}
	x.nextAddr = alignUp(x.nextAddr + uint64(size))
	x.bufs[b.handle] = b
	x.logger.Debug().
		Int64(`handle`, int64(b.handle)).
		Int(`size`, size).
		Uint64(`addr`, b.addr).
		Log(`buffer exported`)
	return b.handle, nil
}

// Release removes an exported buffer, which must not be pinned, mapped, or
// referenced.
func (x *Registry) Release(handle uint32) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	b, ok := x.bufs[handle]
	if !ok {
		return fmt.Errorf(`%w: %d`, ErrInvalidHandle, handle)
	}
	if b.refs != 0 || b.pins != 0 || b.maps != 0 || b.windows != 0 {
		return fmt.Errorf(`%w: %d: %+v`, ErrBusy, handle, b.statsLocked())
	}
	delete(x.bufs, handle)
	return nil
}

// Get takes a reference on a buffer.
func (x *Registry) Get(handle uint32) (dlaqueue.DMABuf, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	b, ok := x.bufs[handle]
	if !ok {
		return nil, fmt.Errorf(`%w: %d`, ErrInvalidHandle, handle)
	}
	b.refs++
	return b, nil
}

// Pin pins every handle, or none of them. A handle may be repeated, in
// which case it is pinned once per occurrence.
func (x *Registry) Pin(handles []uint32, addrs []uint64, sizes []uint64) error {
	if len(addrs) < len(handles) || len(sizes) < len(handles) {
		return fmt.Errorf(`dmabuf: pin: output slices too short`)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, handle := range handles {
		if _, ok := x.bufs[handle]; !ok {
			return fmt.Errorf(`%w: %d`, ErrInvalidHandle, handle)
		}
	}
	for i, handle := range handles {
		b := x.bufs[handle]
		b.pins++
		addrs[i] = b.addr
		sizes[i] = uint64(len(b.data))
	}
	return nil
}

// Unpin releases one pin per occurrence of each handle, or none of them.
func (x *Registry) Unpin(handles []uint32) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	counts := make(map[uint32]int, len(handles))
	for _, handle := range handles {
		b, ok := x.bufs[handle]
		if !ok {
			return fmt.Errorf(`%w: %d`, ErrInvalidHandle, handle)
		}
		counts[handle]++
		if counts[handle] > b.pins {
			return fmt.Errorf(`%w: %d`, ErrNotPinned, handle)
		}
	}
	for handle, n := range counts {
		x.bufs[handle].pins -= n
	}
	return nil
}

// Stats returns the state of a buffer.
func (x *Registry) Stats(handle uint32) (Stats, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	b, ok := x.bufs[handle]
	if !ok {
		return Stats{}, fmt.Errorf(`%w: %d`, ErrInvalidHandle, handle)
	}
	return b.statsLocked(), nil
}

// Pinned returns the total number of pins, across every buffer.
func (x *Registry) Pinned() (n int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, b := range x.bufs {
		n += b.pins
	}
	return n
}

// Handle returns the handle of the buffer.
func (x *Buffer) Handle() uint32 { return x.handle }

// Addr returns the device address of the buffer.
func (x *Buffer) Addr() uint64 { return x.addr }

// Vmap returns the buffer's memory. The caller must hold a reference.
func (x *Buffer) Vmap() ([]byte, error) {
	x.registry.mu.Lock()
	defer x.registry.mu.Unlock()
	if x.refs <= 0 {
		return nil, fmt.Errorf(`%w: %d: vmap without reference`, ErrInvalidHandle, x.handle)
	}
	x.maps++
	return x.data, nil
}

// Vunmap releases a mapping returned by Vmap.
func (x *Buffer) Vunmap(mem []byte) {
	x.registry.mu.Lock()
	defer x.registry.mu.Unlock()
	if x.maps <= 0 {
		panic(fmt.Sprintf(`dmabuf: unbalanced vunmap of buffer %d`, x.handle))
	}
	x.maps--
}

// BeginCPUAccess opens a CPU access window, which must lie within the
// buffer.
func (x *Buffer) BeginCPUAccess(offset, length int, dir dlaqueue.DMADirection) error {
	if offset < 0 || length < 0 || offset+length > len(x.data) {
		return fmt.Errorf(`dmabuf: buffer %d: access [%d, %d) out of bounds`, x.handle, offset, offset+length)
	}
	x.registry.mu.Lock()
	defer x.registry.mu.Unlock()
	x.windows++
	return nil
}

// EndCPUAccess closes a window opened by BeginCPUAccess.
func (x *Buffer) EndCPUAccess(offset, length int, dir dlaqueue.DMADirection) error {
	x.registry.mu.Lock()
	defer x.registry.mu.Unlock()
	if x.windows <= 0 {
		return fmt.Errorf(`dmabuf: buffer %d: no cpu access in progress`, x.handle)
	}
	x.windows--
	return nil
}

// Put releases the reference taken by Registry.Get.
func (x *Buffer) Put() {
	x.registry.mu.Lock()
	defer x.registry.mu.Unlock()
	if x.refs <= 0 {
		panic(fmt.Sprintf(`dmabuf: reference underflow on buffer %d`, x.handle))
	}
	x.refs--
}

func (x *Buffer) statsLocked() Stats {
	return Stats{
		Refs:    x.refs,
		Pins:    x.pins,
		Maps:    x.maps,
		Windows: x.windows,
	}
}

func alignUp(v uint64) uint64 {
	return (v + pageSize - 1) &^ (pageSize - 1)
}
