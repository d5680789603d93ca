package dlaqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"
)

type (
	fakeSyncpoints struct {
		mu          sync.Mutex
		min         map[uint32]uint32
		max         map[uint32]uint32
		refs        map[uint32]int
		allocated   map[uint32]string
		waiters     []fakeWaiter
		resets      []fakeReset
		next        uint32
		allocErr    error
		registerErr error
	}

	fakeWaiter struct {
		notifier Notifier
		id       uint32
		thresh   uint32
	}

	fakeReset struct {
		id    uint32
		value uint32
	}

	fakeBuffers struct {
		mu       sync.Mutex
		bufs     map[uint32]*fakeBuffer
		getErr   error
		vmapErr  error
		beginErr error
		pinErr   error
	}

	fakeBuffer struct {
		owner   *fakeBuffers
		data    []byte
		addr    uint64
		refs    int
		pins    int
		maps    int
		windows int
	}

	fakeMemory struct {
		mu          sync.Mutex
		live        map[uint64]int
		next        uint64
		allocs      int
		frees       int
		doubleFrees int
		allocErr    error
	}

	fakeChannel struct {
		mu       sync.Mutex
		commands []fakeCommand
		respond  func(method, data uint32) error
	}

	fakeCommand struct {
		method uint32
		data   uint32
	}

	fakePower struct {
		mu      sync.Mutex
		refs    int
		busy    int
		busyErr error
	}

	fakeDevice struct {
		sp     *fakeSyncpoints
		bufs   *fakeBuffers
		mem    *fakeMemory
		ch     *fakeChannel
		power  *fakePower
		device Device
	}
)

func newFakeDevice() *fakeDevice {
	x := &fakeDevice{
		sp: &fakeSyncpoints{
			min:       make(map[uint32]uint32),
			max:       make(map[uint32]uint32),
			refs:      make(map[uint32]int),
			allocated: make(map[uint32]string),
		},
		bufs:  &fakeBuffers{bufs: make(map[uint32]*fakeBuffer)},
		mem:   &fakeMemory{live: make(map[uint64]int), next: 0x4000_0000},
		ch:    &fakeChannel{},
		power: &fakePower{},
	}
	x.device = Device{
		Syncpoints: x.sp,
		Buffers:    x.bufs,
		DMABufs:    x.bufs,
		Memory:     x.mem,
		Channel:    x.ch,
		Power:      x.power,
	}
	return x
}

func (x *fakeSyncpoints) Alloc(name string) (uint32, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.allocErr != nil {
		return 0, x.allocErr
	}
	x.next++
	x.allocated[x.next] = name
	return x.next, nil
}

func (x *fakeSyncpoints) Free(id uint32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.allocated[id]; !ok {
		panic(fmt.Sprintf(`free of unallocated syncpoint %d`, id))
	}
	delete(x.allocated, id)
}

func (x *fakeSyncpoints) IncrMax(id uint32, n uint32) uint32 {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.max[id] += n
	return x.max[id]
}

func (x *fakeSyncpoints) SetMax(id uint32, value uint32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.max[id] = value
}

func (x *fakeSyncpoints) ReadMax(id uint32) uint32 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.max[id]
}

func (x *fakeSyncpoints) ReadMin(id uint32) uint32 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.min[id]
}

func (x *fakeSyncpoints) UpdateMin(id uint32) uint32 { return x.ReadMin(id) }

func (x *fakeSyncpoints) IsExpired(id uint32, thresh uint32) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return int32(x.min[id]-thresh) >= 0
}

func (x *fakeSyncpoints) Reset(id uint32, value uint32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.resets = append(x.resets, fakeReset{id: id, value: value})
	x.min[id] = value
	if int32(x.max[id]-value) < 0 {
		x.max[id] = value
	}
}

func (x *fakeSyncpoints) GetRef(id uint32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.refs[id]++
}

func (x *fakeSyncpoints) PutRef(id uint32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.refs[id] <= 0 {
		panic(fmt.Sprintf(`syncpoint %d reference underflow`, id))
	}
	x.refs[id]--
}

func (x *fakeSyncpoints) Valid(id uint32) bool {
	return id != 0 && id < fakeSyncpointCount
}

func (x *fakeSyncpoints) Address(id uint32) uint64 {
	return 0x1000 + uint64(id)*0x10
}

func (x *fakeSyncpoints) RegisterNotifier(id uint32, thresh uint32, n Notifier) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.registerErr != nil {
		return x.registerErr
	}
	x.waiters = append(x.waiters, fakeWaiter{notifier: n, id: id, thresh: thresh})
	return nil
}

// signal advances the counter, as the hardware would.
func (x *fakeSyncpoints) signal(id uint32, value uint32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.min[id] = value
}

// fire delivers the notifications of every expired waiter, coalescing
// consecutive waiters with the same notifier, and returns the number of
// waiters that expired.
func (x *fakeSyncpoints) fire() int {
	x.mu.Lock()
	var (
		notifiers []Notifier
		counts    []int
		remaining []fakeWaiter
		expired   int
	)
	for _, w := range x.waiters {
		if int32(x.min[w.id]-w.thresh) < 0 {
			remaining = append(remaining, w)
			continue
		}
		expired++
		if n := len(notifiers); n != 0 && notifiers[n-1] == w.notifier {
			counts[n-1]++
			continue
		}
		notifiers = append(notifiers, w.notifier)
		counts = append(counts, 1)
	}
	x.waiters = remaining
	x.mu.Unlock()
	for i, n := range notifiers {
		n.Notify(counts[i])
	}
	return expired
}

func (x *fakeSyncpoints) getResets() []fakeReset {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]fakeReset(nil), x.resets...)
}

func (x *fakeSyncpoints) getRefs(id uint32) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.refs[id]
}

func (x *fakeSyncpoints) numWaiters() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.waiters)
}

// export adds a buffer, of size bytes, at addr.
func (x *fakeBuffers) export(handle uint32, size int, addr uint64) *fakeBuffer {
	x.mu.Lock()
	defer x.mu.Unlock()
	b := &fakeBuffer{owner: x, data: make([]byte, size), addr: addr}
	x.bufs[handle] = b
	return b
}

func (x *fakeBuffers) Get(handle uint32) (DMABuf, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.getErr != nil {
		return nil, x.getErr
	}
	b, ok := x.bufs[handle]
	if !ok {
		return nil, fmt.Errorf(`unknown handle %d`, handle)
	}
	b.refs++
	return b, nil
}

func (x *fakeBuffers) Pin(handles []uint32, addrs []uint64, sizes []uint64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.pinErr != nil {
		return x.pinErr
	}
	for _, h := range handles {
		if _, ok := x.bufs[h]; !ok {
			return fmt.Errorf(`unknown handle %d`, h)
		}
	}
	for i, h := range handles {
		b := x.bufs[h]
		b.pins++
		addrs[i] = b.addr
		sizes[i] = uint64(len(b.data))
	}
	return nil
}

func (x *fakeBuffers) Unpin(handles []uint32) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, h := range handles {
		b, ok := x.bufs[h]
		if !ok || b.pins <= 0 {
			return fmt.Errorf(`unpin of unpinned handle %d`, h)
		}
		b.pins--
	}
	return nil
}

// busy returns the total outstanding refs, pins, maps, and windows.
func (x *fakeBuffers) busy() (n int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, b := range x.bufs {
		n += b.refs + b.pins + b.maps + b.windows
	}
	return n
}

func (x *fakeBuffers) pins(handle uint32) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.bufs[handle].pins
}

func (x *fakeBuffer) Vmap() ([]byte, error) {
	x.owner.mu.Lock()
	defer x.owner.mu.Unlock()
	if x.owner.vmapErr != nil {
		return nil, x.owner.vmapErr
	}
	x.maps++
	return x.data, nil
}

func (x *fakeBuffer) Vunmap([]byte) {
	x.owner.mu.Lock()
	defer x.owner.mu.Unlock()
	x.maps--
}

func (x *fakeBuffer) BeginCPUAccess(offset, length int, dir DMADirection) error {
	x.owner.mu.Lock()
	defer x.owner.mu.Unlock()
	if x.owner.beginErr != nil {
		return x.owner.beginErr
	}
	x.windows++
	return nil
}

func (x *fakeBuffer) EndCPUAccess(offset, length int, dir DMADirection) error {
	x.owner.mu.Lock()
	defer x.owner.mu.Unlock()
	x.windows--
	return nil
}

func (x *fakeBuffer) Put() {
	x.owner.mu.Lock()
	defer x.owner.mu.Unlock()
	x.refs--
}

func (x *fakeMemory) Alloc(size int) (DeviceBuffer, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.allocErr != nil {
		return DeviceBuffer{}, x.allocErr
	}
	addr := x.next
	x.next += uint64(size+DescriptorAlignment-1) &^ (DescriptorAlignment - 1)
	x.live[addr] = size
	x.allocs++
	return DeviceBuffer{Bytes: make([]byte, size), Addr: addr}, nil
}

func (x *fakeMemory) Free(buf DeviceBuffer) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if size, ok := x.live[buf.Addr]; !ok || size != len(buf.Bytes) {
		x.doubleFrees++
		return
	}
	delete(x.live, buf.Addr)
	x.frees++
}

func (x *fakeMemory) stats() (live, allocs, frees, doubleFrees int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.live), x.allocs, x.frees, x.doubleFrees
}

func (x *fakeChannel) SendCommand(ctx context.Context, method uint32, data uint32, wait bool) error {
	x.mu.Lock()
	x.commands = append(x.commands, fakeCommand{method: method, data: data})
	respond := x.respond
	x.mu.Unlock()
	if respond != nil {
		return respond(method, data)
	}
	return nil
}

func (x *fakeChannel) setRespond(fn func(method, data uint32) error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.respond = fn
}

func (x *fakeChannel) getCommands() []fakeCommand {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]fakeCommand(nil), x.commands...)
}

func (x *fakePower) Busy() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.busyErr != nil {
		return x.busyErr
	}
	x.refs++
	x.busy++
	return nil
}

func (x *fakePower) Idle() { x.IdleMult(1) }

func (x *fakePower) IdleMult(n int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.refs -= n
	if x.refs < 0 {
		panic(`power reference underflow`)
	}
}

func (x *fakePower) getRefs() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.refs
}

var errFake = errors.New(`some error`)

// fakeSyncpointCount bounds the ids accepted by fakeSyncpoints.Valid.
const fakeSyncpointCount = 256

// checkNumGoroutines returns a function that fails the test if the number of
// goroutines has not returned to the starting value, within the timeout.
func checkNumGoroutines(timeout time.Duration) func(t *testing.T) {
	start := runtime.NumGoroutine()
	return func(t *testing.T) {
		t.Helper()
		deadline := time.Now().Add(timeout)
		for {
			n := runtime.NumGoroutine()
			if n <= start {
				return
			}
			if time.Now().After(deadline) {
				t.Errorf(`expected at most %d goroutines, got %d`, start, n)
				return
			}
			time.Sleep(time.Millisecond * 10)
		}
	}
}
