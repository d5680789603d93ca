package dlaqueue

import (
	"context"
)

type (
	// Device bundles the collaborators consumed by a Pool. All fields are
	// required.
	Device struct {
		Syncpoints Syncpoints
		Buffers    BufferPinner
		DMABufs    DMABufProvider
		Memory     DeviceMemory
		Channel    CommandChannel
		Power      Power
	}

	// Syncpoints models the hardware counter ("syncpoint") service.
	//
	// Threshold comparisons must be wrap-safe, see IsExpired.
	Syncpoints interface {
		// Alloc reserves a syncpoint for exclusive use by a queue.
		Alloc(name string) (uint32, error)
		// Free releases a syncpoint reserved by Alloc.
		Free(id uint32)

		// IncrMax reserves n further increments, returning the new maximum,
		// which is the threshold the n-th increment will reach.
		IncrMax(id uint32, n uint32) uint32
		// SetMax overwrites the maximum, e.g. to roll back a reservation.
		SetMax(id uint32, value uint32)
		// ReadMax returns the current maximum.
		ReadMax(id uint32) uint32
		// ReadMin returns the last observed (cached) counter value.
		ReadMin(id uint32) uint32
		// UpdateMin refreshes then returns the counter value.
		UpdateMin(id uint32) uint32
		// IsExpired reports whether the counter has reached thresh.
		IsExpired(id uint32, thresh uint32) bool
		// Reset forces the counter to value, raising the maximum if
		// necessary, and schedules any notifiers that consequently expired.
		Reset(id uint32, value uint32)

		// GetRef takes a reference on the syncpoint.
		GetRef(id uint32)
		// PutRef releases a reference taken by GetRef.
		PutRef(id uint32)

		// Valid reports whether id names an existing syncpoint. Every other
		// method may panic if given an id that is not valid.
		Valid(id uint32) bool

		// Address returns the device address of the syncpoint's semaphore,
		// as used by firmware semaphore actions.
		Address(id uint32) uint64

		// RegisterNotifier arranges for n.Notify to be called once the counter
		// reaches thresh. Notify must never be called synchronously, from
		// within RegisterNotifier.
		RegisterNotifier(id uint32, thresh uint32, n Notifier) error
	}

	// Notifier receives completion notifications from Syncpoints.
	// The completed value is the number of expired registrations that were
	// coalesced into the call.
	Notifier interface {
		Notify(completed int)
	}

	// BufferPinner models the buffer pinning service.
	BufferPinner interface {
		// Pin pins every handle, in a single atomic operation, storing the
		// device address and size of handles[i] in addrs[i] and sizes[i].
		// Either all handles are pinned, or none are.
		Pin(handles []uint32, addrs []uint64, sizes []uint64) error
		// Unpin releases the pins taken by a successful Pin.
		Unpin(handles []uint32) error
	}

	// DMABufProvider resolves buffer handles to CPU-mappable buffers.
	DMABufProvider interface {
		// Get takes a reference on the buffer identified by handle.
		Get(handle uint32) (DMABuf, error)
	}

	// DMABuf is a reference to a shared buffer, see DMABufProvider.
	DMABuf interface {
		// Vmap maps the buffer into CPU-visible memory.
		Vmap() ([]byte, error)
		// Vunmap releases a mapping returned by Vmap.
		Vunmap(mem []byte)
		// BeginCPUAccess opens a CPU access window over a byte range.
		BeginCPUAccess(offset, length int, dir DMADirection) error
		// EndCPUAccess closes a window opened by BeginCPUAccess.
		EndCPUAccess(offset, length int, dir DMADirection) error
		// Put releases the reference taken by DMABufProvider.Get.
		Put()
	}

	// DeviceMemory allocates device-addressable memory, for descriptors.
	DeviceMemory interface {
		// Alloc returns zeroed memory of exactly size bytes, at a device
		// address aligned to at least DescriptorAlignment.
		Alloc(size int) (DeviceBuffer, error)
		// Free releases memory returned by Alloc.
		Free(buf DeviceBuffer)
	}

	// DeviceBuffer is an allocation of DeviceMemory.
	DeviceBuffer struct {
		// Bytes is the CPU view of the allocation.
		Bytes []byte
		// Addr is the device address of the allocation.
		Addr uint64
	}

	// CommandChannel is the mailbox used to send commands to the firmware.
	CommandChannel interface {
		// SendCommand sends a method to the firmware, blocking until it is
		// acknowledged if wait is true. An error wrapping ErrProcessorBusy
		// indicates the command may be retried.
		SendCommand(ctx context.Context, method uint32, data uint32, wait bool) error
	}

	// Power models the activity reference count of the engine.
	Power interface {
		// Busy takes an activity reference, powering on the engine if
		// necessary.
		Busy() error
		// Idle releases one activity reference.
		Idle()
		// IdleMult releases n activity references.
		IdleMult(n int)
	}

	// DMADirection is the direction of a CPU access window.
	DMADirection int
)

const (
	// DMABidirectional is an access window that is both read and written.
	DMABidirectional DMADirection = iota
	// DMAToDevice is an access window written by the CPU, for the device.
	DMAToDevice
	// DMAFromDevice is an access window written by the device, for the CPU.
	DMAFromDevice
)

func (x DMADirection) String() string {
	switch x {
	case DMABidirectional:
		return `bidirectional`
	case DMAToDevice:
		return `to-device`
	case DMAFromDevice:
		return `from-device`
	default:
		return `unknown`
	}
}

func (x Device) validate() {
	if x.Syncpoints == nil ||
		x.Buffers == nil ||
		x.DMABufs == nil ||
		x.Memory == nil ||
		x.Channel == nil ||
		x.Power == nil {
		panic(`dlaqueue: incomplete device`)
	}
}
