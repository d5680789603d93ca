package dlaqueue

import (
	"encoding/binary"
	"fmt"
)

type (
	// MemHandle identifies a byte offset within a shared buffer.
	MemHandle struct {
		Handle uint32
		Offset uint32
	}

	// taskMemory is the outcome of mapTaskMemory.
	taskMemory struct {
		// handles includes the address list buffer, as the last element
		handles     []uint32
		addressList uint64
	}
)

// mapTaskMemory pins the buffers referenced by the address list of req,
// rewriting each entry of the address list (in the caller's buffer) with the
// device address of the buffer it names, plus that entry's offset.
//
// The address list buffer is itself pinned, as the last handle, and its
// device address (plus req.AddressList.Offset) is returned, for the
// descriptor. Nothing remains pinned or mapped on failure.
func (x *Queue) mapTaskMemory(req *TaskRequest, layout Layout) (mem taskMemory, err error) {
	if req.NumAddresses == 0 {
		return mem, nil
	}

	list := Range{
		Offset: int(req.AddressList.Offset) + layout.AddressList.Offset,
		Size:   layout.AddressList.Size,
	}

	buf, err := x.device.DMABufs.Get(req.AddressList.Handle)
	if err != nil {
		return mem, fmt.Errorf(`%w: address list %d: %w`, ErrPinFailed, req.AddressList.Handle, err)
	}
	defer buf.Put()

	ptr, err := buf.Vmap()
	if err != nil {
		return mem, fmt.Errorf(`%w: address list %d: vmap: %w`, ErrPinFailed, req.AddressList.Handle, err)
	}
	defer buf.Vunmap(ptr)

	if list.End() > len(ptr) {
		return mem, fmt.Errorf(`%w: address list %d: range %+v exceeds buffer size %d`, ErrPinFailed, req.AddressList.Handle, list, len(ptr))
	}

	if err := buf.BeginCPUAccess(list.Offset, list.Size, DMAToDevice); err != nil {
		return mem, fmt.Errorf(`%w: address list %d: begin cpu access: %w`, ErrPinFailed, req.AddressList.Handle, err)
	}
	// must close before the deferred vunmap
	defer func() {
		if e := buf.EndCPUAccess(list.Offset, list.Size, DMAToDevice); e != nil {
			x.logger.Err().
				Err(e).
				Int(`queue`, x.id).
				Int64(`handle`, int64(req.AddressList.Handle)).
				Log(`failed to end cpu access`)
		}
	}()

	entries := ptr[list.Offset:list.End()]

	handles := make([]uint32, req.NumAddresses+1)
	offsets := make([]uint64, req.NumAddresses)
	for i := range req.NumAddresses {
		entry := entries[i*AddressListEntrySize:]
		handles[i] = binary.LittleEndian.Uint32(entry)
		offsets[i] = uint64(binary.LittleEndian.Uint32(entry[4:]))
	}
	handles[req.NumAddresses] = req.AddressList.Handle

	addrs := make([]uint64, len(handles))
	sizes := make([]uint64, len(handles))
	if err := x.device.Buffers.Pin(handles, addrs, sizes); err != nil {
		return mem, fmt.Errorf(`%w: %w`, ErrPinFailed, err)
	}

	for i, offset := range offsets {
		if offset >= sizes[i] {
			if e := x.device.Buffers.Unpin(handles); e != nil {
				x.logger.Err().
					Err(e).
					Int(`queue`, x.id).
					Log(`failed to unpin`)
			}
			return mem, fmt.Errorf(`%w: address %d: offset %d exceeds buffer %d size %d`, ErrPinFailed, i, offset, handles[i], sizes[i])
		}
	}

	for i, offset := range offsets {
		binary.LittleEndian.PutUint64(entries[i*AddressListEntrySize:], addrs[i]+offset)
	}

	mem.handles = handles
	mem.addressList = addrs[req.NumAddresses] + uint64(req.AddressList.Offset)

	return mem, nil
}
