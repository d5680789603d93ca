package dlaqueue

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Firmware ABI constants.
const (
	// DescriptorVersion is the descriptor format version understood by the
	// firmware.
	DescriptorVersion uint16 = 0x0001
	// EngineID identifies the engine the descriptor targets.
	EngineID uint8 = 0x01

	// HeaderSize is the size of the fixed descriptor header, which the
	// firmware declares as 256-byte aligned.
	HeaderSize = 256
	// DescriptorAlignment is the minimum alignment of the device address of
	// a descriptor. The submit command carries the address shifted right by 8.
	DescriptorAlignment = 256

	// MaxActionLists is the number of action lists of each kind (pre and
	// post) a descriptor advertises.
	MaxActionLists = 1

	// ActionListHeadSize is the size of an action list head (offset, size).
	ActionListHeadSize = 4
	// OpcodeSize is the size of an action opcode.
	OpcodeSize = 1
	// SemaphoreActionSize is the size of a semaphore action (address, value).
	SemaphoreActionSize = 12
	// ActionEntrySize is the size of an opcode plus its semaphore action.
	ActionEntrySize = OpcodeSize + SemaphoreActionSize

	// AddressListEntrySize is the size of an address list entry, both as
	// the caller writes it (handle, offset) and as the pinned device address.
	AddressListEntrySize = 8

	// the 16-bit offsets and sizes of the action lists bound their length
	maxActionsPerList = 4096
)

// Header field offsets.
const (
	offNext           = 0
	offSize           = 8
	offVersion        = 16
	offEngineID       = 18
	offIsAckNeeded    = 19
	offSequence       = 20
	offNumPreActions  = 24
	offNumPostActions = 25
	offPreActions     = 26
	offPostActions    = 28
	offQueueID        = 30
	offAddressList    = 31
	offNumAddresses   = 39
	offStatus         = 41
)

// Opcode is an action opcode.
type Opcode uint8

const (
	// OpTerminate ends an action list.
	OpTerminate Opcode = 0x00
	// OpSem is a post-action, which signals (increments) the semaphore.
	OpSem Opcode = 0x80
	// OpSemGE is a pre-action, which waits until the semaphore is greater
	// than or equal to the value.
	OpSemGE Opcode = 0x92
)

func (x Opcode) String() string {
	switch x {
	case OpTerminate:
		return `TERMINATE`
	case OpSem:
		return `SEM`
	case OpSemGE:
		return `SEM_GE`
	default:
		return fmt.Sprintf(`Opcode(0x%02x)`, uint8(x))
	}
}

type (
	// Range is a byte range within a buffer.
	Range struct {
		Offset int
		Size   int
	}

	// Layout is the byte layout of a task descriptor blob, computed once,
	// from the number of pre-fences, post-fences and addresses.
	//
	// The blob is laid out as the header, the pre action list head, the post
	// action list head, then the pre and post action entries. Each entry list
	// ends with a terminating opcode. AddressList is not part of the blob, it
	// is the range of the caller's address list buffer (relative to the
	// caller's offset) that is rewritten with device addresses.
	Layout struct {
		Header       Range
		PreListHead  Range
		PostListHead Range
		PreEntries   Range
		PostEntries  Range
		AddressList  Range
		NumPre       int
		NumPost      int
		NumAddresses int
	}

	// Header is the decoded form of the fixed descriptor header.
	Header struct {
		Next           uint64
		Size           uint64
		AddressList    uint64
		Sequence       uint32
		Version        uint16
		PreActions     uint16
		PostActions    uint16
		NumAddresses   uint16
		Status         uint16
		EngineID       uint8
		IsAckNeeded    uint8
		NumPreActions  uint8
		NumPostActions uint8
		QueueID        uint8
	}

	// Action is a decoded semaphore action.
	Action struct {
		Address uint64
		Value   uint32
		Opcode  Opcode
	}

	// Descriptor is a decoded descriptor blob, see DecodeDescriptor.
	Descriptor struct {
		PreActions  []Action
		PostActions []Action
		Header      Header
	}
)

// End returns the offset immediately after the range.
func (x Range) End() int { return x.Offset + x.Size }

// NewLayout computes the layout of a descriptor blob.
func NewLayout(numPre, numPost, numAddresses int) (Layout, error) {
	if numPre < 0 || numPre > maxActionsPerList ||
		numPost < 0 || numPost > maxActionsPerList ||
		numAddresses < 0 || numAddresses > 0xffff {
		return Layout{}, fmt.Errorf(`%w: layout (%d, %d, %d)`, ErrInvalidArgument, numPre, numPost, numAddresses)
	}

	var x Layout
	x.NumPre = numPre
	x.NumPost = numPost
	x.NumAddresses = numAddresses

	x.Header = Range{Offset: 0, Size: HeaderSize}
	x.PreListHead = Range{Offset: x.Header.End(), Size: MaxActionLists * ActionListHeadSize}
	x.PostListHead = Range{Offset: x.PreListHead.End(), Size: MaxActionLists * ActionListHeadSize}
	x.PreEntries = Range{Offset: x.PostListHead.End(), Size: actionListSize(numPre)}
	x.PostEntries = Range{Offset: x.PreEntries.End(), Size: actionListSize(numPost)}
	x.AddressList = Range{Offset: 0, Size: numAddresses * AddressListEntrySize}

	return x, nil
}

func actionListSize(n int) int {
	return n*ActionEntrySize + OpcodeSize
}

// Size returns the total size of the blob.
func (x Layout) Size() int { return x.PostEntries.End() }

// PreEntry returns the range of the i-th pre-action entry, where i may be
// NumPre, for the terminator.
func (x Layout) PreEntry(i int) Range { return entryRange(x.PreEntries, i, x.NumPre) }

// PostEntry returns the range of the i-th post-action entry, where i may be
// NumPost, for the terminator.
func (x Layout) PostEntry(i int) Range { return entryRange(x.PostEntries, i, x.NumPost) }

func entryRange(list Range, i, n int) Range {
	if i < 0 || i > n {
		panic(fmt.Sprintf(`dlaqueue: action index %d out of range [0, %d]`, i, n))
	}
	r := Range{Offset: list.Offset + i*ActionEntrySize, Size: ActionEntrySize}
	if i == n {
		r.Size = OpcodeSize
	}
	return r
}

// encode writes the header into b, which must be at least HeaderSize. The
// next field is not written, see StoreNext.
func (x *Header) encode(b []byte) {
	_ = b[HeaderSize-1]
	binary.LittleEndian.PutUint64(b[offSize:], x.Size)
	binary.LittleEndian.PutUint16(b[offVersion:], x.Version)
	b[offEngineID] = x.EngineID
	b[offIsAckNeeded] = x.IsAckNeeded
	binary.LittleEndian.PutUint32(b[offSequence:], x.Sequence)
	b[offNumPreActions] = x.NumPreActions
	b[offNumPostActions] = x.NumPostActions
	binary.LittleEndian.PutUint16(b[offPreActions:], x.PreActions)
	binary.LittleEndian.PutUint16(b[offPostActions:], x.PostActions)
	b[offQueueID] = x.QueueID
	binary.LittleEndian.PutUint64(b[offAddressList:], x.AddressList)
	binary.LittleEndian.PutUint16(b[offNumAddresses:], x.NumAddresses)
	binary.LittleEndian.PutUint16(b[offStatus:], x.Status)
}

// DecodeHeader decodes the fixed header at the start of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf(`dlaqueue: descriptor too short: %d`, len(b))
	}
	return Header{
		Next:           LoadNext(b),
		Size:           binary.LittleEndian.Uint64(b[offSize:]),
		Version:        binary.LittleEndian.Uint16(b[offVersion:]),
		EngineID:       b[offEngineID],
		IsAckNeeded:    b[offIsAckNeeded],
		Sequence:       binary.LittleEndian.Uint32(b[offSequence:]),
		NumPreActions:  b[offNumPreActions],
		NumPostActions: b[offNumPostActions],
		PreActions:     binary.LittleEndian.Uint16(b[offPreActions:]),
		PostActions:    binary.LittleEndian.Uint16(b[offPostActions:]),
		QueueID:        b[offQueueID],
		AddressList:    binary.LittleEndian.Uint64(b[offAddressList:]),
		NumAddresses:   binary.LittleEndian.Uint16(b[offNumAddresses:]),
		Status:         binary.LittleEndian.Uint16(b[offStatus:]),
	}, nil
}

// DecodeDescriptor decodes a descriptor blob, as the firmware would read it.
func DecodeDescriptor(b []byte) (*Descriptor, error) {
	header, err := DecodeHeader(b)
	if err != nil {
		return nil, err
	}
	if header.Version != DescriptorVersion || header.EngineID != EngineID {
		return nil, fmt.Errorf(`dlaqueue: unsupported descriptor: version=%#x engine=%#x`, header.Version, header.EngineID)
	}
	if header.Size > uint64(len(b)) {
		return nil, fmt.Errorf(`dlaqueue: descriptor size %d exceeds buffer %d`, header.Size, len(b))
	}
	b = b[:header.Size]

	x := Descriptor{Header: header}
	if header.NumPreActions > 0 {
		if x.PreActions, err = decodeActionList(b, int(header.PreActions)); err != nil {
			return nil, fmt.Errorf(`dlaqueue: pre-actions: %w`, err)
		}
	}
	if header.NumPostActions > 0 {
		if x.PostActions, err = decodeActionList(b, int(header.PostActions)); err != nil {
			return nil, fmt.Errorf(`dlaqueue: post-actions: %w`, err)
		}
	}
	return &x, nil
}

// Encode writes the descriptor into b, which must be at least the size of
// its layout, as returned. The size, list offsets, and list counts of the
// header are derived from the layout, the other header fields are written
// as-is, including Next, if non-zero.
func (x *Descriptor) Encode(b []byte) (Layout, error) {
	layout, err := NewLayout(len(x.PreActions), len(x.PostActions), int(x.Header.NumAddresses))
	if err != nil {
		return Layout{}, err
	}
	if len(b) < layout.Size() {
		return Layout{}, fmt.Errorf(`dlaqueue: descriptor buffer %d smaller than %d`, len(b), layout.Size())
	}

	header := x.Header
	header.Size = uint64(layout.Size())
	header.NumPreActions = MaxActionLists
	header.NumPostActions = MaxActionLists
	header.PreActions = uint16(layout.PreListHead.Offset)
	header.PostActions = uint16(layout.PostListHead.Offset)
	header.encode(b)
	if header.Next != 0 {
		StoreNext(b, header.Next)
	}

	writeListHead(b, layout.PreListHead, layout.PreEntries)
	writeListHead(b, layout.PostListHead, layout.PostEntries)
	for i, action := range x.PreActions {
		writeAction(b, layout.PreEntry(i), action)
	}
	writeTerminator(b, layout.PreEntry(layout.NumPre))
	for i, action := range x.PostActions {
		writeAction(b, layout.PostEntry(i), action)
	}
	writeTerminator(b, layout.PostEntry(layout.NumPost))

	return layout, nil
}

// decodeActionList decodes the entries of the list whose head is at off,
// excluding the terminator.
func decodeActionList(b []byte, off int) ([]Action, error) {
	if off+ActionListHeadSize > len(b) {
		return nil, fmt.Errorf(`list head %d out of bounds`, off)
	}
	list := Range{
		Offset: int(binary.LittleEndian.Uint16(b[off:])),
		Size:   int(binary.LittleEndian.Uint16(b[off+2:])),
	}
	if list.End() > len(b) || list.Size < OpcodeSize {
		return nil, fmt.Errorf(`list %+v out of bounds`, list)
	}
	b = b[list.Offset:list.End()]

	var actions []Action
	for len(b) != 0 {
		op := Opcode(b[0])
		if op == OpTerminate {
			return actions, nil
		}
		if len(b) < ActionEntrySize {
			return nil, fmt.Errorf(`truncated %s action`, op)
		}
		actions = append(actions, Action{
			Opcode:  op,
			Address: binary.LittleEndian.Uint64(b[OpcodeSize:]),
			Value:   binary.LittleEndian.Uint32(b[OpcodeSize+8:]),
		})
		b = b[ActionEntrySize:]
	}
	return nil, fmt.Errorf(`unterminated action list`)
}

func writeAction(b []byte, r Range, action Action) {
	b[r.Offset] = byte(action.Opcode)
	binary.LittleEndian.PutUint64(b[r.Offset+OpcodeSize:], action.Address)
	binary.LittleEndian.PutUint32(b[r.Offset+OpcodeSize+8:], action.Value)
}

func writeTerminator(b []byte, r Range) {
	b[r.Offset] = byte(OpTerminate)
}

func writeListHead(b []byte, head Range, list Range) {
	binary.LittleEndian.PutUint16(b[head.Offset:], uint16(list.Offset))
	binary.LittleEndian.PutUint16(b[head.Offset+2:], uint16(list.Size))
}

// StoreNext atomically sets the next field of the descriptor at the start of
// b. The next field of a submitted descriptor is written while the firmware
// may be reading it, so it must only be accessed via StoreNext and LoadNext.
// The start of b must be 8-byte aligned.
func StoreNext(b []byte, addr uint64) {
	atomic.StoreUint64(nextField(b), addr)
}

// LoadNext atomically reads the next field, see StoreNext.
func LoadNext(b []byte) uint64 {
	return atomic.LoadUint64(nextField(b))
}

// nextField is only correct on little-endian hosts, which is all the
// firmware supports.
func nextField(b []byte) *uint64 {
	_ = b[offNext+7]
	p := unsafe.Pointer(&b[offNext])
	if uintptr(p)%8 != 0 {
		panic(`dlaqueue: misaligned descriptor`)
	}
	return (*uint64)(p)
}

// SetStatus writes the firmware status field of a descriptor.
func SetStatus(b []byte, status uint16) {
	binary.LittleEndian.PutUint16(b[offStatus:], status)
}
