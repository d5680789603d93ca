package dlaqueue

import (
	"fmt"
)

type (
	// Fence is a (syncpoint, value) pair. As a pre-fence it is a wait
	// condition, as a post-fence it is a signal produced by the task.
	Fence struct {
		Type      FenceType
		Syncpoint uint32
		Value     uint32
	}

	// FenceType identifies how a fence is exposed to the caller.
	FenceType uint32

	// fenceTable holds the fences of a task. The counts are fixed when the
	// task is allocated, both slices share one backing array.
	fenceTable struct {
		pre  []Fence
		post []Fence
	}
)

const (
	// FenceTypeSyncpoint is a fence exposed as a raw (syncpoint, value) pair.
	FenceTypeSyncpoint FenceType = iota
	// FenceTypeSyncFD is a fence exposed as a sync file descriptor.
	FenceTypeSyncFD
)

func (x FenceType) String() string {
	switch x {
	case FenceTypeSyncpoint:
		return `syncpoint`
	case FenceTypeSyncFD:
		return `sync-fd`
	default:
		return fmt.Sprintf(`FenceType(%d)`, uint32(x))
	}
}

func newFenceTable(numPre, numPost int) fenceTable {
	mem := make([]Fence, numPre+numPost)
	return fenceTable{
		pre:  mem[:numPre:numPre],
		post: mem[numPre:],
	}
}

// read fills the table from caller supplied fences. The pre-fences are
// copied as-is, post-fence values are discarded, as they are assigned at
// submit. Either kind is invalid with a zero syncpoint id, or any id that
// valid rejects. Entries written before an invalid fence are left in place.
func (x fenceTable) read(pre, post []Fence, valid func(id uint32) bool) error {
	if len(pre) != len(x.pre) || len(post) != len(x.post) {
		return fmt.Errorf(`%w: fence count mismatch`, ErrInvalidArgument)
	}

	for i, fence := range pre {
		if fence.Syncpoint == 0 {
			return fmt.Errorf(`%w: pre-fence %d: zero syncpoint`, ErrInvalidFence, i)
		}
		if !valid(fence.Syncpoint) {
			return fmt.Errorf(`%w: pre-fence %d: unknown syncpoint %d`, ErrInvalidFence, i, fence.Syncpoint)
		}
		x.pre[i] = fence
	}

	for i, fence := range post {
		if fence.Syncpoint == 0 {
			return fmt.Errorf(`%w: post-fence %d: zero syncpoint`, ErrInvalidFence, i)
		}
		if !valid(fence.Syncpoint) {
			return fmt.Errorf(`%w: post-fence %d: unknown syncpoint %d`, ErrInvalidFence, i, fence.Syncpoint)
		}
		x.post[i] = Fence{Type: fence.Type, Syncpoint: fence.Syncpoint}
	}

	return nil
}
