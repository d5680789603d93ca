package dlaqueue

import (
	"fmt"
	"sync"
	"sync/atomic"
)

type (
	// TaskID identifies a task within its queue. It is never reused by a
	// later task, and the zero value is never valid.
	TaskID uint64

	// TaskState is the lifecycle state of a task.
	TaskState int32

	// TaskRequest models the caller's description of a task, see
	// Queue.AllocTask.
	TaskRequest struct {
		// PreFences must each be reached before the task may start.
		PreFences []Fence

		// PostFences are signaled by the task. At least one is required, the
		// first is always replaced by the queue's own completion fence, and
		// the value of every post-fence is assigned on submit, see
		// Queue.PostFences.
		PostFences []Fence

		// AddressList is the buffer (and offset within it) holding
		// NumAddresses entries, each an 8-byte (handle, offset) pair. On
		// success, each entry is overwritten with the device address of the
		// buffer it named, plus its offset.
		AddressList MemHandle

		// NumAddresses is the number of entries in AddressList, which is
		// ignored if zero.
		NumAddresses int
	}

	// TaskInfo is a snapshot of a task, see Queue.Task.
	TaskInfo struct {
		ID             TaskID
		State          TaskState
		Fence          uint32
		Sequence       uint32
		DescriptorAddr uint64
		DescriptorSize int
		NumHandles     int
		Refs           int
	}

	task struct {
		queue   *Queue
		done    chan struct{}
		fences  fenceTable
		layout  Layout
		desc    DeviceBuffer
		handles []uint32

		id    TaskID
		refs  atomic.Int32
		// the subset of refs taken by AllocTask and Acquire
		held  atomic.Int32
		state atomic.Int32

		// guarded by queue.listMu
		fence    uint32
		sequence uint32
	}

	// taskArena owns the tasks of a queue, indexed by TaskID.
	taskArena struct {
		mu    sync.Mutex
		slots []arenaSlot
		free  []uint32
	}

	arenaSlot struct {
		task *task
		gen  uint32
	}
)

const (
	// TaskBuilt is a task that has been allocated, but not submitted.
	TaskBuilt TaskState = iota
	// TaskSubmitted is a task that is in the in-flight list of its queue.
	TaskSubmitted
	// TaskCompleted is a task that has been reaped from the in-flight list.
	TaskCompleted
	// TaskFreed is a task whose resources have been released.
	TaskFreed
)

var taskStateNames = [...]string{
	TaskBuilt:     `built`,
	TaskSubmitted: `submitted`,
	TaskCompleted: `completed`,
	TaskFreed:     `freed`,
}

func (x TaskState) String() string {
	if x >= 0 && int(x) < len(taskStateNames) {
		return taskStateNames[x]
	}
	return fmt.Sprintf(`TaskState(%d)`, int32(x))
}

func (x TaskID) index() int     { return int(uint32(x)) - 1 }
func (x TaskID) gen() uint32    { return uint32(x >> 32) }
func (x TaskID) String() string { return fmt.Sprintf(`%d.%d`, x.index(), x.gen()) }

func (x *taskArena) insert(t *task) TaskID {
	x.mu.Lock()
	defer x.mu.Unlock()
	var index uint32
	if n := len(x.free); n != 0 {
		index = x.free[n-1]
		x.free = x.free[:n-1]
	} else {
		index = uint32(len(x.slots))
		x.slots = append(x.slots, arenaSlot{})
	}
	slot := &x.slots[index]
	slot.task = t
	t.id = TaskID(uint64(slot.gen)<<32 | uint64(index+1))
	return t.id
}

// lookup returns the task identified by id, or nil if it has been removed.
func (x *taskArena) lookup(id TaskID) *task {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.lookupLocked(id)
}

func (x *taskArena) lookupLocked(id TaskID) *task {
	index := id.index()
	if index < 0 || index >= len(x.slots) {
		return nil
	}
	slot := &x.slots[index]
	if slot.gen != id.gen() {
		return nil
	}
	return slot.task
}

// tryGet returns the task with an additional reference, unless it is not
// found, or its references have already reached zero.
func (x *taskArena) tryGet(id TaskID) *task {
	x.mu.Lock()
	defer x.mu.Unlock()
	t := x.lookupLocked(id)
	if t == nil || !incrementUnlessZero(&t.refs) {
		return nil
	}
	return t
}

func (x *taskArena) remove(id TaskID) {
	x.mu.Lock()
	defer x.mu.Unlock()
	index := id.index()
	slot := &x.slots[index]
	if slot.gen != id.gen() || slot.task == nil {
		panic(fmt.Sprintf(`dlaqueue: arena: double free of task %s`, id))
	}
	slot.task = nil
	slot.gen++
	x.free = append(x.free, uint32(index))
}

func (x *taskArena) len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.slots) - len(x.free)
}

func incrementUnlessZero(v *atomic.Int32) bool {
	for {
		n := v.Load()
		if n <= 0 {
			return false
		}
		if v.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func decrementUnlessZero(v *atomic.Int32) (int32, bool) {
	for {
		n := v.Load()
		if n <= 0 {
			return 0, false
		}
		if v.CompareAndSwap(n, n-1) {
			return n - 1, true
		}
	}
}

// acquire takes a reference on the task, and on its queue.
func (x *Queue) acquire(t *task) {
	if !incrementUnlessZero(&t.refs) {
		panic(fmt.Sprintf(`dlaqueue: acquire of released task %s`, t.id))
	}
	x.get()
}

// ref returns the task with an additional reference on it, and its queue,
// which must be dropped by release.
func (x *Queue) ref(id TaskID) (*task, error) {
	t := x.arena.tryGet(id)
	if t == nil {
		return nil, fmt.Errorf(`%w: %s`, ErrInvalidTask, id)
	}
	x.get()
	return t, nil
}

// drop is release, for internal references, which cannot underflow.
func (x *Queue) drop(t *task) {
	if err := x.release(t); err != nil {
		panic(err)
	}
}

// release drops a reference on the task, freeing it at zero, then drops the
// corresponding queue reference. It never touches the in-flight list.
func (x *Queue) release(t *task) error {
	refs, ok := decrementUnlessZero(&t.refs)
	if !ok {
		return fmt.Errorf(`%w: task %s already released`, ErrInvalidTask, t.id)
	}
	if refs == 0 {
		x.freeTask(t)
	}
	x.put()
	return nil
}

// freeTask releases the descriptor and handle list of a task whose last
// reference was dropped. A task that was never submitted still holds its
// pins, which are released here, submitted tasks are unpinned when they are
// reaped, see completeLocked.
func (x *Queue) freeTask(t *task) {
	x.logger.Debug().
		Int(`queue`, x.id).
		Stringer(`task`, t.id).
		Log(`freeing task`)

	if TaskState(t.state.Swap(int32(TaskFreed))) == TaskBuilt && len(t.handles) != 0 {
		x.unpin(t)
	}

	if t.desc.Bytes != nil {
		x.device.Memory.Free(t.desc)
		t.desc = DeviceBuffer{}
	}

	t.handles = nil

	if t.id != 0 {
		x.arena.remove(t.id)
	}
}

// completeLocked reaps a completed task from the head of the in-flight list,
// returning its syncpoint reference and pins, and dropping the list's task
// reference. The caller must hold listMu.
func (x *Queue) completeLocked(t *task) {
	x.logger.Debug().
		Int(`queue`, x.id).
		Stringer(`task`, t.id).
		Int64(`syncpt`, int64(x.syncpt)).
		Int64(`fence`, int64(t.fence)).
		Log(`task completed`)

	x.device.Syncpoints.PutRef(x.syncpt)

	if len(t.handles) != 0 {
		x.unpin(t)
	}

	if len(x.inflight) == 0 || x.inflight[0] != t.id {
		panic(fmt.Sprintf(`dlaqueue: task %s is not the head of the in-flight list`, t.id))
	}
	x.inflight[0] = 0
	x.inflight = x.inflight[1:]

	t.state.Store(int32(TaskCompleted))
	close(t.done)

	x.drop(t)
}

func (x *Queue) unpin(t *task) {
	if err := x.device.Buffers.Unpin(t.handles); err != nil {
		x.logger.Err().
			Err(err).
			Int(`queue`, x.id).
			Stringer(`task`, t.id).
			Log(`failed to unpin task memory`)
	}
}
