package dlaqueue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// Firmware commands.
const (
	CmdPing       uint32 = 1
	CmdGetStatus  uint32 = 2
	CmdSubmitTask uint32 = 7
	CmdQueueFlush uint32 = 12

	// MethodIDCmdMask extracts the command from a method id.
	MethodIDCmdMask uint32 = 0xff
	// IntOnCompleteShift is the bit requesting an interrupt on completion.
	IntOnCompleteShift = 8
	// IntOnErrorShift is the bit requesting an interrupt on error.
	IntOnErrorShift = 9
)

// sequenceWrap is the value at which the queue sequence wraps back to zero,
// one short of the maximum.
const sequenceWrap = math.MaxUint32 - 1

type (
	// Queue is a hardware execution context, and the tasks in flight on it.
	// Queues are allocated by a Pool.
	Queue struct {
		pool     *Pool
		device   Device
		cfg      *resolvedConfig
		logger   *logiface.Logger[logiface.Event]
		notifier queueNotifier
		arena    taskArena

		// listMu guards inflight, sequence, and per-task membership state
		listMu   sync.Mutex
		inflight []TaskID
		sequence uint32

		refs     atomic.Int32
		aborting atomic.Int32
		closed   atomic.Bool

		syncpt uint32
		id     int
	}

	// queueNotifier routes completion notifications to a queue, through its
	// pool, by queue id. The generation guards against a later queue that
	// reused the id.
	queueNotifier struct {
		pool *Pool
		id   int
		gen  uint32
	}
)

// ID returns the queue id used by the firmware to address the queue.
func (x *Queue) ID() int { return x.id }

// Syncpoint returns the id of the syncpoint tracking the queue's completions.
func (x *Queue) Syncpoint() uint32 { return x.syncpt }

// Active reports whether any task is in flight, or an abort is in progress.
func (x *Queue) Active() bool {
	if x.aborting.Load() != 0 {
		return true
	}
	x.listMu.Lock()
	defer x.listMu.Unlock()
	return len(x.inflight) != 0
}

// InFlight returns the ids of the tasks in flight, in submission order.
func (x *Queue) InFlight() []TaskID {
	x.listMu.Lock()
	defer x.listMu.Unlock()
	return append([]TaskID(nil), x.inflight...)
}

// AllocTask builds a task: it validates the fences, allocates and fills the
// descriptor blob, then pins the task's memory. The returned task holds one
// reference, which the caller must eventually Release. Nothing is retained
// on failure.
func (x *Queue) AllocTask(req *TaskRequest) (TaskID, error) {
	if req == nil {
		return 0, fmt.Errorf(`%w: nil request`, ErrInvalidArgument)
	}
	if len(req.PreFences) > x.cfg.maxPreFences ||
		len(req.PostFences) < 1 || len(req.PostFences) > x.cfg.maxPostFences ||
		req.NumAddresses < 0 || req.NumAddresses > x.cfg.maxAddresses {
		return 0, fmt.Errorf(`%w: pre=%d post=%d addresses=%d`, ErrInvalidArgument, len(req.PreFences), len(req.PostFences), req.NumAddresses)
	}

	layout, err := NewLayout(len(req.PreFences), len(req.PostFences), req.NumAddresses)
	if err != nil {
		return 0, err
	}

	if !x.tryGet() {
		return 0, ErrQueueClosed
	}
	if x.closed.Load() {
		x.put()
		return 0, ErrQueueClosed
	}

	t := &task{
		queue:  x,
		done:   make(chan struct{}),
		fences: newFenceTable(len(req.PreFences), len(req.PostFences)),
		layout: layout,
	}
	t.refs.Store(1)
	t.held.Store(1)

	if err := x.buildTask(t, req); err != nil {
		// not yet in the arena, and never pinned
		x.freeTask(t)
		x.put()
		x.logger.Err().
			Err(err).
			Int(`queue`, x.id).
			Log(`task allocation failed`)
		return 0, err
	}

	x.arena.insert(t)

	x.logger.Debug().
		Int(`queue`, x.id).
		Stringer(`task`, t.id).
		Int(`size`, layout.Size()).
		Int64(`sequence`, int64(t.sequence)).
		Log(`task initialized`)

	return t.id, nil
}

func (x *Queue) buildTask(t *task, req *TaskRequest) error {
	if err := t.fences.read(req.PreFences, req.PostFences, x.device.Syncpoints.Valid); err != nil {
		return err
	}

	desc, err := x.device.Memory.Alloc(t.layout.Size())
	if err != nil {
		return fmt.Errorf(`%w: descriptor of %d bytes: %w`, ErrOutOfMemory, t.layout.Size(), err)
	}
	if len(desc.Bytes) < t.layout.Size() || desc.Addr%DescriptorAlignment != 0 {
		x.device.Memory.Free(desc)
		return fmt.Errorf(`%w: invalid descriptor allocation`, ErrOutOfMemory)
	}
	t.desc = desc

	x.listMu.Lock()
	t.sequence = x.nextSequenceLocked()
	x.listMu.Unlock()

	x.writeDescriptor(t)

	mem, err := x.mapTaskMemory(req, t.layout)
	if err != nil {
		return err
	}
	t.handles = mem.handles

	header := Header{
		Size:           uint64(t.layout.Size()),
		Version:        DescriptorVersion,
		EngineID:       EngineID,
		Sequence:       t.sequence,
		NumPreActions:  MaxActionLists,
		NumPostActions: MaxActionLists,
		PreActions:     uint16(t.layout.PreListHead.Offset),
		PostActions:    uint16(t.layout.PostListHead.Offset),
		QueueID:        uint8(x.id),
		AddressList:    mem.addressList,
		NumAddresses:   uint16(req.NumAddresses),
	}
	header.encode(t.desc.Bytes)

	return nil
}

// nextSequenceLocked increments the sequence, wrapping to zero one value
// before the maximum. The caller must hold listMu.
func (x *Queue) nextSequenceLocked() uint32 {
	x.sequence++
	if x.sequence >= sequenceWrap {
		x.sequence = 0
	}
	return x.sequence
}

// writeDescriptor fills the action lists of the descriptor. Post-action 0
// targets the queue's own syncpoint, and is filled on submit.
func (x *Queue) writeDescriptor(t *task) {
	b := t.desc.Bytes
	layout := t.layout

	writeListHead(b, layout.PreListHead, layout.PreEntries)
	writeListHead(b, layout.PostListHead, layout.PostEntries)

	for i, fence := range t.fences.pre {
		writeAction(b, layout.PreEntry(i), Action{
			Opcode:  OpSemGE,
			Address: x.device.Syncpoints.Address(fence.Syncpoint),
			Value:   fence.Value,
		})
	}
	writeTerminator(b, layout.PreEntry(layout.NumPre))

	for i, fence := range t.fences.post {
		action := Action{Opcode: OpSem}
		if i != 0 {
			action.Address = x.device.Syncpoints.Address(fence.Syncpoint)
		}
		writeAction(b, layout.PostEntry(i), action)
	}
	writeTerminator(b, layout.PostEntry(layout.NumPost))
}

// Submit links a built task into the in-flight list, assigns its completion
// value, and sends it to the firmware.
//
// If the firmware rejects the task, the syncpoint maximum is rolled back, so
// waiters are not left expecting an unreachable value, but the task remains
// in the in-flight list, and the queue should be aborted to recover.
func (x *Queue) Submit(ctx context.Context, id TaskID) error {
	if x.closed.Load() {
		return ErrQueueClosed
	}

	// the submission path's reference
	t, err := x.ref(id)
	if err != nil {
		return err
	}
	defer x.drop(t)

	if err := x.device.Power.Busy(); err != nil {
		return fmt.Errorf(`%w: power on: %w`, ErrSubmitFailed, err)
	}

	x.listMu.Lock()
	defer x.listMu.Unlock()

	if !t.state.CompareAndSwap(int32(TaskBuilt), int32(TaskSubmitted)) {
		x.device.Power.Idle()
		return fmt.Errorf(`%w: %s is %s`, ErrInvalidTask, id, TaskState(t.state.Load()))
	}

	// the list's reference
	x.acquire(t)

	if n := len(x.inflight); n != 0 {
		if last := x.arena.lookup(x.inflight[n-1]); last != nil {
			StoreNext(last.desc.Bytes, t.desc.Addr)
		} else {
			x.logger.Err().
				Int(`queue`, x.id).
				Stringer(`task`, x.inflight[n-1]).
				Log(`in-flight task missing, not chained`)
		}
	}
	x.inflight = append(x.inflight, id)

	sp := x.device.Syncpoints

	// reserved values, for rollback
	prevMax := make([]uint32, len(t.fences.post))
	prevMax[0] = sp.ReadMax(x.syncpt)
	t.fence = sp.IncrMax(x.syncpt, 1)
	sp.GetRef(x.syncpt)

	t.fences.post[0] = Fence{Type: t.fences.post[0].Type, Syncpoint: x.syncpt, Value: t.fence}
	for i := 1; i < len(t.fences.post); i++ {
		fence := &t.fences.post[i]
		prevMax[i] = sp.ReadMax(fence.Syncpoint)
		fence.Value = sp.IncrMax(fence.Syncpoint, 1)
	}

	x.logger.Debug().
		Int(`queue`, x.id).
		Stringer(`task`, id).
		Int64(`syncpt`, int64(x.syncpt)).
		Int64(`fence`, int64(t.fence)).
		Log(`task added to list`)

	rollback := func() {
		for i := len(t.fences.post) - 1; i >= 0; i-- {
			sp.SetMax(t.fences.post[i].Syncpoint, prevMax[i])
		}
	}

	if err := sp.RegisterNotifier(x.syncpt, t.fence, x.notifier); err != nil {
		rollback()
		// no notification will release the activity reference
		x.device.Power.Idle()
		x.logger.Err().
			Err(err).
			Int(`queue`, x.id).
			Stringer(`task`, id).
			Log(`failed to register notifier`)
		return fmt.Errorf(`%w: register notifier: %w`, ErrSubmitFailed, err)
	}

	b := t.desc.Bytes
	for i, fence := range t.fences.post {
		writeAction(b, t.layout.PostEntry(i), Action{
			Opcode:  OpSem,
			Address: sp.Address(fence.Syncpoint),
			Value:   fence.Value,
		})
	}

	method := (CmdSubmitTask & MethodIDCmdMask) |
		(1 << IntOnCompleteShift) |
		(1 << IntOnErrorShift)
	data := uint32(t.desc.Addr >> 8)

	if err := x.device.Channel.SendCommand(ctx, method, data, true); err != nil {
		rollback()
		x.logger.Err().
			Err(err).
			Int(`queue`, x.id).
			Stringer(`task`, id).
			Log(`failed to submit task`)
		return fmt.Errorf(`%w: %w`, ErrSubmitFailed, err)
	}

	return nil
}

// update reaps completed tasks, from the head of the in-flight list, then
// releases the activity references of the completed submissions.
func (x *Queue) update(completed int) {
	x.listMu.Lock()
	var reaped int
	for len(x.inflight) != 0 {
		t := x.arena.lookup(x.inflight[0])
		if t == nil {
			x.logger.Err().
				Int(`queue`, x.id).
				Stringer(`task`, x.inflight[0]).
				Log(`in-flight task missing, not reaped`)
			break
		}
		if !x.device.Syncpoints.IsExpired(x.syncpt, t.fence) {
			break
		}
		x.completeLocked(t)
		reaped++
	}
	x.listMu.Unlock()

	x.logger.Debug().
		Int(`queue`, x.id).
		Int(`completed`, completed).
		Int(`reaped`, reaped).
		Log(`queue update`)

	if completed > 0 {
		x.device.Power.IdleMult(completed)
	}
}

// Abort flushes the firmware side of the queue, then forces the queue's
// syncpoint to the completion value of the last task in flight, which
// completes every task in flight. Flushing is retried, while the firmware
// reports it is busy, for up to the configured abort timeout. Every task in
// flight at the time of the flush has been reaped once Abort returns.
//
// On failure the queue and its tasks are left as they were. If ctx is done
// while waiting to retry, the error wraps both ErrFlushTimeout and the
// context's error.
func (x *Queue) Abort(ctx context.Context) error {
	x.aborting.Add(1)
	defer x.aborting.Add(-1)

	if err := x.device.Power.Busy(); err != nil {
		x.logger.Err().
			Err(err).
			Int(`queue`, x.id).
			Log(`failed to power on`)
		return fmt.Errorf(`%w: power on: %w`, ErrEngineBusy, err)
	}
	defer x.device.Power.Idle()

	retries := x.cfg.abortRetries
	var err error
	for {
		err = x.device.Channel.SendCommand(ctx, CmdQueueFlush, uint32(x.id), true)
		if !errors.Is(err, ErrProcessorBusy) {
			break
		}
		retries--
		if retries == 0 {
			break
		}
		x.logger.Warning().
			Int(`queue`, x.id).
			Int(`retries`, retries).
			Log(`engine busy, retrying flush`)
		if e := sleep(ctx, x.cfg.abortRetryPeriod); e != nil {
			x.logger.Err().
				Err(e).
				Int(`queue`, x.id).
				Int(`retries`, retries).
				Log(`queue abort canceled`)
			return fmt.Errorf(`%w: queue %d: %w`, ErrFlushTimeout, x.id, e)
		}
	}

	if err != nil {
		x.logger.Err().
			Err(err).
			Int(`queue`, x.id).
			Int(`retries`, retries).
			Log(`queue abort failed`)
		if retries == 0 {
			return fmt.Errorf(`%w: queue %d: %w`, ErrFlushTimeout, x.id, err)
		}
		return fmt.Errorf(`%w: queue %d: %w`, ErrEngineBusy, x.id, err)
	}

	x.logger.Debug().
		Int(`queue`, x.id).
		Log(`engine queue flush done`)

	x.listMu.Lock()
	var last *task
	if n := len(x.inflight); n != 0 {
		last = x.arena.lookup(x.inflight[n-1])
	}
	var fence uint32
	if last != nil {
		fence = last.fence
	}
	x.listMu.Unlock()

	if last != nil {
		sp := x.device.Syncpoints
		sp.Reset(x.syncpt, fence)
		x.logger.Info().
			Int(`queue`, x.id).
			Int64(`syncpt`, int64(x.syncpt)).
			Int64(`min`, int64(sp.UpdateMin(x.syncpt))).
			Int64(`max`, int64(sp.ReadMax(x.syncpt))).
			Log(`queue syncpoint reset`)

		// reap now, including any task whose notifier failed to register,
		// the activity references are released by the notifications
		x.update(0)
	}

	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Acquire takes an additional reference on a task, which must be paired
// with a call to Release.
func (x *Queue) Acquire(id TaskID) error {
	t, err := x.ref(id)
	if err != nil {
		return err
	}
	t.held.Add(1)
	return nil
}

// Release drops a reference taken by AllocTask or Acquire. The task is freed
// once every reference has been released, including that of the in-flight
// list, which only reaping drops. Releasing more references than were taken
// fails with ErrInvalidTask.
func (x *Queue) Release(id TaskID) error {
	t := x.arena.lookup(id)
	if t == nil {
		return fmt.Errorf(`%w: %s`, ErrInvalidTask, id)
	}
	if _, ok := decrementUnlessZero(&t.held); !ok {
		return fmt.Errorf(`%w: %s already released`, ErrInvalidTask, id)
	}
	return x.release(t)
}

// Task returns a snapshot of a task.
func (x *Queue) Task(id TaskID) (TaskInfo, error) {
	t, err := x.ref(id)
	if err != nil {
		return TaskInfo{}, err
	}
	defer x.drop(t)
	x.listMu.Lock()
	defer x.listMu.Unlock()
	return TaskInfo{
		ID:             id,
		State:          TaskState(t.state.Load()),
		Fence:          t.fence,
		Sequence:       t.sequence,
		DescriptorAddr: t.desc.Addr,
		DescriptorSize: t.layout.Size(),
		NumHandles:     len(t.handles),
		// excluding our own
		Refs: int(t.refs.Load()) - 1,
	}, nil
}

// PostFences returns the post-fences of a task. After Submit, each carries
// the syncpoint and value the task will signal, the first being the queue's
// own syncpoint.
func (x *Queue) PostFences(id TaskID) ([]Fence, error) {
	t, err := x.ref(id)
	if err != nil {
		return nil, err
	}
	defer x.drop(t)
	x.listMu.Lock()
	defer x.listMu.Unlock()
	return append([]Fence(nil), t.fences.post...), nil
}

// Wait blocks until the task has been reaped from the in-flight list, or ctx
// is canceled.
func (x *Queue) Wait(ctx context.Context, id TaskID) error {
	t := x.arena.lookup(id)
	if t == nil {
		return fmt.Errorf(`%w: %s`, ErrInvalidTask, id)
	}
	if TaskState(t.state.Load()) == TaskBuilt {
		return fmt.Errorf(`%w: %s is not submitted`, ErrInvalidTask, id)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return nil
	}
}

// Close aborts the queue, then releases the caller's reference to it. The
// queue id and syncpoint are returned to the pool once every task has been
// released. If the abort fails the queue remains open.
func (x *Queue) Close(ctx context.Context) error {
	if x.closed.Load() {
		return ErrQueueClosed
	}
	if err := x.Abort(ctx); err != nil {
		return err
	}
	if !x.closed.CompareAndSwap(false, true) {
		return ErrQueueClosed
	}
	x.logger.Info().
		Int(`queue`, x.id).
		Log(`queue closed`)
	x.put()
	return nil
}

func (x *Queue) get() {
	x.refs.Add(1)
}

// tryGet takes a reference on the queue, unless it has already been
// released to the pool.
func (x *Queue) tryGet() bool {
	return incrementUnlessZero(&x.refs)
}

func (x *Queue) put() {
	switch refs := x.refs.Add(-1); {
	case refs == 0:
		x.pool.release(x)
	case refs < 0:
		panic(`dlaqueue: queue reference underflow`)
	}
}

// Notify implements Notifier.
func (x queueNotifier) Notify(completed int) {
	x.pool.notify(x.id, x.gen, completed)
}
