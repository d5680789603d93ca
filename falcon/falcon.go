// Package falcon implements a simulated accelerator firmware, which consumes
// the commands sent by a dlaqueue.Queue. It implements
// dlaqueue.CommandChannel.
//
// Each queue is served by its own worker, which executes the queue's
// descriptors in submission order: it waits for the pre-actions, runs the
// Executor (if any), writes the status, then performs the post-actions.
package falcon

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-dlaqueue"
	"github.com/joeycumines/logiface"
)

// Descriptor status values, written by the firmware.
const (
	StatusPending  uint16 = 0
	StatusComplete uint16 = 1
	StatusFailed   uint16 = 2
)

// ErrClosed indicates the engine has been closed.
var ErrClosed = errors.New(`falcon: engine closed`)

type (
	// Memory resolves device addresses, e.g. a devmem.Arena.
	Memory interface {
		Slice(addr uint64, n int) ([]byte, error)
	}

	// Syncpoints is the subset of the syncpoint service used by the
	// firmware, e.g. a syncpt.Service.
	Syncpoints interface {
		IDForAddress(addr uint64) (uint32, bool)
		Wait(ctx context.Context, id uint32, thresh uint32) error
		Incr(id uint32) error
	}

	// Executor performs the work of a task. An error marks the task as
	// failed, but its post-actions are still performed.
	Executor func(ctx context.Context, desc *dlaqueue.Descriptor) error

	// Engine is the simulated firmware. It must be closed, to stop its
	// workers.
	Engine struct {
		mem      Memory
		sp       Syncpoints
		logger   *logiface.Logger[logiface.Event]
		limiter  *catrate.Limiter
		executor Executor
		ctx      context.Context
		cancel   context.CancelFunc
		wg       sync.WaitGroup

		mu     sync.Mutex
		queues map[uint8]*engineQueue
		closed bool
	}

	engineQueue struct {
		signal chan struct{}

		// guarded by Engine.mu
		pending    []uint64
		last       uint64
		cancelWait context.CancelFunc
		executing  bool
		executed   int
		flushed    int
		id         uint8
	}

	// QueueStats summarizes the activity of a queue.
	QueueStats struct {
		Pending  int
		Executed int
		Flushed  int
	}
)

var _ dlaqueue.CommandChannel = (*Engine)(nil)

// New initializes a new Engine. It will panic if mem or sp are nil.
func New(mem Memory, sp Syncpoints, opts ...Option) *Engine {
	if mem == nil || sp == nil {
		panic(`falcon: nil memory or syncpoints`)
	}
	c := resolveOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		mem:      mem,
		sp:       sp,
		logger:   c.logger,
		limiter:  c.limiter,
		executor: c.executor,
		ctx:      ctx,
		cancel:   cancel,
		queues:   make(map[uint8]*engineQueue),
	}
}

// SendCommand handles a command. Commands are acknowledged synchronously,
// so wait has no effect.
func (x *Engine) SendCommand(ctx context.Context, method uint32, data uint32, wait bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch cmd := method & dlaqueue.MethodIDCmdMask; cmd {
	case dlaqueue.CmdPing, dlaqueue.CmdGetStatus:
		x.mu.Lock()
		defer x.mu.Unlock()
		if x.closed {
			return ErrClosed
		}
		return nil

	case dlaqueue.CmdSubmitTask:
		return x.submit(uint64(data) << 8)

	case dlaqueue.CmdQueueFlush:
		if data > 0xff {
			return fmt.Errorf(`falcon: invalid queue %d`, data)
		}
		return x.flush(uint8(data))

	default:
		return fmt.Errorf(`falcon: unknown command %#x`, cmd)
	}
}

func (x *Engine) submit(addr uint64) error {
	b, err := x.mem.Slice(addr, dlaqueue.HeaderSize)
	if err != nil {
		return fmt.Errorf(`falcon: descriptor %#x: %w`, addr, err)
	}
	header, err := dlaqueue.DecodeHeader(b)
	if err != nil {
		return fmt.Errorf(`falcon: descriptor %#x: %w`, addr, err)
	}

	if _, ok := x.limiter.Allow(header.QueueID); !ok {
		x.logger.Warning().
			Int(`queue`, int(header.QueueID)).
			Uint64(`addr`, addr).
			Log(`submission rate exceeded`)
		return fmt.Errorf(`falcon: queue %d: %w`, header.QueueID, dlaqueue.ErrProcessorBusy)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrClosed
	}

	q := x.queueLocked(header.QueueID)

	if q.last != 0 && len(q.pending) != 0 {
		if prev, err := x.mem.Slice(q.last, dlaqueue.HeaderSize); err == nil {
			if next := dlaqueue.LoadNext(prev); next != addr {
				x.logger.Warning().
					Int(`queue`, int(q.id)).
					Uint64(`addr`, addr).
					Uint64(`next`, next).
					Log(`descriptor chain mismatch`)
			}
		}
	}

	q.pending = append(q.pending, addr)
	q.last = addr

	select {
	case q.signal <- struct{}{}:
	default:
	}

	return nil
}

// flush drops the pending descriptors of a queue, including one waiting on
// its pre-actions, unless a descriptor is executing.
func (x *Engine) flush(id uint8) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrClosed
	}
	q := x.queues[id]
	if q == nil {
		return nil
	}
	if q.executing {
		return fmt.Errorf(`falcon: queue %d executing: %w`, id, dlaqueue.ErrProcessorBusy)
	}
	dropped := len(q.pending)
	if q.cancelWait != nil {
		q.cancelWait()
		q.cancelWait = nil
		dropped++
	}
	q.flushed += dropped
	clear(q.pending)
	q.pending = q.pending[:0]
	q.last = 0
	x.logger.Info().
		Int(`queue`, int(id)).
		Int(`dropped`, dropped).
		Log(`queue flushed`)
	return nil
}

func (x *Engine) queueLocked(id uint8) *engineQueue {
	q := x.queues[id]
	if q == nil {
		q = &engineQueue{
			id:     id,
			signal: make(chan struct{}, 1),
		}
		x.queues[id] = q
		x.wg.Add(1)
		go x.worker(q)
	}
	return q
}

func (x *Engine) worker(q *engineQueue) {
	defer x.wg.Done()
	for {
		addr, waitCtx, cancel, ok := x.next(q)
		if !ok {
			return
		}
		x.execute(q, addr, waitCtx)
		cancel()
	}
}

// next blocks until a descriptor is pending, then dequeues it, along with a
// context that is canceled if the queue is flushed before it executes.
func (x *Engine) next(q *engineQueue) (uint64, context.Context, context.CancelFunc, bool) {
	for {
		x.mu.Lock()
		if x.closed {
			x.mu.Unlock()
			return 0, nil, nil, false
		}
		if len(q.pending) != 0 {
			addr := q.pending[0]
			q.pending = q.pending[1:]
			waitCtx, cancel := context.WithCancel(x.ctx)
			q.cancelWait = cancel
			x.mu.Unlock()
			return addr, waitCtx, cancel, true
		}
		x.mu.Unlock()

		select {
		case <-x.ctx.Done():
			return 0, nil, nil, false
		case <-q.signal:
		}
	}
}

func (x *Engine) execute(q *engineQueue, addr uint64, waitCtx context.Context) {
	b, desc, err := x.decode(addr)
	if err != nil {
		x.logger.Err().
			Err(err).
			Int(`queue`, int(q.id)).
			Uint64(`addr`, addr).
			Log(`invalid descriptor`)
		x.finish(q)
		return
	}

	for _, action := range desc.PreActions {
		if action.Opcode != dlaqueue.OpSemGE {
			continue
		}
		id, ok := x.sp.IDForAddress(action.Address)
		if !ok {
			x.logger.Warning().
				Int(`queue`, int(q.id)).
				Uint64(`addr`, action.Address).
				Log(`pre-action on unknown syncpoint`)
			continue
		}
		if err := x.sp.Wait(waitCtx, id, action.Value); err != nil {
			x.logger.Debug().
				Err(err).
				Int(`queue`, int(q.id)).
				Uint64(`addr`, addr).
				Log(`descriptor dropped`)
			x.finish(q)
			return
		}
	}

	x.mu.Lock()
	if waitCtx.Err() != nil {
		x.mu.Unlock()
		return
	}
	q.cancelWait = nil
	q.executing = true
	x.mu.Unlock()

	status := StatusComplete
	if x.executor != nil {
		if err := x.executor(x.ctx, desc); err != nil {
			status = StatusFailed
			x.logger.Warning().
				Err(err).
				Int(`queue`, int(q.id)).
				Int64(`sequence`, int64(desc.Header.Sequence)).
				Log(`task failed`)
		}
	}
	dlaqueue.SetStatus(b, status)

	for _, action := range desc.PostActions {
		if action.Opcode != dlaqueue.OpSem {
			continue
		}
		id, ok := x.sp.IDForAddress(action.Address)
		if !ok {
			x.logger.Warning().
				Int(`queue`, int(q.id)).
				Uint64(`addr`, action.Address).
				Log(`post-action on unknown syncpoint`)
			continue
		}
		if err := x.sp.Incr(id); err != nil {
			x.logger.Err().
				Err(err).
				Int(`queue`, int(q.id)).
				Log(`post-action failed`)
		}
	}

	x.mu.Lock()
	q.executing = false
	q.executed++
	x.mu.Unlock()
}

func (x *Engine) finish(q *engineQueue) {
	x.mu.Lock()
	q.cancelWait = nil
	x.mu.Unlock()
}

func (x *Engine) decode(addr uint64) ([]byte, *dlaqueue.Descriptor, error) {
	b, err := x.mem.Slice(addr, dlaqueue.HeaderSize)
	if err != nil {
		return nil, nil, err
	}
	header, err := dlaqueue.DecodeHeader(b)
	if err != nil {
		return nil, nil, err
	}
	if b, err = x.mem.Slice(addr, int(header.Size)); err != nil {
		return nil, nil, err
	}
	desc, err := dlaqueue.DecodeDescriptor(b)
	if err != nil {
		return nil, nil, err
	}
	return b, desc, nil
}

// Stats returns the activity of a queue.
func (x *Engine) Stats(id uint8) QueueStats {
	x.mu.Lock()
	defer x.mu.Unlock()
	q := x.queues[id]
	if q == nil {
		return QueueStats{}
	}
	return QueueStats{
		Pending:  len(q.pending),
		Executed: q.executed,
		Flushed:  q.flushed,
	}
}

// Close stops the workers, abandoning any pending descriptors.
func (x *Engine) Close() error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return ErrClosed
	}
	x.closed = true
	x.mu.Unlock()
	x.cancel()
	x.wg.Wait()
	return nil
}
