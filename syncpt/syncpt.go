// Package syncpt implements a software syncpoint service: a fixed set of
// monotonic 32-bit counters, each tracking the value reached by the hardware
// (min) and the value promised to waiters (max).
//
// Notifications are never delivered synchronously. Expired notifiers are
// dispatched, in threshold order, as tasks on a Loop, such as an
// eventloop.Loop, which serializes completion handling the way an interrupt
// thread would.
package syncpt

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/joeycumines/go-dlaqueue"
	"github.com/joeycumines/logiface"
)

var (
	// ErrInvalidID indicates a syncpoint id that does not exist.
	ErrInvalidID = errors.New(`syncpt: invalid id`)

	// ErrExhausted indicates every syncpoint is allocated.
	ErrExhausted = errors.New(`syncpt: no free syncpoints`)
)

type (
	// Loop runs notification tasks, in submission order.
	Loop interface {
		Submit(fn func()) error
	}

	// LoopFunc implements Loop, e.g. to adapt an eventloop.Loop.
	LoopFunc func(fn func()) error

	// Service is a set of syncpoints. It implements dlaqueue.Syncpoints.
	Service struct {
		loop   Loop
		logger *logiface.Logger[logiface.Event]
		base   uint64
		stride uint64

		mu     sync.Mutex
		points []syncpoint
	}

	syncpoint struct {
		name      string
		waiters   []waiter
		changed   chan struct{}
		refs      int
		min       uint32
		max       uint32
		allocated bool
	}

	waiter struct {
		notifier dlaqueue.Notifier
		thresh   uint32
	}

	notification struct {
		notifier dlaqueue.Notifier
		count    int
	}
)

var _ dlaqueue.Syncpoints = (*Service)(nil)

// Submit calls the function.
func (f LoopFunc) Submit(fn func()) error { return f(fn) }

// New initializes a new Service, delivering notifications via loop. It will
// panic if loop is nil.
func New(loop Loop, opts ...Option) *Service {
	if loop == nil {
		panic(`syncpt: nil loop`)
	}
	c := resolveOptions(opts)
	x := &Service{
		loop:   loop,
		logger: c.logger,
		base:   c.baseAddress,
		stride: c.stride,
		// id 0 is reserved
		points: make([]syncpoint, c.count+1),
	}
	for i := range x.points {
		x.points[i].changed = make(chan struct{})
	}
	return x
}

// Len returns the number of syncpoints.
func (x *Service) Len() int { return len(x.points) - 1 }

// Alloc reserves a free syncpoint. The counter keeps its current value.
func (x *Service) Alloc(name string) (uint32, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for id := 1; id < len(x.points); id++ {
		sp := &x.points[id]
		if !sp.allocated {
			sp.allocated = true
			sp.name = name
			x.logger.Debug().
				Int64(`syncpt`, int64(id)).
				Str(`name`, name).
				Int64(`min`, int64(sp.min)).
				Log(`syncpoint allocated`)
			return uint32(id), nil
		}
	}
	return 0, ErrExhausted
}

// Free releases a syncpoint reserved by Alloc. Pending notifiers are
// discarded.
func (x *Service) Free(id uint32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	sp := x.point(id)
	if !sp.allocated {
		panic(fmt.Sprintf(`syncpt: free of unallocated syncpoint %d`, id))
	}
	if sp.refs != 0 || len(sp.waiters) != 0 {
		x.logger.Warning().
			Int64(`syncpt`, int64(id)).
			Int(`refs`, sp.refs).
			Int(`waiters`, len(sp.waiters)).
			Log(`freeing syncpoint in use`)
	}
	sp.allocated = false
	sp.name = ``
	sp.refs = 0
	sp.waiters = nil
}

// Name returns the name given to Alloc.
func (x *Service) Name(id uint32) string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.point(id).name
}

// IncrMax reserves n further increments, returning the new max. It panics
// if id is not valid, as do the other accessors below, see Valid.
func (x *Service) IncrMax(id uint32, n uint32) uint32 {
	x.mu.Lock()
	defer x.mu.Unlock()
	sp := x.point(id)
	sp.max += n
	return sp.max
}

// SetMax overwrites max.
func (x *Service) SetMax(id uint32, value uint32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.point(id).max = value
}

// ReadMax returns max.
func (x *Service) ReadMax(id uint32) uint32 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.point(id).max
}

// ReadMin returns the counter value.
func (x *Service) ReadMin(id uint32) uint32 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.point(id).min
}

// UpdateMin returns the counter value.
func (x *Service) UpdateMin(id uint32) uint32 {
	return x.ReadMin(id)
}

// IsExpired reports whether the counter has reached thresh, comparing the
// difference as a signed value, so it is correct across wraparound.
func (x *Service) IsExpired(id uint32, thresh uint32) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return expired(x.point(id).min, thresh)
}

func expired(value, thresh uint32) bool {
	return int32(value-thresh) >= 0
}

// Incr increments the counter, as a hardware semaphore release would, then
// schedules any notifiers that expired.
func (x *Service) Incr(id uint32) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	sp, err := x.lookup(id)
	if err != nil {
		return err
	}
	sp.min++
	if !expired(sp.max, sp.min) {
		x.logger.Warning().
			Int64(`syncpt`, int64(id)).
			Int64(`min`, int64(sp.min)).
			Int64(`max`, int64(sp.max)).
			Log(`syncpoint incremented beyond max`)
		sp.max = sp.min
	}
	x.changedLocked(id, sp)
	return nil
}

// Reset forces the counter to value, raising max to match if it is behind,
// then schedules any notifiers that expired.
func (x *Service) Reset(id uint32, value uint32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	sp := x.point(id)
	sp.min = value
	if !expired(sp.max, value) {
		sp.max = value
	}
	x.changedLocked(id, sp)
}

// GetRef takes a reference on the syncpoint.
func (x *Service) GetRef(id uint32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.point(id).refs++
}

// PutRef releases a reference taken by GetRef. It panics on underflow.
func (x *Service) PutRef(id uint32) {
	x.mu.Lock()
	defer x.mu.Unlock()
	sp := x.point(id)
	if sp.refs <= 0 {
		panic(fmt.Sprintf(`syncpt: reference underflow on syncpoint %d`, id))
	}
	sp.refs--
}

// Refs returns the number of references taken by GetRef.
func (x *Service) Refs(id uint32) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.point(id).refs
}

// Waiters returns the number of notifiers pending on the syncpoint.
func (x *Service) Waiters(id uint32) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.point(id).waiters)
}

// Valid reports whether id names a syncpoint, allocated or not.
func (x *Service) Valid(id uint32) bool {
	return id != 0 && int(id) < len(x.points)
}

// Address returns the semaphore address of the syncpoint, base plus id
// strides.
func (x *Service) Address(id uint32) uint64 {
	if !x.Valid(id) {
		panic(fmt.Sprintf(`syncpt: invalid syncpoint %d`, id))
	}
	return x.base + uint64(id)*x.stride
}

// IDForAddress is the inverse of Address.
func (x *Service) IDForAddress(addr uint64) (uint32, bool) {
	if addr < x.base || (addr-x.base)%x.stride != 0 {
		return 0, false
	}
	id := (addr - x.base) / x.stride
	if id == 0 || id >= uint64(len(x.points)) {
		return 0, false
	}
	return uint32(id), true
}

// RegisterNotifier arranges for n to be notified once the counter reaches
// thresh. If it already has, the notification is scheduled immediately.
func (x *Service) RegisterNotifier(id uint32, thresh uint32, n dlaqueue.Notifier) error {
	if n == nil {
		return fmt.Errorf(`syncpt: nil notifier`)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	sp, err := x.lookup(id)
	if err != nil {
		return err
	}
	sp.waiters = append(sp.waiters, waiter{notifier: n, thresh: thresh})
	if expired(sp.min, thresh) {
		x.dispatchLocked(id, sp)
	}
	return nil
}

// Wait blocks until the counter reaches thresh, or ctx is canceled.
func (x *Service) Wait(ctx context.Context, id uint32, thresh uint32) error {
	for {
		x.mu.Lock()
		sp, err := x.lookup(id)
		if err != nil {
			x.mu.Unlock()
			return err
		}
		if expired(sp.min, thresh) {
			x.mu.Unlock()
			return nil
		}
		changed := sp.changed
		x.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (x *Service) lookup(id uint32) (*syncpoint, error) {
	if !x.Valid(id) {
		return nil, fmt.Errorf(`%w: %d`, ErrInvalidID, id)
	}
	return &x.points[id], nil
}

func (x *Service) point(id uint32) *syncpoint {
	sp, err := x.lookup(id)
	if err != nil {
		panic(err)
	}
	return sp
}

// changedLocked wakes blocked waits, and dispatches expired notifiers.
func (x *Service) changedLocked(id uint32, sp *syncpoint) {
	close(sp.changed)
	sp.changed = make(chan struct{})
	x.dispatchLocked(id, sp)
}

// dispatchLocked removes the expired waiters, coalescing consecutive
// waiters (in threshold order) with the same notifier into one call.
func (x *Service) dispatchLocked(id uint32, sp *syncpoint) {
	value := sp.min
	var expiredWaiters []waiter
	sp.waiters = slices.DeleteFunc(sp.waiters, func(w waiter) bool {
		if expired(value, w.thresh) {
			expiredWaiters = append(expiredWaiters, w)
			return true
		}
		return false
	})
	if len(expiredWaiters) == 0 {
		return
	}

	// order by distance behind min, furthest first
	slices.SortStableFunc(expiredWaiters, func(a, b waiter) int {
		da, db := value-a.thresh, value-b.thresh
		switch {
		case da > db:
			return -1
		case da < db:
			return 1
		default:
			return 0
		}
	})

	var calls []notification
	for _, w := range expiredWaiters {
		if n := len(calls); n != 0 && sameNotifier(calls[n-1].notifier, w.notifier) {
			calls[n-1].count++
			continue
		}
		calls = append(calls, notification{notifier: w.notifier, count: 1})
	}

	x.logger.Debug().
		Int64(`syncpt`, int64(id)).
		Int64(`min`, int64(value)).
		Int(`expired`, len(expiredWaiters)).
		Int(`notifications`, len(calls)).
		Log(`dispatching notifiers`)

	fn := func() {
		for _, call := range calls {
			call.notifier.Notify(call.count)
		}
	}
	if err := x.loop.Submit(fn); err != nil {
		x.logger.Err().
			Err(err).
			Int64(`syncpt`, int64(id)).
			Log(`failed to submit notifications, delivering asynchronously`)
		go fn()
	}
}

func sameNotifier(a, b dlaqueue.Notifier) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	return ta == tb && ta.Comparable() && a == b
}
