package dlaqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/joeycumines/logiface"
)

// Pool allocates queues, each with its own id and syncpoint, over a shared
// Device. It routes completion notifications from the syncpoint service to
// the queue that registered them.
type Pool struct {
	device Device
	cfg    resolvedConfig
	logger *logiface.Logger[logiface.Event]

	mu     sync.Mutex
	queues []*Queue
	gens   []uint32
	closed bool
}

// NewPool initializes a new Pool. It will panic if any field of device is
// nil, or config is invalid. The config may be nil.
func NewPool(device Device, config *Config) *Pool {
	device.validate()
	cfg := resolveConfig(config)
	return &Pool{
		device: device,
		cfg:    cfg,
		logger: cfg.logger,
		queues: make([]*Queue, cfg.maxQueues),
		gens:   make([]uint32, cfg.maxQueues),
	}
}

// Alloc allocates a queue, and a syncpoint for it, named for diagnostics.
// The caller owns one reference to the queue, which is released by
// Queue.Close.
func (x *Pool) Alloc(name string) (*Queue, error) {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil, ErrQueueClosed
	}
	id := -1
	for i, q := range x.queues {
		if q == nil {
			id = i
			break
		}
	}
	if id < 0 {
		x.mu.Unlock()
		return nil, ErrNoQueues
	}
	q := &Queue{
		pool:   x,
		device: x.device,
		cfg:    &x.cfg,
		logger: x.logger,
		id:     id,
		notifier: queueNotifier{
			pool: x,
			id:   id,
			gen:  x.gens[id],
		},
	}
	// reserve the id while the syncpoint is allocated
	x.queues[id] = q
	x.mu.Unlock()

	syncpt, err := x.device.Syncpoints.Alloc(name)
	if err != nil {
		x.mu.Lock()
		x.queues[id] = nil
		x.gens[id]++
		x.mu.Unlock()
		return nil, fmt.Errorf(`dlaqueue: queue %d: alloc syncpoint: %w`, id, err)
	}
	q.syncpt = syncpt
	q.refs.Store(1)

	x.logger.Info().
		Int(`queue`, id).
		Int64(`syncpt`, int64(syncpt)).
		Str(`name`, name).
		Log(`queue allocated`)

	return q, nil
}

// Queue returns the open queue with the given id, or nil.
func (x *Pool) Queue(id int) *Queue {
	x.mu.Lock()
	defer x.mu.Unlock()
	if id < 0 || id >= len(x.queues) {
		return nil
	}
	if q := x.queues[id]; q != nil && !q.closed.Load() {
		return q
	}
	return nil
}

// Len returns the number of allocated queues, including closed queues that
// still have tasks holding references.
func (x *Pool) Len() (n int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, q := range x.queues {
		if q != nil {
			n++
		}
	}
	return n
}

// Close closes every open queue, then prevents further allocation. Queues
// that fail to abort remain open, and their errors are returned.
func (x *Pool) Close(ctx context.Context) error {
	x.mu.Lock()
	x.closed = true
	var queues []*Queue
	for _, q := range x.queues {
		if q != nil && !q.closed.Load() {
			queues = append(queues, q)
		}
	}
	x.mu.Unlock()

	var errs []error
	for _, q := range queues {
		if err := q.Close(ctx); err != nil && !errors.Is(err, ErrQueueClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// notify is the completion callback, invoked by the syncpoint service.
func (x *Pool) notify(id int, gen uint32, completed int) {
	x.mu.Lock()
	var q *Queue
	if id >= 0 && id < len(x.queues) && x.gens[id] == gen {
		q = x.queues[id]
	}
	x.mu.Unlock()

	if q == nil {
		x.logger.Warning().
			Int(`queue`, id).
			Int(`completed`, completed).
			Log(`notification for released queue`)
		if completed > 0 {
			x.device.Power.IdleMult(completed)
		}
		return
	}

	q.update(completed)
}

// release returns the id and syncpoint of a queue whose last reference was
// dropped.
func (x *Pool) release(q *Queue) {
	x.mu.Lock()
	if x.queues[q.id] != q {
		x.mu.Unlock()
		panic(fmt.Sprintf(`dlaqueue: queue %d released twice`, q.id))
	}
	x.queues[q.id] = nil
	x.gens[q.id]++
	x.mu.Unlock()

	x.device.Syncpoints.Free(q.syncpt)

	x.logger.Info().
		Int(`queue`, q.id).
		Int64(`syncpt`, int64(q.syncpt)).
		Log(`queue released`)
}
