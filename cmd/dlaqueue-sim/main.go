// Command dlaqueue-sim drives task queues against the simulated firmware, and
// reports what happened.
//
// Each queue submits a batch of tasks, every one gated on a shared trigger
// syncpoint. Once the batch is submitted the trigger is released (or, with
// -abort, the queue is aborted instead), then the tasks are waited on and
// released.
//
// Run with: go run ./cmd/dlaqueue-sim -queues 4 -tasks 100
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/joeycumines/go-dlaqueue"
	"github.com/joeycumines/go-dlaqueue/devmem"
	"github.com/joeycumines/go-dlaqueue/dmabuf"
	"github.com/joeycumines/go-dlaqueue/falcon"
	"github.com/joeycumines/go-dlaqueue/pm"
	"github.com/joeycumines/go-dlaqueue/syncpt"
	"github.com/joeycumines/go-eventloop"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"golang.org/x/sync/errgroup"
)

type (
	options struct {
		queues     int
		tasks      int
		preFences  int
		postFences int
		addresses  int
		busy       time.Duration
		rate       int
		abort      bool
		logLevel   string
		timeout    time.Duration
	}

	simulator struct {
		opts   options
		logger *logiface.Logger[logiface.Event]
		sp     *syncpt.Service
		bufs   *dmabuf.Registry
		mem    *devmem.Arena
		engine *falcon.Engine
		power  *pm.Module
		pool   *dlaqueue.Pool
	}

	queueResult struct {
		queue     int
		completed int
		failed    int
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	var opts options
	fs := flag.NewFlagSet(`dlaqueue-sim`, flag.ContinueOnError)
	fs.IntVar(&opts.queues, `queues`, 2, `number of queues`)
	fs.IntVar(&opts.tasks, `tasks`, 32, `tasks per queue`)
	fs.IntVar(&opts.preFences, `prefences`, 1, `pre-fences per task, each on the trigger syncpoint`)
	fs.IntVar(&opts.postFences, `postfences`, 1, `post-fences per task, including the queue's own`)
	fs.IntVar(&opts.addresses, `addresses`, 0, `address list entries per task`)
	fs.DurationVar(&opts.busy, `busy`, time.Millisecond, `simulated execution time per task`)
	fs.IntVar(&opts.rate, `rate`, 0, `maximum submissions per queue per second, 0 for unlimited`)
	fs.BoolVar(&opts.abort, `abort`, false, `abort each queue instead of releasing the trigger`)
	fs.StringVar(&opts.logLevel, `log-level`, `info`, `log level`)
	fs.DurationVar(&opts.timeout, `timeout`, time.Second*30, `overall timeout`)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.queues <= 0 || opts.tasks <= 0 || opts.preFences < 1 || opts.postFences < 1 || opts.addresses < 0 {
		return errors.New(`dlaqueue-sim: invalid flags`)
	}

	level, err := parseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		stumpy.L.WithLevel(level),
	).Logger()

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	loop, err := eventloop.New()
	if err != nil {
		return err
	}
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(loopCtx) }()
	defer func() {
		stopLoop()
		<-loopDone
	}()

	sim, err := newSimulator(opts, logger, loop)
	if err != nil {
		return err
	}
	defer sim.close()

	return sim.run(ctx)
}

func parseLevel(s string) (logiface.Level, error) {
	for level := logiface.LevelDisabled; level <= logiface.LevelTrace; level++ {
		if level.String() == s {
			return level, nil
		}
	}
	return 0, fmt.Errorf(`dlaqueue-sim: unknown log level %q`, s)
}

func newSimulator(opts options, logger *logiface.Logger[logiface.Event], loop *eventloop.Loop) (*simulator, error) {
	mem, err := devmem.New(1<<24, devmem.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	x := &simulator{
		opts:   opts,
		logger: logger,
		sp: syncpt.New(
			loop,
			syncpt.WithLogger(logger),
			// each queue, plus the trigger, plus the extra post-fence targets
			syncpt.WithCount(2*opts.queues+1),
		),
		bufs: dmabuf.New(dmabuf.WithLogger(logger)),
		mem:  mem,
		power: pm.New(&pm.Config{
			Logger: logger,
		}),
	}

	engineOpts := []falcon.Option{
		falcon.WithLogger(logger),
		falcon.WithExecutor(x.execute),
	}
	if opts.rate > 0 {
		engineOpts = append(engineOpts, falcon.WithSubmitRates(map[time.Duration]int{time.Second: opts.rate}))
	}
	x.engine = falcon.New(mem, x.sp, engineOpts...)

	x.pool = dlaqueue.NewPool(dlaqueue.Device{
		Syncpoints: x.sp,
		Buffers:    x.bufs,
		DMABufs:    x.bufs,
		Memory:     mem,
		Channel:    x.engine,
		Power:      x.power,
	}, &dlaqueue.Config{
		Logger:        logger,
		MaxQueues:     opts.queues,
		MaxPreFences:  opts.preFences,
		MaxPostFences: opts.postFences,
		MaxAddresses:  max(opts.addresses, 1),
	})

	return x, nil
}

func (x *simulator) execute(ctx context.Context, desc *dlaqueue.Descriptor) error {
	timer := time.NewTimer(x.opts.busy)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (x *simulator) close() {
	if err := x.engine.Close(); err != nil {
		x.logger.Err().Err(err).Log(`failed to close engine`)
	}
	if err := x.mem.Close(); err != nil {
		x.logger.Err().Err(err).Log(`failed to close device memory`)
	}
}

func (x *simulator) run(ctx context.Context) error {
	trigger, err := x.sp.Alloc(`trigger`)
	if err != nil {
		return err
	}
	defer x.sp.Free(trigger)

	data, err := x.bufs.Export(4096)
	if err != nil {
		return err
	}

	// every queue must finish submitting before the trigger is released
	submitted := make(chan struct{})
	results := make([]queueResult, x.opts.queues)

	g, gCtx := errgroup.WithContext(ctx)
	ready := make(chan struct{}, x.opts.queues)
	for i := range x.opts.queues {
		g.Go(func() error {
			return x.runQueue(gCtx, i, trigger, data, ready, submitted, &results[i])
		})
	}

	g.Go(func() error {
		for range x.opts.queues {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			case <-ready:
			}
		}
		close(submitted)
		if x.opts.abort {
			return nil
		}
		return x.sp.Incr(trigger)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	if err := x.pool.Close(ctx); err != nil {
		return err
	}

	for _, r := range results {
		stats := x.engine.Stats(uint8(r.queue))
		x.logger.Info().
			Int(`queue`, r.queue).
			Int(`completed`, r.completed).
			Int(`failed`, r.failed).
			Int(`executed`, stats.Executed).
			Int(`flushed`, stats.Flushed).
			Log(`queue summary`)
	}
	memStats := x.mem.Stats()
	x.logger.Info().
		Int(`power_cycles`, x.power.Cycles()).
		Int(`power_refs`, x.power.Refs()).
		Int(`live_descriptors`, memStats.Live).
		Uint64(`descriptor_allocs`, memStats.Allocs).
		Int(`pinned`, x.bufs.Pinned()).
		Log(`simulation complete`)

	return nil
}

func (x *simulator) runQueue(ctx context.Context, index int, trigger, data uint32, ready chan<- struct{}, submitted <-chan struct{}, result *queueResult) error {
	q, err := x.pool.Alloc(fmt.Sprintf(`sim-%d`, index))
	if err != nil {
		return err
	}
	result.queue = q.ID()

	output, err := x.sp.Alloc(fmt.Sprintf(`sim-%d-output`, index))
	if err != nil {
		return err
	}
	defer x.sp.Free(output)

	var (
		ids   []dlaqueue.TaskID
		lists []uint32
	)
	defer func() {
		for _, id := range ids {
			if err := q.Release(id); err != nil {
				x.logger.Err().Err(err).Stringer(`task`, id).Log(`failed to release task`)
			}
		}
		for _, h := range lists {
			if err := x.bufs.Release(h); err != nil {
				x.logger.Err().Err(err).Int64(`handle`, int64(h)).Log(`failed to release address list`)
			}
		}
	}()

	submit := func(i int) error {
		req := &dlaqueue.TaskRequest{
			PostFences: []dlaqueue.Fence{{Syncpoint: q.Syncpoint()}},
		}
		for range x.opts.preFences {
			req.PreFences = append(req.PreFences, dlaqueue.Fence{Syncpoint: trigger, Value: 1})
		}
		for range x.opts.postFences - 1 {
			req.PostFences = append(req.PostFences, dlaqueue.Fence{Syncpoint: output})
		}
		if x.opts.addresses != 0 {
			h, err := x.addressList(data, i)
			if err != nil {
				return err
			}
			lists = append(lists, h)
			req.AddressList = dlaqueue.MemHandle{Handle: h}
			req.NumAddresses = x.opts.addresses
		}

		id, err := q.AllocTask(req)
		if err != nil {
			return err
		}
		ids = append(ids, id)

		if err := q.Submit(ctx, id); err != nil {
			if !errors.Is(err, dlaqueue.ErrSubmitFailed) {
				return err
			}
			// the task remains linked, recover by aborting
			result.failed++
			x.logger.Warning().
				Err(err).
				Int(`queue`, q.ID()).
				Stringer(`task`, id).
				Log(`submit failed, aborting queue`)
			return q.Abort(ctx)
		}
		return nil
	}

	for i := range x.opts.tasks {
		if err := submit(i); err != nil {
			ready <- struct{}{}
			return err
		}
	}
	ready <- struct{}{}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-submitted:
	}

	if x.opts.abort {
		if err := q.Abort(ctx); err != nil {
			return err
		}
	}

	for _, id := range ids {
		if err := q.Wait(ctx, id); err != nil {
			return err
		}
		info, err := q.Task(id)
		if err != nil {
			return err
		}
		if info.State == dlaqueue.TaskCompleted {
			result.completed++
		}
	}

	return nil
}

// addressList exports a buffer of (handle, offset) entries, each naming a
// distinct offset of data.
func (x *simulator) addressList(data uint32, task int) (uint32, error) {
	h, err := x.bufs.Export(x.opts.addresses * dlaqueue.AddressListEntrySize)
	if err != nil {
		return 0, err
	}
	buf, err := x.bufs.Get(h)
	if err != nil {
		return 0, err
	}
	defer buf.Put()
	b, err := buf.Vmap()
	if err != nil {
		return 0, err
	}
	defer buf.Vunmap(b)
	for i := range x.opts.addresses {
		entry := b[i*dlaqueue.AddressListEntrySize:]
		binary.LittleEndian.PutUint32(entry, data)
		binary.LittleEndian.PutUint32(entry[4:], uint32((task+i)%64)*64)
	}
	return h, nil
}
