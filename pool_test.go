package dlaqueue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Alloc(t *testing.T) {
	d := newFakeDevice()
	pool := NewPool(d.device, &Config{MaxQueues: 3})

	var queues []*Queue
	for i := range 3 {
		q, err := pool.Alloc(`q`)
		require.NoError(t, err)
		assert.Equal(t, i, q.ID())
		assert.Equal(t, uint32(i+1), q.Syncpoint())
		assert.Same(t, q, pool.Queue(i))
		queues = append(queues, q)
	}
	assert.Equal(t, 3, pool.Len())

	q, err := pool.Alloc(`q`)
	assert.ErrorIs(t, err, ErrNoQueues)
	assert.Nil(t, q)

	require.NoError(t, queues[1].Close(context.Background()))
	assert.Nil(t, pool.Queue(1))
	assert.Equal(t, 2, pool.Len())
	assert.NotContains(t, d.sp.allocated, uint32(2))

	q, err = pool.Alloc(`reused`)
	require.NoError(t, err)
	assert.Equal(t, 1, q.ID())
	assert.Equal(t, uint32(4), q.Syncpoint())
	assert.NotEqual(t, queues[1].notifier.gen, q.notifier.gen)

	assert.Nil(t, pool.Queue(-1))
	assert.Nil(t, pool.Queue(3))
}

func TestPool_Alloc_syncpointError(t *testing.T) {
	d := newFakeDevice()
	pool := NewPool(d.device, &Config{MaxQueues: 1})
	d.sp.allocErr = errFake

	q, err := pool.Alloc(`q`)
	assert.ErrorIs(t, err, errFake)
	assert.Nil(t, q)
	assert.Equal(t, 0, pool.Len())

	d.sp.allocErr = nil
	q, err = pool.Alloc(`q`)
	require.NoError(t, err)
	assert.Equal(t, 0, q.ID())
	// the failed attempt advanced the generation
	assert.Equal(t, uint32(1), q.notifier.gen)
}

func TestPool_notify_stale(t *testing.T) {
	q := newTestQueue(t, nil)
	ids := []TaskID{q.submit(t), q.submit(t)}
	stale := q.queue.notifier

	require.NoError(t, q.queue.Close(context.Background()))
	for _, id := range ids {
		require.NoError(t, q.queue.Release(id))
	}
	assert.Equal(t, 0, q.pool.Len())
	assert.Equal(t, 2, q.power.getRefs())

	// routed by generation, not the reused id
	next, err := q.pool.Alloc(`next`)
	require.NoError(t, err)
	require.Equal(t, q.queue.ID(), next.ID())
	nextTask, err := next.AllocTask(&TaskRequest{PostFences: []Fence{{Syncpoint: next.Syncpoint()}}})
	require.NoError(t, err)
	require.NoError(t, next.Submit(context.Background(), nextTask))

	stale.Notify(2)
	assert.Equal(t, 1, q.power.getRefs())
	assert.Equal(t, []TaskID{nextTask}, next.InFlight())

	q.sp.signal(next.Syncpoint(), 1)
	next.notifier.Notify(1)
	assert.Empty(t, next.InFlight())
	assert.Equal(t, 0, q.power.getRefs())
}

func TestPool_Close(t *testing.T) {
	d := newFakeDevice()
	pool := NewPool(d.device, nil)

	a, err := pool.Alloc(`a`)
	require.NoError(t, err)
	b, err := pool.Alloc(`b`)
	require.NoError(t, err)
	c, err := pool.Alloc(`c`)
	require.NoError(t, err)
	require.NoError(t, c.Close(context.Background()))

	d.ch.setRespond(func(method, data uint32) error {
		if method == CmdQueueFlush && data == uint32(b.ID()) {
			return errFake
		}
		return nil
	})

	err = pool.Close(context.Background())
	assert.ErrorIs(t, err, ErrEngineBusy)
	assert.ErrorIs(t, err, errFake)

	assert.Nil(t, pool.Queue(a.ID()))
	assert.Same(t, b, pool.Queue(b.ID()))
	assert.Equal(t, 1, pool.Len())

	_, err = pool.Alloc(`d`)
	assert.ErrorIs(t, err, ErrQueueClosed)

	d.ch.setRespond(nil)
	require.NoError(t, pool.Close(context.Background()))
	assert.Equal(t, 0, pool.Len())
	assert.Empty(t, d.sp.allocated)
}
