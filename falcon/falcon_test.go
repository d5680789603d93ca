package falcon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/joeycumines/go-dlaqueue"
	"github.com/joeycumines/go-dlaqueue/devmem"
	"github.com/joeycumines/go-dlaqueue/syncpt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	mem    *devmem.Arena
	sp     *syncpt.Service
	engine *Engine
	a, b   uint32
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	mem, err := devmem.New(1 << 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })
	sp := syncpt.New(syncpt.LoopFunc(func(fn func()) error {
		go fn()
		return nil
	}))
	h := &harness{mem: mem, sp: sp}
	h.a, err = sp.Alloc(`a`)
	require.NoError(t, err)
	h.b, err = sp.Alloc(`b`)
	require.NoError(t, err)
	h.engine = New(mem, sp, opts...)
	t.Cleanup(func() { _ = h.engine.Close() })
	return h
}

// descriptor writes a descriptor that waits for syncpoint a to reach
// waitFor (if non-zero), then increments syncpoint b.
func (h *harness) descriptor(t *testing.T, queue uint8, waitFor uint32) dlaqueue.DeviceBuffer {
	t.Helper()
	desc := dlaqueue.Descriptor{
		Header: dlaqueue.Header{
			Version:  dlaqueue.DescriptorVersion,
			EngineID: dlaqueue.EngineID,
			QueueID:  queue,
		},
		PostActions: []dlaqueue.Action{{Opcode: dlaqueue.OpSem, Address: h.sp.Address(h.b)}},
	}
	if waitFor != 0 {
		desc.PreActions = []dlaqueue.Action{{Opcode: dlaqueue.OpSemGE, Address: h.sp.Address(h.a), Value: waitFor}}
	}
	layout, err := dlaqueue.NewLayout(len(desc.PreActions), len(desc.PostActions), 0)
	require.NoError(t, err)
	buf, err := h.mem.Alloc(layout.Size())
	require.NoError(t, err)
	_, err = desc.Encode(buf.Bytes)
	require.NoError(t, err)
	return buf
}

func (h *harness) submit(buf dlaqueue.DeviceBuffer) error {
	return h.engine.SendCommand(context.Background(), dlaqueue.CmdSubmitTask|1<<dlaqueue.IntOnCompleteShift, uint32(buf.Addr>>8), true)
}

func (h *harness) waitB(t *testing.T, value uint32) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*3)
	defer cancel()
	require.NoError(t, h.sp.Wait(ctx, h.b, value))
}

func (h *harness) status(t *testing.T, buf dlaqueue.DeviceBuffer) uint16 {
	t.Helper()
	header, err := dlaqueue.DecodeHeader(buf.Bytes)
	require.NoError(t, err)
	return header.Status
}

func TestEngine_SendCommand_submit(t *testing.T) {
	h := newHarness(t)
	buf := h.descriptor(t, 0, 1)
	require.NoError(t, h.submit(buf))

	time.Sleep(time.Millisecond * 20)
	assert.Equal(t, uint32(0), h.sp.ReadMin(h.b))
	assert.Equal(t, StatusPending, h.status(t, buf))

	require.NoError(t, h.sp.Incr(h.a))
	h.waitB(t, 1)
	assert.Equal(t, StatusComplete, h.status(t, buf))
	assert.Equal(t, QueueStats{Executed: 1}, h.engine.Stats(0))
}

func TestEngine_SendCommand_inOrder(t *testing.T) {
	h := newHarness(t)
	first := h.descriptor(t, 3, 1)
	second := h.descriptor(t, 3, 0)
	other := h.descriptor(t, 4, 0)
	require.NoError(t, h.submit(first))
	require.NoError(t, h.submit(second))

	// queues are independent
	require.NoError(t, h.submit(other))
	h.waitB(t, 1)
	time.Sleep(time.Millisecond * 20)
	assert.Equal(t, uint32(1), h.sp.ReadMin(h.b))
	assert.Equal(t, StatusPending, h.status(t, second))

	require.NoError(t, h.sp.Incr(h.a))
	h.waitB(t, 3)
	assert.Equal(t, StatusComplete, h.status(t, first))
	assert.Equal(t, StatusComplete, h.status(t, second))
}

func TestEngine_SendCommand_executorError(t *testing.T) {
	var sequences []uint32
	h := newHarness(t, WithExecutor(func(ctx context.Context, desc *dlaqueue.Descriptor) error {
		sequences = append(sequences, desc.Header.Sequence)
		return errors.New(`some error`)
	}))
	buf := h.descriptor(t, 0, 0)
	require.NoError(t, h.submit(buf))
	h.waitB(t, 1)
	assert.Equal(t, StatusFailed, h.status(t, buf))
	assert.Equal(t, []uint32{0}, sequences)
}

func TestEngine_SendCommand_flushWaiting(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.submit(h.descriptor(t, 1, 1)))
	require.NoError(t, h.submit(h.descriptor(t, 1, 1)))
	time.Sleep(time.Millisecond * 20)

	require.NoError(t, h.engine.SendCommand(context.Background(), dlaqueue.CmdQueueFlush, 1, true))
	assert.Equal(t, QueueStats{Flushed: 2}, h.engine.Stats(1))

	require.NoError(t, h.sp.Incr(h.a))
	time.Sleep(time.Millisecond * 20)
	assert.Equal(t, uint32(0), h.sp.ReadMin(h.b))

	// the queue remains usable
	require.NoError(t, h.submit(h.descriptor(t, 1, 0)))
	h.waitB(t, 1)

	// unknown queues flush trivially
	require.NoError(t, h.engine.SendCommand(context.Background(), dlaqueue.CmdQueueFlush, 9, true))
	assert.Error(t, h.engine.SendCommand(context.Background(), dlaqueue.CmdQueueFlush, 0x100, true))
}

func TestEngine_SendCommand_flushExecuting(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, WithExecutor(func(ctx context.Context, desc *dlaqueue.Descriptor) error {
		close(started)
		<-release
		return nil
	}))
	require.NoError(t, h.submit(h.descriptor(t, 2, 0)))
	<-started

	err := h.engine.SendCommand(context.Background(), dlaqueue.CmdQueueFlush, 2, true)
	assert.ErrorIs(t, err, dlaqueue.ErrProcessorBusy)

	close(release)
	h.waitB(t, 1)
	require.NoError(t, h.engine.SendCommand(context.Background(), dlaqueue.CmdQueueFlush, 2, true))
}

func TestEngine_SendCommand_rateLimited(t *testing.T) {
	h := newHarness(t, WithSubmitRates(map[time.Duration]int{time.Hour: 1}))
	require.NoError(t, h.submit(h.descriptor(t, 0, 0)))
	err := h.submit(h.descriptor(t, 0, 0))
	assert.ErrorIs(t, err, dlaqueue.ErrProcessorBusy)
	// rates are per queue
	require.NoError(t, h.submit(h.descriptor(t, 1, 0)))
	h.waitB(t, 2)
}

func TestEngine_SendCommand_errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.SendCommand(ctx, dlaqueue.CmdPing, 0, true))
	assert.Error(t, h.engine.SendCommand(ctx, 0x55, 0, true))
	assert.Error(t, h.engine.SendCommand(ctx, dlaqueue.CmdSubmitTask, 1, true))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, h.engine.SendCommand(canceled, dlaqueue.CmdPing, 0, true), context.Canceled)

	require.NoError(t, h.engine.Close())
	assert.ErrorIs(t, h.engine.Close(), ErrClosed)
	assert.ErrorIs(t, h.engine.SendCommand(ctx, dlaqueue.CmdPing, 0, true), ErrClosed)
	assert.ErrorIs(t, h.submit(h.descriptor(t, 0, 0)), ErrClosed)
}

func TestNew_nil(t *testing.T) {
	assert.Panics(t, func() { New(nil, nil) })
}
