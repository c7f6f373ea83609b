package jobmanager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/femd/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newTestJobManager(capacity int) *JobManager {
	return NewJobManager(Config{QueueCapacity: capacity, OpTableSize: 64}, nil)
}

func femJob(cmd types.Cmd, prio types.Priority) types.Job {
	return types.NewJob(types.Unit1, cmd, prio, nil)
}

func mustEnqueue(t *testing.T, jm *JobManager, job types.Job) uint64 {
	t.Helper()
	id, err := jm.Enqueue(job, 1000)
	require.NoError(t, err)
	require.NotZero(t, id)
	return id
}

func assertOpState(t *testing.T, jm *JobManager, opID uint64, want types.OpState) {
	t.Helper()
	st, err := jm.GetOp(opID)
	require.NoError(t, err)
	assert.Equal(t, want, st.State, "op %d", opID)
}

// ============================================================================
// Enqueue / Dequeue
// ============================================================================

func TestEnqueueAssignsIncreasingIDs(t *testing.T) {
	jm := newTestJobManager(8)

	var last uint64
	for i := 0; i < 5; i++ {
		id := mustEnqueue(t, jm, femJob(types.CmdTempRead, types.PrioLow))
		assert.Greater(t, id, last)
		last = id
	}

	st, err := jm.GetOp(last)
	require.NoError(t, err)
	assert.Equal(t, types.OpQueued, st.State)
	assert.Equal(t, types.LaneFem1, st.Lane)
	assert.Equal(t, types.Unit1, st.Unit)
	assert.Equal(t, types.CmdTempRead, st.Cmd)
	assert.Equal(t, int64(1000), st.CreatedMs)
}

func TestEnqueueInvalidArgument(t *testing.T) {
	jm := newTestJobManager(8)

	testCases := []struct {
		name string
		job  types.Job
	}{
		{"unknown lane", types.Job{Lane: 7, Cmd: types.CmdShutdown}},
		{"unit on wrong lane", types.Job{Lane: types.LaneFem2, Unit: types.Unit1, Cmd: types.CmdTempRead}},
		{"fem command on ctrl lane", types.Job{Lane: types.LaneCtrl, Cmd: types.CmdDacInit}},
		{"missing voltage", types.NewJob(types.Unit1, types.CmdDacSetCarrier, types.PrioHigh, nil)},
		{"wrong argument shape", types.NewJob(types.Unit2, types.CmdGpioApply, types.PrioHigh, types.VoltageArg{Volts: 1})},
		{"unexpected argument", types.NewJob(types.Unit2, types.CmdTempRead, types.PrioLow, types.SerialArg{Serial: "x"})},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := jm.Enqueue(tc.job, 1)
			assert.Zero(t, id)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestPriorityOrdering(t *testing.T) {
	jm := newTestJobManager(8)

	low1 := mustEnqueue(t, jm, femJob(types.CmdTempRead, types.PrioLow))
	low2 := mustEnqueue(t, jm, femJob(types.CmdAdcRead, types.PrioLow))
	high1 := mustEnqueue(t, jm, femJob(types.CmdGpioDisablePA, types.PrioHigh))
	high2 := mustEnqueue(t, jm, femJob(types.CmdDacDisablePA, types.PrioHigh))

	want := []uint64{high1, high2, low1, low2}
	for _, id := range want {
		job, err := jm.Dequeue(context.Background(), types.LaneFem1, 2000, false)
		require.NoError(t, err)
		assert.Equal(t, id, job.OpID)
	}

	_, err := jm.Dequeue(context.Background(), types.LaneFem1, 2000, false)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestFIFOWithinTier(t *testing.T) {
	jm := newTestJobManager(16)

	var ids []uint64
	for i := 0; i < 10; i++ {
		ids = append(ids, mustEnqueue(t, jm, femJob(types.CmdSampleFem, types.PrioLow)))
	}
	for _, id := range ids {
		job, err := jm.Dequeue(context.Background(), types.LaneFem1, 0, false)
		require.NoError(t, err)
		assert.Equal(t, id, job.OpID)
	}
}

func TestLanesAreIndependent(t *testing.T) {
	jm := newTestJobManager(1)

	mustEnqueue(t, jm, types.NewJob(types.Unit1, types.CmdTempRead, types.PrioLow, nil))
	// fem1 low queue is full, fem2 and ctrl are untouched
	mustEnqueue(t, jm, types.NewJob(types.Unit2, types.CmdTempRead, types.PrioLow, nil))
	mustEnqueue(t, jm, types.NewJob(types.UnitNone, types.CmdSampleCtrl, types.PrioLow, nil))

	_, err := jm.Dequeue(context.Background(), types.LaneFem2, 0, false)
	require.NoError(t, err)
	_, err = jm.Dequeue(context.Background(), types.LaneFem2, 0, false)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestBackpressure(t *testing.T) {
	jm := newTestJobManager(2)

	mustEnqueue(t, jm, femJob(types.CmdTempRead, types.PrioLow))
	mustEnqueue(t, jm, femJob(types.CmdTempRead, types.PrioLow))

	id, err := jm.Enqueue(femJob(types.CmdTempRead, types.PrioLow), 5)
	assert.Zero(t, id)
	assert.ErrorIs(t, err, ErrQueueFull)

	// the rejected op was recorded and ended Failed
	rejected := jm.nextID.Load()
	st, err := jm.GetOp(rejected)
	require.NoError(t, err)
	assert.Equal(t, types.OpFailed, st.State)
	assert.Equal(t, types.ResultRejected, st.Result)

	// high tier has its own capacity
	mustEnqueue(t, jm, femJob(types.CmdGpioDisablePA, types.PrioHigh))

	hi, lo := jm.Depth(types.LaneFem1)
	assert.Equal(t, 1, hi)
	assert.Equal(t, 2, lo)
}

// ============================================================================
// Op lifecycle
// ============================================================================

func TestOpLifecycle(t *testing.T) {
	jm := newTestJobManager(4)
	id := mustEnqueue(t, jm, femJob(types.CmdDacInit, types.PrioLow))

	job, err := jm.Dequeue(context.Background(), types.LaneFem1, 1100, false)
	require.NoError(t, err)
	assert.Equal(t, id, job.OpID)
	assertOpState(t, jm, id, types.OpRunning)

	jm.SetOpState(id, types.OpDone, types.ResultOK, 1200)
	st, err := jm.GetOp(id)
	require.NoError(t, err)
	assert.Equal(t, types.OpDone, st.State)
	assert.Equal(t, int64(1000), st.CreatedMs)
	assert.Equal(t, int64(1100), st.StartedMs)
	assert.Equal(t, int64(1200), st.EndedMs)

	// terminal states are sticky and timestamps are written once
	jm.SetOpState(id, types.OpFailed, types.ResultFailed, 1300)
	jm.SetOpState(id, types.OpRunning, types.ResultOK, 1400)
	st2, err := jm.GetOp(id)
	require.NoError(t, err)
	assert.Equal(t, st, st2)
}

func TestOpStatesNeverGoBackwards(t *testing.T) {
	jm := newTestJobManager(4)
	id := mustEnqueue(t, jm, femJob(types.CmdDacInit, types.PrioLow))

	jm.SetOpState(id, types.OpRunning, 0, 10)
	jm.SetOpState(id, types.OpQueued, 0, 20)
	assertOpState(t, jm, id, types.OpRunning)

	jm.SetOpState(id, types.OpRunning, 0, 30)
	st, _ := jm.GetOp(id)
	assert.Equal(t, int64(10), st.StartedMs)
}

func TestSetOpStateUnknownIDIsNoop(t *testing.T) {
	jm := newTestJobManager(4)
	assert.NotPanics(t, func() {
		jm.SetOpState(0, types.OpDone, 0, 1)
		jm.SetOpState(12345, types.OpDone, 0, 1)
	})
}

func TestGetOpNotFound(t *testing.T) {
	jm := NewJobManager(Config{QueueCapacity: 64, OpTableSize: 4}, nil)

	_, err := jm.GetOp(0)
	assert.ErrorIs(t, err, ErrOpNotFound)
	_, err = jm.GetOp(99)
	assert.ErrorIs(t, err, ErrOpNotFound)

	first := mustEnqueue(t, jm, femJob(types.CmdTempRead, types.PrioLow))
	for i := 0; i < 4; i++ {
		mustEnqueue(t, jm, femJob(types.CmdTempRead, types.PrioLow))
	}

	// the first op was recycled out of the ring
	_, err = jm.GetOp(first)
	assert.ErrorIs(t, err, ErrOpNotFound)
	_, err = jm.GetOp(first + 4)
	assert.NoError(t, err)
}

func TestIDNeverZero(t *testing.T) {
	jm := newTestJobManager(4)
	jm.nextID.Store(^uint64(0) - 1)

	a := mustEnqueue(t, jm, femJob(types.CmdTempRead, types.PrioLow))
	b := mustEnqueue(t, jm, femJob(types.CmdTempRead, types.PrioLow))
	assert.Equal(t, ^uint64(0), a)
	assert.Equal(t, uint64(1), b)
}

// ============================================================================
// Stop semantics
// ============================================================================

func TestRequestLaneStop(t *testing.T) {
	jm := newTestJobManager(4)
	queued := mustEnqueue(t, jm, femJob(types.CmdTempRead, types.PrioLow))

	require.NoError(t, jm.RequestLaneStop(types.LaneFem1))
	assert.True(t, jm.Stopping(types.LaneFem1))

	id, err := jm.Enqueue(femJob(types.CmdTempRead, types.PrioHigh), 5)
	assert.Zero(t, id)
	assert.ErrorIs(t, err, ErrLaneStopping)
	assertOpState(t, jm, jm.nextID.Load(), types.OpCanceled)

	// already-queued work still drains
	job, err := jm.Dequeue(context.Background(), types.LaneFem1, 6, true)
	require.NoError(t, err)
	assert.Equal(t, queued, job.OpID)

	_, err = jm.Dequeue(context.Background(), types.LaneFem1, 7, true)
	assert.ErrorIs(t, err, ErrLaneStopped)

	// other lanes unaffected
	mustEnqueue(t, jm, types.NewJob(types.Unit2, types.CmdTempRead, types.PrioLow, nil))
	assert.ErrorIs(t, jm.RequestLaneStop(types.Lane(9)), ErrInvalidArgument)
}

func TestBlockingDequeueWakesOnEnqueue(t *testing.T) {
	jm := newTestJobManager(4)

	got := make(chan types.Job, 1)
	go func() {
		job, err := jm.Dequeue(context.Background(), types.LaneFem2, 0, true)
		if err == nil {
			got <- job
		}
	}()

	time.Sleep(20 * time.Millisecond)
	id := mustEnqueue(t, jm, types.NewJob(types.Unit2, types.CmdAdcRead, types.PrioLow, nil))

	select {
	case job := <-got:
		assert.Equal(t, id, job.OpID)
	case <-time.After(time.Second):
		t.Fatal("blocked dequeue was not woken by enqueue")
	}
}

func TestBlockingDequeueWakesOnStop(t *testing.T) {
	jm := newTestJobManager(4)

	errCh := make(chan error, 1)
	go func() {
		_, err := jm.Dequeue(context.Background(), types.LaneCtrl, 0, true)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, jm.RequestLaneStop(types.LaneCtrl))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrLaneStopped)
	case <-time.After(time.Second):
		t.Fatal("blocked dequeue was not woken by stop")
	}
}

func TestBlockingDequeueHonoursContext(t *testing.T) {
	jm := newTestJobManager(4)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := jm.Dequeue(ctx, types.LaneFem1, 0, true)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestCancelPending(t *testing.T) {
	jm := newTestJobManager(4)
	a := mustEnqueue(t, jm, femJob(types.CmdTempRead, types.PrioLow))
	b := mustEnqueue(t, jm, femJob(types.CmdGpioRead, types.PrioHigh))

	require.NoError(t, jm.RequestLaneStop(types.LaneFem1))
	assert.Equal(t, 2, jm.CancelPending(types.LaneFem1, 50))

	for _, id := range []uint64{a, b} {
		st, err := jm.GetOp(id)
		require.NoError(t, err)
		assert.Equal(t, types.OpCanceled, st.State)
		assert.Equal(t, types.ResultCanceled, st.Result)
		assert.Equal(t, int64(50), st.EndedMs)
	}
}

func TestCancelLowKeepsHighJobs(t *testing.T) {
	jm := newTestJobManager(4)
	lo1 := mustEnqueue(t, jm, femJob(types.CmdTempRead, types.PrioLow))
	hi := mustEnqueue(t, jm, femJob(types.CmdGpioDisablePA, types.PrioHigh))
	lo2 := mustEnqueue(t, jm, femJob(types.CmdAdcRead, types.PrioLow))

	require.NoError(t, jm.RequestLaneStop(types.LaneFem1))
	assert.Equal(t, 2, jm.CancelLow(types.LaneFem1, 60))
	for _, id := range []uint64{lo1, lo2} {
		st, err := jm.GetOp(id)
		require.NoError(t, err)
		assert.Equal(t, types.OpCanceled, st.State)
	}

	job, err := jm.Dequeue(context.Background(), types.LaneFem1, 70, false)
	require.NoError(t, err, "stopping lane still drains high jobs")
	assert.Equal(t, hi, job.OpID)

	_, err = jm.Dequeue(context.Background(), types.LaneFem1, 80, false)
	assert.ErrorIs(t, err, ErrLaneStopped)
}

// ============================================================================
// Concurrency
// ============================================================================

func TestConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	jm := newTestJobManager(512)
	const producers, perProducer = 4, 50

	var wg sync.WaitGroup
	idsByProducer := make([][]uint64, producers)
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				id, err := jm.Enqueue(femJob(types.CmdSampleFem, types.PrioLow), 0)
				if err == nil {
					idsByProducer[p] = append(idsByProducer[p], id)
				}
			}
		}(p)
	}
	wg.Wait()

	pos := make(map[uint64]int)
	for i := 0; ; i++ {
		job, err := jm.Dequeue(context.Background(), types.LaneFem1, 0, false)
		if err != nil {
			break
		}
		pos[job.OpID] = i
	}
	require.Len(t, pos, producers*perProducer)

	for _, ids := range idsByProducer {
		for i := 1; i < len(ids); i++ {
			assert.Less(t, pos[ids[i-1]], pos[ids[i]])
		}
	}
}

func TestStats(t *testing.T) {
	jm := newTestJobManager(4)
	mustEnqueue(t, jm, femJob(types.CmdTempRead, types.PrioLow))
	mustEnqueue(t, jm, types.NewJob(types.UnitNone, types.CmdSampleCtrl, types.PrioHigh, nil))

	stats := jm.Stats()
	assert.Equal(t, 1, stats["fem1_low"])
	assert.Equal(t, 1, stats["ctrl_high"])
	assert.Equal(t, 0, stats["fem2_high"])
}
