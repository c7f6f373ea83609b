package worker

// ============================================================================
// Lane Worker Test File
// Purpose: Verify dispatch, priority, sampling, safety ticks, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/femd/internal/driver"
	"github.com/ChuLiYu/femd/internal/jobmanager"
	"github.com/ChuLiYu/femd/internal/safety"
	"github.com/ChuLiYu/femd/internal/snapshot"
	"github.com/ChuLiYu/femd/pkg/types"
)

// ============================================================================
// Test Helpers
// ============================================================================

type codeErr struct{ code int }

func (e codeErr) Error() string    { return fmt.Sprintf("code %d", e.code) }
func (e codeErr) ResultCode() int { return e.code }

// fakeHardware records every call and returns canned readings.
type fakeHardware struct {
	mu      sync.Mutex
	calls   []string
	gpio    map[types.Unit]types.GpioStatus
	dac     map[types.Unit]types.DacState
	serial  map[types.Unit]string
	tempErr error
	adcErr  error
	failCmd map[string]error
	tempC   float64
}

func newFakeHardware() *fakeHardware {
	return &fakeHardware{
		gpio:    make(map[types.Unit]types.GpioStatus),
		dac:     make(map[types.Unit]types.DacState),
		serial:  make(map[types.Unit]string),
		failCmd: make(map[string]error),
		tempC:   40,
	}
}

func (f *fakeHardware) record(name string, unit types.Unit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("%s:%s", name, unit))
	return f.failCmd[name]
}

// callsFor returns the recorded calls named in names, in order.
func (f *fakeHardware) callsFor(names ...string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []string
	for _, c := range f.calls {
		for n := range want {
			if len(c) > len(n) && c[:len(n)+1] == n+":" {
				out = append(out, c)
			}
		}
	}
	return out
}

func (f *fakeHardware) fail(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCmd[name] = err
}

func (f *fakeHardware) CtrlTemperature(context.Context) (float64, error) {
	if err := f.record("ctrl_temp", types.UnitNone); err != nil {
		return 0, err
	}
	return 35, nil
}

func (f *fakeHardware) ReadGpio(_ context.Context, u types.Unit) (types.GpioStatus, error) {
	if err := f.record("gpio_read", u); err != nil {
		return types.GpioStatus{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gpio[u], nil
}

func (f *fakeHardware) ApplyGpio(_ context.Context, u types.Unit, st types.GpioStatus) error {
	if err := f.record("gpio_apply", u); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gpio[u] = st
	return nil
}

func (f *fakeHardware) DisablePAGpio(_ context.Context, u types.Unit) error {
	if err := f.record("gpio_disable_pa", u); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gpio[u] = types.GpioStatus{PaDisable: true}
	return nil
}

func (f *fakeHardware) RestorePAGpio(_ context.Context, u types.Unit) error {
	if err := f.record("gpio_restore_pa", u); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gpio[u] = types.GpioStatus{TxRFEnable: true, RxRFEnable: true, PaVdsEnable: true, RfPalEnable: true}
	return nil
}

func (f *fakeHardware) DacInit(_ context.Context, u types.Unit) error {
	return f.record("dac_init", u)
}

func (f *fakeHardware) DacSetCarrier(_ context.Context, u types.Unit, v float64) error {
	if err := f.record("dac_set_carrier", u); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.dac[u]
	st.CarrierV = v
	f.dac[u] = st
	return nil
}

func (f *fakeHardware) DacSetPeak(_ context.Context, u types.Unit, v float64) error {
	if err := f.record("dac_set_peak", u); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.dac[u]
	st.PeakV = v
	f.dac[u] = st
	return nil
}

func (f *fakeHardware) DacRead(_ context.Context, u types.Unit) (types.DacState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dac[u], nil
}

func (f *fakeHardware) DacDisablePA(_ context.Context, u types.Unit) error {
	if err := f.record("dac_disable_pa", u); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dac[u] = types.DacState{}
	return nil
}

func (f *fakeHardware) TempInit(_ context.Context, u types.Unit) error {
	return f.record("temp_init", u)
}

func (f *fakeHardware) TempRead(_ context.Context, u types.Unit) (float64, error) {
	if err := f.record("temp_read", u); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tempErr != nil {
		return 0, f.tempErr
	}
	return f.tempC, nil
}

func (f *fakeHardware) TempSetThreshold(_ context.Context, u types.Unit, _ float64) error {
	return f.record("temp_set_threshold", u)
}

func (f *fakeHardware) AdcInit(_ context.Context, u types.Unit) error {
	return f.record("adc_init", u)
}

func (f *fakeHardware) AdcReadAll(_ context.Context, u types.Unit) (types.AdcReadings, error) {
	if err := f.record("adc_read", u); err != nil {
		return types.AdcReadings{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.adcErr != nil {
		return types.AdcReadings{}, f.adcErr
	}
	return types.AdcReadings{ReversePowerDbm: -29, ForwardPowerDbm: -25, PaCurrentA: 1.1}, nil
}

func (f *fakeHardware) ReadSerial(_ context.Context, u types.Unit) (string, error) {
	if err := f.record("eeprom_read", u); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.serial[u], nil
}

func (f *fakeHardware) WriteSerial(_ context.Context, u types.Unit, s string) error {
	if err := f.record("eeprom_write", u); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.serial[u] = s
	return nil
}

// countingTicker counts safety ticks per unit.
type countingTicker struct {
	ticks [types.NumUnits + 1]atomic.Int64
}

func (c *countingTicker) Tick(unit types.Unit, _ int64) safety.Decision {
	c.ticks[unit].Add(1)
	return safety.Decision{}
}

type testLane struct {
	hw    *fakeHardware
	jobs  *jobmanager.JobManager
	store *snapshot.Store
	w     *Worker
}

// idleConfig disables the timers so only queued jobs run.
var idleConfig = Config{}

func newTestLane(t *testing.T, l types.Lane, cfg Config, st SafetyTicker) *testLane {
	t.Helper()
	tl := &testLane{
		hw:    newFakeHardware(),
		jobs:  jobmanager.NewJobManager(jobmanager.Config{QueueCapacity: 8, OpTableSize: 64}, nil),
		store: snapshot.NewStore(),
	}
	tl.w = NewWorker(l, cfg, tl.hw, tl.jobs, tl.store, st, nil, nil)
	return tl
}

func (tl *testLane) enqueue(t *testing.T, job types.Job) uint64 {
	t.Helper()
	id, err := tl.jobs.Enqueue(job, nowMs())
	require.NoError(t, err)
	return id
}

// start runs the worker and returns a function that stops it and waits.
func (tl *testLane) start(t *testing.T) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tl.w.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("lane did not exit")
		}
	}
}

func (tl *testLane) waitOp(t *testing.T, opID uint64, want types.OpState) types.OpStatus {
	t.Helper()
	var st types.OpStatus
	require.Eventually(t, func() bool {
		var err error
		st, err = tl.jobs.GetOp(opID)
		return err == nil && st.State == want
	}, 2*time.Second, 5*time.Millisecond, "op %d never reached %s", opID, want)
	return st
}

// ============================================================================
// Dispatch Tests
// ============================================================================

func TestWorkerRunsJobAndUpdatesSnapshot(t *testing.T) {
	tl := newTestLane(t, types.LaneFem1, idleConfig, nil)
	stop := tl.start(t)
	defer stop()

	id := tl.enqueue(t, types.NewJob(types.Unit1, types.CmdDacSetCarrier, types.PrioLow, types.VoltageArg{Volts: 1.4}))
	st := tl.waitOp(t, id, types.OpDone)
	assert.Equal(t, types.ResultOK, st.Result)

	snap, err := tl.store.GetFem(types.Unit1)
	require.NoError(t, err)
	assert.True(t, snap.HaveDac)
	assert.InDelta(t, 1.4, snap.Dac.CarrierV, 1e-9)
}

func TestHighPriorityRunsFirst(t *testing.T) {
	tl := newTestLane(t, types.LaneFem2, idleConfig, nil)
	tl.enqueue(t, types.NewJob(types.Unit2, types.CmdTempInit, types.PrioLow, nil))
	tl.enqueue(t, types.NewJob(types.Unit2, types.CmdAdcInit, types.PrioLow, nil))
	last := tl.enqueue(t, types.NewJob(types.Unit2, types.CmdDacInit, types.PrioHigh, nil))

	stop := tl.start(t)
	defer stop()
	tl.waitOp(t, last, types.OpDone)
	require.Eventually(t, func() bool {
		return len(tl.hw.callsFor("temp_init", "adc_init", "dac_init")) == 3
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"dac_init:fem2", "temp_init:fem2", "adc_init:fem2"},
		tl.hw.callsFor("temp_init", "adc_init", "dac_init"))
}

func TestFailedJobRecordsResultCode(t *testing.T) {
	tl := newTestLane(t, types.LaneFem1, idleConfig, nil)
	tl.hw.fail("temp_set_threshold", fmt.Errorf("write threshold: %w", codeErr{code: -11}))
	tl.hw.fail("adc_init", errors.New("bus error"))
	stop := tl.start(t)
	defer stop()

	a := tl.enqueue(t, types.NewJob(types.Unit1, types.CmdTempSetThreshold, types.PrioLow, types.ThresholdArg{Celsius: 70}))
	b := tl.enqueue(t, types.NewJob(types.Unit1, types.CmdAdcInit, types.PrioLow, nil))

	assert.Equal(t, -11, tl.waitOp(t, a, types.OpFailed).Result)
	assert.Equal(t, types.ResultFailed, tl.waitOp(t, b, types.OpFailed).Result)
}

func TestMissingDeviceClearsPresence(t *testing.T) {
	tl := newTestLane(t, types.LaneFem1, idleConfig, nil)
	require.NoError(t, tl.store.UpdateFem(types.Unit1, types.FemSnapshot{
		Present: true, SampledMs: 1, HaveTemp: true, TempC: 41,
	}))
	tl.hw.fail("temp_init", codeErr{code: driver.CodeNotPresent})
	stop := tl.start(t)
	defer stop()

	id := tl.enqueue(t, types.NewJob(types.Unit1, types.CmdTempInit, types.PrioLow, nil))
	assert.Equal(t, driver.CodeNotPresent, tl.waitOp(t, id, types.OpFailed).Result)

	snap, err := tl.store.GetFem(types.Unit1)
	require.NoError(t, err)
	assert.False(t, snap.Present)
	// 舊讀值保留
	assert.True(t, snap.HaveTemp)
	assert.InDelta(t, 41, snap.TempC, 1e-9)
	assert.Greater(t, snap.SampledMs, int64(1))
}

func TestGpioApplyAndSerial(t *testing.T) {
	tl := newTestLane(t, types.LaneFem1, idleConfig, nil)
	stop := tl.start(t)
	defer stop()

	want := types.GpioStatus{TxRFEnable: true, PaVdsEnable: true}
	a := tl.enqueue(t, types.NewJob(types.Unit1, types.CmdGpioApply, types.PrioLow, types.GpioArg{State: want}))
	b := tl.enqueue(t, types.NewJob(types.Unit1, types.CmdEepromWriteSerial, types.PrioLow, types.SerialArg{Serial: "FEM-0042"}))
	tl.waitOp(t, a, types.OpDone)
	tl.waitOp(t, b, types.OpDone)

	snap, err := tl.store.GetFem(types.Unit1)
	require.NoError(t, err)
	assert.True(t, snap.HaveGpio)
	assert.Equal(t, want, snap.Gpio)
	assert.True(t, snap.HaveSerial)
	assert.Equal(t, "FEM-0042", snap.Serial)
}

func TestSafetyDisableFansOut(t *testing.T) {
	tl := newTestLane(t, types.LaneFem2, idleConfig, nil)
	stop := tl.start(t)
	defer stop()

	id := tl.enqueue(t, types.NewJob(types.Unit2, types.CmdSafetyDisable, types.PrioHigh, nil))
	tl.waitOp(t, id, types.OpDone)
	require.Eventually(t, func() bool {
		return len(tl.hw.callsFor("gpio_disable_pa", "dac_disable_pa")) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"gpio_disable_pa:fem2", "dac_disable_pa:fem2"},
		tl.hw.callsFor("gpio_disable_pa", "dac_disable_pa"))
}

func TestResultCode(t *testing.T) {
	assert.Equal(t, types.ResultOK, ResultCode(nil))
	assert.Equal(t, types.ResultFailed, ResultCode(errors.New("x")))
	assert.Equal(t, -12, ResultCode(fmt.Errorf("wrapped: %w", codeErr{code: -12})))
	assert.Equal(t, -13, ResultCode(errors.Join(errors.New("a"), codeErr{code: -13})))
}

// ============================================================================
// Sampling / Safety Tests
// ============================================================================

func TestPeriodicSampleFillsSnapshot(t *testing.T) {
	tl := newTestLane(t, types.LaneFem1, Config{SampleInterval: 10 * time.Millisecond}, nil)
	stop := tl.start(t)
	defer stop()

	require.Eventually(t, func() bool {
		snap, _ := tl.store.GetFem(types.Unit1)
		return snap.Present
	}, 2*time.Second, 5*time.Millisecond)

	snap, err := tl.store.GetFem(types.Unit1)
	require.NoError(t, err)
	assert.True(t, snap.HaveTemp)
	assert.InDelta(t, 40, snap.TempC, 1e-9)
	assert.True(t, snap.HaveAdc)
	assert.InDelta(t, 1.1, snap.Adc.PaCurrentA, 1e-9)
	assert.True(t, snap.HaveGpio)
	assert.NotZero(t, snap.SampledMs)
}

func TestSampleWithMissingSensor(t *testing.T) {
	tl := newTestLane(t, types.LaneFem1, idleConfig, nil)
	tl.hw.tempErr = codeErr{code: driver.CodeNotPresent}
	stop := tl.start(t)
	defer stop()

	// 單一感測器缺席時，整個單元仍視為存在
	for _, cmd := range []types.Cmd{types.CmdSampleFem, types.CmdAdcRead} {
		id := tl.enqueue(t, types.NewJob(types.Unit1, cmd, types.PrioLow, nil))
		st := tl.waitOp(t, id, types.OpFailed)
		assert.Equal(t, driver.CodeNotPresent, st.Result, cmd.String())

		snap, err := tl.store.GetFem(types.Unit1)
		require.NoError(t, err)
		assert.False(t, snap.HaveTemp, cmd.String())
		assert.True(t, snap.HaveAdc, cmd.String())
		assert.True(t, snap.Present, cmd.String())
	}
}

func TestSampleKeepsSerial(t *testing.T) {
	tl := newTestLane(t, types.LaneFem1, idleConfig, nil)
	tl.hw.serial[types.Unit1] = "SN1"
	stop := tl.start(t)
	defer stop()

	a := tl.enqueue(t, types.NewJob(types.Unit1, types.CmdEepromReadSerial, types.PrioLow, nil))
	b := tl.enqueue(t, types.NewJob(types.Unit1, types.CmdSampleFem, types.PrioLow, nil))
	tl.waitOp(t, a, types.OpDone)
	tl.waitOp(t, b, types.OpDone)

	snap, err := tl.store.GetFem(types.Unit1)
	require.NoError(t, err)
	assert.Equal(t, "SN1", snap.Serial)
	assert.True(t, snap.HaveSerial)
}

func TestCtrlLaneSample(t *testing.T) {
	tl := newTestLane(t, types.LaneCtrl, Config{SampleInterval: 10 * time.Millisecond}, nil)
	stop := tl.start(t)
	defer stop()

	require.Eventually(t, func() bool {
		return tl.store.GetCtrl().HaveTemp
	}, 2*time.Second, 5*time.Millisecond)
	assert.InDelta(t, 35, tl.store.GetCtrl().TempC, 1e-9)
}

func TestSafetyTickOnlyOnFemLanes(t *testing.T) {
	ticker := &countingTicker{}
	cfg := Config{SafetyInterval: 10 * time.Millisecond}
	fem := newTestLane(t, types.LaneFem2, cfg, ticker)
	ctrl := newTestLane(t, types.LaneCtrl, cfg, ticker)
	stopFem := fem.start(t)
	stopCtrl := ctrl.start(t)
	defer stopCtrl()
	defer stopFem()

	require.Eventually(t, func() bool {
		return ticker.ticks[types.Unit2].Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, ticker.ticks[types.Unit1].Load())
	assert.Zero(t, ticker.ticks[types.UnitNone].Load())
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

func TestShutdownJobCancelsPendingLowJobs(t *testing.T) {
	tl := newTestLane(t, types.LaneFem1, idleConfig, nil)
	high := tl.enqueue(t, types.NewJob(types.Unit1, types.CmdDacInit, types.PrioHigh, nil))
	low := tl.enqueue(t, types.NewJob(types.Unit1, types.CmdTempInit, types.PrioLow, nil))
	shutdown := tl.enqueue(t, types.Job{Lane: types.LaneFem1, Unit: types.Unit1, Cmd: types.CmdShutdown, Prio: types.PrioHigh})

	err := tl.w.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, types.OpDone, tl.waitOp(t, high, types.OpDone).State)
	assert.Equal(t, types.OpDone, tl.waitOp(t, shutdown, types.OpDone).State)
	st := tl.waitOp(t, low, types.OpCanceled)
	assert.Equal(t, types.ResultCanceled, st.Result)
	assert.Empty(t, tl.hw.callsFor("temp_init"))

	_, err = tl.jobs.Enqueue(types.NewJob(types.Unit1, types.CmdTempInit, types.PrioLow, nil), nowMs())
	assert.ErrorIs(t, err, jobmanager.ErrLaneStopping)
}

func TestShutdownJobStillRunsLaterHighJobs(t *testing.T) {
	tl := newTestLane(t, types.LaneFem1, idleConfig, nil)
	shutdown := tl.enqueue(t, types.Job{Lane: types.LaneFem1, Unit: types.Unit1, Cmd: types.CmdShutdown, Prio: types.PrioHigh})
	trip := tl.enqueue(t, types.NewJob(types.Unit1, types.CmdGpioDisablePA, types.PrioHigh, nil))
	low := tl.enqueue(t, types.NewJob(types.Unit1, types.CmdTempInit, types.PrioLow, nil))

	require.NoError(t, tl.w.Run(context.Background()))

	assert.Equal(t, types.OpDone, tl.waitOp(t, shutdown, types.OpDone).State)
	assert.Equal(t, types.ResultOK, tl.waitOp(t, trip, types.OpDone).Result)
	assert.Equal(t, []string{"gpio_disable_pa:fem1"}, tl.hw.callsFor("gpio_disable_pa"))
	tl.waitOp(t, low, types.OpCanceled)
	assert.Empty(t, tl.hw.callsFor("temp_init"))
}

func TestLaneStopDrainsHighCancelsLow(t *testing.T) {
	tl := newTestLane(t, types.LaneFem2, idleConfig, nil)
	low := tl.enqueue(t, types.NewJob(types.Unit2, types.CmdTempInit, types.PrioLow, nil))
	high := tl.enqueue(t, types.NewJob(types.Unit2, types.CmdDacDisablePA, types.PrioHigh, nil))
	require.NoError(t, tl.jobs.RequestLaneStop(types.LaneFem2))

	require.NoError(t, tl.w.Run(context.Background()))

	tl.waitOp(t, high, types.OpDone)
	tl.waitOp(t, low, types.OpCanceled)
	assert.Empty(t, tl.hw.callsFor("temp_init"))
}

func TestRunReturnsOnLaneStop(t *testing.T) {
	tl := newTestLane(t, types.LaneFem2, idleConfig, nil)
	done := make(chan error, 1)
	go func() { done <- tl.w.Run(context.Background()) }()

	require.NoError(t, tl.jobs.RequestLaneStop(types.LaneFem2))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("lane did not exit after stop request")
	}
}

// ============================================================================
// Pool Tests
// ============================================================================

func newTestPool(t *testing.T) (*Pool, *fakeHardware, *jobmanager.JobManager) {
	t.Helper()
	hw := newFakeHardware()
	jm := jobmanager.NewJobManager(jobmanager.Config{QueueCapacity: 8, OpTableSize: 64}, nil)
	p := NewPool(idleConfig, hw, jm, snapshot.NewStore(), nil, nil, nil)
	return p, hw, jm
}

func TestPoolStartTwice(t *testing.T) {
	p, _, _ := newTestPool(t)
	assert.False(t, p.IsStarted())
	require.NoError(t, p.Start(context.Background()))
	assert.True(t, p.IsStarted())
	assert.ErrorIs(t, p.Start(context.Background()), ErrPoolStarted)

	require.NoError(t, p.Stop(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrPoolClosed)
}

func TestPoolStopIsIdempotent(t *testing.T) {
	p, _, _ := newTestPool(t)
	require.NoError(t, p.Stop(context.Background()), "stop before start")

	p, _, _ = newTestPool(t)
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Stop(context.Background()))
	require.NoError(t, p.Stop(context.Background()))

	select {
	case <-p.Done():
	default:
		t.Fatal("pool not done after stop")
	}
}

func TestPoolStopRunsQueuedHighJobsFirst(t *testing.T) {
	p, hw, jm := newTestPool(t)
	var ids []uint64
	for _, u := range []types.Unit{types.Unit1, types.Unit2} {
		id, err := jm.Enqueue(types.NewJob(u, types.CmdGpioDisablePA, types.PrioHigh, nil), nowMs())
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.NoError(t, p.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	for _, id := range ids {
		st, err := jm.GetOp(id)
		require.NoError(t, err)
		assert.Equal(t, types.OpDone, st.State)
	}
	assert.Len(t, hw.callsFor("gpio_disable_pa"), 2)
}

func TestPoolWorkerLookup(t *testing.T) {
	p, _, _ := newTestPool(t)
	for l := types.LaneCtrl; l < types.NumLanes; l++ {
		require.NotNil(t, p.Worker(l))
		assert.Equal(t, l, p.Worker(l).Lane())
	}
	assert.Nil(t, p.Worker(types.Lane(7)))
}
