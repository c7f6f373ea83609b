package worker

// ============================================================================
// Lane Worker - one goroutine per physical bus
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: Serialize every hardware access of one lane, sample the hardware
//          into the snapshot store and drive the safety tick of its unit
//
// Execution Model:
//   ┌──────────────────────────────────────────────────┐
//   │ Run(ctx)                                          │
//   │   ├─ sample timer due?  → sample()  → Store       │
//   │   ├─ safety timer due?  → Safety.Tick(unit)       │
//   │   ├─ Dequeue(lane)      → dispatch(job)           │
//   │   │                       → SetOpState(Done/Failed)│
//   │   └─ idle               → wait wake / timers / ctx│
//   └──────────────────────────────────────────────────┘
//
// Shutdown:
//   A CmdShutdown job is acknowledged and the lane is marked stopping. A
//   stopping lane cancels its low priority jobs, still runs the high priority
//   ones already queued (safety actions), and Run returns once it is empty.
//
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/femd/internal/driver"
	"github.com/ChuLiYu/femd/internal/jobmanager"
	"github.com/ChuLiYu/femd/internal/metrics"
	"github.com/ChuLiYu/femd/internal/safety"
	"github.com/ChuLiYu/femd/pkg/types"
)

// ErrUnsupportedCmd is returned for a command the lane cannot execute.
var ErrUnsupportedCmd = errors.New("unsupported command")

// Hardware is the device access a lane needs. *driver.Board satisfies it.
type Hardware interface {
	CtrlTemperature(ctx context.Context) (float64, error)

	ReadGpio(ctx context.Context, unit types.Unit) (types.GpioStatus, error)
	ApplyGpio(ctx context.Context, unit types.Unit, st types.GpioStatus) error
	DisablePAGpio(ctx context.Context, unit types.Unit) error
	RestorePAGpio(ctx context.Context, unit types.Unit) error

	DacInit(ctx context.Context, unit types.Unit) error
	DacSetCarrier(ctx context.Context, unit types.Unit, volts float64) error
	DacSetPeak(ctx context.Context, unit types.Unit, volts float64) error
	DacRead(ctx context.Context, unit types.Unit) (types.DacState, error)
	DacDisablePA(ctx context.Context, unit types.Unit) error

	TempInit(ctx context.Context, unit types.Unit) error
	TempRead(ctx context.Context, unit types.Unit) (float64, error)
	TempSetThreshold(ctx context.Context, unit types.Unit, celsius float64) error

	AdcInit(ctx context.Context, unit types.Unit) error
	AdcReadAll(ctx context.Context, unit types.Unit) (types.AdcReadings, error)

	ReadSerial(ctx context.Context, unit types.Unit) (string, error)
	WriteSerial(ctx context.Context, unit types.Unit, serial string) error
}

// Jobs is the lane-facing side of the job manager.
type Jobs interface {
	Enqueue(job types.Job, nowMs int64) (uint64, error)
	Dequeue(ctx context.Context, l types.Lane, nowMs int64, blocking bool) (types.Job, error)
	Wake(l types.Lane) <-chan struct{}
	SetOpState(opID uint64, state types.OpState, result int, nowMs int64)
	RequestLaneStop(l types.Lane) error
	Stopping(l types.Lane) bool
	Depth(l types.Lane) (hi, lo int)
	CancelLow(l types.Lane, nowMs int64) int
	CancelPending(l types.Lane, nowMs int64) int
}

// Store is the snapshot cache written by the lanes.
type Store interface {
	UpdateFem(unit types.Unit, snap types.FemSnapshot) error
	UpdateCtrl(snap types.CtrlSnapshot)
	GetFem(unit types.Unit) (types.FemSnapshot, error)
	SetFemPresent(unit types.Unit, present bool, nowMs int64) error
	SetCtrlPresent(present bool, nowMs int64)
}

// SafetyTicker evaluates one unit. *safety.Engine satisfies it.
type SafetyTicker interface {
	Tick(unit types.Unit, nowMs int64) safety.Decision
}

// Config lane timing.
type Config struct {
	SampleInterval time.Duration
	SafetyInterval time.Duration
}

// Worker 一條 lane 的執行者
type Worker struct {
	lane types.Lane
	unit types.Unit
	cfg  Config

	hw      Hardware
	jobs    Jobs
	store   Store
	safety  SafetyTicker
	metrics *metrics.Collector
	log     *slog.Logger
	now     func() int64
}

// NewWorker creates the worker of lane l. safety may be nil.
func NewWorker(l types.Lane, cfg Config, hw Hardware, jobs Jobs, store Store, st SafetyTicker, m *metrics.Collector, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		lane:    l,
		unit:    l.Unit(),
		cfg:     cfg,
		hw:      hw,
		jobs:    jobs,
		store:   store,
		safety:  st,
		metrics: m,
		log:     log.With("component", "lane", "lane", l.String()),
		now:     nowMs,
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }

// Lane returns the lane this worker owns.
func (w *Worker) Lane() types.Lane { return w.lane }

// Run 執行 lane 主迴圈，直到收到 shutdown job、lane 被停止或 ctx 取消
func (w *Worker) Run(ctx context.Context) error {
	sample := newTicker(w.cfg.SampleInterval)
	defer sample.stop()

	var tick *ticker
	if w.unit.Valid() && w.safety != nil {
		tick = newTicker(w.cfg.SafetyInterval)
	} else {
		tick = newTicker(0)
	}
	defer tick.stop()

	wake := w.jobs.Wake(w.lane)
	w.log.Info("lane started")
	defer w.log.Info("lane stopped")

	for {
		if ctx.Err() != nil {
			n := w.jobs.CancelPending(w.lane, w.now())
			w.log.Info("lane context done", "canceled", n)
			return nil
		}

		stopping := w.jobs.Stopping(w.lane)
		if stopping {
			if n := w.jobs.CancelLow(w.lane, w.now()); n > 0 {
				w.log.Info("lane stopping, low priority jobs canceled", "canceled", n)
			}
		} else {
			// 計時器優先於佇列，避免大量 job 讓取樣與安全檢查飢餓
			select {
			case <-sample.c:
				w.sample(ctx)
			default:
			}
			select {
			case <-tick.c:
				w.safetyTick()
			default:
			}
		}

		job, err := w.jobs.Dequeue(ctx, w.lane, w.now(), false)
		switch {
		case err == nil:
			if stopping && job.Prio == types.PrioLow {
				w.jobs.SetOpState(job.OpID, types.OpCanceled, types.ResultCanceled, w.now())
				continue
			}
			w.handle(ctx, job)
			continue
		case errors.Is(err, jobmanager.ErrLaneStopped):
			return nil
		case !errors.Is(err, jobmanager.ErrQueueEmpty):
			return fmt.Errorf("lane %s: %w", w.lane, err)
		}

		select {
		case <-ctx.Done():
			n := w.jobs.CancelPending(w.lane, w.now())
			w.log.Info("lane context done", "canceled", n)
			return nil
		case <-wake:
		case <-sample.c:
			w.sample(ctx)
		case <-tick.c:
			w.safetyTick()
		}
	}
}

// handle runs one job and records its outcome.
func (w *Worker) handle(ctx context.Context, job types.Job) {
	if job.Cmd == types.CmdShutdown {
		w.jobs.SetOpState(job.OpID, types.OpDone, types.ResultOK, w.now())
		_ = w.jobs.RequestLaneStop(w.lane)
		hi, _ := w.jobs.Depth(w.lane)
		w.log.Info("shutdown job received", "op_id", job.OpID, "high_left", hi)
		return
	}

	start := time.Now()
	err := w.dispatch(ctx, job)
	if err != nil {
		w.log.Warn("job failed",
			"op_id", job.OpID,
			"cmd", job.Cmd.String(),
			"unit", job.Unit.String(),
			"error", err,
		)
		code := ResultCode(err)
		// 取樣命令已依讀值重算 Present，只有單一裝置命令才清除
		if code == driver.CodeNotPresent && !isSample(job.Cmd) {
			w.markAbsent()
		}
		w.jobs.SetOpState(job.OpID, types.OpFailed, code, w.now())
		return
	}
	w.log.Debug("job done", "op_id", job.OpID, "cmd", job.Cmd.String(), "took", time.Since(start))
	w.jobs.SetOpState(job.OpID, types.OpDone, types.ResultOK, w.now())
}

func isSample(c types.Cmd) bool {
	return c == types.CmdSampleFem || c == types.CmdSampleCtrl || c == types.CmdAdcRead
}

// ResultCode maps an error to the numeric code stored on the op.
func ResultCode(err error) int {
	if err == nil {
		return types.ResultOK
	}
	var rc interface{ ResultCode() int }
	if errors.As(err, &rc) {
		return rc.ResultCode()
	}
	return types.ResultFailed
}

// ============================================================================
// 命令分派
// ============================================================================

func (w *Worker) dispatch(ctx context.Context, job types.Job) error {
	u := job.Unit
	switch job.Cmd {
	case types.CmdSampleCtrl:
		return w.sampleCtrl(ctx)
	case types.CmdSampleFem, types.CmdAdcRead:
		return w.sampleFem(ctx)

	case types.CmdGpioRead:
		return w.refreshGpio(ctx)
	case types.CmdGpioApply:
		arg, _ := job.Arg.(types.GpioArg)
		if err := w.hw.ApplyGpio(ctx, u, arg.State); err != nil {
			return err
		}
		return w.refreshGpio(ctx)
	case types.CmdGpioDisablePA:
		if err := w.hw.DisablePAGpio(ctx, u); err != nil {
			return err
		}
		return w.refreshGpio(ctx)
	case types.CmdGpioRestorePA:
		if err := w.hw.RestorePAGpio(ctx, u); err != nil {
			return err
		}
		return w.refreshGpio(ctx)

	case types.CmdDacInit:
		if err := w.hw.DacInit(ctx, u); err != nil {
			return err
		}
		return w.refreshDac(ctx)
	case types.CmdDacSetCarrier:
		arg, _ := job.Arg.(types.VoltageArg)
		if err := w.hw.DacSetCarrier(ctx, u, arg.Volts); err != nil {
			return err
		}
		return w.refreshDac(ctx)
	case types.CmdDacSetPeak:
		arg, _ := job.Arg.(types.VoltageArg)
		if err := w.hw.DacSetPeak(ctx, u, arg.Volts); err != nil {
			return err
		}
		return w.refreshDac(ctx)
	case types.CmdDacRead:
		return w.refreshDac(ctx)
	case types.CmdDacDisablePA:
		if err := w.hw.DacDisablePA(ctx, u); err != nil {
			return err
		}
		return w.refreshDac(ctx)

	case types.CmdTempInit:
		return w.hw.TempInit(ctx, u)
	case types.CmdTempRead:
		t, err := w.hw.TempRead(ctx, u)
		if err != nil {
			return err
		}
		return w.patchFem(func(s *types.FemSnapshot) {
			s.HaveTemp, s.TempC = true, t
			s.Present = true
		})
	case types.CmdTempSetThreshold:
		arg, _ := job.Arg.(types.ThresholdArg)
		return w.hw.TempSetThreshold(ctx, u, arg.Celsius)

	case types.CmdAdcInit:
		return w.hw.AdcInit(ctx, u)

	case types.CmdEepromReadSerial:
		s, err := w.hw.ReadSerial(ctx, u)
		if err != nil {
			return err
		}
		return w.patchFem(func(snap *types.FemSnapshot) { snap.HaveSerial, snap.Serial = true, s })
	case types.CmdEepromWriteSerial:
		arg, _ := job.Arg.(types.SerialArg)
		if err := w.hw.WriteSerial(ctx, u, arg.Serial); err != nil {
			return err
		}
		return w.patchFem(func(snap *types.FemSnapshot) { snap.HaveSerial, snap.Serial = true, arg.Serial })

	case types.CmdSafetyDisable:
		return w.fanOut(types.CmdGpioDisablePA, types.CmdDacDisablePA)
	case types.CmdSafetyRestore:
		return w.fanOut(types.CmdGpioRestorePA)
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedCmd, job.Cmd)
}

// fanOut queues high-priority sub-jobs on this lane; they run before any queued low job.
func (w *Worker) fanOut(cmds ...types.Cmd) error {
	var errs []error
	for _, c := range cmds {
		if _, err := w.jobs.Enqueue(types.NewJob(w.unit, c, types.PrioHigh, nil), w.now()); err != nil {
			errs = append(errs, fmt.Errorf("queue %s: %w", c, err))
		}
	}
	return errors.Join(errs...)
}

// ============================================================================
// 取樣
// ============================================================================

func (w *Worker) sample(ctx context.Context) {
	var err error
	if w.unit.Valid() {
		err = w.sampleFem(ctx)
	} else {
		err = w.sampleCtrl(ctx)
	}
	if err != nil {
		w.log.Debug("sample incomplete", "error", err)
	}
}

func (w *Worker) sampleCtrl(ctx context.Context) error {
	t, err := w.hw.CtrlTemperature(ctx)
	snap := types.CtrlSnapshot{SampledMs: w.now()}
	if err == nil {
		snap.Present, snap.HaveTemp, snap.TempC = true, true, t
		w.metrics.SetCtrlTemperature(t)
	}
	w.store.UpdateCtrl(snap)
	return err
}

// sampleFem replaces the unit snapshot with a fresh reading of every device.
// The serial is carried over since it only changes through the EEPROM jobs.
func (w *Worker) sampleFem(ctx context.Context) error {
	prev, err := w.store.GetFem(w.unit)
	if err != nil {
		return err
	}
	snap := types.FemSnapshot{
		SampledMs:  w.now(),
		HaveSerial: prev.HaveSerial,
		Serial:     prev.Serial,
	}

	var errs []error
	if st, err := w.hw.ReadGpio(ctx, w.unit); err == nil {
		snap.HaveGpio, snap.Gpio = true, st
	} else {
		errs = append(errs, err)
	}
	if t, err := w.hw.TempRead(ctx, w.unit); err == nil {
		snap.HaveTemp, snap.TempC = true, t
	} else {
		errs = append(errs, err)
	}
	if adc, err := w.hw.AdcReadAll(ctx, w.unit); err == nil {
		snap.HaveAdc, snap.Adc = true, adc
	} else {
		errs = append(errs, err)
	}
	// DAC 尚未寫入前沒有資料，不算取樣失敗
	if dac, err := w.hw.DacRead(ctx, w.unit); err == nil {
		snap.HaveDac, snap.Dac = true, dac
	}
	snap.Present = snap.HaveTemp || snap.HaveAdc

	if err := w.store.UpdateFem(w.unit, snap); err != nil {
		return err
	}
	w.metrics.SetFemSample(w.unit.String(), snap.Present, snap.HaveTemp, snap.TempC)
	return errors.Join(errs...)
}

// markAbsent 裝置消失時只清掉存在旗標，保留最後一次的讀值
func (w *Worker) markAbsent() {
	if !w.unit.Valid() {
		w.store.SetCtrlPresent(false, w.now())
		return
	}
	if err := w.store.SetFemPresent(w.unit, false, w.now()); err != nil {
		w.log.Warn("mark unit absent", "error", err)
	}
}

func (w *Worker) patchFem(fn func(s *types.FemSnapshot)) error {
	snap, err := w.store.GetFem(w.unit)
	if err != nil {
		return err
	}
	fn(&snap)
	return w.store.UpdateFem(w.unit, snap)
}

func (w *Worker) refreshGpio(ctx context.Context) error {
	st, err := w.hw.ReadGpio(ctx, w.unit)
	if err != nil {
		return err
	}
	return w.patchFem(func(s *types.FemSnapshot) { s.HaveGpio, s.Gpio = true, st })
}

func (w *Worker) refreshDac(ctx context.Context) error {
	st, err := w.hw.DacRead(ctx, w.unit)
	if err != nil {
		return err
	}
	return w.patchFem(func(s *types.FemSnapshot) { s.HaveDac, s.Dac = true, st })
}

func (w *Worker) safetyTick() {
	d := w.safety.Tick(w.unit, w.now())
	if d.Err != nil {
		w.log.Error("safety action incomplete", "action", d.Action.String(), "error", d.Err)
	}
}

// ticker wraps time.Ticker; a zero interval yields a channel that never fires.
type ticker struct {
	t *time.Ticker
	c <-chan time.Time
}

func newTicker(d time.Duration) *ticker {
	if d <= 0 {
		return &ticker{}
	}
	t := time.NewTicker(d)
	return &ticker{t: t, c: t.C}
}

func (t *ticker) stop() {
	if t.t != nil {
		t.t.Stop()
	}
}
