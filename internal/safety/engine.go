// ============================================================================
// FEMD Safety Engine - 違規偵測、遲滯自動恢復、溫度補償
// ============================================================================
//
// Package: internal/safety
// 文件: engine.go
// 功能: 每個 FEM 單元一個獨立的狀態機，由該單元的 lane 週期性呼叫 Tick
//
// 狀態機:
//   Healthy ──(任一量測值超過上限，單次即觸發)──> Shutdown
//   Shutdown ──(冷卻時間已過 且 連續 restore_ok_checks 次健康)──> Healthy
//
// 觸發 (trip):
//   violations++、記錄 ShutdownMs、OkStreak = 0，
//   以 high priority 送出 GPIO-disable-PA 與 DAC-disable-PA 兩個 job，
//   再送出 PAAutoOff 通知。
//
// 恢復 (restore):
//   送出 GPIO-restore-PA，以及依目前溫度查表得到的 DAC carrier / peak，
//   依設定重置統計，清除 shutdown 旗標，送出 PAAutoOn 通知。
//
// 統計:
//   violations 只做統計，不影響恢復；restore_reset_unit_stats 開啟時每次恢復歸零。
//   NaN 讀值視同缺值：不觸發，也不算健康。
//
// 並發:
//   所有單元狀態受 e.mu 保護；Enqueue 不會阻塞，因此可在鎖內呼叫，
//   確保同一單元的 trip / restore job 依決策順序進入佇列。
//   通知在鎖外送出。
//
// ============================================================================

package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/ChuLiYu/femd/internal/config"
	"github.com/ChuLiYu/femd/internal/metrics"
	"github.com/ChuLiYu/femd/internal/notify"
	"github.com/ChuLiYu/femd/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrInvalidUnit = errors.New("invalid unit")
	// 部分矯正 job 無法排入佇列
	ErrActionNotQueued = errors.New("safety action not queued")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Enqueuer accepts corrective jobs. *jobmanager.JobManager satisfies it.
type Enqueuer interface {
	Enqueue(job types.Job, nowMs int64) (uint64, error)
}

// SnapshotReader is the read side of the snapshot store.
type SnapshotReader interface {
	GetFem(unit types.Unit) (types.FemSnapshot, error)
}

// Quantity names a monitored reading.
type Quantity int

const (
	QuantityNone Quantity = iota
	QuantityTemperature
	QuantityReversePower
	QuantityForwardPower
	QuantityPaCurrent
	numQuantities
)

func (q Quantity) String() string {
	switch q {
	case QuantityTemperature:
		return "temperature"
	case QuantityReversePower:
		return "reverse_power"
	case QuantityForwardPower:
		return "forward_power"
	case QuantityPaCurrent:
		return "pa_current"
	default:
		return "none"
	}
}

// Action is what a Tick decided.
type Action int

const (
	ActionNone    Action = iota // 健康，無動作
	ActionTrip                  // 剛觸發關閉
	ActionHold                  // 維持關閉（冷卻中或累積中）
	ActionRestore               // 剛自動恢復
)

func (a Action) String() string {
	switch a {
	case ActionTrip:
		return "trip"
	case ActionHold:
		return "hold"
	case ActionRestore:
		return "restore"
	default:
		return "none"
	}
}

// Violation is a single reading over its limit.
type Violation struct {
	Unit      types.Unit `json:"unit"`
	Quantity  Quantity   `json:"-"`
	Name      string     `json:"quantity"`
	Measured  float64    `json:"measured"`
	Threshold float64    `json:"threshold"`
	AtMs      int64      `json:"at_ms"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s %.2f > %.2f", v.Quantity, v.Measured, v.Threshold)
}

// Decision is the outcome of one Tick.
type Decision struct {
	Action    Action
	Violation *Violation
	OkStreak  int
	// 矯正 job 的 op id；排入失敗的為 0
	OpIDs []uint64
	Err   error
}

// UnitStatus is the externally visible safety state of one unit.
type UnitStatus struct {
	Unit          types.Unit        `json:"unit"`
	Shutdown      bool              `json:"shutdown"`
	ShutdownMs    int64             `json:"shutdown_ms,omitempty"`
	OkStreak      int               `json:"ok_streak"`
	Violations    uint32            `json:"violations"`
	Checks        uint64            `json:"checks"`
	ByQuantity    map[string]uint32 `json:"by_quantity"`
	LastViolation *Violation        `json:"last_violation,omitempty"`
	Zone          string            `json:"zone,omitempty"`
}

// Stats summarizes both units.
type Stats struct {
	Enabled         bool         `json:"enabled"`
	TotalChecks     uint64       `json:"total_checks"`
	TotalViolations uint64       `json:"total_violations"`
	Units           []UnitStatus `json:"units"`
}

type unitState struct {
	shutdown   bool
	shutdownMs int64
	okStreak   int
	violations uint32
	byQuantity [numQuantities]uint32
	checks     uint64
	last       *Violation
	// 上次關閉動作未完整排入，下一次 Tick 重送
	pendingTrip bool
}

// Engine runs the per-unit trip/restore state machines.
type Engine struct {
	cfg      config.SafetyConfig
	defaults Voltages
	tables   [types.NumUnits + 1]Table

	jobs     Enqueuer
	store    SnapshotReader
	notifier notify.Notifier
	metrics  *metrics.Collector
	log      *slog.Logger

	mu              sync.Mutex
	units           [types.NumUnits + 1]unitState
	totalViolations uint64
}

// New builds an engine from a validated configuration. notifier, m and log may be nil.
func New(cfg *config.Config, jobs Enqueuer, store SnapshotReader, notifier notify.Notifier, m *metrics.Collector, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		cfg: cfg.Safety,
		defaults: Voltages{
			Carrier: cfg.DAC.DefaultVoltages.CarrierVoltage,
			Peak:    cfg.DAC.DefaultVoltages.PeakVoltage,
		},
		jobs:     jobs,
		store:    store,
		notifier: notifier,
		metrics:  m,
		log:      log.With("component", "safety"),
	}
	for _, u := range []types.Unit{types.Unit1, types.Unit2} {
		e.tables[u] = NewTable(cfg.Table(u))
	}
	return e
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Tick evaluates unit's latest snapshot once.
//
// 缺少的量測值不會觸發關閉，但在恢復階段會把 OkStreak 歸零：
// 沒有完整讀值時不能判定為健康。
func (e *Engine) Tick(unit types.Unit, nowMs int64) Decision {
	if !e.cfg.Enabled || !unit.Valid() {
		return Decision{}
	}
	snap, err := e.store.GetFem(unit)
	if err != nil {
		return Decision{Err: err}
	}

	violation, complete := e.evaluate(unit, snap, nowMs)

	e.mu.Lock()
	st := &e.units[unit]
	st.checks++

	var (
		d  Decision
		ev *notify.Event
	)
	switch {
	case !st.shutdown && violation != nil:
		d, ev = e.tripLocked(unit, st, violation, nowMs)

	case !st.shutdown:
		d = Decision{Action: ActionNone}

	default:
		d = e.holdOrRestoreLocked(unit, st, snap, violation, complete, nowMs)
		if d.Action == ActionRestore {
			ev = &notify.Event{Unit: unit, Kind: notify.PAAutoOn, AtMs: nowMs, Reason: "health re-established"}
		}
	}
	e.mu.Unlock()

	if ev != nil {
		e.emit(*ev)
	}
	return d
}

// evaluate returns the first reading over its limit, and whether every reading was present.
func (e *Engine) evaluate(unit types.Unit, snap types.FemSnapshot, nowMs int64) (*Violation, bool) {
	th := e.cfg.Thresholds
	haveTemp := snap.HaveTemp && !math.IsNaN(snap.TempC)
	a := snap.Adc
	haveAdc := snap.HaveAdc && !math.IsNaN(a.ReversePowerDbm) && !math.IsNaN(a.ForwardPowerDbm) && !math.IsNaN(a.PaCurrentA)
	complete := snap.Present && haveTemp && haveAdc

	check := func(have bool, q Quantity, measured, limit float64) *Violation {
		if !have || math.IsNaN(measured) || measured <= limit {
			return nil
		}
		return &Violation{Unit: unit, Quantity: q, Name: q.String(), Measured: measured, Threshold: limit, AtMs: nowMs}
	}

	if v := check(haveTemp, QuantityTemperature, snap.TempC, th.MaxTemperatureC); v != nil {
		return v, complete
	}
	if v := check(snap.HaveAdc, QuantityReversePower, snap.Adc.ReversePowerDbm, th.MaxReversePowerDbm); v != nil {
		return v, complete
	}
	if v := check(snap.HaveAdc, QuantityForwardPower, snap.Adc.ForwardPowerDbm, th.MaxForwardPowerDbm); v != nil {
		return v, complete
	}
	if v := check(snap.HaveAdc, QuantityPaCurrent, snap.Adc.PaCurrentA, th.MaxPaCurrentA); v != nil {
		return v, complete
	}
	return nil, complete
}

func (e *Engine) tripLocked(unit types.Unit, st *unitState, v *Violation, nowMs int64) (Decision, *notify.Event) {
	st.violations++
	st.byQuantity[v.Quantity]++
	st.last = v
	st.shutdown = true
	st.shutdownMs = nowMs
	st.okStreak = 0
	e.totalViolations++

	ids, err := e.queueShutdownLocked(unit, st, nowMs)

	e.log.Error("PA shutdown", "unit", unit.String(), "quantity", v.Quantity.String(),
		"measured", v.Measured, "threshold", v.Threshold, "violations", st.violations)
	e.metrics.RecordTrip(unit.String(), v.Quantity.String())
	e.metrics.SetShutdown(unit.String(), true)

	return Decision{Action: ActionTrip, Violation: v, OpIDs: ids, Err: err},
		&notify.Event{Unit: unit, Kind: notify.PAAutoOff, AtMs: nowMs, Reason: v.String()}
}

// queueShutdownLocked 送出 GPIO cut 與 DAC zero；任一失敗時標記 pendingTrip 以便重送。
func (e *Engine) queueShutdownLocked(unit types.Unit, st *unitState, nowMs int64) ([]uint64, error) {
	ids, err := e.enqueueAll(nowMs,
		types.NewJob(unit, types.CmdGpioDisablePA, types.PrioHigh, nil),
		types.NewJob(unit, types.CmdDacDisablePA, types.PrioHigh, nil),
	)
	st.pendingTrip = err != nil
	if err != nil {
		e.log.Error("failed to queue PA shutdown, will retry", "unit", unit.String(), "error", err)
	}
	return ids, err
}

func (e *Engine) holdOrRestoreLocked(unit types.Unit, st *unitState, snap types.FemSnapshot, v *Violation, complete bool, nowMs int64) Decision {
	hold := Decision{Action: ActionHold, Violation: v}

	if st.pendingTrip {
		hold.OpIDs, hold.Err = e.queueShutdownLocked(unit, st, nowMs)
	}

	if !e.cfg.AutoRestoreEnabled {
		st.okStreak = 0
		return hold
	}
	if nowMs-st.shutdownMs < int64(e.cfg.RestoreCooldownMs) {
		st.okStreak = 0
		return hold
	}
	if v != nil || !complete {
		if st.okStreak > 0 {
			e.log.Info("restore streak reset", "unit", unit.String(), "streak", st.okStreak)
		}
		st.okStreak = 0
		return hold
	}

	st.okStreak++
	if st.okStreak < e.cfg.RestoreOkChecks {
		hold.OkStreak = st.okStreak
		return hold
	}

	streak := st.okStreak
	ids, err := e.restoreLocked(unit, st, snap, nowMs, e.cfg.RestoreResetUnitStats)
	e.metrics.RecordRestore(unit.String(), "auto")
	e.log.Info("PA auto restored", "unit", unit.String(), "ok_checks", streak)
	return Decision{Action: ActionRestore, OkStreak: streak, OpIDs: ids, Err: err}
}

// restoreLocked 送出 GPIO restore 與依溫度查表的 DAC 電壓，並清除 shutdown。
func (e *Engine) restoreLocked(unit types.Unit, st *unitState, snap types.FemSnapshot, nowMs int64, resetStats bool) ([]uint64, error) {
	volts := e.defaults
	if snap.HaveTemp {
		volts = e.tables[unit].Lookup(snap.TempC, e.defaults)
	}

	ids, err := e.enqueueAll(nowMs,
		types.NewJob(unit, types.CmdGpioRestorePA, types.PrioHigh, nil),
		types.NewJob(unit, types.CmdDacSetCarrier, types.PrioHigh, types.VoltageArg{Volts: volts.Carrier}),
		types.NewJob(unit, types.CmdDacSetPeak, types.PrioHigh, types.VoltageArg{Volts: volts.Peak}),
	)
	if err != nil {
		e.log.Error("failed to queue PA restore", "unit", unit.String(), "error", err)
	}

	if resetStats {
		st.violations = 0
		st.byQuantity = [numQuantities]uint32{}
	}
	st.shutdown = false
	st.okStreak = 0
	st.pendingTrip = false
	e.metrics.SetShutdown(unit.String(), false)
	return ids, err
}

// enqueueAll queues every job and keeps going after a failure.
func (e *Engine) enqueueAll(nowMs int64, jobs ...types.Job) ([]uint64, error) {
	ids := make([]uint64, 0, len(jobs))
	var errs []error
	for _, job := range jobs {
		id, err := e.jobs.Enqueue(job, nowMs)
		if err != nil {
			errs = append(errs, err)
		}
		ids = append(ids, id)
	}
	if len(errs) > 0 {
		return ids, fmt.Errorf("%w: %w", ErrActionNotQueued, errors.Join(errs...))
	}
	return ids, nil
}

func (e *Engine) emit(ev notify.Event) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(context.Background(), ev); err != nil {
		e.log.Warn("notify failed", "unit", ev.Unit.String(), "event", ev.Kind.String(), "error", err)
	}
}

// ForceRestore clears a shutdown without the cooldown or streak gate and resets the
// unit's violation counters. A unit that is not shut down is left alone.
func (e *Engine) ForceRestore(unit types.Unit, nowMs int64) error {
	if !unit.Valid() {
		return fmt.Errorf("force restore %d: %w", unit, ErrInvalidUnit)
	}
	snap, err := e.store.GetFem(unit)
	if err != nil {
		return err
	}

	e.mu.Lock()
	st := &e.units[unit]
	if !st.shutdown {
		e.mu.Unlock()
		e.log.Info("force restore ignored, PA not shut down", "unit", unit.String())
		return nil
	}
	_, err = e.restoreLocked(unit, st, snap, nowMs, true)
	e.mu.Unlock()

	e.metrics.RecordRestore(unit.String(), "forced")
	e.log.Warn("PA force restored", "unit", unit.String())
	e.emit(notify.Event{Unit: unit, Kind: notify.PAForcedOn, AtMs: nowMs, Reason: "manual override"})
	return err
}

// Lookup returns the compensated DAC voltages for unit at tempC. It has no side effects.
func (e *Engine) Lookup(unit types.Unit, tempC float64) (carrier, peak float64) {
	v := e.defaults
	if unit.Valid() {
		v = e.tables[unit].Lookup(tempC, e.defaults)
	}
	return v.Carrier, v.Peak
}

// IsShutdown reports whether unit's PA is currently shut down.
func (e *Engine) IsShutdown(unit types.Unit) bool {
	if !unit.Valid() {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.units[unit].shutdown
}

// Zone classifies tempC against the configured temperature zones.
func (e *Engine) Zone(tempC float64) string {
	z := e.cfg.TemperatureZones
	switch {
	case math.IsNaN(tempC):
		return "unknown"
	case tempC >= z.CriticalHigh:
		return "critical_high"
	case tempC >= z.WarningHigh:
		return "warning_high"
	case tempC > z.NormalHigh:
		return "elevated"
	case tempC >= z.NormalLow:
		return "normal"
	case tempC > z.WarningLow:
		return "cool"
	case tempC > z.CriticalLow:
		return "warning_low"
	default:
		return "critical_low"
	}
}

// Status returns the safety state of one unit.
func (e *Engine) Status(unit types.Unit) (UnitStatus, error) {
	if !unit.Valid() {
		return UnitStatus{}, fmt.Errorf("status %d: %w", unit, ErrInvalidUnit)
	}
	snap, _ := e.store.GetFem(unit)

	e.mu.Lock()
	st := e.units[unit]
	e.mu.Unlock()

	us := UnitStatus{
		Unit:       unit,
		Shutdown:   st.shutdown,
		ShutdownMs: st.shutdownMs,
		OkStreak:   st.okStreak,
		Violations: st.violations,
		Checks:     st.checks,
		ByQuantity: make(map[string]uint32),
	}
	for q := QuantityTemperature; q < numQuantities; q++ {
		us.ByQuantity[q.String()] = st.byQuantity[q]
	}
	if st.last != nil {
		last := *st.last
		us.LastViolation = &last
	}
	if snap.HaveTemp {
		us.Zone = e.Zone(snap.TempC)
	}
	return us, nil
}

// Stats returns the status of both units plus totals.
func (e *Engine) Stats() Stats {
	s := Stats{Enabled: e.cfg.Enabled}
	for _, u := range []types.Unit{types.Unit1, types.Unit2} {
		us, _ := e.Status(u)
		s.TotalChecks += us.Checks
		s.Units = append(s.Units, us)
	}
	e.mu.Lock()
	s.TotalViolations = e.totalViolations
	e.mu.Unlock()
	return s
}

// ============================================================================
// 鎖存狀態持久化
// ============================================================================

// Export returns the latch state of both units for persistence.
func (e *Engine) Export() []types.SafetyLatch {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]types.SafetyLatch, 0, types.NumUnits)
	for _, u := range []types.Unit{types.Unit1, types.Unit2} {
		st := e.units[u]
		out = append(out, types.SafetyLatch{
			Unit:       u,
			Shutdown:   st.shutdown,
			ShutdownMs: st.shutdownMs,
			Violations: st.violations,
		})
	}
	return out
}

// Import restores persisted latches. Units that were shut down get their shutdown jobs
// queued again so the hardware matches the restored state.
func (e *Engine) Import(latches []types.SafetyLatch, nowMs int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for _, l := range latches {
		if !l.Unit.Valid() {
			continue
		}
		st := &e.units[l.Unit]
		st.violations = l.Violations
		st.shutdown = l.Shutdown
		st.shutdownMs = l.ShutdownMs
		st.okStreak = 0
		if !l.Shutdown {
			continue
		}
		e.log.Warn("PA shutdown restored from latch", "unit", l.Unit.String(),
			"shutdown_ms", l.ShutdownMs, "violations", l.Violations)
		e.metrics.SetShutdown(l.Unit.String(), true)
		if _, err := e.queueShutdownLocked(l.Unit, st, nowMs); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
