// ============================================================================
// FEMD 控制器 - 系統組裝與生命週期
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 組裝 JobManager、SnapshotStore、Safety Engine、Lane Pool、通知與鎖存檔，
//       並提供給外部協作者（HTTP 層、CLI）的操作介面
//
// 架構設計:
//   - JobManager: 每條 lane 的雙優先權佇列與操作狀態表
//   - Store: 各 lane 取樣後寫入的硬體快照
//   - Engine: 每個 FEM 的 trip / restore 狀態機
//   - Pool: ctrl / fem1 / fem2 三個 lane worker
//   - Latch Manager: 把 PA 關斷鎖存寫入 JSON 檔，跨重啟保存
//
// 啟動流程:
//   1. restoreLatch() - 載入鎖存檔，關斷中的單元重新排入 high priority 關斷 job
//   2. queueInit()    - 每個 FEM 排入 low priority 初始化 job
//   3. pool.Start()   - 啟動三條 lane
//   4. latchLoop()    - 週期性保存鎖存狀態（有變化才寫檔）
//
// 關閉流程:
//   1. close(stopCh)  - 停止 latchLoop
//   2. pool.Stop()    - 每條 lane 送出 shutdown job 並等待退出
//   3. saveLatch()    - 最後一次保存鎖存
//   4. 關閉通知佇列（送完已排隊的告警）
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/femd/internal/config"
	"github.com/ChuLiYu/femd/internal/jobmanager"
	"github.com/ChuLiYu/femd/internal/metrics"
	"github.com/ChuLiYu/femd/internal/notify"
	"github.com/ChuLiYu/femd/internal/safety"
	"github.com/ChuLiYu/femd/internal/snapshot"
	"github.com/ChuLiYu/femd/internal/worker"
	"github.com/ChuLiYu/femd/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrAlreadyStarted = errors.New("controller already started")
	ErrStopped        = errors.New("controller stopped")
	// shutdown job 只能由 Stop 送出
	ErrReservedCmd = fmt.Errorf("%w: command is reserved", types.ErrInvalidArgument)
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Option customizes a Controller.
type Option func(*Controller)

// WithNotifier replaces the notifier built from configuration.
func WithNotifier(n notify.Notifier) Option {
	return func(c *Controller) { c.notifyNext = n }
}

// WithMetrics records into m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// Status is a point-in-time summary of the daemon.
type Status struct {
	StartedMs int64          `json:"started_ms"`
	Uptime    string         `json:"uptime"`
	Band      string         `json:"band"`
	Queues    map[string]int `json:"queues"`
	Safety    safety.Stats   `json:"safety"`
}

// Controller 系統核心控制器
type Controller struct {
	cfg        *config.Config
	jobs       *jobmanager.JobManager // 佇列與操作狀態
	store      *snapshot.Store        // 硬體快照
	engine     *safety.Engine         // 安全狀態機
	pool       *worker.Pool           // lane workers
	latches    *snapshot.Manager      // 鎖存檔，未設定 state_file 時為 nil
	notifier   *notify.Async          // 非阻塞告警佇列
	notifyNext notify.Notifier
	metrics    *metrics.Collector
	log        *slog.Logger

	mu        sync.Mutex
	started   bool
	stopped   bool
	stopCh    chan struct{}  // 停止 latchLoop
	loopWg    sync.WaitGroup // 等待背景循環退出
	startTime time.Time
	lastSaved []types.SafetyLatch
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 組裝 Controller；cfg 必須通過驗證
func New(cfg *config.Config, hw worker.Hardware, log *slog.Logger, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	c := &Controller{
		cfg:    cfg,
		store:  snapshot.NewStore(),
		log:    log.With("component", "controller"),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.notifyNext == nil {
		c.notifyNext = notifierFromConfig(cfg, log)
	}

	c.jobs = jobmanager.NewJobManager(jobmanager.Config{
		QueueCapacity: cfg.Lanes.QueueCapacity,
		OpTableSize:   cfg.Lanes.OpTableSize,
	}, c.metrics)
	c.notifier = notify.NewAsync(c.notifyNext, cfg.Notify.QueueSize, c.metrics, log.With("component", "notify"))
	c.engine = safety.New(cfg, c.jobs, c.store, c.notifier, c.metrics, log)
	c.pool = worker.NewPool(worker.Config{
		SampleInterval: time.Duration(cfg.Lanes.SampleIntervalMs) * time.Millisecond,
		SafetyInterval: time.Duration(cfg.Safety.CheckIntervalMs) * time.Millisecond,
	}, hw, c.jobs, c.store, c.engine, c.metrics, log)
	if cfg.StateFile != "" {
		c.latches = snapshot.NewManager(cfg.StateFile)
	}
	return c, nil
}

// notifierFromConfig always logs alarms and mails them when mail is enabled.
func notifierFromConfig(cfg *config.Config, log *slog.Logger) notify.Notifier {
	var n notify.Multi
	if cfg.Logging.SafetyEvents {
		n = append(n, notify.NewLog(log))
	}
	if cfg.Notify.Mail.Enabled {
		n = append(n, notify.NewMail(cfg.Notify.Mail))
	}
	return n
}

// Start 恢復鎖存、排入初始化 job 並啟動 lanes
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.startTime = time.Now()
	now := c.startTime.UnixMilli()

	c.restoreLatch(now)
	c.queueInit(now)

	if err := c.pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start lanes: %w", err)
	}
	if c.latches != nil && c.cfg.Lanes.LatchSaveIntervalMs > 0 {
		c.loopWg.Add(1)
		go c.latchLoop(time.Duration(c.cfg.Lanes.LatchSaveIntervalMs) * time.Millisecond)
	}

	c.started = true
	c.log.Info("controller started",
		"band", c.cfg.ActiveBand(),
		"safety", c.cfg.Safety.Enabled,
		"state_file", c.cfg.StateFile,
		"recovery", time.Since(c.startTime))
	return nil
}

// restoreLatch 載入鎖存檔；檔案損壞時記錄錯誤並以全部健康啟動
func (c *Controller) restoreLatch(now int64) {
	if c.latches == nil {
		return
	}
	data, err := c.latches.Load()
	if err != nil {
		c.log.Error("failed to load safety latch, starting without it", "path", c.latches.GetPath(), "error", err)
		return
	}
	if err := c.engine.Import(data.Latches, now); err != nil {
		c.log.Error("shutdown jobs for latched units not queued", "error", err)
	}
	c.lastSaved = c.engine.Export()
	c.log.Info("safety latch loaded", "path", c.latches.GetPath(), "units", len(data.Latches))
}

// queueInit 每個 FEM 排入初始化序列；關斷中的單元不設定 DAC 電壓
func (c *Controller) queueInit(now int64) {
	def := c.cfg.DAC.DefaultVoltages
	for _, u := range []types.Unit{types.Unit1, types.Unit2} {
		jobs := []types.Job{
			types.NewJob(u, types.CmdTempInit, types.PrioLow, nil),
			types.NewJob(u, types.CmdAdcInit, types.PrioLow, nil),
			types.NewJob(u, types.CmdDacInit, types.PrioLow, nil),
			types.NewJob(u, types.CmdTempSetThreshold, types.PrioLow,
				types.ThresholdArg{Celsius: c.cfg.Safety.Thresholds.MaxTemperatureC}),
			types.NewJob(u, types.CmdEepromReadSerial, types.PrioLow, nil),
		}
		if !c.engine.IsShutdown(u) {
			jobs = append(jobs,
				types.NewJob(u, types.CmdDacSetCarrier, types.PrioLow, types.VoltageArg{Volts: def.CarrierVoltage}),
				types.NewJob(u, types.CmdDacSetPeak, types.PrioLow, types.VoltageArg{Volts: def.PeakVoltage}),
			)
		}
		jobs = append(jobs, types.NewJob(u, types.CmdSampleFem, types.PrioLow, nil))

		for _, job := range jobs {
			if _, err := c.jobs.Enqueue(job, now); err != nil {
				c.log.Warn("init job not queued", "unit", u.String(), "cmd", job.Cmd.String(), "error", err)
			}
		}
	}
	if _, err := c.jobs.Enqueue(types.NewJob(types.UnitNone, types.CmdSampleCtrl, types.PrioLow, nil), now); err != nil {
		c.log.Warn("init job not queued", "cmd", types.CmdSampleCtrl.String(), "error", err)
	}
}

// latchLoop 週期性保存鎖存
func (c *Controller) latchLoop(interval time.Duration) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.saveLatch(false); err != nil {
				c.log.Error("failed to save safety latch", "error", err)
			}
		}
	}
}

// saveLatch 寫入鎖存檔；force 為 false 時狀態沒變就跳過
func (c *Controller) saveLatch(force bool) error {
	if c.latches == nil {
		return nil
	}
	latches := c.engine.Export()

	c.mu.Lock()
	unchanged := sameLatches(latches, c.lastSaved)
	c.mu.Unlock()
	if unchanged && !force {
		return nil
	}

	if err := c.latches.Write(types.LatchSnapshot{Latches: latches, SavedMs: time.Now().UnixMilli()}); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastSaved = latches
	c.mu.Unlock()
	c.log.Debug("safety latch saved", "path", c.latches.GetPath())
	return nil
}

func sameLatches(a, b []types.SafetyLatch) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Stop 優雅關閉 Controller；可重複呼叫
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.log.Info("controller already stopped")
		return nil
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	c.log.Info("stopping controller...")
	close(c.stopCh)

	var errs []error
	if started {
		if err := c.pool.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop lanes: %w", err))
		}
	}
	c.loopWg.Wait()

	if started {
		if err := c.saveLatch(true); err != nil {
			errs = append(errs, fmt.Errorf("save safety latch: %w", err))
		}
	}
	c.notifier.Close()

	c.log.Info("controller stopped")
	return errors.Join(errs...)
}

// ============================================================================
// 對外操作介面
// ============================================================================

// Enqueue 提交硬體命令；回傳的 op id 可用 GetOp 查詢
func (c *Controller) Enqueue(job types.Job) (uint64, error) {
	if job.Cmd == types.CmdShutdown {
		return 0, ErrReservedCmd
	}
	return c.jobs.Enqueue(job, time.Now().UnixMilli())
}

// GetOp 查詢操作狀態
func (c *Controller) GetOp(opID uint64) (types.OpStatus, error) {
	return c.jobs.GetOp(opID)
}

// GetFemSnapshot returns the latest sample of unit without touching hardware.
func (c *Controller) GetFemSnapshot(unit types.Unit) (types.FemSnapshot, error) {
	return c.store.GetFem(unit)
}

// GetCtrlSnapshot returns the latest controller sample.
func (c *Controller) GetCtrlSnapshot() types.CtrlSnapshot {
	return c.store.GetCtrl()
}

// ForceRestore 手動解除 PA 關斷（略過冷卻與連續健康次數的限制）
func (c *Controller) ForceRestore(unit types.Unit) error {
	if err := c.engine.ForceRestore(unit, time.Now().UnixMilli()); err != nil {
		return err
	}
	if err := c.saveLatch(false); err != nil {
		c.log.Error("failed to save safety latch", "error", err)
	}
	return nil
}

// Lookup returns the compensated DAC voltages for unit at tempC.
func (c *Controller) Lookup(unit types.Unit, tempC float64) (carrier, peak float64) {
	return c.engine.Lookup(unit, tempC)
}

// SafetyStatus returns the safety state of both units.
func (c *Controller) SafetyStatus() safety.Stats {
	return c.engine.Stats()
}

// GetStatus 取得系統狀態摘要
func (c *Controller) GetStatus() Status {
	c.mu.Lock()
	start := c.startTime
	c.mu.Unlock()

	st := Status{
		Band:   c.cfg.ActiveBand(),
		Queues: c.jobs.Stats(),
		Safety: c.engine.Stats(),
	}
	if !start.IsZero() {
		st.StartedMs = start.UnixMilli()
		st.Uptime = time.Since(start).Round(time.Second).String()
	}
	return st
}
