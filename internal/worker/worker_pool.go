// ============================================================================
// FEMD Lane Pool - 三條 lane worker 的生命週期
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 建立 ctrl / fem1 / fem2 三個 Worker，啟動並在關閉時依序收尾
//
// 架構組件:
//   ┌─────────────┐
//   │ Controller  │ --Enqueue()--> JobManager ──┬─ lane ctrl ─→ Worker ctrl
//   └─────────────┘                             ├─ lane fem1 ─→ Worker fem1 ─→ Safety.Tick(fem1)
//                                               └─ lane fem2 ─→ Worker fem2 ─→ Safety.Tick(fem2)
//
// 生命週期:
//   1. NewPool()  - 為每條 lane 建立 Worker
//   2. Start(ctx) - 每個 Worker 一個 goroutine（errgroup）
//   3. Stop(ctx)  - 每條 lane 送出 high priority shutdown job，等待全部退出
//
// 優雅關閉:
//   shutdown job 排在已排隊的 high priority job 之後，因此先前的安全動作
//   一定會先執行。shutdown job 無法排入時直接要求 lane 停止。
//   ctx 逾時仍未退出的 lane 由內部 context 強制結束。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/femd/internal/metrics"
	"github.com/ChuLiYu/femd/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示 Pool 已關閉
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted 表示 Pool 已啟動
	ErrPoolStarted = errors.New("worker pool already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 管理每條 lane 各一個 Worker
type Pool struct {
	workers [types.NumLanes]*Worker // 依 lane 編號索引
	jobs    Jobs                    // 用來送出 shutdown job
	log     *slog.Logger

	group   *errgroup.Group    // 追蹤所有 Worker goroutine
	cancel  context.CancelFunc // 強制結束所有 Worker
	done    chan struct{}      // 全部 Worker 退出後關閉
	err     error              // group.Wait 的結果
	started bool
	stopped bool
	mu      sync.Mutex
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 為每條 lane 建立 Worker，safety 可為 nil
func NewPool(cfg Config, hw Hardware, jobs Jobs, store Store, st SafetyTicker, m *metrics.Collector, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{jobs: jobs, log: log.With("component", "pool")}
	for i := range p.workers {
		p.workers[i] = NewWorker(types.Lane(i), cfg, hw, jobs, store, st, m, log)
	}
	return p
}

// Start 啟動所有 Worker，不會阻塞
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.group = new(errgroup.Group)
	p.done = make(chan struct{})
	for _, w := range p.workers {
		w := w
		p.group.Go(func() error { return w.Run(runCtx) })
	}
	go func() {
		p.err = p.group.Wait()
		close(p.done)
	}()

	p.started = true
	p.log.Info("lanes started", "count", len(p.workers))
	return nil
}

// Done is closed once every lane has exited.
func (p *Pool) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.done
}

// Stop 送出 shutdown job 並等待所有 lane 退出；可重複呼叫
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	first := !p.stopped
	p.stopped = true
	done, cancel := p.done, p.cancel
	p.mu.Unlock()

	if first {
		for i := range p.workers {
			l := types.Lane(i)
			job := types.Job{Lane: l, Unit: l.Unit(), Cmd: types.CmdShutdown, Prio: types.PrioHigh}
			if _, err := p.jobs.Enqueue(job, nowMs()); err != nil {
				p.log.Warn("shutdown job not queued, stopping lane directly", "lane", l.String(), "error", err)
				_ = p.jobs.RequestLaneStop(l)
			}
		}
	}

	select {
	case <-done:
	case <-ctx.Done():
		p.log.Warn("lanes did not stop in time, canceling")
		cancel()
		<-done
	}
	cancel()
	return p.err
}

// Worker returns the worker of lane l.
func (p *Pool) Worker(l types.Lane) *Worker {
	if !l.Valid() {
		return nil
	}
	return p.workers[l]
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
