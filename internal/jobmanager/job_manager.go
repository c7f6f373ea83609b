// ============================================================================
// FEMD 任務管理器 - 分 lane 的雙優先權佇列與操作狀態表
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 把任何呼叫者（HTTP、safety、取樣計時器）送來的硬體命令交給擁有該匯流排的 lane
//
// 資料結構設計:
//   lanes [NumLanes]*laneQueue - 每條 lane 兩個有界 channel（high / low）
//   ├─ wake chan - 容量 1 的喚醒訊號，每次 push 之後送出
//   └─ stopping  - 停止旗標，設定後拒絕新任務，但已排隊的任務仍可取出
//
//   ops *opTable - 固定容量的操作狀態表，以 opID % capacity 為索引
//
// 操作狀態轉換 (State Machine):
//   Queued (已排隊)
//      ↓ Dequeue()
//   Running (執行中)
//      ↓ SetOpState()
//   Done / Failed / Canceled (終態，之後不再變化)
//
// 背壓策略:
//   佇列滿或 lane 停止中時 Enqueue 回傳 opID 0 與型別化錯誤，
//   呼叫者必須把 0 視為「未接受」，不能無限重試。
//
// 並發安全:
//   - 每條 lane 的佇列互相獨立，ops 表有自己的鎖
//   - 不存在全域鎖，一條 lane 的慢操作不會阻塞其他 lane
//
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ChuLiYu/femd/internal/metrics"
	"github.com/ChuLiYu/femd/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 佇列已滿
	ErrQueueFull = errors.New("lane queue is full")
	// lane 已要求停止，不再接受新任務
	ErrLaneStopping = errors.New("lane is stopping")
	// lane 已停止且佇列已清空
	ErrLaneStopped = errors.New("lane stopped")
	// 非阻塞取出時佇列為空
	ErrQueueEmpty = errors.New("lane queue is empty")
	// 操作不存在或已被覆蓋
	ErrOpNotFound = errors.New("op not found")
	// 參數錯誤
	ErrInvalidArgument = types.ErrInvalidArgument
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config JobManager 配置
type Config struct {
	QueueCapacity int // 每個優先權子佇列的容量
	OpTableSize   int // 操作狀態表容量
}

// DefaultConfig returns the capacities used by the daemon.
func DefaultConfig() Config {
	return Config{QueueCapacity: 32, OpTableSize: 256}
}

type laneQueue struct {
	hi       chan types.Job
	lo       chan types.Job
	wake     chan struct{}
	stopCh   chan struct{}
	stopping atomic.Bool
}

func newLaneQueue(capacity int) *laneQueue {
	return &laneQueue{
		hi:     make(chan types.Job, capacity),
		lo:     make(chan types.Job, capacity),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

func (q *laneQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *laneQueue) push(job types.Job) error {
	if q.stopping.Load() {
		return ErrLaneStopping
	}
	ch := q.lo
	if job.Prio == types.PrioHigh {
		ch = q.hi
	}
	select {
	case ch <- job:
	default:
		return ErrQueueFull
	}
	q.signal()
	return nil
}

// pop never serves the low channel while the high channel holds a job.
func (q *laneQueue) pop() (types.Job, bool) {
	select {
	case job := <-q.hi:
		return job, true
	default:
	}
	select {
	case job := <-q.lo:
		return job, true
	default:
	}
	return types.Job{}, false
}

// JobManager 代表任務管理器
type JobManager struct {
	cfg     Config
	lanes   [types.NumLanes]*laneQueue
	ops     *opTable
	nextID  atomic.Uint64
	metrics *metrics.Collector
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewJobManager 建立新的任務管理器實例
//
// 參數說明：
//   - cfg: 佇列與操作表容量，非正值使用預設
//   - m: 指標收集器，可為 nil
//
// 併發安全：返回的實例是執行緒安全的
func NewJobManager(cfg Config, m *metrics.Collector) *JobManager {
	def := DefaultConfig()
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.OpTableSize <= 0 {
		cfg.OpTableSize = def.OpTableSize
	}

	jm := &JobManager{
		cfg:     cfg,
		ops:     newOpTable(cfg.OpTableSize),
		metrics: m,
	}
	for i := range jm.lanes {
		jm.lanes[i] = newLaneQueue(cfg.QueueCapacity)
	}
	return jm
}

func (jm *JobManager) lane(l types.Lane) (*laneQueue, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w: lane %d", ErrInvalidArgument, int(l))
	}
	return jm.lanes[l], nil
}

func (jm *JobManager) allocID() uint64 {
	for {
		if id := jm.nextID.Add(1); id != 0 {
			return id
		}
	}
}

// Enqueue 將任務加入目標 lane 的高或低優先權佇列
//
// 參數說明：
//   - job: 要加入的任務，OpID 欄位會被覆寫
//   - nowMs: 建立時間（Unix 毫秒）
//
// 返回值：
//   - uint64: 操作 ID；未被接受時為 0
//   - error: ErrInvalidArgument / ErrLaneStopping / ErrQueueFull
//
// 被拒絕的任務仍保留一筆狀態紀錄：lane 停止中為 Canceled，佇列滿為 Failed。
func (jm *JobManager) Enqueue(job types.Job, nowMs int64) (uint64, error) {
	if err := job.Validate(); err != nil {
		return 0, err
	}
	q := jm.lanes[job.Lane]

	job.OpID = jm.allocID()
	jm.ops.record(types.OpStatus{
		OpID:      job.OpID,
		Lane:      job.Lane,
		Unit:      job.Unit,
		Cmd:       job.Cmd,
		State:     types.OpQueued,
		CreatedMs: nowMs,
	})

	if err := q.push(job); err != nil {
		if errors.Is(err, ErrLaneStopping) {
			jm.ops.set(job.OpID, types.OpCanceled, types.ResultCanceled, nowMs)
		} else {
			jm.ops.set(job.OpID, types.OpFailed, types.ResultRejected, nowMs)
		}
		jm.metrics.RecordRejected(job.Lane.String(), rejectReason(err))
		return 0, fmt.Errorf("enqueue %s on %s: %w", job.Cmd, job.Lane, err)
	}

	jm.metrics.RecordEnqueue(job.Lane.String(), job.Prio.String())
	jm.metrics.SetQueueDepth(job.Lane.String(), len(q.hi), len(q.lo))
	return job.OpID, nil
}

func rejectReason(err error) string {
	if errors.Is(err, ErrLaneStopping) {
		return "stopping"
	}
	return "full"
}

// Dequeue 取出最高優先權中最舊的任務，並標記為 Running
//
// 參數說明：
//   - ctx: 阻塞等待時的取消訊號
//   - l: lane
//   - nowMs: 開始時間（Unix 毫秒）
//   - blocking: 為 false 時佇列為空立即回傳 ErrQueueEmpty
//
// 返回值：
//   - ErrLaneStopped: lane 已停止且沒有剩餘任務
func (jm *JobManager) Dequeue(ctx context.Context, l types.Lane, nowMs int64, blocking bool) (types.Job, error) {
	q, err := jm.lane(l)
	if err != nil {
		return types.Job{}, err
	}

	for {
		if job, ok := q.pop(); ok {
			jm.ops.set(job.OpID, types.OpRunning, types.ResultOK, nowMs)
			jm.metrics.SetQueueDepth(l.String(), len(q.hi), len(q.lo))
			return job, nil
		}
		if q.stopping.Load() {
			return types.Job{}, ErrLaneStopped
		}
		if !blocking {
			return types.Job{}, ErrQueueEmpty
		}

		select {
		case <-q.wake:
		case <-q.stopCh:
		case <-ctx.Done():
			return types.Job{}, ctx.Err()
		}
	}
}

// Wake returns the channel signaled after every push and on stop requests.
// It has a single consumer: the lane worker.
func (jm *JobManager) Wake(l types.Lane) <-chan struct{} {
	q, err := jm.lane(l)
	if err != nil {
		return nil
	}
	return q.wake
}

// SetOpState 更新操作狀態；終態不可再變更，未知的 opID 直接忽略
func (jm *JobManager) SetOpState(opID uint64, state types.OpState, result int, nowMs int64) {
	st, changed := jm.ops.set(opID, state, result, nowMs)
	if changed && state.Terminal() {
		var latency float64
		if st.StartedMs > 0 && st.EndedMs >= st.StartedMs {
			latency = float64(st.EndedMs-st.StartedMs) / 1000
		}
		jm.metrics.RecordOpFinished(st.Lane.String(), state.String(), latency)
	}
}

// GetOp 查詢操作狀態
func (jm *JobManager) GetOp(opID uint64) (types.OpStatus, error) {
	return jm.ops.get(opID)
}

// RequestLaneStop 標記 lane 為停止中並喚醒阻塞的取出者；已排隊的任務仍會被取出
func (jm *JobManager) RequestLaneStop(l types.Lane) error {
	q, err := jm.lane(l)
	if err != nil {
		return err
	}
	if q.stopping.CompareAndSwap(false, true) {
		close(q.stopCh)
		q.signal()
	}
	return nil
}

// Stopping reports whether a stop was requested for the lane.
func (jm *JobManager) Stopping(l types.Lane) bool {
	q, err := jm.lane(l)
	if err != nil {
		return false
	}
	return q.stopping.Load()
}

// CancelPending 清空 lane 內剩餘的任務並標記為 Canceled，回傳清除數量
func (jm *JobManager) CancelPending(l types.Lane, nowMs int64) int {
	q, err := jm.lane(l)
	if err != nil {
		return 0
	}
	n := 0
	for {
		job, ok := q.pop()
		if !ok {
			break
		}
		jm.SetOpState(job.OpID, types.OpCanceled, types.ResultCanceled, nowMs)
		n++
	}
	jm.metrics.SetQueueDepth(l.String(), 0, 0)
	return n
}

// CancelLow 只清掉低優先權佇列；停止中的 lane 仍要執行已排隊的 high priority 任務
func (jm *JobManager) CancelLow(l types.Lane, nowMs int64) int {
	q, err := jm.lane(l)
	if err != nil {
		return 0
	}
	n := 0
	for {
		select {
		case job := <-q.lo:
			jm.SetOpState(job.OpID, types.OpCanceled, types.ResultCanceled, nowMs)
			n++
		default:
			jm.metrics.SetQueueDepth(l.String(), len(q.hi), 0)
			return n
		}
	}
}

// Depth 回傳 lane 高、低優先權佇列目前的長度
func (jm *JobManager) Depth(l types.Lane) (hi, lo int) {
	q, err := jm.lane(l)
	if err != nil {
		return 0, 0
	}
	return len(q.hi), len(q.lo)
}

// Stats 統計每條 lane 的佇列長度
func (jm *JobManager) Stats() map[string]int {
	stats := make(map[string]int, 2*types.NumLanes)
	for i := range jm.lanes {
		l := types.Lane(i)
		hi, lo := jm.Depth(l)
		stats[l.String()+"_high"] = hi
		stats[l.String()+"_low"] = lo
	}
	return stats
}
