// ============================================================================
// FEMD Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露 lane 佇列、硬體操作與安全引擎的運行指標
//
// 指標分類:
//
//   1. 操作計數器 (Counter)：
//      - femd_ops_enqueued_total{lane,prio}: 入隊操作總數
//      - femd_ops_rejected_total{lane,reason}: 被拒絕的操作（full / stopping）
//      - femd_ops_finished_total{lane,state}: 進入終態的操作（done / failed / canceled）
//
//   2. 性能指標 (Histogram)：
//      - femd_op_latency_seconds{lane}: Running → 終態 的執行時間
//
//   3. 安全指標：
//      - femd_safety_trips_total{unit,quantity}: 觸發 PA 關斷次數
//      - femd_safety_restores_total{unit,mode}: 自動 / 強制恢復次數
//      - femd_pa_shutdown{unit}: 1 表示 PA 目前處於關斷
//      - femd_notifications_dropped_total: 告警佇列滿而丟棄的事件
//
//   4. 狀態指標 (Gauge)：
//      - femd_queue_depth{lane,prio}: 佇列長度
//      - femd_fem_temperature_celsius{unit} / femd_ctrl_temperature_celsius
//      - femd_fem_present{unit}
//
// Prometheus 查詢示例:
//
//   # 每分鐘失敗的硬體操作
//   rate(femd_ops_finished_total{state="failed"}[1m])
//
//   # 佇列積壓
//   sum by (lane) (femd_queue_depth)
//
// 所有 Record/Set 方法在 nil *Collector 上都是 no-op，測試與工具可以不帶指標。
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 操作相關指標
	opsEnqueued *prometheus.CounterVec
	opsRejected *prometheus.CounterVec
	opsFinished *prometheus.CounterVec
	opLatency   *prometheus.HistogramVec

	// 安全引擎指標
	safetyTrips    *prometheus.CounterVec
	safetyRestores *prometheus.CounterVec
	paShutdown     *prometheus.GaugeVec
	notifyDropped  prometheus.Counter

	// 狀態指標
	queueDepth *prometheus.GaugeVec
	femTemp    *prometheus.GaugeVec
	femPresent *prometheus.GaugeVec
	ctrlTemp   prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 prometheus.DefaultRegisterer
func NewCollector() *Collector {
	c := &Collector{
		opsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "femd_ops_enqueued_total",
			Help: "Total number of hardware operations accepted into a lane queue",
		}, []string{"lane", "prio"}),
		opsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "femd_ops_rejected_total",
			Help: "Total number of hardware operations rejected at enqueue",
		}, []string{"lane", "reason"}),
		opsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "femd_ops_finished_total",
			Help: "Total number of hardware operations that reached a terminal state",
		}, []string{"lane", "state"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "femd_op_latency_seconds",
			Help:    "Hardware operation execution time in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"lane"}),
		safetyTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "femd_safety_trips_total",
			Help: "Total number of PA shutdowns triggered by the safety engine",
		}, []string{"unit", "quantity"}),
		safetyRestores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "femd_safety_restores_total",
			Help: "Total number of PA restores",
		}, []string{"unit", "mode"}),
		paShutdown: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "femd_pa_shutdown",
			Help: "1 while the unit's PA is held off by the safety engine",
		}, []string{"unit"}),
		notifyDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "femd_notifications_dropped_total",
			Help: "Alarm events dropped because the notifier queue was full",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "femd_queue_depth",
			Help: "Current number of queued operations per lane and priority",
		}, []string{"lane", "prio"}),
		femTemp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "femd_fem_temperature_celsius",
			Help: "Last sampled FEM temperature",
		}, []string{"unit"}),
		femPresent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "femd_fem_present",
			Help: "1 when the last FEM sample succeeded",
		}, []string{"unit"}),
		ctrlTemp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "femd_ctrl_temperature_celsius",
			Help: "Last sampled controller board temperature",
		}),
	}

	// 註冊所有指標
	prometheus.MustRegister(c.opsEnqueued)
	prometheus.MustRegister(c.opsRejected)
	prometheus.MustRegister(c.opsFinished)
	prometheus.MustRegister(c.opLatency)
	prometheus.MustRegister(c.safetyTrips)
	prometheus.MustRegister(c.safetyRestores)
	prometheus.MustRegister(c.paShutdown)
	prometheus.MustRegister(c.notifyDropped)
	prometheus.MustRegister(c.queueDepth)
	prometheus.MustRegister(c.femTemp)
	prometheus.MustRegister(c.femPresent)
	prometheus.MustRegister(c.ctrlTemp)

	return c
}

// RecordEnqueue 記錄操作加入佇列
func (c *Collector) RecordEnqueue(lane, prio string) {
	if c == nil {
		return
	}
	c.opsEnqueued.WithLabelValues(lane, prio).Inc()
}

// RecordRejected 記錄被拒絕的操作
func (c *Collector) RecordRejected(lane, reason string) {
	if c == nil {
		return
	}
	c.opsRejected.WithLabelValues(lane, reason).Inc()
}

// RecordOpFinished 記錄操作進入終態
func (c *Collector) RecordOpFinished(lane, state string, latencySeconds float64) {
	if c == nil {
		return
	}
	c.opsFinished.WithLabelValues(lane, state).Inc()
	c.opLatency.WithLabelValues(lane).Observe(latencySeconds)
}

// SetQueueDepth 更新佇列長度
func (c *Collector) SetQueueDepth(lane string, hi, lo int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(lane, "high").Set(float64(hi))
	c.queueDepth.WithLabelValues(lane, "low").Set(float64(lo))
}

// RecordTrip 記錄安全引擎關斷 PA
func (c *Collector) RecordTrip(unit, quantity string) {
	if c == nil {
		return
	}
	c.safetyTrips.WithLabelValues(unit, quantity).Inc()
	c.paShutdown.WithLabelValues(unit).Set(1)
}

// RecordRestore 記錄 PA 恢復，mode 為 auto 或 forced
func (c *Collector) RecordRestore(unit, mode string) {
	if c == nil {
		return
	}
	c.safetyRestores.WithLabelValues(unit, mode).Inc()
	c.paShutdown.WithLabelValues(unit).Set(0)
}

// SetShutdown sets the latch gauge directly, used when a persisted latch is loaded.
func (c *Collector) SetShutdown(unit string, shutdown bool) {
	if c == nil {
		return
	}
	v := 0.0
	if shutdown {
		v = 1
	}
	c.paShutdown.WithLabelValues(unit).Set(v)
}

// RecordNotifyDropped 記錄被丟棄的告警
func (c *Collector) RecordNotifyDropped() {
	if c == nil {
		return
	}
	c.notifyDropped.Inc()
}

// SetFemSample 更新 FEM 取樣結果
func (c *Collector) SetFemSample(unit string, present, haveTemp bool, tempC float64) {
	if c == nil {
		return
	}
	p := 0.0
	if present {
		p = 1
	}
	c.femPresent.WithLabelValues(unit).Set(p)
	if haveTemp {
		c.femTemp.WithLabelValues(unit).Set(tempC)
	}
}

// SetCtrlTemperature 更新控制板溫度
func (c *Collector) SetCtrlTemperature(tempC float64) {
	if c == nil {
		return
	}
	c.ctrlTemp.Set(tempC)
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
