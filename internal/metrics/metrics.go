// ============================================================================
// chunk-pregen Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集預生成任務與 cell 層級的運行指標
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - pregen_jobs_started_total / finished_total / cancelled_total
//
//   2. cell 計數器 (CounterVec, label: world)：
//      - pregen_cells_generated_total: 由引擎實際生成的 cell
//      - pregen_cells_skipped_total: 原本已存在、直接計入的 cell
//      - pregen_cell_failures_total: 單次生成失敗（可能之後重試成功）
//      - pregen_cells_abandoned_total: 重試用盡後放棄的 cell
//
//   3. 性能指標 (Histogram)：
//      - pregen_cell_latency_seconds: 單一 cell 從送出到完成的延遲
//
//   4. 狀態指標 (Gauge)：
//      - pregen_jobs_active: 仍在排程中的任務數
//      - pregen_cells_in_flight: 所有引擎未完成的請求數
//      - pregen_recovery_time_seconds: 最近一次啟動恢復耗時
//
//   5. 持久化：
//      - pregen_persist_errors_total: 快照或日誌寫入失敗次數
//
// Prometheus 查詢示例:
//
//   # 每個世界的生成速度
//   sum by (world) (rate(pregen_cells_generated_total[1m]))
//
//   # 失敗率
//   rate(pregen_cell_failures_total[5m]) / rate(pregen_cells_generated_total[5m])
//
// 所有方法對 nil *Collector 皆為 no-op，方便在測試中省略指標。
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsStarted   prometheus.Counter
	jobsFinished  prometheus.Counter
	jobsCancelled prometheus.Counter

	// cell 相關指標
	cellsGenerated *prometheus.CounterVec
	cellsSkipped   *prometheus.CounterVec
	cellFailures   *prometheus.CounterVec
	cellsAbandoned *prometheus.CounterVec

	// 效能指標
	cellLatency  prometheus.Histogram
	recoveryTime prometheus.Gauge

	// 狀態指標
	jobsActive    prometheus.Gauge
	cellsInFlight prometheus.Gauge

	persistErrors prometheus.Counter
}

// NewCollector 建立並向 reg 註冊所有指標
//
// reg 為 nil 時使用 prometheus.DefaultRegisterer。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pregen_jobs_started_total",
			Help: "Total number of generation jobs started",
		}),
		jobsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pregen_jobs_finished_total",
			Help: "Total number of generation jobs that completed",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pregen_jobs_cancelled_total",
			Help: "Total number of generation jobs cancelled",
		}),
		cellsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pregen_cells_generated_total",
			Help: "Cells materialized by the engine",
		}, []string{"world"}),
		cellsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pregen_cells_skipped_total",
			Help: "Cells that already existed and were counted without generation",
		}, []string{"world"}),
		cellFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pregen_cell_failures_total",
			Help: "Failed cell materialization attempts",
		}, []string{"world"}),
		cellsAbandoned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pregen_cells_abandoned_total",
			Help: "Cells skipped after exhausting retries",
		}, []string{"world"}),
		cellLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pregen_cell_latency_seconds",
			Help:    "Latency of a single cell materialization in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pregen_recovery_time_seconds",
			Help: "Time taken to restore jobs on startup in seconds",
		}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pregen_jobs_active",
			Help: "Current number of scheduled jobs",
		}),
		cellsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pregen_cells_in_flight",
			Help: "Current number of outstanding cell requests",
		}),
		persistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pregen_persist_errors_total",
			Help: "Snapshot or journal write failures",
		}),
	}

	reg.MustRegister(
		c.jobsStarted,
		c.jobsFinished,
		c.jobsCancelled,
		c.cellsGenerated,
		c.cellsSkipped,
		c.cellFailures,
		c.cellsAbandoned,
		c.cellLatency,
		c.recoveryTime,
		c.jobsActive,
		c.cellsInFlight,
		c.persistErrors,
	)
	return c
}

// RecordJobStarted 記錄任務啟動
func (c *Collector) RecordJobStarted() {
	if c == nil {
		return
	}
	c.jobsStarted.Inc()
}

// RecordJobFinished 記錄任務完成
func (c *Collector) RecordJobFinished() {
	if c == nil {
		return
	}
	c.jobsFinished.Inc()
}

// RecordJobCancelled 記錄任務取消
func (c *Collector) RecordJobCancelled() {
	if c == nil {
		return
	}
	c.jobsCancelled.Inc()
}

// RecordCellGenerated 記錄一個 cell 生成完成
func (c *Collector) RecordCellGenerated(world string, latencySeconds float64) {
	if c == nil {
		return
	}
	c.cellsGenerated.WithLabelValues(world).Inc()
	c.cellLatency.Observe(latencySeconds)
}

// RecordCellSkipped 記錄一個已存在的 cell
func (c *Collector) RecordCellSkipped(world string) {
	if c == nil {
		return
	}
	c.cellsSkipped.WithLabelValues(world).Inc()
}

// RecordCellFailure 記錄一次生成失敗
func (c *Collector) RecordCellFailure(world string) {
	if c == nil {
		return
	}
	c.cellFailures.WithLabelValues(world).Inc()
}

// RecordCellAbandoned 記錄一個放棄的 cell
func (c *Collector) RecordCellAbandoned(world string) {
	if c == nil {
		return
	}
	c.cellsAbandoned.WithLabelValues(world).Inc()
}

// AddInFlight 調整未完成請求數
func (c *Collector) AddInFlight(delta int) {
	if c == nil {
		return
	}
	c.cellsInFlight.Add(float64(delta))
}

// SetActiveJobs 設定排程中的任務數
func (c *Collector) SetActiveJobs(n int) {
	if c == nil {
		return
	}
	c.jobsActive.Set(float64(n))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(seconds)
}

// RecordPersistError 記錄持久化失敗
func (c *Collector) RecordPersistError() {
	if c == nil {
		return
	}
	c.persistErrors.Inc()
}

// Handler 以 Prometheus 文字格式輸出 g 中的指標
//
// g 為 nil 時使用 prometheus.DefaultGatherer。
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
