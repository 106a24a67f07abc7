// ============================================================================
// chunk-pregen 生成引擎
// ============================================================================
//
// Package: internal/engine
// 文件: engine.go
// 功能: 每個任務一個引擎，由排程器週期性 tick，驅動 cell 的生成
//
// 每個 tick：
//   1. 已脫離或已終結 → 結束排程
//   2. 暫停 → 什麼都不做
//   3. 在 inFlight < MaxConcurrent 的前提下持續取出下一個 cell：
//        - 重試佇列優先，其次是序列
//        - 已存在的 cell 直接計入，不佔名額
//        - 否則送出非同步生成請求，inFlight++
//   4. 序列走完、重試佇列為空且 inFlight == 0 → 標記完成並回呼 onFinish
//
// 完成回呼在任意 goroutine 執行：
//   - 成功：釋放 cell，計入進度
//   - 失敗：記錄警告，未達 MaxRetries 則放回重試佇列，否則計入 failed 並跳過
//
// 進度計數：
//   引擎只累計「這一輪」自己處理過與放棄的 cell 數，透過 job.ObserveGenerated
//   與 job.ObserveFailed 推進任務的計數。恢復的任務從持久化的值繼續，
//   新一輪從頭走序列時不會重複計數，generated 也不會超過 total。
//
// 並發模型：
//   - Tick 只由排程器的單一 goroutine 呼叫，序列不需上鎖
//   - inFlight / accounted / abandoned 為 atomic
//   - 重試佇列由 mutex 保護（完成回呼寫入，Tick 讀取）
//
// ============================================================================

package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/chunk-pregen/internal/metrics"
	"github.com/ChuLiYu/chunk-pregen/internal/sequence"
	"github.com/ChuLiYu/chunk-pregen/internal/world"
	"github.com/ChuLiYu/chunk-pregen/pkg/types"
)

var log = slog.Default()

// Options 引擎參數
type Options struct {
	MaxConcurrent    int                // 同時未完成的請求上限
	MaxRetries       int                // 單一 cell 的重試次數，0 表示失敗即跳過
	ProgressLogTicks int                // 每隔幾個 tick 輸出一次進度，0 表示不輸出
	Metrics          *metrics.Collector // 可為 nil
	Now              func() time.Time   // 可為 nil
}

// retryCell 等待重試的 cell
type retryCell struct {
	cell    types.Cell
	attempt int
}

// Engine 單一任務的生成引擎
type Engine struct {
	job      *types.Job
	world    world.World
	seq      *sequence.Sequence
	opts     Options
	onFinish func(*types.Job)

	ctx    context.Context
	cancel context.CancelFunc

	inFlight  atomic.Int64
	accounted atomic.Int64
	abandoned atomic.Int64
	detached  atomic.Bool
	ticks     int64

	mu      sync.Mutex
	retries []retryCell
}

// New 為 job 建立引擎
//
// onFinish 在任務完成時恰好被呼叫一次（取消的任務不會呼叫）。
func New(job *types.Job, w world.World, opts Options, onFinish func(*types.Job)) *Engine {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		job:      job,
		world:    w,
		seq:      sequence.New(job.CenterX(), job.CenterZ(), job.Radius(), job.Shape()),
		opts:     opts,
		onFinish: onFinish,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Job 引擎所屬的任務
func (e *Engine) Job() *types.Job { return e.job }

// InFlight 目前未完成的請求數
func (e *Engine) InFlight() int64 { return e.inFlight.Load() }

// Accounted 這一輪已處理的 cell 數
func (e *Engine) Accounted() int64 { return e.accounted.Load() }

// Detach 讓引擎與任務脫離
//
// 之後的 Tick 直接結束排程，遲到的完成回呼不再影響任務。
// 尚在工作池佇列中的請求會被取消。
func (e *Engine) Detach() {
	if e.detached.CompareAndSwap(false, true) {
		e.cancel()
	}
}

// Detached 是否已脫離
func (e *Engine) Detached() bool { return e.detached.Load() }

// Tick 執行一步，回傳 true 表示引擎已結束
func (e *Engine) Tick() bool {
	if e.detached.Load() {
		return true
	}
	if e.job.IsCancelled() {
		e.Detach()
		return true
	}
	if e.job.IsFinished() {
		return true
	}
	if e.job.IsPaused() {
		return false
	}

	e.ticks++
	if e.opts.ProgressLogTicks > 0 && e.ticks%int64(e.opts.ProgressLogTicks) == 0 {
		e.logProgress()
	}

	for e.inFlight.Load() < int64(e.opts.MaxConcurrent) {
		rc, ok := e.nextCell()
		if !ok {
			break
		}

		if e.world.IsCellMaterialized(rc.cell.X, rc.cell.Z) {
			e.account()
			e.opts.Metrics.RecordCellSkipped(e.job.World())
			continue
		}

		e.inFlight.Add(1)
		e.opts.Metrics.AddInFlight(1)
		started := e.opts.Now()
		reply := e.world.MaterializeCellAsync(e.ctx, rc.cell.X, rc.cell.Z)
		go e.await(rc, started, reply)
	}

	if !e.seq.HasNext() && e.retryLen() == 0 && e.inFlight.Load() == 0 {
		return e.finish()
	}
	return false
}

// nextCell 重試佇列優先，其次是序列
func (e *Engine) nextCell() (retryCell, bool) {
	e.mu.Lock()
	if n := len(e.retries); n > 0 {
		rc := e.retries[0]
		e.retries = e.retries[1:]
		e.mu.Unlock()
		return rc, true
	}
	e.mu.Unlock()

	cell, err := e.seq.Next()
	if err != nil {
		return retryCell{}, false
	}
	return retryCell{cell: cell}, true
}

func (e *Engine) retryLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.retries)
}

// await 等待一個請求完成
func (e *Engine) await(rc retryCell, started time.Time, reply <-chan error) {
	err := <-reply

	// inFlight 在所有狀態更新之後才遞減，Tick 不會在重試入列前誤判完成
	defer func() {
		e.inFlight.Add(-1)
		e.opts.Metrics.AddInFlight(-1)
	}()

	if e.detached.Load() || e.job.IsCancelled() {
		return
	}

	worldName := e.job.World()
	if err == nil {
		e.world.ReleaseCell(rc.cell.X, rc.cell.Z)
		e.account()
		e.opts.Metrics.RecordCellGenerated(worldName, e.opts.Now().Sub(started).Seconds())
		return
	}

	e.opts.Metrics.RecordCellFailure(worldName)
	log.Warn("Cell generation failed",
		"job", e.job.ShortID(),
		"world", worldName,
		"cell", rc.cell.String(),
		"attempt", rc.attempt+1,
		"error", err)

	if rc.attempt < e.opts.MaxRetries {
		e.mu.Lock()
		e.retries = append(e.retries, retryCell{cell: rc.cell, attempt: rc.attempt + 1})
		e.mu.Unlock()
		return
	}

	e.job.ObserveFailed(e.abandoned.Add(1))
	e.opts.Metrics.RecordCellAbandoned(worldName)
	if e.opts.MaxRetries > 0 {
		log.Warn("Cell abandoned after retries",
			"job", e.job.ShortID(),
			"world", worldName,
			"cell", rc.cell.String(),
			"retries", e.opts.MaxRetries)
	}
}

// account 計入一個 cell
func (e *Engine) account() {
	n := e.accounted.Add(1)
	e.job.ObserveGenerated(n)
}

// finish 標記完成；只有真正轉入完成狀態時才回呼
func (e *Engine) finish() bool {
	if !e.job.MarkFinished() {
		return true
	}
	e.logProgress()
	if e.onFinish != nil {
		e.onFinish(e.job)
	}
	return true
}

func (e *Engine) logProgress() {
	now := e.opts.Now()
	log.Info("Generation progress",
		"job", e.job.ShortID(),
		"world", e.job.World(),
		"generated", e.job.Generated(),
		"total", e.job.Total(),
		"percent", roundTenth(e.job.Progress()),
		"cells_per_sec", roundTenth(e.job.Throughput(now)),
		"eta", types.FormatETA(e.job.ETASeconds(now)),
		"in_flight", e.inFlight.Load())
}

func roundTenth(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
