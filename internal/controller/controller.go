// ============================================================================
// chunk-pregen 控制器 - 任務登錄中心
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 管理所有預生成任務的生命週期，負責持久化與崩潰恢復
//
// 架構設計:
//   控制器協調以下組件：
//   - JobManager: 任務表（含歷史任務）與引擎附著
//   - Scheduler: 單一 goroutine 週期性 tick 所有引擎
//   - Snapshot: jobs.yml 快照，每次生命週期變更後整份寫出
//   - WAL: 生命週期日誌，補上最後一次快照之後的變更
//   - Notifier: 完成與進度通知
//
// 背景循環 (2 個 Goroutine):
//   1. Broadcast Loop - 定期廣播所有未終結任務的進度
//   2. Autosave Loop - 定期寫快照，保存進度計數
//
// 崩潰恢復流程（Start）:
//   1. loadSnapshot() - 載入 jobs.yml；無法解析時改名保留並以空表開始
//   2. replayWAL() - 重放快照之後的 START/PAUSE/RESUME/CANCEL/FINISH
//   3. persist() - 合併後寫出新快照並清空 WAL
//   4. resumeJobs() - 未終結且世界可解析的任務在 resume_delay 後重新附著引擎
//
// 持久化策略:
//   - 每個指令先寫 WAL，再寫快照；快照成功才旋轉 WAL
//   - 持久化失敗只記錄並計數，不會讓指令失敗
//
// 並發安全:
//   - mu 串行化所有生命週期指令、完成收尾與持久化
//   - 排程器 goroutine 從不取得 mu，完成收尾在獨立 goroutine 執行
//   - 鏡像上傳在背景進行，持有 mu 時只做本地 fsync
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

	"github.com/ChuLiYu/chunk-pregen/internal/engine"
	"github.com/ChuLiYu/chunk-pregen/internal/jobmanager"
	"github.com/ChuLiYu/chunk-pregen/internal/metrics"
	"github.com/ChuLiYu/chunk-pregen/internal/notify"
	"github.com/ChuLiYu/chunk-pregen/internal/snapshot"
	"github.com/ChuLiYu/chunk-pregen/internal/storage/wal"
	"github.com/ChuLiYu/chunk-pregen/internal/world"
	"github.com/ChuLiYu/chunk-pregen/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	MaxRadius         int           // 允許的最大半徑（cell）
	TaskInterval      time.Duration // 引擎 tick 間隔
	MaxConcurrent     int           // 每個任務同時未完成的請求上限
	MaxRetries        int           // 單一 cell 的重試次數
	ProgressLogTicks  int           // 進度日誌間隔（tick 數）
	BroadcastInterval time.Duration // 進度廣播間隔，0 表示停用
	AutosaveInterval  time.Duration // 自動儲存間隔，0 表示停用
	ResumeDelay       time.Duration // 恢復的任務延遲多久開始 tick
	SnapshotPath      string        // jobs.yml 路徑
	WALPath           string        // WAL 檔案路徑
	SyncOnAppend      bool          // WAL 每次追加都 fsync
}

// Option 設定 Controller 的可選組件
type Option func(*Controller)

// WithNotifier 設定通知對象
func WithNotifier(n notify.Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

// WithMetrics 設定 Prometheus 指標
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithSnapshotMirror 設定快照的遠端鏡像
func WithSnapshotMirror(m snapshot.Mirror) Option {
	return func(c *Controller) { c.mirror = m }
}

// WithClock 替換時間來源（測試用）
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller 任務登錄中心
type Controller struct {
	mu         sync.Mutex             // 串行化指令、完成回呼與持久化
	jobManager *jobmanager.JobManager // 任務表
	wal        *wal.WAL               // 生命週期日誌
	snapshot   *snapshot.Manager      // 快照管理
	scheduler  *engine.Scheduler      // 引擎排程器
	worlds     world.Resolver         // 世界查找
	notifier   notify.Notifier        // 可為 nil
	metrics    *metrics.Collector     // 可為 nil
	mirror     snapshot.Mirror        // 可為 nil
	config     Config
	now        func() time.Time

	stopCh    chan struct{}
	loopWg    sync.WaitGroup // 背景循環
	notifyWg  sync.WaitGroup // 非同步通知
	finishWg  sync.WaitGroup // 完成收尾
	started   bool
	stopped   bool
	startTime time.Time
}

// ============================================================================
// 建立、啟動與停止
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 參數：
//   - config: Controller 配置
//   - worlds: 世界查找
//   - opts: 可選組件
//
// 返回值：
//   - *Controller: Controller 實例
//   - error: 初始化錯誤（WAL 無法開啟）
func NewController(config Config, worlds world.Resolver, opts ...Option) (*Controller, error) {
	if worlds == nil {
		return nil, errors.New("controller: world resolver is required")
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1
	}

	c := &Controller{
		jobManager: jobmanager.NewJobManager(),
		worlds:     worlds,
		config:     config,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	walInstance, err := wal.NewWAL(config.WALPath, config.SyncOnAppend)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}
	c.wal = walInstance

	var snapOpts []snapshot.Option
	if c.mirror != nil {
		snapOpts = append(snapOpts, snapshot.WithMirror(c.mirror))
	}
	c.snapshot = snapshot.NewManager(config.SnapshotPath, snapOpts...)
	c.scheduler = engine.NewScheduler(config.TaskInterval)

	return c, nil
}

// Start 執行崩潰恢復並開始驅動任務
//
// 只有快照格式比本程式新（ErrIncompatibleVersion）或讀取 I/O 失敗時返回錯誤；
// 其餘問題（損壞的快照或 WAL、找不到世界）都記錄後繼續。
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrControllerStopped
	}
	if c.started {
		return nil
	}
	c.startTime = c.now()

	log.Info("Starting recovery...")

	if err := c.loadSnapshot(); err != nil {
		return fmt.Errorf("loadSnapshot failed: %w", err)
	}
	replayed := c.replayWAL()
	c.persist()

	c.scheduler.Start()
	resumed, dormant := c.resumeJobs(ctx)

	recovery := c.now().Sub(c.startTime)
	c.metrics.SetRecoveryTime(recovery.Seconds())
	c.updateActiveGauge()

	log.Info("Recovery completed",
		"duration", recovery,
		"jobs", c.jobManager.Len(),
		"wal_events", replayed,
		"resumed", resumed,
		"dormant", dormant)

	if c.config.BroadcastInterval > 0 {
		c.loopWg.Add(1)
		go c.broadcastLoop(c.config.BroadcastInterval)
	}
	if c.config.AutosaveInterval > 0 {
		c.loopWg.Add(1)
		go c.autosaveLoop(c.config.AutosaveInterval)
	}

	c.started = true
	log.Info("Controller started",
		"tick", c.scheduler.Interval(),
		"max_concurrent", c.config.MaxConcurrent)
	return nil
}

// loadSnapshot 從快照恢復任務表
func (c *Controller) loadSnapshot() error {
	doc, err := c.snapshot.Load()
	switch {
	case errors.Is(err, snapshot.ErrCorruptedSnapshot):
		dst, qerr := c.snapshot.Quarantine(c.now())
		if qerr != nil {
			return fmt.Errorf("%w (and %v)", err, qerr)
		}
		log.Error("Snapshot is corrupted; starting with an empty job table",
			"path", c.snapshot.Path(),
			"kept_as", dst,
			"error", err)
		doc = types.NewDocument()
	case err != nil:
		return err
	}

	n, err := c.jobManager.Restore(doc, c.now())
	if err != nil {
		log.Warn("Some persisted jobs could not be restored", "error", err)
	}
	log.Info("Snapshot loaded", "path", c.snapshot.Path(), "jobs", n)
	return nil
}

// replayWAL 重放快照之後的生命週期事件
//
// 冪等：旗標只會往終態方向前進，START 只在任務不存在時建立。
// 日誌損壞時停在損壞處，已套用的事件保留。
//
// 返回值：
//   - int: 套用的事件數
func (c *Controller) replayWAL() int {
	applied := 0
	err := c.wal.Replay(func(event wal.Event) error {
		if c.applyEvent(event) {
			applied++
		}
		return nil
	})
	if err != nil {
		c.metrics.RecordPersistError()
		log.Error("WAL replay stopped early", "path", c.wal.Path(), "applied", applied, "error", err)
	}
	return applied
}

// applyEvent 套用單一事件，回傳是否有作用
func (c *Controller) applyEvent(event wal.Event) bool {
	id, err := uuidFromEvent(event)
	if err != nil {
		log.Warn("Skipping WAL event with bad job id", "seq", event.Seq, "job_id", event.JobID)
		return false
	}
	ts := time.UnixMilli(event.Timestamp)

	job, ok := c.jobManager.Get(id)
	if event.Type == wal.EventStart {
		if ok || event.Record == nil {
			return false
		}
		restored, err := types.RestoreJob(id, *event.Record, ts)
		if err != nil {
			log.Warn("Skipping unreadable START event", "seq", event.Seq, "error", err)
			return false
		}
		return c.jobManager.Add(restored) == nil
	}
	if !ok {
		log.Warn("WAL event for unknown job", "seq", event.Seq, "type", event.Type, "job_id", event.JobID)
		return false
	}

	switch event.Type {
	case wal.EventPause:
		if job.IsTerminal() || job.IsPaused() {
			return false
		}
		job.SetPaused(true, ts)
	case wal.EventResume:
		if job.IsTerminal() || !job.IsPaused() {
			return false
		}
		job.SetPaused(false, ts)
	case wal.EventCancel:
		return job.MarkCancelled()
	case wal.EventFinish:
		if event.Record != nil {
			job.ObserveGenerated(event.Record.Generated)
		}
		return job.MarkFinished()
	default:
		return false
	}
	return true
}

// resumeJobs 為所有未終結的任務重新附著引擎
//
// 世界無法解析的任務保持原狀（不終結、不刪除），下次啟動或恢復暫停時再試。
func (c *Controller) resumeJobs(ctx context.Context) (resumed, dormant int) {
	for _, job := range c.jobManager.Active() {
		if err := ctx.Err(); err != nil {
			log.Warn("Resume interrupted", "error", err)
			return resumed, dormant
		}

		w, err := c.worlds.Resolve(job.World())
		if err != nil {
			dormant++
			log.Warn("World not available; job left dormant",
				"job", job.ShortID(),
				"world", job.World(),
				"error", err)
			continue
		}
		if err := c.attach(job, w, c.config.ResumeDelay); err != nil {
			dormant++
			log.Error("Failed to resume job", "job", job.ShortID(), "error", err)
			continue
		}
		resumed++
		log.Info("Resuming job",
			"job", job.ShortID(),
			"world", job.World(),
			"generated", job.Generated(),
			"total", job.Total(),
			"paused", job.IsPaused())
	}
	return resumed, dormant
}

// attach 建立引擎並交給排程器；呼叫者必須持有 mu
func (c *Controller) attach(job *types.Job, w world.World, delay time.Duration) error {
	eng := engine.New(job, w, engine.Options{
		MaxConcurrent:    c.config.MaxConcurrent,
		MaxRetries:       c.config.MaxRetries,
		ProgressLogTicks: c.config.ProgressLogTicks,
		Metrics:          c.metrics,
		Now:              c.now,
	}, c.onEngineFinished)

	handle, err := c.scheduler.Schedule(eng, delay)
	if err != nil {
		eng.Detach()
		return err
	}
	if err := c.jobManager.Attach(job.ID(), eng, handle); err != nil {
		handle.Cancel()
		eng.Detach()
		return err
	}
	return nil
}

// onEngineFinished 引擎完成回呼（每個任務恰好一次，於排程器 goroutine 執行）
//
// 排程器不等待 mu 與持久化，收尾工作交給獨立的 goroutine。
func (c *Controller) onEngineFinished(job *types.Job) {
	c.finishWg.Add(1)
	go func() {
		defer c.finishWg.Done()
		c.completeJob(job)
	}()
}

// completeJob 解除附著、寫入 FINISH、持久化，最後非同步發出完成通知
func (c *Controller) completeJob(job *types.Job) {
	c.mu.Lock()
	c.jobManager.Release(job.ID())
	now := c.now()
	rec := job.Record(now)
	c.journal(wal.EventFinish, job, &rec)
	c.persist()
	c.metrics.RecordJobFinished()
	c.updateActiveGauge()
	snap := job.Snapshot(now)
	c.mu.Unlock()

	log.Info("Job finished",
		"job", snap.ShortID,
		"world", snap.World,
		"generated", snap.Generated,
		"failed", snap.Failed,
		"elapsed_seconds", snap.Elapsed)

	c.publish(notify.Finished(snap, now))
}

// Stop 優雅關閉 Controller
//
// 關閉順序：
//  1. close(stopCh) → 背景循環退出
//  2. DetachAll → 取消未完成的請求，下一次 Tick 直接結束排程
//  3. scheduler.Stop() → 不再有 Tick
//  4. 等待完成收尾的 goroutine
//  5. 最後一次快照，停止鏡像上傳，等待通知送出，關閉 WAL
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	c.mu.Unlock()

	log.Info("Stopping controller...")

	close(c.stopCh)
	c.loopWg.Wait()

	detached := c.jobManager.DetachAll()
	c.scheduler.Stop()
	c.finishWg.Wait()

	// 沒有成功啟動時不寫快照，避免以空表覆蓋無法載入的檔案
	c.mu.Lock()
	if c.started {
		c.persist()
	}
	c.updateActiveGauge()
	c.mu.Unlock()

	c.snapshot.Close()

	c.notifyWg.Wait()

	if err := c.wal.Close(); err != nil {
		log.Error("Failed to close WAL", "error", err)
	}

	log.Info("Controller stopped", "detached_engines", detached)
}

// ============================================================================
// 內部輔助
// ============================================================================

// journal 追加 WAL 事件；失敗只記錄
func (c *Controller) journal(t wal.EventType, job *types.Job, rec *types.Record) {
	if err := c.wal.Append(t, job.ID(), rec); err != nil {
		c.metrics.RecordPersistError()
		log.Error("Failed to append WAL event", "type", t, "job", job.ShortID(), "error", err)
	}
}

// persist 寫出快照並旋轉 WAL；呼叫者必須持有 mu
//
// 快照失敗時保留 WAL，下次啟動仍可重放。
func (c *Controller) persist() {
	start := c.now()
	doc := c.jobManager.Snapshot(start)

	if err := c.snapshot.Write(doc); err != nil {
		c.metrics.RecordPersistError()
		log.Error("Failed to write snapshot", "path", c.snapshot.Path(), "error", err)
		return
	}
	if err := c.wal.Rotate(); err != nil {
		if !errors.Is(err, wal.ErrWALClosed) {
			c.metrics.RecordPersistError()
			log.Error("Failed to rotate WAL", "error", err)
		}
		return
	}

	log.Debug("Snapshot taken",
		"duration", c.now().Sub(start),
		"jobs", len(doc.Jobs))
}

// publish 非同步送出通知
func (c *Controller) publish(e notify.Event) {
	if c.notifier == nil {
		return
	}
	c.notifyWg.Add(1)
	go func() {
		defer c.notifyWg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.notifier.Notify(ctx, e); err != nil {
			log.Warn("Failed to deliver notification", "event", e.Type, "job", e.Job.ShortID, "error", err)
		}
	}()
}

func (c *Controller) updateActiveGauge() {
	c.metrics.SetActiveJobs(len(c.jobManager.Active()))
}
