package controller

// ============================================================================
// 公開指令：start / pause / cancel / status / list
//
// 驗證錯誤在任何狀態變更之前返回；持久化錯誤只記錄，不會讓指令失敗。
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/chunk-pregen/internal/storage/wal"
	"github.com/ChuLiYu/chunk-pregen/pkg/types"
)

// StartRequest 啟動任務的參數
//
// CenterX/CenterZ 為 cell 座標，必須同時提供或同時省略；
// 省略時以世界出生點所在的 cell 為中心。
type StartRequest struct {
	World   string
	Radius  int
	Shape   string
	CenterX *int
	CenterZ *int
}

// StartJob 建立並啟動一個預生成任務
//
// 流程：驗證 → 建立任務 → 登錄 → 附著引擎 → 寫 START → 持久化
func (c *Controller) StartJob(ctx context.Context, req StartRequest) (types.JobSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return types.JobSnapshot{}, err
	}
	if req.Radius < 0 || req.Radius > c.config.MaxRadius {
		return types.JobSnapshot{}, fmt.Errorf("%w: must be between 0 and %d, got %d",
			ErrInvalidRadius, c.config.MaxRadius, req.Radius)
	}
	shape, err := types.ParseShape(req.Shape)
	if err != nil {
		return types.JobSnapshot{}, fmt.Errorf("%w: %q", ErrInvalidShape, req.Shape)
	}
	if (req.CenterX == nil) != (req.CenterZ == nil) {
		return types.JobSnapshot{}, fmt.Errorf("%w: both x and z are required", ErrInvalidCoordinates)
	}
	w, err := c.worlds.Resolve(req.World)
	if err != nil {
		return types.JobSnapshot{}, fmt.Errorf("%w: %q", ErrWorldNotFound, req.World)
	}

	center := w.SpawnCell()
	if req.CenterX != nil {
		center = types.Cell{X: *req.CenterX, Z: *req.CenterZ}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return types.JobSnapshot{}, ErrControllerStopped
	}

	now := c.now()
	job := types.NewJob(w.Name(), center.X, center.Z, req.Radius, shape, now)
	if err := c.jobManager.Add(job); err != nil {
		return types.JobSnapshot{}, err
	}
	if err := c.attach(job, w, 0); err != nil {
		return types.JobSnapshot{}, err
	}

	rec := job.Record(now)
	c.journal(wal.EventStart, job, &rec)
	c.persist()
	c.metrics.RecordJobStarted()
	c.updateActiveGauge()

	log.Info("Job started",
		"job", job.ShortID(),
		"world", job.World(),
		"center", center.String(),
		"radius", job.Radius(),
		"shape", shape.String(),
		"total", job.Total())

	return job.Snapshot(now), nil
}

// Pause 切換暫停狀態
//
// 引擎不會被停止，只是在暫停期間每個 tick 不做事。
// 恢復一個沒有引擎的任務（啟動時世界不可用）會嘗試重新附著。
func (c *Controller) Pause(idOrPrefix string) (types.JobSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	job, err := c.jobManager.ResolveID(idOrPrefix)
	if err != nil {
		return types.JobSnapshot{}, err
	}
	if job.IsTerminal() {
		return types.JobSnapshot{}, fmt.Errorf("%w: %s is %s", ErrJobTerminal, job.ShortID(), job.Status())
	}

	now := c.now()
	pausing := !job.IsPaused()
	job.SetPaused(pausing, now)

	if pausing {
		c.journal(wal.EventPause, job, nil)
		log.Info("Job paused", "job", job.ShortID(), "generated", job.Generated(), "total", job.Total())
	} else {
		c.journal(wal.EventResume, job, nil)
		log.Info("Job resumed", "job", job.ShortID(), "generated", job.Generated(), "total", job.Total())
		c.reattach(job)
	}
	c.persist()
	c.updateActiveGauge()

	return job.Snapshot(now), nil
}

// reattach 為沒有引擎的任務重新附著；呼叫者必須持有 mu
func (c *Controller) reattach(job *types.Job) {
	if c.stopped || c.jobManager.IsAttached(job.ID()) {
		return
	}
	w, err := c.worlds.Resolve(job.World())
	if err != nil {
		log.Warn("World still not available; job stays dormant", "job", job.ShortID(), "world", job.World())
		return
	}
	if err := c.attach(job, w, 0); err != nil {
		log.Error("Failed to attach engine", "job", job.ShortID(), "error", err)
	}
}

// Cancel 取消任務
//
// 取消旗標先寫入 WAL 與快照，才從活躍集合移除，
// 持久化的紀錄反映「已取消」而不是「消失」。
func (c *Controller) Cancel(idOrPrefix string) (types.JobSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	job, err := c.jobManager.ResolveID(idOrPrefix)
	if err != nil {
		return types.JobSnapshot{}, err
	}
	if !job.MarkCancelled() {
		return types.JobSnapshot{}, fmt.Errorf("%w: %s is %s", ErrJobTerminal, job.ShortID(), job.Status())
	}

	c.journal(wal.EventCancel, job, nil)
	c.persist()
	c.jobManager.Detach(job.ID())
	c.metrics.RecordJobCancelled()
	c.updateActiveGauge()

	now := c.now()
	log.Info("Job cancelled",
		"job", job.ShortID(),
		"world", job.World(),
		"generated", job.Generated(),
		"total", job.Total())

	return job.Snapshot(now), nil
}

// Status 查詢單一任務
func (c *Controller) Status(idOrPrefix string) (types.JobSnapshot, error) {
	job, err := c.jobManager.ResolveID(idOrPrefix)
	if err != nil {
		return types.JobSnapshot{}, err
	}
	return job.Snapshot(c.now()), nil
}

// List 所有任務（含歷史），依啟動時間排序
func (c *Controller) List() []types.JobSnapshot {
	return snapshots(c.jobManager.List(), c.now())
}

// Active 尚未終結的任務
func (c *Controller) Active() []types.JobSnapshot {
	return snapshots(c.jobManager.Active(), c.now())
}

// ResolveID 將完整 ID 或唯一前綴解析為任務 ID
func (c *Controller) ResolveID(idOrPrefix string) (uuid.UUID, error) {
	job, err := c.jobManager.ResolveID(idOrPrefix)
	if err != nil {
		return uuid.Nil, err
	}
	return job.ID(), nil
}

// Worlds 可用的世界名稱（模擬世界才提供）
func (c *Controller) Worlds() []string {
	if named, ok := c.worlds.(interface{ Names() []string }); ok {
		return named.Names()
	}
	return nil
}

// GetStatus 取得系統狀態
func (c *Controller) GetStatus() map[string]interface{} {
	stats := c.jobManager.Stats()

	c.mu.Lock()
	uptime := c.now().Sub(c.startTime)
	if !c.started {
		uptime = 0
	}
	c.mu.Unlock()

	return map[string]interface{}{
		"uptime":    uptime.Round(time.Second).String(),
		"jobs":      c.jobManager.Len(),
		"running":   stats[types.StatusRunning],
		"paused":    stats[types.StatusPaused],
		"cancelled": stats[types.StatusCancelled],
		"finished":  stats[types.StatusFinished],
		"attached":  c.jobManager.AttachedCount(),
		"in_flight": c.jobManager.InFlight(),
		"wal_seq":   c.wal.GetLastSeq(),
	}
}

func snapshots(jobs []*types.Job, now time.Time) []types.JobSnapshot {
	out := make([]types.JobSnapshot, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.Snapshot(now))
	}
	return out
}

func uuidFromEvent(e wal.Event) (uuid.UUID, error) {
	if e.JobID == "" {
		return uuid.Nil, errors.New("empty job id")
	}
	return uuid.Parse(e.JobID)
}
