// ============================================================================
// chunk-pregen 任務表
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 保存所有已知任務，以及執行中任務所附著的引擎
//
// 數據結構設計:
//   jobs map[uuid]*Job      - 主存儲，包含所有任務（含已取消、已完成的歷史紀錄）
//   order []uuid            - 加入順序，用於穩定的列表輸出
//   attached map[uuid]*att  - 目前被排程器驅動的任務 → 引擎與排程 handle
//
//   任務處於終態後會從 attached 移除，但仍保留在 jobs 中，
//   因此快照中依舊看得到取消或完成的任務。
//
// ID 解析 (ResolveID):
//   1. 完全相符的 ID
//   2. 唯一的前綴（不分大小寫）；多於一個相符 → ErrAmbiguousID
//   3. 以 UUID 格式解析（接受大寫、urn、大括號等寫法）後查找
//   4. 以上皆無 → ErrJobNotFound
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - 任務本身的計數與旗標由 types.Job 的 atomic 欄位負責
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/chunk-pregen/internal/engine"
	"github.com/ChuLiYu/chunk-pregen/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複錯誤
	ErrDuplicateJob = errors.New("job already exists")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 前綴對應到多個任務
	ErrAmbiguousID = errors.New("job id prefix is ambiguous")
	// 任務已附著引擎
	ErrAlreadyAttached = errors.New("job already has an engine attached")
)

// attachment 任務目前附著的引擎與排程 handle
type attachment struct {
	engine *engine.Engine
	handle *engine.Handle
}

// JobManager 任務表
type JobManager struct {
	mu       sync.RWMutex
	jobs     map[uuid.UUID]*types.Job
	order    []uuid.UUID
	attached map[uuid.UUID]attachment
}

// NewJobManager 建立空的任務表
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:     make(map[uuid.UUID]*types.Job),
		attached: make(map[uuid.UUID]attachment),
	}
}

// Add 加入新任務
//
// 錯誤處理：
//   - ErrDuplicateJob: 任務 ID 已存在
func (jm *JobManager) Add(job *types.Job) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID())
	}
	jm.jobs[job.ID()] = job
	jm.order = append(jm.order, job.ID())
	return nil
}

// Get 依完整 ID 取得任務
func (jm *JobManager) Get(id uuid.UUID) (*types.Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	job, ok := jm.jobs[id]
	return job, ok
}

// Len 已知任務總數
func (jm *JobManager) Len() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.jobs)
}

// ResolveID 把使用者輸入的 ID 或前綴解析為任務
func (jm *JobManager) ResolveID(input string) (*types.Job, error) {
	s := strings.ToLower(strings.TrimSpace(input))
	if s == "" {
		return nil, ErrJobNotFound
	}

	jm.mu.RLock()
	defer jm.mu.RUnlock()

	// 1. 完全相符
	if id, err := uuid.Parse(s); err == nil {
		if job, ok := jm.jobs[id]; ok {
			return job, nil
		}
	}

	// 2. 唯一前綴
	var match *types.Job
	count := 0
	for _, id := range jm.order {
		if strings.HasPrefix(id.String(), s) {
			match = jm.jobs[id]
			count++
		}
	}
	switch {
	case count == 1:
		return match, nil
	case count > 1:
		return nil, fmt.Errorf("%w: %q matches %d jobs", ErrAmbiguousID, input, count)
	}

	// 3. 原始輸入以 UUID 解析（urn / 大括號等寫法）
	if id, err := uuid.Parse(strings.TrimSpace(input)); err == nil {
		if job, ok := jm.jobs[id]; ok {
			return job, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrJobNotFound, input)
}

// ============================================================================
// 引擎附著
// ============================================================================

// Attach 記錄任務所附著的引擎與排程 handle
func (jm *JobManager) Attach(id uuid.UUID, eng *engine.Engine, handle *engine.Handle) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, ok := jm.jobs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if _, ok := jm.attached[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyAttached, id)
	}
	jm.attached[id] = attachment{engine: eng, handle: handle}
	return nil
}

// Detach 解除附著：取消排程並讓引擎忽略之後的完成回呼
//
// 返回值：
//   - bool: 任務原本是否有附著的引擎
func (jm *JobManager) Detach(id uuid.UUID) bool {
	jm.mu.Lock()
	att, ok := jm.attached[id]
	delete(jm.attached, id)
	jm.mu.Unlock()

	if !ok {
		return false
	}
	att.handle.Cancel()
	att.engine.Detach()
	return true
}

// Release 只移除附著紀錄，不打斷引擎（引擎自行結束時使用）
func (jm *JobManager) Release(id uuid.UUID) bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	_, ok := jm.attached[id]
	delete(jm.attached, id)
	return ok
}

// DetachAll 解除所有附著，返回解除的數量
func (jm *JobManager) DetachAll() int {
	jm.mu.Lock()
	batch := jm.attached
	jm.attached = make(map[uuid.UUID]attachment)
	jm.mu.Unlock()

	for _, att := range batch {
		att.handle.Cancel()
		att.engine.Detach()
	}
	return len(batch)
}

// IsAttached 任務是否正被引擎驅動
func (jm *JobManager) IsAttached(id uuid.UUID) bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	_, ok := jm.attached[id]
	return ok
}

// AttachedCount 附著中的任務數
func (jm *JobManager) AttachedCount() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.attached)
}

// InFlight 所有附著引擎的未完成請求總數
func (jm *JobManager) InFlight() int64 {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	var n int64
	for _, att := range jm.attached {
		n += att.engine.InFlight()
	}
	return n
}

// ============================================================================
// 查詢方法
// ============================================================================

// List 所有任務，依啟動時間排序
func (jm *JobManager) List() []*types.Job {
	jm.mu.RLock()
	out := make([]*types.Job, 0, len(jm.order))
	for _, id := range jm.order {
		out = append(out, jm.jobs[id])
	}
	jm.mu.RUnlock()

	sort.SliceStable(out, func(i, k int) bool {
		return out[i].StartedAt().Before(out[k].StartedAt())
	})
	return out
}

// Active 尚未處於終態的任務
func (jm *JobManager) Active() []*types.Job {
	all := jm.List()
	out := all[:0]
	for _, job := range all {
		if !job.IsTerminal() {
			out = append(out, job)
		}
	}
	return out
}

// Stats 依狀態統計任務數
func (jm *JobManager) Stats() map[types.JobStatus]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := map[types.JobStatus]int{
		types.StatusRunning:   0,
		types.StatusPaused:    0,
		types.StatusCancelled: 0,
		types.StatusFinished:  0,
	}
	for _, job := range jm.jobs {
		stats[job.Status()]++
	}
	return stats
}

// ============================================================================
// 快照與恢復相關方法
// ============================================================================

// Snapshot 產生持久化文件
func (jm *JobManager) Snapshot(now time.Time) types.Document {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	doc := types.NewDocument()
	for id, job := range jm.jobs {
		doc.Jobs[id.String()] = job.Record(now)
	}
	return doc
}

// Restore 以持久化文件取代目前的任務表
//
// 無法解析的紀錄會被略過，錯誤以 errors.Join 彙整返回；
// 其餘紀錄仍會被還原。
//
// 返回值：
//   - int: 還原的任務數
//   - error: 被略過紀錄的錯誤
func (jm *JobManager) Restore(doc types.Document, now time.Time) (int, error) {
	jobs := make(map[uuid.UUID]*types.Job, len(doc.Jobs))
	var errs []error

	for key, rec := range doc.Jobs {
		id, err := uuid.Parse(key)
		if err != nil {
			errs = append(errs, fmt.Errorf("record %q: %w", key, err))
			continue
		}
		job, err := types.RestoreJob(id, rec, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("record %s: %w", key, err))
			continue
		}
		jobs[id] = job
	}

	order := make([]uuid.UUID, 0, len(jobs))
	for id := range jobs {
		order = append(order, id)
	}
	sort.Slice(order, func(i, k int) bool {
		a, b := jobs[order[i]], jobs[order[k]]
		if !a.StartedAt().Equal(b.StartedAt()) {
			return a.StartedAt().Before(b.StartedAt())
		}
		return order[i].String() < order[k].String()
	})

	jm.mu.Lock()
	jm.jobs = jobs
	jm.order = order
	jm.attached = make(map[uuid.UUID]attachment)
	jm.mu.Unlock()

	return len(jobs), errors.Join(errs...)
}
