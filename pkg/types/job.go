package types

// ============================================================================
// 任務實體
// 職責：
// 1. 保存單一生成請求的身分、幾何與進度計數
// 2. 計算衍生指標（百分比、吞吐量、ETA）
// 3. 提供暫停時間的累計，排除暫停區間
//
// 並發模型：
//   - generated / failed 由大量非同步完成回呼更新，使用 atomic
//   - paused 與終態旗標由控制路徑與 tick 路徑同時讀取，使用 atomic
//   - 暫停計時欄位以 mutex 保護
// ============================================================================

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// 終態（取消與完成互斥）
const (
	terminalNone int32 = iota
	terminalCancelled
	terminalFinished
)

// Job 一個生成任務
type Job struct {
	id        uuid.UUID
	world     string
	centerX   int
	centerZ   int
	radius    int
	shape     Shape
	total     int64
	startedAt time.Time

	generated atomic.Int64
	failed    atomic.Int64
	paused    atomic.Bool
	terminal  atomic.Int32

	mu          sync.Mutex
	pausedAt    time.Time
	pausedTotal time.Duration
}

// NewJob 建立新任務，分配新的 ID 並預先計算 total
func NewJob(world string, centerX, centerZ, radius int, shape Shape, now time.Time) *Job {
	return &Job{
		id:        uuid.New(),
		world:     world,
		centerX:   centerX,
		centerZ:   centerZ,
		radius:    radius,
		shape:     shape,
		total:     shape.Total(radius),
		startedAt: now,
	}
}

// RestoreJob 從持久化紀錄重建任務
//
// generated、total 與時間戳原樣還原，不重新計算。
// 暫停中的任務以 now 作為新的暫停起點。
func RestoreJob(id uuid.UUID, rec Record, now time.Time) (*Job, error) {
	shape, err := ParseShape(rec.Shape)
	if err != nil {
		return nil, err
	}

	j := &Job{
		id:          id,
		world:       rec.World,
		centerX:     rec.CenterX,
		centerZ:     rec.CenterZ,
		radius:      rec.Radius,
		shape:       shape,
		total:       rec.Total,
		startedAt:   time.UnixMilli(rec.Started),
		pausedTotal: time.Duration(rec.PausedMs) * time.Millisecond,
	}
	j.generated.Store(rec.Generated)
	j.failed.Store(rec.Failed)

	switch {
	case rec.Finished:
		j.terminal.Store(terminalFinished)
	case rec.Cancelled:
		j.terminal.Store(terminalCancelled)
	}
	if rec.Paused && !j.IsTerminal() {
		j.paused.Store(true)
		j.pausedAt = now
	}
	return j, nil
}

// ============================================================================
// 不可變欄位
// ============================================================================

func (j *Job) ID() uuid.UUID        { return j.id }
func (j *Job) World() string        { return j.world }
func (j *Job) CenterX() int         { return j.centerX }
func (j *Job) CenterZ() int         { return j.centerZ }
func (j *Job) Center() Cell         { return Cell{X: j.centerX, Z: j.centerZ} }
func (j *Job) Radius() int          { return j.radius }
func (j *Job) Shape() Shape         { return j.shape }
func (j *Job) Total() int64         { return j.total }
func (j *Job) StartedAt() time.Time { return j.startedAt }

// ShortID ID 前 8 碼，用於顯示
func (j *Job) ShortID() string {
	return j.id.String()[:8]
}

// ============================================================================
// 進度計數
// ============================================================================

// Generated 已處理（生成或原本已存在）的 cell 數
func (j *Job) Generated() int64 { return j.generated.Load() }

// Failed 重試用盡後放棄的 cell 數
func (j *Job) Failed() int64 { return j.failed.Load() }

// ObserveGenerated 將計數提升到 n（只增不減，不超過 total）
//
// 恢復的任務從持久化的 generated 繼續；引擎重新走一遍序列時回報自己的累計，
// 只有超過既有值時才會推進，避免重複計數。
func (j *Job) ObserveGenerated(n int64) {
	n = min(n, j.total)
	for {
		cur := j.generated.Load()
		if n <= cur {
			return
		}
		if j.generated.CompareAndSwap(cur, n) {
			return
		}
	}
}

// ObserveFailed 將放棄計數提升到 n（只增不減）
//
// 與 ObserveGenerated 相同：恢復後重新走序列時再次放棄同一批 cell 不會重複計數。
func (j *Job) ObserveFailed(n int64) {
	for {
		cur := j.failed.Load()
		if n <= cur {
			return
		}
		if j.failed.CompareAndSwap(cur, n) {
			return
		}
	}
}

// ============================================================================
// 狀態旗標
// ============================================================================

func (j *Job) IsPaused() bool    { return j.paused.Load() }
func (j *Job) IsCancelled() bool { return j.terminal.Load() == terminalCancelled }
func (j *Job) IsFinished() bool  { return j.terminal.Load() == terminalFinished }
func (j *Job) IsTerminal() bool  { return j.terminal.Load() != terminalNone }

// SetPaused 設定暫停旗標（冪等）
//
// 進入暫停時記錄 pausedAt；離開暫停時把 (now - pausedAt) 累加到 pausedTotal。
// 終態檢查由 Registry 負責。
func (j *Job) SetPaused(p bool, now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()

	was := j.paused.Load()
	if p && !was {
		j.pausedAt = now
	}
	if !p && was {
		j.pausedTotal += now.Sub(j.pausedAt)
	}
	j.paused.Store(p)
}

// MarkCancelled 標記取消；若已處於任一終態則回傳 false
func (j *Job) MarkCancelled() bool {
	return j.terminal.CompareAndSwap(terminalNone, terminalCancelled)
}

// MarkFinished 標記完成；若已處於任一終態則回傳 false
func (j *Job) MarkFinished() bool {
	return j.terminal.CompareAndSwap(terminalNone, terminalFinished)
}

// Status 對外可見的單一狀態
func (j *Job) Status() JobStatus {
	switch j.terminal.Load() {
	case terminalFinished:
		return StatusFinished
	case terminalCancelled:
		return StatusCancelled
	}
	if j.paused.Load() {
		return StatusPaused
	}
	return StatusRunning
}

// ============================================================================
// 衍生指標
// ============================================================================

// PausedDuration 累計暫停時間，包含目前仍在進行中的暫停
func (j *Job) PausedDuration(now time.Time) time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()

	d := j.pausedTotal
	if j.paused.Load() && now.After(j.pausedAt) {
		d += now.Sub(j.pausedAt)
	}
	return d
}

// Progress 完成百分比（total 為 0 時回傳 0）
func (j *Job) Progress() float64 {
	if j.total <= 0 {
		return 0
	}
	return float64(j.Generated()) * 100.0 / float64(j.total)
}

// ElapsedSeconds 排除暫停後經過的整秒數，不會為負
func (j *Job) ElapsedSeconds(now time.Time) int64 {
	elapsed := now.Sub(j.startedAt) - j.PausedDuration(now)
	if elapsed < 0 {
		return 0
	}
	return int64(elapsed / time.Second)
}

// Throughput 每秒處理的 cell 數
func (j *Job) Throughput(now time.Time) float64 {
	elapsed := j.ElapsedSeconds(now)
	if elapsed <= 0 {
		return 0
	}
	return float64(j.Generated()) / float64(elapsed)
}

// ETASeconds 預估剩餘秒數；吞吐量未知時回傳 -1
func (j *Job) ETASeconds(now time.Time) int64 {
	cps := j.Throughput(now)
	if cps <= 0 {
		return -1
	}
	return int64(float64(j.total-j.Generated()) / cps)
}

// FormatETA 將秒數轉為可讀字串
func FormatETA(seconds int64) string {
	switch {
	case seconds < 0:
		return "calculating..."
	case seconds < 60:
		return fmt.Sprintf("%ds", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	default:
		return fmt.Sprintf("%dh %dm", seconds/3600, (seconds%3600)/60)
	}
}

// ============================================================================
// 持久化與檢視
// ============================================================================

// Record 轉為持久化紀錄
func (j *Job) Record(now time.Time) Record {
	return Record{
		World:     j.world,
		CenterX:   j.centerX,
		CenterZ:   j.centerZ,
		Radius:    j.radius,
		Shape:     j.shape.Tag(),
		Generated: j.Generated(),
		Total:     j.total,
		Started:   j.startedAt.UnixMilli(),
		Finished:  j.IsFinished(),
		Cancelled: j.IsCancelled(),
		Paused:    j.IsPaused(),
		PausedMs:  j.PausedDuration(now).Milliseconds(),
		Failed:    j.Failed(),
	}
}

// JobSnapshot 任務在某一時刻的唯讀檢視，供命令介面使用
type JobSnapshot struct {
	ID         string    `json:"id"`
	ShortID    string    `json:"short_id"`
	World      string    `json:"world"`
	CenterX    int       `json:"center_x"`
	CenterZ    int       `json:"center_z"`
	Radius     int       `json:"radius"`
	Shape      string    `json:"shape"`
	Status     JobStatus `json:"status"`
	Generated  int64     `json:"generated"`
	Total      int64     `json:"total"`
	Failed     int64     `json:"failed"`
	Progress   float64   `json:"progress"`
	Elapsed    int64     `json:"elapsed_seconds"`
	Throughput float64   `json:"cells_per_second"`
	ETASeconds int64     `json:"eta_seconds"`
	ETA        string    `json:"eta"`
	StartedAt  time.Time `json:"started_at"`
}

// Snapshot 取得任務目前的檢視
func (j *Job) Snapshot(now time.Time) JobSnapshot {
	eta := j.ETASeconds(now)
	return JobSnapshot{
		ID:         j.id.String(),
		ShortID:    j.ShortID(),
		World:      j.world,
		CenterX:    j.centerX,
		CenterZ:    j.centerZ,
		Radius:     j.radius,
		Shape:      j.shape.String(),
		Status:     j.Status(),
		Generated:  j.Generated(),
		Total:      j.total,
		Failed:     j.Failed(),
		Progress:   j.Progress(),
		Elapsed:    j.ElapsedSeconds(now),
		Throughput: j.Throughput(now),
		ETASeconds: eta,
		ETA:        FormatETA(eta),
		StartedAt:  j.startedAt,
	}
}

func (j *Job) String() string {
	return fmt.Sprintf("[%s] %s r=%d %.1f%% (%d/%d)",
		j.ShortID(), j.world, j.radius, j.Progress(), j.Generated(), j.total)
}
