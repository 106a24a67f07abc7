package engine

// ============================================================================
// 協作式排程器
//
// 單一 driver goroutine 以固定間隔（task_interval_ticks × tick_duration）
// 依註冊順序逐一呼叫每個 Task 的 Tick。Tick 回傳 true 即自動移除。
//
//   Schedule(task, delay) --> entries --> ticker --> Tick() x N
//
// Tick 在不持有排程器鎖的情況下執行，Task 可以在 Tick 內呼叫 Schedule
// 或取消其他 Handle。
// ============================================================================

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrSchedulerStopped 排程器已停止
var ErrSchedulerStopped = errors.New("scheduler stopped")

// Task 由排程器週期性驅動的工作
type Task interface {
	// Tick 執行一步；回傳 true 表示已結束，不再排程
	Tick() bool
}

// TaskFunc 讓普通函式滿足 Task
type TaskFunc func() bool

func (f TaskFunc) Tick() bool { return f() }

// Handle 已排程任務的控制代碼
type Handle struct {
	cancelled atomic.Bool
	done      atomic.Bool
}

// Cancel 取消排程；下一次 tick 前生效，可重複呼叫
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.cancelled.Store(true)
}

// Active 任務是否仍在排程中
func (h *Handle) Active() bool {
	return h != nil && !h.cancelled.Load() && !h.done.Load()
}

type entry struct {
	handle    *Handle
	task      Task
	notBefore time.Time
}

// Scheduler 協作式排程器
type Scheduler struct {
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries []*entry
	started bool
	stopped bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler 建立排程器；interval <= 0 時使用 50ms
func NewScheduler(interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &Scheduler{
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Interval tick 間隔
func (s *Scheduler) Interval() time.Duration { return s.interval }

// Start 啟動 driver goroutine（冪等）
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true

	s.wg.Add(1)
	go s.loop()
}

// Schedule 註冊任務，delay 之後開始被 tick
func (s *Scheduler) Schedule(task Task, delay time.Duration) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrSchedulerStopped
	}

	h := &Handle{}
	s.entries = append(s.entries, &entry{
		handle:    h,
		task:      task,
		notBefore: s.now().Add(delay),
	})
	return h, nil
}

// Len 目前排程中的任務數
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.handle.Active() {
			n++
		}
	}
	return n
}

// Stop 停止 driver 並丟棄所有任務；返回後不會再有 Tick 被呼叫
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	for _, e := range s.entries {
		e.handle.cancelled.Store(true)
	}
	s.entries = nil
	s.mu.Unlock()

	close(s.stopCh)
	if started {
		s.wg.Wait()
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runOnce()
		}
	}
}

// runOnce 依序 tick 所有到期的任務
func (s *Scheduler) runOnce() {
	s.mu.Lock()
	batch := make([]*entry, len(s.entries))
	copy(batch, s.entries)
	now := s.now()
	s.mu.Unlock()

	for _, e := range batch {
		// Stop 之後不再 tick
		select {
		case <-s.stopCh:
			return
		default:
		}

		if !e.handle.Active() || now.Before(e.notBefore) {
			continue
		}
		if e.task.Tick() {
			e.handle.done.Store(true)
		}
	}

	s.mu.Lock()
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.handle.Active() {
			kept = append(kept, e)
		}
	}
	// 清掉尾端殘留的指標
	for i := len(kept); i < len(s.entries); i++ {
		s.entries[i] = nil
	}
	s.entries = kept
	s.mu.Unlock()
}
