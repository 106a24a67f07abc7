package world

// ============================================================================
// 生成工作池
//
// 固定數量的 worker goroutine 從共享的無界佇列取出生成請求，
// 執行後把結果寫回請求自帶的 reply channel。
//
//   MaterializeCellAsync --Submit()--> queue --> worker 1..N --> reply
//
// 生命週期：
//   1. newPool(exec)    建立佇列
//   2. Start(n)         啟動 n 個 worker
//   3. Submit(task)     送出請求，只入列不等待
//   4. Stop()           喚醒並等待 worker 結束
//
// Stop 之後仍在佇列中的請求不會被執行，其 reply 收到 ErrWorldClosed。
// ============================================================================

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/chunk-pregen/pkg/types"
)

var (
	// ErrPoolNotStarted 工作池尚未啟動
	ErrPoolNotStarted = errors.New("materialize pool not started")
)

// task 一個待執行的生成請求
type task struct {
	ctx     context.Context
	cell    types.Cell
	timeout time.Duration
	reply   chan error // 容量 1，送出一次後關閉
}

// execFunc worker 實際執行的工作
type execFunc func(ctx context.Context, cell types.Cell) error

// pool 管理 worker goroutine
type pool struct {
	exec    execFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []task
	workers int
	started bool
	stopped bool
}

func newPool(exec execFunc) *pool {
	p := &pool{exec: exec}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start 啟動 workerCount 個 worker
func (p *pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount <= 0 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run()
		}()
	}
	p.workers = workerCount
	p.started = true
	return nil
}

// run worker 主循環
func (p *pool) run() {
	for {
		t, ok := p.next()
		if !ok {
			return
		}
		p.handle(t)
	}
}

// next 取出下一個請求；工作池停止時回傳 false
func (p *pool) next() (task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.stopped {
		p.cond.Wait()
	}
	if p.stopped {
		return task{}, false
	}
	t := p.queue[0]
	p.queue[0] = task{}
	p.queue = p.queue[1:]
	return t, true
}

func (p *pool) handle(t task) {
	defer close(t.reply)

	ctx := t.ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	// 已脫離的引擎留下的請求直接結束，不佔 worker
	if err := ctx.Err(); err != nil {
		t.reply <- err
		return
	}
	t.reply <- p.exec(ctx, t.cell)
}

// Submit 送出請求；工作池未啟動或已停止時直接回傳錯誤
//
// 佇列沒有上限，Submit 不會等待 worker，呼叫者（引擎的 Tick）因此不會被卡住。
// 同時在途的數量由各引擎的 MaxConcurrent 限制。
func (p *pool) Submit(t task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrWorldClosed
	}

	p.queue = append(p.queue, t)
	p.cond.Signal()
	return nil
}

// Stop 停止所有 worker，並讓佇列中剩餘的請求以 ErrWorldClosed 結束
func (p *pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	pending := p.queue
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()

	for _, t := range pending {
		t.reply <- ErrWorldClosed
		close(t.reply)
	}
}

// WorkerCount 目前 worker 數量
func (p *pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Queued 尚未被 worker 取走的請求數
func (p *pool) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
