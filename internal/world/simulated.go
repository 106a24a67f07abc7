package world

// ============================================================================
// 模擬世界
//
// 行程內的世界實作，用於 daemon 示範、demo 與測試：
//   - 已生成的 cell 以 set 記錄
//   - 生成請求交給固定大小的工作池執行
//   - 每次生成套用設定的延遲與失敗率
// ============================================================================

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/chunk-pregen/pkg/types"
)

// SimOptions 模擬世界的行為參數
type SimOptions struct {
	Workers     int           // 每個世界的 worker 數量
	Latency     time.Duration // 每個 cell 的生成耗時
	FailureRate float64       // 0..1，單次生成失敗的機率
	Timeout     time.Duration // 單次生成的逾時，0 表示不設
	Seed        int64         // 亂數種子，0 表示使用目前時間
}

// Spawn 世界名稱與出生點 cell
type Spawn struct {
	Name  string
	Spawn types.Cell
}

// Simulated 一組模擬世界，實作 Resolver
type Simulated struct {
	mu     sync.RWMutex
	worlds map[string]*SimWorld
}

// NewSimulated 建立並啟動所有模擬世界
func NewSimulated(spawns []Spawn, opts SimOptions) (*Simulated, error) {
	s := &Simulated{worlds: make(map[string]*SimWorld, len(spawns))}
	for i, sp := range spawns {
		if sp.Name == "" {
			return nil, fmt.Errorf("world %d: empty name", i)
		}
		if _, dup := s.worlds[sp.Name]; dup {
			return nil, fmt.Errorf("world %q defined twice", sp.Name)
		}
		o := opts
		if o.Seed != 0 {
			o.Seed += int64(i)
		}
		w, err := NewSimWorld(sp.Name, sp.Spawn, o)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.worlds[sp.Name] = w
	}
	return s, nil
}

// Resolve 依名稱查找世界
func (s *Simulated) Resolve(name string) (World, error) {
	w, ok := s.World(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorldNotFound, name)
	}
	return w, nil
}

// World 取得具體型別的模擬世界
func (s *Simulated) World(name string) (*SimWorld, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.worlds[name]
	return w, ok
}

// Names 所有世界名稱（排序後）
func (s *Simulated) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.worlds))
	for n := range s.worlds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close 停止所有世界的工作池
func (s *Simulated) Close() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.worlds {
		w.Close()
	}
}

// ============================================================================
// 單一模擬世界
// ============================================================================

// SimWorld 單一模擬世界
type SimWorld struct {
	name  string
	spawn types.Cell
	opts  SimOptions
	pool  *pool

	mu           sync.RWMutex
	materialized map[types.Cell]struct{}
	loaded       map[types.Cell]struct{}

	rngMu sync.Mutex
	rng   *rand.Rand

	generated atomic.Int64
	failures  atomic.Int64
	released  atomic.Int64
}

// NewSimWorld 建立並啟動單一模擬世界
func NewSimWorld(name string, spawn types.Cell, opts SimOptions) (*SimWorld, error) {
	if opts.FailureRate < 0 || opts.FailureRate > 1 {
		return nil, fmt.Errorf("world %q: failure rate %.2f out of range", name, opts.FailureRate)
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	workers := max(opts.Workers, 1)

	w := &SimWorld{
		name:         name,
		spawn:        spawn,
		opts:         opts,
		materialized: make(map[types.Cell]struct{}),
		loaded:       make(map[types.Cell]struct{}),
		rng:          rand.New(rand.NewSource(seed)),
	}
	w.pool = newPool(w.materialize)
	if err := w.pool.Start(workers); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *SimWorld) Name() string          { return w.name }
func (w *SimWorld) SpawnCell() types.Cell { return w.spawn }

// IsCellMaterialized 該 cell 是否已生成
func (w *SimWorld) IsCellMaterialized(x, z int) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.materialized[types.Cell{X: x, Z: z}]
	return ok
}

// MaterializeCellAsync 把請求交給工作池
func (w *SimWorld) MaterializeCellAsync(ctx context.Context, x, z int) <-chan error {
	reply := make(chan error, 1)
	t := task{
		ctx:     ctx,
		cell:    types.Cell{X: x, Z: z},
		timeout: w.opts.Timeout,
		reply:   reply,
	}
	if err := w.pool.Submit(t); err != nil {
		reply <- err
		close(reply)
	}
	return reply
}

// ReleaseCell 卸載 cell
func (w *SimWorld) ReleaseCell(x, z int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c := types.Cell{X: x, Z: z}
	if _, ok := w.loaded[c]; ok {
		delete(w.loaded, c)
		w.released.Add(1)
	}
}

// Preload 將 cell 標記為已存在（不經過工作池）
func (w *SimWorld) Preload(cells ...types.Cell) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range cells {
		w.materialized[c] = struct{}{}
	}
}

// Close 停止工作池
func (w *SimWorld) Close() {
	w.pool.Stop()
}

// Stats 模擬世界的累計統計
type Stats struct {
	Materialized int   // 目前已存在的 cell 數
	Loaded       int   // 尚未釋放的 cell 數
	Generated    int64 // 成功生成次數
	Failures     int64 // 失敗次數
	Released     int64 // 釋放次數
	Workers      int
	Queued       int // 尚未被 worker 取走的請求數
}

// Stats 取得統計
func (w *SimWorld) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Stats{
		Materialized: len(w.materialized),
		Loaded:       len(w.loaded),
		Generated:    w.generated.Load(),
		Failures:     w.failures.Load(),
		Released:     w.released.Load(),
		Workers:      w.pool.WorkerCount(),
		Queued:       w.pool.Queued(),
	}
}

// materialize worker 執行的生成工作
func (w *SimWorld) materialize(ctx context.Context, c types.Cell) error {
	if w.opts.Latency > 0 {
		timer := time.NewTimer(w.opts.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			w.failures.Add(1)
			return ctx.Err()
		case <-timer.C:
		}
	}

	if w.roll() {
		w.failures.Add(1)
		return fmt.Errorf("simulated generation failure at %s in %s", c, w.name)
	}

	w.mu.Lock()
	w.materialized[c] = struct{}{}
	w.loaded[c] = struct{}{}
	w.mu.Unlock()
	w.generated.Add(1)
	return nil
}

func (w *SimWorld) roll() bool {
	if w.opts.FailureRate <= 0 {
		return false
	}
	w.rngMu.Lock()
	defer w.rngMu.Unlock()
	return w.rng.Float64() < w.opts.FailureRate
}
