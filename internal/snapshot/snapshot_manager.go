package snapshot

// ============================================================================
// 職責說明：
// 1. 將任務表序列化為 YAML 文件（jobs.yml）
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 可選的鏡像（物件儲存）：每次成功寫入後交給背景 goroutine 上傳，
//    連續寫入只上傳最新的一份；本地檔案遺失時由鏡像補回
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/chunk-pregen/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot not found")
)

// Mirror 快照的遠端副本
type Mirror interface {
	// Put 上傳整份文件
	Put(ctx context.Context, data []byte) error
	// Get 取回文件；不存在時回傳 ErrSnapshotNotFound
	Get(ctx context.Context) ([]byte, error)
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager 快照管理器
type Manager struct {
	path          string        // 快照檔案路徑
	mirror        Mirror        // 可為 nil
	mirrorTimeout time.Duration // 單次鏡像操作逾時
	mu            sync.Mutex    // 保護檔案操作

	// 背景上傳
	upMu      sync.Mutex
	pending   []byte        // 尚未上傳的最新內容
	upClosed  bool          // Close 之後改為同步上傳
	wake      chan struct{} // 容量 1
	done      chan struct{}
	upWg      sync.WaitGroup
	closeOnce sync.Once
}

// Option 設定 Manager
type Option func(*Manager)

// WithMirror 設定遠端鏡像
func WithMirror(m Mirror) Option {
	return func(mgr *Manager) { mgr.mirror = m }
}

// WithMirrorTimeout 設定鏡像操作逾時
func WithMirrorTimeout(d time.Duration) Option {
	return func(mgr *Manager) { mgr.mirrorTimeout = d }
}

// NewManager 建立快照管理器實例
func NewManager(path string, opts ...Option) *Manager {
	m := &Manager{
		path:          path,
		mirrorTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.mirror != nil {
		m.wake = make(chan struct{}, 1)
		m.done = make(chan struct{})
		m.upWg.Add(1)
		go m.uploadLoop()
	}
	return m
}

// Write 原子性寫入快照
//
// 流程：
//  1. 寫入臨時檔案（.tmp）並 fsync
//  2. 使用 os.Rename 原子性替換原始檔案
//  3. 若有鏡像則排入背景上傳；鏡像失敗只記錄，不影響本地結果
func (m *Manager) Write(doc types.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc.SchemaVer = types.SchemaVersion
	if doc.Jobs == nil {
		doc.Jobs = make(map[string]types.Record)
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := writeSync(tmpPath, data); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	if m.mirror != nil {
		m.enqueueUpload(data)
	}
	return nil
}

// ============================================================================
// 鏡像上傳
// ============================================================================

// enqueueUpload 以最新內容取代尚未上傳的內容
func (m *Manager) enqueueUpload(data []byte) {
	m.upMu.Lock()
	if m.upClosed {
		m.upMu.Unlock()
		m.put(data)
		return
	}
	m.pending = data
	m.upMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) uploadLoop() {
	defer m.upWg.Done()
	for {
		select {
		case <-m.wake:
			m.uploadPending()
		case <-m.done:
			m.uploadPending()
			return
		}
	}
}

func (m *Manager) uploadPending() {
	m.upMu.Lock()
	data := m.pending
	m.pending = nil
	m.upMu.Unlock()

	if data != nil {
		m.put(data)
	}
}

func (m *Manager) put(data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), m.mirrorTimeout)
	defer cancel()
	if err := m.mirror.Put(ctx, data); err != nil {
		log.Warn("Snapshot mirror upload failed", "path", m.path, "error", err)
	}
}

// Close 上傳最後一份待送內容並停止背景上傳
//
// 之後的 Write 仍可使用，鏡像改為同步上傳。
func (m *Manager) Close() {
	if m.mirror == nil {
		return
	}
	m.closeOnce.Do(func() {
		m.upMu.Lock()
		m.upClosed = true
		m.upMu.Unlock()
		close(m.done)
		m.upWg.Wait()
	})
}

func writeSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load 載入快照
//
// 行為：
//   - 本地檔案不存在時嘗試鏡像；兩者皆無則回傳空文件（首次啟動）
//   - 沒有 schema-version 欄位的舊檔視為版本 1
//   - 版本較新時回傳 ErrIncompatibleVersion
func (m *Manager) Load() (types.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return types.Document{}, fmt.Errorf("failed to read snapshot: %w", err)
		}
		data, err = m.fetchMirror()
		if errors.Is(err, ErrSnapshotNotFound) {
			return types.NewDocument(), nil
		}
		if err != nil {
			return types.Document{}, err
		}
		log.Info("Snapshot restored from mirror", "path", m.path, "bytes", len(data))
	}

	return decode(data)
}

func (m *Manager) fetchMirror() ([]byte, error) {
	if m.mirror == nil {
		return nil, ErrSnapshotNotFound
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.mirrorTimeout)
	defer cancel()

	data, err := m.mirror.Get(ctx)
	if err != nil {
		if errors.Is(err, ErrSnapshotNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to fetch snapshot mirror: %w", err)
	}
	return data, nil
}

func decode(data []byte) (types.Document, error) {
	var doc types.Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return types.Document{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if doc.SchemaVer == 0 {
		doc.SchemaVer = types.SchemaVersion
	}
	if doc.SchemaVer > types.SchemaVersion {
		return types.Document{}, fmt.Errorf("%w: got %d, want <= %d",
			ErrIncompatibleVersion, doc.SchemaVer, types.SchemaVersion)
	}
	if doc.Jobs == nil {
		doc.Jobs = make(map[string]types.Record)
	}
	return doc, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Path 快照檔案路徑
func (m *Manager) Path() string {
	return m.path
}

// Quarantine 把無法解析的快照改名保留（<path>.corrupt-<unix 秒>），
// 讓下一次寫入不會覆蓋掉可供人工檢查的原始內容
func (m *Manager) Quarantine(now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dst := fmt.Sprintf("%s.corrupt-%d", m.path, now.Unix())
	if err := os.Rename(m.path, dst); err != nil {
		return "", fmt.Errorf("failed to quarantine snapshot: %w", err)
	}
	return dst, nil
}
