package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加任務生命週期事件到日誌檔案（append-only，每行一個 JSON）
// 2. 提供重放功能，在載入快照後補上快照之後發生的事件
// 3. 支援日誌旋轉（快照成功後清空）
// 4. 確保寫入持久性與資料完整性
//
// 生命週期事件很稀疏（啟動、暫停、取消、完成），每次追加都直接寫入；
// syncOnAppend 為 true 時並 fsync。
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/chunk-pregen/pkg/types"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前事件序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool
	now          func() time.Time
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("wal: create dir: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	var seq uint64
	if last, err := GetLastEvent(path); err == nil {
		seq = last.Seq
	}

	return &WAL{
		file:         file,
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,
		now:          time.Now,
	}, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq
// - 計算 checksum
// - 寫入一行 JSON；syncOnAppend 時同步到磁碟
//
// rec 為該時點的任務紀錄，START 與 FINISH 事件應附上；其他事件可為 nil。
func (w *WAL) Append(eventType EventType, jobID uuid.UUID, rec *types.Record) error {
	if !eventType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, eventType)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	event := Event{
		Seq:       w.seq + 1,
		Type:      eventType,
		JobID:     jobID.String(),
		Timestamp: w.now().UnixMilli(),
		Record:    rec,
	}
	event.Checksum = CalculateChecksum(event)

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("wal: encode seq=%d: %w", event.Seq, err)
	}
	line = append(line, '\n')

	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("wal: append seq=%d: %w", event.Seq, err)
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("%w: %v", ErrSyncFailed, err)
		}
	}
	w.seq = event.Seq
	return nil
}

// Replay 重放所有 WAL 事件
//
// 行為：
// - 從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum
// - 呼叫 handler 應用事件，handler 回傳錯誤時立即停止
// - 檔尾未寫完的最後一行（崩潰時的殘片）會被忽略
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	return readEvents(w.path, handler)
}

// Rotate 清空日誌（快照成功寫入後呼叫）
//
// seq 不歸零，讓事件序號在整個行程生命週期內保持單調。
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	if err := w.file.Close(); err != nil {
		return err
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		w.closed = true
		return fmt.Errorf("wal: reopen after rotate: %w", err)
	}
	w.file = file
	return nil
}

// Close 關閉 WAL；關閉後的實例不可再使用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}
