package wal

// ============================================================================
// WAL 工具函式
// 職責：逐行讀取、取得最後事件、輸出可讀內容
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// readEvents 逐行讀取並驗證事件
//
// 只有「沒有換行結尾、且無法解析」的最後一行被視為崩潰殘片而略過；
// 其他解析失敗回傳 CorruptionError，校驗和錯誤回傳 ChecksumError。
func readEvents(path string, fn EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var offset int64
	line := 0

	for {
		raw, readErr := reader.ReadBytes('\n')
		if len(raw) == 0 && readErr == io.EOF {
			return nil
		}
		if readErr != nil && readErr != io.EOF {
			return readErr
		}
		line++
		start := offset
		offset += int64(len(raw))
		terminated := readErr == nil

		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 {
			if !terminated {
				return nil
			}
			continue
		}

		var event Event
		if err := json.Unmarshal(trimmed, &event); err != nil {
			if !terminated {
				// 崩潰時寫到一半的最後一行
				return nil
			}
			return &CorruptionError{Line: line, Offset: start, Cause: err}
		}

		if expected := CalculateChecksum(event); expected != event.Checksum {
			return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
		}

		if err := fn(event); err != nil {
			return err
		}
		if !terminated {
			return nil
		}
	}
}

// GetLastEvent 從 WAL 檔案讀取最後一個事件
//
// 檔案為空或不存在時回傳 ErrEmptyWAL。
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := readEvents(path, func(e Event) error {
		ev := e
		last = &ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// ReadAll 讀取檔案中所有事件
func ReadAll(path string) ([]Event, error) {
	var events []Event
	err := readEvents(path, func(e Event) error {
		events = append(events, e)
		return nil
	})
	return events, err
}

// DumpWAL 以可讀格式輸出 WAL 內容
//
// 每行：seq、時間、事件類型、任務 ID，以及附帶紀錄的進度。
func DumpWAL(path string, w io.Writer) error {
	count := 0
	err := readEvents(path, func(e Event) error {
		count++
		ts := time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339)
		extra := ""
		if e.Record != nil {
			extra = fmt.Sprintf("  %s r=%d %s %d/%d",
				e.Record.World, e.Record.Radius, e.Record.Shape, e.Record.Generated, e.Record.Total)
		}
		_, werr := fmt.Fprintf(w, "%6d  %s  %-6s  %s%s\n", e.Seq, ts, e.Type, e.JobID, extra)
		return werr
	})
	if err != nil && !errors.Is(err, ErrEmptyWAL) {
		return err
	}
	if count == 0 {
		_, err = fmt.Fprintln(w, "(journal is empty)")
		return err
	}
	return nil
}
