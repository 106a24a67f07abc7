// Package types 定義了 chunk-pregen 系統中使用的核心領域模型
package types

import (
	"errors"
	"fmt"
	"strings"
)

// JobStatus 任務對外可見的狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusRunning   JobStatus = "running"   // 執行中：引擎持續 tick 並發出請求
	StatusPaused    JobStatus = "paused"    // 暫停：引擎仍在排程中，但每個 tick 不做任何事
	StatusCancelled JobStatus = "cancelled" // 已取消（終態）
	StatusFinished  JobStatus = "finished"  // 已完成（終態）
)

// IsTerminal 是否為終態
func (s JobStatus) IsTerminal() bool {
	return s == StatusCancelled || s == StatusFinished
}

// ErrInvalidShape 無法辨識的形狀標籤
var ErrInvalidShape = errors.New("shape must be square or disc")

// ============================================================================
// 形狀（封閉的兩種變體）
// ============================================================================

// Shape 生成區域的形狀
type Shape int

const (
	ShapeSquare Shape = iota // 正方形：Chebyshev 距離 <= radius
	ShapeDisc                // 圓盤：dx²+dz² <= radius²
)

// ParseShape 解析形狀標籤，不分大小寫；"circle" 為 disc 的別名
func ParseShape(s string) (Shape, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "square":
		return ShapeSquare, nil
	case "disc", "circle":
		return ShapeDisc, nil
	default:
		return ShapeSquare, fmt.Errorf("%w: %q", ErrInvalidShape, s)
	}
}

func (s Shape) String() string {
	switch s {
	case ShapeSquare:
		return "square"
	case ShapeDisc:
		return "disc"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

// Tag 持久化時使用的標籤
func (s Shape) Tag() string {
	return strings.ToUpper(s.String())
}

// Contains 判斷相對於中心的偏移 (dx, dz) 是否落在形狀內
func (s Shape) Contains(dx, dz, radius int) bool {
	if abs(dx) > radius || abs(dz) > radius {
		return false
	}
	if s == ShapeDisc {
		r := int64(radius)
		return int64(dx)*int64(dx)+int64(dz)*int64(dz) <= r*r
	}
	return true
}

// Total 計算形狀涵蓋的 cell 數量
//
// SQUARE: (2r+1)²
// DISC:   滿足 dx²+dz² <= r² 的整數偏移數量
func (s Shape) Total(radius int) int64 {
	if radius < 0 {
		return 0
	}
	if s != ShapeDisc {
		side := int64(radius)*2 + 1
		return side * side
	}

	r2 := int64(radius) * int64(radius)
	var count int64
	for dx := -int64(radius); dx <= int64(radius); dx++ {
		// 每一列的 |dz| 上限
		m := isqrt(r2 - dx*dx)
		count += 2*m + 1
	}
	return count
}

// ============================================================================
// 座標
// ============================================================================

// Cell 世界中最小的可定址單位（原始領域中的 chunk）
type Cell struct {
	X int `json:"x"`
	Z int `json:"z"`
}

func (c Cell) String() string {
	return fmt.Sprintf("%d,%d", c.X, c.Z)
}

// Ring 相對於 center 的 Chebyshev 距離
func (c Cell) Ring(center Cell) int {
	return max(abs(c.X-center.X), abs(c.Z-center.Z))
}

// BlockToCell 將方塊座標轉為 cell 座標（每個 cell 16 格）
func BlockToCell(block int) int {
	return block >> 4
}

// ============================================================================
// 持久化格式
// ============================================================================

// SchemaVersion 目前的持久化文件版本
const SchemaVersion = 1

// Record 單一任務的持久化紀錄，欄位名稱沿用 jobs.yml 的格式
type Record struct {
	World     string `yaml:"world" json:"world"`
	CenterX   int    `yaml:"center-x" json:"center_x"`
	CenterZ   int    `yaml:"center-z" json:"center_z"`
	Radius    int    `yaml:"radius" json:"radius"`
	Shape     string `yaml:"shape" json:"shape"`
	Generated int64  `yaml:"generated" json:"generated"`
	Total     int64  `yaml:"total" json:"total"`
	Started   int64  `yaml:"started" json:"started"` // Unix 毫秒
	Finished  bool   `yaml:"finished" json:"finished"`
	Cancelled bool   `yaml:"cancelled" json:"cancelled"`

	Paused   bool  `yaml:"paused,omitempty" json:"paused,omitempty"`
	PausedMs int64 `yaml:"paused-ms,omitempty" json:"paused_ms,omitempty"` // 累計暫停毫秒
	Failed   int64 `yaml:"failed,omitempty" json:"failed,omitempty"`       // 放棄的 cell 數
}

// Document 持久化文件：以任務 ID 為鍵的所有任務
type Document struct {
	SchemaVer int               `yaml:"schema-version"`
	Jobs      map[string]Record `yaml:"jobs"`
}

// NewDocument 建立空的持久化文件
func NewDocument() Document {
	return Document{
		SchemaVer: SchemaVersion,
		Jobs:      make(map[string]Record),
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// isqrt 整數平方根（向下取整），避免浮點誤差
func isqrt(n int64) int64 {
	if n <= 0 {
		return 0
	}
	x := n
	y := (x + 1) / 2
	for y < x {
		x = y
		y = (x + n/x) / 2
	}
	return x
}
