// Package world 定義生成引擎所依賴的世界原語
//
// 真正的世界引擎（地形生成、儲存、載入）不在本系統範圍內；
// 這裡只描述引擎需要的最小介面，並提供一個行程內的模擬實作。
package world

import (
	"context"
	"errors"

	"github.com/ChuLiYu/chunk-pregen/pkg/types"
)

var (
	// ErrWorldNotFound 名稱無法解析為已載入的世界
	ErrWorldNotFound = errors.New("world not found")
	// ErrWorldClosed 世界已關閉，不再接受生成請求
	ErrWorldClosed = errors.New("world is closed")
)

// World 單一世界提供給引擎的操作
type World interface {
	// Name 世界名稱
	Name() string

	// SpawnCell 出生點所在的 cell，作為未指定中心時的預設值
	SpawnCell() types.Cell

	// IsCellMaterialized 該 cell 是否已存在於持久儲存
	IsCellMaterialized(x, z int) bool

	// MaterializeCellAsync 請求生成並載入一個 cell
	//
	// 返回的 channel 恰好送出一個值後關閉：nil 表示成功，否則為失敗原因。
	// 完成可能發生在任意 goroutine。
	MaterializeCellAsync(ctx context.Context, x, z int) <-chan error

	// ReleaseCell 釋放一個已載入的 cell（提示性質，可為 no-op）
	ReleaseCell(x, z int)
}

// Resolver 依名稱查找世界
type Resolver interface {
	Resolve(name string) (World, error)
}
