// Package sequence 產生以中心為起點、向外螺旋的 cell 座標序列
package sequence

// ============================================================================
// 螺旋序列
//
// 從中心 (0,0) 偏移開始，沿正方形螺旋向外走，一圈走完才進入下一圈，
// 因此輸出的 Chebyshev 距離單調不減。
//
//   走法：初始方向 (dx,dz) = (0,-1)
//   每一步先輸出目前位置，若位於轉角則方向旋轉 (dx,dz) = (-dz,dx)，再前進。
//   轉角條件：x == z、x < 0 且 x == -z、x > 0 且 x == 1-z
//
// 邊長 side = 2r+1 時恰好走 side² 步，涵蓋整個正方形。
// DISC 形狀在同一條路徑上過濾掉 dx²+dz² > r² 的偏移。
// ============================================================================

import (
	"errors"

	"github.com/ChuLiYu/chunk-pregen/pkg/types"
)

// ErrExhausted 序列已走完仍呼叫 Next
var ErrExhausted = errors.New("sequence exhausted")

// Sequence 有限、有序的 cell 座標產生器
//
// 非並發安全，由單一引擎 tick 路徑獨占使用。
type Sequence struct {
	centerX int
	centerZ int
	radius  int
	shape   types.Shape

	steps int64 // 已走過的螺旋步數
	limit int64 // side²

	x, z   int
	dx, dz int

	pending bool       // 是否已預取下一個合格的偏移
	next    types.Cell // 預取的 cell
	emitted int64
}

// New 建立一條新的序列
//
// 負半徑產生空序列，合法性由呼叫端在命令邊界檢查。
func New(centerX, centerZ, radius int, shape types.Shape) *Sequence {
	s := &Sequence{
		centerX: centerX,
		centerZ: centerZ,
		radius:  radius,
		shape:   shape,
	}
	if radius >= 0 {
		side := int64(radius)*2 + 1
		s.limit = side * side
	}
	s.Reset()
	return s
}

// Reset 從頭開始
func (s *Sequence) Reset() {
	s.steps = 0
	s.x, s.z = 0, 0
	s.dx, s.dz = 0, -1
	s.pending = false
	s.emitted = 0
}

// HasNext 是否還有下一個 cell
func (s *Sequence) HasNext() bool {
	if s.pending {
		return true
	}
	return s.advance()
}

// Next 取出下一個 cell
func (s *Sequence) Next() (types.Cell, error) {
	if !s.HasNext() {
		return types.Cell{}, ErrExhausted
	}
	s.pending = false
	s.emitted++
	return s.next, nil
}

// Emitted 目前為止已輸出的數量
func (s *Sequence) Emitted() int64 {
	return s.emitted
}

// Total 這條序列總共會輸出的數量
func (s *Sequence) Total() int64 {
	return s.shape.Total(s.radius)
}

// advance 沿螺旋前進，直到找到形狀內的偏移或走完 side² 步
func (s *Sequence) advance() bool {
	for s.steps < s.limit {
		ox, oz := s.x, s.z
		s.step()

		if s.shape.Contains(ox, oz, s.radius) {
			s.next = types.Cell{X: s.centerX + ox, Z: s.centerZ + oz}
			s.pending = true
			return true
		}
	}
	return false
}

func (s *Sequence) step() {
	x, z := s.x, s.z
	if x == z || (x < 0 && x == -z) || (x > 0 && x == 1-z) {
		s.dx, s.dz = -s.dz, s.dx
	}
	s.x += s.dx
	s.z += s.dz
	s.steps++
}
