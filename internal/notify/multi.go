package notify

import (
	"context"
	"errors"
)

// Multi 將事件依序送往每個通知對象
//
// 單一對象失敗只記錄日誌，不影響其他對象；回傳所有錯誤的合併結果。
type Multi struct {
	sinks []Notifier
}

// NewMulti 建立扇出通知，忽略 nil 對象
func NewMulti(sinks ...Notifier) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Add 追加通知對象
func (m *Multi) Add(s Notifier) {
	if s != nil {
		m.sinks = append(m.sinks, s)
	}
}

// Len 通知對象數量
func (m *Multi) Len() int { return len(m.sinks) }

func (m *Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Notify(ctx, e); err != nil {
			log.Warn("Notification sink failed", "event", e.Type, "job", e.Job.ShortID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
