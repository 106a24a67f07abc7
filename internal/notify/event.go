// Package notify 將任務完成與進度事件送往觀察者（日誌、websocket、Kafka）。
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/chunk-pregen/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 事件定義
// ============================================================================

// EventType 事件種類
type EventType string

const (
	EventJobFinished EventType = "job.finished"
	EventJobProgress EventType = "job.progress"
)

// Event 一則通知
//
// Job 為事件發生當下的任務檢視；完成事件的 Job.Generated 與 Job.Elapsed
// 即為總生成數與耗時秒數。
type Event struct {
	ID        string            `json:"event_id"`
	Type      EventType         `json:"event_type"`
	Timestamp time.Time         `json:"timestamp"`
	World     string            `json:"world"`
	JobID     string            `json:"job_id"`
	Paused    bool              `json:"paused,omitempty"`
	Job       types.JobSnapshot `json:"job"`
}

// Notifier 接收事件的觀察者
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// NotifierFunc 讓普通函式實作 Notifier
type NotifierFunc func(ctx context.Context, e Event) error

func (f NotifierFunc) Notify(ctx context.Context, e Event) error { return f(ctx, e) }

// Finished 建立完成事件
func Finished(snap types.JobSnapshot, now time.Time) Event {
	return newEvent(EventJobFinished, snap, now)
}

// Progress 建立進度事件
func Progress(snap types.JobSnapshot, now time.Time) Event {
	return newEvent(EventJobProgress, snap, now)
}

func newEvent(t EventType, snap types.JobSnapshot, now time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: now.UTC(),
		World:     snap.World,
		JobID:     snap.ID,
		Paused:    snap.Status == types.StatusPaused,
		Job:       snap,
	}
}

// Message 事件的單行文字描述
func (e Event) Message() string {
	switch e.Type {
	case EventJobFinished:
		return fmt.Sprintf("Pre-generation of %s finished: %d cells in %ds",
			e.World, e.Job.Generated, e.Job.Elapsed)
	case EventJobProgress:
		msg := fmt.Sprintf("Pre-generating %s: %.1f%% (%d/%d), %.1f cells/s, ETA %s",
			e.World, e.Job.Progress, e.Job.Generated, e.Job.Total, e.Job.Throughput, e.Job.ETA)
		if e.Paused {
			msg += " [paused]"
		}
		return msg
	}
	return fmt.Sprintf("%s %s", e.Type, e.JobID)
}

// validate 檢查必要欄位
func (e Event) validate() error {
	if e.ID == "" || e.Type == "" || e.World == "" {
		return fmt.Errorf("notify: event missing required fields: event_id=%q, event_type=%q, world=%q",
			e.ID, e.Type, e.World)
	}
	return nil
}
