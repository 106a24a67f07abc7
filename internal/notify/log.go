package notify

import (
	"context"
	"log/slog"
)

// Log 以 slog 記錄每個事件
type Log struct {
	logger *slog.Logger
}

// NewLog 建立日誌通知；logger 為 nil 時使用預設 logger
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(ctx context.Context, e Event) error {
	l.logger.InfoContext(ctx, e.Message(),
		"event", e.Type,
		"job", e.Job.ShortID,
		"world", e.World,
	)
	return nil
}
