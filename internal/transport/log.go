package transport

import (
	"context"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"
)

// LogTransport logs instead of sending. Used when no bot token is
// configured so the engine can be exercised locally.
type LogTransport struct {
	logger *zap.Logger
	nextID atomic.Int64
}

func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Send(ctx context.Context, recipientID int64, c Content) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	fields := []zap.Field{
		zap.Int64("recipient_id", recipientID),
		zap.Int("text_len", len(c.Text)),
		zap.Int("button_rows", len(c.Buttons)),
	}
	if c.Media != nil {
		fields = append(fields, zap.String("media_type", c.Media.Type))
	}
	t.logger.Info("broadcast message (log transport)", fields...)

	return strconv.FormatInt(t.nextID.Add(1), 10), nil
}
