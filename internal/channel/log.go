package channel

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/notification"
)

// LogSender only logs notifications (for development)
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, n *notification.Notification, ch notification.Channel) (Receipt, error) {
	id := "log-" + uuid.NewString()
	s.logger.Info("logging notification (development mode)",
		zap.String("notification_id", n.ID),
		zap.String("channel", string(ch)),
		zap.String("user_id", n.Target.ID),
		zap.String("title", n.Title),
		zap.String("message_id", id),
	)
	return Receipt{ProviderMessageID: id}, nil
}
