package mailer

import (
	"context"

	"go.uber.org/zap"
)

// NoopSender logs sends but does not deliver anything. Used in development.
type NoopSender struct {
	log *zap.Logger
}

func NewNoopSender(log *zap.Logger) *NoopSender {
	if log == nil {
		log = zap.NewNop()
	}
	return &NoopSender{log: log}
}

func (s *NoopSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.log.Info("noop email send", zap.String("to", msg.To), zap.String("subject", msg.Subject))
	return nil
}
