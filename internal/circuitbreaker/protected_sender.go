package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/channel"
	"github.com/lalithlochan/courier/internal/notification"
)

// ProtectedSender is a channel.Sender that consults a breaker before every
// send and feeds the result back into it.
type ProtectedSender struct {
	sender  channel.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedSender(sender channel.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{sender: sender, breaker: breaker, logger: logger}
}

func (p *ProtectedSender) Send(ctx context.Context, n *notification.Notification, ch notification.Channel) (channel.Receipt, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("send rejected by open breaker",
			zap.String("breaker", p.breaker.Name()),
			zap.String("notification_id", n.ID),
			zap.String("channel", string(ch)),
		)
		return channel.Receipt{}, fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	receipt, err := p.sender.Send(ctx, n, ch)
	switch {
	case err == nil:
		p.breaker.Success()
	case providerFault(ctx, err):
		p.breaker.Failure()
	default:
		p.breaker.Release()
	}
	return receipt, err
}

// providerFault reports whether err counts against the provider. Errors
// caused by the caller giving up or by the recipient do not.
func providerFault(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, channel.ErrNoAddress)
}
