package channel

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/lalithlochan/courier/internal/notification"
)

// ThrottledSender caps the request rate towards a provider. Sends wait for
// a token and fail only when ctx ends first.
type ThrottledSender struct {
	next    Sender
	limiter *rate.Limiter
}

// Throttle wraps next with a token bucket of rps requests per second.
// A non-positive rps returns next unchanged.
func Throttle(next Sender, rps float64, burst int) Sender {
	if rps <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &ThrottledSender{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (t *ThrottledSender) Send(ctx context.Context, n *notification.Notification, ch notification.Channel) (Receipt, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return Receipt{}, fmt.Errorf("throttle wait: %w", err)
	}
	return t.next.Send(ctx, n, ch)
}
