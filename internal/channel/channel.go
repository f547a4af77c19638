// Package channel fans a notification out to the senders of its requested
// channels and reports one outcome per channel.
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/lalithlochan/courier/internal/notification"
)

var (
	// ErrNoSender is returned for a requested channel nobody registered.
	ErrNoSender = errors.New("no sender registered for channel")

	// ErrNoAddress marks a target that cannot be reached on a channel. It is
	// a recipient problem, not a provider outage.
	ErrNoAddress = errors.New("target has no address for channel")
)

// Receipt is what a provider returns for an accepted message.
type Receipt struct {
	ProviderMessageID string
}

// Sender delivers a notification over one channel. Implementations are
// remote calls and may fail or block until ctx is done.
type Sender interface {
	Send(ctx context.Context, n *notification.Notification, ch notification.Channel) (Receipt, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, n *notification.Notification, ch notification.Channel) (Receipt, error)

func (f SenderFunc) Send(ctx context.Context, n *notification.Notification, ch notification.Channel) (Receipt, error) {
	return f(ctx, n, ch)
}

// SendError is a failed channel send. Panics inside a sender surface as a
// SendError with Panicked set.
type SendError struct {
	NotificationID string
	Channel        notification.Channel
	Panicked       bool
	Err            error
}

func (e *SendError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("channel %s: sender panicked: %v", e.Channel, e.Err)
	}
	return fmt.Sprintf("channel %s: %v", e.Channel, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
