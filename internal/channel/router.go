package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/notification"
)

// Result is the outcome of one channel send.
type Result struct {
	Channel           notification.Channel
	Success           bool
	ProviderMessageID string
	Err               error
	Duration          time.Duration
}

// Outcome aggregates the per-channel results of one fan-out.
type Outcome struct {
	Results []Result
}

// Success reports whether at least one channel succeeded.
func (o Outcome) Success() bool {
	for _, r := range o.Results {
		if r.Success {
			return true
		}
	}
	return false
}

// Err joins the errors of every failed channel. It is nil when every
// channel succeeded.
func (o Outcome) Err() error {
	var errs []error
	for _, r := range o.Results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errors.Join(errs...)
}

// Router routes each requested channel of a notification to its sender.
type Router struct {
	mu      sync.RWMutex
	senders map[notification.Channel]Sender
	logger  *zap.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		senders: make(map[notification.Channel]Sender),
		logger:  logger,
	}
}

// Register installs s as the sender for ch, replacing any previous one.
func (r *Router) Register(ch notification.Channel, s Sender) {
	r.mu.Lock()
	r.senders[ch] = s
	r.mu.Unlock()
}

// Sender returns the sender registered for ch.
func (r *Router) Sender(ch notification.Channel) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[ch]
	return s, ok
}

// Supports reports whether a sender is registered for ch.
func (r *Router) Supports(ch notification.Channel) bool {
	_, ok := r.Sender(ch)
	return ok
}

// Dispatch sends n to all of its channels concurrently and waits for every
// send to finish. Results keep the order of n.Channels.
func (r *Router) Dispatch(ctx context.Context, n *notification.Notification) Outcome {
	results := make([]Result, len(n.Channels))

	// Workers never return an error so one failing channel does not cancel
	// the others.
	var g errgroup.Group
	for i, ch := range n.Channels {
		g.Go(func() error {
			results[i] = r.send(ctx, n, ch)
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		metrics.RecordChannelAttempt(string(res.Channel), res.Success, res.Duration)
		if res.Err != nil {
			r.logger.Warn("channel send failed",
				zap.String("notification_id", n.ID),
				zap.String("channel", string(res.Channel)),
				zap.Error(res.Err),
			)
		} else {
			r.logger.Debug("channel send succeeded",
				zap.String("notification_id", n.ID),
				zap.String("channel", string(res.Channel)),
				zap.String("provider_message_id", res.ProviderMessageID),
			)
		}
	}

	return Outcome{Results: results}
}

func (r *Router) send(ctx context.Context, n *notification.Notification, ch notification.Channel) (res Result) {
	res.Channel = ch
	start := time.Now()

	defer func() {
		res.Duration = time.Since(start)
		if p := recover(); p != nil {
			res.Success = false
			res.Err = &SendError{
				NotificationID: n.ID,
				Channel:        ch,
				Panicked:       true,
				Err:            fmt.Errorf("%v", p),
			}
		}
	}()

	s, ok := r.Sender(ch)
	if !ok {
		res.Err = &SendError{NotificationID: n.ID, Channel: ch, Err: ErrNoSender}
		return res
	}

	receipt, err := s.Send(ctx, n, ch)
	if err != nil {
		var se *SendError
		if !errors.As(err, &se) {
			err = &SendError{NotificationID: n.ID, Channel: ch, Err: err}
		}
		res.Err = err
		return res
	}

	res.Success = true
	res.ProviderMessageID = receipt.ProviderMessageID
	return res
}
