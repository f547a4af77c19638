// Package ingest turns notification intents from the SQS queue into queued
// notifications.
package ingest

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/dispatch"
	"github.com/lalithlochan/courier/internal/gate"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/notification"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/sqs"
)

// dedupeClient is the idempotency namespace of queued intents.
const dedupeClient = "ingest"

// Source is the intent queue.
type Source interface {
	Receive(ctx context.Context) ([]sqs.Delivery, error)
	Delete(ctx context.Context, receiptHandle string) error
	ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error
}

// Dispatcher is the part of dispatch.Dispatcher the loop drives.
type Dispatcher interface {
	CreateNotification(ctx context.Context, in notification.Input) (*notification.Notification, error)
	Enqueue(ctx context.Context, n *notification.Notification) (dispatch.Outcome, error)
}

// Deduper drops redelivered intents. SQS is at-least-once.
type Deduper interface {
	CheckOrReserve(ctx context.Context, clientID, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, clientID, key string, result *redis.IdempotencyResult, ttl time.Duration) error
	Release(ctx context.Context, clientID, key string) error
}

// Config tunes the loop.
type Config struct {
	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration
	// RetryVisibility hides an intent that failed transiently for this many
	// seconds before SQS redelivers it.
	RetryVisibility int32
}

func DefaultConfig() Config {
	return Config{ErrorBackoff: 5 * time.Second, RetryVisibility: 30}
}

// Ingester consumes intents until its context ends.
type Ingester struct {
	source     Source
	dispatcher Dispatcher
	dedupe     Deduper
	config     Config
	logger     *zap.Logger
}

// New creates an ingester. dedupe may be nil.
func New(source Source, d Dispatcher, dedupe Deduper, cfg Config, logger *zap.Logger) *Ingester {
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultConfig().ErrorBackoff
	}
	if cfg.RetryVisibility <= 0 {
		cfg.RetryVisibility = DefaultConfig().RetryVisibility
	}
	return &Ingester{
		source:     source,
		dispatcher: d,
		dedupe:     dedupe,
		config:     cfg,
		logger:     logger,
	}
}

// Run polls the source until ctx is done.
func (i *Ingester) Run(ctx context.Context) {
	i.logger.Info("ingest loop started")

	for {
		if ctx.Err() != nil {
			i.logger.Info("ingest loop stopping")
			return
		}

		deliveries, err := i.source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			i.logger.Error("failed to receive intents", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(i.config.ErrorBackoff):
			}
			continue
		}

		metrics.SetSQSMessagesInFlight(len(deliveries))
		for _, d := range deliveries {
			i.Handle(ctx, d)
		}
		metrics.SetSQSMessagesInFlight(0)
	}
}

// Handle processes one delivery. Intents that can never succeed are deleted;
// transient failures leave the message for redelivery.
func (i *Ingester) Handle(ctx context.Context, d sqs.Delivery) {
	log := i.logger.With(
		zap.String("message_id", d.MessageID),
		zap.String("intent_id", d.Intent.IntentID),
	)

	if d.DecodeErr != nil {
		log.Warn("dropping malformed intent", zap.Error(d.DecodeErr))
		i.ack(ctx, log, d)
		return
	}

	if i.dedupe != nil && d.Intent.IntentID != "" {
		cached, err := i.dedupe.CheckOrReserve(ctx, dedupeClient, d.Intent.IntentID)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			log.Debug("intent is being processed elsewhere")
			return
		case err != nil:
			// proceed without dedupe rather than stall the queue
			log.Warn("idempotency check failed", zap.Error(err))
		case cached != nil:
			metrics.RecordIdempotencyHit()
			log.Info("duplicate intent dropped", zap.String("notification_id", cached.NotificationID))
			i.ack(ctx, log, d)
			return
		}
	}

	n, err := i.dispatcher.CreateNotification(ctx, d.Intent.Input)
	if err != nil {
		i.fail(ctx, log, d, err)
		return
	}

	out, err := i.dispatcher.Enqueue(ctx, n)
	if err != nil {
		i.fail(ctx, log, d, err)
		return
	}

	if i.dedupe != nil && d.Intent.IntentID != "" {
		result := &redis.IdempotencyResult{
			NotificationID: n.ID,
			Skipped:        out.Skipped,
			Deferred:       out.Deferred,
			Reason:         out.Reason,
		}
		if err := i.dedupe.Store(ctx, dedupeClient, d.Intent.IntentID, result, redis.IdempotencyTTLExact); err != nil {
			log.Warn("failed to store intent result", zap.Error(err))
		}
	}

	log.Info("intent ingested",
		zap.String("notification_id", n.ID),
		zap.Bool("skipped", out.Skipped),
		zap.Bool("deferred", out.Deferred),
	)
	i.ack(ctx, log, d)
}

func (i *Ingester) fail(ctx context.Context, log *zap.Logger, d sqs.Delivery, err error) {
	if i.dedupe != nil && d.Intent.IntentID != "" {
		if rerr := i.dedupe.Release(ctx, dedupeClient, d.Intent.IntentID); rerr != nil {
			log.Warn("failed to release intent reservation", zap.Error(rerr))
		}
	}

	if Permanent(err) {
		log.Warn("dropping rejected intent", zap.Error(err))
		i.ack(ctx, log, d)
		return
	}

	log.Error("intent failed, will be redelivered",
		zap.Int("receive_count", d.ReceiveCount),
		zap.Error(err),
	)
	if verr := i.source.ChangeVisibility(ctx, d.ReceiptHandle, i.config.RetryVisibility); verr != nil {
		log.Warn("failed to delay redelivery", zap.Error(verr))
	}
}

func (i *Ingester) ack(ctx context.Context, log *zap.Logger, d sqs.Delivery) {
	if err := i.source.Delete(ctx, d.ReceiptHandle); err != nil {
		log.Error("failed to delete intent", zap.Error(err))
	}
}

// Permanent reports whether err will fail the same way on every retry.
func Permanent(err error) bool {
	return errors.Is(err, notification.ErrInvalidNotification) ||
		errors.Is(err, notification.ErrTemplateNotFound) ||
		errors.Is(err, notification.ErrInvalidTransition) ||
		errors.Is(err, gate.ErrPermissionDenied)
}
