// Package dispatch owns the notification queue and the processing loop:
// admission gates, channel fan-out, retries with backoff and lifecycle
// tracking.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/channel"
	"github.com/lalithlochan/courier/internal/clock"
	"github.com/lalithlochan/courier/internal/gate"
	"github.com/lalithlochan/courier/internal/history"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/notification"
	"github.com/lalithlochan/courier/internal/ratelimit"
	"github.com/lalithlochan/courier/internal/store"
)

const snapshotKey = "queue:snapshot"

// Skip and transition reasons.
const (
	ReasonRateLimited = "rate_limited"
	ReasonQuietHours  = "quiet_hours"
	ReasonRetry       = "retry"
	ReasonExhausted   = "max_attempts_reached"
	ReasonExpired     = "expired"
	ReasonDelivered   = "acknowledged"
	ReasonRead        = "read"
)

var (
	// ErrNotFound is returned for unknown notification IDs.
	ErrNotFound = errors.New("notification not found")

	// ErrNotResendable is returned by Resend for notifications that did
	// not end in failed or expired.
	ErrNotResendable = errors.New("only failed or expired notifications can be resent")
)

// SkippedError is returned for a notification that was accepted but skipped
// by a gate before any attempt, so no notification record exists. It
// unwraps to ErrNotFound.
type SkippedError struct {
	ID     string
	Reason string
}

func (e *SkippedError) Error() string {
	return fmt.Sprintf("notification %s skipped: %s", e.ID, e.Reason)
}

func (e *SkippedError) Unwrap() error { return ErrNotFound }

// Outcome reports what Enqueue did with a notification.
type Outcome struct {
	Notification  *notification.Notification `json:"notification"`
	Enqueued      bool                       `json:"enqueued"`
	Deferred      bool                       `json:"deferred"`
	Skipped       bool                       `json:"skipped"`
	Reason        string                     `json:"reason,omitempty"`
	NextAttemptAt time.Time                  `json:"next_attempt_at,omitempty"`
	Err           error                      `json:"-"`
}

// Config tunes the dispatch loop.
type Config struct {
	TickInterval time.Duration
	Backoff      Backoff
}

// Dispatcher is the dispatch context: it owns the queue and drives the
// gates, the router and the tracker. One instance per process.
type Dispatcher struct {
	config      Config
	factory     *notification.Factory
	permissions *gate.PermissionGate
	limiter     *ratelimit.Limiter
	quiet       *gate.QuietHoursGate
	router      *channel.Router
	tracker     *history.Tracker
	store       store.Store
	clock       clock.Clock
	logger      *zap.Logger

	queue *queue

	// mu serializes processing so the limiter and the tracker have a single
	// writer.
	mu     sync.Mutex
	snapMu sync.Mutex

	obsMu     sync.RWMutex
	observers map[Subscription]Observer
	obsSeq    uint64
}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Factory     *notification.Factory
	Permissions *gate.PermissionGate
	Limiter     *ratelimit.Limiter
	QuietHours  *gate.QuietHoursGate
	Router      *channel.Router
	Tracker     *history.Tracker
	Store       store.Store
	Clock       clock.Clock
}

// New creates a dispatcher. Call Restore before Run to pick up state from a
// previous process.
func New(cfg Config, deps Deps, logger *zap.Logger) *Dispatcher {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}

	return &Dispatcher{
		config:      cfg,
		factory:     deps.Factory,
		permissions: deps.Permissions,
		limiter:     deps.Limiter,
		quiet:       deps.QuietHours,
		router:      deps.Router,
		tracker:     deps.Tracker,
		store:       deps.Store,
		clock:       deps.Clock,
		logger:      logger,
		queue:       newQueue(),
		observers:   make(map[Subscription]Observer),
	}
}

// CreateNotification builds a notification and checks the target role may
// receive it. The notification is not queued.
func (d *Dispatcher) CreateNotification(ctx context.Context, in notification.Input) (*notification.Notification, error) {
	var (
		n   *notification.Notification
		err error
	)
	if in.TemplateID != "" && (in.Title == "" || in.Content == "") {
		n, err = d.factory.CreateFromTemplate(ctx, in.TemplateID, in.Data, in)
	} else {
		n, err = d.factory.Create(ctx, in)
	}
	if err != nil {
		return nil, err
	}

	if err := d.permissions.Check(n.Target.Role, n.Type, n.Channels); err != nil {
		return nil, err
	}
	return n, nil
}

// Enqueue admits n into the queue. Permission failures and storage errors
// are returned as errors; a rate-limited notification yields a skipped
// Outcome and a quiet-hours hold a deferred one.
func (d *Dispatcher) Enqueue(ctx context.Context, n *notification.Notification) (Outcome, error) {
	if n == nil || len(n.Channels) == 0 {
		return Outcome{}, fmt.Errorf("%w: notification has no channels", notification.ErrInvalidNotification)
	}
	if n.Status != notification.StatusPending {
		return Outcome{}, fmt.Errorf("%w: cannot enqueue %s notification", notification.ErrInvalidTransition, n.Status)
	}
	// The caller's copy may be stale; the tracked status is authoritative.
	if tracked, ok := d.tracker.Notification(n.ID); ok && tracked.Status != notification.StatusPending {
		return Outcome{}, fmt.Errorf("enqueue %s: %w", n.ID,
			&notification.TransitionError{ID: n.ID, From: tracked.Status, To: notification.StatusPending})
	}
	if err := d.permissions.Check(n.Target.Role, n.Type, n.Channels); err != nil {
		return Outcome{}, err
	}

	n = n.Clone()

	if n.AttemptCount == 0 {
		ok, err := d.limiter.Admit(ctx, n.Target.ID, n.Type)
		if err != nil {
			return Outcome{}, fmt.Errorf("enqueue %s: %w", n.ID, err)
		}
		if !ok {
			d.mu.Lock()
			err := d.skip(ctx, n, ReasonRateLimited)
			d.mu.Unlock()
			if err != nil {
				return Outcome{}, fmt.Errorf("enqueue %s: %w", n.ID, err)
			}
			return Outcome{Notification: n, Skipped: true, Reason: ReasonRateLimited}, nil
		}
	}

	out := Outcome{Notification: n, Enqueued: true}

	at := n.ScheduledTime
	if now := d.clock.Now(); at.Before(now) {
		at = now
	}
	if dec := d.quiet.AdmitAt(at, n.Type, n.Priority); !dec.Allowed {
		n.ScheduledTime = dec.NextAllowedTime
		at = dec.NextAllowedTime
		out.Deferred = true
		out.Reason = ReasonQuietHours
		metrics.RecordSkipped(string(n.Type), ReasonQuietHours)
	}
	out.NextAttemptAt = at

	d.queue.push(n, at, 0)
	if err := d.persistQueue(ctx); err != nil {
		d.queue.remove(n.ID)
		return Outcome{}, fmt.Errorf("enqueue %s: %w", n.ID, err)
	}

	metrics.RecordEnqueued(string(n.Type), n.Priority.String())
	metrics.SetQueueDepth(d.queue.len())

	d.logger.Info("notification enqueued",
		zap.String("notification_id", n.ID),
		zap.String("type", string(n.Type)),
		zap.String("priority", n.Priority.String()),
		zap.Time("next_attempt_at", at),
		zap.Bool("deferred", out.Deferred),
	)

	out.Notification = n.Clone()
	return out, nil
}

// SendBatch enqueues ns highest priority first; equal priorities keep their
// order. Outcomes follow that order, after one error outcome per nil
// element. The returned error joins every per-notification error, which are
// also set on the outcomes.
func (d *Dispatcher) SendBatch(ctx context.Context, ns []*notification.Notification) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(ns))
	var errs []error

	sorted := make([]*notification.Notification, 0, len(ns))
	for _, n := range ns {
		if n == nil {
			err := &notification.ValidationError{Field: "notification", Message: "is nil"}
			outcomes = append(outcomes, Outcome{Err: err})
			errs = append(errs, err)
			continue
		}
		sorted = append(sorted, n)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	for _, n := range sorted {
		out, err := d.Enqueue(ctx, n)
		if err != nil {
			out = Outcome{Notification: n, Err: err}
			errs = append(errs, err)
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, errors.Join(errs...)
}

// Tick processes every entry due now. Errors from the tracker and the store
// are logged and joined into the result; processing continues.
func (d *Dispatcher) Tick(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	due := d.queue.popDue(now)
	if len(due) == 0 {
		return nil
	}

	var errs []error
	for _, e := range due {
		if err := d.process(ctx, e, now); err != nil {
			d.logger.Error("failed to process notification",
				zap.String("notification_id", e.n.ID),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}

	if err := d.persistQueue(ctx); err != nil {
		d.logger.Error("failed to persist queue snapshot", zap.Error(err))
		errs = append(errs, err)
	}
	metrics.SetQueueDepth(d.queue.len())

	return errors.Join(errs...)
}

// Run ticks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.config.TickInterval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started", zap.Duration("tick", d.config.TickInterval))

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-ticker.C:
			_ = d.Tick(ctx)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, e *entry, now time.Time) error {
	n := e.n

	if n.Expired(now) {
		return d.finish(ctx, n, notification.StatusExpired, now, ReasonExpired)
	}

	if dec := d.quiet.AdmitAt(now, n.Type, n.Priority); !dec.Allowed {
		n.ScheduledTime = dec.NextAllowedTime
		d.queue.push(n, dec.NextAllowedTime, e.backoffExponent)
		metrics.RecordSkipped(string(n.Type), ReasonQuietHours)
		d.logger.Debug("notification held by quiet hours",
			zap.String("notification_id", n.ID),
			zap.Time("next_allowed", dec.NextAllowedTime),
		)
		return nil
	}

	// Only the first attempt spends quota; retries of an admitted
	// notification go straight through.
	first := n.AttemptCount == 0
	if first {
		ok, err := d.limiter.Admit(ctx, n.Target.ID, n.Type)
		if err != nil {
			d.queue.push(n, now, e.backoffExponent)
			return fmt.Errorf("rate limit check: %w", err)
		}
		if !ok {
			return d.skip(ctx, n, ReasonRateLimited)
		}
	}

	// On failure the untouched copy goes back to the queue for the next tick.
	prev := n.Clone()
	from := n.Status
	if err := n.Transition(notification.StatusSending, now); err != nil {
		return err
	}
	n.AttemptCount++
	if err := d.tracker.RecordTransition(ctx, n, from, ""); err != nil {
		d.queue.push(prev, now, e.backoffExponent)
		return fmt.Errorf("start attempt: %w", err)
	}
	d.notify(n)

	outcome := d.router.Dispatch(ctx, n)

	var errs []error
	for _, res := range outcome.Results {
		a := history.Attempt{
			NotificationID:    n.ID,
			Channel:           res.Channel,
			Attempt:           n.AttemptCount,
			Success:           res.Success,
			ProviderMessageID: res.ProviderMessageID,
			Timestamp:         d.clock.Now(),
		}
		if res.Err != nil {
			a.Error = res.Err.Error()
		}
		if err := d.tracker.RecordAttempt(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}

	if first {
		if err := d.limiter.Record(ctx, n.Target.ID, n.Type); err != nil {
			errs = append(errs, err)
		}
	}

	done := d.clock.Now()

	if outcome.Success() {
		n.LastError = ""
		if err := outcome.Err(); err != nil {
			n.LastError = err.Error()
		}
		metrics.RecordNotificationLatency(string(n.Type), done.Sub(n.ScheduledTime))
		errs = append(errs, d.finish(ctx, n, notification.StatusSent, done, ""))
		return errors.Join(errs...)
	}

	n.LastError = outcome.Err().Error()

	if n.AttemptCount < n.MaxAttempts {
		delay := d.config.Backoff.Delay(n.AttemptCount)
		next := done.Add(delay)

		if err := n.Transition(notification.StatusPending, done); err != nil {
			return errors.Join(append(errs, err)...)
		}
		n.ScheduledTime = next
		d.queue.push(n, next, e.backoffExponent+1)
		metrics.RecordRetry(string(n.Type))

		d.logger.Info("notification retry scheduled",
			zap.String("notification_id", n.ID),
			zap.Int("attempt", n.AttemptCount),
			zap.Int("max_attempts", n.MaxAttempts),
			zap.Duration("delay", delay),
			zap.String("last_error", n.LastError),
		)

		if err := d.tracker.RecordTransition(ctx, n, notification.StatusSending, ReasonRetry); err != nil {
			errs = append(errs, err)
		}
		d.notify(n)
		return errors.Join(errs...)
	}

	errs = append(errs, d.finish(ctx, n, notification.StatusFailed, done, ReasonExhausted))
	return errors.Join(errs...)
}

// finish moves n to a status that takes it out of the queue.
func (d *Dispatcher) finish(ctx context.Context, n *notification.Notification, to notification.Status, at time.Time, reason string) error {
	from := n.Status
	if err := n.Transition(to, at); err != nil {
		return err
	}

	fields := []zap.Field{
		zap.String("notification_id", n.ID),
		zap.String("status", string(to)),
		zap.Int("attempts", n.AttemptCount),
	}
	if to == notification.StatusSent {
		d.logger.Info("notification sent", fields...)
	} else {
		d.logger.Warn("notification finished without delivery", append(fields, zap.String("last_error", n.LastError))...)
	}

	metrics.RecordFinished(string(n.Type), string(to))
	if err := d.tracker.RecordTransition(ctx, n, from, reason); err != nil {
		return err
	}
	d.notify(n)
	return nil
}

func (d *Dispatcher) skip(ctx context.Context, n *notification.Notification, reason string) error {
	metrics.RecordSkipped(string(n.Type), reason)
	d.logger.Info("notification skipped",
		zap.String("notification_id", n.ID),
		zap.String("user_id", n.Target.ID),
		zap.String("type", string(n.Type)),
		zap.String("reason", reason),
	)
	return d.tracker.RecordSkip(ctx, n, reason)
}

// Get returns the notification with id, queued or tracked. A notification
// skipped by the rate limit has no record and yields a *SkippedError.
func (d *Dispatcher) Get(id string) (*notification.Notification, error) {
	if n, ok := d.tracker.Notification(id); ok {
		return n, nil
	}
	if n, ok := d.queue.get(id); ok {
		return n, nil
	}
	if reason, ok := d.tracker.SkipReason(id); ok {
		return nil, &SkippedError{ID: id, Reason: reason}
	}
	return nil, ErrNotFound
}

// History returns the log entries of id. Skipped notifications have skip
// entries only.
func (d *Dispatcher) History(id string) (history.Entries, error) {
	var skipped *SkippedError
	if _, err := d.Get(id); err != nil && !errors.As(err, &skipped) {
		return history.Entries{}, err
	}
	return d.tracker.History(id), nil
}

// MarkDelivered records a provider or client delivery acknowledgement.
func (d *Dispatcher) MarkDelivered(ctx context.Context, id string) (*notification.Notification, error) {
	return d.acknowledge(ctx, id, notification.StatusDelivered, ReasonDelivered)
}

// MarkRead records that the user read the notification.
func (d *Dispatcher) MarkRead(ctx context.Context, id string) (*notification.Notification, error) {
	return d.acknowledge(ctx, id, notification.StatusRead, ReasonRead)
}

func (d *Dispatcher) acknowledge(ctx context.Context, id string, to notification.Status, reason string) (*notification.Notification, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, ok := d.tracker.Notification(id)
	if !ok {
		if q, queued := d.queue.get(id); queued {
			return nil, &notification.TransitionError{ID: id, From: q.Status, To: to}
		}
		return nil, ErrNotFound
	}

	from := n.Status
	if err := n.Transition(to, d.clock.Now()); err != nil {
		return nil, err
	}
	if err := d.tracker.RecordTransition(ctx, n, from, reason); err != nil {
		return nil, err
	}
	d.notify(n)
	return n, nil
}

// Resend creates a fresh copy of a failed or expired notification and
// enqueues it. The copy goes through every gate again.
func (d *Dispatcher) Resend(ctx context.Context, id string) (Outcome, error) {
	old, ok := d.tracker.Notification(id)
	if !ok {
		return Outcome{}, ErrNotFound
	}
	if old.Status != notification.StatusFailed && old.Status != notification.StatusExpired {
		return Outcome{}, fmt.Errorf("%w: %s is %s", ErrNotResendable, id, old.Status)
	}

	data := make(map[string]string, len(old.Data)+1)
	for k, v := range old.Data {
		data[k] = v
	}
	data["resend_of"] = id

	n, err := d.CreateNotification(ctx, notification.Input{
		Type:        old.Type,
		Title:       old.Title,
		Content:     old.Content,
		Target:      old.Target,
		Channels:    old.Channels,
		Priority:    old.Priority,
		MaxAttempts: old.MaxAttempts,
		TemplateID:  old.TemplateID,
		Data:        data,
	})
	if err != nil {
		return Outcome{}, err
	}
	return d.Enqueue(ctx, n)
}

// Stats aggregates the history log.
func (d *Dispatcher) Stats(f history.Filter) history.Stats {
	return d.tracker.Stats(f)
}

// Cleanup prunes the history log.
func (d *Dispatcher) Cleanup(ctx context.Context, opts history.CleanupOptions) (history.CleanupResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.tracker.Cleanup(ctx, opts)
	metrics.RecordHistoryRemoved(res.Removed)
	return res, err
}

// UnreadCount is the unread badge count of userID.
func (d *Dispatcher) UnreadCount(userID string) int {
	return d.tracker.UnreadCount(userID)
}

// QueueLen is the number of queued notifications.
func (d *Dispatcher) QueueLen() int {
	return d.queue.len()
}

// Restore loads the history log and the persisted queue. The tracker is
// written before the snapshot, so its copy of a notification wins; tracked
// notifications still pending or sending but missing from the snapshot are
// queued again.
func (d *Dispatcher) Restore(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.tracker.Load(ctx); err != nil {
		return fmt.Errorf("restore history: %w", err)
	}

	var entries []snapshotEntry
	if err := store.GetJSON(ctx, d.store, snapshotKey, &entries); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("restore queue: %w", err)
	}

	restored := 0
	for _, e := range entries {
		n := e.Notification
		if n == nil {
			continue
		}
		if tracked, ok := d.tracker.Notification(n.ID); ok {
			if tracked.Status != notification.StatusPending && tracked.Status != notification.StatusSending {
				continue
			}
			n = tracked
		}
		if err := d.resetInFlight(ctx, n); err != nil {
			return err
		}
		d.queue.push(n, e.NextAttemptAt, e.BackoffExponent)
		restored++
	}

	for _, n := range d.tracker.Notifications(history.Filter{}) {
		if n.Status != notification.StatusPending && n.Status != notification.StatusSending {
			continue
		}
		if _, queued := d.queue.get(n.ID); queued {
			continue
		}
		if err := d.resetInFlight(ctx, n); err != nil {
			return err
		}
		d.queue.push(n, n.ScheduledTime, n.AttemptCount)
		restored++
	}

	if err := d.persistQueue(ctx); err != nil {
		return err
	}
	metrics.SetQueueDepth(d.queue.len())

	d.logger.Info("queue restored", zap.Int("entries", restored))
	return nil
}

// resetInFlight turns a notification caught mid fan-out by a crash back into a
// pending one.
func (d *Dispatcher) resetInFlight(ctx context.Context, n *notification.Notification) error {
	if n.Status != notification.StatusSending {
		return nil
	}
	if err := n.Transition(notification.StatusPending, d.clock.Now()); err != nil {
		return err
	}
	return d.tracker.RecordTransition(ctx, n, notification.StatusSending, "recovered")
}

func (d *Dispatcher) persistQueue(ctx context.Context) error {
	d.snapMu.Lock()
	defer d.snapMu.Unlock()

	if err := store.SetJSON(ctx, d.store, snapshotKey, d.queue.snapshot()); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}
