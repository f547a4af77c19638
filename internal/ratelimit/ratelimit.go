// Package ratelimit enforces per (user, type) daily caps and minimum send
// intervals.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/clock"
	"github.com/lalithlochan/courier/internal/notification"
	"github.com/lalithlochan/courier/internal/store"
)

// Window is the rolling period a daily count covers.
const Window = 24 * time.Hour

// Limit is the quota of one notification type. MaxPerDay 0 means unlimited.
type Limit struct {
	MaxPerDay   int
	MinInterval time.Duration
}

// Config maps types to limits; types without an entry use Default.
type Config struct {
	Limits  map[notification.Type]Limit
	Default Limit
}

// DefaultConfig returns the built-in quotas.
func DefaultConfig() Config {
	return Config{
		Limits: map[notification.Type]Limit{
			notification.TypeHealthAlert:         {MaxPerDay: 0, MinInterval: 0},
			notification.TypeAppointmentReminder: {MaxPerDay: 5, MinInterval: 10 * time.Minute},
			notification.TypePaymentReminder:     {MaxPerDay: 3, MinInterval: 4 * time.Hour},
			notification.TypeScheduleChange:      {MaxPerDay: 10, MinInterval: time.Minute},
			notification.TypeSystemNotice:        {MaxPerDay: 3, MinInterval: time.Hour},
		},
		Default: Limit{MaxPerDay: 20},
	}
}

// Record is the persisted quota state of one (user, type) pair.
type Record struct {
	UserID      string            `json:"user_id"`
	Type        notification.Type `json:"type"`
	DailyCount  int               `json:"daily_count"`
	WindowStart time.Time         `json:"window_start"`
	LastSentAt  time.Time         `json:"last_sent_at"`
}

// Limiter checks and records sends against the configured quotas.
type Limiter struct {
	store  store.Store
	clock  clock.Clock
	config Config
	logger *zap.Logger
}

// New creates a limiter persisting records in s.
func New(s store.Store, clk clock.Clock, cfg Config, logger *zap.Logger) *Limiter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Limiter{store: s, clock: clk, config: cfg, logger: logger}
}

// LimitFor returns the quota of type t.
func (l *Limiter) LimitFor(t notification.Type) Limit {
	if lim, ok := l.config.Limits[t]; ok {
		return lim
	}
	return l.config.Default
}

func key(userID string, t notification.Type) string {
	return fmt.Sprintf("ratelimit:%s:%s", userID, t)
}

// Get loads the current record. A missing record is returned zeroed.
func (l *Limiter) Get(ctx context.Context, userID string, t notification.Type) (*Record, error) {
	rec := &Record{UserID: userID, Type: t}
	err := store.GetJSON(ctx, l.store, key(userID, t), rec)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load rate limit record: %w", err)
	}
	return rec, nil
}

// Admit reports whether userID may be sent another notification of type t
// now. It does not consume quota.
func (l *Limiter) Admit(ctx context.Context, userID string, t notification.Type) (bool, error) {
	rec, err := l.Get(ctx, userID, t)
	if err != nil {
		return false, err
	}

	now := l.clock.Now()
	lim := l.LimitFor(t)

	count := rec.DailyCount
	if windowElapsed(rec, now) {
		count = 0
	}

	if lim.MaxPerDay > 0 && count >= lim.MaxPerDay {
		l.logger.Debug("daily cap reached",
			zap.String("user_id", userID),
			zap.String("type", string(t)),
			zap.Int("count", count),
			zap.Int("limit", lim.MaxPerDay),
		)
		return false, nil
	}

	if !rec.LastSentAt.IsZero() && now.Sub(rec.LastSentAt) < lim.MinInterval {
		l.logger.Debug("minimum interval not elapsed",
			zap.String("user_id", userID),
			zap.String("type", string(t)),
			zap.Duration("since_last", now.Sub(rec.LastSentAt)),
			zap.Duration("min_interval", lim.MinInterval),
		)
		return false, nil
	}

	return true, nil
}

// Record spends one unit of quota. Call it only once a send attempt has
// actually been issued.
func (l *Limiter) Record(ctx context.Context, userID string, t notification.Type) error {
	rec, err := l.Get(ctx, userID, t)
	if err != nil {
		return err
	}

	now := l.clock.Now()
	if windowElapsed(rec, now) {
		rec.DailyCount = 0
		rec.WindowStart = now
	}
	rec.DailyCount++
	rec.LastSentAt = now

	if err := store.SetJSON(ctx, l.store, key(userID, t), rec); err != nil {
		return fmt.Errorf("save rate limit record: %w", err)
	}
	return nil
}

// Reset clears the record of (userID, t).
func (l *Limiter) Reset(ctx context.Context, userID string, t notification.Type) error {
	return l.store.Delete(ctx, key(userID, t))
}

func windowElapsed(rec *Record, now time.Time) bool {
	return rec.WindowStart.IsZero() || now.Sub(rec.WindowStart) > Window
}
