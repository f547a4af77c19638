// Package history is the append-only lifecycle log of notifications: one
// entry per channel attempt, status transition and gate skip. It also keeps
// the latest snapshot of every notification for lookups, statistics and
// retention cleanup.
package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/clock"
	"github.com/lalithlochan/courier/internal/notification"
	"github.com/lalithlochan/courier/internal/store"
)

const (
	notificationPrefix = "notification:"
	historyPrefix      = "history:"

	kindAttempt    = "a"
	kindTransition = "t"
	kindSkip       = "s"
)

// Attempt is the outcome of one send over one channel.
type Attempt struct {
	Seq               uint64               `json:"seq"`
	NotificationID    string               `json:"notification_id"`
	Channel           notification.Channel `json:"channel"`
	Attempt           int                  `json:"attempt"`
	Success           bool                 `json:"success"`
	ProviderMessageID string               `json:"provider_message_id,omitempty"`
	Error             string               `json:"error,omitempty"`
	Timestamp         time.Time            `json:"timestamp"`
}

// Transition is one status change.
type Transition struct {
	Seq            uint64              `json:"seq"`
	NotificationID string              `json:"notification_id"`
	Type           notification.Type   `json:"type"`
	From           notification.Status `json:"from"`
	To             notification.Status `json:"to"`
	Reason         string              `json:"reason,omitempty"`
	Timestamp      time.Time           `json:"timestamp"`
}

// Skip records a notification dropped by a gate without a send attempt.
// Skipped notifications never get a snapshot of their own.
type Skip struct {
	Seq            uint64            `json:"seq"`
	NotificationID string            `json:"notification_id"`
	UserID         string            `json:"user_id"`
	Type           notification.Type `json:"type"`
	Reason         string            `json:"reason"`
	Timestamp      time.Time         `json:"timestamp"`
}

// Entries is the full history of one notification in append order.
type Entries struct {
	Attempts    []Attempt    `json:"attempts"`
	Transitions []Transition `json:"transitions"`
	Skips       []Skip       `json:"skips"`
}

type record struct {
	n *notification.Notification
	Entries
}

// Tracker owns the history log. Writes go through to the store before the
// in-memory view changes; readers always get copies.
type Tracker struct {
	mu      sync.RWMutex
	store   store.Store
	clock   clock.Clock
	logger  *zap.Logger
	records map[string]*record
	seq     uint64
}

// NewTracker creates an empty tracker writing to s.
func NewTracker(s store.Store, clk clock.Clock, logger *zap.Logger) *Tracker {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Tracker{
		store:   s,
		clock:   clk,
		logger:  logger,
		records: make(map[string]*record),
	}
}

func notificationKey(id string) string {
	return notificationPrefix + id
}

func entryKey(id, kind string, seq uint64) string {
	return fmt.Sprintf("%s%s:%s:%020d", historyPrefix, id, kind, seq)
}

func (t *Tracker) get(id string) *record {
	r, ok := t.records[id]
	if !ok {
		r = &record{}
		t.records[id] = r
	}
	return r
}

// Save stores the latest snapshot of n.
func (t *Tracker) Save(ctx context.Context, n *notification.Notification) error {
	snap := n.Clone()
	if err := store.SetJSON(ctx, t.store, notificationKey(n.ID), snap); err != nil {
		return fmt.Errorf("save notification: %w", err)
	}

	t.mu.Lock()
	t.get(n.ID).n = snap
	t.mu.Unlock()
	return nil
}

// RecordTransition appends the change from -> n.Status and saves n. The
// in-memory log only changes once both writes succeeded.
func (t *Tracker) RecordTransition(ctx context.Context, n *notification.Notification, from notification.Status, reason string) error {
	snap := n.Clone()
	if err := store.SetJSON(ctx, t.store, notificationKey(n.ID), snap); err != nil {
		return fmt.Errorf("save notification: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	tr := Transition{
		Seq:            t.seq,
		NotificationID: n.ID,
		Type:           n.Type,
		From:           from,
		To:             n.Status,
		Reason:         reason,
		Timestamp:      n.UpdatedAt,
	}
	if err := store.SetJSON(ctx, t.store, entryKey(n.ID, kindTransition, tr.Seq), tr); err != nil {
		return fmt.Errorf("append transition: %w", err)
	}

	r := t.get(n.ID)
	r.n = snap
	r.Transitions = append(r.Transitions, tr)
	return nil
}

// RecordAttempt appends one channel outcome.
func (t *Tracker) RecordAttempt(ctx context.Context, a Attempt) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	a.Seq = t.seq
	if a.Timestamp.IsZero() {
		a.Timestamp = t.clock.Now()
	}
	if err := store.SetJSON(ctx, t.store, entryKey(a.NotificationID, kindAttempt, a.Seq), a); err != nil {
		return fmt.Errorf("append attempt: %w", err)
	}

	r := t.get(a.NotificationID)
	r.Attempts = append(r.Attempts, a)
	return nil
}

// RecordSkip appends a gate skip for n. Skips are not delivery attempts.
func (t *Tracker) RecordSkip(ctx context.Context, n *notification.Notification, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	s := Skip{
		Seq:            t.seq,
		NotificationID: n.ID,
		UserID:         n.Target.ID,
		Type:           n.Type,
		Reason:         reason,
		Timestamp:      t.clock.Now(),
	}
	if err := store.SetJSON(ctx, t.store, entryKey(n.ID, kindSkip, s.Seq), s); err != nil {
		return fmt.Errorf("append skip: %w", err)
	}

	r := t.get(n.ID)
	r.Skips = append(r.Skips, s)
	return nil
}

// Notification returns a copy of the latest snapshot of id.
func (t *Tracker) Notification(id string) (*notification.Notification, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.records[id]
	if !ok || r.n == nil {
		return nil, false
	}
	return r.n.Clone(), true
}

// History returns a copy of every entry recorded for id.
func (t *Tracker) History(id string) Entries {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.records[id]
	if !ok {
		return Entries{}
	}
	return Entries{
		Attempts:    append([]Attempt(nil), r.Attempts...),
		Transitions: append([]Transition(nil), r.Transitions...),
		Skips:       append([]Skip(nil), r.Skips...),
	}
}

// SkipReason returns the latest skip reason of id when id was skipped
// without ever being dispatched.
func (t *Tracker) SkipReason(id string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.records[id]
	if !ok || r.n != nil || len(r.Skips) == 0 {
		return "", false
	}
	return r.Skips[len(r.Skips)-1].Reason, true
}

// Notifications returns copies of the notifications matching f, oldest
// first.
func (t *Tracker) Notifications(f Filter) []*notification.Notification {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*notification.Notification
	for _, r := range t.records {
		if r.n != nil && f.matches(r.n) {
			out = append(out, r.n.Clone())
		}
	}
	sortOldestFirst(out)
	return out
}

// UnreadCount is the number of notifications of userID that reached the
// user and were not read yet.
func (t *Tracker) UnreadCount(userID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	for _, r := range t.records {
		if r.n != nil && r.n.Target.ID == userID && r.n.Unread() {
			count++
		}
	}
	return count
}

// Load rebuilds the in-memory view from the store.
func (t *Tracker) Load(ctx context.Context) error {
	records := make(map[string]*record)
	get := func(id string) *record {
		r, ok := records[id]
		if !ok {
			r = &record{}
			records[id] = r
		}
		return r
	}

	keys, err := t.store.Keys(ctx, notificationPrefix)
	if err != nil {
		return fmt.Errorf("list notifications: %w", err)
	}
	for _, key := range keys {
		var n notification.Notification
		if err := store.GetJSON(ctx, t.store, key, &n); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return fmt.Errorf("load notification: %w", err)
		}
		get(n.ID).n = &n
	}

	keys, err = t.store.Keys(ctx, historyPrefix)
	if err != nil {
		return fmt.Errorf("list history: %w", err)
	}

	var maxSeq uint64
	for _, key := range keys {
		id, kind, seq, ok := parseEntryKey(key)
		if !ok {
			t.logger.Warn("skipping malformed history key", zap.String("key", key))
			continue
		}
		if seq > maxSeq {
			maxSeq = seq
		}

		r := get(id)
		var err error
		switch kind {
		case kindAttempt:
			var a Attempt
			if err = store.GetJSON(ctx, t.store, key, &a); err == nil {
				r.Attempts = append(r.Attempts, a)
			}
		case kindTransition:
			var tr Transition
			if err = store.GetJSON(ctx, t.store, key, &tr); err == nil {
				r.Transitions = append(r.Transitions, tr)
			}
		case kindSkip:
			var s Skip
			if err = store.GetJSON(ctx, t.store, key, &s); err == nil {
				r.Skips = append(r.Skips, s)
			}
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load history entry: %w", err)
		}
	}

	t.mu.Lock()
	t.records = records
	t.seq = maxSeq
	t.mu.Unlock()

	t.logger.Info("history loaded",
		zap.Int("notifications", len(records)),
		zap.Int("entries", len(keys)),
	)
	return nil
}

// parseEntryKey splits "history:<id>:<kind>:<seq>". Keys are listed in
// lexical order and seq is zero padded, so entries load in append order.
func parseEntryKey(key string) (id, kind string, seq uint64, ok bool) {
	rest := strings.TrimPrefix(key, historyPrefix)
	i := strings.LastIndex(rest, ":")
	if i <= 0 {
		return "", "", 0, false
	}
	seq, err := strconv.ParseUint(rest[i+1:], 10, 64)
	if err != nil {
		return "", "", 0, false
	}
	rest = rest[:i]
	j := strings.LastIndex(rest, ":")
	if j <= 0 {
		return "", "", 0, false
	}
	return rest[:j], rest[j+1:], seq, true
}

func sortOldestFirst(ns []*notification.Notification) {
	sort.SliceStable(ns, func(i, j int) bool {
		if !ns[i].CreatedAt.Equal(ns[j].CreatedAt) {
			return ns[i].CreatedAt.Before(ns[j].CreatedAt)
		}
		return ns[i].ID < ns[j].ID
	})
}
