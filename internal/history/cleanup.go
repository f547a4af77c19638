package history

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/notification"
)

// CleanupOptions bound history retention. OlderThanDays and MaxCount are
// ignored when zero.
type CleanupOptions struct {
	OlderThanDays int  `json:"older_than_days"`
	MaxCount      int  `json:"max_count"`
	KeepUnread    bool `json:"keep_unread"`
}

// DefaultCleanupOptions keeps 30 days and every unread notification.
func DefaultCleanupOptions() CleanupOptions {
	return CleanupOptions{OlderThanDays: 30, KeepUnread: true}
}

// CleanupResult reports what Cleanup removed.
type CleanupResult struct {
	Removed int      `json:"removed_count"`
	IDs     []string `json:"-"`
}

// Cleanup removes finished notifications and their history. Pending and
// sending notifications are never removed; unread ones are kept when
// opts.KeepUnread is set. Age pruning runs first, then the oldest remaining
// candidates are removed until at most MaxCount notifications are left.
// Skip entries of notifications that were never dispatched are pruned by
// age only and do not count as removed notifications.
func (t *Tracker) Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error) {
	now := t.clock.Now()

	var cutoff time.Time
	if opts.OlderThanDays > 0 {
		cutoff = now.Add(-time.Duration(opts.OlderThanDays) * 24 * time.Hour)
	}

	t.mu.RLock()
	var candidates []*notification.Notification
	var orphans []string
	total := 0
	for id, r := range t.records {
		if r.n == nil {
			if !cutoff.IsZero() && skipsBefore(r.Skips, cutoff) {
				orphans = append(orphans, id)
			}
			continue
		}
		total++
		if !removable(r.n, opts) {
			continue
		}
		candidates = append(candidates, r.n)
	}
	t.mu.RUnlock()

	sortOldestFirst(candidates)

	var victims []string
	var rest []*notification.Notification
	if !cutoff.IsZero() {
		for _, n := range candidates {
			if n.CreatedAt.Before(cutoff) {
				victims = append(victims, n.ID)
			} else {
				rest = append(rest, n)
			}
		}
	} else {
		rest = candidates
	}

	if opts.MaxCount > 0 {
		remaining := total - len(victims)
		for _, n := range rest {
			if remaining <= opts.MaxCount {
				break
			}
			victims = append(victims, n.ID)
			remaining--
		}
	}

	var result CleanupResult
	for _, id := range victims {
		if err := t.remove(ctx, id); err != nil {
			return result, err
		}
		result.Removed++
		result.IDs = append(result.IDs, id)
	}

	sort.Strings(orphans)
	for _, id := range orphans {
		if err := t.remove(ctx, id); err != nil {
			return result, err
		}
	}

	if result.Removed > 0 {
		t.logger.Info("history cleanup finished",
			zap.Int("removed", result.Removed),
			zap.Int("older_than_days", opts.OlderThanDays),
			zap.Int("max_count", opts.MaxCount),
		)
	}
	return result, nil
}

func skipsBefore(skips []Skip, cutoff time.Time) bool {
	for _, s := range skips {
		if !s.Timestamp.Before(cutoff) {
			return false
		}
	}
	return true
}

func removable(n *notification.Notification, opts CleanupOptions) bool {
	if !n.Status.Terminal() {
		return false
	}
	if opts.KeepUnread && n.Unread() {
		return false
	}
	return true
}

func (t *Tracker) remove(ctx context.Context, id string) error {
	keys, err := t.store.Keys(ctx, historyPrefix+id+":")
	if err != nil {
		return fmt.Errorf("list history of %s: %w", id, err)
	}
	for _, key := range keys {
		if err := t.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete history entry: %w", err)
		}
	}
	if err := t.store.Delete(ctx, notificationKey(id)); err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}

	t.mu.Lock()
	delete(t.records, id)
	t.mu.Unlock()
	return nil
}
