package history

import (
	"sort"
	"time"

	"github.com/lalithlochan/courier/internal/notification"
)

// RecentActivityLimit is how many transitions Stats reports.
const RecentActivityLimit = 10

// Filter narrows Stats and Notifications. Zero fields match everything.
// Since and Until bound notification creation, attempt and transition
// timestamps.
type Filter struct {
	UserID  string
	Type    notification.Type
	Channel notification.Channel
	Since   time.Time
	Until   time.Time
}

func (f Filter) inRange(ts time.Time) bool {
	if !f.Since.IsZero() && ts.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ts.After(f.Until) {
		return false
	}
	return true
}

func (f Filter) matches(n *notification.Notification) bool {
	if f.UserID != "" && n.Target.ID != f.UserID {
		return false
	}
	if f.Type != "" && n.Type != f.Type {
		return false
	}
	if f.Channel != "" {
		found := false
		for _, ch := range n.Channels {
			if ch == f.Channel {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return f.inRange(n.CreatedAt)
}

func (f Filter) matchesSkip(sk Skip) bool {
	if f.UserID != "" && sk.UserID != f.UserID {
		return false
	}
	if f.Type != "" && sk.Type != f.Type {
		return false
	}
	return f.inRange(sk.Timestamp)
}

// Stats are aggregates over the history log.
type Stats struct {
	TotalByType    map[notification.Type]int    `json:"total_by_type"`
	TotalByStatus  map[notification.Status]int  `json:"total_by_status"`
	TotalByChannel map[notification.Channel]int `json:"total_by_channel"`
	Attempts       int                          `json:"attempts"`
	Skipped        map[string]int               `json:"skipped"`
	SuccessRate    float64                      `json:"success_rate"`
	RecentActivity []Transition                 `json:"recent_activity"`
}

// Stats aggregates the log. Notifications are counted by their latest
// status; channels count attempts; SuccessRate is successful attempts over
// all attempts (0 without attempts). The result only depends on the log, so
// repeated calls without new events are identical.
func (t *Tracker) Stats(f Filter) Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Stats{
		TotalByType:    make(map[notification.Type]int),
		TotalByStatus:  make(map[notification.Status]int),
		TotalByChannel: make(map[notification.Channel]int),
		Skipped:        make(map[string]int),
		RecentActivity: []Transition{},
	}

	successes := 0
	var activity []Transition

	for _, r := range t.records {
		if r.n == nil {
			for _, sk := range r.Skips {
				if f.matchesSkip(sk) {
					s.Skipped[sk.Reason]++
				}
			}
			continue
		}
		if !f.matches(r.n) {
			continue
		}
		s.TotalByType[r.n.Type]++
		s.TotalByStatus[r.n.Status]++

		for _, a := range r.Attempts {
			if !f.inRange(a.Timestamp) {
				continue
			}
			if f.Channel != "" && a.Channel != f.Channel {
				continue
			}
			s.TotalByChannel[a.Channel]++
			s.Attempts++
			if a.Success {
				successes++
			}
		}
		for _, sk := range r.Skips {
			if f.inRange(sk.Timestamp) {
				s.Skipped[sk.Reason]++
			}
		}
		for _, tr := range r.Transitions {
			if f.inRange(tr.Timestamp) {
				activity = append(activity, tr)
			}
		}
	}

	if s.Attempts > 0 {
		s.SuccessRate = float64(successes) / float64(s.Attempts)
	}

	sort.Slice(activity, func(i, j int) bool {
		if !activity[i].Timestamp.Equal(activity[j].Timestamp) {
			return activity[i].Timestamp.After(activity[j].Timestamp)
		}
		return activity[i].Seq > activity[j].Seq
	})
	if len(activity) > RecentActivityLimit {
		activity = activity[:RecentActivityLimit]
	}
	s.RecentActivity = append(s.RecentActivity, activity...)

	return s
}
