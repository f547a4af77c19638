// Package notification holds the notification model, its lifecycle state
// machine and the factory that builds validated notifications.
package notification

import (
	"time"
)

// Notification is a single notification intent and its delivery state.
type Notification struct {
	ID            string            `json:"id"`
	Type          Type              `json:"type"`
	Title         string            `json:"title"`
	Content       string            `json:"content"`
	TemplateID    string            `json:"template_id,omitempty"`
	Data          map[string]string `json:"data,omitempty"`
	Target        Target            `json:"target"`
	Channels      []Channel         `json:"channels"`
	Priority      Priority          `json:"priority"`
	Status        Status            `json:"status"`
	ScheduledTime time.Time         `json:"scheduled_time"`
	SentTime      *time.Time        `json:"sent_time,omitempty"`
	DeliveredTime *time.Time        `json:"delivered_time,omitempty"`
	ReadTime      *time.Time        `json:"read_time,omitempty"`
	ExpireTime    time.Time         `json:"expire_time"`
	AttemptCount  int               `json:"attempt_count"`
	MaxAttempts   int               `json:"max_attempts"`
	LastError     string            `json:"last_error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Expired reports whether the notification is past its expire time at now.
func (n *Notification) Expired(now time.Time) bool {
	return now.After(n.ExpireTime)
}

// Unread reports whether the notification reached the user and has not been
// read yet.
func (n *Notification) Unread() bool {
	return (n.Status == StatusSent || n.Status == StatusDelivered) && n.ReadTime == nil
}

// Transition moves the notification to status to, stamping the matching
// timestamp. The notification is left untouched on error.
func (n *Notification) Transition(to Status, at time.Time) error {
	if !CanTransition(n.Status, to) {
		return &TransitionError{ID: n.ID, From: n.Status, To: to}
	}

	n.Status = to
	n.UpdatedAt = at

	switch to {
	case StatusSent:
		n.SentTime = timePtr(at)
	case StatusDelivered:
		if n.SentTime == nil {
			n.SentTime = timePtr(at)
		}
		n.DeliveredTime = timePtr(at)
	case StatusRead:
		n.ReadTime = timePtr(at)
	}
	return nil
}

// Clone returns a deep copy safe to hand to readers.
func (n *Notification) Clone() *Notification {
	if n == nil {
		return nil
	}
	c := *n
	c.Channels = append([]Channel(nil), n.Channels...)
	if n.Data != nil {
		c.Data = make(map[string]string, len(n.Data))
		for k, v := range n.Data {
			c.Data[k] = v
		}
	}
	if n.Target.Addresses != nil {
		c.Target.Addresses = make(map[Channel]string, len(n.Target.Addresses))
		for k, v := range n.Target.Addresses {
			c.Target.Addresses[k] = v
		}
	}
	c.SentTime = copyTime(n.SentTime)
	c.DeliveredTime = copyTime(n.DeliveredTime)
	c.ReadTime = copyTime(n.ReadTime)
	return &c
}

func timePtr(t time.Time) *time.Time { return &t }

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
