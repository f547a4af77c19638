package notification

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a notification.
//
// Transitions:
//
//	pending  -> sending | expired
//	sending  -> sent | delivered | pending (retry) | failed | expired
//	sent     -> delivered | read
//	delivered -> read
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusSending,
	StatusSent,
	StatusDelivered,
	StatusRead,
	StatusFailed,
	StatusExpired,
}

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

var transitions = map[Status][]Status{
	StatusPending:   {StatusSending, StatusExpired},
	StatusSending:   {StatusSent, StatusDelivered, StatusPending, StatusFailed, StatusExpired},
	StatusSent:      {StatusDelivered, StatusRead},
	StatusDelivered: {StatusRead},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no automatic transition leaves s. Sent and
// delivered still accept user acknowledgements (delivered, read).
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusRead, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// TransitionError describes a rejected status change.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("notification %s: %s -> %s: %v", e.ID, e.From, e.To, ErrInvalidTransition)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
