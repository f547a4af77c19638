package notification

import (
	"fmt"
	"time"
)

// Type is the closed set of notification kinds.
type Type string

const (
	TypeHealthAlert         Type = "health_alert"
	TypeAppointmentReminder Type = "appointment_reminder"
	TypePaymentReminder     Type = "payment_reminder"
	TypeScheduleChange      Type = "schedule_change"
	TypeSystemNotice        Type = "system_notice"
	TypeGeneral             Type = "general"
)

// Types lists every known notification type.
var Types = []Type{
	TypeHealthAlert,
	TypeAppointmentReminder,
	TypePaymentReminder,
	TypeScheduleChange,
	TypeSystemNotice,
	TypeGeneral,
}

// Valid reports whether t is one of the known types.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// DefaultTTL is used for types missing from the TTL table.
const DefaultTTL = 24 * time.Hour

// DefaultTTLs is how long a notification of each type stays deliverable.
var DefaultTTLs = map[Type]time.Duration{
	TypeHealthAlert:         1 * time.Hour,
	TypeAppointmentReminder: 2 * time.Hour,
	TypePaymentReminder:     72 * time.Hour,
}

// Channel is a delivery mechanism.
type Channel string

const (
	ChannelTemplatePush  Channel = "template_push"
	ChannelSubscribePush Channel = "subscribe_push"
	ChannelSMS           Channel = "sms"
	ChannelInApp         Channel = "in_app"
)

// Channels lists every known channel.
var Channels = []Channel{
	ChannelTemplatePush,
	ChannelSubscribePush,
	ChannelSMS,
	ChannelInApp,
}

func (c Channel) Valid() bool {
	for _, known := range Channels {
		if c == known {
			return true
		}
	}
	return false
}

// Priority is an ordinal 1..5.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityUrgent
	PriorityCritical
)

func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority accepts either the name ("urgent") or the ordinal ("4").
func ParsePriority(s string) (Priority, error) {
	for p := PriorityLow; p <= PriorityCritical; p++ {
		if s == p.String() || s == fmt.Sprint(int(p)) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// Target is the recipient of a notification.
type Target struct {
	ID        string             `json:"id" yaml:"id" validate:"required"`
	Role      string             `json:"role" yaml:"role" validate:"required"`
	Addresses map[Channel]string `json:"addresses,omitempty" yaml:"addresses,omitempty"`
}

// Address returns the recipient address for ch, if any.
func (t Target) Address(ch Channel) string {
	return t.Addresses[ch]
}
