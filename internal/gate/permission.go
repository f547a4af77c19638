// Package gate holds the admission checks a notification passes before it is
// queued: role permissions and quiet hours.
package gate

import (
	"errors"
	"fmt"

	"github.com/lalithlochan/courier/internal/notification"
)

// ErrPermissionDenied is returned when a role may not receive a notification
// type on one of the requested channels.
var ErrPermissionDenied = errors.New("permission denied")

// Wildcard matches every type or channel in a role policy.
const Wildcard = "*"

// RolePolicy is the allow-list of one role.
type RolePolicy struct {
	Types    []string
	Channels []string
}

func (p RolePolicy) allowsType(t notification.Type) bool {
	return contains(p.Types, string(t))
}

func (p RolePolicy) allowsChannel(ch notification.Channel) bool {
	return contains(p.Channels, string(ch))
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v || item == Wildcard {
			return true
		}
	}
	return false
}

// DefaultPermissions is used when no policy file is configured.
func DefaultPermissions() map[string]RolePolicy {
	return map[string]RolePolicy{
		"patient": {
			Types:    []string{Wildcard},
			Channels: []string{Wildcard},
		},
		"caregiver": {
			Types: []string{
				string(notification.TypeHealthAlert),
				string(notification.TypeAppointmentReminder),
				string(notification.TypeScheduleChange),
				string(notification.TypeSystemNotice),
				string(notification.TypeGeneral),
			},
			Channels: []string{
				string(notification.ChannelTemplatePush),
				string(notification.ChannelSMS),
				string(notification.ChannelInApp),
			},
		},
		"staff": {
			Types: []string{
				string(notification.TypeHealthAlert),
				string(notification.TypeScheduleChange),
				string(notification.TypeSystemNotice),
				string(notification.TypeGeneral),
			},
			Channels: []string{
				string(notification.ChannelTemplatePush),
				string(notification.ChannelSubscribePush),
				string(notification.ChannelInApp),
			},
		},
		"admin": {
			Types:    []string{Wildcard},
			Channels: []string{Wildcard},
		},
	}
}

// PermissionGate decides whether a role may receive a notification.
// The decision is all-or-nothing: one disallowed channel denies the whole
// notification rather than silently dropping that channel.
type PermissionGate struct {
	roles map[string]RolePolicy
}

// NewPermissionGate creates a gate over roles. A nil map uses
// DefaultPermissions.
func NewPermissionGate(roles map[string]RolePolicy) *PermissionGate {
	if roles == nil {
		roles = DefaultPermissions()
	}
	return &PermissionGate{roles: roles}
}

// Allowed reports whether role may receive type t on every channel.
func (g *PermissionGate) Allowed(role string, t notification.Type, channels []notification.Channel) bool {
	return g.Check(role, t, channels) == nil
}

// Check is Allowed with a reason.
func (g *PermissionGate) Check(role string, t notification.Type, channels []notification.Channel) error {
	policy, ok := g.roles[role]
	if !ok {
		return fmt.Errorf("%w: unknown role %q", ErrPermissionDenied, role)
	}
	if !policy.allowsType(t) {
		return fmt.Errorf("%w: role %q may not receive %s", ErrPermissionDenied, role, t)
	}
	for _, ch := range channels {
		if !policy.allowsChannel(ch) {
			return fmt.Errorf("%w: role %q may not use channel %s", ErrPermissionDenied, role, ch)
		}
	}
	return nil
}
