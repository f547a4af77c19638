package gate

import (
	"fmt"
	"strings"
	"time"

	"github.com/lalithlochan/courier/internal/clock"
	"github.com/lalithlochan/courier/internal/notification"
)

const minutesPerDay = 24 * 60

// Window is the time-of-day range in which sending is allowed, as minutes
// since midnight. Start is inclusive, End exclusive. Start == End means the
// whole day. Start > End wraps past midnight.
type Window struct {
	Start int
	End   int
}

// FullDay allows sending at any time.
var FullDay = Window{}

// DefaultWindow allows sending from 08:00 to 22:00.
var DefaultWindow = Window{Start: 8 * 60, End: 22 * 60}

// ParseWindow parses "HH:MM-HH:MM". "24h" and "always" yield FullDay.
func ParseWindow(s string) (Window, error) {
	s = strings.TrimSpace(s)
	if s == "24h" || s == "always" {
		return FullDay, nil
	}

	startStr, endStr, ok := strings.Cut(s, "-")
	if !ok {
		return Window{}, fmt.Errorf("invalid window %q: expected HH:MM-HH:MM", s)
	}
	start, err := parseClock(startStr)
	if err != nil {
		return Window{}, fmt.Errorf("invalid window %q: %w", s, err)
	}
	end, err := parseClock(endStr)
	if err != nil {
		return Window{}, fmt.Errorf("invalid window %q: %w", s, err)
	}
	return Window{Start: start, End: end % minutesPerDay}, nil
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	if h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return h*60 + m, nil
}

func (w Window) String() string {
	if w.FullDay() {
		return "24h"
	}
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.Start/60, w.Start%60, w.End/60, w.End%60)
}

// FullDay reports whether the window covers the whole day.
func (w Window) FullDay() bool { return w.Start == w.End }

// Contains reports whether minute-of-day m is inside the window.
func (w Window) Contains(m int) bool {
	if w.FullDay() {
		return true
	}
	if w.Start < w.End {
		return m >= w.Start && m < w.End
	}
	return m >= w.Start || m < w.End
}

// Decision is the result of a quiet-hours check.
type Decision struct {
	Allowed         bool
	NextAllowedTime time.Time
}

// QuietHoursConfig configures the gate.
type QuietHoursConfig struct {
	Default Window
	PerType map[notification.Type]Window
	// BypassPriority and above are never held.
	BypassPriority notification.Priority
	Location       *time.Location
}

// DefaultQuietHours holds non-urgent notifications outside 08:00-22:00 and
// lets health alerts through at any hour.
func DefaultQuietHours() QuietHoursConfig {
	return QuietHoursConfig{
		Default: DefaultWindow,
		PerType: map[notification.Type]Window{
			notification.TypeHealthAlert: FullDay,
		},
		BypassPriority: notification.PriorityUrgent,
		Location:       time.Local,
	}
}

// QuietHoursGate holds non-urgent notifications outside their allowed window.
type QuietHoursGate struct {
	config QuietHoursConfig
	clock  clock.Clock
}

func NewQuietHoursGate(cfg QuietHoursConfig, clk clock.Clock) *QuietHoursGate {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.BypassPriority == 0 {
		cfg.BypassPriority = notification.PriorityUrgent
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &QuietHoursGate{config: cfg, clock: clk}
}

// WindowFor returns the allowed window of type t.
func (g *QuietHoursGate) WindowFor(t notification.Type) Window {
	if w, ok := g.config.PerType[t]; ok {
		return w
	}
	return g.config.Default
}

// Admit checks type t at priority p against the current time.
func (g *QuietHoursGate) Admit(t notification.Type, p notification.Priority) Decision {
	return g.AdmitAt(g.clock.Now(), t, p)
}

// AdmitAt checks type t at priority p against now. When blocked,
// NextAllowedTime is the next start of the allowed window.
func (g *QuietHoursGate) AdmitAt(now time.Time, t notification.Type, p notification.Priority) Decision {
	if p >= g.config.BypassPriority {
		return Decision{Allowed: true}
	}

	w := g.WindowFor(t)
	local := now.In(g.config.Location)
	minute := local.Hour()*60 + local.Minute()
	if w.Contains(minute) {
		return Decision{Allowed: true}
	}

	next := time.Date(local.Year(), local.Month(), local.Day(), w.Start/60, w.Start%60, 0, 0, g.config.Location)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, w.Start/60, w.Start%60, 0, 0, g.config.Location)
	}
	return Decision{Allowed: false, NextAllowedTime: next}
}
