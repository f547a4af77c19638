package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lalithlochan/courier/internal/gate"
	"github.com/lalithlochan/courier/internal/notification"
	"github.com/lalithlochan/courier/internal/ratelimit"
)

// defaultKey selects the fallback entry in rate_limits and quiet_hours.
const defaultKey = "default"

// Policy is the delivery policy file. Every section is optional; missing
// sections keep the built-in defaults.
//
//	timezone: Europe/Berlin
//	roles:
//	  caregiver:
//	    types: [health_alert, appointment_reminder]
//	    channels: [sms, in_app]
//	rate_limits:
//	  default: {max_per_day: 20}
//	  payment_reminder: {max_per_day: 3, min_interval: 4h}
//	quiet_hours:
//	  bypass_priority: urgent
//	  windows:
//	    default: "08:00-22:00"
//	    health_alert: always
//	ttls:
//	  health_alert: 1h
//	templates:
//	  appointment_reminder:
//	    title: "Appointment with {{.doctor}}"
//	    content: "See you at {{.time}}"
type Policy struct {
	Timezone   string                    `yaml:"timezone"`
	Roles      map[string]RolePolicy     `yaml:"roles"`
	Limits     map[string]LimitPolicy    `yaml:"rate_limits"`
	QuietHours QuietHoursPolicy          `yaml:"quiet_hours"`
	TTLs       map[string]string         `yaml:"ttls"`
	Templates  map[string]TemplatePolicy `yaml:"templates"`
}

type RolePolicy struct {
	Types    []string `yaml:"types"`
	Channels []string `yaml:"channels"`
}

type LimitPolicy struct {
	MaxPerDay   int    `yaml:"max_per_day"`
	MinInterval string `yaml:"min_interval"`
}

type QuietHoursPolicy struct {
	BypassPriority string            `yaml:"bypass_priority"`
	Windows        map[string]string `yaml:"windows"`
}

type TemplatePolicy struct {
	Title   string `yaml:"title"`
	Content string `yaml:"content"`
}

// LoadPolicy reads the policy file at path. An empty path returns an empty
// policy. Unknown keys are rejected so typos don't silently fall back to
// defaults.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return &Policy{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes and validates a policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode policy: %w", err)
	}

	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Policy) validate() error {
	for role, rp := range p.Roles {
		for _, t := range rp.Types {
			if t != gate.Wildcard && !notification.Type(t).Valid() {
				return fmt.Errorf("policy: role %s: unknown type %q", role, t)
			}
		}
		for _, ch := range rp.Channels {
			if ch != gate.Wildcard && !notification.Channel(ch).Valid() {
				return fmt.Errorf("policy: role %s: unknown channel %q", role, ch)
			}
		}
	}
	if _, err := p.RateLimits(); err != nil {
		return err
	}
	if _, err := p.QuietHoursConfig(time.UTC); err != nil {
		return err
	}
	if _, err := p.TTLOverrides(); err != nil {
		return err
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return fmt.Errorf("policy: timezone: %w", err)
		}
	}
	return nil
}

// Permissions returns the role table, or nil to use the gate defaults.
func (p *Policy) Permissions() map[string]gate.RolePolicy {
	if len(p.Roles) == 0 {
		return nil
	}
	roles := make(map[string]gate.RolePolicy, len(p.Roles))
	for name, rp := range p.Roles {
		roles[name] = gate.RolePolicy{Types: rp.Types, Channels: rp.Channels}
	}
	return roles
}

// RateLimits overlays the file's limits on ratelimit.DefaultConfig.
func (p *Policy) RateLimits() (ratelimit.Config, error) {
	cfg := ratelimit.DefaultConfig()
	for key, lp := range p.Limits {
		lim := ratelimit.Limit{MaxPerDay: lp.MaxPerDay}
		if lp.MaxPerDay < 0 {
			return cfg, fmt.Errorf("policy: rate_limits.%s: max_per_day must not be negative", key)
		}
		if lp.MinInterval != "" {
			d, err := time.ParseDuration(lp.MinInterval)
			if err != nil {
				return cfg, fmt.Errorf("policy: rate_limits.%s: %w", key, err)
			}
			lim.MinInterval = d
		}

		if key == defaultKey {
			cfg.Default = lim
			continue
		}
		t := notification.Type(key)
		if !t.Valid() {
			return cfg, fmt.Errorf("policy: rate_limits: unknown type %q", key)
		}
		cfg.Limits[t] = lim
	}
	return cfg, nil
}

// QuietHoursConfig overlays the file's windows on gate.DefaultQuietHours.
// The policy timezone, when set, wins over fallback.
func (p *Policy) QuietHoursConfig(fallback *time.Location) (gate.QuietHoursConfig, error) {
	cfg := gate.DefaultQuietHours()
	cfg.Location = fallback
	if p.Timezone != "" {
		loc, err := time.LoadLocation(p.Timezone)
		if err != nil {
			return cfg, fmt.Errorf("policy: timezone: %w", err)
		}
		cfg.Location = loc
	}

	if s := p.QuietHours.BypassPriority; s != "" {
		prio, err := notification.ParsePriority(strings.ToLower(s))
		if err != nil {
			return cfg, fmt.Errorf("policy: quiet_hours.bypass_priority: %w", err)
		}
		cfg.BypassPriority = prio
	}

	for key, s := range p.QuietHours.Windows {
		w, err := gate.ParseWindow(s)
		if err != nil {
			return cfg, fmt.Errorf("policy: quiet_hours.windows.%s: %w", key, err)
		}
		if key == defaultKey {
			cfg.Default = w
			continue
		}
		t := notification.Type(key)
		if !t.Valid() {
			return cfg, fmt.Errorf("policy: quiet_hours.windows: unknown type %q", key)
		}
		cfg.PerType[t] = w
	}
	return cfg, nil
}

// TTLOverrides parses the ttls section.
func (p *Policy) TTLOverrides() (map[notification.Type]time.Duration, error) {
	ttls := make(map[notification.Type]time.Duration, len(p.TTLs))
	for key, s := range p.TTLs {
		t := notification.Type(key)
		if !t.Valid() {
			return nil, fmt.Errorf("policy: ttls: unknown type %q", key)
		}
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("policy: ttls.%s: invalid duration %q", key, s)
		}
		ttls[t] = d
	}
	return ttls, nil
}

// RegisterTemplates adds every template of the file to r.
func (p *Policy) RegisterTemplates(r *notification.TextRenderer) error {
	for id, tp := range p.Templates {
		if err := r.Register(id, tp.Title, tp.Content); err != nil {
			return fmt.Errorf("policy: templates.%s: %w", id, err)
		}
	}
	return nil
}
