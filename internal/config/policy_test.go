package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lalithlochan/courier/internal/gate"
	"github.com/lalithlochan/courier/internal/notification"
)

const samplePolicy = `
timezone: Europe/Berlin
roles:
  caregiver:
    types: [health_alert, appointment_reminder]
    channels: [sms, in_app]
rate_limits:
  default: {max_per_day: 50}
  payment_reminder: {max_per_day: 2, min_interval: 6h}
quiet_hours:
  bypass_priority: critical
  windows:
    default: "09:00-21:00"
    system_notice: always
ttls:
  general: 12h
templates:
  appointment_reminder:
    title: "Appointment with {{.doctor}}"
    content: "See you at {{.time}}"
`

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy([]byte(samplePolicy))
	if err != nil {
		t.Fatalf("ParsePolicy failed: %v", err)
	}

	roles := p.Permissions()
	g := gate.NewPermissionGate(roles)
	if !g.Allowed("caregiver", notification.TypeHealthAlert, []notification.Channel{notification.ChannelSMS}) {
		t.Error("caregiver should receive health alerts by sms")
	}
	if g.Allowed("patient", notification.TypeGeneral, []notification.Channel{notification.ChannelInApp}) {
		t.Error("roles missing from the file are not allowed once roles are configured")
	}

	limits, err := p.RateLimits()
	if err != nil {
		t.Fatalf("RateLimits failed: %v", err)
	}
	if lim := limits.Limits[notification.TypePaymentReminder]; lim.MaxPerDay != 2 || lim.MinInterval != 6*time.Hour {
		t.Errorf("unexpected payment limit %+v", lim)
	}
	if limits.Default.MaxPerDay != 50 {
		t.Errorf("expected default 50, got %d", limits.Default.MaxPerDay)
	}
	if lim := limits.Limits[notification.TypeAppointmentReminder]; lim.MaxPerDay != 5 {
		t.Errorf("built-in limits should survive, got %+v", lim)
	}

	quiet, err := p.QuietHoursConfig(time.UTC)
	if err != nil {
		t.Fatalf("QuietHoursConfig failed: %v", err)
	}
	if quiet.Location.String() != "Europe/Berlin" {
		t.Errorf("expected policy timezone, got %s", quiet.Location)
	}
	if quiet.BypassPriority != notification.PriorityCritical {
		t.Errorf("expected critical bypass, got %s", quiet.BypassPriority)
	}
	if quiet.Default.String() != "09:00-21:00" {
		t.Errorf("unexpected default window %s", quiet.Default)
	}
	if !quiet.PerType[notification.TypeSystemNotice].FullDay() {
		t.Error("system_notice should be allowed all day")
	}
	if !quiet.PerType[notification.TypeHealthAlert].FullDay() {
		t.Error("built-in health_alert window should survive")
	}

	ttls, err := p.TTLOverrides()
	if err != nil {
		t.Fatalf("TTLOverrides failed: %v", err)
	}
	if ttls[notification.TypeGeneral] != 12*time.Hour {
		t.Errorf("expected 12h ttl, got %s", ttls[notification.TypeGeneral])
	}

	r := notification.NewTextRenderer()
	if err := p.RegisterTemplates(r); err != nil {
		t.Fatalf("RegisterTemplates failed: %v", err)
	}
	out, err := r.Render(context.Background(), "appointment_reminder", map[string]string{"doctor": "Dr. Kim", "time": "10:00"})
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if out.Title != "Appointment with Dr. Kim" {
		t.Errorf("unexpected title %q", out.Title)
	}
}

func TestParsePolicy_Rejects(t *testing.T) {
	tests := map[string]string{
		"unknown key":      "rate_limit: {}",
		"unknown type":     "rate_limits: {billing: {max_per_day: 1}}",
		"bad interval":     "rate_limits: {general: {min_interval: often}}",
		"negative limit":   "rate_limits: {general: {max_per_day: -1}}",
		"bad window":       "quiet_hours: {windows: {default: nine-to-five}}",
		"bad priority":     "quiet_hours: {bypass_priority: asap}",
		"bad ttl":          "ttls: {general: 0s}",
		"bad role channel": "roles: {staff: {types: ['*'], channels: [email]}}",
		"bad timezone":     "timezone: Nowhere/City",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParsePolicy([]byte(doc)); err == nil {
				t.Fatalf("expected error for %q", doc)
			}
		})
	}
}

func TestLoadPolicy(t *testing.T) {
	p, err := LoadPolicy("")
	if err != nil {
		t.Fatalf("empty path should be fine: %v", err)
	}
	if p.Permissions() != nil {
		t.Error("empty policy should fall back to default permissions")
	}

	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(samplePolicy), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if _, err := LoadPolicy(path); err != nil {
		t.Fatalf("LoadPolicy failed: %v", err)
	}

	if _, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml")); err == nil || !strings.Contains(err.Error(), "read policy file") {
		t.Errorf("expected read error, got %v", err)
	}
}
