package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/clock"
)

var factoryNow = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newTestFactory(renderer TemplateRenderer) *Factory {
	return NewFactory(FactoryConfig{}, clock.NewManual(factoryNow), renderer, zap.NewNop())
}

func validInput() Input {
	return Input{
		Type:     TypePaymentReminder,
		Title:    "Payment due",
		Content:  "Your invoice is due tomorrow",
		Target:   Target{ID: "user-1", Role: "patient", Addresses: map[Channel]string{ChannelSMS: "+15550100"}},
		Channels: []Channel{ChannelSMS, ChannelInApp},
	}
}

func TestFactory_Create(t *testing.T) {
	f := newTestFactory(nil)

	n, err := f.Create(context.Background(), validInput())
	require.NoError(t, err)

	assert.NotEmpty(t, n.ID)
	assert.Equal(t, StatusPending, n.Status)
	assert.Equal(t, PriorityNormal, n.Priority)
	assert.Equal(t, 3, n.MaxAttempts)
	assert.Equal(t, 0, n.AttemptCount)
	assert.Equal(t, factoryNow, n.ScheduledTime)
	assert.Equal(t, factoryNow.Add(72*time.Hour), n.ExpireTime)
	assert.True(t, n.ExpireTime.After(n.CreatedAt))
}

func TestFactory_TTLTable(t *testing.T) {
	f := NewFactory(FactoryConfig{TTLs: map[Type]time.Duration{TypeSystemNotice: 6 * time.Hour}},
		clock.NewManual(factoryNow), nil, zap.NewNop())

	assert.Equal(t, time.Hour, f.TTL(TypeHealthAlert))
	assert.Equal(t, 2*time.Hour, f.TTL(TypeAppointmentReminder))
	assert.Equal(t, 72*time.Hour, f.TTL(TypePaymentReminder))
	assert.Equal(t, 6*time.Hour, f.TTL(TypeSystemNotice))
	assert.Equal(t, 24*time.Hour, f.TTL(TypeGeneral))
}

func TestFactory_ScheduledTimeInFuture(t *testing.T) {
	f := newTestFactory(nil)
	in := validInput()
	in.Type = TypeAppointmentReminder
	in.ScheduledTime = factoryNow.Add(3 * time.Hour)

	n, err := f.Create(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, in.ScheduledTime, n.ScheduledTime)
	assert.Equal(t, in.ScheduledTime.Add(2*time.Hour), n.ExpireTime)
}

func TestFactory_DedupesChannels(t *testing.T) {
	f := newTestFactory(nil)
	in := validInput()
	in.Channels = []Channel{ChannelSMS, ChannelInApp, ChannelSMS}

	n, err := f.Create(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []Channel{ChannelSMS, ChannelInApp}, n.Channels)
}

func TestFactory_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Input)
		field  string
	}{
		{"missing_type", func(in *Input) { in.Type = "" }, "Type"},
		{"unknown_type", func(in *Input) { in.Type = "promo" }, "Type"},
		{"missing_title", func(in *Input) { in.Title = "" }, "Title"},
		{"missing_content", func(in *Input) { in.Content = "" }, "Content"},
		{"missing_target", func(in *Input) { in.Target = Target{} }, "Target.ID"},
		{"missing_role", func(in *Input) { in.Target.Role = "" }, "Target.Role"},
		{"empty_channels", func(in *Input) { in.Channels = []Channel{} }, "Channels"},
		{"nil_channels", func(in *Input) { in.Channels = nil }, "Channels"},
		{"unknown_channel", func(in *Input) { in.Channels = []Channel{"fax"} }, "Channels[0]"},
		{"priority_out_of_range", func(in *Input) { in.Priority = 9 }, "Priority"},
	}

	f := newTestFactory(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)

			n, err := f.Create(context.Background(), in)
			require.Error(t, err)
			assert.Nil(t, n)
			assert.True(t, errors.Is(err, ErrInvalidNotification))

			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestFactory_CreateFromTemplate(t *testing.T) {
	r := NewTextRenderer()
	require.NoError(t, r.Register("appt", "Appointment at {{.time}}", "Hi {{.name}}, see you at {{.time}}."))

	f := newTestFactory(r)
	in := validInput()
	in.Title, in.Content = "", ""

	n, err := f.CreateFromTemplate(context.Background(), "appt", map[string]string{"name": "Ana", "time": "09:30"}, in)
	require.NoError(t, err)
	assert.Equal(t, "Appointment at 09:30", n.Title)
	assert.Equal(t, "Hi Ana, see you at 09:30.", n.Content)
	assert.Equal(t, "appt", n.TemplateID)

	_, err = f.CreateFromTemplate(context.Background(), "missing", nil, in)
	assert.True(t, errors.Is(err, ErrTemplateNotFound))

	_, err = f.CreateFromTemplate(context.Background(), "appt", map[string]string{"name": "Ana"}, in)
	assert.Error(t, err, "missing variable should fail")
}

func TestFactory_CreateFromTemplateWithoutRenderer(t *testing.T) {
	f := newTestFactory(nil)
	_, err := f.CreateFromTemplate(context.Background(), "appt", nil, validInput())
	assert.Error(t, err)
}
