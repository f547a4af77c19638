package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/channel"
	"github.com/lalithlochan/courier/internal/clock"
	"github.com/lalithlochan/courier/internal/gate"
	"github.com/lalithlochan/courier/internal/history"
	"github.com/lalithlochan/courier/internal/notification"
	"github.com/lalithlochan/courier/internal/ratelimit"
	"github.com/lalithlochan/courier/internal/store"
)

// noon is inside the default quiet-hours window.
var noon = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

// fakeSender records calls and fails while fail is set.
type fakeSender struct {
	mu    sync.Mutex
	fail  bool
	calls []string
}

func (f *fakeSender) Send(ctx context.Context, n *notification.Notification, ch notification.Channel) (channel.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, n.ID)
	if f.fail {
		return channel.Receipt{}, errors.New("provider unavailable")
	}
	return channel.Receipt{ProviderMessageID: "msg-" + n.ID}, nil
}

func (f *fakeSender) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeSender) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type harness struct {
	d       *Dispatcher
	clock   *clock.Manual
	store   store.Store
	sms     *fakeSender
	inApp   *fakeSender
	tracker *history.Tracker
}

type option func(*harnessConfig)

type harnessConfig struct {
	limits  ratelimit.Config
	store   store.Store
	backoff Backoff
}

func withLimit(t notification.Type, lim ratelimit.Limit) option {
	return func(c *harnessConfig) { c.limits.Limits[t] = lim }
}

func withStore(s store.Store) option {
	return func(c *harnessConfig) { c.store = s }
}

func newHarness(t *testing.T, start time.Time, opts ...option) *harness {
	t.Helper()

	cfg := harnessConfig{
		limits: ratelimit.Config{
			Limits:  map[notification.Type]ratelimit.Limit{},
			Default: ratelimit.Limit{MaxPerDay: 100},
		},
		store:   store.NewMemory(),
		backoff: DefaultBackoff,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := zap.NewNop()
	clk := clock.NewManual(start)

	quiet := gate.DefaultQuietHours()
	quiet.Location = time.UTC

	sms, inApp := &fakeSender{}, &fakeSender{}
	router := channel.NewRouter(logger)
	router.Register(notification.ChannelSMS, sms)
	router.Register(notification.ChannelInApp, inApp)

	tracker := history.NewTracker(cfg.store, clk, logger)

	d := New(Config{TickInterval: 100 * time.Millisecond, Backoff: cfg.backoff}, Deps{
		Factory:     notification.NewFactory(notification.FactoryConfig{}, clk, nil, logger),
		Permissions: gate.NewPermissionGate(nil),
		Limiter:     ratelimit.New(cfg.store, clk, cfg.limits, logger),
		QuietHours:  gate.NewQuietHoursGate(quiet, clk),
		Router:      router,
		Tracker:     tracker,
		Store:       cfg.store,
		Clock:       clk,
	}, logger)

	return &harness{d: d, clock: clk, store: cfg.store, sms: sms, inApp: inApp, tracker: tracker}
}

func input(typ notification.Type, p notification.Priority, chs ...notification.Channel) notification.Input {
	if len(chs) == 0 {
		chs = []notification.Channel{notification.ChannelSMS, notification.ChannelInApp}
	}
	return notification.Input{
		Type:     typ,
		Title:    "Title",
		Content:  "Content",
		Target:   notification.Target{ID: "user-1", Role: "patient"},
		Channels: chs,
		Priority: p,
	}
}

func (h *harness) create(t *testing.T, in notification.Input) *notification.Notification {
	t.Helper()
	n, err := h.d.CreateNotification(context.Background(), in)
	require.NoError(t, err)
	return n
}

func (h *harness) submit(t *testing.T, in notification.Input) Outcome {
	t.Helper()
	out, err := h.d.Enqueue(context.Background(), h.create(t, in))
	require.NoError(t, err)
	return out
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, h.d.Tick(context.Background()))
}

func (h *harness) status(t *testing.T, id string) notification.Status {
	t.Helper()
	n, err := h.d.Get(id)
	require.NoError(t, err)
	return n.Status
}

func TestDispatcher_DeliversAndTracksLifecycle(t *testing.T) {
	h := newHarness(t, noon)

	var mu sync.Mutex
	var seen []notification.Status
	h.d.Subscribe(ObserverFunc(func(n *notification.Notification) {
		mu.Lock()
		seen = append(seen, n.Status)
		mu.Unlock()
	}))

	out := h.submit(t, input(notification.TypeGeneral, notification.PriorityNormal))
	require.True(t, out.Enqueued)
	assert.False(t, out.Deferred)
	assert.Equal(t, 1, h.d.QueueLen())
	assert.Equal(t, notification.StatusPending, h.status(t, out.Notification.ID))

	h.tick(t)

	n, err := h.d.Get(out.Notification.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusSent, n.Status)
	assert.Equal(t, 1, n.AttemptCount)
	require.NotNil(t, n.SentTime)
	assert.Zero(t, h.d.QueueLen())

	assert.Equal(t, []notification.Status{notification.StatusSending, notification.StatusSent}, seen)

	entries, err := h.d.History(n.ID)
	require.NoError(t, err)
	require.Len(t, entries.Attempts, 2)
	for _, a := range entries.Attempts {
		assert.True(t, a.Success)
		assert.Equal(t, "msg-"+n.ID, a.ProviderMessageID)
	}
}

func TestDispatcher_TransitionsNeverSkipSending(t *testing.T) {
	h := newHarness(t, noon)
	h.sms.setFail(true)

	ok := h.submit(t, input(notification.TypeGeneral, notification.PriorityNormal, notification.ChannelInApp))
	failing := h.submit(t, input(notification.TypeGeneral, notification.PriorityNormal, notification.ChannelSMS))
	expiring := h.submit(t, input(notification.TypeHealthAlert, notification.PriorityNormal, notification.ChannelSMS))

	h.clock.Advance(2 * time.Hour)
	for i := 0; i < 600; i++ {
		h.tick(t)
		h.clock.Advance(100 * time.Millisecond)
	}

	for _, id := range []string{ok.Notification.ID, failing.Notification.ID, expiring.Notification.ID} {
		for _, tr := range h.tracker.History(id).Transitions {
			assert.True(t, notification.CanTransition(tr.From, tr.To), "%s: %s -> %s", id, tr.From, tr.To)
			if tr.To == notification.StatusSent || tr.To == notification.StatusFailed {
				assert.Equal(t, notification.StatusSending, tr.From)
			}
		}
	}
	assert.Equal(t, notification.StatusSent, h.status(t, ok.Notification.ID))
	assert.Equal(t, notification.StatusFailed, h.status(t, failing.Notification.ID))
	assert.Equal(t, notification.StatusExpired, h.status(t, expiring.Notification.ID))
}

func TestDispatcher_RateLimitExample(t *testing.T) {
	h := newHarness(t, noon, withLimit(notification.TypePaymentReminder, ratelimit.Limit{MaxPerDay: 2}))

	var outcomes []Outcome
	for i := 0; i < 3; i++ {
		out := h.submit(t, input(notification.TypePaymentReminder, notification.PriorityNormal,
			notification.ChannelSMS, notification.ChannelInApp))
		outcomes = append(outcomes, out)
		h.tick(t)
		h.clock.Advance(time.Minute)
	}

	assert.True(t, outcomes[0].Enqueued)
	assert.True(t, outcomes[1].Enqueued)
	assert.True(t, outcomes[2].Skipped)
	assert.Equal(t, ReasonRateLimited, outcomes[2].Reason)

	stats := h.d.Stats(history.Filter{Type: notification.TypePaymentReminder})
	assert.Equal(t, 2, stats.TotalByStatus[notification.StatusSent])
	assert.Equal(t, 1, stats.Skipped[ReasonRateLimited])
	assert.Equal(t, 4, stats.Attempts, "two dispatches over two channels")

	_, err := h.d.Get(outcomes[2].Notification.ID)
	assert.ErrorIs(t, err, ErrNotFound, "skipped notifications are not tracked")
	assert.Empty(t, h.tracker.History(outcomes[2].Notification.ID).Attempts)
}

func TestDispatcher_RateLimitRecheckedAtDispatch(t *testing.T) {
	h := newHarness(t, noon, withLimit(notification.TypePaymentReminder, ratelimit.Limit{MaxPerDay: 2}))

	for i := 0; i < 3; i++ {
		out := h.submit(t, input(notification.TypePaymentReminder, notification.PriorityNormal))
		require.True(t, out.Enqueued, "nothing was sent yet, so every enqueue passes the fast check")
	}

	h.tick(t)

	stats := h.d.Stats(history.Filter{})
	assert.Equal(t, 2, stats.TotalByStatus[notification.StatusSent])
	assert.Equal(t, 1, stats.Skipped[ReasonRateLimited])
	assert.Zero(t, h.d.QueueLen())
}

func TestDispatcher_MinInterval(t *testing.T) {
	h := newHarness(t, noon, withLimit(notification.TypeSystemNotice, ratelimit.Limit{MaxPerDay: 10, MinInterval: time.Hour}))

	first := h.submit(t, input(notification.TypeSystemNotice, notification.PriorityNormal))
	h.tick(t)
	assert.Equal(t, notification.StatusSent, h.status(t, first.Notification.ID))

	h.clock.Advance(30 * time.Minute)
	assert.True(t, h.submit(t, input(notification.TypeSystemNotice, notification.PriorityNormal)).Skipped)

	h.clock.Advance(30 * time.Minute)
	assert.True(t, h.submit(t, input(notification.TypeSystemNotice, notification.PriorityNormal)).Enqueued)
}

func TestDispatcher_QuietHoursDefersNormalPriority(t *testing.T) {
	late := time.Date(2024, 6, 10, 23, 0, 0, 0, time.UTC)
	h := newHarness(t, late)

	out := h.submit(t, input(notification.TypeGeneral, notification.PriorityNormal))
	require.True(t, out.Deferred)
	morning := time.Date(2024, 6, 11, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, morning, out.NextAttemptAt)
	assert.Equal(t, morning, out.Notification.ScheduledTime)

	h.tick(t)
	assert.Empty(t, h.sms.Calls(), "must not dispatch inside quiet hours")

	h.clock.Set(morning.Add(-time.Minute))
	h.tick(t)
	assert.Empty(t, h.sms.Calls())

	h.clock.Set(morning)
	h.tick(t)
	assert.Equal(t, []string{out.Notification.ID}, h.sms.Calls())
	assert.Equal(t, notification.StatusSent, h.status(t, out.Notification.ID))
}

func TestDispatcher_CriticalBypassesQuietHours(t *testing.T) {
	h := newHarness(t, time.Date(2024, 6, 10, 23, 0, 0, 0, time.UTC))

	out := h.submit(t, input(notification.TypeGeneral, notification.PriorityCritical))
	require.False(t, out.Deferred)

	h.tick(t)
	assert.Equal(t, notification.StatusSent, h.status(t, out.Notification.ID))
}

func TestDispatcher_RetriesThenFails(t *testing.T) {
	h := newHarness(t, noon)
	h.sms.setFail(true)

	out := h.submit(t, input(notification.TypeGeneral, notification.PriorityNormal, notification.ChannelSMS))
	id := out.Notification.ID

	tick := 100 * time.Millisecond
	for i := 0; i < 1000 && h.status(t, id) != notification.StatusFailed; i++ {
		h.tick(t)
		h.clock.Advance(tick)
	}

	n, err := h.d.Get(id)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusFailed, n.Status)
	assert.Equal(t, 3, n.AttemptCount)
	assert.Contains(t, n.LastError, "provider unavailable")
	assert.Zero(t, h.d.QueueLen())

	attempts := h.tracker.History(id).Attempts
	require.Len(t, attempts, 3, "maxAttempts-1 retries after the first attempt")

	elapsed := attempts[2].Timestamp.Sub(attempts[0].Timestamp)
	want := DefaultBackoff.Delay(1) + DefaultBackoff.Delay(2)
	assert.GreaterOrEqual(t, elapsed, want)
	assert.Less(t, elapsed, want+2*tick)

	retries := 0
	for _, tr := range h.tracker.History(id).Transitions {
		if tr.Reason == ReasonRetry {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestDispatcher_RetryDoesNotSpendQuota(t *testing.T) {
	h := newHarness(t, noon, withLimit(notification.TypeGeneral, ratelimit.Limit{MaxPerDay: 1}))
	h.sms.setFail(true)

	out := h.submit(t, input(notification.TypeGeneral, notification.PriorityNormal, notification.ChannelSMS))
	h.tick(t)
	h.sms.setFail(false)

	h.clock.Advance(time.Second)
	h.tick(t)

	assert.Equal(t, notification.StatusSent, h.status(t, out.Notification.ID))
	assert.Len(t, h.sms.Calls(), 2)
}

func TestDispatcher_AnySuccess(t *testing.T) {
	h := newHarness(t, noon)
	h.sms.setFail(true)

	out := h.submit(t, input(notification.TypeGeneral, notification.PriorityNormal))
	h.tick(t)

	n, err := h.d.Get(out.Notification.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusSent, n.Status)
	assert.Contains(t, n.LastError, "provider unavailable")

	attempts := h.tracker.History(n.ID).Attempts
	require.Len(t, attempts, 2)
	byChannel := map[notification.Channel]bool{}
	for _, a := range attempts {
		byChannel[a.Channel] = a.Success
	}
	assert.False(t, byChannel[notification.ChannelSMS])
	assert.True(t, byChannel[notification.ChannelInApp])
}

func TestDispatcher_ExpiresLazily(t *testing.T) {
	h := newHarness(t, noon)

	out := h.submit(t, input(notification.TypeHealthAlert, notification.PriorityNormal))
	h.clock.Advance(time.Hour + time.Second)
	h.tick(t)

	n, err := h.d.Get(out.Notification.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusExpired, n.Status)
	assert.Zero(t, n.AttemptCount)
	assert.Empty(t, h.sms.Calls())
	assert.Empty(t, h.tracker.History(n.ID).Attempts)
}

func TestDispatcher_PermissionDenied(t *testing.T) {
	h := newHarness(t, noon)

	in := input(notification.TypePaymentReminder, notification.PriorityNormal)
	in.Target.Role = "caregiver"
	_, err := h.d.CreateNotification(context.Background(), in)
	require.ErrorIs(t, err, gate.ErrPermissionDenied)

	in = input(notification.TypeGeneral, notification.PriorityNormal, notification.ChannelSMS)
	n := h.create(t, in)
	n.Target.Role = "staff"
	_, err = h.d.Enqueue(context.Background(), n)
	require.ErrorIs(t, err, gate.ErrPermissionDenied)

	assert.Zero(t, h.d.QueueLen())
	assert.Empty(t, h.d.Stats(history.Filter{}).Skipped)
}

func TestDispatcher_InvalidInput(t *testing.T) {
	h := newHarness(t, noon)

	in := input(notification.TypeGeneral, notification.PriorityNormal)
	in.Title = ""
	_, err := h.d.CreateNotification(context.Background(), in)
	assert.ErrorIs(t, err, notification.ErrInvalidNotification)

	_, err = h.d.Enqueue(context.Background(), &notification.Notification{ID: "x", Status: notification.StatusPending})
	assert.ErrorIs(t, err, notification.ErrInvalidNotification)
}

func TestDispatcher_SendBatchHighPriorityFirst(t *testing.T) {
	h := newHarness(t, noon)

	low := h.create(t, input(notification.TypeGeneral, notification.PriorityLow, notification.ChannelSMS))
	high1 := h.create(t, input(notification.TypeGeneral, notification.PriorityHigh, notification.ChannelSMS))
	normal := h.create(t, input(notification.TypeGeneral, notification.PriorityNormal, notification.ChannelSMS))
	high2 := h.create(t, input(notification.TypeGeneral, notification.PriorityHigh, notification.ChannelSMS))

	outs, err := h.d.SendBatch(context.Background(), []*notification.Notification{low, high1, normal, high2})
	require.NoError(t, err)
	require.Len(t, outs, 4)
	assert.Equal(t, high1.ID, outs[0].Notification.ID)

	h.tick(t)
	assert.Equal(t, []string{high1.ID, high2.ID, normal.ID, low.ID}, h.sms.Calls())
}

func TestDispatcher_SendBatchReportsPerItemErrors(t *testing.T) {
	h := newHarness(t, noon)

	good := h.create(t, input(notification.TypeGeneral, notification.PriorityNormal))
	bad := h.create(t, input(notification.TypeGeneral, notification.PriorityNormal))
	bad.Target.Role = "unknown"

	outs, err := h.d.SendBatch(context.Background(), []*notification.Notification{good, bad})
	require.Error(t, err)
	assert.True(t, outs[0].Enqueued)
	assert.ErrorIs(t, outs[1].Err, gate.ErrPermissionDenied)
}

func TestDispatcher_SendBatchRejectsNil(t *testing.T) {
	h := newHarness(t, noon)

	good := h.create(t, input(notification.TypeGeneral, notification.PriorityNormal))

	outs, err := h.d.SendBatch(context.Background(), []*notification.Notification{good, nil})
	require.Error(t, err)
	require.Len(t, outs, 2)
	assert.ErrorIs(t, outs[0].Err, notification.ErrInvalidNotification)
	assert.True(t, outs[1].Enqueued)
	assert.Equal(t, 1, h.d.QueueLen())
}

func TestDispatcher_EnqueueRejectsStaleCopy(t *testing.T) {
	h := newHarness(t, noon)

	n := h.create(t, input(notification.TypeGeneral, notification.PriorityNormal, notification.ChannelSMS))
	_, err := h.d.Enqueue(context.Background(), n)
	require.NoError(t, err)
	h.tick(t)
	require.Equal(t, notification.StatusSent, h.status(t, n.ID))

	// n still says pending; the tracked copy is sent.
	_, err = h.d.Enqueue(context.Background(), n)
	assert.ErrorIs(t, err, notification.ErrInvalidTransition)
	assert.Zero(t, h.d.QueueLen())

	h.tick(t)
	assert.Len(t, h.sms.Calls(), 1)

	entries, err := h.d.History(n.ID)
	require.NoError(t, err)
	assert.Len(t, entries.Transitions, 2)
}

func TestDispatcher_SkippedAtDispatchIsReported(t *testing.T) {
	h := newHarness(t, noon, withLimit(notification.TypePaymentReminder, ratelimit.Limit{MaxPerDay: 2}))

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, h.submit(t, input(notification.TypePaymentReminder, notification.PriorityNormal)).Notification.ID)
	}
	h.tick(t)

	_, err := h.d.Get(ids[2])
	var skipped *SkippedError
	require.ErrorAs(t, err, &skipped)
	assert.Equal(t, ReasonRateLimited, skipped.Reason)
	assert.ErrorIs(t, err, ErrNotFound)

	entries, err := h.d.History(ids[2])
	require.NoError(t, err)
	require.Len(t, entries.Skips, 1)
	assert.Empty(t, entries.Attempts)
}

func TestDispatcher_ObserversCanUnsubscribeAndPanicSafely(t *testing.T) {
	h := newHarness(t, noon)

	h.d.Subscribe(ObserverFunc(func(n *notification.Notification) { panic("broken badge") }))

	count := 0
	sub := h.d.Subscribe(ObserverFunc(func(n *notification.Notification) { count++ }))

	h.submit(t, input(notification.TypeGeneral, notification.PriorityNormal))
	h.tick(t)
	assert.Equal(t, 2, count)

	h.d.Unsubscribe(sub)
	h.submit(t, input(notification.TypeGeneral, notification.PriorityNormal))
	h.tick(t)
	assert.Equal(t, 2, count)
}

func TestDispatcher_DeliveredAndRead(t *testing.T) {
	h := newHarness(t, noon)
	ctx := context.Background()

	out := h.submit(t, input(notification.TypeGeneral, notification.PriorityNormal))
	h.tick(t)
	id := out.Notification.ID
	assert.Equal(t, 1, h.d.UnreadCount("user-1"))

	n, err := h.d.MarkDelivered(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusDelivered, n.Status)
	assert.Equal(t, 1, h.d.UnreadCount("user-1"))

	n, err = h.d.MarkRead(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusRead, n.Status)
	assert.NotNil(t, n.ReadTime)
	assert.Zero(t, h.d.UnreadCount("user-1"))

	_, err = h.d.MarkDelivered(ctx, id)
	assert.ErrorIs(t, err, notification.ErrInvalidTransition)

	_, err = h.d.MarkRead(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDispatcher_Resend(t *testing.T) {
	h := newHarness(t, noon)
	ctx := context.Background()

	out := h.submit(t, input(notification.TypeHealthAlert, notification.PriorityNormal))
	h.clock.Advance(2 * time.Hour)
	h.tick(t)
	require.Equal(t, notification.StatusExpired, h.status(t, out.Notification.ID))

	again, err := h.d.Resend(ctx, out.Notification.ID)
	require.NoError(t, err)
	require.True(t, again.Enqueued)
	assert.NotEqual(t, out.Notification.ID, again.Notification.ID)
	assert.Equal(t, out.Notification.ID, again.Notification.Data["resend_of"])

	h.tick(t)
	assert.Equal(t, notification.StatusSent, h.status(t, again.Notification.ID))

	_, err = h.d.Resend(ctx, again.Notification.ID)
	assert.ErrorIs(t, err, ErrNotResendable)
}

func TestDispatcher_RestoreFromStore(t *testing.T) {
	s := store.NewMemory()
	first := newHarness(t, noon, withStore(s))

	sent := first.submit(t, input(notification.TypeGeneral, notification.PriorityNormal))
	first.tick(t)
	waiting := first.submit(t, input(notification.TypeGeneral, notification.PriorityNormal))

	second := newHarness(t, noon, withStore(s))
	require.NoError(t, second.d.Restore(context.Background()))

	assert.Equal(t, 1, second.d.QueueLen())
	assert.Equal(t, notification.StatusSent, second.status(t, sent.Notification.ID))

	second.tick(t)
	assert.Equal(t, []string{waiting.Notification.ID}, second.sms.Calls())
	assert.Equal(t, notification.StatusSent, second.status(t, waiting.Notification.ID))
}

func TestDispatcher_RestoreRequeuesInFlight(t *testing.T) {
	s := store.NewMemory()
	first := newHarness(t, noon, withStore(s))
	n := first.create(t, input(notification.TypeGeneral, notification.PriorityNormal))

	// simulate a crash after the sending transition was written
	n.Status = notification.StatusSending
	n.AttemptCount = 1
	require.NoError(t, first.tracker.Save(context.Background(), n))

	second := newHarness(t, noon, withStore(s))
	require.NoError(t, second.d.Restore(context.Background()))
	assert.Equal(t, 1, second.d.QueueLen())
	assert.Equal(t, notification.StatusPending, second.status(t, n.ID))

	second.tick(t)
	assert.Equal(t, notification.StatusSent, second.status(t, n.ID))
}

type failingSnapshot struct{ *store.Memory }

func (f failingSnapshot) Set(ctx context.Context, key string, value []byte) error {
	if strings.HasPrefix(key, "queue:") {
		return store.Wrap("set", key, errors.New("read-only replica"))
	}
	return f.Memory.Set(ctx, key, value)
}

func TestDispatcher_EnqueueSurfacesStorageError(t *testing.T) {
	h := newHarness(t, noon, withStore(failingSnapshot{store.NewMemory()}))

	_, err := h.d.Enqueue(context.Background(), h.create(t, input(notification.TypeGeneral, notification.PriorityNormal)))
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrStorage)
	assert.Zero(t, h.d.QueueLen())
}

// flakyNotifications fails notification snapshot writes while down is set.
type flakyNotifications struct {
	*store.Memory
	down bool
}

func (f *flakyNotifications) Set(ctx context.Context, key string, value []byte) error {
	if f.down && strings.HasPrefix(key, "notification:") {
		return store.Wrap("set", key, errors.New("connection reset"))
	}
	return f.Memory.Set(ctx, key, value)
}

func TestDispatcher_TickRequeuesWhenAttemptCannotBeRecorded(t *testing.T) {
	flaky := &flakyNotifications{Memory: store.NewMemory()}
	h := newHarness(t, noon, withStore(flaky))

	out := h.submit(t, input(notification.TypeGeneral, notification.PriorityNormal, notification.ChannelSMS))
	id := out.Notification.ID

	flaky.down = true
	err := h.d.Tick(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrStorage)

	assert.Equal(t, 1, h.d.QueueLen(), "entry must stay queued")
	assert.Empty(t, h.sms.Calls(), "nothing is sent without a recorded attempt")
	n, err := h.d.Get(id)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusPending, n.Status)
	assert.Zero(t, n.AttemptCount)

	flaky.down = false
	h.tick(t)

	assert.Equal(t, notification.StatusSent, h.status(t, id))
	assert.Len(t, h.sms.Calls(), 1)
	entries, err := h.d.History(id)
	require.NoError(t, err)
	require.Len(t, entries.Transitions, 2)
	assert.Equal(t, notification.StatusPending, entries.Transitions[0].From)
	assert.Equal(t, notification.StatusSent, entries.Transitions[1].To)
}

func TestDispatcher_Cleanup(t *testing.T) {
	h := newHarness(t, noon)

	out := h.submit(t, input(notification.TypeGeneral, notification.PriorityNormal))
	h.tick(t)
	_, err := h.d.MarkRead(context.Background(), out.Notification.ID)
	require.NoError(t, err)

	h.clock.Advance(31 * 24 * time.Hour)
	res, err := h.d.Cleanup(context.Background(), history.DefaultCleanupOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)

	_, err = h.d.Get(out.Notification.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDispatcher_StatsIdempotent(t *testing.T) {
	h := newHarness(t, noon)
	h.sms.setFail(true)

	h.submit(t, input(notification.TypeGeneral, notification.PriorityNormal))
	h.submit(t, input(notification.TypeAppointmentReminder, notification.PriorityHigh, notification.ChannelSMS))
	h.tick(t)

	a := h.d.Stats(history.Filter{})
	b := h.d.Stats(history.Filter{})
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0/3.0, a.SuccessRate, 1e-9)
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, noon)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.d.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
