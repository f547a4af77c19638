// Package api is the HTTP surface of the dispatcher.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/dispatch"
	"github.com/lalithlochan/courier/internal/history"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/notification"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/sqs"
)

const maxBatchSize = 100

// Dispatcher is the part of dispatch.Dispatcher the API exposes.
type Dispatcher interface {
	CreateNotification(ctx context.Context, in notification.Input) (*notification.Notification, error)
	Enqueue(ctx context.Context, n *notification.Notification) (dispatch.Outcome, error)
	SendBatch(ctx context.Context, ns []*notification.Notification) ([]dispatch.Outcome, error)
	Get(id string) (*notification.Notification, error)
	History(id string) (history.Entries, error)
	MarkDelivered(ctx context.Context, id string) (*notification.Notification, error)
	MarkRead(ctx context.Context, id string) (*notification.Notification, error)
	Resend(ctx context.Context, id string) (dispatch.Outcome, error)
	Stats(f history.Filter) history.Stats
	Cleanup(ctx context.Context, opts history.CleanupOptions) (history.CleanupResult, error)
	UnreadCount(userID string) int
	QueueLen() int
}

// Idempotency deduplicates create requests.
type Idempotency interface {
	CheckOrReserve(ctx context.Context, clientID, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, clientID, key string, result *redis.IdempotencyResult, ttl time.Duration) error
	Release(ctx context.Context, clientID, key string) error
}

// IntentPublisher queues intents for the ingest loop.
type IntentPublisher interface {
	Publish(ctx context.Context, intent sqs.Intent) (sqs.Intent, string, error)
}

// InboxReader lists a user's in-app inbox.
type InboxReader interface {
	List(ctx context.Context, userID string, limit int64) ([]redis.InboxItem, error)
}

// Handler holds dependencies for API handlers. Optional collaborators are
// nil when their backend is not configured.
type Handler struct {
	logger      *zap.Logger
	dispatcher  Dispatcher
	idempotency Idempotency
	publisher   IntentPublisher
	inbox       InboxReader
	breakers    []*circuitbreaker.CircuitBreaker
}

// Option configures optional collaborators.
type Option func(*Handler)

func WithIdempotency(i Idempotency) Option { return func(h *Handler) { h.idempotency = i } }

func WithPublisher(p IntentPublisher) Option { return func(h *Handler) { h.publisher = p } }

func WithInbox(i InboxReader) Option { return func(h *Handler) { h.inbox = i } }

func WithBreakers(b ...*circuitbreaker.CircuitBreaker) Option {
	return func(h *Handler) { h.breakers = append(h.breakers, b...) }
}

func NewHandler(logger *zap.Logger, d Dispatcher, opts ...Option) *Handler {
	h := &Handler{logger: logger, dispatcher: d}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the /v1 endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/notifications", h.CreateNotification)
	r.Post("/notifications/batch", h.CreateBatch)
	r.Get("/notifications/{id}", h.GetNotification)
	r.Get("/notifications/{id}/history", h.GetHistory)
	r.Post("/notifications/{id}/delivered", h.MarkDelivered)
	r.Post("/notifications/{id}/read", h.MarkRead)
	r.Post("/notifications/{id}/resend", h.Resend)

	r.Post("/intents", h.PublishIntent)

	r.Get("/users/{id}/unread", h.UnreadCount)
	r.Get("/users/{id}/inbox", h.Inbox)

	r.Get("/stats", h.Stats)
	r.Post("/history/cleanup", h.Cleanup)
	r.Get("/channels", h.Channels)
}

// NotificationRequest is the create body. Priority accepts a name
// ("urgent") or an ordinal (4).
type NotificationRequest struct {
	Type          notification.Type      `json:"type"`
	Title         string                 `json:"title"`
	Content       string                 `json:"content"`
	TemplateID    string                 `json:"template_id,omitempty"`
	Data          map[string]string      `json:"data,omitempty"`
	Target        notification.Target    `json:"target"`
	Channels      []notification.Channel `json:"channels"`
	Priority      json.RawMessage        `json:"priority,omitempty"`
	ScheduledTime *time.Time             `json:"scheduled_time,omitempty"`
	MaxAttempts   int                    `json:"max_attempts,omitempty"`
}

func (req NotificationRequest) input() (notification.Input, error) {
	in := notification.Input{
		Type:        req.Type,
		Title:       req.Title,
		Content:     req.Content,
		TemplateID:  req.TemplateID,
		Data:        req.Data,
		Target:      req.Target,
		Channels:    req.Channels,
		MaxAttempts: req.MaxAttempts,
	}
	if req.ScheduledTime != nil {
		in.ScheduledTime = *req.ScheduledTime
	}

	p, err := parsePriority(req.Priority)
	if err != nil {
		return in, err
	}
	in.Priority = p
	return in, nil
}

func parsePriority(raw json.RawMessage) (notification.Priority, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	p, err := notification.ParsePriority(strings.ToLower(s))
	if err != nil {
		return 0, &notification.ValidationError{Field: "priority", Message: err.Error()}
	}
	return p, nil
}

// NotificationResponse reports the admission outcome of one notification.
type NotificationResponse struct {
	ID            string              `json:"id"`
	Status        notification.Status `json:"status,omitempty"`
	Enqueued      bool                `json:"enqueued"`
	Deferred      bool                `json:"deferred,omitempty"`
	Skipped       bool                `json:"skipped,omitempty"`
	Reason        string              `json:"reason,omitempty"`
	NextAttemptAt *time.Time          `json:"next_attempt_at,omitempty"`
}

func outcomeResponse(out dispatch.Outcome) NotificationResponse {
	resp := NotificationResponse{
		Enqueued: out.Enqueued,
		Deferred: out.Deferred,
		Skipped:  out.Skipped,
		Reason:   out.Reason,
	}
	if out.Notification != nil {
		resp.ID = out.Notification.ID
		resp.Status = out.Notification.Status
	}
	if !out.NextAttemptAt.IsZero() {
		t := out.NextAttemptAt
		resp.NextAttemptAt = &t
	}
	return resp
}

// outcomeStatus is 202 for queued notifications and 200 for skipped ones.
func outcomeStatus(out dispatch.Outcome) int {
	if out.Skipped {
		return http.StatusOK
	}
	return http.StatusAccepted
}

// CreateNotification handles POST /v1/notifications.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")
	clientID := ClientID(r)

	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	in, err := req.input()
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	useIdempotency := idempotencyKey != "" && h.idempotency != nil
	if useIdempotency {
		cached, err := h.idempotency.CheckOrReserve(ctx, clientID, idempotencyKey)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
			useIdempotency = false
		case cached != nil:
			metrics.RecordIdempotencyHit()
			w.Header().Set("X-Idempotency-Replayed", "true")
			writeJSON(w, cached.StatusCode, NotificationResponse{
				ID:       cached.NotificationID,
				Enqueued: !cached.Skipped,
				Deferred: cached.Deferred,
				Skipped:  cached.Skipped,
				Reason:   cached.Reason,
			})
			return
		}
	}

	out, err := h.create(ctx, in)
	if err != nil {
		if useIdempotency {
			if rerr := h.idempotency.Release(ctx, clientID, idempotencyKey); rerr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(rerr))
			}
		}
		h.logger.Info("notification rejected",
			zap.String("client_id", clientID),
			zap.String("type", string(in.Type)),
			zap.Error(err),
		)
		h.writeDomainError(w, err)
		return
	}

	status := outcomeStatus(out)
	if useIdempotency {
		result := &redis.IdempotencyResult{
			NotificationID: out.Notification.ID,
			StatusCode:     status,
			Skipped:        out.Skipped,
			Deferred:       out.Deferred,
			Reason:         out.Reason,
		}
		if err := h.idempotency.Store(ctx, clientID, idempotencyKey, result, redis.IdempotencyTTLExact); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	writeJSON(w, status, outcomeResponse(out))
}

func (h *Handler) create(ctx context.Context, in notification.Input) (dispatch.Outcome, error) {
	n, err := h.dispatcher.CreateNotification(ctx, in)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	return h.dispatcher.Enqueue(ctx, n)
}

// BatchRequest is the body of POST /v1/notifications/batch.
type BatchRequest struct {
	Notifications []NotificationRequest `json:"notifications"`
}

// BatchItem is the per-notification result of a batch. Index refers to the
// request order; items are listed in dispatch order.
type BatchItem struct {
	Index int `json:"index"`
	*NotificationResponse
	Error *ErrorResponse `json:"error,omitempty"`
}

// CreateBatch handles POST /v1/notifications/batch. Invalid items are
// reported individually and do not fail the batch.
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if len(req.Notifications) == 0 || len(req.Notifications) > maxBatchSize {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid batch size",
			fmt.Sprintf("a batch holds 1 to %d notifications", maxBatchSize))
		return
	}

	items := make([]BatchItem, 0, len(req.Notifications))
	created := make([]*notification.Notification, 0, len(req.Notifications))
	index := make(map[string]int, len(req.Notifications))

	for i, nr := range req.Notifications {
		in, err := nr.input()
		if err == nil {
			var n *notification.Notification
			n, err = h.dispatcher.CreateNotification(ctx, in)
			if err == nil {
				created = append(created, n)
				index[n.ID] = i
				continue
			}
		}
		prob := problemFor(err)
		items = append(items, BatchItem{Index: i, Error: &prob})
	}

	outcomes, _ := h.dispatcher.SendBatch(ctx, created)
	for _, out := range outcomes {
		item := BatchItem{Index: index[out.Notification.ID]}
		if out.Err != nil {
			prob := problemFor(out.Err)
			item.Error = &prob
		} else {
			resp := outcomeResponse(out)
			item.NotificationResponse = &resp
		}
		items = append(items, item)
	}

	h.logger.Info("batch processed",
		zap.Int("requested", len(req.Notifications)),
		zap.Int("accepted", len(created)),
	)

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  items,
		"count": len(items),
	})
}

// GetNotification handles GET /v1/notifications/{id}.
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	n, err := h.dispatcher.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// GetHistory handles GET /v1/notifications/{id}/history.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.dispatcher.History(chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// MarkDelivered handles POST /v1/notifications/{id}/delivered.
func (h *Handler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	h.acknowledge(w, r, h.dispatcher.MarkDelivered)
}

// MarkRead handles POST /v1/notifications/{id}/read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	h.acknowledge(w, r, h.dispatcher.MarkRead)
}

func (h *Handler) acknowledge(w http.ResponseWriter, r *http.Request, mark func(context.Context, string) (*notification.Notification, error)) {
	id := chi.URLParam(r, "id")
	n, err := mark(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.logger.Info("notification acknowledged",
		zap.String("notification_id", id),
		zap.String("status", string(n.Status)),
	)
	writeJSON(w, http.StatusOK, n)
}

// Resend handles POST /v1/notifications/{id}/resend.
func (h *Handler) Resend(w http.ResponseWriter, r *http.Request) {
	out, err := h.dispatcher.Resend(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, outcomeStatus(out), outcomeResponse(out))
}

// PublishIntent handles POST /v1/intents: the notification is validated
// now and created later by the ingest loop.
func (h *Handler) PublishIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.publisher == nil {
		h.writeError(w, http.StatusServiceUnavailable, "ingest_disabled", "Intent queue not configured", "")
		return
	}

	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	in, err := req.input()
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if _, err := h.dispatcher.CreateNotification(ctx, in); err != nil {
		h.writeDomainError(w, err)
		return
	}

	intent, msgID, err := h.publisher.Publish(ctx, sqs.Intent{
		IntentID: r.Header.Get("Idempotency-Key"),
		ClientID: ClientID(r),
		Input:    in,
	})
	if err != nil {
		h.writeError(w, http.StatusBadGateway, "enqueue_error", "Failed to queue intent", "")
		return
	}

	h.logger.Info("intent queued",
		zap.String("intent_id", intent.IntentID),
		zap.String("sqs_message_id", msgID),
	)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"intent_id":  intent.IntentID,
		"message_id": msgID,
	})
}

// UnreadCount handles GET /v1/users/{id}/unread.
func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"unread":  h.dispatcher.UnreadCount(userID),
	})
}

// Inbox handles GET /v1/users/{id}/inbox?limit=20.
func (h *Handler) Inbox(w http.ResponseWriter, r *http.Request) {
	if h.inbox == nil {
		h.writeError(w, http.StatusServiceUnavailable, "inbox_disabled", "In-app inbox not configured", "")
		return
	}

	limit := int64(20)
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.ParseInt(s, 10, 64); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	userID := chi.URLParam(r, "id")
	items, err := h.inbox.List(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("failed to list inbox", zap.String("user_id", userID), zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "storage_error", "Inbox unavailable", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  items,
		"count": len(items),
	})
}

// Stats handles GET /v1/stats?user_id=&type=&channel=&since=&until=.
// since and until are RFC 3339 timestamps.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := history.Filter{
		UserID:  q.Get("user_id"),
		Type:    notification.Type(q.Get("type")),
		Channel: notification.Channel(q.Get("channel")),
	}
	if f.Type != "" && !f.Type.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid type", string(f.Type))
		return
	}
	if f.Channel != "" && !f.Channel.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", string(f.Channel))
		return
	}

	for param, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		s := q.Get(param)
		if s == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+param, "must be an RFC 3339 timestamp")
			return
		}
		*dst = t
	}

	writeJSON(w, http.StatusOK, h.dispatcher.Stats(f))
}

// CleanupRequest is the optional body of POST /v1/history/cleanup.
type CleanupRequest struct {
	OlderThanDays *int  `json:"older_than_days"`
	MaxCount      *int  `json:"max_count"`
	KeepUnread    *bool `json:"keep_unread"`
}

// Cleanup handles POST /v1/history/cleanup. Omitted fields keep the
// defaults: 30 days, no count limit, keep unread.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	opts := history.DefaultCleanupOptions()

	var req CleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.OlderThanDays != nil {
		opts.OlderThanDays = *req.OlderThanDays
	}
	if req.MaxCount != nil {
		opts.MaxCount = *req.MaxCount
	}
	if req.KeepUnread != nil {
		opts.KeepUnread = *req.KeepUnread
	}
	if opts.OlderThanDays < 0 || opts.MaxCount < 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid cleanup options", "values must not be negative")
		return
	}

	res, err := h.dispatcher.Cleanup(r.Context(), opts)
	if err != nil {
		h.logger.Error("history cleanup failed", zap.Error(err))
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Channels handles GET /v1/channels: breaker state per channel.
func (h *Handler) Channels(w http.ResponseWriter, r *http.Request) {
	stats := make([]circuitbreaker.Stats, 0, len(h.breakers))
	for _, b := range h.breakers {
		stats = append(stats, b.Stats())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":        stats,
		"queue_depth": h.dispatcher.QueueLen(),
	})
}
