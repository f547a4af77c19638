package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/dispatch"
	"github.com/lalithlochan/courier/internal/gate"
	"github.com/lalithlochan/courier/internal/notification"
	"github.com/lalithlochan/courier/internal/store"
)

// ErrorResponse represents an error in problem+json format.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// problemFor maps dispatcher errors onto HTTP problems.
func problemFor(err error) ErrorResponse {
	p := func(status int, errType, title, detail string) ErrorResponse {
		return ErrorResponse{Type: errType, Title: title, Status: status, Detail: detail}
	}
	switch {
	case errors.Is(err, notification.ErrInvalidNotification):
		return p(http.StatusBadRequest, "invalid_notification", "Invalid notification", err.Error())
	case errors.Is(err, notification.ErrTemplateNotFound):
		return p(http.StatusBadRequest, "template_not_found", "Unknown template", err.Error())
	case errors.Is(err, gate.ErrPermissionDenied):
		return p(http.StatusForbidden, "permission_denied", "Recipient may not receive this notification", err.Error())
	case errors.As(err, new(*dispatch.SkippedError)):
		return p(http.StatusNotFound, "skipped", "Notification was skipped before delivery", err.Error())
	case errors.Is(err, dispatch.ErrNotFound):
		return p(http.StatusNotFound, "not_found", "Notification not found", "")
	case errors.Is(err, notification.ErrInvalidTransition):
		return p(http.StatusConflict, "invalid_transition", "Invalid status transition", err.Error())
	case errors.Is(err, dispatch.ErrNotResendable):
		return p(http.StatusConflict, "not_resendable", "Notification cannot be resent", err.Error())
	case errors.Is(err, store.ErrStorage):
		return p(http.StatusServiceUnavailable, "storage_error", "Storage unavailable", "")
	default:
		return p(http.StatusInternalServerError, "internal_error", "Internal error", "")
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	prob := problemFor(err)
	if prob.Status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	h.writeError(w, prob.Status, prob.Type, prob.Title, prob.Detail)
}
