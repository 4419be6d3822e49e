package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"sms-confirmation/internal/confirmable/domain"
	"sms-confirmation/internal/confirmable/service"
)

type response struct {
	Data  any            `json:"data,omitempty"`
	Error *errorResponse `json:"error,omitempty"`
}

type errorResponse struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Fields  map[string][]string `json:"fields,omitempty"`
}

// identitySummary is the public view of an identity. It never carries the phone or any token.
type identitySummary struct {
	ID                      string `json:"id"`
	Class                   string `json:"class"`
	Confirmed               bool   `json:"confirmed"`
	PendingReconfirmation   bool   `json:"pending_reconfirmation"`
	ActiveForAuthentication bool   `json:"active_for_authentication"`
	ConfirmedAt             string `json:"confirmed_at,omitempty"`
}

func summarize(svc *service.Service, i *domain.Identity) identitySummary {
	s := identitySummary{
		ID:                      i.ID,
		Class:                   i.Class,
		Confirmed:               svc.IsConfirmed(i),
		PendingReconfirmation:   svc.IsPendingReconfirmation(i),
		ActiveForAuthentication: svc.ActiveForAuthentication(i),
	}
	if i.ConfirmedAt != nil {
		s.ConfirmedAt = i.ConfirmedAt.UTC().Format(time.RFC3339)
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeFail(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, response{Error: &errorResponse{Code: code, Message: message}})
}

// writeFieldErrors reports recoverable failures. Fields come from i when it carries errors.
func writeFieldErrors(w http.ResponseWriter, status int, i *domain.Identity, fe *service.FieldError) {
	fields := map[string][]string{fe.Field: {fe.Message}}
	if i != nil && !i.Errors.Empty() {
		fields = i.Errors.Map()
	}
	writeJSON(w, status, response{Error: &errorResponse{
		Code:    string(fe.Kind),
		Message: fe.Error(),
		Fields:  fields,
	}})
}

// writeError maps a service error to a status. Field errors are 422 unless notFoundStatus applies.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, i *domain.Identity, err error) {
	var fe *service.FieldError
	switch {
	case errors.As(err, &fe):
		writeFieldErrors(w, http.StatusUnprocessableEntity, i, fe)
	case errors.Is(err, service.ErrNotificationFailed):
		h.logger.WarnContext(r.Context(), "state saved but sms delivery failed", slog.String("path", r.URL.Path))
		writeFail(w, http.StatusBadGateway, "NOTIFICATION_FAILED", "the change was saved but the SMS could not be sent; request a new one")
	default:
		h.logger.ErrorContext(r.Context(), "sms confirmation request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeFail(w, http.StatusInternalServerError, "INTERNAL_ERROR", "an internal error occurred")
	}
}
