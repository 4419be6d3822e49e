// Package handler exposes the SMS confirmation flow over HTTP.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"sms-confirmation/internal/confirmable/domain"
	"sms-confirmation/internal/confirmable/repository"
	"sms-confirmation/internal/confirmable/service"
	"sms-confirmation/internal/notify/devoutbox"
)

const maxBodyBytes = 1 << 20

// ResendRequest is the body of POST /{class}/sms_confirmation. Only the class's confirmation keys are used.
type ResendRequest struct {
	ID           string `json:"id" validate:"omitempty,max=64"`
	Phone        string `json:"phone" validate:"omitempty,max=32"`
	PendingPhone string `json:"pending_phone" validate:"omitempty,max=32"`
}

func (r ResendRequest) attrs() map[string]string {
	attrs := make(map[string]string, 3)
	if r.ID != "" {
		attrs[repository.KeyID] = r.ID
	}
	if r.Phone != "" {
		attrs[repository.KeyPhone] = r.Phone
	}
	if r.PendingPhone != "" {
		attrs[repository.KeyPendingPhone] = r.PendingPhone
	}
	return attrs
}

// ConfirmRequest is the body of PUT /{class}/sms_confirmation.
type ConfirmRequest struct {
	Token string `json:"sms_confirmation_token" validate:"max=256"`
}

// Handler serves the confirmation endpoints for every configured identity class.
type Handler struct {
	services map[string]*service.Service
	outbox   devoutbox.Store
	logger   *slog.Logger
	validate *validator.Validate
}

// Option configures a Handler.
type Option func(*Handler)

// WithDevOutbox enables GET /dev/sms_confirmation/token backed by store. Never set in production.
func WithDevOutbox(store devoutbox.Store) Option {
	return func(h *Handler) { h.outbox = store }
}

// New returns a Handler dispatching to services by class.
func New(services map[string]*service.Service, logger *slog.Logger, opts ...Option) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	h := &Handler{services: services, logger: logger, validate: v}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers the endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	if h.outbox != nil {
		r.Get("/dev/sms_confirmation/token", h.DevToken)
	}
	r.Route("/{class}/sms_confirmation", func(r chi.Router) {
		r.Post("/", h.Resend)
		r.Put("/", h.Confirm)
		r.Get("/", h.Show)
	})
}

func (h *Handler) classService(w http.ResponseWriter, r *http.Request) (*service.Service, bool) {
	svc, ok := h.services[chi.URLParam(r, "class")]
	if !ok {
		writeFail(w, http.StatusNotFound, "UNKNOWN_CLASS", "unknown identity class")
	}
	return svc, ok
}

// Resend handles POST /{class}/sms_confirmation.
func (h *Handler) Resend(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.classService(w, r)
	if !ok {
		return
	}
	var req ResendRequest
	if !h.decode(w, r, &req) {
		return
	}

	i, err := svc.SendConfirmationInstructions(r.Context(), req.attrs(), service.Options{})
	if err != nil {
		h.writeError(w, r, i, err)
		return
	}
	writeJSON(w, http.StatusAccepted, response{Data: map[string]string{
		"message": "confirmation instructions sent",
	}})
}

// Confirm handles PUT /{class}/sms_confirmation.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.classService(w, r)
	if !ok {
		return
	}
	var req ConfirmRequest
	if !h.decode(w, r, &req) {
		return
	}

	i, err := svc.ConfirmByToken(r.Context(), req.Token, service.Options{})
	if err != nil {
		h.writeError(w, r, i, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Data: summarize(svc, i)})
}

// Show handles GET /{class}/sms_confirmation?phone=... using the class's confirmation keys.
func (h *Handler) Show(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.classService(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	attrs := make(map[string]string)
	for _, k := range []string{repository.KeyID, repository.KeyPhone, repository.KeyPendingPhone} {
		if v := q.Get(k); v != "" {
			attrs[k] = v
		}
	}

	i, err := svc.FindOrReportNotFound(r.Context(), attrs)
	if err != nil {
		h.writeError(w, r, i, err)
		return
	}
	if !i.Persisted() {
		writeJSON(w, http.StatusNotFound, response{Error: &errorResponse{
			Code:    string(domain.KindNotFound),
			Message: "identity not found",
			Fields:  i.Errors.Map(),
		}})
		return
	}
	writeJSON(w, http.StatusOK, response{Data: summarize(svc, i)})
}

// DevToken handles GET /dev/sms_confirmation/token?class=&phone=. class may be omitted when only one is served.
func (h *Handler) DevToken(w http.ResponseWriter, r *http.Request) {
	class := r.URL.Query().Get("class")
	if class == "" {
		if len(h.services) != 1 {
			writeFail(w, http.StatusBadRequest, "INVALID_INPUT", "class is required")
			return
		}
		for c := range h.services {
			class = c
		}
	}
	phone := domain.NormalizePhone(r.URL.Query().Get("phone"))
	if phone == "" {
		writeFail(w, http.StatusBadRequest, "INVALID_INPUT", "phone is required")
		return
	}

	token, ok, err := h.outbox.Get(r.Context(), devoutbox.Key(class, phone))
	if err != nil {
		h.writeError(w, r, nil, err)
		return
	}
	if !ok {
		writeFail(w, http.StatusNotFound, "NOT_FOUND", "no token sent to this phone")
		return
	}
	writeJSON(w, http.StatusOK, response{Data: map[string]string{"sms_confirmation_token": token}})
}

// decode reads a JSON body into dst and validates it, writing the failure response itself.
// An empty body decodes to the zero value.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeFail(w, http.StatusBadRequest, "INVALID_INPUT", "invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeFail(w, http.StatusBadRequest, "INVALID_INPUT", "invalid request body")
			return false
		}
		fields := make(map[string][]string, len(verrs))
		names := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = append(fields[fe.Field()], "is invalid")
			names = append(names, fe.Field())
		}
		sort.Strings(names)
		writeJSON(w, http.StatusUnprocessableEntity, response{Error: &errorResponse{
			Code:    string(domain.KindValidationFailed),
			Message: "invalid " + strings.Join(names, ", "),
			Fields:  fields,
		}})
		return false
	}
	return true
}
