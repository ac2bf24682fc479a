package sync

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/kanak-erp/kanak-erp/internal/docstore"
	"github.com/kanak-erp/kanak-erp/internal/platform/httpx"
)

// Handler wires HTTP endpoints for the sync protocol.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs sync handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers sync routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/push", h.handlePush)
	r.Get("/pull", h.handlePull)
	r.Get("/status", h.handleStatus)
	r.Post("/resolve-conflict", h.handleResolve)
}

func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	var req PushRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	resp, err := h.service.Push(r.Context(), req)
	if err != nil {
		h.respondError(w, "push", err)
		return
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handlePull(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var collections []string
	if raw := q.Get("collections"); raw != "" {
		for _, c := range strings.Split(raw, ",") {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			if !docstore.IsSyncable(c) {
				httpx.Problem(w, http.StatusBadRequest, "Validation Failed",
					fmt.Sprintf("unknown collection %q", c))
				return
			}
			collections = append(collections, c)
		}
	}

	resp, err := h.service.Pull(r.Context(), q.Get("last_sync"), collections)
	if err != nil {
		h.respondError(w, "pull", err)
		return
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.Status(r.Context())
	if err != nil {
		h.respondError(w, "status", err)
		return
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	resp, err := h.service.Resolve(r.Context(), req)
	if err != nil {
		h.respondError(w, "resolve conflict", err)
		return
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, docstore.ErrDocumentNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrNotFound, err))
	case errors.Is(err, docstore.ErrUnknownCollection),
		errors.Is(err, ErrResolutionRequired),
		errors.Is(err, ErrInvalidCheckpoint):
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err))
	default:
		h.logger.Error("sync request failed", slog.String("op", op), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
