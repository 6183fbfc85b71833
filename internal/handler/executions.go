package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/runbox/internal/apperror"
	"github.com/sakif/runbox/internal/model"
)

// AuditReader is the part of service.AuditService the handler needs.
type AuditReader interface {
	Recent(ctx context.Context, limit int, language string) ([]model.Execution, error)
	Get(ctx context.Context, id string) (*model.Execution, error)
}

// ExecutionsHandler serves the execution audit log.
type ExecutionsHandler struct {
	audit  AuditReader
	logger *slog.Logger
}

// NewExecutionsHandler creates a new ExecutionsHandler.
func NewExecutionsHandler(audit AuditReader, logger *slog.Logger) *ExecutionsHandler {
	return &ExecutionsHandler{audit: audit, logger: logger}
}

// HandleList handles GET /api/executions?limit=N&language=L.
func (h *ExecutionsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, apperror.ValidationFailed("limit", "limit must be an integer"))
			return
		}
		limit = n
	}

	execs, err := h.audit.Recent(r.Context(), limit, r.URL.Query().Get("language"))
	if err != nil {
		writeError(w, err)
		return
	}
	if execs == nil {
		execs = []model.Execution{} // [] rather than null
	}
	writeJSON(w, http.StatusOK, execs)
}

// HandleGetByID handles GET /api/executions/{id}.
func (h *ExecutionsHandler) HandleGetByID(w http.ResponseWriter, r *http.Request) {
	exec, err := h.audit.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}
