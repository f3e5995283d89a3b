package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/agentsupervisor/server/internal/controller"
	"github.com/agentsupervisor/server/internal/db"
	"github.com/agentsupervisor/server/internal/store"
)

// TemplateHandler groups the AgentTemplate CRUD handlers. Templates are a
// defaulting source for agent configs (§5.3) — they carry no runtime state
// of their own, so these handlers talk to the TemplateStore directly rather
// than routing through the Controller.
type TemplateHandler struct {
	templates store.TemplateStore
	logger    *zap.Logger
}

// NewTemplateHandler creates a new TemplateHandler.
func NewTemplateHandler(templates store.TemplateStore, logger *zap.Logger) *TemplateHandler {
	return &TemplateHandler{templates: templates, logger: logger.Named("template_handler")}
}

// templateResponse is the JSON representation of an AgentTemplate.
type templateResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Config      string `json:"config"`
	Version     string `json:"version"`
	IsActive    bool   `json:"isActive"`
	CreatedBy   string `json:"createdBy"`
	CreatedAt   string `json:"createdAt"`
}

func templateToResponse(t *db.AgentTemplate) templateResponse {
	return templateResponse{
		ID:          t.ID.String(),
		Name:        t.Name,
		Description: t.Description,
		Config:      t.Config,
		Version:     t.Version,
		IsActive:    t.IsActive,
		CreatedBy:   t.CreatedBy.String(),
		CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// createTemplateRequest is the JSON body expected by POST /api/templates.
type createTemplateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Config      string `json:"config"`
	Version     string `json:"version,omitempty"`
}

// Create handles POST /api/templates (operator+).
func (h *TemplateHandler) Create(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromCtx(r)
	if !ok {
		ErrUnauthorized(w)
		return
	}

	var req createTemplateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}

	if _, err := controller.ValidateConfig(req.Config); err != nil {
		ErrBadRequest(w, err.Error())
		return
	}

	tpl := &db.AgentTemplate{
		Name:        req.Name,
		Description: req.Description,
		Config:      req.Config,
		IsActive:    true,
		CreatedBy:   principal.UserID,
	}
	if req.Version != "" {
		tpl.Version = req.Version
	}

	if err := h.templates.CreateTemplate(r.Context(), tpl); err != nil {
		if errors.Is(err, store.ErrConflict) {
			ErrConflict(w, "an active template with this name already exists")
			return
		}
		h.logger.Error("failed to create template", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, templateToResponse(tpl))
}

// List handles GET /api/templates.
func (h *TemplateHandler) List(w http.ResponseWriter, r *http.Request) {
	page, limit, opts := pageOpts(r)

	templates, total, err := h.templates.ListTemplates(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list templates", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]templateResponse, len(templates))
	for i := range templates {
		items[i] = templateToResponse(&templates[i])
	}

	OkPage(w, items, Pagination{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: totalPages(total, limit),
	})
}

// GetByID handles GET /api/templates/{id}.
func (h *TemplateHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	tpl, err := h.templates.GetTemplate(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get template", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, templateToResponse(tpl))
}

// Delete handles DELETE /api/templates/{id} (operator+). Templates are never
// hard-deleted — deactivating preserves history for agents already created
// from it, matching the controller's own soft-delete convention for agents.
func (h *TemplateHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.templates.Deactivate(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to deactivate template", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	OkMessage(w, "template deactivated")
}
