package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentsupervisor/server/internal/controller"
	"github.com/agentsupervisor/server/internal/db"
	"github.com/agentsupervisor/server/internal/store"
	"github.com/agentsupervisor/server/internal/supervisor"
)

// staleHeartbeatThreshold mirrors health.Monitor's own 2x-interval staleness
// rule (§4.5) for the GET .../health endpoint's isHealthy computation.
const staleHeartbeatThreshold = 60 * time.Second

// AgentHandler groups all agent lifecycle and CRUD HTTP handlers. It never
// touches the Store directly — every intent flows through the Controller,
// the sole writer of agent state.
type AgentHandler struct {
	ctl    *controller.Controller
	sup    *supervisor.Supervisor
	events store.EventStore
	logger *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(ctl *controller.Controller, sup *supervisor.Supervisor, events store.EventStore, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		ctl:    ctl,
		sup:    sup,
		events: events,
		logger: logger.Named("agent_handler"),
	}
}

// agentResponse is the JSON representation of an agent returned by the API.
type agentResponse struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Description   string  `json:"description"`
	Status        string  `json:"status"`
	Config        string  `json:"config"`
	TemplateID    *string `json:"templateId,omitempty"`
	ProcessID     *int    `json:"processId,omitempty"`
	Port          *int    `json:"port,omitempty"`
	LastHeartbeat *string `json:"lastHeartbeat,omitempty"`
	ErrorMessage  string  `json:"errorMessage,omitempty"`
	RestartCount  int     `json:"restartCount"`
	CreatedBy     string  `json:"createdBy"`
	CreatedAt     string  `json:"createdAt"`
}

func agentToResponse(a *db.Agent) agentResponse {
	resp := agentResponse{
		ID:           a.ID.String(),
		Name:         a.Name,
		Description:  a.Description,
		Status:       a.Status,
		Config:       a.Config,
		ProcessID:    a.ProcessID,
		Port:         a.Port,
		ErrorMessage: a.ErrorMessage,
		RestartCount: a.RestartCount,
		CreatedBy:    a.CreatedBy.String(),
		CreatedAt:    a.CreatedAt.UTC().Format(time.RFC3339),
	}
	if a.TemplateID != nil {
		s := a.TemplateID.String()
		resp.TemplateID = &s
	}
	if a.LastHeartbeat != nil {
		s := a.LastHeartbeat.UTC().Format(time.RFC3339)
		resp.LastHeartbeat = &s
	}
	return resp
}

// principalFromCtx builds a controller.Principal from the authenticated
// request's JWT claims. Callers must run after Authenticate.
func principalFromCtx(r *http.Request) (controller.Principal, bool) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		return controller.Principal{}, false
	}
	id, err := parseUUIDString(claims.UserID)
	if err != nil {
		return controller.Principal{}, false
	}
	return controller.Principal{UserID: id, Role: claims.Role}, true
}

// writeControllerErr maps a controller sentinel error to the matching HTTP
// status, per §6.1's per-route error columns.
func writeControllerErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, controller.ErrNotFound):
		ErrNotFound(w)
	case errors.Is(err, controller.ErrForbidden):
		ErrForbidden(w)
	case errors.Is(err, controller.ErrNameConflict):
		ErrConflict(w, err.Error())
	case errors.Is(err, controller.ErrTemplateNotFound):
		ErrNotFound(w)
	case errors.Is(err, controller.ErrInvalidConfig):
		ErrBadRequest(w, err.Error())
	case errors.Is(err, controller.ErrInvalidState), errors.Is(err, controller.ErrConflictingState):
		ErrBadRequest(w, err.Error())
	case errors.Is(err, controller.ErrNoPortAvailable):
		ErrServiceUnavailable(w, err.Error())
	case errors.Is(err, controller.ErrShuttingDown):
		ErrServiceUnavailable(w, err.Error())
	default:
		ErrInternal(w)
	}
}

// List handles GET /api/agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromCtx(r)
	if !ok {
		ErrUnauthorized(w)
		return
	}

	q := r.URL.Query()
	filter := store.AgentFilter{
		Status:          q.Get("status"),
		SearchSubstring: q.Get("search"),
	}
	page, limit, opts := pageOpts(r)

	agents, total, err := h.ctl.List(r.Context(), principal, filter, opts)
	if err != nil {
		h.logger.Error("failed to list agents", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]agentResponse, len(agents))
	for i := range agents {
		items[i] = agentToResponse(&agents[i])
	}

	OkPage(w, items, Pagination{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: totalPages(total, limit),
	})
}

// createAgentRequest is the JSON body expected by POST /api/agents.
type createAgentRequest struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Config      string  `json:"config"`
	TemplateID  *string `json:"templateId,omitempty"`
}

// Create handles POST /api/agents.
func (h *AgentHandler) Create(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromCtx(r)
	if !ok {
		ErrUnauthorized(w)
		return
	}

	var req createAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}

	creq := controller.CreateRequest{
		Name:        req.Name,
		Description: req.Description,
		Config:      req.Config,
	}
	if req.TemplateID != nil {
		tid, err := uuid.Parse(*req.TemplateID)
		if err != nil {
			ErrBadRequest(w, "invalid templateId: must be a valid UUID")
			return
		}
		creq.TemplateID = &tid
	}

	agent, err := h.ctl.Create(r.Context(), principal, creq)
	if err != nil {
		writeControllerErr(w, err)
		return
	}

	Created(w, agentToResponse(agent))
}

// GetByID handles GET /api/agents/{id}.
func (h *AgentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromCtx(r)
	if !ok {
		ErrUnauthorized(w)
		return
	}
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	agent, err := h.ctl.Get(r.Context(), principal, id)
	if err != nil {
		writeControllerErr(w, err)
		return
	}

	Ok(w, agentToResponse(agent))
}

// updateAgentRequest is the JSON body expected by PUT /api/agents/{id}.
type updateAgentRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Config      *string `json:"config"`
}

// Update handles PUT /api/agents/{id}.
func (h *AgentHandler) Update(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromCtx(r)
	if !ok {
		ErrUnauthorized(w)
		return
	}
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req updateAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	agent, err := h.ctl.Update(r.Context(), principal, id, controller.UpdateRequest{
		Name:        req.Name,
		Description: req.Description,
		Config:      req.Config,
	})
	if err != nil {
		writeControllerErr(w, err)
		return
	}

	Ok(w, agentToResponse(agent))
}

// Delete handles DELETE /api/agents/{id}.
func (h *AgentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromCtx(r)
	if !ok {
		ErrUnauthorized(w)
		return
	}
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.ctl.Delete(r.Context(), principal, id); err != nil {
		writeControllerErr(w, err)
		return
	}

	OkMessage(w, "agent deleted")
}

// startResponse mirrors §6.1's success body for POST .../start and .../restart.
type startResponse struct {
	AgentID   string `json:"agentId"`
	Port      int    `json:"port"`
	PID       int    `json:"pid"`
	StartedAt string `json:"startedAt"`
}

func toStartResponse(res *controller.StartResult) startResponse {
	return startResponse{
		AgentID:   res.AgentID.String(),
		Port:      res.Port,
		PID:       res.PID,
		StartedAt: res.StartedAt.UTC().Format(time.RFC3339),
	}
}

// Start handles POST /api/agents/{id}/start.
func (h *AgentHandler) Start(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromCtx(r)
	if !ok {
		ErrUnauthorized(w)
		return
	}
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	res, err := h.ctl.Start(r.Context(), principal, id)
	if err != nil {
		writeControllerErr(w, err)
		return
	}

	Ok(w, toStartResponse(res))
}

// stopRequest is the JSON body expected by POST /api/agents/{id}/stop.
type stopRequest struct {
	Force bool `json:"force,omitempty"`
}

// Stop handles POST /api/agents/{id}/stop.
func (h *AgentHandler) Stop(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromCtx(r)
	if !ok {
		ErrUnauthorized(w)
		return
	}
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req stopRequest
	if r.ContentLength > 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	if err := h.ctl.Stop(r.Context(), principal, id, req.Force); err != nil {
		writeControllerErr(w, err)
		return
	}

	OkMessage(w, "agent stopped")
}

// Restart handles POST /api/agents/{id}/restart.
func (h *AgentHandler) Restart(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromCtx(r)
	if !ok {
		ErrUnauthorized(w)
		return
	}
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	res, err := h.ctl.Restart(r.Context(), principal, id)
	if err != nil {
		writeControllerErr(w, err)
		return
	}

	Ok(w, toStartResponse(res))
}

// processResponse mirrors §6.1's success body for GET .../process.
type processResponse struct {
	PID            int     `json:"pid"`
	Port           int     `json:"port"`
	UptimeMs       int64   `json:"uptime"`
	MemoryRSS      uint64  `json:"memory"`
	CPUPercent     float64 `json:"cpu"`
	HeartbeatAgeMs int64   `json:"heartbeatAgeMs"`
	RestartCount   int     `json:"restartCount"`
}

// Process handles GET /api/agents/{id}/process.
func (h *AgentHandler) Process(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromCtx(r)
	if !ok {
		ErrUnauthorized(w)
		return
	}
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	agent, err := h.ctl.Get(r.Context(), principal, id)
	if err != nil {
		writeControllerErr(w, err)
		return
	}

	resp := processResponse{RestartCount: agent.RestartCount}
	if agent.Port != nil {
		resp.Port = *agent.Port
	}
	if agent.ProcessID != nil {
		resp.PID = *agent.ProcessID
	}

	startedAt, lastHeartbeat, _, _, ok := h.sup.LastStatus(id)
	if ok {
		resp.UptimeMs = time.Since(startedAt).Milliseconds()
		if !lastHeartbeat.IsZero() {
			resp.HeartbeatAgeMs = time.Since(lastHeartbeat).Milliseconds()
		}
	}

	if sample, err := h.sup.HostSample(r.Context(), id); err == nil {
		resp.CPUPercent = sample.CPUPercent
		resp.MemoryRSS = sample.RSSBytes
	}

	Ok(w, resp)
}

// healthResponse mirrors §6.1's success body for GET .../health.
type healthResponse struct {
	IsRunning     bool    `json:"isRunning"`
	IsHealthy     bool    `json:"isHealthy"`
	LastHeartbeat *string `json:"lastHeartbeat,omitempty"`
}

// Health handles GET /api/agents/{id}/health.
func (h *AgentHandler) Health(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromCtx(r)
	if !ok {
		ErrUnauthorized(w)
		return
	}
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	agent, err := h.ctl.Get(r.Context(), principal, id)
	if err != nil {
		writeControllerErr(w, err)
		return
	}

	resp := healthResponse{
		IsRunning: agent.Status == controller.StatusRunning,
	}
	if agent.LastHeartbeat != nil {
		s := agent.LastHeartbeat.UTC().Format(time.RFC3339)
		resp.LastHeartbeat = &s
		resp.IsHealthy = resp.IsRunning && time.Since(*agent.LastHeartbeat) < staleHeartbeatThreshold
	}

	Ok(w, resp)
}

// Processes handles GET /api/agents/processes (operator+). Returns the set
// of agent ids the supervisor currently tracks as live children.
func (h *AgentHandler) Processes(w http.ResponseWriter, r *http.Request) {
	ids := h.sup.Snapshot()
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	Ok(w, out)
}

// statsResponse mirrors §6.1's success body for GET /api/agents/stats.
type statsResponse struct {
	Total   int64            `json:"total"`
	Running int64            `json:"running"`
	Errors  int64            `json:"errors"`
	ByStatus []statusCount   `json:"byStatus"`
}

type statusCount struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

// allStatuses enumerates every status value, used to tally GET /api/agents/stats.
var allStatuses = []string{
	controller.StatusStopped,
	controller.StatusStarting,
	controller.StatusRunning,
	controller.StatusStopping,
	controller.StatusError,
}

// Stats handles GET /api/agents/stats.
func (h *AgentHandler) Stats(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromCtx(r)
	if !ok {
		ErrUnauthorized(w)
		return
	}

	_, total, err := h.ctl.List(r.Context(), principal, store.AgentFilter{}, store.ListOptions{Limit: 1})
	if err != nil {
		h.logger.Error("failed to compute agent stats", zap.Error(err))
		ErrInternal(w)
		return
	}

	resp := statsResponse{Total: total}
	for _, status := range allStatuses {
		_, count, err := h.ctl.List(r.Context(), principal, store.AgentFilter{Status: status}, store.ListOptions{Limit: 1})
		if err != nil {
			h.logger.Error("failed to compute agent stats by status", zap.String("status", status), zap.Error(err))
			ErrInternal(w)
			return
		}
		resp.ByStatus = append(resp.ByStatus, statusCount{Status: status, Count: count})
		switch status {
		case controller.StatusRunning:
			resp.Running = count
		case controller.StatusError:
			resp.Errors = count
		}
	}

	Ok(w, resp)
}

// validateConfigRequest is the JSON body expected by POST /api/agents/validate-config.
type validateConfigRequest struct {
	Config string `json:"config"`
}

// ValidateConfig handles POST /api/agents/validate-config.
func (h *AgentHandler) ValidateConfig(w http.ResponseWriter, r *http.Request) {
	var req validateConfigRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if _, err := controller.ValidateConfig(req.Config); err != nil {
		ErrBadRequest(w, err.Error())
		return
	}

	OkMessage(w, "config is valid")
}

// logResponse is the JSON representation of an AgentLog row.
type logResponse struct {
	ID        string `json:"id"`
	Level     string `json:"level"`
	Source    string `json:"source"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Logs handles GET /api/agents/{id}/logs.
func (h *AgentHandler) Logs(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromCtx(r)
	if !ok {
		ErrUnauthorized(w)
		return
	}
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if _, err := h.ctl.Get(r.Context(), principal, id); err != nil {
		writeControllerErr(w, err)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	logs, _, err := h.events.ListLogs(r.Context(), id, store.ListOptions{Limit: limit, SortBy: "createdAt", SortDesc: true})
	if err != nil {
		h.logger.Error("failed to list agent logs", zap.String("agent_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]logResponse, len(logs))
	for i := range logs {
		items[i] = logResponse{
			ID:        logs[i].ID.String(),
			Level:     logs[i].Level,
			Source:    logs[i].Source,
			Message:   logs[i].Message,
			Timestamp: logs[i].Timestamp.UTC().Format(time.RFC3339),
		}
	}
	Ok(w, items)
}

// metricResponse is the JSON representation of an AgentMetric row.
type metricResponse struct {
	CPUPercent   float64 `json:"cpuPercent"`
	MemoryRSS    int64   `json:"memoryRss"`
	HeapTotal    int64   `json:"heapTotal"`
	HeapUsed     int64   `json:"heapUsed"`
	RequestCount int64   `json:"requestCount"`
	ErrorCount   int64   `json:"errorCount"`
	SampledAt    string  `json:"sampledAt"`
}

// Metrics handles GET /api/agents/{id}/metrics.
func (h *AgentHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromCtx(r)
	if !ok {
		ErrUnauthorized(w)
		return
	}
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if _, err := h.ctl.Get(r.Context(), principal, id); err != nil {
		writeControllerErr(w, err)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	samples, err := h.events.ListMetrics(r.Context(), id, time.Now().Add(-24*time.Hour))
	if err != nil {
		h.logger.Error("failed to list agent metrics", zap.String("agent_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	if len(samples) > limit {
		samples = samples[len(samples)-limit:]
	}

	items := make([]metricResponse, len(samples))
	for i := range samples {
		items[i] = metricResponse{
			CPUPercent:   samples[i].CPUPercent,
			MemoryRSS:    samples[i].MemoryRSS,
			HeapTotal:    samples[i].HeapTotal,
			HeapUsed:     samples[i].HeapUsed,
			RequestCount: samples[i].RequestCount,
			ErrorCount:   samples[i].ErrorCount,
			SampledAt:    samples[i].SampledAt.UTC().Format(time.RFC3339),
		}
	}
	Ok(w, items)
}

// -----------------------------------------------------------------------------
// Shared handler helpers
// -----------------------------------------------------------------------------

// parseUUID extracts and parses a UUID path parameter by name.
// Writes a 400 and returns false if the parameter is missing or malformed.
func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		ErrBadRequest(w, "invalid "+param+": must be a valid UUID")
		return uuid.UUID{}, false
	}
	return id, true
}

// parseUUIDString parses a raw UUID string, returning an error if invalid.
// Used where the id comes from JWT claims rather than a path parameter.
func parseUUIDString(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// pageOpts reads page/limit/sortBy/sortOrder query parameters per §6.1's
// pagination convention. Defaults: page=1, limit=10, max limit=100. Sort
// keys are restricted to {createdAt, name, status}.
func pageOpts(r *http.Request) (page, limit int, opts store.ListOptions) {
	page = 1
	limit = 10

	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}

	sortBy := q.Get("sortBy")
	switch sortBy {
	case "createdAt", "name", "status":
	default:
		sortBy = "createdAt"
	}

	opts = store.ListOptions{
		Limit:    limit,
		Offset:   (page - 1) * limit,
		SortBy:   sortBy,
		SortDesc: q.Get("sortOrder") != "asc",
	}
	return page, limit, opts
}

// totalPages computes the page count for a pagination response, treating a
// zero limit as "everything fits on one page".
func totalPages(total int64, limit int) int {
	if limit <= 0 {
		return 1
	}
	pages := int(total) / limit
	if int(total)%limit != 0 {
		pages++
	}
	if pages < 1 {
		pages = 1
	}
	return pages
}
