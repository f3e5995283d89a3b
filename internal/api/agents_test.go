package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentsupervisor/server/internal/auth"
	"github.com/agentsupervisor/server/internal/controller"
	"github.com/agentsupervisor/server/internal/portalloc"
	"github.com/agentsupervisor/server/internal/supervisor"
)

// testHarness bundles a router and JWT manager so tests can mint bearer
// tokens for fixtures without going through the full AuthService/OIDC stack.
type testHarness struct {
	router *chi.Mux
	jwtMgr *auth.JWTManager
	agents *fakeAgentStore
	tpls   *fakeTemplateStore
	events *fakeEventStore
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	jwtMgr, err := auth.NewJWTManagerGenerated("test-issuer")
	if err != nil {
		t.Fatalf("NewJWTManagerGenerated: %v", err)
	}

	agents := newFakeAgentStore()
	tpls := newFakeTemplateStore()
	events := newFakeEventStore()

	alloc, err := portalloc.New(agents, 3001, 3100)
	if err != nil {
		t.Fatalf("portalloc.New: %v", err)
	}
	logger := zap.NewNop()
	ctl := controller.New(controller.Config{}, agents, tpls, events, alloc, logger)
	sup := supervisor.New(supervisor.Config{WorkerBinPath: "/bin/true"}, ctl.Hooks(), logger)
	ctl.SetSupervisor(sup)

	agentHandler := NewAgentHandler(ctl, sup, events, logger)
	templateHandler := NewTemplateHandler(tpls, logger)

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(jwtMgr))

			r.Get("/agents", agentHandler.List)
			r.Get("/agents/stats", agentHandler.Stats)
			r.Post("/agents/validate-config", agentHandler.ValidateConfig)
			r.Get("/agents/{id}", agentHandler.GetByID)
			r.Get("/agents/{id}/logs", agentHandler.Logs)
			r.Get("/agents/{id}/metrics", agentHandler.Metrics)

			r.Get("/templates", templateHandler.List)
			r.Get("/templates/{id}", templateHandler.GetByID)

			r.Group(func(r chi.Router) {
				r.Use(RequireOperator())
				r.Post("/agents", agentHandler.Create)
				r.Put("/agents/{id}", agentHandler.Update)
				r.Delete("/agents/{id}", agentHandler.Delete)
				r.Get("/agents/processes", agentHandler.Processes)

				r.Post("/templates", templateHandler.Create)
				r.Delete("/templates/{id}", templateHandler.Delete)
			})
		})
	})

	return &testHarness{router: r, jwtMgr: jwtMgr, agents: agents, tpls: tpls, events: events}
}

func (h *testHarness) token(userID uuid.UUID, role string) string {
	tok, err := h.jwtMgr.GenerateAccessToken(userID.String(), userID.String()+"@example.com", role)
	if err != nil {
		panic(err)
	}
	return tok
}

func (h *testHarness) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding envelope: %v (body=%s)", err, rr.Body.String())
	}
	return env
}

func TestCreateAgentRequiresOperatorRole(t *testing.T) {
	h := newTestHarness(t)
	viewer := h.token(uuid.New(), "viewer")

	rr := h.do(http.MethodPost, "/api/agents", viewer, `{"name":"agent-a","config":"{\"model\":\"m-a\"}"}`)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer creating an agent, got %d", rr.Code)
	}
}

func TestCreateAndGetAgent(t *testing.T) {
	h := newTestHarness(t)
	owner := uuid.New()
	operator := h.token(owner, "operator")

	rr := h.do(http.MethodPost, "/api/agents", operator, `{"name":"agent-a","description":"d","config":"{\"model\":\"m\"}"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body=%s)", rr.Code, rr.Body.String())
	}
	env := decodeEnvelope(t, rr)
	if !env.Success {
		t.Fatalf("expected success envelope, got %+v", env)
	}
	data := env.Data.(map[string]any)
	id := data["id"].(string)

	rr = h.do(http.MethodGet, "/api/agents/"+id, operator, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 fetching created agent, got %d", rr.Code)
	}
	env = decodeEnvelope(t, rr)
	data = env.Data.(map[string]any)
	if data["name"] != "agent-a" {
		t.Fatalf("expected name 'agent-a', got %v", data["name"])
	}
	if data["status"] != controller.StatusStopped {
		t.Fatalf("expected new agent to start stopped, got %v", data["status"])
	}
}

func TestNonOwnerCannotGetAnothersAgent(t *testing.T) {
	h := newTestHarness(t)
	owner := uuid.New()
	operator := h.token(owner, "operator")

	rr := h.do(http.MethodPost, "/api/agents", operator, `{"name":"agent-b","config":"{\"model\":\"m-b\"}"}`)
	env := decodeEnvelope(t, rr)
	id := env.Data.(map[string]any)["id"].(string)

	other := h.token(uuid.New(), "viewer")
	rr = h.do(http.MethodGet, "/api/agents/"+id, other, "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner viewer, got %d", rr.Code)
	}
}

func TestAdminCanSeeAllAgents(t *testing.T) {
	h := newTestHarness(t)
	owner := uuid.New()
	operator := h.token(owner, "operator")
	rr := h.do(http.MethodPost, "/api/agents", operator, `{"name":"agent-c","config":"{\"model\":\"m-c\"}"}`)
	env := decodeEnvelope(t, rr)
	id := env.Data.(map[string]any)["id"].(string)

	admin := h.token(uuid.New(), "admin")
	rr = h.do(http.MethodGet, "/api/agents/"+id, admin, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin reading another user's agent, got %d", rr.Code)
	}

	rr = h.do(http.MethodGet, "/api/agents/"+uuid.Nil.String(), admin, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d", rr.Code)
	}
}

func TestCreateAgentDuplicateNameConflict(t *testing.T) {
	h := newTestHarness(t)
	operator := h.token(uuid.New(), "operator")

	h.do(http.MethodPost, "/api/agents", operator, `{"name":"dup","config":"{\"model\":\"m\"}"}`)
	rr := h.do(http.MethodPost, "/api/agents", operator, `{"name":"dup","config":"{\"model\":\"m\"}"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate name, got %d (body=%s)", rr.Code, rr.Body.String())
	}
}

func TestValidateConfigRejectsMalformedJSON(t *testing.T) {
	h := newTestHarness(t)
	operator := h.token(uuid.New(), "operator")

	rr := h.do(http.MethodPost, "/api/agents/validate-config", operator, `{"config":"not json"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed config JSON, got %d", rr.Code)
	}
}

func TestListAgentsUnauthenticated(t *testing.T) {
	h := newTestHarness(t)
	rr := h.do(http.MethodGet, "/api/agents", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with no bearer token, got %d", rr.Code)
	}
}

func TestAgentStatsTotalsAcrossStatuses(t *testing.T) {
	h := newTestHarness(t)
	owner := uuid.New()
	operator := h.token(owner, "operator")

	h.do(http.MethodPost, "/api/agents", operator, `{"name":"agent-x","config":"{\"model\":\"m-x\"}"}`)
	h.do(http.MethodPost, "/api/agents", operator, `{"name":"agent-y","config":"{\"model\":\"m-y\"}"}`)

	rr := h.do(http.MethodGet, "/api/agents/stats", operator, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	env := decodeEnvelope(t, rr)
	data := env.Data.(map[string]any)
	if int(data["total"].(float64)) != 2 {
		t.Fatalf("expected total=2, got %v", data["total"])
	}
}

func TestDeleteAgentRequiresStoppedState(t *testing.T) {
	h := newTestHarness(t)
	operator := h.token(uuid.New(), "operator")

	rr := h.do(http.MethodPost, "/api/agents", operator, `{"name":"agent-z","config":"{\"model\":\"m-z\"}"}`)
	env := decodeEnvelope(t, rr)
	id := env.Data.(map[string]any)["id"].(string)

	rr = h.do(http.MethodDelete, "/api/agents/"+id, operator, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 deleting a stopped agent, got %d (body=%s)", rr.Code, rr.Body.String())
	}

	rr = h.do(http.MethodGet, "/api/agents/"+id, operator, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rr.Code)
	}
}
