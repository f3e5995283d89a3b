package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/agentsupervisor/server/internal/auth"
	"github.com/agentsupervisor/server/internal/controller"
	"github.com/agentsupervisor/server/internal/portalloc"
	"github.com/agentsupervisor/server/internal/supervisor"
	"github.com/agentsupervisor/server/internal/websocket"
)

func newFullRouter(t *testing.T) (http.Handler, *auth.JWTManager) {
	t.Helper()

	jwtMgr, err := auth.NewJWTManagerGenerated("test-issuer")
	if err != nil {
		t.Fatalf("NewJWTManagerGenerated: %v", err)
	}

	users := newFakeUserStore()
	tokens := newFakeRefreshTokenStore()
	oidcProviders := fakeOIDCProviderStore{}

	local := auth.NewLocalAuthProvider(users, tokens, jwtMgr)
	oidc := auth.NewOIDCAuthProvider(oidcProviders, users, tokens, jwtMgr)
	authSvc := auth.NewAuthService(local, oidc, tokens, jwtMgr)

	agents := newFakeAgentStore()
	tpls := newFakeTemplateStore()
	events := newFakeEventStore()

	logger := zap.NewNop()
	alloc, err := portalloc.New(agents, 3001, 3100)
	if err != nil {
		t.Fatalf("portalloc.New: %v", err)
	}
	ctl := controller.New(controller.Config{}, agents, tpls, events, alloc, logger)
	sup := supervisor.New(supervisor.Config{WorkerBinPath: "/bin/true"}, ctl.Hooks(), logger)
	ctl.SetSupervisor(sup)

	hub := websocket.NewHub()
	ctl.SetHub(hub)

	router := NewRouter(RouterConfig{
		AuthService: authSvc,
		Controller:  ctl,
		Supervisor:  sup,
		Hub:         hub,
		Logger:      logger,
		Users:       users,
		Templates:   tpls,
		Events:      events,
		Secure:      false,
	})

	return router, jwtMgr
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	router, _ := newFullRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from /healthz, got %d", rr.Code)
	}
	if rr.Body.String() != "ok" {
		t.Fatalf("expected body 'ok', got %q", rr.Body.String())
	}
}

func TestMetricsIsUnauthenticated(t *testing.T) {
	router, _ := newFullRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rr.Code)
	}
}

func TestRegisterLoginProfileRoundTrip(t *testing.T) {
	router, _ := newFullRouter(t)

	registerReq := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(`{"username":"alice","email":"alice@example.com","password":"hunter22"}`))
	registerReq.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, registerReq)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 registering, got %d (body=%s)", rr.Code, rr.Body.String())
	}
	env := decodeEnvelope(t, rr)
	data := env.Data.(map[string]any)
	accessToken := data["accessToken"].(string)

	loginReq := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"username":"alice","password":"hunter22"}`))
	loginReq.Header.Set("Content-Type", "application/json")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, loginReq)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 logging in, got %d (body=%s)", rr.Code, rr.Body.String())
	}
	env = decodeEnvelope(t, rr)
	data = env.Data.(map[string]any)
	accessToken = data["accessToken"].(string)

	profileReq := httptest.NewRequest(http.MethodGet, "/api/auth/profile", nil)
	profileReq.Header.Set("Authorization", "Bearer "+accessToken)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, profileReq)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 fetching profile, got %d (body=%s)", rr.Code, rr.Body.String())
	}
	env = decodeEnvelope(t, rr)
	data = env.Data.(map[string]any)
	if data["username"] != "alice" {
		t.Fatalf("expected username 'alice', got %v", data["username"])
	}
	if data["role"] != "viewer" {
		t.Fatalf("expected self-registration to default to viewer, got %v", data["role"])
	}
}

func TestUsersRouteRejectsNonAdminThroughFullRouter(t *testing.T) {
	router, jwtMgr := newFullRouter(t)

	tok, err := jwtMgr.GenerateAccessToken("00000000-0000-0000-0000-000000000001", "viewer@example.com", "viewer")
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer hitting /api/users, got %d", rr.Code)
	}
}
