package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentsupervisor/server/internal/controller"
	"github.com/agentsupervisor/server/internal/db"
	"github.com/agentsupervisor/server/internal/portalloc"
	"github.com/agentsupervisor/server/internal/store"
	"github.com/agentsupervisor/server/internal/supervisor"
)

// fakeAgentStore is a minimal in-memory store.AgentStore, just enough of the
// CAS contract to exercise the sweep's read/restart/mark-unhealthy paths.
type fakeAgentStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]db.Agent
}

func newFakeAgentStore() *fakeAgentStore {
	return &fakeAgentStore{rows: make(map[uuid.UUID]db.Agent)}
}

func (f *fakeAgentStore) CreateAgent(_ context.Context, a *db.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	f.rows[a.ID] = *a
	return nil
}

func (f *fakeAgentStore) GetAgent(_ context.Context, id uuid.UUID) (*db.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := a
	return &cp, nil
}

func (f *fakeAgentStore) GetAgentByName(_ context.Context, name string) (*db.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.rows {
		if a.Name == name {
			cp := a
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeAgentStore) UpdateAgentFields(_ context.Context, id uuid.UUID, patch store.AgentPatch, expectedStatus string) (*db.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if a.Status != expectedStatus {
		return nil, store.ErrStatusChanged
	}
	if patch.Name != nil {
		a.Name = *patch.Name
	}
	if patch.ErrorMessage != nil {
		a.ErrorMessage = *patch.ErrorMessage
	}
	if patch.Status != "error" {
		a.ErrorMessage = ""
	}
	if patch.RestartCount != nil {
		a.RestartCount = *patch.RestartCount
	}
	if patch.ProcessID != nil {
		a.ProcessID = *patch.ProcessID
	}
	if patch.Port != nil {
		a.Port = *patch.Port
	}
	if patch.LastHeartbeat != nil {
		a.LastHeartbeat = *patch.LastHeartbeat
	}
	a.Status = patch.Status
	f.rows[id] = a
	cp := a
	return &cp, nil
}

func (f *fakeAgentStore) DeleteAgent(_ context.Context, id uuid.UUID, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

func (f *fakeAgentStore) ListAgents(_ context.Context, _ store.AgentFilter, _ store.ListOptions) ([]db.Agent, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.Agent
	for _, a := range f.rows {
		out = append(out, a)
	}
	return out, int64(len(out)), nil
}

func (f *fakeAgentStore) CountByStatus(_ context.Context) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int64)
	for _, a := range f.rows {
		out[a.Status]++
	}
	return out, nil
}

func (f *fakeAgentStore) FindPortsInRange(_ context.Context, lo, hi int) (map[int]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int]struct{})
	for _, a := range f.rows {
		if a.Port != nil && *a.Port >= lo && *a.Port <= hi {
			out[*a.Port] = struct{}{}
		}
	}
	return out, nil
}

func (f *fakeAgentStore) FindStaleRunning(_ context.Context, threshold time.Duration) ([]db.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.Agent
	now := time.Now()
	for _, a := range f.rows {
		if a.Status != controller.StatusRunning {
			continue
		}
		if a.LastHeartbeat == nil || now.Sub(*a.LastHeartbeat) > threshold {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeTemplateStore struct{}

func (fakeTemplateStore) CreateTemplate(context.Context, *db.AgentTemplate) error { return nil }
func (fakeTemplateStore) GetTemplate(context.Context, uuid.UUID) (*db.AgentTemplate, error) {
	return nil, store.ErrNotFound
}
func (fakeTemplateStore) GetActiveTemplateByName(context.Context, string) (*db.AgentTemplate, error) {
	return nil, store.ErrNotFound
}
func (fakeTemplateStore) ListTemplates(context.Context, store.ListOptions) ([]db.AgentTemplate, int64, error) {
	return nil, 0, nil
}
func (fakeTemplateStore) Deactivate(context.Context, uuid.UUID) error { return nil }

type fakeEventStore struct{}

func (fakeEventStore) AppendLog(context.Context, *db.AgentLog) error       { return nil }
func (fakeEventStore) AppendMetric(context.Context, *db.AgentMetric) error { return nil }
func (fakeEventStore) RaiseAlert(context.Context, *db.AgentAlert) error    { return nil }
func (fakeEventStore) ListLogs(context.Context, uuid.UUID, store.ListOptions) ([]db.AgentLog, int64, error) {
	return nil, 0, nil
}
func (fakeEventStore) ListMetrics(context.Context, uuid.UUID, time.Time) ([]db.AgentMetric, error) {
	return nil, nil
}

func newTestMonitor(t *testing.T, cfg Config) (*Monitor, *fakeAgentStore, *controller.Controller) {
	t.Helper()
	agents := newFakeAgentStore()
	alloc, err := portalloc.New(agents, 3001, 3100)
	if err != nil {
		t.Fatalf("portalloc.New: %v", err)
	}
	ctl := controller.New(controller.Config{MaxRestarts: cfg.MaxRestarts}, agents, fakeTemplateStore{}, fakeEventStore{}, alloc, zap.NewNop())

	sup := supervisor.New(supervisor.Config{WorkerBinPath: "/bin/true"}, ctl.Hooks(), zap.NewNop())
	ctl.SetSupervisor(sup)

	m, err := New(cfg, agents, ctl, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, agents, ctl
}

func TestSweepIgnoresFreshHeartbeats(t *testing.T) {
	m, agents, _ := newTestMonitor(t, Config{HeartbeatInterval: time.Minute, MaxRestarts: 3})

	owner := uuid.New()
	id := uuid.New()
	now := time.Now()
	fresh := db.Agent{
		Name:          "agent-a",
		Status:        controller.StatusRunning,
		Config:        `{"model":"m-a"}`,
		LastHeartbeat: &now,
		CreatedBy:     owner,
	}
	fresh.ID = id
	agents.rows[id] = fresh

	m.sweep(context.Background())

	row := agents.rows[id]
	if row.Status != controller.StatusRunning {
		t.Fatalf("expected status to remain running, got %q", row.Status)
	}
}

func TestSweepMarksUnhealthyAtRestartCap(t *testing.T) {
	m, agents, _ := newTestMonitor(t, Config{HeartbeatInterval: time.Minute, MaxRestarts: 3})

	owner := uuid.New()
	id := uuid.New()
	stale := time.Now().Add(-10 * time.Minute)
	stuck := db.Agent{
		Name:          "agent-a",
		Status:        controller.StatusRunning,
		Config:        `{"model":"m-a"}`,
		LastHeartbeat: &stale,
		RestartCount:  3,
		CreatedBy:     owner,
	}
	stuck.ID = id
	agents.rows[id] = stuck

	m.sweep(context.Background())

	row := agents.rows[id]
	if row.Status != controller.StatusError {
		t.Fatalf("expected status error after restart cap reached, got %q", row.Status)
	}
	if row.ErrorMessage == "" {
		t.Fatalf("expected a non-empty error message")
	}
}
