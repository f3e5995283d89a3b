package controller

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentsupervisor/server/internal/db"
	"github.com/agentsupervisor/server/internal/store"
)

// fakeAgentStore is an in-memory stand-in for store.AgentStore, grounded on
// the same CAS semantics the real gorm-backed store enforces, so controller
// tests exercise the real state-transition contract without a database.
type fakeAgentStore struct {
	mu    sync.Mutex
	rows  map[uuid.UUID]db.Agent
	names map[string]uuid.UUID
}

func newFakeAgentStore() *fakeAgentStore {
	return &fakeAgentStore{rows: make(map[uuid.UUID]db.Agent), names: make(map[string]uuid.UUID)}
}

func (f *fakeAgentStore) CreateAgent(_ context.Context, a *db.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, taken := f.names[a.Name]; taken {
		return store.ErrConflict
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	f.rows[a.ID] = *a
	f.names[a.Name] = a.ID
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
	id, ok := f.names[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	a := f.rows[id]
	return &a, nil
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

	if patch.Name != nil && *patch.Name != a.Name {
		if other, taken := f.names[*patch.Name]; taken && other != id {
			return nil, store.ErrConflict
		}
		delete(f.names, a.Name)
		a.Name = *patch.Name
		f.names[a.Name] = id
	}
	if patch.Description != nil {
		a.Description = *patch.Description
	}
	if patch.Config != nil {
		a.Config = *patch.Config
	}
	if patch.TemplateID != nil {
		a.TemplateID = patch.TemplateID
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
	if patch.ErrorMessage != nil {
		a.ErrorMessage = *patch.ErrorMessage
	}
	if patch.RestartCount != nil {
		a.RestartCount = *patch.RestartCount
	}
	a.Status = patch.Status

	f.rows[id] = a
	cp := a
	return &cp, nil
}

func (f *fakeAgentStore) DeleteAgent(_ context.Context, id uuid.UUID, expectedStatus []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	allowed := false
	for _, s := range expectedStatus {
		if a.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return store.ErrStatusChanged
	}
	delete(f.rows, id)
	delete(f.names, a.Name)
	return nil
}

func (f *fakeAgentStore) ListAgents(_ context.Context, filter store.AgentFilter, _ store.ListOptions) ([]db.Agent, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.Agent
	for _, a := range f.rows {
		if filter.OwnerID != nil && a.CreatedBy != *filter.OwnerID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
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
		if a.Status != StatusRunning {
			continue
		}
		if a.LastHeartbeat == nil || now.Sub(*a.LastHeartbeat) > threshold {
			out = append(out, a)
		}
	}
	return out, nil
}

// fakeTemplateStore is a minimal store.TemplateStore stand-in.
type fakeTemplateStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]db.AgentTemplate
}

func newFakeTemplateStore() *fakeTemplateStore {
	return &fakeTemplateStore{rows: make(map[uuid.UUID]db.AgentTemplate)}
}

func (f *fakeTemplateStore) CreateTemplate(_ context.Context, t *db.AgentTemplate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	f.rows[t.ID] = *t
	return nil
}

func (f *fakeTemplateStore) GetTemplate(_ context.Context, id uuid.UUID) (*db.AgentTemplate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (f *fakeTemplateStore) GetActiveTemplateByName(_ context.Context, name string) (*db.AgentTemplate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.rows {
		if t.Name == name && t.IsActive {
			return &t, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeTemplateStore) ListTemplates(_ context.Context, _ store.ListOptions) ([]db.AgentTemplate, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.AgentTemplate
	for _, t := range f.rows {
		out = append(out, t)
	}
	return out, int64(len(out)), nil
}

func (f *fakeTemplateStore) Deactivate(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	t.IsActive = false
	f.rows[id] = t
	return nil
}

// fakeEventStore discards everything; controller tests only assert on the
// agent row, not the side-channel log/metric/alert streams.
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
