package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentsupervisor/server/internal/db"
	"github.com/agentsupervisor/server/internal/store"
)

// fakeAgentStore is a minimal in-memory store.AgentStore used to exercise
// the HTTP handlers without a real database.
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
	for _, existing := range f.rows {
		if existing.Name == a.Name {
			return store.ErrConflict
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
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
		for oid, existing := range f.rows {
			if oid != id && existing.Name == *patch.Name {
				return nil, store.ErrConflict
			}
		}
		a.Name = *patch.Name
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

func (f *fakeAgentStore) DeleteAgent(_ context.Context, id uuid.UUID, expectedStatus []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	ok = false
	for _, s := range expectedStatus {
		if a.Status == s {
			ok = true
			break
		}
	}
	if !ok {
		return store.ErrStatusChanged
	}
	delete(f.rows, id)
	return nil
}

func (f *fakeAgentStore) ListAgents(_ context.Context, filter store.AgentFilter, opts store.ListOptions) ([]db.Agent, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []db.Agent
	for _, a := range f.rows {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.OwnerID != nil && a.CreatedBy != *filter.OwnerID {
			continue
		}
		if filter.SearchSubstring != "" && !contains(a.Name, filter.SearchSubstring) {
			continue
		}
		matched = append(matched, a)
	}
	total := int64(len(matched))
	if opts.Offset < len(matched) {
		matched = matched[opts.Offset:]
	} else {
		matched = nil
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, total, nil
}

func contains(haystack, needle string) bool {
	if needle == "" {
		return true
	}
	return len(haystack) >= len(needle) && (haystack == needle || indexOf(haystack, needle) >= 0)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
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

func (f *fakeAgentStore) FindStaleRunning(context.Context, time.Duration) ([]db.Agent, error) {
	return nil, nil
}

// fakeTemplateStore is a minimal in-memory store.TemplateStore.
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
	for _, existing := range f.rows {
		if existing.Name == t.Name && existing.IsActive {
			return store.ErrConflict
		}
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Version == "" {
		t.Version = "1"
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
	cp := t
	return &cp, nil
}

func (f *fakeTemplateStore) GetActiveTemplateByName(_ context.Context, name string) (*db.AgentTemplate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.rows {
		if t.Name == name && t.IsActive {
			cp := t
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeTemplateStore) ListTemplates(_ context.Context, opts store.ListOptions) ([]db.AgentTemplate, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.AgentTemplate
	for _, t := range f.rows {
		out = append(out, t)
	}
	total := int64(len(out))
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, total, nil
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

// fakeEventStore is a minimal in-memory store.EventStore.
type fakeEventStore struct {
	mu      sync.Mutex
	logs    map[uuid.UUID][]db.AgentLog
	metrics map[uuid.UUID][]db.AgentMetric
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{logs: make(map[uuid.UUID][]db.AgentLog), metrics: make(map[uuid.UUID][]db.AgentMetric)}
}

func (f *fakeEventStore) AppendLog(_ context.Context, l *db.AgentLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	f.logs[l.AgentID] = append(f.logs[l.AgentID], *l)
	return nil
}

func (f *fakeEventStore) AppendMetric(_ context.Context, m *db.AgentMetric) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	f.metrics[m.AgentID] = append(f.metrics[m.AgentID], *m)
	return nil
}

func (f *fakeEventStore) RaiseAlert(context.Context, *db.AgentAlert) error { return nil }

func (f *fakeEventStore) ListLogs(_ context.Context, agentID uuid.UUID, opts store.ListOptions) ([]db.AgentLog, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.logs[agentID]
	total := int64(len(rows))
	if opts.Limit > 0 && len(rows) > opts.Limit {
		rows = rows[:opts.Limit]
	}
	return rows, total, nil
}

func (f *fakeEventStore) ListMetrics(_ context.Context, agentID uuid.UUID, _ time.Time) ([]db.AgentMetric, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metrics[agentID], nil
}

// fakeUserStore is a minimal in-memory store.UserStore.
type fakeUserStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]db.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{rows: make(map[uuid.UUID]db.User)}
}

func (f *fakeUserStore) Create(_ context.Context, u *db.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.rows {
		if existing.Username == u.Username || existing.Email == u.Email {
			return store.ErrConflict
		}
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	f.rows[u.ID] = *u
	return nil
}

func (f *fakeUserStore) GetByID(_ context.Context, id uuid.UUID) (*db.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := u
	return &cp, nil
}

func (f *fakeUserStore) GetByUsername(_ context.Context, username string) (*db.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.rows {
		if u.Username == username {
			cp := u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeUserStore) GetByEmail(_ context.Context, email string) (*db.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.rows {
		if u.Email == email {
			cp := u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeUserStore) GetByOIDC(_ context.Context, providerID, sub string) (*db.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.rows {
		if u.OIDCProvider == providerID && u.OIDCSub == sub {
			cp := u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeUserStore) Update(_ context.Context, u *db.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[u.ID]; !ok {
		return store.ErrNotFound
	}
	f.rows[u.ID] = *u
	return nil
}

func (f *fakeUserStore) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.rows, id)
	return nil
}

func (f *fakeUserStore) List(_ context.Context, opts store.ListOptions) ([]db.User, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.User
	for _, u := range f.rows {
		out = append(out, u)
	}
	total := int64(len(out))
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, total, nil
}

// fakeRefreshTokenStore is a minimal in-memory store.RefreshTokenStore.
type fakeRefreshTokenStore struct {
	mu   sync.Mutex
	rows map[string]db.RefreshToken
}

func newFakeRefreshTokenStore() *fakeRefreshTokenStore {
	return &fakeRefreshTokenStore{rows: make(map[string]db.RefreshToken)}
}

func (f *fakeRefreshTokenStore) Create(_ context.Context, t *db.RefreshToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	f.rows[t.TokenHash] = *t
	return nil
}

func (f *fakeRefreshTokenStore) GetByHash(_ context.Context, hash string) (*db.RefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.rows[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := t
	return &cp, nil
}

func (f *fakeRefreshTokenStore) DeleteByHash(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, hash)
	return nil
}

func (f *fakeRefreshTokenStore) RevokeAllForUser(_ context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	for k, t := range f.rows {
		if t.UserID == userID {
			t.RevokedAt = &now
			f.rows[k] = t
		}
	}
	return nil
}

// fakeOIDCProviderStore is a minimal in-memory store.OIDCProviderStore. No
// provider is ever enabled in tests, matching a deployment that has not
// configured OIDC — OIDCAuthProvider surfaces ErrProviderNotFound.
type fakeOIDCProviderStore struct{}

func (fakeOIDCProviderStore) GetEnabled(context.Context) (*db.OIDCProvider, error) {
	return nil, store.ErrNotFound
}
func (fakeOIDCProviderStore) Upsert(context.Context, *db.OIDCProvider) error { return nil }
