package controller

import (
	"sync"

	"github.com/google/uuid"
)

// agentLocks is a lazily-populated, never-shrinking map of per-agent
// mutexes. Entries are created on first use and kept for the process
// lifetime (§4.4) — the agent id space is bounded by what the Store holds,
// so this does not leak unbounded memory in practice.
type agentLocks struct {
	mu    sync.Mutex
	byID  map[uuid.UUID]*sync.Mutex
}

func newAgentLocks() *agentLocks {
	return &agentLocks{byID: make(map[uuid.UUID]*sync.Mutex)}
}

func (l *agentLocks) lockFor(id uuid.UUID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.byID[id]
	if !ok {
		m = &sync.Mutex{}
		l.byID[id] = m
	}
	return m
}
