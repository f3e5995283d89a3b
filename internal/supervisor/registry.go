package supervisor

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// observedState is the Supervisor's own view of a child's liveness, distinct
// from the Store's persisted AgentStatus — see entry doc comment.
type observedState string

const (
	observedStarting observedState = "starting"
	observedRunning  observedState = "running"
	observedExited   observedState = "exited"
)

// entry is the in-memory registry record for one live (or recently-live)
// child process. The registry invariant (§4.3) is that it contains exactly
// the agents whose persisted status is starting, running, or stopping —
// the Supervisor adds an entry as soon as the child process has started
// (before it reports ready) and removes it once the child has been reaped,
// before the OnExit hook lets the controller write the persisted status.
//
// mu guards every field below it; the map-level lock in registry only
// protects the existence of the entry itself, not its contents — this is
// the "fine-grained lock keyed by agentId" the concurrency model calls for.
type entry struct {
	mu sync.Mutex

	pid            int
	startedAt      time.Time
	lastHeartbeat  time.Time
	lastMetrics    StatusRecord
	observed       observedState
	restartCount   int
	cancelReaderCtx func()
}

// registry is the Supervisor's concurrent-safe process table. Grounded on
// the single-writer registry shape of the teacher's agent-connection
// manager: a map guarded by sync.RWMutex with register/deregister/snapshot
// operations, generalized here to carry per-entry state instead of a bare
// connection handle.
type registry struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*entry
}

func newRegistry() *registry {
	return &registry{entries: make(map[uuid.UUID]*entry)}
}

func (r *registry) put(id uuid.UUID, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = e
}

func (r *registry) get(id uuid.UUID) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *registry) remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// snapshot returns a shallow copy of the id set currently registered, safe
// to range over without holding the registry lock — used by the health
// monitor and stats endpoints.
func (r *registry) snapshot() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
