// Package supervisor implements the ProcessSupervisor (C3): it spawns worker
// child processes, ingests their stdout status stream, and enforces the
// Stop contract's SIGTERM-then-SIGKILL escalation. It holds no knowledge of
// the Agent state machine — that belongs to internal/controller, which is
// the only caller of Spawn/Stop.
//
// Grounded on the teacher's hook runner (agent/internal/hooks/runner.go):
// its os/exec command launch, generalized from
// a one-shot command into a long-lived child with separate stdout/stderr
// reader goroutines feeding a callback-driven status stream, plus a
// readiness future for Spawn per the design note in §9.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentsupervisor/server/internal/metrics"
)

var (
	// ErrStartupTimeout is returned by Spawn when the child does not emit a
	// ready record within Config.ReadyTimeout.
	ErrStartupTimeout = errors.New("supervisor: worker did not report ready before timeout")

	// ErrNotRunning is returned by Stop when no entry is registered
	// for the given agent id.
	ErrNotRunning = errors.New("supervisor: agent has no running child process")
)

// Config carries the operational knobs of the ProcessSupervisor, sourced
// from env vars by cmd/supervisor (§6.3).
type Config struct {
	WorkerBinPath string
	WorkerArgs    []string
	ReadyTimeout  time.Duration // default 30s
	GraceTimeout  time.Duration // default 10s
}

// Hooks lets the controller observe child lifecycle events without the
// Supervisor depending on the Store or controller packages directly.
type Hooks struct {
	OnHeartbeat  func(agentID uuid.UUID, rec StatusRecord)
	OnMetrics    func(agentID uuid.UUID, rec StatusRecord)
	OnExit       func(agentID uuid.UUID, exitCode int, err error)
	OnStderrLine func(agentID uuid.UUID, line string)
}

// Supervisor owns the in-memory registry of live child processes and the
// os/exec plumbing to spawn and terminate them.
type Supervisor struct {
	cfg    Config
	hooks  Hooks
	logger *zap.Logger
	reg    *registry
}

// New creates a Supervisor. hooks may leave any field nil to ignore that
// event class.
func New(cfg Config, hooks Hooks, logger *zap.Logger) *Supervisor {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	if cfg.GraceTimeout <= 0 {
		cfg.GraceTimeout = 10 * time.Second
	}
	return &Supervisor{cfg: cfg, hooks: hooks, logger: logger, reg: newRegistry()}
}

// Running reports whether the registry currently holds an entry for id.
func (s *Supervisor) Running(id uuid.UUID) bool {
	_, ok := s.reg.get(id)
	return ok
}

// LiveCount returns the number of agents the registry currently tracks.
func (s *Supervisor) LiveCount() int {
	return s.reg.len()
}

// Snapshot returns the set of agent ids currently registered, used by
// graceful shutdown to enumerate what still needs stopping.
func (s *Supervisor) Snapshot() []uuid.UUID {
	return s.reg.snapshot()
}

// HostSample reads the current OS-level resource usage for id's child, or
// an error if no child is registered.
func (s *Supervisor) HostSample(ctx context.Context, id uuid.UUID) (HostSample, error) {
	e, ok := s.reg.get(id)
	if !ok {
		return HostSample{}, ErrNotRunning
	}
	e.mu.Lock()
	pid := e.pid
	e.mu.Unlock()
	return SampleHost(ctx, pid)
}

// LastStatus returns the registry's view of an agent's uptime accounting
// and most recent self-reported metrics sample, for GET .../process.
func (s *Supervisor) LastStatus(id uuid.UUID) (startedAt time.Time, lastHeartbeat time.Time, lastMetrics StatusRecord, restartCount int, ok bool) {
	e, found := s.reg.get(id)
	if !found {
		return time.Time{}, time.Time{}, StatusRecord{}, 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startedAt, e.lastHeartbeat, e.lastMetrics, e.restartCount, true
}

// Spawn launches the worker binary for agent id, waits for a ready record
// on stdout (or ctx cancellation, or ReadyTimeout), and returns its pid.
// On any failure to reach ready the child is force-terminated and no
// registry entry survives the call.
func (s *Supervisor) Spawn(ctx context.Context, id uuid.UUID, name string, port int, configJSON string) (int, error) {
	cmd := exec.Command(s.cfg.WorkerBinPath, s.cfg.WorkerArgs...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("AGENT_ID=%s", id),
		fmt.Sprintf("AGENT_NAME=%s", name),
		fmt.Sprintf("AGENT_PORT=%d", port),
		fmt.Sprintf("AGENT_CONFIG=%s", configJSON),
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("supervisor: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("supervisor: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("supervisor: starting worker: %w", err)
	}

	spawnStart := time.Now()
	e := &entry{
		pid:       cmd.Process.Pid,
		startedAt: spawnStart,
		observed:  observedStarting,
	}
	s.reg.put(id, e)

	readyCh := make(chan struct{})
	var readyOnce sync.Once
	exitedCh := make(chan struct{})

	go s.readStdout(id, e, stdout, readyCh, &readyOnce)
	go s.drainStderr(id, stderr)
	go s.wait(id, cmd, exitedCh)

	select {
	case <-readyCh:
		e.mu.Lock()
		e.observed = observedRunning
		e.mu.Unlock()
		metrics.SpawnDuration.Observe(time.Since(spawnStart).Seconds())
		return e.pid, nil
	case <-exitedCh:
		s.reg.remove(id)
		return 0, fmt.Errorf("supervisor: worker exited before reporting ready")
	case <-time.After(s.cfg.ReadyTimeout):
		_ = s.terminate(cmd.Process, true)
		s.reg.remove(id)
		return 0, ErrStartupTimeout
	case <-ctx.Done():
		_ = s.terminate(cmd.Process, true)
		s.reg.remove(id)
		return 0, ctx.Err()
	}
}

// Stop terminates the child registered for id. force=false sends SIGTERM
// and waits up to Config.GraceTimeout before escalating to SIGKILL; force
// sends SIGKILL immediately and returns without waiting for the exit.
// Without force, Stop returns once the process has exited, once SIGKILL has
// been sent after the grace period, or with ctx's error if ctx ends first
// (no SIGKILL is sent in that case).
func (s *Supervisor) Stop(ctx context.Context, id uuid.UUID, force bool) error {
	e, ok := s.reg.get(id)
	if !ok {
		return ErrNotRunning
	}

	proc, err := os.FindProcess(e.pid)
	if err != nil {
		s.reg.remove(id)
		return nil
	}

	if force {
		return s.terminate(proc, true)
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("supervisor: sending SIGTERM: %w", err)
	}

	select {
	case <-s.exitedSignal(id):
		return nil
	case <-time.After(s.cfg.GraceTimeout):
		s.logger.Warn("grace timeout elapsed, escalating to SIGKILL",
			zap.String("agent_id", id.String()), zap.Int("pid", e.pid))
		return s.terminate(proc, true)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exitedSignal returns a channel closed once the registry no longer holds
// an entry for id — i.e. the wait() goroutine has reaped the process.
func (s *Supervisor) exitedSignal(id uuid.UUID) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		for {
			if _, ok := s.reg.get(id); !ok {
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()
	return ch
}

func (s *Supervisor) terminate(proc *os.Process, force bool) error {
	if force {
		if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("supervisor: killing process: %w", err)
		}
		return nil
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("supervisor: signaling process: %w", err)
	}
	return nil
}

// readStdout scans newline-delimited status records. A malformed line is
// logged at warn and discarded, never treated as fatal to the stream.
func (s *Supervisor) readStdout(id uuid.UUID, e *entry, r io.Reader, readyCh chan struct{}, readyOnce *sync.Once) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		rec, err := parseStatusLine(line)
		if err != nil {
			s.logger.Warn("discarding unparseable worker status line",
				zap.String("agent_id", id.String()), zap.Error(err))
			continue
		}

		switch rec.Type {
		case StatusReady:
			readyOnce.Do(func() { close(readyCh) })
		case StatusHeartbeat:
			e.mu.Lock()
			e.lastHeartbeat = time.Now()
			e.mu.Unlock()
			if s.hooks.OnHeartbeat != nil {
				s.hooks.OnHeartbeat(id, rec)
			}
		case StatusMetrics:
			e.mu.Lock()
			e.lastMetrics = rec
			e.mu.Unlock()
			if s.hooks.OnMetrics != nil {
				s.hooks.OnMetrics(id, rec)
			}
		default:
			s.logger.Warn("discarding worker status line of unknown type",
				zap.String("agent_id", id.String()), zap.String("type", string(rec.Type)))
		}
	}
}

// drainStderr forwards stderr lines to the OnStderrLine hook (which the
// controller wires to the log collaborator at error level) so nothing
// blocks on an unread pipe.
func (s *Supervisor) drainStderr(id uuid.UUID, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if s.hooks.OnStderrLine != nil {
			s.hooks.OnStderrLine(id, line)
		}
	}
}

// wait reaps the child, removes it from the registry and invokes OnExit.
// Apart from Stop's FindProcess-failure path, this is the only place an
// entry is removed after Spawn succeeds.
func (s *Supervisor) wait(id uuid.UUID, cmd *exec.Cmd, exitedCh chan struct{}) {
	err := cmd.Wait()
	close(exitedCh)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	s.reg.remove(id)

	if exitCode == 0 && err == nil {
		metrics.WorkerExitsTotal.WithLabelValues("clean").Inc()
	} else {
		metrics.WorkerExitsTotal.WithLabelValues("fault").Inc()
	}

	if s.hooks.OnExit != nil {
		s.hooks.OnExit(id, exitCode, err)
	}
}
