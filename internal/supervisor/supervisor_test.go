package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TestHelperProcess is not a real test; it is re-executed as the worker
// child by tests in this file via os.Args[0], following the standard
// os/exec self-reexec pattern. Its behavior is driven entirely by env vars
// so each test can script a different child without a real binary on disk.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	switch os.Getenv("HELPER_BEHAVIOR") {
	case "ready_then_heartbeat":
		fmt.Println(`{"type":"ready"}`)
		fmt.Println(`{"type":"heartbeat","uptimeMs":10}`)
		time.Sleep(2 * time.Second)
	case "never_ready":
		time.Sleep(2 * time.Second)
	case "exit_immediately":
		os.Exit(1)
	case "ignores_sigterm":
		signal.Ignore(syscall.SIGTERM)
		fmt.Println(`{"type":"ready"}`)
		time.Sleep(5 * time.Second)
	default:
		fmt.Println(`{"type":"ready"}`)
		time.Sleep(2 * time.Second)
	}
}

func helperConfig(behavior string, readyTimeout, graceTimeout time.Duration) Config {
	return Config{
		WorkerBinPath: os.Args[0],
		WorkerArgs:    []string{"-test.run=TestHelperProcess"},
		ReadyTimeout:  readyTimeout,
		GraceTimeout:  graceTimeout,
	}
}

func withHelperEnv(behavior string) func() {
	os.Setenv("GO_WANT_HELPER_PROCESS", "1")
	os.Setenv("HELPER_BEHAVIOR", behavior)
	return func() {
		os.Unsetenv("GO_WANT_HELPER_PROCESS")
		os.Unsetenv("HELPER_BEHAVIOR")
	}
}

func TestSpawnReturnsOnceReadyObserved(t *testing.T) {
	cleanup := withHelperEnv("ready_then_heartbeat")
	defer cleanup()

	var gotHeartbeat bool
	sup := New(helperConfig("ready_then_heartbeat", 5*time.Second, time.Second),
		Hooks{OnHeartbeat: func(id uuid.UUID, rec StatusRecord) { gotHeartbeat = true }},
		zap.NewNop())

	id := uuid.New()
	pid, err := sup.Spawn(context.Background(), id, "agent-a", 3001, "{}")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if pid == 0 {
		t.Fatal("expected non-zero pid")
	}
	if !sup.Running(id) {
		t.Fatal("expected agent registered as running after spawn")
	}

	if err := sup.Stop(context.Background(), id, true); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for sup.Running(id) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sup.Running(id) {
		t.Fatal("expected agent deregistered after force stop")
	}
	if !gotHeartbeat {
		t.Fatal("expected OnHeartbeat to have fired")
	}
}

func TestSpawnTimesOutWhenWorkerNeverReportsReady(t *testing.T) {
	cleanup := withHelperEnv("never_ready")
	defer cleanup()

	sup := New(helperConfig("never_ready", 200*time.Millisecond, time.Second), Hooks{}, zap.NewNop())

	id := uuid.New()
	_, err := sup.Spawn(context.Background(), id, "agent-b", 3002, "{}")
	if err != ErrStartupTimeout {
		t.Fatalf("expected ErrStartupTimeout, got %v", err)
	}
	if sup.Running(id) {
		t.Fatal("expected no registry entry survives a startup timeout")
	}
}

func TestSpawnReturnsErrorWhenWorkerExitsBeforeReady(t *testing.T) {
	cleanup := withHelperEnv("exit_immediately")
	defer cleanup()

	sup := New(helperConfig("exit_immediately", time.Second, time.Second), Hooks{}, zap.NewNop())

	id := uuid.New()
	_, err := sup.Spawn(context.Background(), id, "agent-c", 3003, "{}")
	if err == nil {
		t.Fatal("expected an error when worker exits before reporting ready")
	}
	if sup.Running(id) {
		t.Fatal("expected no registry entry survives an early exit")
	}
}

func TestStopEscalatesToSigkillAfterGraceTimeout(t *testing.T) {
	cleanup := withHelperEnv("ignores_sigterm")
	defer cleanup()

	var exitCode int
	var exited bool
	sup := New(helperConfig("ignores_sigterm", time.Second, 200*time.Millisecond),
		Hooks{OnExit: func(id uuid.UUID, code int, err error) { exitCode = code; exited = true }},
		zap.NewNop())

	id := uuid.New()
	if _, err := sup.Spawn(context.Background(), id, "agent-d", 3004, "{}"); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	start := time.Now()
	if err := sup.Stop(context.Background(), id, false); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("expected Stop to wait out the grace period, took %v", elapsed)
	}

	deadline := time.Now().Add(time.Second)
	for !exited && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !exited {
		t.Fatal("expected OnExit to fire after escalation")
	}
	_ = exitCode
}

func TestStopReturnsErrNotRunningForUnknownAgent(t *testing.T) {
	sup := New(Config{WorkerBinPath: "/bin/true"}, Hooks{}, zap.NewNop())
	if err := sup.Stop(context.Background(), uuid.New(), false); err != ErrNotRunning {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}
