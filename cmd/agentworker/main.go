// Package main implements the reference worker binary satisfying §6.2's
// child-process contract: it listens on AGENT_PORT, answers health/config/
// process/shutdown requests, and emits ready/heartbeat/metrics records on
// stdout for the supervisor to ingest. It is the default WORKER_BIN_PATH.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"runtime"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	heartbeatInterval = 30 * time.Second
	metricsInterval   = 60 * time.Second
)

var agentNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// statusRecord mirrors internal/supervisor.StatusRecord's wire shape — kept
// as a separate, intentionally duplicated type since the worker is a
// standalone binary and must not import the supervisor's internal package.
type statusRecord struct {
	Type         string `json:"type"`
	UptimeMs     int64  `json:"uptimeMs,omitempty"`
	RequestCount int64  `json:"requestCount,omitempty"`
	ErrorCount   int64  `json:"errorCount,omitempty"`
	Memory       *struct {
		RSS       int64 `json:"rss"`
		HeapTotal int64 `json:"heapTotal"`
		HeapUsed  int64 `json:"heapUsed"`
	} `json:"memory,omitempty"`
	CPU *struct {
		User   float64 `json:"user"`
		System float64 `json:"system"`
	} `json:"cpu,omitempty"`
}

func emit(rec statusRecord) {
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(rec)
}

type worker struct {
	id        string
	name      string
	config    map[string]any
	startedAt time.Time

	requestCount atomic.Int64
	errorCount   atomic.Int64
}

func main() {
	id := os.Getenv("AGENT_ID")
	name := os.Getenv("AGENT_NAME")
	portStr := os.Getenv("AGENT_PORT")
	configStr := os.Getenv("AGENT_CONFIG")

	if id == "" || portStr == "" {
		fmt.Fprintln(os.Stderr, "agentworker: AGENT_ID and AGENT_PORT are required")
		os.Exit(1)
	}
	if name != "" && !agentNamePattern.MatchString(name) {
		fmt.Fprintln(os.Stderr, "agentworker: AGENT_NAME must match /^[A-Za-z0-9_-]+$/")
		os.Exit(1)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1024 || port > 65535 {
		fmt.Fprintln(os.Stderr, "agentworker: AGENT_PORT must be an integer in [1024,65535]")
		os.Exit(1)
	}

	var cfg map[string]any
	if configStr != "" {
		if err := json.Unmarshal([]byte(configStr), &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "agentworker: invalid AGENT_CONFIG: %v\n", err)
			os.Exit(1)
		}
	}

	w := &worker{id: id, name: name, config: cfg, startedAt: time.Now()}

	r := chi.NewRouter()
	r.Get("/health", w.handleHealth)
	r.Get("/config", w.handleConfig)
	r.Post("/process", w.handleProcess)
	r.Post("/shutdown", w.handleShutdown)

	srv := &http.Server{
		Addr:    ":" + portStr,
		Handler: r,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "agentworker: listen error: %v\n", err)
			os.Exit(1)
		}
	}()

	emit(statusRecord{Type: "ready"})

	go w.heartbeatLoop(ctx)
	go w.metricsLoop(ctx)

	<-ctx.Done()

	// Drain in-flight requests and exit cleanly within GRACE_TIMEOUT — the
	// supervisor escalates to SIGKILL if this deadline is exceeded.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	os.Exit(0)
}

func (w *worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			emit(statusRecord{
				Type:         "heartbeat",
				UptimeMs:     time.Since(w.startedAt).Milliseconds(),
				RequestCount: w.requestCount.Load(),
				ErrorCount:   w.errorCount.Load(),
			})
		}
	}
}

func (w *worker) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)

			rec := statusRecord{Type: "metrics"}
			rec.Memory = &struct {
				RSS       int64 `json:"rss"`
				HeapTotal int64 `json:"heapTotal"`
				HeapUsed  int64 `json:"heapUsed"`
			}{
				RSS:       int64(mem.Sys),
				HeapTotal: int64(mem.HeapSys),
				HeapUsed:  int64(mem.HeapAlloc),
			}
			rec.CPU = &struct {
				User   float64 `json:"user"`
				System float64 `json:"system"`
			}{}
			emit(rec)
		}
	}
}

func (w *worker) handleHealth(rw http.ResponseWriter, r *http.Request) {
	w.requestCount.Add(1)
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(map[string]any{
		"status": "ok",
		"uptime": time.Since(w.startedAt).Milliseconds(),
	})
}

func (w *worker) handleConfig(rw http.ResponseWriter, r *http.Request) {
	w.requestCount.Add(1)
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(w.config)
}

func (w *worker) handleProcess(rw http.ResponseWriter, r *http.Request) {
	w.requestCount.Add(1)
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err.Error() != "EOF" {
		w.errorCount.Add(1)
		rw.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(rw).Encode(map[string]string{"error": "invalid request body"})
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(map[string]any{
		"agentId": w.id,
		"result":  "processed",
	})
}

func (w *worker) handleShutdown(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(http.StatusAccepted)
	go func() {
		time.Sleep(50 * time.Millisecond)
		p, err := os.FindProcess(os.Getpid())
		if err == nil {
			_ = p.Signal(syscall.SIGTERM)
		}
	}()
}
