package supervisor

import "encoding/json"

// StatusType identifies the kind of structured record a worker child emits
// on stdout, one JSON document per line (§6.2 of the worker contract).
type StatusType string

const (
	// StatusReady is emitted once, after the worker has begun listening on
	// AGENT_PORT. Its arrival (or the READY_TIMEOUT firing first) resolves
	// the spawn call's readiness future.
	StatusReady StatusType = "ready"

	// StatusHeartbeat is emitted at least once per HEARTBEAT_INTERVAL while
	// the worker is alive and serving.
	StatusHeartbeat StatusType = "heartbeat"

	// StatusMetrics is emitted at most once per 60s with a resource-usage
	// snapshot self-reported by the worker process.
	StatusMetrics StatusType = "metrics"
)

// StatusRecord is the ingested vocabulary of a child's stdout stream. Fields
// not relevant to a given Type are left at their zero value. Unknown Type
// values are parsed successfully (so the JSON itself was valid) but the
// caller discards them with a warn log — see Supervisor.readStdout.
type StatusRecord struct {
	Type StatusType `json:"type"`

	// heartbeat fields
	UptimeMs     int64 `json:"uptimeMs"`
	RequestCount int64 `json:"requestCount"`
	ErrorCount   int64 `json:"errorCount"`

	// metrics fields
	Memory struct {
		RSS       int64 `json:"rss"`
		HeapTotal int64 `json:"heapTotal"`
		HeapUsed  int64 `json:"heapUsed"`
	} `json:"memory"`
	CPU struct {
		User   float64 `json:"user"`
		System float64 `json:"system"`
	} `json:"cpu"`
}

// parseStatusLine decodes a single stdout line as a StatusRecord. A line
// that fails to parse as JSON is not a StatusRecord at all — callers should
// log it at warn level and discard it per the spec's parse-failure policy.
func parseStatusLine(line []byte) (StatusRecord, error) {
	var rec StatusRecord
	err := json.Unmarshal(line, &rec)
	return rec, err
}
