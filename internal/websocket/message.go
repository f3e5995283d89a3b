// Package websocket implements the real-time pub/sub hub that pushes agent
// lifecycle events to connected API clients. It uses gorilla/websocket under
// the hood and exposes a topic-based broadcast API consumed by the
// controller and supervisor hooks.
//
// Topic naming convention:
//
//	agent:<uuid>  — status, heartbeat and metrics events for a specific agent
package websocket

// MessageType identifies the kind of event carried by a Message.
// Clients use this field to route the payload to the correct UI update.
type MessageType string

const (
	// MsgAgentStatus is sent when a supervisor event changes an agent's
	// persisted status: promotion to running on a heartbeat, and the stopped
	// or error status written when the child exits. Transitions made by API
	// intents (start, stop, restart) are not published.
	MsgAgentStatus MessageType = "agent.status"

	// MsgAgentHeartbeat is sent on every heartbeat status record observed
	// from a running agent's stdout stream.
	MsgAgentHeartbeat MessageType = "agent.heartbeat"

	// MsgAgentMetrics is sent on every metrics status record, carrying the
	// worker's self-reported resource usage sample.
	MsgAgentMetrics MessageType = "agent.metrics"

	// MsgAgentLog is sent for each stderr line collected from the worker
	// child process.
	MsgAgentLog MessageType = "agent.log"

	// MsgPing names a keep-alive message. Nothing in this package sends it:
	// connections are kept alive with WebSocket ping frames from writePump.
	MsgPing MessageType = "ping"
)

// Message is the envelope for every WebSocket frame sent to clients.
// The client deserializes this struct and dispatches on Type.
//
// JSON example:
//
//	{"type":"agent.status","topic":"agent:018f...","payload":{"status":"running"}}
type Message struct {
	// Type identifies the kind of event so the client can route it correctly.
	Type MessageType `json:"type"`

	// Topic is the pub/sub channel this message was published on.
	// Clients use it to associate the update with the correct agent.
	Topic string `json:"topic"`

	// Payload carries the event-specific data. The shape varies by Type:
	//   - agent.status:    {"status":"error","errorMessage":"..."} (errorMessage only for error)
	//   - agent.heartbeat: {"timestamp":"..."}
	//   - agent.metrics:   {"cpuPercent":12.5,"memoryRss":1048576,...}
	//   - agent.log:       {"level":"error","message":"..."}
	//   - ping:            {} (empty)
	Payload any `json:"payload"`
}
