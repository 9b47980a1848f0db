// Package websocket implements the admin-facing live status feed.
// The agent never talks to this package — its transport is HTTP polling
// only. This hub instead lets an operator console watch job and agent
// state change in real time as the dispatcher and heartbeat handlers
// process requests.
//
// Topic naming convention:
//
//	job:<guid>     — progress and terminal-status updates for one job
//	agent:<guid>   — online/offline/revoked transitions and metrics for one agent
package websocket

// MessageType identifies the kind of event carried by a Message.
type MessageType string

const (
	// MsgJobProgress mirrors a ProgressReporter.Report call
	// as it lands on the server via the progress endpoint.
	MsgJobProgress MessageType = "job.progress"

	// MsgJobStatus is sent on every Job.status transition.
	MsgJobStatus MessageType = "job.status"

	// MsgAgentStatus is sent when an AgentRuntime.status changes: online, offline, error, revoked.
	MsgAgentStatus MessageType = "agent.status"

	// MsgAgentMetrics is published on every heartbeat.
	MsgAgentMetrics MessageType = "agent.metrics"

	// MsgPing keeps idle connections alive and lets clients detect staleness.
	MsgPing MessageType = "ping"
)

// Message is the envelope for every frame sent to subscribers.
type Message struct {
	Type    MessageType `json:"type"`
	Topic   string      `json:"topic"`
	Payload any         `json:"payload"`
}
