// Package wire holds the domain types and error taxonomy shared by every
// component of the orchestrator: instance records, thread bindings, and the
// stream event union that flows from a worker to a chat thread.
package wire

import "time"

// InstanceState is the lifecycle state of a worker instance.
type InstanceState string

const (
	StateStarting InstanceState = "starting"
	StateRunning  InstanceState = "running"
	StateStopping InstanceState = "stopping"
	StateStopped  InstanceState = "stopped"
	StateError    InstanceState = "error"
)

// InstanceType distinguishes who owns the lifecycle of an instance.
type InstanceType string

const (
	// TypeManaged instances are spawned and owned by this orchestrator.
	TypeManaged InstanceType = "managed"
	// TypeDiscovered instances were observed running outside our control.
	TypeDiscovered InstanceType = "discovered"
	// TypeExternal instances were registered through the registration API
	// by another process; they are never stopped or evicted by us.
	TypeExternal InstanceType = "external"
)

// InstanceInfo is the durable record of a worker process.
type InstanceInfo struct {
	ID           string        `json:"id"`
	ProjectPath  string        `json:"projectPath"`
	Port         int           `json:"port"`
	State        InstanceState `json:"state"`
	Type         InstanceType  `json:"instanceType"`
	ContainerID  string        `json:"containerId,omitempty"`
	PID          int           `json:"pid,omitempty"`
	StartedAtMs  int64         `json:"startedAt,omitempty"`
	StoppedAtMs  int64         `json:"stoppedAt,omitempty"`
	RestartCount int           `json:"restartCount"`
}

// Binding associates a chat thread with a project, and transitively with a
// conversational session and the instance currently serving it.
type Binding struct {
	ChatID           int64  `json:"chatId"`
	TopicID          int64  `json:"topicId"`
	ProjectPath      string `json:"projectPath"`
	SessionID        string `json:"sessionId,omitempty"`
	InstanceID       string `json:"instanceId,omitempty"`
	TopicNameUpdated bool   `json:"topicNameUpdated"`
	CreatedAtSec     int64  `json:"createdAt"`
	UpdatedAtSec     int64  `json:"updatedAt"`
}

// BindingKey identifies a Binding by its compound primary key.
type BindingKey struct {
	ChatID  int64
	TopicID int64
}

// StreamEventType tags the variant of a StreamEvent.
type StreamEventType string

const (
	EventTextChunk        StreamEventType = "text_chunk"
	EventToolInvocation   StreamEventType = "tool_invocation"
	EventToolResult       StreamEventType = "tool_result"
	EventMessageComplete  StreamEventType = "message_complete"
	EventSessionIdle      StreamEventType = "session_idle"
	EventSessionError     StreamEventType = "session_error"
	EventPermissionReq    StreamEventType = "permission_request"
	EventPermissionReply  StreamEventType = "permission_reply"
	EventDisconnected     StreamEventType = "disconnected"
	EventReconnected      StreamEventType = "reconnected"
)

// StreamEvent is the tagged union consumed by Multiplexer subscribers.
// Only the typed fields annotated with Type are populated; session_idle,
// disconnected and reconnected events carry none.
type StreamEvent struct {
	Type StreamEventType

	Text string // EventTextChunk

	ToolName string // EventToolInvocation
	ToolArgs any    // EventToolInvocation

	ToolResult any // EventToolResult

	Message any // EventMessageComplete

	Err string // EventSessionError

	PermissionID      string // EventPermissionReq / EventPermissionReply
	PermissionKind    string // EventPermissionReq
	PermissionDetails any    // EventPermissionReq
	PermissionAllowed bool   // EventPermissionReply
}

// NowMillis returns the current time truncated to millisecond epoch, the unit
// InstanceInfo timestamps are stored in.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// NowSeconds returns the current time as a second epoch, the unit Binding
// timestamps are stored in.
func NowSeconds() int64 {
	return time.Now().Unix()
}
