package chat

import "time"

// Step tags: the provider event vocabulary plus the synthetic markers the
// orchestrator emits around it.
const (
	StepInitializing = "initializing"
	StepConnecting   = "connecting"
	StepThinking     = "thinking"
	StepToolUse      = "tool_use"
	StepToolResult   = "tool_result"
	StepResult       = "result"
	StepFinalizing   = "finalizing"
)

// ProcessingStep is a transient progress notification for one in-flight
// request. It only ever exists on the wire; nothing persists it.
type ProcessingStep struct {
	SessionID string         `json:"sessionId"`
	Step      string         `json:"step"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
