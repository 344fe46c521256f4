package chat

import "time"

// Role values carried by Message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Meta carries the numeric metadata reported by the provider for one
// completed request.
type Meta struct {
	CostUSD    float64 `json:"costUsd,omitempty"`
	DurationMS int64   `json:"durationMs,omitempty"`
	NumTurns   int     `json:"turns,omitempty"`
}

// Message is one conversational turn. Immutable once appended to a session.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	IsError   bool      `json:"isError,omitempty"`
	Meta      *Meta     `json:"meta,omitempty"`
}
