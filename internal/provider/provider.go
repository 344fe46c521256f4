// Package provider defines the contract with the generative backend: one
// query in, a lazy finite sequence of typed events out. The sequence is
// consumed exactly once and is not restartable.
package provider

import (
	"context"

	"chatbridge/internal/model/chat"
)

// EventType tags one provider event.
type EventType string

// Event vocabulary produced while answering a single request.
const (
	EventThinking   EventType = "thinking"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventResult     EventType = "result"
)

// Event is one element of a provider stream.
type Event struct {
	Type EventType

	// Text carries thinking content.
	Text string

	// Tool and Detail describe tool_use / tool_result events.
	Tool   string
	Detail string
	OK     bool

	// Result is set when Type == EventResult, terminal for the stream.
	Result *Result
}

// Result is the terminal outcome of one query.
type Result struct {
	Content    string
	IsError    bool
	ErrText    string
	CostUSD    float64
	DurationMS int64
	NumTurns   int
}

// Request describes one query to the backend.
type Request struct {
	Prompt       string
	History      []chat.Message
	SystemPrompt string
	MaxTurns     int
	AllowedTools []string
}

// Stream is a lazy event sequence. Recv returns io.EOF once the sequence is
// exhausted; any other error means the backend failed mid-stream.
type Stream interface {
	Recv() (Event, error)
	Close()
}

// Provider is the generative backend client.
type Provider interface {
	Name() string
	Available() bool
	Query(ctx context.Context, req Request) (Stream, error)
}
