// Package protocol defines the wire contract between one websocket client
// and the server: inbound commands and outbound server events.
package protocol

import (
	"encoding/json"
	"time"

	"chatbridge/internal/model/chat"
)

// Inbound command types.
const (
	CmdSendMessage   = "send_message"
	CmdCreateSession = "create_session"
	CmdLoadSession   = "load_session"
	CmdAnalyzeFile   = "analyze_file"
)

// Outbound event types. For one send_message request the client always sees
// typing_start first and exactly one of message_complete or error last.
const (
	EventConnectionStats = "connection_stats"
	EventMessage         = "message"
	EventTypingStart     = "typing_start"
	EventProcessingStep  = "processing_step"
	EventMessageStream   = "message_stream"
	EventTypingEnd       = "typing_end"
	EventMessageComplete = "message_complete"
	EventError           = "error"
	EventSessionCreated  = "session_created"
	EventSessionLoaded   = "session_loaded"
)

// Command is one inbound client request.
type Command struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`

	// send_message
	Message      string   `json:"message,omitempty"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	MaxTurns     int      `json:"maxTurns,omitempty"`
	AllowedTools []string `json:"allowedTools,omitempty"`

	// analyze_file
	Content  string `json:"content,omitempty"`
	Filename string `json:"filename,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

// ConnectionStats is the payload of the connection_stats event.
type ConnectionStats struct {
	ActiveConnections int `json:"activeConnections"`
	ActiveSessions    int `json:"activeSessions"`
}

// ServerEvent is one outbound protocol event. Fields beyond Type are
// populated per event kind; everything unused is omitted on the wire.
type ServerEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`

	Message *chat.Message        `json:"message,omitempty"`
	Session *chat.Session        `json:"session,omitempty"`
	Step    *chat.ProcessingStep `json:"step,omitempty"`
	Stats   *ConnectionStats     `json:"stats,omitempty"`

	// message_stream payload. FullContent is always the cumulative snapshot
	// so a client can render from the latest event alone.
	Content     string `json:"content,omitempty"`
	FullContent string `json:"fullContent,omitempty"`

	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// ParseCommand decodes one inbound frame.
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, err
	}
	return cmd, nil
}
