package provider

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"chatbridge/internal/logging"
	"chatbridge/internal/model/chat"
)

// Token rates (USD per million) used to estimate request cost from usage
// counts when the backend does not report a price itself.
const (
	inputTokenRate  = 3.0
	outputTokenRate = 15.0
)

const defaultSystemPrompt = "You are a helpful coding assistant. Answer precisely and format code in fenced blocks."

// streamOpenRetries bounds the exponential backoff around opening the
// model stream; the stream itself is never retried once it has yielded.
const streamOpenRetries = 2

// Ark is the eino-backed Provider implementation.
type Ark struct {
	name  string
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewArk compiles the prompt chain around the given chat model.
func NewArk(ctx context.Context, name string, chatModel model.ChatModel) (*Ark, error) {
	template := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(template)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Ark{name: name, chain: runnable}, nil
}

// Name returns the configured model identifier.
func (a *Ark) Name() string { return a.name }

// Available reports whether the backend can serve queries.
func (a *Ark) Available() bool { return a != nil && a.chain != nil }

// Query opens the model stream for one request. Transient open failures are
// retried with exponential backoff before giving up.
func (a *Ark) Query(ctx context.Context, req Request) (Stream, error) {
	input := map[string]any{
		"system":  a.systemPrompt(req),
		"history": historyMessages(req.History),
		"query":   req.Prompt,
	}

	var inner *schema.StreamReader[*schema.Message]
	open := func() error {
		stream, err := a.chain.Stream(ctx, input)
		if err != nil {
			return err
		}
		inner = stream
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), streamOpenRetries), ctx)
	if err := backoff.Retry(open, policy); err != nil {
		return nil, fmt.Errorf("failed to open model stream: %w", err)
	}

	return &arkStream{
		inner:    inner,
		started:  time.Now(),
		maxTurns: req.MaxTurns,
	}, nil
}

func (a *Ark) systemPrompt(req Request) string {
	if strings.TrimSpace(req.SystemPrompt) != "" {
		return req.SystemPrompt
	}
	return defaultSystemPrompt
}

func historyMessages(history []chat.Message) []*schema.Message {
	if len(history) == 0 {
		return nil
	}

	messages := make([]*schema.Message, 0, len(history))
	for _, msg := range history {
		if msg.Content == "" || msg.IsError {
			continue
		}
		switch msg.Role {
		case chat.RoleUser:
			messages = append(messages, schema.UserMessage(msg.Content))
		case chat.RoleAssistant:
			messages = append(messages, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return messages
}

// arkStream adapts the eino chunk stream into the typed event vocabulary.
// Content deltas fold into the terminal result event; reasoning deltas and
// tool calls surface immediately as thinking / tool_use events.
type arkStream struct {
	inner    *schema.StreamReader[*schema.Message]
	started  time.Time
	maxTurns int

	content  strings.Builder
	usageIn  int
	usageOut int
	done     bool
}

func (s *arkStream) Recv() (Event, error) {
	if s.done {
		return Event{}, io.EOF
	}

	for {
		chunk, err := s.inner.Recv()
		if err == io.EOF {
			s.done = true
			return Event{Type: EventResult, Result: s.result()}, nil
		}
		if err != nil {
			s.done = true
			return Event{}, err
		}
		if chunk == nil {
			continue
		}

		s.recordUsage(chunk)

		if chunk.ReasoningContent != "" {
			return Event{Type: EventThinking, Text: chunk.ReasoningContent}, nil
		}

		if len(chunk.ToolCalls) > 0 {
			call := chunk.ToolCalls[0]
			return Event{
				Type:   EventToolUse,
				Tool:   call.Function.Name,
				Detail: truncate(call.Function.Arguments, 120),
			}, nil
		}

		if chunk.Content != "" {
			s.content.WriteString(chunk.Content)
		}
	}
}

func (s *arkStream) Close() {
	if s.inner != nil {
		s.inner.Close()
	}
}

func (s *arkStream) recordUsage(chunk *schema.Message) {
	if chunk.ResponseMeta == nil || chunk.ResponseMeta.Usage == nil {
		return
	}
	usage := chunk.ResponseMeta.Usage
	if usage.PromptTokens > 0 {
		s.usageIn = usage.PromptTokens
	}
	if usage.CompletionTokens > 0 {
		s.usageOut = usage.CompletionTokens
	}
}

func (s *arkStream) result() *Result {
	turns := 1
	if s.maxTurns > 0 && s.maxTurns < turns {
		turns = s.maxTurns
	}
	res := &Result{
		Content:    s.content.String(),
		DurationMS: time.Since(s.started).Milliseconds(),
		NumTurns:   turns,
		CostUSD:    (float64(s.usageIn)*inputTokenRate + float64(s.usageOut)*outputTokenRate) / 1e6,
	}
	if res.Content == "" {
		logging.Warn().Msg("model stream produced no content")
	}
	return res
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
