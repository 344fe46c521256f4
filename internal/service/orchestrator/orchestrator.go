// Package orchestrator drives one provider query to completion per user
// message, emitting progress events along the way and exactly one terminal
// event at the end.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"chatbridge/internal/logging"
	"chatbridge/internal/model/chat"
	"chatbridge/internal/protocol"
	"chatbridge/internal/provider"
	"chatbridge/internal/service/session"
)

var (
	ErrEmptyMessage        = errors.New("message must not be empty")
	ErrSessionBusy         = errors.New("session has a request in flight")
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// Emitter delivers protocol events to the requesting client. A non-nil
// error means the channel is broken; the run is abandoned without further
// emissions.
type Emitter interface {
	Emit(event protocol.ServerEvent) error
}

// Request is one validated-or-not user submission.
type Request struct {
	SessionID    string
	Message      string
	SystemPrompt string
	MaxTurns     int
	AllowedTools []string
}

// Service is the streaming orchestrator. It owns the single-flight locks
// and is the only component that mutates the session store.
type Service struct {
	store    *session.Store
	provider provider.Provider
	locks    *sessionLocks

	defaultMaxTurns     int
	defaultSystemPrompt string
	requestTimeout      time.Duration
}

// Option configures the orchestrator.
type Option func(*Service)

// WithDefaultMaxTurns sets the turn budget used when a request carries none.
func WithDefaultMaxTurns(turns int) Option {
	return func(s *Service) {
		if turns > 0 {
			s.defaultMaxTurns = turns
		}
	}
}

// WithSystemPrompt sets the system prompt used when a request carries none.
func WithSystemPrompt(prompt string) Option {
	return func(s *Service) { s.defaultSystemPrompt = prompt }
}

// WithRequestTimeout bounds provider consumption per request. Zero disables
// the bound.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(s *Service) { s.requestTimeout = timeout }
}

// New wires the orchestrator. The provider may be nil; requests then fail
// with a stored error message instead of an answer.
func New(store *session.Store, prov provider.Provider, opts ...Option) *Service {
	s := &Service{
		store:           store,
		provider:        prov,
		locks:           newSessionLocks(),
		defaultMaxTurns: 3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run handles one send_message request end to end. It returns the resolved
// session id and a synchronous rejection error, if any. Rejections emit no
// protocol events and leave the store untouched; everything past validation
// is reported through the emitter, terminal event included.
func (s *Service) Run(ctx context.Context, req Request, emitter Emitter) (string, error) {
	prompt := strings.TrimSpace(req.Message)
	if prompt == "" {
		return req.SessionID, ErrEmptyMessage
	}

	sess, _ := s.store.Resolve(ctx, req.SessionID)

	if !s.locks.acquire(sess.ID) {
		return sess.ID, ErrSessionBusy
	}
	defer s.locks.release(sess.ID)

	if s.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}

	run := &runState{
		service:   s,
		emitter:   emitter,
		sessionID: sess.ID,
	}
	run.execute(ctx, sess, req, prompt)
	return sess.ID, nil
}

// runState tracks one request through the state machine. Once the emitter
// reports a broken channel the run goes silent and only cleans up.
type runState struct {
	service   *Service
	emitter   Emitter
	sessionID string
	gone      bool
}

func (r *runState) execute(ctx context.Context, sess chat.Session, req Request, prompt string) {
	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = r.service.defaultMaxTurns
	}

	userMsg, err := r.service.store.Append(ctx, sess.ID, chat.Message{
		Role:    chat.RoleUser,
		Content: prompt,
	})
	if err != nil {
		// Session vanished between resolve and append; report and stop.
		r.emit(protocol.ServerEvent{
			Type:      protocol.EventError,
			SessionID: sess.ID,
			Error:     "session not found",
			Details:   err.Error(),
		})
		return
	}

	r.emit(protocol.ServerEvent{
		Type:      protocol.EventMessage,
		SessionID: sess.ID,
		Message:   &userMsg,
	})

	// Initializing.
	r.emit(protocol.ServerEvent{Type: protocol.EventTypingStart, SessionID: sess.ID})
	r.step(chat.StepInitializing, "Preparing request", map[string]any{
		"promptChars":  len(prompt),
		"maxTurns":     maxTurns,
		"allowedTools": req.AllowedTools,
	})

	// Connecting.
	providerName := "none"
	if r.service.provider != nil {
		providerName = r.service.provider.Name()
	}
	r.step(chat.StepConnecting, fmt.Sprintf("Contacting %s", providerName), map[string]any{
		"provider": providerName,
		"history":  len(sess.Messages),
	})

	result, failure := r.consume(ctx, sess, req, prompt, maxTurns)

	// Finalizing.
	r.step(chat.StepFinalizing, "Wrapping up", nil)
	r.emit(protocol.ServerEvent{Type: protocol.EventTypingEnd, SessionID: sess.ID})

	if failure != nil {
		r.fail(ctx, failure)
		return
	}
	r.complete(ctx, result)
}

// consume opens the provider stream and drains it in arrival order. It
// returns the captured non-error result, or the failure that ends the run.
func (r *runState) consume(ctx context.Context, sess chat.Session, req Request, prompt string, maxTurns int) (*provider.Result, error) {
	prov := r.service.provider
	if prov == nil || !prov.Available() {
		return nil, ErrProviderUnavailable
	}

	systemPrompt := req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = r.service.defaultSystemPrompt
	}

	stream, err := prov.Query(ctx, provider.Request{
		Prompt:       prompt,
		History:      sess.Messages,
		SystemPrompt: systemPrompt,
		MaxTurns:     maxTurns,
		AllowedTools: req.AllowedTools,
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var result *provider.Result
	for {
		if r.gone {
			// Client disconnected; stop computing on its behalf.
			return nil, nil
		}

		ev, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			// A cancelled context means the client went away, not that the
			// provider failed; abandon without a terminal event. A deadline
			// hit is a real failure and still gets one.
			if errors.Is(recvErr, context.Canceled) || ctx.Err() == context.Canceled {
				r.gone = true
				return nil, nil
			}
			return nil, recvErr
		}

		r.emitStep(ev)

		if ev.Type == provider.EventResult && ev.Result != nil {
			if ev.Result.IsError {
				return nil, errors.New(errText(ev.Result))
			}
			result = ev.Result
			r.emit(protocol.ServerEvent{
				Type:        protocol.EventMessageStream,
				SessionID:   r.sessionID,
				Content:     ev.Result.Content,
				FullContent: ev.Result.Content,
			})
		}
	}

	if result == nil {
		return nil, errors.New("provider produced no result")
	}
	return result, nil
}

func (r *runState) complete(ctx context.Context, result *provider.Result) {
	if result == nil {
		// Abandoned mid-stream; nothing to store, nobody to tell.
		return
	}

	msg := chat.Message{
		Role:    chat.RoleAssistant,
		Content: result.Content,
		Meta: &chat.Meta{
			CostUSD:    result.CostUSD,
			DurationMS: result.DurationMS,
			NumTurns:   result.NumTurns,
		},
	}

	stored, err := r.service.store.Append(ctx, r.sessionID, msg)
	if err != nil {
		r.fail(ctx, fmt.Errorf("failed to store answer: %w", err))
		return
	}

	r.emit(protocol.ServerEvent{
		Type:      protocol.EventMessageComplete,
		SessionID: r.sessionID,
		Message:   &stored,
	})
	logging.Debug().Str("session", r.sessionID).Int64("durationMs", result.DurationMS).Msg("request completed")
}

func (r *runState) fail(ctx context.Context, cause error) {
	content := fmt.Sprintf("Request failed: %v", cause)
	stored, err := r.service.store.Append(ctx, r.sessionID, chat.Message{
		Role:    chat.RoleAssistant,
		Content: content,
		IsError: true,
	})
	if err != nil {
		logging.Error().Err(err).Str("session", r.sessionID).Msg("failed to store error message")
	}

	r.emit(protocol.ServerEvent{
		Type:      protocol.EventError,
		SessionID: r.sessionID,
		Error:     cause.Error(),
		Message:   &stored,
	})
	logging.Warn().Err(cause).Str("session", r.sessionID).Msg("request failed")
}

// emitStep projects one provider event into a processing_step notification.
func (r *runState) emitStep(ev provider.Event) {
	switch ev.Type {
	case provider.EventThinking:
		r.step(chat.StepThinking, "Thinking...", map[string]any{
			"text": ev.Text,
		})
	case provider.EventToolUse:
		r.step(chat.StepToolUse, fmt.Sprintf("Using tool %s", ev.Tool), map[string]any{
			"tool":  ev.Tool,
			"input": ev.Detail,
		})
	case provider.EventToolResult:
		msg := fmt.Sprintf("Tool %s failed", ev.Tool)
		if ev.OK {
			msg = fmt.Sprintf("Tool %s finished", ev.Tool)
		}
		r.step(chat.StepToolResult, msg, map[string]any{
			"tool":        ev.Tool,
			"ok":          ev.OK,
			"outputChars": len(ev.Detail),
		})
	case provider.EventResult:
		data := map[string]any{}
		if ev.Result != nil {
			data["costUsd"] = ev.Result.CostUSD
			data["durationMs"] = ev.Result.DurationMS
			data["turns"] = ev.Result.NumTurns
			data["isError"] = ev.Result.IsError
		}
		r.step(chat.StepResult, "Answer received", data)
	}
}

func (r *runState) step(tag, message string, data map[string]any) {
	r.emit(protocol.ServerEvent{
		Type:      protocol.EventProcessingStep,
		SessionID: r.sessionID,
		Step: &chat.ProcessingStep{
			SessionID: r.sessionID,
			Step:      tag,
			Message:   message,
			Data:      data,
			Timestamp: time.Now().UTC(),
		},
	})
}

func (r *runState) emit(event protocol.ServerEvent) {
	if r.gone {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := r.emitter.Emit(event); err != nil {
		r.gone = true
		logging.Debug().Err(err).Str("session", r.sessionID).Msg("client channel broken, abandoning run")
	}
}

func errText(result *provider.Result) string {
	if result.ErrText != "" {
		return result.ErrText
	}
	return "provider reported an error"
}
