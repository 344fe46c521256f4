package orchestrator

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbridge/internal/model/chat"
	"chatbridge/internal/protocol"
	"chatbridge/internal/provider"
	"chatbridge/internal/service/session"
)

// recordingEmitter captures emitted events; it can simulate a client that
// disconnects after a number of events.
type recordingEmitter struct {
	mu     sync.Mutex
	events []protocol.ServerEvent
	failAt int // fail every Emit once this many events were recorded; -1 never
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{failAt: -1}
}

func (e *recordingEmitter) Emit(event protocol.ServerEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failAt >= 0 && len(e.events) >= e.failAt {
		return errors.New("client gone")
	}
	e.events = append(e.events, event)
	return nil
}

func (e *recordingEmitter) types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Type
	}
	return out
}

func (e *recordingEmitter) all() []protocol.ServerEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]protocol.ServerEvent, len(e.events))
	copy(out, e.events)
	return out
}

func scriptedProvider() *provider.ScriptProvider {
	return &provider.ScriptProvider{
		Events: []provider.Event{
			{Type: provider.EventThinking, Text: "considering"},
			{Type: provider.EventToolUse, Tool: "read_file", Detail: `{"path":"main.go"}`},
			{Type: provider.EventToolResult, Tool: "read_file", OK: true, Detail: "package main"},
			{Type: provider.EventResult, Result: &provider.Result{
				Content:    "Here is the answer.",
				CostUSD:    0.0042,
				DurationMS: 120,
				NumTurns:   1,
			}},
		},
	}
}

func TestRunEmitsOrderedSequence(t *testing.T) {
	store := session.NewStore()
	svc := New(store, scriptedProvider())
	emitter := newRecordingEmitter()

	sessionID, err := svc.Run(context.Background(), Request{Message: "hi"}, emitter)
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	assert.Equal(t, []string{
		protocol.EventMessage,
		protocol.EventTypingStart,
		protocol.EventProcessingStep, // initializing
		protocol.EventProcessingStep, // connecting
		protocol.EventProcessingStep, // thinking
		protocol.EventProcessingStep, // tool_use
		protocol.EventProcessingStep, // tool_result
		protocol.EventProcessingStep, // result
		protocol.EventMessageStream,
		protocol.EventProcessingStep, // finalizing
		protocol.EventTypingEnd,
		protocol.EventMessageComplete,
	}, emitter.types())

	events := emitter.all()
	for _, ev := range events {
		assert.Equal(t, sessionID, ev.SessionID)
	}

	userEvent := events[0]
	require.NotNil(t, userEvent.Message)
	assert.Equal(t, chat.RoleUser, userEvent.Message.Role)
	assert.Equal(t, "hi", userEvent.Message.Content)

	steps := []string{}
	for _, ev := range events {
		if ev.Step != nil {
			steps = append(steps, ev.Step.Step)
		}
	}
	assert.Equal(t, []string{
		chat.StepInitializing, chat.StepConnecting, chat.StepThinking,
		chat.StepToolUse, chat.StepToolResult, chat.StepResult, chat.StepFinalizing,
	}, steps)

	stream := events[8]
	assert.Equal(t, "Here is the answer.", stream.FullContent)

	terminal := events[len(events)-1]
	require.NotNil(t, terminal.Message)
	assert.Equal(t, chat.RoleAssistant, terminal.Message.Role)
	assert.Equal(t, "Here is the answer.", terminal.Message.Content)
	require.NotNil(t, terminal.Message.Meta)
	assert.Equal(t, 0.0042, terminal.Message.Meta.CostUSD)

	sess, err := store.Get(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, chat.RoleUser, sess.Messages[0].Role)
	assert.Equal(t, chat.RoleAssistant, sess.Messages[1].Role)
}

func TestRunRejectsEmptyMessage(t *testing.T) {
	store := session.NewStore()
	svc := New(store, scriptedProvider())
	emitter := newRecordingEmitter()

	_, err := svc.Run(context.Background(), Request{Message: "   \n\t"}, emitter)
	require.ErrorIs(t, err, ErrEmptyMessage)

	assert.Empty(t, emitter.types())
	assert.Zero(t, store.Count(context.Background()))
}

func TestRunProviderFailsMidStream(t *testing.T) {
	store := session.NewStore()
	prov := scriptedProvider()
	prov.FailAfter = 1
	prov.Err = errors.New("backend exploded")
	svc := New(store, prov)
	emitter := newRecordingEmitter()

	sessionID, err := svc.Run(context.Background(), Request{Message: "hi"}, emitter)
	require.NoError(t, err)

	types := emitter.types()
	assert.Equal(t, protocol.EventError, types[len(types)-1])
	assert.NotContains(t, types, protocol.EventMessageComplete)
	assert.Equal(t, 1, count(types, protocol.EventError))

	sess, err := store.Get(context.Background(), sessionID)
	require.NoError(t, err)
	last := sess.Messages[len(sess.Messages)-1]
	assert.True(t, last.IsError)
	assert.Equal(t, chat.RoleAssistant, last.Role)
}

func TestRunProviderReportsErrorResult(t *testing.T) {
	store := session.NewStore()
	prov := &provider.ScriptProvider{
		Events: []provider.Event{
			{Type: provider.EventResult, Result: &provider.Result{IsError: true, ErrText: "not authenticated"}},
		},
	}
	svc := New(store, prov)
	emitter := newRecordingEmitter()

	sessionID, err := svc.Run(context.Background(), Request{Message: "hi"}, emitter)
	require.NoError(t, err)

	types := emitter.types()
	assert.Equal(t, protocol.EventError, types[len(types)-1])
	assert.NotContains(t, types, protocol.EventMessageStream)
	assert.NotContains(t, types, protocol.EventMessageComplete)

	events := emitter.all()
	assert.Contains(t, events[len(events)-1].Error, "not authenticated")

	sess, _ := store.Get(context.Background(), sessionID)
	assert.True(t, sess.Messages[len(sess.Messages)-1].IsError)
}

func TestRunWithoutProvider(t *testing.T) {
	store := session.NewStore()
	svc := New(store, nil)
	emitter := newRecordingEmitter()

	sessionID, err := svc.Run(context.Background(), Request{Message: "hi"}, emitter)
	require.NoError(t, err)

	types := emitter.types()
	assert.Equal(t, protocol.EventError, types[len(types)-1])

	sess, _ := store.Get(context.Background(), sessionID)
	assert.True(t, sess.Messages[len(sess.Messages)-1].IsError)
}

func TestRunAbandonsOnBrokenChannel(t *testing.T) {
	store := session.NewStore()
	svc := New(store, scriptedProvider())
	emitter := newRecordingEmitter()
	emitter.failAt = 2 // drop the client after message + typing_start

	sessionID, err := svc.Run(context.Background(), Request{Message: "hi"}, emitter)
	require.NoError(t, err)

	types := emitter.types()
	assert.NotContains(t, types, protocol.EventMessageComplete)
	assert.NotContains(t, types, protocol.EventError)

	// The user message was accepted before the channel broke; no assistant
	// message is stored for an abandoned run.
	sess, err := store.Get(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 1)
	assert.Equal(t, chat.RoleUser, sess.Messages[0].Role)
}

// gatedProvider blocks its stream until released, to hold a session in the
// streaming state.
type gatedProvider struct {
	release chan struct{}
}

func (p *gatedProvider) Name() string    { return "gated" }
func (p *gatedProvider) Available() bool { return true }

func (p *gatedProvider) Query(context.Context, provider.Request) (provider.Stream, error) {
	return &gatedStream{release: p.release}, nil
}

type gatedStream struct {
	release chan struct{}
	sent    bool
}

func (s *gatedStream) Recv() (provider.Event, error) {
	if s.sent {
		return provider.Event{}, io.EOF
	}
	<-s.release
	s.sent = true
	return provider.Event{Type: provider.EventResult, Result: &provider.Result{Content: "done"}}, nil
}

func (s *gatedStream) Close() {}

func TestRunEnforcesSingleFlight(t *testing.T) {
	store := session.NewStore()
	sess := store.Create(context.Background())

	release := make(chan struct{})
	svc := New(store, &gatedProvider{release: release})

	first := newRecordingEmitter()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := svc.Run(context.Background(), Request{SessionID: sess.ID, Message: "first"}, first)
		assert.NoError(t, err)
	}()

	// Wait for the first request to hold the session. The probe releases
	// immediately so it never steals the lock.
	require.Eventually(t, func() bool {
		if svc.locks.acquire(sess.ID) {
			svc.locks.release(sess.ID)
			return false
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	second := newRecordingEmitter()
	_, err := svc.Run(context.Background(), Request{SessionID: sess.ID, Message: "second"}, second)
	require.ErrorIs(t, err, ErrSessionBusy)
	assert.Empty(t, second.types())

	close(release)
	<-done

	got, err := store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "first", got.Messages[0].Content)
	assert.Equal(t, "done", got.Messages[1].Content)
}

func count(values []string, want string) int {
	n := 0
	for _, v := range values {
		if v == want {
			n++
		}
	}
	return n
}
