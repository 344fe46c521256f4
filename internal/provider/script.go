package provider

import (
	"context"
	"io"
	"sync"
)

// ScriptProvider plays back a canned event sequence. Used by tests and as an
// offline stand-in when no backend is configured.
type ScriptProvider struct {
	// Events to emit, in order.
	Events []Event
	// QueryErr, when set, fails the query before any event is produced.
	QueryErr error
	// FailAfter injects Err after that many events instead of io.EOF.
	// Zero or negative disables injection.
	FailAfter int
	Err       error
}

// Name identifies the fake backend.
func (p *ScriptProvider) Name() string { return "script" }

// Available is always true for the scripted backend.
func (p *ScriptProvider) Available() bool { return true }

// Query returns a stream over the scripted events.
func (p *ScriptProvider) Query(_ context.Context, _ Request) (Stream, error) {
	if p.QueryErr != nil {
		return nil, p.QueryErr
	}
	events := make([]Event, len(p.Events))
	copy(events, p.Events)
	return &scriptStream{events: events, failAfter: p.FailAfter, err: p.Err}, nil
}

type scriptStream struct {
	mu        sync.Mutex
	events    []Event
	next      int
	failAfter int
	err       error
	closed    bool
}

func (s *scriptStream) Recv() (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Event{}, io.EOF
	}
	if s.err != nil && s.failAfter > 0 && s.next >= s.failAfter {
		return Event{}, s.err
	}
	if s.next >= len(s.events) {
		return Event{}, io.EOF
	}

	ev := s.events[s.next]
	s.next++
	return ev, nil
}

func (s *scriptStream) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
