// Package testutil provides test doubles for the turn engine: a scripted
// model adapter and SSE parsing helpers.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/calliope-chat/calliope/internal/chat"
)

// ScriptedAdapter is a deterministic chat.ModelAdapter for tests. Each call
// to Stream plays back the next scripted segment's deltas in order.
//
// Thread-safe for concurrent use.
type ScriptedAdapter struct {
	mu       sync.Mutex
	segments []scriptedSegment
	requests []*chat.ModelRequest

	// OpenErr, when set, fails the next Stream call itself.
	OpenErr error

	// CompleteFn handles Complete calls; nil returns an error.
	CompleteFn func(ctx context.Context, prompt string) (string, error)
}

type scriptedSegment struct {
	deltas []chat.Delta
	err    error // returned after the deltas are exhausted, instead of EOF
}

// NewScriptedAdapter creates an empty scripted adapter.
func NewScriptedAdapter() *ScriptedAdapter {
	return &ScriptedAdapter{}
}

// AddSegment schedules one generation segment. Scripts normally end each
// segment with Done().
func (a *ScriptedAdapter) AddSegment(deltas ...chat.Delta) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.segments = append(a.segments, scriptedSegment{deltas: deltas})
}

// AddFailingSegment schedules a segment whose stream fails with err after
// playing the given deltas.
func (a *ScriptedAdapter) AddFailingSegment(err error, deltas ...chat.Delta) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.segments = append(a.segments, scriptedSegment{deltas: deltas, err: err})
}

// Requests returns a copy of all recorded Stream requests.
func (a *ScriptedAdapter) Requests() []*chat.ModelRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := make([]*chat.ModelRequest, len(a.requests))
	copy(cp, a.requests)
	return cp
}

// Stream implements chat.ModelAdapter.
func (a *ScriptedAdapter) Stream(_ context.Context, req *chat.ModelRequest) (chat.ModelStream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.OpenErr != nil {
		return nil, a.OpenErr
	}
	a.requests = append(a.requests, req)

	if len(a.segments) == 0 {
		return nil, fmt.Errorf("scripted adapter: no segments left")
	}
	seg := a.segments[0]
	a.segments = a.segments[1:]
	return &scriptedStream{segment: seg}, nil
}

// Complete implements chat.ModelAdapter.
func (a *ScriptedAdapter) Complete(ctx context.Context, prompt string) (string, error) {
	if a.CompleteFn == nil {
		return "", fmt.Errorf("scripted adapter: Complete not scripted")
	}
	return a.CompleteFn(ctx, prompt)
}

type scriptedStream struct {
	mu      sync.Mutex
	segment scriptedSegment
	pos     int
}

func (s *scriptedStream) Next(ctx context.Context) (*chat.Delta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pos >= len(s.segment.deltas) {
		if s.segment.err != nil {
			return nil, s.segment.err
		}
		return nil, io.EOF
	}
	d := s.segment.deltas[s.pos]
	s.pos++
	return &d, nil
}

func (s *scriptedStream) Close() error { return nil }

// Text builds a text delta.
func Text(s string) chat.Delta {
	return chat.Delta{Kind: chat.DeltaText, Text: s}
}

// ToolCallDelta builds a tool-call delta with raw JSON arguments.
func ToolCallDelta(id, name, args string) chat.Delta {
	var raw json.RawMessage
	if args != "" {
		raw = json.RawMessage(args)
	}
	return chat.Delta{Kind: chat.DeltaToolCall, ToolCall: &chat.ToolCall{ID: id, Name: name, Arguments: raw}}
}

// Done builds the end-of-segment delta.
func Done() chat.Delta {
	return chat.Delta{Kind: chat.DeltaDone}
}
