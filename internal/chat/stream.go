package chat

import (
	"context"
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"
)

// Declaration describes a tool to the model: what it is called, what it
// does, and the JSON schema of its arguments. Declarations are static and
// owned by the tool registry; they are passed read-only to the model
// adapter on every generation segment.
type Declaration struct {
	Name        string
	Description string

	// Notice is a short user-facing progress string surfaced in tool_start
	// events (e.g. "Searching the web").
	Notice string

	InputSchema *jsonschema.Schema
}

// Executor runs one tool invocation. Implementations are opaque to the
// orchestrator: they may perform network I/O, retries, and timeouts
// internally. The orchestrator imposes an outer timeout per call and treats
// any error as a tool failure, never a turn failure.
type Executor interface {
	Call(ctx context.Context, args json.RawMessage) (string, error)
}

// ToolSource resolves tool names to executors and exposes declarations for
// the model-input view. Implementations must be immutable after process
// startup so no synchronization is required across concurrent turns.
type ToolSource interface {
	Declarations() []Declaration
	Lookup(name string) (Executor, bool)

	// Describe returns the declaration for a single tool, used to enrich
	// tool_start events. ok is false for unknown names.
	Describe(name string) (Declaration, bool)
}

// ModelRequest is the input view for one generation segment: the bounded
// message history, the system prompt, and the available tool declarations.
type ModelRequest struct {
	System   string
	Messages []Message
	Tools    []Declaration
}

// DeltaKind discriminates model stream deltas.
type DeltaKind int

// Model delta kinds.
const (
	// DeltaText is an incremental text fragment.
	DeltaText DeltaKind = iota

	// DeltaToolCall is a model-requested tool invocation. Several may arrive
	// in one burst before the segment ends.
	DeltaToolCall

	// DeltaDone signals the end of the current generation segment.
	DeltaDone
)

// Delta is one incremental unit of model output.
type Delta struct {
	Kind DeltaKind

	Text     string    // DeltaText
	ToolCall *ToolCall // DeltaToolCall; ID may be empty, the orchestrator assigns one
}

// ModelStream is a lazy, single-consumer, cancellable sequence of deltas
// from one generation segment. Next blocks until the next delta is
// available, the stream fails, or ctx is done. After a DeltaDone delta or an
// error, Next must not be called again.
type ModelStream interface {
	Next(ctx context.Context) (*Delta, error)

	// Close releases the underlying connection. Safe to call at any point,
	// including mid-stream on cancellation; idempotent.
	Close() error
}

// ModelAdapter is the boundary to the hosted LLM. The orchestrator treats
// it as a black-box streaming token/tool-call source.
type ModelAdapter interface {
	// Stream opens one generation segment for the given request.
	Stream(ctx context.Context, req *ModelRequest) (ModelStream, error)

	// Complete performs a non-streaming utility generation (summarization).
	Complete(ctx context.Context, prompt string) (string, error)
}
