// Package chat implements the stateless conversation turn engine: the
// serializable conversation context, the typed turn event stream, and the
// orchestrator state machine that drives one model turn with tool calling.
//
// The server keeps no conversation state. A Context travels to the client
// inside the final turn event and comes back verbatim on the next request;
// correctness of the whole conversation therefore depends on Context
// surviving a serialize→deserialize cycle without loss.
package chat

import (
	"encoding/json"
	"fmt"
)

// Role identifies the origin of a message.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// ToolCall records a model-requested tool invocation inside an assistant
// message. The ID correlates the call with its tool-result message and with
// the tool_start/tool_end events on the wire.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Message is one entry in the conversation history.
//
// Assistant messages may carry both merged text content and tool-call
// records. Tool messages carry the result of exactly one prior assistant
// tool call, correlated by ToolCallID.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`

	// ToolCalls is set only on assistant messages that requested tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and ToolName are set only on tool messages.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`

	// IsError marks a tool message as a failure result. The failure text is
	// in Content so the model can react to it.
	IsError bool `json:"is_error,omitempty"`
}

// NewUserMessage returns a user message with the given text.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// NewSystemMessage returns a system message with the given text.
func NewSystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// NewToolResult returns a tool message carrying the settled result of call.
func NewToolResult(call ToolCall, result string, isError bool) Message {
	return Message{
		Role:       RoleTool,
		Content:    result,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		IsError:    isError,
	}
}

// Context is the full serializable conversation state. It is constructed
// fresh from the client-supplied value on each request, mutated only by the
// orchestrator during that single turn, and returned to the client at turn
// end. It is never persisted server-side.
type Context struct {
	History []Message `json:"history"`

	// Summary is a model-generated digest of older conversation turns. It is
	// injected into the model view as a system message but never replaces
	// stored history.
	Summary string `json:"summary,omitempty"`
}

// NewContext returns an empty conversation context.
func NewContext() *Context {
	return &Context{History: []Message{}}
}

// Clone returns a deep copy. The orchestrator works on a copy so a failed
// turn never corrupts the caller's last known-good context.
func (c *Context) Clone() *Context {
	if c == nil {
		return NewContext()
	}
	cp := &Context{
		History: make([]Message, len(c.History)),
		Summary: c.Summary,
	}
	for i, m := range c.History {
		cp.History[i] = m
		if len(m.ToolCalls) > 0 {
			calls := make([]ToolCall, len(m.ToolCalls))
			for j, tc := range m.ToolCalls {
				calls[j] = tc
				if len(tc.Arguments) > 0 {
					args := make(json.RawMessage, len(tc.Arguments))
					copy(args, tc.Arguments)
					calls[j].Arguments = args
				}
			}
			cp.History[i].ToolCalls = calls
		}
	}
	return cp
}

// Append adds messages to the history in order.
func (c *Context) Append(msgs ...Message) {
	c.History = append(c.History, msgs...)
}

// Len returns the number of stored messages. Safe on a nil context.
func (c *Context) Len() int {
	if c == nil {
		return 0
	}
	return len(c.History)
}

// ModelView returns the bounded message sequence sent to the model adapter.
//
// System messages are always kept. When the non-system history exceeds
// maxMessages, the oldest non-system messages are dropped from the view. A
// tool-result message whose originating assistant tool call fell outside the
// view is dropped with it; providers reject tool responses with no matching
// call. If a summary is present it is prepended as a system message. The
// stored history is never modified: trimming affects only what the model
// sees, preserving round-trip fidelity of the context as seen by the client.
func (c *Context) ModelView(maxMessages int) []Message {
	if c == nil {
		return nil
	}

	nonSystem := 0
	for _, m := range c.History {
		if m.Role != RoleSystem {
			nonSystem++
		}
	}

	drop := 0
	if maxMessages > 0 && nonSystem > maxMessages {
		drop = nonSystem - maxMessages
	}

	view := make([]Message, 0, len(c.History)-drop+1)
	if c.Summary != "" {
		view = append(view, NewSystemMessage("Previous conversation summary: "+c.Summary))
	}
	calls := make(map[string]bool)
	for _, m := range c.History {
		if m.Role != RoleSystem && drop > 0 {
			drop--
			continue
		}
		if m.Role == RoleTool && !calls[m.ToolCallID] {
			continue
		}
		for _, tc := range m.ToolCalls {
			calls[tc.ID] = true
		}
		view = append(view, m)
	}
	return view
}

// MarshalJSON ensures History serializes as [] rather than null so an empty
// context round-trips byte-identically.
func (c *Context) MarshalJSON() ([]byte, error) {
	type alias Context
	a := alias(*c)
	if a.History == nil {
		a.History = []Message{}
	}
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	return data, nil
}
