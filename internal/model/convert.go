package model

import (
	"encoding/json"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	invopop "github.com/invopop/jsonschema"

	"github.com/calliope-chat/calliope/internal/chat"
)

// toGenkitMessages converts the engine's history view into Genkit messages.
// Assistant tool calls and their results are carried as tool request and
// tool response parts so the model sees the full call/result pairing.
func toGenkitMessages(msgs []chat.Message) ([]*ai.Message, error) {
	out := make([]*ai.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case chat.RoleUser:
			out = append(out, ai.NewUserMessage(ai.NewTextPart(m.Content)))

		case chat.RoleSystem:
			out = append(out, &ai.Message{
				Role:    ai.RoleSystem,
				Content: []*ai.Part{ai.NewTextPart(m.Content)},
			})

		case chat.RoleAssistant:
			parts := make([]*ai.Part, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				parts = append(parts, ai.NewTextPart(m.Content))
			}
			for _, tc := range m.ToolCalls {
				input, err := decodeArguments(tc.Arguments)
				if err != nil {
					return nil, fmt.Errorf("tool call %s(%s): %w", tc.Name, tc.ID, err)
				}
				parts = append(parts, ai.NewToolRequestPart(&ai.ToolRequest{
					Ref:   tc.ID,
					Name:  tc.Name,
					Input: input,
				}))
			}
			if len(parts) == 0 {
				parts = append(parts, ai.NewTextPart(""))
			}
			out = append(out, &ai.Message{Role: ai.RoleModel, Content: parts})

		case chat.RoleTool:
			out = append(out, &ai.Message{
				Role: ai.RoleTool,
				Content: []*ai.Part{ai.NewToolResponsePart(&ai.ToolResponse{
					Ref:    m.ToolCallID,
					Name:   m.ToolName,
					Output: m.Content,
				})},
			})

		default:
			return nil, fmt.Errorf("unknown message role %q", m.Role)
		}
	}
	return out, nil
}

// toolCallFromRequest converts a settled tool request into the engine's
// tool call form, re-encoding the input as raw JSON.
func toolCallFromRequest(tr *ai.ToolRequest) (*chat.ToolCall, error) {
	var args json.RawMessage
	if tr.Input != nil {
		encoded, err := json.Marshal(tr.Input)
		if err != nil {
			return nil, fmt.Errorf("encoding arguments for tool %q: %w", tr.Name, err)
		}
		args = encoded
	}
	return &chat.ToolCall{ID: tr.Ref, Name: tr.Name, Arguments: args}, nil
}

// decodeArguments turns stored raw arguments back into the generic form
// Genkit expects in tool request parts.
func decodeArguments(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var input any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("decoding arguments: %w", err)
	}
	return input, nil
}

// toGenkitSchema bridges the registry's JSON schema representation to the
// one Genkit's tool definitions consume. Both serialize to standard JSON
// Schema, so the conversion is a JSON round-trip.
func toGenkitSchema(schema any) (*invopop.Schema, error) {
	if schema == nil {
		return nil, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encoding schema: %w", err)
	}
	var out invopop.Schema
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding schema: %w", err)
	}
	return &out, nil
}
