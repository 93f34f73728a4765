package chat_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/calliope-chat/calliope/internal/chat"
	"github.com/calliope-chat/calliope/internal/log"
	"github.com/calliope-chat/calliope/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeTool is a ToolSource entry with a stubbed executor.
type fakeTool struct {
	decl chat.Declaration
	fn   func(ctx context.Context, args json.RawMessage) (string, error)
}

func (f fakeTool) Call(ctx context.Context, args json.RawMessage) (string, error) {
	return f.fn(ctx, args)
}

// fakeTools implements chat.ToolSource over a fixed map.
type fakeTools struct {
	tools map[string]fakeTool
}

func newFakeTools(tools ...fakeTool) *fakeTools {
	m := make(map[string]fakeTool, len(tools))
	for _, t := range tools {
		m[t.decl.Name] = t
	}
	return &fakeTools{tools: m}
}

func (f *fakeTools) Declarations() []chat.Declaration {
	decls := make([]chat.Declaration, 0, len(f.tools))
	for _, t := range f.tools {
		decls = append(decls, t.decl)
	}
	return decls
}

func (f *fakeTools) Lookup(name string) (chat.Executor, bool) {
	t, ok := f.tools[name]
	if !ok {
		return nil, false
	}
	return t, true
}

func (f *fakeTools) Describe(name string) (chat.Declaration, bool) {
	t, ok := f.tools[name]
	if !ok {
		return chat.Declaration{}, false
	}
	return t.decl, true
}

func echoTool() fakeTool {
	return fakeTool{
		decl: chat.Declaration{Name: "echo", Description: "Echoes input", Notice: "Echoing"},
		fn: func(_ context.Context, args json.RawMessage) (string, error) {
			var in struct {
				Value string `json:"value"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			return "echo:" + in.Value, nil
		},
	}
}

func newOrchestrator(t *testing.T, adapter chat.ModelAdapter, tools chat.ToolSource, cfg chat.Config) *chat.Orchestrator {
	t.Helper()
	orch, err := chat.NewOrchestrator(adapter, tools, cfg, log.NewNop())
	require.NoError(t, err)
	return orch
}

func collect(t *testing.T, orch *chat.Orchestrator, req chat.TurnRequest) []chat.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var events []chat.Event
	for e := range orch.Run(ctx, req) {
		events = append(events, e)
	}
	return events
}

func eventTypes(events []chat.Event) []chat.EventType {
	types := make([]chat.EventType, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

// stallingAdapter opens streams that never produce a delta; Next blocks
// until its context expires.
type stallingAdapter struct{}

func (stallingAdapter) Stream(context.Context, *chat.ModelRequest) (chat.ModelStream, error) {
	return stallingStream{}, nil
}

func (stallingAdapter) Complete(context.Context, string) (string, error) {
	return "", errors.New("not implemented")
}

type stallingStream struct{}

func (stallingStream) Next(ctx context.Context) (*chat.Delta, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stallingStream) Close() error { return nil }

func TestRunTextOnlyTurn(t *testing.T) {
	adapter := testutil.NewScriptedAdapter()
	adapter.AddSegment(testutil.Text("Hello"), testutil.Text(" world"), testutil.Done())

	orch := newOrchestrator(t, adapter, newFakeTools(echoTool()), chat.Config{})
	events := collect(t, orch, chat.TurnRequest{Message: "hi"})

	require.Equal(t,
		[]chat.EventType{chat.EventText, chat.EventText, chat.EventContextUpdate},
		eventTypes(events))
	assert.Equal(t, "Hello", events[0].Text)
	assert.Equal(t, " world", events[1].Text)

	cc := events[2].Context
	require.NotNil(t, cc)
	require.Len(t, cc.History, 2)
	assert.Equal(t, chat.RoleUser, cc.History[0].Role)
	assert.Equal(t, "hi", cc.History[0].Content)
	assert.Equal(t, chat.RoleAssistant, cc.History[1].Role)
	assert.Equal(t, "Hello world", cc.History[1].Content,
		"assistant message carries the merged segment text")
}

func TestRunToolRound(t *testing.T) {
	adapter := testutil.NewScriptedAdapter()
	adapter.AddSegment(
		testutil.Text("Let me check."),
		testutil.ToolCallDelta("call-1", "echo", `{"value":"hi"}`),
		testutil.Done(),
	)
	adapter.AddSegment(testutil.Text("It said hi back."), testutil.Done())

	orch := newOrchestrator(t, adapter, newFakeTools(echoTool()), chat.Config{})
	events := collect(t, orch, chat.TurnRequest{Message: "ask the echo"})

	require.Equal(t, []chat.EventType{
		chat.EventText,
		chat.EventToolStart,
		chat.EventToolEnd,
		chat.EventText,
		chat.EventContextUpdate,
	}, eventTypes(events))

	start := events[1].ToolStart
	require.NotNil(t, start)
	assert.Equal(t, "call-1", start.ID)
	assert.Equal(t, "echo", start.Name)
	assert.Equal(t, "Echoes input", start.Description)
	assert.Equal(t, "Echoing", start.Notice)

	end := events[2].ToolEnd
	require.NotNil(t, end)
	assert.Equal(t, "call-1", end.ID)
	assert.Equal(t, "echo:hi", end.Result)
	assert.False(t, end.IsError)

	// Canonical history: user, assistant(+calls), tool result, assistant.
	cc := events[4].Context
	require.Len(t, cc.History, 4)
	assert.Equal(t, chat.RoleAssistant, cc.History[1].Role)
	require.Len(t, cc.History[1].ToolCalls, 1)
	assert.Equal(t, "call-1", cc.History[1].ToolCalls[0].ID)
	assert.Equal(t, chat.RoleTool, cc.History[2].Role)
	assert.Equal(t, "echo:hi", cc.History[2].Content)
	assert.Equal(t, "call-1", cc.History[2].ToolCallID)
	assert.Equal(t, "It said hi back.", cc.History[3].Content)

	// Second segment saw the tool result in its model view.
	reqs := adapter.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[1].Messages, 3)
}

func TestToolFailureIsAbsorbedAsData(t *testing.T) {
	boom := fakeTool{
		decl: chat.Declaration{Name: "boom", Description: "Always fails"},
		fn: func(context.Context, json.RawMessage) (string, error) {
			return "", errors.New("kaput")
		},
	}

	adapter := testutil.NewScriptedAdapter()
	adapter.AddSegment(testutil.ToolCallDelta("call-1", "boom", `{}`), testutil.Done())
	adapter.AddSegment(testutil.Text("The tool failed, sorry."), testutil.Done())

	orch := newOrchestrator(t, adapter, newFakeTools(boom), chat.Config{})
	events := collect(t, orch, chat.TurnRequest{Message: "go"})

	require.Equal(t, chat.EventContextUpdate, events[len(events)-1].Type,
		"tool failure must not fail the turn")

	var end *chat.ToolEnd
	for _, e := range events {
		if e.Type == chat.EventToolEnd {
			end = e.ToolEnd
		}
	}
	require.NotNil(t, end)
	assert.True(t, end.IsError)
	assert.Contains(t, end.Result, "kaput")

	cc := events[len(events)-1].Context
	assert.True(t, cc.History[2].IsError)
	assert.Contains(t, cc.History[2].Content, "kaput")
}

func TestToolTimeoutIsAbsorbedAsData(t *testing.T) {
	hang := fakeTool{
		decl: chat.Declaration{Name: "hang", Description: "Never returns"},
		fn: func(ctx context.Context, _ json.RawMessage) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}

	adapter := testutil.NewScriptedAdapter()
	adapter.AddSegment(testutil.ToolCallDelta("call-1", "hang", `{}`), testutil.Done())
	adapter.AddSegment(testutil.Text("That took too long."), testutil.Done())

	orch := newOrchestrator(t, adapter, newFakeTools(hang),
		chat.Config{ToolTimeout: 50 * time.Millisecond})
	events := collect(t, orch, chat.TurnRequest{Message: "go"})

	require.Equal(t, chat.EventContextUpdate, events[len(events)-1].Type,
		"a timed-out tool must not fail the turn")

	var end *chat.ToolEnd
	for _, e := range events {
		if e.Type == chat.EventToolEnd {
			end = e.ToolEnd
		}
	}
	require.NotNil(t, end)
	assert.True(t, end.IsError)
	assert.Contains(t, end.Result, context.DeadlineExceeded.Error())

	cc := events[len(events)-1].Context
	assert.True(t, cc.History[2].IsError)
}

func TestStalledStreamFailsTurn(t *testing.T) {
	orch := newOrchestrator(t, stallingAdapter{}, newFakeTools(echoTool()),
		chat.Config{StreamIdleTimeout: 50 * time.Millisecond})
	events := collect(t, orch, chat.TurnRequest{Message: "go"})

	require.Len(t, events, 1)
	assert.Equal(t, chat.EventError, events[0].Type)
	assert.Contains(t, events[0].Err, "stalled")

	for _, e := range events {
		assert.NotEqual(t, chat.EventContextUpdate, e.Type)
	}
}

func TestEmptyModelOutputCompletesTurn(t *testing.T) {
	adapter := testutil.NewScriptedAdapter()
	adapter.AddSegment(testutil.Done())

	orch := newOrchestrator(t, adapter, newFakeTools(echoTool()), chat.Config{})
	events := collect(t, orch, chat.TurnRequest{Message: "say nothing"})

	require.Equal(t, []chat.EventType{chat.EventContextUpdate}, eventTypes(events),
		"an empty model output is a valid turn")

	cc := events[0].Context
	require.Len(t, cc.History, 2)
	assert.Equal(t, chat.RoleUser, cc.History[0].Role)
	assert.Equal(t, chat.RoleAssistant, cc.History[1].Role)
	assert.Empty(t, cc.History[1].Content)
	assert.Empty(t, cc.History[1].ToolCalls)
}

func TestUnknownToolSynthesizesFailure(t *testing.T) {
	adapter := testutil.NewScriptedAdapter()
	adapter.AddSegment(testutil.ToolCallDelta("call-1", "nope", `{}`), testutil.Done())
	adapter.AddSegment(testutil.Text("ok"), testutil.Done())

	orch := newOrchestrator(t, adapter, newFakeTools(echoTool()), chat.Config{})
	events := collect(t, orch, chat.TurnRequest{Message: "go"})

	require.Equal(t, chat.EventContextUpdate, events[len(events)-1].Type)

	var end *chat.ToolEnd
	for _, e := range events {
		if e.Type == chat.EventToolEnd {
			end = e.ToolEnd
		}
	}
	require.NotNil(t, end)
	assert.True(t, end.IsError)
	assert.Contains(t, end.Result, `unknown tool "nope"`)
}

func TestMissingToolCallIDAssigned(t *testing.T) {
	adapter := testutil.NewScriptedAdapter()
	adapter.AddSegment(testutil.ToolCallDelta("", "echo", `{"value":"x"}`), testutil.Done())
	adapter.AddSegment(testutil.Done())

	orch := newOrchestrator(t, adapter, newFakeTools(echoTool()), chat.Config{})
	events := collect(t, orch, chat.TurnRequest{Message: "go"})

	var start *chat.ToolStart
	var end *chat.ToolEnd
	for _, e := range events {
		switch e.Type {
		case chat.EventToolStart:
			start = e.ToolStart
		case chat.EventToolEnd:
			end = e.ToolEnd
		}
	}
	require.NotNil(t, start)
	require.NotNil(t, end)
	assert.NotEmpty(t, start.ID, "missing IDs get assigned")
	assert.Equal(t, start.ID, end.ID, "start and end correlate")

	cc := events[len(events)-1].Context
	assert.Equal(t, start.ID, cc.History[1].ToolCalls[0].ID)
	assert.Equal(t, start.ID, cc.History[2].ToolCallID)
}

func TestToolEndsArriveInCompletionOrder(t *testing.T) {
	slow := fakeTool{
		decl: chat.Declaration{Name: "slow"},
		fn: func(ctx context.Context, _ json.RawMessage) (string, error) {
			select {
			case <-time.After(100 * time.Millisecond):
				return "slow done", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}
	fast := fakeTool{
		decl: chat.Declaration{Name: "fast"},
		fn: func(context.Context, json.RawMessage) (string, error) {
			return "fast done", nil
		},
	}

	adapter := testutil.NewScriptedAdapter()
	adapter.AddSegment(
		testutil.ToolCallDelta("call-slow", "slow", `{}`),
		testutil.ToolCallDelta("call-fast", "fast", `{}`),
		testutil.Done(),
	)
	adapter.AddSegment(testutil.Done())

	orch := newOrchestrator(t, adapter, newFakeTools(slow, fast), chat.Config{})
	events := collect(t, orch, chat.TurnRequest{Message: "go"})

	var ends []string
	for _, e := range events {
		if e.Type == chat.EventToolEnd {
			ends = append(ends, e.ToolEnd.ID)
		}
	}
	require.Equal(t, []string{"call-fast", "call-slow"}, ends,
		"tool_end events follow completion order, not request order")

	// History mirrors completion order after the assistant message.
	cc := events[len(events)-1].Context
	assert.Equal(t, "call-fast", cc.History[2].ToolCallID)
	assert.Equal(t, "call-slow", cc.History[3].ToolCallID)
}

func TestToolRoundLimitFailsTurn(t *testing.T) {
	adapter := testutil.NewScriptedAdapter()
	adapter.AddSegment(testutil.ToolCallDelta("c1", "echo", `{"value":"1"}`), testutil.Done())
	adapter.AddSegment(testutil.ToolCallDelta("c2", "echo", `{"value":"2"}`), testutil.Done())

	orch := newOrchestrator(t, adapter, newFakeTools(echoTool()), chat.Config{MaxToolRounds: 1})
	events := collect(t, orch, chat.TurnRequest{Message: "loop"})

	last := events[len(events)-1]
	require.Equal(t, chat.EventError, last.Type)
	assert.Contains(t, last.Err, "tool round limit")

	starts, ends := 0, 0
	for _, e := range events {
		switch e.Type {
		case chat.EventToolStart:
			starts++
		case chat.EventToolEnd:
			ends++
		case chat.EventContextUpdate:
			t.Fatal("a failed turn must not emit context_update")
		}
	}
	assert.Equal(t, starts, ends,
		"the over-budget segment must not emit a tool_start it will never close")
}

func TestModelStreamErrorFailsTurn(t *testing.T) {
	adapter := testutil.NewScriptedAdapter()
	adapter.AddFailingSegment(errors.New("upstream exploded"), testutil.Text("partial"))

	orch := newOrchestrator(t, adapter, newFakeTools(echoTool()), chat.Config{})
	events := collect(t, orch, chat.TurnRequest{Message: "go"})

	require.Equal(t,
		[]chat.EventType{chat.EventText, chat.EventError},
		eventTypes(events))
	assert.Contains(t, events[1].Err, "upstream exploded")
}

func TestStreamOpenErrorFailsTurn(t *testing.T) {
	adapter := testutil.NewScriptedAdapter()
	adapter.OpenErr = errors.New("connection refused")

	orch := newOrchestrator(t, adapter, newFakeTools(echoTool()), chat.Config{})
	events := collect(t, orch, chat.TurnRequest{Message: "go"})

	require.Len(t, events, 1)
	assert.Equal(t, chat.EventError, events[0].Type)
}

func TestEmptyMessageFailsTurn(t *testing.T) {
	orch := newOrchestrator(t, testutil.NewScriptedAdapter(), newFakeTools(), chat.Config{})

	for _, msg := range []string{"", "   ", "\n\t"} {
		events := collect(t, orch, chat.TurnRequest{Message: msg})
		require.Len(t, events, 1)
		assert.Equal(t, chat.EventError, events[0].Type)
	}
}

func TestCancellationEndsStreamSilently(t *testing.T) {
	adapter := testutil.NewScriptedAdapter()
	adapter.AddSegment(
		testutil.Text("one"), testutil.Text("two"), testutil.Text("three"), testutil.Done(),
	)

	orch := newOrchestrator(t, adapter, newFakeTools(echoTool()), chat.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var events []chat.Event
	for e := range orch.Run(ctx, chat.TurnRequest{Message: "go"}) {
		events = append(events, e)
		cancel()
	}

	require.NotEmpty(t, events)
	for _, e := range events {
		assert.False(t, e.Terminal(),
			"no terminal event may follow cancellation")
	}
}

func TestInputContextIsNotMutated(t *testing.T) {
	adapter := testutil.NewScriptedAdapter()
	adapter.AddSegment(testutil.Text("answer"), testutil.Done())

	input := chat.NewContext()
	input.Append(chat.NewUserMessage("earlier"), chat.Message{Role: chat.RoleAssistant, Content: "before"})

	orch := newOrchestrator(t, adapter, newFakeTools(echoTool()), chat.Config{})
	events := collect(t, orch, chat.TurnRequest{Message: "next", Context: input})

	updated := events[len(events)-1].Context
	require.Len(t, updated.History, 4)
	assert.Len(t, input.History, 2, "caller's context stays untouched")
}

func TestSummarizationRefreshesSummary(t *testing.T) {
	adapter := testutil.NewScriptedAdapter()
	adapter.AddSegment(testutil.Text("answer"), testutil.Done())
	adapter.CompleteFn = func(_ context.Context, prompt string) (string, error) {
		if !strings.Contains(prompt, "Summarize") {
			return "", fmt.Errorf("unexpected prompt: %s", prompt)
		}
		return "they talked about fish", nil
	}

	orch := newOrchestrator(t, adapter, newFakeTools(echoTool()),
		chat.Config{SummarizeThreshold: 1})
	events := collect(t, orch, chat.TurnRequest{Message: "tell me about fish"})

	cc := events[len(events)-1].Context
	assert.Equal(t, "they talked about fish", cc.Summary)
}

func TestSummarizationFailureDoesNotFailTurn(t *testing.T) {
	adapter := testutil.NewScriptedAdapter()
	adapter.AddSegment(testutil.Text("answer"), testutil.Done())
	adapter.CompleteFn = func(context.Context, string) (string, error) {
		return "", errors.New("summarizer down")
	}

	orch := newOrchestrator(t, adapter, newFakeTools(echoTool()),
		chat.Config{SummarizeThreshold: 1})
	events := collect(t, orch, chat.TurnRequest{Message: "hello"})

	last := events[len(events)-1]
	require.Equal(t, chat.EventContextUpdate, last.Type)
	assert.Empty(t, last.Context.Summary)
}
