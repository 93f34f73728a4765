package chat

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/calliope-chat/calliope/internal/log"
)

// Orchestrator limit defaults, applied by Config.validate.
const (
	defaultMaxHistoryMessages = 40
	defaultMaxToolRounds      = 5
	defaultToolTimeout        = 30 * time.Second
	defaultMaxConcurrentTools = 4
	defaultStreamIdleTimeout  = 60 * time.Second
)

// Config bounds one turn. Zero values take documented defaults.
type Config struct {
	// MaxHistoryMessages bounds the model-input view (stored history is
	// never trimmed).
	MaxHistoryMessages int

	// MaxToolRounds caps generation→dispatch cycles per turn. Exceeding it
	// fails the turn.
	MaxToolRounds int

	// ToolTimeout is the outer per-tool-call deadline.
	ToolTimeout time.Duration

	// MaxConcurrentTools caps fan-out within one dispatch burst.
	MaxConcurrentTools int

	// StreamIdleTimeout is the maximum wait for the next model delta before
	// the turn fails as stalled.
	StreamIdleTimeout time.Duration

	// SummarizeThreshold triggers best-effort conversation summarization
	// once stored history exceeds this many messages. 0 disables it.
	SummarizeThreshold int
}

func (c *Config) validate() error {
	if c.MaxHistoryMessages == 0 {
		c.MaxHistoryMessages = defaultMaxHistoryMessages
	}
	if c.MaxToolRounds == 0 {
		c.MaxToolRounds = defaultMaxToolRounds
	}
	if c.ToolTimeout == 0 {
		c.ToolTimeout = defaultToolTimeout
	}
	if c.MaxConcurrentTools == 0 {
		c.MaxConcurrentTools = defaultMaxConcurrentTools
	}
	if c.StreamIdleTimeout == 0 {
		c.StreamIdleTimeout = defaultStreamIdleTimeout
	}

	if c.MaxHistoryMessages < 0 || c.MaxToolRounds < 0 || c.MaxConcurrentTools < 0 {
		return fmt.Errorf("orchestrator limits must be positive")
	}
	if c.ToolTimeout < 0 || c.StreamIdleTimeout < 0 || c.SummarizeThreshold < 0 {
		return fmt.Errorf("orchestrator timeouts must be positive")
	}
	return nil
}

// TurnRequest is one conversation turn: the new user message plus the
// client-supplied context from the previous turn.
type TurnRequest struct {
	Message      string
	SystemPrompt string
	Context      *Context
}

// Orchestrator drives one model turn: it streams generation segments,
// fans out requested tool calls, feeds results back, and terminates with
// exactly one context_update or error event.
//
// Orchestrator is immutable after construction and safe for concurrent
// turns; all per-turn state lives in Run's frame.
type Orchestrator struct {
	adapter ModelAdapter
	tools   ToolSource
	cfg     Config
	logger  log.Logger
}

// NewOrchestrator creates a turn orchestrator.
func NewOrchestrator(adapter ModelAdapter, tools ToolSource, cfg Config, logger log.Logger) (*Orchestrator, error) {
	if adapter == nil {
		return nil, fmt.Errorf("model adapter is required")
	}
	if tools == nil {
		return nil, fmt.Errorf("tool source is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}
	return &Orchestrator{adapter: adapter, tools: tools, cfg: cfg, logger: logger}, nil
}

// Run executes one turn and returns its event stream.
//
// The sequence is lazy and single-use: nothing happens until the caller
// ranges over it, and events are produced as the model produces deltas.
// The stream ends with exactly one terminal event (context_update on
// success, error on turn failure). On caller cancellation it ends without
// any further event. Stopping the iteration early cancels the remainder of
// the turn.
func (o *Orchestrator) Run(ctx context.Context, req TurnRequest) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		o.run(ctx, req, yield)
	}
}

func (o *Orchestrator) run(ctx context.Context, req TurnRequest, yield func(Event) bool) {
	if strings.TrimSpace(req.Message) == "" {
		yield(ErrorEvent("message must not be empty"))
		return
	}

	cc := req.Context.Clone()
	cc.Append(NewUserMessage(req.Message))

	rounds := 0
	for {
		exhausted := rounds >= o.cfg.MaxToolRounds
		pending, ok := o.generate(ctx, req.SystemPrompt, cc, exhausted, yield)
		if !ok {
			return
		}
		if len(pending) == 0 {
			o.maybeSummarize(ctx, cc)
			yield(ContextUpdateEvent(cc))
			return
		}
		rounds++

		results, ok := o.dispatch(ctx, pending, yield)
		if !ok {
			return
		}
		cc.Append(results...)
	}
}

// generate runs one generation segment: it streams deltas, re-emits text,
// records tool calls, and appends the finished assistant message to cc.
// ok is false when the turn is over (error emitted or silently cancelled).
//
// When toolsExhausted is set the round budget is already spent: a tool-call
// delta fails the turn immediately, before its tool_start is emitted, so
// start/end pairs stay balanced on the wire.
func (o *Orchestrator) generate(ctx context.Context, system string, cc *Context, toolsExhausted bool, yield func(Event) bool) (pending []ToolCall, ok bool) {
	stream, err := o.adapter.Stream(ctx, &ModelRequest{
		System:   system,
		Messages: cc.ModelView(o.cfg.MaxHistoryMessages),
		Tools:    o.tools.Declarations(),
	})
	if err != nil {
		o.failTurn(ctx, yield, fmt.Errorf("opening model stream: %w", err))
		return nil, false
	}
	defer func() { _ = stream.Close() }()

	var text strings.Builder
	for {
		delta, err := o.nextDelta(ctx, stream)
		if err != nil {
			o.failTurn(ctx, yield, fmt.Errorf("model stream: %w", err))
			return nil, false
		}

		switch delta.Kind {
		case DeltaText:
			if delta.Text == "" {
				continue
			}
			text.WriteString(delta.Text)
			if !yield(TextEvent(delta.Text)) {
				return nil, false
			}

		case DeltaToolCall:
			if toolsExhausted {
				o.failTurn(ctx, yield, fmt.Errorf("tool round limit (%d) exceeded", o.cfg.MaxToolRounds))
				return nil, false
			}
			call := *delta.ToolCall
			if call.ID == "" {
				call.ID = uuid.NewString()
			}
			pending = append(pending, call)

			start := ToolStart{ID: call.ID, Name: call.Name, Input: call.Arguments}
			if decl, known := o.tools.Describe(call.Name); known {
				start.Description = decl.Description
				start.Notice = decl.Notice
			}
			if !yield(ToolStartEvent(start)) {
				return nil, false
			}

		case DeltaDone:
			cc.Append(Message{Role: RoleAssistant, Content: text.String(), ToolCalls: pending})
			return pending, true

		default:
			o.failTurn(ctx, yield, fmt.Errorf("model stream: unknown delta kind %d", delta.Kind))
			return nil, false
		}
	}
}

// nextDelta waits for the next model delta under the inactivity timeout.
func (o *Orchestrator) nextDelta(ctx context.Context, stream ModelStream) (*Delta, error) {
	idleCtx, cancel := context.WithTimeout(ctx, o.cfg.StreamIdleTimeout)
	defer cancel()

	delta, err := stream.Next(idleCtx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(idleCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("stalled: no delta for %s", o.cfg.StreamIdleTimeout)
		}
		return nil, err
	}
	if delta == nil {
		return nil, fmt.Errorf("stream yielded nil delta")
	}
	return delta, nil
}

// toolOutcome is one settled tool call.
type toolOutcome struct {
	call    ToolCall
	result  string
	isError bool
}

// dispatch runs one burst of tool calls concurrently and yields tool_end
// events in completion order. The returned messages are in the same
// completion order, ready to append after the assistant message. ok is
// false when the turn was cancelled mid-burst; workers are always awaited
// before returning.
func (o *Orchestrator) dispatch(ctx context.Context, calls []ToolCall, yield func(Event) bool) (results []Message, ok bool) {
	burstCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Plain errgroup, not WithContext: one tool's failure is data for the
	// model and must not cancel its siblings.
	var g errgroup.Group
	g.SetLimit(o.cfg.MaxConcurrentTools)

	outcomes := make(chan toolOutcome, len(calls))
	for _, call := range calls {
		g.Go(func() error {
			outcomes <- o.invoke(burstCtx, call)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(outcomes)
	}()

	results = make([]Message, 0, len(calls))
	stopped := false
	for oc := range outcomes {
		if stopped || ctx.Err() != nil {
			stopped = true
			continue
		}
		end := ToolEnd{ID: oc.call.ID, Name: oc.call.Name, Result: oc.result, IsError: oc.isError}
		if !yield(ToolEndEvent(end)) {
			stopped = true
			cancel()
			continue
		}
		results = append(results, NewToolResult(oc.call, oc.result, oc.isError))
	}
	if stopped || ctx.Err() != nil {
		return nil, false
	}
	return results, true
}

// invoke settles a single tool call. Failures of any kind become
// error-flagged results; only the surrounding turn context can fail a turn.
func (o *Orchestrator) invoke(ctx context.Context, call ToolCall) toolOutcome {
	exec, found := o.tools.Lookup(call.Name)
	if !found {
		o.logger.Warn("model requested unknown tool", "tool", call.Name)
		return toolOutcome{call: call, result: fmt.Sprintf("unknown tool %q", call.Name), isError: true}
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.ToolTimeout)
	defer cancel()

	started := time.Now()
	result, err := exec.Call(callCtx, call.Arguments)
	elapsed := time.Since(started)
	if err != nil {
		o.logger.Warn("tool call failed",
			"tool", call.Name, "call_id", call.ID, "duration", elapsed, "error", err)
		return toolOutcome{call: call, result: fmt.Sprintf("tool %s failed: %v", call.Name, err), isError: true}
	}

	o.logger.Debug("tool call completed", "tool", call.Name, "call_id", call.ID, "duration", elapsed)
	return toolOutcome{call: call, result: result}
}

// failTurn emits the terminal error event unless the caller already
// cancelled, in which case the stream ends silently.
func (o *Orchestrator) failTurn(ctx context.Context, yield func(Event) bool, err error) {
	if ctx.Err() != nil {
		o.logger.Debug("turn cancelled", "cause", ctx.Err())
		return
	}
	o.logger.Error("turn failed", "error", err)
	yield(ErrorEvent(err.Error()))
}

// maybeSummarize refreshes the context summary once stored history grows
// past the threshold. Best-effort: a summarization failure never fails a
// turn that otherwise succeeded.
func (o *Orchestrator) maybeSummarize(ctx context.Context, cc *Context) {
	if o.cfg.SummarizeThreshold <= 0 || cc.Len() <= o.cfg.SummarizeThreshold {
		return
	}

	var transcript strings.Builder
	if cc.Summary != "" {
		transcript.WriteString("Earlier summary: ")
		transcript.WriteString(cc.Summary)
		transcript.WriteString("\n\n")
	}
	for _, m := range cc.History {
		if m.Role == RoleSystem || m.Content == "" {
			continue
		}
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
	}

	prompt := "Summarize the following conversation in a concise paragraph. " +
		"Preserve concrete facts, decisions, names, and unresolved questions.\n\n" +
		transcript.String()

	summary, err := o.adapter.Complete(ctx, prompt)
	if err != nil {
		o.logger.Warn("conversation summarization failed", "error", err)
		return
	}
	if s := strings.TrimSpace(summary); s != "" {
		cc.Summary = s
		o.logger.Debug("conversation summary refreshed", "history_len", cc.Len())
	}
}
