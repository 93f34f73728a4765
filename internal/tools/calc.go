package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/google/jsonschema-go/jsonschema"

	"github.com/calliope-chat/calliope/internal/chat"
	"github.com/calliope-chat/calliope/internal/log"
)

const (
	maxExpressionLen = 1024
	calcTimeout      = 2 * time.Second
)

// CalcInput defines input for the calculator tool.
type CalcInput struct {
	Expression string `json:"expression" jsonschema_description:"The arithmetic expression to evaluate (JavaScript syntax, e.g. '(2 + 3) * 4' or 'Math.sqrt(2)')"`
}

// CalcTool evaluates arithmetic expressions in a sandboxed JavaScript VM.
// Each call gets a fresh VM with no host bindings, so an expression can
// compute but never reach the filesystem, network, or process state. A
// watchdog interrupts runaway expressions.
type CalcTool struct {
	logger log.Logger
}

// NewCalcTool creates the calculator tool.
func NewCalcTool(logger log.Logger) (*CalcTool, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &CalcTool{logger: logger}, nil
}

// Declaration implements Tool.
func (t *CalcTool) Declaration() chat.Declaration {
	schema, err := jsonschema.For[CalcInput](nil)
	if err != nil {
		panic(fmt.Sprintf("BUG: calculator input schema: %v", err))
	}
	return chat.Declaration{
		Name:        "calculator",
		Description: "Evaluate an arithmetic expression. Supports standard operators and the JavaScript Math library.",
		Notice:      "Calculating",
		InputSchema: schema,
	}
}

// Call implements Tool.
func (t *CalcTool) Call(ctx context.Context, args json.RawMessage) (string, error) {
	var in CalcInput
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid calculator arguments: %w", err)
	}
	expr := strings.TrimSpace(in.Expression)
	if expr == "" {
		return "", fmt.Errorf("calculator requires a non-empty expression")
	}
	if len(expr) > maxExpressionLen {
		return "", fmt.Errorf("expression too long (%d chars, max %d)", len(expr), maxExpressionLen)
	}

	vm := goja.New()

	// Interrupt on timeout or caller cancellation; the VM raises an
	// InterruptedError from RunString.
	evalCtx, cancel := context.WithTimeout(ctx, calcTimeout)
	defer cancel()
	watchdog := context.AfterFunc(evalCtx, func() {
		vm.Interrupt("evaluation timed out")
	})
	defer watchdog()

	value, err := vm.RunString(expr)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return "", fmt.Errorf("expression evaluation interrupted: %v", interrupted.Value())
		}
		return "", fmt.Errorf("expression evaluation failed: %w", err)
	}

	result := fmt.Sprintf("%v", value.Export())
	t.logger.Debug("calculator evaluated", "expression", expr, "result", result)
	return result, nil
}
