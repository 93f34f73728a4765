package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/calliope-chat/calliope/internal/chat"
)

// ClockInput defines input for the current_time tool.
type ClockInput struct {
	Timezone string `json:"timezone,omitempty" jsonschema_description:"IANA timezone name (e.g. 'Europe/Berlin'; default: UTC)"`
}

// ClockTool reports the current date and time. Models have no reliable
// sense of "now", so time-sensitive answers route through this tool.
type ClockTool struct {
	// now is swappable for tests.
	now func() time.Time
}

// NewClockTool creates the current_time tool.
func NewClockTool() *ClockTool {
	return &ClockTool{now: time.Now}
}

// Declaration implements Tool.
func (t *ClockTool) Declaration() chat.Declaration {
	schema, err := jsonschema.For[ClockInput](nil)
	if err != nil {
		panic(fmt.Sprintf("BUG: clock input schema: %v", err))
	}
	return chat.Declaration{
		Name:        "current_time",
		Description: "Get the current date and time, optionally in a specific timezone.",
		Notice:      "Checking the clock",
		InputSchema: schema,
	}
}

// Call implements Tool.
func (t *ClockTool) Call(_ context.Context, args json.RawMessage) (string, error) {
	var in ClockInput
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return "", fmt.Errorf("invalid current_time arguments: %w", err)
		}
	}

	loc := time.UTC
	if in.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(in.Timezone)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q: %w", in.Timezone, err)
		}
	}

	now := t.now().In(loc)
	out, err := json.Marshal(map[string]string{
		"iso":      now.Format(time.RFC3339),
		"weekday":  now.Weekday().String(),
		"timezone": loc.String(),
	})
	if err != nil {
		return "", fmt.Errorf("encoding time: %w", err)
	}
	return string(out), nil
}
