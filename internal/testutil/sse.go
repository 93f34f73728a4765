package testutil

import (
	"bufio"
	"strings"
	"testing"
)

// ParseSSEData parses an SSE response body that uses only data frames
// ("data: <payload>\n\n") and returns the payloads in order, including a
// trailing terminator like "[DONE]".
func ParseSSEData(t *testing.T, body string) []string {
	t.Helper()

	var payloads []string
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data: "):
			payloads = append(payloads, strings.TrimPrefix(line, "data: "))
		case line == "" || strings.HasPrefix(line, ":"):
			// frame separators and comments
		default:
			t.Fatalf("unexpected SSE line: %q", line)
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("SSE scan error: %v", err)
	}
	return payloads
}
