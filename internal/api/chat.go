package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/calliope-chat/calliope/internal/chat"
	"github.com/calliope-chat/calliope/internal/log"
)

// maxRequestBody bounds the turn request: message plus the full
// client-carried conversation context.
const maxRequestBody = 1024 * 1024 // 1MB

// doneFrame terminates every SSE stream, success or failure, so clients
// have one unambiguous end-of-stream marker.
const doneFrame = "[DONE]"

// TurnInput is the request body for POST /api/chat/stream.
//
// Context is the opaque conversation state returned by the previous turn's
// context_update event; omitting it starts a fresh conversation.
type TurnInput struct {
	Message      string        `json:"message"`
	SystemPrompt string        `json:"system_prompt,omitempty"`
	Context      *chat.Context `json:"context,omitempty"`
}

// ChatHandler handles the streaming chat endpoint.
type ChatHandler struct {
	orch   *chat.Orchestrator
	logger log.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(orch *chat.Orchestrator, logger log.Logger) *ChatHandler {
	return &ChatHandler{orch: orch, logger: logger}
}

// RegisterRoutes registers chat routes on the given mux.
func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat/stream", h.Stream)
}

// Stream handles one conversation turn over SSE.
//
// Validation failures are rejected with a JSON error before streaming
// starts; once the SSE stream is open, all failures travel inside it as
// error events so the client never sees a broken half-protocol response.
func (h *ChatHandler) Stream(w http.ResponseWriter, r *http.Request) {
	var input TurnInput
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if strings.TrimSpace(input.Message) == "" {
		writeError(w, http.StatusBadRequest, "MISSING_MESSAGE", "message is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	h.logger.Debug("SSE turn started", "history_len", input.Context.Len())

	events := h.orch.Run(ctx, chat.TurnRequest{
		Message:      input.Message,
		SystemPrompt: input.SystemPrompt,
		Context:      input.Context,
	})

	var terminal chat.EventType
	for event := range events {
		if err := writeFrame(w, flusher, event); err != nil {
			// Write failure usually means the client disconnected; stopping
			// the iteration cancels the rest of the turn.
			h.logger.Info("SSE write failed, aborting turn", "error", err)
			return
		}
		if event.Terminal() {
			terminal = event.Type
		}
	}

	if ctx.Err() != nil {
		h.logger.Info("client disconnected mid-turn")
		return
	}

	if _, err := fmt.Fprintf(w, "data: %s\n\n", doneFrame); err == nil {
		flusher.Flush()
	}
	h.logger.Debug("SSE turn completed", "terminal", terminal)
}

// writeFrame writes a single SSE data frame carrying one JSON-encoded turn
// event: "data: <json>\n\n".
func writeFrame(w io.Writer, flusher http.Flusher, event chat.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	flusher.Flush()
	return nil
}
