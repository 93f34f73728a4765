package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calliope-chat/calliope/internal/api"
	"github.com/calliope-chat/calliope/internal/chat"
	"github.com/calliope-chat/calliope/internal/log"
	"github.com/calliope-chat/calliope/internal/testutil"
	"github.com/calliope-chat/calliope/internal/tools"
)

// upperTool is a trivial tool for end-to-end turns.
type upperTool struct{}

func (upperTool) Declaration() chat.Declaration {
	return chat.Declaration{Name: "upper", Description: "Uppercases input", Notice: "Shouting"}
}

func (upperTool) Call(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", err
	}
	return strings.ToUpper(in.Value), nil
}

func newTestServer(t *testing.T, adapter chat.ModelAdapter, ready api.ReadinessCheck) *httptest.Server {
	t.Helper()

	registry, err := tools.NewRegistry(upperTool{})
	require.NoError(t, err)

	orch, err := chat.NewOrchestrator(adapter, registry, chat.Config{}, log.NewNop())
	require.NoError(t, err)

	srv := httptest.NewServer(api.NewServer(orch, ready, log.NewNop()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postTurn(t *testing.T, srv *httptest.Server, body string) (*http.Response, string) {
	t.Helper()
	resp, err := srv.Client().Post(srv.URL+"/api/chat/stream", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(raw)
}

func TestStreamTurn(t *testing.T) {
	adapter := testutil.NewScriptedAdapter()
	adapter.AddSegment(
		testutil.Text("Loud: "),
		testutil.ToolCallDelta("call-1", "upper", `{"value":"quiet"}`),
		testutil.Done(),
	)
	adapter.AddSegment(testutil.Text("QUIET"), testutil.Done())

	srv := newTestServer(t, adapter, nil)
	resp, body := postTurn(t, srv, `{"message":"shout quiet"}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	payloads := testutil.ParseSSEData(t, body)
	require.GreaterOrEqual(t, len(payloads), 5)
	assert.Equal(t, "[DONE]", payloads[len(payloads)-1])

	var types []chat.EventType
	var last chat.Event
	for _, p := range payloads[:len(payloads)-1] {
		var e chat.Event
		require.NoError(t, json.Unmarshal([]byte(p), &e), p)
		types = append(types, e.Type)
		last = e
	}
	assert.Equal(t, []chat.EventType{
		chat.EventText, chat.EventToolStart, chat.EventToolEnd,
		chat.EventText, chat.EventContextUpdate,
	}, types)

	require.Equal(t, chat.EventContextUpdate, last.Type)
	require.NotNil(t, last.Context)
	assert.Len(t, last.Context.History, 4)
}

func TestStreamCarriesContextForward(t *testing.T) {
	adapter := testutil.NewScriptedAdapter()
	adapter.AddSegment(testutil.Text("again"), testutil.Done())

	srv := newTestServer(t, adapter, nil)
	resp, body := postTurn(t, srv,
		`{"message":"and again","context":{"history":[{"role":"user","content":"first"},{"role":"assistant","content":"reply"}]}}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)

	payloads := testutil.ParseSSEData(t, body)
	var update chat.Event
	require.NoError(t, json.Unmarshal([]byte(payloads[len(payloads)-2]), &update))
	require.Equal(t, chat.EventContextUpdate, update.Type)
	require.Len(t, update.Context.History, 4)
	assert.Equal(t, "first", update.Context.History[0].Content)
	assert.Equal(t, "and again", update.Context.History[2].Content)
}

func TestStreamTurnFailure(t *testing.T) {
	adapter := testutil.NewScriptedAdapter()
	adapter.AddFailingSegment(errors.New("model melted"))

	srv := newTestServer(t, adapter, nil)
	resp, body := postTurn(t, srv, `{"message":"hi"}`)

	require.Equal(t, http.StatusOK, resp.StatusCode,
		"failures after stream start travel as error events")

	payloads := testutil.ParseSSEData(t, body)
	require.Len(t, payloads, 2)

	var e chat.Event
	require.NoError(t, json.Unmarshal([]byte(payloads[0]), &e))
	assert.Equal(t, chat.EventError, e.Type)
	assert.Contains(t, e.Err, "model melted")
	assert.Equal(t, "[DONE]", payloads[1])
}

func TestStreamRejectsBadRequests(t *testing.T) {
	srv := newTestServer(t, testutil.NewScriptedAdapter(), nil)

	tests := []struct {
		name string
		body string
	}{
		{"empty message", `{"message":"  "}`},
		{"missing message", `{}`},
		{"malformed json", `{"message":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := postTurn(t, srv, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")
			assert.Contains(t, body, "error")
		})
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t, testutil.NewScriptedAdapter(), nil)

	resp, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = srv.Client().Get(srv.URL + "/ready")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "nil readiness check means always ready")
}

func TestReadinessFailure(t *testing.T) {
	ready := func(context.Context) error { return errors.New("provider unreachable") }
	srv := newTestServer(t, testutil.NewScriptedAdapter(), ready)

	resp, err := srv.Client().Get(srv.URL + "/ready")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRootBanner(t *testing.T) {
	srv := newTestServer(t, testutil.NewScriptedAdapter(), nil)

	resp, err := srv.Client().Get(srv.URL + "/")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var banner map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&banner))
	assert.Equal(t, "calliope", banner["service"])

	resp, err = srv.Client().Get(srv.URL + "/definitely-not-here")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
