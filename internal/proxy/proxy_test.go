package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/izzoa/ccproxy/internal/config"
	"github.com/izzoa/ccproxy/internal/metrics"
	"github.com/izzoa/ccproxy/internal/stream"
	"github.com/izzoa/ccproxy/internal/telemetry"
	"github.com/izzoa/ccproxy/internal/upstream"
)

// fakeBackend replays scripted events and records the dispatched request.
type fakeBackend struct {
	events  []stream.Event
	err     error
	lastReq *upstream.Request
}

func (b *fakeBackend) Dispatch(ctx context.Context, req *upstream.Request) (upstream.EventSource, error) {
	b.lastReq = req
	if b.err != nil {
		return nil, b.err
	}
	return &scriptedSource{events: b.events}, nil
}

type scriptedSource struct {
	events []stream.Event
	pos    int
}

func (s *scriptedSource) Next() (*stream.Event, error) {
	if s.pos >= len(s.events) {
		return nil, io.EOF
	}
	evt := &s.events[s.pos]
	s.pos++
	return evt, nil
}

func (s *scriptedSource) Close() error { return nil }

// memorySink captures telemetry records for assertions.
type memorySink struct {
	records []metrics.Record
}

func (m *memorySink) Track(rec metrics.Record) { m.records = append(m.records, rec) }
func (m *memorySink) Close() error             { return nil }

var _ telemetry.Sink = (*memorySink)(nil)

func testProvider() *config.Provider {
	p := &config.Provider{
		Name:         "test-upstream",
		Backend:      config.BackendHTTP,
		BaseURL:      "http://127.0.0.1:0",
		ModelAliases: []string{"claude-sonnet", "gpt-5"},
		RestoreAlias: true,
		ModelRules: []config.ModelRule{
			{Kind: "prefix", Pattern: "claude-", Replacement: "gpt-5"},
		},
		ParamPolicy: "ignore",
		ParamCapabilities: map[string]bool{
			"temperature":       true,
			"top_p":             true,
			"max_output_tokens": true,
		},
	}
	p.Pool.MaxConcurrent = 4
	return p
}

func newTestServer(t *testing.T, provider *config.Provider, backend upstream.Backend) (*Server, *memorySink) {
	t.Helper()
	sink := &memorySink{}
	s, err := New(&config.ServerConfig{Host: "127.0.0.1", Port: 0}, provider, sink)
	require.NoError(t, err)
	s.backend = backend
	return s, sink
}

func textStreamEvents() []stream.Event {
	return []stream.Event{
		{Kind: stream.KindRaw, Type: "response.created",
			Raw: json.RawMessage(`{"type":"response.created","response":{"id":"resp_42"}}`)},
		{Kind: stream.KindTextDelta, Type: "response.output_text.delta",
			Raw: json.RawMessage(`{"type":"response.output_text.delta","delta":"Hello"}`), Text: "Hello"},
		{Kind: stream.KindUsageSummary, Type: "response.completed",
			Raw:   json.RawMessage(`{"type":"response.completed","response":{"id":"resp_42","usage":{"input_tokens":5,"output_tokens":2}}}`),
			Usage: &stream.Usage{InputTokens: 5, OutputTokens: 2}},
		{Kind: stream.KindCompletion, Type: "response.completed",
			Raw:          json.RawMessage(`{"type":"response.completed","response":{"id":"resp_42","usage":{"input_tokens":5,"output_tokens":2}}}`),
			FinishReason: "stop"},
	}
}

func do(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAnthropicStreamingEndToEnd(t *testing.T) {
	backend := &fakeBackend{events: textStreamEvents()}
	s, sink := newTestServer(t, testProvider(), backend)

	rec := do(s, http.MethodPost, "/v1/messages",
		`{"model":"claude-sonnet","stream":true,"max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	for _, event := range []string{"message_start", "content_block_start", "content_block_delta", "content_block_stop", "message_delta", "message_stop"} {
		assert.Contains(t, body, "event: "+event)
	}
	// Alias restored in the outgoing frames, mapped model sent upstream.
	assert.Contains(t, body, `"claude-sonnet"`)
	require.NotNil(t, backend.lastReq)
	assert.Equal(t, "gpt-5", backend.lastReq.Model)
	assert.True(t, backend.lastReq.Stream)
	assert.NotEmpty(t, backend.lastReq.SessionID)

	require.Len(t, sink.records, 1)
	assert.Equal(t, 5, sink.records[0].InputTokens)
	assert.Equal(t, metrics.StatusFinalized, sink.records[0].Status)
}

func TestChatAggregateEndToEnd(t *testing.T) {
	backend := &fakeBackend{events: textStreamEvents()}
	s, _ := newTestServer(t, testProvider(), backend)

	rec := do(s, http.MethodPost, "/v1/chat/completions",
		`{"model":"claude-sonnet","stream":false,"messages":[{"role":"user","content":"hi"}]}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "claude-sonnet", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Hello", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 5, resp.Usage.PromptTokens)

	require.NotNil(t, backend.lastReq)
	assert.False(t, backend.lastReq.Stream)
}

func TestStreamDefaultIsAggregate(t *testing.T) {
	backend := &fakeBackend{events: textStreamEvents()}
	s, _ := newTestServer(t, testProvider(), backend)

	// stream field absent: provider default (false) applies.
	rec := do(s, http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-5","messages":[{"role":"user","content":"hi"}]}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestForceStreamKeepsAggregateEmission(t *testing.T) {
	provider := testProvider()
	provider.ForceStream = true
	backend := &fakeBackend{events: textStreamEvents()}
	s, _ := newTestServer(t, provider, backend)

	rec := do(s, http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-5","stream":false,"messages":[{"role":"user","content":"hi"}]}`, nil)

	// Upstream transport streams, client still gets one JSON body.
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NotNil(t, backend.lastReq)
	assert.True(t, backend.lastReq.Stream)
}

func TestForceStreamOverridesStreamingDefault(t *testing.T) {
	provider := testProvider()
	provider.ForceStream = true
	streamDefault := true
	provider.DefaultStream = &streamDefault
	backend := &fakeBackend{events: textStreamEvents()}
	s, _ := newTestServer(t, provider, backend)

	// stream field absent: the forced upstream stream must not leak to the
	// client, even when the provider's default emission mode is streaming.
	rec := do(s, http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-5","messages":[{"role":"user","content":"hi"}]}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NotNil(t, backend.lastReq)
	assert.True(t, backend.lastReq.Stream)

	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Hello", resp.Choices[0].Message.Content)
}

func TestCorruptFrameRecoveredEndToEnd(t *testing.T) {
	events := []stream.Event{
		{Kind: stream.KindTextDelta, Text: "Hi"},
		{Kind: stream.KindError, ErrCode: "protocol_error", ErrMessage: "malformed event payload", Recoverable: true},
		{Kind: stream.KindTextDelta, Text: "!"},
		{Kind: stream.KindUsageSummary, Usage: &stream.Usage{InputTokens: 5, OutputTokens: 2}},
		{Kind: stream.KindCompletion, FinishReason: "stop"},
	}

	t.Run("aggregate", func(t *testing.T) {
		backend := &fakeBackend{events: events}
		s, sink := newTestServer(t, testProvider(), backend)

		rec := do(s, http.MethodPost, "/v1/chat/completions",
			`{"model":"gpt-5","stream":false,"messages":[{"role":"user","content":"hi"}]}`, nil)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Choices, 1)
		assert.Equal(t, "Hi!", resp.Choices[0].Message.Content)

		require.Len(t, sink.records, 1)
		assert.Empty(t, sink.records[0].ErrorCode)
		assert.Equal(t, 5, sink.records[0].InputTokens)
	})

	t.Run("stream", func(t *testing.T) {
		backend := &fakeBackend{events: events}
		s, _ := newTestServer(t, testProvider(), backend)

		rec := do(s, http.MethodPost, "/v1/chat/completions",
			`{"model":"gpt-5","stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)

		require.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.Contains(t, body, `"content":"Hi"`)
		assert.Contains(t, body, `"content":"!"`)
		assert.NotContains(t, body, "malformed event payload")
		assert.True(t, strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]"))
	})
}

func TestResponsesPassthroughStreaming(t *testing.T) {
	backend := &fakeBackend{events: textStreamEvents()}
	s, _ := newTestServer(t, testProvider(), backend)

	rec := do(s, http.MethodPost, "/v1/responses",
		`{"model":"claude-sonnet","stream":true,"input":"hi"}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "event: response.created")
	assert.Contains(t, body, "event: response.output_text.delta")
	assert.Contains(t, body, "event: response.completed")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]"))
}

func TestInstructionInjectionOverride(t *testing.T) {
	provider := testProvider()
	provider.Injection.Mode = config.InjectionOverride
	provider.Injection.Instructions = "You are a coding assistant."
	backend := &fakeBackend{events: textStreamEvents()}
	s, _ := newTestServer(t, provider, backend)

	rec := do(s, http.MethodPost, "/v1/messages",
		`{"model":"claude-sonnet","max_tokens":10,"system":"client system","messages":[{"role":"user","content":"hi"}]}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, backend.lastReq)
	assert.Equal(t, "You are a coding assistant.", backend.lastReq.Instructions)
}

func TestStrictParamPolicyRejects(t *testing.T) {
	provider := testProvider()
	provider.ParamPolicy = "strict"
	backend := &fakeBackend{events: textStreamEvents()}
	s, _ := newTestServer(t, provider, backend)

	rec := do(s, http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-5","seed":7,"messages":[{"role":"user","content":"hi"}]}`, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unsupported parameter: seed")
	assert.Nil(t, backend.lastReq)
}

func TestUpstreamErrorStatusPassesThrough(t *testing.T) {
	backend := &fakeBackend{err: &upstream.UpstreamError{
		StatusCode: http.StatusTooManyRequests,
		Body:       []byte(`{"error":{"message":"rate limited"}}`),
	}}
	s, sink := newTestServer(t, testProvider(), backend)

	rec := do(s, http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-5","messages":[{"role":"user","content":"hi"}]}`, nil)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate limited")

	require.Len(t, sink.records, 1)
	assert.Equal(t, "upstream_error", sink.records[0].ErrorCode)
}

func TestPoolExhaustedReturns503(t *testing.T) {
	provider := testProvider()
	provider.Pool.MaxConcurrent = 1
	provider.Pool.AcquireTimeout = config.Duration(10 * time.Millisecond)
	backend := &fakeBackend{events: textStreamEvents()}
	s, _ := newTestServer(t, provider, backend)

	// Hold the only slot.
	release, err := s.pool.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	rec := do(s, http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-5","messages":[{"role":"user","content":"hi"}]}`, nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMidStreamErrorIsInBand(t *testing.T) {
	events := []stream.Event{
		{Kind: stream.KindTextDelta, Text: "partial",
			Raw: json.RawMessage(`{"type":"response.output_text.delta","delta":"partial"}`)},
		{Kind: stream.KindError, ErrCode: "upstream_error", ErrMessage: "backend fell over",
			Raw: json.RawMessage(`{"type":"error","code":"upstream_error"}`)},
	}
	backend := &fakeBackend{events: events}
	s, _ := newTestServer(t, testProvider(), backend)

	rec := do(s, http.MethodPost, "/v1/messages",
		`{"model":"claude-sonnet","stream":true,"max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`, nil)

	// Status already committed as 200; the failure rides in-band.
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "event: error")
	assert.Contains(t, body, "backend fell over")
}

func TestAccessTokenMiddleware(t *testing.T) {
	backend := &fakeBackend{events: textStreamEvents()}
	sink := &memorySink{}
	s, err := New(&config.ServerConfig{Host: "127.0.0.1", AccessToken: "secret"}, testProvider(), sink)
	require.NoError(t, err)
	s.backend = backend

	rec := do(s, http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-5","messages":[{"role":"user","content":"hi"}]}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Anthropic routes get the Anthropic error envelope.
	rec = do(s, http.MethodPost, "/v1/messages", `{}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "authentication_error")

	// Health stays open.
	rec = do(s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-5","messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListModels(t *testing.T) {
	backend := &fakeBackend{}
	s, _ := newTestServer(t, testProvider(), backend)

	rec := do(s, http.MethodGet, "/v1/models", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, "list", list.Object)
	require.Len(t, list.Data, 2)
	assert.Equal(t, "claude-sonnet", list.Data[0].ID)
	assert.Equal(t, "test-upstream", list.Data[0].OwnedBy)
}

func TestListModelsAnthropicShape(t *testing.T) {
	backend := &fakeBackend{}
	s, _ := newTestServer(t, testProvider(), backend)

	rec := do(s, http.MethodGet, "/v1/models", "", map[string]string{"anthropic-version": "2023-06-01"})
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Data []struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"data"`
		HasMore bool   `json:"has_more"`
		FirstID string `json:"first_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Data, 2)
	assert.Equal(t, "model", list.Data[0].Type)
	assert.Equal(t, "claude-sonnet", list.FirstID)
}

func TestCountTokens(t *testing.T) {
	backend := &fakeBackend{}
	s, _ := newTestServer(t, testProvider(), backend)

	rec := do(s, http.MethodPost, "/v1/messages/count_tokens",
		`{"model":"claude-sonnet","messages":[{"role":"user","content":"The quick brown fox jumps over the lazy dog"}]}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		InputTokens int `json:"input_tokens"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Greater(t, resp.InputTokens, 0)
}

func TestSessionIDStableAcrossTurns(t *testing.T) {
	backend := &fakeBackend{events: textStreamEvents()}
	s, _ := newTestServer(t, testProvider(), backend)

	body := `{"model":"gpt-5","messages":[{"role":"user","content":"first question"}]}`
	do(s, http.MethodPost, "/v1/chat/completions", body, nil)
	first := backend.lastReq.SessionID

	// Same conversation prefix, extra turn appended.
	body = `{"model":"gpt-5","messages":[{"role":"user","content":"first question"},{"role":"assistant","content":"answer"},{"role":"user","content":"follow-up"}]}`
	do(s, http.MethodPost, "/v1/chat/completions", body, nil)
	assert.Equal(t, first, backend.lastReq.SessionID)

	// Header wins over synthesis.
	do(s, http.MethodPost, "/v1/chat/completions", body, map[string]string{"session_id": "explicit"})
	assert.Equal(t, "explicit", backend.lastReq.SessionID)

	// A path-embedded session ID wins over the header.
	do(s, http.MethodPost, "/v1/sessions/from-path/chat/completions", body, map[string]string{"session_id": "explicit"})
	assert.Equal(t, "from-path", backend.lastReq.SessionID)
}
