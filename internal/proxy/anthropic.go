package proxy

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/izzoa/ccproxy/internal/codec"
	"github.com/izzoa/ccproxy/internal/modelmap"
	"github.com/izzoa/ccproxy/internal/transform"
	"github.com/izzoa/ccproxy/internal/types"
)

func (s *Server) handleAnthropicMessages(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req types.AnthropicMessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		codec.WriteAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: "+err.Error())
		return
	}
	if req.Model == "" {
		codec.WriteAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	if len(req.Messages) == 0 {
		codec.WriteAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}

	system, err := types.ParseSystemText(req.System)
	if err != nil {
		codec.WriteAnthropicError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	items, err := transform.AnthropicMessagesToInput(req.Messages)
	if err != nil {
		codec.WriteAnthropicError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	params := map[string]any{}
	if req.Temperature != nil {
		params["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		params["top_p"] = *req.TopP
	}
	if req.MaxTokens > 0 {
		params["max_output_tokens"] = req.MaxTokens
	}
	if req.TopK != nil {
		params["top_k"] = *req.TopK
	}
	if len(req.StopSequences) > 0 {
		params["stop_sequences"] = req.StopSequences
	}

	accepted, ok := s.classifyParams(w, codec.EncoderFor(types.DialectAnthropic), params)
	if !ok {
		return
	}

	instructions := transform.ComposeInstructions(system, s.provider.Injection.Instructions, s.provider.Injection.Mode)

	can := &types.CanonicalRequest{
		Dialect:        types.DialectAnthropic,
		RequestedModel: req.Model,
		Model:          s.mapping.Map(req.Model),
		Stream:         req.Stream,
		IncludeUsage:   true,
		Instructions:   instructions,
		InputItems:     items,
		Tools:          transform.AnthropicToolsToInput(req.Tools),
		ToolChoice:     transform.AnthropicToolChoiceToInput(req.ToolChoice),
		SamplingParams: accepted,
		MessagesCount:  len(req.Messages),
	}
	can.SessionID = s.sessions.Resolve(r.PathValue("session_id"), r.Header.Get("session_id"), can.Instructions, can.InputItems)

	s.execute(w, r, codec.EncoderFor(types.DialectAnthropic), can)
}

func (s *Server) handleAnthropicCountTokens(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req types.AnthropicCountTokensRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		codec.WriteAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: "+err.Error())
		return
	}

	system, err := types.ParseSystemText(req.System)
	if err != nil {
		codec.WriteAnthropicError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	items, err := transform.AnthropicMessagesToInput(req.Messages)
	if err != nil {
		codec.WriteAnthropicError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	instructions := transform.ComposeInstructions(system, s.provider.Injection.Instructions, s.provider.Injection.Mode)
	tokens := transform.EstimateInputTokens(instructions, items, transform.AnthropicToolsToInput(req.Tools))

	codec.WriteJSON(w, http.StatusOK, types.AnthropicCountTokensResponse{InputTokens: tokens})
}

// classifyParams applies the provider's capability matrix. Under the strict
// policy a rejected parameter fails the request; under ignore it is dropped
// and logged.
func (s *Server) classifyParams(w http.ResponseWriter, enc codec.Encoder, params map[string]any) (map[string]any, bool) {
	accepted, rejected, err := modelmap.Classify(params, s.provider.ParamCapabilities, modelmap.Policy(s.provider.ParamPolicy))
	if err != nil {
		enc.WriteError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	if len(rejected) > 0 {
		slog.Debug("dropped unsupported parameters", "params", rejected)
	}
	return accepted, true
}
