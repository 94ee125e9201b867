package proxy

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/izzoa/ccproxy/internal/codec"
	"github.com/izzoa/ccproxy/internal/transform"
	"github.com/izzoa/ccproxy/internal/types"
)

func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	enc := codec.EncoderFor(types.DialectResponses)

	var req types.ResponsesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		enc.WriteError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Model == "" {
		enc.WriteError(w, http.StatusBadRequest, "model is required")
		return
	}

	items, lifted, err := transform.ParseResponsesInput(req.Input)
	if err != nil {
		enc.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	params := map[string]any{}
	if req.Temperature != nil {
		params["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		params["top_p"] = *req.TopP
	}
	if req.MaxOutputTokens != nil {
		params["max_output_tokens"] = *req.MaxOutputTokens
	}
	if req.ParallelToolCalls != nil {
		params["parallel_tool_calls"] = *req.ParallelToolCalls
	}

	accepted, ok := s.classifyParams(w, enc, params)
	if !ok {
		return
	}

	// Explicit instructions come before system messages lifted out of input.
	clientSystem := joinSections(req.Instructions, lifted)
	instructions := transform.ComposeInstructions(clientSystem, s.provider.Injection.Instructions, s.provider.Injection.Mode)

	can := &types.CanonicalRequest{
		Dialect:        types.DialectResponses,
		RequestedModel: req.Model,
		Model:          s.mapping.Map(req.Model),
		Stream:         req.Stream,
		IncludeUsage:   true,
		Instructions:   instructions,
		InputItems:     items,
		Tools:          req.Tools,
		ToolChoice:     req.ToolChoice,
		SamplingParams: accepted,
		MessagesCount:  len(items),
	}
	can.SessionID = s.sessions.Resolve(r.PathValue("session_id"), r.Header.Get("session_id"), can.Instructions, can.InputItems)

	s.execute(w, r, enc, can)
}

func joinSections(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
