package proxy

import (
	"encoding/json"
	"net/http"

	"github.com/izzoa/ccproxy/internal/codec"
	"github.com/izzoa/ccproxy/internal/transform"
	"github.com/izzoa/ccproxy/internal/types"
)

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	enc := codec.EncoderFor(types.DialectChat)

	var req types.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		enc.WriteError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Model == "" {
		enc.WriteError(w, http.StatusBadRequest, "model is required")
		return
	}
	if len(req.Messages) == 0 {
		enc.WriteError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	params := map[string]any{}
	if req.Temperature != nil {
		params["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		params["top_p"] = *req.TopP
	}
	if req.MaxTokens != nil {
		params["max_output_tokens"] = *req.MaxTokens
	}
	if req.PresencePenalty != nil {
		params["presence_penalty"] = *req.PresencePenalty
	}
	if req.FrequencyPenalty != nil {
		params["frequency_penalty"] = *req.FrequencyPenalty
	}
	if req.Seed != nil {
		params["seed"] = *req.Seed
	}
	if len(req.LogitBias) > 0 {
		params["logit_bias"] = req.LogitBias
	}
	if req.ParallelToolCalls {
		params["parallel_tool_calls"] = true
	}

	accepted, ok := s.classifyParams(w, enc, params)
	if !ok {
		return
	}

	system := transform.ExtractChatSystemText(req.Messages)
	instructions := transform.ComposeInstructions(system, s.provider.Injection.Instructions, s.provider.Injection.Mode)

	can := &types.CanonicalRequest{
		Dialect:        types.DialectChat,
		RequestedModel: req.Model,
		Model:          s.mapping.Map(req.Model),
		Stream:         req.Stream,
		IncludeUsage:   req.StreamOptions != nil && req.StreamOptions.IncludeUsage,
		Instructions:   instructions,
		InputItems:     transform.ChatMessagesToInput(req.Messages),
		Tools:          transform.ChatToolsToInput(req.Tools),
		ToolChoice:     transform.ChatToolChoiceToInput(req.ToolChoice),
		SamplingParams: accepted,
		MessagesCount:  len(req.Messages),
	}
	can.SessionID = s.sessions.Resolve(r.PathValue("session_id"), r.Header.Get("session_id"), can.Instructions, can.InputItems)

	s.execute(w, r, enc, can)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	// Anthropic clients identify themselves with the anthropic-version header
	// and expect the Messages API list shape.
	if r.Header.Get("anthropic-version") != "" {
		list := types.AnthropicModelListResponse{Data: []types.AnthropicModel{}}
		for _, alias := range s.provider.ModelAliases {
			list.Data = append(list.Data, types.AnthropicModel{
				ID:          alias,
				Type:        "model",
				DisplayName: alias,
			})
		}
		if n := len(list.Data); n > 0 {
			list.FirstID = list.Data[0].ID
			list.LastID = list.Data[n-1].ID
		}
		codec.WriteJSON(w, http.StatusOK, list)
		return
	}

	list := types.ModelList{Object: "list"}
	for _, alias := range s.provider.ModelAliases {
		list.Data = append(list.Data, types.ModelObject{
			ID:      alias,
			Object:  "model",
			OwnedBy: s.provider.Name,
		})
	}
	codec.WriteJSON(w, http.StatusOK, list)
}
