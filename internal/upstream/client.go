package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/izzoa/ccproxy/internal/auth"
	"github.com/izzoa/ccproxy/internal/stream"
	"github.com/izzoa/ccproxy/internal/types"
)

// Request holds the parameters for one upstream Responses dispatch.
type Request struct {
	Model        string
	Instructions string
	InputItems   []types.ResponsesInputItem
	Tools        []types.ResponsesTool
	ToolChoice   any
	// SamplingParams are already classified against the provider capability
	// matrix and are merged into the payload under their upstream names.
	SamplingParams map[string]any
	SessionID      string
	// Stream selects upstream transport: SSE when true, one JSON body when
	// false. The client-facing emission mode is decided separately.
	Stream bool
}

// EventSource yields normalized upstream events for one request.
type EventSource interface {
	Next() (*stream.Event, error)
	Close() error
}

// Backend dispatches a request and returns its event source.
type Backend interface {
	Dispatch(ctx context.Context, req *Request) (EventSource, error)
}

const maxErrorBodySize = 64 * 1024

// HTTPBackend talks to a Responses-compatible endpoint over plain HTTPS.
type HTTPBackend struct {
	BaseURL         string
	Tokens          auth.TokenSource
	DispatchTimeout time.Duration
	IdleTimeout     time.Duration
	// ExtraHeaders are provider identity headers attached to every request.
	ExtraHeaders map[string]string
	Verbose      bool

	client *http.Client
}

// NewHTTPBackend creates a direct HTTP backend.
func NewHTTPBackend(baseURL string, tokens auth.TokenSource, dispatchTimeout, idleTimeout time.Duration) *HTTPBackend {
	return &HTTPBackend{
		BaseURL:         baseURL,
		Tokens:          tokens,
		DispatchTimeout: dispatchTimeout,
		IdleTimeout:     idleTimeout,
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: dispatchTimeout,
				MaxIdleConnsPerHost:   8,
			},
		},
	}
}

// Dispatch sends the request. A transport failure before any response is
// retried once; HTTP errors and anything after commitment never are.
func (b *HTTPBackend) Dispatch(ctx context.Context, req *Request) (EventSource, error) {
	resp, err := b.send(ctx, req)
	if err != nil {
		var de *DispatchError
		if errors.As(err, &de) {
			slog.Warn("upstream dispatch failed, retrying once", "error", de.Err)
			resp, err = b.send(ctx, req)
		}
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		resp.Body.Close()
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: body, Headers: resp.Header}
	}

	if req.Stream {
		body := io.ReadCloser(resp.Body)
		if b.IdleTimeout > 0 {
			body = newIdleReader(resp.Body, b.IdleTimeout)
		}
		return &parserSource{parser: stream.NewParser(body), closer: body}, nil
	}

	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &DispatchError{Err: err}
	}
	return synthesizeFromResponse(raw), nil
}

func (b *HTTPBackend) send(ctx context.Context, req *Request) (*http.Response, error) {
	token, err := b.Tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(buildPayload(req))
	if err != nil {
		return nil, fmt.Errorf("marshal upstream payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for name, value := range b.ExtraHeaders {
		httpReq.Header.Set(name, value)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	if req.SessionID != "" {
		httpReq.Header.Set("session_id", req.SessionID)
	}

	if b.Verbose {
		slog.Info("upstream.request",
			"model", req.Model,
			"input_items", len(req.InputItems),
			"tools", len(req.Tools),
			"stream", req.Stream,
			"session_id", req.SessionID,
			"instructions_chars", len(req.Instructions),
		)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		if ne, ok := underlyingNetError(err); ok && ne.Timeout() {
			return nil, &TimeoutError{Phase: "dispatch"}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &DispatchError{Err: err}
	}
	if b.Verbose {
		slog.Info("upstream.response", "status", resp.StatusCode)
	}
	return resp, nil
}

// buildPayload assembles the upstream body. Sampling params ride alongside
// the structural fields under their upstream names.
func buildPayload(req *Request) map[string]any {
	payload := map[string]any{
		"model":  req.Model,
		"input":  req.InputItems,
		"stream": req.Stream,
	}
	if req.Instructions != "" {
		payload["instructions"] = req.Instructions
	}
	if len(req.Tools) > 0 {
		payload["tools"] = req.Tools
	}
	if req.ToolChoice != nil {
		payload["tool_choice"] = req.ToolChoice
	}
	if req.SessionID != "" {
		payload["prompt_cache_key"] = req.SessionID
	}
	for name, v := range req.SamplingParams {
		payload[name] = v
	}
	return payload
}

func underlyingNetError(err error) (net.Error, bool) {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			return ne, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return nil, false
}

// parserSource adapts a stream.Parser to an EventSource.
type parserSource struct {
	parser *stream.Parser
	closer io.Closer
}

func (s *parserSource) Next() (*stream.Event, error) {
	return s.parser.Next()
}

func (s *parserSource) Close() error {
	return s.closer.Close()
}
