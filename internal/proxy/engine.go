package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/izzoa/ccproxy/internal/auth"
	"github.com/izzoa/ccproxy/internal/codec"
	"github.com/izzoa/ccproxy/internal/metrics"
	"github.com/izzoa/ccproxy/internal/stream"
	"github.com/izzoa/ccproxy/internal/types"
	"github.com/izzoa/ccproxy/internal/upstream"
)

// execute runs one transformed request end to end: acquire a pool slot,
// dispatch upstream, and re-emit the event stream in the client's dialect.
// Every event passes through the metrics collector before the encoder.
func (s *Server) execute(w http.ResponseWriter, r *http.Request, enc codec.Encoder, can *types.CanonicalRequest) {
	ctx := r.Context()
	requestID := uuid.NewString()
	collector := metrics.NewCollector(requestID, can.Model, s.pricing)

	clientStream := can.WantsStream(s.provider.WantsStreamDefault())
	if can.Stream == nil && s.provider.ForceStream {
		// Forced streaming is a wire requirement of the upstream; a client
		// that did not ask for a stream still gets one aggregated body.
		clientStream = false
	}
	upstreamStream := clientStream || s.provider.ForceStream

	slog.Debug("request.transformed",
		"request_id", requestID,
		"dialect", can.Dialect,
		"model", can.Model,
		"requested_model", can.RequestedModel,
		"messages", can.MessagesCount,
		"client_stream", clientStream,
		"upstream_stream", upstreamStream,
	)

	release, err := s.pool.Acquire(ctx)
	if err != nil {
		s.failBeforeCommit(w, enc, collector, err)
		return
	}
	defer release()

	src, err := s.backend.Dispatch(ctx, &upstream.Request{
		Model:          can.Model,
		Instructions:   can.Instructions,
		InputItems:     can.InputItems,
		Tools:          can.Tools,
		ToolChoice:     can.ToolChoice,
		SamplingParams: can.SamplingParams,
		SessionID:      can.SessionID,
		Stream:         upstreamStream,
	})
	if err != nil {
		s.failBeforeCommit(w, enc, collector, err)
		return
	}
	defer src.Close()

	reportModel := s.mapping.RestoreAlias(can.RequestedModel, can.Model)

	if clientStream {
		s.emitStream(ctx, w, enc, collector, src, can, reportModel)
	} else {
		s.emitAggregate(ctx, w, enc, collector, src, reportModel)
	}

	if !collector.Finalized() {
		collector.OnEvent(&stream.Event{
			Kind:       stream.KindError,
			ErrCode:    "truncated_stream",
			ErrMessage: "upstream ended before a terminal event",
		})
	}
	s.sink.Track(collector.Record())
}

// emitStream re-emits upstream events as client-dialect SSE. Once headers are
// committed, failures surface as in-band error frames, never a JSON body.
func (s *Server) emitStream(ctx context.Context, w http.ResponseWriter, enc codec.Encoder,
	collector *metrics.Collector, src upstream.EventSource, can *types.CanonicalRequest, reportModel string) {

	enc.WriteStreamHeaders(w)
	tr := enc.StreamTranslator(w, reportModel, codec.StreamOpts{IncludeUsage: can.IncludeUsage})

	for {
		evt, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				slog.Debug("client disconnected mid-stream")
				return
			}
			synthetic := streamFailureEvent(err)
			collector.OnEvent(synthetic)
			tr.OnEvent(synthetic)
			break
		}
		if evt.Kind == stream.KindError && evt.Recoverable {
			slog.Debug("skipping corrupt upstream frame", "detail", evt.ErrMessage)
		}
		collector.OnEvent(evt)
		tr.OnEvent(evt)
	}
	tr.Finish()
}

// emitAggregate consumes the full event stream and writes one JSON body.
func (s *Server) emitAggregate(ctx context.Context, w http.ResponseWriter, enc codec.Encoder,
	collector *metrics.Collector, src upstream.EventSource, reportModel string) {

	agg := codec.NewAggregator()
	for {
		evt, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			synthetic := streamFailureEvent(err)
			collector.OnEvent(synthetic)
			agg.OnEvent(synthetic)
			break
		}
		if evt.Kind == stream.KindError && evt.Recoverable {
			slog.Debug("skipping corrupt upstream frame", "detail", evt.ErrMessage)
		}
		collector.OnEvent(evt)
		agg.OnEvent(evt)
	}
	enc.WriteCollected(w, http.StatusOK, agg.Result(), reportModel)
}

// failBeforeCommit writes a dialect-correct JSON error for failures that
// happen before any response bytes were sent, and records the failure.
func (s *Server) failBeforeCommit(w http.ResponseWriter, enc codec.Encoder, collector *metrics.Collector, err error) {
	status, code, message := classifyDispatchFailure(err)
	if status == 0 {
		// Client went away; nothing to write.
		return
	}
	slog.Warn("dispatch failed", "status", status, "code", code, "error", err)
	enc.WriteError(w, status, message)

	collector.OnEvent(&stream.Event{Kind: stream.KindError, ErrCode: code, ErrMessage: message})
	s.sink.Track(collector.Record())
}

func classifyDispatchFailure(err error) (status int, code, message string) {
	var (
		ue *upstream.UpstreamError
		te *upstream.TimeoutError
		de *upstream.DispatchError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return 0, "", ""
	case errors.Is(err, upstream.ErrPoolExhausted):
		return http.StatusServiceUnavailable, "pool_exhausted", err.Error()
	case errors.Is(err, auth.ErrNoCredentials):
		return http.StatusInternalServerError, "no_credentials", err.Error()
	case errors.As(err, &ue):
		return ue.StatusCode, "upstream_error", ue.Error()
	case errors.As(err, &te):
		return http.StatusGatewayTimeout, "timeout", te.Error()
	case errors.As(err, &de):
		return http.StatusBadGateway, "dispatch_error", de.Error()
	default:
		return http.StatusBadGateway, "dispatch_error", err.Error()
	}
}

// streamFailureEvent converts a mid-stream transport error into the in-band
// error event fed to the collector and translator.
func streamFailureEvent(err error) *stream.Event {
	code := "stream_error"
	var te *upstream.TimeoutError
	if errors.As(err, &te) {
		code = "stream_timeout"
	}
	return &stream.Event{Kind: stream.KindError, ErrCode: code, ErrMessage: err.Error()}
}
