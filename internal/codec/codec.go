// Package codec re-emits upstream events in the client's dialect, either as
// a translated SSE stream or as one aggregated JSON body.
package codec

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/izzoa/ccproxy/internal/stream"
	"github.com/izzoa/ccproxy/internal/types"
)

// Format identifies the client-facing wire format.
type Format int

const (
	FormatAnthropic Format = iota
	FormatChatCompletions
	FormatResponses
)

// StreamOpts carries per-request streaming configuration to encoders.
type StreamOpts struct {
	IncludeUsage bool
}

// Translator receives normalized upstream events in order and writes
// client-dialect SSE frames. One event in, at most a few frames out; input
// order is preserved. Finish closes the stream when the upstream ended
// without a terminal event.
type Translator interface {
	OnEvent(evt *stream.Event)
	Finish()
}

// Encoder writes responses in one client dialect.
type Encoder interface {
	Format() Format
	WriteStreamHeaders(w http.ResponseWriter)
	StreamTranslator(w http.ResponseWriter, model string, opts StreamOpts) Translator
	WriteCollected(w http.ResponseWriter, statusCode int, col *Collected, model string)
	WriteError(w http.ResponseWriter, statusCode int, message string)
}

// EncoderFor returns the encoder for a dialect.
func EncoderFor(d types.Dialect) Encoder {
	switch d {
	case types.DialectAnthropic:
		return &AnthropicEncoder{}
	case types.DialectResponses:
		return &ResponsesEncoder{}
	default:
		return &ChatEncoder{}
	}
}

// frameWriter serializes SSE frames and tracks client disconnects so
// translators degrade to no-ops instead of erroring mid-stream.
type frameWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	failed  bool
}

func newFrameWriter(w http.ResponseWriter) *frameWriter {
	fw := &frameWriter{w: w}
	fw.flusher, _ = w.(http.Flusher)
	return fw
}

// writeEvent emits an "event:" + "data:" frame pair.
func (fw *frameWriter) writeEvent(event string, payload any) {
	if fw.failed {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal SSE frame", "error", err)
		return
	}
	if _, err := fmt.Fprintf(fw.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		slog.Debug("client disconnected during SSE write", "error", err)
		fw.failed = true
		return
	}
	fw.flush()
}

// writeData emits a bare "data:" frame.
func (fw *frameWriter) writeData(payload any) {
	if fw.failed {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal SSE frame", "error", err)
		return
	}
	fw.writeRaw("", data)
}

func (fw *frameWriter) writeRaw(event string, data []byte) {
	if fw.failed {
		return
	}
	var err error
	if event != "" {
		_, err = fmt.Fprintf(fw.w, "event: %s\ndata: %s\n\n", event, data)
	} else {
		_, err = fmt.Fprintf(fw.w, "data: %s\n\n", data)
	}
	if err != nil {
		slog.Debug("client disconnected during SSE write", "error", err)
		fw.failed = true
		return
	}
	fw.flush()
}

func (fw *frameWriter) writeDone() {
	if fw.failed {
		return
	}
	if _, err := fmt.Fprint(fw.w, "data: [DONE]\n\n"); err != nil {
		fw.failed = true
		return
	}
	fw.flush()
}

func (fw *frameWriter) flush() {
	if fw.flusher != nil {
		fw.flusher.Flush()
	}
}

// responseIDFrom extracts the upstream response ID carried on a frame, if any.
func responseIDFrom(evt *stream.Event) string {
	if len(evt.Raw) == 0 {
		return ""
	}
	if id := gjson.GetBytes(evt.Raw, "response.id").String(); id != "" {
		return id
	}
	// Non-streaming bodies carry the ID at the top level.
	return gjson.GetBytes(evt.Raw, "id").String()
}

func writeStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}
