// Package telemetry persists finalized request records for offline analysis.
package telemetry

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/izzoa/ccproxy/internal/metrics"
)

// Sink receives finalized request records.
type Sink interface {
	Track(rec metrics.Record)
	Close() error
}

// entry is the serialized JSONL row.
type entry struct {
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"request_id"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CachedTokens int       `json:"cached_tokens,omitempty"`
	CostUSD      *float64  `json:"cost_usd,omitempty"`
	FinishReason string    `json:"finish_reason,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
}

// FileSink appends one JSON line per finalized request.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens (creating if needed) the JSONL file at path.
func NewFileSink(path string) (*FileSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileSink{file: f}, nil
}

// Track appends the record. Write failures are logged, not propagated; the
// request has already been served.
func (s *FileSink) Track(rec metrics.Record) {
	e := entry{
		Timestamp:    rec.FinalizedAt,
		RequestID:    rec.RequestID,
		Model:        rec.Model,
		InputTokens:  rec.InputTokens,
		OutputTokens: rec.OutputTokens,
		CachedTokens: rec.CachedTokens,
		CostUSD:      rec.CostUSD,
		FinishReason: rec.FinishReason,
		ErrorCode:    rec.ErrorCode,
		DurationMS:   rec.FinalizedAt.Sub(rec.StartedAt).Milliseconds(),
	}
	line, err := json.Marshal(e)
	if err != nil {
		slog.Warn("telemetry marshal failed", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		slog.Warn("telemetry write failed", "error", err)
	}
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// LogSink logs finalized records via slog. Used when no telemetry file is
// configured.
type LogSink struct{}

func (LogSink) Track(rec metrics.Record) {
	attrs := []any{
		"request_id", rec.RequestID,
		"model", rec.Model,
		"input_tokens", rec.InputTokens,
		"output_tokens", rec.OutputTokens,
	}
	if rec.CostUSD != nil {
		attrs = append(attrs, "cost_usd", *rec.CostUSD)
	}
	if rec.ErrorCode != "" {
		attrs = append(attrs, "error_code", rec.ErrorCode)
	}
	slog.Info("request.finalized", attrs...)
}

func (LogSink) Close() error { return nil }
