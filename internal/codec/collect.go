package codec

import (
	"strings"

	"github.com/izzoa/ccproxy/internal/stream"
	"github.com/izzoa/ccproxy/internal/types"
)

// Collected is a fully aggregated upstream response.
type Collected struct {
	ResponseID   string
	Text         string
	Reasoning    string
	ToolCalls    []types.ToolCall
	Usage        *stream.Usage
	FinishReason string
	ErrCode      string
	ErrMessage   string
}

// Failed reports whether aggregation ended in an upstream error.
func (c *Collected) Failed() bool { return c.ErrMessage != "" }

// Aggregator folds the full event sequence into one Collected response.
// An upstream-reported Error event aborts aggregation: content gathered so
// far is discarded and the caller surfaces a provider error instead. A
// recoverable Error marks one corrupt frame and is skipped.
type Aggregator struct {
	col       Collected
	text      strings.Builder
	reasoning strings.Builder
	pending   map[int]*types.ToolCall
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{pending: map[int]*types.ToolCall{}}
}

// OnEvent folds one event into the aggregate.
func (a *Aggregator) OnEvent(evt *stream.Event) {
	if a.col.ResponseID == "" {
		if id := responseIDFrom(evt); id != "" {
			a.col.ResponseID = id
		}
	}
	switch evt.Kind {
	case stream.KindTextDelta:
		a.text.WriteString(evt.Text)

	case stream.KindReasoningDelta:
		a.reasoning.WriteString(evt.Text)

	case stream.KindToolCallDelta:
		tc, ok := a.pending[evt.ToolIndex]
		if !ok {
			tc = &types.ToolCall{Index: evt.ToolIndex, Type: "function"}
			a.pending[evt.ToolIndex] = tc
		}
		if evt.CallID != "" {
			tc.ID = evt.CallID
		}
		if evt.ToolName != "" {
			tc.Function.Name = evt.ToolName
		}
		if evt.ToolDone {
			// Terminal fragment carries the complete argument string.
			tc.Function.Arguments = evt.ArgsDelta
		}

	case stream.KindUsageSummary:
		if a.col.Usage == nil {
			a.col.Usage = evt.Usage
		}

	case stream.KindCompletion:
		if a.col.FinishReason == "" {
			a.col.FinishReason = evt.FinishReason
		}

	case stream.KindError:
		if evt.Recoverable {
			return
		}
		a.col.ErrCode = evt.ErrCode
		a.col.ErrMessage = evt.ErrMessage
	}
}

// Result returns the aggregated response. Tool calls appear in index order.
func (a *Aggregator) Result() *Collected {
	col := a.col
	col.Text = a.text.String()
	col.Reasoning = a.reasoning.String()
	for i := 0; i < len(a.pending); i++ {
		if tc, ok := a.pending[i]; ok {
			if tc.Function.Arguments == "" {
				tc.Function.Arguments = "{}"
			}
			col.ToolCalls = append(col.ToolCalls, *tc)
		}
	}
	if col.FinishReason == "stop" && len(col.ToolCalls) > 0 {
		col.FinishReason = "tool_calls"
	}
	return &col
}
