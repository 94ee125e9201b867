package stream

import (
	"io"
	"strings"
	"testing"
)

func sse(frames ...string) io.Reader {
	var b strings.Builder
	for _, f := range frames {
		b.WriteString("data: ")
		b.WriteString(f)
		b.WriteString("\n\n")
	}
	return strings.NewReader(b.String())
}

func collect(t *testing.T, p *Parser) []*Event {
	t.Helper()
	var events []*Event
	for {
		evt, err := p.Next()
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		events = append(events, evt)
	}
}

func TestParserTextDeltasInOrder(t *testing.T) {
	p := NewParser(sse(
		`{"type":"response.output_text.delta","delta":"Hel"}`,
		`{"type":"response.output_text.delta","delta":"lo"}`,
		`{"type":"response.completed","response":{"status":"completed"}}`,
	))
	events := collect(t, p)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Kind != KindTextDelta || events[0].Text != "Hel" {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1].Kind != KindTextDelta || events[1].Text != "lo" {
		t.Errorf("event 1 = %+v", events[1])
	}
	if events[2].Kind != KindCompletion || events[2].FinishReason != "stop" {
		t.Errorf("event 2 = %+v", events[2])
	}
}

func TestParserMalformedFrameLeniency(t *testing.T) {
	p := NewParser(sse(
		`{"type":"response.output_text.delta","delta":"a"}`,
		`{not json`,
		`{"type":"response.output_text.delta","delta":"b"}`,
	))
	events := collect(t, p)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[1].Kind != KindError || events[1].ErrCode != "protocol_error" {
		t.Errorf("malformed frame should yield one Error event, got %+v", events[1])
	}
	if !events[1].Recoverable {
		t.Error("the malformed-frame error must be marked recoverable")
	}
	if events[2].Kind != KindTextDelta || events[2].Text != "b" {
		t.Errorf("parsing should continue past malformed frame, got %+v", events[2])
	}
}

func TestParserToolCallLifecycle(t *testing.T) {
	p := NewParser(sse(
		`{"type":"response.output_item.added","item":{"type":"function_call","id":"item_1","call_id":"call_1","name":"get_weather"}}`,
		`{"type":"response.function_call_arguments.delta","item_id":"item_1","delta":"{\"city\":"}`,
		`{"type":"response.function_call_arguments.delta","item_id":"item_1","delta":"\"Oslo\"}"}`,
		`{"type":"response.function_call_arguments.done","item_id":"item_1","arguments":"{\"city\":\"Oslo\"}"}`,
		`{"type":"response.output_item.done","item":{"type":"function_call","id":"item_1","call_id":"call_1","name":"get_weather","arguments":"{\"city\":\"Oslo\"}"}}`,
		`{"type":"response.completed","response":{"status":"completed"}}`,
	))
	events := collect(t, p)

	var toolEvents []*Event
	for _, e := range events {
		if e.Kind == KindToolCallDelta {
			toolEvents = append(toolEvents, e)
		}
	}
	if len(toolEvents) != 4 {
		t.Fatalf("got %d tool events, want 4 (added, two deltas, one done)", len(toolEvents))
	}
	if toolEvents[0].ToolName != "get_weather" || toolEvents[0].CallID != "call_1" {
		t.Errorf("added event = %+v", toolEvents[0])
	}
	if toolEvents[1].ArgsDelta != `{"city":` || toolEvents[1].ToolIndex != 0 {
		t.Errorf("first delta = %+v", toolEvents[1])
	}
	terminal := toolEvents[3]
	if !terminal.ToolDone {
		t.Fatal("fourth tool event should be terminal")
	}
	if terminal.ArgsDelta != `{"city":"Oslo"}` {
		t.Errorf("terminal args = %q", terminal.ArgsDelta)
	}
	for _, e := range toolEvents[:3] {
		if e.ToolDone {
			t.Errorf("non-terminal event marked done: %+v", e)
		}
	}
}

func TestParserToolDoneExactlyOnce(t *testing.T) {
	// output_item.done after arguments.done must not produce a second terminal.
	p := NewParser(sse(
		`{"type":"response.output_item.added","item":{"type":"function_call","id":"item_1","call_id":"call_1","name":"f"}}`,
		`{"type":"response.function_call_arguments.done","item_id":"item_1","arguments":"{}"}`,
		`{"type":"response.output_item.done","item":{"type":"function_call","id":"item_1","call_id":"call_1","name":"f","arguments":"{}"}}`,
	))
	events := collect(t, p)
	terminals := 0
	for _, e := range events {
		if e.Kind == KindToolCallDelta && e.ToolDone {
			terminals++
		}
	}
	if terminals != 1 {
		t.Errorf("got %d terminal tool events, want exactly 1", terminals)
	}
}

func TestParserToolIndexesByArrival(t *testing.T) {
	p := NewParser(sse(
		`{"type":"response.output_item.added","item":{"type":"function_call","id":"a","call_id":"ca","name":"first"}}`,
		`{"type":"response.output_item.added","item":{"type":"function_call","id":"b","call_id":"cb","name":"second"}}`,
		`{"type":"response.function_call_arguments.delta","item_id":"b","delta":"{}"}`,
	))
	events := collect(t, p)
	if events[0].ToolIndex != 0 || events[1].ToolIndex != 1 {
		t.Errorf("indexes = %d, %d, want 0, 1", events[0].ToolIndex, events[1].ToolIndex)
	}
	if events[2].ToolIndex != 1 {
		t.Errorf("delta for second call has index %d, want 1", events[2].ToolIndex)
	}
}

func TestParserCompletedWithUsage(t *testing.T) {
	p := NewParser(sse(
		`{"type":"response.completed","response":{"status":"completed","usage":{"input_tokens":10,"output_tokens":5,"input_tokens_details":{"cached_tokens":3}}}}`,
	))
	events := collect(t, p)
	if len(events) != 2 {
		t.Fatalf("got %d events, want usage then completion", len(events))
	}
	u := events[0]
	if u.Kind != KindUsageSummary || u.Usage.InputTokens != 10 || u.Usage.OutputTokens != 5 || u.Usage.CachedTokens != 3 {
		t.Errorf("usage event = %+v", u)
	}
	if events[1].Kind != KindCompletion {
		t.Errorf("final event = %+v", events[1])
	}
}

func TestParserIncompleteMapsToLength(t *testing.T) {
	p := NewParser(sse(
		`{"type":"response.incomplete","response":{"status":"incomplete"}}`,
	))
	events := collect(t, p)
	if len(events) != 1 || events[0].FinishReason != "length" {
		t.Errorf("events = %+v, want single length completion", events)
	}
}

func TestParserFailedTerminates(t *testing.T) {
	p := NewParser(sse(
		`{"type":"response.failed","response":{"error":{"code":"rate_limit","message":"slow down"}}}`,
		`{"type":"response.output_text.delta","delta":"never seen"}`,
	))
	events := collect(t, p)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 (stream ends on failure)", len(events))
	}
	if events[0].Kind != KindError || events[0].ErrCode != "rate_limit" || events[0].ErrMessage != "slow down" {
		t.Errorf("error event = %+v", events[0])
	}
}

func TestParserDoneSentinel(t *testing.T) {
	p := NewParser(strings.NewReader("data: {\"type\":\"response.output_text.delta\",\"delta\":\"x\"}\n\ndata: [DONE]\n\ndata: {\"type\":\"response.output_text.delta\",\"delta\":\"y\"}\n\n"))
	events := collect(t, p)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 (nothing after [DONE])", len(events))
	}
	// Non-restartable: Next keeps returning io.EOF.
	for i := 0; i < 3; i++ {
		if _, err := p.Next(); err != io.EOF {
			t.Fatalf("Next after EOF = %v, want io.EOF", err)
		}
	}
}

func TestParserPassthroughRaw(t *testing.T) {
	frame := `{"type":"response.created","response":{"id":"resp_1"}}`
	p := NewParser(sse(frame))
	events := collect(t, p)
	if len(events) != 1 || events[0].Kind != KindRaw {
		t.Fatalf("events = %+v", events)
	}
	if string(events[0].Raw) != frame {
		t.Errorf("Raw = %s, want original frame preserved", events[0].Raw)
	}
}
