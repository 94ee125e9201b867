package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/izzoa/ccproxy/internal/stream"
)

func testTable() *PricingTable {
	return NewPricingTable(
		map[string]ModelPricing{
			"gpt-4o-2024-08-06": {InputPerMTok: 2.5, OutputPerMTok: 10},
		},
		map[string]ModelPricing{
			"gpt-4o":      {InputPerMTok: 2.5, OutputPerMTok: 10},
			"gpt-4o-mini": {InputPerMTok: 0.15, OutputPerMTok: 0.6},
		},
		nil,
	)
}

func TestPricingLookup(t *testing.T) {
	tbl := testTable()

	tests := []struct {
		model    string
		wantIn   float64
		wantFind bool
	}{
		{"gpt-4o-2024-08-06", 2.5, true},
		{"gpt-4o-mini-2024-07-18", 0.15, true}, // longest prefix beats gpt-4o
		{"gpt-4o-audio", 2.5, true},
		{"claude-sonnet", 0, false},
	}
	for _, tt := range tests {
		p, ok := tbl.Lookup(tt.model)
		assert.Equal(t, tt.wantFind, ok, tt.model)
		if ok {
			assert.Equal(t, tt.wantIn, p.InputPerMTok, tt.model)
		}
	}
}

func TestPricingLookupDefault(t *testing.T) {
	tbl := NewPricingTable(nil, nil, &ModelPricing{InputPerMTok: 1, OutputPerMTok: 2})
	p, ok := tbl.Lookup("anything")
	require.True(t, ok)
	assert.Equal(t, 1.0, p.InputPerMTok)
}

func TestCostWithCachedTokens(t *testing.T) {
	p := ModelPricing{InputPerMTok: 10, OutputPerMTok: 20}
	// 1M input of which 500k cached, 100k output:
	// fresh 500k*10 + cached 500k*10*0.1 + out 100k*20 = 5 + 0.5 + 2 = 7.5
	assert.InDelta(t, 7.5, p.Cost(1_000_000, 100_000, 500_000), 1e-9)
}

func TestCollectorFinalizesOnUsage(t *testing.T) {
	c := NewCollector("req_1", "gpt-4o", testTable())

	require.False(t, c.OnEvent(&stream.Event{Kind: stream.KindTextDelta, Text: "hi"}))
	require.False(t, c.Finalized())

	finalized := c.OnEvent(&stream.Event{
		Kind:  stream.KindUsageSummary,
		Usage: &stream.Usage{InputTokens: 1000, OutputTokens: 500},
	})
	require.True(t, finalized)

	rec := c.Record()
	assert.Equal(t, StatusFinalized, rec.Status)
	assert.Equal(t, 1000, rec.InputTokens)
	require.NotNil(t, rec.CostUSD)
	assert.InDelta(t, (1000*2.5+500*10)/1e6, *rec.CostUSD, 1e-12)
}

func TestCollectorFirstFinalizingEventWins(t *testing.T) {
	c := NewCollector("req_1", "gpt-4o", testTable())

	require.True(t, c.OnEvent(&stream.Event{
		Kind:  stream.KindUsageSummary,
		Usage: &stream.Usage{InputTokens: 100, OutputTokens: 50},
	}))
	first := c.Record()

	// A duplicate summary with different counts must not change anything.
	require.False(t, c.OnEvent(&stream.Event{
		Kind:  stream.KindUsageSummary,
		Usage: &stream.Usage{InputTokens: 9999, OutputTokens: 9999},
	}))
	require.False(t, c.OnEvent(&stream.Event{Kind: stream.KindCompletion, FinishReason: "stop"}))

	rec := c.Record()
	assert.Equal(t, first.InputTokens, rec.InputTokens)
	assert.Equal(t, *first.CostUSD, *rec.CostUSD)
	assert.Equal(t, "stop", rec.FinishReason)
}

func TestCollectorMissingPricingStillFinalizes(t *testing.T) {
	c := NewCollector("req_1", "unknown-model", testTable())

	require.True(t, c.OnEvent(&stream.Event{
		Kind:  stream.KindUsageSummary,
		Usage: &stream.Usage{InputTokens: 10, OutputTokens: 10},
	}))
	rec := c.Record()
	assert.Equal(t, StatusFinalized, rec.Status)
	assert.Nil(t, rec.CostUSD)
}

func TestCollectorSkipsRecoverableError(t *testing.T) {
	c := NewCollector("req_1", "gpt-4o", testTable())

	require.False(t, c.OnEvent(&stream.Event{
		Kind: stream.KindError, ErrCode: "protocol_error", Recoverable: true,
	}))
	require.False(t, c.Finalized())

	// The trailing usage summary still finalizes the record.
	require.True(t, c.OnEvent(&stream.Event{
		Kind:  stream.KindUsageSummary,
		Usage: &stream.Usage{InputTokens: 100, OutputTokens: 50},
	}))
	rec := c.Record()
	assert.Equal(t, 100, rec.InputTokens)
	assert.Empty(t, rec.ErrorCode)
}

func TestCollectorFinalizesOnError(t *testing.T) {
	c := NewCollector("req_1", "gpt-4o", testTable())

	require.True(t, c.OnEvent(&stream.Event{Kind: stream.KindError, ErrCode: "rate_limit"}))
	rec := c.Record()
	assert.Equal(t, "rate_limit", rec.ErrorCode)
	assert.Nil(t, rec.CostUSD)
}
