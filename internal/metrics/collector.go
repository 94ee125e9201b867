package metrics

import (
	"time"

	"github.com/izzoa/ccproxy/internal/stream"
)

// Status tracks the lifecycle of a request record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFinalized Status = "finalized"
)

// Record is the per-request usage and cost summary.
type Record struct {
	RequestID    string
	Model        string
	InputTokens  int
	OutputTokens int
	CachedTokens int
	CostUSD      *float64
	FinishReason string
	ErrorCode    string
	Status       Status
	StartedAt    time.Time
	FinalizedAt  time.Time
}

// Collector observes the event sequence of one request and finalizes its
// Record exactly once. Not safe for concurrent use; each request owns one
// Collector on its single consumer loop.
type Collector struct {
	record  Record
	pricing *PricingTable
}

// NewCollector starts a pending record for the given request.
func NewCollector(requestID, model string, pricing *PricingTable) *Collector {
	return &Collector{
		record: Record{
			RequestID: requestID,
			Model:     model,
			Status:    StatusPending,
			StartedAt: time.Now(),
		},
		pricing: pricing,
	}
}

// OnEvent feeds one upstream event to the collector. It returns true exactly
// once, on the event that finalizes the record. The first finalizing event
// wins: later usage summaries never overwrite the computed cost.
func (c *Collector) OnEvent(evt *stream.Event) bool {
	switch evt.Kind {
	case stream.KindUsageSummary:
		if c.record.Status == StatusFinalized {
			return false
		}
		c.record.InputTokens = evt.Usage.InputTokens
		c.record.OutputTokens = evt.Usage.OutputTokens
		c.record.CachedTokens = evt.Usage.CachedTokens
		c.finalize()
		return true

	case stream.KindCompletion:
		if c.record.Status == StatusFinalized {
			if c.record.FinishReason == "" {
				c.record.FinishReason = evt.FinishReason
			}
			return false
		}
		c.record.FinishReason = evt.FinishReason
		c.finalize()
		return true

	case stream.KindError:
		// A recoverable error is one skipped frame, not the end of the
		// request; the real terminal event is still coming.
		if evt.Recoverable || c.record.Status == StatusFinalized {
			return false
		}
		c.record.ErrorCode = evt.ErrCode
		c.finalize()
		return true
	}
	return false
}

// finalize stamps the record and computes cost once. Missing pricing leaves
// CostUSD nil but the record still finalizes.
func (c *Collector) finalize() {
	c.record.Status = StatusFinalized
	c.record.FinalizedAt = time.Now()
	if c.record.InputTokens == 0 && c.record.OutputTokens == 0 {
		return
	}
	if p, ok := c.pricing.Lookup(c.record.Model); ok {
		cost := p.Cost(c.record.InputTokens, c.record.OutputTokens, c.record.CachedTokens)
		c.record.CostUSD = &cost
	}
}

// Record returns a copy of the current record.
func (c *Collector) Record() Record {
	return c.record
}

// Finalized reports whether the record has been finalized.
func (c *Collector) Finalized() bool {
	return c.record.Status == StatusFinalized
}
