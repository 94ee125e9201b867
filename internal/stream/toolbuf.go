package stream

import (
	"log/slog"
	"strings"
)

// MaxToolArgBufSize is the upper bound (in bytes) for buffered function-call
// argument deltas per tool call.
const MaxToolArgBufSize = 1 << 20 // 1 MB

// ToolBuffer accumulates function-call argument fragments across upstream
// events and tracks item-to-call ID aliasing plus stable call indexes.
type ToolBuffer struct {
	args    map[string]string // resolved full argument strings per ID
	argBuf  map[string]string // accumulated deltas per ID
	itemMap map[string]string // item_id -> call_id
	index   map[string]int    // ID -> call index in arrival order
	next    int
}

// NewToolBuffer creates an empty ToolBuffer.
func NewToolBuffer() *ToolBuffer {
	return &ToolBuffer{
		args:    map[string]string{},
		argBuf:  map[string]string{},
		itemMap: map[string]string{},
		index:   map[string]int{},
	}
}

// Track registers a function-call item and returns its stable index.
// The first registration of an ID assigns the next index in arrival order.
func (tb *ToolBuffer) Track(itemID, callID string) int {
	itemID = strings.TrimSpace(itemID)
	callID = strings.TrimSpace(callID)
	if itemID != "" && callID != "" && itemID != callID {
		tb.itemMap[itemID] = callID
	}
	for _, id := range []string{itemID, callID} {
		if id == "" {
			continue
		}
		if idx, ok := tb.index[id]; ok {
			return idx
		}
	}
	idx := tb.next
	tb.next++
	if itemID != "" {
		tb.index[itemID] = idx
	}
	if callID != "" {
		tb.index[callID] = idx
	}
	return idx
}

// IndexOf returns the index previously assigned to an ID, registering the ID
// if it has not been seen.
func (tb *ToolBuffer) IndexOf(id string) int {
	id = strings.TrimSpace(id)
	if idx, ok := tb.index[id]; ok {
		return idx
	}
	if mapped := tb.itemMap[id]; mapped != "" {
		if idx, ok := tb.index[mapped]; ok {
			tb.index[id] = idx
			return idx
		}
	}
	return tb.Track(id, "")
}

// AppendDelta accumulates an argument fragment for the given item ID.
func (tb *ToolBuffer) AppendDelta(itemID, delta string) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" || delta == "" {
		return
	}
	if len(tb.argBuf[itemID])+len(delta) > MaxToolArgBufSize {
		slog.Warn("tool argument buffer limit exceeded, dropping delta",
			"item_id", itemID, "buf_len", len(tb.argBuf[itemID]), "delta_len", len(delta))
		return
	}
	tb.argBuf[itemID] += delta
}

// SetFinal records the complete argument string for an ID once the upstream
// reports it done.
func (tb *ToolBuffer) SetFinal(itemID, args string) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" || strings.TrimSpace(args) == "" {
		return
	}
	tb.args[itemID] = args
	if callID := tb.itemMap[itemID]; callID != "" {
		tb.args[callID] = args
	}
}

// Resolve returns the best-known full arguments for an item: the upstream's
// final string when reported, otherwise the accumulated deltas, otherwise "{}".
func (tb *ToolBuffer) Resolve(itemID, callID string) string {
	keys := []string{strings.TrimSpace(itemID), strings.TrimSpace(callID)}
	if mapped := tb.itemMap[strings.TrimSpace(itemID)]; mapped != "" {
		keys = append(keys, mapped)
	}
	for _, k := range keys {
		if k == "" {
			continue
		}
		if a, ok := tb.args[k]; ok && strings.TrimSpace(a) != "" {
			return a
		}
	}
	for _, k := range keys {
		if k == "" {
			continue
		}
		if buf := strings.TrimSpace(tb.argBuf[k]); buf != "" {
			return buf
		}
	}
	return "{}"
}

// CallID resolves the call ID for an item, falling back to the item ID itself.
func (tb *ToolBuffer) CallID(itemID string) string {
	itemID = strings.TrimSpace(itemID)
	if mapped := tb.itemMap[itemID]; mapped != "" {
		return mapped
	}
	return itemID
}
