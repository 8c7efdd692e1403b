package stream

import "github.com/Bliod-Cook/drome/internal/types"

// UsageTracker keeps the last usage totals a vendor reported during one
// generation turn. Later reports replace earlier ones field by field; counts
// are never summed.
type UsageTracker struct {
	usage   types.Usage
	seen    bool
	flushed bool
}

// Observe records a usage report. Zero fields leave the previous value.
func (u *UsageTracker) Observe(input, output, total int64) {
	u.seen = true
	if input > 0 {
		u.usage.InputTokens = input
	}
	if output > 0 {
		u.usage.OutputTokens = output
	}
	if total > 0 {
		u.usage.TotalTokens = total
	}
}

// Flush returns the single Usage event for the turn, once.
func (u *UsageTracker) Flush() (types.Event, bool) {
	if !u.seen || u.flushed {
		return types.Event{}, false
	}
	u.flushed = true
	return types.UsageEvent(u.usage), true
}
