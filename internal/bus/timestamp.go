package bus

import (
	"strconv"
	"time"
)

// TimestampLayout is the single sortable timestamp representation used
// throughout the pipeline. Fixed-width UTC with millisecond precision,
// so lexicographic comparison equals chronological comparison.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// ZeroTimestamp is the cursor value for an empty store.
const ZeroTimestamp = ""

// acceptedLayouts are the upstream formats sources are known to emit.
// Everything is converted to TimestampLayout at the source boundary.
var acceptedLayouts = []string{
	TimestampLayout,
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
}

// FormatTimestamp renders t in the canonical sortable layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// NormalizeTimestamp converts a source-specific timestamp string to the
// canonical layout. Bare integers are treated as unix seconds (or unix
// milliseconds when they are too large for seconds). Unparseable input
// is returned unchanged so a malformed row degrades to a stable, still
// comparable value instead of vanishing.
func NormalizeTimestamp(s string) string {
	if s == "" {
		return ZeroTimestamp
	}
	for _, layout := range acceptedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return FormatTimestamp(t)
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 { // past the year 33658 as seconds; must be millis
			return FormatTimestamp(time.UnixMilli(n))
		}
		return FormatTimestamp(time.Unix(n, 0))
	}
	return s
}

// NextTimestamp returns the smallest representable timestamp strictly
// greater than ts. Used to advance the high-water mark past a message
// that was deduplicated so polling does not stall on the boundary.
func NextTimestamp(ts string) string {
	t, err := time.Parse(TimestampLayout, ts)
	if err != nil {
		return ts
	}
	return FormatTimestamp(t.Add(time.Millisecond))
}

// MaxTimestamp returns the later of two canonical timestamps.
// Lexicographic comparison is safe because the layout is fixed-width.
func MaxTimestamp(a, b string) string {
	if a > b {
		return a
	}
	return b
}
