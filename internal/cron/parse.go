package cron

import (
	"strconv"
	"strings"
	"time"
)

// datetimeLayouts are the accepted absolute-time string formats, tried in
// order. Layouts without a zone are interpreted as UTC.
var datetimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseAbsoluteTimeMs parses an absolute instant from either an
// epoch-millisecond numeric string or a datetime string.
func parseAbsoluteTimeMs(raw string) (int64, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, false
	}

	if ms, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return ms, true
	}

	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t.UnixMilli(), true
		}
	}

	return 0, false
}

// formatInstantMs renders an epoch-millisecond instant as the canonical
// ISO-8601 UTC string used on the wire.
func formatInstantMs(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z")
}
