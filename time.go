package cvehub

import "time"

// Now returns the current instant in UTC, truncated to millisecond
// precision so round-trips through JSON and the document store compare
// equal.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// ISO8601 renders a time in the wire format: ISO-8601 with a Z suffix.
// Storage and wire are always UTC; localization happens at display only.
func ISO8601(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
