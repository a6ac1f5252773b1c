package models

import "time"

// UsageTimestampLayout is the textual form of UsageRecord.InvokedAt used in
// URLs, archive paths and pagination tokens
const UsageTimestampLayout = "2006-01-02T15:04:05.000000"

// UsageRecord is one execution proxy invocation. Rows are append-only.
type UsageRecord struct {
	Username   string
	ModelName  string
	InvokedAt  time.Time // Unique per (username, model), microsecond precision
	StatusCode int
	DurationMS int64
	// Location is the archive key holding the full input, output and error
	Location string
	// Input, Output and Error are capped in size; oversized values hold a
	// tombstone and only the archive has the full text
	Input  *string
	Output *string
	Error  *string
}

// Timestamp returns InvokedAt formatted with UsageTimestampLayout in UTC
func (u *UsageRecord) Timestamp() string {
	return u.InvokedAt.UTC().Format(UsageTimestampLayout)
}
