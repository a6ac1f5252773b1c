package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/neurodeploy/platform/internal/apperr"
	"github.com/neurodeploy/platform/internal/db/models"
	"github.com/neurodeploy/platform/internal/db/repositories"
	"github.com/neurodeploy/platform/internal/storage"
)

const (
	defaultLogLimit       = 10
	maxLogLimit           = 99
	defaultDownloadURLTTL = 60 * time.Second
)

// ListParams selects a page of a model's usage log
type ListParams struct {
	// Limit outside 1..99 falls back to 10
	Limit int
	// Order is "asc" (default) or "desc"
	Order string
	// StartFrom is a UsageTimestampLayout timestamp; empty starts at the
	// first (or last) record
	StartFrom string
	// Inclusive includes a record stamped exactly StartFrom
	Inclusive bool
	// NextToken continues a previous page and overrides the other fields
	NextToken string
}

// LogEntry is one usage record as returned to its owner
type LogEntry struct {
	Timestamp  string  `json:"timestamp"`
	StatusCode int     `json:"status_code"`
	Duration   int64   `json:"duration"`
	Input      *string `json:"input"`
	Output     *string `json:"output"`
	Error      *string `json:"error"`
	// Location is a short-lived download link of the full archive, only set
	// on single-record reads
	Location string `json:"location,omitempty"`
}

// LogPage is one page of a usage log
type LogPage struct {
	Logs      []LogEntry `json:"logs"`
	NextToken *string    `json:"next_token"`
}

// pageToken is the decoded form of LogPage.NextToken
type pageToken struct {
	After      string `json:"after"`
	Descending bool   `json:"desc"`
	Limit      int    `json:"limit"`
}

// UsageService reads the usage log and its archive
type UsageService struct {
	usage       UsageStore
	archive     storage.ObjectStore
	downloadTTL time.Duration
}

// NewUsageService creates a UsageService
func NewUsageService(usage UsageStore, archive storage.ObjectStore, downloadTTL time.Duration) *UsageService {
	if downloadTTL <= 0 {
		downloadTTL = defaultDownloadURLTTL
	}
	return &UsageService{usage: usage, archive: archive, downloadTTL: downloadTTL}
}

func entryOf(rec *models.UsageRecord) LogEntry {
	return LogEntry{
		Timestamp:  rec.Timestamp(),
		StatusCode: rec.StatusCode,
		Duration:   rec.DurationMS,
		Input:      rec.Input,
		Output:     rec.Output,
		Error:      rec.Error,
	}
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(models.UsageTimestampLayout, s)
	if err != nil {
		return time.Time{}, apperr.Validation(fmt.Sprintf("Invalid timestamp %q: expected format YYYY-MM-DDTHH:MM:SS.ffffff", s))
	}
	return t.UTC(), nil
}

// Get returns one record with a download link for its archived payloads
func (s *UsageService) Get(ctx context.Context, username, modelName, timestamp string) (*LogEntry, error) {
	invokedAt, err := parseTimestamp(timestamp)
	if err != nil {
		return nil, err
	}
	rec, err := s.usage.Get(ctx, username, modelName, invokedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to read usage record: %w", err)
	}
	if rec == nil {
		return nil, apperr.NotFound("No logs for the provided timestamp was found.")
	}

	link, err := s.archive.PresignGet(ctx, rec.Location, s.downloadTTL)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUpstreamUnavailable, "Something went wrong when retrieving the download link.")
	}
	entry := entryOf(rec)
	entry.Location = link
	return &entry, nil
}

// List returns a page of a model's usage log in timestamp order
func (s *UsageService) List(ctx context.Context, username, modelName string, p ListParams) (*LogPage, error) {
	q := repositories.UsageQuery{
		Limit:      p.Limit,
		Descending: strings.HasPrefix(strings.ToLower(p.Order), "desc"),
		Inclusive:  p.Inclusive,
	}

	if p.NextToken != "" {
		tok, err := decodePageToken(p.NextToken)
		if err != nil {
			return nil, err
		}
		from, err := parseTimestamp(tok.After)
		if err != nil {
			return nil, apperr.Validation("Invalid next-token.")
		}
		q.From = &from
		q.Inclusive = false
		q.Descending = tok.Descending
		q.Limit = tok.Limit
	} else if p.StartFrom != "" {
		from, err := parseTimestamp(p.StartFrom)
		if err != nil {
			return nil, err
		}
		q.From = &from
	}
	if q.Limit < 1 || q.Limit > maxLogLimit {
		q.Limit = defaultLogLimit
	}

	limit := q.Limit
	// one extra row tells whether another page exists
	q.Limit++
	recs, err := s.usage.List(ctx, username, modelName, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}

	page := &LogPage{Logs: make([]LogEntry, 0, limit)}
	for i, rec := range recs {
		if i == limit {
			break
		}
		page.Logs = append(page.Logs, entryOf(rec))
	}
	if len(recs) > limit {
		tok := encodePageToken(pageToken{
			After:      page.Logs[limit-1].Timestamp,
			Descending: q.Descending,
			Limit:      limit,
		})
		page.NextToken = &tok
	}
	return page, nil
}

func encodePageToken(t pageToken) string {
	b, _ := json.Marshal(t)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodePageToken(s string) (pageToken, error) {
	var t pageToken
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return t, apperr.Validation("Invalid next-token.")
	}
	if err := json.Unmarshal(b, &t); err != nil {
		return t, apperr.Validation("Invalid next-token.")
	}
	return t, nil
}
