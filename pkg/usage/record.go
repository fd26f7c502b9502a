// Package usage tracks per-key daily request quotas for the Checko API.
// Counters are kept in memory during a run and written through a Backend
// after every change that could influence key selection after a restart.
package usage

import (
	"encoding/json"
	"strings"
	"time"
)

// Quota defaults for the Checko API.
const (
	// DefaultDailyLimit is the number of successful calls allowed per key
	// before the key is treated as exhausted.
	DefaultDailyLimit = 99

	// DefaultResetWindow is how long an exhausted key rests before its daily
	// counter is zeroed. One hour longer than a day so the upstream window has
	// surely rolled over.
	DefaultResetWindow = 25 * time.Hour
)

// Limits bounds how a Store treats its counters.
type Limits struct {
	DailyLimit  int
	ResetWindow time.Duration
}

// DefaultLimits returns the Checko quota limits.
func DefaultLimits() Limits {
	return Limits{
		DailyLimit:  DefaultDailyLimit,
		ResetWindow: DefaultResetWindow,
	}
}

// Record is the usage state of a single access key.
type Record struct {
	// TotalRequests counts every successful call ever made with the key.
	TotalRequests int `json:"total_requests"`

	// TodayRequests counts successful calls since the last reset.
	TodayRequests int `json:"today_requests"`

	// LastUsed is the time of the last successful call.
	LastUsed *time.Time `json:"last_used"`

	// LastReset is when TodayRequests was last zeroed.
	LastReset *time.Time `json:"last_reset"`

	// NextReset is set once the key hits its limit. After it passes the key
	// becomes usable again.
	NextReset *time.Time `json:"next_reset"`

	// resetInvalid marks a persisted next_reset value that could not be parsed.
	resetInvalid bool
}

// IsExhausted reports whether the key reached the daily limit.
func (r *Record) IsExhausted(limit int) bool {
	return r.TodayRequests >= limit
}

// ResetDue reports whether the time based reset should be applied at now.
func (r *Record) ResetDue(now time.Time) bool {
	return r.NextReset != nil && !now.UTC().Before(*r.NextReset)
}

// TimeUntilReset returns the duration until NextReset.
// Returns 0 if no reset is scheduled or it has already passed.
func (r *Record) TimeUntilReset(now time.Time) time.Duration {
	if r.NextReset == nil {
		return 0
	}
	d := r.NextReset.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

type recordJSON struct {
	TotalRequests int     `json:"total_requests"`
	TodayRequests int     `json:"today_requests"`
	LastUsed      *string `json:"last_used"`
	LastReset     *string `json:"last_reset"`
	NextReset     *string `json:"next_reset"`
}

// MarshalJSON writes timestamps as ISO-8601 strings in UTC.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		TotalRequests: r.TotalRequests,
		TodayRequests: r.TodayRequests,
		LastUsed:      formatTimestamp(r.LastUsed),
		LastReset:     formatTimestamp(r.LastReset),
		NextReset:     formatTimestamp(r.NextReset),
	})
}

// UnmarshalJSON accepts ISO-8601 timestamps with or without a zone offset.
// Timestamps without a zone are read as UTC.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Record{
		TotalRequests: raw.TotalRequests,
		TodayRequests: max(raw.TodayRequests, 0),
	}
	r.LastUsed, _ = parseTimestamp(raw.LastUsed)
	r.LastReset, _ = parseTimestamp(raw.LastReset)
	var ok bool
	r.NextReset, ok = parseTimestamp(raw.NextReset)
	r.resetInvalid = !ok
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp returns nil, true for an absent value and nil, false for a
// value that matches none of the accepted layouts.
func parseTimestamp(s *string) (*time.Time, bool) {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil, true
	}
	for _, layout := range timestampLayouts {
		t, err := time.ParseInLocation(layout, strings.TrimSpace(*s), time.UTC)
		if err == nil {
			t = t.UTC()
			return &t, true
		}
	}
	return nil, false
}

func formatTimestamp(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}
