package usage

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/Sternrassler/checko-fetcher/pkg/logging"
	"github.com/rs/zerolog"
)

// ErrNoState is returned by a Backend when nothing has been persisted yet.
var ErrNoState = errors.New("no persisted usage state")

// Backend persists the full usage mapping as one document.
type Backend interface {
	// Load returns the persisted mapping, or ErrNoState if there is none.
	Load(ctx context.Context) (map[string]*Record, error)

	// Save replaces the persisted mapping. A later Load must observe the
	// mapping of the last Save that returned nil.
	Save(ctx context.Context, records map[string]*Record) error
}

// Store is the in-memory source of truth for key quotas during a run.
// It is not safe for concurrent use; the batch runner is sequential.
type Store struct {
	records map[string]*Record
	limits  Limits
	backend Backend
	logger  zerolog.Logger
}

// Load reads the persisted usage state. Missing, unreadable or corrupt state
// yields an empty store; the failure is logged and never returned.
func Load(ctx context.Context, backend Backend, limits Limits, logger zerolog.Logger) *Store {
	s := &Store{
		records: make(map[string]*Record),
		limits:  limits,
		backend: backend,
		logger:  logger,
	}

	records, err := backend.Load(ctx)
	switch {
	case errors.Is(err, ErrNoState):
		logger.Info().Msg("No persisted usage state, starting empty")
		return s
	case err != nil:
		usageLoadErrorsTotal.Inc()
		logger.Error().Err(err).Msg("Failed to load usage state, starting empty")
		return s
	}

	for key, rec := range records {
		if rec != nil {
			s.records[key] = rec
		}
	}
	logger.Debug().Int("keys", len(s.records)).Msg("Usage state loaded")
	return s
}

// Save persists the whole mapping. Errors are logged and returned; the
// in-memory state stays authoritative either way.
func (s *Store) Save(ctx context.Context) error {
	if err := s.backend.Save(ctx, s.clone()); err != nil {
		usageSavesTotal.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Msg("Failed to save usage state")
		return fmt.Errorf("save usage: %w", err)
	}
	usageSavesTotal.WithLabelValues("ok").Inc()
	return nil
}

// Limits returns the quota limits the store enforces.
func (s *Store) Limits() Limits {
	return s.limits
}

// Prune removes every record whose key is not in active and returns how many
// were removed. Pruning twice with the same keys removes nothing the second time.
func (s *Store) Prune(active []string) int {
	keep := make(map[string]struct{}, len(active))
	for _, k := range active {
		keep[k] = struct{}{}
	}

	var removed []string
	for key := range s.records {
		if _, ok := keep[key]; !ok {
			removed = append(removed, logging.MaskKey(key))
			delete(s.records, key)
		}
	}
	if len(removed) > 0 {
		slices.Sort(removed)
		s.logger.Info().
			Int("removed", len(removed)).
			Strs("keys", removed).
			Msg("Pruned usage records of keys no longer in the key list")
	}
	return len(removed)
}

// Remove deletes the record for key. Reports whether a record existed.
func (s *Store) Remove(key string) bool {
	if _, ok := s.records[key]; !ok {
		return false
	}
	delete(s.records, key)
	keyTodayRequests.DeleteLabelValues(logging.MaskKey(key))
	return true
}

// Snapshot returns a copy of the record for key.
func (s *Store) Snapshot(key string) (Record, bool) {
	rec, ok := s.records[key]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Keys returns the keys that have a record, sorted.
func (s *Store) Keys() []string {
	return slices.Sorted(maps.Keys(s.records))
}

// Len returns the number of records.
func (s *Store) Len() int {
	return len(s.records)
}

// TodayRequests returns the current daily count for key, creating the record
// if needed.
func (s *Store) TodayRequests(key string) int {
	return s.record(key).TodayRequests
}

// IsExhausted reports whether key reached the daily limit.
func (s *Store) IsExhausted(key string) bool {
	return s.record(key).IsExhausted(s.limits.DailyLimit)
}

// RecordSuccess accounts one successful call made with key.
//
// When the service reported its own daily count, that count replaces the
// local one. A reported count below the local one means the service reset
// the key on its side; LastReset is updated to reflect that.
func (s *Store) RecordSuccess(key string, reported *int, now time.Time) {
	now = now.UTC()
	rec := s.record(key)
	rec.TotalRequests++

	if reported == nil {
		rec.TodayRequests++
	} else {
		count := max(*reported, 0)
		if rec.TodayRequests > count {
			s.logger.Info().
				Str("key", logging.MaskKey(key)).
				Int("local", rec.TodayRequests).
				Int("reported", count).
				Msg("Upstream reset of daily counter detected")
			rec.LastReset = &now
			rec.NextReset = nil
		}
		rec.TodayRequests = count
	}
	rec.LastUsed = &now

	if rec.IsExhausted(s.limits.DailyLimit) {
		s.scheduleReset(key, rec, now)
	}
	keyTodayRequests.WithLabelValues(logging.MaskKey(key)).Set(float64(rec.TodayRequests))
}

// RecordQuotaExceeded marks key as exhausted after the service refused a call
// because of its limit. TotalRequests is left untouched.
func (s *Store) RecordQuotaExceeded(key string, now time.Time) {
	now = now.UTC()
	rec := s.record(key)
	rec.TodayRequests = s.limits.DailyLimit
	s.scheduleReset(key, rec, now)
	keyTodayRequests.WithLabelValues(logging.MaskKey(key)).Set(float64(rec.TodayRequests))
}

// ForceExhausted sets the daily count of key to the limit without scheduling
// a reset. It is meant for keys about to be dropped.
func (s *Store) ForceExhausted(key string) {
	rec := s.record(key)
	rec.TodayRequests = s.limits.DailyLimit
	keyTodayRequests.WithLabelValues(logging.MaskKey(key)).Set(float64(rec.TodayRequests))
}

// ApplyTimeBasedReset zeroes the daily counter of key once its NextReset has
// passed. Reports whether a reset happened.
func (s *Store) ApplyTimeBasedReset(key string, now time.Time) bool {
	now = now.UTC()
	rec := s.record(key)

	if rec.resetInvalid {
		s.logger.Warn().
			Str("key", logging.MaskKey(key)).
			Msg("Unparseable next_reset timestamp, resetting counter")
		rec.TodayRequests = 0
		rec.NextReset = nil
		rec.resetInvalid = false
		usageResetsTotal.WithLabelValues("invalid_timestamp").Inc()
		return true
	}

	if rec.NextReset == nil {
		// Older state files could hold an exhausted key without a reset time;
		// without one the key would never come back.
		if rec.IsExhausted(s.limits.DailyLimit) {
			s.scheduleReset(key, rec, now)
		}
		return false
	}

	if !rec.ResetDue(now) {
		return false
	}

	s.logger.Info().
		Str("key", logging.MaskKey(key)).
		Int("today_requests", rec.TodayRequests).
		Msg("Daily counter reset by timer")
	rec.TodayRequests = 0
	rec.NextReset = nil
	rec.LastReset = &now
	usageResetsTotal.WithLabelValues("timer").Inc()
	keyTodayRequests.WithLabelValues(logging.MaskKey(key)).Set(0)
	return true
}

func (s *Store) scheduleReset(key string, rec *Record, now time.Time) {
	next := now.Add(s.limits.ResetWindow)
	rec.NextReset = &next
	s.logger.Warn().
		Str("key", logging.MaskKey(key)).
		Int("today_requests", rec.TodayRequests).
		Time("next_reset", next).
		Msg("Daily limit reached for key")
}

// record returns the record for key, creating a zero record on first use.
func (s *Store) record(key string) *Record {
	rec, ok := s.records[key]
	if !ok {
		rec = &Record{}
		s.records[key] = rec
	}
	return rec
}

func (s *Store) clone() map[string]*Record {
	out := make(map[string]*Record, len(s.records))
	for k, v := range s.records {
		rec := *v
		out[k] = &rec
	}
	return out
}
