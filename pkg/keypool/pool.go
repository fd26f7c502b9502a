// Package keypool selects which Checko access key to use next and removes
// keys the service rejected.
//
// Selection balances load: among keys below the daily limit the one with the
// fewest requests today wins, ties going to the key listed first. Pools are
// small (tens of keys), so each selection scans the whole list.
package keypool

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/Sternrassler/checko-fetcher/pkg/logging"
	"github.com/Sternrassler/checko-fetcher/pkg/usage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	activeKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "checko_active_keys",
		Help: "Number of access keys currently in the pool",
	})

	availableKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "checko_available_keys",
		Help: "Number of access keys below the daily limit at the last selection",
	})

	keysInvalidatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checko_keys_invalidated_total",
		Help: "Total number of access keys removed after the service rejected them",
	})
)

// KeyList persists removal of a key from the backing key list.
type KeyList interface {
	Remove(ctx context.Context, key string) (bool, error)
}

// Pool is the ordered set of valid access keys together with their usage.
// It is not safe for concurrent use.
type Pool struct {
	keys   []string
	store  *usage.Store
	list   KeyList
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock overrides the time source used for reset decisions.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		p.now = now
	}
}

// New creates a pool over keys, in the given order. Duplicate keys are
// dropped. Usage records of keys that are not in the pool are pruned from the
// store; the number pruned is returned.
func New(keys []string, store *usage.Store, list KeyList, logger zerolog.Logger, opts ...Option) (*Pool, int) {
	seen := make(map[string]struct{}, len(keys))
	ordered := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup || k == "" {
			continue
		}
		seen[k] = struct{}{}
		ordered = append(ordered, k)
	}

	p := &Pool{
		keys:   ordered,
		store:  store,
		list:   list,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}

	pruned := store.Prune(ordered)
	activeKeys.Set(float64(len(ordered)))
	return p, pruned
}

// Len returns the number of keys in the pool.
func (p *Pool) Len() int {
	return len(p.keys)
}

// Keys returns a copy of the pool keys in order.
func (p *Pool) Keys() []string {
	return slices.Clone(p.keys)
}

// Contains reports whether key is in the pool.
func (p *Pool) Contains(key string) bool {
	return slices.Contains(p.keys, key)
}

// Store returns the usage store backing the pool.
func (p *Pool) Store() *usage.Store {
	return p.store
}

// Select returns the key to use next. Due time based resets are applied to
// every key first. ok is false when every key is at its daily limit.
func (p *Pool) Select() (key string, ok bool) {
	now := p.now()
	limit := p.store.Limits().DailyLimit

	best := -1
	bestToday := 0
	available := 0
	for i, k := range p.keys {
		p.store.ApplyTimeBasedReset(k, now)
		today := p.store.TodayRequests(k)
		if today >= limit {
			continue
		}
		available++
		if best == -1 || today < bestToday {
			best, bestToday = i, today
		}
	}
	availableKeys.Set(float64(available))

	if best == -1 {
		p.logger.Warn().Int("keys", len(p.keys)).Msg("All access keys reached the daily limit")
		return "", false
	}

	key = p.keys[best]
	p.logger.Debug().
		Str("key", logging.MaskKey(key)).
		Int("today_requests", bestToday).
		Int("available", available).
		Msg("Selected access key")
	return key, true
}

// ForceExhausted marks key as spent for today so selection skips it. Keys not
// in the pool are ignored.
func (p *Pool) ForceExhausted(key string) {
	if !p.Contains(key) {
		return
	}
	p.store.ForceExhausted(key)
	p.logger.Debug().Str("key", logging.MaskKey(key)).Msg("Key forced to daily limit")
}

// Invalidate removes key from the pool and the usage store and asks the key
// list to drop it. Invalidating a key that is not in the pool does nothing.
// The in-memory removal happens even if the key list cannot be rewritten.
func (p *Pool) Invalidate(ctx context.Context, key string) error {
	idx := slices.Index(p.keys, key)
	if idx < 0 {
		return nil
	}

	p.logger.Warn().Str("key", logging.MaskKey(key)).Msg("Removing invalid access key")

	p.keys = slices.Delete(p.keys, idx, idx+1)
	p.store.Remove(key)
	activeKeys.Set(float64(len(p.keys)))
	keysInvalidatedTotal.Inc()

	removed, err := p.list.Remove(ctx, key)
	if err != nil {
		p.logger.Error().Err(err).Str("key", logging.MaskKey(key)).Msg("Failed to remove key from key list")
		return fmt.Errorf("remove key from list: %w", err)
	}
	if removed {
		p.logger.Info().Str("key", logging.MaskKey(key)).Msg("Access key removed from key list")
	}
	return nil
}
