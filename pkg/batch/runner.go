package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/checko-fetcher/pkg/client"
	"github.com/Sternrassler/checko-fetcher/pkg/keypool"
	"github.com/Sternrassler/checko-fetcher/pkg/logging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrNoEntities is returned when the entity list is empty.
	ErrNoEntities = errors.New("no entities to process")

	// ErrNoKeys is returned when the key pool is empty at start.
	ErrNoKeys = errors.New("no access keys available")
)

// DefaultPacingDelay is the pause between two entities.
const DefaultPacingDelay = time.Second

// ArtifactStore is the part of the artifact store the runner needs.
type ArtifactStore interface {
	Exists(ctx context.Context, id string) (bool, error)
	Put(ctx context.Context, id string, payload []byte) error
}

// Config holds runner configuration.
type Config struct {
	// PacingDelay is waited after every entity that needed a network call.
	PacingDelay time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Sleep waits d or until ctx is done. Defaults to a timer based wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{PacingDelay: DefaultPacingDelay}
}

// Summary reports the outcome of a run.
type Summary struct {
	RunID string

	// Total is the number of entities in the input list.
	Total int

	// Succeeded includes entities skipped because their artifact existed.
	Succeeded int
	Skipped   int
	Failed    int

	// Pending entities were not reached and will be picked up by a later run.
	Pending int

	// Switches counts rotations, including a final one that found no key.
	Switches    int
	KeysRemoved int

	// Exhausted is set when no key was below its daily limit at the end of
	// the run. Entities left pending then have to wait for a reset.
	Exhausted bool

	Duration time.Duration
}

// MarshalZerologObject writes the summary as log fields.
func (s Summary) MarshalZerologObject(e *zerolog.Event) {
	e.Int("total", s.Total).
		Int("succeeded", s.Succeeded).
		Int("skipped", s.Skipped).
		Int("failed", s.Failed).
		Int("pending", s.Pending).
		Int("key_switches", s.Switches).
		Int("keys_removed", s.KeysRemoved).
		Bool("exhausted", s.Exhausted).
		Dur("duration", s.Duration)
}

type entityResult int

const (
	resultSucceeded entityResult = iota
	resultFailed
	resultPending
)

func (r entityResult) String() string {
	switch r {
	case resultSucceeded:
		return "succeeded"
	case resultFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Runner drives the per-entity state machine. It is not safe for concurrent
// use; a Runner owns its pool for the duration of Run.
type Runner struct {
	pool      *keypool.Pool
	fetcher   client.Fetcher
	artifacts ArtifactStore
	config    Config
	logger    zerolog.Logger

	// current is the key used for the next attempt; empty means every key
	// is exhausted.
	current string
}

// New creates a runner.
func New(pool *keypool.Pool, fetcher client.Fetcher, artifacts ArtifactStore, cfg Config, logger zerolog.Logger) (*Runner, error) {
	if pool == nil {
		return nil, fmt.Errorf("key pool is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if artifacts == nil {
		return nil, fmt.Errorf("artifact store is required")
	}
	if cfg.PacingDelay < 0 {
		return nil, fmt.Errorf("pacing delay must be >= 0 (got %s)", cfg.PacingDelay)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}

	return &Runner{
		pool:      pool,
		fetcher:   fetcher,
		artifacts: artifacts,
		config:    cfg,
		logger:    logger.With().Str("component", "batch").Logger(),
	}, nil
}

// Run processes entities in order. It returns a nil error both when the list
// was worked through and when the run stopped early because every key is
// exhausted. A cancelled ctx stops the run between attempts; the partial
// summary is returned together with ctx.Err().
func (r *Runner) Run(ctx context.Context, entities []string) (Summary, error) {
	start := time.Now()
	summary := Summary{RunID: uuid.NewString(), Total: len(entities)}
	logger := r.logger.With().Str("run_id", summary.RunID).Logger()

	if len(entities) == 0 {
		logging.Critical(&logger).Msg("Entity list is empty")
		return summary, ErrNoEntities
	}
	if r.pool.Len() == 0 {
		logging.Critical(&logger).Msg("No access keys configured")
		return summary, ErrNoKeys
	}

	logger.Info().
		Int("entities", len(entities)).
		Int("keys", r.pool.Len()).
		Dur("pacing_delay", r.config.PacingDelay).
		Msg("Starting batch run")

	r.current, _ = r.pool.Select()

	var runErr error
	for i, id := range entities {
		if err := ctx.Err(); err != nil {
			logger.Warn().Err(err).Int("processed", i).Msg("Batch run cancelled")
			runErr = err
			break
		}

		if r.current == "" {
			logging.Critical(&logger).
				Int("processed", i).
				Int("remaining", len(entities)-i).
				Msg("All access keys exhausted, stopping run")
			break
		}

		entityLogger := logger.With().Str("ogrn", id).Int("index", i+1).Int("total", len(entities)).Logger()

		exists, err := r.artifacts.Exists(ctx, id)
		if err != nil {
			entityLogger.Error().Err(err).Msg("Artifact lookup failed, fetching anyway")
		}
		if exists {
			summary.Succeeded++
			summary.Skipped++
			entitiesTotal.WithLabelValues("skipped").Inc()
			entityLogger.Debug().Msg("Artifact exists, skipping")
			continue
		}

		entityLogger.Info().Msg("Processing entity")
		result := r.processEntity(ctx, id, &summary, entityLogger)

		switch result {
		case resultSucceeded:
			summary.Succeeded++
		case resultFailed:
			summary.Failed++
		}
		if result != resultPending {
			entitiesTotal.WithLabelValues(result.String()).Inc()
		}

		if result == resultPending || r.current == "" {
			continue
		}
		// A cancelled wait is picked up at the top of the loop.
		_ = r.config.Sleep(ctx, r.config.PacingDelay)
	}

	summary.Pending = summary.Total - summary.Succeeded - summary.Failed
	summary.Exhausted = r.current == ""
	summary.Duration = time.Since(start)
	runDuration.Observe(summary.Duration.Seconds())
	if summary.Pending > 0 {
		entitiesTotal.WithLabelValues("pending").Add(float64(summary.Pending))
	}

	logger.Info().EmbedObject(summary).Msg("Batch run finished")
	return summary, runErr
}

// processEntity makes up to maxAttempts calls for id. Attempts are capped by
// the pool size when the entity starts.
func (r *Runner) processEntity(ctx context.Context, id string, summary *Summary, logger zerolog.Logger) entityResult {
	maxAttempts := max(r.pool.Len(), 1)
	store := r.pool.Store()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return resultPending
		}

		key := r.current
		attemptLogger := logger.With().Str("key", logging.MaskKey(key)).Int("attempt", attempt).Logger()

		outcome := r.fetcher.Fetch(ctx, id, key)
		now := r.config.Now()

		switch {
		case outcome.Kind == client.KindSuccess:
			store.RecordSuccess(key, outcome.ReportedTodayCount, now)
			r.saveUsage(ctx)

			result := resultSucceeded
			if err := r.artifacts.Put(ctx, id, outcome.Payload); err != nil {
				attemptLogger.Error().Err(err).Msg("Failed to store artifact")
				result = resultFailed
			} else {
				attemptLogger.Info().
					Int("today_requests", store.TodayRequests(key)).
					Msg("Entity fetched")
			}

			reportedAtLimit := outcome.ReportedTodayCount != nil && *outcome.ReportedTodayCount >= store.Limits().DailyLimit
			if reportedAtLimit || store.IsExhausted(key) {
				attemptLogger.Warn().Msg("Key reached daily limit, rotating")
				r.rotate(summary, attemptLogger)
			}
			return result

		case outcome.Kind.Rotates():
			invalid := outcome.Kind == client.KindKeyInvalid
			if invalid {
				attemptLogger.Error().Err(outcome.Err).Msg("Key rejected by service, removing")
				r.pool.ForceExhausted(key)
				if err := r.pool.Invalidate(ctx, key); err != nil {
					attemptLogger.Error().Err(err).Msg("Key removed from pool but key list was not updated")
				}
				summary.KeysRemoved++
			} else {
				attemptLogger.Warn().Str("message", outcome.Message).Msg("Quota exceeded, rotating key")
				store.RecordQuotaExceeded(key, now)
			}
			r.saveUsage(ctx)

			if !r.rotate(summary, attemptLogger) {
				// A rejected key fails the entity; a spent quota leaves it for
				// the next run.
				if invalid {
					return resultFailed
				}
				return resultPending
			}

		case outcome.Kind.Retryable():
			r.saveUsage(ctx)
			if ctx.Err() != nil {
				return resultPending
			}
			if attempt < maxAttempts {
				attemptLogger.Warn().
					Err(outcome.Err).
					Str("outcome", string(outcome.Kind)).
					Msg("Attempt failed, retrying with same key")
				continue
			}
			attemptLogger.Error().
				Err(outcome.Err).
				Str("outcome", string(outcome.Kind)).
				Msg("Entity failed, attempts exhausted")
			return resultFailed

		default:
			attemptLogger.Error().
				Err(outcome.Err).
				Str("outcome", string(outcome.Kind)).
				Msg("Unknown fetch outcome")
			return resultFailed
		}
	}

	logger.Error().Int("attempts", maxAttempts).Msg("Entity failed, attempts exhausted")
	return resultFailed
}

// rotate selects a new current key. It reports false, and clears the current
// key, when none is left below the daily limit. Every rotation counts as a
// switch, including one that finds no key.
func (r *Runner) rotate(summary *Summary, logger zerolog.Logger) bool {
	summary.Switches++
	keySwitchesTotal.Inc()

	next, ok := r.pool.Select()
	if !ok {
		r.current = ""
		return false
	}

	r.current = next
	logger.Info().Str("next_key", logging.MaskKey(next)).Msg("Switched access key")
	return true
}

// saveUsage persists usage. Cancellation of ctx does not prevent the save.
func (r *Runner) saveUsage(ctx context.Context) {
	// Store.Save logs failures; the run continues on in-memory state.
	_ = r.pool.Store().Save(context.WithoutCancel(ctx))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
