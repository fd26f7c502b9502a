package batch

import (
	"context"
	"time"
)

// Plan describes what a run over a list would do, without doing it.
type Plan struct {
	Total   int
	Done    int
	Pending int

	Keys          int
	AvailableKeys int

	// NextReset is the earliest scheduled reset among exhausted keys, zero
	// when none is scheduled. ResetIn is the wait until then.
	NextReset time.Time
	ResetIn   time.Duration
}

// Plan checks which entities still need fetching and how many keys are usable
// right now. It makes no calls to the service and does not change usage.
func (r *Runner) Plan(ctx context.Context, entities []string) (Plan, error) {
	if len(entities) == 0 {
		return Plan{}, ErrNoEntities
	}

	plan := Plan{Total: len(entities), Keys: r.pool.Len()}
	for _, id := range entities {
		if err := ctx.Err(); err != nil {
			return plan, err
		}
		exists, err := r.artifacts.Exists(ctx, id)
		if err != nil {
			return plan, err
		}
		if exists {
			plan.Done++
		}
	}
	plan.Pending = plan.Total - plan.Done

	now := r.config.Now().UTC()
	store := r.pool.Store()
	limit := store.Limits().DailyLimit
	for _, key := range r.pool.Keys() {
		rec, ok := store.Snapshot(key)
		if !ok || !rec.IsExhausted(limit) || rec.ResetDue(now) {
			plan.AvailableKeys++
			continue
		}
		if rec.NextReset != nil && (plan.NextReset.IsZero() || rec.NextReset.Before(plan.NextReset)) {
			plan.NextReset = *rec.NextReset
			plan.ResetIn = rec.TimeUntilReset(now)
		}
	}

	r.logger.Info().
		Int("total", plan.Total).
		Int("done", plan.Done).
		Int("pending", plan.Pending).
		Int("keys", plan.Keys).
		Int("available_keys", plan.AvailableKeys).
		Time("next_reset", plan.NextReset).
		Dur("reset_in", plan.ResetIn).
		Msg("Dry run plan")
	return plan, nil
}
