package batch

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/Sternrassler/checko-fetcher/pkg/client"
	"github.com/Sternrassler/checko-fetcher/pkg/keypool"
	"github.com/Sternrassler/checko-fetcher/pkg/usage"
	"github.com/rs/zerolog"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type call struct {
	id  string
	key string
}

// fakeFetcher answers every call with respond and records it.
type fakeFetcher struct {
	respond func(id, key string, n int) client.Outcome
	calls   []call
}

func (f *fakeFetcher) Fetch(_ context.Context, id, key string) client.Outcome {
	f.calls = append(f.calls, call{id: id, key: key})
	return f.respond(id, key, len(f.calls))
}

type memArtifacts struct {
	stored map[string][]byte
	putErr error
}

func newMemArtifacts(existing ...string) *memArtifacts {
	m := &memArtifacts{stored: make(map[string][]byte)}
	for _, id := range existing {
		m.stored[id] = []byte(`{}`)
	}
	return m
}

func (m *memArtifacts) Exists(_ context.Context, id string) (bool, error) {
	_, ok := m.stored[id]
	return ok, nil
}

func (m *memArtifacts) Put(_ context.Context, id string, payload []byte) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.stored[id] = payload
	return nil
}

type memBackend struct {
	records map[string]*usage.Record
	saves   int
}

func (b *memBackend) Load(_ context.Context) (map[string]*usage.Record, error) {
	if b.records == nil {
		return nil, usage.ErrNoState
	}
	return b.records, nil
}

func (b *memBackend) Save(_ context.Context, records map[string]*usage.Record) error {
	b.saves++
	b.records = records
	return nil
}

type memKeyList struct {
	removed []string
}

func (l *memKeyList) Remove(_ context.Context, key string) (bool, error) {
	l.removed = append(l.removed, key)
	return true, nil
}

type harness struct {
	runner    *Runner
	fetcher   *fakeFetcher
	artifacts *memArtifacts
	backend   *memBackend
	keyList   *memKeyList
	pool      *keypool.Pool
	sleeps    []time.Duration
}

func newHarness(t *testing.T, keys []string, records map[string]*usage.Record, respond func(id, key string, n int) client.Outcome, existing ...string) *harness {
	t.Helper()

	h := &harness{
		fetcher:   &fakeFetcher{respond: respond},
		artifacts: newMemArtifacts(existing...),
		backend:   &memBackend{records: records},
		keyList:   &memKeyList{},
	}

	clock := func() time.Time { return testNow }
	store := usage.Load(context.Background(), h.backend, usage.DefaultLimits(), zerolog.Nop())
	h.pool, _ = keypool.New(keys, store, h.keyList, zerolog.Nop(), keypool.WithClock(clock))

	cfg := Config{
		PacingDelay: time.Second,
		Now:         clock,
		Sleep: func(_ context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return nil
		},
	}

	runner, err := New(h.pool, h.fetcher, h.artifacts, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.runner = runner
	return h
}

func success(count int) client.Outcome {
	return client.Outcome{
		Kind:               client.KindSuccess,
		Payload:            []byte(`{"meta":{"status":"ok"}}`),
		ReportedTodayCount: &count,
	}
}

func successNoCount() client.Outcome {
	return client.Outcome{Kind: client.KindSuccess, Payload: []byte(`{"meta":{"status":"ok"}}`)}
}

func quotaExceeded() client.Outcome {
	return client.Outcome{Kind: client.KindQuotaExceeded, Message: "Daily limit exceeded"}
}

func keyInvalid() client.Outcome {
	return client.Outcome{Kind: client.KindKeyInvalid, Err: errors.New("401 Unauthorized")}
}

func transient() client.Outcome {
	return client.Outcome{Kind: client.KindTransient, Err: errors.New("connection reset")}
}

func malformed() client.Outcome {
	return client.Outcome{Kind: client.KindMalformed, Err: client.ErrMissingStatus}
}

// script answers the n-th call with steps[n-1] and succeeds afterwards.
func script(steps ...client.Outcome) func(string, string, int) client.Outcome {
	return func(_, _ string, n int) client.Outcome {
		if n <= len(steps) {
			return steps[n-1]
		}
		return successNoCount()
	}
}

func TestNew_Validation(t *testing.T) {
	store := usage.Load(context.Background(), &memBackend{}, usage.DefaultLimits(), zerolog.Nop())
	pool, _ := keypool.New([]string{"A"}, store, &memKeyList{}, zerolog.Nop())
	fetcher := &fakeFetcher{}
	artifacts := newMemArtifacts()

	tests := []struct {
		name      string
		pool      *keypool.Pool
		fetcher   client.Fetcher
		artifacts ArtifactStore
		cfg       Config
		wantErr   bool
	}{
		{name: "valid", pool: pool, fetcher: fetcher, artifacts: artifacts, cfg: DefaultConfig()},
		{name: "nil pool", fetcher: fetcher, artifacts: artifacts, wantErr: true},
		{name: "nil fetcher", pool: pool, artifacts: artifacts, wantErr: true},
		{name: "nil artifacts", pool: pool, fetcher: fetcher, wantErr: true},
		{name: "negative pacing", pool: pool, fetcher: fetcher, artifacts: artifacts, cfg: Config{PacingDelay: -time.Second}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.pool, tt.fetcher, tt.artifacts, tt.cfg, zerolog.Nop())
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRun_ConfigurationMissing(t *testing.T) {
	h := newHarness(t, []string{"A"}, nil, func(string, string, int) client.Outcome { return successNoCount() })
	if _, err := h.runner.Run(context.Background(), nil); !errors.Is(err, ErrNoEntities) {
		t.Errorf("Run(nil) error = %v, want ErrNoEntities", err)
	}

	empty := newHarness(t, nil, nil, func(string, string, int) client.Outcome { return successNoCount() })
	if _, err := empty.runner.Run(context.Background(), []string{"X"}); !errors.Is(err, ErrNoKeys) {
		t.Errorf("Run() with no keys error = %v, want ErrNoKeys", err)
	}
	if len(empty.fetcher.calls) != 0 {
		t.Errorf("fetch calls = %d, want 0", len(empty.fetcher.calls))
	}
}

func TestRun_SkipsExistingArtifacts(t *testing.T) {
	h := newHarness(t, []string{"A"}, nil,
		func(string, string, int) client.Outcome { return successNoCount() },
		"X")

	summary, err := h.runner.Run(context.Background(), []string{"X", "Y"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !slices.Equal(h.fetcher.calls, []call{{"Y", "A"}}) {
		t.Errorf("calls = %v, want only Y", h.fetcher.calls)
	}
	if summary.Succeeded != 2 || summary.Skipped != 1 || summary.Failed != 0 || summary.Pending != 0 {
		t.Errorf("summary = %+v, want 2 succeeded, 1 skipped", summary)
	}
	if len(h.sleeps) != 1 {
		t.Errorf("pacing waits = %d, want 1 (skipped entities are not paced)", len(h.sleeps))
	}
	if summary.RunID == "" {
		t.Error("RunID is empty")
	}
}

func TestRun_SingleKeyReachesLimit(t *testing.T) {
	counts := map[string]int{"X": 50, "Y": 99}
	h := newHarness(t, []string{"A"}, nil, func(id, _ string, _ int) client.Outcome {
		return success(counts[id])
	})

	summary, err := h.runner.Run(context.Background(), []string{"X", "Y", "Z"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(h.fetcher.calls) != 2 {
		t.Fatalf("calls = %v, want X and Y only", h.fetcher.calls)
	}
	if _, ok := h.artifacts.stored["Y"]; !ok {
		t.Error("Y artifact missing")
	}
	if summary.Succeeded != 2 || summary.Pending != 1 || summary.Failed != 0 {
		t.Errorf("summary = %+v, want 2 succeeded, 1 pending", summary)
	}
	if !summary.Exhausted {
		t.Error("Exhausted = false, want true")
	}

	rec, _ := h.pool.Store().Snapshot("A")
	if rec.TodayRequests != 99 || rec.NextReset == nil {
		t.Errorf("A = %+v, want today 99 with next reset", rec)
	}
}

func TestRun_ProactiveRotationOnReportedLimit(t *testing.T) {
	h := newHarness(t, []string{"A", "B"}, nil, func(_, key string, _ int) client.Outcome {
		if key == "A" {
			return success(99)
		}
		return success(1)
	})

	summary, err := h.runner.Run(context.Background(), []string{"X", "Y"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []call{{"X", "A"}, {"Y", "B"}}
	if !slices.Equal(h.fetcher.calls, want) {
		t.Errorf("calls = %v, want %v", h.fetcher.calls, want)
	}
	if summary.Switches != 1 || summary.Succeeded != 2 {
		t.Errorf("summary = %+v, want 1 switch, 2 succeeded", summary)
	}
}

func TestRun_ReconcilesLowerReportedCount(t *testing.T) {
	h := newHarness(t, []string{"A"}, map[string]*usage.Record{
		"A": {TodayRequests: 80},
	}, func(string, string, int) client.Outcome { return success(3) })

	if _, err := h.runner.Run(context.Background(), []string{"X"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rec, _ := h.pool.Store().Snapshot("A")
	if rec.TodayRequests != 3 {
		t.Errorf("TodayRequests = %d, want 3 (reported)", rec.TodayRequests)
	}
	if rec.LastReset == nil {
		t.Error("LastReset not set after upstream reset")
	}
}

func TestRun_QuotaExceededRotatesAndRetries(t *testing.T) {
	h := newHarness(t, []string{"A", "B"}, nil, func(_, key string, _ int) client.Outcome {
		if key == "A" {
			return quotaExceeded()
		}
		return successNoCount()
	})

	summary, err := h.runner.Run(context.Background(), []string{"X"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []call{{"X", "A"}, {"X", "B"}}
	if !slices.Equal(h.fetcher.calls, want) {
		t.Errorf("calls = %v, want %v", h.fetcher.calls, want)
	}
	if summary.Succeeded != 1 || summary.Switches != 1 {
		t.Errorf("summary = %+v, want 1 succeeded, 1 switch", summary)
	}

	rec, _ := h.pool.Store().Snapshot("A")
	if rec.TodayRequests != usage.DefaultDailyLimit || rec.NextReset == nil || rec.TotalRequests != 0 {
		t.Errorf("A = %+v, want forced to limit with next reset and no total increment", rec)
	}
}

func TestRun_QuotaExceededWithoutSpareKeyLeavesPending(t *testing.T) {
	h := newHarness(t, []string{"A"}, nil, func(string, string, int) client.Outcome { return quotaExceeded() })

	summary, err := h.runner.Run(context.Background(), []string{"X", "Y"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(h.fetcher.calls) != 1 {
		t.Errorf("calls = %v, want one", h.fetcher.calls)
	}
	if summary.Failed != 0 || summary.Pending != 2 || !summary.Exhausted {
		t.Errorf("summary = %+v, want 2 pending, exhausted", summary)
	}
	if summary.Switches != 1 {
		t.Errorf("Switches = %d, want 1 (a rotation that finds no key still counts)", summary.Switches)
	}
	if len(h.sleeps) != 0 {
		t.Errorf("pacing waits = %d, want 0 after exhaustion", len(h.sleeps))
	}
}

func TestRun_KeyInvalidSingleKey(t *testing.T) {
	h := newHarness(t, []string{"A"}, map[string]*usage.Record{
		"A": {TodayRequests: 4},
	}, func(string, string, int) client.Outcome { return keyInvalid() })

	summary, err := h.runner.Run(context.Background(), []string{"X", "Y"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if summary.Failed != 1 || summary.Pending != 1 || summary.KeysRemoved != 1 || !summary.Exhausted {
		t.Errorf("summary = %+v, want X failed, Y pending, 1 key removed", summary)
	}
	if h.pool.Contains("A") {
		t.Error("A still in pool")
	}
	if _, ok := h.pool.Store().Snapshot("A"); ok {
		t.Error("A still in usage store")
	}
	if _, ok := h.backend.records["A"]; ok {
		t.Error("A still in persisted usage")
	}
	if !slices.Equal(h.keyList.removed, []string{"A"}) {
		t.Errorf("key list removals = %v, want [A]", h.keyList.removed)
	}
}

func TestRun_KeyInvalidRotates(t *testing.T) {
	h := newHarness(t, []string{"A", "B"}, nil, func(_, key string, _ int) client.Outcome {
		if key == "A" {
			return keyInvalid()
		}
		return successNoCount()
	})

	summary, err := h.runner.Run(context.Background(), []string{"X", "Y"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []call{{"X", "A"}, {"X", "B"}, {"Y", "B"}}
	if !slices.Equal(h.fetcher.calls, want) {
		t.Errorf("calls = %v, want %v", h.fetcher.calls, want)
	}
	if summary.Succeeded != 2 || summary.KeysRemoved != 1 || summary.Switches != 1 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestRun_TransientRetriesSameKey(t *testing.T) {
	h := newHarness(t, []string{"A", "B"}, nil, func(id, _ string, _ int) client.Outcome {
		if id == "X" {
			return transient()
		}
		return successNoCount()
	})

	summary, err := h.runner.Run(context.Background(), []string{"X", "Y"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []call{{"X", "A"}, {"X", "A"}, {"Y", "A"}}
	if !slices.Equal(h.fetcher.calls, want) {
		t.Errorf("calls = %v, want %v", h.fetcher.calls, want)
	}
	if summary.Failed != 1 || summary.Succeeded != 1 || summary.Switches != 0 {
		t.Errorf("summary = %+v, want X failed, Y succeeded, no switch", summary)
	}
	if len(h.sleeps) != 2 {
		t.Errorf("pacing waits = %d, want 2 (failed entities are paced too)", len(h.sleeps))
	}
}

func TestRun_TransientThenSuccess(t *testing.T) {
	h := newHarness(t, []string{"A", "B", "C"}, nil, func(_, _ string, n int) client.Outcome {
		if n == 1 {
			return client.Outcome{Kind: client.KindMalformed, Err: errors.New("invalid JSON")}
		}
		return successNoCount()
	})

	summary, err := h.runner.Run(context.Background(), []string{"X"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Succeeded != 1 || len(h.fetcher.calls) != 2 {
		t.Errorf("summary = %+v, calls = %v", summary, h.fetcher.calls)
	}
}

func TestRun_AttemptCap(t *testing.T) {
	tests := []struct {
		name         string
		keys         []string
		respond      func(string, string, int) client.Outcome
		wantCalls    []call
		wantFailed   int
		wantSwitches int
		wantRemoved  int
		wantPoolLen  int
	}{
		{
			name:        "malformed retries same key",
			keys:        []string{"A", "B"},
			respond:     script(malformed(), malformed()),
			wantCalls:   []call{{"X", "A"}, {"X", "A"}, {"Y", "A"}},
			wantFailed:  1,
			wantPoolLen: 2,
		},
		{
			name:         "rotations use up the attempts",
			keys:         []string{"A", "B", "C"},
			respond:      script(quotaExceeded(), transient(), quotaExceeded()),
			wantCalls:    []call{{"X", "A"}, {"X", "B"}, {"X", "B"}, {"Y", "C"}},
			wantFailed:   1,
			wantSwitches: 2,
			wantPoolLen:  3,
		},
		{
			name:         "cap fixed when pool shrinks",
			keys:         []string{"A", "B", "C"},
			respond:      script(keyInvalid(), transient(), transient()),
			wantCalls:    []call{{"X", "A"}, {"X", "B"}, {"X", "B"}, {"Y", "B"}},
			wantFailed:   1,
			wantSwitches: 1,
			wantRemoved:  1,
			wantPoolLen:  2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.keys, nil, tt.respond)

			summary, err := h.runner.Run(context.Background(), []string{"X", "Y"})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			if !slices.Equal(h.fetcher.calls, tt.wantCalls) {
				t.Errorf("calls = %v, want %v", h.fetcher.calls, tt.wantCalls)
			}
			if summary.Failed != tt.wantFailed || summary.Succeeded != 2-tt.wantFailed || summary.Pending != 0 {
				t.Errorf("summary = %+v, want %d failed, no pending", summary, tt.wantFailed)
			}
			if summary.Switches != tt.wantSwitches {
				t.Errorf("Switches = %d, want %d", summary.Switches, tt.wantSwitches)
			}
			if summary.KeysRemoved != tt.wantRemoved {
				t.Errorf("KeysRemoved = %d, want %d", summary.KeysRemoved, tt.wantRemoved)
			}
			if h.pool.Len() != tt.wantPoolLen {
				t.Errorf("pool size = %d, want %d", h.pool.Len(), tt.wantPoolLen)
			}
		})
	}
}

func TestRun_ArtifactWriteFailureFailsEntity(t *testing.T) {
	h := newHarness(t, []string{"A"}, nil, func(string, string, int) client.Outcome { return successNoCount() })
	h.artifacts.putErr = errors.New("disk full")

	summary, err := h.runner.Run(context.Background(), []string{"X"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Failed != 1 || summary.Succeeded != 0 {
		t.Errorf("summary = %+v, want X failed", summary)
	}
	if got := h.pool.Store().TodayRequests("A"); got != 1 {
		t.Errorf("TodayRequests = %d, want 1 (the call still counts)", got)
	}
}

func TestRun_SavesUsageAfterEveryAttempt(t *testing.T) {
	h := newHarness(t, []string{"A", "B"}, nil, func(_, _ string, n int) client.Outcome {
		if n == 1 {
			return transient()
		}
		return successNoCount()
	})

	if _, err := h.runner.Run(context.Background(), []string{"X", "Y"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if h.backend.saves != len(h.fetcher.calls) {
		t.Errorf("saves = %d, want one per attempt (%d)", h.backend.saves, len(h.fetcher.calls))
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, []string{"A"}, nil, func(id, _ string, _ int) client.Outcome {
		if id == "Y" {
			cancel()
			return client.Outcome{Kind: client.KindTransient, Err: context.Canceled}
		}
		return successNoCount()
	})

	summary, err := h.runner.Run(ctx, []string{"X", "Y", "Z"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if summary.Succeeded != 1 || summary.Failed != 0 || summary.Pending != 2 {
		t.Errorf("summary = %+v, want 1 succeeded, 2 pending", summary)
	}
}

func TestRun_AllKeysExhaustedAtStart(t *testing.T) {
	future := testNow.Add(time.Hour)
	h := newHarness(t, []string{"A"}, map[string]*usage.Record{
		"A": {TodayRequests: 99, NextReset: &future},
	}, func(string, string, int) client.Outcome { return successNoCount() })

	summary, err := h.runner.Run(context.Background(), []string{"X"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(h.fetcher.calls) != 0 || summary.Pending != 1 || !summary.Exhausted {
		t.Errorf("summary = %+v, calls = %v", summary, h.fetcher.calls)
	}
}

func TestPlan(t *testing.T) {
	future := testNow.Add(3 * time.Hour)
	past := testNow.Add(-time.Hour)
	h := newHarness(t, []string{"A", "B", "C"}, map[string]*usage.Record{
		"A": {TodayRequests: 99, NextReset: &future},
		"B": {TodayRequests: 99, NextReset: &past},
		"C": {TodayRequests: 10},
	}, func(string, string, int) client.Outcome { return successNoCount() }, "X")

	plan, err := h.runner.Plan(context.Background(), []string{"X", "Y", "Z"})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	if plan.Total != 3 || plan.Done != 1 || plan.Pending != 2 {
		t.Errorf("Plan() entities = %+v, want 3 total, 1 done, 2 pending", plan)
	}
	if plan.Keys != 3 || plan.AvailableKeys != 2 {
		t.Errorf("Plan() keys = %d/%d available, want 2/3", plan.AvailableKeys, plan.Keys)
	}
	if !plan.NextReset.Equal(future) {
		t.Errorf("Plan().NextReset = %v, want %v", plan.NextReset, future)
	}
	if plan.ResetIn != 3*time.Hour {
		t.Errorf("Plan().ResetIn = %v, want 3h", plan.ResetIn)
	}
	if len(h.fetcher.calls) != 0 || h.backend.saves != 0 {
		t.Error("Plan() must not fetch or save usage")
	}
}
