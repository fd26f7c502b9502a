// Command checko-fetch downloads company records from the Checko API for a
// list of OGRNs, spreading the calls over a pool of daily-limited access keys.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/checko-fetcher/pkg/artifact"
	"github.com/Sternrassler/checko-fetcher/pkg/batch"
	"github.com/Sternrassler/checko-fetcher/pkg/client"
	"github.com/Sternrassler/checko-fetcher/pkg/config"
	"github.com/Sternrassler/checko-fetcher/pkg/keypool"
	"github.com/Sternrassler/checko-fetcher/pkg/listfile"
	"github.com/Sternrassler/checko-fetcher/pkg/logging"
	"github.com/Sternrassler/checko-fetcher/pkg/metrics"
	"github.com/Sternrassler/checko-fetcher/pkg/usage"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Exit codes.
const (
	exitOK     = 0
	exitConfig = 1
	exitUsage  = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one fetch run and returns the process exit code.
func run(ctx context.Context, args []string, stderr io.Writer) int {
	flags := flag.NewFlagSet("checko-fetch", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "", "path to YAML config (overrides $"+config.EnvConfigPath+")")
	dryRun := flags.Bool("dry-run", false, "report pending entities and key availability without calling the API")
	if err := flags.Parse(args); err != nil {
		return exitUsage
	}

	opts := config.DefaultOptions()
	opts.ConfigPath = *configPath
	cfg, err := config.Load(opts)
	if err != nil {
		fmt.Fprintf(stderr, "checko-fetch: %v\n", err)
		return exitConfig
	}

	logCfg := cfg.Logging()
	logCfg.Output = stderr
	logger, files, err := logging.Setup(logCfg)
	if err != nil {
		fmt.Fprintf(stderr, "checko-fetch: %v\n", err)
		return exitConfig
	}
	if files != nil {
		defer files.Close()
		logger.Debug().Str("main_log", files.MainPath).Str("issues_log", files.IssuesPath).Msg("Log files opened")
	}

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logging.Critical(&logger).Err(err).Msg("Startup failed")
		return exitConfig
	}
	defer app.close()

	if *dryRun {
		plan, err := app.runner.Plan(ctx, app.entities)
		if err != nil {
			logging.Critical(&logger).Err(err).Msg("Dry run failed")
			return exitConfig
		}
		event := logger.Info().
			Int("total", plan.Total).
			Int("done", plan.Done).
			Int("pending", plan.Pending).
			Int("keys", plan.Keys).
			Int("available_keys", plan.AvailableKeys)
		if !plan.NextReset.IsZero() {
			event = event.Time("next_reset", plan.NextReset).Dur("reset_in", plan.ResetIn)
		}
		event.Msg("Dry run")
		return exitOK
	}

	if err := app.serve(ctx); err != nil {
		if errors.Is(err, batch.ErrNoEntities) || errors.Is(err, batch.ErrNoKeys) {
			return exitConfig
		}
		logger.Error().Err(err).Msg("Run ended with error")
	}
	return exitOK
}

// app holds the collaborators of one run.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	entities []string
	runner   *batch.Runner
	closers  []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	entities, err := listfile.ReadLines(cfg.EntitiesFile)
	if err != nil {
		return nil, fmt.Errorf("read entity list: %w", err)
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("entity list %s: %w", cfg.EntitiesFile, batch.ErrNoEntities)
	}
	a.entities = entities

	keyFile := listfile.NewKeyFile(cfg.KeysFile)
	keys, err := keyFile.Load()
	if err != nil {
		return nil, fmt.Errorf("read key list: %w", err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("key list %s: %w", cfg.KeysFile, batch.ErrNoKeys)
	}

	backend, err := a.usageBackend(ctx)
	if err != nil {
		a.close()
		return nil, err
	}
	store := usage.Load(ctx, backend, cfg.Limits(), logging.NewLogger("usage"))

	pool, pruned := keypool.New(keys, store, keyFile, logging.NewLogger("keypool"))
	if pruned > 0 {
		logger.Info().Int("pruned", pruned).Msg("Dropped usage records of keys no longer listed")
	}

	fetcher, err := client.New(cfg.Client())
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create client: %w", err)
	}

	artifacts, err := a.artifactStore()
	if err != nil {
		a.close()
		return nil, err
	}

	batchCfg := batch.DefaultConfig()
	batchCfg.PacingDelay = cfg.PacingDelay
	a.runner, err = batch.New(pool, fetcher, artifacts, batchCfg, logging.NewLogger("batch"))
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) usageBackend(ctx context.Context) (usage.Backend, error) {
	switch a.cfg.UsageBackend {
	case config.UsageBackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
		})
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis at %s: %w", a.cfg.RedisAddr, err)
		}
		backend := usage.NewRedisBackend(rdb)
		event := a.logger.Info().Str("addr", a.cfg.RedisAddr)
		if last, err := backend.LastUpdate(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Could not read usage save time")
		} else if !last.IsZero() {
			event = event.Time("usage_saved_at", last)
		}
		event.Msg("Connected to Redis")
		return backend, nil
	case config.UsageBackendSQLite:
		b, err := usage.NewSQLiteBackend(a.cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, b.Close)
		return b, nil
	default:
		return usage.NewFileBackend(a.cfg.UsageFile), nil
	}
}

func (a *app) artifactStore() (batch.ArtifactStore, error) {
	if a.cfg.ArtifactBackend == config.ArtifactBackendS3 {
		s3cfg := a.cfg.S3()
		store, err := artifact.NewS3Store(artifact.NewS3Client(s3cfg), s3cfg.Bucket, s3cfg.Prefix)
		if err != nil {
			return nil, fmt.Errorf("create s3 artifact store: %w", err)
		}
		return store, nil
	}
	store, err := artifact.NewFSStore(a.cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	a.logger.Info().Str("dir", store.Dir()).Msg("Writing artifacts to directory")
	return store, nil
}

// serve runs the batch and, when configured, the metrics server. The metrics
// server stops once the batch is done; its failure is logged and does not
// stop the batch.
func (a *app) serve(ctx context.Context) error {
	var g errgroup.Group
	batchCtx, batchDone := context.WithCancel(ctx)
	defer batchDone()

	if a.cfg.MetricsAddr != "" {
		srv := metrics.NewServer(a.cfg.MetricsAddr)
		metricsLogger := logging.NewLogger("metrics")
		g.Go(func() error {
			if err := metrics.Serve(batchCtx, srv, metricsLogger); err != nil {
				metricsLogger.Error().Err(err).Str("addr", srv.Addr).Msg("Metrics server failed, continuing without it")
			}
			return nil
		})
	}

	var runErr error
	g.Go(func() error {
		defer batchDone()
		summary, err := a.runner.Run(batchCtx, a.entities)
		if summary.Exhausted {
			a.logger.Warn().Int("pending", summary.Pending).Msg("Stopped early: every access key is exhausted")
		}
		runErr = err
		return nil
	})

	_ = g.Wait()
	if errors.Is(runErr, context.Canceled) {
		a.logger.Warn().Msg("Run interrupted")
		return nil
	}
	return runErr
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("Close failed")
		}
	}
	a.closers = nil
}
