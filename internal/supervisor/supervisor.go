// Package supervisor wires every component in SPEC_FULL.md into one
// running process: load config/rules/manifest, build the adapter
// registry, subscription store, primary sink, spooler, dedup window,
// pipeline sink, replay worker, and one connection runner per planned
// connection, then own their shutdown. Grounded on the teacher's
// Server.Start/Server.Shutdown ownership pattern (ws/internal/single/
// core/client_lifecycle.go and ws/server.go's main wiring), generalized
// from "one inbound WS server" to "one outbound runner per exchange
// connection".
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/teru1991/profinaut-sub001/internal/adapter"
	"github.com/teru1991/profinaut-sub001/internal/breaker"
	"github.com/teru1991/profinaut-sub001/internal/config"
	"github.com/teru1991/profinaut-sub001/internal/dedup"
	"github.com/teru1991/profinaut-sub001/internal/limiter"
	"github.com/teru1991/profinaut-sub001/internal/manifest"
	"github.com/teru1991/profinaut-sub001/internal/metrics"
	"github.com/teru1991/profinaut-sub001/internal/pipeline"
	"github.com/teru1991/profinaut-sub001/internal/planner"
	"github.com/teru1991/profinaut-sub001/internal/platform"
	"github.com/teru1991/profinaut-sub001/internal/queue"
	"github.com/teru1991/profinaut-sub001/internal/replay"
	"github.com/teru1991/profinaut-sub001/internal/rules"
	"github.com/teru1991/profinaut-sub001/internal/runner"
	"github.com/teru1991/profinaut-sub001/internal/sink"
	"github.com/teru1991/profinaut-sub001/internal/spool"
	"github.com/teru1991/profinaut-sub001/internal/stormguard"
	"github.com/teru1991/profinaut-sub001/internal/store"
)

// Supervisor owns every long-running component for one process: the
// shared persistence pipeline plus one Runner per connection plan across
// every exchange the coverage manifest and rules directory name.
type Supervisor struct {
	cfg    *config.Config
	logger zerolog.Logger
	metrics *metrics.Metrics

	store    *store.Store
	primary  *sink.Primary
	spool    *spool.Spool
	dedup    *dedup.Window
	pipeline *pipeline.Sink
	replay   *replay.Worker
	platform *platform.Monitor

	registry *adapter.Registry

	runners []*runner.Runner
	wg      sync.WaitGroup
}

// New builds every component but starts nothing; call Run to start.
func New(cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics) (*Supervisor, error) {
	s := &Supervisor{cfg: cfg, logger: logger, metrics: m, registry: adapter.Bootstrap()}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open store: %w", err)
	}
	s.store = st

	primary, err := sink.Connect(sink.Config{
		URL:           cfg.SinkURL,
		Subject:       cfg.SinkSubjectPrefix,
		StreamName:    cfg.SinkStreamName,
		MaxRetries:    cfg.SinkMaxRetries,
		BackoffBase:   cfg.SinkBackoffBase,
		BackoffCap:    cfg.SinkBackoffCap,
		MaxReconnects: cfg.SinkMaxReconnects,
		ReconnectWait: cfg.SinkReconnectWait,
	}, m, logger.With().Str("component", "primary_sink").Logger())
	if err != nil {
		return nil, fmt.Errorf("supervisor: connect primary sink: %w", err)
	}
	s.primary = primary

	sp, err := spool.Open(spool.Config{
		Dir:             cfg.SpoolDir,
		MaxSegmentBytes: cfg.SpoolMaxSegmentBytes,
		MaxTotalBytes:   cfg.SpoolMaxTotalBytes,
		FsyncMode:       spool.SafeEveryN,
		FsyncEveryN:     cfg.SpoolFsyncEveryN,
	})
	if err != nil {
		return nil, fmt.Errorf("supervisor: open spool: %w", err)
	}
	s.spool = sp

	s.dedup = dedup.New(dedup.Config{
		WindowSeconds: cfg.DedupWindowSeconds,
		MaxKeys:       cfg.DedupMaxKeys,
	}, func(exchange, channel string) {
		m.IncDedupDrop(exchange, channel)
	})

	s.pipeline = pipeline.New(s.dedup, primary, sp, pipeline.Config{
		OnFull:          pipeline.DropAll,
		BlockMaxRetries: cfg.SinkMaxRetries,
		BlockRetryWait:  cfg.SinkBackoffBase,
	}, func(n int) {
		s.logger.Warn().Int("dropped", n).Msg("pipeline dropped envelopes")
	}, m)

	s.replay = replay.New(sp, primary, replay.Config{
		BatchSize:    cfg.ReplayBatchSize,
		RateLimit:    cfg.ReplayRateLimit,
		PollInterval: cfg.ReplayPollInterval,
	}, logger.With().Str("component", "replay").Logger(), m)

	s.platform = platform.New(logger.With().Str("component", "platform").Logger(), m, cfg.MetricsInterval)

	return s, nil
}

// Bootstrap loads config/rules/manifest, builds the adapter registry and
// every dependent component, plans and seeds subscriptions for every
// covered exchange, and returns a Supervisor ready for Run.
func Bootstrap(logger zerolog.Logger) (*Supervisor, error) {
	cfg, err := config.Load(&logger)
	if err != nil {
		return nil, fmt.Errorf("supervisor: load config: %w", err)
	}
	cfg.LogConfig(logger)

	m := metrics.Bootstrap()

	s, err := New(cfg, logger, m)
	if err != nil {
		return nil, err
	}

	exchangeRules, err := rules.LoadDir(cfg.RulesDir)
	if err != nil {
		return nil, fmt.Errorf("supervisor: load rules: %w", err)
	}

	cov, err := manifest.Load(cfg.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("supervisor: load manifest: %w", err)
	}
	ops := cov.PlannerOps()

	for _, exchange := range s.registry.Exchanges() {
		r, ok := exchangeRules[exchange]
		if !ok {
			s.logger.Warn().Str("exchange", exchange).Msg("no rules file for registered adapter, skipping")
			continue
		}
		if r.SupportLevel == rules.SupportNotSupported {
			s.logger.Info().Str("exchange", exchange).Msg("exchange marked not_supported, skipping")
			continue
		}

		a, err := s.registry.Get(exchange)
		if err != nil {
			return nil, err
		}
		symbols, err := a.FetchSymbols()
		if err != nil {
			return nil, fmt.Errorf("supervisor: fetch_symbols %s: %w", exchange, err)
		}

		if err := s.planAndSeed(exchange, a, r, ops, symbols); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *Supervisor) planAndSeed(exchange string, a adapter.Adapter, r rules.ExchangeRules, ops, symbols []string) error {
	plan, err := planner.Generate(exchange, ops, symbols, r)
	if err != nil {
		return fmt.Errorf("supervisor: plan %s: %w", exchange, err)
	}
	if err := s.store.Seed(plan.Seed, time.Now().Unix()); err != nil {
		return fmt.Errorf("supervisor: seed %s: %w", exchange, err)
	}

	for _, connPlan := range plan.ConnPlans {
		lim := limiter.New([3]limiter.Config{
			{Capacity: float64(r.Rate.MessagesPerSecond), RefillPerSec: float64(r.Rate.MessagesPerSecond)},
			{Capacity: float64(r.Rate.MessagesPerSecond), RefillPerSec: float64(r.Rate.MessagesPerSecond)},
			{Capacity: float64(r.Rate.MessagesPerSecond), RefillPerSec: float64(r.Rate.MessagesPerSecond)},
		}, s.cfg.LimiterMinGap)

		br := breaker.New(breaker.Config{
			FailureThreshold:  s.cfg.BreakerFailureThreshold,
			SuccessThreshold:  s.cfg.BreakerSuccessThreshold,
			Cooldown:          s.cfg.BreakerCooldown,
			HalfOpenMaxTrials: s.cfg.BreakerHalfOpenMaxTrials,
		})

		guard := stormguard.New(s.cfg.StormGuardBurst, s.cfg.StormGuardPerSecond, s.cfg.StormGuardTTL)

		run := runner.New(runner.Config{
			Exchange:            exchange,
			ConnPlan:            connPlan,
			Rules:               r,
			Adapter:             a,
			Store:               s.store,
			Sink:                s.pipeline,
			Limiter:             lim,
			Breaker:             br,
			StormGuard:          guard,
			Metrics:             s.metrics,
			AdapterVersion:      "1",
			ConnectorInstanceID: connPlan.ConnID,

			QueueCapacity:  s.cfg.QueueCapacity,
			OverflowPolicy: queue.OverflowPolicy{Mode: queue.ModeDrop, Drop: queue.DropOldestLowPriority},

			RulesBatchSize:        s.cfg.RulesBatchSize,
			DeadletterMaxAttempts: s.cfg.DeadletterMaxAttempts,
			BackoffBase:           s.cfg.BackoffBase,
			BackoffCap:            s.cfg.BackoffCap,
			SubscribeInterval:     s.cfg.SubscribeInterval,
			StaleSweepInterval:    s.cfg.StaleSweepInterval,
			StaleSweepMaxBatch:    s.cfg.StaleSweepMaxBatch,
			DrainTimeout:          s.cfg.DrainTimeout,
			JoinTimeout:           s.cfg.JoinTimeout,
		}, s.logger)

		s.runners = append(s.runners, run)
	}
	return nil
}

// MetricsAddr returns the configured bind address for the /metrics
// endpoint.
func (s *Supervisor) MetricsAddr() string { return s.cfg.MetricsAddr }

// MetricsHandler exposes the Prometheus registry for scraping.
func (s *Supervisor) MetricsHandler() http.Handler { return s.metrics.Handler() }

// Run starts every connection runner, the replay worker, and the
// platform sampler, blocking until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	s.platform.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.replay.Run(ctx)
	}()

	for _, run := range s.runners {
		run := run
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			run.Run(ctx)
		}()
	}

	<-ctx.Done()
}

// Shutdown waits for every runner/worker goroutine to return (Run's ctx
// must already be cancelled) and releases the store/sink/spool handles.
func (s *Supervisor) Shutdown() {
	s.wg.Wait()
	s.platform.Shutdown()
	if err := s.store.Close(); err != nil {
		s.logger.Error().Err(err).Msg("close store")
	}
	if err := s.primary.Close(); err != nil {
		s.logger.Error().Err(err).Msg("close primary sink")
	}
	if err := s.spool.Close(); err != nil {
		s.logger.Error().Err(err).Msg("close spool")
	}
}
