// Package runner implements the Connection Runner (spec.md §4.9 "I"):
// one task per ConnectionPlan, owning a connect loop (breaker + storm
// guard gated), a subscribe pump, a writer loop, a reader loop, and a
// heartbeat/stale sweep, wired together the way the teacher wires its
// own per-client read/write pumps and lifecycle teardown
// (ws/internal/shared/pump_read.go, pump_write.go, and
// ws/internal/single/core/client_lifecycle.go), generalized from one
// server-side client connection to one outbound exchange connection.
package runner

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/teru1991/profinaut-sub001/internal/adapter"
	"github.com/teru1991/profinaut-sub001/internal/breaker"
	"github.com/teru1991/profinaut-sub001/internal/envelope"
	"github.com/teru1991/profinaut-sub001/internal/limiter"
	"github.com/teru1991/profinaut-sub001/internal/logging"
	"github.com/teru1991/profinaut-sub001/internal/planner"
	"github.com/teru1991/profinaut-sub001/internal/queue"
	"github.com/teru1991/profinaut-sub001/internal/rules"
	"github.com/teru1991/profinaut-sub001/internal/stormguard"
	"github.com/teru1991/profinaut-sub001/internal/store"
	"github.com/teru1991/profinaut-sub001/internal/wsconn"
)

// Sink is the capability the runner needs from the pipeline sink.
type Sink interface {
	WriteBatch(batch []envelope.Envelope) error
}

// Metrics is the observability hook set the runner calls into. A nil
// Metrics is never passed; Config.Metrics defaults to noopMetrics so
// every call site can stay unconditional, matching the teacher's own
// monitoring package being wired in everywhere rather than guarded by
// nil checks.
type Metrics interface {
	SetWSConnected(exchange, connID string, connected bool)
	IncReconnect(exchange, connID string)
	IncDeadletter(exchange, connID string)
	IncUnknownFrame(exchange, connID string)
	IncBreakerOpen(exchange, connID string)
	IncQueueDropped(exchange, connID, class, policy string)
	ObserveLimiterWait(seconds float64)
}

type noopMetrics struct{}

func (noopMetrics) SetWSConnected(string, string, bool)            {}
func (noopMetrics) IncReconnect(string, string)                    {}
func (noopMetrics) IncDeadletter(string, string)                   {}
func (noopMetrics) IncUnknownFrame(string, string)                 {}
func (noopMetrics) IncBreakerOpen(string, string)                  {}
func (noopMetrics) IncQueueDropped(string, string, string, string) {}
func (noopMetrics) ObserveLimiterWait(float64)                     {}

// Config configures one Connection Runner.
type Config struct {
	Exchange            string
	ConnPlan            planner.ConnectionPlan
	Rules               rules.ExchangeRules
	Adapter             adapter.Adapter
	Store               *store.Store
	Sink                Sink
	Limiter             *limiter.Limiter
	Breaker             *breaker.Breaker
	StormGuard          *stormguard.Guard
	Metrics             Metrics
	AdapterVersion      string
	ConnectorInstanceID string

	QueueCapacity  int
	OverflowPolicy queue.OverflowPolicy

	RulesBatchSize         int
	DeadletterMaxAttempts  int
	BackoffBase            time.Duration
	BackoffCap             time.Duration
	SubscribeInterval      time.Duration
	StaleSweepInterval     time.Duration
	StaleSweepMaxBatch     int
	StaleAfter             time.Duration
	DrainTimeout           time.Duration
	JoinTimeout            time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.RulesBatchSize <= 0 {
		c.RulesBatchSize = 10
	}
	if c.DeadletterMaxAttempts <= 0 {
		c.DeadletterMaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.SubscribeInterval <= 0 {
		c.SubscribeInterval = time.Second
	}
	if c.StaleSweepInterval <= 0 {
		c.StaleSweepInterval = 30 * time.Second
	}
	if c.StaleSweepMaxBatch <= 0 {
		c.StaleSweepMaxBatch = 100
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = time.Duration(c.Rules.Heartbeat.IdleTimeoutSecs) * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 5 * time.Second
	}
	if c.Metrics == nil {
		c.Metrics = noopMetrics{}
	}
	return c
}

// Runner drives one ConnectionPlan: connect, subscribe, read, write,
// heartbeat, reconnect, until shut down.
type Runner struct {
	cfg    Config
	logger zerolog.Logger

	q          *queue.Queue
	connMu     sync.Mutex
	conn       *wsconn.Conn
	lastRx     atomicTime
	reconnects int
}

// New builds a Runner for one ConnectionPlan.
func New(cfg Config, logger zerolog.Logger) *Runner {
	cfg = cfg.withDefaults()
	return &Runner{
		cfg:    cfg,
		logger: logger.With().Str("exchange", cfg.Exchange).Str("conn_id", cfg.ConnPlan.ConnID).Logger(),
		q:      queue.New(cfg.QueueCapacity),
	}
}

// Run blocks, cycling connect/serve/teardown until ctx is cancelled.
// On cancellation it runs the graceful shutdown sequence (spec.md
// §4.11) for whatever connection is currently live before returning.
func (r *Runner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := r.connectWithBackoff(ctx)
		if err != nil {
			return // ctx cancelled while trying to connect
		}

		r.connMu.Lock()
		r.conn = conn
		r.connMu.Unlock()
		r.lastRx.Store(time.Now())
		r.cfg.Metrics.SetWSConnected(r.cfg.Exchange, r.cfg.ConnPlan.ConnID, true)

		shuttingDown := r.serveConnection(ctx, conn)

		r.cfg.Metrics.SetWSConnected(r.cfg.Exchange, r.cfg.ConnPlan.ConnID, false)
		conn.Close()
		r.connMu.Lock()
		r.conn = nil
		r.connMu.Unlock()

		if n, err := r.cfg.Store.RequeueConnection(r.cfg.Exchange, r.cfg.ConnPlan.ConnID, time.Now().Unix()); err != nil {
			r.logger.Error().Err(err).Msg("requeue connection on teardown")
		} else if n > 0 {
			r.logger.Info().Int("requeued", n).Msg("requeued subscriptions after teardown")
		}
		r.reconnects++
		r.cfg.Metrics.IncReconnect(r.cfg.Exchange, r.cfg.ConnPlan.ConnID)

		if shuttingDown {
			return
		}
	}
}

// connectWithBackoff implements spec.md §4.9 step 1: breaker-gated
// connect attempts with exponential backoff and a storm-guard escape
// valve, until success or ctx cancellation.
func (r *Runner) connectWithBackoff(ctx context.Context) (*wsconn.Conn, error) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		decision, wait := r.cfg.Breaker.BeforeAttempt(time.Now())
		if decision == breaker.Wait {
			if !sleepCtx(ctx, wait) {
				return nil, ctx.Err()
			}
			continue
		}

		conn, err := wsconn.Dial(ctx, r.cfg.Adapter.WSURL())
		if err == nil {
			r.cfg.Breaker.OnSuccess(time.Now())
			return conn, nil
		}

		if r.cfg.Breaker.OnFailure(time.Now()) {
			r.cfg.Metrics.IncBreakerOpen(r.cfg.Exchange, r.cfg.ConnPlan.ConnID)
		}
		attempt++
		d := backoffDelay(r.cfg.BackoffBase, r.cfg.BackoffCap, attempt)
		if !r.cfg.StormGuard.Allow(r.cfg.ConnPlan.ConnID) {
			r.logger.Warn().Msg("reconnect storm guard tripped, deferring to breaker")
		}
		r.logger.Warn().Err(err).Dur("backoff", d).Int("attempt", attempt).Msg("dial failed")
		if !sleepCtx(ctx, d) {
			return nil, ctx.Err()
		}
	}
}

// backoffDelay implements spec.md §4.9's "base * 2^attempt (+ jitter)
// capped at cap".
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d > cap || d <= 0 {
		d = cap
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	d += jitter
	if d > cap {
		d = cap
	}
	return d
}

// serveConnection runs the subscribe pump, writer loop, reader loop, and
// heartbeat/stale sweep for one live connection until any of them ends
// it, or ctx is cancelled for shutdown. Returns true when the return was
// triggered by shutdown (so Run knows not to reconnect).
func (r *Runner) serveConnection(ctx context.Context, conn *wsconn.Conn) bool {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		defer cancel()
		defer logging.RecoverPanic(r.logger, "subscribePump", nil)
		r.subscribePump(connCtx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		defer logging.RecoverPanic(r.logger, "writerLoop", nil)
		r.writerLoop(connCtx, conn)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		defer logging.RecoverPanic(r.logger, "readerLoop", nil)
		r.readerLoop(connCtx, conn)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		defer logging.RecoverPanic(r.logger, "heartbeatSweep", nil)
		r.heartbeatSweep(connCtx, conn)
	}()

	<-connCtx.Done()
	shuttingDown := ctx.Err() != nil

	if shuttingDown {
		r.gracefulShutdown(conn)
	}

	joined := make(chan struct{})
	go func() { wg.Wait(); close(joined) }()
	select {
	case <-joined:
	case <-time.After(r.cfg.JoinTimeout):
		r.logger.Warn().Msg("join_timeout exceeded, abandoning connection tasks")
	}
	return shuttingDown
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// atomicTime is a tiny mutex-guarded time.Time, avoiding a dependency
// on a generic atomic.Value for a single timestamp.
type atomicTime struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomicTime) Store(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomicTime) Load() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}
