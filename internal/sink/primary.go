// Package sink implements the primary sink (spec.md §4.10 "K"): the
// durable, at-least-once destination the pipeline sink writes to before
// ever touching the spool fallback. Backed by NATS JetStream (nats-io/
// nats.go), grounded on the teacher's go-server/pkg/nats/client.go
// connection-handler wiring; the "Mongo" naming in the error taxonomy is
// kept only as a Kind string (see SPEC_FULL.md's DOMAIN STACK note).
package sink

import (
	"encoding/json"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/teru1991/profinaut-sub001/internal/envelope"
	"github.com/teru1991/profinaut-sub001/internal/xerr"
)

// State is the primary sink's cheap-to-read (no I/O) health signal.
type State int32

const (
	StateOk State = iota
	StateMongoUnavailable
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateOk:
		return "ok"
	case StateMongoUnavailable:
		return "mongo_unavailable"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Config configures the primary sink's connection and retry behavior.
type Config struct {
	URL           string
	Subject       string // base subject; per-envelope suffix is exchange.channel
	StreamName    string
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	MaxReconnects int
	ReconnectWait time.Duration
}

// Metrics is the observability hook set the primary sink reports write
// outcomes into, satisfied by internal/metrics.Metrics.
type Metrics interface {
	IncSinkWrite()
	IncSinkFailure()
}

type noopMetrics struct{}

func (noopMetrics) IncSinkWrite()   {}
func (noopMetrics) IncSinkFailure() {}

// Primary is the JetStream-backed primary sink.
type Primary struct {
	cfg     Config
	conn    *nats.Conn
	js      nats.JetStreamContext
	logger  zerolog.Logger
	metrics Metrics
	state   atomic.Int32
}

// Connect dials NATS and ensures cfg.StreamName exists, creating it if
// absent. metrics may be nil, in which case writes are not counted.
func Connect(cfg Config, metrics Metrics, logger zerolog.Logger) (*Primary, error) {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	p := &Primary{cfg: cfg, metrics: metrics, logger: logger}

	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			p.state.Store(int32(StateMongoUnavailable))
			if err != nil {
				logger.Warn().Err(err).Msg("primary sink disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			p.state.Store(int32(StateOk))
			logger.Info().Msg("primary sink reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("sink: connect: %w", err)
	}
	p.conn = conn

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sink: jetstream context: %w", err)
	}
	p.js = js

	if _, err := js.StreamInfo(cfg.StreamName); err != nil {
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:     cfg.StreamName,
			Subjects: []string{cfg.Subject + ".>"},
		}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sink: add stream %s: %w", cfg.StreamName, err)
		}
	}

	return p, nil
}

// State reports the sink's current health without performing any I/O.
func (p *Primary) State() State {
	return State(p.state.Load())
}

func (p *Primary) subject(e envelope.Envelope) string {
	return fmt.Sprintf("%s.%s.%s", p.cfg.Subject, e.Exchange, e.Channel)
}

// WriteBatch publishes every envelope in batch to JetStream, retrying
// the whole batch with exponential backoff up to cfg.MaxRetries times.
// On exhaustion it returns xerr.MongoUnavailable and flips State to
// StateMongoUnavailable so the pipeline sink knows to fall back to the
// spool.
func (p *Primary) WriteBatch(batch []envelope.Envelope) error {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff(p.cfg.BackoffBase, p.cfg.BackoffCap, attempt))
		}

		lastErr = p.publishAll(batch)
		if lastErr == nil {
			p.state.Store(int32(StateOk))
			p.metrics.IncSinkWrite()
			return nil
		}
	}

	p.state.Store(int32(StateMongoUnavailable))
	p.metrics.IncSinkFailure()
	return xerr.MongoUnavailable(p.cfg.MaxRetries, lastErr)
}

func (p *Primary) publishAll(batch []envelope.Envelope) error {
	for _, e := range batch {
		data, err := json.Marshal(e)
		if err != nil {
			return xerr.New(xerr.KindSerialise, err)
		}
		if _, err := p.js.Publish(p.subject(e), data); err != nil {
			return fmt.Errorf("sink: publish: %w", err)
		}
	}
	return nil
}

// Close closes the underlying NATS connection without draining it.
func (p *Primary) Close() error {
	if p.conn == nil {
		return nil
	}
	p.conn.Close()
	return nil
}

func backoff(base, cap time.Duration, attempt int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d > cap {
		return cap
	}
	return d
}
