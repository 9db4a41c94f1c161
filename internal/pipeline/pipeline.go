// Package pipeline implements the pipeline sink (spec.md §4.10 "M"):
// Dedup -> Primary -> Spool fallback, with a configurable behavior for
// what happens when even the spool is full.
package pipeline

import (
	"time"

	"github.com/teru1991/profinaut-sub001/internal/dedup"
	"github.com/teru1991/profinaut-sub001/internal/envelope"
	"github.com/teru1991/profinaut-sub001/internal/xerr"
)

// PrimaryWriter is the capability the pipeline needs from the primary
// sink; internal/sink.Primary satisfies it.
type PrimaryWriter interface {
	WriteBatch(batch []envelope.Envelope) error
}

// SpoolWriter is the capability the pipeline needs from the durable
// overflow spooler; internal/spool.Spool satisfies it.
type SpoolWriter interface {
	AppendBatch(envelopes []envelope.Envelope) error
}

// OnFullPolicy governs behavior when the spool itself rejects a batch
// with SpoolFull.
type OnFullPolicy int

const (
	DropAll OnFullPolicy = iota
	DropTickerDepthKeepTrade
	Block
)

// State mirrors the pipeline's last write path, for observability.
type State int32

const (
	StateOk State = iota
	StateDegraded
)

func (s State) String() string {
	if s == StateDegraded {
		return "degraded"
	}
	return "ok"
}

// Config configures the pipeline sink's fallback behavior.
type Config struct {
	OnFull          OnFullPolicy
	BlockMaxRetries int
	BlockRetryWait  time.Duration
}

// Metrics is the observability hook set the pipeline sink reports spool
// fallback activity into, satisfied by internal/metrics.Metrics.
type Metrics interface {
	IncSpoolWrite()
	IncSpoolDropped(n int)
}

type noopMetrics struct{}

func (noopMetrics) IncSpoolWrite()    {}
func (noopMetrics) IncSpoolDropped(int) {}

// Sink wires dedup, the primary sink, and the spool fallback into the
// single write_batch entry point connection runners call.
type Sink struct {
	dedup   *dedup.Window
	primary PrimaryWriter
	spool   SpoolWriter
	cfg     Config
	metrics Metrics

	state State
	onDroppedBatch func(n int)
}

// New builds a pipeline Sink. onDroppedBatch, if non-nil, is invoked
// whenever DropAll/DropTickerDepthKeepTrade discards envelopes, with the
// count dropped, for logging. metrics may be nil, in which case spool
// writes/drops are not counted.
func New(d *dedup.Window, primary PrimaryWriter, spool SpoolWriter, cfg Config, onDroppedBatch func(n int), metrics Metrics) *Sink {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Sink{dedup: d, primary: primary, spool: spool, cfg: cfg, onDroppedBatch: onDroppedBatch, metrics: metrics}
}

// dropped records a batch discard both to the logging callback and to
// metrics, so every handleSpoolFull branch reports through one path.
func (s *Sink) dropped(n int) {
	if n <= 0 {
		return
	}
	if s.onDroppedBatch != nil {
		s.onDroppedBatch(n)
	}
	s.metrics.IncSpoolDropped(n)
}

// State reports whether the last write used the primary sink (Ok) or
// fell back to the spool (Degraded).
func (s *Sink) State() State { return s.state }

// WriteBatch runs batch through Dedup, then the primary sink, falling
// back to the spool on xerr.KindMongoUnavailable; if the spool itself
// reports SpoolFull, cfg.OnFull decides the outcome.
func (s *Sink) WriteBatch(batch []envelope.Envelope) error {
	deduped := s.dedup.Filter(batch)
	if len(deduped) == 0 {
		return nil
	}

	err := s.primary.WriteBatch(deduped)
	if err == nil {
		s.state = StateOk
		return nil
	}
	if !xerr.Is(err, xerr.KindMongoUnavailable) {
		return err
	}

	s.state = StateDegraded
	spoolErr := s.spool.AppendBatch(deduped)
	if spoolErr == nil {
		s.metrics.IncSpoolWrite()
		return nil
	}
	if !xerr.Is(spoolErr, xerr.KindSpoolFull) {
		return spoolErr
	}

	return s.handleSpoolFull(deduped)
}

func (s *Sink) handleSpoolFull(batch []envelope.Envelope) error {
	switch s.cfg.OnFull {
	case DropAll:
		s.dropped(len(batch))
		return nil

	case DropTickerDepthKeepTrade:
		trades := make([]envelope.Envelope, 0, len(batch))
		for _, e := range batch {
			if e.Channel == "trade" {
				trades = append(trades, e)
			}
		}
		s.dropped(len(batch) - len(trades))
		if len(trades) == 0 {
			return nil
		}
		if err := s.spool.AppendBatch(trades); err != nil {
			// trade-only retry still failed; nothing more to shed.
			if xerr.Is(err, xerr.KindSpoolFull) {
				s.dropped(len(trades))
			}
			return nil
		}
		s.metrics.IncSpoolWrite()
		return nil

	case Block:
		for attempt := 0; attempt < s.cfg.BlockMaxRetries; attempt++ {
			time.Sleep(s.cfg.BlockRetryWait)
			err := s.spool.AppendBatch(batch)
			if err == nil {
				s.metrics.IncSpoolWrite()
				return nil
			}
			if !xerr.Is(err, xerr.KindSpoolFull) {
				return err
			}
		}
		return xerr.SpoolFull("block_max_retries_exhausted")

	default:
		return nil
	}
}
