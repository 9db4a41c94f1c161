// Package replay implements the replay worker (spec.md §4.10 "L"): a
// background task that drains completed spool segments into the primary
// sink, deleting a segment only once every envelope it held has been
// accepted. Grounded on the teacher's kafka/consumer.go batch/backoff
// loop shape (ReplayFromOffsets), generalized from replaying a Kafka
// offset range to replaying spool segments.
package replay

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/teru1991/profinaut-sub001/internal/envelope"
)

// Spool is the capability the replay worker needs from the spooler.
type Spool interface {
	CompleteSegments() ([]int64, error)
	ReadSegment(seq int64) ([]envelope.Envelope, error)
	DeleteSegment(seq int64) error
}

// Sink is the capability the replay worker needs from the primary sink.
type Sink interface {
	WriteBatch(batch []envelope.Envelope) error
}

// Config configures the replay worker's pacing.
type Config struct {
	BatchSize    int
	RateLimit    time.Duration
	PollInterval time.Duration
}

// Metrics is the observability hook set the replay worker reports into,
// satisfied by internal/metrics.Metrics.
type Metrics interface {
	IncReplayBatch(records int)
	SetSpoolBacklog(records int)
}

type noopMetrics struct{}

func (noopMetrics) IncReplayBatch(int)   {}
func (noopMetrics) SetSpoolBacklog(int)  {}

// Worker drains spool segments into sink.
type Worker struct {
	spool   Spool
	sink    Sink
	cfg     Config
	logger  zerolog.Logger
	metrics Metrics

	replayedTotal int64
}

// New builds a replay Worker. metrics may be nil, in which case replay
// progress and backlog are not reported.
func New(spool Spool, sink Sink, cfg Config, logger zerolog.Logger, metrics Metrics) *Worker {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Worker{spool: spool, sink: sink, cfg: cfg, logger: logger, metrics: metrics}
}

// ReplayedTotal reports the cumulative count of envelopes successfully
// replayed, for metrics.
func (w *Worker) ReplayedTotal() int64 { return w.replayedTotal }

// Run loops until ctx is cancelled, replaying completed segments oldest
// first. A segment is deleted only after every chunk inside it succeeds;
// any chunk failure stops processing that segment and backs off before
// the next poll.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		replayed := w.drainOnce(ctx)
		w.reportBacklog()
		if replayed == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollInterval):
			}
		}
	}
}

// drainOnce processes every currently-complete segment once, returning
// the number of segments fully replayed and deleted.
func (w *Worker) drainOnce(ctx context.Context) int {
	segments, err := w.spool.CompleteSegments()
	if err != nil {
		w.logger.Error().Err(err).Msg("replay: list complete segments")
		return 0
	}

	replayed := 0
	for _, seq := range segments {
		select {
		case <-ctx.Done():
			return replayed
		default:
		}

		if w.replaySegment(seq) {
			replayed++
		} else {
			break
		}

		select {
		case <-ctx.Done():
			return replayed
		case <-time.After(w.cfg.RateLimit):
		}
	}
	return replayed
}

// replaySegment replays one segment in batch_size chunks, deleting it
// only if every chunk succeeds.
func (w *Worker) replaySegment(seq int64) bool {
	envelopes, err := w.spool.ReadSegment(seq)
	if err != nil {
		w.logger.Error().Err(err).Int64("segment", seq).Msg("replay: read segment")
		return false
	}

	for start := 0; start < len(envelopes); start += w.cfg.BatchSize {
		end := start + w.cfg.BatchSize
		if end > len(envelopes) {
			end = len(envelopes)
		}
		chunk := envelopes[start:end]
		if err := w.sink.WriteBatch(chunk); err != nil {
			w.logger.Warn().Err(err).Int64("segment", seq).Msg("replay: write chunk failed, segment retained")
			return false
		}
		w.replayedTotal += int64(len(chunk))
		w.metrics.IncReplayBatch(len(chunk))
	}

	if err := w.spool.DeleteSegment(seq); err != nil {
		w.logger.Error().Err(err).Int64("segment", seq).Msg("replay: delete segment")
		return false
	}
	return true
}

// reportBacklog samples the total envelope count across every complete
// segment not yet replayed, publishing an estimate of undelivered
// records for operators watching spool growth.
func (w *Worker) reportBacklog() {
	segments, err := w.spool.CompleteSegments()
	if err != nil {
		w.logger.Error().Err(err).Msg("replay: list complete segments for backlog")
		return
	}
	total := 0
	for _, seq := range segments {
		envelopes, err := w.spool.ReadSegment(seq)
		if err != nil {
			w.logger.Error().Err(err).Int64("segment", seq).Msg("replay: read segment for backlog")
			continue
		}
		total += len(envelopes)
	}
	w.metrics.SetSpoolBacklog(total)
}
