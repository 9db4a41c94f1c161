package runner

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gobwas/ws"

	"github.com/teru1991/profinaut-sub001/internal/adapter"
	"github.com/teru1991/profinaut-sub001/internal/envelope"
	"github.com/teru1991/profinaut-sub001/internal/queue"
	"github.com/teru1991/profinaut-sub001/internal/rules"
	"github.com/teru1991/profinaut-sub001/internal/store"
	"github.com/teru1991/profinaut-sub001/internal/wsconn"
)

// classFor maps an exchange's entitlement to the outbound priority
// class a subscribe frame or its related traffic should use (spec.md
// §4.9 step 2: "Private if entitlement != public_only, else Public").
func classFor(e rules.Entitlement) queue.Class {
	if e == rules.EntitlementPublicOnly {
		return queue.Public
	}
	return queue.Private
}

// subscribePump implements spec.md §4.9 step 2: periodically pull a
// pending batch for this connection and enqueue subscribe frames.
func (r *Runner) subscribePump(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SubscribeInterval)
	defer ticker.Stop()

	r.subscribeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.subscribeOnce(ctx)
		}
	}
}

func (r *Runner) subscribeOnce(ctx context.Context) {
	now := time.Now().Unix()
	rows, err := r.cfg.Store.NextPendingBatch(r.cfg.Exchange, r.cfg.ConnPlan.ConnID, r.cfg.RulesBatchSize, now)
	if err != nil {
		r.logger.Error().Err(err).Msg("next_pending_batch")
		return
	}

	class := classFor(r.cfg.Rules.Entitlement)
	for _, row := range rows {
		frames, err := r.cfg.Adapter.BuildSubscribe(row.Key.OpID, row.Key.Symbol, decodeParams(row.Key.ParamsCanon))
		if err != nil {
			r.logger.Warn().Err(err).Str("op_id", row.Key.OpID).Str("symbol", row.Key.Symbol).Msg("build_subscribe failed")
			if row.Attempts >= r.cfg.DeadletterMaxAttempts {
				if err := r.cfg.Store.MarkDeadletter(row.Key, "build_subscribe: "+err.Error(), now); err != nil {
					r.logger.Error().Err(err).Msg("mark_deadletter")
				}
				r.cfg.Metrics.IncDeadletter(r.cfg.Exchange, r.cfg.ConnPlan.ConnID)
			}
			continue
		}
		for _, f := range frames {
			r.push(ctx, class, f)
		}
	}
}

// push enqueues frame under class, recording a queue_dropped metric
// whenever the overflow policy discards it.
func (r *Runner) push(ctx context.Context, class queue.Class, frame []byte) {
	if res := r.q.Push(ctx, class, frame, r.cfg.OverflowPolicy); res == queue.Dropped {
		r.cfg.Metrics.IncQueueDropped(r.cfg.Exchange, r.cfg.ConnPlan.ConnID, class.String(), r.cfg.OverflowPolicy.Mode.String())
	}
}

// decodeParams reverses subkey.CanonParams for the benefit of
// BuildSubscribe, which expects a map[string]any rather than the
// canonical JSON string the store persists.
func decodeParams(canon string) map[string]any {
	if canon == "" || canon == "{}" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(canon), &out); err != nil {
		return nil
	}
	return out
}

// writerLoop implements spec.md §4.9 step 3: drain the outbound queue,
// respecting the rate limiter, sending frames until the queue is closed
// and drained or the connection ends.
func (r *Runner) writerLoop(ctx context.Context, conn *wsconn.Conn) {
	for {
		frame, ok := r.q.Recv(ctx)
		if !ok {
			return
		}

		if wait := r.cfg.Limiter.AcquireWait(frame.Class, time.Now()); wait > 0 {
			r.cfg.Metrics.ObserveLimiterWait(wait.Seconds())
			if !sleepCtx(ctx, wait) {
				return
			}
		}

		if err := conn.WriteText(frame.Bytes); err != nil {
			r.logger.Warn().Err(err).Msg("write failed, ending connection")
			return
		}
	}
}

// readerLoop implements spec.md §4.9 step 4: classify inbound frames and
// drive the subscription store / pipeline sink accordingly.
func (r *Runner) readerLoop(ctx context.Context, conn *wsconn.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, op, err := conn.ReadFrame()
		if err != nil {
			r.logger.Warn().Err(err).Msg("read failed, ending connection")
			return
		}
		r.lastRx.Store(time.Now())

		if op == ws.OpClose {
			return
		}
		if op != ws.OpText {
			continue
		}

		in := r.cfg.Adapter.ClassifyInbound(frame)
		now := time.Now().Unix()

		switch in.Kind {
		case adapter.KindData:
			r.handleData(frame, in, now)
		case adapter.KindAck:
			r.handleAck(in, now)
		case adapter.KindNack:
			r.handleNack(ctx, in, now)
		case adapter.KindRespond:
			r.push(ctx, queue.Control, in.RespondFrame)
		case adapter.KindSystem, adapter.KindUnknown:
			r.cfg.Metrics.IncUnknownFrame(r.cfg.Exchange, r.cfg.ConnPlan.ConnID)
		}
	}
}

func (r *Runner) resolveRow(in adapter.Inbound) (store.SubscriptionRow, bool) {
	if in.Symbol != "" {
		row, ok, err := r.cfg.Store.FindByFields(r.cfg.Exchange, in.OpID, in.Symbol, in.ParamsHint)
		if err != nil {
			r.logger.Error().Err(err).Msg("find_key_by_fields")
			return store.SubscriptionRow{}, false
		}
		if ok {
			return row, true
		}
	}
	if in.OpID == "" {
		return store.SubscriptionRow{}, false
	}
	rows, err := r.cfg.Store.FindByConnAndOp(r.cfg.Exchange, r.cfg.ConnPlan.ConnID, in.OpID)
	if err != nil || len(rows) == 0 {
		return store.SubscriptionRow{}, false
	}
	return rows[0], true
}

func (r *Runner) handleData(frame []byte, in adapter.Inbound, now int64) {
	row, ok := r.resolveRow(in)
	if !ok {
		r.cfg.Metrics.IncUnknownFrame(r.cfg.Exchange, r.cfg.ConnPlan.ConnID)
		return
	}
	if row.State != store.StateActive {
		if err := r.cfg.Store.MarkActive(row.Key, r.cfg.ConnPlan.ConnID, now); err != nil {
			r.logger.Error().Err(err).Msg("mark_active")
		}
	} else if err := r.cfg.Store.BumpLastMessage(row.Key, now); err != nil {
		r.logger.Error().Err(err).Msg("bump_last_message")
	}

	env := envelope.New(r.cfg.AdapterVersion, r.cfg.ConnectorInstanceID, uint64(time.Now().UnixNano()))
	env.Exchange = row.Key.Exchange
	env.Symbol = row.Key.Symbol
	env.Channel = channelFromOpID(row.Key.OpID)
	env.Payload = json.RawMessage(frame)

	if err := r.cfg.Sink.WriteBatch([]envelope.Envelope{env}); err != nil {
		r.logger.Error().Err(err).Msg("pipeline write_batch")
	}
}

func (r *Runner) handleAck(in adapter.Inbound, now int64) {
	row, ok := r.resolveRow(in)
	if !ok {
		return
	}
	if err := r.cfg.Store.MarkActive(row.Key, r.cfg.ConnPlan.ConnID, now); err != nil {
		r.logger.Error().Err(err).Msg("mark_active on ack")
	}
}

func (r *Runner) handleNack(ctx context.Context, in adapter.Inbound, now int64) {
	row, ok := r.resolveRow(in)
	if !ok {
		return
	}
	if !in.NackRetryable {
		if err := r.cfg.Store.MarkDeadletter(row.Key, in.NackReason, now); err != nil {
			r.logger.Error().Err(err).Msg("mark_deadletter on nack")
		}
		r.cfg.Metrics.IncDeadletter(r.cfg.Exchange, r.cfg.ConnPlan.ConnID)
		return
	}

	retryAfter := in.RetryAfter
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	if err := r.cfg.Store.ApplyRateLimitCooldown(row.Key, now+int64(retryAfter.Seconds())+1, now); err != nil {
		r.logger.Error().Err(err).Msg("apply_rate_limit_cooldown")
	}
	r.cfg.Limiter.ApplyPenalty(classFor(r.cfg.Rules.Entitlement), time.Now(), retryAfter)
}

// channelFromOpID derives the envelope's channel field from an op_id
// like "crypto.public.ws.trade", matching the trailing segment the
// pipeline sink's DropTickerDepthKeepTrade policy switches on.
func channelFromOpID(opID string) string {
	for i := len(opID) - 1; i >= 0; i-- {
		if opID[i] == '.' {
			return opID[i+1:]
		}
	}
	return opID
}

// heartbeatSweep implements spec.md §4.9 step 5: periodic pings, idle
// detection, and the stale-active-subscription sweep.
func (r *Runner) heartbeatSweep(ctx context.Context, conn *wsconn.Conn) {
	pingInterval := time.Duration(r.cfg.Rules.Heartbeat.PingIntervalSecs) * time.Second
	if pingInterval <= 0 {
		pingInterval = 15 * time.Second
	}
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	staleTicker := time.NewTicker(r.cfg.StaleSweepInterval)
	defer staleTicker.Stop()

	idleCheck := time.NewTicker(pingInterval)
	defer idleCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-pingTicker.C:
			if ping := r.cfg.Adapter.PingMsg(); ping != nil {
				r.push(ctx, queue.Control, ping)
			} else {
				_ = conn.WritePing()
			}

		case <-idleCheck.C:
			idleFor := time.Since(r.lastRx.Load())
			if r.cfg.Rules.Heartbeat.IdleTimeoutSecs > 0 &&
				idleFor > time.Duration(r.cfg.Rules.Heartbeat.IdleTimeoutSecs)*time.Second {
				r.logger.Warn().Dur("idle_for", idleFor).Msg("idle timeout, tearing down connection")
				return
			}

		case <-staleTicker.C:
			if r.cfg.StaleAfter <= 0 {
				continue
			}
			staleBefore := time.Now().Add(-r.cfg.StaleAfter).Unix()
			n, err := r.cfg.Store.RequeueStaleActiveToPending(r.cfg.Exchange, r.cfg.ConnPlan.ConnID, staleBefore, time.Now().Unix(), r.cfg.StaleSweepMaxBatch)
			if err != nil {
				r.logger.Error().Err(err).Msg("requeue_stale_active_to_pending")
			} else if n > 0 {
				r.logger.Info().Int("requeued", n).Msg("requeued stale-active subscriptions")
			}
		}
	}
}

// gracefulShutdown implements spec.md §4.11's per-connection sequence:
// close (enter closing mode, enqueue a close request at Control
// priority), flush (drain up to drain_timeout), requeue (active/inflight
// rows on this connection back to pending), join (handled by the
// caller's wg.Wait after this returns).
func (r *Runner) gracefulShutdown(conn *wsconn.Conn) {
	r.q.BeginClosing()
	r.push(context.Background(), queue.Control, nil)

	drainCtx, cancel := context.WithTimeout(context.Background(), r.cfg.DrainTimeout)
	defer cancel()
	for {
		frame, ok := r.q.Recv(drainCtx)
		if !ok {
			break
		}
		if frame.Bytes != nil {
			_ = conn.WriteText(frame.Bytes)
		}
	}
	_ = conn.WriteClose()
	r.q.Close()

	now := time.Now().Unix()
	if n, err := r.cfg.Store.RequeueConnection(r.cfg.Exchange, r.cfg.ConnPlan.ConnID, now); err != nil {
		r.logger.Error().Err(err).Msg("requeue_connection on shutdown")
	} else if n > 0 {
		r.logger.Info().Int("requeued", n).Msg("requeued subscriptions on shutdown")
	}
}
