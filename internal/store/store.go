// Package store implements the subscription store (spec.md §4.4): the
// durable state machine tracking every subscription key's lifecycle
// (pending -> inflight -> active -> deadletter) across process restarts.
// Backed by cockroachdb/pebble, an embedded ordered KV engine, standing
// in for the "SQL-backed or equivalent, single-writer" requirement the
// way the example pack's go-ethereum leans on pebble for its own
// single-writer state.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/teru1991/profinaut-sub001/internal/subkey"
	"github.com/teru1991/profinaut-sub001/internal/xerr"
)

// State is a subscription's lifecycle stage.
type State string

const (
	StatePending    State = "pending"
	StateInflight   State = "inflight"
	StateActive     State = "active"
	StateDeadletter State = "deadletter"
)

// SubscriptionRow is the durable record for one subscription key.
type SubscriptionRow struct {
	Key            subkey.Key `json:"key"`
	State          State      `json:"state"`
	ConnID         string     `json:"conn_id,omitempty"`
	Attempts       int        `json:"attempts"`
	DeadletterWhy  string     `json:"deadletter_why,omitempty"`
	CreatedAtUnix  int64      `json:"created_at_unix"`
	UpdatedAtUnix  int64      `json:"updated_at_unix"`
	LastMessageUnix int64     `json:"last_message_unix,omitempty"`
	CooldownUntilUnix int64   `json:"cooldown_until_unix,omitempty"`
}

// Store is a single-writer handle onto the pebble-backed subscription
// inventory. All mutating methods take an internal mutex: pebble itself
// is safe for concurrent readers, but the store layers a compare-and-set
// state machine on top that needs serialization across goroutines in
// the same process (there is exactly one writer process, per spec.md
// §4.4, but multiple goroutines within it call into the store).
type Store struct {
	db *pebble.DB
	mu sync.Mutex
}

// Open opens (creating if absent) a pebble database at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying pebble handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func rowKey(k subkey.Key) []byte {
	return []byte(k.String())
}

func (s *Store) get(k subkey.Key) (SubscriptionRow, bool, error) {
	val, closer, err := s.db.Get(rowKey(k))
	if err == pebble.ErrNotFound {
		return SubscriptionRow{}, false, nil
	}
	if err != nil {
		return SubscriptionRow{}, false, err
	}
	defer closer.Close()

	var row SubscriptionRow
	if err := json.Unmarshal(val, &row); err != nil {
		return SubscriptionRow{}, false, fmt.Errorf("store: decode row: %w", err)
	}
	return row, true, nil
}

func (s *Store) put(row SubscriptionRow) error {
	buf, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("store: encode row: %w", err)
	}
	return s.db.Set(rowKey(row.Key), buf, pebble.Sync)
}

// Seed inserts a pending row for every key not already present. Existing
// rows (of any state) are left untouched — re-seeding is idempotent and
// never regresses an active subscription back to pending.
func (s *Store) Seed(keys []subkey.Key, nowUnix int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, k := range keys {
		_, exists, err := s.get(k)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		row := SubscriptionRow{
			Key:           k,
			State:         StatePending,
			CreatedAtUnix: nowUnix,
			UpdatedAtUnix: nowUnix,
		}
		buf, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("store: encode row: %w", err)
		}
		if err := batch.Set(rowKey(k), buf, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// FindByFields looks up a row by its full composite key.
func (s *Store) FindByFields(exchange, opID, symbol string, params map[string]any) (SubscriptionRow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(subkey.New(exchange, opID, symbol, params))
}

// FindByConnAndOp looks up every row currently assigned to connID whose
// key matches opID, for venues whose inbound frames don't echo back a
// resolvable symbol (original_source's Binance adapter classifies every
// data frame with symbol:None for exactly this reason — the combined
// stream wrapper doesn't carry enough to recover it cheaply). Callers
// that get back more than one row must apply their own disambiguation
// (e.g. params_hint) or accept the first.
func (s *Store) FindByConnAndOp(exchange, connID, opID string) ([]SubscriptionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.scanExchange(exchange)
	if err != nil {
		return nil, err
	}
	var out []SubscriptionRow
	for _, r := range rows {
		if r.ConnID == connID && r.Key.OpID == opID {
			out = append(out, r)
		}
	}
	return out, nil
}

// scanExchange iterates every row for one exchange, in key order. Callers
// hold s.mu.
func (s *Store) scanExchange(exchange string) ([]SubscriptionRow, error) {
	prefix := []byte(exchange + "\x00")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: append(append([]byte{}, prefix...), 0xFF),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var rows []SubscriptionRow
	for iter.First(); iter.Valid(); iter.Next() {
		if !strings.HasPrefix(string(iter.Key()), string(prefix)) {
			break
		}
		var row SubscriptionRow
		if err := json.Unmarshal(iter.Value(), &row); err != nil {
			return nil, fmt.Errorf("store: decode row: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, iter.Error()
}

// NextPendingBatch transactionally selects up to limit pending rows for
// exchange, ordered by UpdatedAtUnix ascending (oldest-waiting first),
// transitions them to inflight, increments their attempt counters, and
// assigns them to connID — matching spec.md §4.4's next_pending_batch
// contract exactly.
func (s *Store) NextPendingBatch(exchange, connID string, limit int, nowUnix int64) ([]SubscriptionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.scanExchange(exchange)
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].UpdatedAtUnix != rows[j].UpdatedAtUnix {
			return rows[i].UpdatedAtUnix < rows[j].UpdatedAtUnix
		}
		return rows[i].Key.String() < rows[j].Key.String()
	})

	batch := s.db.NewBatch()
	defer batch.Close()

	out := make([]SubscriptionRow, 0, limit)
	for _, r := range rows {
		if r.State != StatePending || r.CooldownUntilUnix > nowUnix {
			continue
		}
		r.State = StateInflight
		r.ConnID = connID
		r.Attempts++
		r.UpdatedAtUnix = nowUnix

		buf, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("store: encode row: %w", err)
		}
		if err := batch.Set(rowKey(r.Key), buf, nil); err != nil {
			return nil, err
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	if len(out) == 0 {
		return out, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("store: commit pending batch: %w", err)
	}
	return out, nil
}

// transition loads a row, applies mutate, and persists it, stamping
// UpdatedAtUnix. Returns xerr.KindInternal if the key is unknown.
func (s *Store) transition(k subkey.Key, nowUnix int64, mutate func(*SubscriptionRow)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, exists, err := s.get(k)
	if err != nil {
		return err
	}
	if !exists {
		return xerr.New(xerr.KindInternal, fmt.Errorf("store: unknown key %s", k))
	}
	mutate(&row)
	row.UpdatedAtUnix = nowUnix
	return s.put(row)
}

// MarkActive transitions a key to active on ack (or first data message,
// for adapters with no ack frame), recording the connection that carries
// it. Attempts is left untouched: spec.md §4.4 requires attempts be
// monotonically non-decreasing across the row's lifetime.
func (s *Store) MarkActive(k subkey.Key, connID string, nowUnix int64) error {
	return s.transition(k, nowUnix, func(r *SubscriptionRow) {
		r.State = StateActive
		r.ConnID = connID
		r.LastMessageUnix = nowUnix
	})
}

// MarkDeadletter moves a key to the terminal deadletter state with a
// reason string, for operator inspection.
func (s *Store) MarkDeadletter(k subkey.Key, reason string, nowUnix int64) error {
	return s.transition(k, nowUnix, func(r *SubscriptionRow) {
		r.State = StateDeadletter
		r.DeadletterWhy = reason
	})
}

// BumpLastMessage updates a key's last-message timestamp without
// altering its state, used by the staleness sweep to distinguish a
// quiet-but-healthy subscription from an abandoned one.
func (s *Store) BumpLastMessage(k subkey.Key, nowUnix int64) error {
	return s.transition(k, nowUnix, func(r *SubscriptionRow) {
		r.LastMessageUnix = nowUnix
	})
}

// ApplyRateLimitCooldown marks a key as cooling down until untilUnix,
// leaving its state otherwise unchanged; NextPendingBatch skips the key
// while CooldownUntilUnix is still in the future.
func (s *Store) ApplyRateLimitCooldown(k subkey.Key, untilUnix, nowUnix int64) error {
	return s.transition(k, nowUnix, func(r *SubscriptionRow) {
		r.CooldownUntilUnix = untilUnix
	})
}

// RequeueConnection moves every inflight/active row owned by connID back
// to pending, clearing the connection association. Called when a
// connection tears down (reconnect, breaker trip, shutdown) so its
// subscriptions re-enter the planner's pending pool.
func (s *Store) RequeueConnection(exchange, connID string, nowUnix int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.scanExchange(exchange)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, r := range rows {
		if r.ConnID != connID || (r.State != StateInflight && r.State != StateActive) {
			continue
		}
		r.State = StatePending
		r.ConnID = ""
		r.UpdatedAtUnix = nowUnix
		if err := s.put(r); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// RequeueStaleActiveToPending moves active rows owned by connID whose
// LastMessageUnix is older than staleBefore back to pending, catching
// subscriptions whose connection is silently wedged rather than cleanly
// torn down. At most maxBatch rows are changed per call, matching
// spec.md §4.4's requeue_stale_active_to_pending(exchange, conn,
// stale_after_secs, max_batch, now) contract — scoping to connID keeps
// one connection's stale sweep from requeuing rows another, healthy
// connection on the same exchange still owns.
func (s *Store) RequeueStaleActiveToPending(exchange, connID string, staleBefore, nowUnix int64, maxBatch int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.scanExchange(exchange)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, r := range rows {
		if maxBatch > 0 && n >= maxBatch {
			break
		}
		if r.ConnID != connID || r.State != StateActive || r.LastMessageUnix >= staleBefore {
			continue
		}
		r.State = StatePending
		r.ConnID = ""
		r.UpdatedAtUnix = nowUnix
		if err := s.put(r); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
