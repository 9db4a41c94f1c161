// Package dedup implements the dedup window (spec.md §4.10 "J"): a
// bounded, time-windowed deduplication filter sitting in front of the
// primary sink. Grounded directly on original_source's
// persistence/dedup.rs (DedupWindow/Inner): a FIFO of (key, insertion
// time) paired with a set for O(1) membership, evicted by age then by
// a max-keys cap on every Filter call.
package dedup

import (
	"container/list"
	"sync"
	"time"

	"github.com/teru1991/profinaut-sub001/internal/envelope"
)

// Config configures a Window.
type Config struct {
	WindowSeconds int
	MaxKeys       int
}

type entry struct {
	key string
	at  time.Time
}

// Window is a bounded FIFO+set deduplication filter, safe for
// concurrent use.
type Window struct {
	mu     sync.Mutex
	cfg    Config
	queue  *list.List // of entry, oldest at front
	seen   map[string]*list.Element
	onDrop func(exchange, channel string)
}

// New builds an empty Window. onDrop, if non-nil, is invoked once per
// dropped envelope with its exchange/channel, for metrics wiring.
func New(cfg Config, onDrop func(exchange, channel string)) *Window {
	return &Window{
		cfg:    cfg,
		queue:  list.New(),
		seen:   make(map[string]*list.Element),
		onDrop: onDrop,
	}
}

// evict drops entries older than window_seconds, then trims to keep the
// set under max_keys. Callers hold w.mu.
func (w *Window) evict(now time.Time) {
	window := time.Duration(w.cfg.WindowSeconds) * time.Second
	for {
		front := w.queue.Front()
		if front == nil {
			break
		}
		e := front.Value.(entry)
		if now.Sub(e.at) <= window {
			break
		}
		w.queue.Remove(front)
		delete(w.seen, e.key)
	}

	if w.cfg.MaxKeys <= 0 {
		return
	}
	for w.queue.Len() >= w.cfg.MaxKeys {
		front := w.queue.Front()
		if front == nil {
			break
		}
		e := front.Value.(entry)
		w.queue.Remove(front)
		delete(w.seen, e.key)
	}
}

// checkAndMark reports whether key has already been seen within the
// window; if not, it records it. Callers hold w.mu.
func (w *Window) checkAndMark(key string, now time.Time) bool {
	w.evict(now)

	if _, dup := w.seen[key]; dup {
		return true
	}
	el := w.queue.PushBack(entry{key: key, at: now})
	w.seen[key] = el
	return false
}

// Filter returns only the envelopes in batch not seen within the
// window, evicting stale entries first and folding duplicates within
// batch itself (first occurrence wins).
func (w *Window) Filter(batch []envelope.Envelope) []envelope.Envelope {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	out := make([]envelope.Envelope, 0, len(batch))
	for _, e := range batch {
		key := envelope.DedupKey(&e)
		if w.checkAndMark(key, now) {
			if w.onDrop != nil {
				w.onDrop(e.Exchange, e.Channel)
			}
			continue
		}
		out = append(out, e)
	}
	return out
}

// Len reports the number of currently live keys, for observability and
// tests.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queue.Len()
}
