package envelope

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// DedupKey resolves the canonical identity string used to suppress
// duplicates, per spec.md §3/§8 invariant 2:
//
//  1. "mid:{message_id}"                     if MessageID is set
//  2. "seq:{exchange}:{channel}:{sequence}"   if Sequence is set
//  3. "hash:{16-hex}"                         stable hash over the payload
//
// Open question resolved (SPEC_FULL.md): unlike the source system's
// DefaultHasher-over-raw-bytes, the payload is canonicalized (object
// keys sorted) before hashing, so that semantically equal payloads
// serialized in a different key order get the same key instead of being
// missed as duplicates (false negatives).
func DedupKey(e *Envelope) string {
	if e.MessageID != "" {
		return "mid:" + e.MessageID
	}
	if e.Sequence != nil {
		return fmt.Sprintf("seq:%s:%s:%d", e.Exchange, e.Channel, *e.Sequence)
	}
	canon := canonicalize(e.Payload)
	sum := xxhash.Sum64(canon)
	return fmt.Sprintf("hash:%016x", sum)
}

// canonicalize re-serializes a JSON value with object keys sorted so
// that two semantically equal payloads hash identically regardless of
// the order their producer emitted keys in. Non-object/array scalars and
// malformed payloads are returned unchanged (best-effort: a hash over
// un-canonicalized bytes is still a valid, if slightly weaker, dedup key).
func canonicalize(raw json.RawMessage) []byte {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(sortKeys(v))
	if err != nil {
		return raw
	}
	return out
}

// sortKeys rebuilds maps into a deterministically ordered representation.
// encoding/json already sorts map[string]any keys when marshaling, so the
// recursive walk here exists only to ensure nested maps are also plain
// map[string]any (not some other ordered type) before the final Marshal.
func sortKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = sortKeys(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortKeys(e)
		}
		return out
	default:
		return t
	}
}
