// Package subkey implements the composite identity for a subscription:
// (exchange, op_id, symbol?, params_canon). See spec.md §3.
package subkey

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Key identifies one subscription uniquely within a process.
type Key struct {
	Exchange    string
	OpID        string
	Symbol      string // empty when the op is not symbol-scoped
	ParamsCanon string
}

// String renders the composite key as the concatenation spec.md §3
// describes, suitable for use as a store index key or a map key.
func (k Key) String() string {
	return fmt.Sprintf("%s\x00%s\x00%s\x00%s", k.Exchange, k.OpID, k.Symbol, k.ParamsCanon)
}

// New builds a Key, canonicalizing params via CanonParams.
func New(exchange, opID, symbol string, params map[string]any) Key {
	return Key{Exchange: exchange, OpID: opID, Symbol: symbol, ParamsCanon: CanonParams(params)}
}

// CanonParams produces the lexicographically stable JSON object
// serialization spec.md §3 requires: keys sorted, numeric values
// normalized to a fixed form so that 1 and 1.0 canonicalize identically.
func CanonParams(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, 64)
	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, _ := json.Marshal(k)
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, canonValue(params[k])...)
	}
	buf = append(buf, '}')
	return string(buf)
}

// canonValue normalizes a single param value. Numeric types are rendered
// via strconv.FormatFloat with the minimal representation so that
// float64(1) and float64(1.0) (which are the same Go value anyway) and
// json.Number("1") all collapse to "1".
func canonValue(v any) []byte {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			b, _ := json.Marshal(t.String())
			return b
		}
		return []byte(strconv.FormatFloat(f, 'g', -1, 64))
	case float64:
		return []byte(strconv.FormatFloat(t, 'g', -1, 64))
	case int:
		return []byte(strconv.Itoa(t))
	case map[string]any:
		return []byte(CanonParams(t))
	case []any:
		buf := []byte{'['}
		for i, e := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = append(buf, canonValue(e)...)
		}
		return append(buf, ']')
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return []byte(`""`)
		}
		return b
	}
}
