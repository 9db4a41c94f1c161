// Package rules loads the per-exchange WS safety/rate policy file
// (spec.md §4.2, §6). Rules are TOML, parsed with BurntSushi/toml the
// way the wider example pack's go-ethereum carries it in its stack.
package rules

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// SupportLevel enumerates how well an exchange is supported.
type SupportLevel string

const (
	SupportFull        SupportLevel = "full"
	SupportPartial      SupportLevel = "partial"
	SupportNotSupported SupportLevel = "not_supported"
	SupportUnknown      SupportLevel = "unknown"
)

// Entitlement enumerates the authorization class of a channel.
type Entitlement string

const (
	EntitlementPublicOnly         Entitlement = "public_only"
	EntitlementRequiresCredentials Entitlement = "requires_credentials"
	EntitlementOptionalCredentials Entitlement = "optional_credentials"
)

// Rate holds the exchange's advertised message-rate limits. A zero value
// means "no limit configured at this granularity".
type Rate struct {
	MessagesPerSecond int `toml:"messages_per_second"`
	MessagesPerHour   int `toml:"messages_per_hour"`
}

// Heartbeat holds ping/idle/max-age timings, in seconds.
type Heartbeat struct {
	PingIntervalSecs  int `toml:"ping_interval_secs"`
	IdleTimeoutSecs   int `toml:"idle_timeout_secs"`
	MaxConnectionAgeSecs int `toml:"max_connection_age_secs"`
}

// SafetyProfile bounds how much a single connection may carry.
type SafetyProfile struct {
	MaxStreamsPerConn int `toml:"max_streams_per_conn"`
	MaxSymbolsPerConn int `toml:"max_symbols_per_conn"`
}

// defaultMaxStreamsPerConn and defaultMaxSymbolsPerConn are the
// conservative fallbacks spec.md §4.2 specifies when a rules file
// omits safety_profile entirely.
const (
	defaultMaxStreamsPerConn = 25
	defaultMaxSymbolsPerConn = 50
)

// ExchangeRules is one exchange's full rules document.
type ExchangeRules struct {
	Exchange      string        `toml:"exchange"`
	SupportLevel  SupportLevel  `toml:"support_level"`
	Rate          Rate          `toml:"rate"`
	Heartbeat     Heartbeat     `toml:"heartbeat"`
	Entitlement   Entitlement   `toml:"entitlement"`
	SafetyProfile SafetyProfile `toml:"safety_profile"`
}

// EffectiveMaxStreamsPerConn applies spec.md §4.2's
// effective_max_streams_per_conn formula: an explicit SafetyProfile value
// wins, otherwise the conservative default.
func (r ExchangeRules) EffectiveMaxStreamsPerConn() int {
	if r.SafetyProfile.MaxStreamsPerConn > 0 {
		return r.SafetyProfile.MaxStreamsPerConn
	}
	return defaultMaxStreamsPerConn
}

// EffectiveMaxSymbolsPerConn mirrors EffectiveMaxStreamsPerConn for the
// symbol-count cap.
func (r ExchangeRules) EffectiveMaxSymbolsPerConn() int {
	if r.SafetyProfile.MaxSymbolsPerConn > 0 {
		return r.SafetyProfile.MaxSymbolsPerConn
	}
	return defaultMaxSymbolsPerConn
}

// Load parses a single exchange's TOML rules file.
func Load(path string) (ExchangeRules, error) {
	var r ExchangeRules
	if _, err := toml.DecodeFile(path, &r); err != nil {
		return ExchangeRules{}, fmt.Errorf("rules: decode %s: %w", path, err)
	}
	return r, nil
}

// LoadDir parses every "*.toml" file in dir into a map keyed by the
// rules' own Exchange field (not the filename), matching the
// config.rules_dir external interface in spec.md §6.
func LoadDir(dir string) (map[string]ExchangeRules, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("rules: read dir %s: %w", dir, err)
	}

	out := make(map[string]ExchangeRules, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".toml" {
			continue
		}
		r, err := Load(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out[r.Exchange] = r
	}
	return out, nil
}
