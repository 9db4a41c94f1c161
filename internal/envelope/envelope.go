// Package envelope defines the canonical message record the ingestion
// core persists, independent of which exchange or wire format produced
// it. See spec.md §3.
package envelope

import (
	"encoding/json"
	"fmt"
)

// Version is the current envelope schema version.
const Version uint16 = 1

// Envelope is the canonical, version-tagged record written by the
// pipeline sink. Identity fields (Exchange/Symbol/Channel) are required;
// everything else is best-effort metadata the adapter was able to
// extract from the wire message.
type Envelope struct {
	EnvelopeVersion     uint16          `json:"envelope_version"`
	AdapterVersion      string          `json:"adapter_version"`
	ConnectorInstanceID string          `json:"connector_instance_id"`

	Exchange      string `json:"exchange"`
	Symbol        string `json:"symbol"`
	Channel       string `json:"channel"`
	ChannelDetail string `json:"channel_detail,omitempty"`

	ServerTime  *int64 `json:"server_time,omitempty"`
	LocalTimeNs uint64 `json:"local_time_ns"`

	Sequence  *uint64 `json:"sequence,omitempty"`
	MessageID string  `json:"message_id,omitempty"`

	Payload json.RawMessage `json:"payload"`
}

// Validate enforces the invariants spec.md §3 lists: a non-zero version
// and non-empty identity fields. LocalTimeNs is expected to already be
// populated by the caller (at ingestion time); Validate only checks it
// is non-zero rather than stamping it, so that ingestion time remains
// the single point of truth for "when was this observed".
func (e *Envelope) Validate() error {
	if e.EnvelopeVersion < 1 {
		return fmt.Errorf("envelope: version must be >= 1, got %d", e.EnvelopeVersion)
	}
	if e.Exchange == "" {
		return fmt.Errorf("envelope: exchange must not be empty")
	}
	if e.Symbol == "" {
		return fmt.Errorf("envelope: symbol must not be empty")
	}
	if e.Channel == "" {
		return fmt.Errorf("envelope: channel must not be empty")
	}
	if e.LocalTimeNs == 0 {
		return fmt.Errorf("envelope: local_time_ns must be populated at ingestion")
	}
	return nil
}

// New constructs an Envelope with the version/connector fields prefilled,
// leaving identity and payload to the caller.
func New(adapterVersion, connectorInstanceID string, localTimeNs uint64) Envelope {
	return Envelope{
		EnvelopeVersion:     Version,
		AdapterVersion:      adapterVersion,
		ConnectorInstanceID: connectorInstanceID,
		LocalTimeNs:         localTimeNs,
	}
}
