// Package types holds the domain records exchanged between the chain client,
// the indexer, the query engine and the live hub.
package types

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// Head identifies a block by number and hash as announced by the node.
type Head struct {
	Number uint64 `json:"number"`
	Hash   string `json:"hash"`
}

// HeadSeen is emitted for every new best head observed on the subscription.
type HeadSeen struct {
	Number uint64    `json:"number"`
	Hash   string    `json:"hash"`
	SeenAt time.Time `json:"seenAt"`
}

// HeadFinalized is emitted for every finalized head observed.
type HeadFinalized struct {
	Number      uint64    `json:"number"`
	Hash        string    `json:"hash"`
	FinalizedAt time.Time `json:"finalizedAt"`
}

// TxSeen is emitted by the indexer once an extrinsic has been ingested.
type TxSeen struct {
	Hash        string `json:"hash"`
	BlockNumber uint64 `json:"blockNumber"`
	BlockHash   string `json:"blockHash"`
	Section     string `json:"section"`
	Method      string `json:"method"`
	Signer      string `json:"signer,omitempty"`
}

// Header is the decoded chain header.
type Header struct {
	Number         uint64 `json:"number"`
	Hash           string `json:"hash,omitempty"`
	ParentHash     string `json:"parentHash"`
	StateRoot      string `json:"stateRoot"`
	ExtrinsicsRoot string `json:"extrinsicsRoot"`
}

// EventRecord is one decoded event. ExtrinsicIndex and ExtrinsicHash are set
// only when the event was applied within an extrinsic.
type EventRecord struct {
	BlockNumber    uint64          `json:"blockNumber"`
	BlockHash      string          `json:"blockHash"`
	EventIndex     int             `json:"eventIndex"`
	ExtrinsicIndex *int            `json:"extrinsicIndex,omitempty"`
	ExtrinsicHash  string          `json:"extrinsicHash,omitempty"`
	Section        string          `json:"section"`
	Method         string          `json:"method"`
	Data           json.RawMessage `json:"data"`
}

// ExtrinsicRecord is one decoded extrinsic with the events applied by it.
type ExtrinsicRecord struct {
	Hash        string          `json:"hash"`
	BlockNumber uint64          `json:"blockNumber"`
	BlockHash   string          `json:"blockHash"`
	Index       int             `json:"index"`
	Section     string          `json:"section"`
	Method      string          `json:"method"`
	Signer      string          `json:"signer,omitempty"`
	Nonce       *uint64         `json:"nonce,omitempty"`
	Args        json.RawMessage `json:"args"`
	Signature   string          `json:"signature,omitempty"`
	IsSigned    bool            `json:"isSigned"`
	Success     bool            `json:"success"`
	Events      []EventRecord   `json:"events"`
}

// BlockRecord is a fully assembled block: header, extrinsics with their
// events, and the standalone events with non-extrinsic phases.
type BlockRecord struct {
	Number          uint64            `json:"number"`
	Hash            string            `json:"hash"`
	ParentHash      string            `json:"parentHash"`
	StateRoot       string            `json:"stateRoot"`
	ExtrinsicsRoot  string            `json:"extrinsicsRoot"`
	Timestamp       int64             `json:"timestamp"`
	Author          string            `json:"author,omitempty"`
	ExtrinsicsCount int               `json:"extrinsicsCount"`
	EventsCount     int               `json:"eventsCount"`
	Extrinsics      []ExtrinsicRecord `json:"extrinsics"`
	Events          []EventRecord     `json:"events"`
}

// Hit is one address-search result row.
type Hit struct {
	BlockNumber    uint64          `json:"blockNumber"`
	BlockHash      string          `json:"blockHash"`
	Section        string          `json:"section"`
	Method         string          `json:"method"`
	Data           json.RawMessage `json:"data,omitempty"`
	ExtrinsicHash  string          `json:"extrinsicHash,omitempty"`
	ExtrinsicIndex int             `json:"extrinsicIndex"`
	EventIndex     *int            `json:"eventIndex,omitempty"`
	Signer         string          `json:"signer,omitempty"`
	Nonce          *uint64         `json:"nonce,omitempty"`
	Args           json.RawMessage `json:"args,omitempty"`
	Events         []EventRecord   `json:"events,omitempty"`
}

// EraInfo is the staking era readout served by /api/network/info.
type EraInfo struct {
	CurrentEra            uint32  `json:"currentEra"`
	ActiveEra             uint32  `json:"activeEra"`
	ActiveEraStart        uint64  `json:"activeEraStart"`
	BlockTime             uint64  `json:"blockTime"`
	EraDuration           uint64  `json:"eraDuration"`
	BlocksPerEra          uint64  `json:"blocksPerEra"`
	CurrentBlockInEra     uint64  `json:"currentBlockInEra"`
	BlocksRemainingInEra  uint64  `json:"blocksRemainingInEra"`
	TimeRemainingInEra    uint64  `json:"timeRemainingInEra"`
	EraProgressPercentage float64 `json:"eraProgressPercentage"`
}

var hashRe = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

// NormalizeHash lowercases a hash and guarantees the 0x prefix. Inputs are
// preserved otherwise; validation is a separate concern (IsHash).
func NormalizeHash(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if h == "" {
		return h
	}
	if !strings.HasPrefix(h, "0x") {
		h = "0x" + h
	}
	return h
}

// IsHash reports whether h is a normalized 32-byte hex hash.
func IsHash(h string) bool {
	return hashRe.MatchString(h)
}
