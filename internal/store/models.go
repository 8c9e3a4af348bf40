// Package store is the relational projection of the chain: blocks,
// extrinsics, events, addresses and the address↔extrinsic edges.
package store

import (
	"time"
)

// Block is terminal once written; only the count columns are backfilled when
// details arrive.
type Block struct {
	Number          uint64 `gorm:"primaryKey;autoIncrement:false" json:"number"`
	Hash            string `gorm:"uniqueIndex;size:66;not null" json:"hash"`
	ParentHash      string `gorm:"size:66" json:"parentHash"`
	StateRoot       string `gorm:"size:66" json:"stateRoot"`
	ExtrinsicsRoot  string `gorm:"size:66" json:"extrinsicsRoot"`
	Timestamp       int64  `gorm:"index" json:"timestamp"`
	Author          string `json:"author,omitempty"`
	ExtrinsicsCount int    `json:"extrinsicsCount"`
	EventsCount     int    `json:"eventsCount"`

	CreatedAt time.Time `json:"-"`
}

// Extrinsic rows are immutable after insert. Args is an opaque JSON blob.
type Extrinsic struct {
	ID             uint64  `gorm:"primaryKey" json:"-"`
	Hash           string  `gorm:"uniqueIndex;size:66;not null" json:"hash"`
	BlockNumber    uint64  `gorm:"index" json:"blockNumber"`
	BlockHash      string  `gorm:"size:66" json:"blockHash"`
	ExtrinsicIndex int     `json:"index"`
	Section        string  `gorm:"index:idx_extrinsics_section_method" json:"section"`
	Method         string  `gorm:"index:idx_extrinsics_section_method" json:"method"`
	Signer         string  `gorm:"index" json:"signer,omitempty"`
	Nonce          *uint64 `json:"nonce,omitempty"`
	Args           string  `json:"args"`
	Signature      string  `json:"signature,omitempty"`
	IsSigned       bool    `json:"isSigned"`
	Success        bool    `json:"success"`

	CreatedAt time.Time `json:"-"`
}

// Event rows are immutable after insert. Data is an opaque JSON blob.
// ExtrinsicHash is nil for events with a non-extrinsic phase.
type Event struct {
	ID             uint64  `gorm:"primaryKey" json:"-"`
	BlockNumber    uint64  `gorm:"uniqueIndex:idx_events_block_event" json:"blockNumber"`
	EventIndex     int     `gorm:"uniqueIndex:idx_events_block_event" json:"eventIndex"`
	BlockHash      string  `gorm:"size:66" json:"blockHash"`
	ExtrinsicHash  *string `gorm:"index;size:66" json:"extrinsicHash,omitempty"`
	ExtrinsicIndex *int    `json:"extrinsicIndex,omitempty"`
	Section        string  `gorm:"index:idx_events_section_method" json:"section"`
	Method         string  `gorm:"index:idx_events_section_method" json:"method"`
	Data           string  `json:"data"`

	CreatedAt time.Time `json:"-"`
}

// Address counters are monotone non-decreasing.
type Address struct {
	ID               uint64 `gorm:"primaryKey" json:"-"`
	Address          string `gorm:"uniqueIndex;not null" json:"address"`
	FirstSeenBlock   uint64 `json:"firstSeenBlock"`
	LastSeenBlock    uint64 `gorm:"index" json:"lastSeenBlock"`
	TransactionCount uint64 `json:"transactionCount"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// AddressExtrinsic is the many-to-many edge. Duplicate inserts on
// (AddressID, ExtrinsicHash) are no-ops.
type AddressExtrinsic struct {
	ID            uint64 `gorm:"primaryKey" json:"-"`
	AddressID     uint64 `gorm:"uniqueIndex:idx_address_extrinsic" json:"-"`
	ExtrinsicHash string `gorm:"uniqueIndex:idx_address_extrinsic;size:66" json:"extrinsicHash"`
	BlockNumber   uint64 `gorm:"index" json:"blockNumber"`
	Role          string `json:"role"`

	CreatedAt time.Time `json:"-"`
}

// Edge roles.
const (
	RoleSigner      = "signer"
	RoleParticipant = "participant"
)

// IndexerState is single-row-per-key bookkeeping.
type IndexerState struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"-"`
}

// Well-known state keys.
const (
	StateLastScannedBlock = "last_scanned_block"
)
