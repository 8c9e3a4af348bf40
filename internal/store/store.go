package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dotscope/dotscope/internal/errs"
	"github.com/dotscope/dotscope/internal/types"
)

// Store wraps the relational projection. It is the single writer; reads are
// concurrent.
type Store struct {
	db  *gorm.DB
	log zerolog.Logger
}

// Open connects to the database named by url: a postgres:// DSN or a sqlite
// path/DSN otherwise.
func Open(url string, log zerolog.Logger) (*Store, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		dialector = postgres.Open(url)
	} else {
		dialector = sqlite.Open(url)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &Store{
		db:  db,
		log: log.With().Str("component", "store").Logger(),
	}, nil
}

// Migrate applies the schema and verifies every required table exists. The
// service refuses to serve traffic when this fails.
func (s *Store) Migrate() error {
	models := []any{
		&Block{}, &Extrinsic{}, &Event{}, &Address{}, &AddressExtrinsic{}, &IndexerState{},
	}
	if err := s.db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	for _, m := range models {
		if !s.db.Migrator().HasTable(m) {
			return fmt.Errorf("required table missing for %T", m)
		}
	}
	s.log.Info().Msg("Schema migrated")
	return nil
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// InsertBlockHeader writes the header-only projection of a block. Returns
// whether the row was inserted; an existing row makes this a no-op.
func (s *Store) InsertBlockHeader(ctx context.Context, b *Block) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(b)
	if res.Error != nil {
		return false, fmt.Errorf("insert block %d: %w", b.Number, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// UpdateBlockCounts backfills the only mutable block columns.
func (s *Store) UpdateBlockCounts(ctx context.Context, number uint64, timestamp int64, extrinsics, events int) error {
	updates := map[string]any{
		"extrinsics_count": extrinsics,
		"events_count":     events,
	}
	if timestamp > 0 {
		updates["timestamp"] = timestamp
	}
	err := s.db.WithContext(ctx).
		Model(&Block{}).
		Where("number = ?", number).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("update block %d counts: %w", number, err)
	}
	return nil
}

// FillBlockDetails backfills the header roots, timestamp and counts once the
// full block has been fetched. The number and hash columns never change.
func (s *Store) FillBlockDetails(ctx context.Context, rec *types.BlockRecord) error {
	err := s.db.WithContext(ctx).
		Model(&Block{}).
		Where("number = ?", rec.Number).
		Updates(map[string]any{
			"parent_hash":      rec.ParentHash,
			"state_root":       rec.StateRoot,
			"extrinsics_root":  rec.ExtrinsicsRoot,
			"timestamp":        rec.Timestamp,
			"author":           rec.Author,
			"extrinsics_count": rec.ExtrinsicsCount,
			"events_count":     rec.EventsCount,
		}).Error
	if err != nil {
		return fmt.Errorf("fill block %d details: %w", rec.Number, err)
	}
	return nil
}

// InsertExtrinsics writes a batch of extrinsic rows, skipping conflicts.
func (s *Store) InsertExtrinsics(ctx context.Context, rows []Extrinsic) error {
	if len(rows) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error
	if err != nil {
		return fmt.Errorf("insert extrinsics: %w", err)
	}
	return nil
}

// InsertEvents writes a batch of event rows, skipping conflicts.
func (s *Store) InsertEvents(ctx context.Context, rows []Event) error {
	if len(rows) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error
	if err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	return nil
}

// LinkAddress upserts the address row and its edge to an extrinsic in one
// transaction. The transaction counter increments only when the edge was
// actually inserted, so replays never inflate it.
func (s *Store) LinkAddress(ctx context.Context, address string, extrinsicHash string, blockNumber uint64, role string) (bool, error) {
	var inserted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		addr := Address{
			Address:        address,
			FirstSeenBlock: blockNumber,
			LastSeenBlock:  blockNumber,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&addr).Error; err != nil {
			return err
		}
		if addr.ID == 0 {
			if err := tx.Where("address = ?", address).First(&addr).Error; err != nil {
				return err
			}
		}

		edge := AddressExtrinsic{
			AddressID:     addr.ID,
			ExtrinsicHash: extrinsicHash,
			BlockNumber:   blockNumber,
			Role:          role,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&edge)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil // already linked
		}
		inserted = true

		updates := map[string]any{
			"transaction_count": gorm.Expr("transaction_count + 1"),
		}
		if blockNumber < addr.FirstSeenBlock {
			updates["first_seen_block"] = blockNumber
		}
		if blockNumber > addr.LastSeenBlock {
			updates["last_seen_block"] = blockNumber
		}
		return tx.Model(&Address{}).Where("id = ?", addr.ID).Updates(updates).Error
	})
	if err != nil {
		return false, fmt.Errorf("link address %s: %w", address, err)
	}
	return inserted, nil
}

// GetBlockByNumber loads a block with its extrinsics, their events and the
// standalone events, in one store call.
func (s *Store) GetBlockByNumber(ctx context.Context, number uint64) (*types.BlockRecord, error) {
	var block Block
	err := s.db.WithContext(ctx).Where("number = ?", number).First(&block).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("block %d not indexed", number)
	}
	if err != nil {
		return nil, fmt.Errorf("load block %d: %w", number, err)
	}
	return s.loadBlockDetails(ctx, &block)
}

// GetBlockByHash is GetBlockByNumber keyed by hash.
func (s *Store) GetBlockByHash(ctx context.Context, hash string) (*types.BlockRecord, error) {
	var block Block
	err := s.db.WithContext(ctx).Where("hash = ?", types.NormalizeHash(hash)).First(&block).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errs.NotFound("block %s not indexed", hash)
	}
	if err != nil {
		return nil, fmt.Errorf("load block %s: %w", hash, err)
	}
	return s.loadBlockDetails(ctx, &block)
}

func (s *Store) loadBlockDetails(ctx context.Context, block *Block) (*types.BlockRecord, error) {
	var extrinsics []Extrinsic
	if err := s.db.WithContext(ctx).
		Where("block_number = ?", block.Number).
		Order("extrinsic_index asc").
		Find(&extrinsics).Error; err != nil {
		return nil, fmt.Errorf("load extrinsics for block %d: %w", block.Number, err)
	}

	var events []Event
	if err := s.db.WithContext(ctx).
		Where("block_number = ?", block.Number).
		Order("event_index asc").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("load events for block %d: %w", block.Number, err)
	}

	rec := blockToRecord(block)
	byHash := make(map[string][]types.EventRecord)
	for _, ev := range events {
		record := eventToRecord(&ev)
		if ev.ExtrinsicHash != nil {
			byHash[*ev.ExtrinsicHash] = append(byHash[*ev.ExtrinsicHash], record)
		} else {
			rec.Events = append(rec.Events, record)
		}
	}
	for i := range extrinsics {
		record := extrinsicToRecord(&extrinsics[i])
		record.Events = byHash[extrinsics[i].Hash]
		rec.Extrinsics = append(rec.Extrinsics, record)
	}
	return rec, nil
}

// GetExtrinsicByHash loads an extrinsic with its events and its block.
func (s *Store) GetExtrinsicByHash(ctx context.Context, hash string) (*types.ExtrinsicRecord, *types.BlockRecord, error) {
	hash = types.NormalizeHash(hash)
	var ext Extrinsic
	err := s.db.WithContext(ctx).Where("hash = ?", hash).First(&ext).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, errs.NotFound("extrinsic %s not indexed", hash)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load extrinsic %s: %w", hash, err)
	}

	var events []Event
	if err := s.db.WithContext(ctx).
		Where("extrinsic_hash = ?", hash).
		Order("event_index asc").
		Find(&events).Error; err != nil {
		return nil, nil, fmt.Errorf("load events for extrinsic %s: %w", hash, err)
	}

	record := extrinsicToRecord(&ext)
	for i := range events {
		record.Events = append(record.Events, eventToRecord(&events[i]))
	}

	var block Block
	var blockRec *types.BlockRecord
	err = s.db.WithContext(ctx).Where("number = ?", ext.BlockNumber).First(&block).Error
	if err == nil {
		blockRec = blockToRecord(&block)
	}
	return &record, blockRec, nil
}

// AddressExtrinsics returns the extrinsics linked to an address, newest
// block first, capped at limit.
func (s *Store) AddressExtrinsics(ctx context.Context, address string, limit int) ([]types.ExtrinsicRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var addr Address
	err := s.db.WithContext(ctx).Where("address = ?", address).First(&addr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load address %s: %w", address, err)
	}

	var edges []AddressExtrinsic
	if err := s.db.WithContext(ctx).
		Where("address_id = ?", addr.ID).
		Order("block_number desc").
		Limit(limit).
		Find(&edges).Error; err != nil {
		return nil, fmt.Errorf("load edges for %s: %w", address, err)
	}
	if len(edges) == 0 {
		return nil, nil
	}

	hashes := make([]string, 0, len(edges))
	for _, e := range edges {
		hashes = append(hashes, e.ExtrinsicHash)
	}
	var extrinsics []Extrinsic
	if err := s.db.WithContext(ctx).
		Where("hash IN ?", hashes).
		Order("block_number desc").
		Find(&extrinsics).Error; err != nil {
		return nil, fmt.Errorf("load extrinsics for %s: %w", address, err)
	}

	records := make([]types.ExtrinsicRecord, 0, len(extrinsics))
	for i := range extrinsics {
		record := extrinsicToRecord(&extrinsics[i])
		var events []Event
		if err := s.db.WithContext(ctx).
			Where("extrinsic_hash = ?", extrinsics[i].Hash).
			Order("event_index asc").
			Find(&events).Error; err != nil {
			return nil, fmt.Errorf("load events for %s: %w", extrinsics[i].Hash, err)
		}
		for j := range events {
			record.Events = append(record.Events, eventToRecord(&events[j]))
		}
		records = append(records, record)
	}
	return records, nil
}

// Range returns the inclusive indexed interval, or ok=false when the store
// is empty.
func (s *Store) Range(ctx context.Context) (first, last uint64, ok bool, err error) {
	var count int64
	if err = s.db.WithContext(ctx).Model(&Block{}).Count(&count).Error; err != nil {
		return 0, 0, false, fmt.Errorf("count blocks: %w", err)
	}
	if count == 0 {
		return 0, 0, false, nil
	}
	row := struct {
		First uint64
		Last  uint64
	}{}
	err = s.db.WithContext(ctx).Model(&Block{}).
		Select("MIN(number) as first, MAX(number) as last").
		Scan(&row).Error
	if err != nil {
		return 0, 0, false, fmt.Errorf("block range: %w", err)
	}
	return row.First, row.Last, true, nil
}

// BlockExists reports whether a block row exists at the given height.
func (s *Store) BlockExists(ctx context.Context, number uint64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Block{}).Where("number = ?", number).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("block exists %d: %w", number, err)
	}
	return count > 0, nil
}

// LastIndexedBlock returns the highest indexed block number.
func (s *Store) LastIndexedBlock(ctx context.Context) (uint64, bool, error) {
	_, last, ok, err := s.Range(ctx)
	return last, ok, err
}

// FirstIndexedBlock returns the lowest indexed block number.
func (s *Store) FirstIndexedBlock(ctx context.Context) (uint64, bool, error) {
	first, _, ok, err := s.Range(ctx)
	return first, ok, err
}

// SetState writes one bookkeeping key.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&IndexerState{Key: key, Value: value}).Error
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// GetState reads one bookkeeping key; ok=false when unset.
func (s *Store) GetState(ctx context.Context, key string) (string, bool, error) {
	var row IndexerState
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get state %s: %w", key, err)
	}
	return row.Value, true, nil
}

// DeleteBlock removes a block and cascades to its extrinsics, events and
// address edges. Explicit deletes keep the cascade independent of driver
// foreign-key settings.
func (s *Store) DeleteBlock(ctx context.Context, number uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var hashes []string
		if err := tx.Model(&Extrinsic{}).
			Where("block_number = ?", number).
			Pluck("hash", &hashes).Error; err != nil {
			return err
		}
		if len(hashes) > 0 {
			if err := tx.Where("extrinsic_hash IN ?", hashes).Delete(&AddressExtrinsic{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("block_number = ?", number).Delete(&Event{}).Error; err != nil {
			return err
		}
		if err := tx.Where("block_number = ?", number).Delete(&Extrinsic{}).Error; err != nil {
			return err
		}
		return tx.Where("number = ?", number).Delete(&Block{}).Error
	})
}

// Stats summarizes the projection for the indexer status endpoint.
type Stats struct {
	Blocks       int64   `json:"blocks"`
	Extrinsics   int64   `json:"extrinsics"`
	Events       int64   `json:"events"`
	Addresses    int64   `json:"addresses"`
	FirstIndexed *uint64 `json:"firstIndexed,omitempty"`
	LastIndexed  *uint64 `json:"lastIndexed,omitempty"`
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	db := s.db.WithContext(ctx)
	if err := db.Model(&Block{}).Count(&stats.Blocks).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&Extrinsic{}).Count(&stats.Extrinsics).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&Event{}).Count(&stats.Events).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&Address{}).Count(&stats.Addresses).Error; err != nil {
		return nil, err
	}
	if first, last, ok, err := s.Range(ctx); err != nil {
		return nil, err
	} else if ok {
		stats.FirstIndexed = &first
		stats.LastIndexed = &last
	}
	return stats, nil
}

// Model ↔ record conversion.

func blockToRecord(b *Block) *types.BlockRecord {
	return &types.BlockRecord{
		Number:          b.Number,
		Hash:            b.Hash,
		ParentHash:      b.ParentHash,
		StateRoot:       b.StateRoot,
		ExtrinsicsRoot:  b.ExtrinsicsRoot,
		Timestamp:       b.Timestamp,
		Author:          b.Author,
		ExtrinsicsCount: b.ExtrinsicsCount,
		EventsCount:     b.EventsCount,
	}
}

func extrinsicToRecord(e *Extrinsic) types.ExtrinsicRecord {
	return types.ExtrinsicRecord{
		Hash:        e.Hash,
		BlockNumber: e.BlockNumber,
		BlockHash:   e.BlockHash,
		Index:       e.ExtrinsicIndex,
		Section:     e.Section,
		Method:      e.Method,
		Signer:      e.Signer,
		Nonce:       e.Nonce,
		Args:        rawJSON(e.Args),
		Signature:   e.Signature,
		IsSigned:    e.IsSigned,
		Success:     e.Success,
	}
}

func eventToRecord(e *Event) types.EventRecord {
	record := types.EventRecord{
		BlockNumber:    e.BlockNumber,
		BlockHash:      e.BlockHash,
		EventIndex:     e.EventIndex,
		ExtrinsicIndex: e.ExtrinsicIndex,
		Section:        e.Section,
		Method:         e.Method,
		Data:           rawJSON(e.Data),
	}
	if e.ExtrinsicHash != nil {
		record.ExtrinsicHash = *e.ExtrinsicHash
	}
	return record
}

func rawJSON(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return json.RawMessage("null")
	}
	return json.RawMessage(s)
}
