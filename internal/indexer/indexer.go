// Package indexer turns observed heads into rows: for every new head it
// records the header immediately, then fetches and ingests the full block in
// the background. Every write is idempotent, so replaying a block after a
// crash or a duplicate head announcement changes nothing.
package indexer

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dotscope/dotscope/internal/bus"
	"github.com/dotscope/dotscope/internal/metrics"
	"github.com/dotscope/dotscope/internal/store"
	"github.com/dotscope/dotscope/internal/types"
)

const (
	detailWorkers = 4
	retryAttempts = 3
	retryBase     = 500 * time.Millisecond
	retryCap      = 10 * time.Second
)

// BlockFetcher is the slice of the chain fetcher the indexer needs.
type BlockFetcher interface {
	BlockByNumber(ctx context.Context, number uint64) (*types.BlockRecord, error)
}

// Indexer consumes head events and maintains the relational projection.
type Indexer struct {
	store *store.Store
	fetch BlockFetcher
	bus   *bus.Bus
	log   zerolog.Logger

	sem       chan struct{}
	wg        sync.WaitGroup
	looksLike func(string) bool
}

func New(st *store.Store, fetch BlockFetcher, b *bus.Bus, log zerolog.Logger) *Indexer {
	return &Indexer{
		store:     st,
		fetch:     fetch,
		bus:       b,
		log:       log.With().Str("component", "indexer").Logger(),
		sem:       make(chan struct{}, detailWorkers),
		looksLike: types.IsAddress,
	}
}

// Run blocks until ctx is done, consuming head events from the bus. Detail
// ingestion already in flight is drained before Run returns.
func (ix *Indexer) Run(ctx context.Context) {
	heads := ix.bus.SubscribeHeadSeen()
	for {
		select {
		case <-ctx.Done():
			ix.wg.Wait()
			return
		case head, ok := <-heads:
			if !ok {
				ix.wg.Wait()
				return
			}
			ix.OnHead(ctx, head)
		}
	}
}

// OnHead records the header row synchronously and schedules the detail fetch.
func (ix *Indexer) OnHead(ctx context.Context, head types.HeadSeen) {
	inserted, err := ix.store.InsertBlockHeader(ctx, &store.Block{
		Number: head.Number,
		Hash:   types.NormalizeHash(head.Hash),
	})
	if err != nil {
		ix.log.Error().Err(err).Uint64("number", head.Number).Msg("Header insert failed")
		return
	}
	if inserted {
		metrics.BlocksIndexed.Inc()
	}

	ix.wg.Add(1)
	go func() {
		defer ix.wg.Done()
		select {
		case ix.sem <- struct{}{}:
			defer func() { <-ix.sem }()
		case <-ctx.Done():
			return
		}
		ix.ingestDetails(ctx, head.Number)
	}()
}

// ingestDetails fetches the full block with retry and ingests it.
func (ix *Indexer) ingestDetails(ctx context.Context, number uint64) {
	var rec *types.BlockRecord
	backoff := retryBase
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			metrics.IndexerRetries.Inc()
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > retryCap {
				backoff = retryCap
			}
		}
		var err error
		rec, err = ix.fetch.BlockByNumber(ctx, number)
		if err == nil {
			break
		}
		rec = nil
		if ctx.Err() != nil {
			return
		}
		ix.log.Warn().Err(err).Uint64("number", number).Int("attempt", attempt+1).Msg("Block fetch failed")
	}
	if rec == nil {
		ix.log.Error().Uint64("number", number).Msg("Giving up on block details")
		return
	}

	if err := ix.Ingest(ctx, rec); err != nil {
		ix.log.Error().Err(err).Uint64("number", number).Msg("Block ingest failed")
	}
}

// Ingest writes a fully assembled block into the store and publishes the
// derived live events. A failing extrinsic is skipped rather than failing the
// block; the block counts as indexed when at least one row landed.
func (ix *Indexer) Ingest(ctx context.Context, rec *types.BlockRecord) error {
	if _, err := ix.store.InsertBlockHeader(ctx, &store.Block{
		Number: rec.Number,
		Hash:   rec.Hash,
	}); err != nil {
		return err
	}

	ingested := 0
	for i := range rec.Extrinsics {
		if err := ix.ingestExtrinsic(ctx, &rec.Extrinsics[i]); err != nil {
			ix.log.Warn().Err(err).
				Uint64("number", rec.Number).
				Int("index", rec.Extrinsics[i].Index).
				Msg("Extrinsic ingest failed, skipping")
			continue
		}
		ingested++
	}
	if len(rec.Events) > 0 {
		rows := make([]store.Event, 0, len(rec.Events))
		for i := range rec.Events {
			rows = append(rows, eventRow(&rec.Events[i]))
		}
		if err := ix.store.InsertEvents(ctx, rows); err != nil {
			ix.log.Warn().Err(err).Uint64("number", rec.Number).Msg("Standalone event insert failed")
		}
	}

	if err := ix.store.FillBlockDetails(ctx, rec); err != nil {
		return err
	}
	ix.advanceScanMark(ctx, rec.Number)

	ix.bus.PublishBlockDetails(rec)
	for i := range rec.Extrinsics {
		ext := &rec.Extrinsics[i]
		ix.bus.PublishTxSeen(types.TxSeen{
			Hash:        ext.Hash,
			BlockNumber: ext.BlockNumber,
			BlockHash:   ext.BlockHash,
			Section:     ext.Section,
			Method:      ext.Method,
			Signer:      ext.Signer,
		})
	}

	ix.log.Debug().
		Uint64("number", rec.Number).
		Int("extrinsics", ingested).
		Int("events", rec.EventsCount).
		Msg("Block ingested")
	return nil
}

func (ix *Indexer) ingestExtrinsic(ctx context.Context, ext *types.ExtrinsicRecord) error {
	if err := ix.store.InsertExtrinsics(ctx, []store.Extrinsic{extrinsicRow(ext)}); err != nil {
		return err
	}
	metrics.ExtrinsicsIndexed.Inc()

	if len(ext.Events) > 0 {
		rows := make([]store.Event, 0, len(ext.Events))
		for i := range ext.Events {
			rows = append(rows, eventRow(&ext.Events[i]))
		}
		if err := ix.store.InsertEvents(ctx, rows); err != nil {
			return err
		}
	}
	return ix.linkAddresses(ctx, ext)
}

// linkAddresses derives the address↔extrinsic edges: the signer plus every
// address-shaped string in the args and event payloads.
func (ix *Indexer) linkAddresses(ctx context.Context, ext *types.ExtrinsicRecord) error {
	participants := make(map[string]struct{})
	collectAddresses(ext.Args, ix.looksLike, participants)
	for i := range ext.Events {
		collectAddresses(ext.Events[i].Data, ix.looksLike, participants)
	}

	if ext.Signer != "" && ix.looksLike(ext.Signer) {
		delete(participants, ext.Signer)
		if _, err := ix.store.LinkAddress(ctx, ext.Signer, ext.Hash, ext.BlockNumber, store.RoleSigner); err != nil {
			return err
		}
	}
	for addr := range participants {
		if _, err := ix.store.LinkAddress(ctx, addr, ext.Hash, ext.BlockNumber, store.RoleParticipant); err != nil {
			return err
		}
	}
	return nil
}

// advanceScanMark moves the bookkeeping high-water mark forward, never back.
func (ix *Indexer) advanceScanMark(ctx context.Context, number uint64) {
	current, ok, err := ix.store.GetState(ctx, store.StateLastScannedBlock)
	if err == nil && ok {
		if prev, perr := strconv.ParseUint(current, 10, 64); perr == nil && prev >= number {
			return
		}
	}
	if err := ix.store.SetState(ctx, store.StateLastScannedBlock, strconv.FormatUint(number, 10)); err != nil {
		ix.log.Warn().Err(err).Msg("Scan mark update failed")
	}
}

func extrinsicRow(ext *types.ExtrinsicRecord) store.Extrinsic {
	return store.Extrinsic{
		Hash:           ext.Hash,
		BlockNumber:    ext.BlockNumber,
		BlockHash:      ext.BlockHash,
		ExtrinsicIndex: ext.Index,
		Section:        ext.Section,
		Method:         ext.Method,
		Signer:         ext.Signer,
		Nonce:          ext.Nonce,
		Args:           compactJSON(ext.Args),
		Signature:      ext.Signature,
		IsSigned:       ext.IsSigned,
		Success:        ext.Success,
	}
}

func eventRow(ev *types.EventRecord) store.Event {
	row := store.Event{
		BlockNumber:    ev.BlockNumber,
		EventIndex:     ev.EventIndex,
		BlockHash:      ev.BlockHash,
		ExtrinsicIndex: ev.ExtrinsicIndex,
		Section:        ev.Section,
		Method:         ev.Method,
		Data:           compactJSON(ev.Data),
	}
	if ev.ExtrinsicHash != "" {
		hash := ev.ExtrinsicHash
		row.ExtrinsicHash = &hash
	}
	return row
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}
