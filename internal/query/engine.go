// Package query resolves address, extrinsic and block lookups. Every query
// prefers the store projection and falls back to live RPC scans only when the
// indexed range cannot answer it.
package query

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dotscope/dotscope/internal/chain"
	"github.com/dotscope/dotscope/internal/config"
	"github.com/dotscope/dotscope/internal/errs"
	"github.com/dotscope/dotscope/internal/metrics"
	"github.com/dotscope/dotscope/internal/store"
	"github.com/dotscope/dotscope/internal/types"
)

// Extrinsic search strategies.
const (
	StrategyEvents = "events"
	StrategyBlocks = "blocks"
	StrategyHybrid = "hybrid"
)

const (
	addressEdgeLimit    = 1000
	eventsStrategyDepth = 2000
	extrinsicBatchSize  = 100
	preflightDepth      = 100
	activeSetMargin     = 2
	trailingUnionSize   = 50
	maxPlausibleHeight  = 1_000_000_000
)

// ChainReader is the slice of the chain fetcher the engine scans with.
type ChainReader interface {
	TipHeader(ctx context.Context) (*types.Header, error)
	TipNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (*types.BlockRecord, error)
	BlockByHash(ctx context.Context, hash string) (*types.BlockRecord, error)
}

// OpGuard registers long-running scans so an endpoint change can drain them.
type OpGuard interface {
	BeginOp() func()
}

// EraReader produces the staking era readout.
type EraReader interface {
	EraInfo(ctx context.Context, tip uint64) (*types.EraInfo, error)
}

// Engine is the query layer over the store and the chain.
type Engine struct {
	store    *store.Store
	chain    ChainReader
	ops      OpGuard
	era      EraReader
	log      zerolog.Logger
	maxScan  int
	maxBatch int
}

func NewEngine(st *store.Store, reader ChainReader, ops OpGuard, era EraReader, cfg *config.Config, log zerolog.Logger) *Engine {
	return &Engine{
		store:    st,
		chain:    reader,
		ops:      ops,
		era:      era,
		log:      log.With().Str("component", "query").Logger(),
		maxScan:  cfg.MaxBlocksToScan,
		maxBatch: config.MaxBatchSize,
	}
}

// AddressSearchParams are the validated address-search inputs.
type AddressSearchParams struct {
	Address      string
	BlocksToScan int
	BatchSize    int
	Pallet       string
	Method       string
}

// AddressSearchResult is the address-search response body.
type AddressSearchResult struct {
	Transactions  []types.Hit `json:"transactions"`
	Total         int         `json:"total"`
	BlocksScanned uint64      `json:"blocksScanned"`
}

// ExtrinsicResult pairs an extrinsic with its containing block.
type ExtrinsicResult struct {
	Extrinsic *types.ExtrinsicRecord `json:"extrinsic"`
	Block     *types.BlockRecord     `json:"block,omitempty"`
}

// searchDeadline buckets the overall deadline by scan size.
func searchDeadline(blocks int) time.Duration {
	switch {
	case blocks <= 100:
		return time.Minute
	case blocks <= 1000:
		return 5 * time.Minute
	case blocks <= 5000:
		return 10 * time.Minute
	default:
		return 20 * time.Minute
	}
}

// extrinsicDeadline uses the same buckets with a 10 m floor and 20 m cap.
func extrinsicDeadline(blocks int) time.Duration {
	d := searchDeadline(blocks)
	if d < 10*time.Minute {
		d = 10 * time.Minute
	}
	if d > 20*time.Minute {
		d = 20 * time.Minute
	}
	return d
}

// AddressSearch resolves an address to its transactions, from the store when
// the indexed range covers the request and via a live scan otherwise. On
// deadline it returns whatever was collected.
func (e *Engine) AddressSearch(ctx context.Context, p AddressSearchParams) (*AddressSearchResult, error) {
	if err := e.validateAddressParams(&p); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, searchDeadline(p.BlocksToScan))
	defer cancel()

	tip, err := e.chain.TipNumber(ctx)
	if err != nil {
		return nil, errs.Unavailable("tip lookup failed: %v", err)
	}
	requestedStart := uint64(0)
	if tip > uint64(p.BlocksToScan) {
		requestedStart = tip - uint64(p.BlocksToScan)
	}

	if covered, cerr := e.covers(ctx, requestedStart, tip); cerr == nil && covered {
		hits, serr := e.storeAddressSearch(ctx, p, requestedStart, tip)
		if serr != nil {
			return nil, serr
		}
		if len(hits) > 0 {
			metrics.QueriesServed.WithLabelValues("address", "store").Inc()
			return &AddressSearchResult{Transactions: hits, Total: len(hits)}, nil
		}
	}

	release := e.ops.BeginOp()
	defer release()

	hits, scanned := e.liveAddressScan(ctx, p, tip)
	metrics.QueriesServed.WithLabelValues("address", "live").Inc()
	return &AddressSearchResult{Transactions: hits, Total: len(hits), BlocksScanned: scanned}, nil
}

func (e *Engine) validateAddressParams(p *AddressSearchParams) error {
	p.Address = strings.TrimSpace(p.Address)
	if p.Address == "" {
		return errs.BadRequest("address is required")
	}
	if !types.IsAddress(p.Address) {
		return errs.BadRequest("malformed address %q: expected 47-48 Base58 characters", p.Address)
	}
	if p.BlocksToScan < 1 || p.BlocksToScan > e.maxScan {
		return errs.BadRequest("blocksToScan must be in [1, %d]", e.maxScan)
	}
	if p.BatchSize < 1 || p.BatchSize > e.maxBatch {
		return errs.BadRequest("batchSize must be in [1, %d]", e.maxBatch)
	}
	if p.Method != "" && p.Pallet == "" {
		return errs.BadRequest("method filter requires pallet")
	}
	return nil
}

// covers reports whether the indexed range contains [start, tip].
func (e *Engine) covers(ctx context.Context, start, tip uint64) (bool, error) {
	first, last, ok, err := e.store.Range(ctx)
	if err != nil || !ok {
		return false, err
	}
	return first <= start && tip <= last, nil
}

// storeAddressSearch serves the request off the indexed edges.
func (e *Engine) storeAddressSearch(ctx context.Context, p AddressSearchParams, start, tip uint64) ([]types.Hit, error) {
	records, err := e.store.AddressExtrinsics(ctx, p.Address, addressEdgeLimit)
	if err != nil {
		return nil, err
	}
	hits := make([]types.Hit, 0, len(records))
	for i := range records {
		rec := &records[i]
		if rec.BlockNumber < start || rec.BlockNumber > tip {
			continue
		}
		if !matchesFilter(rec.Section, rec.Method, p.Pallet, p.Method) {
			continue
		}
		hits = append(hits, extrinsicHit(rec))
	}
	return hits, nil
}

func matchesFilter(section, method, pallet, methodFilter string) bool {
	if pallet == "" {
		return true
	}
	if !strings.EqualFold(section, pallet) {
		return false
	}
	if methodFilter == "" {
		return true
	}
	return strings.EqualFold(method, methodFilter)
}

func extrinsicHit(rec *types.ExtrinsicRecord) types.Hit {
	return types.Hit{
		BlockNumber:    rec.BlockNumber,
		BlockHash:      rec.BlockHash,
		Section:        rec.Section,
		Method:         rec.Method,
		ExtrinsicHash:  rec.Hash,
		ExtrinsicIndex: rec.Index,
		Signer:         rec.Signer,
		Nonce:          rec.Nonce,
		Args:           rec.Args,
		Events:         rec.Events,
	}
}

// ExtrinsicLookup resolves an extrinsic hash: the store first, then a
// strategy-driven descending live scan.
func (e *Engine) ExtrinsicLookup(ctx context.Context, hash, strategy string, maxBlocks int) (*ExtrinsicResult, error) {
	hash = types.NormalizeHash(hash)
	if !types.IsHash(hash) {
		return nil, errs.BadRequest("malformed extrinsic hash %q", hash)
	}
	if strategy == "" {
		strategy = StrategyEvents
	}
	switch strategy {
	case StrategyEvents, StrategyBlocks, StrategyHybrid:
	default:
		return nil, errs.BadRequest("unknown strategy %q", strategy)
	}
	if maxBlocks == 0 {
		maxBlocks = e.maxScan
	}
	if maxBlocks < 1 || maxBlocks > config.MaxExtrinsicScanBlocks {
		return nil, errs.BadRequest("maxBlocks must be in [1, %d]", config.MaxExtrinsicScanBlocks)
	}

	ext, block, err := e.store.GetExtrinsicByHash(ctx, hash)
	if err == nil {
		metrics.QueriesServed.WithLabelValues("extrinsic", "store").Inc()
		return &ExtrinsicResult{Extrinsic: ext, Block: block}, nil
	}
	if !errs.IsNotFound(err) {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, extrinsicDeadline(maxBlocks))
	defer cancel()

	release := e.ops.BeginOp()
	defer release()

	tip, err := e.chain.TipNumber(ctx)
	if err != nil {
		return nil, errs.Unavailable("tip lookup failed: %v", err)
	}

	// The events pass is shallower but never deeper than the caller's
	// maxBlocks bound.
	eventsDepth := minInt(eventsStrategyDepth, minInt(int(tip), maxBlocks))
	var depths []int
	switch strategy {
	case StrategyEvents:
		depths = []int{eventsDepth}
	case StrategyBlocks:
		depths = []int{maxBlocks}
	case StrategyHybrid:
		depths = []int{eventsDepth, maxBlocks}
	}
	for _, depth := range depths {
		found, ferr := e.scanForExtrinsic(ctx, hash, tip, depth)
		if ferr != nil {
			return nil, ferr
		}
		if found != nil {
			metrics.QueriesServed.WithLabelValues("extrinsic", "live").Inc()
			return found, nil
		}
	}
	return nil, errs.NotFound("extrinsic %s not found in the last %d blocks", hash, maxBlocks)
}

// GetBlock resolves a block by number: store first, then live fetch. A
// header-only row (details not yet ingested) does not satisfy the query.
func (e *Engine) GetBlock(ctx context.Context, number uint64) (*types.BlockRecord, error) {
	if rec, err := e.store.GetBlockByNumber(ctx, number); err == nil && blockComplete(rec) {
		metrics.QueriesServed.WithLabelValues("block", "store").Inc()
		return rec, nil
	}
	rec, err := e.chain.BlockByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	metrics.QueriesServed.WithLabelValues("block", "live").Inc()
	return rec, nil
}

// GetBlockByHash resolves a block by hash and rejects implausible responses.
// Some nodes answer unknown hashes with a zeroed header rather than null.
func (e *Engine) GetBlockByHash(ctx context.Context, hash string) (*types.BlockRecord, error) {
	hash = types.NormalizeHash(hash)
	if !types.IsHash(hash) {
		return nil, errs.BadRequest("malformed block hash %q", hash)
	}
	if rec, err := e.store.GetBlockByHash(ctx, hash); err == nil && blockComplete(rec) {
		metrics.QueriesServed.WithLabelValues("block", "store").Inc()
		return rec, nil
	}
	rec, err := e.chain.BlockByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if !plausibleBlock(rec) {
		return nil, errs.NotFound("block %s not found", hash)
	}
	metrics.QueriesServed.WithLabelValues("block", "live").Inc()
	return rec, nil
}

// blockComplete distinguishes a fully ingested store row from a header-only
// one. Every block carries at least the inherent timestamp extrinsic.
func blockComplete(rec *types.BlockRecord) bool {
	return rec.ExtrinsicsCount > 0 && len(rec.Extrinsics) == rec.ExtrinsicsCount
}

func plausibleBlock(rec *types.BlockRecord) bool {
	if rec.Number == 0 || rec.Number > maxPlausibleHeight {
		return false
	}
	if rec.ParentHash == "" || rec.StateRoot == "" || rec.ExtrinsicsRoot == "" {
		return false
	}
	return rec.Extrinsics != nil
}

// GetLatestBlock reports the tip, always from the chain.
func (e *Engine) GetLatestBlock(ctx context.Context) (*types.BlockRecord, error) {
	tip, err := e.chain.TipNumber(ctx)
	if err != nil {
		return nil, errs.Unavailable("tip lookup failed: %v", err)
	}
	rec, err := e.chain.BlockByNumber(ctx, tip)
	if err != nil {
		return nil, err
	}
	metrics.QueriesServed.WithLabelValues("block", "live").Inc()
	return rec, nil
}

// EraInfo is the staking era readout at the current tip.
func (e *Engine) EraInfo(ctx context.Context) (*types.EraInfo, error) {
	tip, err := e.chain.TipNumber(ctx)
	if err != nil {
		return nil, errs.Unavailable("tip lookup failed: %v", err)
	}
	return e.era.EraInfo(ctx, tip)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Interface conformance for the production wiring.
var (
	_ ChainReader = (*chain.Fetcher)(nil)
	_ OpGuard     = (*chain.Pool)(nil)
	_ EraReader   = (*chain.Staking)(nil)
)
