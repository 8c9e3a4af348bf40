package query

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotscope/dotscope/internal/config"
	"github.com/dotscope/dotscope/internal/errs"
	"github.com/dotscope/dotscope/internal/store"
	"github.com/dotscope/dotscope/internal/types"
)

const testAddr = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"

var testDBSeq int64

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:query_test_%d?mode=memory&cache=shared", atomic.AddInt64(&testDBSeq, 1))
	s, err := store.Open(dsn, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	return s
}

type fakeChain struct {
	tip        uint64
	blocks     map[uint64]*types.BlockRecord
	byHash     map[string]*types.BlockRecord
	blockCalls int64
}

func (f *fakeChain) TipNumber(ctx context.Context) (uint64, error) {
	return f.tip, nil
}

func (f *fakeChain) TipHeader(ctx context.Context) (*types.Header, error) {
	return &types.Header{Number: f.tip}, nil
}

func (f *fakeChain) BlockByNumber(ctx context.Context, number uint64) (*types.BlockRecord, error) {
	atomic.AddInt64(&f.blockCalls, 1)
	if rec, ok := f.blocks[number]; ok {
		return rec, nil
	}
	return emptyBlock(number), nil
}

func (f *fakeChain) BlockByHash(ctx context.Context, hash string) (*types.BlockRecord, error) {
	atomic.AddInt64(&f.blockCalls, 1)
	if rec, ok := f.byHash[hash]; ok {
		return rec, nil
	}
	return nil, errs.NotFound("block %s unknown", hash)
}

type fakeOps struct {
	begun int64
}

func (f *fakeOps) BeginOp() func() {
	atomic.AddInt64(&f.begun, 1)
	return func() {}
}

type fakeEra struct{}

func (fakeEra) EraInfo(ctx context.Context, tip uint64) (*types.EraInfo, error) {
	return &types.EraInfo{CurrentEra: uint32(tip / 120), BlocksPerEra: 120}, nil
}

func newTestEngine(t *testing.T, st *store.Store, chain *fakeChain) (*Engine, *fakeOps) {
	t.Helper()
	ops := &fakeOps{}
	cfg := &config.Config{MaxBlocksToScan: 10000, DefaultBatchSize: 100}
	return NewEngine(st, chain, ops, fakeEra{}, cfg, zerolog.Nop()), ops
}

func emptyBlock(number uint64) *types.BlockRecord {
	return &types.BlockRecord{
		Number:          number,
		Hash:            fmt.Sprintf("0x%064d", number),
		ParentHash:      "0x01",
		StateRoot:       "0x02",
		ExtrinsicsRoot:  "0x03",
		ExtrinsicsCount: 1,
		Extrinsics: []types.ExtrinsicRecord{{
			Hash: fmt.Sprintf("0x%063d1", number), BlockNumber: number,
			Section: "timestamp", Method: "set", Success: true,
		}},
	}
}

func signedBlock(number uint64, signer string) *types.BlockRecord {
	rec := emptyBlock(number)
	idx := 0
	rec.ExtrinsicsCount = 2
	rec.Extrinsics = append(rec.Extrinsics, types.ExtrinsicRecord{
		Hash:        fmt.Sprintf("0x%063d2", number),
		BlockNumber: number,
		BlockHash:   rec.Hash,
		Index:       1,
		Section:     "balances",
		Method:      "transfer",
		Signer:      signer,
		IsSigned:    true,
		Success:     true,
		Events: []types.EventRecord{{
			BlockNumber:    number,
			EventIndex:     0,
			ExtrinsicIndex: &idx,
			Section:        "balances",
			Method:         "Transfer",
			Data:           json.RawMessage(`["` + signer + `","x",10]`),
		}},
	})
	return rec
}

func seedSignedExtrinsic(t *testing.T, st *store.Store, number uint64, signer string) string {
	t.Helper()
	ctx := context.Background()
	hash := fmt.Sprintf("0x%063d2", number)
	_, err := st.InsertBlockHeader(ctx, &store.Block{Number: number, Hash: fmt.Sprintf("0x%064d", number)})
	require.NoError(t, err)
	require.NoError(t, st.InsertExtrinsics(ctx, []store.Extrinsic{{
		Hash: hash, BlockNumber: number, Section: "balances", Method: "transfer",
		Signer: signer, IsSigned: true, Success: true,
	}}))
	_, err = st.LinkAddress(ctx, signer, hash, number, store.RoleSigner)
	require.NoError(t, err)
	return hash
}

func TestAddressSearchValidation(t *testing.T) {
	e, _ := newTestEngine(t, newTestStore(t), &fakeChain{tip: 100})
	ctx := context.Background()

	cases := []AddressSearchParams{
		{Address: "", BlocksToScan: 10, BatchSize: 5},
		{Address: "0xdeadbeef", BlocksToScan: 10, BatchSize: 5},
		{Address: testAddr[:40], BlocksToScan: 10, BatchSize: 5},
		{Address: testAddr, BlocksToScan: 0, BatchSize: 5},
		{Address: testAddr, BlocksToScan: 20000, BatchSize: 5},
		{Address: testAddr, BlocksToScan: 10, BatchSize: 0},
		{Address: testAddr, BlocksToScan: 10, BatchSize: 2000},
		{Address: testAddr, BlocksToScan: 10, BatchSize: 5, Method: "transfer"},
	}
	for _, p := range cases {
		_, err := e.AddressSearch(ctx, p)
		assert.True(t, errs.IsBadRequest(err), "params %+v must be rejected", p)
	}
}

func TestAddressSearchServedFromStore(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// Coverage 900…1100; hits at 950 and 1050.
	_, err := st.InsertBlockHeader(ctx, &store.Block{Number: 900, Hash: "0x0900"})
	require.NoError(t, err)
	_, err = st.InsertBlockHeader(ctx, &store.Block{Number: 1100, Hash: "0x1100"})
	require.NoError(t, err)
	seedSignedExtrinsic(t, st, 950, testAddr)
	seedSignedExtrinsic(t, st, 1050, testAddr)

	chain := &fakeChain{tip: 1100}
	e, _ := newTestEngine(t, st, chain)

	result, err := e.AddressSearch(ctx, AddressSearchParams{
		Address: testAddr, BlocksToScan: 200, BatchSize: 100,
	})
	require.NoError(t, err)
	require.Equal(t, 2, result.Total)
	assert.EqualValues(t, 1050, result.Transactions[0].BlockNumber, "descending order")
	assert.EqualValues(t, 950, result.Transactions[1].BlockNumber)
	assert.Zero(t, atomic.LoadInt64(&chain.blockCalls), "covered search must not fetch blocks")
}

func TestAddressSearchPalletFilter(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, err := st.InsertBlockHeader(ctx, &store.Block{Number: 900, Hash: "0x0900"})
	require.NoError(t, err)
	_, err = st.InsertBlockHeader(ctx, &store.Block{Number: 1100, Hash: "0x1100"})
	require.NoError(t, err)
	seedSignedExtrinsic(t, st, 1000, testAddr)

	e, _ := newTestEngine(t, st, &fakeChain{tip: 1100})

	result, err := e.AddressSearch(ctx, AddressSearchParams{
		Address: testAddr, BlocksToScan: 200, BatchSize: 100,
		Pallet: "Balances", Method: "TRANSFER",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total, "filter is case-insensitive")
}

func TestAddressSearchLiveFallback(t *testing.T) {
	st := newTestStore(t)
	chain := &fakeChain{
		tip:    1000,
		blocks: map[uint64]*types.BlockRecord{998: signedBlock(998, testAddr)},
	}
	e, ops := newTestEngine(t, st, chain)

	result, err := e.AddressSearch(context.Background(), AddressSearchParams{
		Address: testAddr, BlocksToScan: 5, BatchSize: 5,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 5, result.BlocksScanned)
	require.NotEmpty(t, result.Transactions)
	for _, hit := range result.Transactions {
		assert.GreaterOrEqual(t, hit.BlockNumber, uint64(996))
		assert.LessOrEqual(t, hit.BlockNumber, uint64(1000))
	}
	assert.EqualValues(t, 1, atomic.LoadInt64(&ops.begun), "live scan must register with the drain set")
}

func TestExtrinsicLookupFromStore(t *testing.T) {
	st := newTestStore(t)
	hash := seedSignedExtrinsic(t, st, 500, testAddr)
	chain := &fakeChain{tip: 1000}
	e, _ := newTestEngine(t, st, chain)

	result, err := e.ExtrinsicLookup(context.Background(), hash, "", 0)
	require.NoError(t, err)
	assert.Equal(t, hash, result.Extrinsic.Hash)
	require.NotNil(t, result.Block)
	assert.EqualValues(t, 500, result.Block.Number)
	assert.Zero(t, atomic.LoadInt64(&chain.blockCalls), "store hit must not scan")
}

func TestExtrinsicLookupLiveScan(t *testing.T) {
	st := newTestStore(t)
	target := signedBlock(150, testAddr)
	wanted := target.Extrinsics[1].Hash
	chain := &fakeChain{tip: 300, blocks: map[uint64]*types.BlockRecord{150: target}}
	e, _ := newTestEngine(t, st, chain)
	ctx := context.Background()

	result, err := e.ExtrinsicLookup(ctx, wanted, StrategyHybrid, 2000)
	require.NoError(t, err)
	assert.Equal(t, wanted, result.Extrinsic.Hash)
	assert.EqualValues(t, 150, result.Block.Number)

	// A shallower blocks-strategy scan misses it.
	_, err = e.ExtrinsicLookup(ctx, wanted, StrategyBlocks, 100)
	assert.True(t, errs.IsNotFound(err))
}

func TestExtrinsicLookupMaxBlocksBoundsEveryStrategy(t *testing.T) {
	// The extrinsic sits 1500 blocks below the tip. With maxBlocks=500 no
	// strategy may reach it, even the events pass whose own default depth
	// (2000) would.
	st := newTestStore(t)
	target := signedBlock(1500, testAddr)
	wanted := target.Extrinsics[1].Hash
	chain := &fakeChain{tip: 3000, blocks: map[uint64]*types.BlockRecord{1500: target}}
	e, _ := newTestEngine(t, st, chain)
	ctx := context.Background()

	for _, strategy := range []string{StrategyEvents, StrategyBlocks, StrategyHybrid} {
		_, err := e.ExtrinsicLookup(ctx, wanted, strategy, 500)
		assert.True(t, errs.IsNotFound(err), "strategy %s must not scan past maxBlocks", strategy)
	}

	result, err := e.ExtrinsicLookup(ctx, wanted, StrategyHybrid, 2000)
	require.NoError(t, err)
	assert.Equal(t, wanted, result.Extrinsic.Hash)
}

func TestExtrinsicLookupValidation(t *testing.T) {
	e, _ := newTestEngine(t, newTestStore(t), &fakeChain{tip: 100})
	ctx := context.Background()

	_, err := e.ExtrinsicLookup(ctx, "0x123", "", 0)
	assert.True(t, errs.IsBadRequest(err))

	valid := "0x" + fmt.Sprintf("%064d", 1)
	_, err = e.ExtrinsicLookup(ctx, valid, "sideways", 0)
	assert.True(t, errs.IsBadRequest(err))

	_, err = e.ExtrinsicLookup(ctx, valid, StrategyEvents, config.MaxExtrinsicScanBlocks+1)
	assert.True(t, errs.IsBadRequest(err))
}

func TestGetBlockPrefersCompleteStoreRow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// Header-only row: not complete, must fall through to the chain.
	_, err := st.InsertBlockHeader(ctx, &store.Block{Number: 70, Hash: "0x70"})
	require.NoError(t, err)

	chain := &fakeChain{tip: 100, blocks: map[uint64]*types.BlockRecord{70: signedBlock(70, testAddr)}}
	e, _ := newTestEngine(t, st, chain)

	rec, err := e.GetBlock(ctx, 70)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.ExtrinsicsCount)
	assert.EqualValues(t, 1, atomic.LoadInt64(&chain.blockCalls))
}

func TestGetBlockByHashRejectsImplausible(t *testing.T) {
	hash := "0x" + fmt.Sprintf("%064d", 9)
	chain := &fakeChain{
		tip:    100,
		byHash: map[string]*types.BlockRecord{hash: {Number: 0, Hash: hash}},
	}
	e, _ := newTestEngine(t, newTestStore(t), chain)

	_, err := e.GetBlockByHash(context.Background(), hash)
	assert.True(t, errs.IsNotFound(err), "zeroed header must read as not found")

	_, err = e.GetBlockByHash(context.Background(), "nothex")
	assert.True(t, errs.IsBadRequest(err))
}

func TestGetLatestBlockAlwaysLive(t *testing.T) {
	st := newTestStore(t)
	chain := &fakeChain{tip: 555, blocks: map[uint64]*types.BlockRecord{555: signedBlock(555, testAddr)}}
	e, _ := newTestEngine(t, st, chain)

	rec, err := e.GetLatestBlock(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 555, rec.Number)
	assert.EqualValues(t, 1, atomic.LoadInt64(&chain.blockCalls))
}

func TestEraInfoPassthrough(t *testing.T) {
	e, _ := newTestEngine(t, newTestStore(t), &fakeChain{tip: 600})

	info, err := e.EraInfo(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 5, info.CurrentEra)
}

func TestSearchDeadlineBuckets(t *testing.T) {
	assert.Equal(t, "1m0s", searchDeadline(100).String())
	assert.Equal(t, "5m0s", searchDeadline(1000).String())
	assert.Equal(t, "10m0s", searchDeadline(5000).String())
	assert.Equal(t, "20m0s", searchDeadline(50000).String())

	assert.Equal(t, "10m0s", extrinsicDeadline(10).String())
	assert.Equal(t, "20m0s", extrinsicDeadline(100000).String())
}
