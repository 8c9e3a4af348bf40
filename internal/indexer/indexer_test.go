package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotscope/dotscope/internal/bus"
	"github.com/dotscope/dotscope/internal/store"
	"github.com/dotscope/dotscope/internal/types"
)

var testDBSeq int64

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:indexer_test_%d?mode=memory&cache=shared", atomic.AddInt64(&testDBSeq, 1))
	s, err := store.Open(dsn, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	return s
}

type fakeFetcher struct {
	blocks map[uint64]*types.BlockRecord
	calls  int64
	fail   int32
}

func (f *fakeFetcher) BlockByNumber(ctx context.Context, number uint64) (*types.BlockRecord, error) {
	atomic.AddInt64(&f.calls, 1)
	if atomic.LoadInt32(&f.fail) > 0 {
		atomic.AddInt32(&f.fail, -1)
		return nil, fmt.Errorf("transient fetch failure")
	}
	rec, ok := f.blocks[number]
	if !ok {
		return nil, fmt.Errorf("block %d unknown", number)
	}
	return rec, nil
}

func testBlock(number uint64) *types.BlockRecord {
	hash := fmt.Sprintf("0x%064d", number)
	extHash := fmt.Sprintf("0x%063da", number)
	idx := 0
	return &types.BlockRecord{
		Number:          number,
		Hash:            hash,
		ParentHash:      fmt.Sprintf("0x%064d", number-1),
		StateRoot:       "0x01",
		ExtrinsicsRoot:  "0x02",
		Timestamp:       1700000000000 + int64(number)*5000,
		ExtrinsicsCount: 1,
		EventsCount:     2,
		Extrinsics: []types.ExtrinsicRecord{{
			Hash:        extHash,
			BlockNumber: number,
			BlockHash:   hash,
			Index:       0,
			Section:     "balances",
			Method:      "transfer",
			Signer:      alice,
			Args:        json.RawMessage(`[{"name":"dest","value":"` + bob + `"}]`),
			IsSigned:    true,
			Success:     true,
			Events: []types.EventRecord{{
				BlockNumber:    number,
				BlockHash:      hash,
				EventIndex:     0,
				ExtrinsicIndex: &idx,
				ExtrinsicHash:  extHash,
				Section:        "balances",
				Method:         "Transfer",
				Data:           json.RawMessage(`["` + alice + `","` + bob + `",100]`),
			}},
		}},
		Events: []types.EventRecord{{
			BlockNumber: number,
			BlockHash:   hash,
			EventIndex:  1,
			Section:     "session",
			Method:      "NewSession",
			Data:        json.RawMessage(`[9]`),
		}},
	}
}

func TestIngestIdempotent(t *testing.T) {
	st := newTestStore(t)
	b := bus.New()
	ix := New(st, &fakeFetcher{}, b, zerolog.Nop())
	ctx := context.Background()

	rec := testBlock(1000)
	require.NoError(t, ix.Ingest(ctx, rec))
	require.NoError(t, ix.Ingest(ctx, rec))

	var blocks, exts, events, edges int64
	require.NoError(t, st.DB().Model(&store.Block{}).Count(&blocks).Error)
	require.NoError(t, st.DB().Model(&store.Extrinsic{}).Count(&exts).Error)
	require.NoError(t, st.DB().Model(&store.Event{}).Count(&events).Error)
	require.NoError(t, st.DB().Model(&store.AddressExtrinsic{}).Count(&edges).Error)
	assert.EqualValues(t, 1, blocks)
	assert.EqualValues(t, 1, exts)
	assert.EqualValues(t, 2, events)
	assert.EqualValues(t, 2, edges, "signer + one participant")

	var addr store.Address
	require.NoError(t, st.DB().Where("address = ?", alice).First(&addr).Error)
	assert.EqualValues(t, 1, addr.TransactionCount, "replay must not inflate the counter")
}

func TestIngestDerivesAddressEdges(t *testing.T) {
	st := newTestStore(t)
	ix := New(st, &fakeFetcher{}, bus.New(), zerolog.Nop())

	require.NoError(t, ix.Ingest(context.Background(), testBlock(10)))

	var edges []store.AddressExtrinsic
	require.NoError(t, st.DB().Order("role desc").Find(&edges).Error)
	require.Len(t, edges, 2)

	roles := map[string]string{}
	for _, e := range edges {
		var a store.Address
		require.NoError(t, st.DB().Where("id = ?", e.AddressID).First(&a).Error)
		roles[a.Address] = e.Role
	}
	assert.Equal(t, store.RoleSigner, roles[alice])
	assert.Equal(t, store.RoleParticipant, roles[bob])
}

func TestOnHeadFetchesDetails(t *testing.T) {
	st := newTestStore(t)
	b := bus.New()
	fetcher := &fakeFetcher{blocks: map[uint64]*types.BlockRecord{2000: testBlock(2000)}}
	ix := New(st, fetcher, b, zerolog.Nop())

	txs := b.SubscribeTxSeen()
	details := b.SubscribeBlockDetails()

	ctx := context.Background()
	ix.OnHead(ctx, types.HeadSeen{Number: 2000, Hash: "0xabc", SeenAt: time.Now()})
	ix.wg.Wait()

	rec, err := st.GetBlockByNumber(ctx, 2000)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.ExtrinsicsCount)
	require.Len(t, rec.Extrinsics, 1)

	select {
	case tx := <-txs:
		assert.Equal(t, "balances", tx.Section)
		assert.Equal(t, alice, tx.Signer)
	default:
		t.Fatal("expected a tx event")
	}
	select {
	case d := <-details:
		assert.EqualValues(t, 2000, d.Number)
	default:
		t.Fatal("expected a block details event")
	}

	value, ok, err := st.GetState(ctx, store.StateLastScannedBlock)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2000", value)
}

func TestOnHeadRetriesTransientFailures(t *testing.T) {
	st := newTestStore(t)
	fetcher := &fakeFetcher{blocks: map[uint64]*types.BlockRecord{30: testBlock(30)}, fail: 2}
	ix := New(st, fetcher, bus.New(), zerolog.Nop())

	ctx := context.Background()
	ix.OnHead(ctx, types.HeadSeen{Number: 30, Hash: "0x1e", SeenAt: time.Now()})
	ix.wg.Wait()

	rec, err := st.GetBlockByNumber(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.ExtrinsicsCount)
	assert.EqualValues(t, 3, atomic.LoadInt64(&fetcher.calls))
}

func TestScanMarkNeverMovesBack(t *testing.T) {
	st := newTestStore(t)
	ix := New(st, &fakeFetcher{}, bus.New(), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, ix.Ingest(ctx, testBlock(50)))
	require.NoError(t, ix.Ingest(ctx, testBlock(40)))

	value, ok, err := st.GetState(ctx, store.StateLastScannedBlock)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "50", value)
}
