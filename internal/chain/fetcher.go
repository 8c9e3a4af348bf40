package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/itering/substrate-api-rpc/storageKey"
	"github.com/itering/substrate-api-rpc/util"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"github.com/dotscope/dotscope/internal/errs"
	"github.com/dotscope/dotscope/internal/types"
)

// Fetcher assembles fully decoded BlockRecords from pool clients: header,
// extrinsics, and the per-extrinsic event sublists.
type Fetcher struct {
	pool *Pool
	dec  *Decoder
	log  zerolog.Logger

	systemEventsKey string
}

func NewFetcher(pool *Pool, dec *Decoder, log zerolog.Logger) *Fetcher {
	key := storageKey.EncodeStorageKey("System", "Events")
	return &Fetcher{
		pool:            pool,
		dec:             dec,
		log:             log.With().Str("component", "chain.fetcher").Logger(),
		systemEventsKey: util.AddHex(key.EncodeKey),
	}
}

// Pool exposes the underlying connection pool (for drain registration).
func (f *Fetcher) Pool() *Pool {
	return f.pool
}

// TipHeader returns the current best header with its hash resolved.
func (f *Fetcher) TipHeader(ctx context.Context) (*types.Header, error) {
	c := f.pool.Next()
	header, err := c.Header(ctx, "")
	if err != nil {
		return nil, err
	}
	hash, err := c.BlockHash(ctx, header.Number)
	if err != nil {
		return nil, err
	}
	header.Hash = hash
	return header, nil
}

// TipNumber returns the current best block number.
func (f *Fetcher) TipNumber(ctx context.Context) (uint64, error) {
	header, err := f.pool.Next().Header(ctx, "")
	if err != nil {
		return 0, err
	}
	return header.Number, nil
}

// BlockByNumber fetches and assembles the block at the given height.
func (f *Fetcher) BlockByNumber(ctx context.Context, number uint64) (*types.BlockRecord, error) {
	c := f.pool.Acquire(int(number))
	hash, err := c.BlockHash(ctx, number)
	if err != nil {
		return nil, err
	}
	return f.assemble(ctx, c, number, hash)
}

// BlockByHash fetches and assembles the block with the given hash.
func (f *Fetcher) BlockByHash(ctx context.Context, hash string) (*types.BlockRecord, error) {
	hash = types.NormalizeHash(hash)
	if !types.IsHash(hash) {
		return nil, errs.BadRequest("malformed block hash %q", hash)
	}
	c := f.pool.Next()
	header, err := c.Header(ctx, hash)
	if err != nil {
		return nil, err
	}
	return f.assemble(ctx, c, header.Number, hash)
}

// assemble issues the block and events reads in parallel, decodes both, and
// stitches events onto their applying extrinsics.
func (f *Fetcher) assemble(ctx context.Context, c *Client, number uint64, hash string) (*types.BlockRecord, error) {
	var (
		raw       *encodedBlock
		rawEvents string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		raw, err = c.RawBlock(gctx, hash)
		return err
	})
	g.Go(func() error {
		var err error
		rawEvents, err = c.Storage(gctx, f.systemEventsKey, hash)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	decodedExts, err := f.dec.DecodeExtrinsics(ctx, c, hash, raw.Block.Extrinsics)
	if err != nil {
		return nil, err
	}
	decodedEvents, err := f.dec.DecodeEvents(ctx, c, hash, rawEvents)
	if err != nil {
		// Event decode failures degrade to an event-less block; the
		// extrinsics themselves are still served.
		f.log.Warn().Err(err).Uint64("block", number).Msg("Event decode failed")
		decodedEvents = nil
	}

	return buildBlockRecord(number, hash, raw, decodedExts, decodedEvents), nil
}

// buildBlockRecord maps the codec's untyped output onto the typed record.
// Split out so the mapping is testable without a live session.
func buildBlockRecord(number uint64, hash string, raw *encodedBlock, decodedExts, decodedEvents []map[string]interface{}) *types.BlockRecord {
	rec := &types.BlockRecord{
		Number:         number,
		Hash:           types.NormalizeHash(hash),
		ParentHash:     types.NormalizeHash(raw.Block.Header.ParentHash),
		StateRoot:      types.NormalizeHash(raw.Block.Header.StateRoot),
		ExtrinsicsRoot: types.NormalizeHash(raw.Block.Header.ExtrinsicsRoot),
	}

	events := make([]types.EventRecord, 0, len(decodedEvents))
	byExtrinsic := make(map[int][]int)
	success := make(map[int]bool)
	for i, ev := range decodedEvents {
		record := types.EventRecord{
			BlockNumber: number,
			BlockHash:   rec.Hash,
			EventIndex:  i,
			Section:     mapString(ev, "module_id", "call_module"),
			Method:      mapString(ev, "event_id", "call_module_function"),
			Data:        mapJSON(ev, "params", "data"),
		}
		if idx, ok := mapInt(ev, "extrinsic_idx"); ok && idx >= 0 {
			applied := idx
			record.ExtrinsicIndex = &applied
			byExtrinsic[applied] = append(byExtrinsic[applied], i)

			if strings.EqualFold(record.Section, "system") {
				switch strings.ToLower(record.Method) {
				case "extrinsicsuccess":
					success[applied] = true
				case "extrinsicfailed":
					success[applied] = false
				}
			}
		}
		events = append(events, record)
	}

	extrinsics := make([]types.ExtrinsicRecord, 0, len(decodedExts))
	for i, ext := range decodedExts {
		var rawBytes string
		if i < len(raw.Block.Extrinsics) {
			rawBytes = raw.Block.Extrinsics[i]
		}
		record := types.ExtrinsicRecord{
			Hash:        extrinsicHash(ext, rawBytes),
			BlockNumber: number,
			BlockHash:   rec.Hash,
			Index:       i,
			Section:     mapString(ext, "call_module"),
			Method:      mapString(ext, "call_module_function"),
			Signer:      mapString(ext, "account_id", "address"),
			Args:        mapJSON(ext, "params"),
			Signature:   mapString(ext, "signature"),
		}
		record.IsSigned = record.Signature != "" || record.Signer != ""
		if nonce, ok := mapUint64(ext, "nonce"); ok && record.IsSigned {
			record.Nonce = &nonce
		}
		// Absent a success/failure event (pre-decode gaps), default true.
		if s, ok := success[i]; ok {
			record.Success = s
		} else {
			record.Success = true
		}
		for _, evIdx := range byExtrinsic[i] {
			events[evIdx].ExtrinsicHash = record.Hash
			record.Events = append(record.Events, events[evIdx])
		}

		if record.Section == "timestamp" && record.Method == "set" {
			if ts, ok := timestampFromParams(ext["params"]); ok {
				rec.Timestamp = ts
			}
		}
		extrinsics = append(extrinsics, record)
	}

	standalone := make([]types.EventRecord, 0)
	for _, ev := range events {
		if ev.ExtrinsicIndex == nil {
			standalone = append(standalone, ev)
		}
	}

	rec.Extrinsics = extrinsics
	rec.Events = standalone
	rec.ExtrinsicsCount = len(extrinsics)
	rec.EventsCount = len(events)
	return rec
}

// extrinsicHash prefers the codec-provided hash and falls back to hashing
// the encoded extrinsic (unsigned extrinsics carry no hash in the decode).
func extrinsicHash(ext map[string]interface{}, rawExtrinsic string) string {
	if h := mapString(ext, "extrinsic_hash"); h != "" {
		return types.NormalizeHash(h)
	}
	data, err := hex.DecodeString(strings.TrimPrefix(rawExtrinsic, "0x"))
	if err != nil || len(data) == 0 {
		return ""
	}
	sum := blake2b.Sum256(data)
	return types.NormalizeHash(hex.EncodeToString(sum[:]))
}

// timestampFromParams digs the millisecond timestamp out of the decoded
// timestamp.set parameter list.
func timestampFromParams(params interface{}) (int64, bool) {
	list, ok := params.([]interface{})
	if !ok || len(list) == 0 {
		return 0, false
	}
	first, ok := list[0].(map[string]interface{})
	if !ok {
		return 0, false
	}
	switch v := first["value"].(type) {
	case float64:
		return int64(v), true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
	case string:
		var n int64
		if err := json.Unmarshal([]byte(v), &n); err == nil {
			return n, true
		}
	}
	return 0, false
}
