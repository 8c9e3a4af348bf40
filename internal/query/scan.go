package query

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/dotscope/dotscope/internal/config"
	"github.com/dotscope/dotscope/internal/metrics"
	"github.com/dotscope/dotscope/internal/types"
)

// liveAddressScan runs the RPC fallback: a shallow preflight narrows the
// range to blocks that mention the address, then the target set is scanned in
// parallel batches. Hitting the deadline returns the partial result.
func (e *Engine) liveAddressScan(ctx context.Context, p AddressSearchParams, tip uint64) ([]types.Hit, uint64) {
	targets := e.targetBlocks(ctx, p, tip)

	var (
		mu      sync.Mutex
		hits    []types.Hit
		scanned uint64
	)
	e.scanBlocks(ctx, targets, p.BatchSize, func(rec *types.BlockRecord) {
		blockHits := addressHits(rec, p.Address, p.Pallet, p.Method)
		mu.Lock()
		scanned++
		hits = append(hits, blockHits...)
		mu.Unlock()
	})

	sort.Slice(hits, func(i, j int) bool { return hits[i].BlockNumber > hits[j].BlockNumber })
	metrics.BlocksScanned.Add(float64(scanned))
	return hits, scanned
}

// targetBlocks picks the set of heights to scan: the preflight's active set
// (±2, unioned with the trailing 50) when it found mentions, the plain
// trailing window otherwise. Descending, capped at blocksToScan.
func (e *Engine) targetBlocks(ctx context.Context, p AddressSearchParams, tip uint64) []uint64 {
	depth := minInt(p.BlocksToScan, preflightDepth)
	active := make(map[uint64]struct{})
	e.scanBlocks(ctx, trailing(tip, depth), p.BatchSize, func(rec *types.BlockRecord) {
		if blockMentions(rec, p.Address) {
			for d := -activeSetMargin; d <= activeSetMargin; d++ {
				n := int64(rec.Number) + int64(d)
				if n > 0 && uint64(n) <= tip {
					active[uint64(n)] = struct{}{}
				}
			}
		}
	})

	if len(active) == 0 {
		return trailing(tip, p.BlocksToScan)
	}
	for _, n := range trailing(tip, trailingUnionSize) {
		active[n] = struct{}{}
	}
	targets := make([]uint64, 0, len(active))
	for n := range active {
		targets = append(targets, n)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] > targets[j] })
	if len(targets) > p.BlocksToScan {
		targets = targets[:p.BlocksToScan]
	}
	return targets
}

// trailing is the descending window {tip, tip-1, …} of at most count heights,
// clamped above zero.
func trailing(tip uint64, count int) []uint64 {
	out := make([]uint64, 0, count)
	for i := 0; i < count; i++ {
		n := int64(tip) - int64(i)
		if n <= 0 {
			break
		}
		out = append(out, uint64(n))
	}
	return out
}

// scanBlocks fetches the given heights in batches of batchSize, at most
// MaxConcurrentConnections batches in flight. Fetch failures and deadline
// expiry skip blocks; visit runs once per successfully fetched block.
func (e *Engine) scanBlocks(ctx context.Context, numbers []uint64, batchSize int, visit func(*types.BlockRecord)) {
	sem := make(chan struct{}, config.MaxConcurrentConnections)
	var wg sync.WaitGroup
	for start := 0; start < len(numbers); start += batchSize {
		if ctx.Err() != nil {
			break
		}
		end := minInt(start+batchSize, len(numbers))
		batch := numbers[start:end]

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(batch []uint64) {
			defer wg.Done()
			defer func() { <-sem }()
			for _, number := range batch {
				if ctx.Err() != nil {
					return
				}
				rec, err := e.chain.BlockByNumber(ctx, number)
				if err != nil {
					e.log.Debug().Err(err).Uint64("number", number).Msg("Scan fetch failed")
					continue
				}
				visit(rec)
			}
		}(batch)
	}
	wg.Wait()
}

// blockMentions reports whether any event payload in the block textually
// contains the address.
func blockMentions(rec *types.BlockRecord, address string) bool {
	for i := range rec.Events {
		if strings.Contains(string(rec.Events[i].Data), address) {
			return true
		}
	}
	for i := range rec.Extrinsics {
		for j := range rec.Extrinsics[i].Events {
			if strings.Contains(string(rec.Extrinsics[i].Events[j].Data), address) {
				return true
			}
		}
	}
	return false
}

// addressHits emits the hits for one block: signed extrinsics from the
// address, and event records whose data mentions it.
func addressHits(rec *types.BlockRecord, address, pallet, method string) []types.Hit {
	var hits []types.Hit
	for i := range rec.Extrinsics {
		ext := &rec.Extrinsics[i]
		if ext.IsSigned && ext.Signer == address && matchesFilter(ext.Section, ext.Method, pallet, method) {
			hits = append(hits, extrinsicHit(ext))
		}
	}
	emitEvent := func(ev *types.EventRecord, extIndex int) {
		if !strings.Contains(string(ev.Data), address) {
			return
		}
		idx := ev.EventIndex
		hits = append(hits, types.Hit{
			BlockNumber:    ev.BlockNumber,
			BlockHash:      ev.BlockHash,
			Section:        ev.Section,
			Method:         ev.Method,
			Data:           ev.Data,
			ExtrinsicHash:  ev.ExtrinsicHash,
			ExtrinsicIndex: extIndex,
			EventIndex:     &idx,
		})
	}
	for i := range rec.Extrinsics {
		for j := range rec.Extrinsics[i].Events {
			emitEvent(&rec.Extrinsics[i].Events[j], rec.Extrinsics[i].Index)
		}
	}
	for i := range rec.Events {
		emitEvent(&rec.Events[i], -1)
	}
	return hits
}

// scanForExtrinsic walks depth trailing blocks below tip in descending
// batches, returning the match or nil.
func (e *Engine) scanForExtrinsic(ctx context.Context, hash string, tip uint64, depth int) (*ExtrinsicResult, error) {
	numbers := trailing(tip, depth)

	var (
		mu      sync.Mutex
		found   *ExtrinsicResult
		scanned uint64
	)
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for start := 0; start < len(numbers) && found == nil; start += extrinsicBatchSize {
		end := minInt(start+extrinsicBatchSize, len(numbers))
		e.scanBlocks(scanCtx, numbers[start:end], extrinsicBatchSize/config.MaxConcurrentConnections, func(rec *types.BlockRecord) {
			mu.Lock()
			scanned++
			mu.Unlock()
			for i := range rec.Extrinsics {
				if rec.Extrinsics[i].Hash == hash {
					mu.Lock()
					if found == nil {
						ext := rec.Extrinsics[i]
						found = &ExtrinsicResult{Extrinsic: &ext, Block: rec}
					}
					mu.Unlock()
					cancel()
					return
				}
			}
		})
		if ctx.Err() != nil {
			break
		}
	}
	metrics.BlocksScanned.Add(float64(scanned))
	return found, nil
}
