package chain

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/itering/substrate-api-rpc/storageKey"
	"github.com/itering/substrate-api-rpc/util"
	"github.com/rs/zerolog"

	"github.com/dotscope/dotscope/internal/types"
)

// Chain constants for the era readout: 5 s blocks, 10 min eras.
const (
	BlockTimeSeconds   = 5
	EraDurationSeconds = 600
	BlocksPerEra       = EraDurationSeconds / BlockTimeSeconds
)

// Staking reads the era state out of on-chain storage. All reads degrade:
// when storage is unreadable the readout falls back to block arithmetic
// (era = tip / blocksPerEra).
type Staking struct {
	pool *Pool
	log  zerolog.Logger

	currentEraKey string
	activeEraKey  string
}

func NewStaking(pool *Pool, log zerolog.Logger) *Staking {
	return &Staking{
		pool:          pool,
		log:           log.With().Str("component", "chain.staking").Logger(),
		currentEraKey: util.AddHex(storageKey.EncodeStorageKey("Staking", "CurrentEra").EncodeKey),
		activeEraKey:  util.AddHex(storageKey.EncodeStorageKey("Staking", "ActiveEra").EncodeKey),
	}
}

// EraInfo assembles the era readout at the current tip.
func (s *Staking) EraInfo(ctx context.Context, tip uint64) (*types.EraInfo, error) {
	info := &types.EraInfo{
		BlockTime:    BlockTimeSeconds,
		EraDuration:  EraDurationSeconds,
		BlocksPerEra: BlocksPerEra,
	}

	client := s.pool.Next()

	currentEra, curOK := s.readU32(ctx, client, s.currentEraKey)
	activeEra, activeStart, actOK := s.readActiveEra(ctx, client)

	if !curOK && !actOK {
		// Block-based arithmetic fallback.
		currentEra = uint32(tip / BlocksPerEra)
		activeEra = currentEra
	} else if !curOK {
		currentEra = activeEra
	} else if !actOK {
		activeEra = currentEra
	}

	eraStart := s.eraStart(ctx, client, currentEra, activeStart, tip)

	info.CurrentEra = currentEra
	info.ActiveEra = activeEra
	info.ActiveEraStart = eraStart
	if tip >= eraStart {
		info.CurrentBlockInEra = tip - eraStart
	}
	if info.CurrentBlockInEra > BlocksPerEra {
		info.CurrentBlockInEra = info.CurrentBlockInEra % BlocksPerEra
	}
	info.BlocksRemainingInEra = BlocksPerEra - info.CurrentBlockInEra
	info.TimeRemainingInEra = info.BlocksRemainingInEra * BlockTimeSeconds
	info.EraProgressPercentage = float64(info.CurrentBlockInEra) / float64(BlocksPerEra) * 100
	return info, nil
}

// eraStart picks the era start block: the per-era storage item when valid,
// then the active-era start when in range, then arithmetic.
func (s *Staking) eraStart(ctx context.Context, client *Client, era uint32, activeStart uint64, tip uint64) uint64 {
	if start, ok := s.readErasStart(ctx, client, era); ok && start <= tip {
		return start
	}
	if activeStart > 0 && activeStart <= tip {
		return activeStart
	}
	return (tip / BlocksPerEra) * BlocksPerEra
}

func (s *Staking) readU32(ctx context.Context, client *Client, key string) (uint32, bool) {
	raw, err := client.Storage(ctx, key, "")
	if err != nil || raw == "" {
		return 0, false
	}
	v, err := decodeU32LE(raw)
	if err != nil {
		s.log.Debug().Err(err).Str("key", key).Msg("Storage decode failed")
		return 0, false
	}
	return v, true
}

// readActiveEra decodes the ActiveEraInfo struct: index u32 followed by an
// optional u64 start.
func (s *Staking) readActiveEra(ctx context.Context, client *Client) (uint32, uint64, bool) {
	raw, err := client.Storage(ctx, s.activeEraKey, "")
	if err != nil || raw == "" {
		return 0, 0, false
	}
	data, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil || len(data) < 4 {
		return 0, 0, false
	}
	index := binary.LittleEndian.Uint32(data[:4])
	var start uint64
	if len(data) >= 13 && data[4] == 1 {
		start = binary.LittleEndian.Uint64(data[5:13])
	}
	return index, start, true
}

func (s *Staking) readErasStart(ctx context.Context, client *Client, era uint32) (uint64, bool) {
	defer func() {
		// Storage key encoding for parameterized items can reject unknown
		// hashers; the readout falls back rather than propagating.
		_ = recover()
	}()

	eraParam := make([]byte, 4)
	binary.LittleEndian.PutUint32(eraParam, era)
	key := storageKey.EncodeStorageKey("Staking", "ErasStartSessionIndex", util.AddHex(hex.EncodeToString(eraParam)))
	if key.EncodeKey == "" {
		return 0, false
	}
	raw, err := client.Storage(ctx, util.AddHex(key.EncodeKey), "")
	if err != nil || raw == "" {
		return 0, false
	}
	v, err := decodeU32LE(raw)
	if err != nil {
		return 0, false
	}
	return uint64(v), true
}

func decodeU32LE(raw string) (uint32, error) {
	data, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return 0, err
	}
	if len(data) < 4 {
		return 0, fmt.Errorf("short u32 payload: %d bytes", len(data))
	}
	return binary.LittleEndian.Uint32(data[:4]), nil
}
