package chain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSigner = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"

func rawBlock(extrinsics ...string) *encodedBlock {
	raw := &encodedBlock{}
	raw.Block.Header.Number = "0x64"
	raw.Block.Header.ParentHash = "0x" + strings.Repeat("11", 32)
	raw.Block.Header.StateRoot = "0x" + strings.Repeat("22", 32)
	raw.Block.Header.ExtrinsicsRoot = "0x" + strings.Repeat("33", 32)
	raw.Block.Extrinsics = extrinsics
	return raw
}

func TestBuildBlockRecordStitchesEvents(t *testing.T) {
	hash := "0x" + strings.Repeat("ab", 32)
	extHash := "0x" + strings.Repeat("cd", 32)

	decodedExts := []map[string]interface{}{
		{
			"call_module":          "timestamp",
			"call_module_function": "set",
			"params": []interface{}{
				map[string]interface{}{"name": "now", "value": float64(1700000000000)},
			},
		},
		{
			"call_module":          "balances",
			"call_module_function": "transfer",
			"account_id":           testSigner,
			"signature":            "0xsig",
			"nonce":                float64(7),
			"extrinsic_hash":       extHash,
			"params":               []interface{}{},
		},
	}
	decodedEvents := []map[string]interface{}{
		{
			"module_id":     "balances",
			"event_id":      "Transfer",
			"extrinsic_idx": float64(1),
			"params":        []interface{}{testSigner, "dest", float64(100)},
		},
		{
			"module_id":     "system",
			"event_id":      "ExtrinsicSuccess",
			"extrinsic_idx": float64(1),
		},
		{
			"module_id": "session",
			"event_id":  "NewSession",
			"params":    []interface{}{float64(3)},
		},
	}

	rec := buildBlockRecord(100, hash, rawBlock("0x00", "0x00"), decodedExts, decodedEvents)

	assert.EqualValues(t, 100, rec.Number)
	assert.Equal(t, hash, rec.Hash)
	assert.Equal(t, "0x"+strings.Repeat("11", 32), rec.ParentHash)
	assert.EqualValues(t, 1700000000000, rec.Timestamp)
	assert.Equal(t, 2, rec.ExtrinsicsCount)
	assert.Equal(t, 3, rec.EventsCount)

	require.Len(t, rec.Extrinsics, 2)
	ts := rec.Extrinsics[0]
	assert.Equal(t, "timestamp", ts.Section)
	assert.False(t, ts.IsSigned)
	assert.True(t, ts.Success, "no failure event defaults to success")
	assert.Empty(t, ts.Events)

	transfer := rec.Extrinsics[1]
	assert.Equal(t, extHash, transfer.Hash)
	assert.Equal(t, testSigner, transfer.Signer)
	assert.True(t, transfer.IsSigned)
	require.NotNil(t, transfer.Nonce)
	assert.EqualValues(t, 7, *transfer.Nonce)
	assert.True(t, transfer.Success)
	require.Len(t, transfer.Events, 2)
	assert.Equal(t, extHash, transfer.Events[0].ExtrinsicHash, "hash backfilled onto events")

	// Only the non-extrinsic phase event stays standalone.
	require.Len(t, rec.Events, 1)
	assert.Equal(t, "NewSession", rec.Events[0].Method)
	assert.Nil(t, rec.Events[0].ExtrinsicIndex)
}

func TestBuildBlockRecordFailureEvent(t *testing.T) {
	decodedExts := []map[string]interface{}{
		{"call_module": "balances", "call_module_function": "transfer", "account_id": testSigner},
	}
	decodedEvents := []map[string]interface{}{
		{"module_id": "system", "event_id": "ExtrinsicFailed", "extrinsic_idx": float64(0)},
	}

	rec := buildBlockRecord(5, "0x"+strings.Repeat("00", 32), rawBlock("0x00"), decodedExts, decodedEvents)
	require.Len(t, rec.Extrinsics, 1)
	assert.False(t, rec.Extrinsics[0].Success)
}

func TestExtrinsicHashFallback(t *testing.T) {
	// Unsigned extrinsics carry no hash in the decode; the raw bytes are
	// hashed instead.
	h := extrinsicHash(map[string]interface{}{}, "0x280403000b0000000000")
	assert.True(t, strings.HasPrefix(h, "0x"))
	assert.Len(t, h, 66)

	// Deterministic for the same payload.
	assert.Equal(t, h, extrinsicHash(map[string]interface{}{}, "0x280403000b0000000000"))

	// Provided hashes win.
	given := "0x" + strings.Repeat("ef", 32)
	assert.Equal(t, given, extrinsicHash(map[string]interface{}{"extrinsic_hash": given}, "0x00"))

	assert.Empty(t, extrinsicHash(map[string]interface{}{}, "not-hex"))
}

func TestParseHexNumber(t *testing.T) {
	for input, want := range map[string]uint64{
		"0x64": 100,
		"0x0":  0,
		"0xff": 255,
		// No prefix still reads as hex.
		"ff": 255,
	} {
		got, err := parseHexNumber(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := parseHexNumber("0xzz")
	assert.Error(t, err)
}

func TestDecodeU32LE(t *testing.T) {
	v, err := decodeU32LE("0x2a000000")
	require.NoError(t, err)
	assert.EqualValues(t, 42, v)

	v, err = decodeU32LE("01000000")
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)

	_, err = decodeU32LE("0x01")
	assert.Error(t, err, "short payload")
	_, err = decodeU32LE("0xzz000000")
	assert.Error(t, err)
}

func TestEraArithmeticFallback(t *testing.T) {
	// tip 1234 → era 10, era start 1200, 34 blocks in, 86 remaining.
	tip := uint64(1234)
	era := tip / BlocksPerEra
	start := era * BlocksPerEra
	assert.EqualValues(t, 10, era)
	assert.EqualValues(t, 1200, start)
	assert.EqualValues(t, 34, tip-start)
	assert.EqualValues(t, 86, BlocksPerEra-(tip-start))
}
