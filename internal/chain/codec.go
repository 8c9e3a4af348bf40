package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	substrate "github.com/itering/substrate-api-rpc"
	"github.com/itering/substrate-api-rpc/metadata"
	"github.com/rs/zerolog"

	"github.com/dotscope/dotscope/internal/errs"
)

// Decoder turns raw SCALE payloads into the untyped maps produced by the
// substrate-api-rpc codec. Runtime metadata is fetched once per spec version
// and cached for the life of the process.
type Decoder struct {
	log zerolog.Logger

	mu        sync.Mutex
	metadatas map[int]*metadata.Instant
}

func NewDecoder(log zerolog.Logger) *Decoder {
	return &Decoder{
		log:       log.With().Str("component", "chain.codec").Logger(),
		metadatas: make(map[int]*metadata.Instant),
	}
}

// instantAt resolves the metadata instant governing the block at hash.
func (d *Decoder) instantAt(ctx context.Context, c *Client, hash string) (*metadata.Instant, int, error) {
	specVersion, err := c.RuntimeVersion(ctx, hash)
	if err != nil {
		return nil, 0, err
	}

	d.mu.Lock()
	inst, ok := d.metadatas[specVersion]
	d.mu.Unlock()
	if ok {
		return inst, specVersion, nil
	}

	raw, err := c.Metadata(ctx, hash)
	if err != nil {
		return nil, 0, err
	}
	inst = metadata.RegNewMetadataType(specVersion, raw)
	if inst == nil {
		return nil, 0, errs.Decode("metadata registration failed for spec %d", specVersion)
	}

	d.mu.Lock()
	d.metadatas[specVersion] = inst
	d.mu.Unlock()
	d.log.Info().Int("spec_version", specVersion).Msg("Runtime metadata registered")
	return inst, specVersion, nil
}

// DecodeExtrinsics decodes the raw extrinsics of the block at hash.
func (d *Decoder) DecodeExtrinsics(ctx context.Context, c *Client, hash string, raw []string) (decoded []map[string]interface{}, err error) {
	if len(raw) == 0 {
		return nil, nil
	}
	inst, specVersion, err := d.instantAt(ctx, c, hash)
	if err != nil {
		return nil, err
	}

	// The codec panics on malformed payloads; surface that as a decode error.
	defer func() {
		if r := recover(); r != nil {
			err = errs.Decode("extrinsics at %s: %v", hash, r)
		}
	}()
	decoded, err = substrate.DecodeExtrinsic(raw, inst, specVersion)
	if err != nil {
		return nil, errs.Decode("extrinsics at %s: %v", hash, err)
	}
	return decoded, nil
}

// DecodeEvents decodes the System.Events storage payload of the block at
// hash. An empty payload yields no events and no error.
func (d *Decoder) DecodeEvents(ctx context.Context, c *Client, hash string, rawHex string) (events []map[string]interface{}, err error) {
	if rawHex == "" || rawHex == "0x" {
		return nil, nil
	}
	inst, specVersion, err := d.instantAt(ctx, c, hash)
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = errs.Decode("events at %s: %v", hash, r)
		}
	}()
	result, err := substrate.DecodeEvent(rawHex, inst, specVersion)
	if err != nil {
		return nil, errs.Decode("events at %s: %v", hash, err)
	}

	list, ok := result.([]interface{})
	if !ok {
		return nil, errs.Decode("events at %s: unexpected shape %T", hash, result)
	}
	events = make([]map[string]interface{}, 0, len(list))
	for i, e := range list {
		m, ok := e.(map[string]interface{})
		if !ok {
			d.log.Warn().Str("block_hash", hash).Int("event", i).Msg("Event record cast failed")
			continue
		}
		events = append(events, m)
	}
	return events, nil
}

// Helpers for reading the codec's untyped maps. Key names shifted across
// codec revisions, so lookups try aliases in order.

func mapString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func mapInt(m map[string]interface{}, keys ...string) (int, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int(n), true
		case int:
			return n, true
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return int(i), true
			}
		}
	}
	return 0, false
}

func mapUint64(m map[string]interface{}, keys ...string) (uint64, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			if n >= 0 {
				return uint64(n), true
			}
		case int:
			if n >= 0 {
				return uint64(n), true
			}
		case string:
			var u uint64
			if _, err := fmt.Sscanf(n, "%d", &u); err == nil {
				return u, true
			}
		}
	}
	return 0, false
}

// mapJSON marshals a decoded sub-tree to an opaque JSON blob. The blob is
// stored verbatim and never queried.
func mapJSON(m map[string]interface{}, keys ...string) json.RawMessage {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			if raw, err := json.Marshal(v); err == nil {
				return raw
			}
		}
	}
	return json.RawMessage("null")
}
