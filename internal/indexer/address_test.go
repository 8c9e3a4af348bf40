package indexer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dotscope/dotscope/internal/types"
)

const (
	alice = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"
	bob   = "5FHneW46xGXgs5mUiveU4sbTyGBzmstUspZC92UhjJM694ty"
)

func TestCollectAddressesWalksNestedJSON(t *testing.T) {
	raw := json.RawMessage(`[
		{"name":"dest","value":{"Id":"` + alice + `"}},
		{"name":"value","value":"12345"},
		{"name":"calls","value":[{"args":{"who":"` + bob + `"}}]}
	]`)

	found := make(map[string]struct{})
	collectAddresses(raw, types.IsAddress, found)

	assert.Len(t, found, 2)
	assert.Contains(t, found, alice)
	assert.Contains(t, found, bob)
}

func TestCollectAddressesTolerates(t *testing.T) {
	for _, raw := range []json.RawMessage{nil, json.RawMessage(`not json`), json.RawMessage(`null`), json.RawMessage(`42`)} {
		found := make(map[string]struct{})
		collectAddresses(raw, types.IsAddress, found)
		assert.Empty(t, found)
	}
}
