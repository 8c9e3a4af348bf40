package indexer

import (
	"encoding/json"
)

// collectAddresses walks an opaque decoded JSON value and gathers every
// string that looks like an address. False positives only add a benign
// participant edge.
func collectAddresses(raw json.RawMessage, looksLike func(string) bool, out map[string]struct{}) {
	if len(raw) == 0 {
		return
	}
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return
	}
	walkValue(value, looksLike, out)
}

func walkValue(v interface{}, looksLike func(string) bool, out map[string]struct{}) {
	switch t := v.(type) {
	case string:
		if looksLike(t) {
			out[t] = struct{}{}
		}
	case []interface{}:
		for _, item := range t {
			walkValue(item, looksLike, out)
		}
	case map[string]interface{}:
		for _, item := range t {
			walkValue(item, looksLike, out)
		}
	}
}
