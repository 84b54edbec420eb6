package config

import (
	"encoding/json"
	"hash/fnv"
)

func fnv64(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// canonicalHashJSON ignores key order and whitespace. Raw bytes are hashed
// when raw is not valid JSON.
func canonicalHashJSON(raw json.RawMessage) uint64 {
	if len(raw) == 0 {
		return 0
	}
	var v any
	if json.Unmarshal(raw, &v) != nil {
		return fnv64(raw)
	}
	if h := fingerprint(v); h != 0 {
		return h
	}
	return fnv64(raw)
}

// fingerprint is 0 when v cannot be encoded; callers treat 0 as "unknown".
func fingerprint(v any) uint64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return fnv64(b)
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	return fingerprint(cfg)
}
