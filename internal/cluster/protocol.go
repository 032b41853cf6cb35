package cluster

import (
	"encoding/json"

	"chatcluster/internal/store"
)

// Peer wire commands (§4.F/§4.H/§4.I), carried over the same framed
// transport as the client protocol (internal/wire) on the internal port.
const (
	cmdPing             = "ping"
	cmdDistributeUpdate = "distribute_update"
	cmdGetDatabase      = "get_database"
	cmdSetDatabase      = "set_database"
	cmdInternalUpdate   = "internal_update"
)

// DatabasePayload carries a full state snapshot for state transfer (§4.I),
// the reply to get_database.
type DatabasePayload struct {
	Shards store.Shards `json:"shards"`
}

// InternalUpdatePayload announces a leader change (§6, SPEC_FULL.md
// Supplemented Features — ported from original_source/handle_servers.py's
// internal_update handling). Purely a latency optimization: receivers adopt
// it as a hint, but their own next tick's electLeader recomputation is still
// authoritative, so a stale or adversarial announcement self-heals within
// one tick interval.
type InternalUpdatePayload struct {
	Leader string `json:"leader"`
}

func decode[T any](data json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
