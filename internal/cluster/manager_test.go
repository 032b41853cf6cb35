package cluster

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatcluster/internal/metrics"
	"chatcluster/internal/model"
	"chatcluster/internal/state"
	"chatcluster/internal/store"
	"chatcluster/internal/update"
)

// newTestManager builds a Manager wired to a throwaway store and state
// container, binds it to a real TCP listener on addr, and runs it for the
// life of the test, mirroring internal/engine/engine_test.go's preference
// for exercising the real connection-handling path over a mock transport.
func newTestManager(t *testing.T, id, addr string, candidates []string) *Manager {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	sc := state.New(store.Shards{})
	m := New(id, addr, candidates, st, sc, metrics.New("cluster-test-"+id+"-"+t.Name()), zerolog.Nop())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("listen %s: %v", addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})
	go m.Start(ctx, ln)
	return m
}

// waitFor polls cond up to a deadline, driving each Manager's tick directly
// rather than waiting on the real 1s tickInterval, so peer dialing and
// leader recomputation converge quickly and deterministically in a test.
func waitFor(t *testing.T, ms []*Manager, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range ms {
			m.tick()
		}
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

// linked reports whether m holds an outbound link to endpoint, the only
// kind of link Distribute fans updates out over.
func linked(m *Manager, endpoint string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.peers[endpoint]
	return ok
}

// TestManagerLinksAndElectsLeader: two Managers dial each other over real
// sockets, elect the lexicographically smaller endpoint as leader, and the
// follower completes a get_database/set_database state transfer to become
// synced.
func TestManagerLinksAndElectsLeader(t *testing.T) {
	const addrLo = "127.0.0.1:19300"
	const addrHi = "127.0.0.1:19301"

	lo := newTestManager(t, "lo", addrLo, []string{addrHi})
	hi := newTestManager(t, "hi", addrHi, []string{addrLo})

	waitFor(t, []*Manager{lo, hi}, func() bool {
		return lo.Leader() == addrLo && hi.Leader() == addrLo
	})

	if !lo.Synced() {
		t.Fatalf("lo elected itself leader, so it should already be synced")
	}
	waitFor(t, []*Manager{lo, hi}, hi.Synced)
}

// TestManagerLeaderChangesOnMembershipChange covers §8 scenario #4: mid
// starts as the only reachable candidate and elects itself leader, then lo
// joins the cluster with a lexicographically smaller endpoint and both
// replicas re-elect it leader on their next tick.
func TestManagerLeaderChangesOnMembershipChange(t *testing.T) {
	const addrLo = "127.0.0.1:19311"
	const addrMid = "127.0.0.1:19320"

	mid := newTestManager(t, "mid", addrMid, []string{addrLo})

	waitFor(t, []*Manager{mid}, func() bool {
		return mid.Leader() == addrMid
	})
	if !mid.Synced() {
		t.Fatalf("mid should be synced as its own leader before lo joins")
	}

	lo := newTestManager(t, "lo", addrLo, []string{addrMid})

	waitFor(t, []*Manager{mid, lo}, func() bool {
		return mid.Leader() == addrLo && lo.Leader() == addrLo
	})
}

// TestManagerReplicationIsIdempotent covers §8 scenario #5: the same
// UpdateRecord delivered twice over the peer wire must be applied exactly
// once, exercising Distribute, the wire transport, handlePeerFrame, and
// applyRecord's dedup together rather than the state container in isolation
// (internal/state/state_test.go already covers that narrower path).
func TestManagerReplicationIsIdempotent(t *testing.T) {
	const addrA = "127.0.0.1:19330"
	const addrB = "127.0.0.1:19331"

	a := newTestManager(t, "a", addrA, []string{addrB})
	b := newTestManager(t, "b", addrB, []string{addrA})

	waitFor(t, []*Manager{a, b}, func() bool {
		return linked(a, addrB) && b.Leader() == addrA && b.Synced()
	})

	rec, err := update.New(update.KindSendMessage, update.SendMessagePayload{
		ID: 1, Sender: "alice", Receiver: "bob", Content: "hi", Timestamp: "t",
	})
	if err != nil {
		t.Fatalf("update.New: %v", err)
	}

	a.Distribute(rec)
	a.Distribute(rec)

	key := model.NewConversationKey("alice", "bob").String()
	var msgs []model.Message
	waitFor(t, []*Manager{a, b}, func() bool {
		msgs = b.state.Snapshot().Messages.Delivered[key]
		return len(msgs) >= 1
	})
	if len(msgs) != 1 {
		t.Fatalf("delivered messages on follower = %d, want exactly 1 (duplicate distribute_update must dedup)", len(msgs))
	}
}

// TestManagerPurgesAccountAcrossReplicas covers §8 scenario #6: a
// delete_account UpdateRecord applied via the peer wire removes the
// account on the follower the same way a direct ApplyDeleteAccount would.
func TestManagerPurgesAccountAcrossReplicas(t *testing.T) {
	const addrA = "127.0.0.1:19340"
	const addrB = "127.0.0.1:19341"

	a := newTestManager(t, "a", addrA, []string{addrB})
	b := newTestManager(t, "b", addrB, []string{addrA})

	waitFor(t, []*Manager{a, b}, func() bool {
		return linked(a, addrB) && b.Leader() == addrA && b.Synced()
	})

	b.state.ApplyCreateAccount("carol", "hash")

	rec, err := update.New(update.KindDeleteAccount, update.DeleteAccountPayload{Username: "carol"})
	if err != nil {
		t.Fatalf("update.New: %v", err)
	}
	a.Distribute(rec)

	waitFor(t, []*Manager{a, b}, func() bool {
		_, ok := b.state.Snapshot().Users["carol"]
		return !ok
	})
}
