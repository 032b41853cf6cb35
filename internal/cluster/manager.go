// Package cluster is the Peer Link Manager (§4.F), Leader Elector (§4.G),
// Replication Dispatcher (§4.H), and Replication Applier plus state
// transfer (§4.I). One Manager per replica maintains outbound links to
// every other configured replica, answers inbound peer requests, recomputes
// the leader on every membership change, fans out originated updates, and
// applies inbound ones idempotently.
//
// Grounded on original_source/handle_servers.py's ServerCoordinator: its
// selectors-based event loop becomes a goroutine per link plus a 1s tick
// loop (monitor_network_peers -> Manager.tick), its verify_leader/
// select_leader becomes electLeader, and its sync_database_from_leader/
// broadcast_update become requestSyncFromLeader/Distribute. Connection
// handling (dial, read pump, write pump) is grounded on
// internal/server/client.go.
package cluster

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"chatcluster/internal/metrics"
	"chatcluster/internal/model"
	"chatcluster/internal/state"
	"chatcluster/internal/store"
	"chatcluster/internal/update"
	"chatcluster/internal/wire"
)

// tickInterval is how often the Manager pings linked peers, dials missing
// peers, recomputes the leader, and (while unsynced) re-requests a snapshot, mirroring
// monitor_network_peers' polling cadence.
const tickInterval = time.Second

// dialTimeout bounds a single outbound connection attempt to a peer.
const dialTimeout = 2 * time.Second

// Manager owns one replica's view of the cluster.
type Manager struct {
	replicaID  string
	self       string
	candidates []string
	store      *store.Store
	state      *state.Container
	metrics    *metrics.Replica
	log        zerolog.Logger

	mu     sync.Mutex
	peers  map[string]*peerConn
	leader string
	synced atomic.Bool

	persistCh chan struct{}
}

// New builds a Manager. self and candidates are "host:port" internal
// endpoints (§4.F); candidates must not include self. A Manager started
// with no candidates is synced immediately: there is no cluster to join.
func New(replicaID, self string, candidates []string, st *store.Store, sc *state.Container, m *metrics.Replica, log zerolog.Logger) *Manager {
	mgr := &Manager{
		replicaID:  replicaID,
		self:       self,
		candidates: candidates,
		store:      st,
		state:      sc,
		metrics:    m,
		log:        log.With().Str("component", "cluster").Logger(),
		peers:      map[string]*peerConn{},
		persistCh:  make(chan struct{}, 1),
	}
	if len(candidates) == 0 {
		mgr.synced.Store(true)
		m.IsLeader.Set(1)
	}
	return mgr
}

// Synced reports whether this replica has a consistent view of the cluster
// (SPEC_FULL.md Open Question 3): either it never needed one, it has
// completed a state transfer from the leader, or it is the leader itself.
func (m *Manager) Synced() bool {
	return m.synced.Load()
}

// Leader returns the currently-elected leader's endpoint, or "" before the
// first election runs.
func (m *Manager) Leader() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leader
}

// Start runs the internal-port accept loop, the dial/election tick loop,
// and the persistence loop until ctx is cancelled.
func (m *Manager) Start(ctx context.Context, ln net.Listener) error {
	go m.persistLoop(ctx)
	go m.tickLoop(ctx)
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go m.acceptPeer(nc)
	}
}

func (m *Manager) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Manager) tick() {
	m.mu.Lock()
	var missing []string
	var linked []*peerConn
	for _, cand := range m.candidates {
		if pc, ok := m.peers[cand]; ok {
			linked = append(linked, pc)
		} else {
			missing = append(missing, cand)
		}
	}
	m.mu.Unlock()

	if ping, err := wire.NewFrame(cmdPing, struct{}{}); err == nil {
		for _, pc := range linked {
			pc.write(ping)
		}
	}

	for _, cand := range missing {
		go m.dialPeer(cand)
	}

	m.recomputeLeader()

	if !m.Synced() {
		m.requestSyncFromLeader()
	}
}

func (m *Manager) dialPeer(endpoint string) {
	nc, err := net.DialTimeout("tcp", endpoint, dialTimeout)
	if err != nil {
		return
	}
	pc := m.newPeerConn(endpoint, nc)
	m.mu.Lock()
	if _, already := m.peers[endpoint]; already {
		m.mu.Unlock()
		nc.Close()
		return
	}
	m.peers[endpoint] = pc
	m.mu.Unlock()

	m.recomputeLeader()
	m.peerReadPump(pc)
}

func (m *Manager) acceptPeer(nc net.Conn) {
	pc := m.newPeerConn("inbound:"+nc.RemoteAddr().String(), nc)
	m.peerReadPump(pc)
}

func (m *Manager) dropPeer(endpoint string) {
	m.mu.Lock()
	if pc, ok := m.peers[endpoint]; ok {
		delete(m.peers, endpoint)
		pc.close()
	}
	m.mu.Unlock()
	m.recomputeLeader()
}

// recomputeLeader re-elects over self plus every currently-linked peer,
// per §4.G's "whenever the candidate set changes" rule. A change to leader
// is logged and reflected in metrics; becoming leader also marks this
// replica synced, since a leader's own data is authoritative by definition,
// and a change to any other leader marks it unsynced until the next state
// transfer.
func (m *Manager) recomputeLeader() {
	m.mu.Lock()
	candidates := make([]string, 0, len(m.peers)+1)
	candidates = append(candidates, m.self)
	for ep := range m.peers {
		candidates = append(candidates, ep)
	}
	newLeader := electLeader(candidates)
	changed := newLeader != m.leader
	m.leader = newLeader
	peerCount := len(m.peers)
	m.mu.Unlock()

	m.metrics.PeersReachable.Set(float64(peerCount))

	if !changed {
		return
	}
	isLeader := newLeader == m.self
	if isLeader {
		m.metrics.IsLeader.Set(1)
		m.synced.Store(true)
	} else {
		m.metrics.IsLeader.Set(0)
		m.synced.Store(false)
	}
	m.metrics.LeaderChanges.Inc()
	m.log.Info().Str("leader", newLeader).Bool("is_leader", isLeader).Msg("leader re-elected")
	m.broadcastLeader(newLeader)
}

// broadcastLeader announces a freshly-elected leader to every linked peer
// (§6 internal_update, SPEC_FULL.md Supplemented Features) so peers can
// adopt the new leader before their own next tick runs. Best-effort, same
// as Distribute: a dropped announcement is harmless since every replica's
// own tick-driven electLeader recomputation is authoritative regardless.
func (m *Manager) broadcastLeader(leader string) {
	f, err := wire.NewFrame(cmdInternalUpdate, InternalUpdatePayload{Leader: leader})
	if err != nil {
		return
	}
	m.mu.Lock()
	targets := make([]*peerConn, 0, len(m.peers))
	for _, pc := range m.peers {
		targets = append(targets, pc)
	}
	m.mu.Unlock()
	for _, pc := range targets {
		pc.write(f)
	}
}

func (m *Manager) requestSyncFromLeader() {
	m.mu.Lock()
	leader := m.leader
	pc := m.peers[leader]
	m.mu.Unlock()
	if leader == "" || leader == m.self || pc == nil {
		return
	}
	f, err := wire.NewFrame(cmdGetDatabase, struct{}{})
	if err != nil {
		return
	}
	pc.write(f)
}

// Distribute implements engine.Dispatcher: it fans rec out to every
// currently-linked peer (§4.H), best-effort. A peer whose send buffer is
// full is counted as a failed delivery and dropped rather than blocking the
// caller; the next tick redials it. The record itself is not re-sent: there
// is no retry queue, matching the teacher's drop-slow-client philosophy.
func (m *Manager) Distribute(rec update.Record) {
	f, err := wire.NewFrame(cmdDistributeUpdate, rec)
	if err != nil {
		return
	}
	data, err := wire.Encode(f)
	if err != nil {
		return
	}

	m.mu.Lock()
	targets := make([]*peerConn, 0, len(m.peers))
	for _, pc := range m.peers {
		targets = append(targets, pc)
	}
	m.mu.Unlock()

	for _, pc := range targets {
		select {
		case pc.send <- data:
			m.metrics.UpdatesSent.Inc()
		default:
			m.metrics.UpdatesFailed.Inc()
			m.dropPeer(pc.endpoint)
		}
	}
}

func (m *Manager) handlePeerFrame(pc *peerConn, f wire.Frame) {
	switch f.Command {
	case cmdPing:
		// Liveness only; the read pump itself is the heartbeat signal.
	case cmdInternalUpdate:
		p, err := decode[InternalUpdatePayload](f.Data)
		if err != nil || p.Leader == "" {
			return
		}
		m.mu.Lock()
		if p.Leader != m.leader && p.Leader != m.self {
			m.synced.Store(false)
		}
		m.leader = p.Leader
		m.mu.Unlock()
		m.log.Debug().Str("leader", p.Leader).Msg("leader hint from peer")
	case cmdDistributeUpdate:
		rec, err := decode[update.Record](f.Data)
		if err != nil {
			return
		}
		m.applyRecord(rec)
	case cmdGetDatabase:
		reply, err := wire.NewFrame(cmdSetDatabase, DatabasePayload{Shards: m.state.Snapshot()})
		if err != nil {
			return
		}
		pc.write(reply)
	case cmdSetDatabase:
		p, err := decode[DatabasePayload](f.Data)
		if err != nil {
			return
		}
		m.state.Restore(p.Shards)
		m.synced.Store(true)
		m.requestPersist()
		m.log.Info().Str("from", pc.endpoint).Msg("state transferred from leader")
	}
}

// applyRecord is the Replication Applier (§4.I): dedup by UpdateID, then
// replay the idempotent Apply* counterpart for rec.Kind.
func (m *Manager) applyRecord(rec update.Record) {
	if !m.state.MarkProcessed(rec.UpdateID) {
		return
	}
	switch rec.Kind {
	case update.KindCreateAccount:
		if p, err := decode[update.CreateAccountPayload](rec.Payload); err == nil {
			m.state.ApplyCreateAccount(p.Username, p.PasswordHash)
		}
	case update.KindLogin:
		if p, err := decode[update.LoginPayload](rec.Payload); err == nil {
			m.state.ApplyLogin(p.Username, p.LiveAddr)
		}
	case update.KindLogout:
		if p, err := decode[update.LogoutPayload](rec.Payload); err == nil {
			m.state.ApplyLogout(p.Username)
		}
	case update.KindDeleteAccount:
		if p, err := decode[update.DeleteAccountPayload](rec.Payload); err == nil {
			m.state.ApplyDeleteAccount(p.Username)
		}
	case update.KindSendMessage:
		if p, err := decode[update.SendMessagePayload](rec.Payload); err == nil {
			m.state.ApplySendMessage(model.Message{
				ID: p.ID, Sender: p.Sender, Receiver: p.Receiver, Content: p.Content, Timestamp: p.Timestamp,
			})
		}
	case update.KindDeleteMessages:
		if p, err := decode[update.DeleteMessagesPayload](rec.Payload); err == nil {
			m.state.ApplyDeleteMessages(p.Username, p.IDs)
		}
	case update.KindGetUndelivered:
		if p, err := decode[update.GetUndeliveredPayload](rec.Payload); err == nil {
			m.state.ApplyUnreadRemoval(p.Username, p.IDs)
		}
	default:
		return
	}
	m.metrics.UpdatesApplied.Inc()
	m.requestPersist()
}

func (m *Manager) persistLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.persistCh:
			if err := m.store.Save(m.replicaID, m.state.Snapshot()); err != nil {
				m.log.Error().Err(err).Msg("persist snapshot")
			}
		}
	}
}

func (m *Manager) requestPersist() {
	select {
	case m.persistCh <- struct{}{}:
	default:
	}
}
