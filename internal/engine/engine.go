// Package engine is the Request Engine (§4.D) and Subscription Fanout
// (§4.E): it accepts client connections on the framed transport, dispatches
// each record against the State Container, originates UpdateRecords for the
// Replication Dispatcher to carry to peers, and pushes live messages to
// subscribed connections.
//
// Grounded on internal/server/server.go's handlePacket dispatch table and
// internal/server/client.go's per-connection Client (read pump + write pump
// over a buffered send channel), generalized from the teacher's 7 commands
// to this engine's 10 (§4.D) and its reply vocabulary (§6).
package engine

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog"

	"chatcluster/internal/metrics"
	"chatcluster/internal/model"
	"chatcluster/internal/state"
	"chatcluster/internal/store"
	"chatcluster/internal/update"
	"chatcluster/internal/wire"
)

// ErrNotSynced is returned to clients attempting a cross-replica-significant
// mutation while this replica is not synced: before its first state
// transfer, or after a leader change until the next one (SPEC_FULL.md Open
// Question 3). It is not one of §7's enumerated semantic
// errors, since it describes a replica-local startup condition rather than
// a request-level precondition failure.
var ErrNotSynced = errors.New("replica not yet synchronized, try again shortly")

// Dispatcher hands an originated update off to the Replication Dispatcher
// (§4.H). Implemented by internal/cluster; declared here so engine never
// imports cluster.
type Dispatcher interface {
	Distribute(rec update.Record)
}

// Engine serves the client-facing listener for one replica.
type Engine struct {
	replicaID  string
	store      *store.Store
	state      *state.Container
	dispatcher Dispatcher
	metrics    *metrics.Replica
	log        zerolog.Logger
	synced     func() bool

	persistCh chan struct{}
}

// New builds an Engine. synced is polled to gate mutating commands while
// the replica is not synced (nil means "always synced",
// used by single-replica tests).
func New(replicaID string, st *store.Store, c *state.Container, d Dispatcher, m *metrics.Replica, log zerolog.Logger, synced func() bool) *Engine {
	if synced == nil {
		synced = func() bool { return true }
	}
	return &Engine{
		replicaID:  replicaID,
		store:      st,
		state:      c,
		dispatcher: d,
		metrics:    m,
		log:        log.With().Str("component", "engine").Logger(),
		synced:     synced,
		persistCh:  make(chan struct{}, 1),
	}
}

// Serve accepts connections on ln until ctx is cancelled, each handled on
// its own goroutine pair. It also runs the coalesced persistence loop,
// grounded on the teacher's workerPool: a dirty flag rather than a queue per
// mutation, since only the latest snapshot ever needs to land on disk.
func (e *Engine) Serve(ctx context.Context, ln net.Listener) error {
	go e.persistLoop(ctx)

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
		go e.handleConn(nc)
	}
}

func (e *Engine) persistLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.persistCh:
			if err := e.store.Save(e.replicaID, e.state.Snapshot()); err != nil {
				e.log.Error().Err(err).Msg("persist snapshot")
			}
		}
	}
}

func (e *Engine) requestPersist() {
	select {
	case e.persistCh <- struct{}{}:
	default:
	}
}

func (e *Engine) handleConn(nc net.Conn) {
	c := newConn(nc)
	e.metrics.ClientsConnected.Inc()
	defer e.metrics.ClientsConnected.Dec()

	done := make(chan struct{})
	go e.writePump(c, done)

	e.readPump(c)
	close(done)
	nc.Close()
	e.implicitLogout(c)
}

func (e *Engine) writePump(c *Conn, done <-chan struct{}) {
	for {
		select {
		case data := <-c.send:
			if _, err := c.netConn.Write(data); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (e *Engine) readPump(c *Conn) {
	scanner := wire.NewScanner(c.netConn)
	for scanner.Scan() {
		frame, err := wire.Decode(scanner.Bytes())
		if err != nil {
			e.sendError(c, "malformed record")
			continue
		}
		e.dispatch(c, frame)
	}
}

// implicitLogout runs when a connection drops (or on explicit logout,
// called directly): it clears the bound user's session and tears down
// their live-delivery pump, originating a logout update if they were
// authenticated (§4.D edge-case policy).
func (e *Engine) implicitLogout(c *Conn) {
	username, stop := c.unbind()
	if username == "" {
		return
	}
	if stop != nil {
		close(stop)
	}
	e.state.Unsubscribe(username)
	if err := e.state.Logout(username); err == nil {
		e.requestPersist()
		e.origin(update.KindLogout, update.LogoutPayload{Username: username})
	}
}

func (e *Engine) dispatch(c *Conn, f wire.Frame) {
	if f.Version != wire.CurrentVersion {
		e.sendError(c, "unsupported protocol version")
		return
	}
	switch f.Command {
	case "create":
		e.handleCreate(c, f.Data)
	case "login":
		e.handleLogin(c, f.Data)
	case "logout":
		e.handleLogout(c)
	case "search":
		e.handleSearch(c, f.Data)
	case "delete_acct":
		e.handleDeleteAcct(c)
	case "send_msg":
		e.handleSendMsg(c, f.Data)
	case "get_undelivered":
		e.handleGetUndelivered(c, f.Data)
	case "get_delivered":
		e.handleGetDelivered(c, f.Data)
	case "refresh_home":
		e.handleRefreshHome(c)
	case "delete_msg":
		e.handleDeleteMsg(c, f.Data)
	default:
		e.sendError(c, "unknown command")
	}
}

// --- replies ---------------------------------------------------------------

func (e *Engine) sendError(c *Conn, msg string) {
	f, err := wire.NewFrame("error", ErrorReply{Message: msg})
	if err != nil {
		return
	}
	c.writeFrame(f)
}

func (e *Engine) send(c *Conn, command string, payload any) {
	f, err := wire.NewFrame(command, payload)
	if err != nil {
		e.log.Error().Err(err).Str("command", command).Msg("encode reply")
		return
	}
	c.writeFrame(f)
}

// origin mints and hands off an UpdateRecord to the Replication Dispatcher.
// Failures to marshal are logged, not surfaced to the client: the local
// mutation already succeeded.
func (e *Engine) origin(kind update.Kind, payload any) {
	rec, err := update.New(kind, payload)
	if err != nil {
		e.log.Error().Err(err).Str("kind", string(kind)).Msg("build update record")
		return
	}
	if e.dispatcher != nil {
		e.dispatcher.Distribute(rec)
	}
}

// --- subscription fanout (§4.E) --------------------------------------------

func (e *Engine) subscribe(c *Conn, username string) {
	ch := e.state.Subscribe(username)
	stop := make(chan struct{})
	c.bind(username, stop)
	go e.pumpLiveMessages(c, ch, stop)
}

func (e *Engine) pumpLiveMessages(c *Conn, ch <-chan model.Message, stop <-chan struct{}) {
	for {
		select {
		case msg := <-ch:
			e.send(c, "messages", MessagesReply{Messages: []model.Message{msg}})
		case <-stop:
			return
		}
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
