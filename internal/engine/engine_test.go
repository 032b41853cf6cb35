package engine

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatcluster/internal/metrics"
	"chatcluster/internal/state"
	"chatcluster/internal/store"
	"chatcluster/internal/update"
	"chatcluster/internal/wire"
)

type dispatcherStub struct {
	mu   sync.Mutex
	recs []update.Record
}

func (d *dispatcherStub) Distribute(rec update.Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recs = append(d.recs, rec)
}

func (d *dispatcherStub) kinds() []update.Kind {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]update.Kind, len(d.recs))
	for i, r := range d.recs {
		out[i] = r.Kind
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, *dispatcherStub) {
	t.Helper()
	sc := state.New(store.Shards{})
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	d := &dispatcherStub{}
	e := New("test", st, sc, d, metrics.New("engine-test-"+t.Name()), zerolog.Nop(), nil)
	return e, d
}

// testClient wraps one end of a net.Pipe standing in for a client socket,
// with a persistent frame scanner on the read side.
type testClient struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func dialTestClient(e *Engine) *testClient {
	server, client := net.Pipe()
	go e.handleConn(server)
	return &testClient{conn: client, scanner: wire.NewScanner(client)}
}

func (c *testClient) send(t *testing.T, command string, payload any) {
	t.Helper()
	f, err := wire.NewFrame(command, payload)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	data, err := wire.Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := c.conn.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *testClient) recv(t *testing.T) wire.Frame {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if !c.scanner.Scan() {
		t.Fatalf("scan failed: %v", c.scanner.Err())
	}
	f, err := wire.Decode(c.scanner.Bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return f
}

func TestCreateLoginAndSendMessage(t *testing.T) {
	e, d := newTestEngine(t)

	alice := dialTestClient(e)
	alice.send(t, "create", AuthPayload{Username: "alice", Password: "pw"})
	reply := alice.recv(t)
	if reply.Command != "login" {
		t.Fatalf("Command = %q, want %q", reply.Command, "login")
	}

	bob := dialTestClient(e)
	bob.send(t, "create", AuthPayload{Username: "bob", Password: "pw"})
	if r := bob.recv(t); r.Command != "login" {
		t.Fatalf("bob Command = %q, want %q", r.Command, "login")
	}

	alice.send(t, "send_msg", SendMsgPayload{Receiver: "bob", Content: "hi"})
	reply = alice.recv(t)
	if reply.Command != "refresh_home" {
		t.Fatalf("Command = %q, want %q", reply.Command, "refresh_home")
	}

	reply = bob.recv(t)
	if reply.Command != "messages" {
		t.Fatalf("Command = %q, want %q", reply.Command, "messages")
	}
	var mr MessagesReply
	if err := json.Unmarshal(reply.Data, &mr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(mr.Messages) != 1 || mr.Messages[0].Content != "hi" {
		t.Fatalf("Messages = %+v, want one message with content %q", mr.Messages, "hi")
	}

	kinds := d.kinds()
	if len(kinds) != 3 {
		t.Fatalf("originated %d updates, want 3 (2 create_account + 1 send_message): %v", len(kinds), kinds)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	e, _ := newTestEngine(t)
	alice := dialTestClient(e)
	alice.send(t, "create", AuthPayload{Username: "alice", Password: "pw"})
	alice.recv(t)
	alice.send(t, "logout", struct{}{})
	alice.recv(t)

	alice.send(t, "login", AuthPayload{Username: "alice", Password: "wrong"})
	reply := alice.recv(t)
	if reply.Command != "error" {
		t.Fatalf("Command = %q, want %q", reply.Command, "error")
	}
}

func TestSearchRequiresNoAuth(t *testing.T) {
	e, _ := newTestEngine(t)
	alice := dialTestClient(e)
	alice.send(t, "create", AuthPayload{Username: "alice", Password: "pw"})
	alice.recv(t)

	anon := dialTestClient(e)
	anon.send(t, "search", SearchPayload{Pattern: "ali*"})
	reply := anon.recv(t)
	if reply.Command != "user_list" {
		t.Fatalf("Command = %q, want %q", reply.Command, "user_list")
	}
	var ur UserListReply
	if err := json.Unmarshal(reply.Data, &ur); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(ur.Usernames) != 1 || ur.Usernames[0] != "alice" {
		t.Fatalf("Usernames = %v, want [alice]", ur.Usernames)
	}
}
