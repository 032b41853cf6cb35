package state

import (
	"testing"

	"chatcluster/internal/model"
	"chatcluster/internal/store"
)

func newContainer() *Container {
	return New(store.Shards{})
}

func TestCreateAccountRejectsInvalidAndDuplicateUsernames(t *testing.T) {
	c := newContainer()
	if err := c.CreateAccount("bad name", "hash", "addr"); err != ErrUsernameInvalid {
		t.Fatalf("err = %v, want ErrUsernameInvalid", err)
	}
	if err := c.CreateAccount("alice", "hash", "addr"); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if err := c.CreateAccount("alice", "hash2", "addr2"); err != ErrUsernameTaken {
		t.Fatalf("err = %v, want ErrUsernameTaken", err)
	}
}

func TestLoginPreconditions(t *testing.T) {
	c := newContainer()
	if _, err := c.Login("ghost", "hash", "addr"); err != ErrUsernameNotFound {
		t.Fatalf("err = %v, want ErrUsernameNotFound", err)
	}

	_ = c.CreateAccount("alice", "hash", "addr1")
	if _, err := c.Login("alice", "hash", "addr2"); err != ErrAlreadyLoggedIn {
		t.Fatalf("err = %v, want ErrAlreadyLoggedIn", err)
	}

	_ = c.Logout("alice")
	if _, err := c.Login("alice", "wrong", "addr2"); err != ErrBadPassword {
		t.Fatalf("err = %v, want ErrBadPassword", err)
	}
	if _, err := c.Login("alice", "hash", "addr2"); err != nil {
		t.Fatalf("Login: %v", err)
	}
}

func TestSendMessageRequiresExistingReceiver(t *testing.T) {
	c := newContainer()
	_ = c.CreateAccount("alice", "hash", "addr")
	if _, _, err := c.SendMessage("alice", "bob", "hi", "t"); err != ErrReceiverNotFound {
		t.Fatalf("err = %v, want ErrReceiverNotFound", err)
	}
}

func TestSendMessageFallsBackToUnreadWhenNotSubscribed(t *testing.T) {
	c := newContainer()
	_ = c.CreateAccount("alice", "hash", "a1")
	_ = c.CreateAccount("bob", "hash", "b1")

	msg, senderPending, err := c.SendMessage("alice", "bob", "hi", "t1")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if senderPending != 0 {
		t.Fatalf("senderPending = %d, want 0", senderPending)
	}
	if msg.ID == 0 {
		t.Fatalf("message ID not minted")
	}

	pending, err := c.RefreshHome("bob")
	if err != nil {
		t.Fatalf("RefreshHome: %v", err)
	}
	if pending != 1 {
		t.Fatalf("bob's pending = %d, want 1", pending)
	}
}

func TestSendMessageDeliversLiveWhenSubscribed(t *testing.T) {
	c := newContainer()
	_ = c.CreateAccount("alice", "hash", "a1")
	_ = c.CreateAccount("bob", "hash", "b1")

	ch := c.Subscribe("bob")
	if _, _, err := c.SendMessage("alice", "bob", "hi", "t1"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case msg := <-ch:
		if msg.Content != "hi" {
			t.Fatalf("Content = %q, want %q", msg.Content, "hi")
		}
	default:
		t.Fatalf("expected a live message on bob's subscription channel")
	}

	pending, err := c.RefreshHome("bob")
	if err != nil {
		t.Fatalf("RefreshHome: %v", err)
	}
	if pending != 0 {
		t.Fatalf("bob's pending = %d, want 0 (delivered live)", pending)
	}
}

func TestGetUndeliveredDrainsUpToNum(t *testing.T) {
	c := newContainer()
	_ = c.CreateAccount("alice", "hash", "a1")
	_ = c.CreateAccount("bob", "hash", "b1")
	for i := 0; i < 3; i++ {
		if _, _, err := c.SendMessage("alice", "bob", "m", "t"); err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
	}

	msgs, err := c.GetUndelivered("bob", 2)
	if err != nil {
		t.Fatalf("GetUndelivered: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}

	rest, err := c.GetUndelivered("bob", 0)
	if err != nil {
		t.Fatalf("GetUndelivered: %v", err)
	}
	if len(rest) != 1 {
		t.Fatalf("len(rest) = %d, want 1", len(rest))
	}

	if _, err := c.GetUndelivered("bob", 1); err != ErrNoUndelivered {
		t.Fatalf("err = %v, want ErrNoUndelivered", err)
	}
}

func TestGetDeliveredPeerScopeTrimsMatchingUnread(t *testing.T) {
	c := newContainer()
	_ = c.CreateAccount("alice", "hash", "a1")
	_ = c.CreateAccount("bob", "hash", "b1")
	_ = c.CreateAccount("carol", "hash", "c1")
	if _, _, err := c.SendMessage("alice", "bob", "from alice", "t"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if _, _, err := c.SendMessage("carol", "bob", "from carol", "t"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	msgs, trimmed, err := c.GetDelivered("bob", "alice", 0)
	if err != nil {
		t.Fatalf("GetDelivered: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Sender != "alice" {
		t.Fatalf("msgs = %+v, want one message from alice", msgs)
	}
	if len(trimmed) != 1 {
		t.Fatalf("trimmed = %v, want 1 id", trimmed)
	}

	pending, err := c.RefreshHome("bob")
	if err != nil {
		t.Fatalf("RefreshHome: %v", err)
	}
	if pending != 1 {
		t.Fatalf("bob's pending = %d, want 1 (carol's message still unread)", pending)
	}
}

func TestDeleteMessagesToleratesUnknownIDs(t *testing.T) {
	c := newContainer()
	_ = c.CreateAccount("alice", "hash", "a1")
	_ = c.CreateAccount("bob", "hash", "b1")
	msg, _, err := c.SendMessage("alice", "bob", "hi", "t")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	pending, err := c.DeleteMessages("bob", []uint64{msg.ID, 9999})
	if err != nil {
		t.Fatalf("DeleteMessages: %v", err)
	}
	if pending != 0 {
		t.Fatalf("pending = %d, want 0", pending)
	}
}

func TestSearchGlobMatching(t *testing.T) {
	c := newContainer()
	_ = c.CreateAccount("alice", "hash", "a")
	_ = c.CreateAccount("alicia", "hash", "b")
	_ = c.CreateAccount("bob", "hash", "c")

	got := c.Search("ali*")
	if len(got) != 2 || got[0] != "alice" || got[1] != "alicia" {
		t.Fatalf("Search(ali*) = %v, want [alice alicia]", got)
	}
}

func TestMarkProcessedDedupes(t *testing.T) {
	c := newContainer()
	if fresh := c.MarkProcessed("u1"); !fresh {
		t.Fatalf("first MarkProcessed should be fresh")
	}
	if fresh := c.MarkProcessed("u1"); fresh {
		t.Fatalf("second MarkProcessed should not be fresh")
	}
}

func TestApplySendMessageIsIdempotent(t *testing.T) {
	c := newContainer()
	_ = c.CreateAccount("alice", "hash", "a1")
	_ = c.CreateAccount("bob", "hash", "b1")

	msg := model.Message{ID: 42, Sender: "alice", Receiver: "bob", Content: "hi", Timestamp: "t"}
	c.ApplySendMessage(msg)
	c.ApplySendMessage(msg)

	pending, err := c.RefreshHome("bob")
	if err != nil {
		t.Fatalf("RefreshHome: %v", err)
	}
	if pending != 1 {
		t.Fatalf("pending = %d, want 1 (duplicate apply must not double-append)", pending)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	c := newContainer()
	_ = c.CreateAccount("alice", "hash", "a1")
	_ = c.CreateAccount("bob", "hash", "b1")
	if _, _, err := c.SendMessage("alice", "bob", "hi", "t"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	sh := c.Snapshot()

	other := New(store.Shards{})
	other.Restore(sh)

	pending, err := other.RefreshHome("bob")
	if err != nil {
		t.Fatalf("RefreshHome: %v", err)
	}
	if pending != 1 {
		t.Fatalf("pending = %d, want 1", pending)
	}
}

func TestDeleteAccountPurgesConversations(t *testing.T) {
	c := newContainer()
	_ = c.CreateAccount("alice", "hash", "a1")
	_ = c.CreateAccount("bob", "hash", "b1")
	if _, _, err := c.SendMessage("alice", "bob", "hi", "t"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if err := c.DeleteAccount("alice"); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	if _, err := c.GetUndelivered("bob", 0); err != ErrNoUndelivered {
		t.Fatalf("err = %v, want ErrNoUndelivered (alice's message purged)", err)
	}
	if err := c.DeleteAccount("alice"); err != ErrAccountNotFound {
		t.Fatalf("err = %v, want ErrAccountNotFound", err)
	}
}
