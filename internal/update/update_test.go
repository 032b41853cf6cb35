package update

import (
	"encoding/json"
	"testing"
)

func TestNewMintsDistinctIDs(t *testing.T) {
	r1, err := New(KindLogin, LoginPayload{Username: "alice"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r2, err := New(KindLogin, LoginPayload{Username: "alice"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r1.UpdateID == "" {
		t.Fatalf("UpdateID is empty")
	}
	if r1.UpdateID == r2.UpdateID {
		t.Fatalf("two calls to New minted the same UpdateID: %s", r1.UpdateID)
	}
	if r1.Kind != KindLogin {
		t.Fatalf("Kind = %q, want %q", r1.Kind, KindLogin)
	}
}

func TestNewRoundTripsPayload(t *testing.T) {
	want := SendMessagePayload{ID: 7, Sender: "alice", Receiver: "bob", Content: "hi", Timestamp: "now"}
	rec, err := New(KindSendMessage, want)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var got SendMessagePayload
	if err := json.Unmarshal(rec.Payload, &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got != want {
		t.Fatalf("payload = %+v, want %+v", got, want)
	}
}
