// Package model defines the data shapes shared by the durable store, the
// state container, the request engine, and the replication pipeline.
package model

import (
	"strconv"
	"strings"
)

// User is a registered account on a replica.
//
// loggedIn and liveAddr flip atomically: callers must never observe
// loggedIn == true with an empty LiveAddr, or vice versa.
type User struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	LoggedIn     bool      `json:"logged_in"`
	LiveAddr     string    `json:"live_addr,omitempty"`
	Unread       []Message `json:"unread"`
}

// Message is one chat message between a sender and a receiver.
//
// ID is minted from the originating replica's Settings.Counter and is only
// unique within that replica; cross-replica collisions are harmless because
// conversation append and unread append both refuse a duplicate ID (§4.I).
type Message struct {
	ID        uint64 `json:"id"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// ConversationKey canonically identifies the bidirectional log between two
// usernames: the lexicographically smaller one first.
type ConversationKey struct {
	A, B string
}

// NewConversationKey orders (a, b) into their canonical form.
func NewConversationKey(a, b string) ConversationKey {
	if a > b {
		a, b = b, a
	}
	return ConversationKey{A: a, B: b}
}

// Mentions reports whether username is one of the two parties in k.
func (k ConversationKey) Mentions(username string) bool {
	return k.A == username || k.B == username
}

// String renders k as "a|b", used as a map key and as the JSON-shard key.
func (k ConversationKey) String() string {
	var b strings.Builder
	b.WriteString(k.A)
	b.WriteByte('|')
	b.WriteString(k.B)
	return b.String()
}

// Settings is the replica-local, never-decremented message-id counter plus
// the replica's own advertised endpoint.
type Settings struct {
	Counter     uint64 `json:"counter"`
	SelfHost    string `json:"self_host"`
	SelfPort    int    `json:"self_port"`
	SelfIntHost string `json:"self_internal_host"`
	SelfIntPort int    `json:"self_internal_port"`
}

// SelfEndpoint renders the replica's client-facing "host:port" string.
// Nothing in this module calls it. Peer identity (§4.F/§4.G) uses the
// internal host/port instead — replica.New joins Host and InternalPort
// with JoinHostPort.
func (s Settings) SelfEndpoint() string {
	return JoinHostPort(s.SelfHost, s.SelfPort)
}

// JoinHostPort renders host:port the way §4.G's min-endpoint comparison
// expects — plain string concatenation, not net.JoinHostPort, so that
// lexicographic string comparison of "host:port" pairs behaves predictably
// for the fixed-width numeric ports this spec uses.
func JoinHostPort(host string, port int) string {
	var b strings.Builder
	b.WriteString(host)
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(port))
	return b.String()
}
