package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"chatcluster/internal/state"
	"chatcluster/internal/update"
)

// hashPassword matches the teacher's store.go: a plain SHA-256 hex digest.
// Kept deliberately simple rather than reaching for bcrypt/argon2, neither
// of which appears anywhere in the retrieval pack (DESIGN.md).
func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func decode[T any](data json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

func (e *Engine) handleCreate(c *Conn, data json.RawMessage) {
	if !e.synced() {
		e.sendError(c, ErrNotSynced.Error())
		return
	}
	p, err := decode[AuthPayload](data)
	if err != nil {
		e.sendError(c, "malformed create request")
		return
	}
	username := strings.TrimSpace(p.Username)
	if p.Password == "" {
		e.sendError(c, state.ErrPasswordEmpty.Error())
		return
	}
	hash := hashPassword(p.Password)

	if err := e.state.CreateAccount(username, hash, c.id); err != nil {
		e.sendError(c, err.Error())
		return
	}
	e.requestPersist()
	e.subscribe(c, username)
	e.send(c, "login", LoginReply{Username: username, UndeliveredMessages: 0})
	e.origin(update.KindCreateAccount, update.CreateAccountPayload{Username: username, PasswordHash: hash})
}

func (e *Engine) handleLogin(c *Conn, data json.RawMessage) {
	if !e.synced() {
		e.sendError(c, ErrNotSynced.Error())
		return
	}
	p, err := decode[AuthPayload](data)
	if err != nil {
		e.sendError(c, "malformed login request")
		return
	}
	username := strings.TrimSpace(p.Username)
	hash := hashPassword(p.Password)

	pending, err := e.state.Login(username, hash, c.id)
	if err != nil {
		e.sendError(c, err.Error())
		return
	}
	e.requestPersist()
	e.subscribe(c, username)
	e.send(c, "login", LoginReply{Username: username, UndeliveredMessages: pending})
	e.origin(update.KindLogin, update.LoginPayload{Username: username, LiveAddr: c.id})
}

func (e *Engine) handleLogout(c *Conn) {
	if !e.synced() {
		e.sendError(c, ErrNotSynced.Error())
		return
	}
	username := c.authedUsername()
	e.implicitLogout(c)
	e.send(c, "logout", LogoutReply{Username: username})
}

func (e *Engine) handleSearch(c *Conn, data json.RawMessage) {
	p, err := decode[SearchPayload](data)
	if err != nil {
		e.sendError(c, "malformed search request")
		return
	}
	pattern := strings.TrimSpace(p.Pattern)
	if pattern == "" {
		pattern = "*"
	}
	names := e.state.Search(pattern)
	e.send(c, "user_list", UserListReply{Usernames: names})
}

func (e *Engine) handleDeleteAcct(c *Conn) {
	if !e.synced() {
		e.sendError(c, ErrNotSynced.Error())
		return
	}
	username := c.authedUsername()
	if username == "" {
		e.sendError(c, "you must be logged in")
		return
	}
	if err := e.state.DeleteAccount(username); err != nil {
		e.sendError(c, err.Error())
		return
	}
	e.requestPersist()
	if _, stop := c.unbind(); stop != nil {
		close(stop)
	}
	e.state.Unsubscribe(username)
	e.send(c, "logout", LogoutReply{Username: username})
	e.origin(update.KindDeleteAccount, update.DeleteAccountPayload{Username: username})
}

func (e *Engine) handleSendMsg(c *Conn, data json.RawMessage) {
	if !e.synced() {
		e.sendError(c, ErrNotSynced.Error())
		return
	}
	username := c.authedUsername()
	if username == "" {
		e.sendError(c, "you must be logged in")
		return
	}
	p, err := decode[SendMsgPayload](data)
	if err != nil {
		e.sendError(c, "malformed send_msg request")
		return
	}
	msg, pending, err := e.state.SendMessage(username, strings.TrimSpace(p.Receiver), p.Content, now())
	if err != nil {
		e.sendError(c, err.Error())
		return
	}
	e.requestPersist()
	e.metrics.MessagesSent.Inc()
	e.send(c, "refresh_home", RefreshHomeReply{Pending: pending})
	e.origin(update.KindSendMessage, update.SendMessagePayload{
		ID: msg.ID, Sender: msg.Sender, Receiver: msg.Receiver, Content: msg.Content, Timestamp: msg.Timestamp,
	})
}

func (e *Engine) handleGetUndelivered(c *Conn, data json.RawMessage) {
	if !e.synced() {
		e.sendError(c, ErrNotSynced.Error())
		return
	}
	username := c.authedUsername()
	if username == "" {
		e.sendError(c, "you must be logged in")
		return
	}
	p, err := decode[CountPayload](data)
	if err != nil {
		e.sendError(c, "malformed get_undelivered request")
		return
	}
	msgs, err := e.state.GetUndelivered(username, p.Num)
	if err != nil {
		e.sendError(c, err.Error())
		return
	}
	e.requestPersist()
	e.send(c, "messages", MessagesReply{Messages: msgs})

	ids := make([]uint64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	e.origin(update.KindGetUndelivered, update.GetUndeliveredPayload{Username: username, IDs: ids})
}

func (e *Engine) handleGetDelivered(c *Conn, data json.RawMessage) {
	username := c.authedUsername()
	if username == "" {
		e.sendError(c, "you must be logged in")
		return
	}
	p, err := decode[GetDeliveredPayload](data)
	if err != nil {
		e.sendError(c, "malformed get_delivered request")
		return
	}
	msgs, trimmed, err := e.state.GetDelivered(username, strings.TrimSpace(p.Peer), p.Num)
	if err != nil {
		e.sendError(c, err.Error())
		return
	}
	e.requestPersist()
	e.send(c, "messages", MessagesReply{Messages: msgs})

	if len(trimmed) > 0 {
		e.origin(update.KindGetUndelivered, update.GetUndeliveredPayload{Username: username, IDs: trimmed})
	}
}

func (e *Engine) handleRefreshHome(c *Conn) {
	username := c.authedUsername()
	if username == "" {
		e.sendError(c, "you must be logged in")
		return
	}
	pending, err := e.state.RefreshHome(username)
	if err != nil {
		e.sendError(c, err.Error())
		return
	}
	e.send(c, "refresh_home", RefreshHomeReply{Pending: pending})
}

func (e *Engine) handleDeleteMsg(c *Conn, data json.RawMessage) {
	if !e.synced() {
		e.sendError(c, ErrNotSynced.Error())
		return
	}
	username := c.authedUsername()
	if username == "" {
		e.sendError(c, "you must be logged in")
		return
	}
	p, err := decode[DeleteMsgPayload](data)
	if err != nil {
		e.sendError(c, "malformed delete_msg request")
		return
	}
	pending, err := e.state.DeleteMessages(username, p.IDs)
	if err != nil {
		e.sendError(c, err.Error())
		return
	}
	e.requestPersist()
	e.send(c, "refresh_home", RefreshHomeReply{Pending: pending})
	e.origin(update.KindDeleteMessages, update.DeleteMessagesPayload{Username: username, IDs: p.IDs})
}
