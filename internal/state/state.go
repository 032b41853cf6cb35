// Package state is the State Container (§4.B): the in-memory authoritative
// view of users, messages, and settings, guarded by a single mutex per
// §5's recommendation that one lock around the container is sufficient.
//
// Grounded on the teacher's sync.RWMutex-guarded Store mutators, generalized
// to the full operation set of §4.D (Request Engine) and §4.I (Replication
// Applier), plus the subscription map of §4.E.
package state

import (
	"sort"
	"sync"
	"unicode"

	"chatcluster/internal/model"
	"chatcluster/internal/store"
)

// subQueueSize bounds each user's live-delivery channel (§4.E: "bounded
// FIFO queue"). A full queue means the client isn't draining; SendMessage
// falls back to unread rather than blocking.
const subQueueSize = 64

// Container is the single source of truth for one replica's in-memory
// state. All mutators are safe for concurrent use.
type Container struct {
	mu sync.Mutex

	users         map[string]*model.User
	conversations map[model.ConversationKey][]model.Message
	settings      model.Settings
	processed     map[string]struct{}
	subs          map[string]chan model.Message
}

// New builds a Container from shards loaded by the Durable Store.
func New(sh store.Shards) *Container {
	c := &Container{
		users:         sh.Users,
		conversations: map[model.ConversationKey][]model.Message{},
		settings:      sh.Settings,
		processed:     map[string]struct{}{},
		subs:          map[string]chan model.Message{},
	}
	if c.users == nil {
		c.users = map[string]*model.User{}
	}
	for key, msgs := range sh.Messages.Delivered {
		c.conversations[parseConvKey(key)] = msgs
	}
	return c
}

// Snapshot exports the container's state as store.Shards for persistence or
// state transfer (§4.I). Returned maps/slices are deep-copied so the caller
// may mutate or serialize them without racing the container.
func (c *Container) Snapshot() store.Shards {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Container) snapshotLocked() store.Shards {
	users := make(map[string]*model.User, len(c.users))
	for k, u := range c.users {
		cp := *u
		cp.Unread = append([]model.Message(nil), u.Unread...)
		users[k] = &cp
	}
	delivered := make(map[string][]model.Message, len(c.conversations))
	for k, msgs := range c.conversations {
		delivered[k.String()] = append([]model.Message(nil), msgs...)
	}
	return store.Shards{
		Users:    users,
		Messages: store.Messages{Delivered: delivered},
		Settings: c.settings,
	}
}

// Restore replaces the container's entire state wholesale, per §4.I's
// set_database state transfer. Active subscriptions and processed-update
// tracking survive the transfer: they describe this replica's live
// connections and replication history, not the data being transferred.
func (c *Container) Restore(sh store.Shards) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users = sh.Users
	if c.users == nil {
		c.users = map[string]*model.User{}
	}
	c.conversations = map[model.ConversationKey][]model.Message{}
	for key, msgs := range sh.Messages.Delivered {
		c.conversations[parseConvKey(key)] = msgs
	}
	c.settings = sh.Settings
}

// Settings returns a copy of the replica's current settings.
func (c *Container) Settings() model.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// SetSelfEndpoints records the replica's own advertised client and peer
// endpoints into settings, persisted on the next Save.
func (c *Container) SetSelfEndpoints(host string, port, intPort int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.SelfHost = host
	c.settings.SelfPort = port
	c.settings.SelfIntHost = host
	c.settings.SelfIntPort = intPort
}

func parseConvKey(s string) model.ConversationKey {
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			return model.NewConversationKey(s[:i], s[i+1:])
		}
	}
	return model.NewConversationKey(s, "")
}

// isAlphanumeric reports whether s is non-empty and every rune is a letter
// or digit, per §3's username definition.
func isAlphanumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// --- account lifecycle -------------------------------------------------

// CreateAccount inserts a brand-new user, logged in and bound to addr
// (§4.D `create`). Fails if the username is taken or invalid.
func (c *Container) CreateAccount(username, passwordHash, addr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !isAlphanumeric(username) {
		return ErrUsernameInvalid
	}
	if _, exists := c.users[username]; exists {
		return ErrUsernameTaken
	}
	c.users[username] = &model.User{
		Username:     username,
		PasswordHash: passwordHash,
		LoggedIn:     true,
		LiveAddr:     addr,
	}
	return nil
}

// ApplyCreateAccount is the replicated, idempotent counterpart: a no-op if
// the user already exists (§4.I).
func (c *Container) ApplyCreateAccount(username, passwordHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.users[username]; exists {
		return
	}
	c.users[username] = &model.User{Username: username, PasswordHash: passwordHash}
}

// Login flips loggedIn/liveAddr for an existing, not-already-logged-in user
// with a matching password hash, returning their current pending count.
func (c *Container) Login(username, passwordHash, addr string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	u, ok := c.users[username]
	if !ok {
		return 0, ErrUsernameNotFound
	}
	if u.LoggedIn {
		return 0, ErrAlreadyLoggedIn
	}
	if u.PasswordHash != passwordHash {
		return 0, ErrBadPassword
	}
	u.LoggedIn = true
	u.LiveAddr = addr
	return len(u.Unread), nil
}

// ApplyLogin is the replicated counterpart: set the flag unconditionally if
// the user exists, skipped otherwise.
func (c *Container) ApplyLogin(username, addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u, ok := c.users[username]; ok {
		u.LoggedIn = true
		u.LiveAddr = addr
	}
}

// Logout clears loggedIn/liveAddr for username.
func (c *Container) Logout(username string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users[username]
	if !ok {
		return ErrUsernameNotFound
	}
	u.LoggedIn = false
	u.LiveAddr = ""
	return nil
}

// ApplyLogout is the replicated, idempotent counterpart.
func (c *Container) ApplyLogout(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u, ok := c.users[username]; ok {
		u.LoggedIn = false
		u.LiveAddr = ""
	}
}

// DeleteAccount removes username and purges every message and conversation
// key mentioning them (§3 invariant).
func (c *Container) DeleteAccount(username string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.users[username]; !ok {
		return ErrAccountNotFound
	}
	c.purgeUserLocked(username)
	return nil
}

// ApplyDeleteAccount is the replicated, idempotent counterpart.
func (c *Container) ApplyDeleteAccount(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeUserLocked(username)
}

func (c *Container) purgeUserLocked(username string) {
	delete(c.users, username)
	delete(c.subs, username)
	for key := range c.conversations {
		if key.Mentions(username) {
			delete(c.conversations, key)
		}
	}
	// Every other user's unread queue may still hold messages username
	// sent them; drop those too so no unread message ever outlives its
	// sender's account.
	for _, u := range c.users {
		u.Unread = filterMessages(u.Unread, func(m model.Message) bool { return m.Sender != username })
	}
}

// --- search --------------------------------------------------------------

// Search glob-matches usernames against pattern (§4.D `search`). Iteration
// order is unspecified (§9); results are returned sorted for determinism at
// the wire layer, which is a presentation detail, not an ordering guarantee.
func (c *Container) Search(pattern string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for name := range c.users {
		if globMatch(pattern, name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// --- subscriptions (§4.E) -------------------------------------------------

// Subscribe installs a bounded live-delivery queue for username, replacing
// any prior one. Returns the channel the caller should drain.
func (c *Container) Subscribe(username string) <-chan model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan model.Message, subQueueSize)
	c.subs[username] = ch
	return ch
}

// Unsubscribe tears down username's live-delivery queue, if any. Subsequent
// messages for them fall back to unread.
func (c *Container) Unsubscribe(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, username)
}

// --- messaging -------------------------------------------------------------

// SendMessage mints a new id from the replica's counter, appends to the
// conversation log, and routes the message live or to unread (§4.D
// `send_msg`). Returns the minted message and the sender's own pending
// count, per the `refresh_home` reply contract.
func (c *Container) SendMessage(sender, receiver, content, timestamp string) (model.Message, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.users[receiver]; !ok {
		return model.Message{}, 0, ErrReceiverNotFound
	}

	c.settings.Counter++
	msg := model.Message{
		ID:        c.settings.Counter,
		Sender:    sender,
		Receiver:  receiver,
		Content:   content,
		Timestamp: timestamp,
	}
	c.routeMessageLocked(msg)

	senderPending := 0
	if u, ok := c.users[sender]; ok {
		senderPending = len(u.Unread)
	}
	return msg, senderPending, nil
}

// ApplySendMessage is the replicated counterpart: the id is given (minted on
// the origin replica), and the operation refuses to re-append a duplicate
// id, per §3's invariant and §4.J's cross-replica id-collision note.
func (c *Container) ApplySendMessage(msg model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := model.NewConversationKey(msg.Sender, msg.Receiver)
	for _, existing := range c.conversations[key] {
		if existing.ID == msg.ID {
			return
		}
	}
	c.routeMessageLocked(msg)
}

// routeMessageLocked appends msg to its conversation log and delivers it
// live if the receiver is subscribed, falling back to unread otherwise or
// if the live push fails (§4.E). Caller must hold c.mu.
func (c *Container) routeMessageLocked(msg model.Message) {
	key := model.NewConversationKey(msg.Sender, msg.Receiver)
	c.conversations[key] = append(c.conversations[key], msg)

	if ch, ok := c.subs[msg.Receiver]; ok {
		select {
		case ch <- msg:
			return
		default:
			// Queue full: fall through to unread so the message isn't lost.
		}
	}
	if u, ok := c.users[msg.Receiver]; ok {
		u.Unread = append(u.Unread, msg)
	}
}

// GetUndelivered moves up to num messages from username's unread queue,
// returning them (§4.D `get_undelivered`). num<=0 is treated as "all".
func (c *Container) GetUndelivered(username string, num int) ([]model.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	u, ok := c.users[username]
	if !ok {
		return nil, ErrUsernameNotFound
	}
	if len(u.Unread) == 0 {
		return nil, ErrNoUndelivered
	}

	n := num
	if n <= 0 || n > len(u.Unread) {
		n = len(u.Unread)
	}
	out := append([]model.Message(nil), u.Unread[:n]...)
	u.Unread = u.Unread[n:]
	return out, nil
}

// ApplyUnreadRemoval is the replicated, idempotent counterpart to draining
// unread by exact message id (used both by get_undelivered's replication
// and by get_delivered's peer-scoped unread trim — SPEC_FULL.md Open
// Question 1 and Supplemented Features).
func (c *Container) ApplyUnreadRemoval(username string, ids []uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users[username]
	if !ok || len(ids) == 0 {
		return
	}
	remove := toIDSet(ids)
	u.Unread = filterMessages(u.Unread, func(m model.Message) bool { return !remove[m.ID] })
}

// GetDelivered returns up to num of the most recent conversation messages
// (§4.D `get_delivered`). With an empty peer these are the messages
// addressed to username across all their conversations. When peer is
// non-empty, results are the whole conversation with peer, in both
// directions, and any of username's unread
// messages originated by peer are dropped from unread as a side effect —
// the supplemented "viewing a conversation catches up unread" behavior from
// original_source/server.py's ViewConversation (SPEC_FULL.md, Supplemented
// Features). The ids removed from unread are returned so the caller can
// replicate the trim deterministically.
func (c *Container) GetDelivered(username, peer string, num int) (msgs []model.Message, trimmedUnreadIDs []uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.users[username]; !ok {
		return nil, nil, ErrUsernameNotFound
	}

	if peer != "" {
		key := model.NewConversationKey(username, peer)
		msgs = c.conversations[key]
		if u, ok := c.users[username]; ok {
			var kept []model.Message
			for _, m := range u.Unread {
				if m.Sender == peer {
					trimmedUnreadIDs = append(trimmedUnreadIDs, m.ID)
					continue
				}
				kept = append(kept, m)
			}
			u.Unread = kept
		}
	} else {
		for key, conv := range c.conversations {
			if !key.Mentions(username) {
				continue
			}
			for _, m := range conv {
				if m.Receiver == username {
					msgs = append(msgs, m)
				}
			}
		}
	}

	if len(msgs) == 0 {
		return nil, trimmedUnreadIDs, ErrNoDelivered
	}
	if num > 0 && len(msgs) > num {
		msgs = msgs[len(msgs)-num:]
	}
	return msgs, trimmedUnreadIDs, nil
}

// RefreshHome computes username's current pending (unread) count (§4.D
// `refresh_home`).
func (c *Container) RefreshHome(username string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users[username]
	if !ok {
		return 0, ErrUsernameNotFound
	}
	return len(u.Unread), nil
}

// DeleteMessages removes, from username's delivered conversation view, the
// messages whose id is in ids AND whose receiver is username (§4.D
// `delete_msg`). Unknown ids are tolerated silently. Returns username's
// resulting pending count, per the `refresh_home` reply contract.
func (c *Container) DeleteMessages(username string, ids []uint64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.users[username]; !ok {
		return 0, ErrUsernameNotFound
	}
	c.deleteMessagesLocked(username, ids)
	u := c.users[username]
	return len(u.Unread), nil
}

// ApplyDeleteMessages is the replicated counterpart: set-minus semantics,
// naturally idempotent.
func (c *Container) ApplyDeleteMessages(username string, ids []uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.users[username]; !ok {
		return
	}
	c.deleteMessagesLocked(username, ids)
}

func (c *Container) deleteMessagesLocked(username string, ids []uint64) {
	remove := toIDSet(ids)
	match := func(m model.Message) bool { return !(remove[m.ID] && m.Receiver == username) }
	for key, conv := range c.conversations {
		if !key.Mentions(username) {
			continue
		}
		c.conversations[key] = filterMessages(conv, match)
	}
	if u, ok := c.users[username]; ok {
		u.Unread = filterMessages(u.Unread, match)
	}
}

// --- update-record dedup (§3 processedUpdates, §4.I) ----------------------

// MarkProcessed records updateID as applied, returning false if it was
// already present (the caller should then skip re-applying the update).
func (c *Container) MarkProcessed(updateID string) (fresh bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, seen := c.processed[updateID]; seen {
		return false
	}
	c.processed[updateID] = struct{}{}
	return true
}

func toIDSet(ids []uint64) map[uint64]bool {
	set := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func filterMessages(in []model.Message, keep func(model.Message) bool) []model.Message {
	var out []model.Message
	for _, m := range in {
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}
