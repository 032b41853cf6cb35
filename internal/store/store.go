// Package store is the Durable Store (§4.A): it persists the three named
// shards — users, messages, settings — for one replica id to a database/
// directory, and reloads them on restart.
//
// Grounded on the teacher's load/save pair, generalized to three shards and
// to write-temp-then-rename so a crash mid-write never leaves a shard
// unreadable.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"chatcluster/internal/model"
)

// Shards is the full on-disk state for one replica id.
type Shards struct {
	Users    map[string]*model.User
	Messages Messages
	Settings model.Settings
}

// Messages mirrors §6's messages_<id>.json shape. Delivered holds the
// conversation log, keyed by a ConversationKey's string form; each user's
// unread queue lives inside model.User instead, matching §3's invariant
// that a message is in exactly one of a user's unread, a live queue, or
// neither, while also always appearing in the conversation log.
type Messages struct {
	Delivered map[string][]model.Message `json:"delivered"`
}

// Store is a directory of per-replica JSON shard files.
type Store struct {
	dir string
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) usersPath(id string) string {
	return filepath.Join(s.dir, fmt.Sprintf("users_%s.json", id))
}

func (s *Store) messagesPath(id string) string {
	return filepath.Join(s.dir, fmt.Sprintf("messages_%s.json", id))
}

func (s *Store) settingsPath(id string) string {
	return filepath.Join(s.dir, fmt.Sprintf("settings_%s.json", id))
}

// Load reads the three shards for id. A missing or malformed shard is
// replaced by its typed empty default and rewritten to disk (§4.A). Every
// user's LoggedIn is forced false and LiveAddr cleared: sessions do not
// survive a restart.
func (s *Store) Load(id string) (Shards, error) {
	var out Shards

	users, err := readJSONOrDefault(s.usersPath(id), map[string]*model.User{})
	if err != nil {
		return Shards{}, fmt.Errorf("store: load users: %w", err)
	}
	for _, u := range users {
		u.LoggedIn = false
		u.LiveAddr = ""
	}
	out.Users = users

	msgs, err := readJSONOrDefault(s.messagesPath(id), Messages{Delivered: map[string][]model.Message{}})
	if err != nil {
		return Shards{}, fmt.Errorf("store: load messages: %w", err)
	}
	if msgs.Delivered == nil {
		msgs.Delivered = map[string][]model.Message{}
	}
	out.Messages = msgs

	settings, err := readJSONOrDefault(s.settingsPath(id), model.Settings{})
	if err != nil {
		return Shards{}, fmt.Errorf("store: load settings: %w", err)
	}
	out.Settings = settings

	if err := s.Save(id, out); err != nil {
		return Shards{}, fmt.Errorf("store: rewrite after load: %w", err)
	}
	return out, nil
}

// Save writes all three shards. Individual shard writes are independently
// atomic (temp file + rename); the store makes no cross-shard atomicity
// guarantee, per §4.A.
func (s *Store) Save(id string, sh Shards) error {
	if err := writeJSONAtomic(s.usersPath(id), sh.Users); err != nil {
		return fmt.Errorf("store: save users: %w", err)
	}
	if err := writeJSONAtomic(s.messagesPath(id), sh.Messages); err != nil {
		return fmt.Errorf("store: save messages: %w", err)
	}
	if err := writeJSONAtomic(s.settingsPath(id), sh.Settings); err != nil {
		return fmt.Errorf("store: save settings: %w", err)
	}
	return nil
}

// ReadSettings loads only the settings shard, without touching users or
// messages. Ported from original_source/database.py's
// retrieve_client_config (SPEC_FULL.md, Supplemented Features). Like Load,
// it writes the default settings shard when that file is missing or
// malformed. Only this package's tests call it; no chatd flag exposes it.
func (s *Store) ReadSettings(id string) (model.Settings, error) {
	return readJSONOrDefault(s.settingsPath(id), model.Settings{})
}

func readJSONOrDefault[T any](path string, def T) (T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return def, writeJSONAtomic(path, def)
		}
		return def, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return def, writeJSONAtomic(path, def)
	}
	return v, nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
