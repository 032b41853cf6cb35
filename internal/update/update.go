// Package update defines the UpdateRecord type replicated between peers.
package update

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Kind identifies which mutator an UpdateRecord replays.
type Kind string

const (
	KindCreateAccount  Kind = "create_account"
	KindSendMessage    Kind = "send_message"
	KindDeleteAccount  Kind = "delete_account"
	KindDeleteMessages Kind = "delete_messages"
	KindLogin          Kind = "login"
	KindLogout         Kind = "logout"
	KindGetUndelivered Kind = "get_undelivered"
)

// Record is a tagged, uniquely-identified description of one state mutation,
// suitable for idempotent replay on peers (§3 UpdateRecord).
type Record struct {
	UpdateID string          `json:"update_id"`
	Kind     Kind            `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
}

// New marshals payload into a Record with a freshly-minted UUIDv4 id.
func New(kind Kind, payload any) (Record, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Record{}, err
	}
	return Record{
		UpdateID: uuid.NewString(),
		Kind:     kind,
		Payload:  raw,
	}, nil
}

// --- payload shapes, one per Kind ---

// CreateAccountPayload replicates a newly-created account's credentials.
type CreateAccountPayload struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
}

// SendMessagePayload replicates a single originated message.
type SendMessagePayload struct {
	ID        uint64 `json:"id"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// DeleteAccountPayload replicates an account removal.
type DeleteAccountPayload struct {
	Username string `json:"username"`
}

// DeleteMessagesPayload replicates a delete-by-id-set on a user's delivered view.
type DeleteMessagesPayload struct {
	Username string   `json:"username"`
	IDs      []uint64 `json:"ids"`
}

// LoginPayload / LogoutPayload replicate a session flip. LiveAddr is carried
// only for observability; followers do not need it to stay eventually
// consistent on the loggedIn flag, since live delivery is per-replica.
type LoginPayload struct {
	Username string `json:"username"`
	LiveAddr string `json:"live_addr"`
}

type LogoutPayload struct {
	Username string `json:"username"`
}

// GetUndeliveredPayload replicates an unread-drain deterministically by the
// exact message ids drained, resolving the spec's open question about
// replicating a read-then-mutate operation (SPEC_FULL.md, Open Question 1):
// replaying this record removes exactly these ids from unread on every
// replica, regardless of what each replica's unread queue looked like.
type GetUndeliveredPayload struct {
	Username string   `json:"username"`
	IDs      []uint64 `json:"ids"`
}
