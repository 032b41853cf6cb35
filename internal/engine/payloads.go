package engine

import "chatcluster/internal/model"

// Client-originated payloads (§4.D, §6).

// AuthPayload carries credentials for `create` and `login`.
type AuthPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SearchPayload carries a glob pattern for `search`; an empty Pattern means
// "match everything" (§4.D edge-case policy).
type SearchPayload struct {
	Pattern string `json:"pattern"`
}

// SendMsgPayload carries a new message for `send_msg`.
type SendMsgPayload struct {
	Receiver string `json:"receiver"`
	Content  string `json:"content"`
}

// CountPayload carries the `num` bound of `get_undelivered`; `get_delivered`
// uses GetDeliveredPayload instead.
type CountPayload struct {
	Num int `json:"num"`
}

// GetDeliveredPayload carries `get_delivered`'s optional peer scope.
type GetDeliveredPayload struct {
	Peer string `json:"peer,omitempty"`
	Num  int    `json:"num"`
}

// DeleteMsgPayload carries the id set for `delete_msg`.
type DeleteMsgPayload struct {
	IDs []uint64 `json:"ids"`
}

// Server-originated reply payloads (§6).

// LoginReply acknowledges `create`/`login`.
type LoginReply struct {
	Username            string `json:"username"`
	UndeliveredMessages int    `json:"undelivered_messages"`
}

// LogoutReply acknowledges `logout`/`delete_acct`.
type LogoutReply struct {
	Username string `json:"username"`
}

// UserListReply answers `search`.
type UserListReply struct {
	Usernames []string `json:"usernames"`
}

// MessagesReply answers `get_undelivered`/`get_delivered`, and is also used
// to push a single live-delivered message to a subscribed client (§4.E).
type MessagesReply struct {
	Messages []model.Message `json:"messages"`
}

// RefreshHomeReply answers `refresh_home`, `send_msg`, and `delete_msg`.
type RefreshHomeReply struct {
	Pending int `json:"pending"`
}

// ErrorReply carries a semantic error message (§7).
type ErrorReply struct {
	Message string `json:"message"`
}
