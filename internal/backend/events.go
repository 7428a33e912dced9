package backend

import "github.com/mcamargo/chatsync/internal/store"

// Event is a decoded push frame. Exactly one concrete type is delivered
// per frame; consumers switch on the dynamic type.
type Event interface {
	isEvent()
}

// NewMessage carries a confirmed message pushed by the server.
type NewMessage struct {
	Message *store.Message
}

// StatusReport upgrades the delivery state of a message for one user.
type StatusReport struct {
	ChatID string
	MsgID  string
	UserID string
	Rank   store.DeliveryRank
}

// ChatUpdated carries a refreshed chat summary.
type ChatUpdated struct {
	Chat ChatSummary
}

// MessageEdited carries an in-place body replacement.
type MessageEdited struct {
	ChatID   string
	MsgID    string
	Body     string
	EditedAt int64
}

// MessageDeleted tombstones a message.
type MessageDeleted struct {
	ChatID string
	MsgID  string
}

// MessagePinned toggles a message's pinned flag.
type MessagePinned struct {
	ChatID string
	MsgID  string
	Pinned bool
}

// ReactionChanged adds or removes one reaction.
type ReactionChanged struct {
	Reaction store.Reaction
	Removed  bool
}

// Typing is an ephemeral typing indicator. It is forwarded to
// subscribers and never persisted.
type Typing struct {
	ChatID string
	UserID string
	Active bool
}

// Presence is an ephemeral online/offline signal. Never persisted.
type Presence struct {
	UserID string
	Online bool
	LastAt int64
}

func (NewMessage) isEvent()      {}
func (StatusReport) isEvent()    {}
func (ChatUpdated) isEvent()     {}
func (MessageEdited) isEvent()   {}
func (MessageDeleted) isEvent()  {}
func (MessagePinned) isEvent()   {}
func (ReactionChanged) isEvent() {}
func (Typing) isEvent()          {}
func (Presence) isEvent()        {}
