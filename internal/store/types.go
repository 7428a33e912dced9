package store

// Chat kinds.
const (
	ChatPrivate = "private"
	ChatGroup   = "group"
)

// Message statuses. Pending and failed are local-only; sent, delivered and
// read mirror the strongest server-reported state.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// statusRank orders the forward-only message statuses. Failed and pending
// are outside the upgrade chain.
var statusRank = map[string]int{
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// DeliveryRank is the numeric per-participant delivery status stored in the
// delivery table. Upgrades only: sent < delivered < read.
type DeliveryRank int

const (
	RankSent      DeliveryRank = 1
	RankDelivered DeliveryRank = 2
	RankRead      DeliveryRank = 3
)

// RankOf maps a wire status string to its rank. Unknown statuses map to 0
// so they never overwrite a recorded state.
func RankOf(status string) DeliveryRank {
	return DeliveryRank(statusRank[status])
}

// String returns the wire status string for a rank.
func (r DeliveryRank) String() string {
	switch r {
	case RankSent:
		return StatusSent
	case RankDelivered:
		return StatusDelivered
	case RankRead:
		return StatusRead
	}
	return ""
}

// Chat is a chat summary row.
type Chat struct {
	ID             string
	Kind           string
	Name           string
	LastMsgID      string
	UnreadCount    int
	Pinned         bool
	OldestComplete bool
	UpdatedAt      int64
}

// Participant is a chat member with a role.
type Participant struct {
	ChatID string
	UserID string
	Role   string
}

// Message is a timeline entry. Seq is 0 while the message is pending and
// carries the server-assigned per-chat position once confirmed.
type Message struct {
	ID          int64
	ChatID      string
	MsgID       string
	ClientNonce string
	Seq         int64
	SenderID    string
	Body        string
	Kind        string
	ReplyTo     string
	FromMe      bool
	Status      string
	Pinned      bool
	Deleted     bool
	CreatedAt   int64
	EditedAt    int64
}

// Confirmed reports whether the message holds a server sequence.
func (m *Message) Confirmed() bool { return m.Seq > 0 }

// Gap is a known-missing sequence range [Lo, Hi] in a chat timeline.
type Gap struct {
	ChatID string
	Lo     int64
	Hi     int64
}

// OutboxEntry is a queued outgoing message.
type OutboxEntry struct {
	ID           int64
	ClientNonce  string
	ChatID       string
	Body         string
	ReplyTo      string
	Status       string // queued, sending, sent, failed
	Attempts     int
	ErrorMessage string
	ServerMsgID  string
}

// Reaction is an emoji reaction on a message.
type Reaction struct {
	ChatID string
	MsgID  string
	UserID string
	Emoji  string
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
