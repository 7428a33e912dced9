// Package backend defines the contract between the sync engine and the
// chat server. The engine only ever talks to these interfaces; the
// concrete HTTP and websocket implementations live in internal/transport.
package backend

import (
	"context"

	"github.com/mcamargo/chatsync/internal/store"
)

// PageQuery selects a window of a chat's history. Exactly one of Before
// or After is normally set; zero values mean "from the newest end".
type PageQuery struct {
	// Before requests messages with seq strictly below this value.
	Before int64
	// After requests messages with seq strictly above this value.
	After int64
	// Limit caps the page size. The server may return fewer.
	Limit int
}

// Page is one window of confirmed history.
type Page struct {
	Messages []*store.Message
	// HasMore reports whether older messages exist beyond this page,
	// for Before queries. For After queries it reports newer ones.
	HasMore bool
}

// ChatSummary is the server's view of one conversation.
type ChatSummary struct {
	ID           string
	Kind         string
	Name         string
	LastMsgID    string
	Participants []store.Participant
	UpdatedAt    int64
}

// Client is the request/response half of the server contract.
type Client interface {
	// ListChats returns summaries for every conversation visible to
	// the authenticated user.
	ListChats(ctx context.Context) ([]ChatSummary, error)

	// FetchPage returns a window of confirmed messages for a chat.
	FetchPage(ctx context.Context, chatID string, q PageQuery) (Page, error)

	// SendMessage submits a message. The nonce makes retries safe: the
	// server returns the already-confirmed message when it has seen
	// the nonce before. replyTo optionally names the message being
	// answered.
	SendMessage(ctx context.Context, chatID, body, clientNonce, replyTo string) (*store.Message, error)

	// MarkRead reports that the user has read everything up to and
	// including upToSeq in a chat.
	MarkRead(ctx context.Context, chatID string, upToSeq int64) error

	// EditMessage replaces the body of a previously sent message.
	EditMessage(ctx context.Context, chatID, msgID, body string) error

	// DeleteMessage removes a previously sent message. The server keeps
	// a tombstone so other clients see the deletion.
	DeleteMessage(ctx context.Context, chatID, msgID string) error

	// SetPinned pins or unpins a message.
	SetPinned(ctx context.Context, chatID, msgID string, pinned bool) error

	// React adds or removes a reaction.
	React(ctx context.Context, chatID, msgID, emoji string, remove bool) error
}

// PushChannel is the server-to-client half: a stream of decoded push
// events. Connect blocks until the stream is established or the context
// expires; the returned channel closes when the stream dies.
type PushChannel interface {
	Connect(ctx context.Context) (<-chan Event, error)
	Close() error
}
