// Package engine coordinates local state with the chat server: it loads
// pages into the store, merges pushed events, recovers gaps after
// reconnects and drives the per-chat sync state machine.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mcamargo/chatsync/internal/backend"
	"github.com/mcamargo/chatsync/internal/bus"
	"github.com/mcamargo/chatsync/internal/config"
	"github.com/mcamargo/chatsync/internal/store"
)

// Engine is the sync coordinator. All mutations of local state flow
// through it: pages and pushes from the server, sends and reads from
// the user.
type Engine struct {
	db     *store.DB
	client backend.Client
	bus    *bus.Bus
	logger *zap.Logger
	cfg    config.Sync
	userID string

	mu       sync.Mutex
	sessions map[string]*session
	active   string

	cancel context.CancelFunc
}

// New creates a sync engine. userID identifies the local user so that
// unread accounting can tell own messages apart from everyone else's.
func New(db *store.DB, client backend.Client, b *bus.Bus, logger *zap.Logger, cfg config.Sync, userID string) *Engine {
	return &Engine{
		db:       db,
		client:   client,
		bus:      b,
		logger:   logger,
		cfg:      cfg,
		userID:   userID,
		sessions: make(map[string]*session),
	}
}

// Start subscribes to push and connection events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	pushCh, unsubPush := e.bus.Subscribe("push.", 256)
	connCh, unsubConn := e.bus.Subscribe("conn.", 16)

	go func() {
		defer unsubPush()
		defer unsubConn()
		for {
			select {
			case evt := <-pushCh:
				e.handlePush(ctx, evt)
			case evt := <-connCh:
				e.handleConn(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine loop.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) session(chatID string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[chatID]
	if !ok {
		s = newSession(chatID, e.bus)
		e.sessions[chatID] = s
	}
	return s
}

// SessionState reports a chat's sync state. Chats with no session yet
// are Idle.
func (e *Engine) SessionState(chatID string) State {
	e.mu.Lock()
	s, ok := e.sessions[chatID]
	e.mu.Unlock()
	if !ok {
		return Idle
	}
	return s.Current()
}

// HoldSends reports whether queued sends for a chat should stay queued
// instead of being attempted. Degraded chats hold their sends until a
// reconnect or manual retry brings them back.
func (e *Engine) HoldSends(chatID string) bool {
	return e.SessionState(chatID) == Degraded
}

// ActiveChat returns the chat currently open in the UI, or "".
func (e *Engine) ActiveChat() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// OpenChat makes a chat active: it loads the newest page, clears the
// unread counter and reports the read position to the server in a
// single batch. The session ends in Live, or Degraded when the initial
// load keeps failing.
func (e *Engine) OpenChat(ctx context.Context, chatID string) error {
	s := e.session(chatID)
	if cur := s.Current(); cur != Idle && cur != Degraded {
		e.setActive(chatID)
		return e.markOpenRead(ctx, chatID)
	}
	if err := s.Transition(Loading); err != nil {
		return err
	}
	e.setActive(chatID)

	err := e.withRetry(ctx, e.cfg.FetchAttempts, func() error {
		page, err := e.client.FetchPage(ctx, chatID, backend.PageQuery{Limit: e.cfg.PageSize})
		if err != nil {
			return err
		}
		if err := e.db.EnsureChat(chatID, store.ChatPrivate); err != nil {
			return err
		}
		return e.db.IngestPage(chatID, page.Messages, page.HasMore)
	})
	if err != nil && backend.IsConflict(err) {
		err = e.reloadChat(ctx, chatID)
	}
	if err != nil {
		_ = s.Transition(Degraded)
		return fmt.Errorf("open chat %s: %w", chatID, err)
	}

	if err := e.advanceCursor(chatID); err != nil {
		e.logger.Warn("cursor update failed", zap.Error(err), zap.String("chat_id", chatID))
	}
	if err := s.Transition(Live); err != nil {
		return err
	}
	e.publish("chat.opened", map[string]string{"chat_id": chatID})
	return e.markOpenRead(ctx, chatID)
}

// CloseChat deactivates a chat. Its session returns to Idle but local
// history stays intact.
func (e *Engine) CloseChat(chatID string) {
	e.mu.Lock()
	if e.active == chatID {
		e.active = ""
	}
	s, ok := e.sessions[chatID]
	e.mu.Unlock()
	if ok {
		_ = s.Transition(Idle)
	}
	e.publish("chat.closed", map[string]string{"chat_id": chatID})
}

func (e *Engine) setActive(chatID string) {
	e.mu.Lock()
	e.active = chatID
	e.mu.Unlock()
}

// markOpenRead zeroes the unread count and reports the newest confirmed
// seq as read, once. Send failures are tolerated: the report is retried
// implicitly the next time the chat opens.
func (e *Engine) markOpenRead(ctx context.Context, chatID string) error {
	if err := e.db.ZeroUnread(chatID); err != nil {
		return err
	}
	last, err := e.db.LastConfirmed(chatID)
	if err != nil || last == nil {
		return err
	}
	if err := e.db.MarkReadLocally(chatID, e.userID, last.Seq); err != nil {
		return err
	}
	if err := e.client.MarkRead(ctx, chatID, last.Seq); err != nil {
		e.logger.Warn("mark read failed", zap.Error(err), zap.String("chat_id", chatID))
	}
	e.publish("chat.read", map[string]string{"chat_id": chatID})
	return nil
}

// Send appends an optimistic message and queues it for delivery. It
// returns the client nonce identifying the in-flight send.
func (e *Engine) Send(chatID, body string) (string, error) {
	return e.SendReply(chatID, body, "")
}

// SendReply sends a message answering an earlier one. The reply
// reference travels with the outbox entry so retries keep it.
func (e *Engine) SendReply(chatID, body, replyTo string) (string, error) {
	nonce := uuid.NewString()
	pendingID := "pending-" + nonce
	if err := e.db.EnsureChat(chatID, store.ChatPrivate); err != nil {
		return "", err
	}
	if err := e.db.AppendPending(chatID, pendingID, nonce, e.userID, body, replyTo); err != nil {
		return "", fmt.Errorf("append pending: %w", err)
	}
	if err := e.db.QueueOutbox(nonce, chatID, body, replyTo); err != nil {
		return "", fmt.Errorf("queue outbox: %w", err)
	}
	e.publish("message.upserted", map[string]string{"chat_id": chatID, "msg_id": pendingID})
	return nonce, nil
}

// RetrySend requeues a failed send under its original nonce, so the
// server side stays idempotent across attempts.
func (e *Engine) RetrySend(nonce string) error {
	if err := e.db.MarkSendRetrying(nonce); err != nil {
		return err
	}
	return e.db.RequeueOutbox(nonce)
}

// LoadOlder fetches the page before the oldest confirmed message.
// Concurrent calls for the same chat coalesce into one fetch.
func (e *Engine) LoadOlder(ctx context.Context, chatID string) error {
	chat, err := e.db.GetChat(chatID)
	if err != nil {
		return err
	}
	if chat != nil && chat.OldestComplete {
		return nil
	}
	s := e.session(chatID)
	if !s.tryBeginOlder() {
		return nil
	}
	defer s.endOlder()

	oldest, err := e.db.OldestConfirmed(chatID)
	if err != nil {
		return err
	}
	err = e.withRetry(ctx, e.cfg.FetchAttempts, func() error {
		page, err := e.client.FetchPage(ctx, chatID, backend.PageQuery{Before: oldest, Limit: e.cfg.PageSize})
		if err != nil {
			return err
		}
		// A result landing after the chat closed is dropped.
		if s.Current() == Idle {
			return nil
		}
		return e.db.IngestPage(chatID, page.Messages, page.HasMore)
	})
	if err != nil {
		if backend.IsConflict(err) {
			return e.reloadChat(ctx, chatID)
		}
		return fmt.Errorf("load older %s: %w", chatID, err)
	}
	e.publish("chat.page_loaded", map[string]string{"chat_id": chatID})
	return nil
}

// RefreshChats pulls the chat directory from the server and merges it
// locally. Stale snapshots are ignored by the store.
func (e *Engine) RefreshChats(ctx context.Context) error {
	summaries, err := e.client.ListChats(ctx)
	if err != nil {
		return fmt.Errorf("list chats: %w", err)
	}
	for _, sum := range summaries {
		if err := e.db.UpsertSummary(&store.Chat{
			ID:        sum.ID,
			Kind:      sum.Kind,
			Name:      sum.Name,
			LastMsgID: sum.LastMsgID,
			UpdatedAt: sum.UpdatedAt,
		}); err != nil {
			return err
		}
		if len(sum.Participants) > 0 {
			if err := e.db.ReplaceParticipants(sum.ID, sum.Participants); err != nil {
				return err
			}
		}
	}
	e.publish("sync.chats_loaded", map[string]int{"count": len(summaries)})
	return nil
}

// handlePush applies one decoded push event to local state.
func (e *Engine) handlePush(ctx context.Context, evt bus.Event) {
	pe, ok := evt.Payload.(backend.Event)
	if !ok {
		return
	}
	switch p := pe.(type) {
	case backend.NewMessage:
		e.ingestPushed(ctx, p.Message)
	case backend.StatusReport:
		e.applyStatus(p)
	case backend.ChatUpdated:
		if err := e.db.UpsertSummary(&store.Chat{
			ID:        p.Chat.ID,
			Kind:      p.Chat.Kind,
			Name:      p.Chat.Name,
			LastMsgID: p.Chat.LastMsgID,
			UpdatedAt: p.Chat.UpdatedAt,
		}); err != nil {
			e.logger.Error("chat update failed", zap.Error(err), zap.String("chat_id", p.Chat.ID))
			return
		}
		if len(p.Chat.Participants) > 0 {
			_ = e.db.ReplaceParticipants(p.Chat.ID, p.Chat.Participants)
		}
		e.publish("chat.upserted", map[string]string{"chat_id": p.Chat.ID})
	case backend.MessageEdited:
		if err := e.db.SetEdited(p.ChatID, p.MsgID, p.Body, p.EditedAt); err != nil {
			e.logger.Error("edit failed", zap.Error(err), zap.String("msg_id", p.MsgID))
			return
		}
		e.publish("message.edited", map[string]string{"chat_id": p.ChatID, "msg_id": p.MsgID})
	case backend.MessageDeleted:
		if err := e.db.MarkDeleted(p.ChatID, p.MsgID); err != nil {
			e.logger.Error("delete failed", zap.Error(err), zap.String("msg_id", p.MsgID))
			return
		}
		e.publish("message.deleted", map[string]string{"chat_id": p.ChatID, "msg_id": p.MsgID})
	case backend.MessagePinned:
		if err := e.db.SetMessagePinned(p.ChatID, p.MsgID, p.Pinned); err != nil {
			e.logger.Error("pin failed", zap.Error(err), zap.String("msg_id", p.MsgID))
			return
		}
		e.publish("message.pinned", map[string]string{"chat_id": p.ChatID, "msg_id": p.MsgID})
	case backend.ReactionChanged:
		var err error
		if p.Removed {
			err = e.db.DeleteReaction(&p.Reaction)
		} else {
			err = e.db.UpsertReaction(&p.Reaction)
		}
		if err != nil {
			e.logger.Error("reaction failed", zap.Error(err), zap.String("msg_id", p.Reaction.MsgID))
			return
		}
		e.publish("message.reaction", map[string]string{"chat_id": p.Reaction.ChatID, "msg_id": p.Reaction.MsgID})
	case backend.Typing:
		// Ephemeral: forwarded, never stored.
		e.publish("chat.typing", p)
	case backend.Presence:
		e.publish("chat.presence", p)
	}
}

// ingestPushed merges a pushed message, records any gap it exposes and
// schedules its recovery, and keeps the directory row current.
func (e *Engine) ingestPushed(ctx context.Context, m *store.Message) {
	if m == nil {
		return
	}
	if err := e.db.EnsureChat(m.ChatID, store.ChatPrivate); err != nil {
		e.logger.Error("ensure chat failed", zap.Error(err), zap.String("chat_id", m.ChatID))
		return
	}
	gap, inserted, err := e.db.Confirm(m)
	if err != nil {
		e.logger.Error("confirm failed", zap.Error(err), zap.String("msg_id", m.MsgID))
		return
	}
	if !inserted {
		// Replay of a message already confirmed. Push delivery is
		// at-least-once, so unread and directory accounting must not
		// run again.
		return
	}

	active := e.ActiveChat() == m.ChatID
	incrUnread := !m.FromMe && m.SenderID != e.userID && !active
	if err := e.db.BumpLastMessage(m.ChatID, m.MsgID, m.Seq, m.CreatedAt, incrUnread); err != nil {
		e.logger.Error("bump chat failed", zap.Error(err), zap.String("chat_id", m.ChatID))
	}
	if err := e.advanceCursor(m.ChatID); err != nil {
		e.logger.Warn("cursor update failed", zap.Error(err), zap.String("chat_id", m.ChatID))
	}
	e.publish("message.upserted", map[string]string{"chat_id": m.ChatID, "msg_id": m.MsgID})

	if active && !m.FromMe {
		if err := e.db.MarkReadLocally(m.ChatID, e.userID, m.Seq); err == nil {
			if err := e.client.MarkRead(ctx, m.ChatID, m.Seq); err != nil {
				e.logger.Warn("mark read failed", zap.Error(err), zap.String("chat_id", m.ChatID))
			}
		}
	}

	if gap != nil {
		if gap.Hi-gap.Lo+1 > e.cfg.GapThreshold {
			// Too far behind to page through: resync from scratch.
			e.resyncChat(ctx, m.ChatID)
			return
		}
		e.fillGap(ctx, *gap)
	}
}

func (e *Engine) applyStatus(p backend.StatusReport) {
	if err := e.db.RecordDelivery(p.MsgID, p.UserID, p.Rank); err != nil {
		e.logger.Error("delivery record failed", zap.Error(err), zap.String("msg_id", p.MsgID))
		return
	}
	if err := e.db.UpgradeMessageStatus(p.ChatID, p.MsgID, p.Rank.String()); err != nil {
		e.logger.Error("status upgrade failed", zap.Error(err), zap.String("msg_id", p.MsgID))
		return
	}
	e.publish("message.status", map[string]string{
		"chat_id": p.ChatID,
		"msg_id":  p.MsgID,
		"status":  p.Rank.String(),
	})
}

// fillGap fetches the missing range and merges it. The store subtracts
// whatever the page covers, so partial fills shrink the gap instead of
// losing it.
func (e *Engine) fillGap(ctx context.Context, gap store.Gap) {
	err := e.withRetry(ctx, e.cfg.FetchAttempts, func() error {
		for lo := gap.Lo; lo <= gap.Hi; {
			page, err := e.client.FetchPage(ctx, gap.ChatID, backend.PageQuery{
				After: lo - 1,
				Limit: e.cfg.PageSize,
			})
			if err != nil {
				return err
			}
			if len(page.Messages) == 0 {
				return nil
			}
			if err := e.db.IngestPage(gap.ChatID, page.Messages, true); err != nil {
				return err
			}
			last := page.Messages[len(page.Messages)-1].Seq
			if last < lo {
				return nil
			}
			lo = last + 1
		}
		return nil
	})
	if err != nil {
		if backend.IsConflict(err) {
			if rErr := e.reloadChat(ctx, gap.ChatID); rErr == nil {
				return
			}
		}
		e.logger.Warn("gap fill failed", zap.Error(err),
			zap.String("chat_id", gap.ChatID), zap.Int64("lo", gap.Lo), zap.Int64("hi", gap.Hi))
		return
	}
	if err := e.advanceCursor(gap.ChatID); err == nil {
		e.publish("sync.gap_filled", map[string]string{"chat_id": gap.ChatID})
	}
}

// reloadChat throws away the chat's confirmed history and loads the
// newest page fresh. This is the conflict recovery path: once the server
// reports that the local sequence view cannot be reconciled
// incrementally, only a full reload restores a trustworthy timeline.
// Pending local sends survive the reset.
func (e *Engine) reloadChat(ctx context.Context, chatID string) error {
	if err := e.db.ResetTimeline(chatID); err != nil {
		return fmt.Errorf("reset timeline %s: %w", chatID, err)
	}
	err := e.withRetry(ctx, e.cfg.FetchAttempts, func() error {
		page, err := e.client.FetchPage(ctx, chatID, backend.PageQuery{Limit: e.cfg.PageSize})
		if err != nil {
			return err
		}
		return e.db.IngestPage(chatID, page.Messages, page.HasMore)
	})
	if err != nil {
		return fmt.Errorf("reload chat %s: %w", chatID, err)
	}
	if err := e.advanceCursor(chatID); err != nil {
		e.logger.Warn("cursor update failed", zap.Error(err), zap.String("chat_id", chatID))
	}
	e.logger.Info("timeline reloaded after conflict", zap.String("chat_id", chatID))
	e.publish("sync.reloaded", map[string]string{"chat_id": chatID})
	return nil
}

// handleConn reacts to connection supervisor events. Reconnects trigger
// a resync of every open chat; disconnects degrade live sessions so the
// UI can show that the view may be stale.
func (e *Engine) handleConn(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case "conn.connected":
		if err := e.RefreshChats(ctx); err != nil {
			e.logger.Warn("chat refresh failed", zap.Error(err))
		}
		for _, chatID := range e.openChats() {
			e.resyncChat(ctx, chatID)
		}
	case "conn.disconnected":
		e.mu.Lock()
		sessions := make([]*session, 0, len(e.sessions))
		for _, s := range e.sessions {
			sessions = append(sessions, s)
		}
		e.mu.Unlock()
		for _, s := range sessions {
			if s.Current() == Live || s.Current() == Resyncing {
				_ = s.Transition(Degraded)
			}
		}
	}
}

func (e *Engine) openChats() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []string
	for id, s := range e.sessions {
		if st := s.Current(); st == Live || st == Resyncing || st == Degraded {
			ids = append(ids, id)
		}
	}
	return ids
}

// resyncChat catches a chat up from its contiguity cursor. It pages
// forward up to ResyncPageCap pages; past that the backlog is treated
// as too large and the newest page is loaded instead, with the skipped
// range recorded as a gap.
func (e *Engine) resyncChat(ctx context.Context, chatID string) {
	s := e.session(chatID)
	if !s.tryBeginResync() {
		return
	}
	defer s.endResync()

	switch s.Current() {
	case Live, Degraded:
		if err := s.Transition(Resyncing); err != nil {
			return
		}
	case Resyncing:
	default:
		return
	}

	err := e.withRetry(ctx, e.cfg.FetchAttempts, func() error {
		for page := 0; page < e.cfg.ResyncPageCap; page++ {
			cursor, err := e.db.Cursor(chatID)
			if err != nil {
				return err
			}
			res, err := e.client.FetchPage(ctx, chatID, backend.PageQuery{After: cursor, Limit: e.cfg.PageSize})
			if err != nil {
				return err
			}
			if len(res.Messages) > 0 {
				if err := e.db.IngestPage(chatID, res.Messages, true); err != nil {
					return err
				}
				if err := e.advanceCursor(chatID); err != nil {
					return err
				}
			}
			if !res.HasMore {
				return nil
			}
		}
		// Backlog exceeds the cap: jump to the newest page. The store
		// records the skipped range as a gap against the old boundary.
		res, err := e.client.FetchPage(ctx, chatID, backend.PageQuery{Limit: e.cfg.PageSize})
		if err != nil {
			return err
		}
		return e.db.IngestPage(chatID, res.Messages, res.HasMore)
	})
	if err != nil && backend.IsConflict(err) {
		err = e.reloadChat(ctx, chatID)
	}
	if err != nil {
		e.logger.Warn("resync failed", zap.Error(err), zap.String("chat_id", chatID))
		_ = s.Transition(Degraded)
		return
	}

	if err := s.Transition(Live); err != nil {
		e.logger.Warn("resync transition failed", zap.Error(err), zap.String("chat_id", chatID))
		return
	}
	e.publish("sync.resynced", map[string]string{"chat_id": chatID})
}

// advanceCursor stores the highest seq with no confirmed gap below it.
func (e *Engine) advanceCursor(chatID string) error {
	seq, err := e.db.ContiguousSeq(chatID)
	if err != nil {
		return err
	}
	return e.db.SetCursor(chatID, seq)
}

// withRetry runs fn up to attempts times, backing off exponentially on
// transient failures. Non-transient failures abort immediately.
func (e *Engine) withRetry(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !backend.IsTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		delay := time.Duration(e.cfg.BackoffBaseMs) * time.Millisecond << i
		if max := time.Duration(e.cfg.BackoffMaxMs) * time.Millisecond; delay > max {
			delay = max
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (e *Engine) publish(kind string, payload any) {
	e.bus.Publish(bus.Event{Kind: kind, At: time.Now(), Payload: payload})
}
