package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mcamargo/chatsync/internal/backend"
	"github.com/mcamargo/chatsync/internal/bus"
	"github.com/mcamargo/chatsync/internal/config"
	"github.com/mcamargo/chatsync/internal/store"
)

// Sender drains the outbox and submits queued messages to the server.
// The client nonce travels with every attempt, so a retry of a send
// whose response was lost confirms the original message instead of
// duplicating it.
type Sender struct {
	db     *store.DB
	client backend.Client
	bus    *bus.Bus
	logger *zap.Logger
	cfg    config.Sync
	hold   func(chatID string) bool
	cancel context.CancelFunc
}

// NewSender creates an outbox sender. hold, when non-nil, defers
// entries for chats that should not be sent to right now; held entries
// stay queued and are picked up on a later pass.
func NewSender(db *store.DB, client backend.Client, b *bus.Bus, logger *zap.Logger, cfg config.Sync, hold func(chatID string) bool) *Sender {
	return &Sender{
		db:     db,
		client: client,
		bus:    b,
		logger: logger,
		cfg:    cfg,
		hold:   hold,
	}
}

// Start begins polling the outbox for queued messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	interval := time.Duration(s.cfg.OutboxIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// processPending makes one pass over the queue. Each entry gets one
// attempt per pass; transient failures go back in the queue until the
// attempt budget runs out.
func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if s.hold != nil && s.hold(entry.ChatID) {
			continue
		}
		if err := s.db.MarkOutboxSending(entry.ClientNonce); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_nonce", entry.ClientNonce))
			continue
		}

		msg, err := s.client.SendMessage(ctx, entry.ChatID, entry.Body, entry.ClientNonce, entry.ReplyTo)
		if err != nil {
			s.handleSendError(entry, err)
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientNonce, msg.MsgID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_nonce", entry.ClientNonce))
		}
		msg.ClientNonce = entry.ClientNonce
		if _, _, err := s.db.Confirm(msg); err != nil {
			s.logger.Error("failed to confirm send", zap.Error(err), zap.String("msg_id", msg.MsgID))
			continue
		}
		if err := s.db.BumpLastMessage(msg.ChatID, msg.MsgID, msg.Seq, msg.CreatedAt, false); err != nil {
			s.logger.Error("failed to bump chat", zap.Error(err), zap.String("chat_id", msg.ChatID))
		}

		s.logger.Info("message sent",
			zap.String("client_nonce", entry.ClientNonce),
			zap.String("server_msg_id", msg.MsgID))
		s.publish("message.send_ack", map[string]string{
			"client_nonce":  entry.ClientNonce,
			"server_msg_id": msg.MsgID,
		})
	}
}

func (s *Sender) handleSendError(entry store.OutboxEntry, err error) {
	// Attempts was already incremented by MarkOutboxSending.
	if backend.IsTransient(err) && entry.Attempts+1 < s.cfg.SendAttempts {
		s.logger.Warn("send attempt failed, will retry",
			zap.Error(err),
			zap.String("client_nonce", entry.ClientNonce),
			zap.Int("attempts", entry.Attempts+1))
		if rqErr := s.db.ReturnOutboxToQueue(entry.ClientNonce, err.Error()); rqErr != nil {
			s.logger.Error("failed to requeue", zap.Error(rqErr), zap.String("client_nonce", entry.ClientNonce))
		}
		return
	}

	s.logger.Error("send failed", zap.Error(err), zap.String("client_nonce", entry.ClientNonce))
	if dbErr := s.db.MarkOutboxFailed(entry.ClientNonce, err.Error()); dbErr != nil {
		s.logger.Error("failed to mark outbox failed", zap.Error(dbErr), zap.String("client_nonce", entry.ClientNonce))
	}
	if dbErr := s.db.MarkSendFailed(entry.ClientNonce); dbErr != nil {
		s.logger.Error("failed to mark message failed", zap.Error(dbErr), zap.String("client_nonce", entry.ClientNonce))
	}
	s.publish("message.send_failed", map[string]string{
		"client_nonce": entry.ClientNonce,
		"error":        err.Error(),
	})
}

func (s *Sender) publish(kind string, payload any) {
	s.bus.Publish(bus.Event{Kind: kind, At: time.Now(), Payload: payload})
}
