package conn

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcamargo/chatsync/internal/backend"
	"github.com/mcamargo/chatsync/internal/bus"
	"github.com/mcamargo/chatsync/internal/config"
)

// State represents the supervisor's connection state.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
)

// Supervisor keeps the push channel alive. It reconnects with jittered
// exponential backoff, tears the stream down when it goes silent past
// the liveness window, and republishes every decoded push event on the
// bus under the "push." namespace.
type Supervisor struct {
	channel backend.PushChannel
	bus     *bus.Bus
	logger  *zap.Logger
	backoff *backoff
	alive   time.Duration

	mu      sync.RWMutex
	current State

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor creates a supervisor over the given push channel.
func NewSupervisor(channel backend.PushChannel, b *bus.Bus, logger *zap.Logger, cfg config.Sync) *Supervisor {
	alive := time.Duration(cfg.LivenessSeconds) * time.Second
	if alive <= 0 {
		alive = 45 * time.Second
	}
	return &Supervisor{
		channel: channel,
		bus:     b,
		logger:  logger,
		backoff: newBackoff(
			time.Duration(cfg.BackoffBaseMs)*time.Millisecond,
			time.Duration(cfg.BackoffMaxMs)*time.Millisecond,
		),
		alive:   alive,
		current: Disconnected,
	}
}

// Current returns the current connection state.
func (s *Supervisor) Current() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Supervisor) setState(to State) {
	s.mu.Lock()
	from := s.current
	s.current = to
	s.mu.Unlock()
	if from == to {
		return
	}
	switch to {
	case Connected:
		s.publish("conn.connected", nil)
	case Disconnected:
		s.publish("conn.disconnected", nil)
	}
}

// Start launches the connect loop.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop tears down the channel and waits for the loop to exit. The
// backoff schedule is cleared so a later Start begins with fresh, short
// delays.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	_ = s.channel.Close()
	if s.done != nil {
		<-s.done
	}
	s.backoff.reset()
}

func (s *Supervisor) loop(ctx context.Context) {
	defer close(s.done)
	for {
		if ctx.Err() != nil {
			return
		}
		s.setState(Connecting)

		events, err := s.channel.Connect(ctx)
		if err != nil {
			s.setState(Disconnected)
			delay := s.backoff.nextDelay()
			s.logger.Warn("push connect failed", zap.Error(err), zap.Duration("retry_in", delay))
			s.publish("conn.reconnecting", delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		s.backoff.markConnected()
		s.setState(Connected)
		s.logger.Info("push channel connected")

		s.pump(ctx, events)

		s.setState(Disconnected)
		if ctx.Err() != nil {
			return
		}
		delay := s.backoff.nextDelay()
		s.logger.Warn("push channel lost", zap.Duration("retry_in", delay))
		s.publish("conn.reconnecting", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// pump forwards events until the stream closes or goes silent. A stream
// that produces nothing for the liveness window is assumed dead even if
// the socket still looks open, and is torn down so the connect loop can
// replace it.
func (s *Supervisor) pump(ctx context.Context, events <-chan backend.Event) {
	watchdog := time.NewTimer(s.alive)
	defer watchdog.Stop()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			if !watchdog.Stop() {
				<-watchdog.C
			}
			watchdog.Reset(s.alive)
			s.forward(evt)
		case <-watchdog.C:
			s.logger.Warn("push channel silent past liveness window, tearing down",
				zap.Duration("window", s.alive))
			_ = s.channel.Close()
			return
		case <-ctx.Done():
			_ = s.channel.Close()
			return
		}
	}
}

// forward republishes a decoded push event on the bus. The kind names
// the event category; the engine dispatches on the payload type.
func (s *Supervisor) forward(evt backend.Event) {
	kind := "push.event"
	switch evt.(type) {
	case backend.NewMessage:
		kind = "push.message"
	case backend.StatusReport:
		kind = "push.status"
	case backend.ChatUpdated:
		kind = "push.chat"
	case backend.MessageEdited:
		kind = "push.edited"
	case backend.MessageDeleted:
		kind = "push.deleted"
	case backend.MessagePinned:
		kind = "push.pinned"
	case backend.ReactionChanged:
		kind = "push.reaction"
	case backend.Typing:
		kind = "push.typing"
	case backend.Presence:
		kind = "push.presence"
	}
	s.publish(kind, evt)
}

func (s *Supervisor) publish(kind string, payload any) {
	s.bus.Publish(bus.Event{Kind: kind, At: time.Now(), Payload: payload})
}
