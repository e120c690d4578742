package channel

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/stellarlinkco/companion/internal/bus"
	"github.com/stellarlinkco/companion/internal/config"
	"github.com/stellarlinkco/companion/internal/logging"
	"github.com/stellarlinkco/companion/internal/retry"
)

// SentHook observes every message a channel delivered from the outbound bus.
// messageIDs holds one id per delivered part.
type SentHook func(msg bus.OutboundMessage, messageIDs []int64)

type ChannelManager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
	logger   *zap.Logger

	mu     sync.RWMutex
	onSent SentHook
}

func NewChannelManager(cfg config.TelegramConfig, b *bus.MessageBus, policy retry.Policy, logger *zap.Logger) (*ChannelManager, error) {
	m := &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
		logger:   logging.OrNop(logger).Named("channel-mgr"),
	}

	if cfg.Enabled {
		ch, err := NewTelegramChannel(cfg, b, policy, logger)
		if err != nil {
			return nil, fmt.Errorf("init telegram channel: %w", err)
		}
		m.Register(ch)
	}

	return m, nil
}

// Register adds ch and subscribes it to outbound messages addressed to it.
func (m *ChannelManager) Register(ch Channel) {
	m.channels[ch.Name()] = ch
	m.bus.SubscribeOutbound(ch.Name(), func(msg bus.OutboundMessage) {
		ids, err := ch.Send(msg)
		if err != nil {
			m.logger.Error("send failed",
				zap.String("channel", ch.Name()),
				zap.String("chat_id", msg.ChatID),
				zap.String("instance_id", msg.InstanceID),
				zap.Error(err))
			return
		}
		m.mu.RLock()
		hook := m.onSent
		m.mu.RUnlock()
		if hook != nil {
			hook(msg, ids)
		}
	})
}

func (m *ChannelManager) OnSent(h SentHook) {
	m.mu.Lock()
	m.onSent = h
	m.mu.Unlock()
}

// Deliver sends msg synchronously, bypassing the bus, and returns the
// delivered message ids. The sent hook is not called.
func (m *ChannelManager) Deliver(msg bus.OutboundMessage) ([]int64, error) {
	ch, ok := m.channels[msg.Channel]
	if !ok {
		return nil, fmt.Errorf("channel %q not enabled", msg.Channel)
	}
	return ch.Send(msg)
}

func (m *ChannelManager) StartAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.channels))

	for name, ch := range m.channels {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			m.logger.Info("starting", zap.String("channel", name))
			if err := ch.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}(name, ch)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

func (m *ChannelManager) StopAll() error {
	for name, ch := range m.channels {
		m.logger.Info("stopping", zap.String("channel", name))
		if err := ch.Stop(); err != nil {
			m.logger.Warn("stop failed", zap.String("channel", name), zap.Error(err))
		}
	}
	return nil
}

func (m *ChannelManager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}
