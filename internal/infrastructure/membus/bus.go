package membus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/travelgame/negotiator/internal/domain/negotiation"
)

// Bus is an in-process negotiation.Transport. Each subscription drains its
// own queue in order; a failed delivery is redelivered up to MaxDeliveries.
type Bus struct {
	mu            sync.RWMutex
	subs          map[negotiation.Topic][]*subscription
	MaxDeliveries int
	RedeliveryGap time.Duration
	logger        zerolog.Logger
}

type subscription struct {
	queue chan negotiation.Envelope
	done  <-chan struct{}
}

func New(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:          map[negotiation.Topic][]*subscription{},
		MaxDeliveries: 3,
		RedeliveryGap: 50 * time.Millisecond,
		logger:        logger.With().Str("component", "membus").Logger(),
	}
}

func (b *Bus) Publish(ctx context.Context, topic negotiation.Topic, env negotiation.Envelope) error {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.subs[topic]...)
	b.mu.RUnlock()
	for _, s := range subs {
		select {
		case s.queue <- env:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topic negotiation.Topic, h negotiation.Handler) error {
	s := &subscription{queue: make(chan negotiation.Envelope, 256), done: ctx.Done()}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], s)
	b.mu.Unlock()

	go func() {
		defer b.unsubscribe(topic, s)
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-s.queue:
				b.deliver(ctx, topic, env, h)
			}
		}
	}()
	return nil
}

func (b *Bus) deliver(ctx context.Context, topic negotiation.Topic, env negotiation.Envelope, h negotiation.Handler) {
	limit := b.MaxDeliveries
	if limit <= 0 {
		limit = 1
	}
	for attempt := 1; attempt <= limit; attempt++ {
		err := h(ctx, env)
		if err == nil {
			return
		}
		if _, ok := negotiation.AsRejection(err); ok {
			return
		}
		b.logger.Warn().Err(err).
			Str("topic", string(topic)).
			Str("envelope_id", env.ID.String()).
			Int("attempt", attempt).
			Msg("delivery failed")
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.RedeliveryGap):
		}
	}
	b.logger.Error().
		Str("topic", string(topic)).
		Str("envelope_id", env.ID.String()).
		Msg("dropping envelope after redeliveries")
}

func (b *Bus) unsubscribe(topic negotiation.Topic, s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, cur := range subs {
		if cur == s {
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}
