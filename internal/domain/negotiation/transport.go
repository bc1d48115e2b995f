package negotiation

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_publisher.go -package=mocks . Publisher

import (
	"context"
	"sort"

	"github.com/travelgame/negotiator/internal/domain/game"
)

// Handler consumes one delivered envelope. A non-nil error asks for redelivery.
type Handler func(ctx context.Context, env Envelope) error

// Transport is at-least-once pub/sub, ordered only per (sender, topic).
type Transport interface {
	Publish(ctx context.Context, topic Topic, env Envelope) error
	// Subscribe registers h for topic and returns once the subscription is live.
	// Delivery stops when ctx is done.
	Subscribe(ctx context.Context, topic Topic, h Handler) error
}

// Publisher emits outbound messages for delivery to players.
type Publisher interface {
	Publish(ctx context.Context, msg Outbound) error
}

// PairLocker serializes negotiation steps touching a pair of players. Each
// player is leased on its own, so two pairs sharing a player also serialize.
type PairLocker interface {
	// Acquire blocks until both players are leased or ctx is done.
	Acquire(ctx context.Context, session game.SessionID, a, b game.PlayerID) (release func(), err error)
}

// LeaseKeys returns one lease key per distinct player, sorted. Every locker
// takes them in this order, so overlapping pairs never wait on each other in
// a cycle.
func LeaseKeys(session game.SessionID, a, b game.PlayerID) []string {
	keys := []string{string(session) + "/" + string(a)}
	if a != b {
		keys = append(keys, string(session)+"/"+string(b))
	}
	sort.Strings(keys)
	return keys
}

// AcquireEach takes every key in order with take. When one fails the keys
// already held are released and the error is returned. The returned release
// frees the keys in reverse order.
func AcquireEach(keys []string, take func(key string) (func(), error)) (func(), error) {
	held := make([]func(), 0, len(keys))
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for _, k := range keys {
		release, err := take(k)
		if err != nil {
			releaseAll()
			return nil, err
		}
		held = append(held, release)
	}
	return releaseAll, nil
}

// TransportPublisher publishes outbound messages onto the outbound topic.
type TransportPublisher struct {
	transport Transport
}

func NewTransportPublisher(transport Transport) *TransportPublisher {
	return &TransportPublisher{transport: transport}
}

func (p *TransportPublisher) Publish(ctx context.Context, msg Outbound) error {
	env, err := msg.Envelope()
	if err != nil {
		return err
	}
	return p.transport.Publish(ctx, TopicOutbound, env)
}
