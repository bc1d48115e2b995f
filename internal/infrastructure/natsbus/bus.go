package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/travelgame/negotiator/internal/domain/negotiation"
)

// Config selects the JetStream stream backing the transport.
type Config struct {
	URL        string
	Stream     string
	Durable    string
	MaxDeliver int
	AckWait    time.Duration
}

// Bus is a negotiation.Transport on NATS JetStream. Inbound topics use one
// durable consumer per topic shared by every instance; the outbound topic uses
// an ephemeral consumer per instance so each node sees every message.
type Bus struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	cfg    Config
	logger zerolog.Logger
}

func Connect(ctx context.Context, cfg Config, logger zerolog.Logger) (*Bus, error) {
	if cfg.Stream == "" {
		cfg.Stream = "NEGOTIATION"
	}
	if cfg.Durable == "" {
		cfg.Durable = "negotiationd"
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 5
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	nc, err := nats.Connect(cfg.URL, nats.Name(cfg.Durable))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get jetstream: %w", err)
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.Stream + ".>"},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     24 * time.Hour,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}
	return &Bus{
		nc:     nc,
		js:     js,
		stream: stream,
		cfg:    cfg,
		logger: logger.With().Str("component", "natsbus").Logger(),
	}, nil
}

func (b *Bus) subject(topic negotiation.Topic) string {
	return b.cfg.Stream + "." + string(topic)
}

func (b *Bus) Publish(ctx context.Context, topic negotiation.Topic, env negotiation.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := b.js.Publish(ctx, b.subject(topic), data, jetstream.WithMsgID(env.ID.String())); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topic negotiation.Topic, h negotiation.Handler) error {
	cc := jetstream.ConsumerConfig{
		FilterSubject: b.subject(topic),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.cfg.AckWait,
		MaxDeliver:    b.cfg.MaxDeliver,
	}
	if topic == negotiation.TopicOutbound {
		cc.DeliverPolicy = jetstream.DeliverNewPolicy
		cc.InactiveThreshold = time.Minute
	} else {
		cc.Durable = b.cfg.Durable + "-" + string(topic)
	}
	consumer, err := b.stream.CreateOrUpdateConsumer(ctx, cc)
	if err != nil {
		return fmt.Errorf("create consumer for %s: %w", topic, err)
	}
	go b.consumeLoop(ctx, consumer, topic, h)
	return nil
}

func (b *Bus) consumeLoop(ctx context.Context, consumer jetstream.Consumer, topic negotiation.Topic, h negotiation.Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Debug().Err(err).Str("topic", string(topic)).Msg("fetch failed")
			continue
		}
		for msg := range msgs.Messages() {
			b.handle(ctx, topic, msg, h)
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, nats.ErrTimeout) {
			b.logger.Warn().Err(err).Str("topic", string(topic)).Msg("message fetch error")
		}
	}
}

func (b *Bus) handle(ctx context.Context, topic negotiation.Topic, msg jetstream.Msg, h negotiation.Handler) {
	var env negotiation.Envelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		b.logger.Error().Err(err).Str("topic", string(topic)).Msg("undecodable envelope")
		if termErr := msg.Term(); termErr != nil {
			b.logger.Warn().Err(termErr).Msg("term failed")
		}
		return
	}
	if err := h(ctx, env); err != nil {
		if _, ok := negotiation.AsRejection(err); !ok {
			if nakErr := msg.Nak(); nakErr != nil {
				b.logger.Warn().Err(nakErr).Msg("nak failed")
			}
			return
		}
	}
	if err := msg.Ack(); err != nil {
		b.logger.Warn().Err(err).Str("envelope_id", env.ID.String()).Msg("ack failed")
	}
}

// Close drains the connection.
func (b *Bus) Close() error {
	return b.nc.Drain()
}
