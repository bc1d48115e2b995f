package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/travelgame/negotiator/internal/domain/game"
	"github.com/travelgame/negotiator/internal/domain/negotiation"
)

var ErrClientNotFound = errors.New("ws: client not found")

// Frame is what a player sends over the socket.
type Frame struct {
	Topic   negotiation.Topic `json:"topic"`
	Type    string            `json:"type"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

// Ingress accepts a validated player envelope for topic.
type Ingress func(ctx context.Context, topic negotiation.Topic, env negotiation.Envelope) error

type clientKey struct {
	session game.SessionID
	player  game.PlayerID
}

// Client is one connected player.
type Client struct {
	key  clientKey
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub is the registry of connected players, keyed by (session, player).
// A reconnect replaces the previous connection of the same player.
type Hub struct {
	mu      sync.RWMutex
	clients map[clientKey]*Client
	buffer  int
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[clientKey]*Client),
		buffer:  64,
		logger:  logger.With().Str("component", "ws_hub").Logger(),
	}
}

func (h *Hub) Register(session game.SessionID, player game.PlayerID) *Client {
	c := &Client{
		key:  clientKey{session: session, player: player},
		send: make(chan []byte, h.buffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	prev := h.clients[c.key]
	h.clients[c.key] = c
	h.mu.Unlock()
	if prev != nil {
		prev.close()
	}
	return c
}

// Unregister removes c unless it was already replaced by a newer connection.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if cur, ok := h.clients[c.key]; ok && cur == c {
		delete(h.clients, c.key)
	}
	h.mu.Unlock()
	c.close()
}

func (h *Hub) Connected(session game.SessionID, player game.PlayerID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[clientKey{session: session, player: player}]
	return ok
}

// Players lists the connected players of a session.
func (h *Hub) Players(session game.SessionID) []game.PlayerID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]game.PlayerID, 0)
	for k := range h.clients {
		if k.session == session {
			out = append(out, k.player)
		}
	}
	return out
}

// Deliver fans an outbound message out to its audience. Players not
// connected to this instance are skipped.
func (h *Hub) Deliver(msg negotiation.Outbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	switch msg.Audience {
	case negotiation.AudiencePlayer:
		if c, ok := h.clients[clientKey{session: msg.Session, player: msg.Recipient}]; ok {
			h.trySend(c, data)
		}
	case negotiation.AudienceNearby, negotiation.AudienceSession:
		for k, c := range h.clients {
			if k.session != msg.Session {
				continue
			}
			if msg.Audience == negotiation.AudienceNearby && k.player == msg.Origin {
				continue
			}
			h.trySend(c, data)
		}
	default:
		return fmt.Errorf("unknown audience %q", msg.Audience)
	}
	return nil
}

// HandleOutbound is the transport handler for the outbound topic.
func (h *Hub) HandleOutbound(_ context.Context, env negotiation.Envelope) error {
	msg, err := negotiation.OutboundFromEnvelope(env)
	if err != nil {
		h.logger.Error().Err(err).Str("envelope_id", env.ID.String()).Msg("undecodable outbound message")
		return nil
	}
	return h.Deliver(msg)
}

func (h *Hub) trySend(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		h.logger.Warn().
			Str("session", string(c.key.session)).
			Str("player", string(c.key.player)).
			Msg("client buffer full, dropping message")
	}
}

// Stop disconnects every client.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k, c := range h.clients {
		c.close()
		delete(h.clients, k)
	}
}

// Serve upgrades the request and runs the player's connection until either
// side closes it. Frames read from the socket are handed to ingress with the
// session and sender taken from the route, never from the frame.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, session game.SessionID, player game.PlayerID, ingress Ingress) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to accept")
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := h.Register(session, player)
	defer h.Unregister(client)
	log := h.logger.With().Str("session", string(session)).Str("player", string(player)).Logger()
	log.Debug().Msg("player connected")

	go h.writeLoop(ctx, cancel, conn, client)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		if err := h.ingest(ctx, session, player, data, ingress); err != nil {
			log.Warn().Err(err).Msg("frame rejected")
			h.replyError(client, session, player, err)
		}
	}
}

func (h *Hub) ingest(ctx context.Context, session game.SessionID, player game.PlayerID, data []byte, ingress Ingress) error {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("%w: %v", negotiation.ErrInvalidEnvelope, err)
	}
	if !f.Topic.Inbound() {
		return fmt.Errorf("%w: topic %q", negotiation.ErrInvalidEnvelope, f.Topic)
	}
	env, err := negotiation.NewEnvelope(session, player, f.Type, nil)
	if err != nil {
		return err
	}
	env.Payload = f.Payload
	if err := env.Validate(); err != nil {
		return err
	}
	return ingress(ctx, f.Topic, env)
}

func (h *Hub) replyError(c *Client, session game.SessionID, player game.PlayerID, cause error) {
	msg := negotiation.ToPlayer(session, player, "Error", map[string]string{"error": cause.Error()})
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.trySend(c, data)
}

func (h *Hub) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, c *Client) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			_ = conn.Close(websocket.StatusGoingAway, "connection closed by server")
			return
		case data := <-c.send:
			writeCtx, writeCancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			writeCancel()
			if err != nil {
				return
			}
		}
	}
}
