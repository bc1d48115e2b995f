package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"

	"github.com/travelgame/negotiator/internal/domain/coop"
	"github.com/travelgame/negotiator/internal/domain/game"
	"github.com/travelgame/negotiator/internal/domain/negotiation"
	"github.com/travelgame/negotiator/internal/domain/trade"
	"github.com/travelgame/negotiator/internal/infrastructure/ws"
	"github.com/travelgame/negotiator/internal/replica"
)

// Cluster is the slice of the raft node the API exposes.
type Cluster interface {
	ID() string
	RaftAddr() string
	State() string
	LeaderAddr() string
	IsLeader() bool
	Stats() map[string]string
	AddVoter(ctx context.Context, nodeID, raftAddr string) error
	RemoveServer(ctx context.Context, nodeID string) error
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	trades    game.StateStore[trade.State]
	coops     game.StateStore[coop.State]
	statuses  game.StatusStore
	transport negotiation.Transport
	hub       *ws.Hub
	cluster   Cluster
	logger    zerolog.Logger
}

// NewServer wires the handlers. cluster may be nil when raft is not in use.
func NewServer(
	trades game.StateStore[trade.State],
	coops game.StateStore[coop.State],
	statuses game.StatusStore,
	transport negotiation.Transport,
	hub *ws.Hub,
	cluster Cluster,
	logger zerolog.Logger,
) *Server {
	return &Server{
		trades:    trades,
		coops:     coops,
		statuses:  statuses,
		transport: transport,
		hub:       hub,
		cluster:   cluster,
		logger:    logger.With().Str("component", "http").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Websocket connections outlive the request timeout.
	r.Get("/v1/sessions/{session}/players/{player}/ws", s.connect)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/healthz", s.healthz)
		r.Get("/v1/sessions/{session}/players/{player}/state", s.playerState)
		r.Post("/v1/sessions/{session}/players/{player}/messages", s.postMessage)

		r.Get("/v1/raft", s.raftStatus)
		r.Post("/v1/raft/join", s.raftJoin)
		r.Post("/v1/raft/remove", s.raftRemove)
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{"ok": true}
	if s.cluster != nil {
		out["nodeId"] = s.cluster.ID()
		out["state"] = s.cluster.State()
		out["leader"] = s.cluster.LeaderAddr()
	}
	respondJSON(w, http.StatusOK, out)
}

type playerStateResponse struct {
	Session game.SessionID         `json:"session"`
	Player  game.PlayerID          `json:"player"`
	Status  game.InteractionStatus `json:"status"`
	Trade   json.RawMessage        `json:"trade"`
	Coop    json.RawMessage        `json:"coop"`
}

func (s *Server) playerState(w http.ResponseWriter, r *http.Request) {
	session, player, ok := routeIdentity(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	ts, err := s.trades.Get(ctx, session, player)
	if err != nil {
		s.internalError(w, err)
		return
	}
	cs, err := s.coops.Get(ctx, session, player)
	if err != nil {
		s.internalError(w, err)
		return
	}
	status, err := s.statuses.Get(ctx, session, player)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if status == "" {
		status = game.StatusIdle
	}

	tradeRaw, err := trade.MarshalState(ts)
	if err != nil {
		s.internalError(w, err)
		return
	}
	coopRaw, err := coop.MarshalState(cs)
	if err != nil {
		s.internalError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, playerStateResponse{
		Session: session,
		Player:  player,
		Status:  status,
		Trade:   tradeRaw,
		Coop:    coopRaw,
	})
}

type messageRequest struct {
	Topic   negotiation.Topic `json:"topic"`
	Type    string            `json:"type"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

// postMessage accepts one player message. Identity comes from the route, never the body.
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	session, player, ok := routeIdentity(w, r)
	if !ok {
		return
	}
	var req messageRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if !req.Topic.Inbound() {
		respondError(w, http.StatusBadRequest, "INVALID_TOPIC", "topic does not accept player messages", map[string]any{
			"topic": req.Topic,
		})
		return
	}

	env, err := negotiation.NewEnvelope(session, player, strings.TrimSpace(req.Type), nil)
	if err != nil {
		s.internalError(w, err)
		return
	}
	env.Payload = req.Payload
	if err := env.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := s.transport.Publish(r.Context(), req.Topic, env); err != nil {
		s.logger.Error().Err(err).Str("topic", string(req.Topic)).Msg("failed to publish message")
		respondError(w, http.StatusServiceUnavailable, "PUBLISH_FAILED", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"id": env.ID})
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	session, player, ok := routeIdentity(w, r)
	if !ok {
		return
	}
	s.hub.Serve(w, r, session, player, s.transport.Publish)
}

func (s *Server) raftStatus(w http.ResponseWriter, _ *http.Request) {
	if !s.requireCluster(w) {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"node_id":    s.cluster.ID(),
		"raft_addr":  s.cluster.RaftAddr(),
		"state":      s.cluster.State(),
		"leader":     s.cluster.LeaderAddr(),
		"is_leader":  s.cluster.IsLeader(),
		"raft_stats": s.cluster.Stats(),
	})
}

type raftJoinRequest struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
}

func (s *Server) raftJoin(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w) {
		return
	}
	var req raftJoinRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := s.cluster.AddVoter(r.Context(), req.NodeID, req.RaftAddr); err != nil {
		if isLeadershipErr(err) {
			s.notLeader(w, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "JOIN_FAILED", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "OK"})
}

type raftRemoveRequest struct {
	NodeID string `json:"node_id"`
}

func (s *Server) raftRemove(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w) {
		return
	}
	var req raftRemoveRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := s.cluster.RemoveServer(r.Context(), req.NodeID); err != nil {
		if isLeadershipErr(err) {
			s.notLeader(w, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "REMOVE_FAILED", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "OK"})
}

func (s *Server) requireCluster(w http.ResponseWriter) bool {
	if s.cluster == nil {
		respondError(w, http.StatusNotFound, "RAFT_DISABLED", "store backend is not raft", nil)
		return false
	}
	return true
}

func (s *Server) requireLeader(w http.ResponseWriter) bool {
	if !s.requireCluster(w) {
		return false
	}
	if !s.cluster.IsLeader() {
		s.notLeader(w, "submit to leader")
		return false
	}
	return true
}

func (s *Server) notLeader(w http.ResponseWriter, message string) {
	respondError(w, http.StatusConflict, "NOT_LEADER", message, map[string]any{
		"leader": s.cluster.LeaderAddr(),
	})
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Error().Err(err).Msg("request failed")
	respondError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
}

func routeIdentity(w http.ResponseWriter, r *http.Request) (game.SessionID, game.PlayerID, bool) {
	session := strings.TrimSpace(chi.URLParam(r, "session"))
	player := strings.TrimSpace(chi.URLParam(r, "player"))
	if session == "" || player == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "session and player are required", nil)
		return "", "", false
	}
	return game.SessionID(session), game.PlayerID(player), true
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string, extra map[string]any) {
	out := map[string]any{
		"error":   code,
		"message": message,
	}
	for k, v := range extra {
		out[k] = v
	}
	respondJSON(w, status, out)
}

func isLeadershipErr(err error) bool {
	return errors.Is(err, replica.ErrNotLeader) ||
		errors.Is(err, raft.ErrNotLeader) ||
		errors.Is(err, raft.ErrLeadershipLost) ||
		errors.Is(err, raft.ErrLeadershipTransferInProgress)
}
