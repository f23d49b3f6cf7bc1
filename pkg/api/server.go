// Package api is the Ingress Surface (spec.md §4.4): the HTTP boundary
// through which external clients submit consensus messages and peer nodes
// exchange them, plus a supplemental /events feed for observing phase
// transitions live.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/obsidian-labs/pbft-replica/pkg/cluster"
	"github.com/obsidian-labs/pbft-replica/pkg/consensus"
)

// Server wires the Consensus Engine and Peer Broadcaster to an HTTP router.
type Server struct {
	engine *consensus.Engine
	net    consensus.Broadcaster
	roster *cluster.Roster
	self   cluster.NodeID

	router *mux.Router
	hub    *hub
	logger *zap.SugaredLogger
}

// NewServer builds a Server. net is the same Broadcaster instance the
// Engine was constructed with: the Ingress Surface needs its own handle to
// it for POST /broadcast and for Proposal dissemination (see handleMsg).
func NewServer(engine *consensus.Engine, net consensus.Broadcaster, logger *zap.SugaredLogger) *Server {
	s := &Server{
		engine: engine,
		net:    net,
		roster: engine.State().Roster,
		self:   engine.State().NodeID,
		router: mux.NewRouter(),
		hub:    newHub(logger),
		logger: logger,
	}
	engine.Events = eventsAdapter{hub: s.hub, self: s.self}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/peers", s.handlePeers).Methods(http.MethodGet)
	s.router.HandleFunc("/msg", s.handleMsg).Methods(http.MethodPost)
	s.router.HandleFunc("/broadcast", s.handleBroadcast).Methods(http.MethodPost)
	s.router.HandleFunc("/events", s.handleEvents)
}

// Handler returns the CORS-wrapped router, ready to pass to http.Server.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.router)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.engine.State()
	respondJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		NodeID: state.NodeID,
		Height: state.Height,
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, PeersResponse{
		SelfID: s.self,
		Peers:  s.roster.Peers(),
	})
}

// handleMsg implements POST /msg (spec.md §4.4): decode one ConsensusMessage
// and hand it to the Engine. spec.md §4.2 only describes how a single
// replica responds to a message it has already received; it never says how
// a Proposal reaches the rest of the cluster. SPEC_FULL.md resolves that by
// having the proposing node's own handler disseminate its Proposal,
// unchanged, to every peer — mirroring how a PBFT primary gossips its
// pre-prepare once. A node that receives that disseminated Proposal is not
// itself the proposer, so it never re-disseminates: without that check,
// every recipient would forward the Proposal again and the fan-out would
// never terminate.
func (s *Server) handleMsg(w http.ResponseWriter, r *http.Request) {
	msg, err := decodeMessage(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "malformed message", err.Error())
		return
	}

	// Hand the message to the local Engine first, then — only if this node
	// is the proposer — disseminate it to the rest of the cluster once.
	if err := s.engine.Handle(r.Context(), msg); err != nil {
		respondError(w, http.StatusBadRequest, "handle failed", err.Error())
		return
	}

	if msg.Kind == consensus.KindProposal && msg.Proposer == s.self {
		s.disseminateProposal(r.Context(), msg)
	}

	respondJSON(w, http.StatusOK, Ack{OK: true, NodeID: s.self})
}

// disseminateProposal fans the raw Proposal out to every peer so each can
// independently run its own handleProposal.
func (s *Server) disseminateProposal(ctx context.Context, msg consensus.Message) {
	res := s.net.Broadcast(ctx, s.self, s.roster.Peers(), msg)
	if s.logger != nil {
		s.logger.Infow("proposal_disseminated",
			"node_id", s.self, "height", msg.Height, "proposer", msg.Proposer,
			"attempted", res.Attempted, "succeeded", res.Succeeded, "transport_failed", res.TransportFailed)
	}
}

// handleBroadcast implements POST /broadcast (spec.md §4.4): hand the
// message directly to the Peer Broadcaster, bypassing the local Engine.
// Only a transport-level failure — every attempted delivery never
// receiving an HTTP response at all — maps to 502; a peer that responded
// with a 5xx status is surfaced solely through Succeeded, per spec.md §6.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	msg, err := decodeMessage(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "malformed message", err.Error())
		return
	}

	res := s.net.Broadcast(r.Context(), s.self, s.roster.Peers(), msg)
	if res.Attempted > 0 && res.Succeeded == 0 && res.TransportFailed == res.Attempted {
		respondError(w, http.StatusBadGateway, "broadcast failed", "no peer was reachable")
		return
	}
	respondJSON(w, http.StatusOK, BroadcastReport{
		SenderID:  s.self,
		Attempted: res.Attempted,
		Succeeded: res.Succeeded,
	})
}

func decodeMessage(r *http.Request) (consensus.Message, error) {
	var msg consensus.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		return consensus.Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return consensus.Message{}, err
	}
	return msg, nil
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errMsg, detail string) {
	respondJSON(w, status, ErrorResponse{Error: errMsg, Message: detail})
}

// eventsAdapter implements consensus.Events by forwarding every transition
// to the WebSocket hub, tagged with the observing node's own id.
type eventsAdapter struct {
	hub  *hub
	self cluster.NodeID
}

func (a eventsAdapter) PrepareQuorum(bid consensus.BlockId, count int) {
	a.hub.publish(EventMessage{Type: "prepare_quorum", NodeID: a.self, Height: bid.Height, Hash: bid.Hash, Count: count})
}

func (a eventsAdapter) CommitQuorum(bid consensus.BlockId, count int) {
	a.hub.publish(EventMessage{Type: "commit_quorum", NodeID: a.self, Height: bid.Height, Hash: bid.Hash, Count: count})
}

func (a eventsAdapter) Finalized(bid consensus.BlockId) {
	a.hub.publish(EventMessage{Type: "finalized", NodeID: a.self, Height: bid.Height, Hash: bid.Hash})
}
