package api

import "github.com/obsidian-labs/pbft-replica/pkg/cluster"

// Wire response and request shapes for the Ingress Surface (spec.md §6, §7).

// Ack is returned by POST /msg on success.
type Ack struct {
	OK     bool           `json:"ok"`
	NodeID cluster.NodeID `json:"node_id"`
}

// BroadcastReport is returned by POST /broadcast.
type BroadcastReport struct {
	SenderID  cluster.NodeID `json:"sender_id"`
	Attempted int            `json:"attempted"`
	Succeeded int            `json:"succeeded"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string         `json:"status"`
	NodeID cluster.NodeID `json:"node_id"`
	Height uint64         `json:"height"`
}

// PeersResponse is returned by GET /peers.
type PeersResponse struct {
	SelfID cluster.NodeID        `json:"self_id"`
	Peers  []cluster.NodeAddress `json:"peers"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// EventMessage is pushed over the supplemental /events WebSocket feed
// whenever the Engine observes a quorum or finalizes a block. It is not
// part of spec.md's wire format; it exists purely for observability and
// carries no protocol weight.
type EventMessage struct {
	Type   string         `json:"type"` // "prepare_quorum", "commit_quorum", "finalized"
	NodeID cluster.NodeID `json:"node_id"`
	Height uint64         `json:"height"`
	Hash   string         `json:"hash"`
	Count  int            `json:"count,omitempty"`
}
