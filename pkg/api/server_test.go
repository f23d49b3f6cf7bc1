package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/obsidian-labs/pbft-replica/pkg/cluster"
	"github.com/obsidian-labs/pbft-replica/pkg/consensus"
)

// recordingBroadcaster is a consensus.Broadcaster stub that computes
// attempted as len(peers)-1 (self excluded) and reports configurable
// succeeded/transportFailed counts, both clamped to attempted.
// disseminateAttempted records the attempted count of the last Proposal
// broadcast only; the Engine's own Prepare/Commit broadcasts, which go
// through the same stub, do not touch it.
type recordingBroadcaster struct {
	succeeded            int
	transportFailed      int
	disseminateAttempted int
}

func (r *recordingBroadcaster) Broadcast(ctx context.Context, self cluster.NodeID, peers []cluster.NodeAddress, msg consensus.Message) consensus.BroadcastResult {
	var attempted int
	for _, p := range peers {
		if p.ID != self {
			attempted++
		}
	}
	if msg.Kind == consensus.KindProposal {
		r.disseminateAttempted = attempted
	}

	succeeded := r.succeeded
	if succeeded > attempted {
		succeeded = attempted
	}
	transportFailed := r.transportFailed
	if transportFailed > attempted {
		transportFailed = attempted
	}
	return consensus.BroadcastResult{Attempted: attempted, Succeeded: succeeded, TransportFailed: transportFailed}
}

func buildServer(t *testing.T, n int) (*Server, *recordingBroadcaster) {
	t.Helper()
	nodes := make([]cluster.NodeAddress, n)
	for i := 0; i < n; i++ {
		nodes[i] = cluster.NodeAddress{ID: cluster.NodeID(i + 1), Host: "127.0.0.1", Port: uint16(9100 + i)}
	}
	roster, err := cluster.NewRoster(nodes)
	if err != nil {
		t.Fatalf("NewRoster: %v", err)
	}
	net := &recordingBroadcaster{succeeded: n - 1}
	state := consensus.NewReplicaState(1, roster)
	engine := consensus.NewEngine(state, net)
	s := NewServer(engine, net, nil)
	return s, net
}

func postJSON(t *testing.T, s *Server, path string, body consensus.Message) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := buildServer(t, 4)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.NodeID != 1 || resp.Height != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestPeersEndpoint(t *testing.T) {
	s, _ := buildServer(t, 4)
	req := httptest.NewRequest(http.MethodGet, "/peers", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var resp PeersResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SelfID != 1 || len(resp.Peers) != 4 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestMsgHappyPathReturnsAck(t *testing.T) {
	s, _ := buildServer(t, 4)
	rec := postJSON(t, s, "/msg", consensus.NewPrepare(2, consensus.BlockId{Height: 1, Hash: "h1-p1"}))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var ack Ack
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !ack.OK || ack.NodeID != 1 {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestMsgMalformedReturns400(t *testing.T) {
	s, _ := buildServer(t, 4)
	req := httptest.NewRequest(http.MethodPost, "/msg", bytes.NewReader([]byte(`{"kind":"Prepare"}`)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

// TestMsgProposalDisseminatesToPeers exercises the ingress-level half of
// spec.md §8 scenario 6: submitting a Proposal to node 1 in a 4-node
// roster disseminates it to exactly 3 peers, never 4.
func TestMsgProposalDisseminatesToPeers(t *testing.T) {
	s, net := buildServer(t, 4)
	rec := postJSON(t, s, "/msg", consensus.NewProposal(1, 1, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if net.disseminateAttempted != 3 {
		t.Fatalf("dissemination attempted = %d, want 3", net.disseminateAttempted)
	}
}

// TestMsgProposalFromNonProposerDoesNotDisseminate guards against the
// gossip-amplification bug: a node that is not the proposer of an inbound
// Proposal (i.e. it received the Proposal via dissemination, not directly
// from a client) must not re-disseminate it — otherwise every recipient
// would re-forward forever.
func TestMsgProposalFromNonProposerDoesNotDisseminate(t *testing.T) {
	s, net := buildServer(t, 4) // server's self id is 1
	rec := postJSON(t, s, "/msg", consensus.NewProposal(1, 2, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if net.disseminateAttempted != 0 {
		t.Fatalf("non-proposer disseminated a Proposal: attempted = %d, want 0", net.disseminateAttempted)
	}
}

func TestBroadcastEndpointReportsCounts(t *testing.T) {
	s, net := buildServer(t, 4)
	net.succeeded = 2
	rec := postJSON(t, s, "/broadcast", consensus.NewPrepare(1, consensus.BlockId{Height: 1, Hash: "h1-p1"}))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var report BroadcastReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Attempted != 3 || report.Succeeded != 2 || report.SenderID != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

// TestBroadcastEndpoint502OnTotalFailure covers the true transport-failure
// case: every attempted delivery never got an HTTP response at all.
func TestBroadcastEndpoint502OnTotalFailure(t *testing.T) {
	s, net := buildServer(t, 4)
	net.succeeded = 0
	net.transportFailed = 3
	rec := postJSON(t, s, "/broadcast", consensus.NewPrepare(1, consensus.BlockId{Height: 1, Hash: "h1-p1"}))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

// TestBroadcastEndpointAllPeer5xxIsNot502 exercises spec.md §6: peers that
// respond with a 5xx status are surfaced only through Succeeded, not as a
// transport error, so this must return 200 with Succeeded=0, never 502.
func TestBroadcastEndpointAllPeer5xxIsNot502(t *testing.T) {
	s, net := buildServer(t, 4)
	net.succeeded = 0
	net.transportFailed = 0
	rec := postJSON(t, s, "/broadcast", consensus.NewPrepare(1, consensus.BlockId{Height: 1, Hash: "h1-p1"}))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var report BroadcastReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Succeeded != 0 {
		t.Fatalf("Succeeded = %d, want 0", report.Succeeded)
	}
}
