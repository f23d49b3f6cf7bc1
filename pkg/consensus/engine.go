package consensus

import (
	"context"
	"fmt"
	"sync"

	"github.com/obsidian-labs/pbft-replica/pkg/cluster"
	"github.com/obsidian-labs/pbft-replica/pkg/ledger"

	"go.uber.org/zap"
)

// Broadcaster is the Engine's outbound port: best-effort fan-out of a
// message to every peer but self. Concrete implementations live in
// pkg/broadcast. The Engine never calls this while holding its state lock
// (see spec.md §5): broadcasting under the lock would
// serialize every replica on network latency.
type Broadcaster interface {
	Broadcast(ctx context.Context, self cluster.NodeID, peers []cluster.NodeAddress, msg Message) BroadcastResult
}

// BroadcastResult tallies one Broadcast call. TransportFailed counts only
// deliveries that never got an HTTP response at all (dial/timeout/context
// errors); a peer that responded with a non-2xx status is counted in
// Attempted but not Succeeded, and is not a transport failure — spec.md §6
// surfaces peer-side 5xx only through Succeeded, never as a transport
// error.
type BroadcastResult struct {
	Attempted       int
	Succeeded       int
	TransportFailed int
}

// Events receives notifications of phase transitions as they are observed
// locally. The Engine's Events field is optional; a nil Events is never
// invoked. This is
// how the Ingress Surface's supplemental WebSocket feed learns about
// progress without the Engine depending on the API layer.
type Events interface {
	PrepareQuorum(bid BlockId, count int)
	CommitQuorum(bid BlockId, count int)
	Finalized(bid BlockId)
}

// Engine is the Consensus Engine (spec.md §4.2): a single entry point,
// Handle, dispatched on the incoming message's Kind. Replica state mutation
// happens under the Engine's state lock and vote insertion under the
// ledger's own lock; broadcasting happens with neither lock held.
type Engine struct {
	state  *ReplicaState
	ledger *ledger.Ledger
	net    Broadcaster

	Logger *zap.SugaredLogger
	Events Events

	// mu guards state's mutable fields (Height, PrevHash, CurrentCandidate).
	// It is never held across a Broadcast call; see spec.md §5.
	mu sync.Mutex
}

// NewEngine builds an Engine for a replica. The ledger is created fresh;
// callers that need to seed it directly (for tests exercising §8 scenario 4,
// for instance) should use Ledger to obtain it.
func NewEngine(state *ReplicaState, net Broadcaster) *Engine {
	return &Engine{state: state, ledger: ledger.New(), net: net}
}

// Ledger exposes the Engine's vote ledger, for callers that need to read
// current tallies without going through Handle.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// State exposes a read-only view suitable for status endpoints. Callers
// must not mutate the returned pointer's fields.
func (e *Engine) State() *ReplicaState { return e.state }

func (e *Engine) quorum() int {
	return ledger.QuorumSize(e.state.Roster.Size())
}

// hasPeers reports whether this replica has anyone to broadcast to. A
// single-node roster never calls the Broadcaster at all (spec.md §8
// scenario 5: "no outbound broadcast was attempted").
func (e *Engine) hasPeers() bool {
	return e.state.Roster.Size() > 1
}

// Handle dispatches an incoming ConsensusMessage to the appropriate phase
// handler. It is safe to call concurrently from many HTTP handlers.
func (e *Engine) Handle(ctx context.Context, msg Message) error {
	switch msg.Kind {
	case KindProposal:
		return e.handleProposal(ctx, msg)
	case KindPrepare:
		return e.handlePrepare(ctx, msg)
	case KindCommit:
		return e.handleCommit(ctx, msg)
	default:
		return fmt.Errorf("consensus: unknown message kind %q", msg.Kind)
	}
}

// handleProposal implements spec.md §4.2 "Proposal": synthesize the BlockId,
// set it as the current candidate, record our own Prepare vote, and — if we
// are not the proposer — broadcast our Prepare to peers. The proposer's own
// vote is still recorded locally; it is just never broadcast back to
// itself. Our own vote is then run through the same quorum check as any
// other Prepare: in rosters of 3 or fewer, Q=1, so a replica's own vote can
// cross quorum with no peer votes at all (spec.md §8 scenario 5).
func (e *Engine) handleProposal(ctx context.Context, msg Message) error {
	bid := BlockId{Height: msg.Height, Hash: DeriveHash(msg.Height, msg.Proposer)}

	e.mu.Lock()
	e.state.CurrentCandidate = &bid
	e.mu.Unlock()

	selfCount := e.ledger.NotePrepare(bid.Height, bid.Hash, uint16(e.state.NodeID))
	e.log("recv_proposal", bid, msg.Proposer, selfCount)

	if msg.Proposer != e.state.NodeID && e.hasPeers() {
		prep := NewPrepare(e.state.NodeID, bid)
		res := e.net.Broadcast(ctx, e.state.NodeID, e.state.Roster.Peers(), prep)
		e.logBroadcast("prepare", bid, res)
	}

	return e.afterPrepareTally(ctx, bid, selfCount)
}

// handlePrepare implements spec.md §4.2 "Prepare": tally the vote and run
// the shared quorum check.
func (e *Engine) handlePrepare(ctx context.Context, msg Message) error {
	bid := *msg.Bid
	count := e.ledger.NotePrepare(bid.Height, bid.Hash, uint16(msg.From))
	e.log("recv_prepare", bid, msg.From, count)
	return e.afterPrepareTally(ctx, bid, count)
}

// afterPrepareTally is the quorum check shared by handleProposal (our own
// vote) and handlePrepare (a peer's vote): once this replica has observed a
// Prepare quorum for (height, hash), it records its own Commit vote and
// broadcasts it. The quorum check uses >=, matching the reference design;
// it is not additionally guarded against re-triggering on a later Prepare
// that arrives after quorum was already reached — NoteCommit and the
// eventual finalize check are both idempotent, so the repeat is harmless;
// see DESIGN.md.
func (e *Engine) afterPrepareTally(ctx context.Context, bid BlockId, count int) error {
	q := e.quorum()
	if count < q {
		return nil
	}
	if e.Events != nil {
		e.Events.PrepareQuorum(bid, count)
	}

	selfCount := e.ledger.NoteCommit(bid.Height, bid.Hash, uint16(e.state.NodeID))
	e.log("self_commit", bid, e.state.NodeID, selfCount)

	if e.hasPeers() {
		commit := NewCommit(e.state.NodeID, bid)
		res := e.net.Broadcast(ctx, e.state.NodeID, e.state.Roster.Peers(), commit)
		e.logBroadcast("commit", bid, res)
	}

	return e.afterCommitTally(ctx, bid, selfCount)
}

// handleCommit implements spec.md §4.2 "Commit": tally the vote and run the
// shared quorum check.
func (e *Engine) handleCommit(ctx context.Context, msg Message) error {
	bid := *msg.Bid
	count := e.ledger.NoteCommit(bid.Height, bid.Hash, uint16(msg.From))
	e.log("recv_commit", bid, msg.From, count)
	return e.afterCommitTally(ctx, bid, count)
}

// afterCommitTally is the quorum check shared by afterPrepareTally (our own
// commit vote) and handleCommit (a peer's vote): once a Commit quorum is
// reached, attempt to finalize — which only succeeds if the bid still
// matches the replica's current candidate.
func (e *Engine) afterCommitTally(ctx context.Context, bid BlockId, count int) error {
	q := e.quorum()
	if count < q {
		return nil
	}
	if e.Events != nil {
		e.Events.CommitQuorum(bid, count)
	}

	if e.finalizeIfCurrent(bid) {
		e.log("finalized", bid, e.state.NodeID, count)
		if e.Events != nil {
			e.Events.Finalized(bid)
		}
	}
	return nil
}

// finalizeIfCurrent is the finalization rule from spec.md §4.2: a block may
// only be finalized while it is still the replica's current candidate. A
// Commit quorum for a non-current bid is tallied but never finalizes; this
// is what prevents double-finalization and out-of-order advancement. The
// state lock serializes concurrent callers, so at most one caller observes
// a match and advances the height.
func (e *Engine) finalizeIfCurrent(bid BlockId) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.state.CurrentCandidate
	if cur == nil || cur.Height != bid.Height || cur.Hash != bid.Hash {
		return false
	}
	e.state.PrevHash = bid.Hash
	e.state.Height++
	e.state.CurrentCandidate = nil
	return true
}

func (e *Engine) log(event string, bid BlockId, from cluster.NodeID, count int) {
	if e.Logger == nil {
		return
	}
	e.Logger.Infow(event,
		"node_id", e.state.NodeID,
		"from", from,
		"height", bid.Height,
		"hash", bid.Hash,
		"count", count,
		"need", e.quorum(),
	)
}

func (e *Engine) logBroadcast(phase string, bid BlockId, res BroadcastResult) {
	if e.Logger == nil {
		return
	}
	e.Logger.Infow(phase+"_broadcast",
		"node_id", e.state.NodeID,
		"height", bid.Height,
		"hash", bid.Hash,
		"attempted", res.Attempted,
		"succeeded", res.Succeeded,
		"transport_failed", res.TransportFailed,
	)
}
