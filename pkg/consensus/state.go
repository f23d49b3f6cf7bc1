package consensus

import "github.com/obsidian-labs/pbft-replica/pkg/cluster"

// genesisHash is the sentinel prev-hash of a freshly started replica, before
// any block has been finalized.
const genesisHash = "genesis"

// ReplicaState is the mutable per-node consensus state (one per replica).
// It is created at node start with Height=1, PrevHash="genesis", no
// candidate, and is mutated only by the Engine in response to message
// ingress. It is never persisted and never garbage-collected in this
// design: old heights accumulate in the vote ledger.
type ReplicaState struct {
	NodeID cluster.NodeID
	Roster *cluster.Roster

	// Height is the next height to finalize; starts at 1 and only ever
	// increases, and only through finalizeIfCurrent.
	Height uint64
	// PrevHash is the hash of the most recently finalized block.
	PrevHash string
	// CurrentCandidate is the BlockId of the latest Proposal handled, nil
	// after finalization. Its height is the Proposal's own height; the
	// Engine does not compare it with Height above.
	CurrentCandidate *BlockId
}

// NewReplicaState constructs the initial state for a replica at process
// start.
func NewReplicaState(id cluster.NodeID, roster *cluster.Roster) *ReplicaState {
	return &ReplicaState{
		NodeID:   id,
		Roster:   roster,
		Height:   1,
		PrevHash: genesisHash,
	}
}
