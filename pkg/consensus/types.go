// Package consensus implements the replica-local core of a three-phase
// Byzantine-fault-tolerant agreement protocol in the PBFT family: per-height
// Proposal -> Prepare -> Commit vote accounting, the quorum discipline that
// drives phase transitions, and the finalization rule that advances the
// committed chain head.
//
// Cryptographic authentication of messages, view changes, checkpointing and
// persistent storage are explicitly out of scope; this is a single-view,
// in-memory core suitable for study and simulation.
package consensus

import (
	"encoding/json"
	"fmt"

	"github.com/obsidian-labs/pbft-replica/pkg/cluster"
)

// BlockId uniquely identifies a candidate block by height and hash. In this
// reference design the hash is deterministically derived from
// (height, proposer), never cryptographically verified, and is used purely
// as an opaque equality key. Two BlockIds are equal iff both fields match.
type BlockId struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}

func (b BlockId) String() string {
	return fmt.Sprintf("%d/%s", b.Height, b.Hash)
}

// DeriveHash computes the deterministic, non-cryptographic BlockId hash for
// a proposal at (height, proposer). Two Proposals at the same height from
// different proposers never collide; the Engine never attempts to verify
// this hash cryptographically.
func DeriveHash(height uint64, proposer cluster.NodeID) string {
	return fmt.Sprintf("h%d-p%d", height, proposer)
}

// Kind discriminates the three ConsensusMessage cases on the wire.
type Kind string

const (
	KindProposal Kind = "Proposal"
	KindPrepare  Kind = "Prepare"
	KindCommit   Kind = "Commit"
)

// Message is the tagged-union wire representation of a ConsensusMessage.
// Exactly one of the case-specific field groups is populated, selected by
// Kind:
//
//	{ "kind": "Proposal", "height": <u64>, "proposer": <u16>, "block": <any> }
//	{ "kind": "Prepare",  "from": <u16>, "bid": { "height": <u64>, "hash": <string> } }
//	{ "kind": "Commit",   "from": <u16>, "bid": { "height": <u64>, "hash": <string> } }
type Message struct {
	Kind Kind `json:"kind"`

	// Proposal fields.
	Height   uint64          `json:"height,omitempty"`
	Proposer cluster.NodeID  `json:"proposer,omitempty"`
	Block    json.RawMessage `json:"block,omitempty"`

	// Prepare/Commit fields.
	From cluster.NodeID `json:"from,omitempty"`
	Bid  *BlockId        `json:"bid,omitempty"`
}

// Validate performs the schema check an ingress handler applies before
// handing a Message to the Engine: malformed messages never reach the
// state machine.
func (m Message) Validate() error {
	switch m.Kind {
	case KindProposal:
		if m.Height == 0 {
			return fmt.Errorf("consensus: Proposal requires a non-zero height")
		}
	case KindPrepare, KindCommit:
		if m.Bid == nil {
			return fmt.Errorf("consensus: %s requires bid", m.Kind)
		}
	case "":
		return fmt.Errorf("consensus: missing kind")
	default:
		return fmt.Errorf("consensus: unknown kind %q", m.Kind)
	}
	return nil
}

// NewProposal builds a wire Proposal message.
func NewProposal(height uint64, proposer cluster.NodeID, block json.RawMessage) Message {
	return Message{Kind: KindProposal, Height: height, Proposer: proposer, Block: block}
}

// NewPrepare builds a wire Prepare message.
func NewPrepare(from cluster.NodeID, bid BlockId) Message {
	return Message{Kind: KindPrepare, From: from, Bid: &bid}
}

// NewCommit builds a wire Commit message.
func NewCommit(from cluster.NodeID, bid BlockId) Message {
	return Message{Kind: KindCommit, From: from, Bid: &bid}
}
