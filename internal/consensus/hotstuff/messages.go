package hotstuff

import (
	"encoding/binary"

	"shardbft/internal/types"
)

// The wire messages of spec.md §4.5 "Messages": Vote closes the
// propose/vote/QC loop, NewView carries a replica's high_qc to the next
// leader on pacemaker expiry, and CatchUpSyncRequest/SyncResponse and
// MissingTransactions* resolve the two gaps a replica can fall into (behind
// on the chain, or missing a referenced transaction body). All are plain
// JSON structs, encoded/decoded by internal/consensus/driver the same way
// internal/rpcserver encodes its NDJSON records.

// Vote is one replica's signed attestation for a proposed block.
type Vote struct {
	BlockId  types.Hash
	Epoch    uint64
	View     uint64
	Decision types.Decision
	Signer   types.Signature
}

// VoteSignBytes is the canonical byte sequence a replica signs to cast a
// Vote and a leader re-derives to verify one.
func VoteSignBytes(blockID types.Hash, epoch uint64, decision types.Decision) []byte {
	buf := make([]byte, 0, 32+8+1)
	buf = append(buf, blockID[:]...)
	var eb [8]byte
	binary.BigEndian.PutUint64(eb[:], epoch)
	buf = append(buf, eb[:]...)
	buf = append(buf, byte(decision))
	return buf
}

// NewView is sent by a replica whose pacemaker expired to the next view's
// leader, carrying the highest QC it knows of so the new leader can propose
// without regressing the chain (spec.md §4.5 "Liveness").
type NewView struct {
	View   uint64
	HighQc types.QuorumCertificate
	Sender []byte
}

// CatchUpSyncRequest asks a peer for every block it holds above FromHeight,
// sent when a replica observes a QC referencing a block it has not recorded
// (spec.md §4.5 "Messages").
type CatchUpSyncRequest struct {
	FromHeight  uint64
	RequesterId []byte
}

// SyncResponse answers a CatchUpSyncRequest with the requested block range
// plus the responder's current high_qc.
type SyncResponse struct {
	Blocks []*types.Block
	HighQc types.QuorumCertificate
}

// MissingTransactionsRequest asks a proposal's proposer for the full body of
// transactions a replica could not find locally while validating that
// proposal (spec.md §4.5 "Messages", §7 MissingTransactions).
type MissingTransactionsRequest struct {
	BlockId        types.Hash
	TransactionIds []types.TransactionId
	RequesterId    []byte
}

// MissingTransactionsResponse answers a MissingTransactionsRequest with the
// bodies the responder had on hand (a subset of what was asked for, if it
// didn't have them all).
type MissingTransactionsResponse struct {
	BlockId      types.Hash
	Transactions []*types.Transaction
}

// EvictionProof is the layer-one-facing artefact spec.md §4.5/§6 describe:
// once an EvictNode(v) command commits with 2f+1 attestation, this QC plus
// the evicted validator's public key is written out for submission to
// layer-one.
type EvictionProof struct {
	Qc              types.QuorumCertificate
	ValidatorPubKey []byte
}

// EvictionSink persists EvictionProofs for layer-one submission. A nil sink
// given to Config is a no-op, the same optional-collaborator shape as
// Observer.
type EvictionSink interface {
	WriteEvictionProof(proof EvictionProof) error
}

type noopEvictionSink struct{}

func (noopEvictionSink) WriteEvictionProof(EvictionProof) error { return nil }

// NewViewSink delivers a pacemaker-expiry NewView to the next view's leader.
// In a gossip transport this is typically a broadcast filtered by the
// receivers on the leader's public key, not a true unicast send.
type NewViewSink interface {
	SendNewView(leaderPubKey []byte, nv NewView)
}

type noopNewViewSink struct{}

func (noopNewViewSink) SendNewView([]byte, NewView) {}
