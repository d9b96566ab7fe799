package types

import (
	"encoding/binary"
	"time"
)

// Decision is the outcome of a transaction atom or a QC.
type Decision uint8

const (
	DecisionCommit Decision = iota
	DecisionAbort
)

// AbortReason is the closed set of reasons a transaction can abort with. The
// user-visible subset is named in spec.md §7.
type AbortReason string

const (
	AbortOneOrMoreInputsNotFound AbortReason = "OneOrMoreInputsNotFound"
	AbortFailedToLockInputs      AbortReason = "FailedToLockInputs"
	AbortExecutionFailure        AbortReason = "ExecutionFailure"
	AbortInsufficientFeesPaid    AbortReason = "InsufficientFeesPaid"
	AbortUnknown                 AbortReason = "Unknown"
)

// Atom is the per-transaction payload carried by Prepare/LocalPrepare/
// LocalAccept/AllAccept commands (spec.md §3 "Block").
type Atom struct {
	TransactionId TransactionId
	Decision      Decision
	AbortReason   AbortReason
	Evidence      *Evidence
}

// CommandKind is the closed set of Command variants (spec.md §3 "Block").
type CommandKind uint8

const (
	CmdLocalPrepare CommandKind = iota
	CmdLocalAccept
	CmdPrepare
	CmdAllAccept
	CmdForeignProposal
	CmdEvictNode
	CmdMintConfidentialOutput
	CmdEndEpoch
)

// Command is one closed-union entry in a block's command list.
type Command struct {
	Kind             CommandKind
	Atom             *Atom      // Local*/Prepare/AllAccept
	ForeignBlockId   Hash       // ForeignProposal
	EvictPubKey      []byte     // EvictNode
	MintOutput       []byte     // MintConfidentialOutput, opaque payload
}

func (c Command) TransactionId() (TransactionId, bool) {
	if c.Atom == nil {
		return TransactionId{}, false
	}
	return c.Atom.TransactionId, true
}

// QuorumCertificate is a BFT-threshold-signed attestation over a block.
type QuorumCertificate struct {
	BlockId    Hash
	Epoch      uint64
	Decision   Decision
	Signatures []Signature
}

// Id derives the QC's own identifier from its signed content. Two
// byte-identical QCs (same block, epoch, decision, signer set) produce the
// same id, which matters for Evidence's "never cleared" qc-id invariant.
func (qc *QuorumCertificate) Id() Hash {
	buf := make([]byte, 0, 32+8+1+len(qc.Signatures)*64)
	buf = append(buf, qc.BlockId[:]...)
	eb := make([]byte, 8)
	binary.BigEndian.PutUint64(eb, qc.Epoch)
	buf = append(buf, eb...)
	buf = append(buf, byte(qc.Decision))
	for _, s := range qc.Signatures {
		buf = append(buf, s.Sig...)
	}
	return HashBytes(buf)
}

// ZeroQC is the well-known sentinel QC id used as a placeholder on substates
// synced via SyncState when no real QC id is available (spec.md open
// question #2). It is never produced by real QC formation because Id()
// always hashes a non-empty BlockId.
var ZeroQC = Hash{}

// IsSentinel reports whether h is the zero-QC placeholder, never a real QC.
func IsSentinel(h Hash) bool { return h == ZeroQC }

// Block carries the fields of spec.md §3 "Block".
type Block struct {
	Epoch           uint64
	ShardGroup      ShardGroup
	ParentId        Hash
	Height          uint64
	Proposer        []byte
	Commands        []Command
	Justify         QuorumCertificate
	StateMerkleRoot Hash
	Timestamp       time.Time
	IsDummy         bool
	IsEpochEnd      bool
}

// Id computes the canonical block id: hash(canonical_encoding), per spec.md
// §6 "Block serialisation". Encoding is deterministic field order, never
// reliant on map iteration.
func (b *Block) Id() Hash {
	return HashBytes(canonicalEncode(b))
}

func canonicalEncode(b *Block) []byte {
	buf := make([]byte, 0, 256)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], b.Epoch)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:4], uint32(b.ShardGroup.Start))
	buf = append(buf, tmp[:4]...)
	binary.BigEndian.PutUint32(tmp[:4], uint32(b.ShardGroup.End))
	buf = append(buf, tmp[:4]...)
	buf = append(buf, b.ParentId[:]...)
	binary.BigEndian.PutUint64(tmp[:], b.Height)
	buf = append(buf, tmp[:]...)
	buf = append(buf, b.Proposer...)
	for _, c := range b.Commands {
		buf = append(buf, byte(c.Kind))
		if txid, ok := c.TransactionId(); ok {
			buf = append(buf, txid[:]...)
			buf = append(buf, byte(c.Atom.Decision))
		}
		buf = append(buf, c.ForeignBlockId[:]...)
		buf = append(buf, c.EvictPubKey...)
	}
	buf = append(buf, b.Justify.BlockId[:]...)
	buf = append(buf, b.StateMerkleRoot[:]...)
	binary.BigEndian.PutUint64(tmp[:], uint64(b.Timestamp.UnixNano()))
	buf = append(buf, tmp[:]...)
	var flags byte
	if b.IsDummy {
		flags |= 1
	}
	if b.IsEpochEnd {
		flags |= 2
	}
	buf = append(buf, flags)
	return buf
}

// IsValidEmptyBlock reports the boundary rule of spec.md §8: an empty
// command list is valid for an epoch-end block, and for a dummy block a
// leader proposes purely to keep the view advancing when it has nothing
// else to propose (spec.md §4.5 "Liveness").
func (b *Block) IsValidEmptyBlock() bool {
	if len(b.Commands) > 0 {
		return true
	}
	return b.IsEpochEnd || b.IsDummy
}

// EpochCheckpoint summarises the last block of an epoch for joiners
// (spec.md §3).
type EpochCheckpoint struct {
	LastBlockOfEpoch Hash
	PerShardRoots    map[Shard]Hash
	AggregatedQc     QuorumCertificate
}

// ShardRoot returns the recorded root for shard s, or the zero hash if s was
// not part of this checkpoint.
func (c *EpochCheckpoint) ShardRoot(s Shard) Hash { return c.PerShardRoots[s] }
