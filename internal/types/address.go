// Package types holds the wire-level data model shared by every subsystem:
// substates, shards, transactions, evidence, blocks and quorum certificates.
// Nothing in this package touches storage, networking or execution; it is the
// closed set of tagged unions and value types the rest of the module
// dereferences through.
package types

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Hash is a 256-bit content hash used throughout the module: block ids,
// substate addresses, template binary hashes, QC ids.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }
func (h Hash) IsZero() bool   { return h == Hash{} }

// HashBytes returns the Keccak-256 digest of b as a Hash, the same hash
// family the teacher's core/virtual_machine.go uses for opcode/state
// hashing (github.com/ethereum/go-ethereum/crypto.Keccak256).
func HashBytes(b []byte) Hash {
	var h Hash
	copy(h[:], crypto.Keccak256(b))
	return h
}

// NumPreshards is the network-wide, power-of-two partition count of the
// 256-bit substate address space (spec.md §3 "Shard and ShardGroup").
const NumPreshards = 256

// Shard is one of NumPreshards fixed partitions of the address space.
type Shard uint32

// ShardGlobal is the distinguished bucket for globally-readable items such as
// templates (spec.md §3).
const ShardGlobal Shard = 0xFFFFFFFF

func (s Shard) IsGlobal() bool { return s == ShardGlobal }

// ShardGroup is a contiguous range of shards [Start, End) jointly owned by one
// validator committee.
type ShardGroup struct {
	Start Shard
	End   Shard
}

// Contains reports whether the shard falls within the group's range. The
// global shard is never contained in a numbered shard group.
func (g ShardGroup) Contains(s Shard) bool {
	if s.IsGlobal() {
		return false
	}
	return s >= g.Start && s < g.End
}

func (g ShardGroup) String() string { return fmt.Sprintf("[%d,%d)", g.Start, g.End) }

// ShardOf maps a 256-bit substate address into one of NumPreshards shards by
// truncating to log2(NumPreshards) bits, per spec.md §6 "Substate addressing".
func ShardOf(addr SubstateAddress) Shard {
	bits := log2(NumPreshards)
	v := binary.BigEndian.Uint32(addr[:4])
	return Shard(v >> (32 - bits))
}

func log2(n uint32) uint32 {
	var b uint32
	for n > 1 {
		n >>= 1
		b++
	}
	return b
}

// ShardGroupOf is a pure function of NumPreshards and the current committee
// count mapping a shard to the shard group that owns it.
func ShardGroupOf(s Shard, numCommittees uint32) ShardGroup {
	if s.IsGlobal() || numCommittees == 0 {
		return ShardGroup{Start: 0, End: NumPreshards}
	}
	perGroup := NumPreshards / numCommittees
	if perGroup == 0 {
		perGroup = 1
	}
	idx := uint32(s) / perGroup
	start := Shard(idx * perGroup)
	end := start + Shard(perGroup)
	if end > NumPreshards {
		end = NumPreshards
	}
	return ShardGroup{Start: start, End: end}
}
