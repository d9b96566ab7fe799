package types

import (
	"encoding/binary"
	"fmt"
)

// SubstateKind is the closed set of SubstateId variants (spec.md §3).
type SubstateKind uint8

const (
	KindComponent SubstateKind = iota
	KindResource
	KindVault
	KindNonFungible
	KindNonFungibleIndex
	KindTransactionReceipt
	KindUnclaimedConfidentialOutput
	KindTemplate
	KindValidatorFeePool
)

func (k SubstateKind) String() string {
	switch k {
	case KindComponent:
		return "Component"
	case KindResource:
		return "Resource"
	case KindVault:
		return "Vault"
	case KindNonFungible:
		return "NonFungible"
	case KindNonFungibleIndex:
		return "NonFungibleIndex"
	case KindTransactionReceipt:
		return "TransactionReceipt"
	case KindUnclaimedConfidentialOutput:
		return "UnclaimedConfidentialOutput"
	case KindTemplate:
		return "Template"
	case KindValidatorFeePool:
		return "ValidatorFeePool"
	default:
		return "Unknown"
	}
}

// SubstateId is a tagged identifier: a kind discriminant plus an opaque
// entity id (already content-addressed by the caller, e.g. component address
// bytes, resource address bytes, vault id bytes).
type SubstateId struct {
	Kind SubstateKind
	Ref  [32]byte
}

func (id SubstateId) String() string {
	return fmt.Sprintf("%s:%x", id.Kind, id.Ref)
}

// IsReadOnly reports whether this substate kind may never be written, per
// spec.md §3 ("Resources and templates are marked is_read_only").
func (id SubstateId) IsReadOnly() bool {
	return id.Kind == KindResource || id.Kind == KindTemplate
}

// ReceiptSubstateId derives the fixed transaction-receipt SubstateId for a
// transaction id, matching spec.md §4.3's
// "tx_id.into_receipt_address()".
func ReceiptSubstateId(txID TransactionId) SubstateId {
	return SubstateId{Kind: KindTransactionReceipt, Ref: [32]byte(txID)}
}

// VersionedSubstateId pairs a SubstateId with the version being referenced.
type VersionedSubstateId struct {
	Id      SubstateId
	Version uint32
}

func (v VersionedSubstateId) String() string {
	return fmt.Sprintf("%s@%d", v.Id, v.Version)
}

// SubstateAddress is the 256-bit hash derived deterministically from
// (SubstateId, version); this is the address that maps into a shard.
type SubstateAddress [32]byte

// DeriveSubstateAddress computes the canonical address of a versioned
// substate id. The encoding is: kind(1) || ref(32) || version(4 BE),
// Keccak-256 hashed via HashBytes — deterministic and independent of map
// iteration order.
func DeriveSubstateAddress(v VersionedSubstateId) SubstateAddress {
	buf := make([]byte, 1+32+4)
	buf[0] = byte(v.Id.Kind)
	copy(buf[1:33], v.Id.Ref[:])
	binary.BigEndian.PutUint32(buf[33:37], v.Version)
	return SubstateAddress(HashBytes(buf))
}

func (a SubstateAddress) Shard() Shard { return ShardOf(a) }

// SubstateValue is the opaque, content-addressed payload of a substate. The
// concrete shape is owned by the engine/templates; the core only needs its
// byte encoding to hash and store it.
type SubstateValue []byte

func (v SubstateValue) Hash() Hash { return HashBytes(v) }

// DestructionInfo records how and when a substate version was destroyed.
type DestructionInfo struct {
	ByTransaction TransactionId
	ByBlock       Hash
	ByQc          Hash
	Epoch         uint64
}

// SubstateRecord is the store's durable record of one versioned substate.
// Invariant (spec.md §3): for a given SubstateId, versions are strictly
// monotonic; version v is destroyed when v+1 is created by a later
// committed transaction. UP iff Destroyed == nil.
type SubstateRecord struct {
	Id         VersionedSubstateId
	Value      SubstateValue
	CreatedBy  TransactionId
	CreatedBlk Hash
	CreatedQc  Hash
	Epoch      uint64
	Shard      Shard
	Destroyed  *DestructionInfo
}

func (r *SubstateRecord) IsUp() bool   { return r.Destroyed == nil }
func (r *SubstateRecord) IsDown() bool { return r.Destroyed != nil }

func (r *SubstateRecord) Address() SubstateAddress { return DeriveSubstateAddress(r.Id) }
