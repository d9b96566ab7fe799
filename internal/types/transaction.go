package types

import (
	"encoding/json"
	"sort"
)

// TransactionId is the hash of a sealed transaction (see Transaction.Id).
type TransactionId [32]byte

func (t TransactionId) String() string { return Hash(t).String() }

// SubstateRequirement names an input substate a transaction declares, with an
// optional pinned version. When Version is nil the executor resolves the
// latest UP version at execution time (spec.md §3 "Transaction").
type SubstateRequirement struct {
	Id      SubstateId
	Version *uint32
}

// InstructionKind is the closed set of instruction variants (spec.md §6).
type InstructionKind uint8

const (
	InstrCreateAccount InstructionKind = iota
	InstrCallFunction
	InstrCallMethod
	InstrPutLastInstructionOutputOnWorkspace
	InstrDropAllProofsInWorkspace
	InstrAssertBucketContains
	InstrPublishTemplate
	InstrClaimBurn
	InstrClaimValidatorFees
)

// Instruction is a single closed-union VM instruction. Only the fields
// relevant to Kind are populated; this mirrors the teacher's tagged-union
// opcode dispatch in core/opcode_dispatcher.go generalised to a data-carrying
// union instead of a bytecode stream.
type Instruction struct {
	Kind               InstructionKind
	TemplateAddress    SubstateId      `json:"template_address,omitempty"`
	Function           string          `json:"function,omitempty"`
	ComponentAddress   SubstateId      `json:"component_address,omitempty"`
	Method             string          `json:"method,omitempty"`
	Args               [][]byte        `json:"args,omitempty"`
	WorkspaceKey       string          `json:"workspace_key,omitempty"`
	AssertResource     SubstateId      `json:"assert_resource,omitempty"`
	AssertMinAmount    uint64          `json:"assert_min_amount,omitempty"`
	PublishBinary      []byte          `json:"publish_binary,omitempty"`
	ClaimBurnProof     json.RawMessage `json:"claim_burn,omitempty"`
	ValidatorFeeTarget SubstateId      `json:"validator_fee_target,omitempty"`
}

// Transaction is the sealed record signed by one or more keys over
// (network, fee_instructions, instructions, inputs, min_epoch, max_epoch).
type Transaction struct {
	Version          uint8
	NetworkByte      byte
	FeeInstructions  []Instruction
	Instructions     []Instruction
	Inputs           []SubstateRequirement
	MinEpoch         *uint64
	MaxEpoch         *uint64
	SealedBy         []byte
	Signatures       []Signature
}

// Signature pairs a public key with its signature over the sealed content.
type Signature struct {
	PubKey []byte
	Sig    []byte
}

// Id computes the transaction id by hashing the JSON encoding of the whole
// transaction, SealedBy and Signatures included, with Inputs sorted first.
// Sorting Inputs before hashing keeps the id independent of the order the
// caller happened to list requirements in.
func (t *Transaction) Id() TransactionId {
	sorted := append([]SubstateRequirement(nil), t.Inputs...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Id.String() < sorted[j].Id.String()
	})
	clone := *t
	clone.Inputs = sorted
	b, _ := json.Marshal(clone)
	return TransactionId(HashBytes(b))
}

// IsEligibleAt reports whether the transaction's epoch window covers epoch,
// per spec.md §8 boundary behaviour ("max_epoch < current_epoch ... rejected").
func (t *Transaction) IsEligibleAt(epoch uint64) bool {
	if t.MinEpoch != nil && epoch < *t.MinEpoch {
		return false
	}
	if t.MaxEpoch != nil && epoch > *t.MaxEpoch {
		return false
	}
	return true
}

// HasNoInputsAndNoOutputInstructions reports the degenerate empty-transaction
// case that must be rejected at mempool admission (spec.md §8).
func (t *Transaction) HasNoInputsAndNoOutputInstructions() bool {
	if len(t.Inputs) != 0 {
		return false
	}
	for _, ins := range t.Instructions {
		switch ins.Kind {
		case InstrCreateAccount, InstrCallFunction, InstrCallMethod, InstrPublishTemplate:
			return false
		}
	}
	return true
}
