// Package foreign implements the foreign-proposal handler of spec.md §4.6:
// validating a block broadcast by another shard group's committee, merging
// its pledges into local pool records, and driving the
// notification/request/response dance peers use to fetch a foreign
// proposal they don't yet hold.
//
// The collaborator-interface shape (EpochManager, Pacemaker, PoolUpdater)
// is grounded on the teacher's core/consensus.go wire-up interfaces
// (txPool, networkAdapter, securityAdapter) that keep the validation logic
// independent of concrete transport/storage implementations.
package foreign

import (
	"math/rand"
	"sort"
	"sync"

	"shardbft/internal/txpool"
	"shardbft/internal/types"
)

// EpochManager resolves committee membership so a QC's signer set can be
// checked against the 2f+1 threshold (spec.md §4.6 step 3).
type EpochManager interface {
	CommitteeSize(epoch uint64, group types.ShardGroup) int
	IsCommitteeMember(epoch uint64, group types.ShardGroup, pubKey []byte) bool
}

// Pacemaker is notified to encourage a new proposal round once a foreign
// proposal is accepted (spec.md §4.6 "emit a pacemaker.beat()").
type Pacemaker interface {
	Beat()
}

// Proposal is a foreign shard group's block together with its justify QC
// and the pledge bundle trimmed to the recipient shard group.
type Proposal struct {
	Block       *types.Block
	JustifyQc   types.QuorumCertificate
	BlockPledge map[types.TransactionId]*types.Evidence
}

// ValidationFailure is the closed set of reasons §4.6 validation declines a
// foreign proposal, reusing the shared ConsensusValidationKind taxonomy.
type ValidationFailure = types.ConsensusValidationError

// Handler validates and applies foreign proposals for one local shard
// group.
type Handler struct {
	localGroup types.ShardGroup
	epochs     EpochManager
	pacer      Pacemaker
	pool       *txpool.Pool

	mu       sync.Mutex
	accepted map[types.Hash]*Proposal
}

func NewHandler(localGroup types.ShardGroup, epochs EpochManager, pacer Pacemaker, pool *txpool.Pool) *Handler {
	return &Handler{
		localGroup: localGroup,
		epochs:     epochs,
		pacer:      pacer,
		pool:       pool,
		accepted:   make(map[types.Hash]*Proposal),
	}
}

// HasProposal reports whether block_id was already accepted, for the
// notification de-duplication step of the request-response dance.
func (h *Handler) HasProposal(blockID types.Hash) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.accepted[blockID]
	return ok
}

// Get returns a previously accepted proposal, so a peer requesting it via
// ForeignProposalRequest can be answered without re-validating it.
func (h *Handler) Get(blockID types.Hash) (*Proposal, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.accepted[blockID]
	return p, ok
}

// Validate runs the §4.6 validation rules against a received foreign
// proposal for the local shard group's current epoch.
func (h *Handler) Validate(currentEpoch uint64, p *Proposal) error {
	blockID := p.Block.Id()
	if p.JustifyQc.BlockId != blockID {
		return &ValidationFailure{Kind: types.CVForeignJustifyQcDoesNotJustifyProposal}
	}
	if p.Block.Epoch != currentEpoch && p.Block.Epoch != currentEpoch-1 {
		return &ValidationFailure{Kind: types.CVForeignInvalidEpoch}
	}

	size := h.epochs.CommitteeSize(p.Block.Epoch, p.Block.ShardGroup)
	threshold := 2*((size-1)/3) + 1
	signers := 0
	for _, sig := range p.JustifyQc.Signatures {
		if h.epochs.IsCommitteeMember(p.Block.Epoch, p.Block.ShardGroup, sig.PubKey) {
			signers++
		}
	}
	if signers < threshold {
		return &ValidationFailure{Kind: types.CVForeignInvalidPledge, Detail: "justify_qc below 2f+1 threshold"}
	}

	touchesLocal := false
	for _, cmd := range p.Block.Commands {
		if cmd.Atom == nil {
			continue
		}
		for _, sge := range cmd.Atom.Evidence.Groups() {
			if sge.Group != h.localGroup {
				continue
			}
			touchesLocal = true
			pledge, ok := p.BlockPledge[cmd.Atom.TransactionId]
			if !ok {
				return &ValidationFailure{Kind: types.CVForeignInvalidPledge, Detail: "no pledge bundle for local-touching transaction"}
			}
			if err := validatePledgeCoverage(sge, pledge); err != nil {
				return err
			}
		}
	}
	if !touchesLocal {
		return &ValidationFailure{Kind: types.CVNoTransactionsInCommittee}
	}
	return nil
}

// validatePledgeCoverage checks that every input the local shard group
// needs has a corresponding pledge, except when it was already pledged at
// a prior LocalPrepare (spec.md §4.6 step 4).
func validatePledgeCoverage(sge *types.ShardGroupEvidence, pledge *types.Evidence) error {
	for id, p := range sge.Inputs {
		if !p.Pledged {
			continue
		}
		found := false
		for _, g := range pledge.Groups() {
			if _, ok := g.Inputs[id]; ok {
				found = true
				break
			}
		}
		if !found && sge.PrepareQc == nil {
			return &ValidationFailure{Kind: types.CVForeignInvalidPledge, Detail: "missing pledge for required input"}
		}
	}
	return nil
}

// Apply persists an already-validated foreign proposal: it marks the block
// seen, merges its pledges into the corresponding local pool records, and
// beats the pacemaker to encourage a new proposal round.
func (h *Handler) Apply(p *Proposal) {
	blockID := p.Block.Id()
	h.mu.Lock()
	h.accepted[blockID] = p
	h.mu.Unlock()

	txIDs := make([]types.TransactionId, 0, len(p.BlockPledge))
	for txID := range p.BlockPledge {
		txIDs = append(txIDs, txID)
	}
	sort.Slice(txIDs, func(i, j int) bool { return txIDs[i].String() < txIDs[j].String() })

	for _, txID := range txIDs {
		evidence := p.BlockPledge[txID]
		for _, sge := range evidence.Groups() {
			if sge.PrepareQc != nil {
				h.pool.OnForeignPrepareQc(txID, sge.Group, *sge.PrepareQc, evidence)
			}
			if sge.AcceptQc != nil {
				h.pool.OnForeignAcceptQc(txID, sge.Group, *sge.AcceptQc, types.DecisionCommit)
			}
		}
	}
	if h.pacer != nil {
		h.pacer.Beat()
	}
}

// Notification is the lightweight "a foreign proposal exists" announcement
// spec.md §4.6 broadcasts ahead of the full payload, letting a shard group
// that doesn't already hold it kick off the request-response dance instead
// of paying decode cost for every foreign block on every topic.
type Notification struct {
	BlockId    types.Hash
	SourceGroup types.ShardGroup
}

// Request asks one of the Targets peers (picked via PickRequestPeers) for
// the full proposal behind a Notification.
type Request struct {
	BlockId   types.Hash
	Requester types.ShardGroup
	Targets   []string
}

// Response answers a Request with the full block, its justify QC, and the
// pledge bundle trimmed to the requester's shard group via TrimForRequester.
type Response struct {
	BlockId     types.Hash
	Block       *types.Block
	JustifyQc   types.QuorumCertificate
	BlockPledge map[types.TransactionId]*types.Evidence
}

// RespondTo builds the Response for req from a previously accepted
// proposal, or ok=false if this handler never accepted that block.
func (h *Handler) RespondTo(req Request) (Response, bool) {
	p, ok := h.Get(req.BlockId)
	if !ok {
		return Response{}, false
	}
	return Response{
		BlockId:     req.BlockId,
		Block:       p.Block,
		JustifyQc:   p.JustifyQc,
		BlockPledge: TrimForRequester(p.BlockPledge, req.Requester),
	}, true
}

// PickRequestPeers randomly selects f+1 peers of the source shard group's
// committee to send a ForeignProposalRequest to, de-duplicating against
// peers already asked in a prior retry round (spec.md §4.6 "Request-response
// dance").
func PickRequestPeers(committee []string, f int, alreadyAsked map[string]bool, rng *rand.Rand) []string {
	candidates := make([]string, 0, len(committee))
	for _, peer := range committee {
		if !alreadyAsked[peer] {
			candidates = append(candidates, peer)
		}
	}
	want := f + 1
	if want > len(candidates) {
		want = len(candidates)
	}
	order := rng.Perm(len(candidates))
	out := make([]string, 0, want)
	for i := 0; i < want; i++ {
		out = append(out, candidates[order[i]])
	}
	return out
}

// TrimForRequester produces the pledge bundle a responder sends back for a
// ForeignProposalRequest: only pledges applicable to the requester's shard
// group, with input values stripped if the requester is output-only there
// (spec.md §4.6 "The responder extracts only the pledges applicable to the
// requesting shard group, trimming input values where the requester is
// output-only").
func TrimForRequester(full map[types.TransactionId]*types.Evidence, requester types.ShardGroup) map[types.TransactionId]*types.Evidence {
	out := make(map[types.TransactionId]*types.Evidence, len(full))
	for txID, evidence := range full {
		sge, ok := evidenceFor(evidence, requester)
		if !ok {
			continue
		}
		trimmed := types.NewEvidence()
		if sge.IsOutputOnly() {
			for outID, v := range sge.Outputs {
				trimmed.MergeOutput(requester, outID, v)
			}
		} else {
			for id, p := range sge.Inputs {
				if p.Pledged {
					trimmed.MergePledge(requester, id, p.IsWrite, p.Version)
				}
			}
			for outID, v := range sge.Outputs {
				trimmed.MergeOutput(requester, outID, v)
			}
		}
		if sge.PrepareQc != nil {
			trimmed.MergePrepareQc(requester, *sge.PrepareQc)
		}
		if sge.AcceptQc != nil {
			trimmed.MergeAcceptQc(requester, *sge.AcceptQc)
		}
		out[txID] = trimmed
	}
	return out
}

func evidenceFor(e *types.Evidence, group types.ShardGroup) (*types.ShardGroupEvidence, bool) {
	for _, sge := range e.Groups() {
		if sge.Group == group {
			return sge, true
		}
	}
	return nil, false
}
