// Package hotstuff implements the per-shard-group local consensus pipeline
// of spec.md §4.5: a three-phase pipelined HotStuff variant with
// round-robin leader election, proposal formation/validation, QC
// formation, the two-round commit rule, and a pacemaker driving liveness.
//
// The engine's task shape (one loop owning proposal/vote/commit, a
// timer-driven pacemaker, explicit Start/Stop) is grounded on the
// teacher's core/consensus.go SynnergyConsensus (subBlockLoop/blockLoop
// run as separate goroutines driven by a context, with Broadcast used at
// each phase boundary) generalised from its PoH+PoS+PoW pipeline to
// HotStuff's propose/vote/QC/commit phases.
package hotstuff

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"shardbft/internal/consensus/changeset"
	"shardbft/internal/executor"
	"shardbft/internal/substate"
	"shardbft/internal/txpool"
	"shardbft/internal/types"
)

// ReplicaState is the closed set of per-view states (spec.md §4.5).
type ReplicaState uint8

const (
	StateWaitingForProposal ReplicaState = iota
	StatePropose
	StateVote
	StateWaitingForQC
	StateCommit
)

// Committee is the fixed, sorted-by-public-key membership list a shard
// group's pipeline rotates leadership over.
type Committee struct {
	members [][]byte // sorted ascending
}

// NewCommittee sorts members by public key bytes once at construction,
// matching spec.md §4.5 "round-robin over the committee membership sorted
// by public key".
func NewCommittee(members [][]byte) *Committee {
	sorted := append([][]byte(nil), members...)
	sort.Slice(sorted, func(i, j int) bool { return string(sorted[i]) < string(sorted[j]) })
	return &Committee{members: sorted}
}

func (c *Committee) Size() int { return len(c.members) }

// LeaderForView returns the leader's public key for view v, skipping ahead
// on every view (not just every committed height) so timeouts advance the
// rotation (spec.md §4.5 "view-change skipping on timeout").
func (c *Committee) LeaderForView(v uint64) []byte {
	if len(c.members) == 0 {
		return nil
	}
	return c.members[v%uint64(len(c.members))]
}

func (c *Committee) Threshold() int { return 2*((len(c.members)-1)/3) + 1 }

func (c *Committee) IsMember(pk []byte) bool {
	for _, m := range c.members {
		if string(m) == string(pk) {
			return true
		}
	}
	return false
}

// ValidatorStats tracks consecutive proposal misses per validator per
// epoch for BFT eviction (spec.md §4.5 "BFT eviction").
type ValidatorStats struct {
	mu          sync.Mutex
	misses      map[string]int
	maxMisses   int
}

func NewValidatorStats(maxMisses int) *ValidatorStats {
	return &ValidatorStats{misses: make(map[string]int), maxMisses: maxMisses}
}

// RecordMiss increments v's consecutive-miss count and reports whether it
// has now crossed max_misses.
func (s *ValidatorStats) RecordMiss(pubKey []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(pubKey)
	s.misses[key]++
	return s.misses[key] >= s.maxMisses
}

// RecordSuccess resets v's consecutive-miss count on a successful proposal.
func (s *ValidatorStats) RecordSuccess(pubKey []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.misses, string(pubKey))
}

// Pacemaker drives per-view timeouts, calling onExpiry (which sends NewView
// with the replica's current high_qc to the next leader) when a view times
// out (spec.md §4.5 "Liveness"). Every Beat arms the same fixed timeout,
// base; the timeout does not grow on repeated expiry, and max is stored but
// not used.
type Pacemaker struct {
	mu       sync.Mutex
	base     time.Duration
	max      time.Duration
	timer    *time.Timer
	onExpiry func()
}

func NewPacemaker(base, max time.Duration, onExpiry func()) *Pacemaker {
	return &Pacemaker{base: base, max: max, onExpiry: onExpiry}
}

// Beat resets the pacemaker's timeout, called whenever forward progress is
// made (a proposal is formed, a vote is cast, a foreign pledge lands).
func (p *Pacemaker) Beat() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.base, func() {
		if p.onExpiry != nil {
			p.onExpiry()
		}
	})
}

func (p *Pacemaker) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
}

// chainEntry is one block this replica has recorded, with its parent for
// walking the commit rule.
type chainEntry struct {
	block  *types.Block
	parent types.Hash
}

// Engine runs one shard group's local consensus pipeline: it holds the
// block DAG fragment it has seen, the current view, and drives proposal
// formation/validation/commit against the pool, store and executor.
type Engine struct {
	mu sync.Mutex
	lg *logrus.Entry

	localGroup types.ShardGroup
	committee  *Committee
	stats      *ValidatorStats
	pacer      *Pacemaker

	pool  *txpool.Pool
	store substate.Store
	exec  *executor.Executor

	chain       map[types.Hash]*chainEntry
	highQC      types.QuorumCertificate
	lockedBlock types.Hash
	committed   types.Hash

	view         uint64
	epoch        uint64
	changesets   map[types.Hash]*changeset.ChangeSet
	maxCommands  int
	maxFeeWeight uint64

	// votes accumulates Vote signatures per candidate block until threshold
	// is reached (spec.md §4.5 "QC formation"), cleared once a QC is formed.
	votes map[types.Hash][]types.Signature
	// pendingEvictions holds validator public keys that crossed max_misses
	// and are waiting for the next FormProposal to carry an EvictNode
	// command (spec.md §4.5 "BFT eviction").
	pendingEvictions [][]byte

	observer     Observer
	evictionSink EvictionSink
	newViewOut   NewViewSink
}

// Observer receives liveness/eviction events for external metrics
// collection (internal/metrics.Collector satisfies this without the
// consensus package importing it, the same narrow-collaborator style as
// executor.WasmEngine and foreign.EpochManager). A nil Observer is a no-op.
type Observer interface {
	IncLeaderMiss()
	IncValidatorEvicted()
}

type noopObserver struct{}

func (noopObserver) IncLeaderMiss()       {}
func (noopObserver) IncValidatorEvicted() {}

// Config bundles Engine construction parameters.
type Config struct {
	LocalGroup    types.ShardGroup
	Committee     *Committee
	MaxMisses     int
	PacemakerBase time.Duration
	PacemakerMax  time.Duration
	MaxCommands   int
	MaxFeeWeight  uint64
	Observer      Observer
	EvictionSink  EvictionSink
	NewViewSink   NewViewSink
}

func New(cfg Config, pool *txpool.Pool, store substate.Store, exec *executor.Executor, lg *logrus.Logger) *Engine {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	evictionSink := cfg.EvictionSink
	if evictionSink == nil {
		evictionSink = noopEvictionSink{}
	}
	newViewOut := cfg.NewViewSink
	if newViewOut == nil {
		newViewOut = noopNewViewSink{}
	}
	e := &Engine{
		lg:           lg.WithField("component", "hotstuff"),
		localGroup:   cfg.LocalGroup,
		committee:    cfg.Committee,
		stats:        NewValidatorStats(cfg.MaxMisses),
		pool:         pool,
		store:        store,
		exec:         exec,
		chain:        make(map[types.Hash]*chainEntry),
		changesets:   make(map[types.Hash]*changeset.ChangeSet),
		votes:        make(map[types.Hash][]types.Signature),
		maxCommands:  cfg.MaxCommands,
		maxFeeWeight: cfg.MaxFeeWeight,
		observer:     observer,
		evictionSink: evictionSink,
		newViewOut:   newViewOut,
	}
	e.pacer = NewPacemaker(cfg.PacemakerBase, cfg.PacemakerMax, e.onTimeout)
	return e
}

// BeatPacemaker resets the view timeout, called by the driving loop whenever
// forward progress is observed (a block recorded, a QC formed, a foreign
// pledge applied).
func (e *Engine) BeatPacemaker() { e.pacer.Beat() }

// StopPacemaker tears down the timer, called on node shutdown.
func (e *Engine) StopPacemaker() { e.pacer.Stop() }

// onTimeout fires a view change: the leader of the expired view is charged
// a miss, the view advances so the next leader gets a chance, and a NewView
// carrying this replica's high_qc is sent to that next leader (spec.md §4.5
// "Liveness" / "BFT eviction").
func (e *Engine) onTimeout() {
	e.mu.Lock()
	leader := e.committee.LeaderForView(e.view)
	evicted := e.stats.RecordMiss(leader)
	e.view++
	nextLeader := e.committee.LeaderForView(e.view)
	nv := NewView{View: e.view, HighQc: e.highQC}
	if evicted {
		e.lg.WithField("validator", fmt.Sprintf("%x", leader)).Warn("validator crossed max_misses, eviction eligible")
		e.pendingEvictions = append(e.pendingEvictions, leader)
	}
	e.mu.Unlock()

	e.observer.IncLeaderMiss()
	if evicted {
		e.observer.IncValidatorEvicted()
	}
	e.newViewOut.SendNewView(nextLeader, nv)
}

// ObserveNewView folds a received NewView's high_qc into the engine's own,
// the same anti-entropy update OnNewQC performs, so a leader aggregating
// NewViews (or any replica merely overhearing them) never proposes behind
// what the network has already certified.
func (e *Engine) ObserveNewView(nv NewView) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.chainHeight(nv.HighQc.BlockId) > e.chainHeight(e.highQC.BlockId) {
		e.highQC = nv.HighQc
	}
}

// DrainPendingEvictions returns and clears the validators newly eligible for
// an EvictNode command, consumed by FormProposal.
func (e *Engine) DrainPendingEvictions() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.pendingEvictions
	e.pendingEvictions = nil
	return out
}

// CurrentLeader returns the public key of the leader for the engine's
// current view.
func (e *Engine) CurrentLeader() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.committee.LeaderForView(e.view)
}

// HighQC returns the highest quorum certificate the engine has observed,
// exposed for the RPC surface's GetHighQc (spec.md §6).
func (e *Engine) HighQC() types.QuorumCertificate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.highQC
}

// View returns the engine's current view number.
func (e *Engine) View() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.view
}

// Epoch returns the engine's current epoch, the window ValidateProposal
// checks a proposal's Block.Epoch against.
func (e *Engine) Epoch() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}

// FormProposal drains the pool for ready commands and forms the next
// block extending parent, invoking the executor to pre-compute the
// substate diff for each Prepare command (spec.md §4.5 "Proposal
// formation"). The block's id (and so the change set's key) can only be
// known once its final command list is assembled, so the change set is
// keyed and stored after the block itself is built.
func (e *Engine) FormProposal(proposerPubKey []byte, parent *types.Block) (*types.Block, *changeset.ChangeSet, error) {
	e.mu.Lock()
	epoch := e.epoch
	e.mu.Unlock()

	ready := e.pool.DrainReady(epoch, e.maxCommands, e.maxFeeWeight)
	cs := changeset.New(types.Hash{}, changeset.DefaultLimits())

	commands := make([]types.Command, 0, len(ready))
	seenStage := make(map[string]bool)
	for _, rec := range ready {
		stageKey := fmt.Sprintf("%s:%s", rec.TransactionId, rec.Stage)
		if seenStage[stageKey] {
			// at most one command per (transaction_id, stage) per block
			continue
		}
		seenStage[stageKey] = true

		switch rec.Stage {
		case txpool.StageNew:
			// The block id is not known until the command list is final, so
			// locks taken during pre-execution are scoped to the zero hash.
			result, err := e.exec.Execute(e.localGroup, types.Hash{}, epoch, rec.Tx)
			if err != nil {
				return nil, nil, fmt.Errorf("pre-execute %s: %w", rec.TransactionId, err)
			}
			atom := &types.Atom{TransactionId: rec.TransactionId, Decision: result.Decision, AbortReason: result.AbortReason, Evidence: types.NewEvidence()}
			for _, id := range result.ResolvedInputs {
				atom.Evidence.MergePledge(e.localGroup, id.Id, true, id.Version)
			}
			for _, id := range result.ResultingOutputs {
				atom.Evidence.MergeOutput(e.localGroup, id.Id, id.Version)
			}
			commands = append(commands, types.Command{Kind: types.CmdPrepare, Atom: atom})
			cs.SetTransactionChange(rec.TransactionId, &changeset.TransactionChange{Execution: result})
		case txpool.StagePrepared:
			// The local prepare_qc itself is formed by the caller once this
			// command's block reaches its own QC; here we only emit the
			// command carrying the record's accumulated evidence forward.
			commands = append(commands, types.Command{Kind: types.CmdLocalPrepare, Atom: &types.Atom{TransactionId: rec.TransactionId, Decision: types.DecisionCommit, Evidence: rec.Evidence}})
		case txpool.StageLocalPrepared:
			if rec.ReadyForLocalAccept() {
				commands = append(commands, types.Command{Kind: types.CmdLocalAccept, Atom: &types.Atom{TransactionId: rec.TransactionId, Decision: rec.Decision, Evidence: rec.Evidence}})
			}
		case txpool.StageLocalAccepted:
			if rec.ReadyForAllAccept() {
				commands = append(commands, types.Command{Kind: types.CmdAllAccept, Atom: &types.Atom{TransactionId: rec.TransactionId, Decision: rec.Decision, Evidence: rec.Evidence}})
			}
		}
	}

	for _, pk := range e.DrainPendingEvictions() {
		commands = append(commands, types.Command{Kind: types.CmdEvictNode, EvictPubKey: pk})
		cs.EvictNodes = append(cs.EvictNodes, pk)
	}

	height := uint64(0)
	parentID := types.Hash{}
	if parent != nil {
		height = parent.Height + 1
		parentID = parent.Id()
	}

	block := &types.Block{
		Epoch:      epoch,
		ShardGroup: e.localGroup,
		ParentId:   parentID,
		Height:     height,
		Proposer:   proposerPubKey,
		Commands:   commands,
		Justify:    e.highQC,
		Timestamp:  time.Time{},
	}
	if !block.IsValidEmptyBlock() {
		// Nothing to propose: keep the view moving with an empty dummy
		// block rather than stalling the pipeline (spec.md §4.5
		// "Liveness").
		block.IsDummy = true
	}

	blockID := block.Id()
	cs.BlockId = blockID
	e.mu.Lock()
	e.changesets[blockID] = cs
	e.mu.Unlock()
	return block, cs, nil
}

// MissingTransactions reports which CmdPrepare commands in block reference a
// transaction this replica cannot find in its own pool, meaning it cannot
// deterministically re-validate them without first fetching the body
// (spec.md §4.5 "Messages" MissingTransactionsRequest, §7 MissingTransactions).
func (e *Engine) MissingTransactions(block *types.Block) []types.TransactionId {
	var missing []types.TransactionId
	for _, cmd := range block.Commands {
		if cmd.Kind != types.CmdPrepare || cmd.Atom == nil {
			continue
		}
		if _, ok := e.pool.Get(cmd.Atom.TransactionId); !ok {
			missing = append(missing, cmd.Atom.TransactionId)
		}
	}
	return missing
}

// TransactionsByIds returns the bodies this replica holds for ids, a subset
// if some are unknown, answering a MissingTransactionsRequest.
func (e *Engine) TransactionsByIds(ids []types.TransactionId) []*types.Transaction {
	out := make([]*types.Transaction, 0, len(ids))
	for _, id := range ids {
		if rec, ok := e.pool.Get(id); ok && rec.Tx != nil {
			out = append(out, rec.Tx)
		}
	}
	return out
}

// ValidateProposal runs the replica-side checks of spec.md §4.5 "Proposal
// validation" that do not require re-executing every command (the
// deterministic cross-check of Prepare commands is the caller's
// responsibility via the executor, since it needs the resolved-inputs
// context this package does not own).
func (e *Engine) ValidateProposal(block *types.Block, epoch uint64) error {
	e.mu.Lock()
	leader := e.committee.LeaderForView(e.view)
	_, knowsJustifyAncestor := e.chain[block.Justify.BlockId]
	e.mu.Unlock()

	if string(block.Proposer) != string(leader) {
		return &types.ConsensusValidationError{Kind: types.CVProposerIsNotLeader}
	}
	if block.Epoch != epoch && block.Epoch != epoch-1 {
		return &types.ConsensusValidationError{Kind: types.CVForeignInvalidEpoch, Detail: "block epoch out of window"}
	}
	if block.Justify.BlockId != block.ParentId && !types.IsSentinel(block.Justify.BlockId) {
		if !knowsJustifyAncestor && block.Height > 0 {
			return &types.ConsensusValidationError{Kind: types.CVEvidenceMismatch, Detail: "justify_qc references unknown ancestor"}
		}
	}
	if !block.IsValidEmptyBlock() {
		return &types.ConsensusValidationError{Kind: types.CVEvidenceMismatch, Detail: "empty block not at epoch end"}
	}
	if missing := e.MissingTransactions(block); len(missing) > 0 {
		return &types.ConsensusValidationError{Kind: types.CVMissingTransactions, Detail: fmt.Sprintf("%d transaction bodies not held locally", len(missing))}
	}
	return nil
}

// RecordBlock admits a validated block into the local chain fragment and
// advances the view.
func (e *Engine) RecordBlock(block *types.Block) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := block.Id()
	e.chain[id] = &chainEntry{block: block, parent: block.ParentId}
	e.stats.RecordSuccess(block.Proposer)
	if block.Height >= e.chainHeight(e.highQC.BlockId) {
		e.view = block.Height + 1
	}
}

func (e *Engine) chainHeight(id types.Hash) uint64 {
	entry, ok := e.chain[id]
	if !ok {
		return 0
	}
	return entry.block.Height
}

// FormQC aggregates >= committee threshold votes into a QC for blockID
// (spec.md §4.5 "QC formation").
func (e *Engine) FormQC(blockID types.Hash, epoch uint64, decision types.Decision, votes []types.Signature) (types.QuorumCertificate, error) {
	e.mu.Lock()
	threshold := e.committee.Threshold()
	e.mu.Unlock()
	if len(votes) < threshold {
		return types.QuorumCertificate{}, fmt.Errorf("insufficient votes: have %d need %d", len(votes), threshold)
	}
	return types.QuorumCertificate{BlockId: blockID, Epoch: epoch, Decision: decision, Signatures: votes}, nil
}

// AddVote folds one replica's Vote into the running tally for its block,
// forming and returning a QC once committee threshold is reached (spec.md
// §4.5 "QC formation"). A duplicate vote from a pubkey already counted, or a
// vote from a non-member, is ignored rather than erroring: gossip delivers
// votes more than once in the ordinary case.
func (e *Engine) AddVote(v Vote) (types.QuorumCertificate, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.committee.IsMember(v.Signer.PubKey) {
		return types.QuorumCertificate{}, false, fmt.Errorf("vote from non-committee member")
	}
	sigs := e.votes[v.BlockId]
	for _, s := range sigs {
		if string(s.PubKey) == string(v.Signer.PubKey) {
			return types.QuorumCertificate{}, false, nil
		}
	}
	sigs = append(sigs, v.Signer)
	e.votes[v.BlockId] = sigs
	if len(sigs) < e.committee.Threshold() {
		return types.QuorumCertificate{}, false, nil
	}
	delete(e.votes, v.BlockId)
	return types.QuorumCertificate{BlockId: v.BlockId, Epoch: v.Epoch, Decision: v.Decision, Signatures: sigs}, true, nil
}

// NeedsCatchUp reports whether qc references a block this replica has never
// recorded, the signal to issue a CatchUpSyncRequest (spec.md §4.5
// "Messages").
func (e *Engine) NeedsCatchUp(qc types.QuorumCertificate) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.chain[qc.BlockId]
	return !ok
}

// BlocksAbove returns up to max recorded blocks with height strictly
// greater than height, height-ascending, answering a CatchUpSyncRequest.
func (e *Engine) BlocksAbove(height uint64, max int) []*types.Block {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*types.Block, 0, max)
	for _, entry := range e.chain {
		if entry.block.Height > height {
			out = append(out, entry.block)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Height < out[j].Height })
	if len(out) > max {
		out = out[:max]
	}
	return out
}

// ApplyCatchUp admits every block in a SyncResponse and replays OnNewQC
// against its high_qc, the same path a freshly-formed local QC takes.
func (e *Engine) ApplyCatchUp(resp SyncResponse) (committedBlockID types.Hash, committed bool) {
	sorted := append([]*types.Block(nil), resp.Blocks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Height < sorted[j].Height })
	for _, blk := range sorted {
		e.RecordBlock(blk)
	}
	return e.OnNewQC(resp.HighQc)
}

// OnNewQC processes a freshly formed/received QC: it updates high_qc and
// applies the three-chain commit rule — given qc justifying block B, B's
// parent becomes locked and B's grandparent (already locked by the
// previous round's QC) becomes committed (spec.md §4.5 "Commit rule").
func (e *Engine) OnNewQC(qc types.QuorumCertificate) (committedBlockID types.Hash, committed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if qc.BlockId != e.highQC.BlockId {
		if e.chainHeight(qc.BlockId) >= e.chainHeight(e.highQC.BlockId) {
			e.highQC = qc
		}
	}

	entry, ok := e.chain[qc.BlockId]
	if !ok {
		return types.Hash{}, false
	}
	parentEntry, ok := e.chain[entry.parent]
	if !ok {
		return types.Hash{}, false
	}
	e.lockedBlock = parentEntry.block.Id()

	grandparentID := parentEntry.parent
	grandparent, ok := e.chain[grandparentID]
	if !ok {
		return types.Hash{}, false
	}
	if e.lockedBlock == parentEntry.block.Id() && grandparent.block.Id() != e.committed {
		e.committed = grandparent.block.Id()
		return e.committed, true
	}
	return types.Hash{}, false
}

// Commit applies a committed block's change set to the store, evicts its
// finalised transactions from the pool, and writes out an EvictionProof for
// every EvictNode command the block carries (spec.md §4.5 "On commit", §6
// "Layer-one interface"). qc is the quorum certificate that caused blockID
// to commit (the QC OnNewQC was given), attached to any EvictionProof.
func (e *Engine) Commit(blockID types.Hash, qc types.QuorumCertificate) error {
	e.mu.Lock()
	cs, ok := e.changesets[blockID]
	entry, hasEntry := e.chain[blockID]
	e.mu.Unlock()
	if !ok {
		return nil // nothing staged locally for a foreign/ancestor block id
	}
	if err := cs.Save(e.store); err != nil {
		return fmt.Errorf("commit block %s: %w", blockID, err)
	}
	if hasEntry {
		for _, cmd := range entry.block.Commands {
			if cmd.Kind == types.CmdAllAccept && cmd.Atom != nil {
				e.pool.Evict(cmd.Atom.TransactionId)
			}
			if cmd.Kind == types.CmdEvictNode {
				proof := EvictionProof{Qc: qc, ValidatorPubKey: cmd.EvictPubKey}
				if err := e.evictionSink.WriteEvictionProof(proof); err != nil {
					e.lg.WithField("validator", fmt.Sprintf("%x", cmd.EvictPubKey)).WithError(err).Warn("failed to write eviction proof")
				}
			}
		}
	}
	return nil
}
