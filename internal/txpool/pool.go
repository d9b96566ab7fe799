// Package txpool implements the transaction pool and evidence aggregation
// of spec.md §4.4: each record advances New -> Prepared -> LocalPrepared ->
// LocalAccepted -> AllAccepted (or Aborted), driven by commands included in
// committed blocks, and the leader drains ready records in a fixed,
// deterministic order when forming a proposal.
//
// The mutex-guarded map-plus-insertion-queue shape is grounded on the
// teacher's core/txpool_addtx.go / core/txpool_snapshot.go TxPool, adapted
// from a flat FIFO queue to the staged record spec.md names.
package txpool

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"shardbft/internal/types"
)

// Stage is the closed set of pool-record lifecycle stages (spec.md §4.4).
type Stage uint8

const (
	StageNew Stage = iota
	StagePrepared
	StageLocalPrepared
	StageLocalAccepted
	StageAllAccepted
	StageAborted
)

func (s Stage) String() string {
	switch s {
	case StageNew:
		return "New"
	case StagePrepared:
		return "Prepared"
	case StageLocalPrepared:
		return "LocalPrepared"
	case StageLocalAccepted:
		return "LocalAccepted"
	case StageAllAccepted:
		return "AllAccepted"
	case StageAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Record is one transaction's pool entry.
type Record struct {
	TransactionId types.TransactionId
	Tx            *types.Transaction
	Stage         Stage
	Evidence      *types.Evidence
	Decision      types.Decision
	AbortReason   types.AbortReason

	// groupDecisions tracks each shard group's LocalAccept-time vote, used
	// to compute the unanimous AllAccept decision (spec.md §4.4 "Commit vs
	// abort is decided unanimously by shard groups").
	groupDecisions map[types.ShardGroup]types.Decision
	// localGroup is the shard group of the committee running this pool
	// instance, set once at Prepared and used to bind the local
	// prepare/accept QC in MergePrepareQc/MergeAcceptQc calls.
	localGroup types.ShardGroup

	feeWeight uint64
}

// ReadyForLocalAccept reports whether every input shard group has supplied
// a prepare_qc (spec.md §4.4 "Once every input shard group has a
// prepare_qc, the transaction is ready for LocalAccept").
func (r *Record) ReadyForLocalAccept() bool {
	return r.Stage == StageLocalPrepared && r.Evidence.AllFullyPrepared()
}

// ReadyForAllAccept reports whether every shard group (inputs and outputs)
// has supplied an accept_qc.
func (r *Record) ReadyForAllAccept() bool {
	return r.Stage == StageLocalAccepted && r.Evidence.AllAccepted()
}

// Observer receives pool occupancy/stage-transition events for external
// metrics collection (internal/metrics.Collector satisfies this without
// txpool importing it). SetObserver is optional; a nil Observer is a no-op.
type Observer interface {
	SetPoolSize(n int)
	IncStageTransition(stage string)
}

type noopObserver struct{}

func (noopObserver) SetPoolSize(int)          {}
func (noopObserver) IncStageTransition(string) {}

// Pool is the mutex-guarded transaction pool, one per validator shard
// group.
type Pool struct {
	mu       sync.RWMutex
	lg       *logrus.Entry
	records  map[types.TransactionId]*Record
	order    []types.TransactionId // insertion order, for deterministic fallback iteration
	observer Observer
}

func NewPool(lg *logrus.Logger) *Pool {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &Pool{
		lg:       lg.WithField("component", "txpool"),
		records:  make(map[types.TransactionId]*Record),
		observer: noopObserver{},
	}
}

// SetObserver wires a metrics collaborator. Called once at startup by
// cmd/validatornode; safe to leave unset in tests.
func (p *Pool) SetObserver(o Observer) {
	if o == nil {
		o = noopObserver{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observer = o
}

// Add inserts a transaction in stage New if not already present. Returns
// false if the transaction was already pooled.
func (p *Pool) Add(tx *types.Transaction) (*Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := tx.Id()
	if _, exists := p.records[id]; exists {
		return p.records[id], false
	}
	rec := &Record{
		TransactionId:  id,
		Tx:             tx,
		Stage:          StageNew,
		Evidence:       types.NewEvidence(),
		groupDecisions: make(map[types.ShardGroup]types.Decision),
		feeWeight:      feeWeight(tx),
	}
	p.records[id] = rec
	p.order = append(p.order, id)
	p.lg.WithField("tx", id).Debug("pooled")
	p.observer.SetPoolSize(len(p.records))
	p.observer.IncStageTransition(StageNew.String())
	return rec, true
}

func feeWeight(tx *types.Transaction) uint64 {
	return uint64(len(tx.FeeInstructions) + len(tx.Instructions))
}

func (p *Pool) Get(id types.TransactionId) (*Record, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.records[id]
	return r, ok
}

// OnPrepare local-commits a pre-execution result, transitioning New ->
// Prepared (spec.md §4.4 "Prepare local-commits the pre-execution result").
func (p *Pool) OnPrepare(id types.TransactionId, localGroup types.ShardGroup, decision types.Decision, abortReason types.AbortReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok {
		return
	}
	rec.localGroup = localGroup
	rec.Decision = decision
	rec.AbortReason = abortReason
	if decision == types.DecisionAbort {
		rec.Stage = StageAborted
		p.observer.IncStageTransition(StageAborted.String())
		return
	}
	rec.Stage = StagePrepared
	p.observer.IncStageTransition(StagePrepared.String())
}

// OnLocalPrepare incorporates the local shard group's own evidence plus its
// prepare_qc, transitioning Prepared -> LocalPrepared.
func (p *Pool) OnLocalPrepare(id types.TransactionId, group types.ShardGroup, prepareQc types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok || rec.Stage != StagePrepared {
		return
	}
	rec.Evidence.MergePrepareQc(group, prepareQc)
	rec.Stage = StageLocalPrepared
	p.observer.IncStageTransition(StageLocalPrepared.String())
}

// OnForeignPrepareQc merges a ForeignProposal's justification of a peer
// shard group's LocalPrepare: its prepare_qc and pledge contents (spec.md
// §4.4). It never regresses Stage; the pool record may still be waiting on
// other foreign groups.
func (p *Pool) OnForeignPrepareQc(id types.TransactionId, group types.ShardGroup, prepareQc types.Hash, pledges *types.Evidence) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok {
		return
	}
	if pledges != nil {
		rec.Evidence.MergeFrom(pledges)
	}
	rec.Evidence.MergePrepareQc(group, prepareQc)
}

// OnLocalAccept binds the local accept_qc and records this shard group's
// decision for this transaction, transitioning LocalPrepared ->
// LocalAccepted.
func (p *Pool) OnLocalAccept(id types.TransactionId, group types.ShardGroup, acceptQc types.Hash, decision types.Decision) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok || rec.Stage != StageLocalPrepared {
		return
	}
	rec.Evidence.MergeAcceptQc(group, acceptQc)
	rec.groupDecisions[group] = decision
	rec.Stage = StageLocalAccepted
	p.observer.IncStageTransition(StageLocalAccepted.String())
}

// OnForeignAcceptQc merges a peer shard group's accept_qc and its voted
// decision, without advancing local Stage on its own.
func (p *Pool) OnForeignAcceptQc(id types.TransactionId, group types.ShardGroup, acceptQc types.Hash, decision types.Decision) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok {
		return
	}
	rec.Evidence.MergeAcceptQc(group, acceptQc)
	rec.groupDecisions[group] = decision
}

// OnAllAccept finalises the transaction once every shard group has an
// accept_qc: Commit unless any shard group voted Abort at its LocalAccept
// (spec.md §4.4 "decided unanimously by shard groups").
func (p *Pool) OnAllAccept(id types.TransactionId) (types.Decision, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok || rec.Stage != StageLocalAccepted {
		return types.DecisionAbort, false
	}
	final := types.DecisionCommit
	for _, d := range rec.groupDecisions {
		if d == types.DecisionAbort {
			final = types.DecisionAbort
			break
		}
	}
	rec.Decision = final
	rec.Stage = StageAllAccepted
	p.observer.IncStageTransition(StageAllAccepted.String())
	return final, true
}

// DrainReady returns pool records eligible for inclusion in the leader's
// next proposal, in the deterministic order spec.md §4.4 requires:
// eligible-by-epoch-window records only, ascending by transaction id, capped
// by maxCommands and aggregate fee weight.
func (p *Pool) DrainReady(currentEpoch uint64, maxCommands int, maxFeeWeight uint64) []*Record {
	p.mu.RLock()
	candidates := make([]*Record, 0, len(p.records))
	for _, rec := range p.records {
		if rec.Stage == StageAborted || rec.Stage == StageAllAccepted {
			continue
		}
		if !rec.Tx.IsEligibleAt(currentEpoch) {
			continue
		}
		candidates = append(candidates, rec)
	}
	p.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].TransactionId.String() < candidates[j].TransactionId.String()
	})

	out := make([]*Record, 0, len(candidates))
	var feeSum uint64
	for _, rec := range candidates {
		if len(out) >= maxCommands {
			break
		}
		if feeSum+rec.feeWeight > maxFeeWeight {
			continue
		}
		out = append(out, rec)
		feeSum += rec.feeWeight
	}
	return out
}

// Evict removes a transaction from the pool entirely, used once a decision
// has been committed and persisted downstream.
func (p *Pool) Evict(id types.TransactionId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records, id)
	p.observer.SetPoolSize(len(p.records))
}
