// Package changeset implements the per-candidate-block staging area of
// spec.md §4.7: everything a proposal accumulates before it is either
// persisted to the state store (on commit) or discarded (on no-vote).
package changeset

import (
	"fmt"
	"sort"
	"sync"

	"shardbft/internal/substate"
	"shardbft/internal/txpool"
	"shardbft/internal/types"
)

// Limits bounds the staging area's memory footprint (spec.md §4.7 "memory
// ceiling (tunable)").
type Limits struct {
	MaxSubstateChanges int
	MaxTreeDiffs       int
	MaxLocks           int
}

func DefaultLimits() Limits {
	return Limits{MaxSubstateChanges: 10_000, MaxTreeDiffs: 1_000, MaxLocks: 100_000}
}

// TransactionChange is one transaction's staged contribution: an optional
// pre-computed execution, an optional next pool-stage update, and any
// foreign pledges received for it while this block was being built.
type TransactionChange struct {
	Execution      interface{} // *executor.TransactionExecution; kept untyped to avoid an import cycle with the executor package
	NextStage      *txpool.Stage
	ForeignPledges *types.Evidence
}

// NoVoteReason is the diagnostic-only record kept when a replica declines
// to vote for a proposal (spec.md §4.5).
type NoVoteReason struct {
	BlockId types.Hash
	Reason  string
}

// ChangeSet is the staging area for one candidate block.
type ChangeSet struct {
	mu sync.Mutex

	limits Limits

	BlockId         types.Hash
	QuorumDecision  *types.Decision
	SubstateChanges []*types.SubstateRecord
	TreeDiffs       map[types.Shard][]substate.LeafChange
	SubstateLocks   map[types.SubstateId]types.LockKind
	TxChanges       map[types.TransactionId]*TransactionChange
	ForeignProposed []types.Hash
	UtxoMints       [][]byte
	EvictNodes      [][]byte

	noVote *NoVoteReason
}

// New constructs an empty change set for blockID bounded by limits.
func New(blockID types.Hash, limits Limits) *ChangeSet {
	return &ChangeSet{
		BlockId:       blockID,
		limits:        limits,
		TreeDiffs:     make(map[types.Shard][]substate.LeafChange),
		SubstateLocks: make(map[types.SubstateId]types.LockKind),
		TxChanges:     make(map[types.TransactionId]*TransactionChange),
	}
}

var errOverCapacity = fmt.Errorf("change set over capacity")

// AddSubstateChange stages an up/down substate record.
func (c *ChangeSet) AddSubstateChange(rec *types.SubstateRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.SubstateChanges) >= c.limits.MaxSubstateChanges {
		return errOverCapacity
	}
	c.SubstateChanges = append(c.SubstateChanges, rec)
	return nil
}

// AddTreeDiff stages a leaf change for shard's tentative post-commit tree.
func (c *ChangeSet) AddTreeDiff(shard types.Shard, change substate.LeafChange) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, diffs := range c.TreeDiffs {
		total += len(diffs)
	}
	if total >= c.limits.MaxTreeDiffs {
		return errOverCapacity
	}
	c.TreeDiffs[shard] = append(c.TreeDiffs[shard], change)
	return nil
}

// AddLock stages a lock request against id.
func (c *ChangeSet) AddLock(id types.SubstateId, kind types.LockKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.SubstateLocks) >= c.limits.MaxLocks {
		return errOverCapacity
	}
	c.SubstateLocks[id] = kind
	return nil
}

// SetTransactionChange upserts a transaction's staged contribution.
func (c *ChangeSet) SetTransactionChange(txID types.TransactionId, tc *TransactionChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TxChanges[txID] = tc
}

// AddForeignProposed records a foreign proposal's block id as included in
// this block.
func (c *ChangeSet) AddForeignProposed(blockID types.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ForeignProposed = append(c.ForeignProposed, blockID)
}

// MarkNoVote discards persistence intent and records why, leaving only the
// diagnostic reason behind (spec.md §4.7 "on no-vote, nothing is persisted
// except a diagnostic no-vote reason record").
func (c *ChangeSet) MarkNoVote(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noVote = &NoVoteReason{BlockId: c.BlockId, Reason: reason}
}

func (c *ChangeSet) NoVoteReason() *NoVoteReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.noVote
}

// Save persists the whole staged change set against store: substate
// changes, tree diffs, and lock installation. The writes are separate store
// calls, not one transaction: if one fails, the writes made before it stay
// applied. It is a no-op (returning an error) if MarkNoVote was previously
// called.
func (c *ChangeSet) Save(store substate.Store) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.noVote != nil {
		return fmt.Errorf("change set for block %s was marked no-vote: %s", c.BlockId, c.noVote.Reason)
	}

	for _, rec := range c.SubstateChanges {
		if rec.IsDown() {
			continue
		}
		if err := store.Create(rec); err != nil {
			return fmt.Errorf("save substate %s: %w", rec.Id, err)
		}
	}
	for _, rec := range c.SubstateChanges {
		if !rec.IsDown() {
			continue
		}
		d := rec.Destroyed
		if err := store.Destroy(rec.Id, d.ByBlock, d.ByTransaction, d.ByQc); err != nil {
			return fmt.Errorf("save destroy %s: %w", rec.Id, err)
		}
	}

	shards := make([]types.Shard, 0, len(c.TreeDiffs))
	for s := range c.TreeDiffs {
		shards = append(shards, s)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })
	for _, s := range shards {
		tree := store.Tree(s)
		v := tree.CurrentVersion()
		if _, err := tree.PutSubstateChanges(v, v+1, c.TreeDiffs[s]); err != nil {
			return fmt.Errorf("save tree diffs for shard %d: %w", s, err)
		}
	}

	locks := make([]substate.LockRequest, 0, len(c.SubstateLocks))
	for id, kind := range c.SubstateLocks {
		locks = append(locks, substate.LockRequest{Id: id, Kind: kind})
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].Id.String() < locks[j].Id.String() })
	if len(locks) > 0 {
		if err := store.LockAll(c.BlockId, locks); err != nil {
			return fmt.Errorf("save locks: %w", err)
		}
	}
	return nil
}
