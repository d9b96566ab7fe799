// Package nodestate holds the local journals a validator node serves to
// syncing peers over internal/rpcserver: committed blocks, epoch
// checkpoints, and per-shard state transitions. None of these are owned by
// internal/substate (which only holds current/versioned substate data, not
// block or checkpoint history) or internal/consensus/hotstuff (which keeps
// just enough chain state to vote safely, not a servable log). Mutex-guarded
// maps/slices in the same style as internal/substate.memStore.
package nodestate

import (
	"sort"
	"sync"

	"shardbft/internal/syncsvc"
	"shardbft/internal/types"
)

// Blocks is an append-only, height-ordered log of committed blocks.
type Blocks struct {
	mu   sync.Mutex
	byID map[types.Hash]*types.Block
	all  []*types.Block // kept sorted by Height
}

func NewBlocks() *Blocks {
	return &Blocks{byID: make(map[types.Hash]*types.Block)}
}

// Append records a newly committed block, ignoring duplicates by id.
func (b *Blocks) Append(block *types.Block) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := block.Id()
	if _, exists := b.byID[id]; exists {
		return
	}
	b.byID[id] = block
	b.all = append(b.all, block)
	sort.Slice(b.all, func(i, j int) bool { return b.all[i].Height < b.all[j].Height })
}

// BlocksAfter returns up to max blocks with height strictly greater than
// height, satisfying internal/rpcserver.BlockReader.
func (b *Blocks) BlocksAfter(height uint64, max int) []*types.Block {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*types.Block, 0, max)
	for _, blk := range b.all {
		if blk.Height <= height {
			continue
		}
		out = append(out, blk)
		if len(out) == max {
			break
		}
	}
	return out
}

// Checkpoints is a per-epoch cache of the most recently published
// EpochCheckpoint, populated once the node finishes aggregating one (spec.md
// §4.8) and served verbatim to peers on GetCheckpoint/FetchCheckpoint.
type Checkpoints struct {
	mu   sync.Mutex
	byEp map[uint64]*types.EpochCheckpoint
}

func NewCheckpoints() *Checkpoints {
	return &Checkpoints{byEp: make(map[uint64]*types.EpochCheckpoint)}
}

// Put records the checkpoint for epoch, overwriting any prior value.
func (c *Checkpoints) Put(epoch uint64, cp *types.EpochCheckpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byEp[epoch] = cp
}

// Checkpoint satisfies internal/rpcserver.CheckpointReader and
// internal/syncsvc.Peer-shaped lookups alike.
func (c *Checkpoints) Checkpoint(epoch uint64) (*types.EpochCheckpoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp, ok := c.byEp[epoch]
	return cp, ok
}

// Transitions is a per-shard, sequence-ordered journal of applied state
// transitions, the same records syncsvc.Manager.applyTransition consumes
// when sync'ing from a peer, kept here on the serving side so this node can
// in turn page them out to peers behind it.
type Transitions struct {
	mu      sync.Mutex
	byShard map[types.Shard][]syncsvc.StateTransition
}

func NewTransitions() *Transitions {
	return &Transitions{byShard: make(map[types.Shard][]syncsvc.StateTransition)}
}

// Append records t, assuming callers append in increasing Seq order within
// an epoch (the order the consensus/sync pipeline produces them in).
func (t *Transitions) Append(shard types.Shard, st syncsvc.StateTransition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byShard[shard] = append(t.byShard[shard], st)
}

// TransitionsAfter returns up to max transitions for shard whose (epoch,seq)
// sorts strictly after 'after' and whose epoch is at most currentEpoch, plus
// whether more remain,
// satisfying internal/rpcserver.StateStreamReader.
func (t *Transitions) TransitionsAfter(shard types.Shard, after syncsvc.StateTransitionId, currentEpoch uint64, max int) ([]syncsvc.StateTransition, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	all := t.byShard[shard]
	start := 0
	for start < len(all) && !transitionAfter(all[start].Id, after) {
		start++
	}
	end := start
	for end < len(all) && all[end].Id.Epoch <= currentEpoch {
		end++
	}
	remaining := all[start:end]
	if len(remaining) > max {
		return remaining[:max], true
	}
	return remaining, false
}

func transitionAfter(id, after syncsvc.StateTransitionId) bool {
	if id.Epoch != after.Epoch {
		return id.Epoch > after.Epoch
	}
	return id.Seq > after.Seq
}
