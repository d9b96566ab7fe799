package nodestate

import (
	"testing"

	"shardbft/internal/syncsvc"
	"shardbft/internal/types"
)

func TestBlocksAfterOrdersByHeightAndRespectsCap(t *testing.T) {
	b := NewBlocks()
	for h := uint64(1); h <= 5; h++ {
		b.Append(&types.Block{Height: h, ShardGroup: types.ShardGroup{Start: 0, End: 1}})
	}
	got := b.BlocksAfter(1, 2)
	if len(got) != 2 || got[0].Height != 2 || got[1].Height != 3 {
		t.Fatalf("expected heights [2,3], got %+v", got)
	}
}

func TestBlocksAppendIsIdempotentById(t *testing.T) {
	b := NewBlocks()
	block := &types.Block{Height: 1, ShardGroup: types.ShardGroup{Start: 0, End: 1}}
	b.Append(block)
	b.Append(block)
	if len(b.all) != 1 {
		t.Fatalf("expected duplicate append to be a no-op, got %d entries", len(b.all))
	}
}

func TestCheckpointsRoundTrip(t *testing.T) {
	c := NewCheckpoints()
	if _, ok := c.Checkpoint(1); ok {
		t.Fatalf("expected no checkpoint for unseen epoch")
	}
	cp := &types.EpochCheckpoint{PerShardRoots: map[types.Shard]types.Hash{0: {1}}}
	c.Put(1, cp)
	got, ok := c.Checkpoint(1)
	if !ok || got != cp {
		t.Fatalf("expected stored checkpoint back, got %+v ok=%v", got, ok)
	}
}

func TestTransitionsAfterFiltersBySeqAndCaps(t *testing.T) {
	tr := NewTransitions()
	shard := types.Shard(3)
	for seq := uint64(1); seq <= 5; seq++ {
		tr.Append(shard, syncsvc.StateTransition{Id: syncsvc.StateTransitionId{Epoch: 1, Shard: shard, Seq: seq}})
	}

	batch, more := tr.TransitionsAfter(shard, syncsvc.StateTransitionId{Epoch: 1, Seq: 2}, 1, 2)
	if len(batch) != 2 || batch[0].Id.Seq != 3 || batch[1].Id.Seq != 4 {
		t.Fatalf("expected seqs [3,4], got %+v", batch)
	}
	if !more {
		t.Fatalf("expected more=true with one transition left")
	}

	batch, more = tr.TransitionsAfter(shard, syncsvc.StateTransitionId{Epoch: 1, Seq: 4}, 1, 10)
	if len(batch) != 1 || batch[0].Id.Seq != 5 || more {
		t.Fatalf("expected exactly the final transition with more=false, got %+v more=%v", batch, more)
	}
}
