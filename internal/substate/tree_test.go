package substate

import (
	"testing"

	"shardbft/internal/types"
)

func TestEmptyTreeRootIsPlaceholder(t *testing.T) {
	tr := NewShardTree()
	root, ok := tr.GetRootHash(0)
	if !ok {
		t.Fatalf("expected version 0 root to exist")
	}
	if root != SparsePlaceholderHash {
		t.Fatalf("expected placeholder root for empty tree")
	}
}

func TestPutSubstateChangesDeterministic(t *testing.T) {
	var a1, a2 types.SubstateAddress
	a1[0] = 1
	a2[0] = 2
	changes := []LeafChange{
		{Address: a2, Kind: LeafUp, ValueHash: types.Hash{0xAA}},
		{Address: a1, Kind: LeafUp, ValueHash: types.Hash{0xBB}},
	}
	reversed := []LeafChange{changes[1], changes[0]}

	t1 := NewShardTree()
	r1, err := t1.PutSubstateChanges(0, 1, changes)
	if err != nil {
		t.Fatalf("put 1: %v", err)
	}

	t2 := NewShardTree()
	r2, err := t2.PutSubstateChanges(0, 1, reversed)
	if err != nil {
		t.Fatalf("put 2: %v", err)
	}

	if r1 != r2 {
		t.Fatalf("root must not depend on change-batch order: %x vs %x", r1, r2)
	}
}

func TestPutSubstateChangesRejectsOutOfOrderVersion(t *testing.T) {
	tr := NewShardTree()
	if _, err := tr.PutSubstateChanges(5, 6, nil); err == nil {
		t.Fatalf("expected version-mismatch error")
	}
}

func TestDownRemovesLeaf(t *testing.T) {
	tr := NewShardTree()
	var a types.SubstateAddress
	a[0] = 1
	r1, err := tr.PutSubstateChanges(0, 1, []LeafChange{{Address: a, Kind: LeafUp, ValueHash: types.Hash{1}}})
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	r2, err := tr.PutSubstateChanges(1, 2, []LeafChange{{Address: a, Kind: LeafDown}})
	if err != nil {
		t.Fatalf("down: %v", err)
	}
	if r2 != SparsePlaceholderHash {
		t.Fatalf("expected root to return to placeholder after removing the only leaf")
	}
	if r1 == r2 {
		t.Fatalf("expected root to change between up and down")
	}
}
