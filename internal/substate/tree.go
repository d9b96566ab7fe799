package substate

import (
	"sort"
	"sync"

	"shardbft/internal/types"
)

// SparsePlaceholderHash is the fixed root of an empty shard tree. It must
// stay stable across implementations sharing the wire format (spec.md §4.1,
// §9 "Authenticated tree").
var SparsePlaceholderHash = types.HashBytes([]byte("SPARSE_MERKLE_PLACEHOLDER_HASH"))

// LeafChangeKind distinguishes an Up (created/updated) leaf from a Down
// (destroyed) leaf in a batched tree update.
type LeafChangeKind uint8

const (
	LeafUp LeafChangeKind = iota
	LeafDown
)

// LeafChange is one entry of a put_substate_changes batch (spec.md §4.1).
type LeafChange struct {
	Address types.SubstateAddress
	Kind    LeafChangeKind
	// ValueHash is hash(substate_value || version) for Up leaves; ignored
	// for Down leaves.
	ValueHash types.Hash
}

// ShardTree is the per-shard authenticated leaf set keyed by
// SubstateAddress: leaves are present for UP substates (value =
// hash(value||version)) and absent for DOWN substates. The root is a single
// hash over all live leaves in sorted address order; it is not a prefix
// tree, has no interior nodes, and produces no inclusion proofs. Every
// historical version's root stays addressable by version number, which is
// what sync/checkpoint verification (§4.8) compares against.
type ShardTree struct {
	mu       sync.RWMutex
	leaves   map[types.SubstateAddress]types.Hash // current live leaf set
	rootByV  map[uint64]types.Hash
	version  uint64
}

func NewShardTree() *ShardTree {
	t := &ShardTree{
		leaves:  make(map[types.SubstateAddress]types.Hash),
		rootByV: make(map[uint64]types.Hash),
	}
	t.rootByV[0] = SparsePlaceholderHash
	return t
}

// PutSubstateChanges applies a batch of Up/Down leaf changes atomically,
// advancing the tree from oldVersion to newVersion and returning the new
// root. newVersion must be oldVersion+1; callers serialise calls per shard.
func (t *ShardTree) PutSubstateChanges(oldVersion, newVersion uint64, changes []LeafChange) (types.Hash, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if oldVersion != t.version {
		return types.Hash{}, &ErrVersionMismatch{Expected: t.version, Got: oldVersion}
	}
	if newVersion != oldVersion+1 {
		return types.Hash{}, &ErrVersionMismatch{Expected: oldVersion + 1, Got: newVersion}
	}

	for _, c := range changes {
		switch c.Kind {
		case LeafUp:
			t.leaves[c.Address] = c.ValueHash
		case LeafDown:
			delete(t.leaves, c.Address)
		}
	}

	root := t.computeRootLocked()
	t.rootByV[newVersion] = root
	t.version = newVersion
	return root, nil
}

// GetRootHash reports the root at a given store version.
func (t *ShardTree) GetRootHash(version uint64) (types.Hash, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.rootByV[version]
	return r, ok
}

// CurrentVersion returns the tree's latest committed version.
func (t *ShardTree) CurrentVersion() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// computeRootLocked derives a deterministic root by hashing the sorted set
// of live leaves. Sorting keys guarantees the result depends only on the
// unordered change set, not on map iteration order (spec.md §8 "Tree
// consistency": "deterministic given the exact unordered set of changes").
func (t *ShardTree) computeRootLocked() types.Hash {
	if len(t.leaves) == 0 {
		return SparsePlaceholderHash
	}
	addrs := make([]types.SubstateAddress, 0, len(t.leaves))
	for a := range t.leaves {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool {
		for k := 0; k < 32; k++ {
			if addrs[i][k] != addrs[j][k] {
				return addrs[i][k] < addrs[j][k]
			}
		}
		return false
	})
	buf := make([]byte, 0, len(addrs)*64)
	for _, a := range addrs {
		buf = append(buf, a[:]...)
		vh := t.leaves[a]
		buf = append(buf, vh[:]...)
	}
	return types.HashBytes(buf)
}

// ErrVersionMismatch reports an out-of-order put_substate_changes call.
type ErrVersionMismatch struct {
	Expected, Got uint64
}

func (e *ErrVersionMismatch) Error() string {
	return "state tree version mismatch"
}
