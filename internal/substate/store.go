// Package substate implements the sharded substate store and its
// authenticated per-shard Merkle tree (spec.md §4.1). Persistence is
// abstracted behind the Store interface; this package ships the in-memory
// reference implementation used by the rest of the module and by tests, in
// the same spirit as the teacher's core/virtual_machine.go memState —
// single-process, mutex-guarded maps standing in for the StateStore
// collaborator spec.md §1 names as external.
package substate

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"shardbft/internal/types"
)

// Store is the sharded substate store contract of spec.md §4.1.
type Store interface {
	Create(rec *types.SubstateRecord) error
	Destroy(id types.VersionedSubstateId, destroyingBlock types.Hash, destroyingTx types.TransactionId, qc types.Hash) error
	Get(addr types.SubstateAddress) (*types.SubstateRecord, error)
	GetLatest(id types.SubstateId) (*types.SubstateRecord, error)
	AnyExist(ids []types.VersionedSubstateId) (bool, error)
	GetAny(ids []types.VersionedSubstateId) ([]*types.SubstateRecord, error)
	GetAnyMaxVersion(ids []types.SubstateId) ([]*types.SubstateRecord, error)
	GetNAfter(id types.SubstateId, afterVersion uint32, n int) ([]*types.SubstateRecord, error)
	GetManyWithinRange(shard types.Shard, fromVersion, toVersion uint64) ([]*types.SubstateRecord, error)

	LockAll(blockID types.Hash, locks []LockRequest) error
	UnlockAll(txIDs []types.TransactionId) error

	Tree(shard types.Shard) *ShardTree
}

// memStore is the in-memory reference Store. All public methods hold mu for
// their duration; no method suspends on network I/O while holding it
// (spec.md §5 "Suspension & blocking").
type memStore struct {
	mu sync.Mutex
	lg *logrus.Entry

	byAddress map[types.SubstateAddress]*types.SubstateRecord
	versions  map[types.SubstateId][]uint32 // sorted ascending

	trees map[types.Shard]*ShardTree

	// locks: substate id -> list of currently held locks.
	locks map[types.SubstateId][]heldLock
	// txLocks: transaction id -> substate ids, cleared by UnlockAll.
	// Nothing in this store adds entries to it.
	txLocks map[types.TransactionId][]types.SubstateId
}

// NewMemStore constructs an empty in-memory store.
func NewMemStore(lg *logrus.Logger) Store {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &memStore{
		lg:        lg.WithField("component", "substate_store"),
		byAddress: make(map[types.SubstateAddress]*types.SubstateRecord),
		versions:  make(map[types.SubstateId][]uint32),
		trees:     make(map[types.Shard]*ShardTree),
		locks:     make(map[types.SubstateId][]heldLock),
		txLocks:   make(map[types.TransactionId][]types.SubstateId),
	}
}

func (m *memStore) Tree(shard types.Shard) *ShardTree {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.treeLocked(shard)
}

func (m *memStore) treeLocked(shard types.Shard) *ShardTree {
	t, ok := m.trees[shard]
	if !ok {
		t = NewShardTree()
		m.trees[shard] = t
	}
	return t
}

// Create fails if (id,version) exists. It does not check whether the
// predecessor version is still UP; closing out the predecessor is the
// caller's separate Destroy call (spec.md §3 "Invariant").
func (m *memStore) Create(rec *types.SubstateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr := rec.Address()
	if _, exists := m.byAddress[addr]; exists {
		return &types.StorageError{Kind: types.StorageDataInconsistency, Op: "create", Err: types.ErrDuplicateSubstate}
	}

	clone := *rec
	m.byAddress[addr] = &clone
	vs := m.versions[rec.Id.Id]
	idx := sort.Search(len(vs), func(i int) bool { return vs[i] >= rec.Id.Version })
	vs = append(vs, 0)
	copy(vs[idx+1:], vs[idx:])
	vs[idx] = rec.Id.Version
	m.versions[rec.Id.Id] = vs

	v := rec.Id.Version
	leafHash := types.HashBytes(append(append([]byte{}, rec.Value...), byte(v>>24), byte(v>>16), byte(v>>8), byte(v)))
	tree := m.treeLocked(rec.Shard)
	_, err := tree.PutSubstateChanges(tree.CurrentVersion(), tree.CurrentVersion()+1, []LeafChange{
		{Address: addr, Kind: LeafUp, ValueHash: leafHash},
	})
	if err != nil {
		return &types.StorageError{Kind: types.StorageDataInconsistency, Op: "create:tree", Err: err}
	}
	m.lg.WithField("substate", rec.Id).Debug("created")
	return nil
}

// Destroy marks (id,version) DOWN, recording the block/tx/qc responsible.
func (m *memStore) Destroy(id types.VersionedSubstateId, destroyingBlock types.Hash, destroyingTx types.TransactionId, qc types.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr := types.DeriveSubstateAddress(id)
	rec, ok := m.byAddress[addr]
	if !ok {
		return &types.StorageError{Kind: types.StorageNotFound, Op: "destroy", Err: types.ErrNotFound}
	}
	if rec.IsDown() {
		return &types.StorageError{Kind: types.StorageDataInconsistency, Op: "destroy", Err: types.ErrSubstateIsDown}
	}

	rec.Destroyed = &types.DestructionInfo{
		ByTransaction: destroyingTx,
		ByBlock:       destroyingBlock,
		ByQc:          qc,
	}

	tree := m.treeLocked(rec.Shard)
	_, err := tree.PutSubstateChanges(tree.CurrentVersion(), tree.CurrentVersion()+1, []LeafChange{
		{Address: addr, Kind: LeafDown},
	})
	if err != nil {
		return &types.StorageError{Kind: types.StorageDataInconsistency, Op: "destroy:tree", Err: err}
	}
	return nil
}

func (m *memStore) Get(addr types.SubstateAddress) (*types.SubstateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byAddress[addr]
	if !ok {
		return nil, &types.StorageError{Kind: types.StorageNotFound, Op: "get", Err: types.ErrNotFound}
	}
	clone := *rec
	return &clone, nil
}

func (m *memStore) GetLatest(id types.SubstateId) (*types.SubstateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs := m.versions[id]
	if len(vs) == 0 {
		return nil, &types.StorageError{Kind: types.StorageNotFound, Op: "get_latest", Err: types.ErrNotFound}
	}
	latest := vs[len(vs)-1]
	rec := m.byAddress[types.DeriveSubstateAddress(types.VersionedSubstateId{Id: id, Version: latest})]
	if rec == nil {
		return nil, &types.StorageError{Kind: types.StorageDataInconsistency, Op: "get_latest", Err: fmt.Errorf("version index out of sync")}
	}
	clone := *rec
	return &clone, nil
}

func (m *memStore) AnyExist(ids []types.VersionedSubstateId) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if _, ok := m.byAddress[types.DeriveSubstateAddress(id)]; ok {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) GetAny(ids []types.VersionedSubstateId) ([]*types.SubstateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.SubstateRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := m.byAddress[types.DeriveSubstateAddress(id)]; ok {
			clone := *rec
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *memStore) GetAnyMaxVersion(ids []types.SubstateId) ([]*types.SubstateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.SubstateRecord, 0, len(ids))
	for _, id := range ids {
		vs := m.versions[id]
		if len(vs) == 0 {
			continue
		}
		latest := vs[len(vs)-1]
		if rec, ok := m.byAddress[types.DeriveSubstateAddress(types.VersionedSubstateId{Id: id, Version: latest})]; ok {
			clone := *rec
			out = append(out, &clone)
		}
	}
	return out, nil
}

// GetNAfter returns up to n records for id with version > afterVersion,
// ascending, used by sync to page through a substate's history.
func (m *memStore) GetNAfter(id types.SubstateId, afterVersion uint32, n int) ([]*types.SubstateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs := m.versions[id]
	out := make([]*types.SubstateRecord, 0, n)
	for _, v := range vs {
		if v <= afterVersion {
			continue
		}
		if rec, ok := m.byAddress[types.DeriveSubstateAddress(types.VersionedSubstateId{Id: id, Version: v})]; ok {
			clone := *rec
			out = append(out, &clone)
		}
		if len(out) >= n {
			break
		}
	}
	return out, nil
}

// GetManyWithinRange returns all records of a shard whose store tree
// version falls within [fromVersion, toVersion], used by the sync state
// stream of spec.md §4.8. The in-memory implementation approximates "tree
// version" scoping by shard membership only, since this reference store
// does not keep a secondary version-to-record index; production stores
// would maintain one.
func (m *memStore) GetManyWithinRange(shard types.Shard, fromVersion, toVersion uint64) ([]*types.SubstateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.SubstateRecord, 0)
	for _, rec := range m.byAddress {
		if rec.Shard == shard {
			clone := *rec
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Id.Id.String() < out[j].Id.Id.String()
	})
	return out, nil
}

// LockAll installs pending locks owned by blockID. Hard conflicts against
// any existing held lock fail the whole batch atomically — no partial lock
// set is left installed (spec.md §4.1).
func (m *memStore) LockAll(blockID types.Hash, reqs []LockRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range reqs {
		for _, existing := range m.locks[r.Id] {
			if lockConflicts(existing.kind, r.Kind) {
				return &types.ExecutionReject{Kind: types.ExecFailedToLockInputs, Message: fmt.Sprintf("%s lock conflicts with held %s on %s", r.Kind, existing.kind, r.Id)}
			}
		}
	}
	for _, r := range reqs {
		m.locks[r.Id] = append(m.locks[r.Id], heldLock{blockID: blockID, kind: r.Kind})
	}
	return nil
}

// UnlockAll forgets the txLocks entries of txIDs. LockAll records locks per
// block with no transaction owner and never fills txLocks, so UnlockAll
// releases no lock held in m.locks; locks installed by LockAll stay held.
func (m *memStore) UnlockAll(txIDs []types.TransactionId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range txIDs {
		delete(m.txLocks, tx)
	}
	return nil
}
