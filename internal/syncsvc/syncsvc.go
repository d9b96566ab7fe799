// Package syncsvc implements the epoch checkpoint / state sync protocol of
// spec.md §4.8: a node entering or behind an epoch fetches the previous
// epoch's checkpoint, streams state transitions per shard (global shard
// first) into its local store, and verifies each shard's resulting root
// against the checkpoint before trusting it.
//
// The background loop/Start/Stop/SyncOnce shape is grounded on the
// teacher's core/blockchain_synchronization.go SyncManager, which delegates
// network transfer to a Replicator collaborator and re-drives SyncOnce on a
// backoff after any error; this package generalises that to per-shard
// state-transition streaming instead of block download.
package syncsvc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"shardbft/internal/substate"
	"shardbft/internal/types"
)

// StateTransitionId positions one transition in a shard's transition log
// (spec.md §4.8 "last_state_transition_id").
type StateTransitionId struct {
	Epoch uint64
	Shard types.Shard
	Seq   uint64
}

// Less gives transition ids within a shard's log a total order.
func (id StateTransitionId) Less(other StateTransitionId) bool {
	if id.Epoch != other.Epoch {
		return id.Epoch < other.Epoch
	}
	return id.Seq < other.Seq
}

// TransitionKind distinguishes a substate creation from a destruction within
// a state-transition batch.
type TransitionKind uint8

const (
	TransitionCreate TransitionKind = iota
	TransitionDestroy
)

// StateTransition is one entry streamed by a SyncState response (spec.md
// §6 "SyncState{...} -> stream<StateTransition...>").
type StateTransition struct {
	Id   StateTransitionId
	Kind TransitionKind

	// Up is populated for TransitionCreate.
	Up *types.SubstateRecord
	// Down and DestroyedBy are populated for TransitionDestroy.
	Down        types.VersionedSubstateId
	DestroyedBy types.DestructionInfo
}

// TemplateChangeKind is the closed set of template lifecycle events a sync
// session raises when it encounters a Template substate (spec.md §4.8 step
// 4).
type TemplateChangeKind uint8

const (
	TemplateChangeAdd TemplateChangeKind = iota
	TemplateChangeDeprecate
)

// TemplateChangeEvent is queued for the template manager rather than handled
// directly, keeping this package independent of internal/template.
type TemplateChangeEvent struct {
	Address types.SubstateId
	Kind    TemplateChangeKind
}

// Peer is the sync transport collaborator: fetch a checkpoint and stream
// transition batches from one previous-epoch committee member. Kept as an
// interface so the manager never depends on a concrete RPC/libp2p client,
// matching the teacher's Replicator indirection in
// core/blockchain_synchronization.go.
type Peer interface {
	Name() string
	FetchCheckpoint(ctx context.Context, epoch uint64) (*types.EpochCheckpoint, error)
	// FetchStateBatch returns up to batchSize transitions for shard strictly
	// after 'after', plus whether more remain.
	FetchStateBatch(ctx context.Context, shard types.Shard, after StateTransitionId, currentEpoch uint64, batchSize int) (batch []StateTransition, more bool, err error)
}

// BatchSize is the fixed page size spec.md §4.8 names ("batches of 100").
const BatchSize = 100

// AggregateRoots computes the deterministic checkpoint-root hash over a
// shard -> root map, matching the block-level invariant of spec.md §3:
// "state_merkle_root = H(ordered_sequence_of(shard, get_root_hash(...)))".
// Kept exported so a checkpoint's internal consistency can be checked
// without depending on internal/types/block.go's private encoder.
func AggregateRoots(roots map[types.Shard]types.Hash) types.Hash {
	shards := make([]types.Shard, 0, len(roots))
	for s := range roots {
		shards = append(shards, s)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })
	buf := make([]byte, 0, len(shards)*36)
	for _, s := range shards {
		var tmp [4]byte
		tmp[0] = byte(s >> 24)
		tmp[1] = byte(s >> 16)
		tmp[2] = byte(s >> 8)
		tmp[3] = byte(s)
		buf = append(buf, tmp[:]...)
		root := roots[s]
		buf = append(buf, root[:]...)
	}
	return types.HashBytes(buf)
}

// Observer receives sync progress/retry events for external metrics
// collection (internal/metrics.Collector satisfies this without this
// package importing it). SetObserver is optional; a nil Observer is a
// no-op.
type Observer interface {
	IncSyncRetry()
	SetSyncShardVersion(shard string, version uint64)
}

type noopObserver struct{}

func (noopObserver) IncSyncRetry()                          {}
func (noopObserver) SetSyncShardVersion(string, uint64) {}

// Manager runs the per-node sync/checkpoint protocol against one local
// store and shard group.
type Manager struct {
	mu sync.RWMutex
	lg *logrus.Entry

	store      substate.Store
	localGroup types.ShardGroup

	cursors map[types.Shard]StateTransitionId

	onTemplateChange func(TemplateChangeEvent)
	observer         Observer

	active bool
	quit   chan struct{}
}

func NewManager(store substate.Store, localGroup types.ShardGroup, onTemplateChange func(TemplateChangeEvent), lg *logrus.Logger) *Manager {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &Manager{
		lg:               lg.WithField("component", "syncsvc"),
		store:            store,
		localGroup:       localGroup,
		cursors:          make(map[types.Shard]StateTransitionId),
		onTemplateChange: onTemplateChange,
		observer:         noopObserver{},
	}
}

// SetObserver wires a metrics collaborator. Called once at startup by
// cmd/validatornode; safe to leave unset in tests.
func (m *Manager) SetObserver(o Observer) {
	if o == nil {
		o = noopObserver{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = o
}

// Start launches the background retry loop, mirroring the teacher's
// SyncManager.Start/loop pattern: re-attempt on a fixed backoff until ctx is
// cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context, peers []Peer, currentEpoch uint64) {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return
	}
	m.active = true
	m.quit = make(chan struct{})
	m.mu.Unlock()

	go m.loop(ctx, peers, currentEpoch)
}

func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return
	}
	close(m.quit)
	m.active = false
}

func (m *Manager) loop(ctx context.Context, peers []Peer, currentEpoch uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.quit:
			return
		default:
		}
		if err := m.SyncOnce(ctx, peers, currentEpoch); err != nil {
			m.lg.WithError(err).Warn("sync round failed, retrying")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			case <-m.quit:
				return
			}
			continue
		}
		return
	}
}

// SyncOnce runs the full §4.8 protocol once against peers, trying each in
// turn on failure. It syncs the global shard first, then every shard owned
// by localGroup.
func (m *Manager) SyncOnce(ctx context.Context, peers []Peer, currentEpoch uint64) error {
	if len(peers) == 0 {
		return &types.SyncError{Kind: types.SyncNoCommittees, Detail: "no previous-epoch peers available"}
	}

	checkpoint, err := m.fetchCheckpointFromAny(ctx, peers, currentEpoch-1)
	if err != nil {
		return err
	}

	shards := m.shardsToSync()
	for _, shard := range shards {
		if err := m.syncShardFromAny(ctx, peers, shard, currentEpoch, checkpoint); err != nil {
			return err
		}
	}
	return nil
}

// shardsToSync returns the global shard followed by every numbered shard in
// localGroup's range, per spec.md §4.8 "global shard must be synced first".
func (m *Manager) shardsToSync() []types.Shard {
	out := []types.Shard{types.ShardGlobal}
	for s := m.localGroup.Start; s < m.localGroup.End; s++ {
		out = append(out, s)
	}
	return out
}

func (m *Manager) fetchCheckpointFromAny(ctx context.Context, peers []Peer, epoch uint64) (*types.EpochCheckpoint, error) {
	var lastErr error
	for _, p := range peers {
		cp, err := p.FetchCheckpoint(ctx, epoch)
		if err != nil {
			lastErr = err
			continue
		}
		if err := validateCheckpointShape(cp); err != nil {
			lastErr = err
			continue
		}
		return cp, nil
	}
	if lastErr == nil {
		lastErr = &types.SyncError{Kind: types.SyncInvalidResponse, Detail: "no peer returned a checkpoint"}
	}
	return nil, lastErr
}

// validateCheckpointShape rejects a nil checkpoint or one with no shard
// roots at all, an always-invalid shape (spec.md §4.8 step 1). It does not
// check the shard roots against the referenced block's state_merkle_root:
// that needs the block itself, which this package does not fetch.
func validateCheckpointShape(cp *types.EpochCheckpoint) error {
	if cp == nil || len(cp.PerShardRoots) == 0 {
		return &types.SyncError{Kind: types.SyncInvalidResponse, Detail: "checkpoint carries no shard roots"}
	}
	return nil
}

// syncShardFromAny streams one shard's transitions from peers in turn,
// retrying the whole shard against the next peer on a root mismatch or
// transport failure (spec.md §4.8 step 3: "re-attempted from another peer").
func (m *Manager) syncShardFromAny(ctx context.Context, peers []Peer, shard types.Shard, currentEpoch uint64, checkpoint *types.EpochCheckpoint) error {
	var lastErr error
	for _, p := range peers {
		if err := m.syncShardFromPeer(ctx, p, shard, currentEpoch, checkpoint); err != nil {
			lastErr = err
			m.lg.WithError(err).WithField("peer", p.Name()).WithField("shard", shard).Warn("shard sync failed, trying next peer")
			m.observer.IncSyncRetry()
			continue
		}
		return nil
	}
	return lastErr
}

func (m *Manager) syncShardFromPeer(ctx context.Context, p Peer, shard types.Shard, currentEpoch uint64, checkpoint *types.EpochCheckpoint) error {
	m.mu.RLock()
	cursor, haveCursor := m.cursors[shard]
	m.mu.RUnlock()
	if !haveCursor {
		cursor = StateTransitionId{Epoch: 1, Shard: shard, Seq: 0}
	}

	for {
		batch, more, err := p.FetchStateBatch(ctx, shard, cursor, currentEpoch, BatchSize)
		if err != nil {
			return &types.NetworkError{Kind: types.NetRpcFailed, Err: err}
		}
		for _, t := range batch {
			if err := m.applyTransition(t); err != nil {
				return err
			}
			cursor = t.Id
		}
		if !more {
			break
		}
	}

	m.mu.Lock()
	m.cursors[shard] = cursor
	m.mu.Unlock()

	tree := m.store.Tree(shard)
	gotRoot, _ := tree.GetRootHash(tree.CurrentVersion())
	wantRoot := checkpoint.ShardRoot(shard)
	if gotRoot != wantRoot {
		return &types.SyncError{Kind: types.SyncStateRootMismatch, Expected: wantRoot, Actual: gotRoot, Detail: fmt.Sprintf("shard %d", shard)}
	}
	m.observer.SetSyncShardVersion(fmt.Sprintf("%d", shard), tree.CurrentVersion())
	return nil
}

// applyTransition installs one Create/Destroy transition into the store,
// idempotently skipping a transition whose effect is already present (a
// retried session against a second peer replays from the stored cursor, and
// the first peer's batch may have partially landed before the failure).
//
// Note: this reference store has no transaction rollback primitive, so a
// root mismatch caused by a forged transition from a malicious peer is
// detected but not physically unwound here; the caller must re-sync the
// shard from a fresh store/checkpoint rather than retrying in place if the
// forged leaf was already applied. Production deployments back the store
// with real transactional storage so a failed session can abort cleanly.
func (m *Manager) applyTransition(t StateTransition) error {
	switch t.Kind {
	case TransitionCreate:
		if t.Up == nil {
			return &types.InvariantViolation{Detail: "TransitionCreate with nil Up record"}
		}
		if _, err := m.store.Get(t.Up.Address()); err == nil {
			break // already applied
		}
		if err := m.store.Create(t.Up); err != nil {
			return err
		}
		if t.Up.Id.Id.Kind == types.KindTemplate && m.onTemplateChange != nil {
			m.onTemplateChange(TemplateChangeEvent{Address: t.Up.Id.Id, Kind: TemplateChangeAdd})
		}
	case TransitionDestroy:
		existing, err := m.store.Get(types.DeriveSubstateAddress(t.Down))
		if err == nil && existing.IsDown() {
			break // already applied
		}
		if err := m.store.Destroy(t.Down, t.DestroyedBy.ByBlock, t.DestroyedBy.ByTransaction, t.DestroyedBy.ByQc); err != nil {
			return err
		}
		if t.Down.Id.Kind == types.KindTemplate && m.onTemplateChange != nil {
			m.onTemplateChange(TemplateChangeEvent{Address: t.Down.Id, Kind: TemplateChangeDeprecate})
		}
	}
	return nil
}
