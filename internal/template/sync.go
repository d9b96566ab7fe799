package template

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"shardbft/internal/types"
)

// SyncConfig bounds the retry/backoff budget of template_sync_task
// (spec.md §4.2, SPEC_FULL.md "Supplemented features": explicit
// MaxRounds/RoundTimeout rather than an unbounded retry loop).
type SyncConfig struct {
	MaxRounds    int
	RoundTimeout time.Duration
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{MaxRounds: 8, RoundTimeout: 10 * time.Second}
}

// SyncTask drives template_sync_task: for each pending address, pick a
// random peer from the committee owning it in the current epoch, fetch and
// verify its binary, and retry against another peer on failure until the
// round budget is exhausted.
type SyncTask struct {
	mgr     *Manager
	picker  CommitteePicker
	fetcher Fetcher
	cfg     SyncConfig
	lg      *logrus.Entry
	rng     *rand.Rand
}

func NewSyncTask(mgr *Manager, picker CommitteePicker, fetcher Fetcher, cfg SyncConfig, lg *logrus.Logger) *SyncTask {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &SyncTask{
		mgr:     mgr,
		picker:  picker,
		fetcher: fetcher,
		cfg:     cfg,
		lg:      lg.WithField("component", "template_sync"),
		rng:     rand.New(rand.NewSource(1)),
	}
}

// Run resolves every currently pending template address, retrying until all
// resolve or MaxRounds is exhausted. It returns the addresses still
// unresolved (empty on full success).
func (t *SyncTask) Run(ctx context.Context, epoch uint64) ([]types.SubstateId, error) {
	pending := t.mgr.PendingAddresses()
	remaining := make(map[types.SubstateId]bool, len(pending))
	for _, a := range pending {
		remaining[a] = true
	}

	for round := 0; round < t.cfg.MaxRounds && len(remaining) > 0; round++ {
		for addr := range remaining {
			if t.resolveOne(ctx, epoch, addr) {
				delete(remaining, addr)
			}
		}
	}

	out := make([]types.SubstateId, 0, len(remaining))
	for a := range remaining {
		out = append(out, a)
	}
	return out, nil
}

// resolveOne tries every peer the committee picker names for addr, in
// random order, never exceeding one attempt per peer per call. It returns
// true iff the template ended Active.
func (t *SyncTask) resolveOne(ctx context.Context, epoch uint64, addr types.SubstateId) bool {
	peers := t.picker.PeersForAddress(epoch, addr)
	if len(peers) == 0 {
		t.lg.WithField("template", addr).Warn("no sync validators available")
		return false
	}
	order := t.rng.Perm(len(peers))

	rec, ok := t.mgr.recordFor(addr)
	if !ok {
		return false
	}

	for _, idx := range order {
		peer := peers[idx]
		roundCtx, cancel := context.WithTimeout(ctx, t.cfg.RoundTimeout)
		binary, typ, err := t.fetcher.FetchTemplate(roundCtx, peer, addr)
		cancel()
		if err != nil {
			t.lg.WithFields(logrus.Fields{"template": addr, "peer": peer}).WithError(err).Debug("fetch failed, rotating peer")
			continue
		}
		if typ != rec.Type {
			continue
		}
		if types.HashBytes(binary) != rec.BinaryHash {
			// Strict hash verification (SPEC_FULL.md open question #1):
			// the downloaded binary is marked Invalid, never Active.
			t.mgr.markVerified(addr, nil, false)
			t.lg.WithField("template", addr).Warn("binary hash mismatch, marking invalid")
			return false
		}
		t.mgr.markVerified(addr, binary, true)
		return true
	}
	return false
}
