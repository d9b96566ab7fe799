package rpcserver

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"shardbft/internal/substate"
	"shardbft/internal/syncsvc"
	"shardbft/internal/template"
	"shardbft/internal/txpool"
	"shardbft/internal/types"
)

func jsonBody(b []byte) io.Reader { return bytes.NewReader(b) }
func itoa(i int) string           { return strconv.Itoa(i) }
func hexRef(ref [32]byte) string  { return hex.EncodeToString(ref[:]) }

type stubHighQc struct{ qc types.QuorumCertificate }

func (s *stubHighQc) HighQC() types.QuorumCertificate { return s.qc }

type stubCheckpoints struct{ byEpoch map[uint64]*types.EpochCheckpoint }

func (s *stubCheckpoints) Checkpoint(epoch uint64) (*types.EpochCheckpoint, bool) {
	cp, ok := s.byEpoch[epoch]
	return cp, ok
}

type stubBlocks struct{ blocks []*types.Block }

func (s *stubBlocks) BlocksAfter(height uint64, max int) []*types.Block {
	var out []*types.Block
	for _, b := range s.blocks {
		if b.Height > height {
			out = append(out, b)
		}
	}
	return out
}

type stubStates struct{ transitions []syncsvc.StateTransition }

func (s *stubStates) TransitionsAfter(shard types.Shard, after syncsvc.StateTransitionId, currentEpoch uint64, max int) ([]syncsvc.StateTransition, bool) {
	return s.transitions, false
}

func newTestServer(t *testing.T) (*Server, *txpool.Pool, substate.Store) {
	t.Helper()
	pool := txpool.NewPool(nil)
	store := substate.NewMemStore(nil)
	deps := Deps{
		Pool:        pool,
		Results:     pool,
		Substates:   store,
		Consensus:   &stubHighQc{},
		Checkpoints: &stubCheckpoints{byEpoch: map[uint64]*types.EpochCheckpoint{}},
		Blocks:      &stubBlocks{},
		States:      &stubStates{},
		Templates:   template.NewManager(nil, 1<<20),
	}
	return New(deps, 1000, 1000, nil), pool, store
}

func TestSubmitTransactionAddsToPool(t *testing.T) {
	srv, pool, _ := newTestServer(t)
	body, _ := json.Marshal(&types.Transaction{NetworkByte: 1})
	req := httptest.NewRequest(http.MethodPost, "/transactions", jsonBody(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		TransactionId types.TransactionId `json:"transaction_id"`
		Added         bool                `json:"added"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Added {
		t.Fatalf("expected transaction added")
	}
	if _, ok := pool.Get(resp.TransactionId); !ok {
		t.Fatalf("expected transaction present in pool")
	}
}

func TestGetSubstateLatestReturnsStoredRecord(t *testing.T) {
	srv, _, store := newTestServer(t)
	var addr types.SubstateId
	addr.Kind = types.KindComponent
	addr.Ref[0] = 3
	if err := store.Create(&types.SubstateRecord{Id: types.VersionedSubstateId{Id: addr, Version: 0}, Value: types.SubstateValue("v")}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	path := "/substates/" + itoa(int(addr.Kind)) + "/" + hexRef(addr.Ref) + "/latest"
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetHighQcReturnsEngineState(t *testing.T) {
	qc := types.QuorumCertificate{BlockId: types.Hash{9}, Epoch: 4}
	pool := txpool.NewPool(nil)
	store := substate.NewMemStore(nil)
	deps := Deps{
		Pool:        pool,
		Results:     pool,
		Substates:   store,
		Consensus:   &stubHighQc{qc: qc},
		Checkpoints: &stubCheckpoints{byEpoch: map[uint64]*types.EpochCheckpoint{}},
		Blocks:      &stubBlocks{},
		States:      &stubStates{},
		Templates:   template.NewManager(nil, 1<<20),
	}
	srv := New(deps, 1000, 1000, nil)

	req := httptest.NewRequest(http.MethodGet, "/consensus/high-qc", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	var got types.QuorumCertificate
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.BlockId != qc.BlockId || got.Epoch != qc.Epoch {
		t.Fatalf("expected high qc echoed back, got %+v", got)
	}
}

func TestCheckpointNotFoundReturns404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/checkpoints/5", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
