package txpool

import (
	"testing"

	"shardbft/internal/testutil"
	"shardbft/internal/types"
)

func wholeGroup() types.ShardGroup { return types.ShardGroup{Start: 0, End: types.NumPreshards} }

func TestAddIsIdempotentPerTransaction(t *testing.T) {
	p := NewPool(nil)
	tx := &types.Transaction{NetworkByte: 1}
	rec1, added1 := p.Add(tx)
	rec2, added2 := p.Add(tx)
	if !added1 || added2 {
		t.Fatalf("expected second Add to be a no-op, got added1=%v added2=%v", added1, added2)
	}
	if rec1 != rec2 {
		t.Fatalf("expected the same record returned")
	}
	if rec1.Stage != StageNew {
		t.Fatalf("expected StageNew, got %s", rec1.Stage)
	}
}

func TestStageProgression(t *testing.T) {
	p := NewPool(nil)
	tx := &types.Transaction{NetworkByte: 2}
	rec, _ := p.Add(tx)
	group := wholeGroup()

	p.OnPrepare(rec.TransactionId, group, types.DecisionCommit, "")
	if got, _ := p.Get(rec.TransactionId); got.Stage != StagePrepared {
		t.Fatalf("expected Prepared, got %s", got.Stage)
	}

	qc1 := types.Hash{1}
	p.OnLocalPrepare(rec.TransactionId, group, qc1)
	got, _ := p.Get(rec.TransactionId)
	if got.Stage != StageLocalPrepared {
		t.Fatalf("expected LocalPrepared, got %s", got.Stage)
	}
	if !got.ReadyForLocalAccept() {
		t.Fatalf("single-group transaction should be ready for LocalAccept once its own prepare_qc lands")
	}

	qc2 := types.Hash{2}
	p.OnLocalAccept(rec.TransactionId, group, qc2, types.DecisionCommit)
	got, _ = p.Get(rec.TransactionId)
	if got.Stage != StageLocalAccepted {
		t.Fatalf("expected LocalAccepted, got %s", got.Stage)
	}
	if !got.ReadyForAllAccept() {
		t.Fatalf("expected ready for AllAccept")
	}

	decision, ok := p.OnAllAccept(rec.TransactionId)
	if !ok || decision != types.DecisionCommit {
		t.Fatalf("expected unanimous commit, got %v ok=%v", decision, ok)
	}
}

func TestAllAcceptIsAbortIfAnyGroupAborted(t *testing.T) {
	p := NewPool(nil)
	tx := &types.Transaction{NetworkByte: 3}
	rec, _ := p.Add(tx)

	groupA := types.ShardGroup{Start: 0, End: 128}
	groupB := types.ShardGroup{Start: 128, End: 256}

	p.OnPrepare(rec.TransactionId, groupA, types.DecisionCommit, "")
	p.OnLocalPrepare(rec.TransactionId, groupA, types.Hash{1})
	p.OnForeignPrepareQc(rec.TransactionId, groupB, types.Hash{2}, nil)

	got, _ := p.Get(rec.TransactionId)
	if !got.Evidence.AllFullyPrepared() {
		t.Fatalf("expected both groups prepared")
	}

	p.OnLocalAccept(rec.TransactionId, groupA, types.Hash{3}, types.DecisionCommit)
	p.OnForeignAcceptQc(rec.TransactionId, groupB, types.Hash{4}, types.DecisionAbort)

	decision, ok := p.OnAllAccept(rec.TransactionId)
	if !ok {
		t.Fatalf("expected AllAccept to proceed")
	}
	if decision != types.DecisionAbort {
		t.Fatalf("expected abort since groupB voted abort, got %v", decision)
	}
}

func TestOnPrepareAbortSkipsRemainingStages(t *testing.T) {
	p := NewPool(nil)
	tx := &types.Transaction{NetworkByte: 4}
	rec, _ := p.Add(tx)
	p.OnPrepare(rec.TransactionId, wholeGroup(), types.DecisionAbort, types.AbortOneOrMoreInputsNotFound)
	got, _ := p.Get(rec.TransactionId)
	if got.Stage != StageAborted {
		t.Fatalf("expected Aborted, got %s", got.Stage)
	}
	if got.AbortReason != types.AbortOneOrMoreInputsNotFound {
		t.Fatalf("expected abort reason preserved, got %s", got.AbortReason)
	}
}

func TestDrainReadyOrdersByTransactionIdAndRespectsCaps(t *testing.T) {
	p := NewPool(nil)
	var ids []types.TransactionId
	for i := 0; i < 5; i++ {
		tx := testutil.DistinctTransaction()
		tx.Instructions = []types.Instruction{{Kind: types.InstrCreateAccount}}
		rec, _ := p.Add(tx)
		ids = append(ids, rec.TransactionId)
	}

	drained := p.DrainReady(0, 3, 1000)
	if len(drained) != 3 {
		t.Fatalf("expected cap of 3, got %d", len(drained))
	}
	for i := 1; i < len(drained); i++ {
		if drained[i-1].TransactionId.String() > drained[i].TransactionId.String() {
			t.Fatalf("expected ascending transaction_id order")
		}
	}
}

func TestDrainReadyExcludesOutOfEpochWindow(t *testing.T) {
	p := NewPool(nil)
	minEpoch := uint64(10)
	tx := &types.Transaction{NetworkByte: 9, MinEpoch: &minEpoch}
	p.Add(tx)

	drained := p.DrainReady(1, 10, 1000)
	if len(drained) != 0 {
		t.Fatalf("expected transaction below its min_epoch to be excluded, got %d", len(drained))
	}
	drained = p.DrainReady(10, 10, 1000)
	if len(drained) != 1 {
		t.Fatalf("expected transaction eligible at its min_epoch, got %d", len(drained))
	}
}

type recordingObserver struct {
	sizes       []int
	transitions []string
}

func (r *recordingObserver) SetPoolSize(n int)            { r.sizes = append(r.sizes, n) }
func (r *recordingObserver) IncStageTransition(s string) { r.transitions = append(r.transitions, s) }

func TestObserverReceivesStageTransitionsAndSize(t *testing.T) {
	p := NewPool(nil)
	obs := &recordingObserver{}
	p.SetObserver(obs)

	tx := &types.Transaction{NetworkByte: 1}
	rec, _ := p.Add(tx)
	p.OnPrepare(rec.TransactionId, wholeGroup(), types.DecisionCommit, "")

	if len(obs.sizes) == 0 || obs.sizes[0] != 1 {
		t.Fatalf("expected pool size recorded as 1 after Add, got %v", obs.sizes)
	}
	if len(obs.transitions) != 2 || obs.transitions[0] != "New" || obs.transitions[1] != "Prepared" {
		t.Fatalf("expected New then Prepared transitions recorded, got %v", obs.transitions)
	}

	p.Evict(rec.TransactionId)
	if obs.sizes[len(obs.sizes)-1] != 0 {
		t.Fatalf("expected pool size recorded as 0 after Evict, got %v", obs.sizes)
	}
}

func TestDrainReadyExcludesAbortedAndFinalised(t *testing.T) {
	p := NewPool(nil)
	tx1 := &types.Transaction{NetworkByte: 1}
	rec1, _ := p.Add(tx1)
	p.OnPrepare(rec1.TransactionId, wholeGroup(), types.DecisionAbort, types.AbortExecutionFailure)

	tx2 := &types.Transaction{NetworkByte: 2}
	p.Add(tx2)

	drained := p.DrainReady(0, 10, 1000)
	if len(drained) != 1 {
		t.Fatalf("expected the aborted transaction excluded, got %d", len(drained))
	}
}
