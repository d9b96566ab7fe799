package hotstuff

import (
	"testing"
	"time"

	"shardbft/internal/consensus/changeset"
	"shardbft/internal/executor"
	"shardbft/internal/substate"
	"shardbft/internal/template"
	"shardbft/internal/txpool"
	"shardbft/internal/types"
	"shardbft/internal/wasmengine"
)

type stubWasmEngine struct {
	result *wasmengine.ExecuteResult
}

func (s *stubWasmEngine) Execute(code []byte, tx *types.Transaction, epoch uint64, inputs []wasmengine.ResolvedInput) (*wasmengine.ExecuteResult, error) {
	return s.result, nil
}

func noopLoader(addr types.SubstateId) (*template.LoadedModule, error) {
	return &template.LoadedModule{Address: addr, Type: template.TypeWasm, Bytes: []byte("x")}, nil
}

func newCommittee(n int) *Committee {
	members := make([][]byte, n)
	for i := range members {
		members[i] = []byte{byte('a' + i)}
	}
	return NewCommittee(members)
}

func wholeGroup() types.ShardGroup { return types.ShardGroup{Start: 0, End: types.NumPreshards} }

func newTestEngine(t *testing.T, n int, finalize wasmengine.FinalizeKind) (*Engine, *txpool.Pool, substate.Store) {
	t.Helper()
	committee := newCommittee(n)
	pool := txpool.NewPool(nil)
	store := substate.NewMemStore(nil)
	eng := &stubWasmEngine{result: &wasmengine.ExecuteResult{Finalize: finalize}}
	exec := executor.New(store, noopLoader, eng, 1, nil)
	cfg := Config{
		LocalGroup:    wholeGroup(),
		Committee:     committee,
		MaxMisses:     3,
		PacemakerBase: 50 * time.Millisecond,
		PacemakerMax:  time.Second,
		MaxCommands:   10,
		MaxFeeWeight:  1000,
	}
	e := New(cfg, pool, store, exec, nil)
	return e, pool, store
}

func callInstruction() types.Instruction {
	return types.Instruction{Kind: types.InstrCallFunction, TemplateAddress: types.SubstateId{Kind: types.KindTemplate}}
}

type recordingObserver struct {
	misses  int
	evicted int
}

func (r *recordingObserver) IncLeaderMiss()       { r.misses++ }
func (r *recordingObserver) IncValidatorEvicted() { r.evicted++ }

type recordingEvictionSink struct {
	proofs []EvictionProof
}

func (r *recordingEvictionSink) WriteEvictionProof(p EvictionProof) error {
	r.proofs = append(r.proofs, p)
	return nil
}

func TestOnTimeoutReportsMissAndEvictionToObserver(t *testing.T) {
	// A single-member committee keeps the same leader across every view so
	// its consecutive-miss count (and eventual eviction) can be observed
	// without round-robin rotating misses across different validators.
	committee := newCommittee(1)
	pool := txpool.NewPool(nil)
	store := substate.NewMemStore(nil)
	eng := &stubWasmEngine{}
	exec := executor.New(store, noopLoader, eng, 1, nil)
	obs := &recordingObserver{}
	cfg := Config{
		LocalGroup:    wholeGroup(),
		Committee:     committee,
		MaxMisses:     2,
		PacemakerBase: 50 * time.Millisecond,
		PacemakerMax:  time.Second,
		MaxCommands:   10,
		MaxFeeWeight:  1000,
		Observer:      obs,
	}
	e := New(cfg, pool, store, exec, nil)

	e.onTimeout()
	if obs.misses != 1 || obs.evicted != 0 {
		t.Fatalf("expected one miss and no eviction yet, got misses=%d evicted=%d", obs.misses, obs.evicted)
	}
	e.onTimeout()
	if obs.misses != 2 || obs.evicted != 1 {
		t.Fatalf("expected leader evicted on crossing max_misses, got misses=%d evicted=%d", obs.misses, obs.evicted)
	}
	if e.View() != 2 {
		t.Fatalf("expected view to advance twice, got %d", e.View())
	}
}

func TestLeaderForViewRoundRobinsOverSortedCommittee(t *testing.T) {
	c := NewCommittee([][]byte{[]byte("c"), []byte("a"), []byte("b")})
	if string(c.LeaderForView(0)) != "a" {
		t.Fatalf("expected sorted leader 'a' at view 0, got %q", c.LeaderForView(0))
	}
	if string(c.LeaderForView(1)) != "b" {
		t.Fatalf("expected 'b' at view 1, got %q", c.LeaderForView(1))
	}
	if string(c.LeaderForView(3)) != "a" {
		t.Fatalf("expected rotation to wrap back to 'a' at view 3, got %q", c.LeaderForView(3))
	}
}

func TestThresholdIsTwoFPlusOne(t *testing.T) {
	c := newCommittee(4) // f=1, threshold = 2*1+1 = 3
	if got := c.Threshold(); got != 3 {
		t.Fatalf("expected threshold 3 for committee of 4, got %d", got)
	}
}

func TestFormProposalIncludesPrepareCommandForNewRecord(t *testing.T) {
	e, pool, _ := newTestEngine(t, 4, wasmengine.FinalizeAccept)

	tx := &types.Transaction{NetworkByte: 1, Instructions: []types.Instruction{callInstruction()}}
	pool.Add(tx)

	block, cs, err := e.FormProposal(e.CurrentLeader(), nil)
	if err != nil {
		t.Fatalf("form proposal: %v", err)
	}
	if len(block.Commands) != 1 || block.Commands[0].Kind != types.CmdPrepare {
		t.Fatalf("expected one Prepare command, got %+v", block.Commands)
	}
	if cs.TxChanges[tx.Id()] == nil {
		t.Fatalf("expected transaction change staged for prepared transaction")
	}
}

func TestFormProposalFormsDummyBlockWhenNothingToPropose(t *testing.T) {
	e, _, _ := newTestEngine(t, 4, wasmengine.FinalizeAccept)
	block, _, err := e.FormProposal(e.CurrentLeader(), nil)
	if err != nil {
		t.Fatalf("form proposal: %v", err)
	}
	if !block.IsDummy {
		t.Fatalf("expected a dummy block to keep the view advancing, got %+v", block)
	}
	if !block.IsValidEmptyBlock() {
		t.Fatalf("expected dummy block to satisfy IsValidEmptyBlock")
	}
}

func TestAddVoteFormsQcAtThreshold(t *testing.T) {
	e, _, _ := newTestEngine(t, 4, wasmengine.FinalizeAccept) // threshold = 3
	blockID := types.Hash{7}
	committee := e.committee.members

	for i := 0; i < 2; i++ {
		_, done, err := e.AddVote(Vote{BlockId: blockID, Epoch: 0, Decision: types.DecisionCommit, Signer: types.Signature{PubKey: committee[i]}})
		if err != nil {
			t.Fatalf("add vote %d: %v", i, err)
		}
		if done {
			t.Fatalf("expected no QC before threshold, got one after %d votes", i+1)
		}
	}
	qc, done, err := e.AddVote(Vote{BlockId: blockID, Epoch: 0, Decision: types.DecisionCommit, Signer: types.Signature{PubKey: committee[2]}})
	if err != nil {
		t.Fatalf("add vote: %v", err)
	}
	if !done || qc.BlockId != blockID || len(qc.Signatures) != 3 {
		t.Fatalf("expected a 3-signature QC once threshold is reached, got done=%v qc=%+v", done, qc)
	}
}

func TestAddVoteRejectsNonMember(t *testing.T) {
	e, _, _ := newTestEngine(t, 4, wasmengine.FinalizeAccept)
	_, _, err := e.AddVote(Vote{BlockId: types.Hash{1}, Signer: types.Signature{PubKey: []byte("not-a-member")}})
	if err == nil {
		t.Fatalf("expected error voting from outside the committee")
	}
}

func TestOnTimeoutQueuesEvictNodeCommandOnceThresholdCrossed(t *testing.T) {
	committee := newCommittee(1)
	pool := txpool.NewPool(nil)
	store := substate.NewMemStore(nil)
	eng := &stubWasmEngine{}
	exec := executor.New(store, noopLoader, eng, 1, nil)
	cfg := Config{
		LocalGroup:    wholeGroup(),
		Committee:     committee,
		MaxMisses:     1,
		PacemakerBase: 50 * time.Millisecond,
		PacemakerMax:  time.Second,
		MaxCommands:   10,
		MaxFeeWeight:  1000,
	}
	e := New(cfg, pool, store, exec, nil)

	e.onTimeout()
	block, _, err := e.FormProposal(e.CurrentLeader(), nil)
	if err != nil {
		t.Fatalf("form proposal: %v", err)
	}
	found := false
	for _, cmd := range block.Commands {
		if cmd.Kind == types.CmdEvictNode {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an EvictNode command once the leader crossed max_misses, got %+v", block.Commands)
	}
}

func TestValidateProposalRejectsWrongProposer(t *testing.T) {
	e, _, _ := newTestEngine(t, 4, wasmengine.FinalizeAccept)
	block := &types.Block{
		Epoch:    0,
		Proposer: []byte("not-the-leader"),
		Commands: []types.Command{{Kind: types.CmdEvictNode, EvictPubKey: []byte("x")}},
	}
	err := e.ValidateProposal(block, 0)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	cve, ok := err.(*types.ConsensusValidationError)
	if !ok || cve.Kind != types.CVProposerIsNotLeader {
		t.Fatalf("expected ProposerIsNotLeader, got %v", err)
	}
}

func TestValidateProposalAcceptsLeaderAtCurrentEpoch(t *testing.T) {
	e, _, _ := newTestEngine(t, 4, wasmengine.FinalizeAccept)
	block := &types.Block{
		Epoch:    0,
		Proposer: e.CurrentLeader(),
		Commands: []types.Command{{Kind: types.CmdEvictNode, EvictPubKey: []byte("x")}},
	}
	if err := e.ValidateProposal(block, 0); err != nil {
		t.Fatalf("expected valid proposal, got %v", err)
	}
}

func TestOnNewQCAppliesTwoRoundCommitRule(t *testing.T) {
	e, _, _ := newTestEngine(t, 4, wasmengine.FinalizeAccept)

	genesis := &types.Block{Height: 0, Commands: []types.Command{{Kind: types.CmdEvictNode, EvictPubKey: []byte("g")}}}
	genesisID := genesis.Id()
	e.RecordBlock(genesis)

	b1 := &types.Block{Height: 1, ParentId: genesisID, Commands: []types.Command{{Kind: types.CmdEvictNode, EvictPubKey: []byte("1")}}}
	b1ID := b1.Id()
	e.RecordBlock(b1)

	b2 := &types.Block{Height: 2, ParentId: b1ID, Commands: []types.Command{{Kind: types.CmdEvictNode, EvictPubKey: []byte("2")}}}
	b2ID := b2.Id()
	e.RecordBlock(b2)

	b3 := &types.Block{Height: 3, ParentId: b2ID, Commands: []types.Command{{Kind: types.CmdEvictNode, EvictPubKey: []byte("3")}}}
	b3ID := b3.Id()
	e.RecordBlock(b3)

	qcOnB3 := types.QuorumCertificate{BlockId: b3ID, Epoch: 0, Decision: types.DecisionCommit}
	committedID, committed := e.OnNewQC(qcOnB3)
	if !committed {
		t.Fatalf("expected b1 to commit once a QC on its grandchild (b3) lands")
	}
	if committedID != b1ID {
		t.Fatalf("expected b1 committed, got %s", committedID)
	}
}

func TestCommitWritesEvictionProofForEvictNodeCommand(t *testing.T) {
	committee := newCommittee(4)
	pool := txpool.NewPool(nil)
	store := substate.NewMemStore(nil)
	eng := &stubWasmEngine{}
	exec := executor.New(store, noopLoader, eng, 1, nil)
	sink := &recordingEvictionSink{}
	cfg := Config{
		LocalGroup:    wholeGroup(),
		Committee:     committee,
		MaxMisses:     3,
		PacemakerBase: 50 * time.Millisecond,
		PacemakerMax:  time.Second,
		MaxCommands:   10,
		MaxFeeWeight:  1000,
		EvictionSink:  sink,
	}
	e := New(cfg, pool, store, exec, nil)

	evicted := []byte("culprit")
	block := &types.Block{Height: 0, Commands: []types.Command{{Kind: types.CmdEvictNode, EvictPubKey: evicted}}}
	blockID := block.Id()
	e.RecordBlock(block)
	e.mu.Lock()
	e.changesets[blockID] = changeset.New(blockID, changeset.DefaultLimits())
	e.mu.Unlock()

	qc := types.QuorumCertificate{BlockId: blockID, Decision: types.DecisionCommit}
	if err := e.Commit(blockID, qc); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(sink.proofs) != 1 || string(sink.proofs[0].ValidatorPubKey) != string(evicted) || sink.proofs[0].Qc.BlockId != blockID {
		t.Fatalf("expected one eviction proof for %q, got %+v", evicted, sink.proofs)
	}
}

func TestCommitPersistsStagedChangeSetAndEvictsFromPool(t *testing.T) {
	e, pool, store := newTestEngine(t, 4, wasmengine.FinalizeAccept)

	var addr types.SubstateId
	addr.Kind = types.KindComponent
	addr.Ref[0] = 9
	poolRec, _ := pool.Add(&types.Transaction{NetworkByte: 1})
	txID := poolRec.TransactionId

	block := &types.Block{Height: 0, Commands: []types.Command{
		{Kind: types.CmdAllAccept, Atom: &types.Atom{TransactionId: txID, Decision: types.DecisionCommit}},
	}}
	blockID := block.Id()
	e.RecordBlock(block)

	staged := changeset.New(blockID, changeset.DefaultLimits())
	substateRec := &types.SubstateRecord{Id: types.VersionedSubstateId{Id: addr, Version: 0}, Value: types.SubstateValue("v")}
	if err := staged.AddSubstateChange(substateRec); err != nil {
		t.Fatalf("stage: %v", err)
	}
	e.mu.Lock()
	e.changesets[blockID] = staged
	e.mu.Unlock()

	if err := e.Commit(blockID, types.QuorumCertificate{}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := store.GetLatest(addr); err != nil {
		t.Fatalf("expected substate persisted after commit: %v", err)
	}
	if _, ok := pool.Get(txID); ok {
		t.Fatalf("expected AllAccept transaction evicted from pool after commit")
	}
}
