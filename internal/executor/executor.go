// Package executor implements the transaction executor of spec.md §4.3: it
// resolves a transaction's declared inputs, invokes the WASM engine, locks
// the resulting read/write/output set, and emits a TransactionExecution
// record for the local pool and the block change set.
//
// It is invoked both by the leader (pre-executing Prepare commands while
// forming a proposal) and by every replica (re-executing to cross-check a
// received proposal), mirroring the dual caller pattern the teacher's
// core/vm_sandbox_management.go exposes to both the VM and the consensus
// engine.
package executor

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"shardbft/internal/substate"
	"shardbft/internal/template"
	"shardbft/internal/types"
	"shardbft/internal/wasmengine"
)

// TransactionExecution is the causal-order-3 output record merged into the
// proposed block change set (spec.md §4.3 step 5).
type TransactionExecution struct {
	TransactionId    types.TransactionId
	ResolvedInputs   []types.VersionedSubstateId
	ResultingOutputs []types.VersionedSubstateId
	Decision         types.Decision
	AbortReason      types.AbortReason
	Diff             wasmengine.SubstateDiff
	FeeReceipt       wasmengine.FeeReceipt
	IsMultishard     bool
	// Partial is set when this record is multishard preparation without
	// execution (spec.md §4.3 "Multishard preparation without execution"):
	// local inputs/outputs are known but foreign pledges are still pending.
	Partial bool
}

// ModuleLoader resolves a template address to its loaded module, the one
// collaborator the executor needs from the template manager — kept as a
// function type so tests can stub it without constructing a full Manager.
type ModuleLoader func(addr types.SubstateId) (*template.LoadedModule, error)

// WasmEngine is the subset of *wasmengine.Engine the executor calls,
// narrowed to an interface so tests can substitute a deterministic stub
// instead of compiling real WASM bytes.
type WasmEngine interface {
	Execute(code []byte, tx *types.Transaction, epoch uint64, inputs []wasmengine.ResolvedInput) (*wasmengine.ExecuteResult, error)
}

// Executor wires the substate store, the template manager and the WASM
// engine into the single-transaction pipeline of spec.md §4.3.
type Executor struct {
	store         substate.Store
	loadModule    ModuleLoader
	engine        WasmEngine
	numCommittees uint32
	lg            *logrus.Entry
}

func New(store substate.Store, loadModule ModuleLoader, engine WasmEngine, numCommittees uint32, lg *logrus.Logger) *Executor {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &Executor{
		store:         store,
		loadModule:    loadModule,
		engine:        engine,
		numCommittees: numCommittees,
		lg:            lg.WithField("component", "executor"),
	}
}

// localGroupOf maps a substate address to the shard group of the committee
// running this executor instance, via the pure ShardGroupOf function.
func (e *Executor) localGroupOf(s types.Shard) types.ShardGroup {
	return types.ShardGroupOf(s, e.numCommittees)
}

func (e *Executor) isLocal(myGroup types.ShardGroup, addr types.SubstateAddress) bool {
	return myGroup.Contains(addr.Shard()) || addr.Shard().IsGlobal()
}

// resolved is one input after resolution, carrying whether it was found
// locally or is still a foreign placeholder.
type resolved struct {
	req     types.SubstateRequirement
	rec     *types.SubstateRecord // nil if non-local (foreign, unresolved here)
	isLocal bool
}

// resolveInputs partitions tx.Inputs into local/non-local and fetches each
// local one from the store (spec.md §4.3 step 1).
func (e *Executor) resolveInputs(myGroup types.ShardGroup, tx *types.Transaction) ([]resolved, error) {
	out := make([]resolved, 0, len(tx.Inputs))
	for _, req := range tx.Inputs {
		var probe types.SubstateAddress
		if req.Version != nil {
			probe = types.DeriveSubstateAddress(types.VersionedSubstateId{Id: req.Id, Version: *req.Version})
		} else {
			// Shard placement does not depend on version, so any version's
			// derived address picks the correct shard for locality.
			probe = types.DeriveSubstateAddress(types.VersionedSubstateId{Id: req.Id, Version: 0})
		}
		if !e.isLocal(myGroup, probe) {
			out = append(out, resolved{req: req, isLocal: false})
			continue
		}

		var rec *types.SubstateRecord
		var err error
		if req.Version != nil {
			rec, err = e.store.Get(types.DeriveSubstateAddress(types.VersionedSubstateId{Id: req.Id, Version: *req.Version}))
		} else {
			rec, err = e.store.GetLatest(req.Id)
		}
		if err != nil {
			out = append(out, resolved{req: req, isLocal: true, rec: nil})
			continue
		}
		out = append(out, resolved{req: req, isLocal: true, rec: rec})
	}
	return out, nil
}

// isLocalOnly classifies a transaction as local-only iff every resolved
// input maps into myGroup (spec.md §4.3 step 2). Outputs are not considered:
// a transaction whose inputs are all local is local-only wherever its
// outputs land.
func isLocalOnly(resolvedInputs []resolved) bool {
	for _, r := range resolvedInputs {
		if !r.isLocal {
			return false
		}
	}
	return true
}

// Execute runs the full pipeline for one transaction against the declared
// blockID (used to scope the acquired locks) and the committee's current
// shard group, returning the TransactionExecution to merge into the
// proposed block change set.
func (e *Executor) Execute(myGroup types.ShardGroup, blockID types.Hash, epoch uint64, tx *types.Transaction) (*TransactionExecution, error) {
	txID := tx.Id()
	rr, err := e.resolveInputs(myGroup, tx)
	if err != nil {
		return nil, err
	}

	localOnly := isLocalOnly(rr)

	// Early-abort: a local-only transaction with any unresolved local input
	// aborts immediately, no execution (spec.md §4.3 "Early-abort").
	if localOnly {
		for _, r := range rr {
			if r.rec == nil {
				return &TransactionExecution{
					TransactionId: txID,
					Decision:      types.DecisionAbort,
					AbortReason:   types.AbortOneOrMoreInputsNotFound,
				}, nil
			}
		}
	}

	// Multishard preparation without execution: any non-local input defers
	// execution until foreign pledges arrive.
	if !localOnly {
		return e.prepareMultishard(myGroup, rr), nil
	}

	return e.executeLocalOnly(myGroup, blockID, epoch, tx, rr)
}

// prepareMultishard builds a partial TransactionExecution carrying local
// inputs/outputs only; the executor is invoked again once the remaining
// shard groups' pledges are merged in (spec.md §4.3 "Multishard preparation
// without execution").
func (e *Executor) prepareMultishard(myGroup types.ShardGroup, rr []resolved) *TransactionExecution {
	out := &TransactionExecution{
		IsMultishard: true,
		Partial:      true,
	}
	for _, r := range rr {
		if !r.isLocal || r.rec == nil {
			continue
		}
		out.ResolvedInputs = append(out.ResolvedInputs, r.rec.Id)
	}
	sort.Slice(out.ResolvedInputs, func(i, j int) bool {
		return out.ResolvedInputs[i].String() < out.ResolvedInputs[j].String()
	})
	return out
}

// executeLocalOnly runs steps 3-5 of spec.md §4.3 for a transaction whose
// every input resolved locally: execute, lock, emit.
func (e *Executor) executeLocalOnly(myGroup types.ShardGroup, blockID types.Hash, epoch uint64, tx *types.Transaction, rr []resolved) (*TransactionExecution, error) {
	txID := tx.Id()

	inputs := make([]wasmengine.ResolvedInput, 0, len(rr))
	resolvedIds := make([]types.VersionedSubstateId, 0, len(rr))
	for _, r := range rr {
		inputs = append(inputs, wasmengine.ResolvedInput{
			Id:      r.rec.Id,
			Value:   r.rec.Value,
			IsWrite: !r.req.Id.IsReadOnly(),
		})
		resolvedIds = append(resolvedIds, r.rec.Id)
	}
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].Id.String() < inputs[j].Id.String() })
	sort.Slice(resolvedIds, func(i, j int) bool { return resolvedIds[i].String() < resolvedIds[j].String() })

	result, err := e.runWithFeeCheckpoint(tx, epoch, inputs)
	if err != nil {
		return nil, err
	}

	record := &TransactionExecution{
		TransactionId:  txID,
		ResolvedInputs: resolvedIds,
		Diff:           result.Diff,
		FeeReceipt:     result.FeeReceipt,
	}

	if result.Finalize == wasmengine.FinalizeReject {
		record.Decision = types.DecisionAbort
		record.AbortReason = types.AbortExecutionFailure
		return record, nil
	}

	locks := make([]substate.LockRequest, 0, len(rr)+len(result.Diff.Up))
	for _, r := range rr {
		kind := types.LockWrite
		if r.req.Id.IsReadOnly() {
			kind = types.LockRead
		}
		locks = append(locks, substate.LockRequest{Id: r.req.Id, Kind: kind})
	}
	outputs := make([]types.VersionedSubstateId, 0, len(result.Diff.Up))
	for _, up := range result.Diff.Up {
		locks = append(locks, substate.LockRequest{Id: up.Id.Id, Kind: types.LockOutput})
		outputs = append(outputs, up.Id)
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].Id.String() < locks[j].Id.String() })
	sort.Slice(outputs, func(i, j int) bool { return outputs[i].String() < outputs[j].String() })

	if err := e.store.LockAll(blockID, locks); err != nil {
		record.Decision = types.DecisionAbort
		record.AbortReason = types.AbortFailedToLockInputs
		record.Diff = wasmengine.SubstateDiff{}
		return record, nil
	}

	record.Decision = types.DecisionCommit
	record.ResultingOutputs = outputs
	return record, nil
}

// runWithFeeCheckpoint runs tx.FeeInstructions first, then the main
// instructions; on main-instruction rejection the fee charge is the only
// effect reported (spec.md §4.3 "Fees").
func (e *Executor) runWithFeeCheckpoint(tx *types.Transaction, epoch uint64, inputs []wasmengine.ResolvedInput) (*wasmengine.ExecuteResult, error) {
	code, err := e.loadEntrypointCode(tx)
	if err != nil {
		return nil, err
	}

	feeResult, err := e.engine.Execute(code, tx, epoch, inputs)
	if err != nil {
		return nil, fmt.Errorf("fee checkpoint: %w", err)
	}
	if feeResult.Finalize == wasmengine.FinalizeReject {
		return &wasmengine.ExecuteResult{
			Finalize:     wasmengine.FinalizeAccept,
			FeeReceipt:   feeResult.FeeReceipt,
			ExecutionTime: feeResult.ExecutionTime,
		}, nil
	}

	mainResult, err := e.engine.Execute(code, tx, epoch, inputs)
	if err != nil {
		return nil, fmt.Errorf("execution: %w", err)
	}
	if mainResult.Finalize == wasmengine.FinalizeReject {
		// Fee checkpoint restored: report Accept(empty_diff) with only the
		// fee charge applied (spec.md §4.3 "Fees").
		return &wasmengine.ExecuteResult{
			Finalize:      wasmengine.FinalizeAccept,
			FeeReceipt:    feeResult.FeeReceipt,
			ExecutionTime: feeResult.ExecutionTime + mainResult.ExecutionTime,
		}, nil
	}
	mainResult.FeeReceipt = feeResult.FeeReceipt
	return mainResult, nil
}

// loadEntrypointCode resolves the first CallFunction/CallMethod
// instruction's template address to its loaded WASM bytes. A transaction
// touching more than one template in a single call is out of scope for
// this reference executor (spec.md §1 names template composition as an
// external template-runtime concern, not core's).
func (e *Executor) loadEntrypointCode(tx *types.Transaction) ([]byte, error) {
	for _, ins := range tx.Instructions {
		var addr types.SubstateId
		switch ins.Kind {
		case types.InstrCallFunction:
			addr = ins.TemplateAddress
		case types.InstrCallMethod:
			addr = ins.ComponentAddress
		default:
			continue
		}
		mod, err := e.loadModule(addr)
		if err != nil {
			return nil, err
		}
		return mod.Bytes, nil
	}
	return nil, &types.ExecutionReject{Kind: types.ExecExecutionFailure, Message: "transaction has no callable instruction"}
}
