// Package wasmengine adapts the wasmer-go WASM runtime to the
// call-into-module primitive spec.md §1 names as an external collaborator:
// given a transaction, the current epoch, and its resolved inputs, run the
// template's compiled module and report a substate diff or a reject.
//
// The host-function bindings (fuel metering and resolved-input reads) are
// grounded on the teacher's HeavyVM in core/virtual_machine.go, generalised
// from its single-contract-call ABI to the (transaction, epoch, resolved
// inputs) -> ExecuteResult contract of spec.md §4.3.
package wasmengine

import (
	"errors"
	"fmt"
	"time"

	"github.com/wasmerio/wasmer-go/wasmer"
	"golang.org/x/time/rate"

	"shardbft/internal/types"
)

// FinalizeKind distinguishes an accepted execution (with a substate diff)
// from a rejected one.
type FinalizeKind uint8

const (
	FinalizeAccept FinalizeKind = iota
	FinalizeReject
)

// SubstateDiff is the set of substates an execution reads, writes and
// creates. Keys are kept as slices, not maps, so iteration for hashing and
// logging is deterministic (spec.md §9).
type SubstateDiff struct {
	Up   []types.SubstateRecord
	Down []types.VersionedSubstateId
}

// FeeReceipt records fee accounting for one execution.
type FeeReceipt struct {
	FeePaid      uint64
	FeeRequired  uint64
}

// ExecuteResult is the WASM engine's output contract (spec.md §4.3).
type ExecuteResult struct {
	Finalize      FinalizeKind
	Diff          SubstateDiff
	RejectReason  string
	FeeReceipt    FeeReceipt
	ExecutionTime time.Duration
}

// ResolvedInput is one input substate already fetched by the executor,
// handed to the engine by value so the call has no store access of its own
// (spec.md §4.3 step 3).
type ResolvedInput struct {
	Id      types.VersionedSubstateId
	Value   types.SubstateValue
	IsWrite bool
}

// DefaultFuelLimit bounds the WASM instruction count for a single execution
// (spec.md §4.3 "per-execution instruction-count fuel limit").
const DefaultFuelLimit = 10_000_000

// Engine wraps a wasmer.Engine and the per-call admission limiter the
// teacher's core/virtual_machine.go imports golang.org/x/time/rate for.
type Engine struct {
	engine  *wasmer.Engine
	limiter *rate.Limiter
}

// NewEngine constructs an Engine with an admission limiter bounding the rate
// of WASM invocations (a complement, not a substitute, for the
// instruction-count fuel limit of §4.3).
func NewEngine(callsPerSecond float64, burst int) *Engine {
	return &Engine{
		engine:  wasmer.NewEngine(),
		limiter: rate.NewLimiter(rate.Limit(callsPerSecond), burst),
	}
}

// hostCtx is the state threaded through host-function callbacks during one
// module call, mirroring the teacher's hostCtx.
type hostCtx struct {
	mem       *wasmer.Memory
	inputs    []ResolvedInput
	fuelUsed  uint64
	fuelLimit uint64
	idSeed    types.Hash
	diff      SubstateDiff
	rejected  bool
	reject    string
}

// Execute runs the compiled WASM module code against tx/epoch/inputs and
// returns the deterministic ExecuteResult. Determinism (spec.md §4.3): no
// entropy source is exposed to the module; tx.Id() only seeds the receipt
// substate id, and the module sees no wall-clock or OS randomness.
func (e *Engine) Execute(code []byte, tx *types.Transaction, epoch uint64, inputs []ResolvedInput) (*ExecuteResult, error) {
	start := time.Now()
	if !e.limiter.Allow() {
		return nil, errors.New("wasm engine call admission limit exceeded")
	}

	store := wasmer.NewStore(e.engine)
	mod, err := wasmer.NewModule(store, code)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}

	hctx := &hostCtx{
		inputs:    inputs,
		fuelLimit: DefaultFuelLimit,
		idSeed:    types.Hash(tx.Id()),
	}
	imports := registerHost(store, hctx)

	instance, err := wasmer.NewInstance(mod, imports)
	if err != nil {
		return nil, fmt.Errorf("instantiate module: %w", err)
	}

	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, errors.New("wasm module missing memory export")
	}
	hctx.mem = mem

	entry, err := instance.Exports.GetFunction("tari_template_main")
	if err != nil {
		return nil, errors.New("wasm module missing entrypoint export")
	}
	if _, err := entry(); err != nil {
		return &ExecuteResult{
			Finalize:      FinalizeReject,
			RejectReason:  err.Error(),
			ExecutionTime: time.Since(start),
		}, nil
	}

	if hctx.rejected {
		return &ExecuteResult{
			Finalize:      FinalizeReject,
			RejectReason:  hctx.reject,
			ExecutionTime: time.Since(start),
		}, nil
	}

	receiptId := types.ReceiptSubstateId(types.TransactionId(hctx.idSeed))
	hctx.diff.Up = append(hctx.diff.Up, types.SubstateRecord{
		Id:    types.VersionedSubstateId{Id: receiptId, Version: 0},
		Value: types.SubstateValue([]byte("receipt")),
		Epoch: epoch,
	})

	return &ExecuteResult{
		Finalize:      FinalizeAccept,
		Diff:          hctx.diff,
		ExecutionTime: time.Since(start),
	}, nil
}

// registerHost binds the template ABI the module links against: consuming
// fuel and reading a resolved input. No host function writes an output
// substate, so an accepted result's diff holds only the receipt. The
// concrete function-index/ABI layout is owned by the template compiler
// (out of core scope, spec.md §1); this is the host side of the contract.
func registerHost(store *wasmer.Store, h *hostCtx) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()

	consumeFuel := wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.I32),
			wasmer.NewValueTypes(wasmer.I32),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			units := uint64(args[0].I32())
			h.fuelUsed += units
			if h.fuelUsed > h.fuelLimit {
				h.rejected = true
				h.reject = "fuel exhausted"
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		},
	)

	readInput := wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.I32, wasmer.I32),
			wasmer.NewValueTypes(wasmer.I32),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			idx := int(args[0].I32())
			dst := args[1].I32()
			if idx < 0 || idx >= len(h.inputs) {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			val := h.inputs[idx].Value
			copy(h.mem.Data()[dst:], val)
			return []wasmer.Value{wasmer.NewI32(int32(len(val)))}, nil
		},
	)

	imports.Register("env", map[string]wasmer.IntoExtern{
		"host_consume_fuel": consumeFuel,
		"host_read_input":   readInput,
	})
	return imports
}
