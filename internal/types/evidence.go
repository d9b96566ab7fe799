package types

import "sort"

// LockKind is the closed set of substate lock kinds (spec.md §4.1).
type LockKind uint8

const (
	LockRead LockKind = iota
	LockWrite
	LockOutput
)

func (k LockKind) String() string {
	switch k {
	case LockRead:
		return "Read"
	case LockWrite:
		return "Write"
	case LockOutput:
		return "Output"
	default:
		return "Unknown"
	}
}

// InputPledge is the evidence recorded for one declared input substate: once
// pledged, IsWrite/Version are set; until then, Pledged is false and the
// input is an "outstanding" pledge per spec.md §3.
type InputPledge struct {
	Pledged bool
	IsWrite bool
	Version uint32
}

// ShardGroupEvidence is the per-shard-group entry of an Evidence map
// (spec.md §3 "Evidence"). Inputs and Outputs are Go maps, so their
// iteration order is not defined; Evidence.Groups returns the groups
// themselves sorted by Start (spec.md §9 "Determinism pitfalls").
type ShardGroupEvidence struct {
	Group      ShardGroup
	Inputs     map[SubstateId]InputPledge
	Outputs    map[SubstateId]uint32
	PrepareQc  *Hash
	AcceptQc   *Hash
}

func newShardGroupEvidence(g ShardGroup) *ShardGroupEvidence {
	return &ShardGroupEvidence{
		Group:   g,
		Inputs:  make(map[SubstateId]InputPledge),
		Outputs: make(map[SubstateId]uint32),
	}
}

// IsFullyPrepared reports whether this shard group has completed either
// LocalPrepare (PrepareQc set) or LocalAccept (AcceptQc set) — spec.md §3.
func (e *ShardGroupEvidence) IsFullyPrepared() bool {
	return e.PrepareQc != nil || e.AcceptQc != nil
}

// IsOutputOnly reports a shard group contributing only outputs, which
// therefore needs only an AcceptQc (spec.md §3).
func (e *ShardGroupEvidence) IsOutputOnly() bool {
	return len(e.Inputs) == 0 && len(e.Outputs) > 0
}

// Evidence is the full per-transaction map ShardGroup -> ShardGroupEvidence.
type Evidence struct {
	groups map[ShardGroup]*ShardGroupEvidence
}

func NewEvidence() *Evidence {
	return &Evidence{groups: make(map[ShardGroup]*ShardGroupEvidence)}
}

func (e *Evidence) Group(g ShardGroup) *ShardGroupEvidence {
	sge, ok := e.groups[g]
	if !ok {
		sge = newShardGroupEvidence(g)
		e.groups[g] = sge
	}
	return sge
}

// Groups returns all shard groups with evidence, sorted by Start for
// deterministic iteration.
func (e *Evidence) Groups() []*ShardGroupEvidence {
	out := make([]*ShardGroupEvidence, 0, len(e.groups))
	for _, sge := range e.groups {
		out = append(out, sge)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group.Start < out[j].Group.Start })
	return out
}

// AllFullyPrepared reports whether every involved shard group has completed
// LocalPrepare or LocalAccept — the "ready for LocalAccept" gate of
// spec.md §4.4.
func (e *Evidence) AllFullyPrepared() bool {
	for _, sge := range e.groups {
		if !sge.IsFullyPrepared() {
			return false
		}
	}
	return len(e.groups) > 0
}

// AllAccepted reports whether every shard group (inputs and outputs) has an
// AcceptQc — the "ready for AllAccept" gate of spec.md §4.4.
func (e *Evidence) AllAccepted() bool {
	for _, sge := range e.groups {
		if sge.AcceptQc == nil {
			return false
		}
	}
	return len(e.groups) > 0
}

// MergePledge strengthens (never weakens) the pledge for id within group g,
// implementing the monotonic merge invariant of spec.md §3: "a lock's
// write-ness/version can strengthen but never be lost".
func (e *Evidence) MergePledge(g ShardGroup, id SubstateId, isWrite bool, version uint32) {
	sge := e.Group(g)
	existing, ok := sge.Inputs[id]
	if !ok {
		sge.Inputs[id] = InputPledge{Pledged: true, IsWrite: isWrite, Version: version}
		return
	}
	if !existing.Pledged {
		existing.Pledged = true
	}
	if isWrite {
		existing.IsWrite = true
	}
	if version > existing.Version {
		existing.Version = version
	}
	sge.Inputs[id] = existing
}

// MergeOutput records an output substate id/version for group g. Outputs are
// write-once; once set they are never removed.
func (e *Evidence) MergeOutput(g ShardGroup, id SubstateId, version uint32) {
	sge := e.Group(g)
	sge.Outputs[id] = version
}

// MergePrepareQc sets the prepare QC for group g. A previously-set qc id is
// never cleared (spec.md §3); calling this twice with different ids is a
// programmer error the caller must not trigger from untrusted input without
// having already validated QC provenance.
func (e *Evidence) MergePrepareQc(g ShardGroup, qc Hash) {
	sge := e.Group(g)
	if sge.PrepareQc == nil {
		sge.PrepareQc = &qc
	}
}

func (e *Evidence) MergeAcceptQc(g ShardGroup, qc Hash) {
	sge := e.Group(g)
	if sge.AcceptQc == nil {
		sge.AcceptQc = &qc
	}
}

// MergeFrom merges another Evidence into e monotonically, group by group,
// input by input. Used when a ForeignProposal's pledges are folded into a
// local pool record's accumulated evidence.
func (e *Evidence) MergeFrom(other *Evidence) {
	for _, sge := range other.Groups() {
		for id, p := range sge.Inputs {
			if p.Pledged {
				e.MergePledge(sge.Group, id, p.IsWrite, p.Version)
			}
		}
		for id, v := range sge.Outputs {
			e.MergeOutput(sge.Group, id, v)
		}
		if sge.PrepareQc != nil {
			e.MergePrepareQc(sge.Group, *sge.PrepareQc)
		}
		if sge.AcceptQc != nil {
			e.MergeAcceptQc(sge.Group, *sge.AcceptQc)
		}
	}
}
