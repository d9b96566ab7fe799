package substate

import "shardbft/internal/types"

// lockConflicts implements the conflict table of spec.md §4.1:
//
//	held \ requested | Read | Write | Output
//	Read              ok     hard    n/a
//	Write             hard   hard    n/a
//	Output            n/a    n/a     hard
//
// Output locks never conflict with Read/Write because they claim a
// not-yet-created version; only another Output on the same id is a
// conflict.
func lockConflicts(held, requested types.LockKind) bool {
	switch held {
	case types.LockRead:
		return requested == types.LockWrite
	case types.LockWrite:
		return requested == types.LockRead || requested == types.LockWrite
	case types.LockOutput:
		return requested == types.LockOutput
	}
	return false
}

// LockRequest is one requested lock as part of a proposed block.
type LockRequest struct {
	Id      types.SubstateId
	Kind    types.LockKind
}

// heldLock records one held lock and the block it was taken under. LockAll
// leaves txID unset, so UnlockAll cannot match a lock to a transaction.
type heldLock struct {
	blockID types.Hash
	txID    types.TransactionId
	kind    types.LockKind
}
