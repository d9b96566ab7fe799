package testutil

import (
	"github.com/google/uuid"

	"shardbft/internal/types"
)

// DistinctTransaction builds a syntactically minimal transaction whose
// content-addressed id is guaranteed unique, for tests that need many
// pool entries without hand-picking a distinguishing byte per call (which
// caps out at 256 distinct values). The uuid is carried as SealedBy
// padding only; it plays no signature role.
func DistinctTransaction() *types.Transaction {
	return &types.Transaction{
		NetworkByte: 1,
		SealedBy:    []byte(uuid.NewString()),
	}
}
