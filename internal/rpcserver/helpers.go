package rpcserver

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"shardbft/internal/types"
)

func decodeHex(s string, dst []byte) (int, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, err
	}
	return copy(dst, b), nil
}

func parseUint64(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

func parseSubstateId(vars map[string]string) (types.SubstateId, error) {
	var id types.SubstateId
	kind, err := strconv.ParseUint(vars["kind"], 10, 8)
	if err != nil {
		return id, fmt.Errorf("bad kind: %w", err)
	}
	id.Kind = types.SubstateKind(kind)
	if n, err := decodeHex(vars["ref"], id.Ref[:]); err != nil || n != len(id.Ref) {
		return id, fmt.Errorf("bad ref: expected %d bytes", len(id.Ref))
	}
	return id, nil
}

func parseVersionedSubstateId(vars map[string]string) (types.SubstateId, uint32, error) {
	id, err := parseSubstateId(vars)
	if err != nil {
		return id, 0, err
	}
	version, err := strconv.ParseUint(vars["version"], 10, 32)
	if err != nil {
		return id, 0, fmt.Errorf("bad version: %w", err)
	}
	return id, uint32(version), nil
}
