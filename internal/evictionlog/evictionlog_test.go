package evictionlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"shardbft/internal/consensus/hotstuff"
	"shardbft/internal/testutil"
	"shardbft/internal/types"
)

func TestWriterAppendsOneLinePerProof(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()

	w, err := Open(sb.Path("evictions.ndjson"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	proofs := []hotstuff.EvictionProof{
		{Qc: types.QuorumCertificate{BlockId: types.Hash{1}}, ValidatorPubKey: []byte("validator-a")},
		{Qc: types.QuorumCertificate{BlockId: types.Hash{2}}, ValidatorPubKey: []byte("validator-b")},
	}
	for _, p := range proofs {
		if err := w.WriteEvictionProof(p); err != nil {
			t.Fatalf("WriteEvictionProof failed: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := sb.ReadFile("evictions.ndjson")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	var got []hotstuff.EvictionProof
	for scanner.Scan() {
		var proof hotstuff.EvictionProof
		if err := json.Unmarshal(scanner.Bytes(), &proof); err != nil {
			t.Fatalf("Unmarshal line failed: %v", err)
		}
		got = append(got, proof)
	}
	if len(got) != len(proofs) {
		t.Fatalf("expected %d lines, got %d", len(proofs), len(got))
	}
	for i, p := range proofs {
		if string(got[i].ValidatorPubKey) != string(p.ValidatorPubKey) {
			t.Fatalf("line %d: got validator %q want %q", i, got[i].ValidatorPubKey, p.ValidatorPubKey)
		}
	}
}

func TestWriterAppendsAcrossReopens(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()
	path := sb.Path("evictions.ndjson")

	w1, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := w1.WriteEvictionProof(hotstuff.EvictionProof{ValidatorPubKey: []byte("first")}); err != nil {
		t.Fatalf("WriteEvictionProof failed: %v", err)
	}
	if err := w1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	w2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if err := w2.WriteEvictionProof(hotstuff.EvictionProof{ValidatorPubKey: []byte("second")}); err != nil {
		t.Fatalf("WriteEvictionProof failed: %v", err)
	}
	if err := w2.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := sb.ReadFile("evictions.ndjson")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lines := 0
	for scanner.Scan() {
		lines++
	}
	if lines != 2 {
		t.Fatalf("expected 2 lines across reopen, got %d", lines)
	}
}
