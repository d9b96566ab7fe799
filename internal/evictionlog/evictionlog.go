// Package evictionlog writes the BFT-eviction proofs spec.md §4.5/§6
// describe as "submission to layer-one": one NDJSON line per proof, append
// only, so an external layer-one submitter can tail the file without
// coordinating with the validator process.
//
// Grounded on internal/rpcserver's streamNDJSON encoding idiom, turned into
// a file sink instead of an HTTP response writer.
package evictionlog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"shardbft/internal/consensus/hotstuff"
)

// Writer appends EvictionProofs to a file as newline-delimited JSON.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// Open creates or appends to the proof log at path. path's parent directory
// must already exist.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("evictionlog: open %s: %w", path, err)
	}
	return &Writer{file: f, enc: json.NewEncoder(f)}, nil
}

// WriteEvictionProof satisfies hotstuff.EvictionSink.
func (w *Writer) WriteEvictionProof(proof hotstuff.EvictionProof) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(proof); err != nil {
		return fmt.Errorf("evictionlog: write proof: %w", err)
	}
	return w.file.Sync()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
