// Package rpcserver implements the external RPC surface of spec.md §6 as a
// gorilla/mux HTTP/JSON façade: SubmitTransaction, GetSubstate,
// GetTransactionResult, SyncBlocks, SyncState, GetHighQc, GetCheckpoint and
// SyncTemplates. The streaming operations (SyncBlocks/SyncState/
// SyncTemplates) are served as newline-delimited JSON so a client can read
// them incrementally without a second wire protocol.
//
// Grounded on the teacher's core/virtual_machine.go HTTP API: a
// golang.org/x/time/rate limiter wrapping every route and an http.Server
// with the same Read/Write/Idle timeout discipline.
package rpcserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"shardbft/internal/syncsvc"
	"shardbft/internal/template"
	"shardbft/internal/txpool"
	"shardbft/internal/types"
)

// TxSubmitter is the mempool admission collaborator for SubmitTransaction.
type TxSubmitter interface {
	Add(tx *types.Transaction) (*txpool.Record, bool)
}

// SubstateReader backs GetSubstate.
type SubstateReader interface {
	Get(addr types.SubstateAddress) (*types.SubstateRecord, error)
	GetLatest(id types.SubstateId) (*types.SubstateRecord, error)
}

// TransactionResultReader backs GetTransactionResult.
type TransactionResultReader interface {
	Get(id types.TransactionId) (*txpool.Record, bool)
}

// HighQcReader backs GetHighQc.
type HighQcReader interface {
	HighQC() types.QuorumCertificate
}

// CheckpointReader backs GetCheckpoint.
type CheckpointReader interface {
	Checkpoint(epoch uint64) (*types.EpochCheckpoint, bool)
}

// BlockReader backs SyncBlocks.
type BlockReader interface {
	BlocksAfter(height uint64, max int) []*types.Block
}

// StateStreamReader backs SyncState.
type StateStreamReader interface {
	TransitionsAfter(shard types.Shard, after syncsvc.StateTransitionId, currentEpoch uint64, max int) ([]syncsvc.StateTransition, bool)
}

// Deps bundles every collaborator the server dispatches to. Each is a
// narrow interface so cmd/validatornode can wire real engine/store/pool
// instances without this package importing them directly.
type Deps struct {
	Pool        TxSubmitter
	Results     TransactionResultReader
	Substates   SubstateReader
	Consensus   HighQcReader
	Checkpoints CheckpointReader
	Blocks      BlockReader
	States      StateStreamReader
	Templates   *template.Manager
}

// Server is the gorilla/mux HTTP façade over Deps.
type Server struct {
	deps    Deps
	lg      *logrus.Entry
	limiter *rate.Limiter
	router  *mux.Router
}

// New builds a Server and registers every route. reqPerSecond/burst size
// the admission limiter the same way the teacher's limiter = rate.NewLimiter
// does for its single /execute route.
func New(deps Deps, reqPerSecond float64, burst int, lg *logrus.Logger) *Server {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	s := &Server{
		deps:    deps,
		lg:      lg.WithField("component", "rpcserver"),
		limiter: rate.NewLimiter(rate.Limit(reqPerSecond), burst),
		router:  mux.NewRouter(),
	}
	s.router.Use(s.rateLimit)
	s.router.HandleFunc("/transactions", s.handleSubmitTransaction).Methods("POST")
	s.router.HandleFunc("/transactions/{id}", s.handleGetTransactionResult).Methods("GET")
	s.router.HandleFunc("/substates/{kind}/{ref}/latest", s.handleGetSubstateLatest).Methods("GET")
	s.router.HandleFunc("/substates/{kind}/{ref}/{version:[0-9]+}", s.handleGetSubstate).Methods("GET")
	s.router.HandleFunc("/consensus/high-qc", s.handleGetHighQc).Methods("GET")
	s.router.HandleFunc("/checkpoints/{epoch}", s.handleGetCheckpoint).Methods("GET")
	s.router.HandleFunc("/sync/blocks", s.handleSyncBlocks).Methods("GET")
	s.router.HandleFunc("/sync/state", s.handleSyncState).Methods("GET")
	s.router.HandleFunc("/sync/templates", s.handleSyncTemplates).Methods("GET")
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// NewHTTPServer wraps Handler() in an *http.Server with the teacher's
// fixed timeout discipline.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, "rate limit", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// --- SubmitTransaction ---

func (s *Server) handleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var tx types.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec, added := s.deps.Pool.Add(&tx)
	writeJSON(w, http.StatusAccepted, struct {
		TransactionId types.TransactionId `json:"transaction_id"`
		Added         bool                `json:"added"`
	}{rec.TransactionId, added})
}

// --- GetTransactionResult ---

func (s *Server) handleGetTransactionResult(w http.ResponseWriter, r *http.Request) {
	idHex := mux.Vars(r)["id"]
	var id types.TransactionId
	if n, err := decodeHex(idHex, id[:]); err != nil || n != len(id) {
		http.Error(w, "bad transaction id", http.StatusBadRequest)
		return
	}
	rec, ok := s.deps.Results.Get(id)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- GetSubstate ---

func (s *Server) handleGetSubstate(w http.ResponseWriter, r *http.Request) {
	id, version, err := parseVersionedSubstateId(mux.Vars(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec, err := s.deps.Substates.Get(types.DeriveSubstateAddress(types.VersionedSubstateId{Id: id, Version: version}))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetSubstateLatest(w http.ResponseWriter, r *http.Request) {
	id, err := parseSubstateId(mux.Vars(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec, err := s.deps.Substates.GetLatest(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- GetHighQc ---

func (s *Server) handleGetHighQc(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Consensus.HighQC())
}

// --- GetCheckpoint ---

func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	epoch, err := parseUint64(mux.Vars(r)["epoch"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cp, ok := s.deps.Checkpoints.Checkpoint(epoch)
	if !ok {
		http.Error(w, "no checkpoint for epoch", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// --- SyncBlocks ---

func (s *Server) handleSyncBlocks(w http.ResponseWriter, r *http.Request) {
	after, err := parseUint64(r.URL.Query().Get("after"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	blocks := s.deps.Blocks.BlocksAfter(after, syncsvc.BatchSize)
	streamNDJSON(w, len(blocks), func(i int) interface{} { return blocks[i] })
}

// --- SyncState ---

func (s *Server) handleSyncState(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	shard, err1 := parseUint64(q.Get("shard"))
	startEpoch, err2 := parseUint64(q.Get("start_epoch"))
	startSeq, err3 := parseUint64(q.Get("start_seq"))
	currentEpoch, err4 := parseUint64(q.Get("current_epoch"))
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		http.Error(w, "bad query parameters", http.StatusBadRequest)
		return
	}
	after := syncsvc.StateTransitionId{Epoch: startEpoch, Shard: types.Shard(shard), Seq: startSeq}
	transitions, _ := s.deps.States.TransitionsAfter(types.Shard(shard), after, currentEpoch, syncsvc.BatchSize)
	streamNDJSON(w, len(transitions), func(i int) interface{} { return transitions[i] })
}

// --- SyncTemplates ---

func (s *Server) handleSyncTemplates(w http.ResponseWriter, r *http.Request) {
	addrs := s.deps.Templates.ActiveAddresses()
	records := make([]*template.Record, 0, len(addrs))
	for _, a := range addrs {
		if rec, err := s.deps.Templates.FetchTemplate(a); err == nil {
			records = append(records, rec)
		}
	}
	streamNDJSON(w, len(records), func(i int) interface{} { return records[i] })
}

// streamNDJSON writes n JSON objects separated by newlines, flushing after
// each so a client reading incrementally sees entries as they are encoded
// rather than buffered until the handler returns.
func streamNDJSON(w http.ResponseWriter, n int, at func(i int) interface{}) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for i := 0; i < n; i++ {
		enc.Encode(at(i))
		if flusher != nil {
			flusher.Flush()
		}
	}
}
