// Package driver runs the per-shard-group tasks spec.md §5 requires: "one
// consensus loop task (per local shard group)... one pacemaker task". It is
// the glue cmd/validatornode was missing — without it, internal/consensus/
// hotstuff.Engine and internal/consensus/foreign.Handler are wired together
// but nothing ever calls FormProposal/ValidateProposal/FormQC/OnNewQC or
// drives the foreign-proposal request-response dance against a live peer.
//
// Grounded on the teacher's core/consensus.go SynnergyConsensus: one
// goroutine selecting over a handful of subscription channels plus a
// ticker, all torn down by a single context, each case handed off to a
// dedicated handle* method.
package driver

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"shardbft/internal/consensus/foreign"
	"shardbft/internal/consensus/hotstuff"
	"shardbft/internal/identity"
	"shardbft/internal/p2p"
	"shardbft/internal/txpool"
	"shardbft/internal/types"
)

// leaderPollInterval bounds how quickly a newly-elected leader notices it
// should propose; it is far below PacemakerBase so it never itself causes a
// missed view.
const leaderPollInterval = 25 * time.Millisecond

// catchUpBatchSize caps how many blocks one SyncResponse carries.
const catchUpBatchSize = 256

// localEpochs is the EpochManager spec.md §4.6 step 3 needs to check a
// foreign QC's signer set against a 2f+1 threshold. In the absence of a
// cross-shard-group committee registry (no component in this tree learns
// other groups' membership — see DESIGN.md), it approximates every shard
// group's committee with this node's own local committee, which is exact
// for same-committee foreign groups and an intentional, documented
// simplification otherwise.
type localEpochs struct {
	committee *hotstuff.Committee
}

func (l *localEpochs) CommitteeSize(epoch uint64, group types.ShardGroup) int {
	return l.committee.Size()
}

func (l *localEpochs) IsCommitteeMember(epoch uint64, group types.ShardGroup, pubKey []byte) bool {
	return l.committee.IsMember(pubKey)
}

// NewLocalEpochs exposes localEpochs for wiring a foreign.Handler.
func NewLocalEpochs(committee *hotstuff.Committee) foreign.EpochManager {
	return &localEpochs{committee: committee}
}

// enginePacer adapts hotstuff.Engine.BeatPacemaker to foreign.Pacemaker so a
// foreign.Handler can re-arm the local pacemaker when a foreign pledge
// lands, without the foreign package importing hotstuff.
type enginePacer struct{ engine *hotstuff.Engine }

func (p enginePacer) Beat() { p.engine.BeatPacemaker() }

// NewEnginePacer exposes enginePacer for wiring a foreign.Handler.
func NewEnginePacer(engine *hotstuff.Engine) foreign.Pacemaker {
	return enginePacer{engine: engine}
}

// LazyNewViewSink is a hotstuff.NewViewSink that can be constructed before
// its Driver exists and bound afterwards, breaking the construction cycle
// between Engine (which needs a NewViewSink up front) and Driver (which
// needs the already-built Engine). SendNewView is a no-op until Bind is
// called.
type LazyNewViewSink struct {
	mu sync.Mutex
	d  *Driver
}

// NewLazyNewViewSink returns an unbound sink suitable for hotstuff.Config.
func NewLazyNewViewSink() *LazyNewViewSink { return &LazyNewViewSink{} }

// Bind attaches the sink to its Driver once constructed.
func (s *LazyNewViewSink) Bind(d *Driver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d = d
}

func (s *LazyNewViewSink) SendNewView(leaderPubKey []byte, nv hotstuff.NewView) {
	s.mu.Lock()
	d := s.d
	s.mu.Unlock()
	if d != nil {
		d.sendNewView(leaderPubKey, nv)
	}
}

// Driver owns one local shard group's consensus and foreign-proposal tasks.
type Driver struct {
	lg *logrus.Entry

	engine  *hotstuff.Engine
	pool    *txpool.Pool
	foreign *foreign.Handler
	host    *p2p.Host
	id      *identity.KeyPair

	localGroup types.ShardGroup
	topic      string // p2p topic suffix for this shard group

	mu           sync.Mutex
	blocks       map[types.Hash]*types.Block
	parked       map[types.Hash]*types.Block    // proposals awaiting MissingTransactionsResponse
	catchingUp   bool
	alreadyAsked map[types.Hash]map[string]bool // blockID -> peer ids already asked for a foreign proposal

	rng *rand.Rand
}

// New constructs a Driver for one local shard group. engine must have been
// built with Config.NewViewSink set to a *LazyNewViewSink which the caller
// then Binds to the returned Driver.
func New(engine *hotstuff.Engine, pool *txpool.Pool, fh *foreign.Handler, host *p2p.Host, id *identity.KeyPair, localGroup types.ShardGroup, lg *logrus.Logger) *Driver {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &Driver{
		lg:           lg.WithField("component", "consensus-driver"),
		engine:       engine,
		pool:         pool,
		foreign:      fh,
		host:         host,
		id:           id,
		localGroup:   localGroup,
		topic:        localGroup.String(),
		blocks:       make(map[types.Hash]*types.Block),
		parked:       make(map[types.Hash]*types.Block),
		alreadyAsked: make(map[types.Hash]map[string]bool),
		rng:          rand.New(rand.NewSource(1)),
	}
}

// Start subscribes to every topic this shard group's pipeline needs and
// runs the consensus loop until ctx is cancelled.
func (d *Driver) Start(ctx context.Context) error {
	proposals, err := d.host.Subscribe(p2p.ProposalTopic(d.topic))
	if err != nil {
		return err
	}
	votes, err := d.host.Subscribe(p2p.VoteTopic(d.topic))
	if err != nil {
		return err
	}
	newViews, err := d.host.Subscribe(p2p.NewViewTopic(d.topic))
	if err != nil {
		return err
	}
	catchUps, err := d.host.Subscribe(p2p.CatchUpTopic(d.topic))
	if err != nil {
		return err
	}
	missingTx, err := d.host.Subscribe(p2p.MissingTxTopic(d.topic))
	if err != nil {
		return err
	}
	foreignMsgs, err := d.host.Subscribe(p2p.ForeignTopic(d.topic))
	if err != nil {
		return err
	}

	go d.run(ctx, proposals, votes, newViews, catchUps, missingTx, foreignMsgs)
	return nil
}

func (d *Driver) run(ctx context.Context, proposals, votes, newViews, catchUps, missingTx, foreignMsgs <-chan p2p.Envelope) {
	ticker := time.NewTicker(leaderPollInterval)
	defer ticker.Stop()
	lastView := ^uint64(0)

	for {
		select {
		case <-ctx.Done():
			d.engine.StopPacemaker()
			return
		case env, ok := <-proposals:
			if !ok {
				return
			}
			d.handleProposal(env)
		case env, ok := <-votes:
			if !ok {
				return
			}
			d.handleVote(env)
		case env, ok := <-newViews:
			if !ok {
				return
			}
			d.handleNewView(env)
		case env, ok := <-catchUps:
			if !ok {
				return
			}
			d.handleCatchUp(env)
		case env, ok := <-missingTx:
			if !ok {
				return
			}
			d.handleMissingTx(env)
		case env, ok := <-foreignMsgs:
			if !ok {
				return
			}
			d.handleForeign(env)
		case <-ticker.C:
			if view := d.engine.View(); view != lastView {
				lastView = view
				d.maybePropose()
			}
		}
	}
}

func (d *Driver) isSelf(pubKey []byte) bool { return string(pubKey) == string(d.id.Public) }

// maybePropose forms and broadcasts a proposal if this replica is the
// leader of the engine's current view (spec.md §4.5 "Proposal formation").
func (d *Driver) maybePropose() {
	if !d.isSelf(d.engine.CurrentLeader()) {
		return
	}
	parent := d.parentBlock()
	block, _, err := d.engine.FormProposal(d.id.Public, parent)
	if err != nil {
		d.lg.WithError(err).Warn("failed to form proposal")
		return
	}
	d.mu.Lock()
	d.blocks[block.Id()] = block
	d.mu.Unlock()
	d.engine.BeatPacemaker()
	d.broadcastJSON(p2p.ProposalTopic(d.topic), block)
	d.announceForeignTouches(block)
}

func (d *Driver) parentBlock() *types.Block {
	highQC := d.engine.HighQC()
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blocks[highQC.BlockId]
}

func (d *Driver) handleProposal(env p2p.Envelope) {
	var block types.Block
	if err := json.Unmarshal(env.Data, &block); err != nil {
		d.lg.WithError(err).Warn("discarding malformed proposal")
		return
	}
	blockID := block.Id()
	d.mu.Lock()
	d.blocks[blockID] = &block
	d.mu.Unlock()

	if missing := d.engine.MissingTransactions(&block); len(missing) > 0 {
		d.mu.Lock()
		d.parked[blockID] = &block
		d.mu.Unlock()
		d.broadcastJSON(p2p.MissingTxTopic(d.topic), hotstuff.MissingTransactionsRequest{
			BlockId: blockID, TransactionIds: missing, RequesterId: d.id.Public,
		})
		return
	}
	d.validateAndVote(&block)
}

func (d *Driver) validateAndVote(block *types.Block) {
	blockID := block.Id()
	if err := d.engine.ValidateProposal(block, d.engine.Epoch()); err != nil {
		d.lg.WithField("block", blockID).WithError(err).Info("declined to vote for proposal")
		return
	}
	d.engine.RecordBlock(block)
	d.engine.BeatPacemaker()

	if d.engine.NeedsCatchUp(block.Justify) && !types.IsSentinel(block.Justify.BlockId) {
		d.requestCatchUp()
	}

	vote := hotstuff.Vote{
		BlockId:  blockID,
		Epoch:    block.Epoch,
		View:     d.engine.View(),
		Decision: types.DecisionCommit,
	}
	vote.Signer = types.Signature{PubKey: d.id.Public, Sig: d.id.Sign(hotstuff.VoteSignBytes(blockID, block.Epoch, vote.Decision))}
	d.broadcastJSON(p2p.VoteTopic(d.topic), vote)

	// A replica also counts its own vote locally so a slow leader's vote
	// broadcast isn't the only path to forming a QC.
	d.tallyVote(vote)
}

func (d *Driver) handleVote(env p2p.Envelope) {
	var vote hotstuff.Vote
	if err := json.Unmarshal(env.Data, &vote); err != nil {
		d.lg.WithError(err).Warn("discarding malformed vote")
		return
	}
	if !identity.Verify(vote.Signer.PubKey, hotstuff.VoteSignBytes(vote.BlockId, vote.Epoch, vote.Decision), vote.Signer.Sig) {
		d.lg.Warn("discarding vote with invalid signature")
		return
	}
	d.tallyVote(vote)
}

func (d *Driver) tallyVote(vote hotstuff.Vote) {
	qc, formed, err := d.engine.AddVote(vote)
	if err != nil {
		d.lg.WithError(err).Debug("vote rejected")
		return
	}
	if !formed {
		return
	}
	d.onQC(qc)
}

func (d *Driver) onQC(qc types.QuorumCertificate) {
	d.engine.BeatPacemaker()
	if d.engine.NeedsCatchUp(qc) {
		d.requestCatchUp()
		return
	}
	committedID, committed := d.engine.OnNewQC(qc)
	if !committed {
		return
	}
	if err := d.engine.Commit(committedID, qc); err != nil {
		d.lg.WithField("block", committedID).WithError(err).Error("failed to commit block")
	}
}

func (d *Driver) handleNewView(env p2p.Envelope) {
	var nv hotstuff.NewView
	if err := json.Unmarshal(env.Data, &nv); err != nil {
		d.lg.WithError(err).Warn("discarding malformed new-view")
		return
	}
	d.engine.ObserveNewView(nv)
}

// sendNewView is the hotstuff.NewViewSink the Engine calls into on
// pacemaker expiry. Gossip has no unicast, so this broadcasts on the
// shard group's NewView topic; only the addressed leader acts on it, every
// other replica still benefits from the high_qc anti-entropy update.
func (d *Driver) sendNewView(leaderPubKey []byte, nv hotstuff.NewView) {
	nv.Sender = d.id.Public
	d.broadcastJSON(p2p.NewViewTopic(d.topic), nv)
}

func (d *Driver) requestCatchUp() {
	d.mu.Lock()
	if d.catchingUp {
		d.mu.Unlock()
		return
	}
	d.catchingUp = true
	d.mu.Unlock()

	d.broadcastJSON(p2p.CatchUpTopic(d.topic), hotstuff.CatchUpSyncRequest{
		FromHeight:  0,
		RequesterId: d.id.Public,
	})
}

func (d *Driver) handleCatchUp(env p2p.Envelope) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &generic); err != nil {
		d.lg.WithError(err).Warn("discarding malformed catch-up message")
		return
	}
	if _, isRequest := generic["RequesterId"]; isRequest {
		var req hotstuff.CatchUpSyncRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return
		}
		if d.isSelf(req.RequesterId) {
			return
		}
		resp := hotstuff.SyncResponse{
			Blocks: d.engine.BlocksAbove(req.FromHeight, catchUpBatchSize),
			HighQc: d.engine.HighQC(),
		}
		d.broadcastJSON(p2p.CatchUpTopic(d.topic), resp)
		return
	}

	var resp hotstuff.SyncResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		return
	}
	d.mu.Lock()
	for _, blk := range resp.Blocks {
		d.blocks[blk.Id()] = blk
	}
	d.catchingUp = false
	d.mu.Unlock()
	if committedID, committed := d.engine.ApplyCatchUp(resp); committed {
		if err := d.engine.Commit(committedID, resp.HighQc); err != nil {
			d.lg.WithField("block", committedID).WithError(err).Error("failed to commit block during catch-up")
		}
	}
}

func (d *Driver) handleMissingTx(env p2p.Envelope) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &generic); err != nil {
		return
	}
	if _, isRequest := generic["TransactionIds"]; isRequest {
		var req hotstuff.MissingTransactionsRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return
		}
		if d.isSelf(req.RequesterId) {
			return
		}
		txs := d.engine.TransactionsByIds(req.TransactionIds)
		if len(txs) == 0 {
			return
		}
		d.broadcastJSON(p2p.MissingTxTopic(d.topic), hotstuff.MissingTransactionsResponse{BlockId: req.BlockId, Transactions: txs})
		return
	}

	var resp hotstuff.MissingTransactionsResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		return
	}
	for _, tx := range resp.Transactions {
		d.pool.Add(tx)
	}
	d.mu.Lock()
	block, parked := d.parked[resp.BlockId]
	if parked {
		delete(d.parked, resp.BlockId)
	}
	d.mu.Unlock()
	if !parked {
		return
	}
	if missing := d.engine.MissingTransactions(block); len(missing) > 0 {
		d.lg.WithField("block", resp.BlockId).Warn("still missing transactions after response, dropping proposal")
		return
	}
	d.validateAndVote(block)
}

// announceForeignTouches notifies every other shard group's pipeline about
// blocks this proposal references outside the local group, the first half
// of spec.md §4.6's request-response dance.
func (d *Driver) announceForeignTouches(block *types.Block) {
	for _, cmd := range block.Commands {
		if cmd.Kind != types.CmdForeignProposal {
			continue
		}
		d.broadcastJSON(p2p.ForeignTopic(d.topic), foreign.Notification{BlockId: cmd.ForeignBlockId, SourceGroup: d.localGroup})
	}
}

func (d *Driver) handleForeign(env p2p.Envelope) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &generic); err != nil {
		return
	}
	switch {
	case hasKey(generic, "SourceGroup"):
		d.onForeignNotification(generic, env.Data)
	case hasKey(generic, "Targets"):
		d.onForeignRequest(env.Data)
	case hasKey(generic, "BlockPledge"):
		d.onForeignResponse(env.Data)
	}
}

func hasKey(m map[string]json.RawMessage, key string) bool {
	_, ok := m[key]
	return ok
}

func (d *Driver) onForeignNotification(_ map[string]json.RawMessage, raw []byte) {
	var note foreign.Notification
	if err := json.Unmarshal(raw, &note); err != nil {
		return
	}
	if d.foreign.HasProposal(note.BlockId) {
		return
	}
	d.mu.Lock()
	asked := d.alreadyAsked[note.BlockId]
	if asked == nil {
		asked = make(map[string]bool)
		d.alreadyAsked[note.BlockId] = asked
	}
	peerIDs := make([]string, 0, len(d.host.Peers()))
	for _, p := range d.host.Peers() {
		peerIDs = append(peerIDs, string(p.ID))
	}
	f := (len(peerIDs) - 1) / 3
	targets := foreign.PickRequestPeers(peerIDs, f, asked, d.rng)
	for _, t := range targets {
		asked[t] = true
	}
	d.mu.Unlock()

	d.broadcastJSON(p2p.ForeignTopic(d.topic), foreign.Request{BlockId: note.BlockId, Requester: d.localGroup, Targets: targets})
}

func (d *Driver) onForeignRequest(raw []byte) {
	var req foreign.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}
	if !addressedToSelf(req.Targets, string(d.host.Self())) {
		return
	}
	resp, ok := d.foreign.RespondTo(req)
	if !ok {
		return
	}
	d.broadcastJSON(p2p.ForeignTopic(d.topic), resp)
}

func addressedToSelf(targets []string, self string) bool {
	for _, t := range targets {
		if t == self {
			return true
		}
	}
	return false
}

func (d *Driver) onForeignResponse(raw []byte) {
	var resp foreign.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return
	}
	if d.foreign.HasProposal(resp.BlockId) {
		return
	}
	prop := &foreign.Proposal{Block: resp.Block, JustifyQc: resp.JustifyQc, BlockPledge: resp.BlockPledge}
	if err := d.foreign.Validate(d.engine.Epoch(), prop); err != nil {
		d.lg.WithField("block", resp.BlockId).WithError(err).Info("declined foreign proposal")
		return
	}
	d.foreign.Apply(prop)
}

func (d *Driver) broadcastJSON(topic string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		d.lg.WithError(err).Error("failed to encode outgoing message")
		return
	}
	if err := d.host.Broadcast(topic, data); err != nil {
		d.lg.WithField("topic", topic).WithError(err).Warn("broadcast failed")
	}
}
