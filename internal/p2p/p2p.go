// Package p2p is the gossip transport collaborator named but left external
// by spec.md §1/§5 ("OutboundMessaging"/"InboundMessaging"): a thin wrapper
// over libp2p-pubsub giving the consensus and sync layers a concrete
// Broadcast/Subscribe fabric instead of a stub network adapter.
//
// Grounded on the teacher's core/network.go NewNode/Broadcast/Subscribe,
// generalised from a single flat topic space to this module's own
// proposal/vote/foreign-proposal/checkpoint message envelopes.
package p2p

import (
	"context"
	"fmt"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

// PeerID mirrors a libp2p peer.ID as an opaque, loggable string.
type PeerID string

// Peer is one known remote participant.
type Peer struct {
	ID   PeerID
	Addr string
}

// Envelope is one delivered gossip message.
type Envelope struct {
	From  PeerID
	Topic string
	Data  []byte
}

// Config configures one Host's listen address and bootstrap peers, mirroring
// the teacher's core.Config shape.
type Config struct {
	ListenAddr     string
	BootstrapPeers []string
}

// Topic names for this module's gossiped message kinds (spec.md §4.5's
// propose/vote phases and §4.6's foreign-proposal exchange travel over the
// wire via these, one pubsub topic per shard group so a node only pays
// decode cost for groups it participates in).
const (
	topicProposalPrefix  = "shardbft/proposal/"
	topicVotePrefix      = "shardbft/vote/"
	topicForeignPrefix   = "shardbft/foreign/"
	topicNewViewPrefix   = "shardbft/newview/"
	topicCatchUpPrefix   = "shardbft/catchup/"
	topicMissingTxPrefix = "shardbft/missingtx/"
	topicCheckpoint      = "shardbft/checkpoint"
)

func ProposalTopic(shardGroup string) string  { return topicProposalPrefix + shardGroup }
func VoteTopic(shardGroup string) string      { return topicVotePrefix + shardGroup }
func ForeignTopic(shardGroup string) string   { return topicForeignPrefix + shardGroup }
func NewViewTopic(shardGroup string) string   { return topicNewViewPrefix + shardGroup }
func CatchUpTopic(shardGroup string) string   { return topicCatchUpPrefix + shardGroup }
func MissingTxTopic(shardGroup string) string { return topicMissingTxPrefix + shardGroup }
func CheckpointTopic() string                 { return topicCheckpoint }

// Host wraps one libp2p host plus gossipsub router and the module's own peer
// bookkeeping. All public methods are safe for concurrent use.
type Host struct {
	lg *logrus.Entry

	host   host.Host
	pubsub *pubsub.PubSub

	topicLock sync.RWMutex
	topics    map[string]*pubsub.Topic
	subs      map[string]*pubsub.Subscription

	peerLock sync.RWMutex
	peers    map[PeerID]*Peer

	ctx    context.Context
	cancel context.CancelFunc
}

// New bootstraps a libp2p host with gossipsub enabled and dials the
// configured bootstrap peers, logging (not failing) individual dial errors
// so one unreachable seed never blocks startup.
func New(cfg Config, lg *logrus.Logger) (*Host, error) {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("p2p: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("p2p: create gossipsub: %w", err)
	}

	n := &Host{
		lg:     lg.WithField("component", "p2p"),
		host:   h,
		pubsub: ps,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
		peers:  make(map[PeerID]*Peer),
		ctx:    ctx,
		cancel: cancel,
	}

	if err := n.DialSeed(cfg.BootstrapPeers); err != nil {
		n.lg.WithError(err).Warn("some bootstrap peers could not be dialed")
	}

	return n, nil
}

// DialSeed connects to every bootstrap multiaddr, continuing past individual
// failures and returning a joined error describing all of them.
func (n *Host) DialSeed(seeds []string) error {
	var failures []string
	for _, addr := range seeds {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", addr, err))
			continue
		}
		if err := n.host.Connect(n.ctx, *info); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", addr, err))
			continue
		}
		n.peerLock.Lock()
		n.peers[PeerID(info.ID.String())] = &Peer{ID: PeerID(info.ID.String()), Addr: addr}
		n.peerLock.Unlock()
		n.lg.WithField("peer", info.ID.String()).Info("bootstrapped")
	}
	if len(failures) > 0 {
		return fmt.Errorf("p2p: dial errors: %v", failures)
	}
	return nil
}

// Broadcast publishes data on topic, joining it on first use.
func (n *Host) Broadcast(topic string, data []byte) error {
	t, err := n.joinTopic(topic)
	if err != nil {
		return err
	}
	if err := t.Publish(n.ctx, data); err != nil {
		return fmt.Errorf("p2p: publish %s: %w", topic, err)
	}
	return nil
}

func (n *Host) joinTopic(topic string) (*pubsub.Topic, error) {
	n.topicLock.Lock()
	defer n.topicLock.Unlock()
	if t, ok := n.topics[topic]; ok {
		return t, nil
	}
	t, err := n.pubsub.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("p2p: join %s: %w", topic, err)
	}
	n.topics[topic] = t
	return t, nil
}

// Subscribe returns a channel of delivered Envelopes for topic. The channel
// is closed when the underlying subscription errors out (typically host
// shutdown).
func (n *Host) Subscribe(topic string) (<-chan Envelope, error) {
	n.topicLock.Lock()
	sub, ok := n.subs[topic]
	if !ok {
		if _, err := n.joinTopicLocked(topic); err != nil {
			n.topicLock.Unlock()
			return nil, err
		}
		t := n.topics[topic]
		var err error
		sub, err = t.Subscribe()
		if err != nil {
			n.topicLock.Unlock()
			return nil, fmt.Errorf("p2p: subscribe %s: %w", topic, err)
		}
		n.subs[topic] = sub
	}
	n.topicLock.Unlock()

	out := make(chan Envelope)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(n.ctx)
			if err != nil {
				n.lg.WithError(err).WithField("topic", topic).Warn("subscription ended")
				return
			}
			select {
			case out <- Envelope{From: PeerID(msg.GetFrom().String()), Topic: topic, Data: msg.Data}:
			case <-n.ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// joinTopicLocked is joinTopic's body for callers already holding topicLock.
func (n *Host) joinTopicLocked(topic string) (*pubsub.Topic, error) {
	if t, ok := n.topics[topic]; ok {
		return t, nil
	}
	t, err := n.pubsub.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("p2p: join %s: %w", topic, err)
	}
	n.topics[topic] = t
	return t, nil
}

// Peers returns a snapshot of currently known peers.
func (n *Host) Peers() []*Peer {
	n.peerLock.RLock()
	defer n.peerLock.RUnlock()
	out := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	return out
}

// Self returns this host's own peer id.
func (n *Host) Self() PeerID { return PeerID(n.host.ID().String()) }

// Close tears down the gossipsub router and underlying libp2p host.
func (n *Host) Close() error {
	n.cancel()
	return n.host.Close()
}
