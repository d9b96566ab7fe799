// Command validatornode is the entry point of one shardbft validator: it
// loads configuration, wires the substate store, transaction pool, executor,
// hotstuff consensus engine, template manager, sync manager, p2p host and
// RPC/metrics servers together, then blocks serving traffic until
// interrupted.
//
// Grounded on the teacher's cmd/synnergy/main.go command-tree shape: a
// single root cobra.Command with subcommands added via AddCommand, each
// loading configuration through cmd/config before doing anything else.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	cmdconfig "shardbft/cmd/config"
	"shardbft/internal/consensus/driver"
	"shardbft/internal/consensus/foreign"
	"shardbft/internal/consensus/hotstuff"
	"shardbft/internal/evictionlog"
	"shardbft/internal/executor"
	"shardbft/internal/identity"
	"shardbft/internal/metrics"
	"shardbft/internal/nodestate"
	"shardbft/internal/p2p"
	"shardbft/internal/rpcserver"
	"shardbft/internal/substate"
	"shardbft/internal/syncclient"
	"shardbft/internal/syncsvc"
	"shardbft/internal/template"
	"shardbft/internal/txpool"
	"shardbft/internal/types"
	"shardbft/internal/wasmengine"
	pkgconfig "shardbft/pkg/config"
)

// wasmCallsPerSecond/wasmCallBurst bound the admission rate of WASM
// invocations, independent of the per-execution fuel limit carried in
// cfg.VM.MaxFuelPerCall and of the RPC layer's own admission limiter.
const (
	wasmCallsPerSecond = 500
	wasmCallBurst      = 100
)

func main() {
	root := &cobra.Command{
		Use:   "validatornode",
		Short: "Run or operate a shardbft validator",
	}
	root.PersistentFlags().String("env", "", "environment overlay name (merges config/<env>.yaml)")

	root.AddCommand(startCmd())
	root.AddCommand(templateCmd())
	root.AddCommand(checkpointCmd())

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("validatornode exited with error")
	}
}

func loadConfig(cmd *cobra.Command) pkgconfig.Config {
	env, _ := cmd.Flags().GetString("env")
	cmdconfig.LoadConfig(env)
	return cmdconfig.AppConfig
}

func newLogger(cfg pkgconfig.Config) *logrus.Logger {
	lg := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		lg.SetLevel(level)
	}
	if cfg.Logging.File != "" {
		if f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			lg.SetOutput(f)
		} else {
			lg.WithError(err).Warn("could not open log file, falling back to stderr")
		}
	}
	return lg
}

// node bundles every long-lived component start wires together, so start's
// subcommand body stays a thin sequence of constructor calls.
type node struct {
	lg        *logrus.Logger
	cfg       pkgconfig.Config
	store     substate.Store
	pool      *txpool.Pool
	templates *template.Manager
	engine    *hotstuff.Engine
	sync      *syncsvc.Manager
	host      *p2p.Host
	metrics   *metrics.Collector
	blocks    *nodestate.Blocks
	cps       *nodestate.Checkpoints
	states    *nodestate.Transitions
	identity  *identity.KeyPair
	evictions *evictionlog.Writer
	driver    *driver.Driver
}

func buildNode(cfg pkgconfig.Config, lg *logrus.Logger) (*node, error) {
	n := &node{
		lg:      lg,
		cfg:     cfg,
		store:   substate.NewMemStore(lg),
		pool:    txpool.NewPool(lg),
		blocks:  nodestate.NewBlocks(),
		cps:     nodestate.NewCheckpoints(),
		states:  nodestate.NewTransitions(),
		metrics: metrics.NewCollector(lg),
	}
	n.templates = template.NewManager(lg, int64(cfg.TemplateCache.MaxBytes))
	n.pool.SetObserver(n.metrics)

	numCommittees := committeeCount(cfg)
	loadModule := func(addr types.SubstateId) (*template.LoadedModule, error) {
		ctx := context.Background()
		return n.templates.GetTemplateModule(ctx, addr, func(_ context.Context, rec *template.Record) (*template.LoadedModule, error) {
			return &template.LoadedModule{Address: addr, Type: rec.Type, Bytes: rec.Binary}, nil
		})
	}
	wasmEngine := wasmengine.NewEngine(wasmCallsPerSecond, wasmCallBurst)
	exec := executor.New(n.store, loadModule, wasmEngine, numCommittees, lg)

	members, err := identity.ParseCommittee(cfg.Consensus.Validators)
	if err != nil {
		return nil, fmt.Errorf("validatornode: parse consensus.validators: %w", err)
	}
	committee := hotstuff.NewCommittee(members)

	id, err := nodeIdentity(cfg)
	if err != nil {
		return nil, fmt.Errorf("validatornode: load node identity: %w", err)
	}
	if cfg.Consensus.NodeSeedHex == "" {
		lg.Warn("consensus.node_seed not set, generated an ephemeral identity; this node will not keep its committee slot across restarts")
	}
	n.identity = id
	if !committee.IsMember(id.Public) {
		lg.WithField("pubkey", fmt.Sprintf("%x", id.Public)).Warn("this node's identity is not a member of consensus.validators; it will never be selected as leader")
	}

	evictions, err := evictionlog.Open(cfg.Consensus.EvictionLogPath)
	if err != nil {
		return nil, fmt.Errorf("validatornode: open eviction log: %w", err)
	}
	n.evictions = evictions

	localGroup := types.ShardGroup{Start: types.Shard(cfg.Shard.Start), End: types.Shard(cfg.Shard.End)}

	newViewSink := driver.NewLazyNewViewSink()
	n.engine = hotstuff.New(hotstuff.Config{
		LocalGroup:    localGroup,
		Committee:     committee,
		MaxMisses:     cfg.Consensus.MaxMisses,
		PacemakerBase: cfg.Consensus.PacemakerBase,
		PacemakerMax:  cfg.Consensus.PacemakerMax,
		MaxCommands:   cfg.Consensus.MaxCommands,
		MaxFeeWeight:  cfg.Consensus.MaxFeeWeight,
		Observer:      n.metrics,
		EvictionSink:  n.evictions,
		NewViewSink:   newViewSink,
	}, n.pool, n.store, exec, lg)

	onTemplateChange := func(ev syncsvc.TemplateChangeEvent) {
		lg.WithField("template", ev.Address).Info("template change observed during sync")
	}
	n.sync = syncsvc.NewManager(n.store, localGroup, onTemplateChange, lg)
	n.sync.SetObserver(n.metrics)

	host, err := p2p.New(p2p.Config{ListenAddr: cfg.Network.ListenAddr, BootstrapPeers: cfg.Network.BootstrapPeers}, lg)
	if err != nil {
		return nil, fmt.Errorf("validatornode: start p2p host: %w", err)
	}
	n.host = host

	foreignHandler := foreign.NewHandler(localGroup, driver.NewLocalEpochs(committee), driver.NewEnginePacer(n.engine), n.pool)
	n.driver = driver.New(n.engine, n.pool, foreignHandler, n.host, n.identity, localGroup, lg)
	newViewSink.Bind(n.driver)

	return n, nil
}

// nodeIdentity loads this validator's signing keypair from
// consensus.node_seed, generating an ephemeral one (logging a warning) if
// none is configured.
func nodeIdentity(cfg pkgconfig.Config) (*identity.KeyPair, error) {
	if cfg.Consensus.NodeSeedHex == "" {
		return identity.Generate()
	}
	return identity.FromSeedHex(cfg.Consensus.NodeSeedHex)
}

func committeeCount(cfg pkgconfig.Config) uint32 {
	span := cfg.Shard.End - cfg.Shard.Start
	if span == 0 {
		return 1
	}
	n := types.NumPreshards / span
	if n == 0 {
		return 1
	}
	return n
}

func (n *node) rpcDeps() rpcserver.Deps {
	return rpcserver.Deps{
		Pool:        n.pool,
		Results:     n.pool,
		Substates:   n.store,
		Consensus:   n.engine,
		Checkpoints: n.cps,
		Blocks:      n.blocks,
		States:      n.states,
		Templates:   n.templates,
	}
}

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the validator node's RPC, metrics and p2p services",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			lg := newLogger(cfg)

			n, err := buildNode(cfg, lg)
			if err != nil {
				lg.WithError(err).Fatal("failed to build node")
			}
			defer n.host.Close()
			defer n.evictions.Close()

			consensusCtx, stopConsensus := context.WithCancel(context.Background())
			defer stopConsensus()
			if err := n.driver.Start(consensusCtx); err != nil {
				lg.WithError(err).Fatal("failed to start consensus driver")
			}

			rpc := rpcserver.New(n.rpcDeps(), cfg.Network.RPCReqPerSec, cfg.Network.RPCBurst, lg)
			rpcHTTP := rpc.NewHTTPServer(cfg.Network.RPCAddr)
			metricsHTTP := n.metrics.StartServer(cfg.Network.MetricsAddr)

			go func() {
				lg.WithField("addr", cfg.Network.RPCAddr).Info("rpc server listening")
				if err := rpcHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					lg.WithError(err).Fatal("rpc server failed")
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			lg.Info("shutdown signal received")

			stopConsensus()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Consensus.PacemakerMax)
			defer shutdownCancel()
			_ = rpcHTTP.Shutdown(shutdownCtx)
			_ = n.metrics.Shutdown(shutdownCtx, metricsHTTP)
		},
	}
	return cmd
}

func templateCmd() *cobra.Command {
	parent := &cobra.Command{Use: "template", Short: "Template lifecycle operations"}
	parent.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Run one sync round against configured bootstrap peers for pending templates",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			lg := newLogger(cfg)
			n, err := buildNode(cfg, lg)
			if err != nil {
				lg.WithError(err).Fatal("failed to build node")
			}
			defer n.host.Close()
			defer n.evictions.Close()

			peers := peersFromConfig(cfg)
			if len(peers) == 0 {
				lg.Warn("no bootstrap peers configured, nothing to sync from")
				return
			}
			if err := n.sync.SyncOnce(context.Background(), peers, 0); err != nil {
				lg.WithError(err).Fatal("template sync failed")
			}
			lg.WithField("pending", len(n.templates.PendingAddresses())).Info("sync round complete")
		},
	})
	return parent
}

func checkpointCmd() *cobra.Command {
	parent := &cobra.Command{Use: "checkpoint", Short: "Checkpoint operations"}
	export := &cobra.Command{
		Use:   "export",
		Short: "Print the locally held checkpoint for an epoch as JSON",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			lg := newLogger(cfg)
			n, err := buildNode(cfg, lg)
			if err != nil {
				lg.WithError(err).Fatal("failed to build node")
			}
			defer n.host.Close()
			defer n.evictions.Close()

			epoch, _ := cmd.Flags().GetUint64("epoch")
			cp, ok := n.cps.Checkpoint(epoch)
			if !ok {
				lg.WithField("epoch", epoch).Fatal("no checkpoint held locally for that epoch")
			}
			fmt.Printf("%+v\n", cp)
		},
	}
	export.Flags().Uint64("epoch", 0, "epoch number to export")
	parent.AddCommand(export)
	return parent
}

func peersFromConfig(cfg pkgconfig.Config) []syncsvc.Peer {
	peers := make([]syncsvc.Peer, 0, len(cfg.Network.BootstrapPeers))
	for i, addr := range cfg.Network.BootstrapPeers {
		peers = append(peers, syncclient.New(fmt.Sprintf("bootstrap-%d", i), addr))
	}
	return peers
}
