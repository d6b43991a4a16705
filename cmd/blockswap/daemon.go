package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"blockswap/api/rest"
	"blockswap/config"
	"blockswap/core/blockstore"
	"blockswap/network/bitswap"
	"blockswap/network/breaker"
	"blockswap/network/libp2p"
	"blockswap/network/peer_registry"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Join the network and serve blocks",
	Long: `Start a blockswap node: open the blockstore, connect to bootnodes and
local peers, run the exchange engine and serve the REST API until
interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runDaemon(ctx, cfg, log)
	},
}

func init() {
	fs := daemonCmd.Flags()
	fs.Int("port", 4001, "P2P listen port (0 picks a free port)")
	fs.String("data", "./data", "Blockstore directory")
	fs.String("store", blockstore.BackendLevelDB, "Blockstore backend (leveldb, badger, memory)")
	fs.String("key", "./data/peer.key", "Peer identity key file; empty for an ephemeral identity")
	fs.StringSlice("bootnode", nil, "Bootnode multiaddr, repeatable")
	fs.Bool("mdns", true, "Discover peers on the local network")
	fs.Bool("announce", true, "Gossip provided blocks over pubsub")
	fs.String("api-listen", "127.0.0.1:8080", "REST API listen address")
	fs.Bool("no-api", false, "Do not serve the REST API")
	bindFlags(fs, map[string]string{
		"node.port":      "port",
		"store.path":     "data",
		"store.backend":  "store",
		"node.key_path":  "key",
		"node.bootnodes": "bootnode",
		"node.mdns":      "mdns",
		"node.announce":  "announce",
		"api.listen":     "api-listen",
	})
	daemonCmd.PreRun = func(cmd *cobra.Command, args []string) {
		if noAPI, _ := cmd.Flags().GetBool("no-api"); noAPI {
			v.Set("api.enabled", false)
		}
	}
}

// runDaemon wires storage, transport, engine and API, and blocks until ctx
// ends or a component fails.
func runDaemon(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) error {
	store, err := blockstore.Open(blockstore.Config{
		Backend:    cfg.Store.Backend,
		Path:       cfg.Store.Path,
		CacheBytes: cfg.Store.CacheBytes,
	})
	if err != nil {
		return errors.Wrap(err, "failed to open blockstore")
	}
	defer store.Close()

	reg := peer_registry.New(nil)
	node, err := libp2p.NewNode(ctx, cfg.Node, reg, log)
	if err != nil {
		return errors.Wrap(err, "failed to start libp2p node")
	}
	defer node.Close()

	net := bitswap.NewNetwork(node.Host(), log)
	defer net.Close()

	// A nil *Routing must not become a non-nil interface.
	var routing bitswap.ContentRouting
	if r := node.Routing(); r != nil {
		routing = r
	}
	engine := bitswap.NewEngine(engineConfig(cfg, reg), store, net, routing, log)
	if err := engine.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start exchange engine")
	}
	defer engine.Close()

	log.Infow("Node started", "peer_id", node.ID(), "addrs", node.Addrs(), "store", cfg.Store.Backend)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.API.Enabled {
		api := rest.NewServer(engine, node, log)
		g.Go(func() error {
			return api.Run(gctx, cfg.API.Listen)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Infow("Shutting down")
		return nil
	})
	return g.Wait()
}

func engineConfig(cfg *config.Config, reg *peer_registry.Registry) bitswap.Config {
	ec := bitswap.DefaultConfig()
	ex := cfg.Exchange
	ec.MaxRetries = ex.MaxRetries
	ec.RequestTimeout = ex.RequestTimeout
	ec.ProviderSearchTimeout = ex.ProviderSearchTimeout
	ec.MaxProviders = ex.MaxProviders
	ec.RebroadcastInterval = ex.RebroadcastInterval
	ec.PeerBreaker = breaker.Config{FailureThreshold: uint32(ex.PeerBreakerThreshold), ResetTimeout: ex.PeerBreakerReset}
	ec.BlockBreaker = breaker.Config{FailureThreshold: uint32(ex.BlockBreakerThreshold), ResetTimeout: ex.BlockBreakerReset}
	ec.InboundRate = ex.InboundRate
	ec.InboundBurst = ex.InboundBurst
	ec.MaxServingPerPeer = ex.MaxServingPerPeer
	ec.BreakerIdle = ex.BreakerIdle

	cc := cfg.Connections
	ec.MaxConnections = cc.MaxConnections
	ec.BandwidthWindow = cc.BandwidthWindow
	ec.SendLimit = cc.SendLimit
	ec.RecvLimit = cc.RecvLimit

	ec.Registry = reg
	return ec
}
