// Command p2p-node runs the P2P networking core standalone: a listener, a
// Noise-authenticated overlay, routing/dedup/ban bookkeeping and a
// DNS-assisted bootstrap loop, with the consensus/application plane
// stubbed out to a logging sink. Grounded on cmd/kcn/main.go's app
// construction (package-level flag vars, app.Before/app.After, the
// prometheus exporter goroutine) and cmd/ranger/config.go's toml config
// loading, adapted from the klaytn node lifecycle to this node's own
// flags and wiring.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli"

	appplane "github.com/bisgardo/concordium-node/app"
	"github.com/bisgardo/concordium-node/common"
	"github.com/bisgardo/concordium-node/log"
	"github.com/bisgardo/concordium-node/metrics"
	"github.com/bisgardo/concordium-node/networks/p2p"
	"github.com/bisgardo/concordium-node/networks/p2p/banlist"
	"github.com/bisgardo/concordium-node/networks/p2p/bootstrap"
	"github.com/bisgardo/concordium-node/networks/p2p/dedup"
	"github.com/bisgardo/concordium-node/networks/p2p/discover"
	"github.com/bisgardo/concordium-node/networks/p2p/noisecodec"
	"github.com/bisgardo/concordium-node/networks/p2p/router"
)

var logger = log.NewModuleLogger(log.Node)

var (
	configFileFlag = cli.StringFlag{Name: "config", Usage: "TOML configuration file"}

	listenAddressFlag = cli.StringFlag{Name: "listen-address", Usage: "address to bind the listener to", Value: DefaultConfig.ListenAddress}
	listenPortFlag    = cli.IntFlag{Name: "listen-port", Usage: "port to bind the listener to", Value: DefaultConfig.ListenPort}

	bootstrapNodeFlag  = cli.StringSliceFlag{Name: "bootstrap-node", Usage: "host:port of a bootstrap peer (repeatable)"}
	bootstrapDNSFlag   = cli.StringFlag{Name: "bootstrap-dns", Usage: "DNS name whose TXT records list bootstrap peers"}
	noBootstrapDNSFlag = cli.BoolFlag{Name: "no-bootstrap-dns", Usage: "disable DNS-based bootstrap entirely"}

	desiredNodesFlag    = cli.IntFlag{Name: "desired-nodes", Usage: "target Node-typed peer count the bootstrap loop aims for", Value: DefaultConfig.DesiredNodes}
	maxAllowedNodesFlag = cli.IntFlag{Name: "max-allowed-nodes", Usage: "hard cap on Node-typed peer count", Value: DefaultConfig.MaxAllowedNodes}

	idFlag      = cli.StringFlag{Name: "id", Usage: "16 hex digit node id; random and persisted if omitted"}
	dataDirFlag = cli.StringFlag{Name: "data-dir", Usage: "directory holding bans/genesis_hash/node-id", Value: DefaultConfig.DataDir}

	metricsAddrFlag = cli.StringFlag{Name: "metrics-addr", Usage: "listen address for the /metrics exporter", Value: DefaultConfig.MetricsAddr}
)

var app *cli.App

func init() {
	app = cli.NewApp()
	app.Name = "p2p-node"
	app.Usage = "Concordium-style P2P networking core"
	app.Flags = []cli.Flag{
		configFileFlag,
		listenAddressFlag, listenPortFlag,
		bootstrapNodeFlag, bootstrapDNSFlag, noBootstrapDNSFlag,
		desiredNodesFlag, maxAllowedNodesFlag,
		idFlag, dataDirFlag,
		metricsAddrFlag,
	}
	app.Action = run
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if common.IsKind(err, common.KindFatal) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// buildConfig merges DefaultConfig, an optional --config file and the
// explicit flags a user passed, in that order of increasing precedence —
// the same layering cmd/ranger/config.go's makeConfigRanger applies.
func buildConfig(ctx *cli.Context) (Config, error) {
	cfg := DefaultConfig
	if file := ctx.GlobalString(configFileFlag.Name); file != "" {
		if err := loadConfigFile(file, &cfg); err != nil {
			return Config{}, err
		}
	}
	if ctx.IsSet(listenAddressFlag.Name) {
		cfg.ListenAddress = ctx.GlobalString(listenAddressFlag.Name)
	}
	if ctx.IsSet(listenPortFlag.Name) {
		cfg.ListenPort = ctx.GlobalInt(listenPortFlag.Name)
	}
	if nodes := ctx.GlobalStringSlice(bootstrapNodeFlag.Name); len(nodes) > 0 {
		cfg.Bootstrappers = nodes
	}
	if ctx.IsSet(bootstrapDNSFlag.Name) {
		cfg.BootstrapDNS = ctx.GlobalString(bootstrapDNSFlag.Name)
	}
	if ctx.GlobalBool(noBootstrapDNSFlag.Name) {
		cfg.NoBootstrapDNS = true
	}
	if ctx.IsSet(desiredNodesFlag.Name) {
		cfg.DesiredNodes = ctx.GlobalInt(desiredNodesFlag.Name)
	}
	if ctx.IsSet(maxAllowedNodesFlag.Name) {
		cfg.MaxAllowedNodes = ctx.GlobalInt(maxAllowedNodesFlag.Name)
	}
	if ctx.IsSet(idFlag.Name) {
		cfg.NodeIdHex = ctx.GlobalString(idFlag.Name)
	}
	if ctx.IsSet(dataDirFlag.Name) {
		cfg.DataDir = ctx.GlobalString(dataDirFlag.Name)
	}
	if ctx.IsSet(metricsAddrFlag.Name) {
		cfg.MetricsAddr = ctx.GlobalString(metricsAddrFlag.Name)
	}
	if cfg.NoBootstrapDNS {
		cfg.BootstrapDNS = ""
	}
	return cfg, nil
}

// run wires every subsystem together and blocks until the event loop
// exits, following §6's exit-code contract: startup misconfiguration
// returns a Policy/State-kind (→ exit 1) error, a fatal loop failure a
// Fatal-kind (→ exit 2) one, a clean shutdown returns nil (→ exit 0).
func run(ctx *cli.Context) error {
	runtime.GOMAXPROCS(runtime.NumCPU())

	cfg, err := buildConfig(ctx)
	if err != nil {
		return common.NewStateError(err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return common.NewStateError(err)
	}

	nodeId, err := loadOrCreateNodeId(cfg.dataFile("node-id"), cfg.NodeIdHex)
	if err != nil {
		return common.NewStateError(err)
	}
	genesisHash, acceptedGenesisHashes, err := loadGenesisHashes(cfg.dataFile("genesis_hash"))
	if err != nil {
		return common.NewStateError(err)
	}

	listenIP := net.ParseIP(cfg.ListenAddress)
	if listenIP == nil {
		return common.NewStateError(fmt.Errorf("invalid listen-address %q", cfg.ListenAddress))
	}
	listenAddr := net.TCPAddr{IP: listenIP, Port: cfg.ListenPort}
	self := common.Peer{Id: nodeId, Type: common.PeerTypeNode, Address: listenAddr}
	networks := cfg.networkIds()

	staticKeypair, err := noisecodec.GenerateStaticKeypair()
	if err != nil {
		return common.NewStateError(err)
	}

	bans, err := banlist.Open(cfg.dataFile("bans"))
	if err != nil {
		return err // already a Fatal-kind CoreError from banlist.Open
	}
	defer bans.Close()

	buckets := discover.New(discover.DefaultCapacity)
	dq, err := dedup.New()
	if err != nil {
		return common.NewStateError(err)
	}

	deliveries := make(chan router.Delivery, 256)
	defer close(deliveries)
	go appplane.Drain(deliveries, appplane.LoggingPlane{})

	promCounters := metrics.NewPrometheus(prometheus.DefaultRegisterer)
	go metrics.Serve(cfg.MetricsAddr)

	srv, err := p2p.NewServer(p2p.Config{
		Self:                  self,
		SelfNetworks:          networks,
		StaticKeypair:         staticKeypair,
		MaxAllowedNodes:       cfg.MaxAllowedNodes,
		GenesisHash:           genesisHash,
		AcceptedGenesisHashes: acceptedGenesisHashes,
	}, listenAddr)
	if err != nil {
		return err // already Fatal-kind from NewServer's listen failure
	}
	srv.Metrics = promCounters

	const trustPeerBans = true
	rtr := router.New(self, trustPeerBans, srv, buckets, bans, dq, deliveries)

	srv.Handle = rtr.HandleEnvelope
	srv.IsBanned = rtr.IsBanned
	srv.OnEstablished = func(conn *p2p.Connection) {
		peer := conn.Peer()
		if peer == nil {
			return
		}
		for _, n := range conn.Networks() {
			buckets.Insert(n, *peer)
		}
	}
	srv.OnClosed = func(conn *p2p.Connection) {
		peer := conn.Peer()
		if peer == nil {
			return
		}
		buckets.Remove(0, *peer, true)
	}

	bootstrapAddrs, err := cfg.bootstrapAddrs()
	if err != nil {
		return common.NewStateError(err)
	}

	go runBootstrap(srv, rtr, cfg, self, networks, bootstrapAddrs)

	logger.Info("starting p2p node", "id", nodeId, "listen", srv.Addr(), "data-dir", cfg.DataDir)
	srv.Run()
	return nil
}

// runBootstrap drives C6's startup seeding and starved-reconvergence loop
// in its own goroutine: it never touches sockets directly, only Server's
// Connect and the Loop's Due/Starved/Bootstrappers bookkeeping, consistent
// with the single-I/O-goroutine concurrency model (SPEC_FULL.md §5).
// When starved it re-dials configured bootstrappers that have no
// registered connection. It sends no GetPeers request, at startup or when
// starved, so OnPeerList only dials peers from PeerList replies to
// requests that some other code sends.
func runBootstrap(srv *p2p.Server, rtr *router.Router, cfg Config, self common.Peer, networks []common.NetworkId, configured []net.TCPAddr) {
	resolver := bootstrap.DefaultResolver
	seeds := bootstrap.Seeds(context.Background(), bootstrap.Config{
		ConfiguredNodes: configured,
		DNSName:         cfg.BootstrapDNS,
		DesiredNodes:    cfg.DesiredNodes,
		Networks:        networks,
	}, resolver)

	loop := bootstrap.NewLoop(cfg.DesiredNodes, networks, seeds)
	for _, addr := range loop.Bootstrappers() {
		if err := srv.Connect(common.PeerTypeBootstrapper, addr, nil); err != nil {
			logger.Warn("bootstrap connect failed", "addr", addr, "err", err)
		}
	}

	rtr.OnPeerList(func(peers []common.Peer) {
		known := func(p common.Peer) bool {
			return srv.KnownPeer(p.Id) || srv.KnownAddress(p.Address)
		}
		for _, p := range bootstrap.FilterUnknownPeers(peers, self, known) {
			if err := srv.Connect(p.Type, p.Address, &p.Id); err != nil {
				logger.Warn("dial from peer-list failed", "peer", p, "err", err)
			}
		}
	})

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if !loop.Due() || !loop.Starved(srv.PeerCount()) {
			continue
		}
		for _, addr := range loop.Bootstrappers() {
			if srv.KnownAddress(addr) {
				continue
			}
			if err := srv.Connect(common.PeerTypeBootstrapper, addr, nil); err != nil {
				logger.Warn("re-bootstrap connect failed", "addr", addr, "err", err)
			}
		}
	}
}
