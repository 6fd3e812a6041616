package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"laminar/internal/console"
	"laminar/internal/discovery"
	adminhttp "laminar/internal/http"
	clientgw "laminar/internal/network/client"
	clustergw "laminar/internal/network/cluster"
	"laminar/internal/state"
	"laminar/pkg/config"
	"laminar/pkg/journal"
	"laminar/pkg/metrics"
	"laminar/pkg/projection"
	"laminar/pkg/record"
)

func main() {
	clientIP := flag.String("clientIp", "127.0.0.1", "client-facing listen IP")
	clientPort := flag.Int("clientPort", 8587, "client-facing listen port")
	clusterIP := flag.String("clusterIp", "127.0.0.1", "cluster-facing listen IP")
	clusterPort := flag.Int("clusterPort", 8588, "cluster-facing listen port")
	dataDir := flag.String("data", "", "data directory for the logs")
	configPath := flag.String("config", "", "optional YAML runtime config")
	announce := flag.String("announce", "", "optional comma-separated ZooKeeper servers for presence announcement")
	flag.Parse()

	if *dataDir == "" {
		fmt.Fprintln(os.Stderr, "laminar: --data <dir> is required")
		os.Exit(1)
	}
	clientAddr, err := parseAddr(*clientIP, *clientPort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "laminar: bad client address: %v\n", err)
		os.Exit(1)
	}
	clusterAddr, err := parseAddr(*clusterIP, *clusterPort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "laminar: bad cluster address: %v\n", err)
		os.Exit(1)
	}

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "laminar: bad config file: %v\n", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	nodeID, err := loadNodeID(*dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "laminar: node identity: %v\n", err)
		os.Exit(1)
	}
	self := config.NewConfigEntry(nodeID, clusterAddr, clientAddr)
	bootstrap, err := config.NewClusterConfig([]config.ConfigEntry{self})
	if err != nil {
		fmt.Fprintf(os.Stderr, "laminar: bootstrap config: %v\n", err)
		os.Exit(1)
	}

	projector := projection.New(nil)
	node := state.NewNodeState(bootstrap, projector, cfg.Timing)

	store, err := journal.Open(*dataDir, node)
	if err != nil {
		fmt.Fprintf(os.Stderr, "laminar: open journal: %v\n", err)
		os.Exit(1)
	}
	lastCommitted, lastTerm := store.LastCommitted()
	node.RestoreFromJournal(lastCommitted, lastTerm, store.LastLocalOffsets())
	node.RegisterJournal(store)
	// Rebuild topic state by replaying the committed mutations; there is no
	// snapshotting, the log is the state.
	err = store.ReplayMutations(func(m record.Mutation) error {
		projector.Restore(m)
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "laminar: replay journal: %v\n", err)
		os.Exit(1)
	}
	projector.Rewind(nil)

	nodeMetrics := metrics.NewNodeMetrics()
	node.RegisterMetrics(nodeMetrics)

	clients := clientgw.NewGateway(clientAddr, node)
	node.RegisterClientGateway(clients)
	peers := clustergw.NewGateway(self, node)
	node.RegisterClusterGateway(peers)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store.Start()
	if err := clients.Manager().Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "laminar: client listener: %v\n", err)
		os.Exit(1)
	}
	if err := peers.Manager().Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "laminar: cluster listener: %v\n", err)
		os.Exit(1)
	}

	var admin *adminhttp.Server
	if cfg.Admin.Enabled {
		admin = adminhttp.NewServer(cfg.Admin.HTTPPort, node, store, clients, nodeMetrics.Registry())
		admin.Start()
	}

	var announcer *discovery.Announcer
	if *announce != "" {
		announcer, err = discovery.Connect(strings.Split(*announce, ","), cfg.Discovery.RootPath, time.Duration(cfg.Discovery.SessionTimeoutMs)*time.Millisecond)
		if err != nil {
			fmt.Fprintf(os.Stderr, "laminar: discovery: %v\n", err)
			os.Exit(1)
		}
		presence := discovery.Presence{
			NodeID:      self.NodeID.String(),
			ClusterAddr: clusterAddr.String(),
			ClientAddr:  clientAddr.String(),
		}
		if err := announcer.Announce(presence); err != nil {
			fmt.Fprintf(os.Stderr, "laminar: announce: %v\n", err)
			os.Exit(1)
		}
	}

	console.NewManager(os.Stdin, node).Start()
	go func() {
		<-ctx.Done()
		node.RequestShutdown()
	}()

	// The invoking thread is the core worker; it returns on "stop".
	node.Run()

	clients.Manager().Stop()
	peers.Stop()
	if admin != nil {
		_ = admin.Stop()
	}
	store.Stop()
	if announcer != nil {
		announcer.Close()
	}
	os.Exit(0)
}

// loadNodeID keeps the node's 128-bit identity stable across restarts;
// cluster configs reference it.
func loadNodeID(dataDir string) (uuid.UUID, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return uuid.UUID{}, err
	}
	path := filepath.Join(dataDir, "node-id")
	raw, err := os.ReadFile(path)
	if err == nil {
		return uuid.Parse(strings.TrimSpace(string(raw)))
	}
	if !os.IsNotExist(err) {
		return uuid.UUID{}, err
	}
	id := uuid.New()
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o600); err != nil {
		return uuid.UUID{}, err
	}
	return id, nil
}

func parseAddr(ip string, port int) (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if port <= 0 || port > 65535 {
		return netip.AddrPort{}, fmt.Errorf("port %d out of range", port)
	}
	return netip.AddrPortFrom(addr, uint16(port)), nil
}
