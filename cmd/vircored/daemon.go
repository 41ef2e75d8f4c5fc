package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/vircluster/vircored/pkg/agent"
	"github.com/vircluster/vircored/pkg/cluster"
	"github.com/vircluster/vircored/pkg/config"
	"github.com/vircluster/vircored/pkg/detector"
	"github.com/vircluster/vircored/pkg/elector"
	"github.com/vircluster/vircored/pkg/fault"
	"github.com/vircluster/vircored/pkg/fencer"
	"github.com/vircluster/vircored/pkg/floatsvc"
	"github.com/vircluster/vircored/pkg/floatsvc/dnsagg"
	"github.com/vircluster/vircored/pkg/flush"
	"github.com/vircluster/vircored/pkg/health"
	"github.com/vircluster/vircored/pkg/hypervisor"
	"github.com/vircluster/vircored/pkg/intents"
	"github.com/vircluster/vircored/pkg/log"
	"github.com/vircluster/vircored/pkg/metrics"
	"github.com/vircluster/vircored/pkg/migration"
	"github.com/vircluster/vircored/pkg/rpc"
	"github.com/vircluster/vircored/pkg/store"
	"github.com/vircluster/vircored/pkg/types"
	"github.com/vircluster/vircored/pkg/vmcontroller"
)

// daemonOpts collects every flag the cluster init/join commands share.
type daemonOpts struct {
	nodeID           string
	bindAddr         string
	rpcAddr          string
	metricsAddr      string
	dataDir          string
	configPath       string
	libvirtSocket    string
	ipmiKeyHex       string
	floatIface       string
	floatCIDR        string
	floatMetricsAddr string
	floatDHCPIface   string
	floatNetworkID   string
	smartDevices     string
	loadCeiling      float64
	clusterGateway   string
	dnsDatabaseAddr  string
	coordinator      bool
}

// daemon is every long-lived subsystem one node runs, wired once at
// startup and stopped in reverse order on shutdown.
type daemon struct {
	cfg *config.Config

	node      *cluster.Node
	store     *store.Client
	driver    hypervisor.Driver
	faults    *fault.Registry
	healthRun *health.Runner
	agent     *agent.Agent
	det       *detector.Detector
	fence     *fencer.Fencer
	elect     *elector.Elector
	flushCtl  *flush.Controller
	migrate   *migration.Engine
	vmctl     *vmcontroller.Controller
	intake    *intents.Processor
	rpcServer *rpc.Server

	metricsSrv *http.Server
}

// newDaemon constructs every subsystem against an already-bootstrapped
// or already-joined cluster.Node; it does not itself start Raft.
func newDaemon(node *cluster.Node, opts daemonOpts) (*daemon, error) {
	logger := log.WithComponent("daemon")

	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}

	storeClient := store.NewClient(node.FSM(), node)

	driver, err := hypervisor.NewLibvirtDriver(opts.libvirtSocket)
	if err != nil {
		return nil, fmt.Errorf("connecting to libvirt: %w", err)
	}

	resolver, err := ipmiResolver(opts.ipmiKeyHex)
	if err != nil {
		return nil, fmt.Errorf("building ipmi credential resolver: %w", err)
	}
	ipmiDriver := fencer.NewIPMIToolDriver(resolver)

	faults := fault.NewRegistry(storeClient, opts.nodeID)

	checks := []health.Check{
		health.NewHypervisorCheck(driver),
		health.NewPSURedundancy(),
		health.NewHardwareRAID(),
		health.NewLoadCeiling(runtime.NumCPU(), opts.loadCeiling),
	}
	if cfg.Fencing.IPMIHostname != "" {
		checks = append(checks, health.NewIPMIReachability(types.IPMIEndpoint{
			Host: cfg.Fencing.IPMIHostname,
			User: cfg.Fencing.IPMIUser,
		}))
	}
	if len(opts.smartDevices) > 0 {
		checks = append(checks, health.NewDiskSMART(strings.Split(opts.smartDevices, ",")))
	}
	if opts.clusterGateway != "" {
		checks = append(checks, health.NewNetworkLink(opts.clusterGateway))
	}
	if opts.dnsDatabaseAddr != "" {
		checks = append(checks, health.NewDatabaseReachability(opts.dnsDatabaseAddr))
	}
	healthRun := health.NewRunner(health.DefaultConfig(), checks...)

	collector := agent.NewHostCollector(driver, storeClient, opts.nodeID, opts.coordinator)
	nodeAgent := agent.New(storeClient, faults, healthRun, collector, opts.nodeID, opts.coordinator, cfg)

	migrateCfg := migration.DefaultConfig()
	migrateCfg.LockTimeoutSteady = cfg.MigrationLockTimeout()
	migrate := migration.New(storeClient, driver, opts.nodeID, migrateCfg)

	vmctlCfg := vmcontroller.DefaultConfig()
	vmctlCfg.ShutdownTimeout = cfg.VMShutdownTimeout()
	vmctl := vmcontroller.New(storeClient, driver, migrate, opts.nodeID, vmctlCfg)

	fenceCfg := fencer.DefaultConfig()
	fenceCfg.RetryCount = cfg.FenceRetryCount()
	fenceCfg.MinDelay = cfg.FenceRetryDelay(1)
	fenceCfg.MaxDelay = cfg.FenceRetryDelay(fenceCfg.RetryCount)
	fence := fencer.New(storeClient, ipmiDriver, opts.nodeID, fenceCfg)

	detCfg := detector.DefaultConfig()
	detCfg.PollInterval = cfg.KeepaliveInterval()
	detCfg.NMiss = cfg.MissedBeats()
	detCfg.GracePeriod = cfg.KeepaliveInterval()
	det := detector.New(storeClient, fence, opts.nodeID, detCfg)

	flushCtl := flush.New(storeClient, flush.DefaultConfig())
	intake := intents.New(storeClient, flushCtl, faults)

	services := []elector.FloatingService{dnsagg.New(storeClient, dnsagg.DefaultConfig())}
	if opts.floatIface != "" && opts.floatCIDR != "" {
		services = append(services, floatsvc.NewFloatingIPService(opts.floatIface, opts.floatCIDR))
	}
	if opts.floatMetricsAddr != "" {
		services = append(services, floatsvc.NewMetricsProxyService(opts.floatMetricsAddr, func() []string {
			return metricsBackends(storeClient)
		}))
	}
	if opts.floatDHCPIface != "" && opts.floatNetworkID != "" {
		services = append(services, floatsvc.NewDHCPService(opts.floatDHCPIface, func() (*types.Network, error) {
			return lookupNetwork(storeClient, opts.floatNetworkID)
		}))
	}
	elect := elector.New(storeClient, opts.nodeID, services, elector.DefaultConfig())

	rpcServer := rpc.NewServer(node, intake, storeClient, faults)

	logger.Info().Str("node_id", opts.nodeID).Bool("coordinator", opts.coordinator).Msg("daemon wired")

	return &daemon{
		cfg:       cfg,
		node:      node,
		store:     storeClient,
		driver:    driver,
		faults:    faults,
		healthRun: healthRun,
		agent:     nodeAgent,
		det:       det,
		fence:     fence,
		elect:     elect,
		flushCtl:  flushCtl,
		migrate:   migrate,
		vmctl:     vmctl,
		intake:    intake,
		rpcServer: rpcServer,
	}, nil
}

// Start brings up every subsystem in the order each one's
// dependencies require: the VM controller and detector must be running
// before the agent's first tick can matter, and the rpc seam goes up
// after them since it is what makes this node reachable by peers; the
// local metrics endpoint starts last.
func (d *daemon) Start(ctx context.Context, rpcAddr, metricsAddr string) error {
	d.vmctl.Start(ctx)
	d.det.Start(ctx)

	if err := d.elect.Start(ctx); err != nil {
		return fmt.Errorf("starting elector: %w", err)
	}

	if err := d.agent.Start(ctx); err != nil {
		return fmt.Errorf("starting agent: %w", err)
	}

	lis, err := net.Listen("tcp", rpcAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", rpcAddr, err)
	}
	go func() {
		if err := d.rpcServer.Serve(lis); err != nil {
			log.WithComponent("daemon").Error().Err(err).Msg("rpc server exited")
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	d.metricsSrv = &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := d.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithComponent("daemon").Error().Err(err).Msg("metrics server exited")
		}
	}()

	return nil
}

// Stop tears every subsystem down in the reverse of Start's order.
func (d *daemon) Stop() {
	if d.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.metricsSrv.Shutdown(ctx)
	}
	d.rpcServer.Stop()
	d.agent.Stop()
	d.elect.Stop()
	d.det.Stop()
	d.vmctl.Stop()
	_ = d.driver.Close()
	if err := d.node.Shutdown(); err != nil {
		log.WithComponent("daemon").Warn().Err(err).Msg("raft shutdown returned an error")
	}
}

// ipmiResolver builds the AES-GCM credential resolver from a hex-encoded
// key, or falls back to a random process-local key when none is
// configured. A node with no real IPMI secrets configured never calls
// ResolvePassword in anger, so the fallback only matters the moment an
// operator adds fencing without also setting the key.
func ipmiResolver(keyHex string) (fencer.CredentialResolver, error) {
	var key []byte
	if keyHex == "" {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating ephemeral ipmi key: %w", err)
		}
		log.WithComponent("daemon").Warn().Msg("no --ipmi-key-hex given, fencing credentials cannot be decrypted")
	} else {
		decoded, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("decoding --ipmi-key-hex: %w", err)
		}
		key = decoded
	}
	return fencer.NewAESGCMResolver(key)
}

// lookupNetwork fetches one declared network by id, the DHCP instance's
// only source of truth for which MAC/IP reservations it may hand out.
func lookupNetwork(client *store.Client, id string) (*types.Network, error) {
	rec, err := client.Get(store.KindNetwork, id)
	if err != nil {
		return nil, fmt.Errorf("loading network %s: %w", id, err)
	}
	var n types.Network
	if err := json.Unmarshal(rec.Data, &n); err != nil {
		return nil, fmt.Errorf("decoding network %s: %w", id, err)
	}
	return &n, nil
}

const defaultMetricsPort = "9100"

// metricsBackends lists every known node's local metrics address, the
// floating metrics proxy's backend pool. Nodes are assumed reachable by
// name on the cluster network, the same assumption the Raft transport
// and rpc seam already make.
func metricsBackends(client *store.Client) []string {
	recs, err := client.List(store.KindNode)
	if err != nil {
		return nil
	}
	backends := make([]string, 0, len(recs))
	for _, rec := range recs {
		var n struct{ Name string }
		if err := json.Unmarshal(rec.Data, &n); err != nil {
			continue
		}
		backends = append(backends, n.Name+":"+defaultMetricsPort)
	}
	return backends
}
