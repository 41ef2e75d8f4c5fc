package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vircluster/vircored/pkg/cluster"
	"github.com/vircluster/vircored/pkg/config"
	"github.com/vircluster/vircored/pkg/rpc"
)

const joinDialTimeout = 10 * time.Second

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage cluster membership",
}

var clusterInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap a new cluster with this node as its first coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := daemonOptsFromFlags(cmd)

		fmt.Println("Bootstrapping cluster...")
		fmt.Printf("  Node ID:   %s\n", opts.nodeID)
		fmt.Printf("  Bind Addr: %s\n", opts.bindAddr)
		fmt.Printf("  Data Dir:  %s\n", opts.dataDir)

		node, err := cluster.New(cluster.Config{NodeID: opts.nodeID, BindAddr: opts.bindAddr, DataDir: opts.dataDir})
		if err != nil {
			return fmt.Errorf("opening node: %w", err)
		}
		if err := node.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrapping raft: %w", err)
		}
		fmt.Println("✓ Raft cluster bootstrapped")

		if opts.configPath == "" {
			generatedPath := opts.dataDir + "/cluster.yaml"
			if err := config.Save(generatedPath, config.Default()); err != nil {
				return fmt.Errorf("persisting generated config: %w", err)
			}
			opts.configPath = generatedPath
			fmt.Printf("✓ wrote defaults to %s\n", generatedPath)
		}

		return runDaemon(node, opts)
	},
}

var clusterJoinCmd = &cobra.Command{
	Use:   "join LEADER_RPC_ADDR",
	Short: "Join this node to an existing cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		leaderAddr := args[0]
		opts := daemonOptsFromFlags(cmd)

		fmt.Printf("Joining cluster via %s...\n", leaderAddr)

		node, err := cluster.New(cluster.Config{NodeID: opts.nodeID, BindAddr: opts.bindAddr, DataDir: opts.dataDir})
		if err != nil {
			return fmt.Errorf("opening node: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), joinDialTimeout)
		defer cancel()
		client, err := rpc.Dial(ctx, leaderAddr)
		if err != nil {
			return fmt.Errorf("dialing leader: %w", err)
		}
		defer client.Close()

		if err := node.Join(leaderAddr, client); err != nil {
			return fmt.Errorf("joining raft group: %w", err)
		}
		fmt.Println("✓ Joined raft group")

		return runDaemon(node, opts)
	},
}

func runDaemon(node *cluster.Node, opts daemonOpts) error {
	d, err := newDaemon(node, opts)
	if err != nil {
		return fmt.Errorf("wiring daemon: %w", err)
	}

	ctx := context.Background()
	if err := d.Start(ctx, opts.rpcAddr, opts.metricsAddr); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}
	fmt.Printf("✓ Node agent, detector, fencer, elector, vm controller started\n")
	fmt.Printf("✓ rpc listening on %s\n", opts.rpcAddr)
	fmt.Printf("✓ metrics listening on %s/metrics\n", opts.metricsAddr)
	fmt.Println()
	fmt.Println("Node is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")
	d.Stop()
	fmt.Println("✓ Shutdown complete")
	return nil
}

func daemonOptsFromFlags(cmd *cobra.Command) daemonOpts {
	nodeID, _ := cmd.Flags().GetString("node-id")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	rpcAddr, _ := cmd.Flags().GetString("rpc-addr")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	configPath, _ := cmd.Flags().GetString("config")
	libvirtSocket, _ := cmd.Flags().GetString("libvirt-socket")
	ipmiKeyHex, _ := cmd.Flags().GetString("ipmi-key-hex")
	floatIface, _ := cmd.Flags().GetString("float-iface")
	floatCIDR, _ := cmd.Flags().GetString("float-cidr")
	floatMetricsAddr, _ := cmd.Flags().GetString("float-metrics-addr")
	floatDHCPIface, _ := cmd.Flags().GetString("float-dhcp-iface")
	floatNetworkID, _ := cmd.Flags().GetString("float-network-id")
	smartDevices, _ := cmd.Flags().GetString("smart-devices")
	loadCeiling, _ := cmd.Flags().GetFloat64("load-ceiling")
	clusterGateway, _ := cmd.Flags().GetString("cluster-gateway")
	dnsDatabaseAddr, _ := cmd.Flags().GetString("dns-database-addr")
	coordinator, _ := cmd.Flags().GetBool("coordinator")

	return daemonOpts{
		nodeID:           nodeID,
		bindAddr:         bindAddr,
		rpcAddr:          rpcAddr,
		metricsAddr:      metricsAddr,
		dataDir:          dataDir,
		configPath:       configPath,
		libvirtSocket:    libvirtSocket,
		ipmiKeyHex:       ipmiKeyHex,
		floatIface:       floatIface,
		floatCIDR:        floatCIDR,
		floatMetricsAddr: floatMetricsAddr,
		floatDHCPIface:   floatDHCPIface,
		floatNetworkID:   floatNetworkID,
		smartDevices:     smartDevices,
		loadCeiling:      loadCeiling,
		clusterGateway:   clusterGateway,
		dnsDatabaseAddr:  dnsDatabaseAddr,
		coordinator:      coordinator,
	}
}

func init() {
	clusterCmd.AddCommand(clusterInitCmd)
	clusterCmd.AddCommand(clusterJoinCmd)

	for _, c := range []*cobra.Command{clusterInitCmd, clusterJoinCmd} {
		c.Flags().String("node-id", "node-1", "Unique node identifier")
		c.Flags().String("bind-addr", "127.0.0.1:7950", "Address for Raft communication")
		c.Flags().String("rpc-addr", "127.0.0.1:7951", "Address for the peer/intent gRPC seam")
		c.Flags().String("metrics-addr", "127.0.0.1:9100", "Address for the Prometheus metrics endpoint")
		c.Flags().String("data-dir", "./vircored-data", "Data directory for cluster state")
		c.Flags().String("config", "", "Path to cluster.yaml (defaults applied if omitted)")
		c.Flags().String("libvirt-socket", "", "libvirtd socket path (uses the default if omitted)")
		c.Flags().String("ipmi-key-hex", "", "Hex-encoded AES-256 key for decrypting IPMI credentials")
		c.Flags().String("float-iface", "", "Network interface the floating IP is configured on")
		c.Flags().String("float-cidr", "", "Floating IP in CIDR form, e.g. 10.0.0.5/24")
		c.Flags().String("float-metrics-addr", "", "Address the floating metrics reverse-proxy listens on (enables the proxy if set)")
		c.Flags().String("float-dhcp-iface", "", "Interface the DHCP instance listens on (enables it if set, with --float-network-id)")
		c.Flags().String("float-network-id", "", "Declared network id the DHCP instance serves reservations from")
		c.Flags().String("smart-devices", "", "Comma-separated block devices to poll with smartctl (enables the check if set)")
		c.Flags().Float64("load-ceiling", 0, "Load-average-per-cpu ceiling before flagging oversubscription (0 uses the built-in default)")
		c.Flags().String("cluster-gateway", "", "Cluster network gateway to probe for link health (enables the check if set)")
		c.Flags().String("dns-database-addr", "", "Address of the DNS aggregator's backing database to probe (enables the check if set)")
		c.Flags().Bool("coordinator", true, "This node participates in the store quorum and floating services")
	}
}
