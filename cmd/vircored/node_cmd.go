package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vircluster/vircored/pkg/rpc"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Operate on cluster nodes",
}

var nodeFlushCmd = &cobra.Command{
	Use:   "flush NODE",
	Short: "Drain a node's VMs and mark it flushed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitAndReport(cmd, "node-flush", args[0], nil)
	},
}

var nodeReadyCmd = &cobra.Command{
	Use:   "ready NODE",
	Short: "Clear a flushed node's drain and rejoin scheduling",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitAndReport(cmd, "node-ready", args[0], nil)
	},
}

var nodePrimaryCmd = &cobra.Command{
	Use:   "primary",
	Short: "Request the current primary step down in favor of another coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitAndReport(cmd, "node-primary", "operator", nil)
	},
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every node known to the cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		rpcAddr, _ := cmd.Flags().GetString("rpc-addr")

		ctx, cancel := context.WithTimeout(context.Background(), rpcCallTimeout)
		defer cancel()
		client, err := rpc.Dial(ctx, rpcAddr)
		if err != nil {
			return fmt.Errorf("dialing %s: %w", rpcAddr, err)
		}
		defer client.Close()

		nodes, err := client.ListNodes(ctx)
		if err != nil {
			return fmt.Errorf("listing nodes: %w", err)
		}
		if len(nodes) == 0 {
			fmt.Println("No nodes found")
			return nil
		}

		fmt.Printf("%-20s %-12s %-10s %-7s %s\n", "NAME", "ROLE", "STATE", "HEALTH", "FAULTS")
		fmt.Println(strings.Repeat("-", 70))
		for _, n := range nodes {
			faults, _ := n["active_faults"].([]any)
			faultStrs := make([]string, 0, len(faults))
			for _, f := range faults {
				if s, ok := f.(string); ok {
					faultStrs = append(faultStrs, s)
				}
			}
			fmt.Printf("%-20s %-12s %-10s %-7v %s\n",
				n["name"], n["role"], n["daemon_state"], n["health_score"], strings.Join(faultStrs, ","))
		}
		return nil
	},
}

// rpcCallTimeout bounds every one-shot CLI call against a running
// node's rpc seam.
const rpcCallTimeout = 10 * time.Second

func init() {
	nodeCmd.AddCommand(nodeFlushCmd)
	nodeCmd.AddCommand(nodeReadyCmd)
	nodeCmd.AddCommand(nodePrimaryCmd)
	nodeCmd.AddCommand(nodeListCmd)

	for _, c := range []*cobra.Command{nodeFlushCmd, nodeReadyCmd, nodePrimaryCmd, nodeListCmd} {
		c.Flags().String("rpc-addr", "127.0.0.1:7951", "Address of a running node's rpc seam")
	}
}
