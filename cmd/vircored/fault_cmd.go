package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vircluster/vircored/pkg/intents"
	"github.com/vircluster/vircored/pkg/rpc"
)

var faultCmd = &cobra.Command{
	Use:   "fault",
	Short: "Operate on cluster faults",
}

var faultListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every fault currently tracked",
	RunE: func(cmd *cobra.Command, args []string) error {
		rpcAddr, _ := cmd.Flags().GetString("rpc-addr")

		ctx, cancel := context.WithTimeout(context.Background(), rpcCallTimeout)
		defer cancel()
		client, err := rpc.Dial(ctx, rpcAddr)
		if err != nil {
			return fmt.Errorf("dialing %s: %w", rpcAddr, err)
		}
		defer client.Close()

		faults, err := client.ListFaults(ctx)
		if err != nil {
			return fmt.Errorf("listing faults: %w", err)
		}
		if len(faults) == 0 {
			fmt.Println("No faults found")
			return nil
		}

		fmt.Printf("%-30s %-9s %-6s %s\n", "ID", "SEVERITY", "ACKED", "MESSAGE")
		fmt.Println(strings.Repeat("-", 80))
		for _, f := range faults {
			fmt.Printf("%-30s %-9s %-6v %s\n", f["id"], f["severity"], f["acked"], f["message"])
		}
		return nil
	},
}

var faultAckCmd = &cobra.Command{
	Use:   "ack FAULT_ID",
	Short: "Acknowledge a fault, clearing its effect on health score",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitAndReport(cmd, string(intents.KindFaultAck), args[0], nil)
	},
}

func init() {
	faultCmd.AddCommand(faultListCmd)
	faultCmd.AddCommand(faultAckCmd)

	faultListCmd.Flags().String("rpc-addr", "127.0.0.1:7951", "Address of a running node's rpc seam")
	faultAckCmd.Flags().String("rpc-addr", "127.0.0.1:7951", "Address of a running node's rpc seam")
}
