package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vircluster/vircored/pkg/rpc"
)

// submitAndReport dials the rpc seam named by --rpc-addr, submits one
// intent, and prints the task id it gets back. Intents dispatch
// asynchronously, so this reports acceptance, not completion; operators
// follow up with "node list"/"fault list" to see the result land.
func submitAndReport(cmd *cobra.Command, kind, target string, payload any) error {
	rpcAddr, _ := cmd.Flags().GetString("rpc-addr")

	var raw []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding payload: %w", err)
		}
		raw = encoded
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcCallTimeout)
	defer cancel()
	client, err := rpc.Dial(ctx, rpcAddr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", rpcAddr, err)
	}
	defer client.Close()

	taskID, err := client.SubmitIntent(ctx, kind, target, raw)
	if err != nil {
		return fmt.Errorf("submitting %s: %w", kind, err)
	}
	fmt.Printf("✓ %s accepted, task %s\n", kind, taskID)
	return nil
}
