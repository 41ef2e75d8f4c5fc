// Command vircored is the coordination core's single binary: it runs
// the cluster daemon (cluster init/cluster join) and doubles as the
// operator CLI that dials a running node's rpc.Server (node, vm, fault
// subcommands).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vircluster/vircored/pkg/log"
)

var rootCmd = &cobra.Command{
	Use:   "vircored",
	Short: "vircored - hyperconverged virtualization cluster coordination core",
	Long: `vircored runs the coordination core of a hyperconverged
virtualization cluster: the Raft-backed store, the node agent, failure
detection and fencing, VM lifecycle reconciliation, migration, and
primary election.

Run "vircored cluster init" to bootstrap the first node of a cluster, or
"vircored cluster join" to add this node to an existing one. Every other
subcommand talks to a running node over its rpc seam.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(vmCmd)
	rootCmd.AddCommand(faultCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
