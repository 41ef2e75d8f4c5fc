package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/vircluster/vircored/pkg/intents"
)

var vmCmd = &cobra.Command{
	Use:   "vm",
	Short: "Operate on VMs",
}

var vmDefineCmd = &cobra.Command{
	Use:   "define UUID",
	Short: "Define a new VM from a libvirt domain XML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		xmlPath, _ := cmd.Flags().GetString("domain-xml")

		blob, err := os.ReadFile(xmlPath)
		if err != nil {
			return err
		}

		payload := intents.VMDefinePayload{Name: name, DomainBlob: string(blob)}
		return submitAndReport(cmd, string(intents.KindVMDefine), args[0], payload)
	},
}

var vmUndefineCmd = &cobra.Command{
	Use:   "undefine VM",
	Short: "Remove a VM's definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitAndReport(cmd, string(intents.KindVMUndefine), args[0], nil)
	},
}

var vmStartCmd = &cobra.Command{
	Use:   "start VM",
	Short: "Request a VM start",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitAndReport(cmd, string(intents.KindVMStart), args[0], nil)
	},
}

var vmStopCmd = &cobra.Command{
	Use:   "stop VM",
	Short: "Request a hard VM stop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitAndReport(cmd, string(intents.KindVMStop), args[0], nil)
	},
}

var vmRestartCmd = &cobra.Command{
	Use:   "restart VM",
	Short: "Request a VM restart",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitAndReport(cmd, string(intents.KindVMRestart), args[0], nil)
	},
}

var vmShutdownCmd = &cobra.Command{
	Use:   "shutdown VM",
	Short: "Request a graceful ACPI shutdown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitAndReport(cmd, string(intents.KindVMShutdown), args[0], nil)
	},
}

var vmMigrateCmd = &cobra.Command{
	Use:   "migrate VM",
	Short: "Live-migrate a VM to a scheduler-selected node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitAndReport(cmd, string(intents.KindVMMigrate), args[0], nil)
	},
}

var vmUnmigrateCmd = &cobra.Command{
	Use:   "unmigrate VM",
	Short: "Migrate a VM back to the node it was last moved from",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitAndReport(cmd, string(intents.KindVMUnmigrate), args[0], nil)
	},
}

var vmMoveCmd = &cobra.Command{
	Use:   "move VM",
	Short: "Cold-relocate a VM to a scheduler-selected node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitAndReport(cmd, string(intents.KindVMMove), args[0], nil)
	},
}

var vmRecoverCmd = &cobra.Command{
	Use:   "recover VM",
	Short: "Clear a VM's failure bookkeeping and request a fresh start",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitAndReport(cmd, string(intents.KindVMRecover), args[0], nil)
	},
}

func init() {
	vmCmd.AddCommand(vmDefineCmd)
	vmCmd.AddCommand(vmUndefineCmd)
	vmCmd.AddCommand(vmStartCmd)
	vmCmd.AddCommand(vmStopCmd)
	vmCmd.AddCommand(vmRestartCmd)
	vmCmd.AddCommand(vmShutdownCmd)
	vmCmd.AddCommand(vmMigrateCmd)
	vmCmd.AddCommand(vmUnmigrateCmd)
	vmCmd.AddCommand(vmMoveCmd)
	vmCmd.AddCommand(vmRecoverCmd)

	vmDefineCmd.Flags().String("name", "", "VM's unique name (required)")
	vmDefineCmd.Flags().String("domain-xml", "", "Path to the libvirt domain XML file (required)")

	for _, c := range []*cobra.Command{
		vmDefineCmd, vmUndefineCmd, vmStartCmd, vmStopCmd, vmRestartCmd,
		vmShutdownCmd, vmMigrateCmd, vmUnmigrateCmd, vmMoveCmd, vmRecoverCmd,
	} {
		c.Flags().String("rpc-addr", "127.0.0.1:7951", "Address of a running node's rpc seam")
	}
}
