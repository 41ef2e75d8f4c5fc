package health

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/vircluster/vircored/pkg/types"
)

// execResult runs an external command and reports whether it indicates
// trouble, treating "tool not installed" as healthy-but-unchecked rather
// than a fault: a node without the vendor tooling installed shouldn't be
// flagged unhealthy for hardware it may not even have.
func execResult(ctx context.Context, name string, args ...string) (ok bool, output string, ranAtAll bool) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if _, ok := err.(*exec.Error); ok {
			return true, "", false
		}
		return false, stderr.String(), true
	}
	return true, stdout.String(), true
}

// PSURedundancy shells out to the vendor's power-supply status tool
// (e.g. ipmitool sdr type "Power Supply") and flags loss of redundancy.
type PSURedundancy struct {
	Command []string
}

func NewPSURedundancy() *PSURedundancy {
	return &PSURedundancy{Command: []string{"ipmitool", "sdr", "type", "Power Supply"}}
}

func (c *PSURedundancy) Name() string { return "psu_redundancy_lost" }

func (c *PSURedundancy) Run(ctx context.Context) Result {
	ok, output, ran := execResult(ctx, c.Command[0], c.Command[1:]...)
	if !ran {
		return Result{Healthy: true, Message: "psu monitoring tool not installed"}
	}
	if !ok {
		return Result{
			Healthy:     false,
			Severity:    types.FaultCritical,
			Message:     fmt.Sprintf("psu status check failed: %s", output),
			HealthDelta: 25,
		}
	}
	return Result{Healthy: true, Message: "psu redundancy nominal"}
}

// HardwareRAID shells out to the controller's CLI (e.g. storcli, megacli)
// and flags a degraded or failed array.
type HardwareRAID struct {
	Command []string
}

func NewHardwareRAID() *HardwareRAID {
	return &HardwareRAID{Command: []string{"storcli", "/call/vall", "show"}}
}

func (c *HardwareRAID) Name() string { return "raid_degraded" }

func (c *HardwareRAID) Run(ctx context.Context) Result {
	ok, output, ran := execResult(ctx, c.Command[0], c.Command[1:]...)
	if !ran {
		return Result{Healthy: true, Message: "raid controller tool not installed"}
	}
	if !ok {
		return Result{
			Healthy:     false,
			Severity:    types.FaultCritical,
			Message:     fmt.Sprintf("raid status check failed: %s", output),
			HealthDelta: 30,
		}
	}
	return Result{Healthy: true, Message: "raid arrays nominal"}
}

// DiskSMART shells out to smartctl against every configured device and
// flags any that report a failing SMART health assessment.
type DiskSMART struct {
	Devices []string
}

func NewDiskSMART(devices []string) *DiskSMART {
	return &DiskSMART{Devices: devices}
}

func (c *DiskSMART) Name() string { return "disk_smart_failing" }

func (c *DiskSMART) Run(ctx context.Context) Result {
	if len(c.Devices) == 0 {
		return Result{Healthy: true, Message: "no devices configured for smart monitoring"}
	}
	for _, dev := range c.Devices {
		ok, output, ran := execResult(ctx, "smartctl", "-H", dev)
		if !ran {
			return Result{Healthy: true, Message: "smartctl not installed"}
		}
		if !ok {
			return Result{
				Healthy:     false,
				Severity:    types.FaultCritical,
				Message:     fmt.Sprintf("smart check failed on %s: %s", dev, output),
				HealthDelta: 20,
			}
		}
	}
	return Result{Healthy: true, Message: "smart status nominal on all devices"}
}
