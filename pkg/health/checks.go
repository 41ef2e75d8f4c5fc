package health

import (
	"context"

	"github.com/vircluster/vircored/pkg/hypervisor"
	"github.com/vircluster/vircored/pkg/types"
)

// HypervisorCheck probes local hypervisor connectivity by listing
// domains; a failure here means the node can observe nothing about its
// own VMs and should lose health before the agent's next keepalive.
type HypervisorCheck struct {
	driver hypervisor.Driver
}

// NewHypervisorCheck wraps driver as a health.Check.
func NewHypervisorCheck(driver hypervisor.Driver) *HypervisorCheck {
	return &HypervisorCheck{driver: driver}
}

func (c *HypervisorCheck) Name() string { return "hypervisor" }

func (c *HypervisorCheck) Run(ctx context.Context) Result {
	if _, err := c.driver.List(ctx); err != nil {
		return Result{
			Healthy:     false,
			FaultID:     "hypervisor_unreachable",
			Severity:    types.FaultCritical,
			Message:     err.Error(),
			HealthDelta: 50,
		}
	}
	return Result{Healthy: true}
}
