package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vircluster/vircored/pkg/hypervisor"
)

func TestHypervisorCheckHealthyWhenDriverResponds(t *testing.T) {
	driver := hypervisor.NewFakeDriver()
	check := NewHypervisorCheck(driver)

	res := check.Run(context.Background())
	require.True(t, res.Healthy)
}

func TestHypervisorCheckUnhealthyWhenDriverFails(t *testing.T) {
	driver := hypervisor.NewFakeDriver()
	driver.FailNext = errors.New("connection refused")
	check := NewHypervisorCheck(driver)

	res := check.Run(context.Background())
	require.False(t, res.Healthy)
	require.Equal(t, "hypervisor_unreachable", res.FaultID)
}
