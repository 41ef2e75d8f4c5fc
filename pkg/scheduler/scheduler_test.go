package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vircluster/vircored/pkg/types"
)

func nodes() []types.Node {
	return []types.Node{
		{Name: "host-a", DaemonState: types.DaemonStateRun, Resources: types.NodeResources{
			FreeMemoryBytes: 4 << 30, VMRunningCount: 3, LoadAverage: 1.2, VCPUAllocated: 8, ProvisionedMemoryBytes: 10 << 30,
		}},
		{Name: "host-b", DaemonState: types.DaemonStateRun, Resources: types.NodeResources{
			FreeMemoryBytes: 8 << 30, VMRunningCount: 1, LoadAverage: 0.3, VCPUAllocated: 2, ProvisionedMemoryBytes: 2 << 30,
		}},
	}
}

func TestSelectMemPicksMostFreeMemory(t *testing.T) {
	target, ok := Select(nodes(), &types.VM{}, "mem", "mem")
	assert.True(t, ok)
	assert.Equal(t, "host-b", target)
}

func TestSelectVMsPicksFewestRunning(t *testing.T) {
	target, ok := Select(nodes(), &types.VM{}, "vms", "mem")
	assert.True(t, ok)
	assert.Equal(t, "host-b", target)
}

func TestSelectLoadPicksLowest(t *testing.T) {
	target, ok := Select(nodes(), &types.VM{}, "LOAD", "mem")
	assert.True(t, ok)
	assert.Equal(t, "host-b", target)
}

func TestSelectNoneFallsBackToClusterDefault(t *testing.T) {
	target, ok := Select(nodes(), &types.VM{}, "none", "vms")
	assert.True(t, ok)
	assert.Equal(t, "host-b", target)
}

func TestSelectHonorsNodeLimit(t *testing.T) {
	vm := &types.VM{Meta: types.VMMeta{NodeLimit: []string{"host-a"}}}
	target, ok := Select(nodes(), vm, "mem", "mem")
	assert.True(t, ok)
	assert.Equal(t, "host-a", target)
}

func TestSelectEmptyIntersectionReturnsNotOK(t *testing.T) {
	vm := &types.VM{Meta: types.VMMeta{NodeLimit: []string{"nonexistent"}}}
	_, ok := Select(nodes(), vm, "mem", "mem")
	assert.False(t, ok)
}

func TestCandidatesExcludesMaintenance(t *testing.T) {
	assert.Empty(t, Candidates(nodes(), true))
	assert.Len(t, Candidates(nodes(), false), 2)
}
