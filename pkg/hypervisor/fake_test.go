package hypervisor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vircluster/vircored/pkg/types"
)

func TestFakeDriverLifecycle(t *testing.T) {
	ctx := context.Background()
	d := NewFakeDriver()

	assert.NoError(t, d.Define(ctx, "vm-1", "<domain/>"))
	assert.NoError(t, d.Start(ctx, "vm-1"))

	vms, err := d.List(ctx)
	assert.NoError(t, err)
	assert.Len(t, vms, 1)
	assert.Equal(t, types.VMObservedStart, vms[0].ObservedState)

	assert.NoError(t, d.Shutdown(ctx, "vm-1", 0))
	vms, err = d.List(ctx)
	assert.NoError(t, err)
	assert.Equal(t, types.VMObservedStop, vms[0].ObservedState)
}

func TestFakeDriverInjectedFailure(t *testing.T) {
	ctx := context.Background()
	d := NewFakeDriver()
	d.FailNext = errors.New("simulated hypervisor rpc timeout")

	err := d.Start(ctx, "vm-missing")
	assert.Error(t, err)

	// the injected failure is consumed once
	assert.NoError(t, d.Define(ctx, "vm-1", "<domain/>"))
}

func TestFakeDriverStartUnknownDomain(t *testing.T) {
	ctx := context.Background()
	d := NewFakeDriver()
	assert.Error(t, d.Start(ctx, "does-not-exist"))
}
