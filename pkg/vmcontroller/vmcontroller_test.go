package vmcontroller

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vircluster/vircored/pkg/hypervisor"
	"github.com/vircluster/vircored/pkg/store"
	"github.com/vircluster/vircored/pkg/types"
)

type noopMigrator struct{}

func (noopMigrator) Migrate(ctx context.Context, vmID string) error   { return nil }
func (noopMigrator) Move(ctx context.Context, vmID string) error      { return nil }
func (noopMigrator) Unmigrate(ctx context.Context, vmID string) error { return nil }

func newTestClient(t *testing.T) *store.Client {
	t.Helper()
	fsm, err := store.NewFSM(t.TempDir() + "/vmcontroller-test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = fsm.Close() })
	return store.NewClient(fsm, store.NewLocalApplier(fsm))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func getVM(t *testing.T, client *store.Client, id string) types.VM {
	t.Helper()
	rec, err := client.Get(store.KindVM, id)
	require.NoError(t, err)
	var vm types.VM
	require.NoError(t, json.Unmarshal(rec.Data, &vm))
	return vm
}

func TestControllerStartsDefinedVM(t *testing.T) {
	client := newTestClient(t)
	driver := hypervisor.NewFakeDriver()
	ctrl := New(client, driver, noopMigrator{}, "host-a", DefaultConfig())
	ctrl.cfg.ReconcileInterval = 20 * time.Millisecond

	vm := &types.VM{
		UUID: "vm-1", Name: "web-1",
		ObservedState: types.VMObservedStop, DesiredState: types.VMDesiredStart,
		CurrentNode: "host-a", DomainBlob: "<domain/>",
	}
	require.NoError(t, client.DefineVM(vm.UUID, vm.Name, vm))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctrl.Start(ctx)
	defer ctrl.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return getVM(t, client, "vm-1").ObservedState == types.VMObservedStart
	})
}

func TestControllerIgnoresVMsOnOtherNodes(t *testing.T) {
	client := newTestClient(t)
	driver := hypervisor.NewFakeDriver()
	ctrl := New(client, driver, noopMigrator{}, "host-a", DefaultConfig())
	ctrl.cfg.ReconcileInterval = 20 * time.Millisecond

	vm := &types.VM{
		UUID: "vm-2", Name: "web-2",
		ObservedState: types.VMObservedStop, DesiredState: types.VMDesiredStart,
		CurrentNode: "host-b", DomainBlob: "<domain/>",
	}
	require.NoError(t, client.DefineVM(vm.UUID, vm.Name, vm))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctrl.Start(ctx)
	defer ctrl.Stop()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, types.VMObservedStop, getVM(t, client, "vm-2").ObservedState)
}

func TestControllerStopsAfterFailureBudgetExhausted(t *testing.T) {
	client := newTestClient(t)
	driver := hypervisor.NewFakeDriver()
	cfg := DefaultConfig()
	cfg.ReconcileInterval = 10 * time.Millisecond
	cfg.MaxFailures = 2
	ctrl := New(client, driver, noopMigrator{}, "host-a", cfg)

	vm := &types.VM{
		UUID: "vm-3", Name: "web-3",
		ObservedState: types.VMObservedStop, DesiredState: types.VMDesiredStart,
		CurrentNode: "host-a",
		// no DomainBlob and driver never Define'd it: Start fails every time.
	}
	require.NoError(t, client.DefineVM(vm.UUID, vm.Name, vm))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctrl.Start(ctx)
	defer ctrl.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return getVM(t, client, "vm-3").ObservedState == types.VMObservedFail
	})

	time.Sleep(200 * time.Millisecond)
	assert.True(t, ctrl.failureGuard("vm-3"))
}
