package migration

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vircluster/vircored/pkg/hypervisor"
	"github.com/vircluster/vircored/pkg/store"
	"github.com/vircluster/vircored/pkg/types"
)

func newTestClient(t *testing.T) *store.Client {
	t.Helper()
	fsm, err := store.NewFSM(t.TempDir() + "/migration-test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = fsm.Close() })
	return store.NewClient(fsm, store.NewLocalApplier(fsm))
}

func putNode(t *testing.T, client *store.Client, n *types.Node) {
	t.Helper()
	_, err := client.Put(store.KindNode, n.Name, n)
	require.NoError(t, err)
}

func getVM(t *testing.T, client *store.Client, id string) types.VM {
	t.Helper()
	rec, err := client.Get(store.KindVM, id)
	require.NoError(t, err)
	var vm types.VM
	require.NoError(t, json.Unmarshal(rec.Data, &vm))
	return vm
}

func TestMigrateCommitsOnSuccess(t *testing.T) {
	client := newTestClient(t)
	putNode(t, client, &types.Node{Name: "host-a", DaemonState: types.DaemonStateRun})
	putNode(t, client, &types.Node{Name: "host-b", DaemonState: types.DaemonStateRun, Resources: types.NodeResources{FreeMemoryBytes: 8 << 30}})

	vm := &types.VM{
		UUID: "vm-1", Name: "web-1", CurrentNode: "host-a",
		ObservedState: types.VMObservedStart, DesiredState: types.VMDesiredMigrate,
		ProvisionedMemoryBytes: 1 << 30,
		Meta:                   types.VMMeta{MigrationMethod: types.MigrationLive},
	}
	require.NoError(t, client.DefineVM(vm.UUID, vm.Name, vm))

	driver := hypervisor.NewFakeDriver()
	require.NoError(t, driver.Define(context.Background(), "vm-1", "<domain/>"))

	engine := New(client, driver, "host-a", DefaultConfig())
	require.NoError(t, engine.Migrate(context.Background(), "vm-1"))

	got := getVM(t, client, "vm-1")
	require.Equal(t, "host-b", got.CurrentNode)
	require.Equal(t, "host-a", got.PreviousNode)
	require.Equal(t, types.VMObservedStart, got.ObservedState)
	require.Equal(t, types.VMDesiredStart, got.DesiredState)
}

func TestMigrateFailsPreflightOnInsufficientMemory(t *testing.T) {
	client := newTestClient(t)
	putNode(t, client, &types.Node{Name: "host-a", DaemonState: types.DaemonStateRun})
	putNode(t, client, &types.Node{Name: "host-b", DaemonState: types.DaemonStateRun, Resources: types.NodeResources{FreeMemoryBytes: 1 << 20}})

	vm := &types.VM{
		UUID: "vm-2", Name: "web-2", CurrentNode: "host-a", TargetNode: "host-b",
		ObservedState: types.VMObservedStart, DesiredState: types.VMDesiredMigrate,
		ProvisionedMemoryBytes: 4 << 30,
	}
	require.NoError(t, client.DefineVM(vm.UUID, vm.Name, vm))

	engine := New(client, hypervisor.NewFakeDriver(), "host-a", DefaultConfig())
	err := engine.Migrate(context.Background(), "vm-2")
	require.Error(t, err)

	got := getVM(t, client, "vm-2")
	require.Equal(t, types.VMObservedStart, got.ObservedState)
	require.Equal(t, "host-a", got.CurrentNode)
	require.NotEmpty(t, got.FailureReason)
}

func TestMoveClearsPreviousNodeSoUnmigrateCannotFollowTheWrongHost(t *testing.T) {
	client := newTestClient(t)
	putNode(t, client, &types.Node{Name: "host-a", DaemonState: types.DaemonStateRun})
	putNode(t, client, &types.Node{Name: "host-b", DaemonState: types.DaemonStateRun, Resources: types.NodeResources{FreeMemoryBytes: 8 << 30}})
	putNode(t, client, &types.Node{Name: "host-c", DaemonState: types.DaemonStateRun, Resources: types.NodeResources{FreeMemoryBytes: 8 << 30}})

	vm := &types.VM{
		UUID: "vm-4", Name: "web-4", CurrentNode: "host-a",
		ObservedState: types.VMObservedStart, DesiredState: types.VMDesiredMigrate,
		ProvisionedMemoryBytes: 1 << 30,
		Meta:                   types.VMMeta{MigrationMethod: types.MigrationNone},
	}
	require.NoError(t, client.DefineVM(vm.UUID, vm.Name, vm))

	driver := hypervisor.NewFakeDriver()
	require.NoError(t, driver.Define(context.Background(), "vm-4", "<domain/>"))

	engine := New(client, driver, "host-a", DefaultConfig())
	require.NoError(t, engine.Migrate(context.Background(), "vm-4"))
	require.Equal(t, "host-a", getVM(t, client, "vm-4").PreviousNode)

	engine = New(client, driver, "host-b", DefaultConfig())
	require.NoError(t, engine.Move(context.Background(), "vm-4"))
	require.Empty(t, getVM(t, client, "vm-4").PreviousNode)

	engine = New(client, driver, getVM(t, client, "vm-4").CurrentNode, DefaultConfig())
	err := engine.Unmigrate(context.Background(), "vm-4")
	require.Error(t, err)
}

func TestUnmigrateFailsWithoutPreviousNode(t *testing.T) {
	client := newTestClient(t)
	vm := &types.VM{UUID: "vm-3", Name: "web-3", CurrentNode: "host-a", ObservedState: types.VMObservedStart}
	require.NoError(t, client.DefineVM(vm.UUID, vm.Name, vm))

	engine := New(client, hypervisor.NewFakeDriver(), "host-a", DefaultConfig())
	err := engine.Unmigrate(context.Background(), "vm-3")
	require.Error(t, err)
}
