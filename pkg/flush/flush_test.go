package flush

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vircluster/vircored/pkg/store"
	"github.com/vircluster/vircored/pkg/types"
)

func newTestClient(t *testing.T) *store.Client {
	t.Helper()
	fsm, err := store.NewFSM(t.TempDir() + "/flush-test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = fsm.Close() })
	return store.NewClient(fsm, store.NewLocalApplier(fsm))
}

func putNode(t *testing.T, client *store.Client, n *types.Node) {
	t.Helper()
	_, err := client.Put(store.KindNode, n.Name, n)
	require.NoError(t, err)
}

func getNode(t *testing.T, client *store.Client, name string) types.Node {
	t.Helper()
	rec, err := client.Get(store.KindNode, name)
	require.NoError(t, err)
	var n types.Node
	require.NoError(t, json.Unmarshal(rec.Data, &n))
	return n
}

func getVM(t *testing.T, client *store.Client, id string) types.VM {
	t.Helper()
	rec, err := client.Get(store.KindVM, id)
	require.NoError(t, err)
	var vm types.VM
	require.NoError(t, json.Unmarshal(rec.Data, &vm))
	return vm
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.DrainTimeout = 200 * time.Millisecond
	return cfg
}

// simulateMigration stands in for the vmcontroller + migration engine:
// whatever Flush hands to a VM (target-node, desired=migrate), this
// commits the landing state a real migration would, once the caller
// notices the queued desired-state change.
func simulateMigration(t *testing.T, client *store.Client, vmID string) {
	t.Helper()
	rec, err := client.Get(store.KindVM, vmID)
	require.NoError(t, err)
	var vm types.VM
	require.NoError(t, json.Unmarshal(rec.Data, &vm))
	require.Equal(t, types.VMDesiredMigrate, vm.DesiredState)

	vm.PreviousNode = vm.CurrentNode
	vm.CurrentNode = vm.TargetNode
	vm.TargetNode = ""
	vm.DesiredState = types.VMDesiredStart
	vm.ObservedState = types.VMObservedStart
	_, err = client.CompareAndSet(store.KindVM, vmID, rec.Version, &vm)
	require.NoError(t, err)
}

func TestFlushSchedulesMigrationsAndWaitsForDrain(t *testing.T) {
	client := newTestClient(t)
	putNode(t, client, &types.Node{Name: "host-a", DaemonState: types.DaemonStateRun})
	putNode(t, client, &types.Node{Name: "host-b", DaemonState: types.DaemonStateRun})

	vm := &types.VM{UUID: "vm-1", Name: "web-1", CurrentNode: "host-a", ObservedState: types.VMObservedStart}
	require.NoError(t, client.DefineVM(vm.UUID, vm.Name, vm))

	c := New(client, fastConfig())

	done := make(chan error, 1)
	go func() { done <- c.Flush(context.Background(), "host-a") }()

	require.Eventually(t, func() bool {
		got := getVM(t, client, "vm-1")
		return got.DesiredState == types.VMDesiredMigrate && got.TargetNode == "host-b"
	}, time.Second, 5*time.Millisecond)

	simulateMigration(t, client, "vm-1")

	require.NoError(t, <-done)
	require.Equal(t, types.DaemonStateFlushed, getNode(t, client, "host-a").DaemonState)
}

func TestFlushWithNoRunningVMsCompletesImmediately(t *testing.T) {
	client := newTestClient(t)
	putNode(t, client, &types.Node{Name: "host-a", DaemonState: types.DaemonStateRun})

	c := New(client, fastConfig())
	require.NoError(t, c.Flush(context.Background(), "host-a"))
	require.Equal(t, types.DaemonStateFlushed, getNode(t, client, "host-a").DaemonState)
}

func TestFlushIgnoresVMsNotActuallyRunning(t *testing.T) {
	client := newTestClient(t)
	putNode(t, client, &types.Node{Name: "host-a", DaemonState: types.DaemonStateRun})
	putNode(t, client, &types.Node{Name: "host-b", DaemonState: types.DaemonStateRun})

	vm := &types.VM{UUID: "vm-stopped", Name: "stopped-1", CurrentNode: "host-a", ObservedState: types.VMObservedStop}
	require.NoError(t, client.DefineVM(vm.UUID, vm.Name, vm))

	c := New(client, fastConfig())
	require.NoError(t, c.Flush(context.Background(), "host-a"))

	got := getVM(t, client, "vm-stopped")
	require.Equal(t, types.VMDesiredState(""), got.DesiredState)
	require.Equal(t, types.DaemonStateFlushed, getNode(t, client, "host-a").DaemonState)
}

func TestFlushTimesOutWhenAMigrationNeverLands(t *testing.T) {
	client := newTestClient(t)
	putNode(t, client, &types.Node{Name: "host-a", DaemonState: types.DaemonStateRun})
	putNode(t, client, &types.Node{Name: "host-b", DaemonState: types.DaemonStateRun})

	vm := &types.VM{UUID: "vm-stuck", Name: "stuck-1", CurrentNode: "host-a", ObservedState: types.VMObservedStart}
	require.NoError(t, client.DefineVM(vm.UUID, vm.Name, vm))

	c := New(client, fastConfig())
	err := c.Flush(context.Background(), "host-a")
	require.Error(t, err)
	require.Equal(t, types.DaemonStateFlushing, getNode(t, client, "host-a").DaemonState)
}

func TestFlushTreatsAFailedMigrationAsCleared(t *testing.T) {
	client := newTestClient(t)
	putNode(t, client, &types.Node{Name: "host-a", DaemonState: types.DaemonStateRun})
	putNode(t, client, &types.Node{Name: "host-b", DaemonState: types.DaemonStateRun})

	vm := &types.VM{UUID: "vm-fails", Name: "fails-1", CurrentNode: "host-a", ObservedState: types.VMObservedStart}
	require.NoError(t, client.DefineVM(vm.UUID, vm.Name, vm))

	c := New(client, fastConfig())
	done := make(chan error, 1)
	go func() { done <- c.Flush(context.Background(), "host-a") }()

	require.Eventually(t, func() bool {
		got := getVM(t, client, "vm-fails")
		return got.DesiredState == types.VMDesiredMigrate
	}, time.Second, 5*time.Millisecond)

	rec, err := client.Get(store.KindVM, "vm-fails")
	require.NoError(t, err)
	var failed types.VM
	require.NoError(t, json.Unmarshal(rec.Data, &failed))
	failed.ObservedState = types.VMObservedFail
	_, err = client.CompareAndSet(store.KindVM, "vm-fails", rec.Version, &failed)
	require.NoError(t, err)

	require.NoError(t, <-done)
	require.Equal(t, types.DaemonStateFlushed, getNode(t, client, "host-a").DaemonState)
}

func TestUnflushRestoresAutostartVMsAndSetsRun(t *testing.T) {
	client := newTestClient(t)
	putNode(t, client, &types.Node{Name: "host-a", DaemonState: types.DaemonStateFlushed})
	putNode(t, client, &types.Node{Name: "host-b", DaemonState: types.DaemonStateRun})

	vm := &types.VM{
		UUID: "vm-home", Name: "home-1", CurrentNode: "host-b", PreviousNode: "host-a",
		ObservedState: types.VMObservedStart,
		Meta:          types.VMMeta{Autostart: true},
	}
	require.NoError(t, client.DefineVM(vm.UUID, vm.Name, vm))

	nonAutostart := &types.VM{
		UUID: "vm-stay", Name: "stay-1", CurrentNode: "host-b", PreviousNode: "host-a",
		ObservedState: types.VMObservedStart,
		Meta:          types.VMMeta{Autostart: false},
	}
	require.NoError(t, client.DefineVM(nonAutostart.UUID, nonAutostart.Name, nonAutostart))

	c := New(client, fastConfig())
	require.NoError(t, c.Unflush(context.Background(), "host-a"))

	got := getVM(t, client, "vm-home")
	require.Equal(t, types.VMDesiredMigrate, got.DesiredState)
	require.Equal(t, "host-a", got.TargetNode)

	stayed := getVM(t, client, "vm-stay")
	require.Equal(t, types.VMDesiredState(""), stayed.DesiredState)

	require.Equal(t, types.DaemonStateRun, getNode(t, client, "host-a").DaemonState)
}
