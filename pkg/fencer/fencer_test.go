package fencer

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
	fsm, err := store.NewFSM(t.TempDir() + "/fencer-test.db")
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
	cfg.RetryCount = 2
	cfg.MinDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	cfg.LockTimeout = time.Second
	return cfg
}

func TestFenceConfirmsAndReassignsVMs(t *testing.T) {
	client := newTestClient(t)
	putNode(t, client, &types.Node{Name: "host-a", DaemonState: types.DaemonStateDead, IPMI: types.IPMIEndpoint{Host: "10.0.0.1", User: "admin"}})
	putNode(t, client, &types.Node{Name: "host-b", DaemonState: types.DaemonStateRun})

	vm := &types.VM{
		UUID: "vm-1", Name: "web-1", CurrentNode: "host-a",
		ObservedState: types.VMObservedStart,
		Meta:          types.VMMeta{Autostart: true, MigrationMethod: types.MigrationLive},
	}
	require.NoError(t, client.DefineVM(vm.UUID, vm.Name, vm))

	driver := NewFakeIPMIDriver()
	f := New(client, driver, "host-c", fastConfig())
	require.NoError(t, f.Fence(context.Background(), "host-a"))

	assert := require.New(t)
	assert.Equal(types.DaemonStateFenced, getNode(t, client, "host-a").DaemonState)

	got := getVM(t, client, "vm-1")
	assert.Equal("host-b", got.CurrentNode)
	assert.Equal("host-a", got.PreviousNode)
	assert.Equal(types.VMDesiredStart, got.DesiredState)
	assert.Equal(types.VMObservedStop, got.ObservedState)
}

func TestFenceSkipsIneligibleVMs(t *testing.T) {
	client := newTestClient(t)
	putNode(t, client, &types.Node{Name: "host-a", DaemonState: types.DaemonStateDead, IPMI: types.IPMIEndpoint{Host: "10.0.0.1", User: "admin"}})
	putNode(t, client, &types.Node{Name: "host-b", DaemonState: types.DaemonStateRun})

	vm := &types.VM{
		UUID: "vm-2", Name: "web-2", CurrentNode: "host-a",
		ObservedState: types.VMObservedStart,
		Meta:          types.VMMeta{Autostart: false, MigrationMethod: types.MigrationLive},
	}
	require.NoError(t, client.DefineVM(vm.UUID, vm.Name, vm))

	driver := NewFakeIPMIDriver()
	f := New(client, driver, "host-c", fastConfig())
	require.NoError(t, f.Fence(context.Background(), "host-a"))

	got := getVM(t, client, "vm-2")
	require.Equal(t, "host-a", got.CurrentNode)
}

func TestFenceExhaustsAndRaisesFault(t *testing.T) {
	client := newTestClient(t)
	putNode(t, client, &types.Node{Name: "host-a", DaemonState: types.DaemonStateDead, IPMI: types.IPMIEndpoint{Host: "10.0.0.1", User: "admin"}})

	driver := NewFakeIPMIDriver()
	driver.NeverConfirms = true

	f := New(client, driver, "host-c", fastConfig())
	err := f.Fence(context.Background(), "host-a")
	require.Error(t, err)

	require.Equal(t, types.DaemonStateDead, getNode(t, client, "host-a").DaemonState)

	rec, err := client.Get(store.KindFault, "fence_exhausted:host-a")
	require.NoError(t, err)
	var fault types.Fault
	require.NoError(t, json.Unmarshal(rec.Data, &fault))
	require.Equal(t, types.FaultCritical, fault.Severity)
}

func TestFenceNoOpsWhenAnotherFencerHoldsTheLock(t *testing.T) {
	client := newTestClient(t)
	putNode(t, client, &types.Node{Name: "host-a", DaemonState: types.DaemonStateDead, IPMI: types.IPMIEndpoint{Host: "10.0.0.1", User: "admin"}})

	lock, err := client.Lock("fence:host-a", "host-other", "", time.Minute)
	require.NoError(t, err)
	defer lock.Release()

	driver := NewFakeIPMIDriver()
	f := New(client, driver, "host-c", fastConfig())
	require.NoError(t, f.Fence(context.Background(), "host-a"))

	require.Equal(t, types.DaemonStateDead, getNode(t, client, "host-a").DaemonState)
}
