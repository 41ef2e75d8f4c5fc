package intents

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vircluster/vircored/pkg/elector"
	"github.com/vircluster/vircored/pkg/fault"
	"github.com/vircluster/vircored/pkg/flush"
	"github.com/vircluster/vircored/pkg/store"
	"github.com/vircluster/vircored/pkg/types"
)

func newTestClient(t *testing.T) *store.Client {
	t.Helper()
	fsm, err := store.NewFSM(t.TempDir() + "/intents-test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = fsm.Close() })
	return store.NewClient(fsm, store.NewLocalApplier(fsm))
}

func getVM(t *testing.T, client *store.Client, id string) types.VM {
	t.Helper()
	rec, err := client.Get(store.KindVM, id)
	require.NoError(t, err)
	var vm types.VM
	require.NoError(t, json.Unmarshal(rec.Data, &vm))
	return vm
}

func getTask(t *testing.T, client *store.Client, id string) types.Task {
	t.Helper()
	rec, err := client.Get(store.KindTask, id)
	require.NoError(t, err)
	var task types.Task
	require.NoError(t, json.Unmarshal(rec.Data, &task))
	return task
}

func waitForTaskTerminal(t *testing.T, client *store.Client, taskID string) types.Task {
	t.Helper()
	var task types.Task
	require.Eventually(t, func() bool {
		task = getTask(t, client, taskID)
		return task.Status == types.TaskStatusSuccess || task.Status == types.TaskStatusFailure
	}, time.Second, 5*time.Millisecond)
	return task
}

func newProcessor(t *testing.T, client *store.Client) *Processor {
	t.Helper()
	cfg := flush.DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.DrainTimeout = 200 * time.Millisecond
	return New(client, flush.New(client, cfg), fault.NewRegistry(client, "host-a"))
}

func TestSubmitVMDefineCreatesVMAndSucceeds(t *testing.T) {
	client := newTestClient(t)
	p := newProcessor(t, client)

	payload, err := json.Marshal(VMDefinePayload{Name: "web-1"})
	require.NoError(t, err)

	taskID, err := p.Submit(context.Background(), Intent{Kind: KindVMDefine, Target: "vm-1", Payload: payload})
	require.NoError(t, err)

	task := waitForTaskTerminal(t, client, taskID)
	require.Equal(t, types.TaskStatusSuccess, task.Status)
	require.Equal(t, 100, task.Progress)

	vm := getVM(t, client, "vm-1")
	require.Equal(t, "web-1", vm.Name)
	require.Equal(t, types.VMDesiredStart, vm.DesiredState)
}

func TestSubmitVMStartResolvesByNameAndSetsDesired(t *testing.T) {
	client := newTestClient(t)
	p := newProcessor(t, client)

	vm := &types.VM{UUID: "vm-2", Name: "db-1", DesiredState: types.VMDesiredStop}
	require.NoError(t, client.DefineVM(vm.UUID, vm.Name, vm))

	taskID, err := p.Submit(context.Background(), Intent{Kind: KindVMStart, Target: "db-1"})
	require.NoError(t, err)

	task := waitForTaskTerminal(t, client, taskID)
	require.Equal(t, types.TaskStatusSuccess, task.Status)

	require.Equal(t, types.VMDesiredStart, getVM(t, client, "vm-2").DesiredState)
}

func TestSubmitVMStartUnknownTargetFails(t *testing.T) {
	client := newTestClient(t)
	p := newProcessor(t, client)

	taskID, err := p.Submit(context.Background(), Intent{Kind: KindVMStart, Target: "nope"})
	require.NoError(t, err)

	task := waitForTaskTerminal(t, client, taskID)
	require.Equal(t, types.TaskStatusFailure, task.Status)
	require.NotEmpty(t, task.Reason)
}

func TestSubmitVMRecoverClearsFailureAndRequestsStart(t *testing.T) {
	client := newTestClient(t)
	p := newProcessor(t, client)

	vm := &types.VM{UUID: "vm-3", Name: "broken-1", FailureCount: 4, FailureReason: "watchdog timeout"}
	require.NoError(t, client.DefineVM(vm.UUID, vm.Name, vm))

	taskID, err := p.Submit(context.Background(), Intent{Kind: KindVMRecover, Target: "vm-3"})
	require.NoError(t, err)
	waitForTaskTerminal(t, client, taskID)

	got := getVM(t, client, "vm-3")
	require.Equal(t, 0, got.FailureCount)
	require.Empty(t, got.FailureReason)
	require.Equal(t, types.VMDesiredStart, got.DesiredState)
}

func TestSubmitVMUndefineRemovesVM(t *testing.T) {
	client := newTestClient(t)
	p := newProcessor(t, client)

	vm := &types.VM{UUID: "vm-4", Name: "gone-1"}
	require.NoError(t, client.DefineVM(vm.UUID, vm.Name, vm))

	taskID, err := p.Submit(context.Background(), Intent{Kind: KindVMUndefine, Target: "vm-4"})
	require.NoError(t, err)
	task := waitForTaskTerminal(t, client, taskID)
	require.Equal(t, types.TaskStatusSuccess, task.Status)

	_, err = client.Get(store.KindVM, "vm-4")
	require.Error(t, err)
}

func TestSubmitNodeFlushDrainsEmptyNodeImmediately(t *testing.T) {
	client := newTestClient(t)
	p := newProcessor(t, client)

	_, err := client.Put(store.KindNode, "host-a", &types.Node{Name: "host-a", DaemonState: types.DaemonStateRun})
	require.NoError(t, err)

	taskID, err := p.Submit(context.Background(), Intent{Kind: KindNodeFlush, Target: "host-a"})
	require.NoError(t, err)
	task := waitForTaskTerminal(t, client, taskID)
	require.Equal(t, types.TaskStatusSuccess, task.Status)

	rec, err := client.Get(store.KindNode, "host-a")
	require.NoError(t, err)
	var n types.Node
	require.NoError(t, json.Unmarshal(rec.Data, &n))
	require.Equal(t, types.DaemonStateFlushed, n.DaemonState)
}

func TestSubmitNodePrimaryWritesHandoffRequest(t *testing.T) {
	client := newTestClient(t)
	p := newProcessor(t, client)

	taskID, err := p.Submit(context.Background(), Intent{Kind: KindNodePrimary, Target: "operator"})
	require.NoError(t, err)
	task := waitForTaskTerminal(t, client, taskID)
	require.Equal(t, types.TaskStatusSuccess, task.Status)

	rec, err := client.Get(store.KindCluster, elector.HandoffRequestID)
	require.NoError(t, err)
	var req types.PrimaryHandoffRequest
	require.NoError(t, json.Unmarshal(rec.Data, &req))
	require.True(t, req.Requested)
	require.Equal(t, "operator", req.RequestedBy)
}

func TestSubmitUnrecognizedKindFails(t *testing.T) {
	client := newTestClient(t)
	p := newProcessor(t, client)

	taskID, err := p.Submit(context.Background(), Intent{Kind: Kind("vm-teleport"), Target: "vm-1"})
	require.NoError(t, err)
	task := waitForTaskTerminal(t, client, taskID)
	require.Equal(t, types.TaskStatusFailure, task.Status)
}
