package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/vircluster/vircored/pkg/fault"
	"github.com/vircluster/vircored/pkg/flush"
	"github.com/vircluster/vircored/pkg/intents"
	"github.com/vircluster/vircored/pkg/store"
	"github.com/vircluster/vircored/pkg/types"
)

var errNotLeader = errors.New("not the leader")

type fakeClusterNode struct {
	added    map[string]string
	failWith error
}

func (f *fakeClusterNode) AddVoter(nodeID, address string) error {
	if f.failWith != nil {
		return f.failWith
	}
	if f.added == nil {
		f.added = map[string]string{}
	}
	f.added[nodeID] = address
	return nil
}

func newTestClient(t *testing.T) *store.Client {
	t.Helper()
	fsm, err := store.NewFSM(t.TempDir() + "/rpc-test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = fsm.Close() })
	return store.NewClient(fsm, store.NewLocalApplier(fsm))
}

// dialServer starts node/intake behind an in-memory bufconn listener and
// returns a Client dialed against it, the standard way to exercise a
// grpc.Server without binding a real port.
func dialServer(t *testing.T, node ClusterNode, intake *intents.Processor) *Client {
	t.Helper()
	storeClient := newTestClient(t)
	return dialServerWithStore(t, node, intake, storeClient, fault.NewRegistry(storeClient, "host-a"))
}

func dialServerWithStore(t *testing.T, node ClusterNode, intake *intents.Processor, storeClient *store.Client, faults *fault.Registry) *Client {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := NewServer(node, intake, storeClient, faults)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.Dial() }
	cc, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	return &Client{cc: cc}
}

func TestRequestJoinAddsVoter(t *testing.T) {
	node := &fakeClusterNode{}
	client := dialServer(t, node, nil)

	require.NoError(t, client.RequestJoin("node-2", "10.0.0.2:7000"))
	require.Equal(t, "10.0.0.2:7000", node.added["node-2"])
}

func TestRequestJoinMissingFieldsRejected(t *testing.T) {
	node := &fakeClusterNode{}
	client := dialServer(t, node, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := invoke(ctx, client.cc, "Join", map[string]any{"node_id": "node-2"})
	require.Error(t, err)
}

func TestRequestJoinPropagatesNotLeaderError(t *testing.T) {
	node := &fakeClusterNode{failWith: errNotLeader}
	client := dialServer(t, node, nil)

	err := client.RequestJoin("node-2", "10.0.0.2:7000")
	require.Error(t, err)
}

func TestSubmitIntentForwardsToProcessor(t *testing.T) {
	storeClient := newTestClient(t)
	cfg := flush.DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.DrainTimeout = 50 * time.Millisecond
	faults := fault.NewRegistry(storeClient, "host-a")
	intake := intents.New(storeClient, flush.New(storeClient, cfg), faults)

	client := dialServerWithStore(t, &fakeClusterNode{}, intake, storeClient, faults)

	vm := &types.VM{UUID: "vm-1", Name: "web-1", DesiredState: types.VMDesiredStop}
	require.NoError(t, storeClient.DefineVM(vm.UUID, vm.Name, vm))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	taskID, err := client.SubmitIntent(ctx, "vm-start", "vm-1", nil)
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	require.Eventually(t, func() bool {
		rec, err := storeClient.Get(store.KindVM, "vm-1")
		require.NoError(t, err)
		var got types.VM
		require.NoError(t, json.Unmarshal(rec.Data, &got))
		return got.DesiredState == types.VMDesiredStart
	}, time.Second, 5*time.Millisecond)
}

func TestSubmitIntentMissingKindRejected(t *testing.T) {
	storeClient := newTestClient(t)
	cfg := flush.DefaultConfig()
	faults := fault.NewRegistry(storeClient, "host-a")
	intake := intents.New(storeClient, flush.New(storeClient, cfg), faults)
	client := dialServerWithStore(t, &fakeClusterNode{}, intake, storeClient, faults)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := invoke(ctx, client.cc, "SubmitIntent", map[string]any{"target": "vm-1"})
	require.Error(t, err)
}

func TestListNodesReturnsStoredNodes(t *testing.T) {
	storeClient := newTestClient(t)
	_, err := storeClient.Put(store.KindNode, "host-a", &types.Node{Name: "host-a", Role: types.NodeRoleCoordinator, HealthScore: 100})
	require.NoError(t, err)

	client := dialServerWithStore(t, &fakeClusterNode{}, nil, storeClient, fault.NewRegistry(storeClient, "host-a"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	nodes, err := client.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, "host-a", nodes[0]["name"])
}

func TestListFaultsReturnsTrackedFaults(t *testing.T) {
	storeClient := newTestClient(t)
	faults := fault.NewRegistry(storeClient, "host-a")
	_, err := storeClient.Put(store.KindFault, "disk_full", &types.Fault{ID: "disk_full", Severity: types.FaultWarning})
	require.NoError(t, err)

	client := dialServerWithStore(t, &fakeClusterNode{}, nil, storeClient, faults)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := client.ListFaults(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "disk_full", got[0]["id"])
}
