package detector

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vircluster/vircored/pkg/store"
	"github.com/vircluster/vircored/pkg/types"
)

type fakeFencer struct {
	mu     sync.Mutex
	fenced []string
}

func (f *fakeFencer) Fence(ctx context.Context, nodeName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fenced = append(f.fenced, nodeName)
	return nil
}

func (f *fakeFencer) wasFenced(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.fenced {
		if n == name {
			return true
		}
	}
	return false
}

func newTestClient(t *testing.T) *store.Client {
	t.Helper()
	fsm, err := store.NewFSM(t.TempDir() + "/detector-test.db")
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

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func testConfig() Config {
	return Config{
		PollInterval: 15 * time.Millisecond,
		NMiss:        2,
		GracePeriod:  20 * time.Millisecond,
	}
}

func TestDetectorIgnoresFreshPeer(t *testing.T) {
	client := newTestClient(t)
	fencer := &fakeFencer{}

	putNode(t, client, &types.Node{Name: "host-a", DaemonState: types.DaemonStateRun, Keepalive: time.Now()})

	d := New(client, fencer, "host-b", testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, types.DaemonStateRun, getNode(t, client, "host-a").DaemonState)
	assert.False(t, fencer.wasFenced("host-a"))
}

func TestDetectorDeclaresDeadAfterSuspicionAndGrace(t *testing.T) {
	client := newTestClient(t)
	fencer := &fakeFencer{}

	putNode(t, client, &types.Node{Name: "host-a", DaemonState: types.DaemonStateRun, Keepalive: time.Now().Add(-time.Hour)})

	d := New(client, fencer, "host-b", testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return getNode(t, client, "host-a").DaemonState == types.DaemonStateDead
	})
	waitFor(t, time.Second, func() bool { return fencer.wasFenced("host-a") })

	faults, err := client.List(store.KindFault)
	require.NoError(t, err)
	require.Len(t, faults, 1)
}

func TestDetectorSkipsFencingDuringMaintenance(t *testing.T) {
	client := newTestClient(t)
	fencer := &fakeFencer{}

	_, err := client.Put(store.KindCluster, store.ClusterSingletonID, &types.Cluster{Maintenance: true})
	require.NoError(t, err)
	putNode(t, client, &types.Node{Name: "host-a", DaemonState: types.DaemonStateRun, Keepalive: time.Now().Add(-time.Hour)})

	d := New(client, fencer, "host-b", testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return getNode(t, client, "host-a").DaemonState == types.DaemonStateDead
	})

	time.Sleep(200 * time.Millisecond)
	assert.False(t, fencer.wasFenced("host-a"))
}

func TestDetectorNeverActsOnSelf(t *testing.T) {
	client := newTestClient(t)
	fencer := &fakeFencer{}

	putNode(t, client, &types.Node{Name: "host-a", DaemonState: types.DaemonStateRun, Keepalive: time.Now().Add(-time.Hour)})

	d := New(client, fencer, "host-a", testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, types.DaemonStateRun, getNode(t, client, "host-a").DaemonState)
	assert.False(t, fencer.wasFenced("host-a"))
}
