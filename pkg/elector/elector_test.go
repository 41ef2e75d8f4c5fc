package elector

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

type fakeService struct {
	name string
	log  *callLog
	fail bool
}

func (s *fakeService) Name() string { return s.name }

func (s *fakeService) Start(ctx context.Context) error {
	if s.fail {
		return assert.AnError
	}
	s.log.record("start:" + s.name)
	return nil
}

func (s *fakeService) Stop(ctx context.Context) error {
	s.log.record("stop:" + s.name)
	return nil
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) record(c string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, c)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	copy(out, l.calls)
	return out
}

func newTestClient(t *testing.T) *store.Client {
	t.Helper()
	fsm, err := store.NewFSM(t.TempDir() + "/elector-test.db")
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
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func fastConfig() Config {
	return Config{SessionTTL: time.Second, RetryInterval: 20 * time.Millisecond}
}

func TestElectorWinsAndActivatesServicesInOrder(t *testing.T) {
	client := newTestClient(t)
	log := &callLog{}
	services := []FloatingService{
		&fakeService{name: "floating-ip", log: log},
		&fakeService{name: "dns-aggregator", log: log},
		&fakeService{name: "metrics-proxy", log: log},
	}

	_, err := client.Put(store.KindCluster, store.ClusterSingletonID, &types.Cluster{})
	require.NoError(t, err)

	e := New(client, "host-a", services, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	waitFor(t, time.Second, e.IsPrimary)
	waitFor(t, time.Second, func() bool { return len(log.snapshot()) == 3 })

	assert.Equal(t, []string{"start:floating-ip", "start:dns-aggregator", "start:metrics-proxy"}, log.snapshot())

	waitFor(t, time.Second, func() bool {
		rec, err := client.Get(store.KindCluster, store.ClusterSingletonID)
		if err != nil {
			return false
		}
		var cluster types.Cluster
		if err := json.Unmarshal(rec.Data, &cluster); err != nil {
			return false
		}
		return cluster.PrimaryNodeID == "host-a"
	})
}

func TestElectorLoserDoesNotActivateServices(t *testing.T) {
	client := newTestClient(t)
	winnerLog := &callLog{}
	loserLog := &callLog{}

	winner := New(client, "host-a", []FloatingService{&fakeService{name: "floating-ip", log: winnerLog}}, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, winner.Start(ctx))
	defer winner.Stop()
	waitFor(t, time.Second, winner.IsPrimary)

	loser := New(client, "host-b", []FloatingService{&fakeService{name: "floating-ip", log: loserLog}}, fastConfig())
	require.NoError(t, loser.Start(ctx))
	defer loser.Stop()

	time.Sleep(150 * time.Millisecond)
	assert.False(t, loser.IsPrimary())
	assert.Empty(t, loserLog.snapshot())
}

func TestElectorDeliberateHandoffReleasesPrimaryForReelection(t *testing.T) {
	client := newTestClient(t)
	winnerLog := &callLog{}
	loserLog := &callLog{}

	winner := New(client, "host-a", []FloatingService{&fakeService{name: "floating-ip", log: winnerLog}}, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, winner.Start(ctx))
	defer winner.Stop()
	waitFor(t, time.Second, winner.IsPrimary)

	loser := New(client, "host-b", []FloatingService{&fakeService{name: "floating-ip", log: loserLog}}, fastConfig())
	require.NoError(t, loser.Start(ctx))
	defer loser.Stop()

	_, err := client.Put(store.KindCluster, HandoffRequestID, &types.PrimaryHandoffRequest{Requested: true, RequestedBy: "operator"})
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool { return !winner.IsPrimary() })
	waitFor(t, time.Second, loser.IsPrimary)

	calls := winnerLog.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "start:floating-ip", calls[0])
	assert.Equal(t, "stop:floating-ip", calls[1])
}

func TestElectorReelectsAfterPrimarySessionExpires(t *testing.T) {
	client := newTestClient(t)
	winnerLog := &callLog{}
	loserLog := &callLog{}

	winner := New(client, "host-a", []FloatingService{&fakeService{name: "floating-ip", log: winnerLog}}, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, winner.Start(ctx))
	waitFor(t, time.Second, winner.IsPrimary)

	loser := New(client, "host-b", []FloatingService{&fakeService{name: "floating-ip", log: loserLog}}, fastConfig())
	require.NoError(t, loser.Start(ctx))
	defer loser.Stop()

	// Simulate a crashed primary: its session stops heartbeating without
	// a graceful Stop/stepDown, so its ephemeral key is only reclaimed
	// once the reaper notices the stale heartbeat.
	winner.session.Close()
	require.NoError(t, client.ReapSessions(0))

	waitFor(t, time.Second, loser.IsPrimary)
	waitFor(t, time.Second, func() bool { return len(loserLog.snapshot()) == 1 })
}

func TestElectorActivationContinuesPastAFailingService(t *testing.T) {
	client := newTestClient(t)
	log := &callLog{}
	services := []FloatingService{
		&fakeService{name: "dns-aggregator", log: log, fail: true},
		&fakeService{name: "metrics-proxy", log: log},
	}

	e := New(client, "host-a", services, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	waitFor(t, time.Second, e.IsPrimary)
	waitFor(t, time.Second, func() bool { return len(log.snapshot()) == 1 })
	assert.Equal(t, []string{"start:metrics-proxy"}, log.snapshot())

	rec, err := client.Get(store.KindFault, "floatsvc:dns-aggregator")
	require.NoError(t, err)
	var fault types.Fault
	require.NoError(t, json.Unmarshal(rec.Data, &fault))
	assert.Equal(t, types.FaultWarning, fault.Severity)
}
