// Package cluster wires the Raft consensus group that the Store Client
// is built on top of. Raft leadership only decides which node commits
// store writes; the cluster's primary is elected separately through an
// ephemeral store key (see pkg/elector).
package cluster

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/vircluster/vircored/pkg/log"
	"github.com/vircluster/vircored/pkg/metrics"
	"github.com/vircluster/vircored/pkg/store"
)

// Config holds the parameters needed to stand up this node's Raft group.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Node owns the Raft instance and the FSM it drives. It is the
// coordination core's cluster membership boundary: everything above it
// (the Store Client façade, the Primary Elector) speaks only to this
// type, never to raft.Raft directly.
type Node struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft *raft.Raft
	fsm  *store.FSM
}

// New opens the local FSM but does not start Raft; call Bootstrap or
// Join next.
func New(cfg Config) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	fsm, err := store.NewFSM(filepath.Join(cfg.DataDir, "coordination.db"))
	if err != nil {
		return nil, fmt.Errorf("opening coordination store: %w", err)
	}

	return &Node{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      fsm,
	}, nil
}

func (n *Node) newRaft() (*raft.Raft, *raft.NetworkTransport, error) {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(n.nodeID)

	// A tighter timeout set than hashicorp/raft's WAN-oriented defaults:
	// this is a LAN deployment and keepalive/fencing timing assumes Raft
	// leadership changes land well inside the node keepalive interval.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	config.Logger = log.NewHCLogAdapter(log.WithComponent("raft"))

	addr, err := net.ResolveTCPAddr("tcp", n.bindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(n.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("creating raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(n.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("creating snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(n.dataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("creating raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(n.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("creating raft stable store: %w", err)
	}

	r, err := raft.NewRaft(config, n.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, nil, fmt.Errorf("creating raft instance: %w", err)
	}
	return r, transport, nil
}

// Bootstrap starts a brand-new single-node cluster with this node as its
// only member; subsequent nodes reach it via Join.
func (n *Node) Bootstrap() error {
	r, transport, err := n.newRaft()
	if err != nil {
		return err
	}
	n.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(n.nodeID), Address: transport.LocalAddr()},
		},
	}
	future := n.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("bootstrapping raft cluster: %w", err)
	}
	return nil
}

// JoinRPC is the minimal interface Join needs to ask an existing leader
// to add this node as a voter. pkg/rpc's gRPC client implements it.
type JoinRPC interface {
	RequestJoin(nodeID, bindAddr string) error
}

// Join starts Raft without bootstrapping a new configuration, then asks
// the existing cluster (via rpc) to add this node as a voter.
func (n *Node) Join(leaderAddr string, rpc JoinRPC) error {
	r, _, err := n.newRaft()
	if err != nil {
		return err
	}
	n.raft = r

	if err := rpc.RequestJoin(n.nodeID, n.bindAddr); err != nil {
		return fmt.Errorf("requesting join via %s: %w", leaderAddr, err)
	}
	return nil
}

// AddVoter adds nodeID/address as a voting member. Must be called on the
// current leader.
func (n *Node) AddVoter(nodeID, address string) error {
	if n.raft == nil {
		return fmt.Errorf("raft not started")
	}
	if !n.IsLeader() {
		return fmt.Errorf("not the leader, current leader is %s", n.LeaderAddr())
	}
	future := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("adding voter %s: %w", nodeID, err)
	}
	metrics.ElectionTransitionsTotal.Inc()
	return nil
}

// RemoveServer removes a member from the Raft group. Must be called on
// the current leader.
func (n *Node) RemoveServer(nodeID string) error {
	if n.raft == nil {
		return fmt.Errorf("raft not started")
	}
	if !n.IsLeader() {
		return fmt.Errorf("not the leader")
	}
	future := n.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("removing server %s: %w", nodeID, err)
	}
	return nil
}

// Servers returns the current Raft configuration's member list.
func (n *Node) Servers() ([]raft.Server, error) {
	if n.raft == nil {
		return nil, fmt.Errorf("raft not started")
	}
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("reading raft configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// IsLeader reports whether this node currently holds Raft leadership.
// This is independent of whether it is the cluster's primary.
func (n *Node) IsLeader() bool {
	return n.raft != nil && n.raft.State() == raft.Leader
}

// LeaderAddr returns the current Raft leader's transport address, or
// empty if unknown.
func (n *Node) LeaderAddr() string {
	if n.raft == nil {
		return ""
	}
	return string(n.raft.Leader())
}

// LeaderCh exposes raft's leadership-change notification channel. It
// reports Raft leadership changes only, not primary handoffs.
func (n *Node) LeaderCh() <-chan bool {
	if n.raft == nil {
		ch := make(chan bool)
		close(ch)
		return ch
	}
	return n.raft.LeaderCh()
}

// Stats returns a small snapshot of Raft's internal state for diagnostics.
func (n *Node) Stats() map[string]string {
	if n.raft == nil {
		return nil
	}
	return n.raft.Stats()
}

// FSM returns the underlying coordination store FSM, for pkg/store's
// Client to build its read/write/watch/lock surface on top of.
func (n *Node) FSM() *store.FSM {
	return n.fsm
}

// Apply proposes cmd to the Raft log and blocks until it is committed and
// applied, returning whatever the FSM's Apply returned for it.
func (n *Node) Apply(cmd store.Command, timeout time.Duration) (interface{}, error) {
	if n.raft == nil {
		return nil, fmt.Errorf("raft not started")
	}
	timer := metrics.NewTimer()
	data, err := cmd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshaling command: %w", err)
	}
	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("applying command: %w", err)
	}
	timer.ObserveDuration(metrics.ReconcileDuration.WithLabelValues("raft_apply"))

	resp := future.Response()
	if err, ok := resp.(error); ok && err != nil {
		return nil, err
	}
	return resp, nil
}

// Shutdown stops Raft and closes the local store.
func (n *Node) Shutdown() error {
	if n.raft != nil {
		if err := n.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("shutting down raft: %w", err)
		}
	}
	if n.fsm != nil {
		if err := n.fsm.Close(); err != nil {
			return fmt.Errorf("closing store: %w", err)
		}
	}
	return nil
}
