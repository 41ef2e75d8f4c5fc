// Package detector implements the Failure Detector (C3): every node
// watches the keepalive field of all its peers and, once one has gone
// quiet for too long, drives a two-phase suspicion-then-declaration
// protocol that exactly one detector in the cluster wins.
package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vircluster/vircored/pkg/log"
	"github.com/vircluster/vircored/pkg/metrics"
	"github.com/vircluster/vircored/pkg/store"
	"github.com/vircluster/vircored/pkg/types"
)

const (
	// DefaultPollInterval is T_k, the node agent keepalive period this
	// detector is tuned against.
	DefaultPollInterval = 5 * time.Second
	// DefaultNMiss is the number of keepalive periods a peer may go
	// silent for before it is suspected.
	DefaultNMiss = 6
	// DefaultGracePeriod is the additional wait, after first suspicion,
	// before a still-stale peer is declared dead.
	DefaultGracePeriod = DefaultPollInterval

	dirtyQueueDepth = 256
)

// Fencer is invoked once this detector wins a peer's death-declaration
// CAS. Implemented by pkg/fencer.Fencer; declared here to avoid an
// import cycle, since the fencer itself reads and writes the same node
// records this package watches.
type Fencer interface {
	Fence(ctx context.Context, nodeName string) error
}

// Config tunes the suspicion timing.
type Config struct {
	PollInterval time.Duration
	NMiss        int
	GracePeriod  time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval: DefaultPollInterval,
		NMiss:        DefaultNMiss,
		GracePeriod:  DefaultGracePeriod,
	}
}

// suspicion records the moment a peer first crossed the staleness
// threshold and the keepalive timestamp observed then. If a later read
// shows a newer keepalive, the suspicion was stale information and is
// discarded; only a suspicion whose keepalive hasn't moved survives to
// the grace deadline.
type suspicion struct {
	since     time.Time
	keepalive time.Time
}

// Detector watches every peer node's keepalive field and declares dead
// ones that have gone silent past N_miss missed beats plus one grace
// period.
type Detector struct {
	client   *store.Client
	fencer   Fencer
	nodeName string
	cfg      Config
	logger   zerolog.Logger

	mu           sync.Mutex
	suspects     map[string]*suspicion
	watchCancels map[string]func()

	dirty  chan string
	stopCh chan struct{}
	doneCh chan struct{}
}

func New(client *store.Client, fencer Fencer, nodeName string, cfg Config) *Detector {
	return &Detector{
		client:       client,
		fencer:       fencer,
		nodeName:     nodeName,
		cfg:          cfg,
		logger:       log.WithComponent("detector"),
		suspects:     make(map[string]*suspicion),
		watchCancels: make(map[string]func()),
		dirty:        make(chan string, dirtyQueueDepth),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

func (d *Detector) Start(ctx context.Context) {
	go d.run(ctx)
}

func (d *Detector) Stop() {
	close(d.stopCh)
	<-d.doneCh

	d.mu.Lock()
	for _, cancel := range d.watchCancels {
		cancel()
	}
	d.mu.Unlock()
}

func (d *Detector) run(ctx context.Context) {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.reconcileAll(ctx)
		case name := <-d.dirty:
			go d.reconcileOne(ctx, name)
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (d *Detector) reconcileAll(ctx context.Context) {
	records, err := d.client.List(store.KindNode)
	if err != nil {
		d.logger.Error().Err(err).Msg("listing nodes for detection")
		return
	}

	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.ID == d.nodeName {
			continue
		}
		seen[rec.ID] = true
		d.ensureWatch(rec.ID)
		go d.reconcileOne(ctx, rec.ID)
	}
	d.pruneWatches(seen)
}

func (d *Detector) ensureWatch(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.watchCancels[id]; ok {
		return
	}
	d.watchCancels[id] = d.client.Watch(store.KindNode, id, func() {
		select {
		case d.dirty <- id:
		default:
		}
	})
}

func (d *Detector) pruneWatches(seen map[string]bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, cancel := range d.watchCancels {
		if !seen[id] {
			cancel()
			delete(d.watchCancels, id)
			delete(d.suspects, id)
		}
	}
}

// reconcileOne re-reads the peer fresh and evaluates it against the
// suspicion state machine. Never acts on this node's own record.
func (d *Detector) reconcileOne(ctx context.Context, name string) {
	if name == d.nodeName {
		return
	}

	rec, err := d.client.Get(store.KindNode, name)
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); ok {
			d.clearSuspicion(name)
			return
		}
		d.logger.Error().Err(err).Str("node", name).Msg("reading peer node record")
		return
	}
	var node types.Node
	if err := json.Unmarshal(rec.Data, &node); err != nil {
		d.logger.Error().Err(err).Str("node", name).Msg("decoding peer node record")
		return
	}

	d.evaluate(ctx, rec, &node)
}

func (d *Detector) evaluate(ctx context.Context, rec *store.Record, node *types.Node) {
	if node.DaemonState == types.DaemonStateDead || node.DaemonState == types.DaemonStateFenced {
		d.clearSuspicion(node.Name)
		return
	}

	now := time.Now()
	threshold := time.Duration(d.cfg.NMiss) * d.cfg.PollInterval
	staleFor := now.Sub(node.Keepalive)
	if staleFor <= threshold {
		d.clearSuspicion(node.Name)
		return
	}

	d.mu.Lock()
	s, ok := d.suspects[node.Name]
	if !ok || !s.keepalive.Equal(node.Keepalive) {
		s = &suspicion{since: now, keepalive: node.Keepalive}
		d.suspects[node.Name] = s
		d.mu.Unlock()
		d.logger.Warn().Str("node", node.Name).Dur("stale_for", staleFor).Msg("peer suspected")
		return
	}
	graceDeadline := s.since.Add(d.cfg.GracePeriod)
	d.mu.Unlock()

	if now.Before(graceDeadline) {
		return
	}

	d.declareDead(ctx, rec, node)
}

// declareDead performs the death-declaration transaction: a CAS from
// whatever daemon-state the peer was last observed at to dead, keyed on
// the version read in this same tick. Exactly one detector's CAS can
// win against a given version; every loser's conflict is a silent,
// expected abort, not an error worth logging loudly.
func (d *Detector) declareDead(ctx context.Context, rec *store.Record, node *types.Node) {
	prior := node.DaemonState
	node.DaemonState = types.DaemonStateDead

	if _, err := d.client.CompareAndSet(store.KindNode, node.Name, rec.Version, node); err != nil {
		if _, ok := err.(*store.ErrConflict); ok {
			d.logger.Debug().Str("node", node.Name).Msg("death declaration lost race to another detector")
			d.clearSuspicion(node.Name)
			return
		}
		d.logger.Error().Err(err).Str("node", node.Name).Msg("declaring peer dead")
		return
	}

	d.clearSuspicion(node.Name)
	metrics.DeathDeclarationsTotal.Inc()
	d.logger.Warn().Str("node", node.Name).Str("prior_daemon_state", string(prior)).Msg("peer declared dead")

	d.raiseFault(node.Name)

	maintenance, err := d.clusterMaintenance()
	if err != nil {
		d.logger.Error().Err(err).Msg("reading cluster maintenance flag")
		return
	}
	if maintenance {
		d.logger.Info().Str("node", node.Name).Msg("cluster in maintenance, skipping fence escalation")
		return
	}

	go func() {
		if err := d.fencer.Fence(ctx, node.Name); err != nil {
			d.logger.Error().Err(err).Str("node", node.Name).Msg("fence protocol failed")
		}
	}()
}

// raiseFault records a cluster-visible fault for the death declaration
// independent of whether fencing proceeds; maintenance mode suppresses
// escalation, never the record of what happened.
func (d *Detector) raiseFault(nodeName string) {
	id := "peer_dead:" + nodeName
	now := time.Now()
	msg := fmt.Sprintf("peer %s declared dead by failure detector on %s", nodeName, d.nodeName)

	rec, err := d.client.Get(store.KindFault, id)
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); !ok {
			d.logger.Error().Err(err).Str("fault", id).Msg("reading existing fault")
			return
		}
		f := &types.Fault{ID: id, FirstSeen: now, LastSeen: now, Severity: types.FaultCritical, Message: msg, HealthDelta: 25}
		if _, err := d.client.Put(store.KindFault, id, f); err != nil {
			d.logger.Error().Err(err).Str("fault", id).Msg("raising peer-dead fault")
		}
		return
	}

	var f types.Fault
	if err := json.Unmarshal(rec.Data, &f); err != nil {
		return
	}
	f.LastSeen = now
	f.Message = msg
	if _, err := d.client.CompareAndSet(store.KindFault, id, rec.Version, &f); err != nil {
		d.logger.Error().Err(err).Str("fault", id).Msg("updating peer-dead fault")
	}
}

func (d *Detector) clusterMaintenance() (bool, error) {
	rec, err := d.client.Get(store.KindCluster, store.ClusterSingletonID)
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); ok {
			return false, nil
		}
		return false, err
	}
	var c types.Cluster
	if err := json.Unmarshal(rec.Data, &c); err != nil {
		return false, err
	}
	return c.Maintenance, nil
}

func (d *Detector) clearSuspicion(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.suspects, name)
}
