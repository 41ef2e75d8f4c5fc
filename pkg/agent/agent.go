// Package agent implements the Node Agent (C2): per-node startup
// registration and the keepalive loop that publishes resource and health
// state every tick. It never writes VM desired-state — that is written
// by intents, the Flush Controller, the Fencer and the Migration Engine.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/vircluster/vircored/pkg/config"
	"github.com/vircluster/vircored/pkg/fault"
	"github.com/vircluster/vircored/pkg/health"
	"github.com/vircluster/vircored/pkg/log"
	"github.com/vircluster/vircored/pkg/metrics"
	"github.com/vircluster/vircored/pkg/store"
	"github.com/vircluster/vircored/pkg/types"
)

func decodeNode(raw json.RawMessage, n *types.Node) error {
	return json.Unmarshal(raw, n)
}

// ResourceCollector abstracts per-tick host resource sampling so it can
// be faked in tests; the production implementation reads /proc and the
// hypervisor driver's VM counts.
type ResourceCollector interface {
	Collect(ctx context.Context) (types.NodeResources, error)
}

// Agent runs one node's registration and keepalive loop.
type Agent struct {
	client        *store.Client
	registry      *fault.Registry
	health        *health.Runner
	resources     ResourceCollector
	nodeName      string
	isCoordinator bool
	cfg           *config.Config

	logger zerolog.Logger
	stopCh chan struct{}
	doneCh chan struct{}

	session *store.Session
}

// New builds a Node Agent for this host.
func New(client *store.Client, registry *fault.Registry, runner *health.Runner, collector ResourceCollector, nodeName string, isCoordinator bool, cfg *config.Config) *Agent {
	return &Agent{
		client:        client,
		registry:      registry,
		health:        runner,
		resources:     collector,
		nodeName:      nodeName,
		isCoordinator: isCoordinator,
		cfg:           cfg,
		logger:        log.WithNode(nodeName),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start ensures this node's record exists, opens its ephemeral session,
// and begins the keepalive loop.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.ensureNodeRecord(); err != nil {
		return fmt.Errorf("ensuring node record: %w", err)
	}

	session, err := a.client.NewSession(ctx, store.DefaultSessionTTL)
	if err != nil {
		return fmt.Errorf("opening node session: %w", err)
	}
	a.session = session

	go a.run(ctx)
	return nil
}

// Stop transitions the node to shutdown, closes its session, and waits
// for the keepalive loop to exit.
func (a *Agent) Stop() {
	close(a.stopCh)
	<-a.doneCh

	if err := a.setDaemonState(types.DaemonStateShutdown); err != nil {
		a.logger.Warn().Err(err).Msg("failed to record shutdown daemon-state")
	}
	if a.session != nil {
		a.session.Close()
	}
}

func (a *Agent) ensureNodeRecord() error {
	_, err := a.client.Get(store.KindNode, a.nodeName)
	if err == nil {
		return nil
	}
	if _, ok := err.(*store.ErrNotFound); !ok {
		return err
	}

	node := &types.Node{
		Name:        a.nodeName,
		Role:        types.NodeRoleHypervisor,
		CPUCount:    runtime.NumCPU(),
		DaemonState: types.DaemonStateInit,
		Coordinator: a.isCoordinator,
		HealthScore: 100,
		CreatedAt:   time.Now(),
	}
	if a.isCoordinator {
		node.Role = types.NodeRoleCoordinator
	}
	_, err = a.client.CompareAndSet(store.KindNode, a.nodeName, 0, node)
	return err
}

func (a *Agent) run(ctx context.Context) {
	defer close(a.doneCh)

	interval := a.cfg.KeepaliveInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	firstTick := true

	for {
		select {
		case <-ticker.C:
			if err := a.tick(ctx); err != nil {
				a.logger.Error().Err(err).Msg("keepalive tick failed")
				continue
			}
			if firstTick {
				if err := a.setDaemonState(types.DaemonStateRun); err != nil {
					a.logger.Warn().Err(err).Msg("failed to transition to run state")
				}
				firstTick = false
			}
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick performs one keepalive cycle: collect resources, run health
// plugins, commit resources and the keepalive counter/timestamp with one
// compare-and-set on the node record, then reconcile faults and the
// health score through the fault registry, before logging a one-line
// summary. These are separate store writes, not one transaction.
func (a *Agent) tick(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.KeepaliveTickDuration)

	resources, err := a.resources.Collect(ctx)
	if err != nil {
		return fmt.Errorf("collecting resources: %w", err)
	}

	a.health.Run(ctx)

	rec, err := a.client.Get(store.KindNode, a.nodeName)
	if err != nil {
		return fmt.Errorf("reading node record: %w", err)
	}
	var node types.Node
	if err := decodeNode(rec.Data, &node); err != nil {
		return err
	}
	node.Resources = resources
	node.Keepalive = time.Now()
	node.KeepaliveCount++

	if _, err := a.client.CompareAndSet(store.KindNode, a.nodeName, rec.Version, &node); err != nil {
		return fmt.Errorf("writing keepalive: %w", err)
	}

	if err := a.registry.Reconcile([]fault.Producer{a.health}); err != nil {
		return fmt.Errorf("reconciling faults: %w", err)
	}

	a.logger.Info().
		Int("keepalive_count", node.KeepaliveCount).
		Int64("free_memory_bytes", node.Resources.FreeMemoryBytes).
		Int("vm_count", node.Resources.VMCount).
		Int("health_score", node.HealthScore).
		Msg("keepalive tick complete")

	return nil
}

func (a *Agent) setDaemonState(state types.DaemonState) error {
	rec, err := a.client.Get(store.KindNode, a.nodeName)
	if err != nil {
		return err
	}
	var node types.Node
	if err := decodeNode(rec.Data, &node); err != nil {
		return err
	}
	node.DaemonState = state
	_, err = a.client.CompareAndSet(store.KindNode, a.nodeName, rec.Version, &node)
	return err
}
