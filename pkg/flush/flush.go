// Package flush implements the Flush Controller (C9): draining a node
// of its running VMs on operator request, and restoring them once the
// node rejoins service. Fencing a dead node reuses the same
// reassignment shape but skips the migration handshake entirely, since
// a dead peer cannot participate in a live handoff; that path lives in
// pkg/fencer, not here.
package flush

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vircluster/vircored/pkg/log"
	"github.com/vircluster/vircored/pkg/metrics"
	"github.com/vircluster/vircored/pkg/scheduler"
	"github.com/vircluster/vircored/pkg/store"
	"github.com/vircluster/vircored/pkg/types"
)

const (
	// DefaultPollInterval paces the drain-completion poll while Flush
	// waits for in-flight migrations to land.
	DefaultPollInterval = 2 * time.Second
	// DefaultDrainTimeout bounds how long Flush waits for every VM to
	// clear the node before giving up and returning an error; the node
	// is left in flushing rather than rolled back, so a retry of the
	// same node-flush intent can pick up wherever migrations stalled.
	DefaultDrainTimeout = 30 * time.Minute
)

// Config tunes poll cadence and the overall drain deadline.
type Config struct {
	PollInterval time.Duration
	DrainTimeout time.Duration
	// DefaultSelector is substituted for a VM whose own node-selector
	// policy is empty or "none", same as every other placement call.
	DefaultSelector string
}

func DefaultConfig() Config {
	return Config{PollInterval: DefaultPollInterval, DrainTimeout: DefaultDrainTimeout, DefaultSelector: scheduler.SelectorMem}
}

// Controller drives node flush/unflush on behalf of a node-flush or
// node-ready intent. It holds no per-node goroutine of its own — Flush
// and Unflush are invoked synchronously by whatever consumes intents,
// the same way pkg/fencer.Fence is invoked synchronously by the
// Failure Detector rather than run on a timer.
type Controller struct {
	client *store.Client
	cfg    Config
	logger zerolog.Logger
}

func New(client *store.Client, cfg Config) *Controller {
	return &Controller{client: client, cfg: cfg, logger: log.WithComponent("flush")}
}

// Flush drains node: every VM it currently hosts with observed=start is
// handed a migration target and desired=migrate, then Flush blocks
// until each such VM has either left the node or failed, before
// committing daemon-state=flushed. The node stays ineligible for new
// placements for as long as it remains flushing or flushed.
func (c *Controller) Flush(ctx context.Context, node string) error {
	if err := c.setDaemonState(node, types.DaemonStateFlushing); err != nil {
		return fmt.Errorf("marking %s flushing: %w", node, err)
	}

	pending, err := c.migrateOff(node)
	if err != nil {
		return fmt.Errorf("scheduling migrations off %s: %w", node, err)
	}
	if len(pending) == 0 {
		return c.commitFlushed(node)
	}

	if err := c.awaitDrain(ctx, node, pending); err != nil {
		return err
	}
	return c.commitFlushed(node)
}

// Unflush restores node to service: every VM whose previous-node was
// this node and is configured to autostart is handed back with
// desired=migrate, target pinned to node rather than chosen by the
// Placement Selector. Unlike Flush it does not wait for those
// migrations to land before daemon-state=run, since the node itself is
// healthy the moment it rejoins — the returning VMs land when their own
// migrations complete, same as any other in-flight relocation.
func (c *Controller) Unflush(ctx context.Context, node string) error {
	if err := c.setDaemonState(node, types.DaemonStateUnflushing); err != nil {
		return fmt.Errorf("marking %s unflushing: %w", node, err)
	}

	vmRecs, err := c.client.List(store.KindVM)
	if err != nil {
		return fmt.Errorf("listing vms to restore to %s: %w", node, err)
	}
	for _, rec := range vmRecs {
		var vm types.VM
		if err := json.Unmarshal(rec.Data, &vm); err != nil {
			continue
		}
		if vm.PreviousNode != node || !vm.Meta.Autostart {
			continue
		}
		if vm.CurrentNode == node {
			continue
		}

		vm.TargetNode = node
		vm.DesiredState = types.VMDesiredMigrate
		vm.UpdatedAt = time.Now()
		if _, err := c.client.CompareAndSet(store.KindVM, rec.ID, rec.Version, &vm); err != nil {
			c.logger.Error().Err(err).Str("vm_id", vm.UUID).Msg("restoring vm to unflushed node")
			continue
		}
		c.logger.Info().Str("vm_id", vm.UUID).Str("node", node).Msg("vm handed back to unflushed node")
	}

	return c.setDaemonState(node, types.DaemonStateRun)
}

// migrateOff sets desired=migrate on every VM hosted on node that is
// actually running, and returns their ids so the caller can wait for
// them to clear.
func (c *Controller) migrateOff(node string) ([]string, error) {
	vmRecs, err := c.client.List(store.KindVM)
	if err != nil {
		return nil, fmt.Errorf("listing vms to drain from %s: %w", node, err)
	}
	nodeRecs, err := c.client.List(store.KindNode)
	if err != nil {
		return nil, fmt.Errorf("listing nodes for drain targets: %w", err)
	}

	var candidates []types.Node
	for _, rec := range nodeRecs {
		var n types.Node
		if err := json.Unmarshal(rec.Data, &n); err != nil {
			continue
		}
		if n.Name != node && n.DaemonState == types.DaemonStateRun {
			candidates = append(candidates, n)
		}
	}

	var pending []string
	for _, rec := range vmRecs {
		var vm types.VM
		if err := json.Unmarshal(rec.Data, &vm); err != nil {
			continue
		}
		if vm.CurrentNode != node || vm.ObservedState != types.VMObservedStart {
			continue
		}

		target, ok := scheduler.Select(candidates, &vm, vm.Meta.NodeSelector, c.cfg.DefaultSelector)
		if !ok {
			c.logger.Warn().Str("vm_id", vm.UUID).Msg("no eligible target to drain vm, leaving in place")
			continue
		}

		vm.TargetNode = target
		vm.DesiredState = types.VMDesiredMigrate
		vm.UpdatedAt = time.Now()
		if _, err := c.client.CompareAndSet(store.KindVM, rec.ID, rec.Version, &vm); err != nil {
			c.logger.Error().Err(err).Str("vm_id", vm.UUID).Msg("scheduling drain migration")
			continue
		}
		pending = append(pending, vm.UUID)
		c.logger.Info().Str("vm_id", vm.UUID).Str("target_node", target).Msg("vm scheduled to drain")
	}
	return pending, nil
}

// awaitDrain polls every pending VM until each has either left node
// (current-node changed) or failed, or until the drain timeout elapses.
func (c *Controller) awaitDrain(ctx context.Context, node string, pending []string) error {
	deadline := time.Now().Add(c.cfg.DrainTimeout)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	remaining := make(map[string]bool, len(pending))
	for _, id := range pending {
		remaining[id] = true
	}

	for {
		for id := range remaining {
			rec, err := c.client.Get(store.KindVM, id)
			if err != nil {
				delete(remaining, id)
				continue
			}
			var vm types.VM
			if err := json.Unmarshal(rec.Data, &vm); err != nil {
				continue
			}
			if vm.CurrentNode != node || vm.ObservedState == types.VMObservedFail {
				delete(remaining, id)
			}
		}
		if len(remaining) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("draining %s timed out with %d vm(s) still pending", node, len(remaining))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Controller) commitFlushed(node string) error {
	if err := c.setDaemonState(node, types.DaemonStateFlushed); err != nil {
		return fmt.Errorf("marking %s flushed: %w", node, err)
	}
	metrics.FlushesTotal.Inc()
	c.logger.Info().Str("node", node).Msg("node flush complete")
	return nil
}

func (c *Controller) setDaemonState(node string, state types.DaemonState) error {
	rec, err := c.client.Get(store.KindNode, node)
	if err != nil {
		return err
	}
	var n types.Node
	if err := json.Unmarshal(rec.Data, &n); err != nil {
		return err
	}
	n.DaemonState = state
	_, err = c.client.CompareAndSet(store.KindNode, node, rec.Version, &n)
	return err
}
