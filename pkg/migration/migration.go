// Package migration implements the Migration Engine (C6): the
// pre-flight/lock/hypervisor-migrate/commit-or-abort protocol that
// moves a running VM between hosts, and its move/unmigrate variants.
package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vircluster/vircored/pkg/hypervisor"
	"github.com/vircluster/vircored/pkg/log"
	"github.com/vircluster/vircored/pkg/metrics"
	"github.com/vircluster/vircored/pkg/scheduler"
	"github.com/vircluster/vircored/pkg/store"
	"github.com/vircluster/vircored/pkg/types"
)

const (
	// DefaultLockTimeoutInit is used for the first migration this
	// process attempts after starting, when store replication and
	// peer sessions may still be settling.
	DefaultLockTimeoutInit = 60 * time.Second
	// DefaultLockTimeoutSteady applies to every subsequent migration.
	DefaultLockTimeoutSteady = 10 * time.Second

	// MinFreeMemoryFactor is the headroom required on the target
	// beyond the VM's provisioned memory before pre-flight passes.
	MinFreeMemoryFactor = 1.05
)

// Config tunes the migration protocol's timeouts and the cluster's
// default placement selector (used when a VM has none of its own).
type Config struct {
	LockTimeoutInit   time.Duration
	LockTimeoutSteady time.Duration
	DefaultSelector   string
}

func DefaultConfig() Config {
	return Config{
		LockTimeoutInit:   DefaultLockTimeoutInit,
		LockTimeoutSteady: DefaultLockTimeoutSteady,
		DefaultSelector:   scheduler.SelectorMem,
	}
}

// Engine drives the migration protocol from whichever node currently
// hosts the VM (the "source" for any given run).
type Engine struct {
	client   *store.Client
	driver   hypervisor.Driver
	nodeName string
	cfg      Config
	logger   zerolog.Logger

	mu      sync.Mutex
	started bool
}

func New(client *store.Client, driver hypervisor.Driver, nodeName string, cfg Config) *Engine {
	return &Engine{client: client, driver: driver, nodeName: nodeName, cfg: cfg, logger: log.WithComponent("migration")}
}

func (e *Engine) lockTimeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		e.started = true
		return e.cfg.LockTimeoutInit
	}
	return e.cfg.LockTimeoutSteady
}

// Migrate relocates vmID to a target chosen by the Placement Selector
// (or the target already pinned via TargetNode), preserving the
// current node as previous-node so Unmigrate can reverse it.
func (e *Engine) Migrate(ctx context.Context, vmID string) error {
	return e.relocate(ctx, vmID, e.resolvePlacementTarget, true)
}

// Move is identical to Migrate except previous-node is never recorded:
// the relocation is permanent, with no implied reversal.
func (e *Engine) Move(ctx context.Context, vmID string) error {
	return e.relocate(ctx, vmID, e.resolvePlacementTarget, false)
}

// Unmigrate reverses a prior migration using the VM's retained
// previous-node, failing if that node is no longer in daemon-state=run.
func (e *Engine) Unmigrate(ctx context.Context, vmID string) error {
	return e.relocate(ctx, vmID, e.resolvePreviousNode, true)
}

func (e *Engine) resolvePlacementTarget(vm *types.VM) (string, error) {
	if vm.TargetNode != "" {
		return vm.TargetNode, nil
	}
	nodeRecs, err := e.client.List(store.KindNode)
	if err != nil {
		return "", fmt.Errorf("listing nodes: %w", err)
	}
	var nodes []types.Node
	for _, rec := range nodeRecs {
		var n types.Node
		if err := json.Unmarshal(rec.Data, &n); err != nil {
			continue
		}
		if n.DaemonState == types.DaemonStateRun && n.Name != vm.CurrentNode {
			nodes = append(nodes, n)
		}
	}
	target, ok := scheduler.Select(nodes, vm, vm.Meta.NodeSelector, e.cfg.DefaultSelector)
	if !ok {
		return "", fmt.Errorf("no eligible placement target for vm %s", vm.UUID)
	}
	return target, nil
}

func (e *Engine) resolvePreviousNode(vm *types.VM) (string, error) {
	if vm.PreviousNode == "" {
		return "", fmt.Errorf("vm %s has no previous node to unmigrate to", vm.UUID)
	}
	rec, err := e.client.Get(store.KindNode, vm.PreviousNode)
	if err != nil {
		return "", fmt.Errorf("reading previous node %s: %w", vm.PreviousNode, err)
	}
	var n types.Node
	if err := json.Unmarshal(rec.Data, &n); err != nil {
		return "", err
	}
	if n.DaemonState != types.DaemonStateRun {
		return "", fmt.Errorf("previous node %s is not in run state", vm.PreviousNode)
	}
	return vm.PreviousNode, nil
}

func (e *Engine) relocate(ctx context.Context, vmID string, resolveTarget func(*types.VM) (string, error), retainPrevious bool) error {
	timer := metrics.NewTimer()
	outcome := "aborted"
	defer func() {
		timer.ObserveDuration(metrics.MigrationDuration)
		metrics.MigrationsTotal.WithLabelValues(outcome).Inc()
	}()

	rec, vm, err := e.getVM(vmID)
	if err != nil {
		return err
	}
	if vm.CurrentNode != e.nodeName {
		return fmt.Errorf("vm %s is not hosted on this node", vmID)
	}

	target, err := resolveTarget(vm)
	if err != nil {
		e.abort(rec, vm, err.Error())
		return err
	}

	if err := e.preflight(target, vm); err != nil {
		e.abort(rec, vm, err.Error())
		return err
	}

	lockName := "migration:" + vm.UUID
	lock, err := e.client.Lock(lockName, e.nodeName, "", e.lockTimeout())
	if err != nil {
		return fmt.Errorf("acquiring migration lock for vm %s: %w", vm.UUID, err)
	}
	defer lock.Release()

	rec, vm, err = e.getVM(vmID)
	if err != nil {
		return err
	}
	vm.ObservedState = types.VMObservedMigrate
	vm.TargetNode = target
	if err := e.cas(rec, vm); err != nil {
		return fmt.Errorf("marking vm %s as migrating: %w", vm.UUID, err)
	}

	method := vm.Meta.MigrationMethod
	if method == types.MigrationNone {
		err = e.coldRelocate(ctx, vm, target)
	} else {
		err = e.driver.Migrate(ctx, vm.UUID, targetURI(target), method)
	}

	rec, vm, getErr := e.getVM(vmID)
	if getErr != nil {
		return getErr
	}

	if err != nil {
		e.abort(rec, vm, fmt.Sprintf("hypervisor migration failed: %v", err))
		return err
	}

	previous := ""
	if retainPrevious {
		previous = vm.CurrentNode
	}
	vm.PreviousNode = previous
	vm.CurrentNode = target
	vm.TargetNode = ""
	vm.ObservedState = types.VMObservedStart
	vm.DesiredState = types.VMDesiredStart
	vm.FailureReason = ""
	if err := e.cas(rec, vm); err != nil {
		return fmt.Errorf("committing migration of vm %s: %w", vm.UUID, err)
	}

	outcome = "committed"
	e.logger.Info().Str("vm_id", vm.UUID).Str("target_node", target).Msg("migration committed")
	return nil
}

// coldRelocate implements the method=none fallback: a plain
// shutdown-on-source; the target's own controller boots the domain
// from its persisted blob once current-node flips to it.
func (e *Engine) coldRelocate(ctx context.Context, vm *types.VM, target string) error {
	if err := e.driver.Shutdown(ctx, vm.UUID, 180*time.Second); err != nil {
		return fmt.Errorf("shutting down vm %s for cold relocation: %w", vm.UUID, err)
	}
	return nil
}

func targetURI(targetNode string) string {
	return fmt.Sprintf("qemu+tcp://%s/system", targetNode)
}

func (e *Engine) preflight(target string, vm *types.VM) error {
	rec, err := e.client.Get(store.KindNode, target)
	if err != nil {
		return fmt.Errorf("reading target node %s: %w", target, err)
	}
	var n types.Node
	if err := json.Unmarshal(rec.Data, &n); err != nil {
		return err
	}
	if n.DaemonState != types.DaemonStateRun {
		return fmt.Errorf("target node %s is not in run state", target)
	}
	required := int64(float64(vm.ProvisionedMemoryBytes) * MinFreeMemoryFactor)
	if n.Resources.FreeMemoryBytes < required {
		return fmt.Errorf("target node %s has insufficient free memory (%d < %d)", target, n.Resources.FreeMemoryBytes, required)
	}
	if len(vm.Meta.NodeLimit) > 0 {
		allowed := false
		for _, name := range vm.Meta.NodeLimit {
			if name == target {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("target node %s is outside vm %s's node-limit set", target, vm.UUID)
		}
	}
	return nil
}

func (e *Engine) abort(rec *store.Record, vm *types.VM, reason string) {
	vm.ObservedState = types.VMObservedStart
	vm.DesiredState = types.VMDesiredStart
	vm.TargetNode = ""
	vm.FailureReason = reason
	if err := e.cas(rec, vm); err != nil {
		e.logger.Error().Err(err).Str("vm_id", vm.UUID).Msg("failed to record migration abort")
		return
	}
	e.logger.Warn().Str("vm_id", vm.UUID).Str("reason", reason).Msg("migration aborted")
}

func (e *Engine) getVM(id string) (*store.Record, *types.VM, error) {
	rec, err := e.client.Get(store.KindVM, id)
	if err != nil {
		return nil, nil, err
	}
	var vm types.VM
	if err := json.Unmarshal(rec.Data, &vm); err != nil {
		return nil, nil, fmt.Errorf("decoding vm %s: %w", id, err)
	}
	return rec, &vm, nil
}

func (e *Engine) cas(rec *store.Record, vm *types.VM) error {
	vm.UpdatedAt = time.Now()
	_, err := e.client.CompareAndSet(store.KindVM, rec.ID, rec.Version, vm)
	return err
}
