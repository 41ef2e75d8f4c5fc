// Package vmcontroller implements the VM Instance Controller (C5): the
// per-node reconciler that drives each VM it hosts from observed state
// toward desired state via the local hypervisor driver. Only the node
// where current-node equals this node's own name ever acts; every
// other node merely watches.
package vmcontroller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/vircluster/vircored/pkg/hypervisor"
	"github.com/vircluster/vircored/pkg/log"
	"github.com/vircluster/vircored/pkg/metrics"
	"github.com/vircluster/vircored/pkg/store"
	"github.com/vircluster/vircored/pkg/types"
)

const (
	DefaultShutdownTimeout   = 180 * time.Second
	DefaultMaxFailures       = 3
	DefaultFailureWindow     = 10 * time.Minute
	DefaultPoolConcurrency   = 3
	DefaultReconcileInterval = 5 * time.Second
	dirtyQueueDepth          = 256
)

// Migrator is consulted whenever a VM's desired state requires
// relocating it to another node. Implemented by pkg/migration.Engine;
// declared here to keep vmcontroller from importing it directly, since
// the migration engine itself drives VM records through this package's
// same observed-state vocabulary.
type Migrator interface {
	Migrate(ctx context.Context, vmID string) error
	Move(ctx context.Context, vmID string) error
	Unmigrate(ctx context.Context, vmID string) error
}

// Config tunes the controller's timeouts and concurrency.
type Config struct {
	ShutdownTimeout   time.Duration
	MaxFailures       int
	FailureWindow     time.Duration
	PoolConcurrency   int64
	ReconcileInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		ShutdownTimeout:   DefaultShutdownTimeout,
		MaxFailures:       DefaultMaxFailures,
		FailureWindow:     DefaultFailureWindow,
		PoolConcurrency:   DefaultPoolConcurrency,
		ReconcileInterval: DefaultReconcileInterval,
	}
}

type failureRecord struct {
	count       int
	windowStart time.Time
}

// Controller reconciles every VM hosted on one node.
type Controller struct {
	client   *store.Client
	driver   hypervisor.Driver
	migrator Migrator
	pool     *semaphore.Weighted
	nodeName string
	cfg      Config
	logger   zerolog.Logger

	mu           sync.Mutex
	failures     map[string]*failureRecord
	watchCancels map[string]func()

	dirty  chan string
	stopCh chan struct{}
	doneCh chan struct{}
}

func New(client *store.Client, driver hypervisor.Driver, migrator Migrator, nodeName string, cfg Config) *Controller {
	return &Controller{
		client:       client,
		driver:       driver,
		migrator:     migrator,
		pool:         semaphore.NewWeighted(cfg.PoolConcurrency),
		nodeName:     nodeName,
		cfg:          cfg,
		logger:       log.WithComponent("vmcontroller"),
		failures:     make(map[string]*failureRecord),
		watchCancels: make(map[string]func()),
		dirty:        make(chan string, dirtyQueueDepth),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start begins the reconcile loop: a periodic full rescan plus a
// watch-triggered fast path for VMs the controller already knows
// about.
func (c *Controller) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Controller) Stop() {
	close(c.stopCh)
	<-c.doneCh

	c.mu.Lock()
	for _, cancel := range c.watchCancels {
		cancel()
	}
	c.mu.Unlock()
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.reconcileAll(ctx)
		case id := <-c.dirty:
			go c.reconcileOne(ctx, id)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) reconcileAll(ctx context.Context) {
	records, err := c.client.List(store.KindVM)
	if err != nil {
		c.logger.Error().Err(err).Msg("listing vms for reconcile")
		return
	}

	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		seen[rec.ID] = true
		c.ensureWatch(rec.ID)
		go c.reconcileOne(ctx, rec.ID)
	}
	c.pruneWatches(seen)
}

func (c *Controller) ensureWatch(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.watchCancels[id]; ok {
		return
	}
	c.watchCancels[id] = c.client.Watch(store.KindVM, id, func() {
		select {
		case c.dirty <- id:
		default:
		}
	})
}

func (c *Controller) pruneWatches(seen map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cancel := range c.watchCancels {
		if !seen[id] {
			cancel()
			delete(c.watchCancels, id)
			delete(c.failures, id)
		}
	}
}

func (c *Controller) getVM(id string) (*store.Record, *types.VM, error) {
	rec, err := c.client.Get(store.KindVM, id)
	if err != nil {
		return nil, nil, err
	}
	var vm types.VM
	if err := json.Unmarshal(rec.Data, &vm); err != nil {
		return nil, nil, fmt.Errorf("decoding vm %s: %w", id, err)
	}
	return rec, &vm, nil
}

func (c *Controller) cas(rec *store.Record, vm *types.VM) error {
	vm.UpdatedAt = time.Now()
	_, err := c.client.CompareAndSet(store.KindVM, rec.ID, rec.Version, vm)
	return err
}

// reconcileOne reads the current VM record fresh (never the one that
// triggered a watch callback — watch notifications are at-least-once
// and may be stale by the time they're processed) and drives at most
// one state transition. It is always a pure function of current state,
// so redelivery of the same notification is harmless.
func (c *Controller) reconcileOne(ctx context.Context, id string) {
	rec, vm, err := c.getVM(id)
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); ok {
			return
		}
		c.logger.Error().Err(err).Str("vm_id", id).Msg("reading vm record")
		return
	}

	if vm.CurrentNode != c.nodeName {
		return
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration.WithLabelValues("vm"))

	switch {
	case vm.DesiredState == types.VMDesiredMove:
		c.delegateToMigrator(ctx, vm.UUID, c.migrator.Move)
	case vm.ObservedState == types.VMObservedStart && vm.DesiredState == types.VMDesiredMigrate && vm.TargetNode != "" && vm.TargetNode != c.nodeName:
		c.delegateToMigrator(ctx, vm.UUID, c.migrator.Migrate)
	case vm.DesiredState == types.VMDesiredUnmigrate:
		c.delegateToMigrator(ctx, vm.UUID, c.migrator.Unmigrate)
	case vm.ObservedState == types.VMObservedStop && vm.DesiredState == types.VMDesiredStart:
		c.reconcileStart(ctx, rec, vm)
	case vm.ObservedState == types.VMObservedStop && vm.DesiredState == types.VMDesiredDisable:
		vm.ObservedState = types.VMObservedDisable
		c.logAndCAS(rec, vm, "vm disabled")
	case vm.ObservedState == types.VMObservedStart && vm.DesiredState == types.VMDesiredShutdown:
		c.reconcileShutdown(ctx, rec, vm)
	case vm.ObservedState == types.VMObservedStart && vm.DesiredState == types.VMDesiredStop:
		c.reconcileDestroy(ctx, rec, vm)
	case vm.ObservedState == types.VMObservedStart && vm.DesiredState == types.VMDesiredRestart:
		c.reconcileRestart(ctx, rec, vm)
	}
}

func (c *Controller) delegateToMigrator(ctx context.Context, vmID string, fn func(context.Context, string) error) {
	if err := fn(ctx, vmID); err != nil {
		c.logger.Error().Err(err).Str("vm_id", vmID).Msg("migration engine invocation failed")
	}
}

func (c *Controller) logAndCAS(rec *store.Record, vm *types.VM, msg string) {
	if err := c.cas(rec, vm); err != nil {
		c.logger.Error().Err(err).Str("vm_id", vm.UUID).Msg("committing vm state")
		return
	}
	c.logger.Info().Str("vm_id", vm.UUID).Str("vm_name", vm.Name).Msg(msg)
}

// failureGuard reports whether this VM has exhausted its consecutive
// start-failure budget within the configured window; if so, the
// controller withholds further automatic start attempts until an
// operator clears the VM's observed state (vm recover).
func (c *Controller) failureGuard(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	fr, ok := c.failures[id]
	if !ok {
		return false
	}
	if time.Since(fr.windowStart) > c.cfg.FailureWindow {
		delete(c.failures, id)
		return false
	}
	return fr.count >= c.cfg.MaxFailures
}

func (c *Controller) recordFailure(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fr, ok := c.failures[id]
	if !ok || time.Since(fr.windowStart) > c.cfg.FailureWindow {
		fr = &failureRecord{windowStart: time.Now()}
		c.failures[id] = fr
	}
	fr.count++
}

func (c *Controller) clearFailures(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failures, id)
}

func (c *Controller) withPool(ctx context.Context, fn func() error) error {
	if err := c.pool.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.pool.Release(1)
	return fn()
}

func (c *Controller) reconcileStart(ctx context.Context, rec *store.Record, vm *types.VM) {
	if vm.FailureCount == 0 {
		// A zero persisted count marks a new VM or one an operator has
		// just recovered, so any failure window left from before is stale.
		c.clearFailures(vm.UUID)
	}
	if c.failureGuard(vm.UUID) {
		return
	}

	err := c.withPool(ctx, func() error {
		if vm.DomainBlob != "" {
			if err := c.driver.Define(ctx, vm.UUID, vm.DomainBlob); err != nil {
				return fmt.Errorf("defining domain: %w", err)
			}
		}
		return c.driver.Start(ctx, vm.UUID)
	})

	if err != nil {
		c.recordFailure(vm.UUID)
		vm.FailureCount++
		vm.FailureReason = err.Error()
		if c.failureGuard(vm.UUID) {
			vm.ObservedState = types.VMObservedFail
		}
		c.logAndCAS(rec, vm, "vm start failed")
		metrics.VMStartFailuresTotal.Inc()
		return
	}

	c.clearFailures(vm.UUID)
	vm.ObservedState = types.VMObservedStart
	vm.FailureReason = ""
	c.logAndCAS(rec, vm, "vm started")
}

func (c *Controller) reconcileShutdown(ctx context.Context, rec *store.Record, vm *types.VM) {
	err := c.withPool(ctx, func() error {
		return c.driver.Shutdown(ctx, vm.UUID, c.cfg.ShutdownTimeout)
	})
	if err != nil {
		vm.FailureReason = err.Error()
		c.logAndCAS(rec, vm, "vm shutdown failed")
		return
	}
	vm.ObservedState = types.VMObservedStop
	c.logAndCAS(rec, vm, "vm shut down")
}

func (c *Controller) reconcileDestroy(ctx context.Context, rec *store.Record, vm *types.VM) {
	err := c.withPool(ctx, func() error {
		return c.driver.Destroy(ctx, vm.UUID)
	})
	if err != nil {
		vm.FailureReason = err.Error()
		c.logAndCAS(rec, vm, "vm destroy failed")
		return
	}
	vm.ObservedState = types.VMObservedStop
	c.logAndCAS(rec, vm, "vm destroyed")
}

func (c *Controller) reconcileRestart(ctx context.Context, rec *store.Record, vm *types.VM) {
	err := c.withPool(ctx, func() error {
		if shutdownErr := c.driver.Shutdown(ctx, vm.UUID, c.cfg.ShutdownTimeout); shutdownErr != nil {
			return fmt.Errorf("shutdown during restart: %w", shutdownErr)
		}
		return c.driver.Start(ctx, vm.UUID)
	})
	if err != nil {
		c.recordFailure(vm.UUID)
		vm.FailureReason = err.Error()
		vm.ObservedState = types.VMObservedFail
		c.logAndCAS(rec, vm, "vm restart failed")
		return
	}
	c.clearFailures(vm.UUID)
	vm.ObservedState = types.VMObservedStart
	vm.FailureReason = ""
	c.logAndCAS(rec, vm, "vm restarted")
}

// AttachDevice and DetachDevice serve hot-plug intents directly,
// outside the desired/observed reconcile loop: repeated attach of an
// already-attached device (or detach of an absent one) is a no-op
// because the hypervisor driver itself treats it that way.
func (c *Controller) AttachDevice(ctx context.Context, vmID, deviceXML string, restart bool) error {
	if restart {
		return c.restartForDeviceChange(ctx, vmID, func() error {
			return c.driver.AttachDevice(ctx, vmID, deviceXML)
		})
	}
	return c.withPool(ctx, func() error {
		return c.driver.AttachDevice(ctx, vmID, deviceXML)
	})
}

func (c *Controller) DetachDevice(ctx context.Context, vmID, deviceXML string, restart bool) error {
	if restart {
		return c.restartForDeviceChange(ctx, vmID, func() error {
			return c.driver.DetachDevice(ctx, vmID, deviceXML)
		})
	}
	return c.withPool(ctx, func() error {
		return c.driver.DetachDevice(ctx, vmID, deviceXML)
	})
}

func (c *Controller) restartForDeviceChange(ctx context.Context, vmID string, deviceOp func() error) error {
	rec, vm, err := c.getVM(vmID)
	if err != nil {
		return err
	}
	return c.withPool(ctx, func() error {
		if err := deviceOp(); err != nil {
			return fmt.Errorf("applying device change: %w", err)
		}
		if err := c.driver.Shutdown(ctx, vmID, c.cfg.ShutdownTimeout); err != nil {
			return fmt.Errorf("shutdown for device restart: %w", err)
		}
		if err := c.driver.Start(ctx, vmID); err != nil {
			return fmt.Errorf("start after device restart: %w", err)
		}
		vm.ObservedState = types.VMObservedStart
		return c.cas(rec, vm)
	})
}
