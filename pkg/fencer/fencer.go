// Package fencer implements the Fencer (C4): the confirmed power-off
// and VM-reassignment protocol a winning Failure Detector drives against
// a declared-dead peer.
package fencer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/vircluster/vircored/pkg/log"
	"github.com/vircluster/vircored/pkg/metrics"
	"github.com/vircluster/vircored/pkg/scheduler"
	"github.com/vircluster/vircored/pkg/store"
	"github.com/vircluster/vircored/pkg/types"
)

const (
	// DefaultRetryCount is R_f, the number of confirmed power-off
	// attempts before the fence protocol gives up.
	DefaultRetryCount = 6
	// DefaultMinDelay/DefaultMaxDelay bound the exponential backoff
	// between attempts (D_min-D_max).
	DefaultMinDelay = 1 * time.Second
	DefaultMaxDelay = 15 * time.Second
	// DefaultLockTimeout covers a full retry budget (worst case sum of
	// backoff delays plus ipmitool round-trips) with headroom: six
	// attempts of two 10s ipmitool calls plus 1+2+4+8+15s of backoff
	// come to 150s.
	DefaultLockTimeout = 180 * time.Second
	// MaxConsecutiveFailures is the proxy threshold for "failure-count
	// exceeded in the last interval": a dead peer's own in-memory
	// failure-window state is gone with it, so the Fencer falls back to
	// the VM's persisted lifetime failure count.
	MaxConsecutiveFailures = 3
)

// Config tunes the fence protocol's retry budget.
type Config struct {
	RetryCount      int
	MinDelay        time.Duration
	MaxDelay        time.Duration
	LockTimeout     time.Duration
	DefaultSelector string
}

func DefaultConfig() Config {
	return Config{
		RetryCount:      DefaultRetryCount,
		MinDelay:        DefaultMinDelay,
		MaxDelay:        DefaultMaxDelay,
		LockTimeout:     DefaultLockTimeout,
		DefaultSelector: scheduler.SelectorMem,
	}
}

// Fencer drives the fence protocol for peers this node's detector has
// declared dead.
type Fencer struct {
	client   *store.Client
	driver   IPMIDriver
	nodeName string
	cfg      Config
	logger   zerolog.Logger
}

func New(client *store.Client, driver IPMIDriver, nodeName string, cfg Config) *Fencer {
	return &Fencer{client: client, driver: driver, nodeName: nodeName, cfg: cfg, logger: log.WithComponent("fencer")}
}

// Fence runs the full protocol for deadNode: acquire the per-peer fence
// lock, drive confirmed power-off with exponential backoff, then either
// commit daemon-state=fenced plus VM reassignment, or raise a critical
// fault and leave the peer in dead.
func (f *Fencer) Fence(ctx context.Context, deadNode string) error {
	lockName := "fence:" + deadNode
	lock, err := f.client.Lock(lockName, f.nodeName, "", f.cfg.LockTimeout)
	if err != nil {
		if _, ok := err.(*store.ErrLockHeld); ok {
			f.logger.Debug().Str("node", deadNode).Msg("fence already in progress for this peer")
			return nil
		}
		return fmt.Errorf("acquiring fence lock for %s: %w", deadNode, err)
	}
	defer lock.Release()

	timer := metrics.NewTimer()
	outcome := "exhausted"
	defer func() {
		timer.ObserveDuration(metrics.FenceDuration)
		metrics.FencesTotal.WithLabelValues(outcome).Inc()
	}()

	rec, node, err := f.getNode(deadNode)
	if err != nil {
		return err
	}

	confirmed := f.powerOffWithRetry(ctx, node.IPMI)
	if !confirmed {
		f.logger.Error().Str("node", deadNode).Msg("fence exhausted retries without confirmed power-off")
		f.raiseFault(deadNode)
		return fmt.Errorf("fence of %s exhausted %d attempts without confirmed power-off", deadNode, f.cfg.RetryCount)
	}

	outcome = "confirmed"
	if err := f.commitFenced(rec, node); err != nil {
		return fmt.Errorf("marking %s fenced: %w", deadNode, err)
	}
	f.logger.Warn().Str("node", deadNode).Msg("peer confirmed powered off, fenced")

	if err := f.reassignVMs(deadNode); err != nil {
		f.logger.Error().Err(err).Str("node", deadNode).Msg("vm reassignment after fence failed")
		return err
	}
	return nil
}

// powerOffWithRetry attempts power-off up to RetryCount times, verifying
// power state after each attempt, with exponential backoff between
// attempts.
func (f *Fencer) powerOffWithRetry(ctx context.Context, ep types.IPMIEndpoint) bool {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.cfg.MinDelay
	b.MaxInterval = f.cfg.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0

	for attempt := 1; attempt <= f.cfg.RetryCount; attempt++ {
		if err := f.driver.PowerOff(ctx, ep); err != nil {
			f.logger.Warn().Err(err).Int("attempt", attempt).Msg("ipmi power-off attempt failed")
		} else if off, err := f.driver.IsPoweredOff(ctx, ep); err != nil {
			f.logger.Warn().Err(err).Int("attempt", attempt).Msg("ipmi power-status read failed")
		} else if off {
			return true
		}

		if attempt == f.cfg.RetryCount {
			break
		}
		select {
		case <-time.After(b.NextBackOff()):
		case <-ctx.Done():
			return false
		}
	}
	return false
}

func (f *Fencer) commitFenced(rec *store.Record, node *types.Node) error {
	node.DaemonState = types.DaemonStateFenced
	_, err := f.client.CompareAndSet(store.KindNode, node.Name, rec.Version, node)
	return err
}

// reassignVMs moves every VM hosted on the fenced peer that was running,
// migrating, or mid-shutdown onto a new target, skipping VMs already
// marked failed and VMs that were themselves flapping on the dead peer.
func (f *Fencer) reassignVMs(deadNode string) error {
	vmRecs, err := f.client.List(store.KindVM)
	if err != nil {
		return fmt.Errorf("listing vms for reassignment: %w", err)
	}

	nodeRecs, err := f.client.List(store.KindNode)
	if err != nil {
		return fmt.Errorf("listing nodes for reassignment: %w", err)
	}
	var candidates []types.Node
	for _, rec := range nodeRecs {
		var n types.Node
		if err := json.Unmarshal(rec.Data, &n); err != nil {
			continue
		}
		if n.Name != deadNode && n.DaemonState == types.DaemonStateRun {
			candidates = append(candidates, n)
		}
	}

	for _, rec := range vmRecs {
		var vm types.VM
		if err := json.Unmarshal(rec.Data, &vm); err != nil {
			continue
		}
		if vm.CurrentNode != deadNode {
			continue
		}
		if !eligibleForReassignment(&vm) {
			continue
		}

		target, ok := scheduler.Select(candidates, &vm, vm.Meta.NodeSelector, f.cfg.DefaultSelector)
		if !ok {
			f.logger.Error().Str("vm_id", vm.UUID).Msg("no eligible target for fenced vm, leaving unassigned")
			continue
		}

		vm.PreviousNode = deadNode
		vm.CurrentNode = target
		vm.TargetNode = ""
		vm.DesiredState = types.VMDesiredStart
		vm.ObservedState = types.VMObservedStop
		vm.FailureReason = ""
		vm.UpdatedAt = time.Now()
		if _, err := f.client.CompareAndSet(store.KindVM, rec.ID, rec.Version, &vm); err != nil {
			f.logger.Error().Err(err).Str("vm_id", vm.UUID).Msg("reassigning fenced vm")
			continue
		}
		f.logger.Info().Str("vm_id", vm.UUID).Str("target_node", target).Msg("vm reassigned off fenced peer")
	}
	return nil
}

// eligibleForReassignment applies the recovery policy: only VMs that
// were actually in service on the dead peer, configured to autostart
// with a migration method other than none, and not themselves flapping,
// get reassigned.
func eligibleForReassignment(vm *types.VM) bool {
	switch vm.ObservedState {
	case types.VMObservedStart, types.VMObservedMigrate, types.VMObservedShutdown:
	default:
		return false
	}
	if !vm.Meta.Autostart || vm.Meta.MigrationMethod == types.MigrationNone {
		return false
	}
	if vm.FailureCount >= MaxConsecutiveFailures {
		return false
	}
	return true
}

func (f *Fencer) raiseFault(nodeName string) {
	id := "fence_exhausted:" + nodeName
	now := time.Now()
	msg := fmt.Sprintf("fence of %s exhausted retries without a confirmed power-off", nodeName)

	rec, err := f.client.Get(store.KindFault, id)
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); !ok {
			f.logger.Error().Err(err).Str("fault", id).Msg("reading existing fault")
			return
		}
		fault := &types.Fault{ID: id, FirstSeen: now, LastSeen: now, Severity: types.FaultCritical, Message: msg, HealthDelta: 40}
		if _, err := f.client.Put(store.KindFault, id, fault); err != nil {
			f.logger.Error().Err(err).Str("fault", id).Msg("raising fence-exhausted fault")
		}
		return
	}

	var fault types.Fault
	if err := json.Unmarshal(rec.Data, &fault); err != nil {
		return
	}
	fault.LastSeen = now
	fault.Message = msg
	if _, err := f.client.CompareAndSet(store.KindFault, id, rec.Version, &fault); err != nil {
		f.logger.Error().Err(err).Str("fault", id).Msg("updating fence-exhausted fault")
	}
}

func (f *Fencer) getNode(name string) (*store.Record, *types.Node, error) {
	rec, err := f.client.Get(store.KindNode, name)
	if err != nil {
		return nil, nil, fmt.Errorf("reading node %s: %w", name, err)
	}
	var node types.Node
	if err := json.Unmarshal(rec.Data, &node); err != nil {
		return nil, nil, fmt.Errorf("decoding node %s: %w", name, err)
	}
	return rec, &node, nil
}
