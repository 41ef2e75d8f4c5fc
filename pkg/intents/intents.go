// Package intents implements the task/worker contract (§6): an external
// operator or worker submits an intent document naming a kind, a target,
// and an optional payload; the processor writes the appropriate
// desired-state field(s) and hands back a task id. The core never
// exposes an HTTP surface of its own — pkg/rpc is the thin gRPC seam a
// worker or the CLI talks to, and this package is what that seam calls
// into.
package intents

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vircluster/vircored/pkg/elector"
	"github.com/vircluster/vircored/pkg/fault"
	"github.com/vircluster/vircored/pkg/flush"
	"github.com/vircluster/vircored/pkg/log"
	"github.com/vircluster/vircored/pkg/store"
	"github.com/vircluster/vircored/pkg/types"
)

// Kind is one recognized intent kind from the task/worker contract.
type Kind string

const (
	KindVMDefine    Kind = "vm-define"
	KindVMUndefine  Kind = "vm-undefine"
	KindVMStart     Kind = "vm-start"
	KindVMStop      Kind = "vm-stop"
	KindVMRestart   Kind = "vm-restart"
	KindVMShutdown  Kind = "vm-shutdown"
	KindVMMigrate   Kind = "vm-migrate"
	KindVMUnmigrate Kind = "vm-unmigrate"
	KindVMMove      Kind = "vm-move"
	KindVMRecover   Kind = "vm-recover"
	KindNodeFlush   Kind = "node-flush"
	KindNodeReady   Kind = "node-ready"
	KindNodePrimary Kind = "node-primary"
	KindFaultAck    Kind = "fault-ack"
)

// Intent is the document an external worker submits.
type Intent struct {
	Kind    Kind
	Target  string // vm uuid/name, or node name
	Payload json.RawMessage
}

// VMDefinePayload is the vm-define intent's payload: everything needed
// to construct a new VM record. Target carries the new VM's uuid;
// Payload.Name is its unique, mutable name.
type VMDefinePayload struct {
	Name       string
	DomainBlob string
	Meta       types.VMMeta
	Disks      []types.Disk
	NICs       []types.NIC
}

// Processor turns submitted intents into store writes. It holds no
// queue of its own — Submit dispatches in a background goroutine and
// tracks progress through the task record, the same "fire, track via
// state, never block the caller" shape pkg/migration uses for a single
// relocation.
type Processor struct {
	client *store.Client
	flush  *flush.Controller
	faults *fault.Registry
	logger zerolog.Logger
}

func New(client *store.Client, flushCtl *flush.Controller, faults *fault.Registry) *Processor {
	return &Processor{client: client, flush: flushCtl, faults: faults, logger: log.WithComponent("intents")}
}

// Submit records a task for intent and returns its id immediately,
// dispatching the actual work in the background.
func (p *Processor) Submit(ctx context.Context, intent Intent) (string, error) {
	taskID := uuid.NewString()
	task := &types.Task{
		ID:        taskID,
		Kind:      string(intent.Kind),
		Target:    intent.Target,
		Status:    types.TaskStatusPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if _, err := p.client.Put(store.KindTask, taskID, task); err != nil {
		return "", fmt.Errorf("recording task for %s: %w", intent.Kind, err)
	}

	go p.dispatch(context.Background(), taskID, intent)
	return taskID, nil
}

func (p *Processor) dispatch(ctx context.Context, taskID string, intent Intent) {
	p.setTaskStatus(taskID, types.TaskStatusRunning, "")

	err := p.apply(ctx, intent)
	if err != nil {
		p.logger.Error().Err(err).Str("task_id", taskID).Str("kind", string(intent.Kind)).Msg("intent failed")
		p.setTaskStatus(taskID, types.TaskStatusFailure, err.Error())
		return
	}
	p.setTaskStatus(taskID, types.TaskStatusSuccess, "")
}

func (p *Processor) apply(ctx context.Context, intent Intent) error {
	switch intent.Kind {
	case KindVMDefine:
		return p.vmDefine(intent)
	case KindVMUndefine:
		return p.vmUndefine(intent)
	case KindVMStart:
		return p.setVMDesired(intent.Target, types.VMDesiredStart)
	case KindVMStop:
		return p.setVMDesired(intent.Target, types.VMDesiredStop)
	case KindVMRestart:
		return p.setVMDesired(intent.Target, types.VMDesiredRestart)
	case KindVMShutdown:
		return p.setVMDesired(intent.Target, types.VMDesiredShutdown)
	case KindVMMigrate:
		return p.setVMDesired(intent.Target, types.VMDesiredMigrate)
	case KindVMUnmigrate:
		return p.setVMDesired(intent.Target, types.VMDesiredUnmigrate)
	case KindVMMove:
		return p.setVMDesired(intent.Target, types.VMDesiredMove)
	case KindVMRecover:
		return p.vmRecover(intent.Target)
	case KindNodeFlush:
		return p.flush.Flush(ctx, intent.Target)
	case KindNodeReady:
		return p.flush.Unflush(ctx, intent.Target)
	case KindNodePrimary:
		return p.requestPrimaryHandoff(intent.Target)
	case KindFaultAck:
		return p.faults.Ack(intent.Target)
	default:
		return fmt.Errorf("unrecognized intent kind %q", intent.Kind)
	}
}

func (p *Processor) vmDefine(intent Intent) error {
	var payload VMDefinePayload
	if err := json.Unmarshal(intent.Payload, &payload); err != nil {
		return fmt.Errorf("decoding vm-define payload: %w", err)
	}
	vm := &types.VM{
		UUID:          intent.Target,
		Name:          payload.Name,
		DesiredState:  types.VMDesiredStart,
		ObservedState: types.VMObservedStop,
		DomainBlob:    payload.DomainBlob,
		Meta:          payload.Meta,
		Disks:         payload.Disks,
		NICs:          payload.NICs,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	return p.client.DefineVM(vm.UUID, vm.Name, vm)
}

func (p *Processor) vmUndefine(intent Intent) error {
	_, vm, err := p.resolveVM(intent.Target)
	if err != nil {
		return err
	}
	return p.client.UndefineVM(vm.UUID, vm.Name)
}

func (p *Processor) setVMDesired(target string, desired types.VMDesiredState) error {
	rec, vm, err := p.resolveVM(target)
	if err != nil {
		return err
	}
	vm.DesiredState = desired
	vm.UpdatedAt = time.Now()
	_, err = p.client.CompareAndSet(store.KindVM, vm.UUID, rec.Version, vm)
	return err
}

// vmRecover clears a failed VM's failure bookkeeping and requests a
// fresh start, the operator-initiated counterpart to the Failure
// Detector/Fencer's automatic reassignment.
func (p *Processor) vmRecover(target string) error {
	rec, vm, err := p.resolveVM(target)
	if err != nil {
		return err
	}
	vm.FailureCount = 0
	vm.FailureReason = ""
	vm.DesiredState = types.VMDesiredStart
	vm.UpdatedAt = time.Now()
	_, err = p.client.CompareAndSet(store.KindVM, vm.UUID, rec.Version, vm)
	return err
}

// resolveVM accepts either a VM uuid or its unique name, trying a
// direct uuid lookup first since that is the common case once a VM is
// defined and most callers already hold it.
func (p *Processor) resolveVM(target string) (*store.Record, *types.VM, error) {
	rec, err := p.client.Get(store.KindVM, target)
	if err == nil {
		var vm types.VM
		if err := json.Unmarshal(rec.Data, &vm); err != nil {
			return nil, nil, err
		}
		return rec, &vm, nil
	}
	if _, ok := err.(*store.ErrNotFound); !ok {
		return nil, nil, err
	}

	indexRec, err := p.client.Get(store.KindNameIndex, target)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving vm %q: %w", target, err)
	}
	var uuid string
	if err := json.Unmarshal(indexRec.Data, &uuid); err != nil {
		return nil, nil, err
	}
	rec, err = p.client.Get(store.KindVM, uuid)
	if err != nil {
		return nil, nil, err
	}
	var vm types.VM
	if err := json.Unmarshal(rec.Data, &vm); err != nil {
		return nil, nil, err
	}
	return rec, &vm, nil
}

func (p *Processor) requestPrimaryHandoff(requestedBy string) error {
	req := &types.PrimaryHandoffRequest{Requested: true, RequestedBy: requestedBy, RequestedAt: time.Now()}
	rec, err := p.client.Get(store.KindCluster, elector.HandoffRequestID)
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); ok {
			_, err = p.client.CompareAndSet(store.KindCluster, elector.HandoffRequestID, 0, req)
			return err
		}
		return err
	}
	_, err = p.client.CompareAndSet(store.KindCluster, elector.HandoffRequestID, rec.Version, req)
	return err
}

func (p *Processor) setTaskStatus(taskID string, status types.TaskStatus, reason string) {
	rec, err := p.client.Get(store.KindTask, taskID)
	if err != nil {
		return
	}
	var task types.Task
	if err := json.Unmarshal(rec.Data, &task); err != nil {
		return
	}
	task.Status = status
	task.Reason = reason
	task.UpdatedAt = time.Now()
	if status == types.TaskStatusSuccess || status == types.TaskStatusFailure {
		task.Progress = 100
	}
	_, _ = p.client.CompareAndSet(store.KindTask, taskID, rec.Version, &task)
}
