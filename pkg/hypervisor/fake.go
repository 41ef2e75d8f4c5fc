package hypervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vircluster/vircored/pkg/types"
)

// FakeDriver is an in-memory Driver for exercising the VM Instance
// Controller and Migration Engine without a real libvirtd.
type FakeDriver struct {
	mu      sync.Mutex
	domains map[string]*fakeDomain

	// FailNext, if set, is returned (and cleared) by the next call to
	// any method — used to exercise retry/backoff paths in tests.
	FailNext error
}

type fakeDomain struct {
	blob   string
	state  types.VMObservedState
	memory int64
}

func NewFakeDriver() *FakeDriver {
	return &FakeDriver{domains: make(map[string]*fakeDomain)}
}

func (f *FakeDriver) takeFailure() error {
	err := f.FailNext
	f.FailNext = nil
	return err
}

func (f *FakeDriver) Define(ctx context.Context, uuid, domainBlob string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return err
	}
	f.domains[uuid] = &fakeDomain{blob: domainBlob, state: types.VMObservedStop}
	return nil
}

func (f *FakeDriver) Start(ctx context.Context, uuid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return err
	}
	dom, ok := f.domains[uuid]
	if !ok {
		return fmt.Errorf("domain %s not defined", uuid)
	}
	dom.state = types.VMObservedStart
	return nil
}

func (f *FakeDriver) Shutdown(ctx context.Context, uuid string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return err
	}
	dom, ok := f.domains[uuid]
	if !ok {
		return fmt.Errorf("domain %s not defined", uuid)
	}
	dom.state = types.VMObservedStop
	return nil
}

func (f *FakeDriver) Destroy(ctx context.Context, uuid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return err
	}
	dom, ok := f.domains[uuid]
	if !ok {
		return nil
	}
	dom.state = types.VMObservedStop
	return nil
}

func (f *FakeDriver) Migrate(ctx context.Context, uuid, targetURI string, method types.MigrationMethod) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return err
	}
	dom, ok := f.domains[uuid]
	if !ok {
		return fmt.Errorf("domain %s not defined", uuid)
	}
	delete(f.domains, uuid)
	dom.state = types.VMObservedStart
	return nil
}

func (f *FakeDriver) AttachDevice(ctx context.Context, uuid, deviceXML string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.takeFailure()
}

func (f *FakeDriver) DetachDevice(ctx context.Context, uuid, deviceXML string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.takeFailure()
}

func (f *FakeDriver) Stats(ctx context.Context, uuid string) (types.RuntimeStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return types.RuntimeStats{}, err
	}
	return types.RuntimeStats{SampledAt: time.Now()}, nil
}

func (f *FakeDriver) List(ctx context.Context) ([]types.VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	vms := make([]types.VM, 0, len(f.domains))
	for uuid, dom := range f.domains {
		vms = append(vms, types.VM{
			UUID:                   uuid,
			ObservedState:          dom.state,
			ProvisionedMemoryBytes: dom.memory,
		})
	}
	return vms, nil
}

func (f *FakeDriver) Close() error { return nil }
