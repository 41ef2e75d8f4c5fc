package fencer

import (
	"context"
	"sync"

	"github.com/vircluster/vircored/pkg/types"
)

// FakeIPMIDriver is an in-memory IPMIDriver test double. OffAfter
// attempts controls how many PowerOff calls it takes before
// IsPoweredOff starts reporting true; NeverConfirms forces permanent
// exhaustion regardless of attempt count.
type FakeIPMIDriver struct {
	mu            sync.Mutex
	OffAfter      int
	NeverConfirms bool
	attempts      map[string]int
}

func NewFakeIPMIDriver() *FakeIPMIDriver {
	return &FakeIPMIDriver{OffAfter: 1, attempts: make(map[string]int)}
}

func (f *FakeIPMIDriver) PowerOff(ctx context.Context, ep types.IPMIEndpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[ep.Host]++
	return nil
}

func (f *FakeIPMIDriver) IsPoweredOff(ctx context.Context, ep types.IPMIEndpoint) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NeverConfirms {
		return false, nil
	}
	return f.attempts[ep.Host] >= f.OffAfter, nil
}
