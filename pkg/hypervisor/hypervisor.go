// Package hypervisor defines the local virtualization driver contract
// consumed by the VM Instance Controller and Migration Engine, and a
// libvirt-backed implementation of it.
package hypervisor

import (
	"context"
	"time"

	"github.com/vircluster/vircored/pkg/types"
)

// DefaultOpTimeout bounds any single driver call when the caller doesn't
// supply its own deadline.
const DefaultOpTimeout = 30 * time.Second

// Driver is the hypervisor operations consumed by the rest of the node
// daemon: define/start/shutdown/destroy/migrate/attach_device/
// detach_device/stats/list. Every method is synchronous and bounded by
// ctx; callers never see a partial result on timeout, only an error.
type Driver interface {
	// Define registers a domain from its opaque, hypervisor-native blob
	// without starting it. Redefining an existing uuid with the same
	// blob is a no-op.
	Define(ctx context.Context, uuid, domainBlob string) error

	// Start boots a previously defined domain.
	Start(ctx context.Context, uuid string) error

	// Shutdown asks the guest to power off gracefully, escalating to a
	// hard stop if it hasn't exited within timeout.
	Shutdown(ctx context.Context, uuid string, timeout time.Duration) error

	// Destroy hard-stops a domain immediately, no guest cooperation.
	Destroy(ctx context.Context, uuid string) error

	// Migrate relocates a running domain to targetURI using method. The
	// receiving side's driver is never called directly — the hypervisor
	// migration primitive instantiates the domain on the target itself.
	Migrate(ctx context.Context, uuid, targetURI string, method types.MigrationMethod) error

	// AttachDevice and DetachDevice modify a running domain's device set
	// in place. Repeated attach of an already-attached device, or
	// detach of an already-absent one, is a no-op.
	AttachDevice(ctx context.Context, uuid, deviceXML string) error
	DetachDevice(ctx context.Context, uuid, deviceXML string) error

	// Stats returns the last-sampled runtime counters for a domain.
	Stats(ctx context.Context, uuid string) (types.RuntimeStats, error)

	// List enumerates every domain this driver currently knows about,
	// defined or running.
	List(ctx context.Context) ([]types.VM, error)

	Close() error
}
