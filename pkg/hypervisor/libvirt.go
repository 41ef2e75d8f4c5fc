package hypervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
	"github.com/google/uuid"

	"github.com/vircluster/vircored/pkg/types"
)

// DefaultSocketPath is the default libvirtd UNIX socket on a KVM host.
const DefaultSocketPath = "/var/run/libvirt/libvirt-sock"

// LibvirtDriver implements Driver against a local libvirtd over its
// native RPC protocol.
type LibvirtDriver struct {
	l *libvirt.Libvirt
}

// NewLibvirtDriver dials libvirtd at socketPath (DefaultSocketPath if
// empty) and authenticates the connection.
func NewLibvirtDriver(socketPath string) (*LibvirtDriver, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	dialer := dialers.NewLocal(dialers.WithSocket(socketPath))
	l := libvirt.NewWithDialer(dialer)
	if err := l.Connect(); err != nil {
		return nil, fmt.Errorf("connecting to libvirtd at %s: %w", socketPath, err)
	}

	return &LibvirtDriver{l: l}, nil
}

// Close disconnects from libvirtd.
func (d *LibvirtDriver) Close() error {
	return d.l.Disconnect()
}

// withTimeout runs fn on a goroutine and returns ctx's error if it
// expires first. libvirt's RPC calls aren't natively cancellable, so a
// timed-out call may still complete in the background against
// libvirtd; callers retry idempotently rather than assume it didn't.
func withTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	if timeout <= 0 {
		timeout = DefaultOpTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func parseUUID(id string) (libvirt.UUID, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return libvirt.UUID{}, fmt.Errorf("parsing uuid %s: %w", id, err)
	}
	return libvirt.UUID(u), nil
}

func (d *LibvirtDriver) lookup(id string) (libvirt.Domain, error) {
	u, err := parseUUID(id)
	if err != nil {
		return libvirt.Domain{}, err
	}
	dom, err := d.l.DomainLookupByUUID(u)
	if err != nil {
		return libvirt.Domain{}, fmt.Errorf("looking up domain %s: %w", id, err)
	}
	return dom, nil
}

func (d *LibvirtDriver) Define(ctx context.Context, uuid, domainBlob string) error {
	return withTimeout(ctx, DefaultOpTimeout, func() error {
		if _, err := d.l.DomainDefineXML(domainBlob); err != nil {
			return fmt.Errorf("defining domain %s: %w", uuid, err)
		}
		return nil
	})
}

func (d *LibvirtDriver) Start(ctx context.Context, uuid string) error {
	return withTimeout(ctx, DefaultOpTimeout, func() error {
		dom, err := d.lookup(uuid)
		if err != nil {
			return err
		}
		if err := d.l.DomainCreate(dom); err != nil {
			return fmt.Errorf("starting domain %s: %w", uuid, err)
		}
		return nil
	})
}

// Shutdown requests a graceful guest power-off and escalates to a
// destroy once timeout elapses without the domain reaching shutoff.
func (d *LibvirtDriver) Shutdown(ctx context.Context, uuid string, timeout time.Duration) error {
	return withTimeout(ctx, timeout+10*time.Second, func() error {
		dom, err := d.lookup(uuid)
		if err != nil {
			return err
		}
		if err := d.l.DomainShutdown(dom); err != nil {
			return fmt.Errorf("requesting shutdown of domain %s: %w", uuid, err)
		}

		deadline := time.Now().Add(timeout)
		for time.Now().Before(deadline) {
			state, _, _, _, _, err := d.l.DomainGetInfo(dom)
			if err == nil && libvirt.DomainState(state) == libvirt.DomainShutoff {
				return nil
			}
			time.Sleep(500 * time.Millisecond)
		}

		if err := d.l.DomainDestroy(dom); err != nil {
			return fmt.Errorf("force-stopping domain %s after shutdown timeout: %w", uuid, err)
		}
		return nil
	})
}

func (d *LibvirtDriver) Destroy(ctx context.Context, uuid string) error {
	return withTimeout(ctx, DefaultOpTimeout, func() error {
		dom, err := d.lookup(uuid)
		if err != nil {
			return err
		}
		if err := d.l.DomainDestroy(dom); err != nil {
			return fmt.Errorf("destroying domain %s: %w", uuid, err)
		}
		return nil
	})
}

// Migrate invokes libvirt's peer-to-peer migration primitive. The
// target domain is instantiated by libvirt itself on the receiving
// host; this driver's Start is never called there.
func (d *LibvirtDriver) Migrate(ctx context.Context, uuid, targetURI string, method types.MigrationMethod) error {
	return withTimeout(ctx, 5*time.Minute, func() error {
		dom, err := d.lookup(uuid)
		if err != nil {
			return err
		}

		flags := libvirt.DomainMigratePeer2peer | libvirt.DomainMigratePersistDest
		if method == types.MigrationLive {
			flags |= libvirt.DomainMigrateLive
		}

		if _, err := d.l.DomainMigrateToURI3(dom, targetURI, nil, uint32(flags)); err != nil {
			return fmt.Errorf("migrating domain %s to %s: %w", uuid, targetURI, err)
		}
		return nil
	})
}

func (d *LibvirtDriver) AttachDevice(ctx context.Context, uuid, deviceXML string) error {
	return withTimeout(ctx, DefaultOpTimeout, func() error {
		dom, err := d.lookup(uuid)
		if err != nil {
			return err
		}
		flags := libvirt.DomainDeviceModifyLive | libvirt.DomainDeviceModifyConfig
		if err := d.l.DomainAttachDeviceFlags(dom, deviceXML, flags); err != nil {
			return fmt.Errorf("attaching device to domain %s: %w", uuid, err)
		}
		return nil
	})
}

func (d *LibvirtDriver) DetachDevice(ctx context.Context, uuid, deviceXML string) error {
	return withTimeout(ctx, DefaultOpTimeout, func() error {
		dom, err := d.lookup(uuid)
		if err != nil {
			return err
		}
		flags := libvirt.DomainDeviceModifyLive | libvirt.DomainDeviceModifyConfig
		if err := d.l.DomainDetachDeviceFlags(dom, deviceXML, flags); err != nil {
			return fmt.Errorf("detaching device from domain %s: %w", uuid, err)
		}
		return nil
	})
}

func (d *LibvirtDriver) Stats(ctx context.Context, id string) (types.RuntimeStats, error) {
	var stats types.RuntimeStats
	err := withTimeout(ctx, DefaultOpTimeout, func() error {
		dom, err := d.lookup(id)
		if err != nil {
			return err
		}
		_, _, memory, _, cpuTime, err := d.l.DomainGetInfo(dom)
		if err != nil {
			return fmt.Errorf("getting info for domain %s: %w", id, err)
		}
		stats = types.RuntimeStats{
			SampledAt:    time.Now(),
			CPUTimeNanos: cpuTime,
			MemoryBytes:  memory * 1024, // DomainGetInfo reports KiB
		}
		return nil
	})
	return stats, err
}

func (d *LibvirtDriver) List(ctx context.Context) ([]types.VM, error) {
	var vms []types.VM
	err := withTimeout(ctx, DefaultOpTimeout, func() error {
		domains, _, err := d.l.ConnectListAllDomains(-1, 0)
		if err != nil {
			return fmt.Errorf("listing domains: %w", err)
		}
		vms = make([]types.VM, 0, len(domains))
		for _, dom := range domains {
			state, _, memory, _, _, err := d.l.DomainGetInfo(dom)
			if err != nil {
				continue
			}
			vms = append(vms, types.VM{
				UUID:                   uuid.UUID(dom.UUID).String(),
				Name:                   dom.Name,
				ObservedState:          mapDomainState(libvirt.DomainState(state)),
				ProvisionedMemoryBytes: int64(memory) * 1024,
			})
		}
		return nil
	})
	return vms, err
}

func mapDomainState(s libvirt.DomainState) types.VMObservedState {
	switch s {
	case libvirt.DomainRunning:
		return types.VMObservedStart
	case libvirt.DomainPaused:
		return types.VMObservedDisable
	case libvirt.DomainCrashed:
		return types.VMObservedFail
	default:
		return types.VMObservedStop
	}
}
