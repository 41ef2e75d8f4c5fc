package fencer

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/vircluster/vircored/pkg/types"
)

// IPMIDriver is the out-of-band power-control contract the fence
// protocol drives: an unconditional power-off request, and a status
// read used to confirm it actually landed. Implementations must never
// substitute a reset for an off — the protocol's whole safety argument
// rests on the target host being provably unpowered before any VM is
// reassigned.
type IPMIDriver interface {
	PowerOff(ctx context.Context, ep types.IPMIEndpoint) error
	IsPoweredOff(ctx context.Context, ep types.IPMIEndpoint) (bool, error)
}

// CredentialResolver turns an endpoint's opaque reference and encrypted
// blob into the plaintext password ipmitool needs. Kept separate from
// IPMIEndpoint itself so the decryption key never has to flow through
// the coordination store.
type CredentialResolver interface {
	ResolvePassword(ep types.IPMIEndpoint) (string, error)
}

// DefaultCommandTimeout bounds a single ipmitool invocation.
const DefaultCommandTimeout = 10 * time.Second

// IPMIToolDriver shells out to the ipmitool CLI over lanplus, the same
// exec-a-vendor-binary idiom the health plugins use for PSU/RAID/SMART
// checks.
type IPMIToolDriver struct {
	resolver CredentialResolver
	timeout  time.Duration
}

func NewIPMIToolDriver(resolver CredentialResolver) *IPMIToolDriver {
	return &IPMIToolDriver{resolver: resolver, timeout: DefaultCommandTimeout}
}

func (d *IPMIToolDriver) run(ctx context.Context, ep types.IPMIEndpoint, args ...string) (string, error) {
	if ep.Host == "" {
		return "", fmt.Errorf("node has no ipmi endpoint configured")
	}
	password, err := d.resolver.ResolvePassword(ep)
	if err != nil {
		return "", fmt.Errorf("resolving ipmi credential: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	full := append([]string{"-I", "lanplus", "-H", ep.Host, "-U", ep.User, "-P", password}, args...)
	cmd := exec.CommandContext(cctx, "ipmitool", full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("ipmitool %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), nil
}

func (d *IPMIToolDriver) PowerOff(ctx context.Context, ep types.IPMIEndpoint) error {
	_, err := d.run(ctx, ep, "power", "off")
	return err
}

func (d *IPMIToolDriver) IsPoweredOff(ctx context.Context, ep types.IPMIEndpoint) (bool, error) {
	out, err := d.run(ctx, ep, "power", "status")
	if err != nil {
		return false, err
	}
	return strings.Contains(strings.ToLower(out), "is off"), nil
}
