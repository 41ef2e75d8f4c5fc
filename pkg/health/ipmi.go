package health

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/vircluster/vircored/pkg/types"
)

// IPMIReachability probes whether this node's own out-of-band management
// endpoint answers, the same path the Fencer will need at fence time.
// An unreachable IPMI endpoint is not itself fatal to this node but
// means nobody else will be able to fence it if it later goes dark.
type IPMIReachability struct {
	Endpoint types.IPMIEndpoint
	Timeout  time.Duration
}

func NewIPMIReachability(ep types.IPMIEndpoint) *IPMIReachability {
	return &IPMIReachability{Endpoint: ep, Timeout: 3 * time.Second}
}

func (c *IPMIReachability) Name() string { return "ipmi_unreachable" }

func (c *IPMIReachability) Run(ctx context.Context) Result {
	if c.Endpoint.Host == "" {
		return Result{Healthy: true, Message: "no ipmi endpoint configured"}
	}
	dialer := &net.Dialer{Timeout: c.Timeout}
	conn, err := dialer.DialContext(ctx, "udp", net.JoinHostPort(c.Endpoint.Host, "623"))
	if err != nil {
		return Result{
			Healthy:     false,
			Severity:    types.FaultWarning,
			Message:     fmt.Sprintf("ipmi endpoint %s unreachable: %v", c.Endpoint.Host, err),
			HealthDelta: 15,
		}
	}
	conn.Close()
	return Result{Healthy: true, Message: "ipmi endpoint reachable"}
}
