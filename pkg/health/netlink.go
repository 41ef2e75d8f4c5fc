package health

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/vircluster/vircored/pkg/types"
)

// NetworkLink checks that this node's cluster-network interface is up
// and carrying a link, by attempting to reach the cluster network's
// gateway.
type NetworkLink struct {
	Gateway string
	Timeout time.Duration
}

func NewNetworkLink(gateway string) *NetworkLink {
	return &NetworkLink{Gateway: gateway, Timeout: 2 * time.Second}
}

func (c *NetworkLink) Name() string { return "network_link_down" }

func (c *NetworkLink) Run(ctx context.Context) Result {
	if c.Gateway == "" {
		return Result{Healthy: true, Message: "no gateway configured"}
	}
	dialer := &net.Dialer{Timeout: c.Timeout}
	conn, err := dialer.DialContext(ctx, "udp", net.JoinHostPort(c.Gateway, "7"))
	if err != nil {
		return Result{
			Healthy:     false,
			Severity:    types.FaultCritical,
			Message:     fmt.Sprintf("cluster network gateway %s unreachable: %v", c.Gateway, err),
			HealthDelta: 40,
		}
	}
	conn.Close()
	return Result{Healthy: true, Message: "cluster network link up"}
}

// DatabaseReachability checks that the DNS aggregator's backing database
// answers, per the floating-service contract ("if the DNS aggregator's
// database is unreachable at startup, primary takeover proceeds anyway,
// the aggregator reports a fault"): this plugin is what raises that
// fault without blocking the takeover itself.
type DatabaseReachability struct {
	Addr    string
	Timeout time.Duration
}

func NewDatabaseReachability(addr string) *DatabaseReachability {
	return &DatabaseReachability{Addr: addr, Timeout: 2 * time.Second}
}

func (c *DatabaseReachability) Name() string { return "dns_database_unreachable" }

func (c *DatabaseReachability) Run(ctx context.Context) Result {
	if c.Addr == "" {
		return Result{Healthy: true, Message: "no database configured"}
	}
	dialer := &net.Dialer{Timeout: c.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return Result{
			Healthy:     false,
			Severity:    types.FaultWarning,
			Message:     fmt.Sprintf("dns database %s unreachable: %v", c.Addr, err),
			HealthDelta: 10,
		}
	}
	conn.Close()
	return Result{Healthy: true, Message: "dns database reachable"}
}
