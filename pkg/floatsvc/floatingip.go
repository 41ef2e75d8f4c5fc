package floatsvc

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/vircluster/vircored/pkg/log"
)

// DefaultCommandTimeout bounds every ip(8) invocation this service makes.
const DefaultCommandTimeout = 10 * time.Second

// FloatingIPService owns the cluster's upstream-facing address: it is
// configured onto the primary's uplink interface on election and torn
// down on loss, the same way IPMI power control shells out to a vendor
// CLI rather than speaking the protocol in-process.
type FloatingIPService struct {
	iface   string
	cidr    string
	timeout time.Duration
	logger  zerolog.Logger
	bin     string // overridden in tests; always "ip" in production
}

func NewFloatingIPService(iface, cidr string) *FloatingIPService {
	return &FloatingIPService{iface: iface, cidr: cidr, timeout: DefaultCommandTimeout, logger: log.WithComponent("floatsvc.ip"), bin: "ip"}
}

func (s *FloatingIPService) Name() string { return "floating-ip" }

func (s *FloatingIPService) Start(ctx context.Context) error {
	return s.run(ctx, "addr", "add", s.cidr, "dev", s.iface)
}

func (s *FloatingIPService) Stop(ctx context.Context) error {
	return s.run(ctx, "addr", "del", s.cidr, "dev", s.iface)
}

func (s *FloatingIPService) run(ctx context.Context, args ...string) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	out, err := exec.CommandContext(cctx, s.bin, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w: %s", s.bin, args, err, out)
	}
	s.logger.Info().Strs("args", args).Msg("configured floating ip")
	return nil
}
