package health

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/vircluster/vircored/pkg/types"
)

// LoadCeiling flags a node whose 1-minute load average exceeds Ceiling
// times its cpu count, a cheap signal that the node is oversubscribed
// before the placement selector would otherwise notice.
type LoadCeiling struct {
	Ceiling  float64
	CPUCount int
}

func NewLoadCeiling(cpuCount int, ceiling float64) *LoadCeiling {
	if ceiling <= 0 {
		ceiling = 4.0
	}
	return &LoadCeiling{Ceiling: ceiling, CPUCount: cpuCount}
}

func (c *LoadCeiling) Name() string { return "load_ceiling_exceeded" }

func (c *LoadCeiling) Run(ctx context.Context) Result {
	load, err := readLoadAverage1()
	if err != nil {
		return Result{Healthy: true, Message: fmt.Sprintf("load average unavailable: %v", err)}
	}
	cpus := c.CPUCount
	if cpus <= 0 {
		cpus = 1
	}
	limit := c.Ceiling * float64(cpus)
	if load <= limit {
		return Result{Healthy: true, Message: "load within ceiling"}
	}
	return Result{
		Healthy:     false,
		Severity:    types.FaultWarning,
		Message:     fmt.Sprintf("load average %.2f exceeds ceiling %.2f", load, limit),
		HealthDelta: 5,
	}
}

func readLoadAverage1() (float64, error) {
	f, err := os.Open("/proc/loadavg")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, fmt.Errorf("empty /proc/loadavg")
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) == 0 {
		return 0, fmt.Errorf("malformed /proc/loadavg")
	}
	return strconv.ParseFloat(fields[0], 64)
}
