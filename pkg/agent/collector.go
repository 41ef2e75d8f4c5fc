package agent

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/vircluster/vircored/pkg/hypervisor"
	"github.com/vircluster/vircored/pkg/store"
	"github.com/vircluster/vircored/pkg/types"
)

// HostCollector is the production ResourceCollector: free memory and
// load average from /proc, VM counts from the hypervisor driver, and OSD
// counts from the store (coordinators only).
type HostCollector struct {
	driver        hypervisor.Driver
	client        *store.Client
	nodeName      string
	isCoordinator bool
}

// NewHostCollector builds the production resource collector.
func NewHostCollector(driver hypervisor.Driver, client *store.Client, nodeName string, isCoordinator bool) *HostCollector {
	return &HostCollector{driver: driver, client: client, nodeName: nodeName, isCoordinator: isCoordinator}
}

func (h *HostCollector) Collect(ctx context.Context) (types.NodeResources, error) {
	var res types.NodeResources

	free, err := readFreeMemoryBytes()
	if err != nil {
		return res, fmt.Errorf("reading free memory: %w", err)
	}
	res.FreeMemoryBytes = free

	load, err := readLoadAverage1()
	if err != nil {
		return res, fmt.Errorf("reading load average: %w", err)
	}
	res.LoadAverage = math.Round(load*100) / 100

	vms, err := h.driver.List(ctx)
	if err != nil {
		return res, fmt.Errorf("listing vms: %w", err)
	}
	var running int
	var provisioned int64
	for _, vm := range vms {
		if vm.ObservedState == types.VMObservedStart {
			running++
		}
		provisioned += vm.ProvisionedMemoryBytes
	}
	res.VMCount = len(vms)
	res.VMRunningCount = running
	res.ProvisionedMemoryBytes = provisioned

	if h.isCoordinator {
		osds, err := h.client.List(store.KindOSD)
		if err != nil {
			return res, fmt.Errorf("listing osds: %w", err)
		}
		res.OSDCount = len(osds)
	}

	return res, nil
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

func readFreeMemoryBytes() (int64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("malformed MemAvailable line")
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	return 0, fmt.Errorf("MemAvailable not found in /proc/meminfo")
}
