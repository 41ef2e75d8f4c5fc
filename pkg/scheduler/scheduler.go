// Package scheduler implements the Placement Selector (C7): a pure
// function from a candidate node set and a VM's placement policy to a
// single target node, or none.
package scheduler

import (
	"sort"
	"strings"

	"github.com/vircluster/vircored/pkg/types"
)

// Selector names, matched case-insensitively.
const (
	SelectorMem     = "mem"
	SelectorMemProv = "memprov"
	SelectorVCPUs   = "vcpus"
	SelectorLoad    = "load"
	SelectorVMs     = "vms"
	SelectorNone    = "none"
)

// Select picks a placement target for vm out of candidates, which the
// caller has already restricted to daemon-state=run and not in
// maintenance. selector is the VM's own node-selector policy;
// clusterDefault is substituted when selector is "" or "none". It
// returns ok=false when no candidate satisfies vm's node-limit set, or
// candidates is empty.
func Select(candidates []types.Node, vm *types.VM, selector, clusterDefault string) (target string, ok bool) {
	pool := intersectNodeLimit(candidates, vm.Meta.NodeLimit)
	if len(pool) == 0 {
		return "", false
	}

	name := strings.ToLower(strings.TrimSpace(selector))
	if name == "" || name == SelectorNone {
		name = strings.ToLower(strings.TrimSpace(clusterDefault))
	}

	sort.Slice(pool, func(i, j int) bool { return pool[i].Name < pool[j].Name })

	switch name {
	case SelectorMemProv:
		return pickMin(pool, func(n types.Node) int64 { return n.Resources.ProvisionedMemoryBytes }), true
	case SelectorVCPUs:
		return pickMin(pool, func(n types.Node) int64 { return int64(n.Resources.VCPUAllocated) }), true
	case SelectorLoad:
		return pickMinFloat(pool, func(n types.Node) float64 { return n.Resources.LoadAverage }), true
	case SelectorVMs:
		return pickMin(pool, func(n types.Node) int64 { return int64(n.Resources.VMRunningCount) }), true
	case SelectorMem:
		fallthrough
	default:
		return pickMaxFreeMemory(pool), true
	}
}

// intersectNodeLimit restricts candidates to vm's node-limit set, when
// one is configured; an empty set means no restriction.
func intersectNodeLimit(candidates []types.Node, limit []string) []types.Node {
	if len(limit) == 0 {
		return append([]types.Node(nil), candidates...)
	}
	allowed := make(map[string]bool, len(limit))
	for _, name := range limit {
		allowed[name] = true
	}
	var out []types.Node
	for _, n := range candidates {
		if allowed[n.Name] {
			out = append(out, n)
		}
	}
	return out
}

// pickMaxFreeMemory implements the "mem" selector: maximum free memory,
// ties broken by fewest running VMs.
func pickMaxFreeMemory(pool []types.Node) string {
	best := pool[0]
	for _, n := range pool[1:] {
		if n.Resources.FreeMemoryBytes > best.Resources.FreeMemoryBytes {
			best = n
			continue
		}
		if n.Resources.FreeMemoryBytes == best.Resources.FreeMemoryBytes &&
			n.Resources.VMRunningCount < best.Resources.VMRunningCount {
			best = n
		}
	}
	return best.Name
}

func pickMin(pool []types.Node, value func(types.Node) int64) string {
	best := pool[0]
	for _, n := range pool[1:] {
		if value(n) < value(best) {
			best = n
		}
	}
	return best.Name
}

func pickMinFloat(pool []types.Node, value func(types.Node) float64) string {
	best := pool[0]
	for _, n := range pool[1:] {
		if value(n) < value(best) {
			best = n
		}
	}
	return best.Name
}

// Candidates returns the subset of nodes eligible for placement:
// daemon-state=run, coordinator flag irrelevant, and (when
// clusterMaintenance is true) none at all — the whole cluster is
// frozen for placement during a declared maintenance window.
func Candidates(nodes []types.Node, clusterMaintenance bool) []types.Node {
	if clusterMaintenance {
		return nil
	}
	var out []types.Node
	for _, n := range nodes {
		if n.DaemonState == types.DaemonStateRun {
			out = append(out, n)
		}
	}
	return out
}
