// Package health implements the node-local health plugin framework: each
// plugin independently reports a health delta and an optional fault id,
// run once per keepalive tick by the Node Agent.
package health

import (
	"context"
	"time"

	"github.com/vircluster/vircored/pkg/fault"
	"github.com/vircluster/vircored/pkg/types"
)

// Result is what one plugin reports for a single run.
type Result struct {
	Healthy     bool
	FaultID     string
	Severity    types.FaultSeverity
	Message     string
	HealthDelta int
}

// Check is the interface every health plugin implements: a single,
// independent probe that never blocks longer than the context allows.
type Check interface {
	// Name identifies the plugin; it is used as the fault id when a
	// failing Result carries no FaultID of its own.
	Name() string
	// Run performs the probe and reports its result.
	Run(ctx context.Context) Result
}

// Config bounds how long any single plugin run is allowed to take.
type Config struct {
	Timeout time.Duration
}

// DefaultConfig returns the plugin timeout used if none is given.
func DefaultConfig() Config {
	return Config{Timeout: 5 * time.Second}
}

// Runner holds the registered plugins for one node and adapts their
// results into fault.Candidate values, so Runner itself satisfies
// fault.Producer.
type Runner struct {
	checks []Check
	cfg    Config
	last   []runResult
}

// NewRunner registers checks to run on every tick.
func NewRunner(cfg Config, checks ...Check) *Runner {
	if cfg.Timeout <= 0 {
		cfg = DefaultConfig()
	}
	return &Runner{checks: checks, cfg: cfg}
}

// runResult is one plugin's output from the most recent call to Run; Run
// is what actually executes the plugins, Faults() adapts that output.
// Runner is deliberately re-run once per tick by the caller invoking Run
// immediately before handing the Runner to fault.Registry.Reconcile.
type runResult struct {
	result Result
	name   string
}

var _ fault.Producer = (*Runner)(nil)

// Run executes every registered plugin with the configured timeout and
// caches their results for the subsequent Faults() call.
func (r *Runner) Run(ctx context.Context) {
	results := make([]runResult, 0, len(r.checks))
	for _, c := range r.checks {
		cctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		res := c.Run(cctx)
		cancel()
		results = append(results, runResult{result: res, name: c.Name()})
	}
	r.last = results
}

// Faults implements fault.Producer, translating the last Run's results
// (a healthy Result is simply absent from the output).
func (r *Runner) Faults() []fault.Candidate {
	var out []fault.Candidate
	for _, rr := range r.last {
		if rr.result.Healthy {
			continue
		}
		id := rr.result.FaultID
		if id == "" {
			id = rr.name
		}
		out = append(out, fault.Candidate{
			ID:          id,
			Severity:    rr.result.Severity,
			Message:     rr.result.Message,
			HealthDelta: rr.result.HealthDelta,
		})
	}
	return out
}
