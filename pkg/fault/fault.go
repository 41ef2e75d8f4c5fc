// Package fault implements the cluster's fault registry: a persistent,
// de-duplicated set of health problems each node tracks about itself,
// and the health-score computation derived from it.
package fault

import (
	"encoding/json"
	"time"

	"github.com/vircluster/vircored/pkg/log"
	"github.com/vircluster/vircored/pkg/metrics"
	"github.com/vircluster/vircored/pkg/store"
	"github.com/vircluster/vircored/pkg/types"
)

func decodeFault(raw json.RawMessage, f *types.Fault) error {
	return json.Unmarshal(raw, f)
}

func decodeNode(raw json.RawMessage, n *types.Node) error {
	return json.Unmarshal(raw, n)
}

// Producer is anything that can raise faults through a Registry, such as
// the health plugin Runner (pkg/health). The Fencer, Failure Detector and
// Primary Elector write their fault records to the store directly.
type Producer interface {
	// Faults returns the set of fault ids currently true for this
	// producer, with the message and severity each would carry if
	// raised. An empty slice means "no faults from this producer right
	// now" and clears any fault this producer previously raised.
	Faults() []Candidate
}

// Candidate is a fault a Producer is currently asserting.
type Candidate struct {
	ID          string
	Severity    types.FaultSeverity
	Message     string
	HealthDelta int
}

// Registry tracks a single node's faults in the coordination store under
// a node-scoped fault list, recomputing the node's health score whenever
// the set changes.
type Registry struct {
	client   *store.Client
	nodeName string
}

// NewRegistry builds a fault registry scoped to nodeName.
func NewRegistry(client *store.Client, nodeName string) *Registry {
	return &Registry{client: client, nodeName: nodeName}
}

// Reconcile runs every producer, raises newly-true candidates, clears
// faults whose producer no longer asserts them, and updates the node's
// ActiveFaults list and HealthScore in one pass. Called by the Node
// Agent at the end of each keepalive tick.
func (r *Registry) Reconcile(producers []Producer) error {
	logger := log.WithComponent("fault")

	want := make(map[string]Candidate)
	for _, p := range producers {
		for _, c := range p.Faults() {
			want[c.ID] = c
		}
	}

	now := time.Now()
	var active []string
	var unackedDelta int

	existing, err := r.client.List(store.KindFault)
	if err != nil {
		return err
	}
	existingByID := make(map[string]*types.Fault)
	for _, rec := range existing {
		var f types.Fault
		if err := decodeFault(rec.Data, &f); err != nil {
			continue
		}
		existingByID[f.ID] = &f
	}

	for id, cand := range want {
		f, ok := existingByID[id]
		if !ok {
			f = &types.Fault{
				ID:          id,
				FirstSeen:   now,
				Severity:    cand.Severity,
				Message:     cand.Message,
				HealthDelta: cand.HealthDelta,
			}
			logger.Warn().Str("fault", id).Str("severity", string(cand.Severity)).Msg("fault raised")
		}
		f.LastSeen = now
		f.Severity = cand.Severity
		f.Message = cand.Message
		f.HealthDelta = cand.HealthDelta
		if err := r.put(f); err != nil {
			return err
		}
		active = append(active, id)
		if !f.Acked {
			unackedDelta += f.HealthDelta
		}
	}

	for id := range existingByID {
		if _, stillAsserted := want[id]; !stillAsserted {
			logger.Info().Str("fault", id).Msg("fault cleared")
			if err := r.client.Delete(store.KindFault, id); err != nil {
				return err
			}
		}
	}

	metrics.FaultsActive.Set(float64(len(active)))

	score := 100 - unackedDelta
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	metrics.ClusterHealthScore.Set(float64(score))

	return r.updateNode(active, score)
}

// Ack marks a fault acknowledged, removing its contribution to the
// node's health score without requiring the producer to clear.
func (r *Registry) Ack(id string) error {
	rec, err := r.client.Get(store.KindFault, id)
	if err != nil {
		return err
	}
	var f types.Fault
	if err := decodeFault(rec.Data, &f); err != nil {
		return err
	}
	f.Acked = true
	_, err = r.client.CompareAndSet(store.KindFault, id, rec.Version, &f)
	return err
}

// Purge deletes a fault outright (operator action), whether or not it
// has been acknowledged.
func (r *Registry) Purge(id string) error {
	return r.client.Delete(store.KindFault, id)
}

// List returns every fault in the store, whichever node or component
// raised it.
func (r *Registry) List() ([]types.Fault, error) {
	recs, err := r.client.List(store.KindFault)
	if err != nil {
		return nil, err
	}
	out := make([]types.Fault, 0, len(recs))
	for _, rec := range recs {
		var f types.Fault
		if err := decodeFault(rec.Data, &f); err != nil {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (r *Registry) put(f *types.Fault) error {
	_, err := r.client.Put(store.KindFault, f.ID, f)
	return err
}

func (r *Registry) updateNode(activeFaults []string, healthScore int) error {
	rec, err := r.client.Get(store.KindNode, r.nodeName)
	if err != nil {
		return err
	}
	var n types.Node
	if err := decodeNode(rec.Data, &n); err != nil {
		return err
	}
	n.ActiveFaults = activeFaults
	n.HealthScore = healthScore
	_, err = r.client.CompareAndSet(store.KindNode, r.nodeName, rec.Version, &n)
	return err
}
