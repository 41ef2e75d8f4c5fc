// Package elector implements the Primary Elector (C8): a store-backed,
// ephemeral-key election among coordinators for the one floating-service
// primary, independent of Raft leadership. Whichever coordinator's
// session holds the primary-node key activates the cluster's floating
// services; every other coordinator watches the key and retries after it
// is released, by handoff or by the holder's session expiring.
package elector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vircluster/vircored/pkg/log"
	"github.com/vircluster/vircored/pkg/metrics"
	"github.com/vircluster/vircored/pkg/store"
	"github.com/vircluster/vircored/pkg/types"
)

const (
	// PrimaryKey is the ephemeral key coordinators race to create.
	PrimaryKey = "primary"
	// HandoffRequestID is the KindCluster record an operator writes to
	// ask the current primary to step down.
	HandoffRequestID = "primary_handoff"
	// DefaultRetryInterval bounds how long a losing coordinator waits
	// before re-attempting acquisition even if it missed a watch wakeup.
	DefaultRetryInterval = 5 * time.Second
)

// FloatingService is one primary-owned service: the floating upstream
// IP, the DNS aggregator, a managed network's DHCP instance, the metrics
// proxy. Start/Stop are called in activation order on election and
// reverse order on loss, and must each be independently safe to retry.
type FloatingService interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Config tunes session lifetime and retry cadence.
type Config struct {
	SessionTTL    time.Duration
	RetryInterval time.Duration
}

func DefaultConfig() Config {
	return Config{SessionTTL: store.DefaultSessionTTL, RetryInterval: DefaultRetryInterval}
}

// Elector runs one coordinator's participation in primary election.
type Elector struct {
	client   *store.Client
	nodeName string
	services []FloatingService
	cfg      Config
	logger   zerolog.Logger

	mu        chan struct{} // 1-buffered mutex, so isPrimary reads never race Start/Stop
	isPrimary bool

	session *store.Session

	stopCh             chan struct{}
	doneCh             chan struct{}
	cancelHandoffWatch func()
	cancelHandoff      func()
}

// New builds a Primary Elector for this coordinator. services is applied
// in the given order on election and reverse order on loss.
func New(client *store.Client, nodeName string, services []FloatingService, cfg Config) *Elector {
	e := &Elector{
		client:   client,
		nodeName: nodeName,
		services: services,
		cfg:      cfg,
		logger:   log.WithComponent("elector").With().Str("node", nodeName).Logger(),
		mu:       make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	e.mu <- struct{}{}
	return e
}

// Start opens this coordinator's election session and begins competing
// for the primary key.
func (e *Elector) Start(ctx context.Context) error {
	session, err := e.client.NewSession(ctx, e.cfg.SessionTTL)
	if err != nil {
		return fmt.Errorf("opening election session: %w", err)
	}
	e.session = session
	go e.run(ctx)
	return nil
}

// Stop steps down if primary, closes the election session, and waits
// for the run loop to exit.
func (e *Elector) Stop() {
	close(e.stopCh)
	<-e.doneCh
	if e.IsPrimary() {
		e.stepDown(context.Background())
	}
	e.session.Close()
}

// IsPrimary reports whether this coordinator currently holds the
// primary key.
func (e *Elector) IsPrimary() bool {
	<-e.mu
	v := e.isPrimary
	e.mu <- struct{}{}
	return v
}

func (e *Elector) setPrimary(v bool) {
	<-e.mu
	e.isPrimary = v
	e.mu <- struct{}{}
}

func (e *Elector) run(ctx context.Context) {
	defer close(e.doneCh)

	retry := make(chan struct{}, 1)
	trigger := func() {
		select {
		case retry <- struct{}{}:
		default:
		}
	}
	cancelWatch := e.client.WatchEphemeral(PrimaryKey, trigger)
	defer cancelWatch()

	ticker := time.NewTicker(e.cfg.RetryInterval)
	defer ticker.Stop()

	trigger()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-retry:
		case <-ticker.C:
		}

		if e.IsPrimary() {
			continue
		}
		won, err := e.session.TryAcquireEphemeral(PrimaryKey, &types.PrimaryClaim{Node: e.nodeName, ElectedAt: time.Now()})
		if err != nil {
			e.logger.Warn().Err(err).Msg("primary election attempt failed")
			continue
		}
		if won {
			e.becomePrimary(ctx)
		}
	}
}

// becomePrimary activates floating services in order, backgrounded so a
// slow or failing service never blocks the election transition itself,
// and starts watching for a deliberate handoff request.
func (e *Elector) becomePrimary(ctx context.Context) {
	e.setPrimary(true)
	metrics.ElectionTransitionsTotal.Inc()
	e.logger.Info().Msg("won primary election")
	e.setClusterPrimaryNodeID(e.nodeName)

	handoffCtx, cancelHandoff := context.WithCancel(ctx)
	e.cancelHandoff = cancelHandoff
	e.watchHandoff(handoffCtx)

	go e.activateServices(ctx)
}

// watchHandoff registers a callback on the handoff-request record; it
// re-reads the record on every notification rather than trusting the
// watch payload, same discipline as every other reconcile loop in this
// daemon.
func (e *Elector) watchHandoff(ctx context.Context) {
	checkCh := make(chan struct{}, 1)
	check := func() {
		select {
		case checkCh <- struct{}{}:
		default:
		}
	}
	cancel := e.client.Watch(store.KindCluster, HandoffRequestID, check)
	e.cancelHandoffWatch = cancel

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-checkCh:
				if e.handoffRequested() {
					e.stepDown(ctx)
					return
				}
			}
		}
	}()
}

func (e *Elector) handoffRequested() bool {
	rec, err := e.client.Get(store.KindCluster, HandoffRequestID)
	if err != nil {
		return false
	}
	var req types.PrimaryHandoffRequest
	if err := json.Unmarshal(rec.Data, &req); err != nil {
		return false
	}
	return req.Requested
}

// stepDown quiesces floating services in reverse order, releases the
// primary key, and consumes the handoff request so it cannot immediately
// re-fire against the next primary.
func (e *Elector) stepDown(ctx context.Context) {
	if e.cancelHandoffWatch != nil {
		e.cancelHandoffWatch()
		e.cancelHandoffWatch = nil
	}
	if e.cancelHandoff != nil {
		e.cancelHandoff()
		e.cancelHandoff = nil
	}

	e.deactivateServices(ctx)
	if err := e.session.ReleaseEphemeral(PrimaryKey); err != nil {
		e.logger.Warn().Err(err).Msg("releasing primary key on handoff")
	}
	e.clearHandoffRequest()
	e.setClusterPrimaryNodeID("")
	e.setPrimary(false)
	metrics.ElectionTransitionsTotal.Inc()
	e.logger.Info().Msg("stepped down as primary")
}

func (e *Elector) clearHandoffRequest() {
	rec, err := e.client.Get(store.KindCluster, HandoffRequestID)
	if err != nil {
		return
	}
	req := types.PrimaryHandoffRequest{Requested: false}
	_, _ = e.client.CompareAndSet(store.KindCluster, HandoffRequestID, rec.Version, &req)
}

func (e *Elector) activateServices(ctx context.Context) {
	for _, svc := range e.services {
		if err := svc.Start(ctx); err != nil {
			e.logger.Error().Err(err).Str("service", svc.Name()).Msg("floating service failed to start")
			e.raiseFault(svc.Name(), err)
			continue
		}
		e.logger.Info().Str("service", svc.Name()).Msg("floating service started")
	}
}

func (e *Elector) deactivateServices(ctx context.Context) {
	for i := len(e.services) - 1; i >= 0; i-- {
		svc := e.services[i]
		if err := svc.Stop(ctx); err != nil {
			e.logger.Warn().Err(err).Str("service", svc.Name()).Msg("floating service failed to stop cleanly")
			continue
		}
		e.logger.Info().Str("service", svc.Name()).Msg("floating service stopped")
	}
}

func (e *Elector) raiseFault(serviceName string, cause error) {
	id := "floatsvc:" + serviceName
	now := time.Now()
	msg := fmt.Sprintf("floating service %s: %v", serviceName, cause)

	rec, err := e.client.Get(store.KindFault, id)
	if err != nil {
		fault := &types.Fault{ID: id, FirstSeen: now, LastSeen: now, Severity: types.FaultWarning, Message: msg, HealthDelta: 5}
		_, _ = e.client.Put(store.KindFault, id, fault)
		return
	}
	var fault types.Fault
	if err := json.Unmarshal(rec.Data, &fault); err != nil {
		return
	}
	fault.LastSeen = now
	fault.Message = msg
	_, _ = e.client.CompareAndSet(store.KindFault, id, rec.Version, &fault)
}

func (e *Elector) setClusterPrimaryNodeID(nodeID string) {
	rec, err := e.client.Get(store.KindCluster, store.ClusterSingletonID)
	if err != nil {
		e.logger.Warn().Err(err).Msg("reading cluster record to update primary node id")
		return
	}
	var cluster types.Cluster
	if err := json.Unmarshal(rec.Data, &cluster); err != nil {
		return
	}
	cluster.PrimaryNodeID = nodeID
	if _, err := e.client.CompareAndSet(store.KindCluster, store.ClusterSingletonID, rec.Version, &cluster); err != nil {
		e.logger.Warn().Err(err).Msg("updating cluster primary node id")
	}
}
