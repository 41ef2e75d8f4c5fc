package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/vircluster/vircored/pkg/log"
)

// DefaultSessionTTL is how long a session may go without a heartbeat
// before it is eligible for expiry.
const DefaultSessionTTL = 15 * time.Second

// Session emulates a ZK/etcd-style ephemeral-key session on top of Raft,
// which has no native concept of one: a client holds a Session open with
// periodic heartbeats, binds ephemeral keys and locks to it, and a
// leader-run reaper (ReapSessions) expires any session whose heartbeat
// has gone stale, releasing everything it owned in one transaction.
type Session struct {
	id     string
	ttl    time.Duration
	client *Client
	cancel context.CancelFunc
}

// NewSession opens a session and starts its heartbeat loop. Call Close
// when the owning component shuts down to stop the heartbeat; the
// session itself still expires naturally via ReapSessions if the process
// dies without calling Close.
func (c *Client) NewSession(ctx context.Context, ttl time.Duration) (*Session, error) {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	id := uuid.NewString()

	_, err := c.applier.Apply(Command{Op: OpSessionHeartbeat, SessionID: id}, DefaultApplyTimeout)
	if err != nil {
		return nil, err
	}

	sessCtx, cancel := context.WithCancel(ctx)
	s := &Session{id: id, ttl: ttl, client: c, cancel: cancel}
	go s.heartbeatLoop(sessCtx)
	return s, nil
}

// ID returns the session's identifier, used as the sessionID argument to
// Client.Lock and EphemeralPut.
func (s *Session) ID() string { return s.id }

func (s *Session) heartbeatLoop(ctx context.Context) {
	interval := s.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := log.WithComponent("store.session")
	for {
		select {
		case <-ticker.C:
			_, err := s.client.applier.Apply(Command{Op: OpSessionHeartbeat, SessionID: s.id}, DefaultApplyTimeout)
			if err != nil {
				logger.Warn().Err(err).Str("session", s.id).Msg("session heartbeat failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the heartbeat loop. It does not itself release the
// session's locks/ephemeral keys; those are reclaimed once the session's
// heartbeat goes stale and ReapSessions observes it.
func (s *Session) Close() {
	s.cancel()
}

// EphemeralPut writes value at id, owned by this session: it disappears
// once the session expires.
func (s *Session) EphemeralPut(id string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = s.client.applier.Apply(Command{
		Op:        OpEphemeralPut,
		ID:        id,
		SessionID: s.id,
		Data:      data,
	}, DefaultApplyTimeout)
	if err != nil {
		return err
	}
	s.client.watcher.notify(KindEphemeral, id)
	return nil
}

// TryAcquireEphemeral attempts to create id bound to this session,
// reporting acquired=false (not an error) if another session already
// holds it.
func (s *Session) TryAcquireEphemeral(id string, value interface{}) (bool, error) {
	return s.client.TryAcquireEphemeral(id, s.id, value)
}

// ReleaseEphemeral releases id if this session still owns it.
func (s *Session) ReleaseEphemeral(id string) error {
	return s.client.ReleaseEphemeral(id, s.id)
}

// Lock acquires an advisory lock bound to this session.
func (s *Session) Lock(name, holderID string, timeout time.Duration) (*Lock, error) {
	return s.client.Lock(name, holderID, s.id, timeout)
}

// ReapSessions scans every known session for staleness and proposes
// OpSessionExpire for each one whose heartbeat is older than ttl. Only
// the Raft leader should run this — a non-leader's proposal simply fails
// to commit, so callers typically gate this behind an IsLeader() check
// on a timer (see pkg/cluster's leadership-driven reconciliation loop).
func (c *Client) ReapSessions(ttl time.Duration) error {
	bucket, err := bucketFor(SchemaVersion, KindSession)
	if err != nil {
		return err
	}

	var staleIDs []string
	now := time.Now()
	err = c.fsm.View(func(tx *bolt.Tx) error {
		return forEachEnvelope(tx, bucket, func(id string, env *envelope) error {
			var rec sessionRecord
			if err := json.Unmarshal(env.Data, &rec); err != nil {
				return nil
			}
			if now.Sub(rec.LastSeen) > ttl {
				staleIDs = append(staleIDs, id)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	for _, id := range staleIDs {
		resp, err := c.applier.Apply(Command{
			Op:        OpSessionExpire,
			SessionID: id,
			TTLSec:    int(ttl / time.Second),
		}, DefaultApplyTimeout)
		if err != nil {
			return err
		}
		if result, ok := resp.(*ApplyResult); ok {
			for _, ephID := range result.ExpiredEphemeralIDs {
				c.watcher.notify(KindEphemeral, ephID)
			}
			for _, lockID := range result.ExpiredLockIDs {
				c.watcher.notify(KindLock, lockID)
			}
		}
	}
	return nil
}
