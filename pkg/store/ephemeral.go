package store

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"
)

// EphemeralRecord is a decoded ephemeral key: its value, the version CAS
// writes key off of, and the session that currently owns it. Unlike
// Record it never resolves through schemaMap — ephemeral keys live in
// their own flat bucket outside the Kind-based schema (see fsm.go).
type EphemeralRecord struct {
	ID        string
	Version   uint64
	SessionID string
	Data      json.RawMessage
}

// GetEphemeral reads the current holder and value of an ephemeral key,
// or ErrNotFound if nothing currently holds it. Components that need to
// know who holds a given key — the Primary Elector checking the current
// primary, for instance — use this instead of Get, which only resolves
// Kind-based buckets.
func (c *Client) GetEphemeral(id string) (*EphemeralRecord, error) {
	var out *EphemeralRecord
	err := c.fsm.View(func(tx *bolt.Tx) error {
		env, err := getEnvelope(tx, ephemeralBucket, id)
		if err != nil {
			return err
		}
		var rec ephemeralRecord
		if err := json.Unmarshal(env.Data, &rec); err != nil {
			return err
		}
		out = &EphemeralRecord{ID: id, Version: env.Version, SessionID: rec.SessionID, Data: rec.Data}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TryAcquireEphemeral writes value at id bound to sessionID only if the
// key does not already exist, reporting acquired=false (not an error)
// when another session already holds it. This is the store's "first
// writer wins" primitive: repeated, independent calls across coordinators
// racing to create the same id resolve to exactly one winner, the same
// way a single CompareAndSet(expected=0) resolves a race on a Kind-based
// record.
func (c *Client) TryAcquireEphemeral(id, sessionID string, value interface{}) (acquired bool, err error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	_, err = c.applier.Apply(Command{
		Op:        OpEphemeralCAS,
		ID:        id,
		SessionID: sessionID,
		Data:      data,
	}, DefaultApplyTimeout)
	if err != nil {
		if _, ok := err.(*ErrConflict); ok {
			return false, nil
		}
		return false, err
	}
	c.watcher.notify(KindEphemeral, id)
	return true, nil
}

// WatchEphemeral registers fn to run whenever the ephemeral key id is
// created, overwritten, or deleted (including by session expiry).
func (c *Client) WatchEphemeral(id string, fn func()) (cancel func()) {
	return c.watcher.subscribe(KindEphemeral, id, fn)
}

// ReleaseEphemeral deletes id if and only if sessionID still owns it,
// for deliberate handoff: a current primary quiescing its floating
// services releases its own election key rather than waiting out a
// session timeout.
func (c *Client) ReleaseEphemeral(id, sessionID string) error {
	_, err := c.applier.Apply(Command{Op: OpEphemeralDelete, ID: id, SessionID: sessionID}, DefaultApplyTimeout)
	if err != nil {
		return err
	}
	c.watcher.notify(KindEphemeral, id)
	return nil
}
