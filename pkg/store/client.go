package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// DefaultApplyTimeout bounds how long a write waits for Raft commit
// before giving up.
const DefaultApplyTimeout = 5 * time.Second

// Applier is the subset of the Raft node wiring the Store Client needs:
// submit a command and learn who the leader is. Kept as an interface
// (rather than importing pkg/cluster directly) to avoid a store<->cluster
// import cycle, since pkg/cluster itself is built on top of this FSM.
type Applier interface {
	Apply(cmd Command, timeout time.Duration) (interface{}, error)
	IsLeader() bool
	LeaderAddr() string
}

// Client is the typed façade every component in this daemon uses to read
// and write the coordination store: get/compare-and-set, watch, lock, and
// session-bound ephemeral keys.
type Client struct {
	fsm     *FSM
	applier Applier
	watcher *watchDispatcher
}

// NewClient builds a Store Client around an already-open FSM and its
// owning Raft node.
func NewClient(fsm *FSM, applier Applier) *Client {
	return &Client{
		fsm:     fsm,
		applier: applier,
		watcher: newWatchDispatcher(),
	}
}

// Record is a decoded value plus the version it was read at, returned by
// Get and by watch notifications.
type Record struct {
	Kind    Kind
	ID      string
	Version uint64
	Data    json.RawMessage
}

// Get reads the current value and version of one entity. Reads are
// served from the local bbolt snapshot directly (no Raft round-trip),
// since every node applies the same committed log and stale-but-
// monotonic local reads are an accepted tradeoff for read scalability.
func (c *Client) Get(kind Kind, id string) (*Record, error) {
	bucket, err := bucketFor(SchemaVersion, kind)
	if err != nil {
		return nil, err
	}
	var rec *Record
	err = c.fsm.View(func(tx *bolt.Tx) error {
		env, err := getEnvelope(tx, bucket, id)
		if err != nil {
			return err
		}
		rec = &Record{Kind: kind, ID: id, Version: env.Version, Data: env.Data}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns every record under a Kind.
func (c *Client) List(kind Kind) ([]*Record, error) {
	bucket, err := bucketFor(SchemaVersion, kind)
	if err != nil {
		return nil, err
	}
	var out []*Record
	err = c.fsm.View(func(tx *bolt.Tx) error {
		return forEachEnvelope(tx, bucket, func(id string, env *envelope) error {
			out = append(out, &Record{Kind: kind, ID: id, Version: env.Version, Data: env.Data})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Put writes value unconditionally and notifies watchers of kind/id.
func (c *Client) Put(kind Kind, id string, value interface{}) (uint64, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("encoding %s/%s: %w", kind, id, err)
	}
	resp, err := c.applier.Apply(Command{Op: OpPut, Kind: kind, ID: id, Data: data}, DefaultApplyTimeout)
	if err != nil {
		return 0, err
	}
	result, ok := resp.(*ApplyResult)
	if !ok {
		return 0, fmt.Errorf("unexpected apply response for put %s/%s", kind, id)
	}
	c.watcher.notify(kind, id)
	return result.Version, nil
}

// CompareAndSet writes value only if the stored version for kind/id
// equals expected (0 meaning "must not exist yet"). Returns ErrConflict
// if another writer has already advanced the version.
func (c *Client) CompareAndSet(kind Kind, id string, expected uint64, value interface{}) (uint64, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("encoding %s/%s: %w", kind, id, err)
	}
	resp, err := c.applier.Apply(Command{Op: OpCAS, Kind: kind, ID: id, Expected: &expected, Data: data}, DefaultApplyTimeout)
	if err != nil {
		return 0, err
	}
	result, ok := resp.(*ApplyResult)
	if !ok {
		return 0, fmt.Errorf("unexpected apply response for cas %s/%s", kind, id)
	}
	c.watcher.notify(kind, id)
	return result.Version, nil
}

// Delete removes kind/id.
func (c *Client) Delete(kind Kind, id string) error {
	_, err := c.applier.Apply(Command{Op: OpDelete, Kind: kind, ID: id}, DefaultApplyTimeout)
	if err != nil {
		return err
	}
	c.watcher.notify(kind, id)
	return nil
}

// DefineVM creates a VM record and its name index entry atomically,
// failing with *ErrNameConflict if name is already bound to another uuid.
func (c *Client) DefineVM(uuid, name string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding vm %s: %w", uuid, err)
	}
	_, err = c.applier.Apply(Command{Op: OpDefineVM, ID: uuid, Name: name, Data: data}, DefaultApplyTimeout)
	if err != nil {
		return err
	}
	c.watcher.notify(KindVM, uuid)
	c.watcher.notify(KindNameIndex, name)
	return nil
}

// UndefineVM removes a VM record and its name index entry atomically.
func (c *Client) UndefineVM(uuid, name string) error {
	_, err := c.applier.Apply(Command{Op: OpUndefineVM, ID: uuid, Name: name}, DefaultApplyTimeout)
	if err != nil {
		return err
	}
	c.watcher.notify(KindVM, uuid)
	c.watcher.notify(KindNameIndex, name)
	return nil
}

// Watch registers fn to run whenever kind/id changes. Callbacks run
// serially per (kind, id) but concurrently across different keys, and
// must not block on network I/O — see pkg/store/watch.go.
func (c *Client) Watch(kind Kind, id string, fn func()) (cancel func()) {
	return c.watcher.subscribe(kind, id, fn)
}

// IsLeader reports whether this node can currently accept writes without
// forwarding.
func (c *Client) IsLeader() bool {
	return c.applier.IsLeader()
}

// LeaderAddr returns the current Raft leader's address.
func (c *Client) LeaderAddr() string {
	return c.applier.LeaderAddr()
}
