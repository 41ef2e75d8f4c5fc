package store

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	bolt "go.etcd.io/bbolt"
)

// OpKind names the mutation a Command applies. Every write any component
// makes to the coordination store funnels through one of these, so that
// Raft.Apply gives us a single multi-key transaction commit: each
// Command is applied inside one bbolt transaction.
type OpKind string

const (
	OpPut              OpKind = "put" // unconditional upsert
	OpCAS              OpKind = "cas" // compare-and-set
	OpDelete           OpKind = "delete"
	OpDefineVM         OpKind = "define_vm" // CAS on both the vm record and its name index (I6)
	OpUndefineVM       OpKind = "undefine_vm"
	OpLockAcquire      OpKind = "lock_acquire"
	OpLockRelease      OpKind = "lock_release"
	OpEphemeralPut     OpKind = "ephemeral_put"
	OpEphemeralCAS     OpKind = "ephemeral_cas" // create-if-absent, used for election
	OpEphemeralDelete  OpKind = "ephemeral_delete"
	OpSessionHeartbeat OpKind = "session_heartbeat"
	OpSessionExpire    OpKind = "session_expire"
)

// Command is the sole payload type carried in the Raft log.
type Command struct {
	Op       OpKind          `json:"op"`
	Kind     Kind            `json:"kind,omitempty"`
	ID       string          `json:"id,omitempty"`
	Expected *uint64         `json:"expected,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`

	// DefineVM / UndefineVM
	Name string `json:"name,omitempty"`

	// Lock ops
	HolderID   string `json:"holder_id,omitempty"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`

	// Ephemeral / session ops
	SessionID string `json:"session_id,omitempty"`
	TTLSec    int    `json:"ttl_sec,omitempty"`
}

// Marshal encodes a Command for submission via raft.Raft.Apply.
func (c Command) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// lockRecord is the value stored under KindLock for a held lock.
type lockRecord struct {
	HolderID  string    `json:"holder_id"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// sessionRecord tracks a client session's last heartbeat, for reaping
// its ephemeral keys and locks on expiry.
type sessionRecord struct {
	LastSeen time.Time `json:"last_seen"`
}

// ephemeralRecord wraps an ephemeral_put value with its owning session,
// so OpSessionExpire can find and delete everything a dead session owned.
type ephemeralRecord struct {
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data"`
}

const ephemeralBucketSuffix = "/ephemeral"

var ephemeralBucket = []byte("v1/ephemeral")

// FSM implements raft.FSM over a bbolt-backed keyspace. It is the
// coordination store's replicated state machine: every committed Command
// is applied here, in order, on every node.
type FSM struct {
	mu sync.RWMutex
	db *bolt.DB
}

// NewFSM opens (or creates) the bbolt database at path and prepares all
// schema-declared buckets.
func NewFSM(path string) (*FSM, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}
	buckets, err := allBuckets(SchemaVersion)
	if err != nil {
		db.Close()
		return nil, err
	}
	buckets = append(buckets, ephemeralBucket)
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &FSM{db: db}, nil
}

// Close releases the underlying database handle.
func (f *FSM) Close() error {
	return f.db.Close()
}

// ApplyResult is the value returned from a successful Apply and surfaced
// to the caller of raft.Apply via future.Response().
type ApplyResult struct {
	Version uint64
	Locked  bool // for lock ops: whether this holder now holds the lock

	// ExpiredEphemeralIDs/ExpiredLockIDs are populated by OpSessionExpire
	// so the caller (Client.ReapSessions) can notify watchers of keys
	// deleted out from under them, same as any other delete.
	ExpiredEphemeralIDs []string
	ExpiredLockIDs      []string
}

// Apply applies one committed Command. Returns either an *ApplyResult or
// an error; never panics on well-formed input, since reconciling
// components must never crash the daemon.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("decoding command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// AppendedAt is set once by the leader and replicated as part of the
	// log entry, so every replica computes lock/ephemeral expiry against
	// the same deterministic clock instead of each node's wall clock.
	now := log.AppendedAt
	if now.IsZero() {
		now = time.Now()
	}

	var result interface{}
	err := f.db.Update(func(tx *bolt.Tx) error {
		var applyErr error
		result, applyErr = f.applyCommand(tx, cmd, now)
		return applyErr
	})
	if err != nil {
		return err
	}
	return result
}

func (f *FSM) applyCommand(tx *bolt.Tx, cmd Command, now time.Time) (interface{}, error) {
	switch cmd.Op {
	case OpPut:
		bucket, err := bucketFor(SchemaVersion, cmd.Kind)
		if err != nil {
			return nil, err
		}
		v, err := putEnvelope(tx, bucket, cmd.ID, cmd.Data)
		if err != nil {
			return nil, err
		}
		return &ApplyResult{Version: v}, nil

	case OpCAS:
		bucket, err := bucketFor(SchemaVersion, cmd.Kind)
		if err != nil {
			return nil, err
		}
		var expected uint64
		if cmd.Expected != nil {
			expected = *cmd.Expected
		}
		v, err := casEnvelope(tx, bucket, cmd.ID, expected, cmd.Data)
		if err != nil {
			return nil, err
		}
		return &ApplyResult{Version: v}, nil

	case OpDelete:
		bucket, err := bucketFor(SchemaVersion, cmd.Kind)
		if err != nil {
			return nil, err
		}
		if err := deleteEnvelope(tx, bucket, cmd.ID); err != nil {
			return nil, err
		}
		return &ApplyResult{}, nil

	case OpDefineVM:
		return nil, f.applyDefineVM(tx, cmd)

	case OpUndefineVM:
		return nil, f.applyUndefineVM(tx, cmd)

	case OpLockAcquire:
		return f.applyLockAcquire(tx, cmd, now)

	case OpLockRelease:
		return f.applyLockRelease(tx, cmd)

	case OpEphemeralPut:
		return f.applyEphemeralPut(tx, cmd, now)

	case OpEphemeralCAS:
		return f.applyEphemeralCAS(tx, cmd, now)

	case OpEphemeralDelete:
		return f.applyEphemeralDelete(tx, cmd)

	case OpSessionHeartbeat:
		return f.applySessionHeartbeat(tx, cmd, now)

	case OpSessionExpire:
		return f.applySessionExpire(tx, cmd, now)

	default:
		return nil, fmt.Errorf("unknown command op: %s", cmd.Op)
	}
}

// applyDefineVM enforces the bijective VM name<->uuid invariant by
// CAS-ing the name index and the vm record in the same transaction: if
// the name is already claimed by a different uuid, the whole command
// fails and the caller sees name_conflict.
func (f *FSM) applyDefineVM(tx *bolt.Tx, cmd Command) error {
	nameBucket, err := bucketFor(SchemaVersion, KindNameIndex)
	if err != nil {
		return err
	}
	vmBucket, err := bucketFor(SchemaVersion, KindVM)
	if err != nil {
		return err
	}

	if existing := tx.Bucket(nameBucket).Get([]byte(cmd.Name)); existing != nil {
		var env envelope
		if err := json.Unmarshal(existing, &env); err == nil {
			var uuid string
			if err := json.Unmarshal(env.Data, &uuid); err == nil && uuid != cmd.ID {
				return &ErrNameConflict{Name: cmd.Name, ExistingUUID: uuid}
			}
		}
	}

	idData, err := json.Marshal(cmd.ID)
	if err != nil {
		return err
	}
	if _, err := putEnvelope(tx, nameBucket, cmd.Name, idData); err != nil {
		return err
	}
	if _, err := putEnvelope(tx, vmBucket, cmd.ID, cmd.Data); err != nil {
		return err
	}
	return nil
}

func (f *FSM) applyUndefineVM(tx *bolt.Tx, cmd Command) error {
	nameBucket, err := bucketFor(SchemaVersion, KindNameIndex)
	if err != nil {
		return err
	}
	vmBucket, err := bucketFor(SchemaVersion, KindVM)
	if err != nil {
		return err
	}
	if cmd.Name != "" {
		if err := deleteEnvelope(tx, nameBucket, cmd.Name); err != nil {
			return err
		}
	}
	return deleteEnvelope(tx, vmBucket, cmd.ID)
}

// ErrNameConflict is returned by OpDefineVM when the requested name is
// already bound to a different uuid.
type ErrNameConflict struct {
	Name         string
	ExistingUUID string
}

func (e *ErrNameConflict) Error() string {
	return fmt.Sprintf("name_conflict: %q already bound to %s", e.Name, e.ExistingUUID)
}

func (f *FSM) applyLockAcquire(tx *bolt.Tx, cmd Command, now time.Time) (interface{}, error) {
	bucket, err := bucketFor(SchemaVersion, KindLock)
	if err != nil {
		return nil, err
	}
	b := tx.Bucket(bucket)
	raw := b.Get([]byte(cmd.ID))

	var held *lockRecord
	if raw != nil {
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, err
		}
		var rec lockRecord
		if err := json.Unmarshal(env.Data, &rec); err != nil {
			return nil, err
		}
		held = &rec
	}

	// Free to acquire if: never held, expired, or reentrant (same holder).
	if held != nil && held.HolderID != cmd.HolderID && now.Before(held.ExpiresAt) {
		return &ApplyResult{Locked: false}, nil
	}

	rec := lockRecord{
		HolderID:  cmd.HolderID,
		SessionID: cmd.SessionID,
		ExpiresAt: now.Add(time.Duration(cmd.TimeoutSec) * time.Second),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if _, err := putEnvelope(tx, bucket, cmd.ID, data); err != nil {
		return nil, err
	}
	return &ApplyResult{Locked: true}, nil
}

func (f *FSM) applyLockRelease(tx *bolt.Tx, cmd Command) (interface{}, error) {
	bucket, err := bucketFor(SchemaVersion, KindLock)
	if err != nil {
		return nil, err
	}
	b := tx.Bucket(bucket)
	raw := b.Get([]byte(cmd.ID))
	if raw == nil {
		// Double-release is a no-op.
		return &ApplyResult{}, nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	var rec lockRecord
	if err := json.Unmarshal(env.Data, &rec); err != nil {
		return nil, err
	}
	if rec.HolderID != cmd.HolderID {
		// Not the holder: releasing is a no-op rather than an error, since
		// the lock may have already expired and been reacquired by
		// someone else.
		return &ApplyResult{}, nil
	}

	if err := deleteEnvelope(tx, bucket, cmd.ID); err != nil {
		return nil, err
	}
	return &ApplyResult{}, nil
}

func (f *FSM) applyEphemeralPut(tx *bolt.Tx, cmd Command, now time.Time) (interface{}, error) {
	rec := ephemeralRecord{SessionID: cmd.SessionID, Data: cmd.Data}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if _, err := putEnvelope(tx, ephemeralBucket, cmd.ID, data); err != nil {
		return nil, err
	}
	// Touch the session so its TTL reflects this activity.
	if _, err := f.touchSession(tx, cmd.SessionID, now); err != nil {
		return nil, err
	}
	return &ApplyResult{}, nil
}

// applyEphemeralCAS writes an ephemeral key only if it does not already
// exist (expected version 0), giving callers a create-if-absent
// primitive for election-style "first writer wins" keys: whichever
// proposer's CAS lands first in the replicated log holds the key until
// its owning session expires or releases it.
func (f *FSM) applyEphemeralCAS(tx *bolt.Tx, cmd Command, now time.Time) (interface{}, error) {
	rec := ephemeralRecord{SessionID: cmd.SessionID, Data: cmd.Data}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	v, err := casEnvelope(tx, ephemeralBucket, cmd.ID, 0, data)
	if err != nil {
		return nil, err
	}
	if _, err := f.touchSession(tx, cmd.SessionID, now); err != nil {
		return nil, err
	}
	return &ApplyResult{Version: v}, nil
}

// applyEphemeralDelete releases an ephemeral key, but only on behalf of
// the session that holds it: a deliberate release racing a session that
// has already been superseded (its heartbeat renewed under a new session
// id) must not delete the new holder's key out from under it.
func (f *FSM) applyEphemeralDelete(tx *bolt.Tx, cmd Command) (interface{}, error) {
	env, err := getEnvelope(tx, ephemeralBucket, cmd.ID)
	if err != nil {
		if _, ok := err.(*ErrNotFound); ok {
			return &ApplyResult{}, nil
		}
		return nil, err
	}
	var rec ephemeralRecord
	if err := json.Unmarshal(env.Data, &rec); err != nil {
		return nil, err
	}
	if rec.SessionID != cmd.SessionID {
		return &ApplyResult{}, nil
	}
	if err := deleteEnvelope(tx, ephemeralBucket, cmd.ID); err != nil {
		return nil, err
	}
	return &ApplyResult{}, nil
}

func (f *FSM) applySessionHeartbeat(tx *bolt.Tx, cmd Command, now time.Time) (interface{}, error) {
	v, err := f.touchSession(tx, cmd.SessionID, now)
	if err != nil {
		return nil, err
	}
	return &ApplyResult{Version: v}, nil
}

func (f *FSM) touchSession(tx *bolt.Tx, sessionID string, now time.Time) (uint64, error) {
	bucket, err := bucketFor(SchemaVersion, KindSession)
	if err != nil {
		return 0, err
	}
	data, err := json.Marshal(sessionRecord{LastSeen: now})
	if err != nil {
		return 0, err
	}
	return putEnvelope(tx, bucket, sessionID, data)
}

// applySessionExpire deletes a session's record, every ephemeral key it
// owns, and releases every lock it holds, in one transaction. This is how
// locks and ephemeral keys are released automatically on session loss
// without a native ephemeral-session primitive: whichever node notices a
// session has gone stale (see pkg/store/session.go) proposes this.
func (f *FSM) applySessionExpire(tx *bolt.Tx, cmd Command, now time.Time) (interface{}, error) {
	sessBucket, err := bucketFor(SchemaVersion, KindSession)
	if err != nil {
		return nil, err
	}
	if raw := tx.Bucket(sessBucket).Get([]byte(cmd.SessionID)); raw != nil {
		var env envelope
		if err := json.Unmarshal(raw, &env); err == nil {
			var rec sessionRecord
			if err := json.Unmarshal(env.Data, &rec); err == nil {
				if now.Sub(rec.LastSeen) < time.Duration(cmd.TTLSec)*time.Second {
					// Session renewed concurrently; abort the expiry.
					return &ApplyResult{}, nil
				}
			}
		}
	}

	var deadKeys []string
	err = forEachEnvelope(tx, ephemeralBucket, func(id string, env *envelope) error {
		var rec ephemeralRecord
		if err := json.Unmarshal(env.Data, &rec); err != nil {
			return nil
		}
		if rec.SessionID == cmd.SessionID {
			deadKeys = append(deadKeys, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range deadKeys {
		if err := deleteEnvelope(tx, ephemeralBucket, id); err != nil {
			return nil, err
		}
	}

	lockBucket, err := bucketFor(SchemaVersion, KindLock)
	if err != nil {
		return nil, err
	}
	var deadLocks []string
	err = forEachEnvelope(tx, lockBucket, func(id string, env *envelope) error {
		var rec lockRecord
		if err := json.Unmarshal(env.Data, &rec); err != nil {
			return nil
		}
		if rec.SessionID == cmd.SessionID {
			deadLocks = append(deadLocks, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range deadLocks {
		if err := deleteEnvelope(tx, lockBucket, id); err != nil {
			return nil, err
		}
	}

	_ = deleteEnvelope(tx, sessBucket, cmd.SessionID)
	return &ApplyResult{ExpiredEphemeralIDs: deadKeys, ExpiredLockIDs: deadLocks}, nil
}

// --- Raft snapshot/restore ---

// snapshotData is a full dump of every bucket, keyed by bucket name, for
// Raft log compaction (mirrors the teacher's WarrenSnapshot but bucket-
// generic since this FSM's keyspace is schema-driven).
type snapshotData struct {
	Buckets map[string]map[string]json.RawMessage `json:"buckets"`
}

type fsmSnapshot struct {
	data *snapshotData
}

// Snapshot captures the entire keyspace for Raft log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	buckets, err := allBuckets(SchemaVersion)
	if err != nil {
		return nil, err
	}
	buckets = append(buckets, ephemeralBucket)

	dump := &snapshotData{Buckets: make(map[string]map[string]json.RawMessage)}
	err = f.db.View(func(tx *bolt.Tx) error {
		for _, bucket := range buckets {
			kv := make(map[string]json.RawMessage)
			b := tx.Bucket(bucket)
			if b == nil {
				continue
			}
			if err := b.ForEach(func(k, v []byte) error {
				cp := make(json.RawMessage, len(v))
				copy(cp, v)
				kv[string(k)] = cp
				return nil
			}); err != nil {
				return err
			}
			dump.Buckets[string(bucket)] = kv
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{data: dump}, nil
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := json.NewEncoder(sink).Encode(s.data)
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

// Restore replaces the entire keyspace from a snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var dump snapshotData
	if err := json.NewDecoder(rc).Decode(&dump); err != nil {
		return fmt.Errorf("decoding snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.db.Update(func(tx *bolt.Tx) error {
		for bucketName, kv := range dump.Buckets {
			bucket := []byte(bucketName)
			b, err := tx.CreateBucketIfNotExists(bucket)
			if err != nil {
				return err
			}
			if err := b.ForEach(func(k, _ []byte) error {
				return b.Delete(k)
			}); err != nil {
				return err
			}
			for k, v := range kv {
				if err := b.Put([]byte(k), v); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// View executes fn against a read-only snapshot of the store; used by the
// Client's read path to serve Get/List without going through Raft.Apply.
func (f *FSM) View(fn func(tx *bolt.Tx) error) error {
	return f.db.View(fn)
}
