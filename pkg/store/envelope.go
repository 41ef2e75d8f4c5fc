package store

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// envelope wraps every stored record with the version CAS writes key off
// of. Readers see a monotonically non-decreasing version per key.
type envelope struct {
	Version uint64          `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// ErrConflict is returned by a compare-and-set whose expected version did
// not match the stored version.
type ErrConflict struct {
	Kind     Kind
	ID       string
	Expected uint64
	Actual   uint64
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("cas conflict on %s/%s: expected version %d, got %d", e.Kind, e.ID, e.Expected, e.Actual)
}

// ErrNotFound is returned when a get or CAS-on-expected-version targets a
// key that does not exist.
type ErrNotFound struct {
	Kind Kind
	ID   string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s/%s not found", e.Kind, e.ID)
}

// getEnvelope reads and decodes the envelope at bucket/id, or ErrNotFound.
func getEnvelope(tx *bolt.Tx, bucket []byte, id string) (*envelope, error) {
	b := tx.Bucket(bucket)
	if b == nil {
		return nil, fmt.Errorf("bucket %s missing", bucket)
	}
	raw := b.Get([]byte(id))
	if raw == nil {
		return nil, &ErrNotFound{Kind: Kind(bucket), ID: id}
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding %s/%s: %w", bucket, id, err)
	}
	return &env, nil
}

// putEnvelope writes data at bucket/id unconditionally and returns the new
// version (previous version + 1, or 1 if the key was absent).
func putEnvelope(tx *bolt.Tx, bucket []byte, id string, data json.RawMessage) (uint64, error) {
	b := tx.Bucket(bucket)
	if b == nil {
		return 0, fmt.Errorf("bucket %s missing", bucket)
	}
	version := uint64(1)
	if existing := b.Get([]byte(id)); existing != nil {
		var env envelope
		if err := json.Unmarshal(existing, &env); err == nil {
			version = env.Version + 1
		}
	}
	raw, err := json.Marshal(envelope{Version: version, Data: data})
	if err != nil {
		return 0, err
	}
	if err := b.Put([]byte(id), raw); err != nil {
		return 0, err
	}
	return version, nil
}

// casEnvelope writes data at bucket/id only if the stored version equals
// expected (0 means "must not exist"). Returns the new version on success.
func casEnvelope(tx *bolt.Tx, bucket []byte, id string, expected uint64, data json.RawMessage) (uint64, error) {
	b := tx.Bucket(bucket)
	if b == nil {
		return 0, fmt.Errorf("bucket %s missing", bucket)
	}
	existing := b.Get([]byte(id))
	var actual uint64
	if existing != nil {
		var env envelope
		if err := json.Unmarshal(existing, &env); err != nil {
			return 0, fmt.Errorf("decoding %s/%s: %w", bucket, id, err)
		}
		actual = env.Version
	}
	if actual != expected {
		return 0, &ErrConflict{Kind: Kind(bucket), ID: id, Expected: expected, Actual: actual}
	}
	newVersion := actual + 1
	raw, err := json.Marshal(envelope{Version: newVersion, Data: data})
	if err != nil {
		return 0, err
	}
	if err := b.Put([]byte(id), raw); err != nil {
		return 0, err
	}
	return newVersion, nil
}

func deleteEnvelope(tx *bolt.Tx, bucket []byte, id string) error {
	b := tx.Bucket(bucket)
	if b == nil {
		return fmt.Errorf("bucket %s missing", bucket)
	}
	return b.Delete([]byte(id))
}

func forEachEnvelope(tx *bolt.Tx, bucket []byte, fn func(id string, env *envelope) error) error {
	b := tx.Bucket(bucket)
	if b == nil {
		return fmt.Errorf("bucket %s missing", bucket)
	}
	return b.ForEach(func(k, v []byte) error {
		var env envelope
		if err := json.Unmarshal(v, &env); err != nil {
			return fmt.Errorf("decoding %s/%s: %w", bucket, k, err)
		}
		return fn(string(k), &env)
	})
}
