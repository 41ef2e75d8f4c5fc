// Package store provides the typed, schema-versioned façade over the
// coordination store: atomic compare-and-set writes, serial per-path
// watch dispatch, advisory locks, and session-bound ephemeral keys, all
// backed by a Raft-replicated, bbolt-persisted key/value log (see
// pkg/cluster for the Raft wiring).
package store

import "fmt"

// Kind identifies one of the entity buckets a logical field resolves
// into. The schema map below is the only place that knows the physical
// bucket layout; everything else in this package and its callers speaks
// only in Kinds and ids.
type Kind string

const (
	KindCluster   Kind = "cluster"
	KindNode      Kind = "node"
	KindVM        Kind = "vm"
	KindNetwork   Kind = "network"
	KindOSD       Kind = "osd"
	KindPool      Kind = "pool"
	KindVolume    Kind = "volume"
	KindSnapshot  Kind = "snapshot"
	KindFault     Kind = "fault"
	KindTask      Kind = "task"
	KindLock      Kind = "lock"
	KindSession   Kind = "session"
	KindNameIndex Kind = "name_index" // VM name -> uuid, enforces I6

	// KindEphemeral is a watch-dispatch sentinel only: ephemeral keys live
	// in their own non-schema-versioned bucket (see pkg/store/fsm.go's
	// ephemeralBucket), never under schemaMap, but Watch/notify key off a
	// Kind regardless of whether one resolves to a real bucket.
	KindEphemeral Kind = "ephemeral"
)

// ClusterSingletonID is the fixed record id under KindCluster: there is
// ever exactly one cluster-wide record, never one per node.
const ClusterSingletonID = "cluster"

// SchemaVersion is the schema layout version this binary implements.
// Bumped whenever the physical bucket layout changes in an
// incompatible way; a store declaring a newer version than any this
// binary knows about must refuse to start.
const SchemaVersion = 1

// schemaMap maps (version, Kind) to the physical bbolt bucket name. Only
// version 1 exists today; a rolling upgrade that changes layout would add
// version 2 here and the client would keep honoring in-flight operations
// under whichever map they started with.
var schemaMap = map[int]map[Kind][]byte{
	1: {
		KindCluster:   []byte("v1/cluster"),
		KindNode:      []byte("v1/nodes"),
		KindVM:        []byte("v1/vms"),
		KindNetwork:   []byte("v1/networks"),
		KindOSD:       []byte("v1/osds"),
		KindPool:      []byte("v1/pools"),
		KindVolume:    []byte("v1/volumes"),
		KindSnapshot:  []byte("v1/snapshots"),
		KindFault:     []byte("v1/faults"),
		KindTask:      []byte("v1/tasks"),
		KindLock:      []byte("v1/locks"),
		KindSession:   []byte("v1/sessions"),
		KindNameIndex: []byte("v1/vm_names"),
	},
}

// ErrSchemaUnknown is returned when a logical Kind has no mapping in the
// active schema version, or when the active schema version itself isn't
// one this binary supports.
type ErrSchemaUnknown struct {
	Version int
	Kind    Kind
}

func (e *ErrSchemaUnknown) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("schema version %d is not supported by this binary", e.Version)
	}
	return fmt.Sprintf("field kind %q is not in schema version %d", e.Kind, e.Version)
}

// bucketFor resolves a Kind to its physical bucket name under the given
// schema version.
func bucketFor(version int, kind Kind) ([]byte, error) {
	m, ok := schemaMap[version]
	if !ok {
		return nil, &ErrSchemaUnknown{Version: version}
	}
	b, ok := m[kind]
	if !ok {
		return nil, &ErrSchemaUnknown{Version: version, Kind: kind}
	}
	return b, nil
}

// allBuckets returns every physical bucket the given schema version
// declares, for bucket initialization at store open time.
func allBuckets(version int) ([][]byte, error) {
	m, ok := schemaMap[version]
	if !ok {
		return nil, &ErrSchemaUnknown{Version: version}
	}
	out := make([][]byte, 0, len(m))
	for _, b := range m {
		out = append(out, b)
	}
	return out, nil
}

// MaxSupportedVersion is the newest schema version this binary knows.
func MaxSupportedVersion() int {
	max := 0
	for v := range schemaMap {
		if v > max {
			max = v
		}
	}
	return max
}
