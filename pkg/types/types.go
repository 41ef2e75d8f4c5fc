// Package types defines the entities shared across the cluster coordination
// core: the records every node reads and writes through the store client.
package types

import "time"

// Cluster is the singleton cluster-wide record.
type Cluster struct {
	SchemaVersion   int
	Maintenance     bool
	PrimaryNodeID   string // ephemeral, tied to the current primary's session
	UpstreamNetwork string
	ClusterNetwork  string
	StorageNetwork  string
	BridgeMTU       int
	CreatedAt       time.Time
}

// NodeRole distinguishes coordinators (run the store quorum, eligible for
// primary) from hypervisor-only nodes.
type NodeRole string

const (
	NodeRoleCoordinator NodeRole = "coordinator"
	NodeRoleHypervisor  NodeRole = "hypervisor"
)

// DaemonState is a Node's own lifecycle state, owned by its Node Agent
// (and by the Fencer/Flush Controller for the dead/fenced/flush states).
type DaemonState string

const (
	DaemonStateInit       DaemonState = "init"
	DaemonStateRun        DaemonState = "run"
	DaemonStateShutdown   DaemonState = "shutdown"
	DaemonStateDead       DaemonState = "dead"
	DaemonStateFenced     DaemonState = "fenced"
	DaemonStateFlushed    DaemonState = "flushed"
	DaemonStateFlushing   DaemonState = "flushing"
	DaemonStateUnflushing DaemonState = "unflushing"
)

// IPMIEndpoint is the out-of-band management contact for a node's host.
type IPMIEndpoint struct {
	Host            string
	User            string
	CredentialRef   string // opaque reference into the secrets store; never the plaintext
	EncryptedSecret []byte // AES-256-GCM ciphertext, empty until the secret is set
}

// NodeResources tracks a node's capacity and current allocation/telemetry.
type NodeResources struct {
	FreeMemoryBytes        int64
	ProvisionedMemoryBytes int64
	LoadAverage            float64 // rounded to 2 decimals
	VCPUAllocated          int
	OSDCount               int
	VMCount                int
	VMRunningCount         int
}

// Node is one physical hypervisor host.
type Node struct {
	Name string // stable identifier
	Role NodeRole

	// Static facts, written once at first registration.
	CPUCount     int
	Kernel       string
	Architecture string

	DaemonState    DaemonState
	DomainIDs      []string // VM uuids currently hosted
	Resources      NodeResources
	Keepalive      time.Time
	KeepaliveCount uint64

	Coordinator bool // eligible to run the store quorum + floating services

	HealthScore  int // 0-100
	ActiveFaults []string

	IPMI IPMIEndpoint

	CreatedAt time.Time
}

// VMDesiredState is the intent an external actor (API/CLI/worker) wants
// applied to a VM. Intents write this field; the Flush Controller, the
// Fencer and the Migration Engine also set it when they relocate a VM.
type VMDesiredState string

const (
	VMDesiredStart     VMDesiredState = "start"
	VMDesiredStop      VMDesiredState = "stop"
	VMDesiredRestart   VMDesiredState = "restart"
	VMDesiredShutdown  VMDesiredState = "shutdown"
	VMDesiredDisable   VMDesiredState = "disable"
	VMDesiredMigrate   VMDesiredState = "migrate"
	VMDesiredUnmigrate VMDesiredState = "unmigrate"
	VMDesiredMove      VMDesiredState = "move"
	VMDesiredProvision VMDesiredState = "provision"
)

// VMObservedState is the VM's actual runtime state, owned exclusively by
// its current-node's VM Instance Controller.
type VMObservedState string

const (
	VMObservedStart     VMObservedState = "start"
	VMObservedStop      VMObservedState = "stop"
	VMObservedDisable   VMObservedState = "disable"
	VMObservedFail      VMObservedState = "fail"
	VMObservedMigrate   VMObservedState = "migrate"
	VMObservedShutdown  VMObservedState = "shutdown"
	VMObservedProvision VMObservedState = "provision"
	VMObservedRestore   VMObservedState = "restore"
	VMObservedImport    VMObservedState = "import"
	VMObservedExport    VMObservedState = "export"
)

// MigrationMethod selects how a VM moves between nodes.
type MigrationMethod string

const (
	MigrationLive     MigrationMethod = "live"
	MigrationShutdown MigrationMethod = "shutdown"
	MigrationNone     MigrationMethod = "none"
)

// Disk references a storage-registry volume attached to a VM.
type Disk struct {
	Pool   string
	Volume string
}

// NIC references a network attachment on a VM.
type NIC struct {
	NetworkID string
	MAC       string
	Model     string
}

// ConsoleLogEntry is one line of a VM's bounded console-log ring.
type ConsoleLogEntry struct {
	Timestamp time.Time
	Line      string
}

// RuntimeStats is the last snapshot returned by the hypervisor driver's
// stats() call for a VM.
type RuntimeStats struct {
	SampledAt      time.Time
	CPUTimeNanos   uint64
	MemoryBytes    uint64
	DiskReadBytes  uint64
	DiskWriteBytes uint64
}

// VMMeta holds policy attributes that govern how a VM is placed and moved.
type VMMeta struct {
	NodeLimit       []string // empty = no restriction
	NodeSelector    string   // selector name, see pkg/scheduler
	MigrationMethod MigrationMethod
	Autostart       bool
	Profile         string
	Tags            []string
}

// VM (Domain) is one managed guest.
type VM struct {
	UUID string // primary key
	Name string // unique, mutable

	DesiredState  VMDesiredState
	ObservedState VMObservedState

	CurrentNode  string
	PreviousNode string

	// TargetNode is the placement decision backing an in-flight
	// desired=migrate/move: set once by whoever requests the move
	// (an intent, the Flush Controller, or Fencer reassignment) so the
	// Migration Engine's multi-step protocol survives a restart without
	// re-querying the Placement Selector mid-flight.
	TargetNode string

	FailureCount  int
	FailureReason string

	DomainBlob string // opaque hypervisor-native definition

	Meta  VMMeta
	Disks []Disk
	NICs  []NIC

	ConsoleLog   []ConsoleLogEntry
	RuntimeStats RuntimeStats

	ProvisionedMemoryBytes int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NetworkType distinguishes how a declared network is realized.
type NetworkType string

const (
	NetworkManaged NetworkType = "managed"
	NetworkBridged NetworkType = "bridged"
	NetworkSRIOV   NetworkType = "sriov"
)

// DHCPReservation pins a MAC to an IP within a managed network.
type DHCPReservation struct {
	MAC string
	IP  string
}

// Network is a declarative description of a client network.
type Network struct {
	ID             string
	Type           NetworkType
	VNI            int
	VLAN           int
	Subnet         string
	Gateway        string
	DHCPRangeStart string
	DHCPRangeEnd   string
	ACLs           []string
	Reservations   []DHCPReservation
}

// OSD, Pool, Volume, and Snapshot are opaque storage-registry entries,
// referenced by VMs but managed by the (out-of-scope) storage cluster.
type OSD struct {
	ID     string
	NodeID string
	Status string
}

type Pool struct {
	Name string
}

type Volume struct {
	Pool      string
	Name      string
	SizeBytes int64
}

type Snapshot struct {
	Pool    string
	Volume  string
	Name    string
	TakenAt time.Time
}

// FaultSeverity classifies a Fault's impact.
type FaultSeverity string

const (
	FaultInfo     FaultSeverity = "info"
	FaultWarning  FaultSeverity = "warning"
	FaultCritical FaultSeverity = "critical"
)

// Fault is a persistent, de-duplicated health record.
type Fault struct {
	ID          string // stable, e.g. "ipmi_unreachable" or "vm_fail_start:<uuid>"
	FirstSeen   time.Time
	LastSeen    time.Time
	Severity    FaultSeverity
	Acked       bool
	Message     string
	HealthDelta int
}

// TaskStatus is the terminal/in-flight status of an operator-initiated
// long-running action.
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusSuccess TaskStatus = "success"
	TaskStatusFailure TaskStatus = "failure"
	TaskStatusPartial TaskStatus = "partial"
)

// Task is a transient record of an operator-initiated long-running action.
type Task struct {
	ID        string
	Kind      string
	Target    string
	Status    TaskStatus
	Progress  int // 0-100
	Reason    string
	WorkerID  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PrimaryClaim is the value held under the primary-node ephemeral key:
// whichever coordinator's session holds this key is the cluster's acting
// primary. ElectedAt is informational only, never load-bearing for the
// election outcome itself.
type PrimaryClaim struct {
	Node      string
	ElectedAt time.Time
}

// PrimaryHandoffRequest is an operator-written record asking the current
// primary to step down in favor of re-election. The acting primary
// consumes it (Requested reset to false) once it has quiesced its
// floating services and released the primary key.
type PrimaryHandoffRequest struct {
	Requested   bool
	RequestedBy string
	RequestedAt time.Time
}
