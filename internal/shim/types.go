// Package shim drives a single low-level OCI runtime (runc or compatible)
// per container: it owns each container's bundle directory, generates its
// runtime-spec config.json, invokes the runtime binary via os/exec, and
// plumbs its PTY, logs, and cgroup-sourced stats back to the caller.
package shim

import (
	"time"

	imagespec "github.com/opencontainers/image-spec/specs-go/v1"

	"ross/internal/snapshot"
)

// State is a container's lifecycle stage (Created → Running →
// {Stopped, Paused} → Deleted).
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
	StateDeleted State = "deleted"
)

// BindMount is a user-requested host bind mount, distinct from the fixed
// set of standard mounts (/proc, /dev, /sys, ...) every bundle gets.
type BindMount struct {
	Source   string
	Target   string
	Readonly bool
}

// CreateOpts carries the merged image-default/user-override configuration
// for a container's process. ImageConfig supplies the defaults; the
// Entrypoint/Cmd/Env/Cwd/User fields below hold only what the caller
// explicitly overrode, left zero-valued otherwise so mergeProcessArgs can tell
// "not set" from "set to empty".
type CreateOpts struct {
	// ID, if set, is used as the container id instead of generating a
	// fresh one — the lifecycle manager needs the id up front to key the
	// snapshot it prepares before the bundle exists.
	ID string

	ImageConfig imagespec.ImageConfig

	Entrypoint []string
	Cmd        []string
	Env        []string
	Cwd        string
	User       string

	TTY             bool
	ReadonlyRootfs  bool
	Hostname        string
	HostNetworking  bool
	Binds           []BindMount
	CgroupsPath     string
	MemoryLimit     int64 // bytes, 0 = unlimited
	CPUQuota        int64 // microseconds per CPUPeriod, 0 = unlimited
	CPUPeriod       int64 // microseconds, 0 = runtime default
	PidsLimit       int64 // 0 = unlimited
}

// Metadata is the shim's own persisted record for one container, separate
// from the runtime-spec config.json (immutable once written) and from the
// low-level runtime's internal state.
type Metadata struct {
	ID         string    `json:"id"`
	State      State     `json:"state"`
	PID        int       `json:"pid,omitempty"`
	ExitCode   int       `json:"exit_code,omitempty"`
	TTY        bool      `json:"tty"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// LogEntry is one interleaved line from a container's stdout or stderr
// log.
type LogEntry struct {
	Timestamp time.Time
	Stream    string // "stdout" or "stderr"
	Bytes     []byte
}

// Stats is one cgroup-sourced resource sample.
type Stats struct {
	Timestamp      time.Time
	CPUUsageNanos  int64
	MemoryUsage    int64
	MemoryLimit    int64
	PidsCount      int64
	BlockIOBytes   int64
	NetworkRxBytes int64
	NetworkTxBytes int64
}

// StdinItem is one item the caller feeds to run_interactive's stdin pump.
type StdinItem struct {
	Data   []byte
	Resize *WinSize
}

// WinSize is a terminal window-size change request.
type WinSize struct {
	Rows uint16
	Cols uint16
}

// OutputItem is one item run_interactive emits: either a chunk of stdout
// or the container's final exit code.
type OutputItem struct {
	Stdout []byte
	Exit   *int
}

// Mount re-exports the Snapshotter's mount-spec type: the Shim is the
// layer that actually realizes a Mount with mount(2), so it consumes the
// same type the Snapshotter produces rather than redefining an equivalent
// one.
type Mount = snapshot.Mount
