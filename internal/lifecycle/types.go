// Package lifecycle implements the container state machine:
// create/start/stop/pause/unpause/kill/rename/remove/inspect/list/wait/
// logs/stats/run_interactive, orchestrating the content Store, the
// Snapshotter, and the Shim.
package lifecycle

import (
	"context"
	"sync"
	"syscall"
	"time"

	digest "github.com/opencontainers/go-digest"

	"ross/internal/shim"
	"ross/internal/snapshot"
	"ross/internal/store"
)

// Record is the identity information Lifecycle persists alongside the
// Shim's own mutable per-container state — a config.json/state.json split:
// Record is the immutable half (what image, what name, which snapshot
// key), the Shim's Metadata is the mutable half (pid, running state, exit
// code).
type Record struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Image       string    `json:"image"`
	ImageDigest digest.Digest `json:"image_digest"`
	SnapshotKey string    `json:"snapshot_key"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateParams is the caller-supplied half of create(); the image's own
// config supplies everything the caller doesn't override.
type CreateParams struct {
	Image string
	Name  string

	Entrypoint []string
	Cmd        []string
	Env        []string
	Cwd        string
	User       string

	TTY            bool
	ReadonlyRootfs bool
	Hostname       string
	HostNetworking bool
	Binds          []shim.BindMount
	MemoryLimit    int64
	CPUQuota       int64
	CPUPeriod      int64
	PidsLimit      int64
}

// Info is the merged view Inspect/List return: Record plus the Shim's live
// Metadata.
type Info struct {
	Record
	shim.Metadata
}

// Snapshotter is the subset of *snapshot.Snapshotter the lifecycle manager
// drives.
type Snapshotter interface {
	Prepare(key, parent string, labels map[string]string) ([]snapshot.Mount, error)
	Remove(key string) error
	Mounts(key string) ([]snapshot.Mount, error)
}

// Shim is the subset of *shim.Shim the lifecycle manager drives.
type Shim interface {
	Create(opts shim.CreateOpts, mounts []shim.Mount) (string, error)
	Start(id string) error
	RunInteractive(ctx context.Context, opts shim.CreateOpts, mounts []shim.Mount, input <-chan shim.StdinItem, output chan<- shim.OutputItem) (string, error)
	Stop(id string, timeout time.Duration) error
	Pause(id string) error
	Unpause(id string) error
	Kill(id string, sig syscall.Signal) error
	Delete(id string, force bool) error
	Inspect(id string) (shim.Metadata, error)
	List() ([]shim.Metadata, error)
	Wait(ctx context.Context, id string) (int, error)
	Logs(ctx context.Context, id string, follow bool) (<-chan shim.LogEntry, error)
	Stats(ctx context.Context, id string) (<-chan shim.Stats, error)
}

// Manager owns the lifecycle container map — an in-memory index over
// Records, rebuilt at startup from disk exactly like the Snapshotter's own
// index, with the directory under root as the durable backing.
type Manager struct {
	root        string
	store       *store.Store
	snapshotter Snapshotter
	shim        Shim

	mu         sync.RWMutex
	containers map[string]*Record
	names      map[string]string // name -> id
}
