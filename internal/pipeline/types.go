// Package pipeline implements image pull orchestration: resolve a
// reference, fetch its manifest and config, download layers in bounded
// parallel, then extract them bottom-up through the Snapshotter.
package pipeline

import (
	"context"
	"io"

	digest "github.com/opencontainers/go-digest"
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"

	"ross/internal/registry"
	"ross/internal/snapshot"
	"ross/internal/store"
)

// EventKind labels one PullProgress event, naming the pull step it was
// emitted at ("Resolving", "Already exists", ...).
type EventKind string

const (
	EventResolving         EventKind = "resolving"
	EventResolved          EventKind = "resolved"
	EventPullingConfig     EventKind = "pulling_config"
	EventAlreadyExists     EventKind = "already_exists"
	EventDownloading       EventKind = "downloading"
	EventDownloadComplete  EventKind = "download_complete"
	EventPullComplete      EventKind = "pull_complete"
	EventAlreadyUpToDate   EventKind = "already_up_to_date"
	EventExtracting        EventKind = "extracting"
	EventExtracted         EventKind = "extracted"
	EventStatus            EventKind = "status"
)

// Event is one item on the progress stream Pull returns.
type Event struct {
	Kind     EventKind
	Message  string
	Digest   digest.Digest
	Index    int
	Total    int
	Bytes    int64
}

// Options configures a single pull.
type Options struct {
	// Platform selects a manifest-index entry; zero value defaults to
	// linux/amd64.
	Platform imagespec.Platform
	// MaxConcurrentDownloads bounds simultaneous layer fetches (default 3).
	MaxConcurrentDownloads int
}

func (o Options) platform() imagespec.Platform {
	if o.Platform.OS == "" && o.Platform.Architecture == "" {
		return imagespec.Platform{OS: "linux", Architecture: "amd64"}
	}
	return o.Platform
}

func (o Options) maxConcurrent() int {
	if o.MaxConcurrentDownloads > 0 {
		return o.MaxConcurrentDownloads
	}
	return 3
}

// Pipeline wires a registry Client, content Store, and Snapshotter together
// to implement pull().
type Pipeline struct {
	registryClient RegistryClient
	store          *store.Store
	snapshotter    Snapshotter
}

// RegistryClient is the subset of *registry.Client the pipeline drives,
// named here so tests can substitute a fake without an httptest server.
type RegistryClient interface {
	GetManifestForPlatform(ctx context.Context, ref registry.Reference, os, arch string) (registry.ManifestResult, error)
	GetBlob(ctx context.Context, registryHost, repository string, d digest.Digest) (io.ReadCloser, error)
}

// Snapshotter is the subset of *snapshot.Snapshotter the pipeline drives,
// named here so tests can substitute a fake without building real overlay
// mounts.
type Snapshotter interface {
	Stat(key string) (snapshot.Info, error)
	ExtractLayer(blob io.Reader, parentKey, committedKey string, labels map[string]string) (string, int64, error)
}

// New builds a Pipeline over the given collaborators.
func New(registryClient RegistryClient, contentStore *store.Store, snapshotter Snapshotter) *Pipeline {
	return &Pipeline{registryClient: registryClient, store: contentStore, snapshotter: snapshotter}
}

