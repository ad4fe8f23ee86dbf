package lifecycle

import (
	"encoding/json"
	"fmt"
	"time"

	digest "github.com/opencontainers/go-digest"
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"

	"ross/internal/registry"
	"ross/internal/rerrors"
	"ross/internal/shim"
	"ross/pkg/idutil"
)

// prepared is the result of resolving an image and staking out a snapshot
// and id for a new container, shared by Create and RunInteractive: both
// need the same setup, but RunInteractive hands the CreateOpts to the
// Shim's RunInteractive instead of its Create.
type prepared struct {
	id     string
	opts   shim.CreateOpts
	mounts []shim.Mount
	rec    *Record
}

func (m *Manager) prepare(params CreateParams) (*prepared, error) {
	manifest, config, imageDigest, err := m.resolveImage(params.Image)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	if params.Name != "" {
		if _, exists := m.names[params.Name]; exists {
			m.mu.RUnlock()
			return nil, fmt.Errorf("container name %q already in use", params.Name)
		}
	}
	m.mu.RUnlock()

	id := idutil.GenerateID()

	parent := ""
	if n := len(manifest.Layers); n > 0 {
		parent = manifest.Layers[n-1].Digest.String()
	}
	mounts, err := m.snapshotter.Prepare(id, parent, map[string]string{
		"container.id":    id,
		"container.image": params.Image,
	})
	if err != nil {
		return nil, fmt.Errorf("prepare snapshot: %w", err)
	}

	opts := shim.CreateOpts{
		ID:             id,
		ImageConfig:    config.Config,
		Entrypoint:     params.Entrypoint,
		Cmd:            params.Cmd,
		Env:            params.Env,
		Cwd:            params.Cwd,
		User:           params.User,
		TTY:            params.TTY,
		ReadonlyRootfs: params.ReadonlyRootfs,
		Hostname:       params.Hostname,
		HostNetworking: params.HostNetworking,
		Binds:          params.Binds,
		MemoryLimit:    params.MemoryLimit,
		CPUQuota:       params.CPUQuota,
		CPUPeriod:      params.CPUPeriod,
		PidsLimit:      params.PidsLimit,
	}

	rec := &Record{
		ID:          id,
		Name:        params.Name,
		Image:       params.Image,
		ImageDigest: imageDigest,
		SnapshotKey: id,
		CreatedAt:   time.Now(),
	}

	return &prepared{id: id, opts: opts, mounts: mounts, rec: rec}, nil
}

func (m *Manager) register(rec *Record) error {
	if err := m.writeRecord(rec); err != nil {
		return fmt.Errorf("persist container record: %w", err)
	}
	m.mu.Lock()
	m.containers[rec.ID] = rec
	if rec.Name != "" {
		m.names[rec.Name] = rec.ID
	}
	m.mu.Unlock()
	return nil
}

// Create resolves the image reference against the local store, prepares
// an active snapshot on top of the image's top layer, and hands the
// merged config to the Shim. The image
// must already be present locally — Create never pulls.
func (m *Manager) Create(params CreateParams) (Record, error) {
	p, err := m.prepare(params)
	if err != nil {
		return Record{}, err
	}

	if _, err := m.shim.Create(p.opts, p.mounts); err != nil {
		_ = m.snapshotter.Remove(p.id)
		return Record{}, fmt.Errorf("create container: %w", err)
	}

	if err := m.register(p.rec); err != nil {
		_ = m.shim.Delete(p.id, true)
		_ = m.snapshotter.Remove(p.id)
		return Record{}, err
	}

	return *p.rec, nil
}

// resolveImage looks imageRef up in the local store: a tag resolves to a
// manifest digest, which resolves to the manifest and its config blob. It
// never talks to a registry — pulling is pipeline's job.
func (m *Manager) resolveImage(imageRef string) (imagespec.Manifest, imagespec.Image, digest.Digest, error) {
	ref, err := registry.ParseReference(imageRef)
	if err != nil {
		return imagespec.Manifest{}, imagespec.Image{}, "", fmt.Errorf("parse image reference: %w", err)
	}

	var manifestDigest digest.Digest
	if ref.Digest != "" {
		manifestDigest = digest.Digest(ref.Digest)
	} else {
		d, _, err := m.store.ResolveTag(ref.Repository, ref.Tag)
		if err != nil {
			return imagespec.Manifest{}, imagespec.Image{}, "", fmt.Errorf("%w: %s", rerrors.ErrImageNotFound, imageRef)
		}
		manifestDigest = d
	}

	manifestBytes, _, err := m.store.GetManifest(manifestDigest)
	if err != nil {
		return imagespec.Manifest{}, imagespec.Image{}, "", fmt.Errorf("%w: %s", rerrors.ErrImageNotFound, imageRef)
	}
	var manifest imagespec.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return imagespec.Manifest{}, imagespec.Image{}, "", fmt.Errorf("parse manifest: %w", err)
	}

	configBytes, err := m.store.GetBlob(manifest.Config.Digest, 0, -1)
	if err != nil {
		return imagespec.Manifest{}, imagespec.Image{}, "", fmt.Errorf("read image config: %w", err)
	}
	var config imagespec.Image
	if err := json.Unmarshal(configBytes, &config); err != nil {
		return imagespec.Manifest{}, imagespec.Image{}, "", fmt.Errorf("parse image config: %w", err)
	}

	return manifest, config, manifestDigest, nil
}
