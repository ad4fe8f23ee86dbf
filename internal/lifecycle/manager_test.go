package lifecycle

import (
	"context"
	"encoding/json"
	"sync"
	"syscall"
	"testing"
	"time"

	imagespec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"ross/internal/rerrors"
	"ross/internal/shim"
	"ross/internal/snapshot"
	"ross/internal/store"
)

// fakeSnapshotter is a minimal in-memory stand-in: lifecycle only ever
// Prepares, inspects Mounts for, and Removes a snapshot keyed on the
// container id, never extracting layers itself (pipeline owns that).
type fakeSnapshotter struct {
	mu       sync.Mutex
	prepared map[string]string // key -> parent
	removed  []string
}

func newFakeSnapshotter() *fakeSnapshotter {
	return &fakeSnapshotter{prepared: map[string]string{}}
}

func (f *fakeSnapshotter) Prepare(key, parent string, labels map[string]string) ([]snapshot.Mount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared[key] = parent
	return []snapshot.Mount{{Type: "bind", Source: "/fake/" + key, Target: "/"}}, nil
}

func (f *fakeSnapshotter) Remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.prepared, key)
	f.removed = append(f.removed, key)
	return nil
}

func (f *fakeSnapshotter) Mounts(key string) ([]snapshot.Mount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.prepared[key]; !ok {
		return nil, rerrors.ErrSnapshotNotFound
	}
	return []snapshot.Mount{{Type: "bind", Source: "/fake/" + key, Target: "/"}}, nil
}

// fakeShim tracks container metadata entirely in memory, mirroring the
// Shim's own state machine without touching runc or the filesystem.
type fakeShim struct {
	mu      sync.Mutex
	byID    map[string]*shim.Metadata
	deleted map[string]bool
}

func newFakeShim() *fakeShim {
	return &fakeShim{byID: map[string]*shim.Metadata{}, deleted: map[string]bool{}}
}

func (f *fakeShim) Create(opts shim.CreateOpts, mounts []shim.Mount) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := opts.ID
	if id == "" {
		id = "generated-id"
	}
	f.byID[id] = &shim.Metadata{ID: id, State: shim.StateCreated, TTY: opts.TTY, CreatedAt: time.Now()}
	return id, nil
}

func (f *fakeShim) Start(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.byID[id]
	if !ok {
		return rerrors.ErrContainerNotFound
	}
	meta.State = shim.StateRunning
	meta.PID = 4242
	meta.StartedAt = time.Now()
	return nil
}

func (f *fakeShim) RunInteractive(ctx context.Context, opts shim.CreateOpts, mounts []shim.Mount, input <-chan shim.StdinItem, output chan<- shim.OutputItem) (string, error) {
	f.mu.Lock()
	id := opts.ID
	f.byID[id] = &shim.Metadata{ID: id, State: shim.StateRunning, TTY: true, CreatedAt: time.Now(), StartedAt: time.Now()}
	f.mu.Unlock()
	return id, nil
}

func (f *fakeShim) Stop(id string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.byID[id]
	if !ok {
		return rerrors.ErrContainerNotFound
	}
	meta.State = shim.StateStopped
	meta.FinishedAt = time.Now()
	return nil
}

func (f *fakeShim) Pause(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.byID[id]
	if !ok {
		return rerrors.ErrContainerNotFound
	}
	meta.State = shim.StatePaused
	return nil
}

func (f *fakeShim) Unpause(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.byID[id]
	if !ok {
		return rerrors.ErrContainerNotFound
	}
	meta.State = shim.StateRunning
	return nil
}

func (f *fakeShim) Kill(id string, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[id]; !ok {
		return rerrors.ErrContainerNotFound
	}
	return nil
}

func (f *fakeShim) Delete(id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[id]; !ok {
		return rerrors.ErrContainerNotFound
	}
	delete(f.byID, id)
	f.deleted[id] = true
	return nil
}

func (f *fakeShim) Inspect(id string) (shim.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.byID[id]
	if !ok {
		return shim.Metadata{}, rerrors.ErrContainerNotFound
	}
	return *meta, nil
}

func (f *fakeShim) List() ([]shim.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []shim.Metadata
	for _, m := range f.byID {
		out = append(out, *m)
	}
	return out, nil
}

func (f *fakeShim) Wait(ctx context.Context, id string) (int, error) {
	f.mu.Lock()
	meta, ok := f.byID[id]
	f.mu.Unlock()
	if !ok {
		return 0, rerrors.ErrContainerNotFound
	}
	return meta.ExitCode, nil
}

func (f *fakeShim) Logs(ctx context.Context, id string, follow bool) (<-chan shim.LogEntry, error) {
	ch := make(chan shim.LogEntry)
	close(ch)
	return ch, nil
}

func (f *fakeShim) Stats(ctx context.Context, id string) (<-chan shim.Stats, error) {
	ch := make(chan shim.Stats)
	close(ch)
	return ch, nil
}

// testFixture wires a Manager over a real Store (tmp dir), a fake
// Snapshotter, and a fake Shim, with one image already published so
// Create/RunInteractive have something to resolve.
type testFixture struct {
	manager *Manager
	store   *store.Store
	snap    *fakeSnapshotter
	sh      *fakeShim
	image   string
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	configData := []byte(`{"architecture":"amd64","os":"linux","config":{"Entrypoint":["/bin/sh"],"Env":["PATH=/usr/bin"]}}`)
	configDigest, _, err := st.PutBlob(imagespec.MediaTypeImageConfig, configData, "")
	require.NoError(t, err)

	layerData := []byte("layer-bytes")
	layerDigest, _, err := st.PutBlob(imagespec.MediaTypeImageLayerGzip, layerData, "")
	require.NoError(t, err)

	manifest := imagespec.Manifest{
		Versioned: imagespec.Versioned{SchemaVersion: 2},
		MediaType: imagespec.MediaTypeImageManifest,
		Config: imagespec.Descriptor{
			MediaType: imagespec.MediaTypeImageConfig,
			Digest:    configDigest,
			Size:      int64(len(configData)),
		},
		Layers: []imagespec.Descriptor{{
			MediaType: imagespec.MediaTypeImageLayerGzip,
			Digest:    layerDigest,
			Size:      int64(len(layerData)),
		}},
	}
	manifestJSON, err := json.Marshal(manifest)
	require.NoError(t, err)
	manifestDigest, _, err := st.PutManifest(manifestJSON, imagespec.MediaTypeImageManifest)
	require.NoError(t, err)
	_, err = st.SetTag("library/demo", "latest", manifestDigest)
	require.NoError(t, err)

	snap := newFakeSnapshotter()
	sh := newFakeShim()
	mgr, err := New(t.TempDir(), st, snap, sh)
	require.NoError(t, err)

	return &testFixture{manager: mgr, store: st, snap: snap, sh: sh, image: "demo:latest"}
}

func TestCreateResolvesImageAndPersistsRecord(t *testing.T) {
	fx := newTestFixture(t)

	rec, err := fx.manager.Create(CreateParams{Image: fx.image, Name: "web"})
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)
	require.Equal(t, "web", rec.Name)

	_, parentOK := fx.snap.prepared[rec.ID]
	require.True(t, parentOK)

	info, err := fx.manager.Inspect("web")
	require.NoError(t, err)
	require.Equal(t, shim.StateCreated, info.State)
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	fx := newTestFixture(t)
	_, err := fx.manager.Create(CreateParams{Image: fx.image, Name: "web"})
	require.NoError(t, err)

	_, err = fx.manager.Create(CreateParams{Image: fx.image, Name: "web"})
	require.Error(t, err)
}

func TestCreateUnknownImageFails(t *testing.T) {
	fx := newTestFixture(t)
	_, err := fx.manager.Create(CreateParams{Image: "nope:latest"})
	require.Error(t, err)
}

func TestStartStopLifecycle(t *testing.T) {
	fx := newTestFixture(t)
	rec, err := fx.manager.Create(CreateParams{Image: fx.image})
	require.NoError(t, err)

	meta, err := fx.manager.Start(rec.ID)
	require.NoError(t, err)
	require.Equal(t, shim.StateRunning, meta.State)

	meta, err = fx.manager.Stop(rec.ID, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, shim.StateStopped, meta.State)
}

func TestStartTwiceIsRejected(t *testing.T) {
	fx := newTestFixture(t)
	rec, err := fx.manager.Create(CreateParams{Image: fx.image})
	require.NoError(t, err)

	_, err = fx.manager.Start(rec.ID)
	require.NoError(t, err)

	_, err = fx.manager.Start(rec.ID)
	require.ErrorIs(t, err, rerrors.ErrInvalidState)
}

func TestPauseUnpause(t *testing.T) {
	fx := newTestFixture(t)
	rec, err := fx.manager.Create(CreateParams{Image: fx.image})
	require.NoError(t, err)
	_, err = fx.manager.Start(rec.ID)
	require.NoError(t, err)

	meta, err := fx.manager.Pause(rec.ID)
	require.NoError(t, err)
	require.Equal(t, shim.StatePaused, meta.State)

	meta, err = fx.manager.Unpause(rec.ID)
	require.NoError(t, err)
	require.Equal(t, shim.StateRunning, meta.State)
}

func TestKillRejectsOnNonRunningContainer(t *testing.T) {
	fx := newTestFixture(t)
	rec, err := fx.manager.Create(CreateParams{Image: fx.image})
	require.NoError(t, err)

	err = fx.manager.Kill(rec.ID, syscall.SIGKILL)
	require.ErrorIs(t, err, rerrors.ErrInvalidState)
}

func TestRestartStartsACreatedContainer(t *testing.T) {
	fx := newTestFixture(t)
	rec, err := fx.manager.Create(CreateParams{Image: fx.image})
	require.NoError(t, err)

	meta, err := fx.manager.Restart(rec.ID, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, shim.StateRunning, meta.State)
}

func TestRenameUpdatesNameIndex(t *testing.T) {
	fx := newTestFixture(t)
	rec, err := fx.manager.Create(CreateParams{Image: fx.image, Name: "old"})
	require.NoError(t, err)

	require.NoError(t, fx.manager.Rename(rec.ID, "new"))
	_, err = fx.manager.Inspect("old")
	require.Error(t, err)

	info, err := fx.manager.Inspect("new")
	require.NoError(t, err)
	require.Equal(t, rec.ID, info.ID)
}

func TestRemoveRejectsRunningWithoutForce(t *testing.T) {
	fx := newTestFixture(t)
	rec, err := fx.manager.Create(CreateParams{Image: fx.image})
	require.NoError(t, err)
	_, err = fx.manager.Start(rec.ID)
	require.NoError(t, err)

	err = fx.manager.Remove(rec.ID, false, false)
	require.ErrorIs(t, err, rerrors.ErrContainerRunning)

	require.NoError(t, fx.manager.Remove(rec.ID, true, false))
	_, err = fx.manager.Inspect(rec.ID)
	require.Error(t, err)
	require.Contains(t, fx.snap.removed, rec.SnapshotKey)
}

func TestListReturnsAllCreatedContainers(t *testing.T) {
	fx := newTestFixture(t)
	_, err := fx.manager.Create(CreateParams{Image: fx.image, Name: "a"})
	require.NoError(t, err)
	_, err = fx.manager.Create(CreateParams{Image: fx.image, Name: "b"})
	require.NoError(t, err)

	infos, err := fx.manager.List()
	require.NoError(t, err)
	require.Len(t, infos, 2)
}

func TestRebuildRestoresContainersFromDisk(t *testing.T) {
	fx := newTestFixture(t)
	rec, err := fx.manager.Create(CreateParams{Image: fx.image, Name: "persisted"})
	require.NoError(t, err)

	reopened, err := New(fx.manager.root, fx.store, fx.snap, fx.sh)
	require.NoError(t, err)

	got, err := reopened.Resolve("persisted")
	require.NoError(t, err)
	require.Equal(t, rec.ID, got.ID)
}
