package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	digest "github.com/opencontainers/go-digest"
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"ross/internal/registry"
	"ross/internal/snapshot"
	"ross/internal/store"
)

type fakeRegistry struct {
	manifest     imagespec.Manifest
	manifestJSON []byte
	manifestDig  digest.Digest
	blobs        map[digest.Digest][]byte
	blobFetches  map[digest.Digest]int
}

func newFakeRegistry(t *testing.T, manifest imagespec.Manifest, blobs map[digest.Digest][]byte) *fakeRegistry {
	t.Helper()
	raw, err := json.Marshal(manifest)
	require.NoError(t, err)
	return &fakeRegistry{
		manifest:     manifest,
		manifestJSON: raw,
		manifestDig:  digest.FromBytes(raw),
		blobs:        blobs,
		blobFetches:  map[digest.Digest]int{},
	}
}

func (f *fakeRegistry) GetManifestForPlatform(ctx context.Context, ref registry.Reference, os, arch string) (registry.ManifestResult, error) {
	return registry.ManifestResult{
		Digest:    f.manifestDig,
		MediaType: imagespec.MediaTypeImageManifest,
		Content:   f.manifestJSON,
	}, nil
}

func (f *fakeRegistry) GetBlob(ctx context.Context, registryHost, repository string, d digest.Digest) (io.ReadCloser, error) {
	f.blobFetches[d]++
	data, ok := f.blobs[d]
	if !ok {
		return nil, errors.New("blob not found in fake registry")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(t.TempDir())
	require.NoError(t, err)
	return s
}

// fakeSnapshotter records extraction calls without touching any filesystem,
// since overlay/flat-rootfs extraction is already covered in package
// snapshot's own tests.
type fakeSnapshotter struct {
	committed map[string]bool
	extracted []string
}

func newFakeSnapshotter() *fakeSnapshotter {
	return &fakeSnapshotter{committed: map[string]bool{}}
}

func (f *fakeSnapshotter) Stat(key string) (snapshot.Info, error) {
	if f.committed[key] {
		return snapshot.Info{Key: key, Kind: snapshot.KindCommitted}, nil
	}
	return snapshot.Info{}, errors.New("not found")
}

func (f *fakeSnapshotter) ExtractLayer(blob io.Reader, parentKey, committedKey string, labels map[string]string) (string, int64, error) {
	data, err := io.ReadAll(blob)
	if err != nil {
		return "", 0, err
	}
	f.committed[committedKey] = true
	f.extracted = append(f.extracted, committedKey)
	return committedKey, int64(len(data)), nil
}

func buildManifest(configDigest digest.Digest, configSize int64, layerBytes [][]byte) (imagespec.Manifest, map[digest.Digest][]byte) {
	blobs := map[digest.Digest][]byte{}
	m := imagespec.Manifest{
		Versioned: imagespec.Versioned{SchemaVersion: 2},
		MediaType: imagespec.MediaTypeImageManifest,
		Config: imagespec.Descriptor{
			MediaType: imagespec.MediaTypeImageConfig,
			Digest:    configDigest,
			Size:      configSize,
		},
	}
	for _, data := range layerBytes {
		d := digest.FromBytes(data)
		blobs[d] = data
		m.Layers = append(m.Layers, imagespec.Descriptor{
			MediaType: imagespec.MediaTypeImageLayerGzip,
			Digest:    d,
			Size:      int64(len(data)),
		})
	}
	return m, blobs
}

func TestPullFetchesAndExtractsAllLayers(t *testing.T) {
	configData := []byte(`{"architecture":"amd64","os":"linux"}`)
	configDigest := digest.FromBytes(configData)
	layers := [][]byte{[]byte("layer-one-content"), []byte("layer-two-content")}

	manifest, blobs := buildManifest(configDigest, int64(len(configData)), layers)
	blobs[configDigest] = configData

	reg := newFakeRegistry(t, manifest, blobs)
	st := newTestStore(t)
	snap := newFakeSnapshotter()
	p := New(reg, st, snap)

	events, errc := p.Pull(context.Background(), "example.com/repo/image:latest", Options{})

	var kinds []EventKind
	for e := range events {
		kinds = append(kinds, e.Kind)
	}
	require.NoError(t, <-errc)

	require.Contains(t, kinds, EventResolving)
	require.Contains(t, kinds, EventResolved)
	require.Contains(t, kinds, EventExtracted)

	require.True(t, st.HasBlob(configDigest))
	for d := range blobs {
		require.True(t, st.HasBlob(d))
	}
	require.Len(t, snap.extracted, 2)

	d, _, err := st.ResolveTag("repo/image", "latest")
	require.NoError(t, err)
	require.Equal(t, reg.manifestDig, d)
}

func TestPullSkipsExistingBlobs(t *testing.T) {
	configData := []byte(`{"architecture":"amd64","os":"linux"}`)
	configDigest := digest.FromBytes(configData)
	layers := [][]byte{[]byte("only-layer")}

	manifest, blobs := buildManifest(configDigest, int64(len(configData)), layers)
	blobs[configDigest] = configData

	reg := newFakeRegistry(t, manifest, blobs)
	st := newTestStore(t)
	snap := newFakeSnapshotter()

	_, _, err := st.PutBlob(imagespec.MediaTypeImageConfig, configData, configDigest)
	require.NoError(t, err)

	p := New(reg, st, snap)
	events, errc := p.Pull(context.Background(), "example.com/repo/image:latest", Options{})

	var sawAlreadyExistsForConfig bool
	for e := range events {
		if e.Kind == EventAlreadyExists && e.Digest == configDigest {
			sawAlreadyExistsForConfig = true
		}
	}
	require.NoError(t, <-errc)
	require.True(t, sawAlreadyExistsForConfig)
	require.Equal(t, 0, reg.blobFetches[configDigest])
}

func TestPullShortCircuitsWhenAlreadyUpToDate(t *testing.T) {
	configData := []byte(`{"architecture":"amd64","os":"linux"}`)
	configDigest := digest.FromBytes(configData)
	layers := [][]byte{[]byte("layer-content")}

	manifest, blobs := buildManifest(configDigest, int64(len(configData)), layers)
	blobs[configDigest] = configData

	reg := newFakeRegistry(t, manifest, blobs)
	st := newTestStore(t)
	snap := newFakeSnapshotter()

	_, _, err := st.PutBlob(imagespec.MediaTypeImageConfig, configData, configDigest)
	require.NoError(t, err)
	for d, data := range blobs {
		if d == configDigest {
			continue
		}
		_, _, err := st.PutBlob(imagespec.MediaTypeImageLayerGzip, data, d)
		require.NoError(t, err)
		snap.committed[d.String()] = true
	}
	_, _, err = st.PutManifest(reg.manifestJSON, imagespec.MediaTypeImageManifest)
	require.NoError(t, err)
	_, err = st.SetTag("repo/image", "latest", reg.manifestDig)
	require.NoError(t, err)

	p := New(reg, st, snap)
	events, errc := p.Pull(context.Background(), "example.com/repo/image:latest", Options{})

	var sawUpToDate bool
	for e := range events {
		if e.Kind == EventAlreadyUpToDate {
			sawUpToDate = true
		}
	}
	require.NoError(t, <-errc)
	require.True(t, sawUpToDate)
	require.Empty(t, snap.extracted)
}

func TestPullPropagatesLayerFetchError(t *testing.T) {
	configData := []byte(`{"architecture":"amd64","os":"linux"}`)
	configDigest := digest.FromBytes(configData)
	layers := [][]byte{[]byte("layer-content")}

	manifest, blobs := buildManifest(configDigest, int64(len(configData)), layers)
	// config blob is served, but the only layer blob is deliberately removed
	// from the fake registry's store to force a layer fetch error.
	blobs[configDigest] = configData
	delete(blobs, manifest.Layers[0].Digest)

	reg := newFakeRegistry(t, manifest, blobs)
	st := newTestStore(t)
	snap := newFakeSnapshotter()
	p := New(reg, st, snap)

	events, errc := p.Pull(context.Background(), "example.com/repo/image:latest", Options{})
	for range events {
	}
	require.Error(t, <-errc)
}
