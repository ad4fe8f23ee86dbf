//go:build linux

package snapshot

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestSnapshotter(t *testing.T, useOverlay bool) *Snapshotter {
	t.Helper()
	s, err := New(t.TempDir(), useOverlay)
	require.NoError(t, err)
	return s
}

func TestPrepareRootSnapshot(t *testing.T) {
	s := newTestSnapshotter(t, true)

	mounts, err := s.Prepare("a", "", nil)
	require.NoError(t, err)
	require.Len(t, mounts, 1)
	require.Equal(t, "bind", mounts[0].Type)

	info, err := s.Stat("a")
	require.NoError(t, err)
	require.Equal(t, KindActive, info.Kind)
	require.Empty(t, info.Parent)
}

func TestPrepareAlreadyExists(t *testing.T) {
	s := newTestSnapshotter(t, true)
	_, err := s.Prepare("a", "", nil)
	require.NoError(t, err)

	_, err = s.Prepare("a", "", nil)
	require.Error(t, err)
}

func TestPrepareParentNotFound(t *testing.T) {
	s := newTestSnapshotter(t, true)
	_, err := s.Prepare("child", "missing-parent", nil)
	require.Error(t, err)
}

func TestCommitThenChildRequiresCommittedParent(t *testing.T) {
	s := newTestSnapshotter(t, true)

	_, err := s.Prepare("base-active", "", nil)
	require.NoError(t, err)

	// Cannot prepare a child on a still-active (uncommitted) parent.
	_, err = s.Prepare("child", "base-active", nil)
	require.Error(t, err)

	require.NoError(t, s.Commit("base", "base-active", map[string]string{"layer": "1"}))

	info, err := s.Stat("base")
	require.NoError(t, err)
	require.Equal(t, KindCommitted, info.Kind)
	require.Equal(t, "1", info.Labels["layer"])

	mounts, err := s.Prepare("child", "base", nil)
	require.NoError(t, err)
	require.Len(t, mounts, 1)
	require.Equal(t, "overlay", mounts[0].Type)
	require.Contains(t, mounts[0].Options[0], "lowerdir=")
}

func TestViewIsReadOnlyNoWorkDir(t *testing.T) {
	s := newTestSnapshotter(t, true)
	_, err := s.Prepare("base-active", "", nil)
	require.NoError(t, err)
	require.NoError(t, s.Commit("base", "base-active", nil))

	mounts, err := s.View("v1", "base", nil)
	require.NoError(t, err)
	require.Len(t, mounts, 1)
	for _, opt := range mounts[0].Options {
		require.NotContains(t, opt, "upperdir=")
		require.NotContains(t, opt, "workdir=")
	}

	_, err = os.Stat(s.workDir("v1"))
	require.True(t, os.IsNotExist(err))
}

func TestRemoveRejectsWhenHasDependents(t *testing.T) {
	s := newTestSnapshotter(t, true)
	_, err := s.Prepare("base-active", "", nil)
	require.NoError(t, err)
	require.NoError(t, s.Commit("base", "base-active", nil))

	_, err = s.Prepare("child", "base", nil)
	require.NoError(t, err)

	err = s.Remove("base")
	require.Error(t, err)

	require.NoError(t, s.Remove("child"))
	require.NoError(t, s.Remove("base"))

	_, err = s.Stat("base")
	require.Error(t, err)
}

func TestListFiltersByParent(t *testing.T) {
	s := newTestSnapshotter(t, true)
	_, err := s.Prepare("base-active", "", nil)
	require.NoError(t, err)
	require.NoError(t, s.Commit("base", "base-active", nil))

	_, err = s.Prepare("c1", "base", nil)
	require.NoError(t, err)
	_, err = s.Prepare("c2", "base", nil)
	require.NoError(t, err)

	children, err := s.List("base")
	require.NoError(t, err)
	require.Len(t, children, 2)

	all, err := s.List("")
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestUsageCountsOwnFsOnly(t *testing.T) {
	s := newTestSnapshotter(t, true)
	_, err := s.Prepare("a", "", nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(s.fsDir("a"), "file.txt"), []byte("12345"), 0o644))

	bytesUsed, inodes, err := s.Usage("a")
	require.NoError(t, err)
	require.EqualValues(t, 5, bytesUsed)
	require.EqualValues(t, 1, inodes)
}

func TestCleanupRemovesUntrackedDirectories(t *testing.T) {
	s := newTestSnapshotter(t, true)
	_, err := s.Prepare("a", "", nil)
	require.NoError(t, err)

	orphan := filepath.Join(s.root, "orphan")
	require.NoError(t, os.MkdirAll(orphan, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(orphan, "junk"), []byte("xx"), 0o644))

	freed, err := s.Cleanup()
	require.NoError(t, err)
	require.EqualValues(t, 2, freed)

	_, err = os.Stat(orphan)
	require.True(t, os.IsNotExist(err))

	_, err = s.Stat("a")
	require.NoError(t, err)
}

func buildGzipTar(t *testing.T, entries map[string]string, whiteouts []string) []byte {
	t.Helper()
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)

	for name, content := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	for _, name := range whiteouts {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: filepath.Join(filepath.Dir(name), whiteoutPrefix+filepath.Base(name)),
			Mode: 0o644,
			Size: 0,
		}))
	}
	require.NoError(t, tw.Close())

	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	_, err := gw.Write(tarBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	return gzBuf.Bytes()
}

func TestExtractLayerThenFlatBackendAppliesWhiteout(t *testing.T) {
	s := newTestSnapshotter(t, false)

	base := buildGzipTar(t, map[string]string{"etc/keep.txt": "base"}, nil)
	key, n, err := s.ExtractLayer(bytes.NewReader(base), "", "layer1", nil)
	require.NoError(t, err)
	require.Equal(t, "layer1", key)
	require.Greater(t, n, int64(0))

	top := buildGzipTar(t, map[string]string{"etc/added.txt": "top"}, []string{"etc/keep.txt"})
	_, _, err = s.ExtractLayer(bytes.NewReader(top), "layer1", "layer2", nil)
	require.NoError(t, err)

	mounts, err := s.Mounts("layer2")
	require.NoError(t, err)
	require.Len(t, mounts, 1)
	merged := mounts[0].Source

	_, err = os.Stat(filepath.Join(merged, "etc", "keep.txt"))
	require.True(t, os.IsNotExist(err), "whiteout should have removed keep.txt from merged view")

	data, err := os.ReadFile(filepath.Join(merged, "etc", "added.txt"))
	require.NoError(t, err)
	require.Equal(t, "top", string(data))
}

func TestExtractLayerRejectsPathEscape(t *testing.T) {
	s := newTestSnapshotter(t, false)

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../../etc/passwd", Mode: 0o644, Size: 3}))
	_, err := tw.Write([]byte("hi\n"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	_, err = gw.Write(tarBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	_, _, err = s.ExtractLayer(bytes.NewReader(gzBuf.Bytes()), "", "malicious", nil)
	require.Error(t, err)

	_, statErr := s.Stat("malicious")
	require.Error(t, statErr, "failed extraction must not leave a committed snapshot behind")
}

func TestExtractLayerConcurrentSameLayerIsSafe(t *testing.T) {
	s := newTestSnapshotter(t, false)

	layer := buildGzipTar(t, map[string]string{"etc/shared.txt": "shared layer content"}, nil)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = s.ExtractLayer(bytes.NewReader(layer), "", "shared-layer", nil)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err, "concurrent extraction of the same content-addressed layer must not fail")
	}

	info, err := s.Stat("shared-layer")
	require.NoError(t, err)
	require.Equal(t, KindCommitted, info.Kind)

	mounts, err := s.Mounts("shared-layer")
	require.NoError(t, err)
	require.Len(t, mounts, 1)
	data, err := os.ReadFile(filepath.Join(mounts[0].Source, "etc", "shared.txt"))
	require.NoError(t, err)
	require.Equal(t, "shared layer content", string(data))
}

func TestChainDetectsCycle(t *testing.T) {
	s := newTestSnapshotter(t, true)
	idx := s.idx

	now := idx.list() // ensure idx usable; real cycle can't be built via the public API
	_ = now

	idx.set("x", &Info{Key: "x", Parent: "y", Kind: KindCommitted})
	idx.set("y", &Info{Key: "y", Parent: "x", Kind: KindCommitted})

	_, err := idx.chain("x")
	require.Error(t, err)
}
