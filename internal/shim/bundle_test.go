//go:build linux

package shim

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBundlePathHelpers(t *testing.T) {
	s := &Shim{root: "/var/lib/ross/shim"}
	assert.Equal(t, "/var/lib/ross/shim/abc", s.containerDir("abc"))
	assert.Equal(t, "/var/lib/ross/shim/abc/bundle", s.bundleDir("abc"))
	assert.Equal(t, "/var/lib/ross/shim/abc/bundle/rootfs", s.rootfsDir("abc"))
	assert.Equal(t, "/var/lib/ross/shim/abc/bundle/config.json", s.configPath("abc"))
	assert.Equal(t, "/var/lib/ross/shim/abc/metadata.json", s.metadataPath("abc"))
}

func TestCreateBundleMakesRootfsDir(t *testing.T) {
	dir := t.TempDir()
	s := &Shim{root: dir}
	require.NoError(t, s.createBundle("xyz"))
	info, err := os.Stat(s.rootfsDir("xyz"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestHasOption(t *testing.T) {
	assert.True(t, hasOption([]string{"rbind", "ro"}, "ro"))
	assert.False(t, hasOption([]string{"rbind", "rw"}, "ro"))
}

func TestJoinOptions(t *testing.T) {
	assert.Equal(t, "", joinOptions(nil))
	assert.Equal(t, "lowerdir=a", joinOptions([]string{"lowerdir=a"}))
	assert.Equal(t, "lowerdir=a,upperdir=b", joinOptions([]string{"lowerdir=a", "upperdir=b"}))
}

func TestApplyMountsRejectsUnknownType(t *testing.T) {
	dir := t.TempDir()
	err := applyMounts(dir, []Mount{{Type: "nonsense"}})
	assert.Error(t, err)
}

func TestIsMountedFalseForOrdinaryDir(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	assert.False(t, isMounted(sub))
}
