package shim

import (
	"testing"

	imagespec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeProcessArgsFallsBackToImageConfig(t *testing.T) {
	opts := CreateOpts{
		ImageConfig: imagespec.ImageConfig{
			Entrypoint: []string{"/bin/sh", "-c"},
			Cmd:        []string{"echo hi"},
		},
	}
	args, err := mergeProcessArgs(opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/sh", "-c", "echo hi"}, args)
}

func TestMergeProcessArgsUserOverridesWin(t *testing.T) {
	opts := CreateOpts{
		ImageConfig: imagespec.ImageConfig{Entrypoint: []string{"/bin/sh"}, Cmd: []string{"-c", "original"}},
		Cmd:         []string{"-c", "override"},
	}
	args, err := mergeProcessArgs(opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/sh", "-c", "override"}, args)
}

func TestMergeProcessArgsErrorsWhenNothingResolved(t *testing.T) {
	_, err := mergeProcessArgs(CreateOpts{})
	assert.Error(t, err)
}

func TestMergeEnvReplacesInPlaceAndAppendsNew(t *testing.T) {
	image := []string{"PATH=/usr/bin", "HOME=/root"}
	user := []string{"HOME=/home/x", "FOO=bar"}
	merged := mergeEnv(image, user)
	assert.Equal(t, []string{"PATH=/usr/bin", "HOME=/home/x", "FOO=bar"}, merged)
}

func TestParseUserDefaultsToRoot(t *testing.T) {
	u, err := parseUser("")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), u.UID)
	assert.Equal(t, uint32(0), u.GID)
}

func TestParseUserUIDAndGID(t *testing.T) {
	u, err := parseUser("1000:1000")
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), u.UID)
	assert.Equal(t, uint32(1000), u.GID)
}

func TestParseUserRejectsGarbage(t *testing.T) {
	_, err := parseUser("not-a-number")
	assert.Error(t, err)
}

func TestNamespacesOmitsNetworkWhenHostNetworking(t *testing.T) {
	ns := namespaces(CreateOpts{HostNetworking: true})
	for _, n := range ns {
		assert.NotEqual(t, "network", string(n.Type))
	}
}

func TestNamespacesIncludesNetworkByDefault(t *testing.T) {
	ns := namespaces(CreateOpts{})
	found := false
	for _, n := range ns {
		if string(n.Type) == "network" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestResourcesNilWhenUnset(t *testing.T) {
	assert.Nil(t, resources(CreateOpts{}))
}

func TestResourcesMemoryAndCPUAndPids(t *testing.T) {
	res := resources(CreateOpts{MemoryLimit: 1024, CPUQuota: 50000, PidsLimit: 32})
	require.NotNil(t, res)
	require.NotNil(t, res.Memory)
	assert.EqualValues(t, 1024, *res.Memory.Limit)
	require.NotNil(t, res.CPU)
	assert.EqualValues(t, 50000, *res.CPU.Quota)
	assert.EqualValues(t, defaultCPUPeriod, *res.CPU.Period)
	require.NotNil(t, res.Pids)
	assert.EqualValues(t, 32, res.Pids.Limit)
}

func TestStandardMountsIncludesUserBinds(t *testing.T) {
	opts := CreateOpts{Binds: []BindMount{{Source: "/host/data", Target: "/data", Readonly: true}}}
	mounts := standardMounts(opts)
	var found bool
	for _, m := range mounts {
		if m.Destination == "/data" {
			found = true
			assert.Contains(t, m.Options, "ro")
		}
	}
	assert.True(t, found)
}

func TestBuildSpecRoundTrip(t *testing.T) {
	opts := CreateOpts{
		ImageConfig: imagespec.ImageConfig{Entrypoint: []string{"/bin/echo"}, Cmd: []string{"hi"}},
		Hostname:    "test-host",
	}
	spec, err := buildSpec(opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/echo", "hi"}, spec.Process.Args)
	assert.Equal(t, "test-host", spec.Hostname)
	assert.Equal(t, rootfsDirName, spec.Root.Path)
}
