//go:build !linux
// +build !linux

package cgroups

import "fmt"

const (
	DefaultCgroupRoot = "/sys/fs/cgroup"
	CgroupPrefix      = "ross"
)

// IsCgroupV2 always returns false on non-Linux platforms.
func IsCgroupV2() bool {
	return false
}

// DetectCgroupV2Root returns an error: cgroups require Linux.
func DetectCgroupV2Root() (string, error) {
	return "", fmt.Errorf("cgroups are only supported on Linux")
}

// GetAvailableControllers returns an error: cgroups require Linux.
func GetAvailableControllers(root string) ([]string, error) {
	return nil, fmt.Errorf("cgroups are only supported on Linux")
}

// CheckRequiredControllers returns an error: cgroups require Linux.
func CheckRequiredControllers(root string, config *CgroupConfig) error {
	return fmt.Errorf("cgroups are only supported on Linux")
}

// GetCgroupPath returns a container's cgroup path relative to the cgroup
// root: ross/<container-id>.
func GetCgroupPath(containerID string) string {
	return CgroupPrefix + "/" + containerID
}
