//go:build !linux
// +build !linux

package cgroups

import "fmt"

// V2Manager is the non-Linux stub implementation of cgroup v2 management.
type V2Manager struct {
	root string
}

// NewV2Manager returns an error: cgroup v2 requires Linux.
func NewV2Manager() (*V2Manager, error) {
	return nil, fmt.Errorf("cgroup v2 is only supported on Linux")
}

func (m *V2Manager) Create(cgroupPath string, config *CgroupConfig) error {
	return fmt.Errorf("cgroups are only supported on Linux")
}

func (m *V2Manager) Apply(cgroupPath string, pid int) error {
	return fmt.Errorf("cgroups are only supported on Linux")
}

func (m *V2Manager) Update(cgroupPath string, config *CgroupConfig) error {
	return fmt.Errorf("cgroups are only supported on Linux")
}

func (m *V2Manager) Destroy(cgroupPath string) error {
	return fmt.Errorf("cgroups are only supported on Linux")
}

func (m *V2Manager) GetStats(cgroupPath string) (*Stats, error) {
	return nil, fmt.Errorf("cgroups are only supported on Linux")
}

func (m *V2Manager) GetPath(cgroupPath string) string {
	return ""
}
