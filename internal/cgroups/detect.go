//go:build linux
// +build linux

package cgroups

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultCgroupRoot is cgroup v2's default mount point.
	DefaultCgroupRoot = "/sys/fs/cgroup"

	// CgroupPrefix is the cgroup path prefix this runtime's containers
	// live under.
	CgroupPrefix = "ross"
)

// IsCgroupV2 reports whether the system is running cgroup v2 (the unified
// hierarchy), detected by the presence of cgroup.controllers at the root
// mount point — the defining file of the v2 layout.
func IsCgroupV2() bool {
	_, err := os.Stat(filepath.Join(DefaultCgroupRoot, "cgroup.controllers"))
	return err == nil
}

// DetectCgroupV2Root detects the cgroup v2 mount point (usually
// /sys/fs/cgroup), returning an error if the system doesn't support it.
func DetectCgroupV2Root() (string, error) {
	if !IsCgroupV2() {
		return "", fmt.Errorf("system does not support cgroup v2 (unified hierarchy); " +
			"cgroup v2 is required for resource limits; " +
			"see https://wiki.archlinux.org/title/Cgroup for migration guide")
	}

	if err := verifyCgroup2Mount(DefaultCgroupRoot); err != nil {
		return "", err
	}

	return DefaultCgroupRoot, nil
}

func verifyCgroup2Mount(path string) error {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return fmt.Errorf("open /proc/mounts: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 3 {
			mountPoint := fields[1]
			fsType := fields[2]
			if mountPoint == path && fsType == "cgroup2" {
				return nil
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read /proc/mounts: %w", err)
	}

	return fmt.Errorf("%s is not a cgroup2 mount", path)
}

// GetAvailableControllers returns the controllers available at root, read
// from its cgroup.controllers file.
func GetAvailableControllers(root string) ([]string, error) {
	controllersPath := filepath.Join(root, "cgroup.controllers")
	data, err := os.ReadFile(controllersPath)
	if err != nil {
		return nil, fmt.Errorf("read cgroup.controllers: %w", err)
	}

	controllers := strings.Fields(string(data))
	return controllers, nil
}

// CheckRequiredControllers verifies that every controller config's limits
// need is available at root.
func CheckRequiredControllers(root string, config *CgroupConfig) error {
	if config == nil || config.IsEmpty() {
		return nil
	}

	controllers, err := GetAvailableControllers(root)
	if err != nil {
		return err
	}

	controllerSet := make(map[string]bool)
	for _, c := range controllers {
		controllerSet[c] = true
	}

	if config.Memory > 0 || config.MemorySwap != 0 {
		if !controllerSet["memory"] {
			return fmt.Errorf("memory controller not available; " +
				"ensure 'memory' is in cgroup.controllers")
		}
	}

	if config.CPUQuota > 0 {
		if !controllerSet["cpu"] {
			return fmt.Errorf("cpu controller not available; " +
				"ensure 'cpu' is in cgroup.controllers")
		}
	}

	if config.PidsLimit > 0 {
		if !controllerSet["pids"] {
			return fmt.Errorf("pids controller not available; " +
				"ensure 'pids' is in cgroup.controllers")
		}
	}

	return nil
}

// GetCgroupPath returns a container's cgroup path relative to the cgroup
// root: ross/<container-id>.
func GetCgroupPath(containerID string) string {
	return filepath.Join(CgroupPrefix, containerID)
}
