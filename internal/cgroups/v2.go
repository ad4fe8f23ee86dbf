//go:build linux
// +build linux

package cgroups

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// V2Manager implements cgroup v2 management.
type V2Manager struct {
	// root is the cgroup v2 unified mount point, usually /sys/fs/cgroup.
	root string
}

// NewV2Manager builds a cgroup v2 manager.
func NewV2Manager() (*V2Manager, error) {
	root, err := DetectCgroupV2Root()
	if err != nil {
		return nil, err
	}
	return &V2Manager{root: root}, nil
}

// Create creates the cgroup directory at cgroupPath and applies config.
func (m *V2Manager) Create(cgroupPath string, config *CgroupConfig) error {
	fullPath := filepath.Join(m.root, cgroupPath)

	// A directory left over from a previous run; try to clean it up.
	if _, err := os.Stat(fullPath); err == nil {
		if err := m.Destroy(cgroupPath); err != nil {
			return fmt.Errorf("cgroup %s already exists and cannot be removed: %w", cgroupPath, err)
		}
	}

	// Check required controllers against the root cgroup before anything else.
	if err := CheckRequiredControllers(m.root, config); err != nil {
		return err
	}

	// Ensure the parent directory exists and has the needed controllers
	// delegated via cgroup.subtree_control.
	parentPath := filepath.Dir(fullPath)
	if err := m.ensureParentControllers(parentPath, config); err != nil {
		return fmt.Errorf("enable parent controllers: %w", err)
	}

	if err := os.MkdirAll(fullPath, 0755); err != nil {
		return fmt.Errorf("create cgroup directory: %w", err)
	}

	if err := m.applyConfig(fullPath, config); err != nil {
		_ = os.Remove(fullPath)
		return err
	}

	return nil
}

// ensureParentControllers ensures the parent cgroups have the controllers
// this config needs enabled in their cgroup.subtree_control.
//
// cgroup v2 requires a controller to be enabled in the parent's
// subtree_control before a child cgroup can use it.
func (m *V2Manager) ensureParentControllers(parentPath string, config *CgroupConfig) error {
	if config == nil || config.IsEmpty() {
		return nil
	}

	if err := os.MkdirAll(parentPath, 0755); err != nil {
		return fmt.Errorf("create parent cgroup: %w", err)
	}

	var controllers []string
	if config.Memory > 0 || config.MemorySwap != 0 {
		controllers = append(controllers, "memory")
	}
	if config.CPUQuota > 0 {
		controllers = append(controllers, "cpu")
	}
	if config.PidsLimit > 0 {
		controllers = append(controllers, "pids")
	}

	if len(controllers) == 0 {
		return nil
	}

	// Enable controllers at every level from root down to parentPath
	// inclusive — parentPath itself must also have them enabled.
	rel, err := filepath.Rel(m.root, parentPath)
	if err != nil {
		return fmt.Errorf("get relative path: %w", err)
	}

	paths := []string{m.root}
	if rel != "." {
		currentPath := m.root
		for _, part := range strings.Split(rel, string(filepath.Separator)) {
			if part == "" || part == "." {
				continue
			}
			currentPath = filepath.Join(currentPath, part)
			paths = append(paths, currentPath)
		}
	}

	for _, p := range paths {
		subtreeControlPath := filepath.Join(p, "cgroup.subtree_control")

		data, err := os.ReadFile(subtreeControlPath)
		if err != nil {
			return fmt.Errorf("read %s: %w", subtreeControlPath, err)
		}

		enabled := make(map[string]bool)
		for _, c := range strings.Fields(string(data)) {
			enabled[c] = true
		}

		for _, c := range controllers {
			if enabled[c] {
				continue
			}
			if err := writeFile(subtreeControlPath, "+"+c); err != nil {
				return fmt.Errorf("enable controller %q in %s: %w", c, subtreeControlPath, err)
			}
		}
	}

	return nil
}

// applyConfig writes the resource limit files for config.
func (m *V2Manager) applyConfig(cgroupPath string, config *CgroupConfig) error {
	if config == nil || config.IsEmpty() {
		return nil
	}

	if config.Memory > 0 {
		memoryMaxPath := filepath.Join(cgroupPath, "memory.max")
		if err := writeFile(memoryMaxPath, strconv.FormatInt(config.Memory, 10)); err != nil {
			return fmt.Errorf("set memory.max: %w", err)
		}
	}

	if config.MemorySwap != 0 {
		memorySwapMaxPath := filepath.Join(cgroupPath, "memory.swap.max")
		var value string
		if config.MemorySwap == -1 {
			value = "max"
		} else {
			// MemorySwap is the memory+swap total ceiling (Docker's
			// --memory-swap semantics); cgroup v2 wants the swap-only
			// ceiling: swap.max = total - memory.
			swapLimit := config.MemorySwap - config.Memory
			if swapLimit < 0 {
				return fmt.Errorf("invalid memory-swap (%d) < memory (%d)", config.MemorySwap, config.Memory)
			}
			value = strconv.FormatInt(swapLimit, 10)
		}
		if err := writeFile(memorySwapMaxPath, value); err != nil {
			return fmt.Errorf("set memory.swap.max: %w", err)
		}
	}

	if config.CPUQuota > 0 {
		cpuMaxPath := filepath.Join(cgroupPath, "cpu.max")
		period := config.CPUPeriod
		if period == 0 {
			period = 100000 // 100ms default
		}
		value := fmt.Sprintf("%d %d", config.CPUQuota, period)
		if err := writeFile(cpuMaxPath, value); err != nil {
			return fmt.Errorf("set cpu.max: %w", err)
		}
	}

	if config.PidsLimit > 0 {
		pidsMaxPath := filepath.Join(cgroupPath, "pids.max")
		if err := writeFile(pidsMaxPath, strconv.FormatInt(config.PidsLimit, 10)); err != nil {
			return fmt.Errorf("set pids.max: %w", err)
		}
	}

	return nil
}

// Apply joins pid to the cgroup.
func (m *V2Manager) Apply(cgroupPath string, pid int) error {
	fullPath := filepath.Join(m.root, cgroupPath)
	procsPath := filepath.Join(fullPath, "cgroup.procs")

	if err := writeFile(procsPath, strconv.Itoa(pid)); err != nil {
		return fmt.Errorf("add process %d to cgroup: %w", pid, err)
	}

	return nil
}

// Update rewrites a running container's resource limit files.
func (m *V2Manager) Update(cgroupPath string, config *CgroupConfig) error {
	fullPath := filepath.Join(m.root, cgroupPath)

	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		return fmt.Errorf("cgroup %s does not exist", cgroupPath)
	}

	return m.applyConfig(fullPath, config)
}

// Destroy removes the cgroup.
func (m *V2Manager) Destroy(cgroupPath string) error {
	fullPath := filepath.Join(m.root, cgroupPath)

	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		return nil // already gone
	}

	procsPath := filepath.Join(fullPath, "cgroup.procs")
	if data, err := os.ReadFile(procsPath); err == nil {
		procs := strings.TrimSpace(string(data))
		if procs != "" {
			return fmt.Errorf("cgroup %s still has processes: %s", cgroupPath, procs)
		}
	}

	// A cgroup directory can only be removed once it has no processes and
	// no child cgroups.
	if err := os.Remove(fullPath); err != nil {
		return fmt.Errorf("remove cgroup: %w", err)
	}

	// Try to clean up the prefix parent directory too, ignoring errors —
	// other containers may still be using it.
	parentPath := filepath.Dir(fullPath)
	if filepath.Base(parentPath) == CgroupPrefix {
		_ = os.Remove(parentPath)
	}

	return nil
}

// GetStats reads cgroup statistics.
func (m *V2Manager) GetStats(cgroupPath string) (*Stats, error) {
	fullPath := filepath.Join(m.root, cgroupPath)

	stats := &Stats{}

	if data, err := os.ReadFile(filepath.Join(fullPath, "memory.current")); err == nil {
		stats.MemoryUsage, _ = strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}
	if data, err := os.ReadFile(filepath.Join(fullPath, "memory.max")); err == nil {
		value := strings.TrimSpace(string(data))
		if value != "max" {
			stats.MemoryLimit, _ = strconv.ParseInt(value, 10, 64)
		}
	}
	if data, err := os.ReadFile(filepath.Join(fullPath, "memory.peak")); err == nil {
		stats.MemoryMaxUsed, _ = strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}

	if data, err := os.ReadFile(filepath.Join(fullPath, "cpu.stat")); err == nil {
		// cpu.stat format: "usage_usec <value>" per line.
		scanner := bufio.NewScanner(strings.NewReader(string(data)))
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) >= 2 && fields[0] == "usage_usec" {
				usec, _ := strconv.ParseInt(fields[1], 10, 64)
				stats.CPUUsage = usec * 1000 // usec -> nsec
				break
			}
		}
	}

	if data, err := os.ReadFile(filepath.Join(fullPath, "pids.current")); err == nil {
		stats.PidsCount, _ = strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}
	if data, err := os.ReadFile(filepath.Join(fullPath, "pids.max")); err == nil {
		value := strings.TrimSpace(string(data))
		if value != "max" {
			stats.PidsLimit, _ = strconv.ParseInt(value, 10, 64)
		}
	}

	if data, err := os.ReadFile(filepath.Join(fullPath, "memory.events")); err == nil {
		scanner := bufio.NewScanner(strings.NewReader(string(data)))
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) >= 2 && fields[0] == "oom_kill" {
				stats.OOMKillCount, _ = strconv.ParseInt(fields[1], 10, 64)
				break
			}
		}
	}

	if data, err := os.ReadFile(filepath.Join(fullPath, "io.stat")); err == nil {
		// io.stat has one line per device: "<maj>:<min> rbytes=.. wbytes=.. ...".
		// Sum rbytes+wbytes across every device for a single combined total.
		for _, line := range strings.Split(string(data), "\n") {
			for _, field := range strings.Fields(line) {
				key, value, ok := strings.Cut(field, "=")
				if !ok {
					continue
				}
				if key == "rbytes" || key == "wbytes" {
					if n, err := strconv.ParseInt(value, 10, 64); err == nil {
						stats.BlockIOBytes += n
					}
				}
			}
		}
	}

	return stats, nil
}

// GetPath returns the cgroup's full filesystem path.
func (m *V2Manager) GetPath(cgroupPath string) string {
	return filepath.Join(m.root, cgroupPath)
}
