//go:build linux
// +build linux

// Package cgroups manages cgroup v2 resource limits: memory (memory.max,
// memory.swap.max), CPU (cpu.max), and pids (pids.max). Only the unified
// v2 hierarchy is supported; cgroup paths live under
// /sys/fs/cgroup/ross/<container-id>/, mirroring runc/containerd's layout.
package cgroups

import (
	"os"
	"strconv"
	"strings"
)

// CgroupConfig is a container's resource limit configuration, aligned with
// the cgroup v2 controller interfaces.
type CgroupConfig struct {
	// Memory is the memory limit in bytes (memory.max). 0 means unlimited.
	Memory int64 `json:"memory,omitempty"`

	// MemorySwap is the combined memory+swap limit in bytes, matching
	// Docker's --memory-swap semantics (total = memory + swap). cgroup v2
	// actually writes memory.swap.max (the swap-only ceiling), so this is
	// converted: swap.max = MemorySwap - Memory.
	//
	// -1 means unlimited swap (memory.swap.max = "max"); 0 means leave the
	// swap limit unset; >0 is the memory+swap total ceiling.
	MemorySwap int64 `json:"memorySwap,omitempty"`

	// CPUQuota is the CPU quota in microseconds per CPUPeriod (cpu.max's
	// quota part). 50000 with a 100000 period means 50% of one core. 0
	// means unlimited.
	CPUQuota int64 `json:"cpuQuota,omitempty"`

	// CPUPeriod is the CPU period in microseconds (cpu.max's period part).
	// Defaults to 100000 (100ms).
	CPUPeriod int64 `json:"cpuPeriod,omitempty"`

	// PidsLimit is the process count limit (pids.max). 0 means unlimited.
	PidsLimit int64 `json:"pidsLimit,omitempty"`
}

// IsEmpty reports whether no resource limit is configured.
func (c *CgroupConfig) IsEmpty() bool {
	if c == nil {
		return true
	}
	return c.Memory == 0 && c.MemorySwap == 0 &&
		c.CPUQuota == 0 && c.PidsLimit == 0
}

// Manager is the cgroup management interface. Only v2 is implemented.
type Manager interface {
	// Create creates the cgroup directory and applies resource limits.
	// cgroupPath is relative to the cgroup root, e.g. "ross/<container-id>".
	Create(cgroupPath string, config *CgroupConfig) error

	// Apply joins pid to the cgroup.
	Apply(cgroupPath string, pid int) error

	// Update changes a running container's resource limits.
	Update(cgroupPath string, config *CgroupConfig) error

	// Destroy removes the cgroup, for cleanup on container exit.
	Destroy(cgroupPath string) error

	// GetStats reads cgroup statistics, for inspect/monitoring.
	GetStats(cgroupPath string) (*Stats, error)

	// GetPath returns the cgroup's full filesystem path.
	GetPath(cgroupPath string) string
}

// Stats holds cgroup statistics, for inspect/monitoring.
type Stats struct {
	MemoryUsage   int64 `json:"memoryUsage"`
	MemoryLimit   int64 `json:"memoryLimit"`
	MemoryMaxUsed int64 `json:"memoryMaxUsed,omitempty"`

	CPUUsage int64 `json:"cpuUsage"` // nanoseconds

	PidsCount int64 `json:"pidsCount"`
	PidsLimit int64 `json:"pidsLimit"`

	OOMKillCount int64 `json:"oomKillCount,omitempty"`

	// BlockIOBytes is the combined read+write byte count across every
	// device the cgroup has done I/O against (io.stat's rbytes+wbytes).
	BlockIOBytes int64 `json:"blockIOBytes,omitempty"`
}

// NewManager detects the local cgroup version and returns a matching
// Manager. Only v2 is currently supported.
func NewManager() (Manager, error) {
	return NewV2Manager()
}

func writeFile(path, value string) error {
	return os.WriteFile(path, []byte(value), 0644)
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func readInt64(path string) (int64, error) {
	data, err := readFile(path)
	if err != nil {
		return 0, err
	}
	data = strings.TrimSpace(data)
	return strconv.ParseInt(data, 10, 64)
}
