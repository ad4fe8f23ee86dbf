//go:build linux

package shim

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Stats streams cgroup-sourced samples for id at roughly 1 Hz until the
// container exits or ctx is cancelled.
func (s *Shim) Stats(ctx context.Context, id string) (<-chan Stats, error) {
	out := make(chan Stats, 8)

	go func() {
		defer close(out)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				meta, err := s.readMetadata(id)
				if err != nil || meta.State != StateRunning {
					return
				}
				cg, err := s.cgroupStats(id)
				if err != nil {
					continue
				}
				out <- cg
			}
		}
	}()

	return out, nil
}

func (s *Shim) cgroupStats(id string) (Stats, error) {
	if s.cgroupManager == nil {
		return Stats{}, fmt.Errorf("cgroup stats unavailable on this host")
	}
	raw, err := s.cgroupManager.GetStats(s.cgroupPath(id))
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		Timestamp:     time.Now(),
		CPUUsageNanos: raw.CPUUsage,
		MemoryUsage:   raw.MemoryUsage,
		MemoryLimit:   raw.MemoryLimit,
		PidsCount:     raw.PidsCount,
		BlockIOBytes:  raw.BlockIOBytes,
	}

	if meta, err := s.readMetadata(id); err == nil && meta.PID > 0 {
		rx, tx, err := readNetDevCounters(meta.PID)
		if err == nil {
			stats.NetworkRxBytes = rx
			stats.NetworkTxBytes = tx
		}
	}

	return stats, nil
}

// readNetDevCounters sums the receive and transmit byte counters across
// every non-loopback interface visible in pid's network namespace, read
// from /proc/<pid>/net/dev.
func readNetDevCounters(pid int) (rxBytes, txBytes int64, err error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/net/dev", pid))
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if lineNum <= 2 {
			continue // header lines
		}
		line := scanner.Text()
		iface, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.TrimSpace(iface) == "lo" {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 9 {
			continue
		}
		if n, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
			rxBytes += n
		}
		if n, err := strconv.ParseInt(fields[8], 10, 64); err == nil {
			txBytes += n
		}
	}
	if err := scanner.Err(); err != nil {
		return rxBytes, txBytes, err
	}
	return rxBytes, txBytes, nil
}
