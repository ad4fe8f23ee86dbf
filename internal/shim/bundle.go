//go:build linux

package shim

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const (
	bundleDirName    = "bundle"
	rootfsDirName    = "rootfs"
	configFileName   = "config.json"
	metadataFileName = "metadata.json"
	pidFileName      = "pid"
	consoleSockName  = "console.sock"
	stdoutLogName    = "stdout.log"
	stderrLogName    = "stderr.log"
)

func (s *Shim) containerDir(id string) string  { return filepath.Join(s.root, id) }
func (s *Shim) bundleDir(id string) string      { return filepath.Join(s.containerDir(id), bundleDirName) }
func (s *Shim) rootfsDir(id string) string      { return filepath.Join(s.bundleDir(id), rootfsDirName) }
func (s *Shim) configPath(id string) string     { return filepath.Join(s.bundleDir(id), configFileName) }
func (s *Shim) metadataPath(id string) string   { return filepath.Join(s.containerDir(id), metadataFileName) }
func (s *Shim) pidFilePath(id string) string    { return filepath.Join(s.bundleDir(id), pidFileName) }
func (s *Shim) consoleSockPath(id string) string { return filepath.Join(s.bundleDir(id), consoleSockName) }
func (s *Shim) stdoutLogPath(id string) string  { return filepath.Join(s.bundleDir(id), stdoutLogName) }
func (s *Shim) stderrLogPath(id string) string  { return filepath.Join(s.bundleDir(id), stderrLogName) }

func (s *Shim) createBundle(id string) error {
	if err := os.MkdirAll(s.rootfsDir(id), 0o755); err != nil {
		return fmt.Errorf("create bundle rootfs: %w", err)
	}
	return nil
}

// applyMounts realizes the Snapshotter's mount description at the
// bundle's rootfs, one mount(2) call per mount. This is the one place in
// the module that actually calls unix.Mount on a Snapshotter-produced
// Mount: the Snapshotter itself only describes the merge, the
// Shim (as the component that owns the bundle the runtime will chroot
// into) performs it.
func applyMounts(target string, mounts []Mount) error {
	for _, m := range mounts {
		switch m.Type {
		case "bind":
			if err := unix.Mount(m.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
				return fmt.Errorf("bind mount %s onto %s: %w", m.Source, target, err)
			}
			if hasOption(m.Options, "ro") {
				if err := unix.Mount("", target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
					return fmt.Errorf("remount %s readonly: %w", target, err)
				}
			}
		case "overlay":
			data := joinOptions(m.Options)
			if err := unix.Mount("overlay", target, "overlay", 0, data); err != nil {
				return fmt.Errorf("mount overlay at %s (options: %s): %w", target, data, err)
			}
		default:
			return fmt.Errorf("unsupported mount type: %s", m.Type)
		}
	}
	return nil
}

// unmountBundle unmounts a bundle's rootfs, retrying with MNT_DETACH if
// the mount is busy.
func unmountBundle(target string) error {
	if !isMounted(target) {
		return nil
	}
	if err := unix.Unmount(target, 0); err != nil {
		if err == unix.EBUSY {
			return unix.Unmount(target, unix.MNT_DETACH)
		}
		return fmt.Errorf("unmount %s: %w", target, err)
	}
	return nil
}

func isMounted(path string) bool {
	pathStat, err := os.Stat(path)
	if err != nil {
		return false
	}
	parentStat, err := os.Stat(filepath.Dir(path))
	if err != nil {
		return false
	}
	pathSys, ok := pathStat.Sys().(*unix.Stat_t)
	if !ok {
		return false
	}
	parentSys, ok := parentStat.Sys().(*unix.Stat_t)
	if !ok {
		return false
	}
	return pathSys.Dev != parentSys.Dev
}

func hasOption(options []string, want string) bool {
	for _, o := range options {
		if o == want {
			return true
		}
	}
	return false
}

func joinOptions(options []string) string {
	out := ""
	for i, o := range options {
		if i > 0 {
			out += ","
		}
		out += o
	}
	return out
}
