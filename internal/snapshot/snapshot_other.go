//go:build !linux

package snapshot

import (
	"fmt"
	"io"
	"runtime"
)

// Snapshotter is a stub on non-Linux platforms: overlay and flat-rootfs
// extraction both depend on Linux-only syscalls (mount, mknod, xattrs).
type Snapshotter struct{}

func unsupported() error {
	return fmt.Errorf("snapshotter is only supported on Linux (current: %s)", runtime.GOOS)
}

func New(root string, useOverlay bool) (*Snapshotter, error) { return nil, unsupported() }

func (s *Snapshotter) Prepare(key, parent string, labels map[string]string) ([]Mount, error) {
	return nil, unsupported()
}
func (s *Snapshotter) View(key, parent string, labels map[string]string) ([]Mount, error) {
	return nil, unsupported()
}
func (s *Snapshotter) Commit(name, activeKey string, labels map[string]string) error {
	return unsupported()
}
func (s *Snapshotter) Remove(key string) error                  { return unsupported() }
func (s *Snapshotter) Mounts(key string) ([]Mount, error)        { return nil, unsupported() }
func (s *Snapshotter) Stat(key string) (Info, error)              { return Info{}, unsupported() }
func (s *Snapshotter) List(parentFilter string) ([]Info, error)   { return nil, unsupported() }
func (s *Snapshotter) Usage(key string) (int64, int64, error)     { return 0, 0, unsupported() }
func (s *Snapshotter) Cleanup() (int64, error)                    { return 0, unsupported() }
func (s *Snapshotter) ExtractLayer(blob io.Reader, parentKey, committedKey string, labels map[string]string) (string, int64, error) {
	return "", 0, unsupported()
}
