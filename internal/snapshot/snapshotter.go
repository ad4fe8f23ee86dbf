//go:build linux

package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ross/internal/rerrors"
	"ross/internal/rlog"
)

const (
	fsDirName   = "fs"
	workDirName = "work"
)

// Snapshotter composes committed layer snapshots into per-container mount
// specifications, backed by overlayfs when available and a copy-based
// flat rootfs otherwise.
type Snapshotter struct {
	root       string
	idx        *index
	useOverlay bool
}

// New opens a Snapshotter rooted at root, rebuilding its in-memory index
// from the on-disk metadata.json files under root. useOverlay selects the
// overlay backend; false selects the flat-rootfs fallback.
func New(root string, useOverlay bool) (*Snapshotter, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot root: %w", err)
	}
	idx, err := loadIndex(root)
	if err != nil {
		return nil, err
	}
	rlog.For("snapshot").WithField("root", root).WithField("overlay", useOverlay).Debug("snapshotter opened")
	return &Snapshotter{root: root, idx: idx, useOverlay: useOverlay}, nil
}

func (s *Snapshotter) snapshotDir(key string) string { return filepath.Join(s.root, key) }
func (s *Snapshotter) fsDir(key string) string       { return filepath.Join(s.snapshotDir(key), fsDirName) }
func (s *Snapshotter) workDir(key string) string     { return filepath.Join(s.snapshotDir(key), workDirName) }

// Prepare creates a writable (Active) snapshot. Fails with AlreadyExists if
// key is taken, ParentNotFound/ParentNotCommitted if parent is invalid.
func (s *Snapshotter) Prepare(key, parent string, labels map[string]string) ([]Mount, error) {
	return s.create(key, parent, labels, KindActive)
}

// View creates a read-only (View) snapshot: same parent validation as
// Prepare, but no work/ directory and no upperdir/workdir in the mount
// spec.
func (s *Snapshotter) View(key, parent string, labels map[string]string) ([]Mount, error) {
	return s.create(key, parent, labels, KindView)
}

func (s *Snapshotter) create(key, parent string, labels map[string]string, kind Kind) ([]Mount, error) {
	unlock := s.idx.lockKey(key)
	defer unlock()

	if _, exists := s.idx.get(key); exists {
		return nil, fmt.Errorf("%w: %s", rerrors.ErrAlreadyExists, key)
	}

	var chain []*Info
	if parent != "" {
		parentInfo, ok := s.idx.get(parent)
		if !ok {
			return nil, fmt.Errorf("%w: %s", rerrors.ErrParentNotFound, parent)
		}
		if err := validateParentCommitted(parentInfo); err != nil {
			return nil, err
		}
		fullChain, err := s.idx.chain(parent)
		if err != nil {
			return nil, err
		}
		chain = fullChain
	}

	now := time.Now()
	info := &Info{Key: key, Parent: parent, Kind: kind, Labels: labels, CreatedAt: now, UpdatedAt: now}

	if err := os.MkdirAll(s.fsDir(key), 0o755); err != nil {
		return nil, fmt.Errorf("create fs dir: %w", err)
	}
	if kind == KindActive {
		if err := os.MkdirAll(s.workDir(key), 0o755); err != nil {
			return nil, fmt.Errorf("create work dir: %w", err)
		}
	}
	if err := writeMetadata(s.snapshotDir(key), info); err != nil {
		os.RemoveAll(s.snapshotDir(key))
		return nil, fmt.Errorf("write metadata: %w", err)
	}

	s.idx.set(key, info)

	mounts, err := s.buildMounts(key, info, chain)
	if err != nil {
		return nil, err
	}
	return mounts, nil
}

func (s *Snapshotter) buildMounts(key string, info *Info, chain []*Info) ([]Mount, error) {
	if s.useOverlay {
		return overlayMountSpec(s, key, info, chain)
	}
	return flatMountSpec(s, key, info, chain)
}

// Commit renames activeKey's directory to name, merges labels (new keys
// win on collision), and marks it Committed.
func (s *Snapshotter) Commit(name, activeKey string, labels map[string]string) error {
	unlockActive := s.idx.lockKey(activeKey)
	defer unlockActive()
	unlockName := s.idx.lockKey(name)
	defer unlockName()

	info, ok := s.idx.get(activeKey)
	if !ok {
		return fmt.Errorf("%w: %s", rerrors.ErrSnapshotNotFound, activeKey)
	}
	if info.Kind != KindActive {
		return fmt.Errorf("%w: %s", rerrors.ErrSnapshotNotActive, activeKey)
	}
	if _, exists := s.idx.get(name); exists {
		return fmt.Errorf("%w: %s", rerrors.ErrAlreadyExists, name)
	}

	if err := os.Rename(s.snapshotDir(activeKey), s.snapshotDir(name)); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}

	merged := make(map[string]string, len(info.Labels)+len(labels))
	for k, v := range info.Labels {
		merged[k] = v
	}
	for k, v := range labels {
		merged[k] = v
	}

	committed := &Info{
		Key:       name,
		Parent:    info.Parent,
		Kind:      KindCommitted,
		Labels:    merged,
		CreatedAt: info.CreatedAt,
		UpdatedAt: time.Now(),
	}
	if err := writeMetadata(s.snapshotDir(name), committed); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	s.idx.rename(activeKey, name, committed)
	return nil
}

// Remove deletes key's directory tree and index entry. Fails with
// HasDependents if any snapshot names key as parent.
func (s *Snapshotter) Remove(key string) error {
	unlock := s.idx.lockKey(key)
	defer unlock()

	if _, ok := s.idx.get(key); !ok {
		return nil
	}
	if deps := s.idx.dependents(key); len(deps) > 0 {
		return fmt.Errorf("%w: %s depended on by %v", rerrors.ErrHasDependents, key, deps)
	}
	if err := os.RemoveAll(s.snapshotDir(key)); err != nil {
		return fmt.Errorf("remove snapshot directory: %w", err)
	}
	s.idx.delete(key)
	return nil
}

// Mounts returns key's mount specification without mutating anything.
func (s *Snapshotter) Mounts(key string) ([]Mount, error) {
	info, ok := s.idx.get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", rerrors.ErrSnapshotNotFound, key)
	}
	var chain []*Info
	if info.Parent != "" {
		c, err := s.idx.chain(info.Parent)
		if err != nil {
			return nil, err
		}
		chain = c
	}
	return s.buildMounts(key, info, chain)
}

// Stat returns key's metadata.
func (s *Snapshotter) Stat(key string) (Info, error) {
	info, ok := s.idx.get(key)
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", rerrors.ErrSnapshotNotFound, key)
	}
	return *info, nil
}

// List returns every snapshot, optionally filtered to those whose parent
// equals parentFilter (pass "" for no filter).
func (s *Snapshotter) List(parentFilter string) ([]Info, error) {
	all := s.idx.list()
	out := make([]Info, 0, len(all))
	for _, info := range all {
		if parentFilter != "" && info.Parent != parentFilter {
			continue
		}
		out = append(out, *info)
	}
	return out, nil
}

// Usage reports the bytes and inode count used by key's own fs/, not
// counting inherited parent content.
func (s *Snapshotter) Usage(key string) (bytesUsed int64, inodes int64, err error) {
	if _, ok := s.idx.get(key); !ok {
		return 0, 0, fmt.Errorf("%w: %s", rerrors.ErrSnapshotNotFound, key)
	}
	err = filepath.Walk(s.fsDir(key), func(path string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if fi.IsDir() {
			return nil
		}
		bytesUsed += fi.Size()
		inodes++
		return nil
	})
	if os.IsNotExist(err) {
		err = nil
	}
	return bytesUsed, inodes, err
}

// Cleanup scans root for child directories with no tracked in-memory
// entry and removes them, returning the bytes reclaimed.
func (s *Snapshotter) Cleanup() (int64, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	var freed int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, tracked := s.idx.get(e.Name()); tracked {
			continue
		}
		dir := filepath.Join(s.root, e.Name())
		size := dirSize(dir)
		if err := os.RemoveAll(dir); err != nil {
			return freed, fmt.Errorf("remove orphan snapshot %s: %w", e.Name(), err)
		}
		freed += size
	}
	return freed, nil
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !fi.IsDir() {
			total += fi.Size()
		}
		return nil
	})
	return total
}
