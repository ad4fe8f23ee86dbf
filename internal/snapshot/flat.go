//go:build linux

package snapshot

import (
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const mergedDirName = "merged"

// flatMountSpec implements the §4.3.5 fallback for hosts without overlay
// support: walk the parent chain bottom-up, copying each layer's fs/ into
// a private directory and applying whiteouts as they're encountered, then
// return a single bind mount of the result. Unlike the overlay backend,
// this one performs real I/O at prepare time, since there is no kernel
// union view to defer the merge to.
func flatMountSpec(s *Snapshotter, key string, info *Info, parentChain []*Info) ([]Mount, error) {
	mergedDir := filepath.Join(s.snapshotDir(key), mergedDirName)
	if err := os.RemoveAll(mergedDir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(mergedDir, 0o755); err != nil {
		return nil, err
	}

	// Copy bottom (root ancestor) to top (immediate parent) so later
	// copies' whiteouts correctly shadow earlier content.
	for i := len(parentChain) - 1; i >= 0; i-- {
		if err := copyLayerInto(s.fsDir(parentChain[i].Key), mergedDir); err != nil {
			return nil, err
		}
	}
	if info.Kind == KindActive || info.Kind == KindCommitted {
		// The snapshot's own fs/ (an active snapshot's writable layer, or a
		// committed layer's content) is the top layer; copy it in last so
		// its files and whiteouts shadow the parents' content.
		if err := copyLayerInto(s.fsDir(key), mergedDir); err != nil {
			return nil, err
		}
	}

	return []Mount{{
		Type:    "bind",
		Source:  mergedDir,
		Options: []string{"rw", "rbind"},
	}}, nil
}

// copyLayerInto copies srcDir's tree into dstDir, interpreting the
// overlayfs whiteout convention written by ExtractLayer: a character
// device at rdev 0/0 deletes the entry of the same name, and the
// "trusted.overlay.opaque" xattr on a directory discards everything
// already copied into the matching destination directory.
func copyLayerInto(srcDir, dstDir string) error {
	if _, err := os.Stat(srcDir); os.IsNotExist(err) {
		return nil
	}
	return filepath.Walk(srcDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dstDir, rel)

		if isWhiteoutDevice(fi) {
			return os.RemoveAll(target)
		}

		switch {
		case fi.IsDir():
			if err := os.MkdirAll(target, fi.Mode()); err != nil {
				return err
			}
			if isOpaqueDir(path) {
				if err := os.RemoveAll(target); err != nil {
					return err
				}
				return os.MkdirAll(target, fi.Mode())
			}
			return nil
		case fi.Mode()&os.ModeSymlink != 0:
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			os.Remove(target)
			return os.Symlink(linkTarget, target)
		default:
			return copyRegularFile(path, target, fi.Mode())
		}
	})
}

func copyRegularFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	os.Remove(dst)
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// isWhiteoutDevice reports whether fi is the character-device 0/0 marker
// ExtractLayer writes for a regular (non-opaque) whiteout.
func isWhiteoutDevice(fi os.FileInfo) bool {
	if fi.Mode()&os.ModeCharDevice == 0 {
		return false
	}
	sys, ok := fi.Sys().(*unix.Stat_t)
	if !ok {
		return false
	}
	return sys.Rdev == 0
}

// isOpaqueDir reports whether path carries the overlay opaque-directory
// xattr ExtractLayer sets for ".wh..wh..opq" marker entries.
func isOpaqueDir(path string) bool {
	buf := make([]byte, 8)
	n, err := unix.Getxattr(path, overlayOpaqueXattr, buf)
	return err == nil && n > 0
}
