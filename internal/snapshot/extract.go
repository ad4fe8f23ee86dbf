//go:build linux

package snapshot

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"ross/internal/rerrors"
	"ross/pkg/idutil"
)

const (
	whiteoutPrefix = ".wh."
	opaqueWhiteout = ".wh..wh..opq"

	overlayOpaqueXattr = "trusted.overlay.opaque"
	overlayOpaqueValue = "y"
)

// ExtractLayer prepares a temporary Active snapshot with the given
// parent, decompresses and extracts a gzip-tar layer blob into that
// snapshot's fs/, applies OCI whiteout semantics, and commits the result
// under committedKey. On any error the temporary snapshot is discarded.
//
// committedKey is content-derived, so two pulls sharing a layer (e.g. two
// tags of the same image) can call this concurrently with the same
// committedKey. tempKey is given a per-call unique suffix so the two
// extractions never touch the same working directory; if this call loses
// the race to commit, the already-committed result is reused instead of
// treated as a failure.
func (s *Snapshotter) ExtractLayer(blob io.Reader, parentKey, committedKey string, labels map[string]string) (string, int64, error) {
	if _, err := s.Stat(committedKey); err == nil {
		return committedKey, 0, nil
	}

	tempKey := committedKey + "-extract-" + idutil.GenerateID()
	defer s.Remove(tempKey) // no-op once committed; reclaims the work dir otherwise

	if _, err := s.Prepare(tempKey, parentKey, labels); err != nil {
		return "", 0, fmt.Errorf("prepare extraction snapshot: %w", err)
	}

	bytesExtracted, err := extractGzipTar(blob, s.fsDir(tempKey))
	if err != nil {
		return "", 0, err
	}

	if err := s.Commit(committedKey, tempKey, labels); err != nil {
		if errors.Is(err, rerrors.ErrAlreadyExists) {
			return committedKey, bytesExtracted, nil
		}
		return "", 0, fmt.Errorf("commit extracted layer: %w", err)
	}
	return committedKey, bytesExtracted, nil
}

func extractGzipTar(r io.Reader, destDir string) (int64, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("%w: not a gzip stream: %v", rerrors.ErrSerialization, err)
	}
	defer gz.Close()

	return extractTar(tar.NewReader(gz), destDir)
}

func extractTar(tr *tar.Reader, destDir string) (int64, error) {
	var total int64
	cleanRoot := filepath.Clean(destDir)

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, fmt.Errorf("read tar entry: %w", err)
		}

		cleanName := filepath.Clean(header.Name)
		if strings.HasPrefix(cleanName, "..") || filepath.IsAbs(cleanName) {
			return total, fmt.Errorf("%w: %s", rerrors.ErrMaliciousArchive, header.Name)
		}
		target := filepath.Join(destDir, cleanName)
		if target != cleanRoot && !strings.HasPrefix(target, cleanRoot+string(os.PathSeparator)) {
			return total, fmt.Errorf("%w: %s", rerrors.ErrMaliciousArchive, header.Name)
		}

		baseName := filepath.Base(cleanName)
		if baseName == opaqueWhiteout {
			opaqueDir := filepath.Dir(target)
			if err := os.MkdirAll(opaqueDir, 0o755); err != nil {
				return total, err
			}
			if err := unix.Setxattr(opaqueDir, overlayOpaqueXattr, []byte(overlayOpaqueValue), 0); err != nil {
				return total, fmt.Errorf("set opaque xattr on %s: %w", opaqueDir, err)
			}
			continue
		}
		if strings.HasPrefix(baseName, whiteoutPrefix) {
			deleted := strings.TrimPrefix(baseName, whiteoutPrefix)
			if deleted == "" {
				return total, fmt.Errorf("%w: invalid whiteout entry %s", rerrors.ErrMaliciousArchive, header.Name)
			}
			deletedPath := filepath.Join(filepath.Dir(target), deleted)
			if err := writeWhiteoutMarker(deletedPath); err != nil {
				return total, fmt.Errorf("write whiteout marker for %s: %w", header.Name, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return total, fmt.Errorf("create parent directory for %s: %w", cleanName, err)
		}

		n, err := writeTarEntry(tr, target, header, destDir)
		if err != nil {
			return total, fmt.Errorf("extract %s: %w", cleanName, err)
		}
		total += n
	}
	return total, nil
}

// writeWhiteoutMarker represents an OCI ".wh.<name>" deletion marker as the
// overlayfs on-disk convention: a character device at major/minor 0/0 with
// the real (non-".wh."-prefixed) name. overlayfs interprets this as "hide
// <name> from lower layers" when the directory is later mounted as a
// lowerdir; the flat-rootfs backend interprets the same marker itself
// during its copy (see copyLayerInto).
func writeWhiteoutMarker(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	_ = os.RemoveAll(path)
	mode := uint32(unix.S_IFCHR | 0o600)
	return unix.Mknod(path, mode, int(unix.Mkdev(0, 0)))
}

func writeTarEntry(tr *tar.Reader, target string, header *tar.Header, destDir string) (int64, error) {
	switch header.Typeflag {
	case tar.TypeDir:
		return 0, os.MkdirAll(target, os.FileMode(header.Mode))

	case tar.TypeReg, tar.TypeRegA:
		os.Remove(target)
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
		if err != nil {
			return 0, err
		}
		n, copyErr := io.Copy(f, tr)
		closeErr := f.Close()
		if copyErr != nil {
			return n, copyErr
		}
		if closeErr != nil {
			return n, closeErr
		}
		_ = os.Chtimes(target, header.AccessTime, header.ModTime) // best-effort; absent on some filesystems
		return n, nil

	case tar.TypeSymlink:
		os.Remove(target)
		return 0, os.Symlink(header.Linkname, target)

	case tar.TypeLink:
		linkTarget := filepath.Join(destDir, filepath.Clean(header.Linkname))
		os.Remove(target)
		return 0, os.Link(linkTarget, target)

	case tar.TypeFifo:
		os.Remove(target)
		return 0, unix.Mkfifo(target, uint32(header.Mode))

	case tar.TypeChar, tar.TypeBlock:
		// Real device nodes inside an image layer (distinct from whiteout
		// markers, already handled above) are skipped: containers get a
		// minimal /dev from the runtime's own device allowlist, not from
		// layer content.
		return 0, nil

	default:
		return 0, nil
	}
}
