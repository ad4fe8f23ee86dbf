package store

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	digest "github.com/opencontainers/go-digest"

	"ross/internal/rerrors"
	"ross/pkg/fileutil"
)

func ensureDir(path string) error {
	return fileutil.EnsureDir(path, 0o755)
}

func errDigestMismatch(expected, actual digest.Digest) error {
	return fmt.Errorf("%w: expected %s, got %s", rerrors.ErrDigestMismatch, expected, actual)
}

// writeContentAddressed hashes r's bytes while copying them to finalPath,
// verifies the result against expected (if set), and atomically renames the
// temp file into place. If finalPath already exists the write is skipped —
// content-addressed storage makes repeat writes of the same bytes a no-op.
func writeContentAddressed(finalPath string, r io.Reader, expected digest.Digest) (digest.Digest, int64, error) {
	dir := filepath.Dir(finalPath)
	if err := ensureDir(dir); err != nil {
		return "", 0, err
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", 0, err
	}
	tmpPath := tmp.Name()
	removed := false
	defer func() {
		if !removed {
			os.Remove(tmpPath)
		}
	}()

	digester := digest.SHA256.Digester()
	size, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), r)
	syncErr := tmp.Sync()
	closeErr := tmp.Close()
	if err != nil {
		return "", 0, err
	}
	if syncErr != nil {
		return "", 0, syncErr
	}
	if closeErr != nil {
		return "", 0, closeErr
	}

	actual := digester.Digest()
	if expected != "" && expected != actual {
		return "", 0, errDigestMismatch(expected, actual)
	}

	if _, err := os.Stat(finalPath); err == nil {
		return actual, size, nil
	}

	if err := os.Chmod(tmpPath, 0o444); err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		if os.IsExist(err) {
			return actual, size, nil
		}
		return "", 0, err
	}
	removed = true
	return actual, size, nil
}

func writeMeta(path string, info BlobInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return fileutil.AtomicWriteFile(path, data, 0o644)
}

// readMeta loads a .meta sidecar, regenerating defaults if it is missing or
// corrupt rather than failing.
func readMeta(path string, fallbackSize int64, fallbackMediaType string) (BlobInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			now := time.Now()
			return BlobInfo{MediaType: fallbackMediaType, Size: fallbackSize, CreatedAt: now, AccessedAt: now}, nil
		}
		return BlobInfo{}, err
	}
	var info BlobInfo
	if err := json.Unmarshal(data, &info); err != nil {
		now := time.Now()
		return BlobInfo{MediaType: fallbackMediaType, Size: fallbackSize, CreatedAt: now, AccessedAt: now}, nil
	}
	return info, nil
}

func touchAccessed(path string, info BlobInfo) {
	info.AccessedAt = time.Now()
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	_ = fileutil.AtomicWriteFile(path, data, 0o644)
}

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// dirEntries lists dir's entries, or nil if dir does not exist yet.
func dirEntries(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return entries, nil
}

func joinAlgoDigest(algo, hex string) digest.Digest {
	return digest.NewDigestFromEncoded(digest.Algorithm(algo), hex)
}
