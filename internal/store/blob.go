package store

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	digest "github.com/opencontainers/go-digest"

	"ross/internal/rerrors"
)

// PutBlob computes the SHA-256 digest of data, verifies it against expected
// when non-empty, and stores the bytes under blobs/sha256/<hash>. Writing
// the same content twice is idempotent: the second write returns the same
// digest and size and leaves the stored bytes as they are; only the .meta
// sidecar is rewritten, keeping its original created-at time.
func (s *Store) PutBlob(mediaType string, data []byte, expected digest.Digest) (digest.Digest, int64, error) {
	d := digest.FromBytes(data)
	if expected != "" && expected != d {
		return "", 0, errDigestMismatch(expected, d)
	}

	finalPath := s.blobPath(d)
	_, size, err := writeContentAddressed(finalPath, bytes.NewReader(data), d)
	if err != nil {
		return "", 0, fmt.Errorf("put blob: %w", err)
	}

	now := time.Now()
	meta := BlobInfo{MediaType: mediaType, Size: size, CreatedAt: now, AccessedAt: now}
	if existing, err := readMeta(s.blobMetaPath(d), size, mediaType); err == nil {
		if _, statErr := os.Stat(finalPath); statErr == nil && !existing.CreatedAt.IsZero() {
			meta.CreatedAt = existing.CreatedAt
		}
	}
	if err := writeMeta(s.blobMetaPath(d), meta); err != nil {
		return "", 0, fmt.Errorf("write blob meta: %w", err)
	}
	return d, size, nil
}

// PutBlobStream stores the bytes read from r under blobs/sha256/<hash>
// without buffering the whole blob in memory first, for layer/config
// downloads where expected (from the manifest descriptor) is known before
// the first byte arrives. Like PutBlob, writing the same content twice is
// idempotent.
func (s *Store) PutBlobStream(mediaType string, r io.Reader, expected digest.Digest) (digest.Digest, int64, error) {
	if expected == "" {
		return "", 0, fmt.Errorf("put blob stream: expected digest required")
	}

	finalPath := s.blobPath(expected)
	d, size, err := writeContentAddressed(finalPath, r, expected)
	if err != nil {
		return "", 0, fmt.Errorf("put blob stream: %w", err)
	}

	now := time.Now()
	meta := BlobInfo{MediaType: mediaType, Size: size, CreatedAt: now, AccessedAt: now}
	if existing, err := readMeta(s.blobMetaPath(d), size, mediaType); err == nil {
		if _, statErr := os.Stat(finalPath); statErr == nil && !existing.CreatedAt.IsZero() {
			meta.CreatedAt = existing.CreatedAt
		}
	}
	if err := writeMeta(s.blobMetaPath(d), meta); err != nil {
		return "", 0, fmt.Errorf("write blob meta: %w", err)
	}
	return d, size, nil
}

// GetBlob reads length bytes starting at offset from the blob identified by
// d. length < 0 means "to EOF". It fails with ErrBlobNotFound if the blob is
// absent and ErrInvalidRange if offset is beyond EOF.
func (s *Store) GetBlob(d digest.Digest, offset int64, length int64) ([]byte, error) {
	f, err := os.Open(s.blobPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", rerrors.ErrBlobNotFound, d)
		}
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset > fi.Size() {
		return nil, fmt.Errorf("%w: offset %d beyond size %d", rerrors.ErrInvalidRange, offset, fi.Size())
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	if length < 0 {
		return io.ReadAll(f)
	}
	buf := make([]byte, length)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

// StatBlob returns blob metadata without reading content, updating
// last-accessed as a side effect. Returns ErrBlobNotFound if absent.
func (s *Store) StatBlob(d digest.Digest) (*BlobInfo, error) {
	size, err := fileSize(s.blobPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", rerrors.ErrBlobNotFound, d)
		}
		return nil, err
	}
	info, err := readMeta(s.blobMetaPath(d), size, "")
	if err != nil {
		return nil, err
	}
	touchAccessed(s.blobMetaPath(d), info)
	return &info, nil
}

// HasBlob reports whether a blob with digest d is stored.
func (s *Store) HasBlob(d digest.Digest) bool {
	_, err := os.Stat(s.blobPath(d))
	return err == nil
}

// DeleteBlob removes a blob and its metadata sidecar. The caller guarantees
// no reference remains; garbage_collect is the only internal caller.
// Returns false if the blob was already absent.
func (s *Store) DeleteBlob(d digest.Digest) (bool, error) {
	return deleteContentAddressed(s.blobPath(d), s.blobMetaPath(d))
}

func deleteContentAddressed(path, metaPath string) (bool, error) {
	err := os.Remove(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	_ = os.Remove(metaPath)
	return true, nil
}
