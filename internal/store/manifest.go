package store

import (
	"bytes"
	"fmt"
	"os"
	"time"

	digest "github.com/opencontainers/go-digest"

	"ross/internal/rerrors"
)

// PutManifest stores manifest content the same way PutBlob stores a blob,
// but under manifests/sha256/<hash> rather than blobs/sha256/<hash> — the
// separate tree keeps garbage_collect's manifest scan cheap, since it never
// has to distinguish manifests from layer blobs by content-sniffing.
func (s *Store) PutManifest(content []byte, mediaType string) (digest.Digest, int64, error) {
	d := digest.FromBytes(content)
	finalPath := s.manifestPath(d)
	_, size, err := writeContentAddressed(finalPath, bytes.NewReader(content), d)
	if err != nil {
		return "", 0, fmt.Errorf("put manifest: %w", err)
	}

	now := time.Now()
	meta := BlobInfo{MediaType: mediaType, Size: size, CreatedAt: now, AccessedAt: now}
	if existing, err := readMeta(s.manifestMetaPath(d), size, mediaType); err == nil {
		if _, statErr := os.Stat(finalPath); statErr == nil && !existing.CreatedAt.IsZero() {
			meta.CreatedAt = existing.CreatedAt
		}
	}
	if err := writeMeta(s.manifestMetaPath(d), meta); err != nil {
		return "", 0, fmt.Errorf("write manifest meta: %w", err)
	}
	return d, size, nil
}

// GetManifest returns a manifest's raw content and recorded media type.
func (s *Store) GetManifest(d digest.Digest) ([]byte, string, error) {
	data, err := os.ReadFile(s.manifestPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("%w: %s", rerrors.ErrManifestNotFound, d)
		}
		return nil, "", err
	}
	info, err := readMeta(s.manifestMetaPath(d), int64(len(data)), "")
	if err != nil {
		return nil, "", err
	}
	touchAccessed(s.manifestMetaPath(d), info)
	return data, info.MediaType, nil
}

// HasManifest reports whether a manifest with digest d is stored.
func (s *Store) HasManifest(d digest.Digest) bool {
	_, err := os.Stat(s.manifestPath(d))
	return err == nil
}

// DeleteManifest removes a manifest and its metadata sidecar. Returns false
// if it was already absent.
func (s *Store) DeleteManifest(d digest.Digest) (bool, error) {
	return deleteContentAddressed(s.manifestPath(d), s.manifestMetaPath(d))
}
