// Package store implements a content-addressable filesystem for blobs,
// manifests, and tags. Blob and manifest names are content-derived, so
// concurrent writers of the same content race to the same target path and
// the atomic rename in writeContentAddressed resolves the race
// deterministically. Tag writes are serialized by one store-wide mutex.
package store

import (
	"path/filepath"
	"sync"
	"time"

	digest "github.com/opencontainers/go-digest"

	"ross/internal/rlog"
)

const (
	blobsDir     = "blobs"
	manifestsDir = "manifests"
	tagsDir      = "tags"
	algoDirName  = "sha256"
)

// BlobInfo is the metadata sidecar stored alongside a blob or manifest.
type BlobInfo struct {
	MediaType  string    `json:"media_type"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
	AccessedAt time.Time `json:"accessed_at"`
}

// TagInfo describes one (tag, digest, updated_at) tuple from ListTags.
type TagInfo struct {
	Tag       string
	Digest    digest.Digest
	UpdatedAt time.Time
}

// tagRecord is the on-disk JSON shape of tags/<repo>/<tag>.
type tagRecord struct {
	DigestAlgorithm string    `json:"digest_algorithm"`
	DigestHash      string    `json:"digest_hash"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (r tagRecord) digest() digest.Digest {
	return digest.NewDigestFromEncoded(digest.Algorithm(r.DigestAlgorithm), r.DigestHash)
}

// Store is the content-addressable store. It owns everything under
// <root>/blobs, <root>/manifests, and <root>/tags; no other component
// writes to those trees.
type Store struct {
	root string

	// tagMu serializes every SetTag/DeleteTag call (one mutex for all
	// repositories and tags) so two concurrent writers can't corrupt the
	// same tag's JSON file.
	tagMu sync.Mutex
}

// New opens (creating if necessary) a Store rooted at root.
func New(root string) (*Store, error) {
	s := &Store{root: root}
	for _, dir := range []string{
		filepath.Join(root, blobsDir, algoDirName),
		filepath.Join(root, manifestsDir, algoDirName),
		filepath.Join(root, tagsDir),
	} {
		if err := ensureDir(dir); err != nil {
			return nil, err
		}
	}
	rlog.For("store").WithField("root", root).Debug("store opened")
	return s, nil
}

func (s *Store) blobPath(d digest.Digest) string {
	return filepath.Join(s.root, blobsDir, d.Algorithm().String(), d.Encoded())
}

func (s *Store) blobMetaPath(d digest.Digest) string {
	return s.blobPath(d) + ".meta"
}

func (s *Store) manifestPath(d digest.Digest) string {
	return filepath.Join(s.root, manifestsDir, d.Algorithm().String(), d.Encoded())
}

func (s *Store) manifestMetaPath(d digest.Digest) string {
	return s.manifestPath(d) + ".meta"
}

func (s *Store) tagPath(repository, tag string) string {
	return filepath.Join(s.root, tagsDir, repository, tag)
}

func (s *Store) repoDir(repository string) string {
	return filepath.Join(s.root, tagsDir, repository)
}

func (s *Store) blobsRoot() string {
	return filepath.Join(s.root, blobsDir, algoDirName)
}

func (s *Store) manifestsRoot() string {
	return filepath.Join(s.root, manifestsDir, algoDirName)
}

func (s *Store) tagsRoot() string {
	return filepath.Join(s.root, tagsDir)
}
