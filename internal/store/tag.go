package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	digest "github.com/opencontainers/go-digest"

	"ross/internal/rerrors"
	"ross/pkg/fileutil"
)

// SetTag points repository:tag at d, returning the digest it previously
// pointed at, if any. SetTag does not verify that d names a stored
// manifest — callers resolve and store the manifest first.
func (s *Store) SetTag(repository, tag string, d digest.Digest) (*digest.Digest, error) {
	s.tagMu.Lock()
	defer s.tagMu.Unlock()

	path := s.tagPath(repository, tag)
	var prior *digest.Digest
	if existing, err := readTagRecord(path); err == nil {
		prev := existing.digest()
		prior = &prev
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if err := fileutil.EnsureParentDir(path, 0o755); err != nil {
		return nil, err
	}
	rec := tagRecord{
		DigestAlgorithm: d.Algorithm().String(),
		DigestHash:      d.Encoded(),
		UpdatedAt:       time.Now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := fileutil.AtomicWriteFile(path, data, 0o644); err != nil {
		return nil, err
	}
	return prior, nil
}

// ResolveTag returns the digest and manifest media type repository:tag
// currently points at.
func (s *Store) ResolveTag(repository, tag string) (digest.Digest, string, error) {
	rec, err := readTagRecord(s.tagPath(repository, tag))
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", fmt.Errorf("%w: %s:%s", rerrors.ErrTagNotFound, repository, tag)
		}
		return "", "", err
	}
	d := rec.digest()
	_, mediaType, err := s.GetManifest(d)
	if err != nil {
		return "", "", err
	}
	return d, mediaType, nil
}

// ListTags returns every tag in repository, sorted by name.
func (s *Store) ListTags(repository string) ([]TagInfo, error) {
	entries, err := dirEntries(s.repoDir(repository))
	if err != nil {
		return nil, err
	}
	out := make([]TagInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		rec, err := readTagRecord(s.tagPath(repository, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, TagInfo{Tag: e.Name(), Digest: rec.digest(), UpdatedAt: rec.UpdatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out, nil
}

// DeleteTag removes repository:tag. Returns false if it did not exist.
func (s *Store) DeleteTag(repository, tag string) (bool, error) {
	s.tagMu.Lock()
	defer s.tagMu.Unlock()

	err := os.Remove(s.tagPath(repository, tag))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func readTagRecord(path string) (tagRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tagRecord{}, err
	}
	var rec tagRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return tagRecord{}, err
	}
	return rec, nil
}
