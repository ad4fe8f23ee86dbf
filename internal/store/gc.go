package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"

	digest "github.com/opencontainers/go-digest"
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"

	"ross/internal/rlog"
)

// GCResult summarizes one garbage_collect run.
type GCResult struct {
	BlobsRemoved     int
	ManifestsRemoved int
	BytesFreed       int64
	DeletedDigests   []digest.Digest
}

// GarbageCollect performs mark-and-sweep reclamation: every digest reachable
// from a tag (manifest, its config blob, and its layer blobs) is marked
// live; everything else in blobs/ and manifests/ is swept. When
// deleteUntagged is false, every stored manifest is also marked live
// regardless of whether a tag references it, so only blobs unreachable from
// ANY manifest are removed — untagged manifests and their exclusive blobs
// survive. dryRun computes the result without deleting anything.
func (s *Store) GarbageCollect(ctx context.Context, dryRun, deleteUntagged bool) (GCResult, error) {
	log := rlog.For("store.gc")

	liveManifests := make(map[digest.Digest]struct{})
	liveBlobs := make(map[digest.Digest]struct{})

	// Repository names may contain "/", so tag files sit at any depth.
	err := filepath.WalkDir(s.tagsRoot(), func(path string, e fs.DirEntry, err error) error {
		if err != nil || e.IsDir() {
			return err
		}
		if rec, err := readTagRecord(path); err == nil {
			liveManifests[rec.digest()] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return GCResult{}, err
	}

	if !deleteUntagged {
		allManifests, err := s.allManifestDigests()
		if err != nil {
			return GCResult{}, err
		}
		for _, d := range allManifests {
			liveManifests[d] = struct{}{}
		}
	}

	for d := range liveManifests {
		if err := ctx.Err(); err != nil {
			return GCResult{}, err
		}
		refs, err := s.manifestReferences(d)
		if err != nil {
			log.WithError(err).WithField("digest", d).Warn("failed to parse manifest during gc, skipping its references")
			continue
		}
		for _, r := range refs {
			liveBlobs[r] = struct{}{}
		}
	}

	result := GCResult{}

	allBlobs, err := s.allBlobDigests()
	if err != nil {
		return GCResult{}, err
	}
	for _, d := range allBlobs {
		if _, ok := liveBlobs[d]; ok {
			continue
		}
		size, _ := fileSize(s.blobPath(d))
		result.BlobsRemoved++
		result.BytesFreed += size
		result.DeletedDigests = append(result.DeletedDigests, d)
		if !dryRun {
			if _, err := s.DeleteBlob(d); err != nil {
				return result, fmt.Errorf("delete blob %s: %w", d, err)
			}
		}
	}

	allManifestDigests, err := s.allManifestDigests()
	if err != nil {
		return GCResult{}, err
	}
	for _, d := range allManifestDigests {
		if _, ok := liveManifests[d]; ok {
			continue
		}
		size, _ := fileSize(s.manifestPath(d))
		result.ManifestsRemoved++
		result.BytesFreed += size
		result.DeletedDigests = append(result.DeletedDigests, d)
		if !dryRun {
			if _, err := s.DeleteManifest(d); err != nil {
				return result, fmt.Errorf("delete manifest %s: %w", d, err)
			}
		}
	}

	log.WithField("blobs_removed", result.BlobsRemoved).
		WithField("manifests_removed", result.ManifestsRemoved).
		WithField("bytes_freed", result.BytesFreed).
		WithField("dry_run", dryRun).
		Info("garbage collection complete")
	return result, nil
}

// manifestReferences returns the config and layer digests a manifest or
// manifest index refers to. Index entries are descriptors only, so their
// own digest is treated as live (it is already in liveManifests) and the
// platform manifests it points at are recursed into.
func (s *Store) manifestReferences(d digest.Digest) ([]digest.Digest, error) {
	content, mediaType, err := s.GetManifest(d)
	if err != nil {
		return nil, err
	}

	switch mediaType {
	case imagespec.MediaTypeImageIndex, "application/vnd.docker.distribution.manifest.list.v2+json":
		var idx imagespec.Index
		if err := json.Unmarshal(content, &idx); err != nil {
			return nil, fmt.Errorf("parse manifest index: %w", err)
		}
		var refs []digest.Digest
		for _, m := range idx.Manifests {
			child, err := s.manifestReferences(m.Digest)
			if err != nil {
				continue
			}
			refs = append(refs, child...)
		}
		return refs, nil
	default:
		var manifest imagespec.Manifest
		if err := json.Unmarshal(content, &manifest); err != nil {
			return nil, fmt.Errorf("parse manifest: %w", err)
		}
		refs := make([]digest.Digest, 0, len(manifest.Layers)+1)
		refs = append(refs, manifest.Config.Digest)
		for _, l := range manifest.Layers {
			refs = append(refs, l.Digest)
		}
		return refs, nil
	}
}

func (s *Store) allBlobDigests() ([]digest.Digest, error) {
	return s.digestsUnder(s.blobsRoot())
}

func (s *Store) allManifestDigests() ([]digest.Digest, error) {
	return s.digestsUnder(s.manifestsRoot())
}

func (s *Store) digestsUnder(algoDir string) ([]digest.Digest, error) {
	entries, err := dirEntries(algoDir)
	if err != nil {
		return nil, err
	}
	out := make([]digest.Digest, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) > 5 && name[len(name)-5:] == ".meta" {
			continue
		}
		out = append(out, joinAlgoDigest(algoDirName, name))
	}
	return out, nil
}
