package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	digest "github.com/opencontainers/go-digest"
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"ross/internal/registry"
	"ross/internal/rlog"
)

// Pull returns a channel of progress events and performs the fetch/extract
// work in a background goroutine.
// The events channel is closed when the pull finishes; the returned error
// channel receives exactly one value (nil on success) and is then closed.
func (p *Pipeline) Pull(ctx context.Context, refString string, opts Options) (<-chan Event, <-chan error) {
	events := make(chan Event, 64)
	errc := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errc)
		errc <- p.pull(ctx, refString, opts, events)
	}()

	return events, errc
}

func (p *Pipeline) pull(ctx context.Context, refString string, opts Options, events chan<- Event) error {
	log := rlog.For("pipeline")

	ref, err := registry.ParseReference(refString)
	if err != nil {
		return err
	}
	events <- Event{Kind: EventResolving, Message: fmt.Sprintf("Resolving %s", ref)}

	platform := opts.platform()
	manifestResult, err := p.registryClient.GetManifestForPlatform(ctx, ref, platform.OS, platform.Architecture)
	if err != nil {
		return fmt.Errorf("resolve manifest: %w", err)
	}
	events <- Event{Kind: EventResolved, Message: fmt.Sprintf("Resolved digest: %s", manifestResult.Digest), Digest: manifestResult.Digest}

	var manifest imagespec.Manifest
	if err := json.Unmarshal(manifestResult.Content, &manifest); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}

	if p.alreadyUpToDate(ref, manifestResult.Digest, manifest) {
		events <- Event{Kind: EventAlreadyUpToDate, Message: "Already up to date"}
		events <- Event{Kind: EventStatus, Message: fmt.Sprintf("Status: Image is up to date for %s", ref)}
		return nil
	}

	if err := p.pullConfig(ctx, ref, manifest, events); err != nil {
		return err
	}

	if err := p.pullLayers(ctx, ref, manifest, opts, events); err != nil {
		return err
	}

	if _, _, err := p.store.PutManifest(manifestResult.Content, manifestResult.MediaType); err != nil {
		return fmt.Errorf("store manifest: %w", err)
	}

	if ref.Tag != "" {
		if _, err := p.store.SetTag(ref.Repository, ref.Tag, manifestResult.Digest); err != nil {
			return fmt.Errorf("set tag: %w", err)
		}
	}
	events <- Event{Kind: EventStatus, Message: fmt.Sprintf("Digest: %s", manifestResult.Digest), Digest: manifestResult.Digest}

	if err := p.extractLayers(ref, manifest, events); err != nil {
		return err
	}

	events <- Event{Kind: EventStatus, Message: fmt.Sprintf("Status: Downloaded newer image for %s", ref)}
	log.WithField("ref", ref.String()).WithField("digest", manifestResult.Digest).Info("pull complete")
	return nil
}

// alreadyUpToDate is the pull short-circuit: the tag already maps to this
// manifest digest, and every layer blob and committed snapshot it names is
// already present.
func (p *Pipeline) alreadyUpToDate(ref registry.Reference, manifestDigest digest.Digest, manifest imagespec.Manifest) bool {
	if ref.Tag == "" {
		return false
	}
	existingDigest, _, err := p.store.ResolveTag(ref.Repository, ref.Tag)
	if err != nil || existingDigest != manifestDigest {
		return false
	}
	if !p.store.HasBlob(manifest.Config.Digest) {
		return false
	}
	for _, l := range manifest.Layers {
		if !p.store.HasBlob(l.Digest) {
			return false
		}
		if _, err := p.snapshotter.Stat(l.Digest.String()); err != nil {
			return false
		}
	}
	return true
}

func (p *Pipeline) pullConfig(ctx context.Context, ref registry.Reference, manifest imagespec.Manifest, events chan<- Event) error {
	short := shortDigest(manifest.Config.Digest)
	if p.store.HasBlob(manifest.Config.Digest) {
		events <- Event{Kind: EventAlreadyExists, Message: fmt.Sprintf("%s: Already exists", short), Digest: manifest.Config.Digest}
		return nil
	}

	events <- Event{Kind: EventPullingConfig, Message: fmt.Sprintf("%s: Pulling config", short), Digest: manifest.Config.Digest}
	rc, err := p.registryClient.GetBlob(ctx, ref.Registry, ref.Repository, manifest.Config.Digest)
	if err != nil {
		return fmt.Errorf("fetch config: %w", err)
	}
	defer rc.Close()

	if _, _, err := p.store.PutBlobStream(manifest.Config.MediaType, rc, manifest.Config.Digest); err != nil {
		return fmt.Errorf("store config: %w", err)
	}
	events <- Event{Kind: EventPullComplete, Message: fmt.Sprintf("%s: Pull complete", short), Digest: manifest.Config.Digest}
	return nil
}

// pullLayers downloads every layer blob: a semaphore of
// MaxConcurrentDownloads permits bounds simultaneous fetches; any one
// failure cancels the rest via the errgroup's shared context.
func (p *Pipeline) pullLayers(ctx context.Context, ref registry.Reference, manifest imagespec.Manifest, opts Options, events chan<- Event) error {
	total := len(manifest.Layers)
	sem := make(chan struct{}, opts.maxConcurrent())

	g, gctx := errgroup.WithContext(ctx)
	for i, layer := range manifest.Layers {
		i, layer := i, layer
		short := shortDigest(layer.Digest)

		if p.store.HasBlob(layer.Digest) {
			events <- Event{Kind: EventAlreadyExists, Message: fmt.Sprintf("%s: Already exists", short), Digest: layer.Digest, Index: i + 1, Total: total}
			continue
		}

		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-sem }()

			events <- Event{Kind: EventDownloading, Message: fmt.Sprintf("%s: Downloading [%d/%d]", short, i+1, total), Digest: layer.Digest, Index: i + 1, Total: total}

			rc, err := p.registryClient.GetBlob(gctx, ref.Registry, ref.Repository, layer.Digest)
			if err != nil {
				return fmt.Errorf("fetch layer %d: %w", i, err)
			}
			defer rc.Close()

			events <- Event{Kind: EventDownloadComplete, Message: fmt.Sprintf("%s: Download complete", short), Digest: layer.Digest, Index: i + 1, Total: total}

			if _, _, err := p.store.PutBlobStream(layer.MediaType, rc, layer.Digest); err != nil {
				return fmt.Errorf("store layer %d: %w", i, err)
			}
			events <- Event{Kind: EventPullComplete, Message: fmt.Sprintf("%s: Pull complete", short), Digest: layer.Digest, Index: i + 1, Total: total}
			return nil
		})
	}

	return g.Wait()
}

// extractLayers walks the layer list bottom-up, strictly sequentially,
// since each layer's extraction snapshot is keyed on the previous layer's
// committed snapshot as parent.
func (p *Pipeline) extractLayers(ref registry.Reference, manifest imagespec.Manifest, events chan<- Event) error {
	total := len(manifest.Layers)
	parent := ""

	for i, layer := range manifest.Layers {
		committedKey := layer.Digest.String()
		if _, err := p.snapshotter.Stat(committedKey); err == nil {
			parent = committedKey
			continue
		}

		events <- Event{Kind: EventExtracting, Message: fmt.Sprintf("Extracting layer %d/%d", i+1, total), Digest: layer.Digest, Index: i + 1, Total: total}

		data, err := p.store.GetBlob(layer.Digest, 0, -1)
		if err != nil {
			return fmt.Errorf("read layer %d for extraction: %w", i, err)
		}

		labels := map[string]string{"image": ref.String(), "layer.index": fmt.Sprintf("%d", i)}
		_, extracted, err := p.snapshotter.ExtractLayer(bytes.NewReader(data), parent, committedKey, labels)
		if err != nil {
			return fmt.Errorf("extract layer %d: %w", i, err)
		}

		events <- Event{Kind: EventExtracted, Message: fmt.Sprintf("Extracted (%d bytes)", extracted), Digest: layer.Digest, Index: i + 1, Total: total, Bytes: extracted}
		parent = committedKey
	}
	return nil
}

func shortDigest(d digest.Digest) string {
	encoded := d.Encoded()
	if len(encoded) > 12 {
		return encoded[:12]
	}
	return encoded
}
