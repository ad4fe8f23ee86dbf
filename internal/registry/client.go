package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	digest "github.com/opencontainers/go-digest"
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"

	"ross/internal/rerrors"
	"ross/internal/rlog"
)

const (
	mediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	mediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
)

var acceptedManifestTypes = strings.Join([]string{
	imagespec.MediaTypeImageManifest,
	imagespec.MediaTypeImageIndex,
	mediaTypeDockerManifest,
	mediaTypeDockerManifestList,
}, ", ")

// Client is an OCI Distribution v2 HTTP client. One Client is shared across
// every pull in a process; its token cache and singleflight group amortize
// authentication across concurrent layer fetches against the same
// registry.
type Client struct {
	httpClient *http.Client
	auth       *authenticator
}

// NewClient builds a Client. username/password are used for the Basic-auth
// leg of the bearer-token exchange (§4.2 step 3); leave both empty for
// anonymous pulls.
func NewClient(username, password string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout:       60 * time.Second,
			CheckRedirect: checkRedirectDropAuth,
		},
		auth: newAuthenticator(&http.Client{Timeout: 30 * time.Second}, username, password),
	}
}

// checkRedirectDropAuth enforces the cross-host Authorization-dropping
// rule: a registry may redirect blob fetches to a CDN, and the
// Authorization header must not follow to a different host.
func checkRedirectDropAuth(req *http.Request, via []*http.Request) error {
	if len(via) == 0 {
		return nil
	}
	if req.URL.Host != via[0].URL.Host {
		req.Header.Del("Authorization")
	}
	if len(via) >= 10 {
		return fmt.Errorf("stopped after 10 redirects")
	}
	return nil
}

// ManifestResult is the outcome of GetManifest / GetManifestForPlatform.
type ManifestResult struct {
	Digest    digest.Digest
	MediaType string
	Content   []byte
}

func pullScope(repository string) string {
	return fmt.Sprintf("repository:%s:pull", repository)
}

// scheme is "https" in production. Tests targeting an httptest.Server
// (which only speaks plain HTTP) override it for the duration of the test.
var scheme = "https"

func manifestURL(ref Reference) string {
	return fmt.Sprintf("%s://%s/v2/%s/manifests/%s", scheme, ref.Registry, ref.Repository, ref.TagOrDigest())
}

func blobURL(registryHost, repository string, d digest.Digest) string {
	return fmt.Sprintf("%s://%s/v2/%s/blobs/%s", scheme, registryHost, repository, d.String())
}

// GetManifest fetches the manifest (or index) named by ref. The canonical
// digest is taken from the Docker-Content-Digest response header when
// present, otherwise computed locally from the body.
func (c *Client) GetManifest(ctx context.Context, ref Reference) (ManifestResult, error) {
	scope := pullScope(ref.Repository)
	u := manifestURL(ref)

	resp, err := c.requestWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", acceptedManifestTypes)
		return req, nil
	}, scope)
	if err != nil {
		return ManifestResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ManifestResult{}, fmt.Errorf("%w: %s", rerrors.ErrManifestNotFound, ref)
	}
	if resp.StatusCode != http.StatusOK {
		return ManifestResult{}, fmt.Errorf("%w: manifest fetch for %s returned %d", rerrors.ErrRegistry, ref, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ManifestResult{}, fmt.Errorf("%w: reading manifest body: %v", rerrors.ErrIO, err)
	}

	d := digest.Digest(resp.Header.Get("Docker-Content-Digest"))
	if d == "" {
		d = digest.FromBytes(body)
	}
	mediaType := resp.Header.Get("Content-Type")
	if mediaType == "" {
		mediaType = imagespec.MediaTypeImageManifest
	}

	return ManifestResult{Digest: d, MediaType: mediaType, Content: body}, nil
}

// GetManifestForPlatform resolves ref, descending into a manifest index if
// necessary to find the descriptor matching (os, arch). Returns
// PlatformUnavailable if no entry matches.
func (c *Client) GetManifestForPlatform(ctx context.Context, ref Reference, os, arch string) (ManifestResult, error) {
	result, err := c.GetManifest(ctx, ref)
	if err != nil {
		return ManifestResult{}, err
	}

	switch result.MediaType {
	case imagespec.MediaTypeImageIndex, mediaTypeDockerManifestList:
		var idx imagespec.Index
		if err := json.Unmarshal(result.Content, &idx); err != nil {
			return ManifestResult{}, fmt.Errorf("%w: parsing manifest index: %v", rerrors.ErrSerialization, err)
		}
		for _, m := range idx.Manifests {
			if m.Platform == nil {
				continue
			}
			if m.Platform.OS == os && m.Platform.Architecture == arch {
				byDigest := Reference{Registry: ref.Registry, Repository: ref.Repository, Digest: m.Digest.String()}
				return c.GetManifestForPlatform(ctx, byDigest, os, arch)
			}
		}
		return ManifestResult{}, fmt.Errorf("%w: no manifest for %s/%s in %s", rerrors.ErrPlatformUnavailable, os, arch, ref)
	default:
		return result, nil
	}
}

// GetBlob streams the blob named by d from repository on registryHost. The
// caller is responsible for closing the returned reader and for verifying
// the digest (e.g. via store.PutBlobStream) once fully read.
func (c *Client) GetBlob(ctx context.Context, registryHost, repository string, d digest.Digest) (io.ReadCloser, error) {
	scope := pullScope(repository)
	u := blobURL(registryHost, repository, d)

	resp, err := c.requestWithRetry(ctx, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, u, nil)
	}, scope)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: blob %s in %s", rerrors.ErrBlobNotFound, d, repository)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: blob fetch %s returned %d", rerrors.ErrRegistry, d, resp.StatusCode)
	}

	rlog.For("registry").WithField("digest", d).WithField("repository", repository).Debug("fetched blob")
	return resp.Body, nil
}
