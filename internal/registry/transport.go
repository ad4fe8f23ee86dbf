package registry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ross/internal/rerrors"
)

const maxAttempts = 5

// requestWithRetry sends req, retrying network errors and 5xx/429
// responses with exponential backoff (base 250ms, factor 2, full jitter,
// capped at maxAttempts), honoring a Retry-After override when present.
// 4xx responses other than 401 are returned immediately to the caller; 401
// is handled one layer down, inside attemptOnce's auth retry.
func (c *Client) requestWithRetry(ctx context.Context, newReq func() (*http.Request, error), scope string) (*http.Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	// Full jitter: a uniform random delay between 0 and the exponential step.
	nextDelay := func() time.Duration {
		return time.Duration(rand.Int63n(int64(bo.NextBackOff()) + 1))
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := newReq()
		if err != nil {
			return nil, err
		}
		req = req.WithContext(ctx)

		resp, err := c.attemptOnce(req, scope)
		if err != nil {
			if !isRetryableTransportError(err) {
				return nil, err
			}
			lastErr = err
		} else if isRetryableStatus(resp.StatusCode) {
			lastErr = fmt.Errorf("%w: %s returned status %d", rerrors.ErrRegistry, req.URL, resp.StatusCode)
			delay := retryAfterDelay(resp.Header.Get("Retry-After"))
			resp.Body.Close()
			if attempt == maxAttempts-1 {
				break
			}
			if delay <= 0 {
				delay = nextDelay()
			}
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
			continue
		} else {
			return resp, nil
		}

		if attempt == maxAttempts-1 {
			break
		}
		if err := sleepCtx(ctx, nextDelay()); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// attemptOnce sends req once, attaching a cached bearer token if one
// exists for scope. On a 401 it parses the WWW-Authenticate challenge,
// fetches a fresh token, and retries exactly once more before surfacing
// AuthFailed.
func (c *Client) attemptOnce(req *http.Request, scope string) (*http.Response, error) {
	registryHost := req.URL.Host

	if tok, ok := c.cachedToken(registryHost, scope); ok {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rerrors.ErrRegistry, err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	challengeHeader := resp.Header.Get("WWW-Authenticate")
	resp.Body.Close()
	challenge, err := parseWWWAuthenticate(challengeHeader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rerrors.ErrAuthFailed, err)
	}
	if challenge.scope == "" {
		challenge.scope = scope
	}

	token, err := c.auth.tokenFor(registryHost, challenge)
	if err != nil {
		return nil, err
	}

	retryReq := req.Clone(req.Context())
	retryReq.Header.Set("Authorization", "Bearer "+token)
	retryResp, err := c.httpClient.Do(retryReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rerrors.ErrRegistry, err)
	}
	if retryResp.StatusCode == http.StatusUnauthorized {
		retryResp.Body.Close()
		c.auth.invalidate(registryHost, challenge.scope)
		return nil, fmt.Errorf("%w: %s", rerrors.ErrAuthFailed, req.URL)
	}
	return retryResp, nil
}

func (c *Client) cachedToken(registryHost, scope string) (string, bool) {
	c.auth.mu.RLock()
	defer c.auth.mu.RUnlock()
	tok, ok := c.auth.cache[tokenCacheKey{registry: registryHost, scope: scope}]
	return tok, ok
}

func isRetryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

func isRetryableTransportError(err error) bool {
	if errors.Is(err, rerrors.ErrAuthFailed) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, rerrors.ErrRegistry)
}

// retryAfterDelay parses a Retry-After header, in either the seconds form
// or the HTTP-date form, returning 0 if absent or unparseable.
func retryAfterDelay(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, ok := parseRetryAfterSeconds(header); ok {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
