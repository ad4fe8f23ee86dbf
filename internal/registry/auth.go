package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"ross/internal/rerrors"
)

// tokenCacheKey is (registry, scope).
type tokenCacheKey struct {
	registry string
	scope    string
}

type authenticator struct {
	httpClient *http.Client
	username   string
	password   string

	mu    sync.RWMutex
	cache map[tokenCacheKey]string

	sf singleflight.Group
}

func newAuthenticator(httpClient *http.Client, username, password string) *authenticator {
	return &authenticator{
		httpClient: httpClient,
		username:   username,
		password:   password,
		cache:      make(map[tokenCacheKey]string),
	}
}

type bearerChallenge struct {
	realm   string
	service string
	scope   string
}

// parseWWWAuthenticate extracts realm/service/scope from a
// "Bearer realm=\"...\",service=\"...\",scope=\"...\"" header value.
func parseWWWAuthenticate(header string) (bearerChallenge, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return bearerChallenge{}, fmt.Errorf("unsupported auth challenge: %q", header)
	}
	params := header[len(prefix):]

	var c bearerChallenge
	for _, part := range splitAuthParams(params) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		switch key {
		case "realm":
			c.realm = val
		case "service":
			c.service = val
		case "scope":
			c.scope = val
		}
	}
	if c.realm == "" {
		return bearerChallenge{}, fmt.Errorf("auth challenge missing realm: %q", header)
	}
	return c, nil
}

// splitAuthParams splits a comma-separated parameter list while respecting
// commas embedded inside quoted values.
func splitAuthParams(s string) []string {
	var parts []string
	inQuotes := false
	start := 0
	for i, r := range s {
		switch r {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

// tokenFor fetches (or reuses a cached) bearer token for the given
// challenge, deduplicating concurrent fetches for the same (registry,
// scope) via singleflight.
func (a *authenticator) tokenFor(registryHost string, c bearerChallenge) (string, error) {
	key := tokenCacheKey{registry: registryHost, scope: c.scope}

	a.mu.RLock()
	if tok, ok := a.cache[key]; ok {
		a.mu.RUnlock()
		return tok, nil
	}
	a.mu.RUnlock()

	sfKey := registryHost + "|" + c.scope
	v, err, _ := a.sf.Do(sfKey, func() (interface{}, error) {
		tok, err := a.fetchToken(c)
		if err != nil {
			return "", err
		}
		a.mu.Lock()
		a.cache[key] = tok
		a.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (a *authenticator) invalidate(registryHost string, scope string) {
	a.mu.Lock()
	delete(a.cache, tokenCacheKey{registry: registryHost, scope: scope})
	a.mu.Unlock()
}

func (a *authenticator) fetchToken(c bearerChallenge) (string, error) {
	u, err := url.Parse(c.realm)
	if err != nil {
		return "", fmt.Errorf("%w: invalid auth realm %q: %v", rerrors.ErrAuthFailed, c.realm, err)
	}
	q := u.Query()
	if c.service != "" {
		q.Set("service", c.service)
	}
	if c.scope != "" {
		q.Set("scope", c.scope)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	if a.username != "" {
		req.SetBasicAuth(a.username, a.password)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token request: %v", rerrors.ErrAuthFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint returned %d", rerrors.ErrAuthFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: reading token response: %v", rerrors.ErrAuthFailed, err)
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("%w: parsing token response: %v", rerrors.ErrAuthFailed, err)
	}
	token := tr.Token
	if token == "" {
		token = tr.AccessToken
	}
	if token == "" {
		return "", fmt.Errorf("%w: token response had no token field", rerrors.ErrAuthFailed)
	}
	return token, nil
}

func parseRetryAfterSeconds(v string) (int, bool) {
	if v == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n, true
	}
	return 0, false
}
