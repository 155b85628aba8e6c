// Package canvas is the REST proxy client for the upstream Canvas LMS.
// Calls carry the user's decrypted bearer token per request; the client
// itself holds no credentials.
package canvas

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	bridgeerrors "github.com/edubridge/canvas-mcp/internal/errors"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client.
	httpClientTimeout = 30 * time.Second

	// maxResponseBytes caps response body reads so a misbehaving
	// upstream cannot consume unbounded memory.
	maxResponseBytes = 4 * 1024 * 1024

	// cacheTTL bounds how long a GET response is reused. The cache is a
	// latency nicety, not a correctness requirement.
	cacheTTL = 60 * time.Second

	// perPage is the page size requested from list endpoints.
	perPage = 50
)

// Client talks to Canvas REST APIs over HTTPS.
type Client struct {
	httpClient *http.Client

	// In-flight GETs with an identical key share one upstream round
	// trip; completed ones are reused within cacheTTL.
	group   singleflight.Group
	cacheMu sync.Mutex
	cache   map[string]cachedResponse

	// scheme is overridable so tests can point at an httptest server.
	scheme string
}

type cachedResponse struct {
	body      []byte
	fetchedAt time.Time
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the user's bearer
// token from leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a Canvas client. If httpClient is nil, a client
// with a 30-second timeout and same-host redirect policy is used.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		cache:      make(map[string]cachedResponse),
		scheme:     "https",
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// cacheKey builds the dedup/cache key for a GET. The token is folded in
// as a hash so responses are never shared across users, and the
// plaintext token never sits in a map key.
func cacheKey(domain, token, path, query string) string {
	h := sha256.Sum256([]byte(token))
	return domain + "|" + hex.EncodeToString(h[:8]) + "|" + path + "?" + query
}

// get performs an authenticated GET against the user's Canvas instance,
// deduplicating identical in-flight calls and reusing responses within
// cacheTTL.
func (c *Client) get(ctx context.Context, domain, token, path string, query url.Values) ([]byte, error) {
	q := ""
	if query != nil {
		q = query.Encode()
	}

	key := cacheKey(domain, token, path, q)

	c.cacheMu.Lock()
	if cached, ok := c.cache[key]; ok && time.Since(cached.fetchedAt) < cacheTTL {
		c.cacheMu.Unlock()
		return cached.body, nil
	}

	// Reap stale entries while holding the lock so the map stays
	// bounded by the working set instead of every key ever fetched.
	for k, v := range c.cache {
		if time.Since(v.fetchedAt) >= cacheTTL {
			delete(c.cache, k)
		}
	}
	c.cacheMu.Unlock()

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		body, fetchErr := c.fetch(ctx, domain, token, http.MethodGet, path, q, nil)
		if fetchErr != nil {
			return nil, fetchErr
		}

		c.cacheMu.Lock()
		c.cache[key] = cachedResponse{body: body, fetchedAt: time.Now()}
		c.cacheMu.Unlock()

		return body, nil
	})
	if err != nil {
		return nil, err
	}

	return v.([]byte), nil
}

// post performs an authenticated POST. Responses are never cached.
func (c *Client) post(ctx context.Context, domain, token, path string, form url.Values) ([]byte, error) {
	body := ""
	if form != nil {
		body = form.Encode()
	}
	return c.fetch(ctx, domain, token, http.MethodPost, path, "", []byte(body))
}

func (c *Client) fetch(ctx context.Context, domain, token, method, path, query string, body []byte) ([]byte, error) {
	u := &url.URL{
		Scheme:   c.scheme,
		Host:     domain,
		Path:     path,
		RawQuery: query,
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bridgeerrors.ErrUpstream, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", bridgeerrors.ErrUpstream, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s %s returned %d: %s",
			bridgeerrors.ErrUpstream, method, path, resp.StatusCode, sanitizeResponseBody(data))
	}

	return data, nil
}
