// Package fetch implements the Source Fetcher: it resolves a
// FunctionSpec's URI (either local://, carrying inline source, or an
// http(s):// URL pointing at a hosted script) into the raw script body
// the script engine compiles.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/worklethost/auctionserver/internal/status"
	redisclient "github.com/worklethost/auctionserver/pkg/redis"
)

// maxResponseSize caps a fetched script body. A hostile or broken
// script server returning an unbounded body must not be able to
// exhaust server memory during a refresh cycle.
const maxResponseSize = 1024 * 1024

// defaultTimeout bounds a single fetch attempt.
const defaultTimeout = 10 * time.Second

// defaultCacheTTL bounds how long a fetched body and its ETag stay in
// the revalidation cache. Every fetch still goes to the origin, as a
// conditional GET while an ETag is cached; once the entry expires the
// next fetch is unconditional.
const defaultCacheTTL = 10 * time.Minute

// HTTPDoer abstracts http.Client.Do so construction-time tests can
// substitute an httptest server or a stub without a real listener.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// revalidationCache is the subset of pkg/redis.Client the fetcher uses;
// it is an interface so tests can run without a Redis instance.
type revalidationCache interface {
	Get(ctx context.Context, key string) (redisclient.Entry, bool)
	Set(ctx context.Context, key string, e redisclient.Entry, ttl time.Duration) error
}

// Fetcher resolves FunctionSpec URIs into script bodies.
type Fetcher struct {
	client   HTTPDoer
	cache    revalidationCache
	cacheTTL time.Duration
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPDoer overrides the HTTP client used for http(s):// fetches.
func WithHTTPDoer(d HTTPDoer) Option {
	return func(f *Fetcher) { f.client = d }
}

// WithCache attaches a revalidation cache keyed by URI.
func WithCache(c revalidationCache, ttl time.Duration) Option {
	return func(f *Fetcher) {
		f.cache = c
		if ttl > 0 {
			f.cacheTTL = ttl
		}
	}
}

// New constructs a Fetcher with a default bounded HTTP client.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   &http.Client{Timeout: defaultTimeout},
		cacheTTL: defaultCacheTTL,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch resolves one FunctionSpec into its script body. Scheme
// comparison is case-insensitive, so LOCAL://x behaves the same as
// local://x.
func (f *Fetcher) Fetch(ctx context.Context, spec FunctionSpecSource) ([]byte, error) {
	u, err := url.Parse(spec.URI())
	if err != nil {
		return nil, status.Wrap(status.InvalidArgument, "parse function uri", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "local":
		if spec.InlineSourceText() == "" {
			return nil, status.Newf(status.InvalidArgument, "local:// uri %q has no inline source", spec.URI())
		}
		return []byte(spec.InlineSourceText()), nil
	case "http", "https":
		return f.fetchHTTP(ctx, spec.URI())
	default:
		return nil, status.Newf(status.InvalidArgument, "unsupported uri scheme %q", u.Scheme)
	}
}

// FunctionSpecSource is the minimal view of auction.FunctionSpec the
// fetcher needs, kept narrow so fetch does not import auction (which
// would create an import cycle once auction starts calling fetch
// indirectly through the refresher's rebuild pipeline).
type FunctionSpecSource interface {
	URI() string
	InlineSourceText() string
}

func (f *Fetcher) fetchHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, status.Wrap(status.InvalidArgument, "build fetch request", err)
	}

	var cached redisclient.Entry
	var haveCached bool
	if f.cache != nil {
		cached, haveCached = f.cache.Get(ctx, rawURL)
		if haveCached && cached.ETag != "" {
			req.Header.Set("If-None-Match", cached.ETag)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, status.Wrap(status.Internal, "fetch function source", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && haveCached {
		return cached.Body, nil
	}

	body, kind, err := readBounded(resp)
	if err != nil {
		return nil, status.Wrap(kind, fmt.Sprintf("read function source from %s", rawURL), err)
	}
	if kind != status.Unknown {
		return nil, status.Newf(kind, "fetch function source from %s: status %d", rawURL, resp.StatusCode)
	}

	if f.cache != nil {
		etag := resp.Header.Get("ETag")
		_ = f.cache.Set(ctx, rawURL, redisclient.Entry{Body: body, ETag: etag}, f.cacheTTL)
	}
	return body, nil
}

// readBounded reads a size-capped response body and classifies non-2xx
// status codes into a status.Kind: 200 succeeds, 400 is
// invalid-argument, 401/403 is permission-denied, 404 is not-found,
// and every other non-2xx response is internal — deliberately not a
// blanket 4xx-to-invalid-argument mapping.
func readBounded(resp *http.Response) ([]byte, status.Kind, error) {
	limited := io.LimitReader(resp.Body, maxResponseSize+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, status.Internal, err
	}
	if len(body) > maxResponseSize {
		return nil, status.Internal, fmt.Errorf("response exceeds %d byte cap", maxResponseSize)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, status.Unknown, nil
	case resp.StatusCode == http.StatusBadRequest:
		return nil, status.InvalidArgument, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, status.PermissionDenied, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, status.NotFound, nil
	default:
		return nil, status.Internal, nil
	}
}
