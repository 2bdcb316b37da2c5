package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/R3E-Network/uptane-agent/internal/uptane/flowcontrol"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
	"github.com/R3E-Network/uptane-agent/internal/uptane/netutil"
)

// copyHTTPClientWithTimeout returns a shallow copy of base with its Timeout
// set: safe to call with a shared client since it never mutates the
// original.
func copyHTTPClientWithTimeout(base *http.Client, timeout time.Duration, force bool) *http.Client {
	if base == nil {
		return &http.Client{Timeout: timeout}
	}
	copied := *base
	if copied.Timeout == 0 || force {
		copied.Timeout = timeout
	}
	return &copied
}

// NetworkFetcher retrieves metadata and targets from live Director/Image
// repo base URLs over HTTP, with exponential-backoff retry and a
// per-repo circuit breaker.
type NetworkFetcher struct {
	DirectorBaseURL string
	ImageBaseURL    string
	client          *http.Client
	retryCfg        netutil.RetryConfig
	directorBreaker *netutil.Breaker
	imageBreaker    *netutil.Breaker
}

// NewNetworkFetcher builds a NetworkFetcher. base may be nil, in which case
// a client with a 30s timeout is created.
func NewNetworkFetcher(directorBaseURL, imageBaseURL string, base *http.Client) *NetworkFetcher {
	return &NetworkFetcher{
		DirectorBaseURL: directorBaseURL,
		ImageBaseURL:    imageBaseURL,
		client:          copyHTTPClientWithTimeout(base, 30*time.Second, false),
		retryCfg:        netutil.DefaultRetryConfig(),
		directorBreaker: netutil.NewBreaker("director-repo"),
		imageBreaker:    netutil.NewBreaker("image-repo"),
	}
}

func (f *NetworkFetcher) baseURL(repo model.Repo) string {
	if repo == model.RepoDirector {
		return f.DirectorBaseURL
	}
	return f.ImageBaseURL
}

func (f *NetworkFetcher) breaker(repo model.Repo) *netutil.Breaker {
	if repo == model.RepoDirector {
		return f.directorBreaker
	}
	return f.imageBreaker
}

func (f *NetworkFetcher) FetchLatest(ctx context.Context, repo model.Repo, role model.Role, maxSize int64, token *flowcontrol.Token) ([]byte, error) {
	return f.fetch(ctx, repo, role.Filename(), maxSize, token)
}

func (f *NetworkFetcher) FetchVersion(ctx context.Context, repo model.Repo, role model.Role, version int64, maxSize int64, token *flowcontrol.Token) ([]byte, error) {
	return f.fetch(ctx, repo, role.VersionedFilename(version), maxSize, token)
}

func (f *NetworkFetcher) FetchTarget(ctx context.Context, repo model.Repo, filename string, maxSize int64, token *flowcontrol.Token, w TargetWriter) error {
	body, err := f.fetch(ctx, repo, path.Join("targets", filename), maxSize, token)
	if err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("fetcher: write target %s: %w", filename, err)
	}
	return nil
}

func (f *NetworkFetcher) fetch(ctx context.Context, repo model.Repo, relPath string, maxSize int64, token *flowcontrol.Token) ([]byte, error) {
	if token != nil {
		if err := token.CheckContext(ctx); err != nil {
			return nil, err
		}
	}

	full, err := url.JoinPath(f.baseURL(repo), relPath)
	if err != nil {
		return nil, fmt.Errorf("fetcher: build url: %w", err)
	}

	breaker := f.breaker(repo)
	var body []byte
	err = netutil.Retry(ctx, f.retryCfg, func() error {
		result, berr := breaker.Do(func() (interface{}, error) {
			return f.doRequest(ctx, full, maxSize)
		})
		if berr != nil {
			return berr
		}
		body = result.([]byte)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetcher: fetch %s: %w", full, err)
	}
	return body, nil
}

func (f *NetworkFetcher) doRequest(ctx context.Context, fullURL string, maxSize int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetcher: build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetcher: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetcher: unexpected status %d for %s", resp.StatusCode, fullURL)
	}

	limited := io.LimitReader(resp.Body, maxSize+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("fetcher: read body: %w", err)
	}
	if int64(len(body)) > maxSize {
		return nil, ErrOversized{Limit: maxSize}
	}
	return body, nil
}

var _ MetadataFetcher = (*NetworkFetcher)(nil)
