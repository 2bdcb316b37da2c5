package uptest

import (
	"context"
	"fmt"
	"sync"

	"github.com/R3E-Network/uptane-agent/internal/uptane/fetcher"
	"github.com/R3E-Network/uptane-agent/internal/uptane/flowcontrol"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
)

type latestKey struct {
	repo model.Repo
	role model.Role
}

type versionKey struct {
	repo    model.Repo
	role    model.Role
	version int64
}

// Fetcher is an in-memory fetcher.MetadataFetcher: metadata and target
// bodies are staged by test setup via PutLatest/PutVersion/PutTarget, and
// every call is recorded for later assertion.
type Fetcher struct {
	mu sync.Mutex

	latest  map[latestKey][]byte
	version map[versionKey][]byte
	targets map[string][]byte

	LatestCalls  []latestKey
	VersionCalls []versionKey
	TargetCalls  []string

	Err error // if set, every call fails with this error
}

var _ fetcher.MetadataFetcher = (*Fetcher)(nil)

func NewFetcher() *Fetcher {
	return &Fetcher{
		latest:  make(map[latestKey][]byte),
		version: make(map[versionKey][]byte),
		targets: make(map[string][]byte),
	}
}

func (f *Fetcher) PutLatest(repo model.Repo, role model.Role, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest[latestKey{repo, role}] = body
}

func (f *Fetcher) PutVersion(repo model.Repo, role model.Role, version int64, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version[versionKey{repo, role, version}] = body
}

func (f *Fetcher) PutTarget(filename string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets[filename] = body
}

func (f *Fetcher) FetchLatest(ctx context.Context, repo model.Repo, role model.Role, maxSize int64, token *flowcontrol.Token) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LatestCalls = append(f.LatestCalls, latestKey{repo, role})
	if f.Err != nil {
		return nil, f.Err
	}
	body, ok := f.latest[latestKey{repo, role}]
	if !ok {
		return nil, fmt.Errorf("uptest: no staged latest body for %s/%v", repo, role)
	}
	if int64(len(body)) > maxSize {
		return nil, fetcher.ErrOversized{Limit: maxSize}
	}
	return body, nil
}

func (f *Fetcher) FetchVersion(ctx context.Context, repo model.Repo, role model.Role, version int64, maxSize int64, token *flowcontrol.Token) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := versionKey{repo, role, version}
	f.VersionCalls = append(f.VersionCalls, key)
	if f.Err != nil {
		return nil, f.Err
	}
	body, ok := f.version[key]
	if !ok {
		return nil, fmt.Errorf("uptest: no staged version body for %s/%v v%d", repo, role, version)
	}
	if int64(len(body)) > maxSize {
		return nil, fetcher.ErrOversized{Limit: maxSize}
	}
	return body, nil
}

func (f *Fetcher) FetchTarget(ctx context.Context, repo model.Repo, filename string, maxSize int64, token *flowcontrol.Token, w fetcher.TargetWriter) error {
	f.mu.Lock()
	body, ok := f.targets[filename]
	err := f.Err
	f.TargetCalls = append(f.TargetCalls, filename)
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("uptest: no staged target body for %q", filename)
	}
	if int64(len(body)) > maxSize {
		return fetcher.ErrOversized{Limit: maxSize}
	}
	_, werr := w.Write(body)
	return werr
}
